package run

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-dialer/internal/domain"
	"github.com/acme/lead-dialer/internal/repository"
	apperrors "github.com/acme/lead-dialer/pkg/errors"
)

// Service orchestrates campaign run creation and operator control. It is
// the producer side of the queue: a run and its full set of dial jobs must
// exist before any worker may claim it.
type Service struct {
	runs                 repository.RunRepository
	jobs                 repository.JobRepository
	leads                repository.LeadRepository
	defaultMaxConcurrent int
}

// NewService constructs a run service.
func NewService(
	runs repository.RunRepository,
	jobs repository.JobRepository,
	leads repository.LeadRepository,
	defaultMaxConcurrent int,
) *Service {
	return &Service{
		runs:                 runs,
		jobs:                 jobs,
		leads:                leads,
		defaultMaxConcurrent: defaultMaxConcurrent,
	}
}

// CreateRunInput captures run creation parameters.
type CreateRunInput struct {
	TenantID      uuid.UUID
	Name          string
	MaxConcurrent int
	LeadIDs       []uuid.UUID
}

// Create provisions a new campaign run with one dial job per lead.
func (s *Service) Create(ctx context.Context, input CreateRunInput) (*domain.CampaignRun, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &domain.CampaignRun{
		ID:            uuid.New(),
		TenantID:      input.TenantID,
		Name:          input.Name,
		Status:        domain.RunStatusPending,
		MaxConcurrent: s.resolveConcurrency(input.MaxConcurrent),
		Counters: domain.RunCounters{
			Total:  len(input.LeadIDs),
			Queued: len(input.LeadIDs),
		},
		CreatedAt: now,
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("run service: create run: %w", err)
	}

	records := make([]repository.DialJobRecord, 0, len(input.LeadIDs))
	for _, leadID := range input.LeadIDs {
		records = append(records, repository.DialJobRecord{
			ID:        uuid.New(),
			TenantID:  input.TenantID,
			LeadID:    leadID,
			CreatedAt: now,
		})
	}
	if err := s.jobs.BulkInsert(ctx, run.ID, records); err != nil {
		return nil, fmt.Errorf("run service: store jobs: %w", err)
	}

	return run, nil
}

// Get retrieves a run with its progress fields.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.CampaignRun, error) {
	return s.runs.Get(ctx, tenantID, id)
}

// List returns the tenant's runs.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*domain.CampaignRun, error) {
	return s.runs.List(ctx, tenantID, limit)
}

// Cancel requests cooperative cancellation. The owning worker honors the
// flag within one job-processing cycle; an in-flight dial is allowed to
// finish and its result is recorded.
func (s *Service) Cancel(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.runs.RequestCancel(ctx, tenantID, id)
}

// Jobs lists a run's dial jobs, optionally filtered by status.
func (s *Service) Jobs(ctx context.Context, tenantID, runID uuid.UUID, status domain.JobStatus, limit int) ([]domain.DialJob, error) {
	return s.jobs.ListByRun(ctx, tenantID, runID, status, limit)
}

// RegisterLeads stores leads so runs can target them. In production the
// CRM owns this table; the endpoint exists for integration setups.
func (s *Service) RegisterLeads(ctx context.Context, leads []domain.Lead) error {
	for _, l := range leads {
		if l.TenantID == uuid.Nil {
			return fmt.Errorf("run service: lead %s: %w: tenant id required", l.ID, apperrors.ErrValidation)
		}
	}
	return s.leads.BulkInsert(ctx, leads)
}

func (s *Service) resolveConcurrency(value int) int {
	if value <= 0 {
		return s.defaultMaxConcurrent
	}
	return value
}

func validateCreateInput(input CreateRunInput) error {
	if input.TenantID == uuid.Nil {
		return fmt.Errorf("run service: %w: tenant id required", apperrors.ErrValidation)
	}
	if input.Name == "" {
		return fmt.Errorf("run service: %w: name required", apperrors.ErrValidation)
	}
	if len(input.LeadIDs) == 0 {
		return fmt.Errorf("run service: %w: at least one lead required", apperrors.ErrValidation)
	}
	seen := make(map[uuid.UUID]struct{}, len(input.LeadIDs))
	for _, id := range input.LeadIDs {
		if id == uuid.Nil {
			return fmt.Errorf("run service: %w: lead id required", apperrors.ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("run service: %w: lead %s listed twice", apperrors.ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
