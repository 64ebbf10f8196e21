package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-dialer/internal/domain"
	apperrors "github.com/acme/lead-dialer/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// RunRepository manages campaign run persistence, including the leased
// lock that grants one worker exclusive rights to progress a run. Every
// method is scoped to a tenant; no call can observe another tenant's rows.
type RunRepository interface {
	Create(ctx context.Context, run *domain.CampaignRun) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.CampaignRun, error)
	List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*domain.CampaignRun, error)

	// ClaimRun atomically selects and locks the oldest eligible run for
	// the tenant: pending or paused, not cancel-requested, and either
	// unlocked or holding a lease older than lockTimeout. Returns
	// (nil, nil) when no run is eligible.
	ClaimRun(ctx context.Context, tenantID uuid.UUID, workerID string, lockTimeout time.Duration) (*domain.CampaignRun, error)

	// Heartbeat refreshes the lease only while workerID still owns it.
	// A false return means the lock was lost and the caller must stop.
	Heartbeat(ctx context.Context, tenantID, runID uuid.UUID, workerID string) (bool, error)

	// IsCancelled reads the cancel-requested flag.
	IsCancelled(ctx context.Context, tenantID, runID uuid.UUID) (bool, error)

	// RequestCancel sets the cancel-requested flag, independent of lock
	// ownership.
	RequestCancel(ctx context.Context, tenantID, runID uuid.UUID) error

	// AdvanceCursor persists jobs-processed-so-far. Monotonic and
	// advisory; dial_jobs.status remains the source of truth.
	AdvanceCursor(ctx context.Context, tenantID, runID uuid.UUID, position int) error

	// ReleaseLock clears the lease and sets finalState, guarded by
	// locked_by = workerID. Returns false (not an error) when the guard
	// failed because the lock is no longer held.
	ReleaseLock(ctx context.Context, tenantID, runID uuid.UUID, workerID string, finalState domain.RunStatus) (bool, error)

	// RecoverStaleRuns returns running runs whose lease expired more
	// than olderThan ago to paused, clearing the lock. Returns the
	// number of runs recovered.
	RecoverStaleRuns(ctx context.Context, tenantID uuid.UUID, olderThan time.Duration) (int, error)

	// ApplyCounters applies denormalized counter deltas atomically.
	ApplyCounters(ctx context.Context, tenantID, runID uuid.UUID, delta CounterDelta) error
}

// JobRepository stores dial jobs and implements the per-job idempotent
// claim.
type JobRepository interface {
	BulkInsert(ctx context.Context, runID uuid.UUID, jobs []DialJobRecord) error

	// ClaimNext atomically selects one queued, unlocked job of the run
	// whose lead has a usable phone number, stamps its dial lock, and
	// returns it. Returns (nil, nil) when the run is drained.
	ClaimNext(ctx context.Context, tenantID, runID uuid.UUID) (*ClaimedJob, error)

	// FailMissingPhone fails every queued job of the run whose lead has
	// no usable phone number, recording the reason. Returns the number
	// of jobs failed.
	FailMissingPhone(ctx context.Context, tenantID, runID uuid.UUID) (int, error)

	// MarkCalling records a successful carrier handoff.
	MarkCalling(ctx context.Context, tenantID, jobID uuid.UUID, callHandle string) error

	// MarkFailed records a per-job dial failure.
	MarkFailed(ctx context.Context, tenantID, jobID uuid.UUID, dialErr string) error

	ListByRun(ctx context.Context, tenantID, runID uuid.UUID, status domain.JobStatus, limit int) ([]domain.DialJob, error)
}

// LeadRepository stores the lead projection the dialer joins against.
type LeadRepository interface {
	BulkInsert(ctx context.Context, leads []domain.Lead) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Lead, error)
}

// AttemptStore keeps the append-only dial attempt history.
type AttemptStore interface {
	Append(ctx context.Context, attempt domain.DialAttempt) error
	ListByRun(ctx context.Context, tenantID, runID uuid.UUID, day time.Time, limit int) ([]domain.DialAttempt, error)
}

// DialJobRecord is the storage representation used on bulk insert.
type DialJobRecord struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	LeadID    uuid.UUID
	CreatedAt time.Time
}

// ClaimedJob is the typed result of a successful job claim.
type ClaimedJob struct {
	JobID    uuid.UUID
	RunID    uuid.UUID
	TenantID uuid.UUID
	LeadID   uuid.UUID
	Phone    string
	DialLock string
}

// CounterDelta captures atomic counter increments on a run.
type CounterDelta struct {
	QueuedDelta    int
	DialingDelta   int
	CompletedDelta int
	FailedDelta    int
}
