package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/lead-dialer/internal/domain"
)

// AttemptStore keeps the append-only dial attempt history in Scylla,
// partitioned by (tenant, run, day) so a run's history stays in one
// partition per day regardless of volume.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// Append records one carrier attempt.
func (s *AttemptStore) Append(ctx context.Context, attempt domain.DialAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	bucket := bucketDate(attempt.CreatedAt)
	if err := s.session.Query(`INSERT INTO dial_attempts_by_run
		(tenant_id, run_id, bucket, attempt_id, job_id, phone, status, call_handle, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.TenantID.String(), attempt.RunID.String(), bucket, attempt.ID.String(),
		attempt.JobID.String(), attempt.Phone, string(attempt.Status), attempt.CallHandle,
		attempt.Error, attempt.Duration.Milliseconds(), attempt.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert: %w", err)
	}
	return nil
}

// ListByRun returns the run's attempts for one day bucket, newest first.
func (s *AttemptStore) ListByRun(ctx context.Context, tenantID, runID uuid.UUID, day time.Time, limit int) ([]domain.DialAttempt, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := s.session.Query(`SELECT attempt_id, job_id, phone, status, call_handle, error, duration_ms, created_at
		FROM dial_attempts_by_run
		WHERE tenant_id = ? AND run_id = ? AND bucket = ?
		LIMIT ?`,
		tenantID.String(), runID.String(), bucketDate(day), limit,
	).WithContext(ctx).Iter()

	var (
		results    []domain.DialAttempt
		attemptStr string
		jobStr     string
		phone      string
		status     string
		handle     string
		errText    string
		durationMs int64
		createdAt  time.Time
	)

	for iter.Scan(&attemptStr, &jobStr, &phone, &status, &handle, &errText, &durationMs, &createdAt) {
		attemptID, err := uuid.Parse(attemptStr)
		if err != nil {
			iter.Close()
			return nil, fmt.Errorf("attempt store: parse attempt_id: %w", err)
		}
		jobID, err := uuid.Parse(jobStr)
		if err != nil {
			iter.Close()
			return nil, fmt.Errorf("attempt store: parse job_id: %w", err)
		}
		results = append(results, domain.DialAttempt{
			ID:         attemptID,
			RunID:      runID,
			JobID:      jobID,
			TenantID:   tenantID,
			Phone:      phone,
			Status:     domain.JobStatus(status),
			CallHandle: handle,
			Error:      errText,
			Duration:   time.Duration(durationMs) * time.Millisecond,
			CreatedAt:  createdAt,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: iter close: %w", err)
	}
	return results, nil
}

func bucketDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
