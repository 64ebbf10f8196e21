package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-dialer/internal/domain"
	"github.com/acme/lead-dialer/internal/repository"
)

// missingPhoneReason is recorded on jobs whose lead cannot be dialed.
const missingPhoneReason = "lead has no usable phone number"

// JobRepository implements repository.JobRepository using PostgreSQL.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository constructs the repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// BulkInsert inserts a batch of dial jobs for the run. The unique
// (run_id, lead_id) constraint rejects a lead enqueued twice in the same
// run; ON CONFLICT DO NOTHING makes producer retries idempotent.
func (r *JobRepository) BulkInsert(ctx context.Context, runID uuid.UUID, jobs []repository.DialJobRecord) error {
	if len(jobs) == 0 {
		return nil
	}

	q := `INSERT INTO dial_jobs (
		id, run_id, tenant_id, lead_id, status, created_at, updated_at
	) VALUES (:id, :run_id, :tenant_id, :lead_id, :status, :created_at, :updated_at)
	ON CONFLICT (run_id, lead_id) DO NOTHING`

	rows := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, map[string]any{
			"id":         j.ID,
			"run_id":     runID,
			"tenant_id":  j.TenantID,
			"lead_id":    j.LeadID,
			"status":     domain.JobStatusQueued,
			"created_at": j.CreatedAt,
			"updated_at": j.CreatedAt,
		})
	}

	if _, err := r.db.NamedExecContext(ctx, q, rows); err != nil {
		return fmt.Errorf("dial jobs: bulk insert: %w", err)
	}
	return nil
}

// ClaimNext atomically selects and locks one queued job of the run whose
// lead has a usable phone number. The same FOR UPDATE SKIP LOCKED
// discipline as the run claim guarantees each job is handed to at most one
// caller. The ascending id ordering is a stable tie-break, not a promise.
func (r *JobRepository) ClaimNext(ctx context.Context, tenantID, runID uuid.UUID) (*repository.ClaimedJob, error) {
	dialLock := uuid.NewString()

	q := `WITH candidate AS (
		SELECT j.id, l.phone
		FROM dial_jobs j
		JOIN leads l ON l.id = j.lead_id AND l.tenant_id = j.tenant_id
		WHERE j.run_id = $1
		  AND j.tenant_id = $2
		  AND j.status = 'queued'
		  AND j.dial_lock IS NULL
		  AND l.phone IS NOT NULL AND l.phone <> ''
		ORDER BY j.id ASC
		FOR UPDATE OF j SKIP LOCKED
		LIMIT 1
	)
	UPDATE dial_jobs d SET
		status = 'dialing',
		dial_lock = $3,
		dial_started_at = NOW(),
		updated_at = NOW()
	FROM candidate c
	WHERE d.id = c.id
	RETURNING d.id, d.run_id, d.tenant_id, d.lead_id, c.phone, d.dial_lock`

	var rec claimedJobRecord
	err := r.db.QueryRowxContext(ctx, q, runID, tenantID, dialLock).StructScan(&rec)
	if err != nil {
		if err == sql.ErrNoRows {
			// Drained, or the remaining queued jobs lost the race.
			return nil, nil
		}
		return nil, fmt.Errorf("dial jobs: claim next: %w", err)
	}

	return &repository.ClaimedJob{
		JobID:    rec.ID,
		RunID:    rec.RunID,
		TenantID: rec.TenantID,
		LeadID:   rec.LeadID,
		Phone:    rec.Phone,
		DialLock: rec.DialLock,
	}, nil
}

// FailMissingPhone fails queued jobs whose lead has no phone number, so no
// job is ever left permanently queued with no forward progress.
func (r *JobRepository) FailMissingPhone(ctx context.Context, tenantID, runID uuid.UUID) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE dial_jobs j SET
		status = 'failed',
		last_error = $3,
		updated_at = NOW()
	FROM leads l
	WHERE j.run_id = $1
	  AND j.tenant_id = $2
	  AND j.status = 'queued'
	  AND j.dial_lock IS NULL
	  AND l.id = j.lead_id AND l.tenant_id = j.tenant_id
	  AND (l.phone IS NULL OR l.phone = '')`,
		runID, tenantID, missingPhoneReason)
	if err != nil {
		return 0, fmt.Errorf("dial jobs: fail missing phone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dial jobs: rows affected: %w", err)
	}
	return int(n), nil
}

// MarkCalling records the carrier call handle after a successful handoff.
func (r *JobRepository) MarkCalling(ctx context.Context, tenantID, jobID uuid.UUID, callHandle string) error {
	return r.setOutcome(ctx, tenantID, jobID, domain.JobStatusCalling, &callHandle, nil)
}

// MarkFailed records a per-job dial failure.
func (r *JobRepository) MarkFailed(ctx context.Context, tenantID, jobID uuid.UUID, dialErr string) error {
	return r.setOutcome(ctx, tenantID, jobID, domain.JobStatusFailed, nil, &dialErr)
}

func (r *JobRepository) setOutcome(ctx context.Context, tenantID, jobID uuid.UUID, status domain.JobStatus, callHandle, dialErr *string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE dial_jobs SET
		status = $3,
		call_handle = COALESCE($4, call_handle),
		last_error = $5,
		updated_at = NOW()
	WHERE id = $1 AND tenant_id = $2`,
		jobID, tenantID, status, callHandle, dialErr)
	if err != nil {
		return fmt.Errorf("dial jobs: set outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dial jobs: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListByRun lists jobs of a run, optionally filtered by status.
func (r *JobRepository) ListByRun(ctx context.Context, tenantID, runID uuid.UUID, status domain.JobStatus, limit int) ([]domain.DialJob, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT id, run_id, tenant_id, lead_id, status, dial_lock, dial_started_at,
		call_handle, last_error, created_at, updated_at
	FROM dial_jobs
	WHERE run_id = $1 AND tenant_id = $2`
	args := []any{runID, tenantID}
	if status != "" {
		q += " AND status = $3 ORDER BY id ASC LIMIT $4"
		args = append(args, status, limit)
	} else {
		q += " ORDER BY id ASC LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("dial jobs: list: %w", err)
	}
	defer rows.Close()

	var results []domain.DialJob
	for rows.Next() {
		var rec jobRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("dial jobs: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dial jobs: rows err: %w", err)
	}
	return results, nil
}

type claimedJobRecord struct {
	ID       uuid.UUID `db:"id"`
	RunID    uuid.UUID `db:"run_id"`
	TenantID uuid.UUID `db:"tenant_id"`
	LeadID   uuid.UUID `db:"lead_id"`
	Phone    string    `db:"phone"`
	DialLock string    `db:"dial_lock"`
}

type jobRecord struct {
	ID            uuid.UUID      `db:"id"`
	RunID         uuid.UUID      `db:"run_id"`
	TenantID      uuid.UUID      `db:"tenant_id"`
	LeadID        uuid.UUID      `db:"lead_id"`
	Status        string         `db:"status"`
	DialLock      sql.NullString `db:"dial_lock"`
	DialStartedAt sql.NullTime   `db:"dial_started_at"`
	CallHandle    sql.NullString `db:"call_handle"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r jobRecord) toDomain() domain.DialJob {
	job := domain.DialJob{
		ID:        r.ID,
		RunID:     r.RunID,
		TenantID:  r.TenantID,
		LeadID:    r.LeadID,
		Status:    domain.JobStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.DialLock.Valid {
		v := r.DialLock.String
		job.DialLock = &v
	}
	if r.DialStartedAt.Valid {
		t := r.DialStartedAt.Time
		job.DialStartedAt = &t
	}
	if r.CallHandle.Valid {
		v := r.CallHandle.String
		job.CallHandle = &v
	}
	if r.LastError.Valid {
		v := r.LastError.String
		job.LastError = &v
	}
	return job
}
