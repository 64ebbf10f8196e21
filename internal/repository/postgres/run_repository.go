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

const runColumns = `id, tenant_id, name, status, max_concurrent, cancel_requested,
	locked_by, locked_at, heartbeat_at, cursor,
	total_jobs, queued_jobs, dialing_jobs, completed_jobs, failed_jobs,
	created_at, started_at, finished_at`

// RunRepository implements repository.RunRepository using PostgreSQL.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository constructs a new repository.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new campaign run.
func (r *RunRepository) Create(ctx context.Context, run *domain.CampaignRun) error {
	q := `INSERT INTO campaign_runs (
		id, tenant_id, name, status, max_concurrent, cancel_requested,
		cursor, total_jobs, queued_jobs, created_at
	) VALUES (
		:id, :tenant_id, :name, :status, :max_concurrent, :cancel_requested,
		:cursor, :total_jobs, :queued_jobs, :created_at
	)`

	params := map[string]any{
		"id":               run.ID,
		"tenant_id":        run.TenantID,
		"name":             run.Name,
		"status":           run.Status,
		"max_concurrent":   run.MaxConcurrent,
		"cancel_requested": run.CancelRequested,
		"cursor":           run.Cursor,
		"total_jobs":       run.Counters.Total,
		"queued_jobs":      run.Counters.Queued,
		"created_at":       run.CreatedAt,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("run repo: insert: %w", err)
	}
	return nil
}

// Get fetches a run by id within the tenant.
func (r *RunRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.CampaignRun, error) {
	q := `SELECT ` + runColumns + ` FROM campaign_runs WHERE id = $1 AND tenant_id = $2`

	var rec runRecord
	if err := r.db.QueryRowxContext(ctx, q, id, tenantID).StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("run repo: get: %w", err)
	}

	run := rec.toDomain()
	return &run, nil
}

// List returns the tenant's runs, newest first.
func (r *RunRepository) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*domain.CampaignRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+runColumns+`
		FROM campaign_runs WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("run repo: list: %w", err)
	}
	defer rows.Close()

	var results []*domain.CampaignRun
	for rows.Next() {
		var rec runRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("run repo: scan: %w", err)
		}
		run := rec.toDomain()
		results = append(results, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run repo: rows err: %w", err)
	}
	return results, nil
}

// ClaimRun atomically selects and locks one eligible run. The CTE locks
// the candidate row with FOR UPDATE SKIP LOCKED so two workers racing for
// the same run can never both win: the loser simply sees no row.
func (r *RunRepository) ClaimRun(ctx context.Context, tenantID uuid.UUID, workerID string, lockTimeout time.Duration) (*domain.CampaignRun, error) {
	q := `WITH candidate AS (
		SELECT id FROM campaign_runs
		WHERE tenant_id = $1
		  AND status IN ('pending', 'paused')
		  AND cancel_requested = FALSE
		  AND (locked_by IS NULL
		       OR COALESCE(heartbeat_at, locked_at) < NOW() - make_interval(secs => $3))
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE campaign_runs r SET
		status = 'running',
		locked_by = $2,
		locked_at = NOW(),
		heartbeat_at = NOW(),
		started_at = COALESCE(r.started_at, NOW())
	FROM candidate c
	WHERE r.id = c.id
	RETURNING ` + prefixed("r.", runColumns)

	var rec runRecord
	err := r.db.QueryRowxContext(ctx, q, tenantID, workerID, lockTimeout.Seconds()).StructScan(&rec)
	if err != nil {
		if err == sql.ErrNoRows {
			// Nothing eligible; not an error.
			return nil, nil
		}
		return nil, fmt.Errorf("run repo: claim: %w", err)
	}

	run := rec.toDomain()
	return &run, nil
}

// Heartbeat refreshes the lease while workerID still owns it.
func (r *RunRepository) Heartbeat(ctx context.Context, tenantID, runID uuid.UUID, workerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_runs
		SET heartbeat_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND locked_by = $3 AND status = 'running'`,
		runID, tenantID, workerID)
	if err != nil {
		return false, fmt.Errorf("run repo: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("run repo: rows affected: %w", err)
	}
	return n > 0, nil
}

// IsCancelled reads the cancel-requested flag.
func (r *RunRepository) IsCancelled(ctx context.Context, tenantID, runID uuid.UUID) (bool, error) {
	var cancelled bool
	err := r.db.QueryRowxContext(ctx, `SELECT cancel_requested FROM campaign_runs
		WHERE id = $1 AND tenant_id = $2`, runID, tenantID).Scan(&cancelled)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, repository.ErrNotFound
		}
		return false, fmt.Errorf("run repo: is cancelled: %w", err)
	}
	return cancelled, nil
}

// RequestCancel sets the cancel-requested flag. Settable at any time,
// independent of lock ownership.
func (r *RunRepository) RequestCancel(ctx context.Context, tenantID, runID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_runs SET cancel_requested = TRUE
		WHERE id = $1 AND tenant_id = $2`, runID, tenantID)
	if err != nil {
		return fmt.Errorf("run repo: request cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("run repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AdvanceCursor persists forward progress. GREATEST keeps the cursor
// monotonic even if updates land out of order.
func (r *RunRepository) AdvanceCursor(ctx context.Context, tenantID, runID uuid.UUID, position int) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE campaign_runs
		SET cursor = GREATEST(cursor, $3)
		WHERE id = $1 AND tenant_id = $2`, runID, tenantID, position); err != nil {
		return fmt.Errorf("run repo: advance cursor: %w", err)
	}
	return nil
}

// ReleaseLock transitions the run to finalState and clears the lease,
// guarded by locked_by = workerID. Returns false when the guard failed:
// releasing a lock you no longer own must never clobber the new owner.
func (r *RunRepository) ReleaseLock(ctx context.Context, tenantID, runID uuid.UUID, workerID string, finalState domain.RunStatus) (bool, error) {
	if !finalState.Terminal() {
		return false, fmt.Errorf("run repo: release: %q is not a terminal state", finalState)
	}

	res, err := r.db.ExecContext(ctx, `UPDATE campaign_runs SET
		status = $4,
		locked_by = NULL,
		locked_at = NULL,
		heartbeat_at = NULL,
		finished_at = NOW()
	WHERE id = $1 AND tenant_id = $2 AND locked_by = $3`,
		runID, tenantID, workerID, finalState)
	if err != nil {
		return false, fmt.Errorf("run repo: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("run repo: rows affected: %w", err)
	}
	return n > 0, nil
}

// RecoverStaleRuns returns runs abandoned by dead workers to a
// reclaimable state. Scoped to lease-timeout-exceeded rows only, so a
// slow but live worker is never raced.
func (r *RunRepository) RecoverStaleRuns(ctx context.Context, tenantID uuid.UUID, olderThan time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_runs SET
		status = 'paused',
		locked_by = NULL,
		locked_at = NULL,
		heartbeat_at = NULL
	WHERE tenant_id = $1
	  AND status = 'running'
	  AND COALESCE(heartbeat_at, locked_at) < NOW() - make_interval(secs => $2)`,
		tenantID, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("run repo: recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("run repo: rows affected: %w", err)
	}
	return int(n), nil
}

// ApplyCounters applies denormalized counter deltas atomically.
func (r *RunRepository) ApplyCounters(ctx context.Context, tenantID, runID uuid.UUID, delta repository.CounterDelta) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE campaign_runs SET
		queued_jobs = queued_jobs + $3,
		dialing_jobs = dialing_jobs + $4,
		completed_jobs = completed_jobs + $5,
		failed_jobs = failed_jobs + $6
	WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID,
		delta.QueuedDelta, delta.DialingDelta, delta.CompletedDelta, delta.FailedDelta,
	); err != nil {
		return fmt.Errorf("run repo: apply counters: %w", err)
	}
	return nil
}

type runRecord struct {
	ID              uuid.UUID      `db:"id"`
	TenantID        uuid.UUID      `db:"tenant_id"`
	Name            string         `db:"name"`
	Status          string         `db:"status"`
	MaxConcurrent   int            `db:"max_concurrent"`
	CancelRequested bool           `db:"cancel_requested"`
	LockedBy        sql.NullString `db:"locked_by"`
	LockedAt        sql.NullTime   `db:"locked_at"`
	HeartbeatAt     sql.NullTime   `db:"heartbeat_at"`
	Cursor          int            `db:"cursor"`
	TotalJobs       int            `db:"total_jobs"`
	QueuedJobs      int            `db:"queued_jobs"`
	DialingJobs     int            `db:"dialing_jobs"`
	CompletedJobs   int            `db:"completed_jobs"`
	FailedJobs      int            `db:"failed_jobs"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	FinishedAt      sql.NullTime   `db:"finished_at"`
}

func (r runRecord) toDomain() domain.CampaignRun {
	run := domain.CampaignRun{
		ID:              r.ID,
		TenantID:        r.TenantID,
		Name:            r.Name,
		Status:          domain.RunStatus(r.Status),
		MaxConcurrent:   r.MaxConcurrent,
		CancelRequested: r.CancelRequested,
		Cursor:          r.Cursor,
		Counters: domain.RunCounters{
			Total:     r.TotalJobs,
			Queued:    r.QueuedJobs,
			Dialing:   r.DialingJobs,
			Completed: r.CompletedJobs,
			Failed:    r.FailedJobs,
		},
		CreatedAt: r.CreatedAt,
	}
	if r.LockedBy.Valid {
		v := r.LockedBy.String
		run.LockedBy = &v
	}
	if r.LockedAt.Valid {
		t := r.LockedAt.Time
		run.LockedAt = &t
	}
	if r.HeartbeatAt.Valid {
		t := r.HeartbeatAt.Time
		run.HeartbeatAt = &t
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		run.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		run.FinishedAt = &t
	}
	return run
}
