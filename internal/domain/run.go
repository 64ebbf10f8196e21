package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus enumerates lifecycle states of a campaign run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a valid final state for a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// JobStatus enumerates lifecycle stages for an individual dial job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusDialing   JobStatus = "dialing"
	JobStatusCalling   JobStatus = "calling"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// CampaignRun models one execution of "dial this batch of leads" for a
// single tenant. Lock ownership is the (LockedBy, HeartbeatAt) pair: a run
// in running state whose heartbeat is older than the lease timeout is
// reclaimable by the recovery sweep.
type CampaignRun struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Name            string
	Status          RunStatus
	MaxConcurrent   int
	CancelRequested bool

	LockedBy    *string
	LockedAt    *time.Time
	HeartbeatAt *time.Time

	// Cursor counts jobs processed so far. Advisory; dial_jobs.status is
	// the source of truth for remaining work.
	Cursor int

	Counters RunCounters

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RunCounters are denormalized per-run job counts for operator display.
type RunCounters struct {
	Total     int
	Queued    int
	Dialing   int
	Completed int
	Failed    int
}

// DialJob is one (run, lead) pair representing a single outbound call
// attempt. The pair is unique within a run.
type DialJob struct {
	ID       uuid.UUID
	RunID    uuid.UUID
	TenantID uuid.UUID
	LeadID   uuid.UUID
	Status   JobStatus

	// DialLock is an opaque per-attempt token set when a worker claims
	// the job, together with DialStartedAt.
	DialLock      *string
	DialStartedAt *time.Time

	CallHandle *string
	LastError  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lead is the minimal projection of the CRM lead the dialer needs.
type Lead struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	Phone    string
}

// DialAttempt captures one carrier attempt for observability.
type DialAttempt struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	JobID      uuid.UUID
	TenantID   uuid.UUID
	Phone      string
	Status     JobStatus
	CallHandle string
	Error      string
	Duration   time.Duration
	CreatedAt  time.Time
}
