package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobOutcomeEvent reports the result of one dial attempt. Downstream
// dashboard aggregation consumes these; the dialer itself never reads
// them back.
type JobOutcomeEvent struct {
	JobID       uuid.UUID `json:"job_id"`
	RunID       uuid.UUID `json:"run_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	LeadID      uuid.UUID `json:"lead_id"`
	PhoneNumber string    `json:"phone_number"`
	Status      string    `json:"status"`
	CallHandle  string    `json:"call_handle,omitempty"`
	Error       string    `json:"error,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// RunLifecycleEvent reports a campaign run state transition.
type RunLifecycleEvent struct {
	RunID      uuid.UUID `json:"run_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Status     string    `json:"status"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Cursor     int       `json:"cursor"`
	OccurredAt time.Time `json:"occurred_at"`
}
