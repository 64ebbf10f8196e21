package telephony

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DialRequest carries the resolved target for one outbound call attempt.
type DialRequest struct {
	JobID       uuid.UUID
	RunID       uuid.UUID
	TenantID    uuid.UUID
	LeadID      uuid.UUID
	PhoneNumber string
}

// Result captures the outcome of a carrier attempt. CallHandle is the
// carrier's call identifier and is only meaningful when Err is empty.
type Result struct {
	CallHandle string
	Duration   time.Duration
	Err        string
}

// Provider abstracts the carrier integration. PlaceCall must be safe to
// invoke at most once per claimed job per attempt; the dialer never
// retries a failed placement itself.
type Provider interface {
	PlaceCall(ctx context.Context, req DialRequest) (Result, error)
}
