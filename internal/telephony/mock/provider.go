package mock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/acme/lead-dialer/internal/config"
	"github.com/acme/lead-dialer/internal/telephony"
)

// Provider simulates outbound call behaviour for local development. The
// top-level rand functions are used because calls may be placed from
// concurrent goroutines.
type Provider struct {
	successRate float64
}

// NewProvider constructs a mock provider.
func NewProvider(cfg config.CallBridgeConfig) *Provider {
	return &Provider{successRate: 0.8}
}

// PlaceCall simulates a carrier attempt.
func (p *Provider) PlaceCall(ctx context.Context, req telephony.DialRequest) (telephony.Result, error) {
	duration := time.Duration(100+rand.Intn(900)) * time.Millisecond

	select {
	case <-ctx.Done():
		return telephony.Result{Duration: duration, Err: ctx.Err().Error()}, ctx.Err()
	case <-time.After(duration):
	}

	if rand.Float64() <= p.successRate {
		handle := fmt.Sprintf("mock-call-%d", rand.Int63())
		return telephony.Result{CallHandle: handle, Duration: duration}, nil
	}

	return telephony.Result{Duration: duration, Err: "simulated carrier rejection"}, nil
}
