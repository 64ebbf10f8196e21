package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/lead-dialer/internal/repository"
	"github.com/acme/lead-dialer/pkg/logger"
)

// Sweeper periodically returns stale-locked runs to a reclaimable state.
// Workers already sweep on entry; this supervisor covers tenants with no
// active worker picking up new work.
type Sweeper struct {
	runs        repository.RunRepository
	logger      *logger.Logger
	tenants     []uuid.UUID
	interval    time.Duration
	lockTimeout time.Duration
}

// New constructs a sweeper.
func New(runs repository.RunRepository, lg *logger.Logger, tenants []uuid.UUID, interval, lockTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Minute
	}
	return &Sweeper{
		runs:        runs,
		logger:      lg.Named("sweeper"),
		tenants:     tenants,
		interval:    interval,
		lockTimeout: lockTimeout,
	}
}

// Run executes the sweep loop until cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	tracer := otel.Tracer("dialer.sweeper")
	sctx, span := tracer.Start(ctx, "sweeper.tick")
	defer span.End()

	total := 0
	for _, tenant := range s.tenants {
		recovered, err := s.runs.RecoverStaleRuns(sctx, tenant, s.lockTimeout)
		if err != nil {
			span.RecordError(err)
			s.logger.Error("sweeper: recover stale runs",
				zap.String("tenant_id", tenant.String()), zap.Error(err))
			continue
		}
		if recovered > 0 {
			s.logger.Info("sweeper: recovered stale runs",
				zap.String("tenant_id", tenant.String()), zap.Int("count", recovered))
		}
		total += recovered
	}
	span.SetAttributes(attribute.Int("runs.recovered", total))
}
