package dial

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-dialer/internal/config"
	"github.com/acme/lead-dialer/internal/domain"
	"github.com/acme/lead-dialer/internal/queue"
	"github.com/acme/lead-dialer/internal/repository"
	"github.com/acme/lead-dialer/internal/telephony"
	"github.com/acme/lead-dialer/pkg/logger"
)

// CarrierLimiter gates dial attempts across runs and worker processes.
type CarrierLimiter interface {
	Acquire(ctx context.Context, tenantID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, tenantID uuid.UUID) error
}

// EventPublisher emits outcome and lifecycle events for downstream
// consumers.
type EventPublisher interface {
	PublishOutcome(ctx context.Context, event queue.JobOutcomeEvent) error
	PublishLifecycle(ctx context.Context, event queue.RunLifecycleEvent) error
}

// RunResult summarizes one DrainRun invocation.
type RunResult struct {
	RunID     uuid.UUID
	Claimed   bool
	Final     domain.RunStatus
	LockLost  bool
	Processed int
	Failed    int
}

// Worker drains campaign runs to completion. Any number of workers may
// operate concurrently across machines; they coordinate solely through
// the job store's atomic claims.
type Worker struct {
	id       string
	runs     repository.RunRepository
	jobs     repository.JobRepository
	attempts repository.AttemptStore
	provider telephony.Provider
	limiter  CarrierLimiter
	events   EventPublisher
	logger   *logger.Logger

	queueCfg      config.QueueConfig
	carrierCfg    config.CarrierConfig
	bridgeTimeout time.Duration
}

// New creates a worker with a unique identity. attempts, limiter and
// events may be nil; the corresponding side channels are then skipped.
func New(
	workerID string,
	runs repository.RunRepository,
	jobs repository.JobRepository,
	attempts repository.AttemptStore,
	provider telephony.Provider,
	limiter CarrierLimiter,
	events EventPublisher,
	lg *logger.Logger,
	queueCfg config.QueueConfig,
	carrierCfg config.CarrierConfig,
	bridgeTimeout time.Duration,
) *Worker {
	if workerID == "" {
		workerID = uuid.NewString()
	}
	if bridgeTimeout <= 0 {
		bridgeTimeout = 10 * time.Second
	}
	queueCfg.ApplyDefaults()
	return &Worker{
		id:            workerID,
		runs:          runs,
		jobs:          jobs,
		attempts:      attempts,
		provider:      provider,
		limiter:       limiter,
		events:        events,
		logger:        lg.Named("dial"),
		queueCfg:      queueCfg,
		carrierCfg:    carrierCfg,
		bridgeTimeout: bridgeTimeout,
	}
}

// ID returns the worker identity used in lock ownership.
func (w *Worker) ID() string {
	return w.id
}

// Run polls for work for each tenant until the context is cancelled.
func (w *Worker) Run(ctx context.Context, tenants []uuid.UUID, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		for _, tenant := range tenants {
			for {
				result, err := w.DrainRun(ctx, tenant)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					w.logger.Error("dial worker: drain run",
						zap.String("tenant_id", tenant.String()), zap.Error(err))
					break
				}
				if !result.Claimed {
					break
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainRun claims one eligible run for the tenant and processes it to a
// terminal state. Returns Claimed=false when no run is eligible, which is
// not an error. Lock loss is reported via LockLost, also not an error.
func (w *Worker) DrainRun(ctx context.Context, tenantID uuid.UUID) (result RunResult, err error) {
	// Stale locks are reclaimed before looking for new work, so runs
	// abandoned by crashed workers become eligible again.
	recovered, err := w.runs.RecoverStaleRuns(ctx, tenantID, w.queueCfg.LockTimeout)
	if err != nil {
		return result, fmt.Errorf("dial worker: recover stale runs: %w", err)
	}
	if recovered > 0 {
		w.logger.Info("dial worker: recovered stale runs",
			zap.String("tenant_id", tenantID.String()), zap.Int("count", recovered))
	}

	run, err := w.runs.ClaimRun(ctx, tenantID, w.id, w.queueCfg.LockTimeout)
	if err != nil {
		return result, fmt.Errorf("dial worker: claim run: %w", err)
	}
	if run == nil {
		return result, nil
	}

	result.RunID = run.ID
	result.Claimed = true

	tracer := otel.Tracer("dialer.worker")
	sctx, span := tracer.Start(ctx, "run.drain", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("tenant.id", tenantID.String()),
		attribute.String("worker.id", w.id),
	))
	defer span.End()

	w.logger.Info("dial worker: run claimed",
		zap.String("run_id", run.ID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.Int("cursor", run.Cursor))

	w.publishLifecycle(sctx, run, domain.RunStatusRunning)

	// The loop body can only panic on programming errors; never leave the
	// run in running state with this worker gone.
	defer func() {
		if p := recover(); p != nil {
			w.release(context.Background(), run, domain.RunStatusFailed)
			err = fmt.Errorf("dial worker: panic: %v", p)
			result.Final = domain.RunStatusFailed
		}
	}()

	final, lockLost, processed, failed, loopErr := w.drainLoop(sctx, run)
	result.Processed = processed
	result.Failed = failed

	if lockLost {
		// The lock is no longer held; touching the run now would clobber
		// the new owner.
		result.LockLost = true
		span.SetAttributes(attribute.Bool("run.lock_lost", true))
		w.logger.Warn("dial worker: lock lost",
			zap.String("run_id", run.ID.String()), zap.String("worker_id", w.id))
		return result, nil
	}

	if loopErr != nil {
		if ctx.Err() != nil {
			// Shutdown mid-run: the lease stays in place and the recovery
			// sweep returns the run to paused once it expires.
			return result, ctx.Err()
		}
		span.RecordError(loopErr)
		w.release(context.Background(), run, domain.RunStatusFailed)
		result.Final = domain.RunStatusFailed
		return result, loopErr
	}

	w.release(sctx, run, final)
	result.Final = final
	return result, nil
}

// drainLoop is the claim-dial-record cycle. It returns the final state to
// release with, or lockLost/err when the run must not be finalized here.
func (w *Worker) drainLoop(ctx context.Context, run *domain.CampaignRun) (final domain.RunStatus, lockLost bool, processed, failed int, err error) {
	// Jobs that can never dial are failed up front rather than silently
	// starving in queued state.
	unplaceable, err := w.jobs.FailMissingPhone(ctx, run.TenantID, run.ID)
	if err != nil {
		return "", false, 0, 0, fmt.Errorf("dial worker: fail missing phone: %w", err)
	}
	if unplaceable > 0 {
		failed += unplaceable
		w.applyCounters(ctx, run, repository.CounterDelta{QueuedDelta: -unplaceable, FailedDelta: unplaceable})
		w.logger.Warn("dial worker: failed jobs without phone numbers",
			zap.String("run_id", run.ID.String()), zap.Int("count", unplaceable))
	}

	maxConcurrent := run.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = w.queueCfg.DefaultMaxConcurrent
	}

	// The lease must be refreshed even while every dial slot is stuck
	// waiting on the carrier cap, so the heartbeat runs on its own
	// goroutine for the whole drain. Losing the lease cancels dialCtx,
	// which unblocks slot waits and in-flight dials.
	dialCtx, cancelDials := context.WithCancel(ctx)
	defer cancelDials()

	var (
		hbMu   sync.Mutex
		hbLost bool
		hbErr  error
	)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.queueCfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-dialCtx.Done():
				return
			case <-ticker.C:
				alive, herr := w.runs.Heartbeat(dialCtx, run.TenantID, run.ID, w.id)
				if herr != nil {
					if dialCtx.Err() != nil {
						return
					}
					hbMu.Lock()
					hbErr = herr
					hbMu.Unlock()
					cancelDials()
					return
				}
				if !alive {
					hbMu.Lock()
					hbLost = true
					hbMu.Unlock()
					cancelDials()
					return
				}
			}
		}
	}()

	var (
		slots  = make(chan struct{}, maxConcurrent)
		wg     sync.WaitGroup
		mu     sync.Mutex
		cursor = run.Cursor
	)

	dialDone := func(ok bool) {
		mu.Lock()
		defer mu.Unlock()
		processed++
		if ok {
			cursor++
			position := cursor
			if cerr := w.runs.AdvanceCursor(ctx, run.TenantID, run.ID, position); cerr != nil {
				w.logger.Warn("dial worker: advance cursor",
					zap.String("run_id", run.ID.String()), zap.Error(cerr))
			}
		} else {
			failed++
		}
	}

	// finish drains in-flight dials and stops the heartbeat goroutine.
	finish := func() {
		wg.Wait()
		cancelDials()
		<-hbDone
	}

	for {
		if dialCtx.Err() != nil {
			finish()
			hbMu.Lock()
			lost, herr := hbLost, hbErr
			hbMu.Unlock()
			if ctx.Err() != nil {
				return "", false, processed, failed, ctx.Err()
			}
			if lost {
				return "", true, processed, failed, nil
			}
			if herr != nil {
				return "", false, processed, failed, fmt.Errorf("dial worker: heartbeat: %w", herr)
			}
			return "", false, processed, failed, dialCtx.Err()
		}

		cancelled, cerr := w.runs.IsCancelled(ctx, run.TenantID, run.ID)
		if cerr != nil {
			finish()
			return "", false, processed, failed, fmt.Errorf("dial worker: cancellation check: %w", cerr)
		}
		if cancelled {
			// In-flight dials finish and record their results first.
			finish()
			return domain.RunStatusCancelled, false, processed, failed, nil
		}

		claimed, jerr := w.jobs.ClaimNext(ctx, run.TenantID, run.ID)
		if jerr != nil {
			finish()
			return "", false, processed, failed, fmt.Errorf("dial worker: claim job: %w", jerr)
		}
		if claimed == nil {
			// Drained.
			finish()
			return domain.RunStatusCompleted, false, processed, failed, nil
		}

		w.applyCounters(ctx, run, repository.CounterDelta{QueuedDelta: -1, DialingDelta: 1})

		select {
		case slots <- struct{}{}:
		case <-dialCtx.Done():
			// Loop top reports the reason.
			continue
		}

		wg.Add(1)
		go func(job repository.ClaimedJob) {
			defer wg.Done()
			defer func() { <-slots }()
			ok := w.dialJob(dialCtx, run, job)
			dialDone(ok)
		}(*claimed)
	}
}

// dialJob performs one carrier attempt and records its result. A dial
// failure is recorded on the job and is never fatal to the run.
func (w *Worker) dialJob(ctx context.Context, run *domain.CampaignRun, job repository.ClaimedJob) bool {
	tracer := otel.Tracer("dialer.worker")
	sctx, span := tracer.Start(ctx, "job.dial", trace.WithAttributes(
		attribute.String("job.id", job.JobID.String()),
		attribute.String("run.id", job.RunID.String()),
	))
	defer span.End()

	release, err := w.waitForSlot(sctx, job.TenantID)
	if err != nil {
		span.RecordError(err)
		w.recordFailure(sctx, run, job, telephony.Result{Err: err.Error()})
		return false
	}
	if release != nil {
		defer release()
	}

	callCtx, cancel := context.WithTimeout(sctx, w.bridgeTimeout)
	result, callErr := w.provider.PlaceCall(callCtx, telephony.DialRequest{
		JobID:       job.JobID,
		RunID:       job.RunID,
		TenantID:    job.TenantID,
		LeadID:      job.LeadID,
		PhoneNumber: job.Phone,
	})
	cancel()

	if callErr != nil || result.Err != "" {
		if result.Err == "" {
			result.Err = callErr.Error()
		}
		span.RecordError(fmt.Errorf("place call: %s", result.Err))
		w.recordFailure(sctx, run, job, result)
		return false
	}

	if err := w.jobs.MarkCalling(sctx, job.TenantID, job.JobID, result.CallHandle); err != nil {
		span.RecordError(err)
		w.logger.Error("dial worker: mark calling",
			zap.String("job_id", job.JobID.String()), zap.Error(err))
		// The call went out but its handle could not be persisted; fail
		// the job with the persistence error so the row never sits in
		// dialing with no recorded outcome.
		w.recordFailure(sctx, run, job, telephony.Result{
			CallHandle: result.CallHandle,
			Duration:   result.Duration,
			Err:        fmt.Sprintf("record call handle: %v", err),
		})
		return false
	}

	w.applyCounters(sctx, run, repository.CounterDelta{DialingDelta: -1, CompletedDelta: 1})
	w.recordAttempt(sctx, job, domain.JobStatusCalling, result)
	w.publishOutcome(sctx, job, string(domain.JobStatusCalling), result)

	// Fixed inter-call delay paces this dial slot towards the carrier.
	select {
	case <-ctx.Done():
	case <-time.After(w.queueCfg.InterCallDelay):
	}

	return true
}

func (w *Worker) recordFailure(ctx context.Context, run *domain.CampaignRun, job repository.ClaimedJob, result telephony.Result) {
	if err := w.jobs.MarkFailed(ctx, job.TenantID, job.JobID, result.Err); err != nil {
		w.logger.Error("dial worker: mark failed",
			zap.String("job_id", job.JobID.String()), zap.Error(err))
	}
	w.applyCounters(ctx, run, repository.CounterDelta{DialingDelta: -1, FailedDelta: 1})
	w.recordAttempt(ctx, job, domain.JobStatusFailed, result)
	w.publishOutcome(ctx, job, string(domain.JobStatusFailed), result)
}

// waitForSlot blocks until the tenant's carrier cap admits another call.
func (w *Worker) waitForSlot(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	if w.limiter == nil || w.carrierCfg.TenantConcurrency <= 0 {
		return nil, nil
	}

	for {
		acquired, err := w.limiter.Acquire(ctx, tenantID, w.carrierCfg.TenantConcurrency)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if acquired {
			release := func() {
				if err := w.limiter.Release(context.Background(), tenantID); err != nil {
					w.logger.Warn("dial worker: release carrier slot", zap.Error(err))
				}
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (w *Worker) release(ctx context.Context, run *domain.CampaignRun, finalState domain.RunStatus) {
	released, err := w.runs.ReleaseLock(ctx, run.TenantID, run.ID, w.id, finalState)
	if err != nil {
		w.logger.Error("dial worker: release lock",
			zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}
	if !released {
		w.logger.Warn("dial worker: release skipped, lock no longer held",
			zap.String("run_id", run.ID.String()), zap.String("worker_id", w.id))
		return
	}
	w.publishLifecycle(ctx, run, finalState)
	w.logger.Info("dial worker: run released",
		zap.String("run_id", run.ID.String()), zap.String("final_state", string(finalState)))
}

func (w *Worker) applyCounters(ctx context.Context, run *domain.CampaignRun, delta repository.CounterDelta) {
	if err := w.runs.ApplyCounters(ctx, run.TenantID, run.ID, delta); err != nil {
		w.logger.Warn("dial worker: apply counters",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}

func (w *Worker) recordAttempt(ctx context.Context, job repository.ClaimedJob, status domain.JobStatus, result telephony.Result) {
	if w.attempts == nil {
		return
	}
	attempt := domain.DialAttempt{
		ID:         uuid.New(),
		RunID:      job.RunID,
		JobID:      job.JobID,
		TenantID:   job.TenantID,
		Phone:      job.Phone,
		Status:     status,
		CallHandle: result.CallHandle,
		Error:      result.Err,
		Duration:   result.Duration,
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.attempts.Append(ctx, attempt); err != nil {
		w.logger.Warn("dial worker: record attempt",
			zap.String("job_id", job.JobID.String()), zap.Error(err))
	}
}

func (w *Worker) publishOutcome(ctx context.Context, job repository.ClaimedJob, status string, result telephony.Result) {
	if w.events == nil {
		return
	}
	event := queue.JobOutcomeEvent{
		JobID:       job.JobID,
		RunID:       job.RunID,
		TenantID:    job.TenantID,
		LeadID:      job.LeadID,
		PhoneNumber: job.Phone,
		Status:      status,
		CallHandle:  result.CallHandle,
		Error:       result.Err,
		DurationMs:  result.Duration.Milliseconds(),
		OccurredAt:  time.Now().UTC(),
	}
	if err := w.events.PublishOutcome(ctx, event); err != nil {
		w.logger.Warn("dial worker: publish outcome",
			zap.String("job_id", job.JobID.String()), zap.Error(err))
	}
}

func (w *Worker) publishLifecycle(ctx context.Context, run *domain.CampaignRun, status domain.RunStatus) {
	if w.events == nil {
		return
	}
	event := queue.RunLifecycleEvent{
		RunID:      run.ID,
		TenantID:   run.TenantID,
		Status:     string(status),
		WorkerID:   w.id,
		Cursor:     run.Cursor,
		OccurredAt: time.Now().UTC(),
	}
	if err := w.events.PublishLifecycle(ctx, event); err != nil {
		w.logger.Warn("dial worker: publish lifecycle",
			zap.String("run_id", run.ID.String()), zap.Error(err))
	}
}
