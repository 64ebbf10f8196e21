package dial

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-dialer/internal/config"
	"github.com/acme/lead-dialer/internal/domain"
	"github.com/acme/lead-dialer/internal/queue"
	"github.com/acme/lead-dialer/internal/repository"
	"github.com/acme/lead-dialer/internal/telephony"
	"github.com/acme/lead-dialer/pkg/logger"
)

type fakeRunStore struct {
	mu sync.Mutex

	run           *domain.CampaignRun
	claimed       bool
	claims        int
	heartbeats    int
	alive         bool
	cancelChecks  int
	cancelOnCheck int

	cursor   int
	released []domain.RunStatus
	counters repository.CounterDelta
}

func newFakeRunStore(run *domain.CampaignRun) *fakeRunStore {
	return &fakeRunStore{run: run, alive: true}
}

func (f *fakeRunStore) Create(ctx context.Context, run *domain.CampaignRun) error { return nil }

func (f *fakeRunStore) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.CampaignRun, error) {
	return f.run, nil
}

func (f *fakeRunStore) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]*domain.CampaignRun, error) {
	return nil, nil
}

func (f *fakeRunStore) ClaimRun(ctx context.Context, tenantID uuid.UUID, workerID string, lockTimeout time.Duration) (*domain.CampaignRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.run == nil || f.claimed {
		return nil, nil
	}
	f.claimed = true
	now := time.Now().UTC()
	f.run.Status = domain.RunStatusRunning
	f.run.LockedBy = &workerID
	f.run.LockedAt = &now
	f.run.HeartbeatAt = &now
	claimed := *f.run
	return &claimed, nil
}

func (f *fakeRunStore) Heartbeat(ctx context.Context, tenantID, runID uuid.UUID, workerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.alive, nil
}

func (f *fakeRunStore) IsCancelled(ctx context.Context, tenantID, runID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelChecks++
	if f.cancelOnCheck > 0 && f.cancelChecks >= f.cancelOnCheck {
		return true, nil
	}
	return false, nil
}

func (f *fakeRunStore) RequestCancel(ctx context.Context, tenantID, runID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelOnCheck = 1
	return nil
}

func (f *fakeRunStore) AdvanceCursor(ctx context.Context, tenantID, runID uuid.UUID, position int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if position > f.cursor {
		f.cursor = position
	}
	return nil
}

func (f *fakeRunStore) ReleaseLock(ctx context.Context, tenantID, runID uuid.UUID, workerID string, finalState domain.RunStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, finalState)
	f.run.Status = finalState
	f.run.LockedBy = nil
	f.run.LockedAt = nil
	f.run.HeartbeatAt = nil
	return true, nil
}

func (f *fakeRunStore) RecoverStaleRuns(ctx context.Context, tenantID uuid.UUID, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeRunStore) ApplyCounters(ctx context.Context, tenantID, runID uuid.UUID, delta repository.CounterDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters.QueuedDelta += delta.QueuedDelta
	f.counters.DialingDelta += delta.DialingDelta
	f.counters.CompletedDelta += delta.CompletedDelta
	f.counters.FailedDelta += delta.FailedDelta
	return nil
}

type fakeJobStore struct {
	mu sync.Mutex

	pending      []repository.ClaimedJob
	missingPhone int
	claims       int
	callingErr   error
	calling      map[uuid.UUID]string
	failed       map[uuid.UUID]string
}

func newFakeJobStore(jobs ...repository.ClaimedJob) *fakeJobStore {
	return &fakeJobStore{
		pending: jobs,
		calling: make(map[uuid.UUID]string),
		failed:  make(map[uuid.UUID]string),
	}
}

func (f *fakeJobStore) BulkInsert(ctx context.Context, runID uuid.UUID, jobs []repository.DialJobRecord) error {
	return nil
}

func (f *fakeJobStore) ClaimNext(ctx context.Context, tenantID, runID uuid.UUID) (*repository.ClaimedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if len(f.pending) == 0 {
		return nil, nil
	}
	job := f.pending[0]
	f.pending = f.pending[1:]
	job.DialLock = uuid.NewString()
	return &job, nil
}

func (f *fakeJobStore) FailMissingPhone(ctx context.Context, tenantID, runID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.missingPhone
	f.missingPhone = 0
	return n, nil
}

func (f *fakeJobStore) MarkCalling(ctx context.Context, tenantID, jobID uuid.UUID, callHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callingErr != nil {
		return f.callingErr
	}
	f.calling[jobID] = callHandle
	return nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, tenantID, jobID uuid.UUID, dialErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = dialErr
	return nil
}

func (f *fakeJobStore) ListByRun(ctx context.Context, tenantID, runID uuid.UUID, status domain.JobStatus, limit int) ([]domain.DialJob, error) {
	return nil, nil
}

type scriptedProvider struct {
	mu        sync.Mutex
	failPhone map[string]string
	calls     int
}

func (p *scriptedProvider) PlaceCall(ctx context.Context, req telephony.DialRequest) (telephony.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if msg, ok := p.failPhone[req.PhoneNumber]; ok {
		return telephony.Result{Err: msg}, nil
	}
	return telephony.Result{CallHandle: "handle-" + req.JobID.String(), Duration: 10 * time.Millisecond}, nil
}

type gaugeProvider struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (p *gaugeProvider) PlaceCall(ctx context.Context, req telephony.DialRequest) (telephony.Result, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
	return telephony.Result{CallHandle: "handle"}, nil
}

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts []domain.DialAttempt
}

func (f *fakeAttemptStore) Append(ctx context.Context, attempt domain.DialAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeAttemptStore) ListByRun(ctx context.Context, tenantID, runID uuid.UUID, day time.Time, limit int) ([]domain.DialAttempt, error) {
	return nil, nil
}

type fakePublisher struct {
	mu         sync.Mutex
	outcomes   []queue.JobOutcomeEvent
	lifecycles []queue.RunLifecycleEvent
}

func (f *fakePublisher) PublishOutcome(ctx context.Context, event queue.JobOutcomeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, event)
	return nil
}

func (f *fakePublisher) PublishLifecycle(ctx context.Context, event queue.RunLifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lifecycles = append(f.lifecycles, event)
	return nil
}

// saturatedLimiter models a carrier cap held by other worker processes.
type saturatedLimiter struct{}

func (saturatedLimiter) Acquire(ctx context.Context, tenantID uuid.UUID, limit int) (bool, error) {
	return false, nil
}

func (saturatedLimiter) Release(ctx context.Context, tenantID uuid.UUID) error { return nil }

type fakeLimiter struct {
	mu       sync.Mutex
	acquires int
	releases int
}

func (f *fakeLimiter) Acquire(ctx context.Context, tenantID uuid.UUID, limit int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return true, nil
}

func (f *fakeLimiter) Release(ctx context.Context, tenantID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func testRun(maxConcurrent int) *domain.CampaignRun {
	return &domain.CampaignRun{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		Name:          "q3 renewals",
		Status:        domain.RunStatusPending,
		MaxConcurrent: maxConcurrent,
		CreatedAt:     time.Now().UTC(),
	}
}

func testJobs(run *domain.CampaignRun, phones ...string) []repository.ClaimedJob {
	jobs := make([]repository.ClaimedJob, 0, len(phones))
	for _, phone := range phones {
		jobs = append(jobs, repository.ClaimedJob{
			JobID:    uuid.New(),
			RunID:    run.ID,
			TenantID: run.TenantID,
			LeadID:   uuid.New(),
			Phone:    phone,
		})
	}
	return jobs
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		HeartbeatInterval: time.Minute,
		LockTimeout:       5 * time.Minute,
		InterCallDelay:    time.Millisecond,
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	lg, err := logger.New("test")
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return lg
}

func TestDrainRunNoEligibleRun(t *testing.T) {
	runs := newFakeRunStore(nil)
	jobs := newFakeJobStore()
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, nil, nil, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	result, err := w.DrainRun(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Claimed {
		t.Fatal("expected no run to be claimed")
	}
	if len(runs.released) != 0 {
		t.Fatalf("expected no release, got %v", runs.released)
	}
}

func TestDrainRunProcessesAllJobs(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	jobs := newFakeJobStore(testJobs(run, "+15550001", "+15550002", "+15550003")...)
	attempts := &fakeAttemptStore{}
	events := &fakePublisher{}
	w := New("worker-1", runs, jobs, attempts, &scriptedProvider{}, nil, events, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	result, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Claimed {
		t.Fatal("expected the run to be claimed")
	}
	if result.Final != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", result.Final)
	}
	if result.Processed != 3 || result.Failed != 0 {
		t.Fatalf("expected 3 processed and 0 failed, got %d/%d", result.Processed, result.Failed)
	}
	if len(jobs.calling) != 3 {
		t.Fatalf("expected 3 jobs marked calling, got %d", len(jobs.calling))
	}
	if runs.cursor != 3 {
		t.Fatalf("expected cursor 3, got %d", runs.cursor)
	}
	if len(runs.released) != 1 || runs.released[0] != domain.RunStatusCompleted {
		t.Fatalf("expected one completed release, got %v", runs.released)
	}
	if len(attempts.attempts) != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", len(attempts.attempts))
	}
	if len(events.outcomes) != 3 {
		t.Fatalf("expected 3 outcome events, got %d", len(events.outcomes))
	}
	if len(events.lifecycles) != 2 {
		t.Fatalf("expected running and completed lifecycle events, got %d", len(events.lifecycles))
	}
}

func TestDrainRunDialFailureIsNotFatal(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	batch := testJobs(run, "+15550001", "+15550002")
	jobs := newFakeJobStore(batch...)
	provider := &scriptedProvider{failPhone: map[string]string{"+15550002": "carrier rejected"}}
	w := New("worker-1", runs, jobs, nil, provider, nil, nil, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	result, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Final != domain.RunStatusCompleted {
		t.Fatalf("expected completed despite failed dial, got %s", result.Final)
	}
	if result.Processed != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 processed and 1 failed, got %d/%d", result.Processed, result.Failed)
	}
	if got := jobs.failed[batch[1].JobID]; got != "carrier rejected" {
		t.Fatalf("expected failure reason on job, got %q", got)
	}
	if runs.cursor != 1 {
		t.Fatalf("expected cursor 1 after one success, got %d", runs.cursor)
	}
}

func TestDrainRunFailsJobsWithoutPhones(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	jobs := newFakeJobStore(testJobs(run, "+15550001")...)
	jobs.missingPhone = 2
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, nil, nil, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	result, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Final != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", result.Final)
	}
	if result.Failed != 2 {
		t.Fatalf("expected 2 jobs failed up front, got %d", result.Failed)
	}
	if runs.counters.FailedDelta != 2 {
		t.Fatalf("expected failed counter delta 2, got %d", runs.counters.FailedDelta)
	}
	if runs.counters.QueuedDelta != -3 {
		t.Fatalf("expected queued counter delta -3, got %d", runs.counters.QueuedDelta)
	}
}

func TestDrainRunHonorsCancellation(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	runs.cancelOnCheck = 2
	jobs := newFakeJobStore(testJobs(run, "+15550001", "+15550002", "+15550003", "+15550004")...)
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, nil, nil, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	result, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Final != domain.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", result.Final)
	}
	// The dial claimed before cancellation was observed must finish and be
	// recorded.
	if result.Processed != 1 {
		t.Fatalf("expected 1 job processed before cancellation, got %d", result.Processed)
	}
	if len(jobs.pending) != 3 {
		t.Fatalf("expected 3 jobs left queued, got %d", len(jobs.pending))
	}
	if len(runs.released) != 1 || runs.released[0] != domain.RunStatusCancelled {
		t.Fatalf("expected one cancelled release, got %v", runs.released)
	}
}

func TestDrainRunStopsOnLockLoss(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	runs.alive = false
	jobs := newFakeJobStore(testJobs(run, "+15550001", "+15550002", "+15550003")...)
	cfg := testQueueConfig()
	cfg.HeartbeatInterval = time.Nanosecond
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, nil, nil, testLogger(t), cfg, config.CarrierConfig{}, time.Second)

	result, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("lock loss must not surface as an error, got: %v", err)
	}
	if !result.LockLost {
		t.Fatal("expected lock loss to be reported")
	}
	if len(runs.released) != 0 {
		t.Fatalf("a worker that lost the lock must not touch the run, got releases %v", runs.released)
	}
	if runs.heartbeats == 0 {
		t.Fatal("expected at least one heartbeat")
	}
}

func TestDrainRunLeavesLeaseOnShutdown(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	jobs := newFakeJobStore(testJobs(run, "+15550001")...)
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, nil, nil, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := w.DrainRun(ctx, run.TenantID)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !result.Claimed {
		t.Fatal("expected the run to have been claimed before shutdown")
	}
	if len(runs.released) != 0 {
		t.Fatalf("shutdown must leave the lease for the recovery sweep, got releases %v", runs.released)
	}
}

func TestDrainRunRespectsMaxConcurrent(t *testing.T) {
	run := testRun(2)
	runs := newFakeRunStore(run)
	jobs := newFakeJobStore(testJobs(run, "+1", "+2", "+3", "+4", "+5", "+6")...)
	provider := &gaugeProvider{}
	w := New("worker-1", runs, jobs, nil, provider, nil, nil, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	result, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 6 {
		t.Fatalf("expected 6 jobs processed, got %d", result.Processed)
	}
	if provider.maxInFlight > 2 {
		t.Fatalf("expected at most 2 concurrent dials, observed %d", provider.maxInFlight)
	}
}

func TestDrainRunUsesCarrierLimiter(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	jobs := newFakeJobStore(testJobs(run, "+15550001", "+15550002")...)
	limiter := &fakeLimiter{}
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, limiter, nil, testLogger(t),
		testQueueConfig(), config.CarrierConfig{TenantConcurrency: 1}, time.Second)

	if _, err := w.DrainRun(context.Background(), run.TenantID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limiter.acquires != 2 {
		t.Fatalf("expected 2 carrier slot acquisitions, got %d", limiter.acquires)
	}
	if limiter.releases != 2 {
		t.Fatalf("expected 2 carrier slot releases, got %d", limiter.releases)
	}
}

func TestDrainRunClaimsOnlyOnce(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	jobs := newFakeJobStore(testJobs(run, "+15550001")...)
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, nil, nil, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	first, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Claimed {
		t.Fatal("expected first drain to claim the run")
	}

	second, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Claimed {
		t.Fatal("expected no run left to claim")
	}
}

func TestHeartbeatContinuesWhileCarrierSaturated(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	jobs := newFakeJobStore(testJobs(run, "+15550001", "+15550002")...)
	cfg := testQueueConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, saturatedLimiter{}, nil, testLogger(t),
		cfg, config.CarrierConfig{TenantConcurrency: 1}, time.Second)

	done := make(chan RunResult, 1)
	go func() {
		result, _ := w.DrainRun(context.Background(), run.TenantID)
		done <- result
	}()

	// Every dial slot is stuck waiting on the carrier cap; the lease must
	// still be refreshed on cadence.
	deadline := time.After(2 * time.Second)
	for {
		runs.mu.Lock()
		beats := runs.heartbeats
		runs.mu.Unlock()
		if beats >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeats while the carrier cap was saturated")
		case <-time.After(time.Millisecond):
		}
	}

	// Rejecting the next heartbeat must unblock the stalled dials and
	// stop the drain without a release.
	runs.mu.Lock()
	runs.alive = false
	runs.mu.Unlock()

	select {
	case result := <-done:
		if !result.LockLost {
			t.Fatalf("expected lock loss to stop the drain, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not stop after losing the lease")
	}

	if len(runs.released) != 0 {
		t.Fatalf("expected no release after lock loss, got %v", runs.released)
	}
}

func TestDrainRunFailsJobWhenHandlePersistFails(t *testing.T) {
	run := testRun(1)
	runs := newFakeRunStore(run)
	batch := testJobs(run, "+15550001")
	jobs := newFakeJobStore(batch...)
	jobs.callingErr = errors.New("connection reset")
	attempts := &fakeAttemptStore{}
	w := New("worker-1", runs, jobs, attempts, &scriptedProvider{}, nil, nil, testLogger(t),
		testQueueConfig(), config.CarrierConfig{}, time.Second)

	result, err := w.DrainRun(context.Background(), run.TenantID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Final != domain.RunStatusCompleted {
		t.Fatalf("expected completed, got %s", result.Final)
	}
	if result.Processed != 1 || result.Failed != 1 {
		t.Fatalf("expected 1 processed and 1 failed, got %d/%d", result.Processed, result.Failed)
	}
	reason := jobs.failed[batch[0].JobID]
	if !strings.Contains(reason, "record call handle") {
		t.Fatalf("expected persistence failure recorded on the job, got %q", reason)
	}
	if runs.counters.DialingDelta != 0 {
		t.Fatalf("expected dialing counter delta reversed to 0, got %d", runs.counters.DialingDelta)
	}
	if runs.counters.FailedDelta != 1 {
		t.Fatalf("expected failed counter delta 1, got %d", runs.counters.FailedDelta)
	}
	if len(attempts.attempts) != 1 || attempts.attempts[0].Status != domain.JobStatusFailed {
		t.Fatalf("expected one failed attempt recorded, got %+v", attempts.attempts)
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	runs := newFakeRunStore(nil)
	jobs := newFakeJobStore()
	w := New("worker-1", runs, jobs, nil, &scriptedProvider{}, nil, nil, testLogger(t), testQueueConfig(), config.CarrierConfig{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := w.Run(ctx, []uuid.UUID{uuid.New()}, 5*time.Millisecond)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if runs.claims == 0 {
		t.Fatal("expected the poll loop to attempt at least one claim")
	}
}
