package retry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/clock"
	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/Priya8975/sales-webhooks/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSender returns queued outcomes in order, repeating the last one.
type scriptedSender struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
	sent     []engine.Request
}

func (s *scriptedSender) Send(_ context.Context, req engine.Request) (domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	out := s.outcomes[0]
	if len(s.outcomes) > 1 {
		s.outcomes = s.outcomes[1:]
	}
	if out.Success() {
		return out, nil
	}
	return out, errors.New(string(out.Kind))
}

func (s *scriptedSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type subsByID map[string]*domain.Subscription

func (m subsByID) ActiveSubscriptions(context.Context, string) ([]domain.Subscription, error) {
	return nil, nil
}

func (m subsByID) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	sub, ok := m[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sub, nil
}

type memPayloads struct {
	mu   sync.Mutex
	data map[string]engine.Request
}

func (m *memPayloads) SavePayload(_ context.Context, ref string, req engine.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ref] = req
	return nil
}

func (m *memPayloads) LoadPayload(_ context.Context, ref string) (engine.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.data[ref]
	if !ok {
		return engine.Request{}, domain.ErrNotFound
	}
	return req, nil
}

func (m *memPayloads) DeletePayload(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ref)
	return nil
}

// memJobs is a JobStore that outlives the scheduler using it.
type memJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.RetryJob
}

func (m *memJobs) SaveJob(_ context.Context, job domain.RetryJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
	return nil
}

func (m *memJobs) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memJobs) LoadJobs(context.Context) ([]domain.RetryJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RetryJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job)
	}
	return out, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	depths []int
	bySub  []map[string]int
	dead   []domain.DeadLetter
}

func (o *recordingObserver) RetryQueueDepth(total int, bySubscription map[string]int) {
	o.mu.Lock()
	o.depths = append(o.depths, total)
	o.bySub = append(o.bySub, bySubscription)
	o.mu.Unlock()
}

func (o *recordingObserver) lastBySubscription() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bySub[len(o.bySub)-1]
}

func (o *recordingObserver) PermanentFailure(dl domain.DeadLetter) {
	o.mu.Lock()
	o.dead = append(o.dead, dl)
	o.mu.Unlock()
}

type deadLetters struct {
	mu    sync.Mutex
	saved []domain.DeadLetter
}

func (d *deadLetters) SaveDeadLetter(_ context.Context, dl domain.DeadLetter) error {
	d.mu.Lock()
	d.saved = append(d.saved, dl)
	d.mu.Unlock()
	return nil
}

type schedulerFixture struct {
	scheduler *Scheduler
	sender    *scriptedSender
	subs      subsByID
	payloads  *memPayloads
	jobs      *memJobs
	observer  *recordingObserver
	dead      *deadLetters
	inflight  *engine.InFlight
	clock     *clock.Manual
}

func newSchedulerFixture(t *testing.T, sub domain.Subscription, outcomes ...domain.Outcome) *schedulerFixture {
	t.Helper()
	pool := worker.NewPool(4, testLogger())
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	f := &schedulerFixture{
		sender:   &scriptedSender{outcomes: outcomes},
		subs:     subsByID{sub.ID: &sub},
		payloads: &memPayloads{data: make(map[string]engine.Request)},
		jobs:     &memJobs{jobs: make(map[string]domain.RetryJob)},
		observer: &recordingObserver{},
		dead:     &deadLetters{},
		inflight: engine.NewInFlight(),
		clock:    clock.NewManual(t0),
	}
	f.scheduler = f.newScheduler(pool)
	return f
}

func (f *schedulerFixture) newScheduler(pool *worker.Pool) *Scheduler {
	return NewScheduler(Config{}, Deps{
		Sender:        f.sender,
		Subscriptions: f.subs,
		Payloads:      f.payloads,
		Jobs:          f.jobs,
		DeadLetters:   f.dead,
		Observer:      f.observer,
		InFlight:      f.inflight,
		Pool:          pool,
		Clock:         f.clock,
		Rand:          func() float64 { return 0.5 },
		Logger:        testLogger(),
	})
}

func retrySubscription(p domain.RetryPolicy) domain.Subscription {
	return domain.Subscription{
		ID:             "sub-1",
		EventType:      "order.created",
		DestinationURL: "https://hooks.example.com/orders",
		Secret:         "s3cr3t",
		Active:         true,
		RetryPolicy:    p,
	}
}

func firstFailure(f *schedulerFixture, kind domain.OutcomeKind) engine.Failure {
	req := engine.Request{
		SubscriptionID: "sub-1",
		EventID:        "evt-1",
		EventType:      "order.created",
		URL:            "https://hooks.example.com/orders",
		Body:           []byte(`{}`),
		Attempt:        1,
	}
	f.inflight.Acquire(req.Key())
	sub := *f.subs["sub-1"]
	return engine.Failure{Request: req, Subscription: sub, Outcome: domain.Outcome{Kind: kind, StatusCode: 500}}
}

var (
	httpError = domain.Outcome{Kind: domain.OutcomeHTTPError, StatusCode: 500}
	success   = domain.Outcome{Kind: domain.OutcomeSuccess, StatusCode: 200}
)

func TestScheduler_ExponentialScenario(t *testing.T) {
	p := domain.RetryPolicy{Enabled: true, Strategy: domain.StrategyExponential, BaseDelayMs: 1000, MaxAttempts: 4, JitterPercent: 10}
	f := newSchedulerFixture(t, retrySubscription(p), httpError)
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, t0.Add(time.Second), job.NextAttemptAt)

	// Attempt 2 fails → 2s, attempt 3 fails → 4s.
	for _, want := range []time.Duration{2 * time.Second, 4 * time.Second} {
		before := f.clock.Now()
		f.clock.Set(job.NextAttemptAt)
		require.Equal(t, 1, f.scheduler.Tick(ctx))

		jobs := f.scheduler.Jobs()
		require.Len(t, jobs, 1)
		assert.Equal(t, want, jobs[0].NextAttemptAt.Sub(f.clock.Now()), "after tick at %s", before)
		job = &jobs[0]
	}
	assert.Equal(t, 4, job.Attempt)

	// Attempt 4 fails → permanently failed.
	f.clock.Set(job.NextAttemptAt)
	require.Equal(t, 1, f.scheduler.Tick(ctx))
	assert.Zero(t, f.scheduler.Depth())
	require.Len(t, f.dead.saved, 1)
	assert.Equal(t, 4, f.dead.saved[0].TotalAttempts)
	assert.Equal(t, 3, f.sender.calls())
}

func TestScheduler_ExhaustionNeverDispatchedAgain(t *testing.T) {
	p := domain.RetryPolicy{Enabled: true, Strategy: domain.StrategyFixed, BaseDelayMs: 100, MaxAttempts: 3}
	f := newSchedulerFixture(t, retrySubscription(p), httpError)
	ctx := context.Background()

	_, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		f.clock.Advance(time.Minute)
		f.scheduler.Tick(ctx)
	}

	assert.Equal(t, 2, f.sender.calls(), "attempts 2 and 3 only")
	assert.Zero(t, f.scheduler.Depth())
	require.Len(t, f.dead.saved, 1)
	assert.Equal(t, 3, f.dead.saved[0].TotalAttempts)
	assert.Equal(t, 500, f.dead.saved[0].LastHTTPStatus)
	require.Len(t, f.observer.dead, 1)
	assert.False(t, f.inflight.Held(domain.DeliveryKey{SubscriptionID: "sub-1", EventID: "evt-1"}))
	assert.Empty(t, f.payloads.data)
}

func TestScheduler_RetryDisabledFailsImmediately(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.RetryPolicy{Enabled: false, Strategy: domain.StrategyFixed, MaxAttempts: 5}), httpError)

	job, err := f.scheduler.HandleFailure(context.Background(), firstFailure(f, domain.OutcomeTimeout))
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Zero(t, f.scheduler.Depth())
	assert.Len(t, f.dead.saved, 1)
}

func TestScheduler_SuccessRemovesJob(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeTransportError))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.scheduler.Tick(ctx)

	assert.Zero(t, f.scheduler.Depth())
	assert.Empty(t, f.dead.saved)
	assert.Empty(t, f.payloads.data)
	assert.False(t, f.inflight.Held(job.Key()))
	require.Equal(t, 1, f.sender.calls())
	assert.Equal(t, 2, f.sender.sent[0].Attempt)
}

func TestScheduler_DeferralsDoNotConsumeAttempts(t *testing.T) {
	p := domain.RetryPolicy{Enabled: true, Strategy: domain.StrategyFixed, BaseDelayMs: 100, MaxAttempts: 2}
	limited := domain.Outcome{Kind: domain.OutcomeRateLimited}
	open := domain.Outcome{Kind: domain.OutcomeCircuitOpen}
	f := newSchedulerFixture(t, retrySubscription(p), limited, open, limited, success)
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeRateLimited))
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt, "a rate-limited first try is still attempt 1")
	assert.Equal(t, t0.Add(DefaultRateLimitDeferral), job.NextAttemptAt)

	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Minute)
		f.scheduler.Tick(ctx)
	}

	require.Equal(t, 4, f.sender.calls())
	for _, req := range f.sender.sent {
		assert.Equal(t, 1, req.Attempt)
	}
	assert.Empty(t, f.dead.saved)
	assert.Zero(t, f.scheduler.Depth())
}

func TestScheduler_MaxDeferrals(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), domain.Outcome{Kind: domain.OutcomeCircuitOpen})
	f.scheduler.cfg.MaxDeferrals = 3
	ctx := context.Background()

	_, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeCircuitOpen))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		f.clock.Advance(time.Minute)
		f.scheduler.Tick(ctx)
	}

	assert.Equal(t, 3, f.sender.calls())
	require.Len(t, f.dead.saved, 1)
	assert.Zero(t, f.dead.saved[0].TotalAttempts)
}

func TestScheduler_DiscardsInactiveSubscription(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	f.subs["sub-1"].Active = false
	f.clock.Advance(time.Minute)
	f.scheduler.Tick(ctx)

	assert.Zero(t, f.sender.calls(), "no I/O for a deactivated subscription")
	assert.Zero(t, f.scheduler.Depth())
	assert.Empty(t, f.dead.saved, "discarding is not a permanent failure")
	assert.False(t, f.inflight.Held(job.Key()))
}

func TestScheduler_DiscardsDeletedSubscription(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	ctx := context.Background()

	_, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	delete(f.subs, "sub-1")
	f.clock.Advance(time.Minute)
	f.scheduler.Tick(ctx)

	assert.Zero(t, f.sender.calls())
	assert.Zero(t, f.scheduler.Depth())
}

func TestScheduler_Cancel(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	assert.True(t, f.scheduler.Cancel(ctx, job.JobID))
	assert.False(t, f.scheduler.Cancel(ctx, job.JobID))
	assert.Zero(t, f.scheduler.Depth())
	assert.False(t, f.inflight.Held(job.Key()))
	assert.Empty(t, f.payloads.data)
}

func TestScheduler_NotDueNotSent(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	ctx := context.Background()

	_, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	f.clock.Advance(500 * time.Millisecond)
	assert.Zero(t, f.scheduler.Tick(ctx))
	assert.Equal(t, 1, f.scheduler.Depth())
	assert.Equal(t, 1, f.observer.depths[len(f.observer.depths)-1])
}

func TestScheduler_TickIsSingleFlight(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	f.scheduler.ticking.Store(true)

	_, err := f.scheduler.HandleFailure(context.Background(), firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	assert.Zero(t, f.scheduler.Tick(context.Background()), "a tick already running blocks another")
	assert.Zero(t, f.sender.calls())

	f.scheduler.ticking.Store(false)
	assert.Equal(t, 1, f.scheduler.Tick(context.Background()))
}

func TestScheduler_Run(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	f.scheduler.cfg.TickInterval = 10 * time.Millisecond

	_, err := f.scheduler.HandleFailure(context.Background(), firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.scheduler.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return f.sender.calls() == 1 && f.scheduler.Depth() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestScheduler_ReportsDepthPerSubscription(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	other := retrySubscription(domain.DefaultRetryPolicy())
	other.ID = "sub-2"
	f.subs[other.ID] = &other
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	second := firstFailure(f, domain.OutcomeHTTPError)
	second.Request.SubscriptionID = other.ID
	second.Subscription = other
	f.inflight.Acquire(second.Request.Key())
	_, err = f.scheduler.HandleFailure(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"sub-1": 1, "sub-2": 1}, f.observer.lastBySubscription())

	require.True(t, f.scheduler.Cancel(ctx, job.JobID))
	assert.Equal(t, map[string]int{"sub-2": 1}, f.observer.lastBySubscription())

	f.clock.Advance(time.Minute)
	f.scheduler.Tick(ctx)
	assert.Empty(t, f.observer.lastBySubscription())
}

func TestScheduler_PersistsJobs(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), httpError, success)
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)
	require.Contains(t, f.jobs.jobs, job.JobID)
	assert.Equal(t, 2, f.jobs.jobs[job.JobID].Attempt)

	f.clock.Advance(time.Minute)
	f.scheduler.Tick(ctx)
	require.Contains(t, f.jobs.jobs, job.JobID, "rescheduled job is saved again")
	assert.Equal(t, 3, f.jobs.jobs[job.JobID].Attempt)

	f.clock.Advance(time.Hour)
	f.scheduler.Tick(ctx)
	assert.Empty(t, f.jobs.jobs, "delivered job is removed")
}

func TestScheduler_RestoreAfterRestart(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	// A fresh process: empty queue and in-flight registry, same stores.
	pool := worker.NewPool(2, testLogger())
	pool.Start(ctx)
	t.Cleanup(pool.Stop)
	f.inflight = engine.NewInFlight()
	restarted := f.newScheduler(pool)

	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, restarted.Depth())
	assert.True(t, f.inflight.Held(job.Key()), "restored job owns its delivery")

	restored := restarted.Jobs()[0]
	assert.Equal(t, job.JobID, restored.JobID)
	assert.Equal(t, job.Attempt, restored.Attempt)
	assert.True(t, job.NextAttemptAt.Equal(restored.NextAttemptAt))

	f.clock.Advance(time.Minute)
	require.Equal(t, 1, restarted.Tick(ctx))
	require.Equal(t, 1, f.sender.calls())
	assert.Equal(t, 2, f.sender.sent[0].Attempt)
	assert.Empty(t, f.jobs.jobs)
	assert.False(t, f.inflight.Held(job.Key()))
}

func TestScheduler_RestoreSkipsDeliveryInFlight(t *testing.T) {
	f := newSchedulerFixture(t, retrySubscription(domain.DefaultRetryPolicy()), success)
	ctx := context.Background()

	job, err := f.scheduler.HandleFailure(ctx, firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	n, err := f.scheduler.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the live queue already owns the delivery")
	assert.Equal(t, 1, f.scheduler.Depth())
	assert.True(t, f.inflight.Held(job.Key()))
}

func TestScheduler_UnsetJitterUsesDefault(t *testing.T) {
	p := domain.RetryPolicy{Enabled: true, Strategy: domain.StrategyFixed, BaseDelayMs: 1000, MaxAttempts: 3}
	f := newSchedulerFixture(t, retrySubscription(p), success)
	rnd := func() float64 { return 1 }
	f.scheduler.deps.Rand = rnd

	job, err := f.scheduler.HandleFailure(context.Background(), firstFailure(f, domain.OutcomeHTTPError))
	require.NoError(t, err)

	base := ComputeDelay(p, 1)
	assert.Equal(t, Jitter(base, domain.DefaultJitterPercent, rnd), job.NextAttemptAt.Sub(t0))
	assert.Greater(t, job.NextAttemptAt.Sub(t0), base)
}
