package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/clock"
	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/Priya8975/sales-webhooks/internal/worker"
	"github.com/google/uuid"
)

const (
	DefaultTickInterval      = time.Second
	DefaultMaxDeferrals      = 50
	DefaultRateLimitDeferral = time.Second
	DefaultCircuitDeferral   = 15 * time.Second
)

// PayloadStore keeps the built request of a pending job between attempts.
type PayloadStore interface {
	SavePayload(ctx context.Context, ref string, req engine.Request) error
	LoadPayload(ctx context.Context, ref string) (engine.Request, error)
	DeletePayload(ctx context.Context, ref string) error
}

// DeadLetterStore persists jobs that ran out of attempts.
type DeadLetterStore interface {
	SaveDeadLetter(ctx context.Context, dl domain.DeadLetter) error
}

// JobStore persists pending jobs so they survive a restart.
type JobStore interface {
	SaveJob(ctx context.Context, job domain.RetryJob) error
	DeleteJob(ctx context.Context, jobID string) error
	LoadJobs(ctx context.Context) ([]domain.RetryJob, error)
}

// Observer is told about queue depth changes and permanent failures.
// bySubscription omits subscriptions with nothing queued.
type Observer interface {
	RetryQueueDepth(total int, bySubscription map[string]int)
	PermanentFailure(dl domain.DeadLetter)
}

type Config struct {
	TickInterval      time.Duration
	MaxDeferrals      int
	RateLimitDeferral time.Duration
	CircuitDeferral   time.Duration
}

// Deps are the scheduler's collaborators. Jobs, DeadLetters and Observer
// are optional; without Jobs the queue lives in memory only.
type Deps struct {
	Sender        engine.Sender
	Subscriptions engine.SubscriptionSource
	Payloads      PayloadStore
	Jobs          JobStore
	DeadLetters   DeadLetterStore
	Observer      Observer
	InFlight      *engine.InFlight
	Pool          *worker.Pool
	Clock         clock.Clock
	Rand          func() float64
	Logger        *slog.Logger
}

// Scheduler owns every delivery that failed its first attempt. Jobs wait in
// a min-heap until due; each tick pops the due batch, re-sends it through
// the worker pool and waits for the batch to finish before returning.
type Scheduler struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	queue *Queue

	ticking atomic.Bool
}

func NewScheduler(cfg Config, deps Deps) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = DefaultMaxDeferrals
	}
	if cfg.RateLimitDeferral <= 0 {
		cfg.RateLimitDeferral = DefaultRateLimitDeferral
	}
	if cfg.CircuitDeferral <= 0 {
		cfg.CircuitDeferral = DefaultCircuitDeferral
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Rand == nil {
		deps.Rand = rand.Float64
	}
	if deps.InFlight == nil {
		deps.InFlight = engine.NewInFlight()
	}
	return &Scheduler{cfg: cfg, deps: deps, queue: NewQueue()}
}

// HandleFailure decides what happens after a first attempt failed. Deferred
// outcomes are re-queued without consuming an attempt; retryable outcomes
// are queued with backoff while the policy allows, otherwise dead-lettered.
// A returned job means the scheduler now owns the delivery's in-flight key.
func (s *Scheduler) HandleFailure(ctx context.Context, f engine.Failure) (*domain.RetryJob, error) {
	now := s.deps.Clock.Now()
	jobID := uuid.NewString()
	job := &domain.RetryJob{
		JobID:           jobID,
		SubscriptionID:  f.Request.SubscriptionID,
		EventID:         f.Request.EventID,
		EventType:       f.Request.EventType,
		EventPayloadRef: jobID,
		LastError:       f.Outcome.Error,
		LastStatus:      f.Outcome.StatusCode,
		Attempt:         max(f.Request.Attempt, 1),
		CreatedAt:       now,
	}

	switch {
	case f.Outcome.Kind.Deferred():
		job.Deferrals = 1
		job.LastError = string(f.Outcome.Kind)
		job.NextAttemptAt = now.Add(s.deferral(f.Outcome.Kind))

	case f.Outcome.Kind.Retryable():
		policy := f.Subscription.RetryPolicy.WithDefaults()
		if !policy.Enabled || job.Attempt >= policy.MaxAttempts {
			s.permanentFailure(ctx, job, job.Attempt)
			return nil, nil
		}
		job.NextAttemptAt = now.Add(NextDelay(policy, job.Attempt, s.deps.Rand))
		job.Attempt++

	default:
		return nil, nil
	}

	if err := s.deps.Payloads.SavePayload(ctx, job.EventPayloadRef, f.Request); err != nil {
		job.LastError = fmt.Sprintf("storing payload: %v", err)
		s.permanentFailure(ctx, job, f.Request.Attempt)
		return nil, fmt.Errorf("storing payload for job %s: %w", job.JobID, err)
	}

	if err := s.Schedule(ctx, job); err != nil {
		s.deletePayload(ctx, job)
		return nil, err
	}

	s.deps.Logger.Info("retry scheduled",
		"job_id", job.JobID,
		"subscription_id", job.SubscriptionID,
		"event_id", job.EventID,
		"attempt", job.Attempt,
		"next_attempt_at", job.NextAttemptAt,
	)
	return job, nil
}

// Schedule inserts a job whose payload is already stored and persists it.
// A failed save is logged; the job still runs from memory.
func (s *Scheduler) Schedule(ctx context.Context, job *domain.RetryJob) error {
	s.mu.Lock()
	err := s.queue.Push(job)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("scheduling job %s: %w", job.JobID, err)
	}
	if s.deps.Jobs != nil {
		if err := s.deps.Jobs.SaveJob(ctx, *job); err != nil {
			s.deps.Logger.Warn("failed to persist retry job", "job_id", job.JobID, "error", err)
		}
	}
	s.reportDepth()
	return nil
}

// Restore reloads persisted jobs into the queue, taking each delivery's
// in-flight key. Call it before dispatching starts.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.deps.Jobs == nil {
		return 0, nil
	}
	jobs, err := s.deps.Jobs.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading retry jobs: %w", err)
	}

	restored := 0
	s.mu.Lock()
	for i := range jobs {
		job := &jobs[i]
		if !s.deps.InFlight.Acquire(job.Key()) {
			s.deps.Logger.Warn("skipping restored job, delivery already in flight", "job_id", job.JobID)
			continue
		}
		if err := s.queue.Push(job); err != nil {
			s.deps.InFlight.Release(job.Key())
			s.deps.Logger.Warn("skipping restored job", "job_id", job.JobID, "error", err)
			continue
		}
		restored++
	}
	s.mu.Unlock()

	s.reportDepth()
	return restored, nil
}

// Cancel drops a pending job and frees its delivery for new dispatches.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) bool {
	s.mu.Lock()
	job, ok := s.queue.Remove(jobID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.finish(ctx, job)
	s.reportDepth()
	s.deps.Logger.Info("retry cancelled", "job_id", jobID, "subscription_id", job.SubscriptionID)
	return true
}

func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Jobs returns a snapshot of pending jobs, earliest first.
func (s *Scheduler) Jobs() []domain.RetryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Snapshot()
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.deps.Logger.Info("retry scheduler started", "tick_interval", s.cfg.TickInterval)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deps.Logger.Info("retry scheduler stopping", "pending", s.Depth())
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every job due now and returns how many were attempted.
// Overlapping calls return immediately with zero.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.ticking.CompareAndSwap(false, true) {
		return 0
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	due := s.queue.PopDue(s.deps.Clock.Now(), 0)
	s.mu.Unlock()

	if len(due) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	for i, job := range due {
		wg.Add(1)
		err := s.deps.Pool.Submit(ctx, func(ctx context.Context) {
			defer wg.Done()
			s.process(ctx, job)
		})
		if err != nil {
			wg.Done()
			s.requeue(due[i:], err)
			break
		}
	}
	wg.Wait()

	s.reportDepth()
	return len(due)
}

// requeue puts back jobs that could not be handed to the pool.
func (s *Scheduler) requeue(jobs []*domain.RetryJob, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if err := s.queue.Push(job); err != nil {
			s.deps.Logger.Error("requeue failed", "job_id", job.JobID, "error", err)
		}
	}
	s.deps.Logger.Warn("tick interrupted, jobs requeued", "count", len(jobs), "error", cause)
}

func (s *Scheduler) process(ctx context.Context, job *domain.RetryJob) {
	logger := s.deps.Logger.With("job_id", job.JobID, "subscription_id", job.SubscriptionID, "event_id", job.EventID)

	sub, err := s.deps.Subscriptions.GetSubscription(ctx, job.SubscriptionID)
	switch {
	case errors.Is(err, domain.ErrNotFound) || (err == nil && (sub == nil || !sub.Active)):
		logger.Info("subscription inactive or deleted, discarding retry")
		s.finish(ctx, job)
		return
	case err != nil:
		logger.Error("loading subscription failed", "error", err)
		s.deferJob(ctx, job, s.cfg.RateLimitDeferral, err.Error())
		return
	}

	req, err := s.deps.Payloads.LoadPayload(ctx, job.EventPayloadRef)
	if err != nil {
		logger.Error("loading payload failed", "error", err)
		job.LastError = fmt.Sprintf("loading payload: %v", err)
		s.permanentFailure(ctx, job, job.Attempt-1)
		return
	}
	req.Attempt = job.Attempt
	req.RateLimit = sub.RateLimit
	req.Timeout = sub.Timeout()

	outcome, sendErr := s.deps.Sender.Send(ctx, req)
	job.LastStatus = outcome.StatusCode
	if sendErr != nil {
		job.LastError = sendErr.Error()
	}

	switch {
	case outcome.Success():
		logger.Info("retry delivered", "attempt", job.Attempt)
		s.finish(ctx, job)

	case outcome.Kind.Deferred():
		s.deferJob(ctx, job, s.deferral(outcome.Kind), string(outcome.Kind))

	case outcome.Kind.Retryable():
		policy := sub.RetryPolicy.WithDefaults()
		if !policy.Enabled || job.Attempt >= policy.MaxAttempts {
			s.permanentFailure(ctx, job, job.Attempt)
			return
		}
		job.NextAttemptAt = s.deps.Clock.Now().Add(NextDelay(policy, job.Attempt, s.deps.Rand))
		job.Attempt++
		if err := s.Schedule(ctx, job); err != nil {
			logger.Error("rescheduling failed", "error", err)
			s.finish(ctx, job)
		}

	default:
		s.permanentFailure(ctx, job, job.Attempt)
	}
}

// deferJob pushes a job back without consuming an attempt. Past
// MaxDeferrals the job fails permanently.
func (s *Scheduler) deferJob(ctx context.Context, job *domain.RetryJob, d time.Duration, reason string) {
	job.Deferrals++
	job.LastError = reason
	if job.Deferrals > s.cfg.MaxDeferrals {
		s.permanentFailure(ctx, job, job.Attempt-1)
		return
	}
	job.NextAttemptAt = s.deps.Clock.Now().Add(d)
	if err := s.Schedule(ctx, job); err != nil {
		s.deps.Logger.Error("deferring job failed", "job_id", job.JobID, "error", err)
		s.finish(ctx, job)
	}
}

func (s *Scheduler) deferral(kind domain.OutcomeKind) time.Duration {
	if kind == domain.OutcomeCircuitOpen {
		return s.cfg.CircuitDeferral
	}
	return s.cfg.RateLimitDeferral
}

func (s *Scheduler) permanentFailure(ctx context.Context, job *domain.RetryJob, attempts int) {
	dl := domain.DeadLetter{
		ID:             uuid.NewString(),
		JobID:          job.JobID,
		SubscriptionID: job.SubscriptionID,
		EventID:        job.EventID,
		EventType:      job.EventType,
		TotalAttempts:  max(attempts, 0),
		LastError:      job.LastError,
		LastHTTPStatus: job.LastStatus,
		CreatedAt:      s.deps.Clock.Now(),
	}

	if s.deps.DeadLetters != nil {
		if err := s.deps.DeadLetters.SaveDeadLetter(ctx, dl); err != nil {
			s.deps.Logger.Error("failed to write dead letter", "error", err, "job_id", job.JobID)
		}
	}
	if s.deps.Observer != nil {
		s.deps.Observer.PermanentFailure(dl)
	}

	s.deps.Logger.Warn("delivery permanently failed",
		"job_id", job.JobID,
		"subscription_id", job.SubscriptionID,
		"event_id", job.EventID,
		"total_attempts", dl.TotalAttempts,
		"last_error", dl.LastError,
	)
	s.finish(ctx, job)
}

// finish releases everything a job holds.
func (s *Scheduler) finish(ctx context.Context, job *domain.RetryJob) {
	s.deletePayload(ctx, job)
	if s.deps.Jobs != nil {
		if err := s.deps.Jobs.DeleteJob(ctx, job.JobID); err != nil {
			s.deps.Logger.Warn("failed to delete persisted job", "error", err, "job_id", job.JobID)
		}
	}
	s.deps.InFlight.Release(job.Key())
}

func (s *Scheduler) deletePayload(ctx context.Context, job *domain.RetryJob) {
	if job.EventPayloadRef == "" {
		return
	}
	if err := s.deps.Payloads.DeletePayload(ctx, job.EventPayloadRef); err != nil {
		s.deps.Logger.Warn("failed to delete payload", "error", err, "job_id", job.JobID)
	}
}

func (s *Scheduler) reportDepth() {
	if s.deps.Observer == nil {
		return
	}
	s.mu.Lock()
	total, bySub := s.queue.Len(), s.queue.BySubscription()
	s.mu.Unlock()
	s.deps.Observer.RetryQueueDepth(total, bySub)
}
