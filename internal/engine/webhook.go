package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/textproto"

	"github.com/Priya8975/sales-webhooks/internal/clock"
	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/pipeline"
	"github.com/Priya8975/sales-webhooks/internal/signing"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDispatchConcurrency = 10

	// TimestampFormat is the ISO-8601 layout of the envelope timestamp.
	TimestampFormat = "2006-01-02T15:04:05.000Z07:00"
)

// Per-subscription dispatch status
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusQueued    = "queued"
	StatusSkipped   = "skipped"
	StatusInvalid   = "invalid"
	StatusDuplicate = "duplicate"
)

// SubscriptionSource resolves subscriptions. Implementations return only
// active subscriptions from ActiveSubscriptions and domain.ErrNotFound from
// GetSubscription for unknown ids.
type SubscriptionSource interface {
	ActiveSubscriptions(ctx context.Context, eventType string) ([]domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
}

// Failure is an unsuccessful first attempt handed to the retry scheduler.
type Failure struct {
	Request      Request
	Subscription domain.Subscription
	Outcome      domain.Outcome
}

// RetryScheduler takes over failed deliveries. A non-nil job means the
// scheduler now owns the request's in-flight key; a nil job means the
// failure was terminal and the caller must release it.
type RetryScheduler interface {
	HandleFailure(ctx context.Context, f Failure) (*domain.RetryJob, error)
}

type EngineConfig struct {
	Concurrency int
}

// SubscriptionResult is the dispatch outcome for one subscription.
type SubscriptionResult struct {
	SubscriptionID string             `json:"subscription_id"`
	Status         string             `json:"status"`
	Outcome        domain.OutcomeKind `json:"outcome,omitempty"`
	HTTPStatus     int                `json:"http_status,omitempty"`
	JobID          string             `json:"job_id,omitempty"`
	Reason         string             `json:"reason,omitempty"`
}

// DispatchResult aggregates one event's fan-out. Success reflects first
// attempts only: it is true when no attempted subscription failed or was
// queued for retry, and no matching subscription was invalid.
type DispatchResult struct {
	EventID   string               `json:"event_id"`
	EventType string               `json:"event_type"`
	NoOp      bool                 `json:"no_op"`
	Success   bool                 `json:"success"`
	Matched   int                  `json:"matched"`
	Attempted int                  `json:"attempted"`
	Delivered int                  `json:"delivered"`
	Failed    int                  `json:"failed"`
	Queued    int                  `json:"queued"`
	Skipped   int                  `json:"skipped"`
	Invalid   int                  `json:"invalid"`
	Duplicate int                  `json:"duplicate"`
	Results   []SubscriptionResult `json:"results"`
}

// Engine turns events into signed deliveries for every matching subscription.
type Engine struct {
	subs      SubscriptionSource
	pipeline  *pipeline.Pipeline
	sender    Sender
	scheduler RetryScheduler
	inflight  *InFlight
	clock     clock.Clock
	logger    *slog.Logger
	cfg       EngineConfig
}

func NewEngine(cfg EngineConfig, subs SubscriptionSource, pipe *pipeline.Pipeline, sender Sender, scheduler RetryScheduler, inflight *InFlight, clk clock.Clock, logger *slog.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultDispatchConcurrency
	}
	if pipe == nil {
		pipe = pipeline.New()
	}
	if inflight == nil {
		inflight = NewInFlight()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		subs:      subs,
		pipeline:  pipe,
		sender:    sender,
		scheduler: scheduler,
		inflight:  inflight,
		clock:     clk,
		logger:    logger,
		cfg:       cfg,
	}
}

// Dispatch wraps payload in a new event and dispatches it.
func (e *Engine) Dispatch(ctx context.Context, eventType string, payload map[string]any) (*DispatchResult, error) {
	return e.DispatchEvent(ctx, domain.Event{Type: eventType, Payload: payload})
}

// DispatchEvent delivers event to every active matching subscription with
// bounded concurrency and waits for the batch to drain. Zero matches is a
// no-op, not an error.
func (e *Engine) DispatchEvent(ctx context.Context, event domain.Event) (*DispatchResult, error) {
	if event.Type == "" {
		return nil, domain.NewValidationError("event_type", "is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock.Now()
	}

	subs, err := e.subs.ActiveSubscriptions(ctx, event.Type)
	if err != nil {
		return nil, fmt.Errorf("finding matching subscriptions: %w", err)
	}

	matched := subs[:0:0]
	for _, sub := range subs {
		if sub.Active && sub.Matches(event.Type) {
			matched = append(matched, sub)
		}
	}

	result := &DispatchResult{
		EventID:   event.ID,
		EventType: event.Type,
		Matched:   len(matched),
		Results:   make([]SubscriptionResult, len(matched)),
	}

	if len(matched) == 0 {
		e.logger.Info("no matching subscriptions", "event_id", event.ID, "event_type", event.Type)
		result.NoOp = true
		result.Success = true
		return result, nil
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i := range matched {
		g.Go(func() error {
			result.Results[i] = e.deliver(ctx, matched[i], event)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range result.Results {
		switch r.Status {
		case StatusDelivered:
			result.Delivered++
		case StatusFailed:
			result.Failed++
		case StatusQueued:
			result.Queued++
		case StatusSkipped:
			result.Skipped++
		case StatusInvalid:
			result.Invalid++
		case StatusDuplicate:
			result.Duplicate++
		}
	}
	result.Attempted = result.Delivered + result.Failed + result.Queued
	result.Success = result.Failed == 0 && result.Queued == 0 && result.Invalid == 0

	e.logger.Info("dispatch complete",
		"event_id", event.ID,
		"event_type", event.Type,
		"matched", result.Matched,
		"attempted", result.Attempted,
		"delivered", result.Delivered,
		"skipped", result.Skipped,
		"queued", result.Queued,
	)
	return result, nil
}

func (e *Engine) deliver(ctx context.Context, sub domain.Subscription, event domain.Event) SubscriptionResult {
	res := SubscriptionResult{SubscriptionID: sub.ID}

	if err := sub.Validate(); err != nil {
		e.logger.Warn("subscription rejected", "subscription_id", sub.ID, "error", err)
		res.Status = StatusInvalid
		res.Outcome = domain.OutcomeValidationError
		res.Reason = err.Error()
		return res
	}

	key := domain.DeliveryKey{SubscriptionID: sub.ID, EventID: event.ID}
	if !e.inflight.Acquire(key) {
		res.Status = StatusDuplicate
		res.Reason = "delivery already in flight"
		return res
	}

	req, skipped, err := e.BuildRequest(sub, event)
	if err != nil {
		e.inflight.Release(key)
		e.logger.Warn("building delivery failed", "subscription_id", sub.ID, "event_id", event.ID, "error", err)
		res.Status = StatusInvalid
		res.Outcome = domain.OutcomeValidationError
		res.Reason = err.Error()
		return res
	}
	if skipped != "" {
		e.inflight.Release(key)
		res.Status = StatusSkipped
		res.Reason = skipped
		return res
	}

	outcome, sendErr := e.sender.Send(ctx, req)
	res.Outcome = outcome.Kind
	res.HTTPStatus = outcome.StatusCode

	switch {
	case outcome.Success():
		e.inflight.Release(key)
		res.Status = StatusDelivered
		return res
	case outcome.Kind == domain.OutcomeValidationError:
		e.inflight.Release(key)
		res.Status = StatusInvalid
		res.Reason = outcome.Error
		return res
	}

	if sendErr != nil {
		res.Reason = sendErr.Error()
	}
	if e.scheduler == nil {
		e.inflight.Release(key)
		res.Status = StatusFailed
		return res
	}

	job, err := e.scheduler.HandleFailure(ctx, Failure{Request: req, Subscription: sub, Outcome: outcome})
	if err != nil {
		e.logger.Error("scheduling retry failed", "subscription_id", sub.ID, "event_id", event.ID, "error", err)
	}
	if job == nil {
		e.inflight.Release(key)
		res.Status = StatusFailed
		return res
	}
	res.Status = StatusQueued
	res.JobID = job.JobID
	return res
}

// BuildRequest runs the subscription's filters and transformations, signs
// the result and assembles the outbound request. A non-empty skip reason
// means a condition filter rejected the payload.
func (e *Engine) BuildRequest(sub domain.Subscription, event domain.Event) (Request, string, error) {
	out, err := e.pipeline.Apply(sub.Filters, sub.Transformations, event.Payload)
	if err != nil {
		return Request{}, "", fmt.Errorf("applying pipeline: %w", err)
	}
	if out.Rejected {
		return Request{}, out.Reason, nil
	}

	signature, err := signing.Sign(out.Data, sub.Secret)
	if err != nil {
		return Request{}, "", fmt.Errorf("signing payload: %w", err)
	}

	body, err := domain.Envelope{
		Event:     event.Type,
		Data:      out.Data,
		Timestamp: event.OccurredAt.UTC().Format(TimestampFormat),
		WebhookID: sub.ID,
		Signature: signature,
	}.Marshal()
	if err != nil {
		return Request{}, "", fmt.Errorf("encoding envelope: %w", err)
	}

	headers := map[string]string{
		domain.HeaderContentType: "application/json",
		domain.HeaderEvent:       event.Type,
		domain.HeaderID:          sub.ID,
		domain.HeaderEventID:     event.ID,
	}
	for k, v := range sub.Headers {
		if isSignatureHeader(k) {
			continue
		}
		headers[canonicalHeader(k)] = v
	}
	headers[domain.HeaderSignature] = signature

	return Request{
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		EventType:      event.Type,
		URL:            sub.DestinationURL,
		Headers:        headers,
		Body:           body,
		Attempt:        1,
		Timeout:        sub.Timeout(),
		RateLimit:      sub.RateLimit,
	}, "", nil
}

func canonicalHeader(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

func isSignatureHeader(name string) bool {
	return canonicalHeader(name) == domain.HeaderSignature
}
