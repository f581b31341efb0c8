package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/clock"
	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDeliveryTimeout = 30 * time.Second
	DefaultBatchLimit      = 10
)

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrCircuitOpen    = errors.New("circuit open")
	ErrTimeout        = errors.New("delivery timed out")
	ErrHTTPStatus     = errors.New("non-2xx response")
	ErrTransport      = errors.New("transport error")
	ErrInvalidRequest = errors.New("invalid delivery request")
)

// Request is one fully built outbound delivery. Body and headers are final;
// retries re-send the same bytes with only the attempt header changed.
type Request struct {
	SubscriptionID string            `json:"subscription_id"`
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	Body           []byte            `json:"body"`
	Attempt        int               `json:"attempt"`
	Timeout        time.Duration     `json:"timeout"`
	RateLimit      domain.RateLimit  `json:"rate_limit"`
}

func (r Request) Key() domain.DeliveryKey {
	return domain.DeliveryKey{SubscriptionID: r.SubscriptionID, EventID: r.EventID}
}

// Sender performs a single delivery attempt.
type Sender interface {
	Send(ctx context.Context, req Request) (domain.Outcome, error)
}

// AttemptSink receives every physical delivery attempt once it completes.
type AttemptSink interface {
	RecordAttempt(attempt domain.DeliveryAttempt)
}

// AttemptSinkFunc adapts a function to AttemptSink.
type AttemptSinkFunc func(domain.DeliveryAttempt)

func (f AttemptSinkFunc) RecordAttempt(a domain.DeliveryAttempt) { f(a) }

// MultiSink fans an attempt out to several sinks in order.
type MultiSink []AttemptSink

func (m MultiSink) RecordAttempt(a domain.DeliveryAttempt) {
	for _, s := range m {
		if s != nil {
			s.RecordAttempt(a)
		}
	}
}

type TransportConfig struct {
	DefaultTimeout time.Duration
	BatchLimit     int
}

// Transport sends webhook requests under rate limiting and circuit breaking.
type Transport struct {
	httpClient *http.Client
	limiter    RateLimiter
	breaker    *CircuitBreaker
	sink       AttemptSink
	clock      clock.Clock
	logger     *slog.Logger
	cfg        TransportConfig
}

func NewTransport(cfg TransportConfig, limiter RateLimiter, breaker *CircuitBreaker, sink AttemptSink, clk clock.Clock, logger *slog.Logger) *Transport {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultDeliveryTimeout
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = MultiSink(nil)
	}
	return &Transport{
		// Timeouts are enforced per request in Send.
		httpClient: &http.Client{},
		limiter:    limiter,
		breaker:    breaker,
		sink:       sink,
		clock:      clk,
		logger:     logger,
		cfg:        cfg,
	}
}

type httpResult struct {
	status int
	err    error
}

// Send performs one attempt. An open circuit and rate limiting short-circuit
// before any I/O, in that order. Otherwise the HTTP call races a hard timeout; a request that
// loses the race is abandoned and cancelled in the background.
//
// Cancelling ctx does not abort a request already on the wire.
func (t *Transport) Send(ctx context.Context, req Request) (domain.Outcome, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return domain.Outcome{Kind: domain.OutcomeValidationError, Error: "invalid destination url"},
			fmt.Errorf("%w: url %q", ErrInvalidRequest, req.URL)
	}
	host := u.Host

	// The breaker goes first so an open circuit never spends a rate-limit
	// token.
	if t.breaker != nil {
		if _, allowed := t.breaker.Check(host); !allowed {
			return domain.Outcome{Kind: domain.OutcomeCircuitOpen}, fmt.Errorf("%w: %s", ErrCircuitOpen, host)
		}
	}
	if t.limiter != nil && !t.limiter.Admit(ctx, host, req.RateLimit) {
		if t.breaker != nil {
			t.breaker.ReleaseProbe(host)
		}
		return domain.Outcome{Kind: domain.OutcomeRateLimited}, fmt.Errorf("%w: %s", ErrRateLimited, host)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.DefaultTimeout
	}

	started := t.clock.Now()
	start := time.Now()
	outcome := t.do(ctx, req, timeout)
	outcome.Latency = time.Since(start)

	if t.breaker != nil {
		if outcome.Success() {
			t.breaker.RecordSuccess(host)
		} else {
			t.breaker.RecordFailure(host)
		}
	}

	t.sink.RecordAttempt(domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: req.SubscriptionID,
		EventID:        req.EventID,
		EventType:      req.EventType,
		Host:           host,
		AttemptNumber:  req.Attempt,
		StartedAt:      started,
		CompletedAt:    started.Add(outcome.Latency),
		Outcome:        outcome.Kind,
		HTTPStatus:     outcome.StatusCode,
		LatencyMs:      outcome.Latency.Milliseconds(),
		ErrorKind:      errorKind(outcome.Kind),
		Error:          outcome.Error,
	})

	switch outcome.Kind {
	case domain.OutcomeSuccess:
		t.logger.Debug("delivery successful",
			"subscription_id", req.SubscriptionID,
			"event_id", req.EventID,
			"attempt", req.Attempt,
			"status_code", outcome.StatusCode,
			"latency_ms", outcome.Latency.Milliseconds(),
		)
		return outcome, nil
	case domain.OutcomeTimeout:
		err = fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case domain.OutcomeHTTPError:
		err = fmt.Errorf("%w: status %d", ErrHTTPStatus, outcome.StatusCode)
	case domain.OutcomeValidationError:
		err = fmt.Errorf("%w: %s", ErrInvalidRequest, outcome.Error)
	default:
		err = fmt.Errorf("%w: %s", ErrTransport, outcome.Error)
	}

	t.logger.Warn("delivery failed",
		"subscription_id", req.SubscriptionID,
		"event_id", req.EventID,
		"attempt", req.Attempt,
		"outcome", outcome.Kind,
		"status_code", outcome.StatusCode,
		"error", outcome.Error,
	)
	return outcome, err
}

func (t *Transport) do(ctx context.Context, req Request, timeout time.Duration) domain.Outcome {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return domain.Outcome{Kind: domain.OutcomeValidationError, Error: err.Error()}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set(domain.HeaderAttempt, strconv.Itoa(req.Attempt))

	done := make(chan httpResult, 1)
	go func() {
		defer cancel()
		resp, err := t.httpClient.Do(httpReq)
		if err != nil {
			done <- httpResult{err: err}
			return
		}
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		done <- httpResult{status: resp.StatusCode}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return classify(res)
	case <-timer.C:
		cancel()
		return domain.Outcome{Kind: domain.OutcomeTimeout, Error: "timeout"}
	}
}

func classify(res httpResult) domain.Outcome {
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			return domain.Outcome{Kind: domain.OutcomeTimeout, Error: "timeout"}
		}
		return domain.Outcome{Kind: domain.OutcomeTransportError, Error: res.err.Error()}
	}
	if res.status >= 200 && res.status < 300 {
		return domain.Outcome{Kind: domain.OutcomeSuccess, StatusCode: res.status}
	}
	return domain.Outcome{
		Kind:       domain.OutcomeHTTPError,
		StatusCode: res.status,
		Error:      fmt.Sprintf("http %d", res.status),
	}
}

func errorKind(k domain.OutcomeKind) string {
	if k == domain.OutcomeSuccess {
		return ""
	}
	return string(k)
}

// SendBatch sends every request with at most BatchLimit in flight. One
// failing request never stops the rest; per-request errors are joined.
func (t *Transport) SendBatch(ctx context.Context, reqs []Request) ([]domain.Outcome, error) {
	outcomes := make([]domain.Outcome, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(t.cfg.BatchLimit)
	for i := range reqs {
		g.Go(func() error {
			out, err := t.Send(ctx, reqs[i])
			outcomes[i] = out
			if err != nil {
				errs[i] = fmt.Errorf("delivery %s/%s: %w", reqs[i].SubscriptionID, reqs[i].EventID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, errors.Join(errs...)
}
