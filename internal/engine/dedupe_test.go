package engine_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/Priya8975/sales-webhooks/internal/pipeline"
	"github.com/Priya8975/sales-webhooks/internal/retry"
	"github.com/Priya8975/sales-webhooks/internal/store"
)

// An event whose delivery is waiting in the retry queue is not delivered a
// second time when it is dispatched again.
func TestDispatch_PendingRetryBlocksRedelivery(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	sub := domain.Subscription{
		ID:             "sub-1",
		EventType:      "order.created",
		DestinationURL: srv.URL,
		Secret:         "s3cr3t",
		Active:         true,
		RetryPolicy:    domain.RetryPolicy{Enabled: true, Strategy: domain.StrategyFixed, BaseDelayMs: 60000, MaxAttempts: 3},
	}
	subs := store.NewMemorySubscriptionStore(sub)
	breaker := engine.NewCircuitBreaker(engine.DefaultBreakerConfig(), nil, logger)
	transport := engine.NewTransport(engine.TransportConfig{DefaultTimeout: 2 * time.Second},
		engine.NewTokenBucketLimiter(nil), breaker, engine.MultiSink{}, nil, logger)
	inflight := engine.NewInFlight()
	scheduler := retry.NewScheduler(retry.Config{}, retry.Deps{
		Sender:        transport,
		Subscriptions: subs,
		Payloads:      store.NewMemoryPayloadStore(),
		InFlight:      inflight,
		Logger:        logger,
	})
	eng := engine.NewEngine(engine.EngineConfig{}, subs, pipeline.New(), transport, scheduler, inflight, nil, logger)

	event := domain.Event{ID: "evt-42", Type: "order.created", Payload: map[string]any{"order_id": "ord-42"}}
	first, err := eng.DispatchEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if first.Queued != 1 || scheduler.Depth() != 1 {
		t.Fatalf("first dispatch should queue a retry, got %+v (depth %d)", first, scheduler.Depth())
	}

	second, err := eng.DispatchEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if second.Duplicate != 1 {
		t.Errorf("duplicate: got %d, want 1", second.Duplicate)
	}
	if second.Attempted != 0 || second.Queued != 0 {
		t.Errorf("duplicate must not be attempted or queued: %+v", second)
	}
	if hits.Load() != 1 {
		t.Errorf("destination hits: got %d, want 1", hits.Load())
	}
	if scheduler.Depth() != 1 {
		t.Errorf("queue depth: got %d, want 1", scheduler.Depth())
	}

	jobs := scheduler.Jobs()
	if len(jobs) != 1 || !scheduler.Cancel(context.Background(), jobs[0].JobID) {
		t.Fatal("pending job should be cancellable")
	}
	third, err := eng.DispatchEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if third.Duplicate != 0 || third.Attempted != 1 {
		t.Errorf("after cancel the event is deliverable again: %+v", third)
	}
	if hits.Load() != 2 {
		t.Errorf("destination hits: got %d, want 2", hits.Load())
	}
}
