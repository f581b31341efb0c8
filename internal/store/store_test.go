package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/clock"
	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/Priya8975/sales-webhooks/internal/retry"
	"github.com/Priya8975/sales-webhooks/internal/worker"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newRedisPayloads(t *testing.T, ttl time.Duration) (*RedisPayloadStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisPayloadStore(client, ttl), mr
}

func sampleRequest() engine.Request {
	return engine.Request{
		SubscriptionID: "sub-1",
		EventID:        "evt-1",
		EventType:      "order.created",
		URL:            "https://hooks.example.com/orders",
		Headers:        map[string]string{"X-Webhook-Signature": "sha256=abc"},
		Body:           []byte(`{"event":"order.created","data":{"total":10}}`),
		Attempt:        2,
		Timeout:        5 * time.Second,
		RateLimit:      domain.RateLimit{RequestsPerSecond: 5},
	}
}

func TestRedisPayloadStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	payloads, mr := newRedisPayloads(t, time.Hour)

	require.NoError(t, payloads.SavePayload(ctx, "job-1", sampleRequest()))
	assert.True(t, mr.Exists(payloadKeyPrefix+"job-1"))
	assert.Equal(t, time.Hour, mr.TTL(payloadKeyPrefix+"job-1"))

	got, err := payloads.LoadPayload(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, sampleRequest(), got)

	require.NoError(t, payloads.DeletePayload(ctx, "job-1"))
	_, err = payloads.LoadPayload(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisPayloadStore_Expiry(t *testing.T) {
	ctx := context.Background()
	payloads, mr := newRedisPayloads(t, time.Minute)

	require.NoError(t, payloads.SavePayload(ctx, "job-1", sampleRequest()))
	mr.FastForward(2 * time.Minute)

	_, err := payloads.LoadPayload(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisPayloadStore_ServerDown(t *testing.T) {
	payloads, mr := newRedisPayloads(t, time.Minute)
	mr.Close()

	err := payloads.SavePayload(context.Background(), "job-1", sampleRequest())
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
}

func newRedisJobs(t *testing.T) (*RedisJobStore, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisJobStore(client), client, mr
}

func sampleJob(id string, next time.Time) domain.RetryJob {
	return domain.RetryJob{
		JobID:           id,
		SubscriptionID:  "sub-1",
		EventID:         "evt-" + id,
		EventType:       "order.created",
		EventPayloadRef: id,
		LastError:       "http_error",
		LastStatus:      503,
		Attempt:         2,
		NextAttemptAt:   next,
		CreatedAt:       t0,
	}
}

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRedisJobStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	jobs, _, mr := newRedisJobs(t)

	late := sampleJob("job-late", t0.Add(time.Minute))
	early := sampleJob("job-early", t0.Add(time.Second))
	require.NoError(t, jobs.SaveJob(ctx, late))
	require.NoError(t, jobs.SaveJob(ctx, early))

	score, err := mr.ZScore(retryScheduleKey, "job-early")
	require.NoError(t, err)
	assert.Equal(t, float64(early.NextAttemptAt.UnixMilli()), score)

	loaded, err := jobs.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.RetryJob{early, late}, loaded)

	// Rescheduling overwrites in place.
	early.Attempt = 3
	early.NextAttemptAt = t0.Add(time.Hour)
	require.NoError(t, jobs.SaveJob(ctx, early))
	loaded, err = jobs.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "job-late", loaded[0].JobID)
	assert.Equal(t, 3, loaded[1].Attempt)

	require.NoError(t, jobs.DeleteJob(ctx, "job-late"))
	require.NoError(t, jobs.DeleteJob(ctx, "job-early"))
	loaded, err = jobs.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
	assert.False(t, mr.Exists(retryJobsKey))
}

func TestRedisJobStore_DropsStaleScheduleEntries(t *testing.T) {
	ctx := context.Background()
	jobs, _, mr := newRedisJobs(t)

	require.NoError(t, jobs.SaveJob(ctx, sampleJob("job-1", t0)))
	_, err := mr.ZAdd(retryScheduleKey, float64(t0.UnixMilli()), "job-orphan")
	require.NoError(t, err)

	loaded, err := jobs.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "job-1", loaded[0].JobID)

	members, err := mr.ZMembers(retryScheduleKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, members)
}

func TestRedisJobStore_ServerDown(t *testing.T) {
	jobs, _, mr := newRedisJobs(t)
	mr.Close()

	assert.Error(t, jobs.SaveJob(context.Background(), sampleJob("job-1", t0)))
	_, err := jobs.LoadJobs(context.Background())
	assert.Error(t, err)
}

type countingSender struct {
	mu   sync.Mutex
	sent []engine.Request
}

func (s *countingSender) Send(_ context.Context, req engine.Request) (domain.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	return domain.Outcome{Kind: domain.OutcomeSuccess, StatusCode: 200}, nil
}

// A retry scheduled by one process is delivered by the next one when both
// share Redis.
func TestRedisJobStore_SchedulerSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	jobs, client, _ := newRedisJobs(t)
	payloads := NewRedisPayloadStore(client, time.Hour)

	sub := domain.Subscription{
		ID:             "sub-1",
		EventType:      "order.created",
		DestinationURL: "https://hooks.example.com/orders",
		Secret:         "s3cr3t",
		Active:         true,
		RetryPolicy:    domain.DefaultRetryPolicy(),
	}
	subs := NewMemorySubscriptionStore(sub)
	clk := clock.NewManual(t0)

	pool := worker.NewPool(2, testLogger())
	pool.Start(ctx)
	t.Cleanup(pool.Stop)

	start := func(sender engine.Sender, inflight *engine.InFlight) *retry.Scheduler {
		return retry.NewScheduler(retry.Config{}, retry.Deps{
			Sender:        sender,
			Subscriptions: subs,
			Payloads:      payloads,
			Jobs:          jobs,
			InFlight:      inflight,
			Pool:          pool,
			Clock:         clk,
			Rand:          func() float64 { return 0.5 },
			Logger:        testLogger(),
		})
	}

	req := sampleRequest()
	req.Attempt = 1
	first := start(&countingSender{}, engine.NewInFlight())
	job, err := first.HandleFailure(ctx, engine.Failure{
		Request:      req,
		Subscription: sub,
		Outcome:      domain.Outcome{Kind: domain.OutcomeHTTPError, StatusCode: 503},
	})
	require.NoError(t, err)
	require.NotNil(t, job)

	sender := &countingSender{}
	inflight := engine.NewInFlight()
	second := start(sender, inflight)
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, inflight.Held(job.Key()))

	clk.Advance(time.Minute)
	require.Equal(t, 1, second.Tick(ctx))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, 2, sender.sent[0].Attempt)
	assert.Equal(t, req.Body, sender.sent[0].Body)

	loaded, err := jobs.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
	_, err = payloads.LoadPayload(ctx, job.EventPayloadRef)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParseSubscriptions(t *testing.T) {
	data := []byte(`
subscriptions:
  - id: orders-crm
    tenant_id: acme
    event_type: order.*
    destination_url: https://crm.example.com/hooks
    secret: s3cr3t
    headers:
      X-Tenant: acme
    retry_policy:
      enabled: true
      strategy: custom
      max_attempts: 4
      custom_delays_ms: [1000, 5000, 30000]
    rate_limit:
      requests_per_second: 10
    filters:
      - type: condition
        condition:
          field: total
          operator: gt
          value: 100
  - id: paused
    event_type: "*"
    destination_url: http://localhost:9000/all
    secret: other
    active: false
`)

	subs, err := ParseSubscriptions(data)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	crm := subs[0]
	assert.Equal(t, "orders-crm", crm.ID)
	assert.True(t, crm.Active, "active defaults to true")
	assert.Equal(t, "acme", crm.Headers["X-Tenant"])
	assert.Equal(t, domain.StrategyCustom, crm.RetryPolicy.Strategy)
	assert.Equal(t, []int{1000, 5000, 30000}, crm.RetryPolicy.CustomDelaysMs)
	assert.Equal(t, 10, crm.RateLimit.RequestsPerSecond)
	require.Len(t, crm.Filters, 1)
	assert.Equal(t, domain.OpGt, crm.Filters[0].Condition.Operator)

	assert.False(t, subs[1].Active)
}

func TestParseSubscriptions_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"invalid url", `
subscriptions:
  - id: a
    event_type: x
    destination_url: not-a-url
    secret: s
`},
		{"duplicate id", `
subscriptions:
  - {id: a, event_type: x, destination_url: "http://h/1", secret: s}
  - {id: a, event_type: y, destination_url: "http://h/2", secret: s}
`},
		{"malformed yaml", "subscriptions: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubscriptions([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadSubscriptionsFile_ExpandsEnv(t *testing.T) {
	t.Setenv("CRM_WEBHOOK_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	content := `
subscriptions:
  - id: orders-crm
    event_type: order.created
    destination_url: https://crm.example.com/hooks
    secret: ${CRM_WEBHOOK_SECRET}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	subs, err := LoadSubscriptionsFile(path)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "from-env", subs[0].Secret)

	_, err = LoadSubscriptionsFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMemorySubscriptionStore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemorySubscriptionStore(
		domain.Subscription{ID: "b", EventType: "order.*", DestinationURL: "http://h/b", Secret: "s", Active: true, CreatedAt: base},
		domain.Subscription{ID: "a", EventType: "order.created", DestinationURL: "http://h/a", Secret: "s", Active: true, CreatedAt: base},
		domain.Subscription{ID: "c", EventType: "*", DestinationURL: "http://h/c", Secret: "s", Active: false, CreatedAt: base},
		domain.Subscription{ID: "d", EventType: "invoice.paid", DestinationURL: "http://h/d", Secret: "s", Active: true, CreatedAt: base},
	)

	active, err := s.ActiveSubscriptions(ctx, "order.created")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID, "ties ordered by id")
	assert.Equal(t, "b", active[1].ID)

	_, err = s.GetSubscription(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	created, err := s.CreateSubscription(ctx, domain.Subscription{EventType: "order.created", DestinationURL: "https://x.example.com/h", Active: true})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Contains(t, created.Secret, "whsec_")

	_, err = s.CreateSubscription(ctx, domain.Subscription{EventType: "order.created", DestinationURL: "ftp://x"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	off := false
	updated, err := s.UpdateSubscription(ctx, "a", domain.SubscriptionPatch{Active: &off})
	require.NoError(t, err)
	assert.False(t, updated.Active)

	bad := "::"
	_, err = s.UpdateSubscription(ctx, "a", domain.SubscriptionPatch{DestinationURL: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)
	got, _ := s.GetSubscription(ctx, "a")
	assert.Equal(t, "http://h/a", got.DestinationURL, "failed update leaves the stored copy intact")

	require.NoError(t, s.DeleteSubscription(ctx, "b"))
	assert.ErrorIs(t, s.DeleteSubscription(ctx, "b"), domain.ErrNotFound)

	all, err := s.ListSubscriptions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryDeadLetterStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryDeadLetterStore()

	require.NoError(t, s.SaveDeadLetter(ctx, domain.DeadLetter{ID: "dl-1", SubscriptionID: "sub-1", TotalAttempts: 5}))
	require.NoError(t, s.SaveDeadLetter(ctx, domain.DeadLetter{ID: "dl-2", SubscriptionID: "sub-2", TotalAttempts: 3}))

	open, err := s.ListDeadLetters(ctx, DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "dl-2", open[0].ID, "newest first")

	require.NoError(t, s.ResolveDeadLetter(ctx, "dl-1", "ops"))
	assert.ErrorIs(t, s.ResolveDeadLetter(ctx, "dl-1", "ops"), domain.ErrNotFound)

	resolved, err := s.ListDeadLetters(ctx, DeadLetterFilter{Resolved: true})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "ops", *resolved[0].ResolvedBy)

	bySub, err := s.ListDeadLetters(ctx, DeadLetterFilter{SubscriptionID: "sub-2"})
	require.NoError(t, err)
	assert.Len(t, bySub, 1)
}

func TestMemoryAttemptStore_RingBuffer(t *testing.T) {
	s := NewMemoryAttemptStore(3)
	for i, id := range []string{"a1", "a2", "a3", "a4"} {
		outcome := domain.OutcomeSuccess
		if i%2 == 1 {
			outcome = domain.OutcomeHTTPError
		}
		s.RecordAttempt(domain.DeliveryAttempt{ID: id, SubscriptionID: "sub-1", Outcome: outcome})
	}

	all, err := s.ListAttempts(context.Background(), AttemptFilter{})
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, a := range all {
		ids[i] = a.ID
	}
	assert.Equal(t, []string{"a4", "a3", "a2"}, ids)

	failed, _ := s.ListAttempts(context.Background(), AttemptFilter{Outcome: domain.OutcomeHTTPError})
	assert.Len(t, failed, 2)

	limited, _ := s.ListAttempts(context.Background(), AttemptFilter{Limit: 1})
	assert.Len(t, limited, 1)
}

type recordingWriter struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
	err      error
}

func (w *recordingWriter) InsertAttempt(_ context.Context, a domain.DeliveryAttempt) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts = append(w.attempts, a)
	return w.err
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.attempts)
}

func TestAttemptLog_WritesAndFlushes(t *testing.T) {
	w := &recordingWriter{}
	log := NewAttemptLog(w, 16, testLogger())

	for i := 0; i < 10; i++ {
		log.RecordAttempt(domain.DeliveryAttempt{ID: "a"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log.Run(ctx)

	assert.Equal(t, 10, w.count(), "cancelled Run still flushes the buffer")
}

func TestAttemptLog_DropsWhenFull(t *testing.T) {
	w := &recordingWriter{err: errors.New("db down")}
	log := NewAttemptLog(w, 2, testLogger())

	for i := 0; i < 5; i++ {
		log.RecordAttempt(domain.DeliveryAttempt{ID: "a"})
	}
	assert.Equal(t, int64(3), log.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log.Run(ctx)
	assert.Equal(t, 2, w.count(), "write errors are logged, not retried")
}

func TestMigrationFiles_Ordered(t *testing.T) {
	fsys := fstest.MapFS{
		"002_alerts.up.sql":   {Data: []byte("SELECT 2")},
		"001_init.up.sql":     {Data: []byte("SELECT 1")},
		"001_init.down.sql":   {Data: []byte("DROP")},
		"README.md":           {Data: []byte("docs")},
		"nested/003_x.up.sql": {Data: []byte("SELECT 3")},
	}

	files, err := MigrationFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_init.up.sql", "002_alerts.up.sql", "nested/003_x.up.sql"}, files)
}

func TestMigrationFiles_RepoMigrationsPresent(t *testing.T) {
	files, err := MigrationFiles(os.DirFS("../../migrations"))
	require.NoError(t, err)
	assert.Contains(t, files, "001_init.up.sql")
}
