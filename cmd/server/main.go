package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/api"
	"github.com/Priya8975/sales-webhooks/internal/config"
	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/Priya8975/sales-webhooks/internal/monitor"
	"github.com/Priya8975/sales-webhooks/internal/pipeline"
	"github.com/Priya8975/sales-webhooks/internal/retry"
	"github.com/Priya8975/sales-webhooks/internal/store"
	"github.com/Priya8975/sales-webhooks/internal/websocket"
	"github.com/Priya8975/sales-webhooks/internal/worker"
)

type subscriptionBackend interface {
	api.SubscriptionStore
	engine.SubscriptionSource
}

type deadLetterBackend interface {
	api.DeadLetterStore
	retry.DeadLetterStore
}

// backend is the storage the service runs on: Postgres when DATABASE_URL is
// set, in-memory stores seeded from SUBSCRIPTIONS_FILE otherwise.
type backend struct {
	subscriptions subscriptionBackend
	deadLetters   deadLetterBackend
	attempts      api.AttemptLister
	attemptSink   engine.AttemptSink
	events        api.EventStore
	stats         api.StatsSource
	payloads      retry.PayloadStore
	jobs          retry.JobStore
	limiter       engine.RateLimiter
	checks        map[string]api.HealthCheck
	background    []func(ctx context.Context)
	closers       []func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer b.close()

	// Monitoring
	alerts := monitor.NewAlertManager(cfg.AlertSuppressionWindow, nil, nil, logger)
	aggregator := monitor.NewAggregator(monitor.Config{
		Window:              cfg.MonitorWindow,
		Retention:           cfg.MonitorRetention,
		ErrorRateThreshold:  cfg.AlertErrorRate,
		AvgLatencyThreshold: cfg.AlertAvgLatency,
		QueueDepthThreshold: cfg.AlertQueueDepth,
	}, alerts, nil, logger)
	exporter, err := monitor.NewExporter(aggregator, alerts)
	if err != nil {
		logger.Error("failed to create metrics exporter", "error", err)
		os.Exit(1)
	}

	hub := websocket.NewHub(logger)
	alerts.SetNotifier(hub)

	// Delivery
	breaker := engine.NewCircuitBreaker(engine.BreakerConfig{
		FailureThreshold: cfg.CBFailureThreshold,
		FailureWindow:    cfg.CBFailureWindow,
		Cooldown:         cfg.CBCooldown,
	}, nil, logger)
	sink := engine.MultiSink{aggregator, exporter, b.attemptSink, hub}
	transport := engine.NewTransport(engine.TransportConfig{DefaultTimeout: cfg.DeliveryTimeout}, b.limiter, breaker, sink, nil, logger)

	pool := worker.NewPool(cfg.NumWorkers, logger)
	pool.Start(ctx)
	logger.Info("worker pool started", "workers", cfg.NumWorkers)

	inflight := engine.NewInFlight()
	scheduler := retry.NewScheduler(retry.Config{
		TickInterval:      cfg.RetryTick,
		MaxDeferrals:      cfg.MaxDeferrals,
		RateLimitDeferral: cfg.RateLimitDeferral,
		CircuitDeferral:   cfg.CircuitDeferral,
	}, retry.Deps{
		Sender:        transport,
		Subscriptions: b.subscriptions,
		Payloads:      b.payloads,
		Jobs:          b.jobs,
		DeadLetters:   b.deadLetters,
		Observer:      aggregator,
		InFlight:      inflight,
		Pool:          pool,
		Logger:        logger,
	})

	restored, err := scheduler.Restore(ctx)
	if err != nil {
		logger.Error("failed to restore retry jobs", "error", err)
		os.Exit(1)
	}
	if restored > 0 {
		logger.Info("restored pending retries", "count", restored)
	}

	eng := engine.NewEngine(engine.EngineConfig{Concurrency: cfg.DispatchConcurrency},
		b.subscriptions, pipeline.New(), transport, scheduler, inflight, nil, logger)

	var wg sync.WaitGroup
	runners := append([]func(context.Context){aggregator.Run, hub.Run, scheduler.Run}, b.background...)
	for _, run := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	logger.Info("retry scheduler started", "tick", cfg.RetryTick)

	router := api.NewRouter(api.Deps{
		Dispatcher:    eng,
		Events:        b.events,
		Subscriptions: b.subscriptions,
		Attempts:      b.attempts,
		DeadLetters:   b.deadLetters,
		Retries:       scheduler,
		Breaker:       breaker,
		Reporter:      aggregator,
		Alerts:        alerts,
		Stats:         b.stats,
		Checks:        b.checks,
		Metrics:       exporter.Handler(),
		WebSocket:     hub.HandleWebSocket,
		ClientCount:   hub.ClientCount,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.DeliveryTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	wg.Wait()
	pool.Stop()
	if err := exporter.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics exporter shutdown failed", "error", err)
	}

	logger.Info("server stopped", "pending_retries", scheduler.Depth())
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{checks: map[string]api.HealthCheck{}}

	var seed []domain.Subscription
	if cfg.SubscriptionsFile != "" {
		subs, err := store.LoadSubscriptionsFile(cfg.SubscriptionsFile)
		if err != nil {
			return nil, err
		}
		seed = subs
		logger.Info("loaded subscriptions file", "path", cfg.SubscriptionsFile, "count", len(subs))
	}

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		logger.Info("connected to PostgreSQL")

		if err := pg.RunMigrations(ctx, os.DirFS(cfg.MigrationsDir)); err != nil {
			b.close()
			return nil, err
		}
		logger.Info("database migrations applied")

		if err := seedSubscriptions(ctx, pg, seed, logger); err != nil {
			b.close()
			return nil, err
		}

		attemptLog := store.NewAttemptLog(pg, 0, logger)
		b.subscriptions = pg
		b.deadLetters = pg
		b.attempts = pg
		b.attemptSink = attemptLog
		b.events = pg
		b.stats = pg
		b.checks["postgres"] = pg.Ping
		b.background = append(b.background, attemptLog.Run)
	} else {
		attempts := store.NewMemoryAttemptStore(store.DefaultAttemptCapacity)
		b.subscriptions = store.NewMemorySubscriptionStore(seed...)
		b.deadLetters = store.NewMemoryDeadLetterStore()
		b.attempts = attempts
		b.attemptSink = attempts
		logger.Info("using in-memory storage")
	}

	if cfg.RedisURL != "" {
		rs, err := store.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { rs.Close() })
		b.payloads = store.NewRedisPayloadStore(rs.Client(), cfg.PayloadTTL)
		b.jobs = store.NewRedisJobStore(rs.Client())
		b.limiter = engine.NewRedisLimiter(rs.Client(), logger)
		b.checks["redis"] = func(ctx context.Context) error { return rs.Client().Ping(ctx).Err() }
		logger.Info("connected to Redis")
	} else {
		b.payloads = store.NewMemoryPayloadStore()
		b.limiter = engine.NewTokenBucketLimiter(nil)
	}

	return b, nil
}

// seedSubscriptions creates file subscriptions that are not in the database
// yet. Existing rows win so API edits survive restarts.
func seedSubscriptions(ctx context.Context, pg *store.PostgresStore, subs []domain.Subscription, logger *slog.Logger) error {
	for _, sub := range subs {
		_, err := pg.GetSubscription(ctx, sub.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if _, err := pg.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		logger.Info("seeded subscription", "subscription_id", sub.ID, "event_type", sub.EventType)
	}
	return nil
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
