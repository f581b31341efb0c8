package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the router's collaborators. Events, Stats, Metrics and
// WebSocket are optional; their routes answer 501 or are not mounted.
type Deps struct {
	Dispatcher    EventDispatcher
	Events        EventStore
	Subscriptions SubscriptionStore
	Attempts      AttemptLister
	DeadLetters   DeadLetterStore
	Retries       RetryQueue
	Breaker       CircuitStates
	Reporter      HealthReporter
	Alerts        AlertService
	Stats         StatsSource
	Checks        map[string]HealthCheck
	Metrics       http.Handler
	WebSocket     http.HandlerFunc
	ClientCount   func() int
	Started       time.Time
	Logger        *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	if d.Started.IsZero() {
		d.Started = time.Now()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	eventHandler := NewEventHandler(d.Dispatcher, d.Events, d.Logger)
	subHandler := NewSubscriptionHandler(d.Subscriptions, d.Breaker, d.Reporter)
	deliveryHandler := NewDeliveryHandler(d.Attempts)
	dlqHandler := NewDeadLetterHandler(d.DeadLetters)
	monHandler := NewMonitoringHandler(d.Reporter, d.Alerts, d.Breaker, d.Retries, d.Stats, d.ClientCount)

	if d.WebSocket != nil {
		r.Get("/ws", d.WebSocket)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.Started, d.Checks))

		r.Route("/events", func(r chi.Router) {
			r.Post("/", eventHandler.Create)
			r.Get("/", eventHandler.List)
			r.Get("/{id}", eventHandler.Get)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Patch("/{id}", subHandler.Update)
			r.Delete("/{id}", subHandler.Delete)
			r.Get("/{id}/health", subHandler.Health)
		})

		r.Get("/deliveries", deliveryHandler.List)

		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Get("/{id}", dlqHandler.Get)
			r.Post("/{id}/resolve", dlqHandler.Resolve)
		})

		r.Get("/health-report", monHandler.HealthReport)
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", monHandler.Alerts)
			r.Get("/stats", monHandler.AlertStats)
			r.Post("/{id}/ack", monHandler.AcknowledgeAlert)
		})
		r.Get("/circuits", monHandler.Circuits)
		r.Get("/retry-queue", monHandler.RetryQueue)
		r.Delete("/retry-queue/{id}", monHandler.CancelRetry)
		r.Get("/stats", monHandler.Stats)
	})

	return r
}

// corsMiddleware allows browser dashboards on other origins.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
