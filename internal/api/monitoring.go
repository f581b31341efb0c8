package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/Priya8975/sales-webhooks/internal/monitor"
	"github.com/Priya8975/sales-webhooks/internal/store"
	"github.com/go-chi/chi/v5"
)

type HealthReporter interface {
	HealthReport(subscriptionID string, window time.Duration) monitor.HealthReport
}

type AlertService interface {
	Active() []monitor.Alert
	History(limit int) []monitor.Alert
	Acknowledge(id, by string) (monitor.Alert, error)
	Stats() monitor.AlertStats
}

type CircuitStates interface {
	GetState(host string) engine.CircuitBreakerState
	States() []engine.CircuitBreakerState
}

type RetryQueue interface {
	Jobs() []domain.RetryJob
	Depth() int
	Cancel(ctx context.Context, jobID string) bool
}

// StatsSource serves all-time totals. It is optional.
type StatsSource interface {
	DeliveryStats(ctx context.Context) (*store.DeliveryStats, error)
}

type MonitoringHandler struct {
	reporter HealthReporter
	alerts   AlertService
	breaker  CircuitStates
	retries  RetryQueue
	stats    StatsSource
	clients  func() int
}

func NewMonitoringHandler(reporter HealthReporter, alerts AlertService, breaker CircuitStates, retries RetryQueue, stats StatsSource, clients func() int) *MonitoringHandler {
	return &MonitoringHandler{
		reporter: reporter,
		alerts:   alerts,
		breaker:  breaker,
		retries:  retries,
		stats:    stats,
		clients:  clients,
	}
}

// HealthReport serves ?subscription_id=&window=. No subscription means the
// global report.
func (h *MonitoringHandler) HealthReport(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.reporter.HealthReport(r.URL.Query().Get("subscription_id"), window))
}

// Alerts lists firing alerts, or the history with ?state=all.
func (h *MonitoringHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("state") == "all" {
		respondJSON(w, http.StatusOK, h.alerts.History(parseLimit(r)))
		return
	}
	respondJSON(w, http.StatusOK, h.alerts.Active())
}

type ackRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

func (h *MonitoringHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.AcknowledgedBy == "" {
		req.AcknowledgedBy = "manual"
	}

	alert, err := h.alerts.Acknowledge(chi.URLParam(r, "id"), req.AcknowledgedBy)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, alert)
}

func (h *MonitoringHandler) AlertStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.alerts.Stats())
}

func (h *MonitoringHandler) Circuits(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.breaker.States())
}

type retryQueueResponse struct {
	Depth int               `json:"depth"`
	Jobs  []domain.RetryJob `json:"jobs"`
}

func (h *MonitoringHandler) RetryQueue(w http.ResponseWriter, r *http.Request) {
	jobs := h.retries.Jobs()
	depth := len(jobs)
	if limit := parseLimit(r); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	respondJSON(w, http.StatusOK, retryQueueResponse{Depth: depth, Jobs: jobs})
}

func (h *MonitoringHandler) CancelRetry(w http.ResponseWriter, r *http.Request) {
	if !h.retries.Cancel(r.Context(), chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "retry job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	*store.DeliveryStats
	RetryQueueDepth  int `json:"retry_queue_depth"`
	ActiveAlerts     int `json:"active_alerts"`
	OpenCircuits     int `json:"open_circuits"`
	WebSocketClients int `json:"websocket_clients"`
}

// Stats combines database totals, when available, with live counters.
func (h *MonitoringHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		RetryQueueDepth: h.retries.Depth(),
		ActiveAlerts:    len(h.alerts.Active()),
	}
	for _, c := range h.breaker.States() {
		if c.State != engine.StateClosed {
			resp.OpenCircuits++
		}
	}
	if h.clients != nil {
		resp.WebSocketClients = h.clients()
	}
	if h.stats != nil {
		totals, err := h.stats.DeliveryStats(r.Context())
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to get delivery stats")
			return
		}
		resp.DeliveryStats = totals
	}
	respondJSON(w, http.StatusOK, resp)
}
