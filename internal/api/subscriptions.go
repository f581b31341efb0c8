package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/Priya8975/sales-webhooks/internal/monitor"
	"github.com/go-chi/chi/v5"
)

type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub domain.Subscription) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch domain.SubscriptionPatch) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

type SubscriptionHandler struct {
	store    SubscriptionStore
	breaker  CircuitStates
	reporter HealthReporter
}

func NewSubscriptionHandler(s SubscriptionStore, breaker CircuitStates, reporter HealthReporter) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, breaker: breaker, reporter: reporter}
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var sub domain.Subscription
	if !decodeJSON(w, r, &sub) {
		return
	}

	created, err := h.store.CreateSubscription(r.Context(), sub)
	if err != nil {
		respondStoreError(w, err, "failed to create subscription")
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	for i := range subs {
		subs[i].Secret = ""
	}
	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err, "failed to get subscription")
		return
	}
	sub.Secret = ""
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch domain.SubscriptionPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	sub, err := h.store.UpdateSubscription(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondStoreError(w, err, "failed to update subscription")
		return
	}
	sub.Secret = ""
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSubscription(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondStoreError(w, err, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscriptionHealth struct {
	SubscriptionID string                     `json:"subscription_id"`
	DestinationURL string                     `json:"destination_url"`
	Active         bool                       `json:"active"`
	CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
	Report         monitor.HealthReport       `json:"report"`
}

// Health combines the subscription's rolling health report with the breaker
// state of its destination host.
func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	sub, err := h.store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err, "failed to get subscription")
		return
	}

	respondJSON(w, http.StatusOK, subscriptionHealth{
		SubscriptionID: sub.ID,
		DestinationURL: sub.DestinationURL,
		Active:         sub.Active,
		CircuitBreaker: h.breaker.GetState(sub.Host()),
		Report:         h.reporter.HealthReport(sub.ID, window),
	})
}

// parseWindow reads ?window= as a Go duration. Missing means the default.
func parseWindow(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	s := r.URL.Query().Get("window")
	if s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		respondError(w, http.StatusBadRequest, "window must be a positive duration such as 5m or 1h")
		return 0, false
	}
	return d, true
}
