package api

import (
	"context"
	"net/http"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/store"
)

type AttemptLister interface {
	ListAttempts(ctx context.Context, f store.AttemptFilter) ([]domain.DeliveryAttempt, error)
}

type DeliveryHandler struct {
	attempts AttemptLister
}

func NewDeliveryHandler(a AttemptLister) *DeliveryHandler {
	return &DeliveryHandler{attempts: a}
}

// List returns recorded delivery attempts, newest first.
func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	attempts, err := h.attempts.ListAttempts(r.Context(), store.AttemptFilter{
		SubscriptionID: q.Get("subscription_id"),
		EventID:        q.Get("event_id"),
		Outcome:        domain.OutcomeKind(q.Get("outcome")),
		Limit:          parseLimit(r),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list delivery attempts")
		return
	}
	respondJSON(w, http.StatusOK, attempts)
}
