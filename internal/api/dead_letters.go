package api

import (
	"context"
	"net/http"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/store"
	"github.com/go-chi/chi/v5"
)

type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error
}

type DeadLetterHandler struct {
	store DeadLetterStore
}

func NewDeadLetterHandler(s DeadLetterStore) *DeadLetterHandler {
	return &DeadLetterHandler{store: s}
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	letters, err := h.store.ListDeadLetters(r.Context(), store.DeadLetterFilter{
		SubscriptionID: q.Get("subscription_id"),
		Resolved:       q.Get("resolved") == "true",
		Limit:          parseLimit(r),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	respondJSON(w, http.StatusOK, letters)
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	letter, err := h.store.GetDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err, "failed to get dead letter")
		return
	}
	respondJSON(w, http.StatusOK, letter)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "manual"
	}

	if err := h.store.ResolveDeadLetter(r.Context(), chi.URLParam(r, "id"), req.ResolvedBy); err != nil {
		respondStoreError(w, err, "failed to resolve dead letter")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
