package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/engine"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type EventDispatcher interface {
	DispatchEvent(ctx context.Context, event domain.Event) (*engine.DispatchResult, error)
}

// EventStore records ingested events. It is optional.
type EventStore interface {
	SaveEvent(ctx context.Context, e domain.Event) error
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	ListEvents(ctx context.Context, eventType string, limit int) ([]domain.Event, error)
}

type EventHandler struct {
	dispatcher EventDispatcher
	events     EventStore
	logger     *slog.Logger
}

func NewEventHandler(d EventDispatcher, events EventStore, logger *slog.Logger) *EventHandler {
	return &EventHandler{dispatcher: d, events: events, logger: logger}
}

type createEventRequest struct {
	EventType string         `json:"event_type"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Create dispatches an event and waits for its first attempts. Retries
// continue in the background.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if req.Payload == nil {
		respondError(w, http.StatusBadRequest, "payload must be a JSON object")
		return
	}

	event := domain.Event{
		ID:         uuid.NewString(),
		Type:       req.EventType,
		TenantID:   req.TenantID,
		Source:     req.Source,
		Payload:    req.Payload,
		OccurredAt: time.Now().UTC(),
	}

	if h.events != nil {
		if err := h.events.SaveEvent(r.Context(), event); err != nil {
			h.logger.Error("failed to save event", "event_id", event.ID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to save event")
			return
		}
	}

	result, err := h.dispatcher.DispatchEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("dispatch failed", "event_id", event.ID, "event_type", event.Type, "error", err)
		respondStoreError(w, err, "failed to dispatch event")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		respondError(w, http.StatusNotImplemented, "event history requires a database")
		return
	}
	events, err := h.events.ListEvents(r.Context(), r.URL.Query().Get("event_type"), parseLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		respondError(w, http.StatusNotImplemented, "event history requires a database")
		return
	}
	event, err := h.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err, "failed to get event")
		return
	}
	respondJSON(w, http.StatusOK, event)
}
