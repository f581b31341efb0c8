package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Priya8975/sales-webhooks/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondStoreError maps not-found and validation errors to 404 and 400 and
// hides everything else behind fallback.
func respondStoreError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, fallback)
	}
}

// decodeJSON keeps numbers as json.Number so large integers in payloads
// reach destinations unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseLimit(r *http.Request) int {
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = min(n, maxListLimit)
		}
	}
	return limit
}
