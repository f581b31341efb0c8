package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/Priya8975/sales-webhooks/internal/signing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// receiver is a fake integration endpoint for local testing. When
// MOCK_SECRET is set every delivery's signature is checked against it.
type receiver struct {
	secret   string
	logger   *slog.Logger
	requests atomic.Int64
	invalid  atomic.Int64

	mu    sync.Mutex
	flaky map[string]int
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	rc := &receiver{
		secret: os.Getenv("MOCK_SECRET"),
		logger: logger,
		flaky:  make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webhook/success", rc.handle(func(w http.ResponseWriter, r *http.Request) int {
		return http.StatusOK
	}))
	r.Post("/webhook/slow", rc.handle(func(w http.ResponseWriter, r *http.Request) int {
		time.Sleep(3 * time.Second)
		return http.StatusOK
	}))
	r.Post("/webhook/fail", rc.handle(func(w http.ResponseWriter, r *http.Request) int {
		return http.StatusInternalServerError
	}))
	r.Post("/webhook/bad-request", rc.handle(func(w http.ResponseWriter, r *http.Request) int {
		return http.StatusBadRequest
	}))
	r.Post("/webhook/throttled", rc.handle(func(w http.ResponseWriter, r *http.Request) int {
		return http.StatusTooManyRequests
	}))
	// Fails the first two attempts of each event, then accepts.
	r.Post("/webhook/flaky", rc.handle(func(w http.ResponseWriter, r *http.Request) int {
		eventID := r.Header.Get(domain.HeaderEventID)
		rc.mu.Lock()
		rc.flaky[eventID]++
		n := rc.flaky[eventID]
		rc.mu.Unlock()
		if n <= 2 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}))

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{
			"total_requests":     rc.requests.Load(),
			"invalid_signatures": rc.invalid.Load(),
		})
	})

	logger.Info("mock endpoint server starting", "port", port, "verify_signatures", rc.secret != "")
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// handle decodes and verifies the envelope, then answers with the status
// respond picks.
func (rc *receiver) handle(respond func(w http.ResponseWriter, r *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := rc.requests.Add(1)

		var env domain.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			rc.logger.Warn("undecodable delivery", "path", r.URL.Path, "error", err)
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		}

		valid := true
		if rc.secret != "" {
			header := r.Header.Get(domain.HeaderSignature)
			valid = header == env.Signature && signing.Verify(env.Data, rc.secret, header)
			if !valid {
				rc.invalid.Add(1)
			}
		}

		status := respond(w, r)
		attempt, _ := strconv.Atoi(r.Header.Get(domain.HeaderAttempt))
		rc.logger.Info("delivery received",
			"n", count,
			"path", r.URL.Path,
			"status", status,
			"event", env.Event,
			"event_id", r.Header.Get(domain.HeaderEventID),
			"webhook_id", env.WebhookID,
			"attempt", attempt,
			"signature_valid", valid,
		)

		if !valid {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"status": http.StatusText(status)})
	}
}
