package api

import (
	"context"
	"net/http"
	"time"
)

const Version = "1.0.0"

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
}

// HealthHandler reports healthy when every check passes and degraded (503)
// otherwise.
func HealthHandler(started time.Time, checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{
			Status:  "healthy",
			Version: Version,
			Uptime:  time.Since(started).Round(time.Second).String(),
		}
		status := http.StatusOK
		if len(checks) > 0 {
			resp.Components = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Components[name] = "unhealthy: " + err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Components[name] = "healthy"
		}

		respondJSON(w, status, resp)
	}
}
