package handler

import (
	"context"
	"net/http"
)

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
	})
}

// Readiness probes each registered dependency. Any failure flips the
// overall status to degraded and the response to 503.
func Readiness(checks map[string]func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := HealthResponse{
			Status:     "ok",
			Components: make(map[string]string, len(checks)),
		}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Components[name] = "ok"
		}
		JSON(w, status, resp)
	}
}
