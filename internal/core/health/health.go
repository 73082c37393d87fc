// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	}
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Readiness runs every check within timeout and answers 503 when any fails.
func Readiness(timeout time.Duration, checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		out := resp{Status: "ready", Checks: make(map[string]string, len(checks))}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				out.Status = "not_ready"
				out.Checks[name] = err.Error()
				continue
			}
			out.Checks[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
