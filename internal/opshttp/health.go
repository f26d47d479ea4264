package opshttp

import (
	"net/http"

	"github.com/keithlinneman/throttlegate/internal/health"
)

// probeHandler answers 200 with okBody while p passes, 503 with the failure
// otherwise. A nil probe always passes.
func probeHandler(p health.Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(okBody + "\n"))
	}
}

// HealthzHandler reports liveness.
func HealthzHandler(p health.Probe) http.HandlerFunc { return probeHandler(p, "ok") }

// ReadyzHandler reports readiness.
func ReadyzHandler(p health.Probe) http.HandlerFunc { return probeHandler(p, "ready") }
