package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/httpserver/deps"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
)

type healthzResponse struct {
	Status        string                    `json:"status"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Version       string                    `json:"version,omitempty"`
	Commit        string                    `json:"commit,omitempty"`
	BuildDate     string                    `json:"build_date,omitempty"`
	GoVersion     string                    `json:"go_version,omitempty"`
	Components    []metrics.ComponentHealth `json:"components"`
}

// Healthz reports liveness: 200 while every tracked component (TCP listener,
// sync worker, monitor, ...) is healthy, 503 otherwise.
func Healthz(d deps.Deps) http.HandlerFunc {
	start := d.StartTime
	return func(w http.ResponseWriter, r *http.Request) {
		snap := d.Health.Snapshot()

		resp := healthzResponse{
			Status:        "ok",
			Version:       d.Version,
			Commit:        d.Commit,
			BuildDate:     d.BuildDate,
			GoVersion:     d.GoVersion,
			UptimeSeconds: time.Since(start).Seconds(),
			Components:    snap.Components,
		}
		code := http.StatusOK
		if !snap.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
