package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/httpserver/deps"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
)

type componentStatus struct {
	OK     bool   `json:"ok"`
	Mode   string `json:"mode,omitempty"`
	Impact string `json:"impact,omitempty"`
	Error  string `json:"error,omitempty"`
}

type hostCounts struct {
	Total   int            `json:"total"`
	Online  int            `json:"online"`
	Offline int            `json:"offline"`
	Queued  int            `json:"queued"`
	BySync  map[string]int `json:"by_sync_status"`
}

type placementInfo struct {
	File  string   `json:"file,omitempty"`
	Rules int      `json:"rules"`
	Zones []string `json:"zones"`
}

type infraResponse struct {
	Mode       string                     `json:"mode"`
	Components map[string]componentStatus `json:"components"`
	Hosts      *hostCounts                `json:"hosts,omitempty"`
	Placement  placementInfo              `json:"placement"`
}

// Infra summarizes registry contents, placement and component state for operators.
func Infra(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		components := make(map[string]componentStatus)
		for _, c := range d.Health.Snapshot().Components {
			components[c.Name] = componentStatus{OK: c.Healthy, Error: c.Message}
		}

		var counts *hostCounts
		stats, err := d.Registry.Stats(ctx)
		if err != nil {
			components[metrics.ComponentRegistry] = componentStatus{
				OK:     false,
				Mode:   "unavailable",
				Impact: "registrations-failing",
				Error:  err.Error(),
			}
		} else {
			components[metrics.ComponentRegistry] = componentStatus{OK: true, Mode: "optimal"}
			counts = &hostCounts{
				Total:   stats.Total,
				Online:  stats.Online,
				Offline: stats.Offline,
				Queued:  stats.Queued,
				BySync:  make(map[string]int, len(stats.BySync)),
			}
			for status, n := range stats.BySync {
				counts.BySync[string(status)] = n
			}
		}

		rules := d.Placement.Rules()
		response := infraResponse{
			Mode:       determineMode(components),
			Components: components,
			Hosts:      counts,
			Placement: placementInfo{
				File:  d.PlacementFile,
				Rules: rules.Len(),
				Zones: rules.Zones(),
			},
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// determineMode: critical without a registry, degraded when DNS sync is impaired.
func determineMode(components map[string]componentStatus) string {
	if reg, ok := components[metrics.ComponentRegistry]; ok && !reg.OK {
		return "critical"
	}
	for _, name := range []string{metrics.ComponentTCP, metrics.ComponentSyncWorker, metrics.ComponentDNS, metrics.ComponentMonitor} {
		if c, ok := components[name]; ok && !c.OK {
			return "degraded"
		}
	}
	return "operational"
}
