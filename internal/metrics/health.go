package metrics

import (
	"sort"
	"sync"
	"time"
)

// Component names tracked by the health endpoint.
const (
	ComponentRegistry   = "registry"
	ComponentTCP        = "tcp_listener"
	ComponentSyncWorker = "sync_worker"
	ComponentMonitor    = "heartbeat_monitor"
	ComponentDNS        = "dns_api"
)

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string    `json:"name"`
	Healthy bool      `json:"healthy"`
	Message string    `json:"message,omitempty"`
	Updated time.Time `json:"updated"`
}

// HealthStatus is the aggregate view returned by Snapshot
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentHealth `json:"components"`
	Uptime     string            `json:"uptime"`
}

// Health records component state for liveness reporting.
type Health struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
}

// NewHealth creates an empty tracker
func NewHealth() *Health {
	return &Health{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

// Set records the state of a component
func (h *Health) Set(name string, healthy bool, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Snapshot returns the overall status. Unhealthy if any component is.
func (h *Health) Snapshot() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Healthy:    true,
		Components: make([]ComponentHealth, 0, len(h.components)),
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
	}
	for _, c := range h.components {
		if !c.Healthy {
			status.Healthy = false
		}
		status.Components = append(status.Components, c)
	}
	sort.Slice(status.Components, func(i, j int) bool {
		return status.Components[i].Name < status.Components[j].Name
	})
	return status
}
