package domain

import "time"

// HostStatus is the liveness state of a host as seen by the registry.
type HostStatus string

const (
	StatusOnline  HostStatus = "online"
	StatusOffline HostStatus = "offline"
)

// SyncStatus reflects the outcome of the most recently completed DNS sync attempt.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Host represents the canonical registry truth of a registered endpoint.
//
// A Host is uniquely identified by its lower-cased Hostname.
type Host struct {
	// ─────────────────────────────
	// Identity (immutable)
	// ─────────────────────────────

	// Hostname is the registry key, always lower-cased.
	// Example: a1
	Hostname string `json:"hostname"`

	// RegisteredAt is set once, on the first successful registration.
	RegisteredAt time.Time `json:"registered_at"`

	// ─────────────────────────────
	// Liveness
	// ─────────────────────────────

	// IPAddress is the last announced address (IPv4 or IPv6).
	IPAddress string `json:"ip_address"`

	Status HostStatus `json:"status"`

	// LastSeen advances on every valid registration or heartbeat.
	// It is strictly increasing for a given host.
	LastSeen time.Time `json:"last_seen"`

	// ─────────────────────────────
	// DNS placement
	// ─────────────────────────────

	DNSZone string `json:"dns_zone"`
	// DNSFQDN is the canonical record name with a trailing dot.
	// Example: a1.dyn.example.com.
	DNSFQDN string `json:"dns_fqdn"`
	DNSTTL  int    `json:"dns_ttl"`

	// ─────────────────────────────
	// DNS synchronization
	// ─────────────────────────────

	DNSSyncStatus SyncStatus `json:"dns_sync_status"`
	DNSLastSync   time.Time  `json:"dns_last_sync"`
	DNSSyncError  string     `json:"dns_sync_error,omitempty"`

	// DNSRecordType is the record type last confirmed by the DNS engine.
	// Empty until the first successful sync.
	DNSRecordType string `json:"dns_record_type,omitempty"`

	// SyncAttempts is the attempt count of the most recently completed task.
	SyncAttempts int `json:"sync_attempts"`

	// SyncTask is the active task, nil when the host has nothing to sync.
	SyncTask *SyncTask `json:"sync_task,omitempty"`

	// ─────────────────────────────
	// Concurrency
	// ─────────────────────────────

	// Version is bumped by the store on every successful write.
	// Zero means the row has never been written.
	Version int64 `json:"version"`
}

// Clone returns a deep copy safe to mutate independently.
func (h *Host) Clone() *Host {
	if h == nil {
		return nil
	}
	c := *h
	if h.SyncTask != nil {
		t := *h.SyncTask
		c.SyncTask = &t
	}
	return &c
}

// NeedsSync reports whether an active task is due at now.
func (h *Host) NeedsSync(now time.Time) bool {
	return h.SyncTask != nil && !h.SyncTask.NextAttemptAt.After(now)
}

// NextGeneration returns the generation to use for a new task on this host.
func (h *Host) NextGeneration() int64 {
	if h.SyncTask != nil {
		return h.SyncTask.Generation + 1
	}
	return h.Version + 1
}
