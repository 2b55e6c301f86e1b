// Package processor turns validated client messages into registry mutations.
package processor

import (
	"time"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/protocol"
)

// lastSeenStep is the smallest advance applied when the clock has not moved
// past the stored last_seen. Microseconds survive every backend's time column.
const lastSeenStep = time.Microsecond

// Decision is the outcome of applying one message to the current row.
type Decision struct {
	Result protocol.Result
	Reason string

	// Host is the row to write; nil when nothing is written.
	Host *domain.Host

	// Retriggered is set when a failed or deregistering host got a fresh task
	// without an address change.
	Retriggered bool
}

// Policy holds the tunables Decide needs besides the message itself.
type Policy struct {
	Placement domain.Placement
	// RetriggerAfter is how long a failed host waits before a message from it
	// issues a new sync task. Zero disables the re-trigger.
	RetriggerAfter time.Duration
}

// Decide computes the registry mutation for msg against existing (nil when the
// host is unknown). It does not mutate existing.
func Decide(msg *protocol.Message, existing *domain.Host, now time.Time, policy Policy) Decision {
	if existing == nil {
		if msg.IPAddress == "" {
			return Decision{Result: protocol.ResultError, Reason: protocol.ReasonUnknownHost}
		}
		return Decision{Result: protocol.ResultNewRegistration, Host: newHost(msg, now, policy.Placement)}
	}

	h := existing.Clone()

	seen := now
	if !seen.After(h.LastSeen) {
		seen = h.LastSeen.Add(lastSeenStep)
	}
	h.LastSeen = seen
	h.Status = domain.StatusOnline

	if msg.IPAddress != "" && msg.IPAddress != h.IPAddress {
		h.IPAddress = msg.IPAddress
		h.DNSSyncStatus = domain.SyncPending
		h.SyncTask = domain.NewSyncTask(h.Hostname, domain.OpUpdate, h.NextGeneration(), seen)
		return Decision{Result: protocol.ResultIPChange, Host: h}
	}

	dec := Decision{Result: protocol.ResultHeartbeatOnly, Host: h}

	switch {
	case h.SyncTask != nil && h.SyncTask.Operation == domain.OpDelete:
		// The host is back before its record was removed.
		h.SyncTask = domain.NewSyncTask(h.Hostname, domain.OpUpdate, h.NextGeneration(), seen)
		h.DNSSyncStatus = domain.SyncPending
		dec.Retriggered = true
	case shouldRetrigger(h, now, policy.RetriggerAfter):
		op := domain.OpUpdate
		if h.DNSRecordType == "" {
			op = domain.OpCreate
		}
		h.SyncTask = domain.NewSyncTask(h.Hostname, op, h.NextGeneration(), seen)
		h.DNSSyncStatus = domain.SyncPending
		dec.Retriggered = true
	}

	return dec
}

func newHost(msg *protocol.Message, now time.Time, place domain.Placement) *domain.Host {
	return &domain.Host{
		Hostname:      msg.Hostname,
		RegisteredAt:  now,
		IPAddress:     msg.IPAddress,
		Status:        domain.StatusOnline,
		LastSeen:      now,
		DNSZone:       domain.CanonicalZone(place.Zone),
		DNSFQDN:       domain.FQDN(msg.Hostname, place.Zone),
		DNSTTL:        place.TTL,
		DNSSyncStatus: domain.SyncPending,
		SyncTask:      domain.NewSyncTask(msg.Hostname, domain.OpCreate, 1, now),
	}
}

func shouldRetrigger(h *domain.Host, now time.Time, after time.Duration) bool {
	if after <= 0 || h.DNSSyncStatus != domain.SyncFailed || h.SyncTask != nil || h.IPAddress == "" {
		return false
	}
	return !now.Before(h.DNSLastSync.Add(after))
}
