package processor

import (
	"testing"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/protocol"
)

var (
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy = Policy{
		Placement:      domain.Placement{Zone: "dyn.example.com", TTL: 60},
		RetriggerAfter: 15 * time.Minute,
	}
)

func registered(ip string) *domain.Host {
	return &domain.Host{
		Hostname:      "a1",
		RegisteredAt:  t0,
		IPAddress:     ip,
		Status:        domain.StatusOnline,
		LastSeen:      t0,
		DNSZone:       "dyn.example.com.",
		DNSFQDN:       "a1.dyn.example.com.",
		DNSTTL:        60,
		DNSSyncStatus: domain.SyncSynced,
		DNSLastSync:   t0,
		DNSRecordType: "A",
		Version:       3,
	}
}

func TestDecideNewHost(t *testing.T) {
	msg := &protocol.Message{Type: protocol.KindRegister, Hostname: "a1", IPAddress: "10.0.0.1"}
	dec := Decide(msg, nil, t0, policy)

	if dec.Result != protocol.ResultNewRegistration {
		t.Fatalf("Result = %s, want new_registration", dec.Result)
	}
	h := dec.Host
	if h.DNSFQDN != "a1.dyn.example.com." || h.DNSZone != "dyn.example.com." || h.DNSTTL != 60 {
		t.Errorf("placement = %s/%s/%d", h.DNSFQDN, h.DNSZone, h.DNSTTL)
	}
	if h.Status != domain.StatusOnline || h.DNSSyncStatus != domain.SyncPending {
		t.Errorf("status = %s/%s, want online/pending", h.Status, h.DNSSyncStatus)
	}
	if !h.RegisteredAt.Equal(t0) || !h.LastSeen.Equal(t0) {
		t.Errorf("times = %v/%v, want %v", h.RegisteredAt, h.LastSeen, t0)
	}
	if h.SyncTask == nil || h.SyncTask.Operation != domain.OpCreate || h.SyncTask.Generation != 1 {
		t.Errorf("task = %v, want create#1", h.SyncTask)
	}
}

func TestDecideExistingHost(t *testing.T) {
	later := t0.Add(time.Minute)

	tests := []struct {
		name       string
		msg        protocol.Message
		existing   func() *domain.Host
		now        time.Time
		wantResult protocol.Result
		wantReason string
		wantOp     domain.SyncOperation // empty means no task
		wantRetrig bool
	}{
		{
			name:       "unknown heartbeat without ip",
			msg:        protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"},
			existing:   func() *domain.Host { return nil },
			now:        later,
			wantResult: protocol.ResultError,
			wantReason: protocol.ReasonUnknownHost,
		},
		{
			name:       "unknown heartbeat with ip registers",
			msg:        protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1", IPAddress: "10.0.0.1"},
			existing:   func() *domain.Host { return nil },
			now:        later,
			wantResult: protocol.ResultNewRegistration,
			wantOp:     domain.OpCreate,
		},
		{
			name:       "same ip",
			msg:        protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1", IPAddress: "10.0.0.1"},
			existing:   func() *domain.Host { return registered("10.0.0.1") },
			now:        later,
			wantResult: protocol.ResultHeartbeatOnly,
		},
		{
			name:       "no ip",
			msg:        protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"},
			existing:   func() *domain.Host { return registered("10.0.0.1") },
			now:        later,
			wantResult: protocol.ResultHeartbeatOnly,
		},
		{
			name:       "register with same ip",
			msg:        protocol.Message{Type: protocol.KindRegister, Hostname: "a1", IPAddress: "10.0.0.1"},
			existing:   func() *domain.Host { return registered("10.0.0.1") },
			now:        later,
			wantResult: protocol.ResultHeartbeatOnly,
		},
		{
			name:       "ip change",
			msg:        protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1", IPAddress: "10.0.0.2"},
			existing:   func() *domain.Host { return registered("10.0.0.1") },
			now:        later,
			wantResult: protocol.ResultIPChange,
			wantOp:     domain.OpUpdate,
		},
		{
			name:       "switch to ipv6",
			msg:        protocol.Message{Type: protocol.KindRegister, Hostname: "a1", IPAddress: "2001:db8::1"},
			existing:   func() *domain.Host { return registered("10.0.0.1") },
			now:        later,
			wantResult: protocol.ResultIPChange,
			wantOp:     domain.OpUpdate,
		},
		{
			name: "failed host within cooldown",
			msg:  protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"},
			existing: func() *domain.Host {
				h := registered("10.0.0.1")
				h.DNSSyncStatus = domain.SyncFailed
				return h
			},
			now:        t0.Add(time.Minute),
			wantResult: protocol.ResultHeartbeatOnly,
		},
		{
			name: "failed host after cooldown",
			msg:  protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"},
			existing: func() *domain.Host {
				h := registered("10.0.0.1")
				h.DNSSyncStatus = domain.SyncFailed
				return h
			},
			now:        t0.Add(20 * time.Minute),
			wantResult: protocol.ResultHeartbeatOnly,
			wantOp:     domain.OpUpdate,
			wantRetrig: true,
		},
		{
			name: "failed host never synced gets create",
			msg:  protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"},
			existing: func() *domain.Host {
				h := registered("10.0.0.1")
				h.DNSSyncStatus = domain.SyncFailed
				h.DNSRecordType = ""
				return h
			},
			now:        t0.Add(20 * time.Minute),
			wantResult: protocol.ResultHeartbeatOnly,
			wantOp:     domain.OpCreate,
			wantRetrig: true,
		},
		{
			name: "pending task is left alone",
			msg:  protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"},
			existing: func() *domain.Host {
				h := registered("10.0.0.1")
				h.DNSSyncStatus = domain.SyncPending
				h.SyncTask = domain.NewSyncTask("a1", domain.OpCreate, 2, t0)
				return h
			},
			now:        later,
			wantResult: protocol.ResultHeartbeatOnly,
			wantOp:     domain.OpCreate,
		},
		{
			name: "deregistering host comes back",
			msg:  protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"},
			existing: func() *domain.Host {
				h := registered("10.0.0.1")
				h.DNSSyncStatus = domain.SyncPending
				h.SyncTask = domain.NewSyncTask("a1", domain.OpDelete, 4, t0)
				return h
			},
			now:        later,
			wantResult: protocol.ResultHeartbeatOnly,
			wantOp:     domain.OpUpdate,
			wantRetrig: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := tt.existing()
			var before *domain.Host
			if existing != nil {
				before = existing.Clone()
			}

			dec := Decide(&tt.msg, existing, tt.now, policy)

			if dec.Result != tt.wantResult {
				t.Fatalf("Result = %s, want %s", dec.Result, tt.wantResult)
			}
			if dec.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", dec.Reason, tt.wantReason)
			}
			if dec.Retriggered != tt.wantRetrig {
				t.Errorf("Retriggered = %v, want %v", dec.Retriggered, tt.wantRetrig)
			}
			if existing != nil && existing.LastSeen != before.LastSeen {
				t.Error("Decide mutated the existing row")
			}
			if tt.wantResult == protocol.ResultError {
				if dec.Host != nil {
					t.Error("error decision must not write")
				}
				return
			}

			h := dec.Host
			if h.Status != domain.StatusOnline {
				t.Errorf("Status = %s, want online", h.Status)
			}
			if tt.wantOp == "" {
				if h.SyncTask != nil {
					t.Errorf("unexpected task %v", h.SyncTask)
				}
				return
			}
			if h.SyncTask == nil || h.SyncTask.Operation != tt.wantOp {
				t.Fatalf("task = %v, want %s", h.SyncTask, tt.wantOp)
			}
			if existing != nil && existing.SyncTask != nil && tt.wantRetrig &&
				h.SyncTask.Generation <= existing.SyncTask.Generation {
				t.Errorf("generation %d must supersede %d", h.SyncTask.Generation, existing.SyncTask.Generation)
			}
		})
	}
}

func TestDecideLastSeenNeverMovesBackwards(t *testing.T) {
	existing := registered("10.0.0.1")
	msg := &protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"}

	// Clock behind the stored value.
	dec := Decide(msg, existing, t0.Add(-time.Hour), policy)
	if !dec.Host.LastSeen.After(existing.LastSeen) {
		t.Errorf("LastSeen = %v, want after %v", dec.Host.LastSeen, existing.LastSeen)
	}

	// Clock equal to the stored value.
	dec = Decide(msg, existing, t0, policy)
	if !dec.Host.LastSeen.After(existing.LastSeen) {
		t.Errorf("LastSeen = %v, want after %v", dec.Host.LastSeen, existing.LastSeen)
	}
}

func TestDecideOfflineHostComesBack(t *testing.T) {
	existing := registered("10.0.0.1")
	existing.Status = domain.StatusOffline

	dec := Decide(&protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"}, existing, t0.Add(time.Hour), policy)
	if dec.Host.Status != domain.StatusOnline {
		t.Errorf("Status = %s, want online", dec.Host.Status)
	}
	if dec.Host.SyncTask != nil {
		t.Error("coming back online must not schedule a sync")
	}
}

func TestDecideRetriggerDisabled(t *testing.T) {
	existing := registered("10.0.0.1")
	existing.DNSSyncStatus = domain.SyncFailed

	dec := Decide(&protocol.Message{Type: protocol.KindHeartbeat, Hostname: "a1"}, existing,
		t0.Add(24*time.Hour), Policy{Placement: policy.Placement})
	if dec.Host.SyncTask != nil {
		t.Error("zero RetriggerAfter must disable the re-trigger")
	}
}
