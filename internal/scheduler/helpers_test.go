package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/registry"
	"github.com/MrSnakeDoc/beacon/internal/store/memory"
)

const zone = "dyn.example.com."

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry(t *testing.T, clock *fakeClock) *registry.Registry {
	t.Helper()
	var opts []registry.Option
	if clock != nil {
		opts = append(opts, registry.WithClock(clock.Now))
	}
	return registry.New(memory.New(), logger.NewNop(), opts...)
}

// seedHost stores a freshly registered host holding a create task.
func seedHost(t *testing.T, reg *registry.Registry, name, ip string) {
	t.Helper()
	now := reg.Now()
	h := &domain.Host{
		Hostname:      name,
		RegisteredAt:  now,
		IPAddress:     ip,
		Status:        domain.StatusOnline,
		LastSeen:      now,
		DNSZone:       zone,
		DNSFQDN:       domain.FQDN(name, zone),
		DNSTTL:        60,
		DNSSyncStatus: domain.SyncPending,
		SyncTask:      domain.NewSyncTask(name, domain.OpCreate, 1, now),
	}
	require.NoError(t, reg.Upsert(context.Background(), h))
}

func getHost(t *testing.T, reg *registry.Registry, name string) *domain.Host {
	t.Helper()
	h, err := reg.Get(context.Background(), name)
	require.NoError(t, err)
	return h
}

// changeIP simulates an ip_change message being processed.
func changeIP(t *testing.T, reg *registry.Registry, name, ip string) {
	t.Helper()
	_, err := reg.Update(context.Background(), name, func(h *domain.Host) (*domain.Host, error) {
		h.IPAddress = ip
		h.DNSSyncStatus = domain.SyncPending
		h.SyncTask = domain.NewSyncTask(name, domain.OpUpdate, h.NextGeneration(), reg.Now())
		return h, nil
	})
	require.NoError(t, err)
}
