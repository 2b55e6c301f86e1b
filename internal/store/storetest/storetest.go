// Package storetest holds the behavioural contract every registry.Store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job (t.Cleanup).
type Factory func(t *testing.T) registry.Store

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("get missing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("create and get", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("create twice conflicts", func(t *testing.T) { testCreateTwice(t, newStore(t)) })
	t.Run("stale version conflicts", func(t *testing.T) { testStaleVersion(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("list", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("concurrent creates", func(t *testing.T) { testConcurrentCreates(t, newStore(t)) })
	t.Run("ping", func(t *testing.T) { require.NoError(t, newStore(t).Ping(context.Background())) })
}

// SampleHost builds a fully populated host, times truncated so every backend round-trips them.
func SampleHost(name string) *domain.Host {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Host{
		Hostname:      name,
		IPAddress:     "10.0.0.1",
		Status:        domain.StatusOnline,
		RegisteredAt:  now,
		LastSeen:      now,
		DNSZone:       "dyn.example.com.",
		DNSFQDN:       name + ".dyn.example.com.",
		DNSTTL:        60,
		DNSSyncStatus: domain.SyncPending,
		SyncTask:      domain.NewSyncTask(name, domain.OpCreate, 1, now),
	}
}

func testGetMissing(t *testing.T, s registry.Store) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func testCreateAndGet(t *testing.T, s registry.Store) {
	ctx := context.Background()
	h := SampleHost("a1")

	require.NoError(t, s.Put(ctx, h))
	assert.Equal(t, int64(1), h.Version, "Put must bump the caller's version")

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.Hostname)
	assert.Equal(t, "10.0.0.1", got.IPAddress)
	assert.Equal(t, domain.StatusOnline, got.Status)
	assert.Equal(t, domain.SyncPending, got.DNSSyncStatus)
	assert.Equal(t, "a1.dyn.example.com.", got.DNSFQDN)
	assert.Equal(t, 60, got.DNSTTL)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.LastSeen.Equal(h.LastSeen), "last_seen round-trip: got %v want %v", got.LastSeen, h.LastSeen)
	require.NotNil(t, got.SyncTask)
	assert.Equal(t, domain.OpCreate, got.SyncTask.Operation)
	assert.Equal(t, int64(1), got.SyncTask.Generation)

	got.IPAddress = "10.0.0.2"
	got.SyncTask = nil
	require.NoError(t, s.Put(ctx, got))

	again, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", again.IPAddress)
	assert.Nil(t, again.SyncTask, "clearing the task must persist")
	assert.Equal(t, int64(2), again.Version)
}

func testCreateTwice(t *testing.T, s registry.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, SampleHost("a1")))
	assert.ErrorIs(t, s.Put(ctx, SampleHost("a1")), registry.ErrConflict)
}

func testStaleVersion(t *testing.T, s registry.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, SampleHost("a1")))

	first, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	second, err := s.Get(ctx, "a1")
	require.NoError(t, err)

	first.IPAddress = "10.0.0.2"
	require.NoError(t, s.Put(ctx, first))

	second.IPAddress = "10.0.0.3"
	assert.ErrorIs(t, s.Put(ctx, second), registry.ErrConflict)

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", got.IPAddress, "losing writer must not overwrite")
}

func testDelete(t *testing.T, s registry.Store) {
	ctx := context.Background()
	h := SampleHost("a1")
	require.NoError(t, s.Put(ctx, h))

	assert.ErrorIs(t, s.Delete(ctx, "a1", h.Version+1), registry.ErrConflict)
	require.NoError(t, s.Delete(ctx, "a1", h.Version))

	_, err := s.Get(ctx, "a1")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	hosts, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func testList(t *testing.T, s registry.Store) {
	ctx := context.Background()
	for _, name := range []string{"a1", "b2", "c3"} {
		require.NoError(t, s.Put(ctx, SampleHost(name)))
	}

	hosts, err := s.List(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, h.Hostname)
	}
	assert.ElementsMatch(t, []string{"a1", "b2", "c3"}, names)
}

func testConcurrentCreates(t *testing.T, s registry.Store) {
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := SampleHost("race")
			h.IPAddress = fmt.Sprintf("10.0.0.%d", i+1)
			if err := s.Put(ctx, h); err == nil {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load(), "exactly one create must win")
	hosts, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 1)
}
