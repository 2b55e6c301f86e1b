package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/beacon/internal/registry"
	"github.com/MrSnakeDoc/beacon/internal/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewStore(client)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) registry.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestStoreKeysLayout(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Put(context.Background(), storetest.SampleHost("a1")))

	assert.True(t, mr.Exists(HostKey("a1")))
	members, err := mr.Members(AllHostsKey())
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, members)
	assert.Zero(t, mr.TTL(HostKey("a1")), "host keys must not expire")
}

func TestListSkipsDanglingMembers(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Put(context.Background(), storetest.SampleHost("a1")))
	_, err := mr.SAdd(AllHostsKey(), "ghost")
	require.NoError(t, err)

	hosts, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "a1", hosts[0].Hostname)
}
