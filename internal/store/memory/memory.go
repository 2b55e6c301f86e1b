package memory

import (
	"context"
	"sync"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// Store keeps hosts in process memory.
// It backs tests and single-node setups where losing state on restart is acceptable.
type Store struct {
	mu    sync.RWMutex
	hosts map[string]*domain.Host // hostname -> Host
}

// New creates an empty memory store
func New() *Store {
	return &Store{
		hosts: make(map[string]*domain.Host),
	}
}

// Get retrieves a copy of a host by name
func (s *Store) Get(_ context.Context, hostname string) (*domain.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.hosts[hostname]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return h.Clone(), nil
}

// Put writes a host if its version matches the stored one
func (s *Store) Put(_ context.Context, host *domain.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.hosts[host.Hostname]
	switch {
	case !ok && host.Version != 0:
		return registry.ErrConflict
	case ok && existing.Version != host.Version:
		return registry.ErrConflict
	}

	host.Version++
	s.hosts[host.Hostname] = host.Clone()
	return nil
}

// Delete removes a host if its version matches the stored one
func (s *Store) Delete(_ context.Context, hostname string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.hosts[hostname]
	if !ok || existing.Version != version {
		return registry.ErrConflict
	}
	delete(s.hosts, hostname)
	return nil
}

// List returns copies of all hosts
func (s *Store) List(_ context.Context) ([]*domain.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hosts := make([]*domain.Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		hosts = append(hosts, h.Clone())
	}
	return hosts, nil
}

// Count returns the number of hosts in the store
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.hosts)
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
