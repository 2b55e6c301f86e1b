package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// Store handles Redis operations for hosts.
// Writes are optimistic transactions (WATCH/MULTI/EXEC) on the host key.
type Store struct {
	client *redis.Client
}

// NewStore creates a new Redis store
func NewStore(client *redis.Client) *Store {
	return &Store{
		client: client,
	}
}

// Get retrieves a host from Redis by name
func (s *Store) Get(ctx context.Context, hostname string) (*domain.Host, error) {
	return getHost(ctx, s.client, hostname)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getHost(ctx context.Context, c getter, hostname string) (*domain.Host, error) {
	data, err := c.Get(ctx, HostKey(hostname)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, registry.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	var host domain.Host
	if err := json.Unmarshal(data, &host); err != nil {
		return nil, fmt.Errorf("failed to unmarshal host: %w", err)
	}
	return &host, nil
}

// Put stores a host in Redis if the stored version matches host.Version
func (s *Store) Put(ctx context.Context, host *domain.Host) error {
	key := HostKey(host.Hostname)
	expected := host.Version

	txf := func(tx *redis.Tx) error {
		current, err := getHost(ctx, tx, host.Hostname)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			if expected != 0 {
				return registry.ErrConflict
			}
		case err != nil:
			return err
		case current.Version != expected:
			return registry.ErrConflict
		}

		next := *host
		next.Version = expected + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal host: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, AllHostsKey(), host.Hostname)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return registry.ErrConflict
		}
		if errors.Is(err, registry.ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to save host: %w", err)
	}

	host.Version = expected + 1
	return nil
}

// Delete removes a host from Redis if the stored version matches
func (s *Store) Delete(ctx context.Context, hostname string, version int64) error {
	key := HostKey(hostname)

	txf := func(tx *redis.Tx) error {
		current, err := getHost(ctx, tx, hostname)
		if errors.Is(err, registry.ErrNotFound) {
			return registry.ErrConflict
		}
		if err != nil {
			return err
		}
		if current.Version != version {
			return registry.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, AllHostsKey(), hostname)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) || errors.Is(err, registry.ErrConflict) {
			return registry.ErrConflict
		}
		return fmt.Errorf("failed to delete host: %w", err)
	}
	return nil
}

// List retrieves all hosts from Redis
func (s *Store) List(ctx context.Context) ([]*domain.Host, error) {
	names, err := s.client.SMembers(ctx, AllHostsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostnames: %w", err)
	}

	if len(names) == 0 {
		return []*domain.Host{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.Get(ctx, HostKey(name))
	}
	// redis.Nil for individual keys is reported per command below.
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load hosts: %w", err)
	}

	hosts := make([]*domain.Host, 0, len(names))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// Skip hosts removed between SMEMBERS and GET
			continue
		}
		var host domain.Host
		if err := json.Unmarshal(data, &host); err != nil {
			continue
		}
		hosts = append(hosts, &host)
	}

	return hosts, nil
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}
