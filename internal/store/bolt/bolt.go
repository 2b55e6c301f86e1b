package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

var bucketHosts = []byte("hosts")

// Store implements registry.Store on an embedded BoltDB file.
// Bolt serializes writers, so every Put is a read-compare-write inside one transaction.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketHosts); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketHosts, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, hostname string) (*domain.Host, error) {
	var host *domain.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		h, err := readHost(tx.Bucket(bucketHosts), hostname)
		host = h
		return err
	})
	if err != nil {
		return nil, err
	}
	return host, nil
}

func readHost(b *bolt.Bucket, hostname string) (*domain.Host, error) {
	data := b.Get([]byte(hostname))
	if data == nil {
		return nil, registry.ErrNotFound
	}
	var host domain.Host
	if err := json.Unmarshal(data, &host); err != nil {
		return nil, fmt.Errorf("failed to unmarshal host %s: %w", hostname, err)
	}
	return &host, nil
}

func (s *Store) Put(_ context.Context, host *domain.Host) error {
	expected := host.Version
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		current, err := readHost(b, host.Hostname)
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
			return err
		}
		return b.Put([]byte(host.Hostname), data)
	})
	if err != nil {
		return err
	}
	host.Version = expected + 1
	return nil
}

func (s *Store) Delete(_ context.Context, hostname string, version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		current, err := readHost(b, hostname)
		if errors.Is(err, registry.ErrNotFound) {
			return registry.ErrConflict
		}
		if err != nil {
			return err
		}
		if current.Version != version {
			return registry.ErrConflict
		}
		return b.Delete([]byte(hostname))
	})
}

func (s *Store) List(_ context.Context) ([]*domain.Host, error) {
	var hosts []*domain.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var host domain.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return fmt.Errorf("failed to unmarshal host %s: %w", k, err)
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

func (s *Store) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketHosts) == nil {
			return fmt.Errorf("bucket %s missing", bucketHosts)
		}
		return nil
	})
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
