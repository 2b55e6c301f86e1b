package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/moby/locker"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/logger"
)

// internalRetries bounds CAS retries for writes issued by background loops.
// The registration path does its own single retry (see processor).
const internalRetries = 3

// MutateFunc receives a copy of the current row (nil when absent) and returns
// the row to write. Returning (nil, nil) leaves the store untouched.
type MutateFunc func(current *domain.Host) (*domain.Host, error)

// Registry is the single entry point to host state.
// Every mutation for a given hostname is serialized by a keyed lock held
// across the read-modify-write, and the store's version check protects
// against writers in other processes.
type Registry struct {
	store  Store
	locks  *locker.Locker
	wake   chan struct{}
	logger logger.Logger
	now    func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source. Meant for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over the given store.
func New(store Store, log logger.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		locks:  locker.New(),
		wake:   make(chan struct{}, 1),
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Wake fires (coalesced) whenever a sync task is written.
func (r *Registry) Wake() <-chan struct{} {
	return r.wake
}

func (r *Registry) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Get returns a host by name, case-insensitively.
// Names that fail validation return domain.ErrInvalidHostname.
func (r *Registry) Get(ctx context.Context, hostname string) (*domain.Host, error) {
	key, err := domain.NormalizeHostname(hostname)
	if err != nil {
		return nil, err
	}
	return r.store.Get(ctx, key)
}

// Upsert writes a full host row under the host lock.
// The caller's Version must match the stored one (0 to create).
func (r *Registry) Upsert(ctx context.Context, host *domain.Host) error {
	key, err := domain.NormalizeHostname(host.Hostname)
	if err != nil {
		return err
	}
	host.Hostname = key

	r.lock(key)
	defer r.unlock(key)

	if err := r.store.Put(ctx, host); err != nil {
		return err
	}
	if host.SyncTask != nil {
		r.notify()
	}
	return nil
}

// Update runs one locked read-modify-write for hostname.
// It returns the row as written, or the unchanged current row when fn declines
// to write. ErrConflict is returned as-is so callers can decide to retry.
func (r *Registry) Update(ctx context.Context, hostname string, fn MutateFunc) (*domain.Host, error) {
	key, err := domain.NormalizeHostname(hostname)
	if err != nil {
		return nil, err
	}

	r.lock(key)
	defer r.unlock(key)

	return r.updateLocked(ctx, key, fn)
}

func (r *Registry) updateLocked(ctx context.Context, key string, fn MutateFunc) (*domain.Host, error) {
	current, err := r.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read host %s: %w", key, err)
	}

	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	next.Hostname = key
	if current != nil {
		next.Version = current.Version
	} else {
		next.Version = 0
	}

	if err := r.store.Put(ctx, next); err != nil {
		return nil, err
	}

	if next.SyncTask != nil && (current == nil || current.SyncTask == nil ||
		current.SyncTask.Generation != next.SyncTask.Generation ||
		!current.SyncTask.NextAttemptAt.Equal(next.SyncTask.NextAttemptAt)) {
		r.notify()
	}
	return next, nil
}

// updateWithRetry retries fn on version conflicts. Used by background loops,
// where losing a CAS race only means re-evaluating on fresh state.
func (r *Registry) updateWithRetry(ctx context.Context, hostname string, fn MutateFunc) (*domain.Host, error) {
	var lastErr error
	for i := 0; i < internalRetries; i++ {
		h, err := r.Update(ctx, hostname, fn)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// List returns a snapshot of every host, sorted by hostname.
func (r *Registry) List(ctx context.Context) ([]*domain.Host, error) {
	hosts, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Hostname < hosts[j].Hostname })
	return hosts, nil
}

// ListOnline returns hosts currently marked online.
func (r *Registry) ListOnline(ctx context.Context) ([]*domain.Host, error) {
	hosts, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	online := hosts[:0]
	for _, h := range hosts {
		if h.Status == domain.StatusOnline {
			online = append(online, h)
		}
	}
	return online, nil
}

// ListPendingSync returns hosts holding a task due at now, oldest task first.
// Failed hosts only appear once a new task has been issued for them.
func (r *Registry) ListPendingSync(ctx context.Context, now time.Time) ([]*domain.Host, error) {
	hosts, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	due := make([]*domain.Host, 0, len(hosts))
	for _, h := range hosts {
		if h.NeedsSync(now) {
			due = append(due, h)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].SyncTask, due[j].SyncTask
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return due, nil
}

// MarkSyncResult records the outcome of the attempt for task generation gen.
// It returns false when the task was superseded (or the host vanished) and the
// result was not applied to the sync status.
func (r *Registry) MarkSyncResult(ctx context.Context, hostname string, gen int64, res domain.SyncResult) (bool, error) {
	key, err := domain.NormalizeHostname(hostname)
	if err != nil {
		return false, err
	}

	r.lock(key)
	defer r.unlock(key)

	for i := 0; i < internalRetries; i++ {
		applied, err := r.markLocked(ctx, key, gen, res)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return applied, err
	}
	return false, fmt.Errorf("failed to record sync result for %s: %w", key, ErrConflict)
}

func (r *Registry) markLocked(ctx context.Context, key string, gen int64, res domain.SyncResult) (bool, error) {
	h, err := r.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read host %s: %w", key, err)
	}

	current := h.SyncTask != nil && h.SyncTask.Generation == gen
	if !current {
		// The engine state still changed; remember what it holds now.
		if res.Kind == domain.ResultSynced && res.RecordType != "" && h.DNSRecordType != res.RecordType {
			h.DNSRecordType = res.RecordType
			return false, r.store.Put(ctx, h)
		}
		return false, nil
	}

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}

	switch res.Kind {
	case domain.ResultDeleted:
		return true, r.store.Delete(ctx, key, h.Version)
	case domain.ResultSynced:
		h.DNSSyncStatus = domain.SyncSynced
		h.DNSLastSync = res.At
		h.DNSSyncError = ""
		h.DNSRecordType = res.RecordType
		h.SyncAttempts = h.SyncTask.AttemptCount + 1
		h.SyncTask = nil
	case domain.ResultRetry:
		h.DNSSyncStatus = domain.SyncPending
		h.DNSLastSync = res.At
		h.DNSSyncError = errMsg
		h.SyncTask.AttemptCount++
		h.SyncTask.NextAttemptAt = res.NextAt
		h.SyncTask.LastError = errMsg
	case domain.ResultFailed:
		h.DNSSyncStatus = domain.SyncFailed
		h.DNSLastSync = res.At
		h.DNSSyncError = errMsg
		h.SyncAttempts = h.SyncTask.AttemptCount + 1
		h.SyncTask = nil
	default:
		return false, fmt.Errorf("unknown sync result kind %d", res.Kind)
	}

	if err := r.store.Put(ctx, h); err != nil {
		return false, err
	}
	if res.Kind == domain.ResultRetry {
		r.notify()
	}
	return true, nil
}

// MarkOffline flips an online host to offline if its last_seen is still older
// than cutoff once the lock is held. DNS state is left untouched.
func (r *Registry) MarkOffline(ctx context.Context, hostname string, cutoff time.Time) (bool, error) {
	flipped := false
	_, err := r.updateWithRetry(ctx, hostname, func(h *domain.Host) (*domain.Host, error) {
		flipped = false
		if h == nil || h.Status != domain.StatusOnline || !h.LastSeen.Before(cutoff) {
			return nil, nil
		}
		h.Status = domain.StatusOffline
		flipped = true
		return h, nil
	})
	if err != nil {
		return false, err
	}
	return flipped, nil
}

// RequestSync issues a fresh task for an existing host, replacing any active one.
// Attempt counters restart from zero.
func (r *Registry) RequestSync(ctx context.Context, hostname string, op domain.SyncOperation) (*domain.Host, error) {
	now := r.now()
	return r.updateWithRetry(ctx, hostname, func(h *domain.Host) (*domain.Host, error) {
		if h == nil {
			return nil, ErrNotFound
		}
		if op != domain.OpDelete && h.IPAddress == "" {
			return nil, fmt.Errorf("host %s has no address to sync", h.Hostname)
		}
		h.SyncTask = domain.NewSyncTask(h.Hostname, op, h.NextGeneration(), now)
		h.DNSSyncStatus = domain.SyncPending
		return h, nil
	})
}

// Deregister schedules removal of the host's record. The row is deleted once
// the delete task succeeds; a message from the host before then cancels it.
func (r *Registry) Deregister(ctx context.Context, hostname string) (*domain.Host, error) {
	return r.RequestSync(ctx, hostname, domain.OpDelete)
}

// Requeue re-derives tasks after a restart: any host left pending without a
// task gets one. It returns how many tasks were created.
func (r *Registry) Requeue(ctx context.Context) (int, error) {
	hosts, err := r.List(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, h := range hosts {
		if h.DNSSyncStatus != domain.SyncPending || h.SyncTask != nil {
			continue
		}
		now := r.now()
		made := false
		_, err := r.updateWithRetry(ctx, h.Hostname, func(cur *domain.Host) (*domain.Host, error) {
			made = false
			if cur == nil || cur.DNSSyncStatus != domain.SyncPending || cur.SyncTask != nil {
				return nil, nil
			}
			op := domain.OpUpdate
			if cur.DNSRecordType == "" {
				op = domain.OpCreate
			}
			cur.SyncTask = domain.NewSyncTask(cur.Hostname, op, cur.NextGeneration(), now)
			made = true
			return cur, nil
		})
		if err != nil {
			r.logger.Warn("failed to requeue host",
				logger.String("hostname", h.Hostname),
				logger.Error(err))
			continue
		}
		if made {
			created++
		}
	}
	if created > 0 {
		r.notify()
	}
	return created, nil
}

// Stats is a point-in-time summary used by metrics and the infra endpoint.
type Stats struct {
	Total   int
	Online  int
	Offline int
	Queued  int
	BySync  map[domain.SyncStatus]int
}

// Stats scans the store and summarizes host state.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	hosts, err := r.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list hosts: %w", err)
	}
	s := Stats{Total: len(hosts), BySync: make(map[domain.SyncStatus]int, 3)}
	for _, h := range hosts {
		switch h.Status {
		case domain.StatusOnline:
			s.Online++
		case domain.StatusOffline:
			s.Offline++
		}
		if h.SyncTask != nil {
			s.Queued++
		}
		s.BySync[h.DNSSyncStatus]++
	}
	return s, nil
}

// Ping checks the backing store.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Close releases the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// Now exposes the registry clock so collaborators stamp times consistently.
func (r *Registry) Now() time.Time {
	return r.now()
}

func (r *Registry) lock(key string) { r.locks.Lock(key) }

func (r *Registry) unlock(key string) {
	// Unlock only errors for a name that was never locked.
	_ = r.locks.Unlock(key)
}
