package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

const (
	// DefaultGCThreshold is how long a host may stay offline before it is deregistered
	DefaultGCThreshold = 30 * 24 * time.Hour // 30 days
)

// GarbageCollector deregisters hosts that have been offline for a long time.
// It is opt-in: going offline alone never removes a record.
type GarbageCollector struct {
	registry  *registry.Registry
	logger    logger.Logger
	interval  time.Duration
	threshold time.Duration
	stopCh    chan struct{}
}

// NewGarbageCollector creates a new garbage collector
func NewGarbageCollector(
	reg *registry.Registry,
	log logger.Logger,
	interval time.Duration,
	threshold time.Duration,
) *GarbageCollector {
	if threshold == 0 {
		threshold = DefaultGCThreshold
	}

	return &GarbageCollector{
		registry:  reg,
		logger:    log,
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic garbage collection process
func (gc *GarbageCollector) Start(ctx context.Context) error {
	// Run immediately on start
	if _, err := gc.Collect(ctx); err != nil {
		gc.logger.Warn("initial garbage collection failed",
			logger.Error(err))
	}

	ticker := time.NewTicker(gc.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := gc.Collect(ctx); err != nil {
					gc.logger.Error("garbage collection failed",
						logger.Error(err))
				}
			case <-gc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the garbage collector
func (gc *GarbageCollector) Stop() {
	close(gc.stopCh)
}

// Collect schedules deletion for hosts offline longer than the threshold.
// Hosts already being deleted are skipped.
func (gc *GarbageCollector) Collect(ctx context.Context) (int, error) {
	hosts, err := gc.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	now := gc.registry.Now()
	collected := 0

	for _, h := range hosts {
		if h.Status != domain.StatusOffline {
			continue
		}
		if h.SyncTask != nil && h.SyncTask.Operation == domain.OpDelete {
			continue
		}

		offlineFor := now.Sub(h.LastSeen)
		if offlineFor < gc.threshold {
			continue
		}

		// Re-check under the host lock: a message may have arrived since List.
		deregistered := false
		_, err := gc.registry.Update(ctx, h.Hostname, func(cur *domain.Host) (*domain.Host, error) {
			if cur == nil || cur.Status != domain.StatusOffline || now.Sub(cur.LastSeen) < gc.threshold {
				return nil, nil
			}
			if cur.SyncTask != nil && cur.SyncTask.Operation == domain.OpDelete {
				return nil, nil
			}
			cur.SyncTask = domain.NewSyncTask(cur.Hostname, domain.OpDelete, cur.NextGeneration(), now)
			cur.DNSSyncStatus = domain.SyncPending
			deregistered = true
			return cur, nil
		})
		if err != nil {
			gc.logger.Warn("failed to deregister stale host",
				logger.String("hostname", h.Hostname),
				logger.Error(err))
			continue
		}
		if !deregistered {
			continue
		}

		gc.logger.Info("deregistering stale host",
			logger.String("hostname", h.Hostname),
			logger.String("offline_for", offlineFor.String()))

		collected++
	}

	if collected > 0 {
		gc.logger.Info("garbage collection completed",
			logger.Int("hosts_deregistered", collected))
	} else {
		gc.logger.Debug("no hosts to garbage collect")
	}

	return collected, nil
}
