package metrics

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// StatsSource is satisfied by *registry.Registry.
type StatsSource interface {
	Stats(ctx context.Context) (registry.Stats, error)
}

// Collector refreshes registry gauges on an interval
type Collector struct {
	source   StatsSource
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, log logger.Logger, interval time.Duration) *Collector {
	return &Collector{
		source:   source,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()

		// Collect immediately on start
		c.Collect(ctx)

		for {
			select {
			case <-ticker.C:
				c.Collect(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect takes one snapshot of the registry into the gauges.
func (c *Collector) Collect(ctx context.Context) {
	stats, err := c.source.Stats(ctx)
	if err != nil {
		c.logger.Warn("failed to collect registry stats", logger.Error(err))
		return
	}

	Hosts.WithLabelValues(string(domain.StatusOnline)).Set(float64(stats.Online))
	Hosts.WithLabelValues(string(domain.StatusOffline)).Set(float64(stats.Offline))
	SyncQueueDepth.Set(float64(stats.Queued))

	for _, s := range []domain.SyncStatus{domain.SyncPending, domain.SyncSynced, domain.SyncFailed} {
		HostsBySync.WithLabelValues(string(s)).Set(float64(stats.BySync[s]))
	}
}
