package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// HeartbeatMonitor marks hosts offline once they stop sending messages.
// It never touches DNS state.
type HeartbeatMonitor struct {
	registry  *registry.Registry
	health    *metrics.Health
	logger    logger.Logger
	interval  time.Duration
	threshold time.Duration
	stopCh    chan struct{}
}

// NewHeartbeatMonitor creates a new heartbeat monitor
func NewHeartbeatMonitor(
	reg *registry.Registry,
	health *metrics.Health,
	log logger.Logger,
	interval time.Duration,
	threshold time.Duration,
) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry:  reg,
		health:    health,
		logger:    log,
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic sweep
func (hm *HeartbeatMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(hm.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := hm.Sweep(ctx); err != nil {
					hm.logger.Error("heartbeat sweep failed",
						logger.Error(err))
					hm.setHealth(false, err.Error())
					continue
				}
				hm.setHealth(true, "")
			case <-hm.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	hm.setHealth(true, "")
	return nil
}

// Stop stops the monitor
func (hm *HeartbeatMonitor) Stop() {
	close(hm.stopCh)
}

// Sweep flips every online host whose last_seen is older than the threshold
// to offline and returns how many were flipped. The age is re-checked under
// the host lock, so a heartbeat racing the sweep wins.
func (hm *HeartbeatMonitor) Sweep(ctx context.Context) (int, error) {
	hosts, err := hm.registry.ListOnline(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := hm.registry.Now().Add(-hm.threshold)
	marked := 0

	for _, h := range hosts {
		if !h.LastSeen.Before(cutoff) {
			continue
		}

		flipped, err := hm.registry.MarkOffline(ctx, h.Hostname, cutoff)
		if err != nil {
			hm.logger.Warn("failed to mark host offline",
				logger.String("hostname", h.Hostname),
				logger.Error(err))
			continue
		}
		if flipped {
			marked++
			metrics.HostsMarkedOffline.Inc()
			hm.logger.Info("host marked offline",
				logger.String("hostname", h.Hostname),
				logger.Time("last_seen", h.LastSeen))
		}
	}

	if marked > 0 {
		hm.logger.Info("heartbeat sweep completed",
			logger.Int("marked_offline", marked))
	} else {
		hm.logger.Debug("no hosts timed out")
	}

	return marked, nil
}

func (hm *HeartbeatMonitor) setHealth(healthy bool, msg string) {
	if hm.health != nil {
		hm.health.Set(metrics.ComponentMonitor, healthy, msg)
	}
}
