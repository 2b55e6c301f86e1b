package scheduler

import (
	"context"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// ZoneChecker is satisfied by *pdns.Client.
type ZoneChecker interface {
	ZoneExists(ctx context.Context, zone string) (bool, error)
}

// Requeuer restores the sync queue from persisted rows on startup
type Requeuer struct {
	registry *registry.Registry
	zones    ZoneChecker
	logger   logger.Logger
}

// NewRequeuer creates a new requeuer. zones may be nil to skip zone checks.
func NewRequeuer(
	reg *registry.Registry,
	zones ZoneChecker,
	log logger.Logger,
) *Requeuer {
	return &Requeuer{
		registry: reg,
		zones:    zones,
		logger:   log,
	}
}

// Requeue issues tasks for hosts left pending without one. Tasks persisted by
// a previous process are already in the store and are due immediately.
func (rq *Requeuer) Requeue(ctx context.Context) error {
	rq.logger.Info("restoring sync queue from registry")

	created, err := rq.registry.Requeue(ctx)
	if err != nil {
		return err
	}

	stats, err := rq.registry.Stats(ctx)
	if err != nil {
		return err
	}

	rq.logger.Info("sync queue restored",
		logger.Int("hosts", stats.Total),
		logger.Int("queued", stats.Queued),
		logger.Int("requeued", created))

	return nil
}

// CheckZones logs whether each zone exists on the DNS engine. Missing zones
// are not fatal: syncs into them fail permanently and show up per host.
func (rq *Requeuer) CheckZones(ctx context.Context, zones []string) int {
	if rq.zones == nil {
		return 0
	}

	missing := 0
	for _, zone := range zones {
		ok, err := rq.zones.ZoneExists(ctx, zone)
		switch {
		case err != nil:
			rq.logger.Warn("failed to check dns zone",
				logger.String("zone", zone),
				logger.Error(err))
		case !ok:
			missing++
			rq.logger.Error("dns zone does not exist on the dns engine",
				logger.String("zone", zone))
		default:
			rq.logger.Info("dns zone found", logger.String("zone", zone))
		}
	}
	return missing
}
