package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/sources/placement"
)

// PlacementReloader handles periodic reloading of the placement file
type PlacementReloader struct {
	loader        *placement.Loader
	table         *placement.Table
	defaultZone   string
	defaultTTL    int
	logger        logger.Logger
	interval      time.Duration
	stopCh        chan struct{}
	manualTrigger chan struct{}
}

// NewPlacementReloader creates a new placement reloader
func NewPlacementReloader(
	placementFile string,
	table *placement.Table,
	defaultZone string,
	defaultTTL int,
	log logger.Logger,
	interval time.Duration,
	manualTrigger chan struct{},
) *PlacementReloader {
	return &PlacementReloader{
		loader:        placement.NewLoader(placementFile),
		table:         table,
		defaultZone:   defaultZone,
		defaultTTL:    defaultTTL,
		logger:        log,
		interval:      interval,
		stopCh:        make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start begins the periodic reload process
func (pr *PlacementReloader) Start(ctx context.Context) error {
	// Load immediately on start
	if err := pr.Reload(); err != nil {
		return fmt.Errorf("initial placement load failed: %w", err)
	}

	ticker := time.NewTicker(pr.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := pr.Reload(); err != nil {
					pr.logger.Error("failed to reload placement rules, keeping previous",
						logger.Error(err))
				}
			case <-pr.manualTrigger:
				pr.logger.Info("manual placement reload triggered")
				if err := pr.Reload(); err != nil {
					pr.logger.Error("failed to reload placement rules, keeping previous",
						logger.Error(err))
				}
			case <-pr.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the reloader
func (pr *PlacementReloader) Stop() {
	close(pr.stopCh)
}

// Reload parses the placement file and swaps the live rules.
// On any error the rules in service are left untouched.
func (pr *PlacementReloader) Reload() error {
	file, err := pr.loader.Load()
	if err != nil {
		return err
	}

	rules, err := placement.Compile(file, pr.defaultZone, pr.defaultTTL)
	if err != nil {
		return fmt.Errorf("invalid placement rules in %s: %w", pr.loader.Path(), err)
	}

	pr.table.Swap(rules)
	pr.logger.Info("placement rules loaded",
		logger.String("file", pr.loader.Path()),
		logger.Int("rules", rules.Len()))

	return nil
}
