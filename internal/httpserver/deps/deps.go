package deps

import (
	"time"

	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/registry"
	"github.com/MrSnakeDoc/beacon/internal/sources/placement"
)

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	TimeNow        func() time.Time   // for testing, defaults to time.Now
	AllowedCIDRS   []string           // IPs/CIDRs allowed to reach the admin endpoints
	TrustProxy     bool               // true if running behind a trusted reverse proxy
	AdminRateBurst int                // admin API token bucket size per IP
	AdminRatePerIP int                // admin API refill per IP per minute
	Registry       *registry.Registry // host registry behind the admin API
	Health         *metrics.Health    // component health for /healthz
	Placement      *placement.Table   // live placement rules
	PlacementFile  string             // path of the placement rules file, empty when unset
	ReloadTrigger  chan struct{}      // Channel to trigger manual placement reload (nil when no file)
}
