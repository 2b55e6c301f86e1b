package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable with BEACON_STORE.
const (
	StoreRedis    = "redis"
	StoreBolt     = "bolt"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr        string        // admin API, ex: ":8080"
	ShutdownTimeout time.Duration // ex: 10s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Agent protocol listener
	TCPAddr        string        // ex: ":7070"
	IdleTimeout    time.Duration // no complete frame within this window closes the connection
	WriteTimeout   time.Duration // deadline for writing one ack
	MaxFrameSize   int           // max payload bytes per frame
	MaxConns       int           // global cap on open connections
	ConnRatePerIP  float64       // new connections per second per source IP, 0 disables
	ConnBurstPerIP int

	// Host store
	Store       string // redis | bolt | sqlite | postgres | memory
	BoltPath    string
	SQLitePath  string
	PostgresDSN string

	// Redis
	RedisURL              string        // optional, overrides the fields below
	RedisAddr             string        // ex: "localhost:6379"
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts

	// DNS engine (PowerDNS-compatible API)
	PDNSURL          string
	PDNSAPIKey       string
	PDNSServerID     string
	PDNSTimeout      time.Duration // per call
	PDNSMaxRetries   int           // client-level retries for transient errors
	PDNSRetryBackoff time.Duration
	PDNSRateLimit    float64 // requests per second, 0 = unlimited
	PDNSRateBurst    int
	PDNSMaxConns     int

	// Reconciliation worker
	SyncWorkers      int
	SyncPollInterval time.Duration
	SyncBackoffBase  time.Duration
	SyncBackoffMax   time.Duration
	SyncMaxAttempts  int // 0 = retry transient failures forever
	SyncDrainTimeout time.Duration

	// Heartbeat monitor
	HeartbeatCheckInterval time.Duration
	HeartbeatTimeout       time.Duration

	// Placement
	DefaultZone             string
	DefaultTTL              int
	PlacementFile           string // optional YAML rules
	PlacementReloadInterval time.Duration

	// Propagation check, disabled when VerifyNameserver is empty
	VerifyNameserver string
	VerifyTimeout    time.Duration

	FailedRetriggerAfter time.Duration // 0 disables re-issuing tasks for failed hosts

	// Offline host collection
	GCEnabled   bool
	GCInterval  time.Duration
	GCThreshold time.Duration

	MetricsInterval time.Duration

	// Admin API access
	AllowedCIDRS   []string // optional, restrict access to specific IPs/CIDRs
	TrustProxy     bool     // true => trust X-Forwarded-For headers
	AdminRateBurst int
	AdminRatePerIP int // requests per minute per IP
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		HTTPAddr:        getenv("BEACON_HTTP_ADDR", ":8080"),
		ShutdownTimeout: mustDuration("BEACON_SHUTDOWN_TIMEOUT", 10*time.Second),

		// Logging
		LogLevel:  getenv("BEACON_LOG_LEVEL", "info"),
		PrettyLog: mustBool("BEACON_PRETTY_LOG", false),

		// Protocol listener
		TCPAddr:        getenv("BEACON_TCP_ADDR", ":7070"),
		IdleTimeout:    mustDuration("BEACON_IDLE_TIMEOUT", 5*time.Minute),
		WriteTimeout:   mustDuration("BEACON_WRITE_TIMEOUT", 10*time.Second),
		MaxFrameSize:   getenvInt("BEACON_MAX_FRAME_SIZE", 4096),
		MaxConns:       getenvInt("BEACON_MAX_CONNS", 1024),
		ConnRatePerIP:  getenvFloat("BEACON_CONN_RATE_PER_IP", 5),
		ConnBurstPerIP: getenvInt("BEACON_CONN_BURST_PER_IP", 20),

		// Store
		Store:       strings.ToLower(getenv("BEACON_STORE", StoreRedis)),
		BoltPath:    getenv("BEACON_BOLT_PATH", "/var/lib/beacon/hosts.db"),
		SQLitePath:  getenv("BEACON_SQLITE_PATH", "/var/lib/beacon/hosts.sqlite"),
		PostgresDSN: getenv("BEACON_POSTGRES_DSN", ""),

		// Redis settings
		RedisURL:              getenv("BEACON_REDIS_URL", ""),
		RedisAddr:             getenv("BEACON_REDIS_ADDR", "localhost:6379"),
		RedisUser:             getenv("BEACON_REDIS_USERNAME", ""),
		RedisPasswordRequired: mustBool("BEACON_REDIS_PASSWORD_REQUIRED", false),
		RedisPassword:         getenv("BEACON_REDIS_PASSWORD", ""),
		RedisDB:               getenvInt("BEACON_REDIS_DB", 0),
		RedisDT:               mustDuration("BEACON_REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:               mustDuration("BEACON_REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:               mustDuration("BEACON_REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:          mustDuration("BEACON_REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:      mustDuration("BEACON_REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:         getenvInt("BEACON_REDIS_POOL_SIZE", 10),
		RedisConnectTimeout:   mustDuration("BEACON_REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:    mustDuration("BEACON_REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:    getenvInt("BEACON_REDIS_WARN_THRESHOLD", 3),

		// DNS engine
		PDNSURL:          requireEnv("BEACON_PDNS_URL"),
		PDNSAPIKey:       requireEnv("BEACON_PDNS_API_KEY"),
		PDNSServerID:     getenv("BEACON_PDNS_SERVER_ID", "localhost"),
		PDNSTimeout:      mustDuration("BEACON_PDNS_TIMEOUT", 5*time.Second),
		PDNSMaxRetries:   getenvInt("BEACON_PDNS_MAX_RETRIES", 2),
		PDNSRetryBackoff: mustDuration("BEACON_PDNS_RETRY_BACKOFF", 200*time.Millisecond),
		PDNSRateLimit:    getenvFloat("BEACON_PDNS_RATE_LIMIT", 50),
		PDNSRateBurst:    getenvInt("BEACON_PDNS_RATE_BURST", 10),
		PDNSMaxConns:     getenvInt("BEACON_PDNS_MAX_CONNS", 16),

		// Worker
		SyncWorkers:      getenvInt("BEACON_SYNC_WORKERS", 4),
		SyncPollInterval: mustDuration("BEACON_SYNC_POLL_INTERVAL", 5*time.Second),
		SyncBackoffBase:  mustDuration("BEACON_SYNC_BACKOFF_BASE", 2*time.Second),
		SyncBackoffMax:   mustDuration("BEACON_SYNC_BACKOFF_MAX", 5*time.Minute),
		SyncMaxAttempts:  getenvInt("BEACON_SYNC_MAX_ATTEMPTS", 0),
		SyncDrainTimeout: mustDuration("BEACON_SYNC_DRAIN_TIMEOUT", 10*time.Second),

		// Monitor
		HeartbeatCheckInterval: mustDuration("BEACON_HEARTBEAT_CHECK_INTERVAL", 30*time.Second),
		HeartbeatTimeout:       mustDuration("BEACON_HEARTBEAT_TIMEOUT", 3*time.Minute),

		// Placement
		DefaultZone:             requireEnv("BEACON_DEFAULT_ZONE"),
		DefaultTTL:              getenvInt("BEACON_DEFAULT_TTL", 60),
		PlacementFile:           getenv("BEACON_PLACEMENT_FILE", ""),
		PlacementReloadInterval: mustDuration("BEACON_PLACEMENT_RELOAD_INTERVAL", time.Hour),

		VerifyNameserver: getenv("BEACON_VERIFY_NAMESERVER", ""),
		VerifyTimeout:    mustDuration("BEACON_VERIFY_TIMEOUT", 2*time.Second),

		FailedRetriggerAfter: mustDuration("BEACON_FAILED_RETRIGGER_AFTER", 15*time.Minute),

		GCEnabled:   mustBool("BEACON_GC_ENABLED", false),
		GCInterval:  mustDuration("BEACON_GC_INTERVAL", 24*time.Hour),
		GCThreshold: mustDuration("BEACON_GC_THRESHOLD", 30*24*time.Hour),

		MetricsInterval: mustDuration("BEACON_METRICS_INTERVAL", 15*time.Second),

		// Access restrictions
		AllowedCIDRS:   parseAllowedIPs(getenv("BEACON_ALLOWED_CIDRS", "")),
		TrustProxy:     mustBool("BEACON_TRUST_PROXY", false),
		AdminRateBurst: getenvInt("BEACON_ADMIN_RATE_BURST", 30),
		AdminRatePerIP: getenvInt("BEACON_ADMIN_RATE_PER_MIN", 120),
	}

	// Validate Redis password configuration
	if cfg.Store == StoreRedis && cfg.RedisPasswordRequired && cfg.RedisPassword == "" && cfg.RedisURL == "" {
		panic("❌ FATAL: BEACON_REDIS_PASSWORD is required when BEACON_REDIS_PASSWORD_REQUIRED=true")
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("❌ FATAL: invalid configuration: %v", err))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		log.Printf("[DEBUG] cfg: %+v\n", cfg.Redacted())
	}

	return cfg
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	cp := *c
	const mask = "***REDACTED***"
	if cp.RedisPassword != "" {
		cp.RedisPassword = mask
	}
	if cp.RedisURL != "" {
		cp.RedisURL = mask
	}
	if cp.PostgresDSN != "" {
		cp.PostgresDSN = mask
	}
	cp.PDNSAPIKey = mask
	return cp
}

// Validate reports values that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreRedis, StoreBolt, StoreSQLite, StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("BEACON_POSTGRES_DSN is required when BEACON_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BEACON_STORE %q", c.Store))
	}

	if c.MaxFrameSize < 64 {
		errs = append(errs, fmt.Errorf("BEACON_MAX_FRAME_SIZE must be >= 64, got %d", c.MaxFrameSize))
	}
	if c.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("BEACON_MAX_CONNS must be >= 1, got %d", c.MaxConns))
	}
	if c.SyncWorkers < 1 {
		errs = append(errs, fmt.Errorf("BEACON_SYNC_WORKERS must be >= 1, got %d", c.SyncWorkers))
	}
	if c.SyncBackoffBase <= 0 || c.SyncBackoffMax < c.SyncBackoffBase {
		errs = append(errs, fmt.Errorf("sync backoff must satisfy 0 < base <= max, got base=%v max=%v",
			c.SyncBackoffBase, c.SyncBackoffMax))
	}
	if c.SyncMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("BEACON_SYNC_MAX_ATTEMPTS must be >= 0, got %d", c.SyncMaxAttempts))
	}
	if c.HeartbeatCheckInterval <= 0 {
		errs = append(errs, errors.New("BEACON_HEARTBEAT_CHECK_INTERVAL must be > 0"))
	}
	if c.HeartbeatTimeout <= c.HeartbeatCheckInterval {
		errs = append(errs, fmt.Errorf("BEACON_HEARTBEAT_TIMEOUT (%v) must exceed the check interval (%v)",
			c.HeartbeatTimeout, c.HeartbeatCheckInterval))
	}
	if c.DefaultTTL < 1 {
		errs = append(errs, fmt.Errorf("BEACON_DEFAULT_TTL must be >= 1, got %d", c.DefaultTTL))
	}
	if c.PDNSMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("BEACON_PDNS_MAX_RETRIES must be >= 0, got %d", c.PDNSMaxRetries))
	}
	if c.GCEnabled && c.GCThreshold <= c.HeartbeatTimeout {
		errs = append(errs, fmt.Errorf("BEACON_GC_THRESHOLD (%v) must exceed BEACON_HEARTBEAT_TIMEOUT (%v)",
			c.GCThreshold, c.HeartbeatTimeout))
	}

	return errors.Join(errs...)
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
