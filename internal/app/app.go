package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/config"
	"github.com/MrSnakeDoc/beacon/internal/httpserver"
	"github.com/MrSnakeDoc/beacon/internal/httpserver/deps"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/pdns"
	"github.com/MrSnakeDoc/beacon/internal/processor"
	"github.com/MrSnakeDoc/beacon/internal/ratelimit"
	"github.com/MrSnakeDoc/beacon/internal/redis"
	"github.com/MrSnakeDoc/beacon/internal/registry"
	"github.com/MrSnakeDoc/beacon/internal/scheduler"
	"github.com/MrSnakeDoc/beacon/internal/sources/placement"
	"github.com/MrSnakeDoc/beacon/internal/store/bolt"
	"github.com/MrSnakeDoc/beacon/internal/store/memory"
	redisstore "github.com/MrSnakeDoc/beacon/internal/store/redis"
	"github.com/MrSnakeDoc/beacon/internal/store/sqlstore"
	"github.com/MrSnakeDoc/beacon/internal/tcpserver"
	"github.com/MrSnakeDoc/beacon/internal/verify"
	"github.com/MrSnakeDoc/beacon/internal/version"
)

type App struct {
	cfg       *config.Config
	logger    logger.Logger
	registry  *registry.Registry
	health    *metrics.Health
	table     *placement.Table
	dns       *pdns.Client
	tcp       *tcpserver.Server
	http      *httpserver.Server
	worker    *scheduler.SyncWorker
	monitor   *scheduler.HeartbeatMonitor
	gc        *scheduler.GarbageCollector
	reloader  *scheduler.PlacementReloader
	requeuer  *scheduler.Requeuer
	collector *metrics.Collector
}

// New builds every component from the environment. A store that cannot be
// reached is fatal: the registry is the source of truth.
func New() (*App, error) {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.PrettyLog)

	store, err := openStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store, err)
	}
	log.Info("host store ready", logger.String("store", cfg.Store))

	reg := registry.New(store, log.Named("registry"))
	health := metrics.NewHealth()
	health.Set(metrics.ComponentRegistry, true, cfg.Store)

	table := placement.NewTable(placement.Static(cfg.DefaultZone, cfg.DefaultTTL))

	var (
		reloader      *scheduler.PlacementReloader
		reloadTrigger chan struct{}
	)
	if cfg.PlacementFile != "" {
		reloadTrigger = make(chan struct{}, 1)
		reloader = scheduler.NewPlacementReloader(
			cfg.PlacementFile,
			table,
			cfg.DefaultZone,
			cfg.DefaultTTL,
			log.Named("placement"),
			cfg.PlacementReloadInterval,
			reloadTrigger,
		)
	} else {
		log.Info("no placement file configured, every host goes to the default zone",
			logger.String("zone", cfg.DefaultZone))
	}

	dns, err := pdns.New(pdns.Config{
		BaseURL:      cfg.PDNSURL,
		APIKey:       cfg.PDNSAPIKey,
		ServerID:     cfg.PDNSServerID,
		Timeout:      cfg.PDNSTimeout,
		MaxRetries:   cfg.PDNSMaxRetries,
		RetryBackoff: cfg.PDNSRetryBackoff,
		RateLimit:    cfg.PDNSRateLimit,
		RateBurst:    cfg.PDNSRateBurst,
		MaxConns:     cfg.PDNSMaxConns,
	}, log.Named("pdns"))
	if err != nil {
		return nil, fmt.Errorf("failed to build dns client: %w", err)
	}

	var verifier scheduler.Verifier
	if cfg.VerifyNameserver != "" {
		v, err := verify.New(cfg.VerifyNameserver, cfg.VerifyTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to build record verifier: %w", err)
		}
		verifier = v
		log.Info("record verification enabled",
			logger.String("nameserver", cfg.VerifyNameserver))
	}

	proc := processor.New(reg, table, cfg.FailedRetriggerAfter, log.Named("processor"))

	tcp := tcpserver.New(tcpserver.Config{
		Addr:         cfg.TCPAddr,
		IdleTimeout:  cfg.IdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxFrameSize: cfg.MaxFrameSize,
		MaxConns:     cfg.MaxConns,
		Limit: ratelimit.Config{
			PerSecond: cfg.ConnRatePerIP,
			Burst:     cfg.ConnBurstPerIP,
		},
	}, proc, health, log.Named("tcp"))

	worker := scheduler.NewSyncWorker(reg, dns, verifier, health, log.Named("sync"), scheduler.SyncWorkerConfig{
		Workers:      cfg.SyncWorkers,
		PollInterval: cfg.SyncPollInterval,
		BackoffBase:  cfg.SyncBackoffBase,
		BackoffMax:   cfg.SyncBackoffMax,
		MaxAttempts:  cfg.SyncMaxAttempts,
		DrainTimeout: cfg.SyncDrainTimeout,
	})

	monitor := scheduler.NewHeartbeatMonitor(reg, health, log.Named("monitor"),
		cfg.HeartbeatCheckInterval, cfg.HeartbeatTimeout)

	var gc *scheduler.GarbageCollector
	if cfg.GCEnabled {
		gc = scheduler.NewGarbageCollector(reg, log.Named("gc"), cfg.GCInterval, cfg.GCThreshold)
	}

	d := deps.Deps{
		Logger:         log,
		StartTime:      time.Now(),
		Version:        version.Version,
		Commit:         version.Commit,
		BuildDate:      version.BuildDate,
		GoVersion:      version.GoVersion,
		TimeNow:        time.Now,
		AllowedCIDRS:   cfg.AllowedCIDRS,
		TrustProxy:     cfg.TrustProxy,
		AdminRateBurst: cfg.AdminRateBurst,
		AdminRatePerIP: cfg.AdminRatePerIP,
		Registry:       reg,
		Health:         health,
		Placement:      table,
		PlacementFile:  cfg.PlacementFile,
		ReloadTrigger:  reloadTrigger,
	}

	return &App{
		cfg:       cfg,
		logger:    log,
		registry:  reg,
		health:    health,
		table:     table,
		dns:       dns,
		tcp:       tcp,
		http:      httpserver.New(cfg, log, d),
		worker:    worker,
		monitor:   monitor,
		gc:        gc,
		reloader:  reloader,
		requeuer:  scheduler.NewRequeuer(reg, dns, log.Named("requeue")),
		collector: metrics.NewCollector(reg, log.Named("metrics"), cfg.MetricsInterval),
	}, nil
}

func openStore(cfg *config.Config, log logger.Logger) (registry.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		client, err := redis.Connect(context.Background(), redis.ConnectOptions{
			URL:            cfg.RedisURL,
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			DB:             cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, log.Named("redis"))
		if err != nil {
			return nil, err
		}
		return redisstore.NewStore(client), nil
	case config.StoreBolt:
		return bolt.Open(cfg.BoltPath)
	case config.StoreSQLite:
		return sqlstore.OpenSQLite(cfg.SQLitePath)
	case config.StorePostgres:
		return sqlstore.OpenPostgres(cfg.PostgresDSN)
	case config.StoreMemory:
		log.Warn("using the in-memory store, hosts are lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// Run starts every component and blocks until SIGINT/SIGTERM or a fatal
// listener error, then shuts down in dependency order.
func (a *App) Run() error {
	a.logger.Infof("🚀 Starting Beacon v%s (tcp=%s, http=%s)", version.Version, a.cfg.TCPAddr, a.cfg.HTTPAddr)
	a.logger.Infof("Beacon %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.reloader != nil {
		// A broken file at startup is fatal; later reloads keep the previous rules.
		if err := a.reloader.Start(ctx); err != nil {
			return fmt.Errorf("failed to start placement reloader: %w", err)
		}
		a.logger.Info("placement reloader started",
			logger.String("file", a.cfg.PlacementFile),
			logger.Duration("interval", a.cfg.PlacementReloadInterval))
	}

	a.checkZones(ctx)

	if err := a.requeuer.Requeue(ctx); err != nil {
		return fmt.Errorf("failed to restore sync queue: %w", err)
	}

	if err := a.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync worker: %w", err)
	}

	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat monitor: %w", err)
	}
	a.logger.Info("heartbeat monitor started",
		logger.Duration("interval", a.cfg.HeartbeatCheckInterval),
		logger.Duration("timeout", a.cfg.HeartbeatTimeout))

	if a.gc != nil {
		if err := a.gc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start garbage collector: %w", err)
		}
		a.logger.Info("garbage collector started",
			logger.Duration("interval", a.cfg.GCInterval),
			logger.Duration("threshold", a.cfg.GCThreshold))
	}

	a.collector.Start(ctx)

	if err := a.tcp.Listen(); err != nil {
		return fmt.Errorf("failed to listen for agents: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := a.tcp.Serve(); err != nil && !errors.Is(err, tcpserver.ErrServerClosed) {
			errCh <- fmt.Errorf("tcp server error: %w", err)
		}
	}()
	go func() {
		if err := a.http.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
		a.logger.Error("listener failed, shutting down", logger.Error(runErr))
	}

	a.shutdown()
	return runErr
}

// shutdown stops intake first so no new work reaches the registry, then
// drains the sync pool, then closes the store.
func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.tcp.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("agent connections did not drain in time", logger.Error(err))
	}

	a.worker.Stop()
	a.monitor.Stop()
	if a.gc != nil {
		a.gc.Stop()
	}
	if a.reloader != nil {
		a.reloader.Stop()
	}
	a.collector.Stop()

	if err := a.http.Stop(shutdownCtx); err != nil {
		a.logger.Warn("failed to stop admin server", logger.Error(err))
	}

	if err := a.registry.Close(); err != nil {
		a.logger.Warnf("failed to close host store: %v", err)
	} else {
		a.logger.Info("✅ host store closed cleanly")
	}

	a.logger.Info("✅ Beacon stopped cleanly")
}

// checkZones reports zones that do not exist on the DNS engine. The service
// still starts: hosts placed there fail their sync and show up as failed.
func (a *App) checkZones(ctx context.Context) {
	zones := a.table.Rules().Zones()
	checkCtx, cancel := context.WithTimeout(ctx, a.cfg.PDNSTimeout*time.Duration(len(zones)+1))
	defer cancel()

	if missing := a.requeuer.CheckZones(checkCtx, zones); missing > 0 {
		a.health.Set(metrics.ComponentDNS, false, fmt.Sprintf("%d zone(s) missing", missing))
		return
	}
	a.health.Set(metrics.ComponentDNS, true, "")
}
