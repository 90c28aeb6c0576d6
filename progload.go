// Package progload wires the progressive loading stack: the task
// scheduler, resource cache, component pool, priority loader and the
// maintenance sweeps, configured from one file.
//
// Everything is explicitly constructed and injected; there is no
// package-level state, so independent App instances can coexist (tests
// rely on this).
package progload

import (
	"context"
	"fmt"
	"time"

	"progload/cache"
	"progload/config"
	"progload/eventbus"
	"progload/loader"
	"progload/logx"
	"progload/maintenance"
	"progload/pool"
	"progload/scheduler"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	sched  *scheduler.Service
	cache  *cache.Cache
	pool   *pool.Pool
	loader *loader.Loader
	maint  *maintenance.Service

	createdAt   time.Time
	watchCancel context.CancelFunc
}

// New loads the config file at cfgPath and builds the full stack. The
// loader callbacks are optional.
func New(cfgPath string, cbs loader.Callbacks) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	app, err := NewFromConfig(cfg, cbs)
	if err != nil {
		return nil, err
	}
	app.cfgm = cfgm
	cfgm.SetLogger(app.log.With(logx.String("comp", "config")))
	return app, nil
}

// NewFromConfig builds the stack from an already parsed config.
func NewFromConfig(cfg *config.Config, cbs loader.Callbacks) (*App, error) {
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	schedCfg, err := schedulerConfig(cfg.Scheduler)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)

	c, err := buildCache(cfg.Cache, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	poolDef, err := poolDefaults(cfg.Pool)
	if err != nil {
		_ = c.Close()
		_ = logSvc.Close()
		return nil, err
	}
	p := pool.New(poolDef, log.With(logx.String("comp", "pool")))

	ldr := loader.New(sched, c, log.With(logx.String("comp", "loader")), bus, cbs)

	maintCfg, err := maintenanceConfig(cfg.Maintenance)
	if err != nil {
		_ = c.Close()
		_ = logSvc.Close()
		return nil, err
	}
	maint := maintenance.New(maintCfg, c, p, sched, log.With(logx.String("comp", "maintenance")))

	return &App{
		createdAt: time.Now(),
		log:       log,
		logs:      logSvc,
		bus:       bus,
		sched:     sched,
		cache:     c,
		pool:      p,
		loader:    ldr,
		maint:     maint,
	}, nil
}

func schedulerConfig(c config.SchedulerConfig) (scheduler.Config, error) {
	retention, err := config.ParseDurationField("scheduler.retention", c.Retention)
	if err != nil {
		return scheduler.Config{}, err
	}
	submitTimeout, err := config.ParseDurationField("scheduler.submit_timeout", c.SubmitTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:       c.Workers,
		Retention:     retention,
		SubmitTimeout: submitTimeout,
		HistorySize:   c.HistorySize,
	}, nil
}

func buildCache(c config.CacheConfig, log logx.Logger) (*cache.Cache, error) {
	defaultTTL, err := config.ParseDurationField("cache.default_ttl", c.DefaultTTL)
	if err != nil {
		return nil, err
	}

	var storeCfg cache.StoreConfig
	if c.Disk != nil {
		busy, err := config.ParseDurationField("cache.disk.busy_timeout", c.Disk.BusyTimeout)
		if err != nil {
			return nil, err
		}
		storeCfg = cache.StoreConfig{
			Driver:      c.Disk.Driver,
			Path:        c.Disk.Path,
			BudgetBytes: c.Disk.BudgetBytes,
			BusyTimeout: busy,
		}
	}

	rc, err := cache.Open(cache.Config{
		MaxEntries: c.MaxEntries,
		DefaultTTL: defaultTTL,
		Store:      storeCfg,
	}, log.With(logx.String("comp", "cache")))
	if err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	return rc, nil
}

func poolDefaults(c config.PoolConfig) (pool.Defaults, error) {
	ttl, err := config.ParseDurationField("pool.ttl", c.TTL)
	if err != nil {
		return pool.Defaults{}, err
	}
	return pool.Defaults{MaxIdle: c.MaxIdle, TTL: ttl}, nil
}

func maintenanceConfig(c config.MaintenanceConfig) (maintenance.Config, error) {
	cacheEvery, err := config.ParseDurationField("maintenance.cache_sweep_every", c.CacheSweepEvery)
	if err != nil {
		return maintenance.Config{}, err
	}
	poolEvery, err := config.ParseDurationField("maintenance.pool_sweep_every", c.PoolSweepEvery)
	if err != nil {
		return maintenance.Config{}, err
	}
	purgeEvery, err := config.ParseDurationField("maintenance.task_purge_every", c.TaskPurgeEvery)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:         c.Enabled,
		CacheSweepEvery: cacheEvery,
		PoolSweepEvery:  poolEvery,
		TaskPurgeEvery:  purgeEvery,
	}, nil
}

// Accessors for the wired components.

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Cache() *cache.Cache { return a.cache }

func (a *App) Pool() *pool.Pool { return a.pool }

func (a *App) Loader() *loader.Loader { return a.loader }

// Start launches the scheduler workers and maintenance sweeps and, when
// the App owns a config manager, the config watcher (logging settings
// apply live on reload).
func (a *App) Start(ctx context.Context) error {
	a.sched.Start(ctx)
	if err := a.maint.Start(ctx); err != nil {
		return err
	}

	if a.cfgm != nil {
		watchCtx, cancel := context.WithCancel(context.Background())
		a.watchCancel = cancel
		go func() { _ = a.cfgm.Watch(watchCtx) }()
		go a.applyReloads(watchCtx)
	}

	a.log.Info("app started")
	return nil
}

func (a *App) applyReloads(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("config reloaded")
		}
	}
}

// Load runs the progressive loading sequence and returns once every tier
// has been attempted.
func (a *App) Load(ctx context.Context) error {
	return a.loader.Start(ctx)
}

// Stop shuts the stack down in reverse order with a bounded wait.
func (a *App) Stop(ctx context.Context) {
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchCancel = nil
	}
	a.maint.Stop(ctx)
	a.sched.Stop(ctx)
	a.pool.Close()
	if err := a.cache.Close(); err != nil {
		a.log.Warn("cache close", logx.Err(err))
	}
	a.log.Info("app stopped", logx.Duration("uptime", time.Since(a.createdAt)))
	_ = a.logs.Close()
}
