// Package maintenance runs the periodic housekeeping sweeps: expired
// cache entries, idle pooled instances past their TTL, and finished task
// records past retention.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"progload/logx"
)

type Config struct {
	Enabled bool

	// Sweep intervals. Zero values get defaults.
	CacheSweepEvery time.Duration
	PoolSweepEvery  time.Duration
	TaskPurgeEvery  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheSweepEvery <= 0 {
		c.CacheSweepEvery = 5 * time.Minute
	}
	if c.PoolSweepEvery <= 0 {
		c.PoolSweepEvery = time.Minute
	}
	if c.TaskPurgeEvery <= 0 {
		c.TaskPurgeEvery = 10 * time.Minute
	}
	return c
}

// CacheSweeper is the cache-side surface the sweeps need.
type CacheSweeper interface {
	ClearExpired() int
}

// PoolSweeper is the pool-side surface the sweeps need.
type PoolSweeper interface {
	Sweep() int
}

// TaskPurger is the scheduler-side surface the sweeps need.
type TaskPurger interface {
	PurgeCompleted(olderThan time.Duration) int
}

// Service owns the cron runner for the housekeeping entries. Start and
// Stop are idempotent.
type Service struct {
	mu sync.Mutex

	cfg Config
	log logx.Logger

	cache CacheSweeper
	pool  PoolSweeper
	tasks TaskPurger

	c *cron.Cron
}

func New(cfg Config, cache CacheSweeper, pool PoolSweeper, tasks TaskPurger, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, cache: cache, pool: pool, tasks: tasks}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return nil
	}
	if s.c != nil {
		return nil
	}

	c := cron.New()
	entries := []struct {
		every time.Duration
		name  string
		run   func()
	}{
		{s.cfg.CacheSweepEvery, "cache-sweep", s.sweepCache},
		{s.cfg.PoolSweepEvery, "pool-sweep", s.sweepPool},
		{s.cfg.TaskPurgeEvery, "task-purge", s.purgeTasks},
	}
	for _, e := range entries {
		// cron silently rounds @every delays below one second up to 1s;
		// reject them instead of running on a schedule nobody asked for.
		if e.every < time.Second {
			return fmt.Errorf("maintenance: %s interval %s is below the 1s cron minimum", e.name, e.every)
		}
		spec := fmt.Sprintf("@every %s", e.every)
		if _, err := c.AddFunc(spec, e.run); err != nil {
			return fmt.Errorf("maintenance: register %s: %w", e.name, err)
		}
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started",
		logx.Duration("cache_every", s.cfg.CacheSweepEvery),
		logx.Duration("pool_every", s.cfg.PoolSweepEvery),
		logx.Duration("purge_every", s.cfg.TaskPurgeEvery))
	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish, up
// to ctx's deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) sweepCache() {
	if s.cache == nil {
		return
	}
	if n := s.cache.ClearExpired(); n > 0 {
		s.log.Debug("cache sweep", logx.Int("removed", n))
	}
}

func (s *Service) sweepPool() {
	if s.pool == nil {
		return
	}
	if n := s.pool.Sweep(); n > 0 {
		s.log.Debug("pool sweep", logx.Int("removed", n))
	}
}

func (s *Service) purgeTasks() {
	if s.tasks == nil {
		return
	}
	if n := s.tasks.PurgeCompleted(0); n > 0 {
		s.log.Debug("task purge", logx.Int("removed", n))
	}
}
