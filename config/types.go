package config

// Config is the root configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "5m"); zero values fall back to component
// defaults.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Cache       CacheConfig       `json:"cache"`
	Pool        PoolConfig        `json:"pool"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the task scheduler pool.
type SchedulerConfig struct {
	Workers int `json:"workers,omitempty"`

	// Retention is how long finished task records are kept before a
	// purge removes them.
	Retention string `json:"retention,omitempty"`

	SubmitTimeout string `json:"submit_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// CacheConfig controls the resource cache. Disk omitted means the cache
// is memory-only.
type CacheConfig struct {
	MaxEntries int              `json:"max_entries,omitempty"`
	DefaultTTL string           `json:"default_ttl,omitempty"`
	Disk       *DiskCacheConfig `json:"disk,omitempty"`
}

// DiskCacheConfig selects and tunes the disk tier driver.
//
// Driver is "file" or "sqlite" (the latter needs the sqlite build tag).
type DiskCacheConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BudgetBytes int64  `json:"budget_bytes,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PoolConfig carries process-wide defaults for component pools; per-kind
// settings at registration take precedence.
type PoolConfig struct {
	MaxIdle int    `json:"max_idle,omitempty"`
	TTL     string `json:"ttl,omitempty"`
}

type MaintenanceConfig struct {
	Enabled         bool   `json:"enabled"`
	CacheSweepEvery string `json:"cache_sweep_every,omitempty"`
	PoolSweepEvery  string `json:"pool_sweep_every,omitempty"`
	TaskPurgeEvery  string `json:"task_purge_every,omitempty"`
}
