// Package cache implements a two-tier (memory + disk) TTL cache used to
// skip redundant initialization work across runs.
//
// The memory tier holds live Go values. The disk tier, when enabled, holds
// JSON envelopes behind the Store interface; a disk hit is promoted into
// memory, so values recovered from disk carry JSON types (string, float64,
// map[string]any, ...), not the original Go types.
//
// Disk IO failures never propagate: they degrade to a miss and a throttled
// warning, and the caller just does the work again.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"progload/logx"
)

type Config struct {
	// MaxEntries caps the memory tier. When exceeded, the quarter of
	// entries with the lowest (access count, last access) ordering is
	// evicted. 0 applies a default.
	MaxEntries int

	// DefaultTTL is used when Set/GetOrCompute receive ttl <= 0.
	DefaultTTL time.Duration

	Store StoreConfig
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 256
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 10 * time.Minute
	}
	return c
}

type entry struct {
	value       any
	createdAt   time.Time
	ttl         time.Duration
	accessCount uint64
	lastAccess  time.Time
}

func (e *entry) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.After(e.createdAt.Add(e.ttl))
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits      uint64
	Misses    uint64
	DiskHits  uint64
	Evictions uint64
	Entries   int
	HitRate   float64
}

// Cache is safe for concurrent use. Construct it explicitly and inject it;
// there is no package-level instance.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry

	store Store // nil when the disk tier is disabled
	log   logx.Logger

	sf singleflight.Group

	// ioWarn throttles disk-failure warnings so a broken disk cannot
	// flood the log.
	ioWarn *rate.Limiter

	hits      uint64
	misses    uint64
	diskHits  uint64
	evictions uint64
}

// Open builds a cache together with its configured disk tier.
func Open(cfg Config, log logx.Logger) (*Cache, error) {
	store, err := OpenStore(cfg.Store, log)
	if err != nil {
		return nil, err
	}
	return New(cfg, store, log), nil
}

// New builds a cache over an already opened store. store may be nil
// (memory-only).
func New(cfg Config, store Store, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		cfg:     cfg.withDefaults(),
		entries: map[string]*entry{},
		store:   store,
		log:     log,
		ioWarn:  rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

func (c *Cache) warnIO(op, key string, err error) {
	if err == nil {
		return
	}
	if c.ioWarn.Allow() {
		c.log.Warn("cache disk "+op+" failed", logx.String("key", key), logx.Err(err))
	}
}

// Get returns the live value for key, or (nil, false) on miss or expiry.
// An expired entry is removed and counts as a miss.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.expired(now) {
			delete(c.entries, key)
			c.misses++
			c.mu.Unlock()
			// The disk copy shares the validity window; drop it too.
			if c.store != nil {
				c.warnIO("delete", key, c.store.Delete(hashKey(key)))
			}
			return nil, false
		}
		e.accessCount++
		e.lastAccess = now
		c.hits++
		v := e.value
		c.mu.Unlock()
		return v, true
	}
	c.mu.Unlock()

	if v, ok := c.diskGet(key, now); ok {
		return v, true
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return nil, false
}

// diskGet checks the disk tier and promotes a valid hit into memory.
func (c *Cache) diskGet(key string, now time.Time) (any, bool) {
	if c.store == nil {
		return nil, false
	}
	b, ok, err := c.store.Get(hashKey(key))
	if err != nil {
		c.warnIO("read", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		c.warnIO("decode", key, err)
		c.warnIO("delete", key, c.store.Delete(hashKey(key)))
		return nil, false
	}
	if env.expired(now) {
		c.warnIO("delete", key, c.store.Delete(hashKey(key)))
		return nil, false
	}

	var v any
	if err := json.Unmarshal(env.Value, &v); err != nil {
		c.warnIO("decode", key, err)
		return nil, false
	}

	ttl := time.Duration(env.TTLMS) * time.Millisecond
	created := time.UnixMilli(env.CreatedMS)

	c.mu.Lock()
	c.entries[key] = &entry{
		value:       v,
		createdAt:   created,
		ttl:         ttl,
		accessCount: 1,
		lastAccess:  now,
	}
	c.hits++
	c.diskHits++
	c.evictLocked()
	c.mu.Unlock()
	return v, true
}

// Set stores value under key with the given ttl (DefaultTTL when ttl <= 0).
// The disk write happens outside the cache lock and degrades on failure.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	c.entries[key] = &entry{
		value:      value,
		createdAt:  now,
		ttl:        ttl,
		lastAccess: now,
	}
	c.evictLocked()
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		// Unmarshalable values stay memory-only.
		c.warnIO("encode", key, err)
		return
	}
	env := envelope{
		Key:       key,
		Value:     raw,
		CreatedMS: now.UnixMilli(),
		TTLMS:     ttl.Milliseconds(),
	}
	b, err := json.Marshal(&env)
	if err != nil {
		c.warnIO("encode", key, err)
		return
	}
	c.warnIO("write", key, c.store.Set(hashKey(key), b))
}

// GetOrCompute returns the cached value for key or runs compute exactly
// once, caching its result. Concurrent callers with the same key share one
// compute invocation and one outcome.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, error) {
	return c.getOrCompute(ctx, key, ttl, compute, false)
}

// Refresh is GetOrCompute with the cached value bypassed: compute always
// runs (still single-flighted) and its result replaces both tiers.
func (c *Cache) Refresh(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, error) {
	return c.getOrCompute(ctx, key, ttl, compute, true)
}

func (c *Cache) getOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error), force bool) (any, error) {
	if compute == nil {
		return nil, fmt.Errorf("cache: compute is nil for key %q", key)
	}

	v, err, _ := c.sf.Do(key, func() (any, error) {
		if !force {
			if v, ok := c.Get(key); ok {
				return v, nil
			}
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	if c.store != nil {
		c.warnIO("delete", key, c.store.Delete(hashKey(key)))
	}
}

// ClearExpired purges expired memory entries and asks the disk tier to
// sweep. It returns the number of entries removed from memory.
func (c *Cache) ClearExpired() int {
	now := time.Now()

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		n, err := c.store.Sweep()
		c.warnIO("sweep", "", err)
		if n > 0 {
			c.log.Debug("disk sweep", logx.Int("removed", n))
		}
	}
	return removed
}

// ClearPattern removes entries whose logical key matches the glob pattern
// (e.g. "weather:*"), across both tiers. It returns how many entries were
// removed in total.
func (c *Cache) ClearPattern(pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: bad pattern %q: %w", pattern, err)
	}

	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if g.Match(key) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		n, err := c.store.ClearMatching(g.Match)
		if err != nil {
			c.warnIO("clear", pattern, err)
		} else {
			removed += n
		}
	}
	return removed, nil
}

// Clear drops every memory entry. The disk tier is untouched; use
// ClearPattern("*") to wipe both.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]*entry{}
	c.mu.Unlock()
}

// Close releases the disk tier, if any.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		DiskHits:  c.diskHits,
		Evictions: c.evictions,
		Entries:   len(c.entries),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// evictLocked enforces MaxEntries by dropping the least-used quarter,
// ordered by (access count, last access) ascending. Call with c.mu held.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.cfg.MaxEntries {
		return
	}

	type ranked struct {
		key string
		e   *entry
	}
	all := make([]ranked, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, ranked{key, e})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].e.accessCount != all[j].e.accessCount {
			return all[i].e.accessCount < all[j].e.accessCount
		}
		return all[i].e.lastAccess.Before(all[j].e.lastAccess)
	})

	n := len(all) / 4
	if n < 1 {
		n = 1
	}
	for _, r := range all[:n] {
		delete(c.entries, r.key)
		c.evictions++
	}
}
