// Package pool reuses expensive-to-construct components instead of
// rebuilding them. Each kind of component gets its own idle list with a
// size cap and an idle TTL; checked-out instances are tracked by
// identity and are never touched by eviction.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"progload/logx"
)

var ErrUnknownKind = errors.New("pool: unknown kind")

// Config describes one pooled kind.
type Config struct {
	// Factory builds a fresh instance when the idle list is empty.
	// Instances must be of a comparable type (pointers in practice);
	// the pool tracks checkouts by identity.
	Factory func() (any, error)

	// Reset prepares a recycled instance for reuse. A non-nil error
	// destroys the instance and Acquire falls back to the next idle
	// candidate or Factory. Optional.
	Reset func(v any) error

	// Cleanup releases an instance that leaves the pool for good.
	// Optional.
	Cleanup func(v any)

	// MaxIdle caps the idle list. 0 applies a default.
	MaxIdle int

	// TTL is how long an instance may sit idle before Sweep or Acquire
	// destroys it. 0 applies a default.
	TTL time.Duration
}

// Defaults fill in per-kind settings left at their zero value.
type Defaults struct {
	MaxIdle int
	TTL     time.Duration
}

func (c Config) withDefaults(d Defaults) Config {
	if c.MaxIdle <= 0 {
		c.MaxIdle = d.MaxIdle
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 8
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	return c
}

type idleItem struct {
	value    any
	idleFrom time.Time
}

type kindPool struct {
	cfg   Config
	idle  []idleItem // append = newest at the end
	inUse map[any]struct{}

	created  uint64
	recycled uint64
	peak     int
}

// Stats is a per-kind counter snapshot.
type Stats struct {
	Created  uint64
	Recycled uint64
	Active   int
	Peak     int
	Idle     int
}

// Pool manages all registered kinds. Safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	kinds    map[string]*kindPool
	defaults Defaults
	log      logx.Logger
}

func New(d Defaults, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{kinds: map[string]*kindPool{}, defaults: d, log: log}
}

// Register adds a kind. Registering the same kind twice is an error.
func (p *Pool) Register(kind string, cfg Config) error {
	if cfg.Factory == nil {
		return fmt.Errorf("pool: kind %q has no factory", kind)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.kinds[kind]; ok {
		return fmt.Errorf("pool: kind %q already registered", kind)
	}
	p.kinds[kind] = &kindPool{cfg: cfg.withDefaults(p.defaults), inUse: map[any]struct{}{}}
	return nil
}

// Acquire returns an instance of kind, recycling the newest idle one when
// possible. Idle instances past their TTL are destroyed on the way.
// Reset failures destroy the candidate and the search continues.
func (p *Pool) Acquire(kind string) (any, error) {
	p.mu.Lock()
	kp, ok := p.kinds[kind]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	now := time.Now()
	for len(kp.idle) > 0 {
		last := len(kp.idle) - 1
		item := kp.idle[last]
		kp.idle = kp.idle[:last]

		if now.Sub(item.idleFrom) > kp.cfg.TTL {
			p.destroyLocked(kind, kp, item.value, "idle ttl")
			continue
		}
		if kp.cfg.Reset != nil {
			p.mu.Unlock()
			err := kp.cfg.Reset(item.value)
			p.mu.Lock()
			if err != nil {
				p.destroyLocked(kind, kp, item.value, "reset failed")
				p.log.Warn("pool reset failed",
					logx.String("kind", kind), logx.Err(err))
				continue
			}
		}
		kp.recycled++
		p.checkoutLocked(kp, item.value)
		p.mu.Unlock()
		return item.value, nil
	}
	p.mu.Unlock()

	// Nothing reusable; construct outside the lock.
	v, err := kp.cfg.Factory()
	if err != nil {
		return nil, fmt.Errorf("pool: build %q: %w", kind, err)
	}

	p.mu.Lock()
	kp.created++
	p.checkoutLocked(kp, v)
	p.mu.Unlock()
	return v, nil
}

func (p *Pool) checkoutLocked(kp *kindPool, v any) {
	kp.inUse[v] = struct{}{}
	if len(kp.inUse) > kp.peak {
		kp.peak = len(kp.inUse)
	}
}

// destroyLocked runs Cleanup with p.mu held. Cleanup hooks are expected to
// be cheap; a panicking hook is contained.
func (p *Pool) destroyLocked(kind string, kp *kindPool, v any, reason string) {
	p.log.Debug("pool destroy", logx.String("kind", kind), logx.String("reason", reason))
	if kp.cfg.Cleanup == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pool cleanup panic",
				logx.String("kind", kind), logx.Any("panic", r))
		}
	}()
	kp.cfg.Cleanup(v)
}

// Release returns a checked-out instance to the idle list. It reports
// false for an unknown kind and for an instance the pool did not hand
// out, so a double release cannot put the same instance on the idle
// list twice. When the idle list is full, the oldest idle instance is
// destroyed to make room.
func (p *Pool) Release(kind string, v any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	kp, ok := p.kinds[kind]
	if !ok {
		p.log.Warn("release for unknown pool kind", logx.String("kind", kind))
		return false
	}
	if _, out := kp.inUse[v]; !out {
		p.log.Warn("release of instance not checked out", logx.String("kind", kind))
		return false
	}
	delete(kp.inUse, v)
	if len(kp.idle) >= kp.cfg.MaxIdle {
		oldest := kp.idle[0]
		kp.idle = kp.idle[1:]
		p.destroyLocked(kind, kp, oldest.value, "idle overflow")
	}
	kp.idle = append(kp.idle, idleItem{value: v, idleFrom: time.Now()})
	return true
}

// Sweep destroys idle instances past their TTL across every kind and
// returns how many were removed. Checked-out instances are untouched.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	removed := 0
	for kind, kp := range p.kinds {
		kept := kp.idle[:0]
		for _, item := range kp.idle {
			if now.Sub(item.idleFrom) > kp.cfg.TTL {
				p.destroyLocked(kind, kp, item.value, "idle ttl")
				removed++
				continue
			}
			kept = append(kept, item)
		}
		kp.idle = kept
	}
	return removed
}

// ForceCleanup halves the idle lists of the named kinds (every kind when
// none are given), dropping the oldest instances first but always keeping
// one warm instance per kind. Used under memory pressure.
func (p *Pool) ForceCleanup(kinds ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(kinds) == 0 {
		for kind := range p.kinds {
			kinds = append(kinds, kind)
		}
	}
	removed := 0
	for _, kind := range kinds {
		kp, ok := p.kinds[kind]
		if !ok {
			continue
		}
		if len(kp.idle) == 0 {
			continue
		}
		keep := len(kp.idle) / 2
		if keep < 1 {
			keep = 1
		}
		for _, item := range kp.idle[:len(kp.idle)-keep] {
			p.destroyLocked(kind, kp, item.value, "forced")
			removed++
		}
		kp.idle = append([]idleItem(nil), kp.idle[len(kp.idle)-keep:]...)
	}
	return removed
}

// Close destroys all idle instances. Active counts are left as-is; callers
// still holding instances own their teardown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for kind, kp := range p.kinds {
		for _, item := range kp.idle {
			p.destroyLocked(kind, kp, item.value, "close")
		}
		kp.idle = nil
	}
}

// StatsFor returns counters for one kind.
func (p *Pool) StatsFor(kind string) (Stats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.kinds[kind]
	if !ok {
		return Stats{}, false
	}
	return statsLocked(kp), true
}

// Snapshot returns counters for every kind, keyed by kind name.
func (p *Pool) Snapshot() map[string]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Stats, len(p.kinds))
	for kind, kp := range p.kinds {
		out[kind] = statsLocked(kp)
	}
	return out
}

func statsLocked(kp *kindPool) Stats {
	return Stats{
		Created:  kp.created,
		Recycled: kp.recycled,
		Active:   len(kp.inUse),
		Peak:     kp.peak,
		Idle:     len(kp.idle),
	}
}
