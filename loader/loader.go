// Package loader drives progressive, priority-tiered loading of
// registered components. Tiers are swept in order; within a tier, ready
// components load concurrently through the task scheduler, with
// dependency resolution delegated to the dependency graph and results
// cached through the resource cache.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"progload/cache"
	"progload/depgraph"
	"progload/eventbus"
	"progload/logx"
	"progload/scheduler"
)

var (
	ErrAlreadyStarted   = errors.New("loader already started")
	ErrUnknownComponent = errors.New("unknown component")
)

// LoadFunc produces a component's value. It may be long-running; it always
// executes on a scheduler worker, never on the caller's goroutine.
type LoadFunc func(ctx context.Context) (any, error)

// ComponentConfig describes one loadable component. It is immutable after
// registration.
type ComponentConfig struct {
	Name     string
	Priority Priority
	Load     LoadFunc

	// DependsOn names components that must be resolved first. A
	// dependency may not sit in a strictly later tier; Start rejects
	// such configurations.
	DependsOn []string

	// CacheKey, when set, lets a cache hit skip Load entirely and a
	// successful Load be stored with CacheTTL.
	CacheKey string
	CacheTTL time.Duration

	// Preload fetches data the component needs before Load runs,
	// typically warming the cache. A cache hit on CacheKey skips it;
	// a failure is logged and Load still runs. Optional.
	Preload func(ctx context.Context) error

	// Skeleton is invoked at most once, before Load, for Critical
	// components. Fire-and-forget.
	Skeleton func()
}

// Callbacks are optional observation hooks. All are fire-and-forget and
// panic-guarded.
type Callbacks struct {
	OnProgress  func(name string, fraction float64)
	OnComponent func(name string, value any)
	OnError     func(name string, err error)
}

// Stats reports loading outcomes and milestone timings. Times are
// durations since Start.
type Stats struct {
	TotalTime         time.Duration
	SkeletonShownTime time.Duration
	InteractiveTime   time.Duration

	LoadedCount  int
	FailedCount  int
	TotalCount   int
	PerComponent map[string]time.Duration
}

// ComponentEvent is the bus payload for component lifecycle events.
type ComponentEvent struct {
	Name     string        `json:"name"`
	Priority string        `json:"priority"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// MilestoneEvent is the bus payload for loader milestones.
type MilestoneEvent struct {
	Milestone string        `json:"milestone"`
	At        time.Duration `json:"at"`
}

type component struct {
	cfg           ComponentConfig
	skeletonShown bool
}

// Loader coordinates the tier sweep. Construct one per loading sequence;
// Start runs at most once.
type Loader struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sched *scheduler.Service
	cache *cache.Cache
	graph *depgraph.Graph
	cbs   Callbacks

	comps map[string]*component
	order []string

	started   bool
	startTime time.Time

	values    map[string]any
	failed    map[string]error
	durations map[string]time.Duration

	skeletonShownAt time.Duration
	interactiveAt   time.Duration
	totalTime       time.Duration
}

func New(sched *scheduler.Service, c *cache.Cache, log logx.Logger, bus eventbus.Bus, cbs Callbacks) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{
		log:       log,
		bus:       bus,
		sched:     sched,
		cache:     c,
		graph:     depgraph.New(log),
		cbs:       cbs,
		comps:     map[string]*component{},
		values:    map[string]any{},
		failed:    map[string]error{},
		durations: map[string]time.Duration{},
	}
}

// RegisterComponent adds a component. Duplicate names and registration
// after Start are errors.
func (l *Loader) RegisterComponent(cfg ComponentConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("loader: component has no name")
	}
	if cfg.Load == nil {
		return fmt.Errorf("loader: component %q has no load function", cfg.Name)
	}
	if !cfg.Priority.valid() {
		return fmt.Errorf("loader: component %q has invalid priority %d", cfg.Name, cfg.Priority)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("loader: cannot register %q: %w", cfg.Name, ErrAlreadyStarted)
	}
	if _, ok := l.comps[cfg.Name]; ok {
		return fmt.Errorf("loader: component %q already registered", cfg.Name)
	}

	c := &component{cfg: cfg}
	if _, err := l.graph.Register(cfg.Name, l.factoryFor(c), cfg.DependsOn...); err != nil {
		return err
	}
	l.comps[cfg.Name] = c
	l.order = append(l.order, cfg.Name)
	return nil
}

// factoryFor wraps a component's load function with the skeleton hook,
// the cache check and the cache store. The graph single-flights it.
func (l *Loader) factoryFor(c *component) depgraph.Factory {
	return func(ctx context.Context) (any, error) {
		l.showSkeleton(c)

		if c.cfg.CacheKey != "" && l.cache != nil {
			if v, ok := l.cache.Get(c.cfg.CacheKey); ok {
				l.log.Debug("component served from cache",
					logx.String("component", c.cfg.Name),
					logx.String("key", c.cfg.CacheKey))
				return v, nil
			}
		}

		if c.cfg.Preload != nil {
			if err := c.cfg.Preload(ctx); err != nil {
				l.log.Warn("component preload failed",
					logx.String("component", c.cfg.Name), logx.Err(err))
			}
		}

		v, err := c.cfg.Load(ctx)
		if err != nil {
			return nil, err
		}
		if c.cfg.CacheKey != "" && l.cache != nil {
			l.cache.Set(c.cfg.CacheKey, v, c.cfg.CacheTTL)
		}
		return v, nil
	}
}

func (l *Loader) showSkeleton(c *component) {
	if c.cfg.Priority != Critical || c.cfg.Skeleton == nil {
		return
	}
	l.mu.Lock()
	if c.skeletonShown {
		l.mu.Unlock()
		return
	}
	c.skeletonShown = true
	first := l.skeletonShownAt == 0
	if first {
		l.skeletonShownAt = time.Since(l.startTime)
	}
	at := l.skeletonShownAt
	l.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("panic in skeleton callback",
					logx.String("component", c.cfg.Name), logx.Any("panic", r))
			}
		}()
		c.cfg.Skeleton()
	}()

	if first {
		l.publishMilestone("skeleton-shown", at)
	}
}

// Start validates the dependency configuration and sweeps the tiers in
// priority order. It returns once every tier has been attempted; component
// failures are recorded, not returned. The only errors are configuration
// errors and a second Start.
func (l *Loader) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := l.validateLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.started = true
	l.startTime = time.Now()
	order := append([]string(nil), l.order...)
	l.mu.Unlock()

	l.log.Info("progressive load started", logx.Int("components", len(order)))

	for _, tier := range tiers {
		names := l.tierMembers(order, tier)
		if len(names) > 0 {
			l.sweepTier(ctx, tier, names)
		}
		if tier == High {
			l.mu.Lock()
			l.interactiveAt = time.Since(l.startTime)
			at := l.interactiveAt
			l.mu.Unlock()
			l.publishMilestone("interactive", at)
		}
	}

	l.mu.Lock()
	l.totalTime = time.Since(l.startTime)
	total := l.totalTime
	loaded := len(l.values)
	failed := len(l.failed)
	l.mu.Unlock()

	l.log.Info("progressive load finished",
		logx.Duration("total", total),
		logx.Int("loaded", loaded), logx.Int("failed", failed))
	return nil
}

// validateLocked rejects unknown dependencies and dependencies on a
// strictly later tier.
func (l *Loader) validateLocked() error {
	for _, name := range l.order {
		c := l.comps[name]
		for _, dep := range c.cfg.DependsOn {
			d, ok := l.comps[dep]
			if !ok {
				return fmt.Errorf("loader: component %q depends on unregistered %q", name, dep)
			}
			if d.cfg.Priority > c.cfg.Priority {
				return fmt.Errorf("loader: component %q (%s) depends on %q in later tier %s",
					name, c.cfg.Priority, dep, d.cfg.Priority)
			}
		}
	}
	return nil
}

func (l *Loader) tierMembers(order []string, tier Priority) []string {
	var names []string
	for _, name := range order {
		c := l.comps[name]
		if c.cfg.Priority != tier {
			continue
		}
		names = append(names, name)
	}
	return names
}

// sweepTier loads every member concurrently and waits for all of them.
// A failed member never aborts its siblings.
func (l *Loader) sweepTier(ctx context.Context, tier Priority, names []string) {
	start := time.Now()
	var g errgroup.Group
	for _, name := range names {
		c := l.comps[name]
		g.Go(func() error {
			l.loadOne(ctx, c)
			return nil
		})
	}
	g.Wait()
	l.log.Debug("tier swept", logx.String("tier", tier.String()),
		logx.Int("components", len(names)), logx.Duration("dur", time.Since(start)))
}

// loadOne runs one component's load as a scheduler task and records the
// outcome. Dependents of an already failed component are skipped without
// submitting work.
func (l *Loader) loadOne(ctx context.Context, c *component) {
	name := c.cfg.Name

	l.mu.Lock()
	if _, done := l.values[name]; done {
		l.mu.Unlock()
		return
	}
	if _, failedBefore := l.failed[name]; failedBefore {
		l.mu.Unlock()
		return
	}
	for _, dep := range c.cfg.DependsOn {
		if depErr, ok := l.failed[dep]; ok {
			err := fmt.Errorf("dependency %q failed: %w", dep, depErr)
			l.recordFailureLocked(c, 0, err)
			l.mu.Unlock()
			l.notifyError(name, err)
			return
		}
	}
	l.mu.Unlock()

	start := time.Now()
	id, err := l.sched.Submit("load:"+name, func(ctx context.Context) (any, error) {
		return l.graph.Resolve(ctx, name)
	}, nil)
	if err == nil {
		var v any
		v, err = l.sched.Await(id, 0)
		if err == nil {
			l.recordSuccess(c, time.Since(start), v)
			return
		}
	}

	dur := time.Since(start)
	l.mu.Lock()
	l.recordFailureLocked(c, dur, err)
	l.mu.Unlock()
	l.notifyError(name, err)
}

func (l *Loader) recordSuccess(c *component, dur time.Duration, v any) {
	name := c.cfg.Name
	l.mu.Lock()
	l.values[name] = v
	l.durations[name] = dur
	fraction := l.progressLocked()
	l.mu.Unlock()

	l.log.Debug("component loaded", logx.String("component", name),
		logx.String("tier", c.cfg.Priority.String()), logx.Duration("dur", dur))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeComponentLoaded, Data: ComponentEvent{
			Name: name, Priority: c.cfg.Priority.String(), Duration: dur,
		}})
	}
	l.invoke(func() {
		if l.cbs.OnComponent != nil {
			l.cbs.OnComponent(name, v)
		}
	})
	l.invoke(func() {
		if l.cbs.OnProgress != nil {
			l.cbs.OnProgress(name, fraction)
		}
	})
}

// recordFailureLocked stores a failure. Call with l.mu held.
func (l *Loader) recordFailureLocked(c *component, dur time.Duration, err error) {
	l.failed[c.cfg.Name] = err
	l.durations[c.cfg.Name] = dur
}

func (l *Loader) notifyError(name string, err error) {
	l.log.Warn("component failed", logx.String("component", name), logx.Err(err))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeComponentFailed, Data: ComponentEvent{
			Name: name, Error: err.Error(),
		}})
	}
	var fraction float64
	l.mu.Lock()
	fraction = l.progressLocked()
	l.mu.Unlock()
	l.invoke(func() {
		if l.cbs.OnError != nil {
			l.cbs.OnError(name, err)
		}
	})
	l.invoke(func() {
		if l.cbs.OnProgress != nil {
			l.cbs.OnProgress(name, fraction)
		}
	})
}

func (l *Loader) progressLocked() float64 {
	if len(l.comps) == 0 {
		return 1
	}
	return float64(len(l.values)+len(l.failed)) / float64(len(l.comps))
}

func (l *Loader) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic in loader callback", logx.Any("panic", r))
		}
	}()
	fn()
}

func (l *Loader) publishMilestone(milestone string, at time.Duration) {
	l.log.Info("milestone", logx.String("milestone", milestone), logx.Duration("at", at))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeLoaderMilestone, Data: MilestoneEvent{
			Milestone: milestone, At: at,
		}})
	}
}

// GetComponent returns a loaded component's value. Failed and
// not-yet-loaded components are absent.
func (l *Loader) GetComponent(name string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.values[name]
	return v, ok
}

// LoadOnDemand loads a single component outside the tier sweep, resolving
// its dependencies first. A component already loaded by the sweep is
// returned as-is. The caller bounds it through ctx.
func (l *Loader) LoadOnDemand(ctx context.Context, name string) (any, error) {
	l.mu.Lock()
	c, ok := l.comps[name]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	if v, done := l.values[name]; done {
		l.mu.Unlock()
		return v, nil
	}
	l.mu.Unlock()

	start := time.Now()
	v, err := l.graph.Resolve(ctx, name)
	if err != nil {
		dur := time.Since(start)
		l.mu.Lock()
		l.recordFailureLocked(c, dur, err)
		l.mu.Unlock()
		l.notifyError(name, err)
		return nil, err
	}
	l.recordSuccess(c, time.Since(start), v)
	return v, nil
}

func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	per := make(map[string]time.Duration, len(l.durations))
	for name, d := range l.durations {
		per[name] = d
	}
	return Stats{
		TotalTime:         l.totalTime,
		SkeletonShownTime: l.skeletonShownAt,
		InteractiveTime:   l.interactiveAt,
		LoadedCount:       len(l.values),
		FailedCount:       len(l.failed),
		TotalCount:        len(l.comps),
		PerComponent:      per,
	}
}
