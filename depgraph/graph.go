package depgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"progload/logx"
)

// Factory produces the value for a registered name. It runs at most once
// per name while the result stays loaded, always outside the graph lock.
type Factory func(ctx context.Context) (any, error)

// Cleanable is the optional capability a resolved value may implement to be
// released on Unload. It is checked once, by type assertion, not probed on
// every use.
type Cleanable interface {
	Cleanup()
}

type nodeState int

const (
	stateRegistered nodeState = iota
	stateResolving
	stateResolved
	stateFailed
)

type node struct {
	name    string
	deps    []string
	factory Factory

	state nodeState
	done  chan struct{} // closed when the in-flight resolve finishes
	value any
	err   error
}

// Graph resolves named factories in dependency order with memoization.
// All methods are safe for concurrent use.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*node
	log   logx.Logger
}

func New(log logx.Logger) *Graph {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Graph{nodes: map[string]*node{}, log: log}
}

// Handle refers back to a registered name.
type Handle struct {
	g    *Graph
	name string
}

func (h Handle) Name() string { return h.name }

func (h Handle) Resolve(ctx context.Context) (any, error) { return h.g.Resolve(ctx, h.name) }

func (h Handle) Unload() { _ = h.g.Unload(h.name) }

// Register adds a named factory with its declared dependencies.
// Registering the same name twice is an error.
func (g *Graph) Register(name string, factory Factory, deps ...string) (Handle, error) {
	if name == "" {
		return Handle{}, errors.New("depgraph: name is required")
	}
	if factory == nil {
		return Handle{}, fmt.Errorf("depgraph: %q: factory is nil", name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[name]; exists {
		return Handle{}, fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	g.nodes[name] = &node{
		name:    name,
		deps:    append([]string(nil), deps...),
		factory: factory,
	}
	g.log.Debug("registered", logx.String("name", name), logx.Int("deps", len(deps)))
	return Handle{g: g, name: name}, nil
}

// Dependencies returns the declared dependency list for name.
func (g *Graph) Dependencies(name string) ([]string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), n.deps...), true
}

// Resolved reports whether name has a memoized value.
func (g *Graph) Resolved(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[name]
	return ok && n.state == stateResolved
}

// Resolve returns the memoized value for name, running its factory (and,
// recursively, its dependencies' factories) if needed. Concurrent resolvers
// for the same name share one execution and one outcome.
func (g *Graph) Resolve(ctx context.Context, name string) (any, error) {
	g.mu.Lock()
	if _, ok := g.nodes[name]; !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	// Cycle check is a pure walk over declared edges; it runs before any
	// factory so a cyclic graph fails fast instead of deadlocking waiters.
	if cyc := g.findCycleLocked(name); cyc != nil {
		g.mu.Unlock()
		return nil, &CycleError{Cycle: cyc}
	}
	g.mu.Unlock()

	return g.resolve(ctx, name)
}

func (g *Graph) resolve(ctx context.Context, name string) (any, error) {
	for {
		g.mu.Lock()
		n, ok := g.nodes[name]
		if !ok {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
		}

		switch n.state {
		case stateResolved:
			v := n.value
			g.mu.Unlock()
			return v, nil

		case stateFailed:
			err := n.err
			g.mu.Unlock()
			return nil, err

		case stateResolving:
			done := n.done
			g.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-done:
			}
			// Re-read the outcome (or re-run if it was unloaded meanwhile).
			continue

		case stateRegistered:
			n.state = stateResolving
			n.done = make(chan struct{})
			deps := append([]string(nil), n.deps...)
			factory := n.factory
			g.mu.Unlock()

			v, err := g.runFactory(ctx, name, deps, factory)
			return v, err
		}
	}
}

func (g *Graph) runFactory(ctx context.Context, name string, deps []string, factory Factory) (any, error) {
	for _, dep := range deps {
		if _, err := g.resolve(ctx, dep); err != nil {
			ferr := fmt.Errorf("depgraph: %q: dependency %q: %w", name, dep, err)
			g.finish(name, nil, ferr)
			return nil, ferr
		}
	}

	var (
		v   any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("depgraph: %q: factory panic: %v", name, r)
			}
		}()
		v, err = factory(ctx)
	}()
	if err != nil {
		err = fmt.Errorf("depgraph: %q: %w", name, err)
		g.finish(name, nil, err)
		g.log.Warn("resolve failed", logx.String("name", name), logx.Err(err))
		return nil, err
	}

	g.finish(name, v, nil)
	g.log.Debug("resolved", logx.String("name", name))
	return v, nil
}

func (g *Graph) finish(name string, v any, err error) {
	g.mu.Lock()
	n := g.nodes[name]
	if n != nil && n.state == stateResolving {
		if err != nil {
			n.state = stateFailed
			n.err = err
		} else {
			n.state = stateResolved
			n.value = v
		}
		if n.done != nil {
			close(n.done)
			n.done = nil
		}
	}
	g.mu.Unlock()
}

// findCycleLocked runs a three-color DFS over declared edges reachable from
// start. White = unvisited, grey = on the current path, black = done.
// It returns the cycle members in path order, or nil.
func (g *Graph) findCycleLocked(start string) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		n, ok := g.nodes[name]
		if !ok {
			// Unknown dependency surfaces as ErrNotRegistered during resolve.
			return nil
		}
		color[name] = grey
		stack = append(stack, name)
		for _, dep := range n.deps {
			switch color[dep] {
			case grey:
				// Slice the current path from the first occurrence of dep.
				for i, s := range stack {
					if s == dep {
						return append([]string(nil), stack[i:]...)
					}
				}
				return []string{dep}
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}
	return visit(start)
}

// Preload resolves the given names (all registered names if empty) in
// dependency order. Individual failures do not stop the rest; the returned
// error joins every failure.
func (g *Graph) Preload(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		g.mu.Lock()
		names = make([]string, 0, len(g.nodes))
		for name := range g.nodes {
			names = append(names, name)
		}
		g.mu.Unlock()
		// Map iteration order is random; keep failure output stable.
		sort.Strings(names)
	}

	var errs []error
	for _, name := range names {
		if _, err := g.Resolve(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unload releases the memoized value (or error) for name, invoking Cleanup
// if the value implements Cleanable. The name stays registered and can be
// resolved again. Unknown names return ErrNotRegistered.
func (g *Graph) Unload(name string) error {
	g.mu.Lock()
	n, ok := g.nodes[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	var cleanup Cleanable
	if n.state == stateResolved {
		if c, ok := n.value.(Cleanable); ok {
			cleanup = c
		}
	}
	if n.state == stateResolved || n.state == stateFailed {
		n.state = stateRegistered
		n.value = nil
		n.err = nil
	}
	g.mu.Unlock()

	if cleanup != nil {
		cleanup.Cleanup()
		g.log.Debug("unloaded", logx.String("name", name))
	}
	return nil
}

// UnloadAll releases every memoized value.
func (g *Graph) UnloadAll() {
	g.mu.Lock()
	names := make([]string, 0, len(g.nodes))
	for name, n := range g.nodes {
		if n.state == stateResolved || n.state == stateFailed {
			names = append(names, name)
		}
	}
	g.mu.Unlock()

	for _, name := range names {
		_ = g.Unload(name)
	}
}
