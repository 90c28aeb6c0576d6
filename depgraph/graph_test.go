package depgraph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"progload/logx"
)

func testGraph() *Graph { return New(logx.Nop()) }

func TestResolveSingleFlight(t *testing.T) {
	g := testGraph()

	var calls atomic.Int32
	_, err := g.Register("svc", func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "value", nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Resolve(context.Background(), "svc")
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("factory ran %d times, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("resolver %d: %v", i, errs[i])
		}
		if results[i] != "value" {
			t.Fatalf("resolver %d got %v", i, results[i])
		}
	}
}

func TestResolveDependencyOrder(t *testing.T) {
	g := testGraph()

	var mu sync.Mutex
	var order []string
	reg := func(name string, deps ...string) {
		_, err := g.Register(name, func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}, deps...)
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	reg("db")
	reg("cache", "db")
	reg("api", "cache", "db")

	if _, err := g.Resolve(context.Background(), "api"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	if !(pos["db"] < pos["cache"] && pos["cache"] < pos["api"]) {
		t.Fatalf("wrong order: %v", order)
	}
}

func TestPreloadAllTerminates(t *testing.T) {
	g := testGraph()
	for _, tc := range []struct {
		name string
		deps []string
	}{
		{"a", nil},
		{"b", []string{"a"}},
		{"c", []string{"a"}},
		{"d", []string{"b", "c"}},
	} {
		if _, err := g.Register(tc.name, func(ctx context.Context) (any, error) { return tc.name, nil }, tc.deps...); err != nil {
			t.Fatalf("register %s: %v", tc.name, err)
		}
	}

	if err := g.Preload(context.Background()); err != nil {
		t.Fatalf("preload: %v", err)
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		if !g.Resolved(name) {
			t.Fatalf("%s not resolved after preload", name)
		}
	}
}

func TestCycleDetection(t *testing.T) {
	g := testGraph()
	nop := func(ctx context.Context) (any, error) { return nil, nil }

	mustRegister := func(name string, deps ...string) {
		if _, err := g.Register(name, nop, deps...); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	mustRegister("a", "b")
	mustRegister("b", "c")
	mustRegister("c", "a")

	_, err := g.Resolve(context.Background(), "a")
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(ce.Cycle) == 0 {
		t.Fatal("cycle error names no members")
	}
	members := map[string]bool{}
	for _, m := range ce.Cycle {
		members[m] = true
	}
	if !members["a"] && !members["b"] && !members["c"] {
		t.Fatalf("cycle %v names no member of the actual cycle", ce.Cycle)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	g := testGraph()
	nop := func(ctx context.Context) (any, error) { return nil, nil }
	if _, err := g.Register("x", nop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := g.Register("x", nop); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestFailedFactoryMemoizedUntilUnload(t *testing.T) {
	g := testGraph()

	var calls atomic.Int32
	boom := errors.New("boom")
	if _, err := g.Register("bad", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := g.Resolve(context.Background(), "bad"); !errors.Is(err, boom) {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("factory ran %d times, want 1", got)
	}

	if err := g.Unload("bad"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := g.Resolve(context.Background(), "bad"); !errors.Is(err, boom) {
		t.Fatalf("resolve after unload: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("factory ran %d times after unload, want 2", got)
	}
}

type cleanableValue struct {
	cleaned atomic.Bool
}

func (c *cleanableValue) Cleanup() { c.cleaned.Store(true) }

func TestUnloadInvokesCleanup(t *testing.T) {
	g := testGraph()
	v := &cleanableValue{}
	if _, err := g.Register("res", func(ctx context.Context) (any, error) { return v, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := g.Resolve(context.Background(), "res"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := g.Unload("res"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if !v.cleaned.Load() {
		t.Fatal("cleanup hook not invoked")
	}
}

func TestResolveUnknownDependency(t *testing.T) {
	g := testGraph()
	if _, err := g.Register("top", func(ctx context.Context) (any, error) { return nil, nil }, "missing"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := g.Resolve(context.Background(), "top"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}
