package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := Open(cfg, testLogger(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSetGet(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("greeting", "hello", time.Minute)
	v, ok := c.Get("greeting")
	if !ok {
		t.Fatalf("expected hit")
	}
	if v != "hello" {
		t.Fatalf("got %v, want hello", v)
	}

	if _, ok := c.Get("absent"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("short", 42, 50*time.Millisecond)
	if _, ok := c.Get("short"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Fatalf("expected miss after ttl elapsed")
	}

	// A fresh GetOrCompute must re-run compute after expiry.
	var calls atomic.Int64
	v, err := c.GetOrCompute(context.Background(), "short", time.Minute, func(context.Context) (any, error) {
		calls.Add(1)
		return 43, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if v != 43 || calls.Load() != 1 {
		t.Fatalf("got v=%v calls=%d, want 43 and 1", v, calls.Load())
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(t, Config{})

	var calls atomic.Int64
	compute := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "value", nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "shared", time.Minute, compute)
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("compute ran %d times, want 1", got)
	}
	for i, v := range results {
		if v != "value" {
			t.Fatalf("caller %d got %v, want value", i, v)
		}
	}
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	c := newTestCache(t, Config{})

	boom := errors.New("boom")
	var calls atomic.Int64
	fail := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	}

	if _, err := c.GetOrCompute(context.Background(), "k", time.Minute, fail); !errors.Is(err, boom) {
		t.Fatalf("got err %v, want boom", err)
	}
	if _, err := c.GetOrCompute(context.Background(), "k", time.Minute, fail); !errors.Is(err, boom) {
		t.Fatalf("got err %v, want boom", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("failed compute should not be cached, calls=%d", calls.Load())
	}
}

func TestRefreshBypassesValue(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("k", "stale", time.Minute)
	v, err := c.Refresh(context.Background(), "k", time.Minute, func(context.Context) (any, error) {
		return "fresh", nil
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if v != "fresh" {
		t.Fatalf("got %v, want fresh", v)
	}
	if got, _ := c.Get("k"); got != "fresh" {
		t.Fatalf("stored value is %v, want fresh", got)
	}
}

func TestQuarterEviction(t *testing.T) {
	c := newTestCache(t, Config{MaxEntries: 8})

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keys {
		c.Set(k, k, time.Minute)
	}
	// Touch everything except "a" and "b" so they rank lowest.
	for _, k := range keys[2:] {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("expected hit for %s", k)
		}
	}

	c.Set("i", "i", time.Minute)

	st := c.Stats()
	if st.Evictions < 2 {
		t.Fatalf("evictions=%d, want at least 2", st.Evictions)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("least-used entry a should be evicted")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("least-used entry b should be evicted")
	}
	if _, ok := c.Get("h"); !ok {
		t.Fatalf("frequently used entry h should survive")
	}
}

func TestClearPattern(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("weather:current", 1, time.Minute)
	c.Set("weather:forecast", 2, time.Minute)
	c.Set("theme:dark", 3, time.Minute)

	n, err := c.ClearPattern("weather:*")
	if err != nil {
		t.Fatalf("ClearPattern: %v", err)
	}
	if n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	if _, ok := c.Get("weather:current"); ok {
		t.Fatalf("weather:current should be gone")
	}
	if _, ok := c.Get("theme:dark"); !ok {
		t.Fatalf("theme:dark should survive")
	}

	if _, err := c.ClearPattern("[bad"); err == nil {
		t.Fatalf("expected error for malformed pattern")
	}
}

func TestClearExpired(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("old", 1, 10*time.Millisecond)
	c.Set("fresh", 2, time.Minute)
	time.Sleep(20 * time.Millisecond)

	if n := c.ClearExpired(); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatalf("fresh entry should survive")
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, Config{})

	c.Set("k", 1, time.Minute)
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 2/1", st.Hits, st.Misses)
	}
	want := 2.0 / 3.0
	if st.HitRate < want-0.001 || st.HitRate > want+0.001 {
		t.Fatalf("hit rate %.3f, want %.3f", st.HitRate, want)
	}
	if st.Entries != 1 {
		t.Fatalf("entries=%d, want 1", st.Entries)
	}
}
