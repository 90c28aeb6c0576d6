package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const baseYAML = `
logging:
  level: debug
  console: true
scheduler:
  workers: 8
  retention: 5m
cache:
  max_entries: 128
  default_ttl: 1m
  disk:
    driver: file
    path: /tmp/progload-cache
pool:
  max_idle: 4
  ttl: 2m
maintenance:
  enabled: true
  cache_sweep_every: 30s
`

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging %+v", cfg.Logging)
	}
	if cfg.Scheduler.Workers != 8 {
		t.Fatalf("workers %d, want 8", cfg.Scheduler.Workers)
	}
	if cfg.Cache.Disk == nil || cfg.Cache.Disk.Driver != "file" {
		t.Fatalf("disk %+v", cfg.Cache.Disk)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "logging:\n  level: info\nmystery: true\n")

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDurationField("x", " 10s "); err != nil || d != 10*time.Second {
		t.Fatalf("got %v/%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be 0, got %v/%v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if _, err := ParseDurationField("x", "fast"); err == nil {
		t.Fatalf("junk duration accepted")
	}
	if d, err := ParseDurationField("x", "90"); err != nil || d != 90*time.Second {
		t.Fatalf("bare number should mean seconds, got %v/%v", d, err)
	}
	if _, err := ParseDurationField("x", "-30"); err == nil {
		t.Fatalf("negative bare number accepted")
	}
}

func TestWatchPublishesChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, baseYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	go m.Watch(ctx)
	// Give the watcher a moment to arm.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, baseYAML+"  pool_sweep_every: 45s\n")

	select {
	case cfg := <-ch:
		if cfg.Maintenance.PoolSweepEvery != "45s" {
			t.Fatalf("published config missing change: %+v", cfg.Maintenance)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published after change")
	}
}

func TestWatchIgnoresRewriteOfSameContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, baseYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	go m.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, baseYAML)

	select {
	case <-ch:
		t.Fatalf("unchanged content was published")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestValidatorRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, baseYAML)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Scheduler.Workers > 100 {
			return os.ErrInvalid
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	go m.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	writeFile(t, path, "scheduler:\n  workers: 500\n")

	select {
	case <-ch:
		t.Fatalf("rejected config was published")
	case <-time.After(600 * time.Millisecond):
	}
	if m.Get().Scheduler.Workers != 8 {
		t.Fatalf("rejected config was committed")
	}
}
