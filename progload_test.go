package progload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"progload/loader"
)

func TestAppEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := `
logging:
  level: error
  console: false
scheduler:
  workers: 4
cache:
  max_entries: 64
  default_ttl: 1m
  disk:
    driver: file
    path: ` + filepath.Join(dir, "cache") + `
pool:
  max_idle: 4
maintenance:
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	app, err := New(cfgPath, loader.Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		app.Stop(ctx)
	}()

	ldr := app.Loader()
	if err := ldr.RegisterComponent(loader.ComponentConfig{
		Name: "settings", Priority: loader.Critical,
		Load: func(context.Context) (any, error) { return map[string]any{"theme": "dark"}, nil },
	}); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}
	if err := ldr.RegisterComponent(loader.ComponentConfig{
		Name: "dashboard", Priority: loader.High, DependsOn: []string{"settings"},
		CacheKey: "dashboard:layout", CacheTTL: time.Minute,
		Load: func(context.Context) (any, error) { return "three-column", nil },
	}); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}

	if err := app.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if v, ok := ldr.GetComponent("dashboard"); !ok || v != "three-column" {
		t.Fatalf("dashboard = %v/%v", v, ok)
	}
	if _, ok := app.Cache().Get("dashboard:layout"); !ok {
		t.Fatalf("loaded component not cached")
	}

	st := ldr.Stats()
	if st.LoadedCount != 2 || st.FailedCount != 0 {
		t.Fatalf("stats %+v, want 2 loaded", st)
	}
}

func TestTwoAppsCoexist(t *testing.T) {
	mk := func(name string) *App {
		dir := t.TempDir()
		cfgPath := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(cfgPath, []byte("logging:\n  level: error\nmaintenance:\n  enabled: false\n"), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		app, err := New(cfgPath, loader.Callbacks{})
		if err != nil {
			t.Fatalf("New %s: %v", name, err)
		}
		if err := app.Start(context.Background()); err != nil {
			t.Fatalf("Start %s: %v", name, err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			app.Stop(ctx)
		})
		return app
	}

	a := mk("a")
	b := mk("b")

	a.Cache().Set("shared-key", "from-a", time.Minute)
	if _, ok := b.Cache().Get("shared-key"); ok {
		t.Fatalf("caches are not independent")
	}
}
