// Command progload runs a demonstration loading sequence against a config
// file: a handful of components across the priority tiers, loaded
// progressively with milestone and per-component timing output.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"progload"
	"progload/loader"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := progload.New(cfgPath, loader.Callbacks{
		OnProgress: func(name string, fraction float64) {
			fmt.Printf("  %3.0f%%  %s\n", fraction*100, name)
		},
		OnError: func(name string, err error) {
			fmt.Printf("  FAIL  %s: %v\n", name, err)
		},
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := app.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	registerDemo(app)

	if err := app.Load(ctx); err != nil {
		fmt.Println("fatal load:", err)
		app.Stop(context.Background())
		os.Exit(1)
	}

	st := app.Loader().Stats()
	fmt.Printf("\nloaded %d/%d components in %s (skeleton %s, interactive %s)\n",
		st.LoadedCount, st.TotalCount, st.TotalTime.Round(time.Millisecond),
		st.SkeletonShownTime.Round(time.Millisecond),
		st.InteractiveTime.Round(time.Millisecond))

	app.Stop(context.Background())
}

// registerDemo sets up a dashboard-shaped component set: settings first,
// then the visible widgets, with history trailing in the deferred tier.
func registerDemo(app *progload.App) {
	ldr := app.Loader()
	reg := func(cfg loader.ComponentConfig) {
		if err := ldr.RegisterComponent(cfg); err != nil {
			fmt.Println("register:", err)
			os.Exit(1)
		}
	}

	reg(loader.ComponentConfig{
		Name: "settings", Priority: loader.Critical,
		Skeleton: func() { fmt.Println("  [skeleton shown]") },
		Load: func(context.Context) (any, error) {
			return map[string]any{"theme": "dark", "units": "metric"}, nil
		},
	})
	reg(loader.ComponentConfig{
		Name: "current-conditions", Priority: loader.High,
		DependsOn: []string{"settings"},
		CacheKey:  "weather:current", CacheTTL: 5 * time.Minute,
		Load: func(ctx context.Context) (any, error) {
			time.Sleep(50 * time.Millisecond) // simulated fetch
			return map[string]any{"temp": 21.5, "sky": "clear"}, nil
		},
	})
	reg(loader.ComponentConfig{
		Name: "forecast", Priority: loader.Medium,
		DependsOn: []string{"settings"},
		CacheKey:  "weather:forecast", CacheTTL: 30 * time.Minute,
		Load: func(ctx context.Context) (any, error) {
			time.Sleep(80 * time.Millisecond)
			return []string{"sunny", "rain", "cloudy"}, nil
		},
	})
	reg(loader.ComponentConfig{
		Name: "history", Priority: loader.Deferred,
		Preload: func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond) // simulated index fetch
			return nil
		},
		Load: func(ctx context.Context) (any, error) {
			time.Sleep(120 * time.Millisecond)
			return []float64{19.2, 20.1, 21.5}, nil
		},
	})
}
