package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/codewandler/pkgcache-go/adapters/nats"
	promadapter "github.com/codewandler/pkgcache-go/adapters/prometheus"
	"github.com/codewandler/pkgcache-go/core/compiler"
	"github.com/codewandler/pkgcache-go/core/pkgcache"
	"github.com/codewandler/pkgcache-go/internal/toylang"
)

// NOTE: the nats backend needs a JetStream server, e.g.
// docker run --net=host nats:latest -js

func main() {
	cmd := &cli.Command{
		Name:  "pkgbench",
		Usage: "time cold, warm and incremental compilation of a synthetic package graph",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "packages",
				Aliases: []string{"n"},
				Usage:   "number of packages in the graph",
				Value:   200,
				Sources: cli.EnvVars("PKGBENCH_PACKAGES"),
			},
			&cli.IntFlag{
				Name:    "width",
				Usage:   "packages per layer",
				Value:   20,
				Sources: cli.EnvVars("PKGBENCH_WIDTH"),
			},
			&cli.IntFlag{
				Name:    "fanout",
				Usage:   "imports per package into the layer below",
				Value:   3,
				Sources: cli.EnvVars("PKGBENCH_FANOUT"),
			},
			&cli.IntFlag{
				Name:    "capacity",
				Usage:   "package cache capacity",
				Value:   pkgcache.DefaultCapacity,
				Sources: cli.EnvVars("PKGBENCH_CAPACITY"),
			},
			&cli.DurationFlag{
				Name:    "cost",
				Usage:   "simulated compile time per package",
				Value:   2 * time.Millisecond,
				Sources: cli.EnvVars("PKGBENCH_COST"),
			},
			&cli.IntFlag{
				Name:    "edits",
				Usage:   "number of leaf edit and refresh rounds",
				Value:   3,
				Sources: cli.EnvVars("PKGBENCH_EDITS"),
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "source backend: mem, fs or nats",
				Value:   "mem",
				Sources: cli.EnvVars("PKGBENCH_BACKEND"),
			},
			&cli.StringFlag{
				Name:    "source-dir",
				Usage:   "directory for the fs backend",
				Sources: cli.EnvVars("PKGBENCH_SOURCE_DIR"),
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server for the nats backend and invalidation broadcast",
				Sources: cli.EnvVars("NATS_URL"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "serve Prometheus metrics on this address, e.g. :9090",
				Sources: cli.EnvVars("PKGBENCH_METRICS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("PKGBENCH_LOG_LEVEL"),
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "pkgbench:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	runID := gonanoid.Must(8)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With(slog.String("run", runID))

	n := cmd.Int("packages")
	if n < 1 {
		return errors.New("need at least one package")
	}

	var connect nats.Connector
	connName := natsgo.Name("pkgbench-" + runID)
	if url := cmd.String("nats-url"); url != "" {
		connect = nats.ReuseConnection(nats.ConnectURL(url, connName))
	}

	// === metrics ===

	var (
		cacheMetrics  = pkgcache.NopCacheMetrics()
		driverMetrics = compiler.NopDriverMetrics()
	)
	if addr := cmd.String("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		all := promadapter.NewAllMetrics(reg)
		cacheMetrics, driverMetrics = all.Cache, all.Driver

		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() { _ = srv.Close() }()
		log.Info("serving metrics", slog.String("addr", addr))
	}

	// === sources ===

	backendKind := cmd.String("backend")
	if backendKind == "nats" && connect == nil {
		connect = nats.ReuseConnection(nats.ConnectDefault(connName))
	}
	repo, err := newBackend(ctx, backendKind, cmd.String("source-dir"), connect)
	if err != nil {
		return err
	}
	defer repo.close()

	g := newGraph(n, cmd.Int("width"), cmd.Int("fanout"))
	for _, p := range g.pkgs {
		if err := repo.write(ctx, p); err != nil {
			return fmt.Errorf("write %s: %w", p.id, err)
		}
	}

	// === driver ===

	cache := pkgcache.New(
		pkgcache.WithCapacity(cmd.Int("capacity")),
		pkgcache.WithLogger(log),
		pkgcache.WithMetrics(cacheMetrics),
	)
	driver, err := compiler.New(compiler.Options{
		Cache:      cache,
		Repository: repo,
		Compiler:   toylang.New(cmd.Duration("cost")),
		Log:        log,
		Metrics:    driverMetrics,
	})
	if err != nil {
		return err
	}
	defer driver.Close()

	var inv *nats.Invalidator
	if connect != nil {
		inv, err = nats.NewInvalidator(nats.InvalidatorConfig{Connect: connect, Log: log, Origin: "pkgbench-" + runID})
		if err != nil {
			return err
		}
		defer func() { _ = inv.Close() }()
		if _, err := inv.Subscribe(ctx, driver); err != nil {
			return err
		}
	}

	fmt.Printf("     run: %s\n", runID)
	fmt.Printf(" backend: %s\n", backendKind)
	fmt.Printf("packages: %s (+ root)\n", humanize.Comma(int64(n)))
	fmt.Printf("capacity: %s\n", humanize.Comma(int64(cache.Capacity())))
	println("==========================================")

	// === START ===

	startAt := time.Now()

	cold, err := timed(func() error { _, err := driver.Load(ctx, g.root); return err })
	if err != nil {
		return fmt.Errorf("cold compile: %w", err)
	}
	printStep("cold compile", cold, cache)

	warm, err := timed(func() error { _, err := driver.Load(ctx, g.root); return err })
	if err != nil {
		return fmt.Errorf("warm compile: %w", err)
	}
	printStep("warm compile", warm, cache)

	for round := 1; round <= cmd.Int("edits"); round++ {
		if err := repo.write(ctx, g.edited(round)); err != nil {
			return fmt.Errorf("edit leaf: %w", err)
		}

		var changed bool
		refresh, err := timed(func() error {
			var err error
			changed, err = driver.Refresh(ctx, g.leaf)
			return err
		})
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		if !changed {
			log.Warn("leaf edit not detected", slog.String("pkg", g.leaf.String()))
		}
		if inv != nil {
			if err := inv.PublishInvalidate(ctx, g.leaf, true); err != nil {
				log.Error("failed to broadcast invalidation", slog.Any("error", err))
			}
		}
		printStep(fmt.Sprintf("refresh #%d", round), refresh, cache)

		incr, err := timed(func() error { _, err := driver.Load(ctx, g.root); return err })
		if err != nil {
			return fmt.Errorf("incremental compile: %w", err)
		}
		printStep(fmt.Sprintf("incremental #%d", round), incr, cache)
	}

	// === stats ===

	println("==========================================")
	runtime.GC()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s := cache.Stats()

	fmt.Printf("total runtime: %.3f seconds\n", time.Since(startAt).Seconds())
	fmt.Printf("       speedup: %.1fx warm over cold\n", float64(cold)/float64(max(warm, time.Microsecond)))
	fmt.Printf("          hits: %s\n", humanize.Comma(int64(s.Hits)))
	fmt.Printf("        misses: %s\n", humanize.Comma(int64(s.Misses)))
	fmt.Printf("     evictions: %s\n", humanize.Comma(int64(s.Evictions)))
	fmt.Printf(" invalidations: %s\n", humanize.Comma(int64(s.Invalidations)))
	fmt.Printf("          heap: %s\n", humanize.IBytes(mem.HeapAlloc))

	return nil
}

func timed(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}

func printStep(name string, took time.Duration, c *pkgcache.Cache) {
	fmt.Printf(" | %-16s | %10s | %5s entries |\n", name, took.Round(time.Microsecond), humanize.Comma(int64(c.Len())))
}
