// Command tileengine is the thin process entry point wiring the tile
// engine's store backends, bulk pipelines, tracing, and monitoring
// together, the way cmd/osmmcp/main.go wires the MCP server's pieces.
// It is a CLI driver, not a service: HTTP API surface and CLI beyond
// this entry point are out of scope (see SPEC_FULL.md AMBIENT STACK).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nervsystems/tileengine/pkg/cleanup"
	"github.com/nervsystems/tileengine/pkg/config"
	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/monitoring"
	"github.com/nervsystems/tileengine/pkg/registry"
	"github.com/nervsystems/tileengine/pkg/render"
	"github.com/nervsystems/tileengine/pkg/renderer"
	"github.com/nervsystems/tileengine/pkg/rescache"
	"github.com/nervsystems/tileengine/pkg/seed"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/store/mbtiles"
	"github.com/nervsystems/tileengine/pkg/store/pgtiles"
	"github.com/nervsystems/tileengine/pkg/store/xyzfs"
	"github.com/nervsystems/tileengine/pkg/tilemath"
	"github.com/nervsystems/tileengine/pkg/tracing"
	ver "github.com/nervsystems/tileengine/pkg/version"
)

// coverageFlags are the bbox/zoom flags shared by seed, render, and
// cleanup subcommands.
type coverageFlags struct {
	zoom                           int
	minLon, minLat, maxLon, maxLat float64
}

func (c *coverageFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&c.zoom, "zoom", 0, "zoom level to operate on")
	fs.Float64Var(&c.minLon, "min-lon", -180, "coverage bounding box minimum longitude")
	fs.Float64Var(&c.minLat, "min-lat", -85.05, "coverage bounding box minimum latitude")
	fs.Float64Var(&c.maxLon, "max-lon", 180, "coverage bounding box maximum longitude")
	fs.Float64Var(&c.maxLat, "max-lat", 85.05, "coverage bounding box maximum latitude")
}

func (c *coverageFlags) plan() coverage.Plan {
	bbox := tilemath.BBox{MinLon: c.minLon, MinLat: c.minLat, MaxLon: c.maxLon, MaxLat: c.maxLat}
	cov := coverage.BBoxCoverage(c.zoom, bbox)
	return coverage.Expand([]coverage.Coverage{cov}, nil)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Default()
	globalFlags := flag.NewFlagSet("tileengine", flag.ExitOnError)
	cfg.RegisterFlags(globalFlags)

	subcommand := os.Args[1]
	args := os.Args[2:]

	var covFlags coverageFlags
	switch subcommand {
	case "seed", "render", "cleanup":
		covFlags.register(globalFlags)
	case "version", "serve", "size":
		// no coverage flags needed
	default:
		usage()
		os.Exit(2)
	}

	var urlTemplate string
	var forever bool
	var cutoffDays int
	switch subcommand {
	case "seed":
		globalFlags.StringVar(&urlTemplate, "url-template", "", "upstream tile URL template, e.g. http://example/{z}/{x}/{y}.png")
	case "cleanup":
		globalFlags.BoolVar(&forever, "forever", true, "never delete anything (the safe default)")
		globalFlags.IntVar(&cutoffDays, "older-than-days", 0, "delete tiles created more than this many days ago")
	}

	if err := globalFlags.Parse(args); err != nil {
		os.Exit(2)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, ver.BuildVersion)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(ctx); err != nil {
				logger.Error("error shutting down tracing", "error", err)
			}
		}()
	}

	var healthChecker *monitoring.HealthChecker
	if cfg.EnableMonitoring {
		healthChecker = monitoring.NewHealthChecker(monitoring.ServiceName, ver.BuildVersion)
		defer healthChecker.Shutdown()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", healthChecker.HealthHandler())
		mux.Handle("/readyz", healthChecker.ReadinessHandler())
		mux.Handle("/livez", healthChecker.LivenessHandler())

		monitoringServer := &http.Server{
			Addr:              cfg.MonitoringAddr,
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
		}

		go func() {
			logger.Info("starting monitoring server", "addr", cfg.MonitoringAddr)
			if err := monitoringServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitoring server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := monitoringServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down monitoring server", "error", err)
			}
		}()
	}

	if subcommand == "version" {
		fmt.Println(ver.String())
		return
	}

	reg := registry.New()
	defer reg.CloseAll()

	kind, handle, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open tile store", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	reg.Register(kind, cfg.ArchiveID, store.Instrument(cfg.Backend, handle))
	st, err := reg.Get(kind, cfg.ArchiveID)
	if err != nil {
		logger.Error("failed to look up registered store", "error", err)
		os.Exit(1)
	}

	switch subcommand {
	case "seed":
		runSeed(ctx, logger, cfg, st, covFlags.plan(), urlTemplate)
	case "render":
		runRender(ctx, logger, cfg, reg, st, covFlags.plan())
	case "cleanup":
		runCleanup(ctx, logger, cfg, st, covFlags.plan(), forever, cutoffDays)
	case "size":
		runSize(ctx, logger, cfg, st)
	case "serve":
		logger.Info("serving monitoring endpoints only; press Ctrl-C to exit")
		<-ctx.Done()
	}
}

func runSize(ctx context.Context, logger *slog.Logger, cfg config.Config, st store.TileStore) {
	bytes, err := st.Size(ctx)
	if err != nil {
		logger.Error("size query failed", "error", err)
		os.Exit(1)
	}
	monitoring.UpdateArchiveSize(cfg.Backend, cfg.ArchiveID, bytes)
	fmt.Println(bytes)
}

func openStore(ctx context.Context, cfg config.Config) (registry.Kind, store.TileStore, error) {
	switch cfg.Backend {
	case "xyz":
		s, err := xyzfs.Open(cfg.XYZRoot)
		return registry.KindXYZ, s, err
	case "pg":
		s, err := pgtiles.Open(ctx, cfg.PGBaseURI, cfg.ArchiveID)
		return registry.KindPG, s, err
	default:
		s, err := mbtiles.Open(cfg.MBTilesPath)
		return registry.KindMBTiles, s, err
	}
}

func runSeed(ctx context.Context, logger *slog.Logger, cfg config.Config, st store.TileStore, plan coverage.Plan, urlTemplate string) {
	if urlTemplate == "" {
		logger.Error("seed requires -url-template")
		os.Exit(2)
	}
	result, err := seed.Run(ctx, st, plan, seed.Options{
		URLTemplate: urlTemplate,
		Concurrency: cfg.SeedConcurrency,
		MaxTry:      cfg.SeedMaxTry,
	})
	if err != nil {
		logger.Error("seed run failed", "error", err)
		os.Exit(1)
	}
	logger.Info("seed run finished", "complete", result.Progress.Complete, "failed", result.Progress.Failed, "skipped", result.Skipped)
}

func runRender(ctx context.Context, logger *slog.Logger, cfg config.Config, reg *registry.Registry, st store.TileStore, plan coverage.Plan) {
	cache, err := rescache.Open(cfg.ResourceCacheDir)
	if err != nil {
		logger.Error("failed to open resource cache", "error", err)
		os.Exit(1)
	}
	resolver := renderer.NewResolver(reg, cache)

	// The vector-tile rasterizer itself is out of scope for this module
	// (see SPEC_FULL.md Non-goals); the pool is wired against a factory
	// the embedding application is expected to supply.
	pool := renderer.NewPool(cfg.RendererPoolSize, unconfiguredRasterizerFactory)

	result, err := render.Run(ctx, st, plan, pool, resolver, render.Options{
		Concurrency: cfg.RenderConcurrency,
	})
	if err != nil {
		logger.Error("render run failed", "error", err)
		os.Exit(1)
	}
	logger.Info("render run finished", "complete", result.Progress.Complete, "failed", result.Progress.Failed, "skipped", result.Skipped)
}

func runCleanup(ctx context.Context, logger *slog.Logger, cfg config.Config, st store.TileStore, plan coverage.Plan, forever bool, cutoffDays int) {
	cutoff := cleanup.Forever()
	if !forever {
		cutoff = cleanup.OlderThan(time.Now(), cutoffDays)
	}
	result, err := cleanup.Run(ctx, st, plan, cutoff, cleanup.Options{Concurrency: cfg.CleanupConcurrency})
	if err != nil {
		logger.Error("cleanup run failed", "error", err)
		os.Exit(1)
	}
	logger.Info("cleanup run finished", "complete", result.Progress.Complete, "failed", result.Progress.Failed, "deleted", result.Deleted)
}

func unconfiguredRasterizerFactory() (renderer.Rasterizer, error) {
	return nil, fmt.Errorf("no rasterizer implementation configured for this process")
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tileengine <seed|render|cleanup|size|serve|version> [flags]")
}
