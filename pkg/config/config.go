// Package config generalizes the teacher's flag.*Var block in
// cmd/osmmcp/main.go into the tile engine's process configuration: store
// backend selection, pipeline concurrency, cache roots, and monitoring
// and tracing addresses. Every flag except -debug and -enable-monitoring
// has a matching TILEENGINE_* (or, for the OTLP endpoint, OTLP_ENDPOINT)
// environment variable fallback, following the same os.Getenv override
// idiom.
package config

import (
	"flag"
	"os"
	"strconv"
)

// Config is the tile engine's process-wide configuration.
type Config struct {
	Debug bool

	// Store backend selection. Backend is one of "mbtiles", "xyz", "pg".
	Backend     string
	MBTilesPath string
	XYZRoot     string
	PGBaseURI   string
	ArchiveID   string

	// Pipeline concurrency bounds, shared across seed/render/cleanup runs.
	SeedConcurrency    int
	RenderConcurrency  int
	CleanupConcurrency int
	SeedMaxTry         int

	// Renderer pool and resource cache.
	RendererPoolSize int
	ResourceCacheDir string

	// Monitoring and tracing.
	EnableMonitoring bool
	MonitoringAddr   string
	OTLPEndpoint     string
}

// Default returns a Config populated with the teacher's style of
// conservative defaults.
func Default() Config {
	return Config{
		Backend:            "mbtiles",
		SeedConcurrency:    4,
		RenderConcurrency:  4,
		CleanupConcurrency: 4,
		SeedMaxTry:         3,
		RendererPoolSize:   4,
		ResourceCacheDir:   "./cache",
		EnableMonitoring:   true,
		MonitoringAddr:     ":9090",
	}
}

// RegisterFlags registers c's fields onto fs, seeding each flag's default
// (other than -debug and -enable-monitoring) from its corresponding
// environment variable when set, the
// same override precedence the teacher applies for OSMMCP_DEFAULT_REGION.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")

	fs.StringVar(&c.Backend, "backend", envOr("TILEENGINE_BACKEND", c.Backend), "tile store backend: mbtiles, xyz, or pg")
	fs.StringVar(&c.MBTilesPath, "mbtiles-path", envOr("TILEENGINE_MBTILES_PATH", c.MBTilesPath), "path to the MBTiles archive (backend=mbtiles)")
	fs.StringVar(&c.XYZRoot, "xyz-root", envOr("TILEENGINE_XYZ_ROOT", c.XYZRoot), "root directory for XYZ filesystem tiles (backend=xyz)")
	fs.StringVar(&c.PGBaseURI, "pg-uri", envOr("TILEENGINE_PG_URI", c.PGBaseURI), "PostgreSQL connection URI (backend=pg)")
	fs.StringVar(&c.ArchiveID, "archive-id", envOr("TILEENGINE_ARCHIVE_ID", c.ArchiveID), "archive id this process registers its store handle under")

	fs.IntVar(&c.SeedConcurrency, "seed-concurrency", envOrInt("TILEENGINE_SEED_CONCURRENCY", c.SeedConcurrency), "concurrent tile downloads during a seed run")
	fs.IntVar(&c.RenderConcurrency, "render-concurrency", envOrInt("TILEENGINE_RENDER_CONCURRENCY", c.RenderConcurrency), "concurrent tile renders during a render run")
	fs.IntVar(&c.CleanupConcurrency, "cleanup-concurrency", envOrInt("TILEENGINE_CLEANUP_CONCURRENCY", c.CleanupConcurrency), "concurrent deletes during a cleanup run")
	fs.IntVar(&c.SeedMaxTry, "seed-max-try", envOrInt("TILEENGINE_SEED_MAX_TRY", c.SeedMaxTry), "max download attempts per tile during a seed run")

	fs.IntVar(&c.RendererPoolSize, "renderer-pool-size", envOrInt("TILEENGINE_RENDERER_POOL_SIZE", c.RendererPoolSize), "number of rasterizers kept in the renderer pool")
	fs.StringVar(&c.ResourceCacheDir, "resource-cache-dir", envOr("TILEENGINE_RESOURCE_CACHE_DIR", c.ResourceCacheDir), "directory backing the sprite/font/GeoJSON resource cache")

	fs.BoolVar(&c.EnableMonitoring, "enable-monitoring", c.EnableMonitoring, "enable Prometheus metrics and health endpoints")
	fs.StringVar(&c.MonitoringAddr, "monitoring-addr", envOr("TILEENGINE_MONITORING_ADDR", c.MonitoringAddr), "monitoring server address")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", envOr("OTLP_ENDPOINT", c.OTLPEndpoint), "OTLP trace collector endpoint; tracing is a no-op when empty")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
