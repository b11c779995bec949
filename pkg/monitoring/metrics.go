package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// ServiceName is the service name attached to system metrics.
	ServiceName = "tileengine"
)

var (
	// Pipeline run metrics (seed/render/cleanup)
	PipelineTilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileengine_pipeline_tiles_total",
			Help: "Total number of tiles processed by a pipeline run, by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	PipelineTileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileengine_pipeline_tile_duration_seconds",
			Help:    "Per-tile processing duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	PipelineRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileengine_pipeline_run_duration_seconds",
			Help:    "Total wall-clock duration of a seed/render/cleanup run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"operation"},
	)

	// Store backend metrics
	StoreRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileengine_store_requests_total",
			Help: "Total number of store backend requests",
		},
		[]string{"backend", "op", "status"},
	)

	StoreRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileengine_store_request_duration_seconds",
			Help:    "Store backend request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"backend", "op"},
	)

	// Renderer pool metrics
	RendererPoolActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileengine_renderer_pool_active",
			Help: "Number of rasterizers currently checked out of the renderer pool",
		},
		[]string{"pool"},
	)

	RendererFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileengine_renderer_fallbacks_total",
			Help: "Total number of times a fallback tile or font was substituted for a failed resource fetch",
		},
		[]string{"kind"},
	)

	// Archive size, set on demand by the size subcommand
	ArchiveSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileengine_archive_size_bytes",
			Help: "On-disk size of a tile archive in bytes, as last reported by store.TileStore.Size",
		},
		[]string{"backend", "archive_id"},
	)

	// Resource cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileengine_cache_hits_total",
			Help: "Total number of resource cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileengine_cache_misses_total",
			Help: "Total number of resource cache misses",
		},
		[]string{"cache_type"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileengine_errors_total",
			Help: "Total number of errors, by component and error kind",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tileengine_system_info",
			Help: "Build information",
		},
		[]string{"version", "go_version", "build_commit", "build_date"},
	)

	GoRoutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileengine_goroutines",
			Help: "Number of goroutines",
		},
	)

	MemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileengine_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	GCRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileengine_gc_runs_total",
			Help: "Total number of garbage collection runs",
		},
	)
)

// ServiceHealth is the JSON body served by the health endpoint.
type ServiceHealth struct {
	Service       string                 `json:"service"`
	Version       string                 `json:"version"`
	Status        string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime        time.Duration          `json:"uptime"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	StartTime     time.Time              `json:"start_time,omitempty"`
	Connections   map[string]ConnStatus  `json:"connections"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
}

// ConnStatus reports one monitored backend connection's state.
type ConnStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "connected", "degraded", "disconnected", "error"
	Latency   int64  `json:"latency_ms,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// RecordPipelineTile records the outcome of processing one tile in a
// seed/render/cleanup run.
func RecordPipelineTile(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	PipelineTilesTotal.WithLabelValues(operation, status).Inc()
	PipelineTileDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPipelineRun records the total duration of a completed run.
func RecordPipelineRun(operation string, duration time.Duration) {
	PipelineRunDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStoreRequest records one store backend call.
func RecordStoreRequest(backend, op string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	StoreRequestsTotal.WithLabelValues(backend, op, status).Inc()
	StoreRequestDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordRendererFallback records a fallback tile/font substitution.
func RecordRendererFallback(kind string) {
	RendererFallbacksTotal.WithLabelValues(kind).Inc()
}

// UpdateRendererPoolActive sets the renderer pool's in-use gauge.
func UpdateRendererPoolActive(pool string, active int) {
	RendererPoolActive.WithLabelValues(pool).Set(float64(active))
}

func RecordCacheHit(cacheType string) {
	CacheHits.WithLabelValues(cacheType).Inc()
}

func RecordCacheMiss(cacheType string) {
	CacheMisses.WithLabelValues(cacheType).Inc()
}

func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// UpdateArchiveSize sets the last-observed on-disk size for one archive.
func UpdateArchiveSize(backend, archiveID string, bytes int64) {
	ArchiveSizeBytes.WithLabelValues(backend, archiveID).Set(float64(bytes))
}
