package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for tile pipeline operations.
const (
	// Pipeline run attributes (seed/render/cleanup)
	AttrPipelineOp       = "tileengine.pipeline.operation"
	AttrPipelineStatus   = "tileengine.pipeline.status"
	AttrPipelineDuration = "tileengine.pipeline.duration_ms"
	AttrTileCount        = "tileengine.pipeline.tile_count"

	// Tile coordinate attributes
	AttrTileZoom = "tileengine.tile.zoom"
	AttrTileX    = "tileengine.tile.x"
	AttrTileY    = "tileengine.tile.y"

	// Store backend attributes
	AttrStoreBackend = "tileengine.store.backend"
	AttrArchiveID    = "tileengine.store.archive_id"
	AttrStoreStatus  = "tileengine.store.status"

	// Resource cache attributes
	AttrCacheType = "tileengine.cache.type"
	AttrCacheHit  = "tileengine.cache.hit"
	AttrCacheKey  = "tileengine.cache.key"

	// Renderer attributes
	AttrRendererURL = "tileengine.renderer.resource_url"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// Status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Store backend names
const (
	BackendMBTiles = "mbtiles"
	BackendXYZ     = "xyz"
	BackendPG      = "pg"
)

// Cache types
const (
	CacheTypeResource = "resource"
	CacheTypeTileHash = "tile_hash"
)

// PipelineAttributes returns attributes for a seed/render/cleanup run.
func PipelineAttributes(op, status string, durationMs int64, tileCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPipelineOp, op),
		attribute.String(AttrPipelineStatus, status),
		attribute.Int64(AttrPipelineDuration, durationMs),
		attribute.Int(AttrTileCount, tileCount),
	}
}

// TileAttributes returns attributes identifying a single tile task.
func TileAttributes(zoom, x, y int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrTileZoom, zoom),
		attribute.Int(AttrTileX, x),
		attribute.Int(AttrTileY, y),
	}
}

// StoreAttributes returns attributes for a store backend call.
func StoreAttributes(backend, archiveID string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStoreBackend, backend),
		attribute.String(AttrArchiveID, archiveID),
		attribute.Int(AttrStoreStatus, status),
	}
}

// CacheAttributes returns attributes for resource cache operations.
func CacheAttributes(cacheType string, hit bool, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCacheType, cacheType),
		attribute.Bool(AttrCacheHit, hit),
		attribute.String(AttrCacheKey, key),
	}
}

// ErrorAttributes returns attributes for errors.
func ErrorAttributes(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, "error"),
		attribute.String(AttrErrorMessage, err.Error()),
	}
}
