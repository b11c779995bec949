// Package store defines the TileStore capability set (spec section 4.6)
// implemented by the three concrete backends: mbtiles, xyzfs, and
// pgtiles. Bulk engines depend only on this interface, never on a
// concrete backend, per the "tagged polymorphism over stores" design
// note in spec section 9 - realized here as a Go interface rather than a
// sum type, matching how the corpus favors interfaces for this shape.
package store

import (
	"context"
	"crypto/md5"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/tileformat"
)

// TileRecord is one stored tile's payload and accounting columns.
type TileRecord struct {
	Data    []byte
	Hash    string
	Created time.Time
}

// ExtraInfoMode selects which per-tile accounting column
// ExtraInfoForCoverage reports.
type ExtraInfoMode int

const (
	ModeHash ExtraInfoMode = iota
	ModeCreated
)

// TileStore is the uniform contract over the MBTiles, XYZ filesystem, and
// PostgreSQL backends (spec section 4.6).
type TileStore interface {
	// Close releases the handle. Safe to call once; further operations
	// after Close are undefined.
	Close() error

	// GetTile returns a tile's bytes and advisory content headers, or a
	// tileerrors.NotFound error on miss.
	GetTile(ctx context.Context, z, x, y int) ([]byte, Headers, error)

	// PutTile upserts a tile's bytes. When storeTransparent is false and
	// data sniffs as a fully-transparent PNG, the write is silently
	// dropped per spec section 4.2/4.6.
	PutTile(ctx context.Context, z, x, y int, data []byte, storeTransparent bool) error

	// DeleteTile removes a tile. Deleting a tile that does not exist is
	// not an error.
	DeleteTile(ctx context.Context, z, x, y int) error

	// TileHash returns the MD5 of a stored tile's data.
	TileHash(ctx context.Context, z, x, y int) (string, error)

	// TileCreated returns the wall-clock time of a tile's last write.
	TileCreated(ctx context.Context, z, x, y int) (time.Time, error)

	// ExtraInfoForCoverage returns, per tile key ("z/x/y"), the hash or
	// created value (depending on mode) for every stored tile within the
	// given coverage plan.
	ExtraInfoForCoverage(ctx context.Context, plan coverage.Plan, mode ExtraInfoMode) (map[string]string, error)

	// GetMetadata returns the archive's metadata map, applying the
	// derivation rules of spec section 3 for any key that is absent.
	GetMetadata(ctx context.Context) (Metadata, error)

	// UpdateMetadata merges updates into the stored metadata map.
	UpdateMetadata(ctx context.Context, updates Metadata) error

	// Count returns the number of stored tiles.
	Count(ctx context.Context) (int64, error)

	// Size returns the archive's on-disk size in bytes (spec section
	// 4.3/4.5's "size" operation).
	Size(ctx context.Context) (int64, error)
}

// Headers are the advisory HTTP-ish headers associated with a tile read.
type Headers struct {
	ContentType     string
	ContentEncoding string
}

// Metadata is the archive's string-keyed metadata map (spec section 3).
type Metadata map[string]string

// recognizedKeys lists the keys spec section 3 assigns meaning to.
var recognizedKeys = map[string]bool{
	"name": true, "description": true, "attribution": true, "version": true,
	"type": true, "format": true, "minzoom": true, "maxzoom": true,
	"bounds": true, "center": true, "vector_layers": true, "json": true,
	"scheme": true,
}

// IsRecognizedKey reports whether key is one of the metadata keys spec
// section 3 gives meaning to.
func IsRecognizedKey(key string) bool {
	return recognizedKeys[key]
}

// TileMD5 returns the hex MD5 digest of data, used by PutTile and by the
// put-then-get invariant checks in spec section 8.
func TileMD5(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%x", sum)
}

// ShouldDropTransparent reports whether a tile write should be silently
// dropped: storeTransparent is false and data sniffs as a fully
// transparent PNG.
func ShouldDropTransparent(data []byte, storeTransparent bool) bool {
	if storeTransparent {
		return false
	}
	format, _ := tileformat.Sniff(data)
	return format == tileformat.PNG && tileformat.IsFullyTransparentPNG(data)
}

// TileKey formats the "z/x/y" key used in ExtraInfoForCoverage results.
func TileKey(z, x, y int) string {
	return fmt.Sprintf("%d/%d/%d", z, x, y)
}

// ParseBounds parses a "minLon,minLat,maxLon,maxLat" metadata bounds
// string.
func ParseBounds(s string) (minLon, minLat, maxLon, maxLat float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("bounds must have 4 comma-separated values, got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		vals[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("invalid bounds value %q: %w", p, err)
		}
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

// FormatBounds formats a bounds tuple in the metadata string convention.
func FormatBounds(minLon, minLat, maxLon, maxLat float64) string {
	return fmt.Sprintf("%g,%g,%g,%g", minLon, minLat, maxLon, maxLat)
}

// DeriveCenter computes the center metadata value from bounds: the
// midpoint of bounds at floor((minzoom+maxzoom)/2), per spec section 3.
func DeriveCenter(minLon, minLat, maxLon, maxLat float64, minZoom, maxZoom int) string {
	lon := (minLon + maxLon) / 2
	lat := (minLat + maxLat) / 2
	zoom := int(math.Floor(float64(minZoom+maxZoom) / 2))
	return fmt.Sprintf("%g,%g,%d", lon, lat, zoom)
}

// ApplyDerivedDefaults fills in center (from bounds+zoom) when the stored
// metadata has bounds/minzoom/maxzoom but is missing center, matching the
// MBTiles derivation rule in spec section 3. observedBounds/haveBounds let
// a backend supply bounds derived from observed tile extents when the
// metadata table itself lacks a bounds row.
func ApplyDerivedDefaults(meta Metadata, observedBounds [4]float64, haveObservedBounds bool) Metadata {
	out := make(Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}

	if _, ok := out["bounds"]; !ok && haveObservedBounds {
		out["bounds"] = FormatBounds(observedBounds[0], observedBounds[1], observedBounds[2], observedBounds[3])
	}

	if _, ok := out["center"]; !ok {
		boundsStr, ok := out["bounds"]
		if ok {
			minLon, minLat, maxLon, maxLat, err := ParseBounds(boundsStr)
			if err == nil {
				minZoom, _ := strconv.Atoi(out["minzoom"])
				maxZoom, _ := strconv.Atoi(out["maxzoom"])
				out["center"] = DeriveCenter(minLon, minLat, maxLon, maxLat, minZoom, maxZoom)
			}
		}
	}

	return out
}
