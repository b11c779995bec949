// Package tilemath implements the pure coordinate and coverage math shared
// by every tile store and pipeline engine: lon/lat <-> tile xy/z, bounding
// box <-> tile range, and the XYZ/TMS scheme conversion. Nothing in this
// package performs I/O or can suspend.
package tilemath

import "math"

// Zoom bounds accepted anywhere a zoom level is taken as input.
const (
	MinZoom = 0
	MaxZoom = 22
)

// DefaultTileSize is the edge length, in pixels, of a standard tile.
const DefaultTileSize = 256

// Web Mercator's valid latitude range. Latitudes outside this range have
// no finite Web Mercator Y and are clamped to it before any projection.
const (
	MaxLat = 85.051129
	MinLat = -85.051129
)

// Scheme distinguishes the two tile-row conventions. XYZ grows the row
// southward from the north pole; TMS grows it northward from the south
// pole. All internal computation in this module uses XYZ; TMS appears
// only at the MBTiles storage boundary.
type Scheme int

const (
	XYZ Scheme = iota
	TMS
)

func (s Scheme) String() string {
	if s == TMS {
		return "tms"
	}
	return "xyz"
}

// Position selects which point within a tile TileToLonLat resolves to.
type Position int

const (
	TopLeft Position = iota
	Center
	BottomRight
)

// Coord identifies a single tile.
type Coord struct {
	Z, X, Y int
	Scheme  Scheme
}

// BBox is a bounding box in EPSG:4326 degrees.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// Clamp returns b with longitudes clamped to [-180, 180] and latitudes
// clamped to the Web Mercator valid range.
func (b BBox) Clamp() BBox {
	return BBox{
		MinLon: clamp(b.MinLon, -180, 180),
		MaxLon: clamp(b.MaxLon, -180, 180),
		MinLat: clamp(b.MinLat, MinLat, MaxLat),
		MaxLat: clamp(b.MaxLat, MinLat, MaxLat),
	}
}

// Union returns the smallest BBox containing both b and other.
func (b BBox) Union(other BBox) BBox {
	return BBox{
		MinLon: math.Min(b.MinLon, other.MinLon),
		MinLat: math.Min(b.MinLat, other.MinLat),
		MaxLon: math.Max(b.MaxLon, other.MaxLon),
		MaxLat: math.Max(b.MaxLat, other.MaxLat),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// maxTileIndex returns 2^z - 1, the largest valid x or y at zoom z.
func maxTileIndex(z int) int {
	return (1 << uint(z)) - 1
}

func clampTileIndex(v, z int) int {
	max := maxTileIndex(z)
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// lonLatToTileXY performs the forward Web Mercator projection to
// fractional tile coordinates, without clamping to integer tile indices.
func lonLatToTileXY(lon, lat float64, z int) (x, y float64) {
	lat = clamp(lat, MinLat, MaxLat)
	lon = clamp(lon, -180, 180)

	n := math.Exp2(float64(z))
	x = (lon + 180.0) / 360.0 * n

	latRad := lat * math.Pi / 180.0
	y = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n

	return x, y
}

// LonLatToTile converts a longitude/latitude pair to the XYZ tile
// containing it at zoom z. tileSize is accepted for API symmetry with
// TileToLonLat; the standard Web Mercator tile grid does not depend on
// pixel size, only on zoom.
func LonLatToTile(lon, lat float64, z int, scheme Scheme, tileSize int) (x, y, zoom int) {
	fx, fy := lonLatToTileXY(lon, lat, z)
	x = clampTileIndex(int(math.Floor(fx)), z)
	y = clampTileIndex(int(math.Floor(fy)), z)
	if scheme == TMS {
		y = ToTMS(y, z)
	}
	return x, y, z
}

// TileToLonLat converts a tile coordinate back to a longitude/latitude
// pair at the requested position within the tile.
func TileToLonLat(x, y, z int, position Position, scheme Scheme, tileSize int) (lon, lat float64) {
	if scheme == TMS {
		y = ToXYZ(y, z)
	}

	n := math.Exp2(float64(z))

	var fx, fy float64
	switch position {
	case TopLeft:
		fx, fy = float64(x), float64(y)
	case BottomRight:
		fx, fy = float64(x+1), float64(y+1)
	default: // Center
		fx, fy = float64(x)+0.5, float64(y)+0.5
	}

	lon = fx/n*360.0 - 180.0

	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*fy/n)))
	lat = latRad * 180.0 / math.Pi

	return lon, lat
}

// ToTMS converts an XYZ row to its TMS equivalent at zoom z. The mapping
// is an involution, so the same function converts TMS back to XYZ; ToXYZ
// is provided as a named alias for call-site clarity.
func ToTMS(yXYZ, z int) int {
	return maxTileIndex(z) - yXYZ
}

// ToXYZ converts a TMS row to its XYZ equivalent at zoom z.
func ToXYZ(yTMS, z int) int {
	return maxTileIndex(z) - yTMS
}

// TileRangeForBBox computes the inclusive tile-index range covering bbox
// at zoom z. The returned range always satisfies yMin <= yMax in the
// requested scheme: for TMS, the natural inversion of y is normalized
// here rather than left for the caller to discover, per spec section 9's
// requirement that coverage planning always hands the store yMin <= yMax
// in XYZ, with only the store itself converting to TMS.
func TileRangeForBBox(bbox BBox, z int, scheme Scheme) (xMin, xMax, yMin, yMax int) {
	bbox = bbox.Clamp()

	// Nudge corners a hair inward so a bbox that lands exactly on a tile
	// boundary (as BBoxFromTileRange's output always does) resolves to
	// the tile it bounds rather than drifting into its neighbor due to
	// floating point rounding at the boundary itself.
	const epsilon = 1e-9
	x0, y0 := lonLatToTileXY(bbox.MinLon+epsilon, bbox.MaxLat-epsilon, z) // top-left (north-west)
	x1, y1 := lonLatToTileXY(bbox.MaxLon-epsilon, bbox.MinLat+epsilon, z) // bottom-right (south-east)

	xMin = clampTileIndex(int(math.Floor(x0)), z)
	xMax = clampTileIndex(int(math.Floor(x1)), z)
	yMinXYZ := clampTileIndex(int(math.Floor(y0)), z)
	yMaxXYZ := clampTileIndex(int(math.Floor(y1)), z)

	if xMin > xMax {
		xMin, xMax = xMax, xMin
	}
	if yMinXYZ > yMaxXYZ {
		yMinXYZ, yMaxXYZ = yMaxXYZ, yMinXYZ
	}

	if scheme == TMS {
		yMin = ToTMS(yMaxXYZ, z)
		yMax = ToTMS(yMinXYZ, z)
	} else {
		yMin, yMax = yMinXYZ, yMaxXYZ
	}

	return xMin, xMax, yMin, yMax
}

// BBoxFromTileRange returns the outer geographic extent of an inclusive
// tile-index range.
func BBoxFromTileRange(xMin, yMin, xMax, yMax, z int, scheme Scheme) BBox {
	if xMin > xMax {
		xMin, xMax = xMax, xMin
	}
	if yMin > yMax {
		yMin, yMax = yMax, yMin
	}
	if scheme == TMS {
		yMin, yMax = ToXYZ(yMax, z), ToXYZ(yMin, z)
		scheme = XYZ
	}

	nwLon, nwLat := TileToLonLat(xMin, yMin, z, TopLeft, scheme, DefaultTileSize)
	seLon, seLat := TileToLonLat(xMax, yMax, z, BottomRight, scheme, DefaultTileSize)

	return BBox{
		MinLon: math.Min(nwLon, seLon),
		MaxLon: math.Max(nwLon, seLon),
		MinLat: math.Min(nwLat, seLat),
		MaxLat: math.Max(nwLat, seLat),
	}
}

// CoverageGrid splits bbox into a set of cells aligned to a lonStep x
// latStep grid, keeping any head/tail residual cells at the edges rather
// than dropping or resizing them.
func CoverageGrid(bbox BBox, lonStep, latStep float64) []BBox {
	if lonStep <= 0 || latStep <= 0 {
		return []BBox{bbox}
	}
	bbox = bbox.Clamp()

	var cells []BBox
	for lat := bbox.MinLat; lat < bbox.MaxLat; lat += latStep {
		top := math.Min(lat+latStep, bbox.MaxLat)
		for lon := bbox.MinLon; lon < bbox.MaxLon; lon += lonStep {
			right := math.Min(lon+lonStep, bbox.MaxLon)
			cells = append(cells, BBox{
				MinLon: lon, MinLat: lat,
				MaxLon: right, MaxLat: top,
			})
		}
	}
	return cells
}

// TileCount returns the number of tiles in an inclusive range.
func TileCount(xMin, xMax, yMin, yMax int) int {
	if xMax < xMin || yMax < yMin {
		return 0
	}
	return (xMax - xMin + 1) * (yMax - yMin + 1)
}
