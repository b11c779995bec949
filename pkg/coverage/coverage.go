// Package coverage expands zoom/region coverage descriptions into tile
// ranges per spec section 4.7. A Coverage names a zoom level plus either a
// bounding box or a circle; Plan turns a list of them into the per-zoom
// tile ranges the pipeline driver and the store backends iterate over.
package coverage

import (
	"math"

	"github.com/nervsystems/tileengine/pkg/tilemath"
)

// earthRadiusMeters is used for the circle-to-bbox approximation; it
// matches the sphere the Web Mercator projection itself assumes.
const earthRadiusMeters = 6378137.0

// LonLat is a point in EPSG:4326 degrees.
type LonLat struct {
	Lon, Lat float64
}

// Circle describes a circular coverage region.
type Circle struct {
	Center       LonLat
	RadiusMeters float64
}

// Coverage is a zoom level paired with either a bounding box or a circle.
// Exactly one of BBox or Circle should be meaningful; Kind says which.
type Coverage struct {
	Zoom   int
	Kind   Kind
	BBox   tilemath.BBox
	Circle Circle
}

// Kind discriminates which region a Coverage carries.
type Kind int

const (
	KindBBox Kind = iota
	KindCircle
)

// BBoxCoverage constructs a bbox-shaped Coverage.
func BBoxCoverage(zoom int, bbox tilemath.BBox) Coverage {
	return Coverage{Zoom: zoom, Kind: KindBBox, BBox: bbox}
}

// CircleCoverage constructs a circle-shaped Coverage.
func CircleCoverage(zoom int, center LonLat, radiusMeters float64) Coverage {
	return Coverage{Zoom: zoom, Kind: KindCircle, Circle: Circle{Center: center, RadiusMeters: radiusMeters}}
}

// circleToBBox approximates a circle as its enclosing bounding box, the
// same simplification spec section 4.7 describes ("expands circle
// coverages into bbox-coverages").
func circleToBBox(c Circle) tilemath.BBox {
	latRad := c.Center.Lat * math.Pi / 180.0
	latDelta := (c.RadiusMeters / earthRadiusMeters) * (180.0 / math.Pi)

	cosLat := math.Cos(latRad)
	if cosLat < 1e-9 {
		cosLat = 1e-9
	}
	lonDelta := (c.RadiusMeters / (earthRadiusMeters * cosLat)) * (180.0 / math.Pi)

	return tilemath.BBox{
		MinLon: c.Center.Lon - lonDelta,
		MaxLon: c.Center.Lon + lonDelta,
		MinLat: c.Center.Lat - latDelta,
		MaxLat: c.Center.Lat + latDelta,
	}
}

// effectiveBBox returns the bbox a Coverage expands to, clipped to
// limitBBox when one is supplied.
func effectiveBBox(cov Coverage, limit *tilemath.BBox) tilemath.BBox {
	var b tilemath.BBox
	switch cov.Kind {
	case KindCircle:
		b = circleToBBox(cov.Circle)
	default:
		b = cov.BBox
	}
	b = b.Clamp()
	if limit != nil {
		l := limit.Clamp()
		b = tilemath.BBox{
			MinLon: math.Max(b.MinLon, l.MinLon),
			MinLat: math.Max(b.MinLat, l.MinLat),
			MaxLon: math.Min(b.MaxLon, l.MaxLon),
			MaxLat: math.Min(b.MaxLat, l.MaxLat),
		}
	}
	return b
}

// ZoomRange is the tile-index extent of one coverage at one zoom level,
// always expressed in XYZ with XMin <= XMax and YMin <= YMax per spec
// section 9's normalization rule.
type ZoomRange struct {
	Zoom           int
	XMin, XMax     int
	YMin, YMax     int
	RealBBox       tilemath.BBox
}

// Count returns the number of tiles spanned by this range.
func (r ZoomRange) Count() int {
	return tilemath.TileCount(r.XMin, r.XMax, r.YMin, r.YMax)
}

// Each calls fn once per tile coordinate in the range, row-major. It does
// no I/O and never suspends; suitable for building a work list fed to the
// pipeline driver.
func (r ZoomRange) Each(fn func(x, y int)) {
	for y := r.YMin; y <= r.YMax; y++ {
		for x := r.XMin; x <= r.XMax; x++ {
			fn(x, y)
		}
	}
}

// Plan is the result of expanding a list of coverages: the total tile
// count, the per-zoom tile ranges, and the union bounding box.
type Plan struct {
	Total      int
	ZoomRanges []ZoomRange
	RealBBox   tilemath.BBox
}

// Expand expands coverages into a Plan. limit, if non-nil, clips every
// coverage to that bounding box before tile-range conversion; this is
// processCoverages from spec section 4.7.
func Expand(coverages []Coverage, limit *tilemath.BBox) Plan {
	var plan Plan
	first := true

	for _, cov := range coverages {
		bbox := effectiveBBox(cov, limit)
		xMin, xMax, yMin, yMax := tilemath.TileRangeForBBox(bbox, cov.Zoom, tilemath.XYZ)
		realBBox := tilemath.BBoxFromTileRange(xMin, yMin, xMax, yMax, cov.Zoom, tilemath.XYZ)

		zr := ZoomRange{Zoom: cov.Zoom, XMin: xMin, XMax: xMax, YMin: yMin, YMax: yMax, RealBBox: realBBox}
		plan.ZoomRanges = append(plan.ZoomRanges, zr)
		plan.Total += zr.Count()

		if first {
			plan.RealBBox = realBBox
			first = false
		} else {
			plan.RealBBox = plan.RealBBox.Union(realBBox)
		}
	}

	return plan
}
