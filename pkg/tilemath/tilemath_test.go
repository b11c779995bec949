package tilemath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tileDiagonal(z int) float64 {
	lon0, lat0 := TileToLonLat(0, 0, z, TopLeft, XYZ, DefaultTileSize)
	lon1, lat1 := TileToLonLat(1, 1, z, TopLeft, XYZ, DefaultTileSize)
	return math.Hypot(lon1-lon0, lat1-lat0)
}

func TestLonLatTileRoundTrip(t *testing.T) {
	for z := 0; z <= 18; z++ {
		diag := tileDiagonal(z)
		for _, x := range []int{0, 1, maxTileIndex(z) / 2, maxTileIndex(z)} {
			for _, y := range []int{0, 1, maxTileIndex(z) / 2, maxTileIndex(z)} {
				lon, lat := TileToLonLat(x, y, z, Center, XYZ, DefaultTileSize)
				rx, ry, rz := LonLatToTile(lon, lat, z, XYZ, DefaultTileSize)
				assert.Equal(t, z, rz)
				assert.Equal(t, x, rx, "z=%d x=%d y=%d", z, x, y)
				assert.Equal(t, y, ry, "z=%d x=%d y=%d", z, x, y)

				rlon, rlat := TileToLonLat(rx, ry, rz, Center, XYZ, DefaultTileSize)
				assert.LessOrEqual(t, math.Hypot(rlon-lon, rlat-lat), diag+1e-9)
			}
		}
	}
}

func TestTileToLonLatMonotonic(t *testing.T) {
	for z := 0; z <= 20; z++ {
		max := maxTileIndex(z)
		for _, coord := range [][2]int{{0, 0}, {max / 2, max / 2}} {
			x, y := coord[0], coord[1]
			lon0, lat0 := TileToLonLat(x, y, z, TopLeft, XYZ, DefaultTileSize)
			lon1, lat1 := TileToLonLat(x+1, y+1, z, TopLeft, XYZ, DefaultTileSize)
			assert.LessOrEqual(t, lon0, lon1)
			assert.GreaterOrEqual(t, lat0, lat1, "XYZ latitude decreases as y increases")
		}
	}
}

func TestSchemeConversionInvolution(t *testing.T) {
	for z := 0; z <= 22; z++ {
		max := maxTileIndex(z)
		for _, y := range []int{0, max / 3, max} {
			tms := ToTMS(y, z)
			assert.Equal(t, max-y, tms)
			assert.Equal(t, y, ToXYZ(tms, z))
			assert.Equal(t, y, ToTMS(ToTMS(y, z), z), "scheme conversion is an involution")
		}
	}
}

func TestTileRangeForBBoxNormalizesYMinLessEqualYMax(t *testing.T) {
	bbox := BBox{MinLon: -10, MinLat: -5, MaxLon: 10, MaxLat: 5}
	for _, scheme := range []Scheme{XYZ, TMS} {
		_, _, yMin, yMax := TileRangeForBBox(bbox, 6, scheme)
		assert.LessOrEqual(t, yMin, yMax, "scheme=%v", scheme)
	}
}

func TestTileRangeBBoxRoundTrip(t *testing.T) {
	for _, scheme := range []Scheme{XYZ, TMS} {
		xMin, yMin, xMax, yMax := 3, 2, 7, 9
		z := 5
		bbox := BBoxFromTileRange(xMin, yMin, xMax, yMax, z, scheme)
		rxMin, rxMax, ryMin, ryMax := TileRangeForBBox(bbox, z, scheme)
		assert.Equal(t, xMin, rxMin)
		assert.Equal(t, xMax, rxMax)
		assert.Equal(t, yMin, ryMin)
		assert.Equal(t, yMax, ryMax)
	}
}

func TestTileRangeClampsOutOfRangeBBox(t *testing.T) {
	bbox := BBox{MinLon: -200, MinLat: -95, MaxLon: 200, MaxLat: 95}
	xMin, xMax, yMin, yMax := TileRangeForBBox(bbox, 2, XYZ)
	max := maxTileIndex(2)
	assert.Equal(t, 0, xMin)
	assert.Equal(t, max, xMax)
	assert.Equal(t, 0, yMin)
	assert.Equal(t, max, yMax)
}

func TestCoverageGridKeepsResiduals(t *testing.T) {
	bbox := BBox{MinLon: 0, MinLat: 0, MaxLon: 2.5, MaxLat: 1.2}
	cells := CoverageGrid(bbox, 1.0, 1.0)
	require.NotEmpty(t, cells)

	var union BBox
	first := true
	for _, c := range cells {
		if first {
			union = c
			first = false
		} else {
			union = union.Union(c)
		}
	}
	assert.InDelta(t, bbox.MinLon, union.MinLon, 1e-9)
	assert.InDelta(t, bbox.MinLat, union.MinLat, 1e-9)
	assert.InDelta(t, bbox.MaxLon, union.MaxLon, 1e-9)
	assert.InDelta(t, bbox.MaxLat, union.MaxLat, 1e-9)
}

func TestTileCount(t *testing.T) {
	assert.Equal(t, 4, TileCount(0, 1, 0, 1))
	assert.Equal(t, 1, TileCount(5, 5, 5, 5))
	assert.Equal(t, 0, TileCount(5, 2, 0, 1))
}

func TestBBoxClampToMercatorRange(t *testing.T) {
	b := BBox{MinLon: -200, MinLat: -95, MaxLon: 200, MaxLat: 95}.Clamp()
	assert.Equal(t, -180.0, b.MinLon)
	assert.Equal(t, 180.0, b.MaxLon)
	assert.Equal(t, MinLat, b.MinLat)
	assert.Equal(t, MaxLat, b.MaxLat)
}
