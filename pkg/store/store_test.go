package store

import (
	"image"
	"image/color"
	"image/png"
	"testing"

	"bytes"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileMD5(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", TileMD5(nil))
	assert.NotEqual(t, TileMD5([]byte("a")), TileMD5([]byte("b")))
}

func TestShouldDropTransparent(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, color.NRGBA{A: 0})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	assert.True(t, ShouldDropTransparent(buf.Bytes(), false))
	assert.False(t, ShouldDropTransparent(buf.Bytes(), true))
	assert.False(t, ShouldDropTransparent([]byte("not a png"), false))
}

func TestParseAndFormatBounds(t *testing.T) {
	minLon, minLat, maxLon, maxLat, err := ParseBounds("-180,-85,180,85")
	require.NoError(t, err)
	assert.Equal(t, -180.0, minLon)
	assert.Equal(t, 85.0, maxLat)

	_, _, _, _, err = ParseBounds("1,2,3")
	assert.Error(t, err)
}

func TestDeriveCenter(t *testing.T) {
	center := DeriveCenter(-10, -10, 10, 10, 0, 5)
	assert.Equal(t, "0,0,2", center)
}

func TestApplyDerivedDefaultsFillsCenterFromBounds(t *testing.T) {
	meta := Metadata{"bounds": "-10,-10,10,10", "minzoom": "0", "maxzoom": "4"}
	out := ApplyDerivedDefaults(meta, [4]float64{}, false)
	assert.Equal(t, "0,0,2", out["center"])
}

func TestApplyDerivedDefaultsUsesObservedBoundsWhenMissing(t *testing.T) {
	out := ApplyDerivedDefaults(Metadata{}, [4]float64{1, 2, 3, 4}, true)
	assert.Equal(t, FormatBounds(1, 2, 3, 4), out["bounds"])
}

func TestIsRecognizedKey(t *testing.T) {
	assert.True(t, IsRecognizedKey("minzoom"))
	assert.False(t, IsRecognizedKey("bogus"))
}

func TestTileKey(t *testing.T) {
	assert.Equal(t, "4/1/2", TileKey(4, 1, 2))
}
