package tileformat

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffPNG(t *testing.T) {
	data := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, 0, 0, 0)
	f, enc := Sniff(data)
	assert.Equal(t, PNG, f)
	assert.Equal(t, EncodingNone, enc)
}

func TestSniffJPEG(t *testing.T) {
	data := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	f, _ := Sniff(data)
	assert.Equal(t, JPEG, f)
}

func TestSniffGIF(t *testing.T) {
	f, _ := Sniff([]byte("GIF89a..."))
	assert.Equal(t, GIF, f)
	f, _ = Sniff([]byte("GIF87a..."))
	assert.Equal(t, GIF, f)
}

func TestSniffWEBP(t *testing.T) {
	data := append([]byte("RIFF"), 0, 0, 0, 0)
	data = append(data, []byte("WEBP")...)
	f, _ := Sniff(data)
	assert.Equal(t, WEBP, f)
}

func TestSniffPBFWithEncoding(t *testing.T) {
	f, enc := Sniff([]byte{0x1F, 0x8B, 0, 0})
	assert.Equal(t, PBF, f)
	assert.Equal(t, EncodingGzip, enc)

	f, enc = Sniff([]byte{0x78, 0x9C, 0, 0})
	assert.Equal(t, PBF, f)
	assert.Equal(t, EncodingDeflate, enc)

	f, enc = Sniff([]byte{0x01, 0x02, 0x03})
	assert.Equal(t, PBF, f)
	assert.Equal(t, EncodingNone, enc)
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, PNG, ParseFormat("png"))
	assert.Equal(t, JPEG, ParseFormat("jpg"))
	assert.Equal(t, JPEG, ParseFormat("jpeg"))
	assert.Equal(t, WEBP, ParseFormat("webp"))
	assert.Equal(t, GIF, ParseFormat("gif"))
	assert.Equal(t, PBF, ParseFormat("pbf"))
	assert.Equal(t, Unknown, ParseFormat("bogus"))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "jpg", JPEG.Extension())
	assert.Equal(t, "png", PNG.Extension())
	assert.Equal(t, "pbf", PBF.Extension())
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsFullyTransparentPNG(t *testing.T) {
	transparent := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			transparent.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 0})
		}
	}
	assert.True(t, IsFullyTransparentPNG(encodePNG(t, transparent)))

	opaque := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			opaque.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	assert.False(t, IsFullyTransparentPNG(encodePNG(t, opaque)))

	mixed := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	mixed.Set(0, 0, color.NRGBA{A: 0})
	mixed.Set(1, 1, color.NRGBA{A: 255})
	assert.False(t, IsFullyTransparentPNG(encodePNG(t, mixed)))
}

func TestIsFullyTransparentPNGRejectsNonPNG(t *testing.T) {
	assert.False(t, IsFullyTransparentPNG([]byte("not a png")))
}
