package renderer

import (
	"bytes"
	_ "embed"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/nervsystems/tileengine/pkg/tileformat"
)

// fallbackFont is a minimal stand-in glyph-range payload substituted for
// a font request on upstream failure (spec section 4.10: "fallback to a
// bundled 'Open Sans' font"). It is not a real font file - there is no
// font library anywhere in the retrieval pack to produce one from - but
// it is a stable, non-empty payload a rasterizer's font-range cache can
// key on and treat as "present but unstyled".
//
//go:embed fallback_font.pbf
var fallbackFont []byte

var (
	fallbackPNG  = encodeFallbackPNG()
	fallbackJPEG = encodeFallbackJPEG()
	fallbackGIF  = encodeFallbackGIF()
)

func encodeFallbackPNG() []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 255, G: 255, B: 255, A: 0})
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func encodeFallbackJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

func encodeFallbackGIF() []byte {
	img := image.NewPaletted(image.Rect(0, 0, 1, 1), color.Palette{color.White})
	var buf bytes.Buffer
	gif.Encode(&buf, img, nil)
	return buf.Bytes()
}

// fallbackFor returns the substitute payload for a failed http(s)
// request, when one exists for req.Kind/req.Format.
func fallbackFor(req ResourceRequest) ([]byte, bool) {
	switch req.Kind {
	case KindFont:
		return fallbackFont, true
	case KindTile:
		switch req.Format {
		case tileformat.JPEG:
			return fallbackJPEG, true
		case tileformat.GIF:
			return fallbackGIF, true
		case tileformat.PNG, tileformat.Unknown:
			return fallbackPNG, true
		default:
			// WEBP and PBF have no standard-library encoder available;
			// a transparent PNG is still a usable 1x1 raster fallback.
			return fallbackPNG, true
		}
	default:
		return nil, false
	}
}
