package render

import (
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/nervsystems/tileengine/pkg/renderer"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
)

// encode serializes a raw RGBA buffer into the archive's tile format
// (spec section 4.11: "encode raw RGBA to the archive's format").
func encode(px renderer.RGBA, format tileformat.Format) ([]byte, error) {
	img := toNRGBA(px)

	var buf bytes.Buffer
	switch format {
	case tileformat.PNG, tileformat.Unknown:
		if err := png.Encode(&buf, img); err != nil {
			return nil, tileerrors.Wrap(tileerrors.Fatal, "render.encode", "encoding PNG", err)
		}
	case tileformat.JPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, tileerrors.Wrap(tileerrors.Fatal, "render.encode", "encoding JPEG", err)
		}
	case tileformat.GIF:
		if err := gif.Encode(&buf, img, nil); err != nil {
			return nil, tileerrors.Wrap(tileerrors.Fatal, "render.encode", "encoding GIF", err)
		}
	default:
		return nil, tileerrors.New(tileerrors.Validation, "render.encode", "no standard-library encoder for format "+format.String())
	}
	return buf.Bytes(), nil
}

func toNRGBA(px renderer.RGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, px.Width, px.Height))
	copy(img.Pix, px.Pix)
	return img
}

// downscale2x halves a 2*size x 2*size RGBA buffer to size x size by
// box-averaging each 2x2 block - the fidelity workaround spec section
// 4.11 calls for at z=0 with tileSize=256.
func downscale2x(px renderer.RGBA) renderer.RGBA {
	srcW, srcH := px.Width, px.Height
	dstW, dstH := srcW/2, srcH/2
	out := make([]byte, dstW*dstH*4)

	for y := 0; y < dstH; y++ {
		for x := 0; x < dstW; x++ {
			var r, g, b, a uint32
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					sx, sy := x*2+dx, y*2+dy
					i := (sy*srcW + sx) * 4
					r += uint32(px.Pix[i])
					g += uint32(px.Pix[i+1])
					b += uint32(px.Pix[i+2])
					a += uint32(px.Pix[i+3])
				}
			}
			o := (y*dstW + x) * 4
			out[o] = byte(r / 4)
			out[o+1] = byte(g / 4)
			out[o+2] = byte(b / 4)
			out[o+3] = byte(a / 4)
		}
	}

	return renderer.RGBA{Pix: out, Width: dstW, Height: dstH}
}
