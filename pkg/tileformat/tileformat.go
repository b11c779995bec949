// Package tileformat identifies a tile's image/vector format and
// compression from its byte prefix, per spec section 4.2. It never trusts
// a Content-Type header; the byte sniff is authoritative.
package tileformat

import (
	"bytes"
	"image"
	"image/png"
)

// Format identifies a tile payload's encoding.
type Format int

const (
	Unknown Format = iota
	PNG
	JPEG
	WEBP
	GIF
	PBF
)

var formatStrings = [...]string{"unknown", "png", "jpg", "webp", "gif", "pbf"}

func (f Format) String() string {
	if int(f) < 0 || int(f) >= len(formatStrings) {
		return formatStrings[Unknown]
	}
	return formatStrings[f]
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case PNG:
		return "image/png"
	case JPEG:
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	case GIF:
		return "image/gif"
	case PBF:
		return "application/x-protobuf"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension (without leading dot) used when a
// tile of format f is laid out under an XYZ directory tree.
func (f Format) Extension() string {
	switch f {
	case JPEG:
		return "jpg"
	default:
		return f.String()
	}
}

// Encoding identifies a content-encoding detected on an otherwise opaque
// (PBF) payload.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingGzip
	EncodingDeflate
)

func (e Encoding) String() string {
	switch e {
	case EncodingGzip:
		return "gzip"
	case EncodingDeflate:
		return "deflate"
	default:
		return ""
	}
}

var (
	pngSignature  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegHead      = []byte{0xFF, 0xD8}
	jpegTail      = []byte{0xFF, 0xD9}
	gif87a        = []byte("GIF87a")
	gif89a        = []byte("GIF89a")
	riffHeader    = []byte("RIFF")
	webpMarker    = []byte("WEBP")
	deflateMarker = []byte{0x78, 0x9C}
	gzipMarker    = []byte{0x1F, 0x8B}
)

// Sniff identifies the format (and, for PBF payloads, any detected
// content-encoding) of data from its leading bytes.
func Sniff(data []byte) (Format, Encoding) {
	if bytes.HasPrefix(data, pngSignature) {
		return PNG, EncodingNone
	}
	if len(data) >= 4 && bytes.HasPrefix(data, jpegHead) && bytes.HasSuffix(data, jpegTail) {
		return JPEG, EncodingNone
	}
	if bytes.HasPrefix(data, gif87a) || bytes.HasPrefix(data, gif89a) {
		return GIF, EncodingNone
	}
	if len(data) >= 12 && bytes.HasPrefix(data, riffHeader) && bytes.Equal(data[8:12], webpMarker) {
		return WEBP, EncodingNone
	}

	// Anything else is treated as PBF; a gzip/deflate prefix on top of it
	// identifies the content-encoding so the caller can decompress.
	if bytes.HasPrefix(data, gzipMarker) {
		return PBF, EncodingGzip
	}
	if bytes.HasPrefix(data, deflateMarker) {
		return PBF, EncodingDeflate
	}
	return PBF, EncodingNone
}

// ParseFormat converts a metadata/extension string ("png", "jpg", "jpeg",
// "webp", "gif", "pbf") to a Format, defaulting to Unknown.
func ParseFormat(s string) Format {
	switch s {
	case "png":
		return PNG
	case "jpg", "jpeg":
		return JPEG
	case "webp":
		return WEBP
	case "gif":
		return GIF
	case "pbf":
		return PBF
	default:
		return Unknown
	}
}

// IsFullyTransparentPNG decodes data as a PNG and reports whether every
// pixel's alpha byte is zero. Non-PNG input, or input that fails to
// decode, is reported as not fully transparent so the caller's default
// is to keep the tile rather than silently discard it.
func IsFullyTransparentPNG(data []byte) bool {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}

	bounds := img.Bounds()
	switch im := img.(type) {
	case *image.NRGBA:
		for i := 3; i < len(im.Pix); i += 4 {
			if im.Pix[i] != 0 {
				return false
			}
		}
		return true
	case *image.RGBA:
		for i := 3; i < len(im.Pix); i += 4 {
			if im.Pix[i] != 0 {
				return false
			}
		}
		return true
	default:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				_, _, _, a := img.At(x, y).RGBA()
				if a != 0 {
					return false
				}
			}
		}
		return true
	}
}
