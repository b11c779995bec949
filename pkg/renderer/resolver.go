// Package renderer implements the bounded rasterizer pool and resource
// resolver (spec section 4.10): the pool hands out opaque rasterizer
// handles, and the resolver answers the resource requests a rasterizer
// issues while rendering a style (glyphs, sprites, source tiles,
// GeoJSON, remote HTTP, inline data URLs).
package renderer

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/nervsystems/tileengine/pkg/registry"
	"github.com/nervsystems/tileengine/pkg/rescache"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
)

// RequestKind tells the resolver what fallback to substitute on an
// http(s) failure: spec section 4.10 only names fallbacks for tile and
// font requests.
type RequestKind int

const (
	KindOther RequestKind = iota
	KindTile
	KindFont
	KindSprite
	KindGeoJSON
)

// ResourceRequest is the message a rasterizer sends the resolver: the
// pseudo-URL it wants resolved, and what kind of resource it expects
// back (for fallback substitution on failure).
type ResourceRequest struct {
	URL    string
	Kind   RequestKind
	Format tileformat.Format // the tile format to fall back to, when Kind == KindTile
}

// ResourceResponse carries the resolved bytes, or an error if resolution
// failed and no fallback applies.
type ResourceResponse struct {
	Data []byte
}

// Resolver satisfies ResourceRequests by dispatching on the request
// URL's scheme to the tile store registry, the resource cache, an HTTP
// client, or inline data-URL decoding.
type Resolver struct {
	Registry *registry.Registry
	Cache    *rescache.Cache
}

// NewResolver builds a Resolver over reg (tile store archives) and cache
// (sprite/font/geojson resources).
func NewResolver(reg *registry.Registry, cache *rescache.Cache) *Resolver {
	return &Resolver{Registry: reg, Cache: cache}
}

// Resolve answers one ResourceRequest per spec section 4.10's scheme
// dispatch table, decompressing gzip/deflate-prefixed payloads before
// returning.
func (r *Resolver) Resolve(ctx context.Context, req ResourceRequest) (ResourceResponse, error) {
	data, err := r.resolveRaw(ctx, req)
	if err != nil {
		if req.Kind == KindTile || req.Kind == KindFont {
			if fb, ok := fallbackFor(req); ok {
				return ResourceResponse{Data: fb}, nil
			}
		}
		return ResourceResponse{}, err
	}
	return ResourceResponse{Data: decompress(data)}, nil
}

func (r *Resolver) resolveRaw(ctx context.Context, req ResourceRequest) ([]byte, error) {
	if strings.HasPrefix(req.URL, "data:") {
		return decodeDataURL(req.URL)
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Validation, "renderer.Resolve", "parsing resource URL", err)
	}

	switch u.Scheme {
	case "sprites":
		return r.Cache.Get(ctx, rescache.Spec{Path: "sprites/" + u.Host + u.Path})
	case "fonts":
		return r.Cache.Get(ctx, rescache.Spec{Path: "fonts/" + u.Host + u.Path})
	case "geojson":
		return r.Cache.Get(ctx, rescache.Spec{Path: "geojson/" + u.Host + u.Path})
	case "mbtiles":
		return r.resolveArchiveTile(ctx, registry.KindMBTiles, u)
	case "xyz":
		return r.resolveArchiveTile(ctx, registry.KindXYZ, u)
	case "pg":
		return r.resolveArchiveTile(ctx, registry.KindPG, u)
	case "pmtiles":
		return nil, tileerrors.New(tileerrors.Validation, "renderer.Resolve", "pmtiles archives are an unsupported external reader")
	case "http", "https":
		return r.Cache.Get(ctx, rescache.Spec{Path: httpCacheKey(req.URL), SourceURL: req.URL, StoreCache: false})
	default:
		return nil, tileerrors.New(tileerrors.Validation, "renderer.Resolve", fmt.Sprintf("unknown resource scheme %q", u.Scheme))
	}
}

// httpCacheKey derives a resource-cache path for a plain HTTP(S) fetch
// that is not written back to disk; the path only needs to be stable
// for the duration of one in-flight dedup, not globally unique forever.
func httpCacheKey(rawURL string) string {
	return "http/" + strings.Trim(strings.NewReplacer("://", "/", ":", "_").Replace(rawURL), "/")
}

// resolveArchiveTile parses "<id>/<z>/<x>/<y>.<ext>" out of u and reads
// the tile through the registered store.TileStore for that archive.
func (r *Resolver) resolveArchiveTile(ctx context.Context, kind registry.Kind, u *url.URL) ([]byte, error) {
	id := u.Host
	z, x, y, err := parseZXY(u.Path)
	if err != nil {
		return nil, err
	}

	st, err := r.Registry.Get(kind, id)
	if err != nil {
		return nil, err
	}

	data, _, err := st.GetTile(ctx, z, x, y)
	return data, err
}

// parseZXY parses the "/z/x/y.ext" path segment of an archive pseudo-URL.
func parseZXY(path string) (z, x, y int, err error) {
	path = strings.TrimPrefix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return 0, 0, 0, tileerrors.New(tileerrors.Validation, "renderer.parseZXY", "expected /z/x/y.ext path")
	}

	yPart := parts[2]
	if dot := strings.LastIndex(yPart, "."); dot >= 0 {
		yPart = yPart[:dot]
	}

	z, zErr := strconv.Atoi(parts[0])
	x, xErr := strconv.Atoi(parts[1])
	y, yErr := strconv.Atoi(yPart)
	if zErr != nil || xErr != nil || yErr != nil {
		return 0, 0, 0, tileerrors.New(tileerrors.Validation, "renderer.parseZXY", "non-numeric tile coordinate")
	}
	return z, x, y, nil
}

// decodeDataURL decodes a "data:[<mediatype>][;base64],<data>" URL. Only
// the base64 form is supported; the spec's resolver table only requires
// "base64 decode".
func decodeDataURL(raw string) ([]byte, error) {
	rest := strings.TrimPrefix(raw, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, tileerrors.New(tileerrors.Validation, "renderer.decodeDataURL", "malformed data URL")
	}
	meta, payload := rest[:comma], rest[comma+1:]
	if !strings.Contains(meta, "base64") {
		return nil, tileerrors.New(tileerrors.Validation, "renderer.decodeDataURL", "only base64 data URLs are supported")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Validation, "renderer.decodeDataURL", "decoding base64 payload", err)
	}
	return data, nil
}

// decompress strips a detected gzip/deflate wrapper off data, per spec
// section 4.2/4.10. Undecodable or unwrapped payloads pass through
// unchanged.
func decompress(data []byte) []byte {
	_, encoding := tileformat.Sniff(data)
	switch encoding {
	case tileformat.EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return data
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return data
		}
		return out
	case tileformat.EncodingDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return data
		}
		return out
	default:
		return data
	}
}
