// Package style implements the style JSON validator and resolver (spec
// section 4.14): checking that every local reference in a map style
// names an archive that actually exists, and rewriting those local
// references into concrete scheme-prefixed tile templates before the
// style is handed to a rasterizer.
package style

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/nervsystems/tileengine/pkg/registry"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

// Options supplies the registries style validation and rendering
// consult to decide whether a local reference is resolvable. Registry
// covers the three tile-store archive kinds (mbtiles/xyz/pg); sprite
// and geojson archives live in the resource cache (C13) rather than the
// store registry, so their known ids are passed separately.
type Options struct {
	Registry     *registry.Registry
	KnownSprites map[string]bool
	KnownGeoJSON map[string]bool
}

func (o Options) hasSprite(id string) bool  { return o.KnownSprites != nil && o.KnownSprites[id] }
func (o Options) hasGeoJSON(id string) bool { return o.KnownGeoJSON != nil && o.KnownGeoJSON[id] }

func fail(op, format string, args ...any) error {
	return tileerrors.New(tileerrors.Validation, op, fmt.Sprintf(format, args...))
}

func hasRemotePrefix(raw string) bool {
	return strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://")
}

// parseArchiveRef splits a "<scheme>://<id>/..." reference into the
// registry kind and archive id, if scheme is one of the three tile
// store backends.
func parseArchiveRef(raw string) (registry.Kind, string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	switch u.Scheme {
	case string(registry.KindMBTiles):
		return registry.KindMBTiles, u.Host, true
	case string(registry.KindXYZ):
		return registry.KindXYZ, u.Host, true
	case string(registry.KindPG):
		return registry.KindPG, u.Host, true
	default:
		return "", "", false
	}
}

// ValidateStyle enforces spec section 4.14's rules over a map style's
// glyphs, sprite, and per-source url/urls/tiles/data references.
func ValidateStyle(styleJSON []byte, opts Options) error {
	var m map[string]any
	if err := json.Unmarshal(styleJSON, &m); err != nil {
		return tileerrors.Wrap(tileerrors.Validation, "style.ValidateStyle", "parsing style JSON", err)
	}

	if glyphs, ok := m["glyphs"].(string); ok {
		if !strings.HasPrefix(glyphs, "fonts://") && !hasRemotePrefix(glyphs) {
			return fail("style.ValidateStyle", "glyphs %q must start with fonts://, https://, or http://", glyphs)
		}
	}

	if sprite, ok := m["sprite"].(string); ok {
		if err := validateSpriteRef(sprite, opts); err != nil {
			return err
		}
	}

	sources, _ := m["sources"].(map[string]any)
	for name, raw := range sources {
		src, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := validateSource(name, src, opts); err != nil {
			return err
		}
	}

	return nil
}

func validateSpriteRef(sprite string, opts Options) error {
	if hasRemotePrefix(sprite) {
		return nil
	}
	if !strings.HasPrefix(sprite, "sprites://") {
		return fail("style.ValidateStyle", "sprite %q must start with sprites://, https://, or http://", sprite)
	}
	id := spriteArchiveID(sprite)
	if !opts.hasSprite(id) {
		return fail("style.ValidateStyle", "sprite archive %q is not registered", id)
	}
	return nil
}

func spriteArchiveID(raw string) string {
	rest := strings.TrimPrefix(raw, "sprites://")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func validateSource(name string, src map[string]any, opts Options) error {
	if ref, ok := src["url"].(string); ok {
		if err := validateTileRef(ref, opts); err != nil {
			return fmt.Errorf("source %q: %w", name, err)
		}
	}
	if urls, ok := src["urls"].([]any); ok {
		for _, raw := range urls {
			s, _ := raw.(string)
			if err := validateTileRef(s, opts); err != nil {
				return fmt.Errorf("source %q: %w", name, err)
			}
		}
	}
	if tiles, ok := src["tiles"].([]any); ok {
		for _, raw := range tiles {
			s, _ := raw.(string)
			if err := validateTileRef(s, opts); err != nil {
				return fmt.Errorf("source %q: %w", name, err)
			}
		}
	}
	if data, ok := src["data"].(string); ok {
		if err := validateGeoJSONRef(data, opts); err != nil {
			return fmt.Errorf("source %q: %w", name, err)
		}
	}
	return nil
}

func validateTileRef(raw string, opts Options) error {
	if hasRemotePrefix(raw) {
		return nil
	}
	kind, id, ok := parseArchiveRef(raw)
	if !ok {
		return fail("style.ValidateStyle", "reference %q uses an unrecognized scheme", raw)
	}
	if opts.Registry == nil || !opts.Registry.Has(kind, id) {
		return fail("style.ValidateStyle", "%s archive %q is not registered", kind, id)
	}
	return nil
}

func validateGeoJSONRef(raw string, opts Options) error {
	if strings.HasPrefix(raw, "data:") || hasRemotePrefix(raw) {
		return nil
	}
	if strings.HasPrefix(raw, "geojson://") {
		id := spriteArchiveID(strings.Replace(raw, "geojson://", "sprites://", 1))
		if !opts.hasGeoJSON(id) {
			return fail("style.ValidateStyle", "geojson archive %q is not registered", id)
		}
		return nil
	}
	return fail("style.ValidateStyle", "data reference %q must be data:, geojson://, https://, or http://", raw)
}

// RenderStyleJSON rewrites every local source reference in styleJSON
// into a concrete scheme-prefixed tile template
// (<archive-type>://<id>/{z}/{x}/{y}.<format>), collapsing url/urls
// into tiles[] along the way. Remote https/http references, and
// sprite/glyphs/data references (resolved by the resource cache rather
// than an archive's tile format), are left untouched. Callers should
// run ValidateStyle first; RenderStyleJSON returns the same error types
// on an unresolvable local reference.
func RenderStyleJSON(ctx context.Context, styleJSON []byte, opts Options) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(styleJSON, &m); err != nil {
		return nil, tileerrors.Wrap(tileerrors.Validation, "style.RenderStyleJSON", "parsing style JSON", err)
	}

	sources, _ := m["sources"].(map[string]any)
	for name, raw := range sources {
		src, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := rewriteSource(ctx, src, opts); err != nil {
			return nil, fmt.Errorf("source %q: %w", name, err)
		}
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "style.RenderStyleJSON", "marshaling rewritten style", err)
	}
	return out, nil
}

func rewriteSource(ctx context.Context, src map[string]any, opts Options) error {
	var refs []string

	if ref, ok := src["url"].(string); ok {
		refs = append(refs, ref)
		delete(src, "url")
	}
	if urls, ok := src["urls"].([]any); ok {
		for _, raw := range urls {
			if s, ok := raw.(string); ok {
				refs = append(refs, s)
			}
		}
		delete(src, "urls")
	}
	if tiles, ok := src["tiles"].([]any); ok {
		for _, raw := range tiles {
			if s, ok := raw.(string); ok {
				refs = append(refs, s)
			}
		}
	}

	if len(refs) == 0 {
		return nil
	}

	rewritten := make([]any, 0, len(refs))
	for _, ref := range refs {
		t, err := resolveTileTemplate(ctx, ref, opts)
		if err != nil {
			return err
		}
		rewritten = append(rewritten, t)
	}
	src["tiles"] = rewritten
	return nil
}

// resolveTileTemplate turns a single source reference into the concrete
// tile template the resolver (C10) will dispatch on: remote URLs pass
// through unchanged, an already-templated local reference ("{z}" already
// present) passes through, and a bare archive reference is expanded
// using that archive's declared format.
func resolveTileTemplate(ctx context.Context, raw string, opts Options) (string, error) {
	if hasRemotePrefix(raw) {
		return raw, nil
	}

	kind, id, ok := parseArchiveRef(raw)
	if !ok {
		return "", fail("style.RenderStyleJSON", "reference %q uses an unrecognized scheme", raw)
	}
	if strings.Contains(raw, "{z}") {
		return raw, nil
	}
	if opts.Registry == nil {
		return "", fail("style.RenderStyleJSON", "%s archive %q is not registered", kind, id)
	}
	st, err := opts.Registry.Get(kind, id)
	if err != nil {
		return "", err
	}
	md, err := st.GetMetadata(ctx)
	if err != nil {
		return "", tileerrors.Wrap(tileerrors.Transient, "style.RenderStyleJSON", "reading archive metadata", err)
	}
	format := md["format"]
	if format == "" {
		format = "png"
	}
	return fmt.Sprintf("%s://%s/{z}/{x}/{y}.%s", kind, id, format), nil
}
