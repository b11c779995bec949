package renderer

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/registry"
	"github.com/nervsystems/tileengine/pkg/rescache"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
)

type stubStore struct {
	tiles map[string][]byte
}

func (s *stubStore) Close() error { return nil }
func (s *stubStore) GetTile(ctx context.Context, z, x, y int) ([]byte, store.Headers, error) {
	data, ok := s.tiles[store.TileKey(z, x, y)]
	if !ok {
		return nil, store.Headers{}, tileerrors.New(tileerrors.NotFound, "stubStore.GetTile", "miss")
	}
	return data, store.Headers{}, nil
}
func (s *stubStore) PutTile(ctx context.Context, z, x, y int, data []byte, storeTransparent bool) error {
	return nil
}
func (s *stubStore) DeleteTile(ctx context.Context, z, x, y int) error { return nil }
func (s *stubStore) TileHash(ctx context.Context, z, x, y int) (string, error) {
	return "", nil
}
func (s *stubStore) TileCreated(ctx context.Context, z, x, y int) (time.Time, error) {
	return time.Time{}, nil
}
func (s *stubStore) ExtraInfoForCoverage(ctx context.Context, plan coverage.Plan, mode store.ExtraInfoMode) (map[string]string, error) {
	return nil, nil
}
func (s *stubStore) GetMetadata(ctx context.Context) (store.Metadata, error) { return store.Metadata{}, nil }
func (s *stubStore) UpdateMetadata(ctx context.Context, updates store.Metadata) error { return nil }
func (s *stubStore) Count(ctx context.Context) (int64, error) { return 0, nil }
func (s *stubStore) Size(ctx context.Context) (int64, error)  { return 0, nil }

func newTestResolver(t *testing.T) (*Resolver, *registry.Registry, *rescache.Cache) {
	reg := registry.New()
	cache, err := rescache.Open(t.TempDir())
	require.NoError(t, err)
	return NewResolver(reg, cache), reg, cache
}

func TestResolveMBTilesSchemeReadsThroughRegistry(t *testing.T) {
	r, reg, _ := newTestResolver(t)
	st := &stubStore{tiles: map[string][]byte{store.TileKey(3, 1, 2): []byte("tile-bytes")}}
	reg.Register(registry.KindMBTiles, "basemap", st)

	resp, err := r.Resolve(context.Background(), ResourceRequest{URL: "mbtiles://basemap/3/1/2.png", Kind: KindTile})
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-bytes"), resp.Data)
}

func TestResolveUnregisteredArchiveFallsBackOnTileRequest(t *testing.T) {
	r, _, _ := newTestResolver(t)

	resp, err := r.Resolve(context.Background(), ResourceRequest{URL: "xyz://missing/1/0/0.png", Kind: KindTile, Format: tileformat.PNG})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Data)
}

func TestResolvePmtilesSchemeIsUnsupportedArchiveError(t *testing.T) {
	r, _, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), ResourceRequest{URL: "pmtiles://archive/1/0/0.pbf", Kind: KindOther})
	require.Error(t, err)
	kind, ok := tileerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, tileerrors.Validation, kind)
}

func TestResolveDataURLDecodesBase64(t *testing.T) {
	r, _, _ := newTestResolver(t)

	resp, err := r.Resolve(context.Background(), ResourceRequest{URL: "data:image/png;base64,aGVsbG8=", Kind: KindOther})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Data)
}

func TestResolveUnknownSchemeErrorsWithoutFallback(t *testing.T) {
	r, _, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), ResourceRequest{URL: "ftp://host/x", Kind: KindOther})
	require.Error(t, err)
	kind, ok := tileerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, tileerrors.Validation, kind)
}

func TestResolveHTTPSchemeFetchesAndDecompressesGzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("uncompressed-payload"))
	gw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	r, _, _ := newTestResolver(t)
	resp, err := r.Resolve(context.Background(), ResourceRequest{URL: srv.URL + "/tile.pbf", Kind: KindOther})
	require.NoError(t, err)
	assert.Equal(t, []byte("uncompressed-payload"), resp.Data)
}

func TestResolveHTTPFailureSubstitutesFallbackTile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r, _, _ := newTestResolver(t)
	resp, err := r.Resolve(context.Background(), ResourceRequest{URL: srv.URL + "/tile.png", Kind: KindTile, Format: tileformat.PNG})
	require.NoError(t, err)
	assert.Equal(t, fallbackPNG, resp.Data)
}

func TestResolveHTTPFailureSubstitutesFallbackFont(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r, _, _ := newTestResolver(t)
	resp, err := r.Resolve(context.Background(), ResourceRequest{URL: srv.URL + "/range.pbf", Kind: KindFont})
	require.NoError(t, err)
	assert.Equal(t, fallbackFont, resp.Data)
}

func TestResolveSpritesSchemeReadsThroughResourceCache(t *testing.T) {
	r, _, cache := newTestResolver(t)
	require.NoError(t, cache.Put(context.Background(), "sprites/basemap/sprite.png", []byte("sprite-bytes")))

	resp, err := r.Resolve(context.Background(), ResourceRequest{URL: "sprites://basemap/sprite.png", Kind: KindSprite})
	require.NoError(t, err)
	assert.Equal(t, []byte("sprite-bytes"), resp.Data)
}
