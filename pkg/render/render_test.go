package render

import (
	"bytes"
	"context"
	"image/png"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/freshness"
	"github.com/nervsystems/tileengine/pkg/registry"
	"github.com/nervsystems/tileengine/pkg/renderer"
	"github.com/nervsystems/tileengine/pkg/rescache"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
)

// memStore is the same minimal in-memory store.TileStore stand-in used
// by the seed engine's tests.
type memStore struct {
	tiles   map[string][]byte
	created map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{tiles: map[string][]byte{}, created: map[string]time.Time{}}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) GetTile(ctx context.Context, z, x, y int) ([]byte, store.Headers, error) {
	data, ok := m.tiles[store.TileKey(z, x, y)]
	if !ok {
		return nil, store.Headers{}, tileerrors.New(tileerrors.NotFound, "memStore.GetTile", "no such tile")
	}
	return data, store.Headers{}, nil
}

func (m *memStore) PutTile(ctx context.Context, z, x, y int, data []byte, storeTransparent bool) error {
	key := store.TileKey(z, x, y)
	m.tiles[key] = data
	m.created[key] = time.Now()
	return nil
}

func (m *memStore) DeleteTile(ctx context.Context, z, x, y int) error {
	key := store.TileKey(z, x, y)
	delete(m.tiles, key)
	delete(m.created, key)
	return nil
}

func (m *memStore) TileHash(ctx context.Context, z, x, y int) (string, error) {
	data, ok := m.tiles[store.TileKey(z, x, y)]
	if !ok {
		return "", tileerrors.New(tileerrors.NotFound, "memStore.TileHash", "no such tile")
	}
	return store.TileMD5(data), nil
}

func (m *memStore) TileCreated(ctx context.Context, z, x, y int) (time.Time, error) {
	t, ok := m.created[store.TileKey(z, x, y)]
	if !ok {
		return time.Time{}, tileerrors.New(tileerrors.NotFound, "memStore.TileCreated", "no such tile")
	}
	return t, nil
}

func (m *memStore) ExtraInfoForCoverage(ctx context.Context, plan coverage.Plan, mode store.ExtraInfoMode) (map[string]string, error) {
	out := map[string]string{}
	for _, zr := range plan.ZoomRanges {
		zr.Each(func(x, y int) {
			key := store.TileKey(zr.Zoom, x, y)
			data, ok := m.tiles[key]
			if !ok {
				return
			}
			if mode == store.ModeHash {
				out[key] = store.TileMD5(data)
			} else {
				out[key] = formatUnix(m.created[key])
			}
		})
	}
	return out, nil
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func (m *memStore) GetMetadata(ctx context.Context) (store.Metadata, error) { return store.Metadata{}, nil }
func (m *memStore) UpdateMetadata(ctx context.Context, updates store.Metadata) error {
	return nil
}
func (m *memStore) Count(ctx context.Context) (int64, error) { return int64(len(m.tiles)), nil }

func (m *memStore) Size(ctx context.Context) (int64, error) {
	var total int64
	for _, data := range m.tiles {
		total += int64(len(data))
	}
	return total, nil
}

func singleTilePlan(z, x, y int) coverage.Plan {
	return coverage.Plan{
		Total:      1,
		ZoomRanges: []coverage.ZoomRange{{Zoom: z, XMin: x, XMax: x, YMin: y, YMax: y}},
	}
}

func gridPlan(z, xMin, xMax, yMin, yMax int) coverage.Plan {
	zr := coverage.ZoomRange{Zoom: z, XMin: xMin, XMax: xMax, YMin: yMin, YMax: yMax}
	return coverage.Plan{Total: zr.Count(), ZoomRanges: []coverage.ZoomRange{zr}}
}

// fakeRasterizer returns a fixed-size solid buffer regardless of the
// requested view, counting how many times it was asked to render.
type fakeRasterizer struct {
	size   int
	calls  int32
	failOn int32 // if > 0, the call at this 1-based index fails
}

func (f *fakeRasterizer) Render(ctx context.Context, view renderer.View, resolve renderer.ResolveFunc) (renderer.RGBA, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.failOn > 0 && n == f.failOn {
		return renderer.RGBA{}, tileerrors.New(tileerrors.Transient, "fakeRasterizer.Render", "forced failure")
	}
	px := make([]byte, view.Width*view.Height*4)
	for i := range px {
		px[i] = 0xFF
	}
	return renderer.RGBA{Pix: px, Width: view.Width, Height: view.Height}, nil
}

func newTestResolver(t *testing.T) *renderer.Resolver {
	reg := registry.New()
	cache, err := rescache.Open(t.TempDir())
	require.NoError(t, err)
	return renderer.NewResolver(reg, cache)
}

func TestRunRendersAndWritesEveryTile(t *testing.T) {
	raster := &fakeRasterizer{}
	pool := renderer.NewPool(2, func() (renderer.Rasterizer, error) { return raster, nil })
	resolver := newTestResolver(t)

	st := newMemStore()
	plan := gridPlan(2, 0, 1, 0, 1)

	result, err := Run(context.Background(), st, plan, pool, resolver, Options{
		Concurrency: 2,
		TileSize:    256,
		Format:      tileformat.PNG,
	})

	require.NoError(t, err)
	assert.Equal(t, 4, result.Progress.Complete)
	assert.Equal(t, 0, result.Progress.Failed)
	n, _ := st.Count(context.Background())
	assert.Equal(t, int64(4), n)
}

func TestRunAppliesZoomZeroDoublingAndDownscale(t *testing.T) {
	raster := &fakeRasterizer{}
	pool := renderer.NewPool(1, func() (renderer.Rasterizer, error) { return raster, nil })
	resolver := newTestResolver(t)

	st := newMemStore()
	plan := singleTilePlan(0, 0, 0)

	result, err := Run(context.Background(), st, plan, pool, resolver, Options{
		Concurrency: 1,
		TileSize:    256,
		Format:      tileformat.PNG,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Progress.Complete)
	// the rasterizer should have been asked for a 512x512 buffer
	// (2x the 256 archive tile size) even though the stored PNG decodes
	// back down to a 256x256 image once downscale2x runs.
	data, _, err := st.GetTile(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 256, cfg.Height)
}

func TestRunHonorsRefreshBeforePolicyBySkippingFreshTiles(t *testing.T) {
	raster := &fakeRasterizer{}
	pool := renderer.NewPool(1, func() (renderer.Rasterizer, error) { return raster, nil })
	resolver := newTestResolver(t)

	st := newMemStore()
	require.NoError(t, st.PutTile(context.Background(), 5, 1, 1, []byte("already-there"), true))

	plan := singleTilePlan(5, 1, 1)
	result, err := Run(context.Background(), st, plan, pool, resolver, Options{
		Concurrency: 1,
		TileSize:    256,
		Format:      tileformat.PNG,
		Policy:      freshness.RefreshBeforePolicy(time.Now().Add(-time.Hour)),
	})

	require.NoError(t, err)
	assert.Equal(t, int32(0), raster.calls)
	assert.Equal(t, 1, result.Skipped)
}

func TestRunPropagatesRasterizerFailureAsCountedFailure(t *testing.T) {
	raster := &fakeRasterizer{failOn: 1}
	pool := renderer.NewPool(1, func() (renderer.Rasterizer, error) { return raster, nil })
	resolver := newTestResolver(t)

	st := newMemStore()
	plan := singleTilePlan(3, 1, 1)

	result, err := Run(context.Background(), st, plan, pool, resolver, Options{
		Concurrency: 1,
		TileSize:    256,
		Format:      tileformat.PNG,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Progress.Failed)
	assert.Equal(t, 0, result.Progress.Complete)
}

func TestRunReleasesRasterizerBackToPoolAfterEachTile(t *testing.T) {
	raster := &fakeRasterizer{}
	pool := renderer.NewPool(1, func() (renderer.Rasterizer, error) { return raster, nil })
	resolver := newTestResolver(t)

	st := newMemStore()
	plan := gridPlan(4, 0, 2, 0, 2) // 9 tiles through a pool of size 1

	result, err := Run(context.Background(), st, plan, pool, resolver, Options{
		Concurrency: 3,
		TileSize:    256,
		Format:      tileformat.PNG,
	})

	require.NoError(t, err)
	assert.Equal(t, 9, result.Progress.Complete)
	assert.Equal(t, int32(9), raster.calls)
}
