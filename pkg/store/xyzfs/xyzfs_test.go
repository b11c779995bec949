package xyzfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tilemath"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	data := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0}

	require.NoError(t, s.PutTile(ctx, 4, 3, 2, data, true))
	got, headers, err := s.GetTile(ctx, 4, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/png", headers.ContentType)
}

func TestGetMissingTileIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.GetTile(context.Background(), 1, 1, 1)
	assert.True(t, tileerrors.IsNotFound(err))
}

func TestPutWritesAtomicallyViaTempAndRename(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 0, 0, 0, []byte("data"), true))

	path := s.tilePath(0, 0, 0)
	_, err := os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteTileRemovesFileAndIndexRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 2, 1, 1, []byte("x"), true))
	require.NoError(t, s.DeleteTile(ctx, 2, 1, 1))

	_, _, err := s.GetTile(ctx, 2, 1, 1)
	assert.True(t, tileerrors.IsNotFound(err))
	_, err = s.TileHash(ctx, 2, 1, 1)
	assert.True(t, tileerrors.IsNotFound(err))
}

func TestTileHashMatchesStoredData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	data := []byte("payload")
	require.NoError(t, s.PutTile(ctx, 3, 0, 0, data, true))

	hash, err := s.TileHash(ctx, 3, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, store.TileMD5(data), hash)
}

func TestExtraInfoForCoverageReturnsStoredHashes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 2, 1, 1, []byte("hello"), true))

	cov := coverage.BBoxCoverage(2, tilemath.BBox{MinLon: -180, MinLat: -85, MaxLon: 180, MaxLat: 85})
	plan := coverage.Expand([]coverage.Coverage{cov}, nil)

	info, err := s.ExtraInfoForCoverage(ctx, plan, store.ModeHash)
	require.NoError(t, err)
	assert.Equal(t, store.TileMD5([]byte("hello")), info[store.TileKey(2, 1, 1)])
}

func TestPruneEmptyDirectoriesRemovesOrphanedDirs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 5, 1, 1, []byte("x"), true))
	require.NoError(t, s.DeleteTile(ctx, 5, 1, 1))

	require.NoError(t, s.PruneEmptyDirectories())

	_, err := os.Stat(filepath.Join(s.root, "5"))
	assert.True(t, os.IsNotExist(err))
}

func TestPruneEmptyDirectoriesKeepsDirsWithTiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 5, 1, 1, []byte("x"), true))

	require.NoError(t, s.PruneEmptyDirectories())

	_, err := os.Stat(filepath.Join(s.root, "5", "1"))
	assert.NoError(t, err)
}

func TestCountReflectsStoredTiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 0, 0, 0, []byte("a"), true))
	require.NoError(t, s.PutTile(ctx, 1, 0, 0, []byte("b"), true))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSizeSumsTileAndIndexFiles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTile(ctx, 0, 0, 0, []byte("some-tile-bytes"), true))

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))
}
