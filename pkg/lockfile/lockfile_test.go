package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileCreatesFileAndCleansUpTemps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.png")

	require.NoError(t, WriteFile(context.Background(), path, []byte("data")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "tile.png.lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	err = Acquire(ctx, lockPath)
	assert.Error(t, err)
}

func TestRemoveFileIsNotErrorWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "absent.png")
	assert.NoError(t, RemoveFile(context.Background(), path))
}

func TestWriteFileThenRewriteOverwritesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.png")

	require.NoError(t, WriteFile(context.Background(), path, []byte("v1")))
	require.NoError(t, WriteFile(context.Background(), path, []byte("v2")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}
