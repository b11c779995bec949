package renderer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRasterizer struct {
	id     int
	closed bool
}

func (f *fakeRasterizer) Render(ctx context.Context, view View, resolve ResolveFunc) (RGBA, error) {
	return RGBA{}, nil
}

func (f *fakeRasterizer) Close() error {
	f.closed = true
	return nil
}

func TestAcquireCreatesUpToMaxThenBlocks(t *testing.T) {
	var created int32
	pool := NewPool(2, func() (Rasterizer, error) {
		n := atomic.AddInt32(&created, 1)
		return &fakeRasterizer{id: int(n)}, nil
	})

	r1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), created)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.Error(t, err)

	pool.Release(r1)
	pool.Release(r2)
}

func TestReleaseMakesRasterizerReusable(t *testing.T) {
	var created int32
	pool := NewPool(1, func() (Rasterizer, error) {
		atomic.AddInt32(&created, 1)
		return &fakeRasterizer{}, nil
	})

	r1, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(r1)

	r2, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Equal(t, int32(1), created)
}

func TestDrainClosesFreeRasterizers(t *testing.T) {
	pool := NewPool(1, func() (Rasterizer, error) {
		return &fakeRasterizer{}, nil
	})

	r, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	pool.Release(r)

	pool.Drain()

	assert.True(t, r.(*fakeRasterizer).closed)

	_, err = pool.Acquire(context.Background())
	assert.Error(t, err)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	pool := NewPool(1, func() (Rasterizer, error) {
		return &fakeRasterizer{}, nil
	})

	r1, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		pool.Release(r1)
		close(released)
	}()

	r2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	<-released
	assert.Same(t, r1, r2)
}
