package renderer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/nervsystems/tileengine/pkg/monitoring"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

// View is the viewport a Rasterizer renders: a geographic center, zoom,
// and pixel dimensions.
type View struct {
	CenterLon, CenterLat float64
	Zoom                 int
	Width, Height        int
}

// RGBA is a raw, straight-alpha pixel buffer, row-major, four bytes per
// pixel - the rasterizer's uniform output regardless of the archive's
// on-disk encoding.
type RGBA struct {
	Pix           []byte
	Width, Height int
}

// ResolveFunc is the signature a Rasterizer calls to satisfy one of its
// resource requests.
type ResolveFunc func(ctx context.Context, req ResourceRequest) (ResourceResponse, error)

// Rasterizer is the opaque vector-style renderer this package pools; the
// concrete implementation is supplied by the embedding application. If
// it also implements io.Closer, Drain calls Close on eviction.
type Rasterizer interface {
	Render(ctx context.Context, view View, resolve ResolveFunc) (RGBA, error)
}

// Factory constructs one Rasterizer, e.g. loading a style document and
// binding it to a resource resolver.
type Factory func() (Rasterizer, error)

// Pool is a bounded pool of Rasterizers, created lazily up to max and
// reused across tile tasks within one run (spec section 4.10). tokens
// is a buffered channel sized max: holding a token is permission to
// either take a free Rasterizer or create a new one, the same
// admission-semaphore idiom pkg/pipeline uses for tile tasks.
type Pool struct {
	// Name labels this pool's RendererPoolActive gauge series; defaults
	// to "default" when left empty.
	Name string

	factory Factory
	tokens  chan struct{}
	active  int32

	mu      sync.Mutex
	free    []Rasterizer
	drained bool
}

// NewPool creates a Pool that lazily creates up to max Rasterizers via
// factory. max <= 0 is treated as 1.
func NewPool(max int, factory Factory) *Pool {
	if max <= 0 {
		max = 1
	}
	tokens := make(chan struct{}, max)
	for i := 0; i < max; i++ {
		tokens <- struct{}{}
	}
	return &Pool{factory: factory, tokens: tokens, Name: "default"}
}

func (p *Pool) poolName() string {
	if p.Name == "" {
		return "default"
	}
	return p.Name
}

// Acquire returns a free Rasterizer, creating one if under max, or
// blocks until one is released. Returns an error if ctx is cancelled
// while waiting, or if the pool has been drained.
func (p *Pool) Acquire(ctx context.Context) (Rasterizer, error) {
	select {
	case <-p.tokens:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		p.tokens <- struct{}{}
		return nil, tileerrors.New(tileerrors.Fatal, "renderer.Pool.Acquire", "pool has been drained")
	}
	if n := len(p.free); n > 0 {
		r := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		monitoring.UpdateRendererPoolActive(p.poolName(), int(atomic.AddInt32(&p.active, 1)))
		return r, nil
	}
	p.mu.Unlock()

	r, err := p.factory()
	if err != nil {
		p.tokens <- struct{}{}
		return nil, tileerrors.Wrap(tileerrors.Fatal, "renderer.Pool.Acquire", "creating rasterizer", err)
	}
	monitoring.UpdateRendererPoolActive(p.poolName(), int(atomic.AddInt32(&p.active, 1)))
	return r, nil
}

// Release returns r to the pool's free list, making its token available
// to the next Acquire.
func (p *Pool) Release(r Rasterizer) {
	monitoring.UpdateRendererPoolActive(p.poolName(), int(atomic.AddInt32(&p.active, -1)))

	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		if closer, ok := r.(io.Closer); ok {
			closer.Close()
		}
		return
	}
	p.free = append(p.free, r)
	p.mu.Unlock()

	p.tokens <- struct{}{}
}

// Drain destroys every currently-free Rasterizer (closing it if it
// implements io.Closer) and marks the pool as no longer usable; any
// Rasterizer still checked out is closed by its own Release call once
// the caller returns it.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.free {
		if closer, ok := r.(io.Closer); ok {
			closer.Close()
		}
	}
	p.free = nil
	p.drained = true
}
