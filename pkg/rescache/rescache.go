// Package rescache implements the sprite/font/GeoJSON resource cache
// (spec section 4.13): a lock-protected file cache under a caches root,
// fronted by an in-memory LRU, with read-through to an origin URL and
// in-flight dedup across concurrent requests for the same resource.
package rescache

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/nervsystems/tileengine/pkg/lockfile"
	"github.com/nervsystems/tileengine/pkg/monitoring"
	"github.com/nervsystems/tileengine/pkg/retry"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

// memCacheSize bounds the in-memory LRU front, mirroring the teacher's
// geocode cache sizing.
const memCacheSize = 512

// defaultLockTimeout bounds how long a write waits for a concurrent
// writer's lock on the same path.
const defaultLockTimeout = 30 * time.Second

// Spec describes one cached resource: where it lives under the caches
// root, where to fetch it from on a miss, and whether a successful
// origin fetch should be written back to disk.
type Spec struct {
	Path       string // relative to the cache root, e.g. "sprites/basemap/sprite.png"
	SourceURL  string // empty means no read-through
	StoreCache bool
}

// Cache is a file-backed resource cache under root, fronted by an
// in-memory LRU and deduplicating concurrent fetches of the same path.
type Cache struct {
	root        string
	mem         *lru.Cache[string, []byte]
	group       singleflight.Group
	client      *http.Client
	lockTimeout time.Duration
	maxTry      int
}

// Open creates a Cache rooted at root, creating the directory if needed.
func Open(root string) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "rescache.Open", "creating cache root", err)
	}
	mem, err := lru.New[string, []byte](memCacheSize)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "rescache.Open", "creating in-memory cache", err)
	}
	return &Cache{
		root:        root,
		mem:         mem,
		client:      &http.Client{Timeout: 30 * time.Second},
		lockTimeout: defaultLockTimeout,
		maxTry:      3,
	}, nil
}

// Get returns spec's bytes, checking the in-memory LRU, then disk, then
// (if SourceURL is set) the origin. A miss with no SourceURL configured
// is a tileerrors.NotFound error. Concurrent Get calls for the same path
// share one origin fetch.
func (c *Cache) Get(ctx context.Context, spec Spec) ([]byte, error) {
	if data, ok := c.mem.Get(spec.Path); ok {
		monitoring.RecordCacheHit("resource")
		return data, nil
	}
	monitoring.RecordCacheMiss("resource")

	result, err, _ := c.group.Do(spec.Path, func() (interface{}, error) {
		return c.load(ctx, spec)
	})
	if err != nil {
		return nil, err
	}

	data := result.([]byte)
	c.mem.Add(spec.Path, data)
	return data, nil
}

func (c *Cache) load(ctx context.Context, spec Spec) ([]byte, error) {
	diskPath := filepath.Join(c.root, filepath.FromSlash(spec.Path))

	data, err := os.ReadFile(diskPath)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, tileerrors.Wrap(tileerrors.Transient, "rescache.load", "reading cached file", err)
	}

	if spec.SourceURL == "" {
		return nil, tileerrors.New(tileerrors.NotFound, "rescache.load", "resource not cached and no source configured")
	}

	data, err = c.fetchOrigin(ctx, spec.SourceURL)
	if err != nil {
		return nil, err
	}

	if spec.StoreCache {
		if err := c.Put(ctx, spec.Path, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Put writes data to path under the cache root using the shared
// lock-file protocol, invalidating the in-memory entry so the next Get
// reflects the new bytes.
func (c *Cache) Put(ctx context.Context, path string, data []byte) error {
	diskPath := filepath.Join(c.root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(diskPath), 0o755); err != nil {
		return tileerrors.Wrap(tileerrors.Fatal, "rescache.Put", "creating resource directory", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()
	if err := lockfile.WriteFile(lockCtx, diskPath, data); err != nil {
		return err
	}

	c.mem.Remove(path)
	return nil
}

// fetchOrigin issues a retried GET against url, treating 204/404 as a
// typed NotFound rather than an error that should be retried.
func (c *Cache) fetchOrigin(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := retry.Do(ctx, retry.Options{MaxAttempts: c.maxTry}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return tileerrors.Wrap(tileerrors.Fatal, "rescache.fetchOrigin", "building request", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return tileerrors.Wrap(tileerrors.Transient, "rescache.fetchOrigin", "request failed", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
			return tileerrors.New(tileerrors.NotFound, "rescache.fetchOrigin", "origin reports resource does not exist")
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return tileerrors.New(tileerrors.Transient, "rescache.fetchOrigin", "unexpected origin status")
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return tileerrors.Wrap(tileerrors.Transient, "rescache.fetchOrigin", "reading origin response", err)
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
