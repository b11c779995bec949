// Package registry holds the single, process-lifetime set of open
// store.TileStore handles, keyed by archive id (spec section 9, "single
// outer-scope store handle never shadowed"): every seed/render/cleanup
// caller and the renderer's resource resolver look a handle up here
// rather than opening their own, so there is exactly one open handle per
// archive for the life of the process.
package registry

import (
	"fmt"
	"sync"

	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

// Kind names which backend an archive id is registered under; the same
// id string can exist independently in each kind's namespace (the style
// resolver disambiguates by the scheme prefix, per spec section 4.14).
type Kind string

const (
	KindMBTiles Kind = "mbtiles"
	KindXYZ     Kind = "xyz"
	KindPG      Kind = "pg"
)

type key struct {
	kind Kind
	id   string
}

// Registry is a concurrency-safe map from (kind, archive id) to an open
// store.TileStore handle.
type Registry struct {
	mu      sync.RWMutex
	handles map[key]store.TileStore
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[key]store.TileStore)}
}

// Register installs handle under (kind, id), replacing and closing any
// previous handle at the same key.
func (r *Registry) Register(kind Kind, id string, handle store.TileStore) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{kind, id}
	if old, ok := r.handles[k]; ok {
		old.Close()
	}
	r.handles[k] = handle
}

// Get returns the store registered under (kind, id), or a
// tileerrors.NotFound error if no archive is registered there.
func (r *Registry) Get(kind Kind, id string) (store.TileStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.handles[key{kind, id}]
	if !ok {
		return nil, tileerrors.New(tileerrors.NotFound, "registry.Get",
			fmt.Sprintf("no %s archive registered under id %q", kind, id))
	}
	return handle, nil
}

// Has reports whether an archive is registered under (kind, id), used by
// the style validator (spec section 4.14) to check a referenced archive
// id exists without needing the handle itself.
func (r *Registry) Has(kind Kind, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[key{kind, id}]
	return ok
}

// Unregister removes and closes the handle at (kind, id), if any.
func (r *Registry) Unregister(kind Kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{kind, id}
	handle, ok := r.handles[k]
	if !ok {
		return nil
	}
	delete(r.handles, k)
	return handle.Close()
}

// CloseAll closes every registered handle, used on process shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for k, handle := range r.handles {
		if err := handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.handles, k)
	}
	return firstErr
}
