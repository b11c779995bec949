package store

import (
	"context"
	"time"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/monitoring"
)

// Instrumented wraps a TileStore, recording monitoring.StoreRequestsTotal
// and monitoring.StoreRequestDuration around every call, labeled with a
// fixed backend name (e.g. "mbtiles", "xyz", "pg"). It adds no behavior
// beyond that: errors and return values pass through unchanged.
type Instrumented struct {
	TileStore
	Backend string
}

// Instrument wraps st so that every call against it is recorded under the
// given backend label.
func Instrument(backend string, st TileStore) TileStore {
	return &Instrumented{TileStore: st, Backend: backend}
}

func (i *Instrumented) record(op string, start time.Time, err error) {
	monitoring.RecordStoreRequest(i.Backend, op, time.Since(start), err == nil)
}

func (i *Instrumented) Close() error {
	start := time.Now()
	err := i.TileStore.Close()
	i.record("close", start, err)
	return err
}

func (i *Instrumented) GetTile(ctx context.Context, z, x, y int) ([]byte, Headers, error) {
	start := time.Now()
	data, headers, err := i.TileStore.GetTile(ctx, z, x, y)
	i.record("get_tile", start, err)
	return data, headers, err
}

func (i *Instrumented) PutTile(ctx context.Context, z, x, y int, data []byte, storeTransparent bool) error {
	start := time.Now()
	err := i.TileStore.PutTile(ctx, z, x, y, data, storeTransparent)
	i.record("put_tile", start, err)
	return err
}

func (i *Instrumented) DeleteTile(ctx context.Context, z, x, y int) error {
	start := time.Now()
	err := i.TileStore.DeleteTile(ctx, z, x, y)
	i.record("delete_tile", start, err)
	return err
}

func (i *Instrumented) TileHash(ctx context.Context, z, x, y int) (string, error) {
	start := time.Now()
	hash, err := i.TileStore.TileHash(ctx, z, x, y)
	i.record("tile_hash", start, err)
	return hash, err
}

func (i *Instrumented) TileCreated(ctx context.Context, z, x, y int) (time.Time, error) {
	start := time.Now()
	created, err := i.TileStore.TileCreated(ctx, z, x, y)
	i.record("tile_created", start, err)
	return created, err
}

func (i *Instrumented) ExtraInfoForCoverage(ctx context.Context, plan coverage.Plan, mode ExtraInfoMode) (map[string]string, error) {
	start := time.Now()
	info, err := i.TileStore.ExtraInfoForCoverage(ctx, plan, mode)
	i.record("extra_info_for_coverage", start, err)
	return info, err
}

func (i *Instrumented) GetMetadata(ctx context.Context) (Metadata, error) {
	start := time.Now()
	md, err := i.TileStore.GetMetadata(ctx)
	i.record("get_metadata", start, err)
	return md, err
}

func (i *Instrumented) UpdateMetadata(ctx context.Context, updates Metadata) error {
	start := time.Now()
	err := i.TileStore.UpdateMetadata(ctx, updates)
	i.record("update_metadata", start, err)
	return err
}

func (i *Instrumented) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := i.TileStore.Count(ctx)
	i.record("count", start, err)
	return n, err
}

func (i *Instrumented) Size(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := i.TileStore.Size(ctx)
	i.record("size", start, err)
	return n, err
}
