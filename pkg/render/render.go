// Package render implements the style-rendering bulk production engine
// (spec section 4.11): identical in shape to the HTTP seed engine, but
// sourced from the renderer pool instead of an upstream URL.
package render

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/freshness"
	"github.com/nervsystems/tileengine/pkg/monitoring"
	"github.com/nervsystems/tileengine/pkg/pipeline"
	"github.com/nervsystems/tileengine/pkg/renderer"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
	"github.com/nervsystems/tileengine/pkg/tileformat"
	"github.com/nervsystems/tileengine/pkg/tilemath"
)

const operation = "render"

// Options configures a render run.
type Options struct {
	Concurrency      int
	StoreTransparent bool
	Policy           freshness.Policy
	TileSize         int // pixel size of one archive tile, default 256
	RenderScale      float64
	Format           tileformat.Format
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.TileSize <= 0 {
		o.TileSize = 256
	}
	if o.RenderScale <= 0 {
		o.RenderScale = 1.0
	}
	return o
}

// Result is the aggregate outcome of a render run.
type Result struct {
	Progress pipeline.Progress
	Skipped  int
	Duration time.Duration
	RunID    string
}

// Run renders st with tiles produced by pool over the coverage plan,
// resolving each rasterizer's resource requests through resolver,
// applying opts.Policy before (and, for MD5 policies, after) each
// render, exactly as seed.Run does for HTTP downloads.
func Run(ctx context.Context, st store.TileStore, plan coverage.Plan, pool *renderer.Pool, resolver *renderer.Resolver, opts Options) (Result, error) {
	opts = opts.withDefaults()
	start := time.Now()

	extraInfo, err := st.ExtraInfoForCoverage(ctx, plan, store.ModeCreated)
	if err != nil {
		return Result{}, tileerrors.Wrap(tileerrors.Fatal, "render.Run", "loading coverage freshness info", err)
	}
	hashInfo := map[string]string{}
	if opts.Policy.Kind() == freshness.ByMD5 {
		hashInfo, err = st.ExtraInfoForCoverage(ctx, plan, store.ModeHash)
		if err != nil {
			return Result{}, tileerrors.Wrap(tileerrors.Fatal, "render.Run", "loading coverage hashes", err)
		}
	}

	var skipped int64
	now := time.Now()

	driver := pipeline.New(opts.Concurrency)
	tasks := pipeline.TasksFromPlan(plan)

	progress := driver.Run(ctx, tasks, func(ctx context.Context, task pipeline.Task) error {
		tileStart := time.Now()
		key := store.TileKey(task.Zoom, task.X, task.Y)

		if createdStr, ok := extraInfo[key]; ok {
			createdUnix, _ := strconv.ParseInt(createdStr, 10, 64)
			stored := time.Unix(createdUnix, 0).UTC()
			if opts.Policy.SkipBeforeDownload(now, stored, true) {
				skipped++
				return nil
			}
		}

		data, err := renderOne(ctx, pool, resolver, task, opts)
		if err != nil {
			monitoring.RecordPipelineTile(operation, time.Since(tileStart), false)
			monitoring.RecordError(operation, errorKind(err))
			return err
		}

		if opts.Policy.Kind() == freshness.ByMD5 {
			renderedMD5 := store.TileMD5(data)
			if opts.Policy.SkipWriteAfterDownload(renderedMD5, hashInfo[key], true) {
				skipped++
				return nil
			}
		}

		putErr := st.PutTile(ctx, task.Zoom, task.X, task.Y, data, opts.StoreTransparent)
		monitoring.RecordPipelineTile(operation, time.Since(tileStart), putErr == nil)
		if putErr != nil {
			monitoring.RecordError(operation, errorKind(putErr))
		}
		return putErr
	})

	monitoring.RecordPipelineRun(operation, time.Since(start))
	slog.Default().Info("render run complete",
		"run_id", driver.ID(), "total", progress.Total, "complete", progress.Complete, "failed", progress.Failed,
		"skipped", skipped, "duration", time.Since(start))

	return Result{Progress: progress, Skipped: int(skipped), Duration: time.Since(start), RunID: driver.ID()}, nil
}

// errorKind reports the tileerrors.Kind of err as a plain string, for use
// as a low-cardinality metrics label.
func errorKind(err error) string {
	if kind, ok := tileerrors.KindOf(err); ok {
		return string(kind)
	}
	return "unknown"
}

// renderOne acquires a rasterizer, renders one tile, releases the
// rasterizer, and encodes the result to opts.Format.
func renderOne(ctx context.Context, pool *renderer.Pool, resolver *renderer.Resolver, task pipeline.Task, opts Options) ([]byte, error) {
	rasterizer, err := pool.Acquire(ctx)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "render.renderOne", "acquiring rasterizer", err)
	}
	defer pool.Release(rasterizer)

	lon, lat := tilemath.TileToLonLat(task.X, task.Y, task.Zoom, tilemath.Center, tilemath.XYZ, opts.TileSize)

	size := int(float64(opts.TileSize) * opts.RenderScale)
	doubled := task.Zoom == 0 && opts.TileSize == 256
	if doubled {
		size *= 2
	}

	view := renderer.View{CenterLon: lon, CenterLat: lat, Zoom: task.Zoom, Width: size, Height: size}
	px, err := rasterizer.Render(ctx, view, resolver.Resolve)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "render.renderOne", "rendering tile", err)
	}

	if doubled {
		px = downscale2x(px)
	}

	return encode(px, opts.Format)
}
