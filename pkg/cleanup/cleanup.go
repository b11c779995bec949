// Package cleanup implements the tile deletion engine (spec section
// 4.12): walk a coverage plan, and for each tile whose stored creation
// time is older than a cutoff, delete it through the store interface.
package cleanup

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/monitoring"
	"github.com/nervsystems/tileengine/pkg/pipeline"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

const operation = "cleanup"

// Cutoff decides which stored tiles are old enough to delete. A Cutoff
// returned by Forever never deletes anything.
type Cutoff struct {
	at      time.Time
	forever bool
}

// At deletes every tile created strictly before t.
func At(t time.Time) Cutoff {
	return Cutoff{at: t}
}

// OlderThan deletes every tile created more than days*24h before now.
func OlderThan(now time.Time, days int) Cutoff {
	return Cutoff{at: now.Add(-time.Duration(days) * 24 * time.Hour)}
}

// Forever never deletes anything: every stored tile, however old, is
// kept. This is the cleanup engine's safe default.
func Forever() Cutoff {
	return Cutoff{forever: true}
}

// exceeded reports whether a tile created at `created` is older than
// the cutoff and therefore eligible for deletion.
func (c Cutoff) exceeded(created time.Time) bool {
	if c.forever {
		return false
	}
	return created.Before(c.at)
}

// Options configures a cleanup run.
type Options struct {
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// Result is the aggregate outcome of a cleanup run.
type Result struct {
	Progress pipeline.Progress
	Deleted  int
	Duration time.Duration
	RunID    string
}

// Run walks plan against st, deleting every tile whose recorded
// creation time is older than cutoff. Tiles with no stored creation
// time (never written, or the backend doesn't track it) are left
// alone rather than treated as infinitely old.
func Run(ctx context.Context, st store.TileStore, plan coverage.Plan, cutoff Cutoff, opts Options) (Result, error) {
	opts = opts.withDefaults()
	start := time.Now()

	if cutoff.forever {
		return Result{Duration: time.Since(start)}, nil
	}

	var deleted int64

	driver := pipeline.New(opts.Concurrency)
	tasks := pipeline.TasksFromPlan(plan)

	progress := driver.Run(ctx, tasks, func(ctx context.Context, task pipeline.Task) error {
		tileStart := time.Now()

		created, err := st.TileCreated(ctx, task.Zoom, task.X, task.Y)
		if err != nil {
			if kind, ok := tileerrors.KindOf(err); ok && kind == tileerrors.NotFound {
				monitoring.RecordPipelineTile(operation, time.Since(tileStart), true)
				return nil
			}
			monitoring.RecordPipelineTile(operation, time.Since(tileStart), false)
			monitoring.RecordError(operation, "TRANSIENT")
			return tileerrors.Wrap(tileerrors.Transient, "cleanup.Run", "reading tile creation time", err)
		}

		if !cutoff.exceeded(created) {
			monitoring.RecordPipelineTile(operation, time.Since(tileStart), true)
			return nil
		}

		if err := st.DeleteTile(ctx, task.Zoom, task.X, task.Y); err != nil {
			monitoring.RecordPipelineTile(operation, time.Since(tileStart), false)
			monitoring.RecordError(operation, "TRANSIENT")
			return tileerrors.Wrap(tileerrors.Transient, "cleanup.Run", "deleting tile", err)
		}
		atomic.AddInt64(&deleted, 1)
		monitoring.RecordPipelineTile(operation, time.Since(tileStart), true)
		return nil
	})

	monitoring.RecordPipelineRun(operation, time.Since(start))
	slog.Default().Info("cleanup run complete",
		"run_id", driver.ID(), "total", progress.Total, "complete", progress.Complete, "failed", progress.Failed,
		"deleted", deleted, "duration", time.Since(start))

	return Result{Progress: progress, Deleted: int(deleted), Duration: time.Since(start), RunID: driver.ID()}, nil
}
