// Package pipeline implements the bounded-concurrency tile task driver
// (spec section 4.8): given a list of tile coordinates, a concurrency
// bound N, and a per-tile function, it drives up to N concurrent
// invocations, blocks enqueue when full, and never retries on the
// caller's behalf — retry is the per-tile function's job via pkg/retry.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nervsystems/tileengine/pkg/coverage"
)

// Task is one unit of work: a tile coordinate at a given zoom.
type Task struct {
	Zoom int
	X    int
	Y    int
}

// TaskFunc is the per-tile function the driver invokes. It is
// responsible for its own retries; returning an error only logs and
// counts a failure, it never aborts the run.
type TaskFunc func(ctx context.Context, task Task) error

// Progress is a snapshot of the driver's counters, safe to read
// concurrently with a running Run (the driver fills a fresh copy under
// its mutex on every call to Snapshot).
type Progress struct {
	Active   int
	Complete int
	Failed   int
	Total    int
}

// Driver runs TaskFunc over a list of tasks with bounded concurrency.
type Driver struct {
	concurrency int
	runID       string
	inflight    singleflight.Group

	mu       sync.Mutex
	active   int
	complete int
	failed   int
	total    int
}

// New creates a Driver with the given concurrency bound. A bound <= 0 is
// treated as 1 (no parallelism, still a valid driver). Each Driver is
// stamped with a random run ID, surfaced through ID, for correlating a
// single run's logs, traces, and metrics.
func New(concurrency int) *Driver {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Driver{concurrency: concurrency, runID: uuid.NewString()}
}

// ID returns this Driver's run ID, for attaching to log lines and spans
// emitted by the caller's TaskFunc.
func (d *Driver) ID() string {
	return d.runID
}

// Snapshot returns a point-in-time copy of the driver's progress
// counters. Safe to call concurrently with Run.
func (d *Driver) Snapshot() Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Progress{Active: d.active, Complete: d.complete, Failed: d.failed, Total: d.total}
}

// Run drives fn over tasks with at most d.concurrency in flight at
// once. Admission of new tasks stops once ctx is cancelled, but tasks
// already admitted run to completion. Run returns once every admitted
// task has finished; it never returns an error itself — per-tile
// failures are logged and counted, not propagated.
//
// Two admitted tasks naming the same tile (coverage.Expand's zoom
// ranges can overlap when a caller's Coverage entries overlap) share a
// single in-flight call to fn via d.inflight, so the same tile is never
// produced twice concurrently; every sharer still gets its own
// complete/failed count against the shared result.
func (d *Driver) Run(ctx context.Context, tasks []Task, fn TaskFunc) Progress {
	d.mu.Lock()
	d.total = len(tasks)
	d.mu.Unlock()

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

admission:
	for _, task := range tasks {
		if ctx.Err() != nil {
			break admission
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break admission
		}

		d.mu.Lock()
		d.active++
		d.mu.Unlock()

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()

			key := fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
			_, err, _ := d.inflight.Do(key, func() (any, error) {
				return nil, fn(ctx, t)
			})

			d.mu.Lock()
			d.active--
			if err != nil {
				d.failed++
				slog.Default().Warn("tile task failed",
					"run_id", d.runID, "zoom", t.Zoom, "x", t.X, "y", t.Y, "error", err)
			} else {
				d.complete++
			}
			d.mu.Unlock()
		}(task)
	}

	wg.Wait()
	return d.Snapshot()
}

// TasksFromPlan flattens a coverage.Plan's zoom ranges into a Task list
// in the order the driver will admit them. Ordering is not a scheduling
// guarantee — the driver gives no ordering guarantee between concurrent
// tiles — but keeps Run's input deterministic for tests.
func TasksFromPlan(plan coverage.Plan) []Task {
	var tasks []Task
	for _, zr := range plan.ZoomRanges {
		zr.Each(func(x, y int) {
			tasks = append(tasks, Task{Zoom: zr.Zoom, X: x, Y: y})
		})
	}
	return tasks
}
