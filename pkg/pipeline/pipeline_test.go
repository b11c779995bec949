package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/tilemath"
)

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{Zoom: 1, X: i, Y: 0}
	}
	return tasks
}

func TestRunInvokesFnForEveryTask(t *testing.T) {
	var count int64
	d := New(4)
	progress := d.Run(context.Background(), makeTasks(20), func(ctx context.Context, task Task) error {
		atomic.AddInt64(&count, 1)
		return nil
	})

	assert.Equal(t, int64(20), count)
	assert.Equal(t, 20, progress.Complete)
	assert.Equal(t, 0, progress.Failed)
	assert.Equal(t, 0, progress.Active)
}

func TestRunNeverExceedsConcurrencyBound(t *testing.T) {
	const bound = 3
	var active int32
	var maxActive int32

	d := New(bound)
	d.Run(context.Background(), makeTasks(30), func(ctx context.Context, task Task) error {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})

	assert.LessOrEqual(t, int(maxActive), bound)
}

func TestRunCountsFailuresWithoutAborting(t *testing.T) {
	d := New(4)
	progress := d.Run(context.Background(), makeTasks(10), func(ctx context.Context, task Task) error {
		if task.X%2 == 0 {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, 5, progress.Complete)
	assert.Equal(t, 5, progress.Failed)
}

func TestRunStopsAdmittingAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(2)

	var started int64
	progress := d.Run(ctx, makeTasks(500), func(ctx context.Context, task Task) error {
		n := atomic.AddInt64(&started, 1)
		if n == 1 {
			cancel()
		}
		time.Sleep(time.Millisecond)
		return nil
	})

	require.LessOrEqual(t, int(started), 500)
	assert.Less(t, progress.Complete+progress.Failed, progress.Total)
}

func TestRunDeduplicatesConcurrentSameTileTasks(t *testing.T) {
	var calls int64
	tasks := []Task{
		{Zoom: 3, X: 1, Y: 1},
		{Zoom: 3, X: 1, Y: 1},
		{Zoom: 3, X: 1, Y: 1},
	}

	d := New(3)
	progress := d.Run(context.Background(), tasks, func(ctx context.Context, task Task) error {
		atomic.AddInt64(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	assert.Equal(t, int64(1), calls)
	assert.Equal(t, 3, progress.Complete)
}

func TestTasksFromPlanCoversEveryTileInRange(t *testing.T) {
	cov := coverage.BBoxCoverage(2, tilemath.BBox{MinLon: -180, MinLat: -85, MaxLon: 180, MaxLat: 85})
	plan := coverage.Expand([]coverage.Coverage{cov}, nil)

	tasks := TasksFromPlan(plan)
	assert.Equal(t, plan.Total, len(tasks))
}
