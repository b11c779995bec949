// Package seed implements the bulk HTTP-sourced tile fill engine (spec
// section 4.9): pull tiles from an upstream URL template, gated by a
// freshness policy, driven by the bounded pipeline.
package seed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nervsystems/tileengine/pkg/coverage"
	"github.com/nervsystems/tileengine/pkg/freshness"
	"github.com/nervsystems/tileengine/pkg/monitoring"
	"github.com/nervsystems/tileengine/pkg/pipeline"
	"github.com/nervsystems/tileengine/pkg/retry"
	"github.com/nervsystems/tileengine/pkg/store"
	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

const operation = "seed"

// DefaultClient mirrors the teacher's pre-configured HTTP client: modest
// connection pooling, a blanket 30s timeout.
var DefaultClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// Options configures a seed run.
type Options struct {
	URLTemplate      string // e.g. "http://o/{z}/{x}/{y}.png"
	Concurrency      int
	MaxTry           int
	StoreTransparent bool
	Policy           freshness.Policy
	RateLimit        rate.Limit // requests/sec across the whole run; 0 disables limiting
	RequestTimeout   time.Duration
	Client           *http.Client
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxTry <= 0 {
		o.MaxTry = 3
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = DefaultClient
	}
	return o
}

// Result is the aggregate outcome of a seed run.
type Result struct {
	Progress pipeline.Progress
	Skipped  int
	Duration time.Duration
	RunID    string
}

// Run seeds st with tiles from opts.URLTemplate over the coverage plan,
// driven at opts.Concurrency in parallel, applying opts.Policy before
// (and, for MD5 policies, after) each download.
func Run(ctx context.Context, st store.TileStore, plan coverage.Plan, opts Options) (Result, error) {
	opts = opts.withDefaults()
	start := time.Now()

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(opts.RateLimit, 1)
	}

	extraInfo, err := st.ExtraInfoForCoverage(ctx, plan, store.ModeCreated)
	if err != nil {
		return Result{}, tileerrors.Wrap(tileerrors.Fatal, "seed.Run", "loading coverage freshness info", err)
	}
	hashInfo := map[string]string{}
	if opts.Policy.Kind() == freshness.ByMD5 {
		hashInfo, err = st.ExtraInfoForCoverage(ctx, plan, store.ModeHash)
		if err != nil {
			return Result{}, tileerrors.Wrap(tileerrors.Fatal, "seed.Run", "loading coverage hashes", err)
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

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		url := expandTemplate(opts.URLTemplate, task.Zoom, task.X, task.Y)

		var data []byte
		fetchErr := retry.Do(ctx, retry.Options{MaxAttempts: opts.MaxTry}, func() error {
			var err error
			data, err = fetchTile(ctx, opts.Client, url, opts.RequestTimeout)
			return err
		})
		if fetchErr != nil {
			if tileerrors.IsNotFound(fetchErr) {
				skipped++
				return nil
			}
			monitoring.RecordPipelineTile(operation, time.Since(tileStart), false)
			monitoring.RecordError(operation, errorKind(fetchErr))
			return fetchErr
		}

		if opts.Policy.Kind() == freshness.ByMD5 {
			downloadedMD5 := store.TileMD5(data)
			if opts.Policy.SkipWriteAfterDownload(downloadedMD5, hashInfo[key], true) {
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
	slog.Default().Info("seed run complete",
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

func expandTemplate(tmpl string, z, x, y int) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	)
	return r.Replace(tmpl)
}

// fetchTile issues one GET against url. 204 and 404 are reported as a
// NotFound tileerrors.Error (an "empty tile", not a failure); other
// non-2xx statuses are Transient and subject to retry.
func fetchTile(ctx context.Context, client *http.Client, url string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Fatal, "seed.fetchTile", "building request", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "seed.fetchTile", "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, tileerrors.New(tileerrors.NotFound, "seed.fetchTile", fmt.Sprintf("upstream returned %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, tileerrors.New(tileerrors.Transient, "seed.fetchTile", fmt.Sprintf("upstream returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tileerrors.Wrap(tileerrors.Transient, "seed.fetchTile", "reading response body", err)
	}
	return data, nil
}
