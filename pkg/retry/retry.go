// Package retry provides the exponential-backoff retry primitive used
// across the store backends, the seed engine, and the resource cache:
// retry(fn, maxTry, backoffMs) per spec section 4.8/4.9/4.13.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

// Options configures a retry loop.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultOptions mirrors the teacher's DefaultRetryOptions.
var DefaultOptions = Options{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultOptions.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultOptions.MaxDelay
	}
	if o.Multiplier <= 0 {
		o.Multiplier = DefaultOptions.Multiplier
	}
	return o
}

// delayForAttempt returns the backoff delay before retry attempt N
// (0-indexed: the delay waited before making attempt N+1).
func (o Options) delayForAttempt(attempt int) time.Duration {
	delay := o.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * o.Multiplier)
		if delay > o.MaxDelay {
			return o.MaxDelay
		}
	}
	return delay
}

// retryable reports whether Do should try again after err. Transient
// errors and plain errors with no Kind are retried; NotFound, Validation
// and Fatal errors are returned at once.
func retryable(err error) bool {
	kind, ok := tileerrors.KindOf(err)
	if !ok {
		return true
	}
	return kind == tileerrors.Transient
}

// Do runs fn up to opts.MaxAttempts times with exponential backoff between
// attempts, stopping early on success, on a non-retryable error kind, or
// when ctx is cancelled. It returns the last error encountered.
func Do(ctx context.Context, opts Options, fn func() error) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := opts.delayForAttempt(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}

		slog.Default().Debug("retry attempt failed",
			"attempt", attempt+1,
			"max_attempts", opts.MaxAttempts,
			"error", lastErr,
		)
	}
	return lastErr
}

// DoWithTimeout runs Do bounded by an overall timeout, used by the store
// backends to bound their BUSY/lock retry loops per spec section 5.
func DoWithTimeout(ctx context.Context, timeout time.Duration, opts Options, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return Do(ctx, opts, fn)
}
