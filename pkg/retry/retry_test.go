package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervsystems/tileengine/pkg/tileerrors"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return tileerrors.New(tileerrors.Transient, "op", "busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 3, InitialDelay: time.Millisecond}, func() error {
		calls++
		return tileerrors.New(tileerrors.Transient, "op", "busy")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryValidationErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 5, InitialDelay: time.Millisecond}, func() error {
		calls++
		return tileerrors.New(tileerrors.Validation, "op", "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesPlainErrorsByDefault(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 2, InitialDelay: time.Millisecond}, func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Options{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond}, func() error {
		calls++
		return tileerrors.New(tileerrors.Transient, "op", "busy")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	opts := Options{InitialDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 10}
	opts = opts.withDefaults()
	assert.Equal(t, time.Second, opts.delayForAttempt(0))
	assert.Equal(t, 2*time.Second, opts.delayForAttempt(1))
	assert.Equal(t, 2*time.Second, opts.delayForAttempt(5))
}
