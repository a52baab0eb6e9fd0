package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingSleeper(waits *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestDo_SucceedsOnSecondAttempt(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := DoWithSleeper(context.Background(), Fixed(2, 200*time.Millisecond), recordingSleeper(&waits), func(int) error {
		calls++
		if calls == 1 {
			return errors.New("frame not ready")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond}, waits)
}

func TestDo_ExhaustsBoundedAttempts(t *testing.T) {
	var waits []time.Duration
	calls := 0
	err := DoWithSleeper(context.Background(), Fixed(2, 200*time.Millisecond), recordingSleeper(&waits), func(int) error {
		calls++
		return errors.New("no image")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "no image")
	assert.Equal(t, 2, calls)
	assert.Len(t, waits, 1, "no wait after the last attempt")
}

func TestDo_ExponentialBackoffCapped(t *testing.T) {
	var waits []time.Duration
	p := Policy{MaxAttempts: 4, Delay: 10 * time.Millisecond, Multiplier: 3, MaxDelay: 50 * time.Millisecond}
	_ = DoWithSleeper(context.Background(), p, recordingSleeper(&waits), func(int) error { return errors.New("x") })

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 50 * time.Millisecond}, waits)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Fixed(5, time.Second), func(int) error {
		calls++
		return errors.New("x")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	v, err := DoWithResult(context.Background(), Fixed(1, 0), func(int) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
