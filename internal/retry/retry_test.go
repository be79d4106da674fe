package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("down")
	calls := 0
	err := Do(context.Background(), 4, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	sentinel := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errors.New("fail")
	})
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 10, time.Hour, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
