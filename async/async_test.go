package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	t.Run("succeeds after a few attempts", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		cause := errors.New("always failing")
		err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
			calls++
			return cause
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, cause))
		assert.Contains(t, err.Error(), "failed after 3 attempts")
		assert.Equal(t, 3, calls)
	})

	t.Run("doubles the wait", func(t *testing.T) {
		var stamps []time.Time
		_ = Retry(context.Background(), 3, 20*time.Millisecond, func(context.Context) error {
			stamps = append(stamps, time.Now())
			return errors.New("fail")
		})
		require.Len(t, stamps, 3)
		assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
	})

	t.Run("stops when cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, 10, time.Hour, func(context.Context) error {
			calls++
			cancel()
			return errors.New("fail")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryNoBackoff(t *testing.T) {
	var stamps []time.Time
	err := RetryNoBackoff(context.Background(), 3, 10*time.Millisecond, func(context.Context) error {
		stamps = append(stamps, time.Now())
		return errors.New("fail")
	})
	require.Error(t, err)
	require.Len(t, stamps, 3)
	assert.Less(t, stamps[2].Sub(stamps[1]), 500*time.Millisecond)
}

func TestAwait(t *testing.T) {
	calls := 0
	err := Await(context.Background(), 4, time.Millisecond, func(context.Context) bool {
		calls++
		return calls == 2
	})
	require.NoError(t, err)

	err = Await(context.Background(), 2, time.Millisecond, func(context.Context) bool {
		return false
	}, "couldn't reach", "redis")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "couldn't reach redis")
}
