package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func TestThrottleSpacesCalls(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 11, 9, 30, 0, 0, time.UTC)}
	throttle := NewThrottle(300*time.Millisecond, clock)
	ctx := context.Background()

	var calls []time.Time
	for i := 0; i < 4; i++ {
		require.NoError(t, throttle.Wait(ctx))
		calls = append(calls, clock.Now())
	}

	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), 300*time.Millisecond)
	}
	assert.Len(t, clock.sleeps, 3, "first call is never delayed")
}

func TestThrottleDoesNotWaitAfterIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	throttle := NewThrottle(time.Second, clock)
	ctx := context.Background()

	require.NoError(t, throttle.Wait(ctx))
	clock.now = clock.now.Add(5 * time.Second)
	require.NoError(t, throttle.Wait(ctx))
	assert.Empty(t, clock.sleeps)
}

func TestThrottleCancelled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	throttle := NewThrottle(time.Second, clock)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, throttle.Wait(ctx))
	cancel()
	assert.ErrorIs(t, throttle.Wait(ctx), context.Canceled)
}

func TestThrottleDisabled(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	throttle := NewThrottle(0, clock)
	for i := 0; i < 10; i++ {
		require.NoError(t, throttle.Wait(context.Background()))
	}
	assert.Empty(t, clock.sleeps)
	assert.Zero(t, throttle.Interval())
}

func TestWallClockSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WallClock.Sleep(ctx, time.Hour), context.Canceled)

	start := time.Now()
	require.NoError(t, WallClock.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestUnlimited(t *testing.T) {
	assert.NoError(t, Unlimited{}.Wait(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Unlimited{}.Wait(ctx), context.Canceled)
}
