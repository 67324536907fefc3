// Package ratelimit spaces out calls to the payment gateway
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// DefaultInterval is the minimum time between two gateway calls of one run
const DefaultInterval = 300 * time.Millisecond

// Limiter blocks until the next call is allowed, or ctx is done
type Limiter interface {
	Wait(ctx context.Context) error
}

// Clock is the time source a Throttle waits on
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WallClock is the real clock
var WallClock Clock = wallClock{}

// Throttle lets one call through per interval. The first call is never
// delayed.
type Throttle struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	clock    Clock
	interval time.Duration
}

var _ Limiter = &Throttle{}

// NewThrottle creates a Throttle. A non-positive interval disables
// throttling, a nil clock means the wall clock.
func NewThrottle(interval time.Duration, clock Clock) *Throttle {
	if clock == nil {
		clock = WallClock
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Throttle{
		limiter:  rate.NewLimiter(limit, 1),
		clock:    clock,
		interval: interval,
	}
}

// Interval is the configured spacing between calls
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Wait blocks until the next call is allowed. When ctx is done first the
// reservation is given back and ctx's error is returned.
func (t *Throttle) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	now := t.clock.Now()
	reservation := t.limiter.ReserveN(now, 1)
	t.mu.Unlock()
	if !reservation.OK() {
		return errors.New("throttle cannot grant a single call")
	}

	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := t.clock.Sleep(ctx, delay); err != nil {
		t.mu.Lock()
		reservation.CancelAt(t.clock.Now())
		t.mu.Unlock()
		return err
	}
	return nil
}

// Unlimited never waits
type Unlimited struct{}

// Wait only checks for cancellation
func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}
