// Package async provides functionality for retrying operations that take a
// while to succeed, like dependencies coming up at startup
package async

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Retry retries the given function until it doesn't fail. It doubles the
// period between attempts each time. A cancelled context stops retrying
// and returns the last error.
func Retry(ctx context.Context, attempts int, sleep time.Duration, fn func(ctx context.Context) error) error {
	return retry(ctx, attempts, sleep, 2, fn)
}

// RetryNoBackoff retries the given function until it doesn't fail. It keeps
// the amount of time between attempts constant.
func RetryNoBackoff(ctx context.Context, attempts int, sleep time.Duration, fn func(ctx context.Context) error) error {
	return retry(ctx, attempts, sleep, 1, fn)
}

func retry(ctx context.Context, attempts int, sleep time.Duration, factor time.Duration,
	fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	tried := 0
	for tried < attempts {
		tried++
		if err = fn(ctx); err == nil {
			return nil
		}
		if tried == attempts {
			break
		}
		if waitErr := wait(ctx, sleep); waitErr != nil {
			break
		}
		sleep *= factor
	}
	return pkgerrors.Wrapf(err, "failed after %d attempts and %s total duration",
		tried, time.Since(start))
}

// Await attempts the given condition the specified amount of times, doubling
// the amount of time between each attempt. If the condition doesn't succeed,
// it returns an error saying how many times we tried and how much time it
// took altogether.
func Await(ctx context.Context, attempts int, sleep time.Duration, fn func(ctx context.Context) bool, msgs ...string) error {
	err := Retry(ctx, attempts, sleep, func(ctx context.Context) error {
		if fn(ctx) {
			return nil
		}
		return errConditionFalse
	})
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msgs) != 0 {
		msg += ": " + strings.Join(msgs, " ")
	}
	return errors.New(msg)
}

var errConditionFalse = errors.New("condition was not true")

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("stopped waiting: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
