// Package retry holds the two bounded retry shapes the sync engine needs.
// They are deliberately separate: transport retry repeats the same call on
// transient failures, while Lookup waits for a counterpart record that another
// replay is expected to create. Conflating the two turns races into errors.
package retry

import (
	"context"
	"time"
)

// Sleeper abstracts time.Sleep so retry behavior is testable with a fake clock.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Default is the wall-clock sleeper used outside tests.
var Default Sleeper = realSleeper{}

// Policy bounds a transport retry: exponential backoff starting at BaseDelay,
// doubling each attempt, capped at MaxDelay, for at most MaxAttempts calls.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Do calls fn up to policy.MaxAttempts times. A failed attempt is repeated only
// when retryable(err) is true; the last error is returned once the ceiling is
// reached. ctx cancellation stops the loop between attempts.
func Do(ctx context.Context, policy Policy, sleeper Sleeper, retryable func(error) bool, fn func() error) error {
	if sleeper == nil {
		sleeper = Default
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := policy.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= attempts || retryable == nil || !retryable(err) {
			return err
		}
		if sleepErr := sleeper.Sleep(ctx, delay); sleepErr != nil {
			return err
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}

// Lookup polls fn with a fixed delay until it reports found, for at most
// attempts tries. Not finding anything is not an error: the counterpart may
// legitimately not exist yet, and a later webhook will complete the link. The
// caller logs a skip when found is false.
func Lookup[T any](ctx context.Context, attempts int, delay time.Duration, sleeper Sleeper, fn func() (T, bool, error)) (T, bool, error) {
	var zero T
	if sleeper == nil {
		sleeper = Default
	}
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		v, found, err := fn()
		if err != nil {
			return zero, false, err
		}
		if found {
			return v, true, nil
		}
		if attempt >= attempts {
			return zero, false, nil
		}
		if sleepErr := sleeper.Sleep(ctx, delay); sleepErr != nil {
			return zero, false, sleepErr
		}
	}
}
