// Package retry provides the bounded retry executor used by the provider
// gateway. Backoff follows a fixed delay schedule with a hard cap rather
// than multiplier growth: the schedule is part of the gateway's configuration
// surface and attempts beyond the schedule reuse its last entry.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy configures retry behavior for gateway calls.
type Policy struct {
	// MaxRetries is the maximum number of attempts, including the first.
	// A value of 0 or 1 means no retries.
	MaxRetries int
	// Delays is the backoff schedule indexed by completed attempt: the delay
	// after attempt n is Delays[n], and attempts past the end of the schedule
	// reuse the last entry.
	Delays []time.Duration
	// MaxDelay caps every delay from the schedule. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultPolicy returns the standard gateway retry policy: three attempts
// backed off at 1s, 2s, 4s with a 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Delays:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the backoff for the given zero-based attempt:
// min(Delays[attempt], MaxDelay), with attempts past the schedule clamped to
// its last entry. An empty schedule yields zero.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.Delays) {
		attempt = len(p.Delays) - 1
	}
	d := p.Delays[attempt]
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ExhaustedError is returned when all attempts have failed with retryable
// errors. The last attempt's error is preserved in the chain.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// LastErr is the error from the final attempt.
	LastErr error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

// Unwrap returns the final attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Config bundles the policy with the hooks Do needs. Hooks are optional:
// a nil Retryable retries everything, a nil Sleep waits on the real clock,
// and a nil OnRetry skips notification.
type Config struct {
	// Policy is the attempt/backoff schedule.
	Policy Policy
	// Retryable decides whether a failed attempt should be retried.
	Retryable func(error) bool
	// Sleep waits between attempts. Tests substitute a fake clock here.
	Sleep func(context.Context, time.Duration) error
	// OnRetry is invoked before each backoff with the zero-based attempt
	// index, the chosen delay, and the error being absorbed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do executes fn up to Policy.MaxRetries times. Non-retryable errors are
// returned immediately; retryable ones are absorbed until attempts are
// exhausted, at which point the final error is returned wrapped in
// *ExhaustedError. Context cancellation during backoff aborts with the
// context's error.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	attempts := cfg.Policy.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = wait
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := cfg.Policy.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: attempts, LastErr: lastErr}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
