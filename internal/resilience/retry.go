// Package resilience provides capped exponential backoff and retry helpers.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff describes a capped exponential backoff policy.
type Backoff struct {
	Initial    time.Duration // delay before the second attempt
	Max        time.Duration // cap for any single delay
	Multiplier float64       // growth factor between attempts
	Jitter     bool          // add up to 25% random jitter
}

// DefaultBackoff returns a backoff policy suitable for network collaborators.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	d := CalculateBackoff(attempt, b.Initial, b.Max, mult)
	if b.Jitter && d > 0 {
		d += time.Duration(rand.Int64N(int64(d)/4 + 1))
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
	}
	return d
}

// CalculateBackoff calculates the backoff duration for a given attempt.
func CalculateBackoff(attempt int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(attempt)))
	if maxBackoff > 0 && (backoff > maxBackoff || backoff < 0) {
		return maxBackoff
	}
	return backoff
}

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxAttempts int // total attempts including the first
	Backoff     Backoff
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
	}
}

// ErrAttemptsExhausted wraps the last error once every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// AttemptError reports the number of attempts made and the last failure.
type AttemptError struct {
	Attempts int
	Err      error
}

func (e *AttemptError) Error() string {
	return ErrAttemptsExhausted.Error() + ": " + e.Err.Error()
}

func (e *AttemptError) Unwrap() []error {
	return []error{ErrAttemptsExhausted, e.Err}
}

// Retry runs fn until it succeeds, returns a non-retryable error, the attempts run out
// or ctx ends. onRetry, if set, is called before each wait.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return &AttemptError{Attempts: attempt, Err: lastErr}
			}
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}

		if attempt < attempts-1 {
			wait := cfg.Backoff.Delay(attempt)
			if onRetry != nil {
				onRetry(attempt+1, err, wait)
			}
			if err := Sleep(ctx, wait); err != nil {
				return &AttemptError{Attempts: attempt + 1, Err: lastErr}
			}
		}
	}

	return &AttemptError{Attempts: attempts, Err: lastErr}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error was marked permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
