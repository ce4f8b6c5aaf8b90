// Package retry runs an operation with exponential backoff until it succeeds,
// fails permanently, or runs out of attempts or time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// PermanentError stops a retry loop immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ErrExhausted wraps the last error once the attempt budget is spent.
var ErrExhausted = errors.New("retries exhausted")

// Backoff configures the retry loop. Zero fields take the defaults noted.
type Backoff struct {
	// Initial is the first delay (1s).
	Initial time.Duration
	// Max caps the delay (30s).
	Max time.Duration
	// Factor multiplies the delay after each attempt (2).
	Factor float64
	// Attempts is the total number of tries including the first. Zero means
	// retry until ctx is done.
	Attempts int
	// Jitter spreads each delay by up to ±20%.
	Jitter bool
	// OnRetry, if set, is called before sleeping with the failed attempt's
	// number, its error and the upcoming delay.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Do calls fn (with a 1-based attempt number) until it returns nil.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay := b.Initial
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if b.Attempts > 0 && attempt >= b.Attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = jitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * factor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	j := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if j < time.Millisecond {
		return time.Millisecond
	}
	return j
}
