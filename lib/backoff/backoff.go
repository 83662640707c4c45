package backoff

import (
	"context"
	"time"
)

// Backoff retries an operation with exponentially growing, capped delays.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

// Default is used for broker calls that hit transient failures.
var Default = Backoff{
	Initial:  50 * time.Millisecond,
	Max:      2 * time.Second,
	Attempts: 5,
}

// Delay returns the wait before the given (zero based) retry.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}

	return d
}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out or ctx is done. The last error is returned.
func (b Backoff) Retry(ctx context.Context, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(attempt)
		if err == nil || !retryable(err) {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}

	return err
}
