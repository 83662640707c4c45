package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("transient")

func TestDelay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Attempts: 5}

	assert.Equal(t, 10*time.Millisecond, b.Delay(0))
	assert.Equal(t, 20*time.Millisecond, b.Delay(1))
	assert.Equal(t, 40*time.Millisecond, b.Delay(2))
	assert.Equal(t, 50*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(10))
}

func TestRetry(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: time.Millisecond, Attempts: 3}
	retryable := func(err error) bool { return errors.Is(err, errTransient) }

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := b.Retry(context.Background(), retryable, func(int) error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := b.Retry(context.Background(), retryable, func(int) error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		permanent := errors.New("permanent")
		calls := 0
		err := b.Retry(context.Background(), retryable, func(int) error {
			calls++
			return permanent
		})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("honours cancellation", func(t *testing.T) {
		slow := Backoff{Initial: time.Hour, Max: time.Hour, Attempts: 3}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := slow.Retry(ctx, retryable, func(int) error { return errTransient })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
