package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/JakeFAU/linksniff/internal/metrics"
)

// Retry re-runs store operations that fail on lock contention.
type Retry struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is multiplied by the attempt number between tries.
	Backoff time.Duration
	// Transient reports whether an error is contention worth retrying.
	Transient func(error) bool
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempts are exhausted. The last error is returned wrapped with op.
func (r Retry) Do(ctx context.Context, op string, fn func() error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: r.Backoff}, uint64(attempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && (r.Transient == nil || !r.Transient(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(error, time.Duration) {
		metrics.ObserveStoreRetry(op)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// linearBackOff waits step, then 2*step, then 3*step, and so on.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
