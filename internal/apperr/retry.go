package apperr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions configures Retry. Zero values fall back to defaults.
type RetryOptions struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retry runs op with exponential backoff until it succeeds, returns an
// unrecoverable error, the attempt budget is spent, or ctx is done.
// It is opt-in per call site; nothing in the storage layer retries on its own.
func Retry(ctx context.Context, op func() error, opts RetryOptions) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 50 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 2 * time.Second
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = opts.InitialInterval
	eb.MaxInterval = opts.MaxInterval
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(opts.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsRecoverable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
