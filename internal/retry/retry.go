// Package retry provides the bounded exponential backoff used around every
// outbound adapter call. Errors are retried by default; wrap with Stop to
// fail fast on errors that cannot succeed on a second attempt.
package retry

import (
	"context"
	"errors"
	"time"
)

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Stop marks err as non-retryable. Do unwraps it before returning.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do invokes fn up to attempts times, sleeping base, 2*base, 4*base, ...
// between attempts. It returns nil on the first success, the unwrapped error
// for Stop-marked failures, and the last error once the budget is spent.
// Context cancellation ends the loop immediately.
func Do(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		var p permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
