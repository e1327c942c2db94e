package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
)

// transientError marks a failure worth retrying, such as a rate limit or a
// momentary server error.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// withRetry runs op up to attempts times with exponential backoff starting
// at initial, retrying only failures marked transient. Zero or negative
// values fall back to the package defaults. Context cancellation aborts the
// wait between attempts.
func withRetry(ctx context.Context, attempts int, initial time.Duration, op func() error) error {
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	if initial <= 0 {
		initial = defaultBackoff
	}

	var lastErr error
	for attempt := range attempts {
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}

		lastErr = err
		if attempt < attempts-1 {
			backoff := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// classify maps transport failures onto the package sentinels so callers can
// tell a timeout from an unreachable backend. Cancellation passes through
// untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
