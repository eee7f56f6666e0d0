package jobstore

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

const defaultBusyRetries = 5

// do runs f, retrying while SQLite reports BUSY or LOCKED, and wraps any
// remaining failure as a StorageError for op.
func (s *Store) do(ctx context.Context, op string, f func() error) error {
	err := retryBusy(ctx, s.busyRetries, f)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// retryBusy runs f up to retries+1 times while it fails with BUSY or LOCKED.
//
// Backoff doubles from 50ms and is capped at 500ms, with ±25% jitter, on top
// of the driver's own busy_timeout.
func retryBusy(ctx context.Context, retries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == retries {
			return err
		}

		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
