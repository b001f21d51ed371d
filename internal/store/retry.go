package store

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/spetr/repograph/pkg/types"
)

// Retry policy for backend calls. Transient failures are retried with
// exponential backoff and jitter; caller errors are returned immediately.
const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// retryable reports whether an error is worth another attempt. Validation
// and lookup failures are deterministic and never retried.
func retryable(err error) bool {
	switch types.Kind(err) {
	case types.KindInvalidArgument, types.KindNotFound,
		types.KindDanglingReference, types.KindCycle, types.KindParseError:
		return false
	}
	return true
}

// withRetry runs fn up to retryAttempts times. Exhausted retries surface as
// ErrBackendUnavailable with the last cause attached.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	var err error
	delay := retryBaseDelay

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}

		jitter := time.Duration(rand.Int63n(int64(delay / 2)))
		logger.Warn("backend call failed, retrying",
			"op", op, "attempt", attempt, "delay", delay+jitter, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	return fmt.Errorf("%w: %s failed after %d attempts: %v",
		types.ErrBackendUnavailable, op, retryAttempts, err)
}
