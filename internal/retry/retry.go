// Package retry wraps fallible operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	zerologlog "github.com/rs/zerolog/log"

	"github.com/umbrellasoft/ratecore/internal/types"
)

// ErrRetriesExhausted is returned (wrapping the last cause) once every
// attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Options controls the retry loop. Retries is the number of attempts after
// the first one. RetryIf decides whether a failure is worth retrying; when
// nil every error is retryable.
type Options struct {
	Retries       int
	Delay         time.Duration
	BackoffFactor float64
	RetryIf       func(error) bool
}

// DefaultOptions mirrors the production defaults: three retries starting
// at one second, doubling each attempt.
func DefaultOptions() Options {
	return Options{Retries: 3, Delay: time.Second, BackoffFactor: 2.0}
}

// Do runs op until it succeeds, the configured retries are spent, or ctx is
// cancelled. A rate-limit failure that carries a server-suggested delay
// overrides the computed backoff for the next attempt. Sleeping is
// cooperative: it suspends on a timer and never blocks other goroutines.
func Do[T any](ctx context.Context, op func(context.Context) (T, error), opts Options) (T, error) {
	var zero T
	var lastErr error

	currentDelay := opts.Delay
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if opts.RetryIf != nil && !opts.RetryIf(err) {
			return zero, err
		}

		if retryAfter := types.RetryAfterOf(err); retryAfter > 0 {
			currentDelay = retryAfter
		}

		if attempt == opts.Retries {
			break
		}

		zerologlog.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("retries", opts.Retries).
			Dur("delay", currentDelay).
			Msg("operation failed, retrying")

		if err := sleep(ctx, currentDelay); err != nil {
			return zero, err
		}
		currentDelay = time.Duration(float64(currentDelay) * opts.BackoffFactor)
	}

	zerologlog.Error().Err(lastErr).Int("retries", opts.Retries).Msg("operation failed, max retries reached")
	return zero, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
