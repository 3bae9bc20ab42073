package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted reports that every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry calls fn up to attempts times, waiting Delay(policy, n) after the
// n-th failure. attempt passed to fn counts from 1. On exhaustion the error
// wraps both ErrExhausted and the last failure; if ctx ends first its error
// is returned instead.
func Retry[T any](ctx context.Context, policy Policy, attempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		last = err
		if attempt == attempts {
			break
		}
		if err := Wait(ctx, Delay(policy, attempt-1)); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

// Wait blocks for d or until ctx ends, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
