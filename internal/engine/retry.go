package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rendis/budpipeline/pkg/schema"
)

// IsRetryableError classifies whether a step failure may be re-dispatched.
// Typed pipeline errors decide for themselves; cancellation never retries;
// anything else is left to the retry policy to bound.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step deadline, not shutdown.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	if pe, ok := schema.AsPipelineError(err); ok {
		return pe.IsRetryable()
	}

	return true
}

// ComputeBackoff returns the delay before re-dispatching a step that has
// already been retried attempt times: backoff_seconds * multiplier^attempt,
// capped at max_backoff_seconds. The first retry waits backoff_seconds.
func ComputeBackoff(cfg *schema.RetryConfig, attempt int) time.Duration {
	if cfg == nil || cfg.BackoffSeconds <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	seconds := cfg.BackoffSeconds * math.Pow(mult, float64(attempt))
	if cfg.MaxBackoffSeconds > 0 && seconds > cfg.MaxBackoffSeconds {
		seconds = cfg.MaxBackoffSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
