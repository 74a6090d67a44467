package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/budpipeline/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("connection refused")))
	assert.True(t, IsRetryableError(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
}

func TestIsRetryableError_PipelineErrors(t *testing.T) {
	retryable := []string{
		schema.ErrCodeStepExecution,
		schema.ErrCodeTimeout,
		schema.ErrCodeStore,
	}
	for _, code := range retryable {
		assert.True(t, IsRetryableError(schema.NewError(code, "x")), code)
	}

	nonRetryable := []string{
		schema.ErrCodeActionNotFound,
		schema.ErrCodeActionValidation,
		schema.ErrCodeParameterResolution,
		schema.ErrCodeConditionEvaluation,
		schema.ErrCodeCancelled,
		schema.ErrCodeRetryExhausted,
	}
	for _, code := range nonRetryable {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), code)
	}
}

func TestComputeBackoff(t *testing.T) {
	cfg := &schema.RetryConfig{BackoffSeconds: 1, BackoffMultiplier: 2, MaxBackoffSeconds: 5}

	assert.Equal(t, time.Second, ComputeBackoff(cfg, 0))
	assert.Equal(t, 2*time.Second, ComputeBackoff(cfg, 1))
	assert.Equal(t, 4*time.Second, ComputeBackoff(cfg, 2))
	assert.Equal(t, 5*time.Second, ComputeBackoff(cfg, 3)) // capped
	assert.Equal(t, 5*time.Second, ComputeBackoff(cfg, 10))
}

func TestComputeBackoff_Fractional(t *testing.T) {
	cfg := &schema.RetryConfig{BackoffSeconds: 0.5, BackoffMultiplier: 3}
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(cfg, 0))
	assert.Equal(t, 1500*time.Millisecond, ComputeBackoff(cfg, 1))
}

func TestComputeBackoff_NoDelay(t *testing.T) {
	assert.Zero(t, ComputeBackoff(nil, 1))
	assert.Zero(t, ComputeBackoff(&schema.RetryConfig{}, 1))
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
