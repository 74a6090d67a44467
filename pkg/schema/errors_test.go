package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeStepExecution, "boom %d", 1).WithStep("fetch")
	assert.Equal(t, "[StepExecutionError] step fetch: boom 1", err.Error())

	plain := NewError(ErrCodeNotFound, "missing")
	assert.Equal(t, "[NotFoundError] missing", plain.Error())
}

func TestPipelineError_UnwrapAndAs(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("persist: %w", NewError(ErrCodeStore, "write failed").WithCause(cause))

	pe, ok := AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeStore, pe.Code)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsCode(err, ErrCodeStore))
	assert.False(t, IsCode(errors.New("x"), ErrCodeStore))
}

func TestPipelineError_IsRetryable(t *testing.T) {
	assert.False(t, NewError(ErrCodeActionNotFound, "").IsRetryable())
	assert.False(t, NewError(ErrCodeActionValidation, "").IsRetryable())
	assert.False(t, NewError(ErrCodeParameterResolution, "").IsRetryable())
	assert.False(t, NewError(ErrCodeConditionEvaluation, "").IsRetryable())
	assert.True(t, NewError(ErrCodeStepExecution, "").IsRetryable())
	assert.True(t, NewError(ErrCodeTimeout, "").IsRetryable())
}

func TestNewCycleError(t *testing.T) {
	err := NewCycleError([]string{"a", "b", "a"})
	assert.Contains(t, err.Error(), "a -> b -> a")
	assert.Equal(t, []string{"a", "b", "a"}, CyclePath(err))
	assert.Nil(t, CyclePath(errors.New("other")))
}

func TestValidationErrors(t *testing.T) {
	err := NewValidationError([]string{"one", "two"})
	assert.Equal(t, "invalid workflow definition: 2 errors", err.Message)
	assert.Equal(t, []string{"one", "two"}, ValidationErrors(err))

	assert.Equal(t, []string{"plain"}, ValidationErrors(errors.New("plain")))
	assert.Nil(t, ValidationErrors(nil))
}
