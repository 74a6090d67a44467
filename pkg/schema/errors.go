package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting. The values double as the
// error class names returned by the HTTP API.
const (
	ErrCodeDAGParse            = "DAGParseError"
	ErrCodeDAGValidation       = "DAGValidationError"
	ErrCodeCyclicDependency    = "CyclicDependencyError"
	ErrCodeActionNotFound      = "ActionNotFoundError"
	ErrCodeActionValidation    = "ActionValidationError"
	ErrCodeParameterResolution = "ParameterResolutionError"
	ErrCodeConditionEvaluation = "ConditionEvaluationError"
	ErrCodeStepExecution       = "StepExecutionError"
	ErrCodeRetryExhausted      = "RetryExhaustedError"
	ErrCodeTimeout             = "TimeoutError"
	ErrCodeExecutionNotFound   = "ExecutionNotFoundError"
	ErrCodeWorkflowNotFound    = "WorkflowNotFoundError"

	ErrCodeValidation        = "ValidationError"
	ErrCodeNotFound          = "NotFoundError"
	ErrCodeConflict          = "ConflictError"
	ErrCodeInvalidTransition = "InvalidTransitionError"
	ErrCodeCancelled         = "CancelledError"
	ErrCodeStore             = "StoreError"
)

// PipelineError is the structured error type for all pipeline operations.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *PipelineError) WithStep(stepID string) *PipelineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// IsRetryable reports whether a step failing with this error may be
// re-dispatched by a retry policy. Registry, validation and template
// failures are deterministic and never retried.
func (e *PipelineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeActionNotFound, ErrCodeActionValidation,
		ErrCodeParameterResolution, ErrCodeConditionEvaluation,
		ErrCodeCancelled, ErrCodeRetryExhausted:
		return false
	}
	return true
}

// NewValidationError builds a DAGValidationError carrying every problem found.
func NewValidationError(problems []string) *PipelineError {
	msg := "invalid workflow definition"
	if len(problems) == 1 {
		msg = problems[0]
	} else if len(problems) > 1 {
		msg = fmt.Sprintf("invalid workflow definition: %d errors", len(problems))
	}
	return NewError(ErrCodeDAGValidation, msg).
		WithDetails(map[string]any{"errors": problems})
}

// NewCycleError builds a CyclicDependencyError for the given cycle path.
func NewCycleError(path []string) *PipelineError {
	return NewErrorf(ErrCodeCyclicDependency, "cyclic dependency detected: %s", strings.Join(path, " -> ")).
		WithDetails(map[string]any{"path": path})
}

// AsPipelineError unwraps err into a *PipelineError if one is in its chain.
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	pe, ok := AsPipelineError(err)
	return ok && pe.Code == code
}

// ValidationErrors returns the problem list of a DAGValidationError, or a
// single-element list with the error message for any other error.
func ValidationErrors(err error) []string {
	if err == nil {
		return nil
	}
	pe, ok := AsPipelineError(err)
	if !ok {
		return []string{err.Error()}
	}
	if problems, ok := pe.Details["errors"].([]string); ok {
		return problems
	}
	return []string{pe.Message}
}

// CyclePath returns the cycle path of a CyclicDependencyError.
func CyclePath(err error) []string {
	pe, ok := AsPipelineError(err)
	if !ok || pe.Code != ErrCodeCyclicDependency {
		return nil
	}
	path, _ := pe.Details["path"].([]string)
	return path
}
