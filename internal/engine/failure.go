package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// FailureDecision is what a step failure leads to.
type FailureDecision struct {
	// Retry re-dispatches the step after Delay.
	Retry bool
	Delay time.Duration
	// Status is the terminal status when the step does not retry.
	Status schema.StepStatus
	// Err is the error recorded on the step.
	Err error
}

// DecideFailure applies a step's retry configuration to a failure.
// retryCount is the number of retries already made, so the step has run
// retryCount+1 times; max_attempts bounds the total number of runs.
// Deterministic failures never retry. A timeout, retried or not, ends in
// the timeout status.
func DecideFailure(def *schema.WorkflowDAG, step *schema.WorkflowStep, retryCount int, cause error) FailureDecision {
	status := schema.StepStatusFailed
	if schema.IsCode(cause, schema.ErrCodeTimeout) {
		status = schema.StepStatusTimeout
	}

	var retry *schema.RetryConfig
	if step != nil {
		retry = def.EffectiveRetry(step)
	}
	if retry == nil || !IsRetryableError(cause) {
		return FailureDecision{Status: status, Err: cause}
	}
	if retryCount+1 < retry.MaxAttempts {
		return FailureDecision{Retry: true, Delay: ComputeBackoff(retry, retryCount), Err: cause}
	}

	stepID := ""
	if step != nil {
		stepID = step.ID
	}
	exhausted := schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"retry exhausted after %d attempts: %s", retryCount+1, errorText(cause)).
		WithStep(stepID).WithCause(cause)
	return FailureDecision{Status: status, Err: exhausted}
}

// failStep applies the failure policy to a step and returns the written
// row, or nil when a concurrent writer won.
func (e *Engine) failStep(ctx context.Context, exec *store.Execution, cur *store.StepExecution, cause error) (*store.StepExecution, error) {
	step := exec.Definition.StepByID(cur.StepID)
	d := DecideFailure(exec.Definition, step, cur.RetryCount, cause)

	now := e.now().UTC()
	next := cur.Clone()
	next.Error = RedactString(errorText(d.Err))

	if d.Retry {
		at := now.Add(d.Delay)
		next.Status = schema.StepStatusPending
		next.RetryCount = cur.RetryCount + 1
		next.NextAttemptAt = &at
		next.ExternalWorkflowID = ""
		next.TimeoutAt = nil
		next.CompletedAt = nil
		applied, err := e.transitionStep(ctx, cur, next)
		if err != nil || !applied {
			return nil, err
		}
		e.logger.WarnContext(ctx, "step failed, retrying",
			slog.String("step_id", cur.StepID),
			slog.Int("retry", next.RetryCount),
			slog.Duration("backoff", d.Delay),
			slog.String("error", next.Error),
		)
		e.scheduleRetry(exec.ID, d.Delay)
		return next, nil
	}

	next.Status = d.Status
	next.NextAttemptAt = nil
	next.CompletedAt = &now
	applied, err := e.settle(ctx, exec, cur, next)
	if err != nil || !applied {
		return nil, err
	}
	policy := schema.OnFailureFail
	if step != nil && step.OnFailure != "" {
		policy = step.OnFailure
	}
	e.logger.WarnContext(ctx, "step failed",
		slog.String("step_id", cur.StepID),
		slog.String("status", string(next.Status)),
		slog.String("on_failure", string(policy)),
		slog.String("error", next.Error),
	)
	return next, nil
}

// scheduleRetry advances the execution once a retry backoff elapses. The
// backoff is also persisted in next_attempt_at, so a restart or the sweeper
// picks the retry up if this timer never fires.
func (e *Engine) scheduleRetry(executionID string, delay time.Duration) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if err := WaitForBackoff(e.rootCtx, delay); err != nil {
			return
		}
		if err := e.advance(e.rootCtx, executionID); err != nil {
			e.logger.ErrorContext(e.rootCtx, "advance after retry backoff",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	if pe, ok := schema.AsPipelineError(err); ok {
		return pe.Code + ": " + pe.Message
	}
	return err.Error()
}
