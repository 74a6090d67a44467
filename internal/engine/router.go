package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/logging"
	"github.com/rendis/budpipeline/internal/progress"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// RouterResult reports what happened to a routed event.
type RouterResult struct {
	Matched     bool                  `json:"matched"`
	Applied     bool                  `json:"applied"`
	ExecutionID string                `json:"execution_id,omitempty"`
	StepID      string                `json:"step_id,omitempty"`
	Decision    actions.EventDecision `json:"decision,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

// RouteEvent delivers an external event to the step awaiting it, found by
// its correlation id in the store. A string "execution_id" in the payload
// narrows the lookup to that execution. Unmatched, late and duplicate events
// are logged and dropped; RouteEvent never fails the caller.
func (e *Engine) RouteEvent(ctx context.Context, externalID string, payload map[string]any) RouterResult {
	ctx, span := e.tracer.Start(ctx, "event.route", trace.WithAttributes(
		attribute.String("budpipeline.external_workflow_id", externalID),
	))
	defer span.End()

	res := e.routeEvent(ctx, externalID, payload)
	span.SetAttributes(
		attribute.Bool("budpipeline.matched", res.Matched),
		attribute.Bool("budpipeline.applied", res.Applied),
		attribute.String("budpipeline.decision", string(res.Decision)),
	)
	decision := string(res.Decision)
	if !res.Matched {
		decision = "unmatched"
	}
	e.metrics.EventRouted(decision)
	return res
}

func (e *Engine) routeEvent(ctx context.Context, externalID string, payload map[string]any) RouterResult {
	var res RouterResult
	if externalID == "" {
		res.Reason = "event carries no workflow id"
		return res
	}
	executionID, _ := payload["execution_id"].(string)
	step, err := e.store.FindStepByExternalID(ctx, executionID, externalID)
	if err != nil {
		res.Reason = "no step correlated with " + externalID
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			e.logger.ErrorContext(ctx, "look up correlated step", slog.String("error", err.Error()))
		}
		e.logger.InfoContext(ctx, "dropping uncorrelated event", slog.String("external_workflow_id", externalID))
		return res
	}
	res.Matched = true
	res.ExecutionID = step.ExecutionID
	res.StepID = step.StepID
	ctx = logging.WithIDs(ctx, step.ExecutionID, step.StepID)

	if step.Status != schema.StepStatusAwaitingEvent {
		res.Decision = actions.EventIgnore
		res.Reason = "step is " + string(step.Status)
		e.logger.InfoContext(ctx, "dropping event for step no longer awaiting", slog.String("status", string(step.Status)))
		return res
	}
	exec, err := e.store.GetExecution(ctx, step.ExecutionID)
	if err != nil {
		res.Reason = err.Error()
		return res
	}

	ac := e.actionContext(exec, step)
	outcome := actions.DefaultClassify(payload)
	if action, err := e.registry.Get(step.Action); err == nil {
		if h, ok := action.(actions.EventHandler); ok {
			outcome = h.OnEvent(ctx, ac, payload)
		}
	}
	res.Decision = outcome.Decision

	switch outcome.Decision {
	case actions.EventComplete:
		applied, err := e.completeAwaiting(ctx, step, outcome)
		if err != nil {
			res.Reason = err.Error()
			e.logger.ErrorContext(ctx, "apply completion event", slog.String("error", err.Error()))
			return res
		}
		res.Applied = applied
		if applied {
			e.goAdvance(step.ExecutionID)
		} else {
			res.Reason = "step already finished"
		}

	case actions.EventUpdateProgress:
		rows, err := e.store.ListStepExecutions(ctx, exec.ID)
		if err != nil {
			res.Reason = err.Error()
			return res
		}
		applied, err := e.tracker.External(ctx, exec, len(rows), progress.Update{
			StepID:         step.StepID,
			ExternalID:     externalID,
			Progress:       outcome.Progress,
			ETASeconds:     outcome.ETASeconds,
			Message:        outcome.Message,
			SequenceNumber: outcome.SequenceNumber,
		})
		if err != nil {
			res.Reason = err.Error()
			e.logger.ErrorContext(ctx, "record external progress", slog.String("error", err.Error()))
			return res
		}
		res.Applied = applied
		if !applied {
			res.Reason = "stale sequence number"
		}

	default:
		res.Reason = "event ignored by action"
	}
	return res
}

// completeAwaiting finishes an awaiting step from a completion event.
func (e *Engine) completeAwaiting(ctx context.Context, seen *store.StepExecution, outcome actions.EventOutcome) (bool, error) {
	unlock := e.lock(seen.ExecutionID)
	defer unlock()

	cur, err := e.store.GetStepExecution(ctx, seen.ExecutionID, seen.StepID)
	if err != nil {
		return false, err
	}
	if cur.Status != schema.StepStatusAwaitingEvent || cur.ExternalWorkflowID != seen.ExternalWorkflowID {
		return false, nil
	}
	exec, err := e.store.GetExecution(ctx, cur.ExecutionID)
	if err != nil {
		return false, err
	}

	if outcome.Success {
		outputs := maps.Clone(cur.Outputs)
		if outputs == nil {
			outputs = map[string]any{}
		}
		maps.Copy(outputs, outcome.Outputs)
		return e.completeStep(ctx, exec, cur, outputs, nil)
	}

	msg := outcome.Error
	if msg == "" {
		msg = "external workflow failed"
	}
	next, err := e.failStep(ctx, exec, cur, schema.NewError(schema.ErrCodeStepExecution, msg).WithStep(cur.StepID))
	return next != nil, err
}

// ProcessTimeout expires an awaiting step whose timeout_at has elapsed.
// Actions implementing TimeoutHandler may complete the step instead, as the
// wait action does; every other step ends in the timeout status with a
// TimeoutError, subject to its retry policy. It reports whether this call
// changed the step.
func (e *Engine) ProcessTimeout(ctx context.Context, step *store.StepExecution) (bool, error) {
	ctx = logging.WithIDs(ctx, step.ExecutionID, step.StepID)
	applied, err := e.processTimeout(ctx, step)
	if err == nil && applied {
		e.goAdvance(step.ExecutionID)
	}
	return applied, err
}

func (e *Engine) processTimeout(ctx context.Context, seen *store.StepExecution) (bool, error) {
	unlock := e.lock(seen.ExecutionID)
	defer unlock()

	cur, err := e.store.GetStepExecution(ctx, seen.ExecutionID, seen.StepID)
	if err != nil {
		return false, err
	}
	if cur.Status != schema.StepStatusAwaitingEvent {
		return false, nil
	}
	exec, err := e.store.GetExecution(ctx, cur.ExecutionID)
	if err != nil {
		return false, err
	}

	ac := e.actionContext(exec, cur)
	action, lookupErr := e.registry.Get(cur.Action)
	if lookupErr == nil {
		if h, ok := action.(actions.TimeoutHandler); ok {
			if res := h.OnTimeout(ctx, ac); res != nil && res.Success {
				outputs := maps.Clone(cur.Outputs)
				if outputs == nil {
					outputs = map[string]any{}
				}
				maps.Copy(outputs, res.Outputs)
				return e.completeStep(ctx, exec, cur, outputs, res.SkipSteps)
			}
		}
	}

	waited := "the external event"
	if cur.TimeoutAt != nil && cur.StartedAt != nil {
		waited = fmt.Sprintf("the external event after %s", cur.TimeoutAt.Sub(*cur.StartedAt).Round(time.Second))
	}
	cause := schema.NewErrorf(schema.ErrCodeTimeout, "step timed out waiting for %s", waited).
		WithStep(cur.StepID).
		WithDetails(map[string]any{"external_workflow_id": cur.ExternalWorkflowID})
	next, err := e.failStep(ctx, exec, cur, cause)
	if err != nil || next == nil {
		return false, err
	}
	if lookupErr == nil {
		e.cancelRemote(ctx, action, ac)
	}
	return true, nil
}

// SweepResult counts the work done by one sweep.
type SweepResult struct {
	TimedOut          int `json:"timed_out"`
	ExecutionsExpired int `json:"executions_expired"`
	RetriesDue        int `json:"retries_due"`
}

// SweepTimeouts expires awaiting steps and executions past their deadline
// and advances executions whose retry backoff elapsed.
func (e *Engine) SweepTimeouts(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := e.now()

	steps, err := e.store.ListExpiredAwaitingSteps(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list expired steps: %w", err)
	}
	for _, st := range steps {
		applied, err := e.ProcessTimeout(ctx, st)
		if err != nil {
			e.logger.ErrorContext(ctx, "process step timeout",
				slog.String("execution_id", st.ExecutionID),
				slog.String("step_id", st.StepID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if applied {
			res.TimedOut++
		}
	}

	execs, err := e.store.ListExpiredExecutions(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list expired executions: %w", err)
	}
	for _, exec := range execs {
		expired, err := e.expire(ctx, exec.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "expire execution",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if expired {
			res.ExecutionsExpired++
		}
	}

	due, err := e.store.ListDueRetries(ctx, now)
	if err != nil {
		return res, fmt.Errorf("list due retries: %w", err)
	}
	seen := make(map[string]bool, len(due))
	for _, st := range due {
		if seen[st.ExecutionID] {
			continue
		}
		seen[st.ExecutionID] = true
		res.RetriesDue++
		e.goAdvance(st.ExecutionID)
	}
	return res, nil
}

// expire fails an execution that passed its deadline and cancels its
// remaining steps.
func (e *Engine) expire(ctx context.Context, executionID string) (bool, error) {
	unlock := e.lock(executionID)
	defer unlock()
	ctx = logging.WithExecutionID(ctx, executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status.IsTerminal() || exec.DeadlineAt == nil || exec.DeadlineAt.After(e.now()) {
		return false, nil
	}
	rows, err := e.stepRows(ctx, executionID)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.Status.IsTerminal() {
			continue
		}
		if _, err := e.cancelStep(ctx, exec, row, "cancelled: execution timed out"); err != nil {
			return false, err
		}
	}

	timeout := exec.Definition.Settings.TimeoutSeconds
	exec.Error = errorText(schema.NewErrorf(schema.ErrCodeTimeout, "execution timed out after %ds", timeout))
	if err := e.closeExecution(ctx, exec, schema.ExecutionStatusFailed); err != nil {
		return false, err
	}
	e.logger.WarnContext(ctx, "execution timed out", slog.Int("timeout_seconds", timeout))
	return true, nil
}
