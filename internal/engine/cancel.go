package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/logging"
	"github.com/rendis/budpipeline/internal/progress"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// Cancel cancels a non-terminal execution. Pending and running steps are
// cancelled; awaiting steps get a bounded, best-effort remote cancel and are
// cancelled locally whatever its outcome.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*store.Execution, error) {
	unlock := e.lock(executionID)
	defer unlock()
	ctx = logging.WithExecutionID(ctx, executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is already %s", executionID, exec.Status).
			WithDetails(map[string]any{"status": string(exec.Status)})
	}

	rows, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	cancelled := 0
	for _, row := range rows {
		if row.Status.IsTerminal() {
			continue
		}
		next, err := e.cancelStep(ctx, exec, row, "cancelled: execution cancelled")
		if err != nil {
			return nil, err
		}
		if next != nil {
			cancelled++
		}
	}

	exec.Error = "execution cancelled"
	if err := e.closeExecution(ctx, exec, schema.ExecutionStatusCancelled); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "execution cancelled", slog.Int("steps_cancelled", cancelled))
	return exec, nil
}

// cancelStep cancels one non-terminal step without recording per-step
// progress. It returns the written row, or nil when a concurrent writer won.
func (e *Engine) cancelStep(ctx context.Context, exec *store.Execution, row *store.StepExecution, reason string) (*store.StepExecution, error) {
	switch row.Status {
	case schema.StepStatusRunning:
		e.cancelInflight(row.ExecutionID, row.StepID)
	case schema.StepStatusAwaitingEvent:
		if action, err := e.registry.Get(row.Action); err == nil {
			e.cancelRemote(ctx, action, e.actionContext(exec, row))
		}
	}

	now := e.now().UTC()
	next := row.Clone()
	next.Status = schema.StepStatusCancelled
	next.Error = reason
	next.NextAttemptAt = nil
	next.CompletedAt = &now
	applied, err := e.transitionStep(ctx, row, next)
	if err != nil || !applied {
		return nil, err
	}
	return next, nil
}

// cancelRemote asks the action to stop the remote operation behind an
// awaiting step. It is bounded by CancelTimeout and its failure is only
// logged.
func (e *Engine) cancelRemote(ctx context.Context, action actions.Action, ac *actions.Context) {
	c, ok := action.(actions.Canceller)
	if !ok || ac.ExternalWorkflowID == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CancelTimeout)
	defer cancel()
	if err := c.Cancel(cctx, ac); err != nil {
		e.logger.WarnContext(ctx, "remote cancel failed",
			slog.String("step_id", ac.StepID),
			slog.String("external_workflow_id", ac.ExternalWorkflowID),
			slog.String("error", err.Error()),
		)
	}
}

// closeExecution records a terminal status reached outside normal
// finalization.
func (e *Engine) closeExecution(ctx context.Context, exec *store.Execution, status schema.ExecutionStatus) error {
	if rows, err := e.store.ListStepExecutions(ctx, exec.ID); err == nil {
		exec.ProgressPercentage = progress.Compute(rows).Percentage
	}
	now := e.now().UTC()
	exec.CompletedAt = &now
	if err := e.transitionExecution(ctx, exec, status); err != nil {
		return err
	}
	if _, err := e.tracker.Completed(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "record completion progress", slog.String("error", err.Error()))
	}
	return nil
}

// Recover resumes every non-terminal execution after a restart. Steps left
// running by an interrupted dispatch return to pending and are dispatched
// again; awaiting steps keep waiting for their event; completed steps are
// never re-executed. It returns the number of executions resumed. Call it
// once at startup, before this process dispatches anything.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	execs, err := e.store.ListActiveExecutions(ctx)
	if err != nil {
		return 0, err
	}
	for _, exec := range execs {
		if err := e.resetInterrupted(ctx, exec.ID); err != nil {
			e.logger.ErrorContext(ctx, "reset interrupted steps",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.goAdvance(exec.ID)
	}
	if len(execs) > 0 {
		e.logger.InfoContext(ctx, "resumed executions", slog.Int("count", len(execs)))
	}
	return len(execs), nil
}

func (e *Engine) resetInterrupted(ctx context.Context, executionID string) error {
	unlock := e.lock(executionID)
	defer unlock()

	rows, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status != schema.StepStatusRunning {
			continue
		}
		next := row.Clone()
		next.Status = schema.StepStatusPending
		next.StartedAt = nil
		if _, err := e.transitionStep(ctx, row, next); err != nil {
			return err
		}
	}
	return nil
}
