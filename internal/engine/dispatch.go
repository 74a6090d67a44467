package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/logging"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// dispatch resolves a runnable step's parameters, marks it running and
// hands it to the worker pool. It reports whether the step now occupies a
// parallelism slot; resolution and validation failures fail the step
// instead.
func (e *Engine) dispatch(ctx context.Context, exec *store.Execution, graph *dag.Graph, rows map[string]*store.StepExecution, id string, scope *expressions.Scope) (bool, error) {
	row := rows[id]
	wf := graph.Steps[id]

	fail := func(cause error) (bool, error) {
		next, err := e.failStep(ctx, exec, row, cause)
		if next != nil {
			rows[id] = next
		}
		return false, err
	}

	action, err := e.registry.Get(row.Action)
	if err != nil {
		return fail(asStepError(err, schema.ErrCodeActionNotFound, id))
	}
	params, err := e.resolver.Resolve(ctx, wf.Params, scope, e.registry.RawParams(row.Action)...)
	if err != nil {
		return fail(asStepError(err, schema.ErrCodeParameterResolution, id))
	}
	if err := e.registry.Validate(row.Action, params); err != nil {
		return fail(asStepError(err, schema.ErrCodeActionValidation, id))
	}

	now := e.now().UTC()
	next := row.Clone()
	next.Status = schema.StepStatusRunning
	next.Params = RedactMap(params)
	next.Outputs = nil
	next.Error = ""
	next.ExternalWorkflowID = ""
	next.TimeoutAt = nil
	next.NextAttemptAt = nil
	next.CompletedAt = nil
	next.StartedAt = &now
	applied, err := e.transitionStep(ctx, row, next)
	if err != nil || !applied {
		return false, err
	}
	rows[id] = next

	timeout := e.cfg.DefaultStepTimeout
	if wf.TimeoutSeconds > 0 {
		timeout = time.Duration(wf.TimeoutSeconds) * time.Second
	}
	ac := &actions.Context{
		ExecutionID:    exec.ID,
		StepID:         id,
		Params:         params,
		ParamKeyOrder:  wf.ParamKeyOrder,
		WorkflowParams: exec.Params,
		StepOutputs:    completedOutputs(rows),
		Invoker:        e.invoker,
		Publisher:      e.publisher,
		Logger:         e.logger,
	}
	e.logger.InfoContext(ctx, "step dispatched",
		slog.String("step_id", id),
		slog.String("action", row.Action),
		slog.Int("attempt", row.RetryCount+1),
	)
	e.launch(action, next, ac, timeout)
	return true, nil
}

func asStepError(err error, code, stepID string) error {
	if pe, ok := schema.AsPipelineError(err); ok {
		if pe.StepID == "" {
			pe.StepID = stepID
		}
		return pe
	}
	return schema.NewError(code, err.Error()).WithStep(stepID).WithCause(err)
}

func inflightKey(executionID, stepID string) string {
	return executionID + "/" + stepID
}

// launch runs a dispatched step on a background goroutine and records its
// outcome. The step's context is cancelled when the execution is.
func (e *Engine) launch(action actions.Action, row *store.StepExecution, ac *actions.Context, timeout time.Duration) {
	key := inflightKey(row.ExecutionID, row.StepID)
	ctx, cancel := context.WithCancel(logging.WithIDs(e.rootCtx, row.ExecutionID, row.StepID))
	e.inflightMu.Lock()
	e.inflight[key] = cancel
	e.inflightMu.Unlock()

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer func() {
			e.inflightMu.Lock()
			delete(e.inflight, key)
			e.inflightMu.Unlock()
			cancel()
		}()

		res, err := e.execute(ctx, action, row, ac, timeout)
		if e.rootCtx.Err() != nil {
			// Shutting down: the row stays running and Recover re-dispatches it.
			return
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			// Cancelled with its execution; the row is already terminal.
			return
		}

		rootCtx := logging.WithIDs(e.rootCtx, row.ExecutionID, row.StepID)
		if err := e.applyOutcome(rootCtx, row, res, err); err != nil {
			e.logger.ErrorContext(rootCtx, "record step outcome", slog.String("error", err.Error()))
		}
		if err := e.advance(e.rootCtx, row.ExecutionID); err != nil {
			e.logger.ErrorContext(rootCtx, "advance execution", slog.String("error", err.Error()))
		}
	}()
}

func (e *Engine) cancelInflight(executionID, stepID string) {
	e.inflightMu.Lock()
	cancel, ok := e.inflight[inflightKey(executionID, stepID)]
	e.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

// execute runs the action inside a pool slot, under the step timeout and a
// tracing span.
func (e *Engine) execute(ctx context.Context, action actions.Action, row *store.StepExecution, ac *actions.Context, timeout time.Duration) (*actions.Result, error) {
	var res *actions.Result
	err := e.pool.Run(ctx, func(ctx context.Context) error {
		ctx, span := e.tracer.Start(ctx, "step.dispatch", trace.WithAttributes(
			attribute.String("budpipeline.execution_id", row.ExecutionID),
			attribute.String("budpipeline.step_id", row.StepID),
			attribute.String("budpipeline.action", row.Action),
			attribute.Int("budpipeline.attempt", row.RetryCount+1),
		))
		defer span.End()

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		r, err := action.Execute(stepCtx, ac)
		e.metrics.StepDispatched(row.Action, time.Since(start))

		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r = nil
			err = schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).
				WithStep(row.StepID).WithCause(context.DeadlineExceeded)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if r != nil && !r.Success {
			span.SetStatus(codes.Error, r.Error)
		}
		res = r
		return err
	})
	return res, err
}

// applyOutcome records the result of a synchronous dispatch. The row must
// still be the one that was dispatched; anything else means the step was
// cancelled or recovered meanwhile and the outcome is dropped.
func (e *Engine) applyOutcome(ctx context.Context, dispatched *store.StepExecution, res *actions.Result, runErr error) error {
	unlock := e.lock(dispatched.ExecutionID)
	defer unlock()

	cur, err := e.store.GetStepExecution(ctx, dispatched.ExecutionID, dispatched.StepID)
	if err != nil {
		return err
	}
	if cur.Status != schema.StepStatusRunning || cur.Version != dispatched.Version {
		e.logger.DebugContext(ctx, "dropping stale step outcome", slog.String("status", string(cur.Status)))
		return nil
	}
	exec, err := e.store.GetExecution(ctx, dispatched.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	switch {
	case runErr != nil:
		_, err = e.failStep(ctx, exec, cur, asStepError(runErr, schema.ErrCodeStepExecution, cur.StepID))
	case res == nil:
		_, err = e.failStep(ctx, exec, cur, schema.NewError(schema.ErrCodeStepExecution, "action returned no result").WithStep(cur.StepID))
	case !res.Success:
		msg := res.Error
		if msg == "" {
			msg = "action reported failure"
		}
		_, err = e.failStep(ctx, exec, cur, schema.NewError(schema.ErrCodeStepExecution, msg).
			WithStep(cur.StepID).WithDetails(map[string]any{"outputs": RedactMap(res.Outputs)}))
	case res.AwaitingEvent:
		err = e.await(ctx, exec, cur, res)
	default:
		_, err = e.completeStep(ctx, exec, cur, res.Outputs, res.SkipSteps)
	}
	return err
}

// await parks an event-driven step until its correlated event or timeout.
func (e *Engine) await(ctx context.Context, exec *store.Execution, cur *store.StepExecution, res *actions.Result) error {
	if res.ExternalWorkflowID == "" {
		_, err := e.failStep(ctx, exec, cur, schema.NewError(schema.ErrCodeStepExecution,
			"event-driven action returned no external workflow id").WithStep(cur.StepID))
		return err
	}

	timeout := e.cfg.DefaultEventTimeout
	if res.TimeoutSeconds > 0 {
		timeout = time.Duration(res.TimeoutSeconds) * time.Second
	} else if st := exec.Definition.StepByID(cur.StepID); st != nil && st.TimeoutSeconds > 0 {
		timeout = time.Duration(st.TimeoutSeconds) * time.Second
	}
	timeoutAt := e.now().UTC().Add(timeout)

	next := cur.Clone()
	next.Status = schema.StepStatusAwaitingEvent
	next.ExternalWorkflowID = res.ExternalWorkflowID
	next.TimeoutAt = &timeoutAt
	next.Outputs = RedactMap(res.Outputs)
	applied, err := e.transitionStep(ctx, cur, next)
	if err != nil || !applied {
		return err
	}
	e.logger.InfoContext(ctx, "step awaiting event",
		slog.String("external_workflow_id", res.ExternalWorkflowID),
		slog.Time("timeout_at", timeoutAt),
	)
	return nil
}

// completeStep marks a step completed and skips the still-pending steps
// its result asks to skip.
func (e *Engine) completeStep(ctx context.Context, exec *store.Execution, cur *store.StepExecution, outputs map[string]any, skip []string) (bool, error) {
	if outputs == nil {
		outputs = map[string]any{}
	}
	now := e.now().UTC()
	next := cur.Clone()
	next.Status = schema.StepStatusCompleted
	next.Outputs = RedactMap(outputs)
	next.Error = ""
	next.NextAttemptAt = nil
	next.CompletedAt = &now
	applied, err := e.settle(ctx, exec, cur, next)
	if err != nil || !applied {
		return applied, err
	}
	e.logger.InfoContext(ctx, "step completed", slog.String("step_id", cur.StepID))

	for _, id := range skip {
		row, err := e.store.GetStepExecution(ctx, exec.ID, id)
		if err != nil {
			e.logger.WarnContext(ctx, "skip target not found", slog.String("target", id))
			continue
		}
		if row.Status != schema.StepStatusPending {
			continue
		}
		if _, err := e.finishStep(ctx, exec, row, schema.StepStatusSkipped, "skipped: branch not taken by step '"+cur.StepID+"'"); err != nil {
			return true, err
		}
	}
	return true, nil
}

// actionContext builds the context handed to event, timeout and cancel
// handlers of a persisted step.
func (e *Engine) actionContext(exec *store.Execution, row *store.StepExecution) *actions.Context {
	return &actions.Context{
		ExecutionID:        row.ExecutionID,
		StepID:             row.StepID,
		Params:             row.Params,
		WorkflowParams:     exec.Params,
		ExternalWorkflowID: row.ExternalWorkflowID,
		Invoker:            e.invoker,
		Publisher:          e.publisher,
		Logger:             e.logger,
	}
}
