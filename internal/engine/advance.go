package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/logging"
	"github.com/rendis/budpipeline/internal/progress"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// advance re-evaluates an execution until a pass changes nothing. Every
// decision is made from persisted rows, so advance is safe to call at any
// time and from any goroutine.
func (e *Engine) advance(ctx context.Context, executionID string) error {
	unlock := e.lock(executionID)
	defer unlock()

	ctx = logging.WithExecutionID(ctx, executionID)
	for {
		changed, err := e.advanceOnce(ctx, executionID)
		if err != nil || !changed {
			return err
		}
	}
}

type depVerdict int

const (
	depReady depVerdict = iota
	depWait
	depSkip
	depCancel
)

func (e *Engine) advanceOnce(ctx context.Context, executionID string) (bool, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}
	graph, err := dag.BuildGraph(exec.Definition)
	if err != nil {
		return false, fmt.Errorf("rebuild graph: %w", err)
	}
	rows, err := e.stepRows(ctx, executionID)
	if err != nil {
		return false, err
	}

	if exec.Status == schema.ExecutionStatusPending {
		now := e.now().UTC()
		exec.StartedAt = &now
		if err := e.transitionExecution(ctx, exec, schema.ExecutionStatusRunning); err != nil {
			return false, err
		}
	}

	def := exec.Definition
	if def.Settings.IsFailFast() && firstBlockingFailure(def, graph, rows) != nil {
		return false, e.abort(ctx, exec, graph, rows, "cancelled: execution failed")
	}

	now := e.now()
	scope := e.scope(exec, rows)
	changed := false
	var runnable []string

	for _, id := range graph.Sorted {
		row := rows[id]
		if row == nil || row.Status != schema.StepStatusPending {
			continue
		}

		verdict, reason := dependencyVerdict(def, graph, rows, id)
		switch verdict {
		case depWait:
			continue
		case depCancel, depSkip:
			to := schema.StepStatusSkipped
			if verdict == depCancel {
				to = schema.StepStatusCancelled
			}
			next, err := e.finishStep(ctx, exec, row, to, reason)
			if err != nil {
				return changed, err
			}
			if next != nil {
				rows[id] = next
				changed = true
			}
			continue
		}

		if row.NextAttemptAt != nil && row.NextAttemptAt.After(now) {
			continue
		}

		ok, err := e.conditions.Evaluate(ctx, graph.Steps[id].Condition, scope, false)
		if err != nil {
			next, ferr := e.failStep(ctx, exec, row, schema.NewErrorf(schema.ErrCodeConditionEvaluation,
				"condition of step '%s' failed: %s", id, err.Error()).WithStep(id).WithCause(err))
			if ferr != nil {
				return changed, ferr
			}
			if next != nil {
				rows[id] = next
				changed = true
			}
			continue
		}
		if !ok {
			next, err := e.finishStep(ctx, exec, row, schema.StepStatusSkipped, "condition evaluated to false")
			if err != nil {
				return changed, err
			}
			if next != nil {
				rows[id] = next
				changed = true
			}
			continue
		}
		runnable = append(runnable, id)
	}

	slots := def.MaxParallel() - countActive(rows)
	for _, id := range runnable {
		if slots <= 0 {
			break
		}
		dispatched, err := e.dispatch(ctx, exec, graph, rows, id, scope)
		if err != nil {
			return changed, err
		}
		changed = true
		if dispatched {
			slots--
		}
	}

	if allTerminal(rows) {
		return false, e.finalize(ctx, exec, graph, rows)
	}
	return changed, nil
}

// dependencyVerdict decides what the state of a pending step's
// dependencies means for it. A dependency that failed under the fail
// policy, or was cancelled, cancels the step. A dependency that failed
// under the continue policy leaves the step unsatisfied, so it is skipped.
// A step whose dependencies were all skipped is skipped in turn; one
// completed dependency is enough to let the step's own condition decide.
func dependencyVerdict(def *schema.WorkflowDAG, graph *dag.Graph, rows map[string]*store.StepExecution, id string) (depVerdict, string) {
	deps := graph.Dependencies(id)
	if len(deps) == 0 {
		return depReady, ""
	}
	for _, dep := range deps {
		r := rows[dep]
		if r == nil {
			continue
		}
		if r.Status == schema.StepStatusCancelled || isBlockingFailure(def, r) {
			return depCancel, fmt.Sprintf("cancelled: dependency '%s' %s", dep, r.Status)
		}
	}
	for _, dep := range deps {
		if r := rows[dep]; r == nil || !r.Status.IsTerminal() {
			return depWait, ""
		}
	}
	allSkipped := true
	for _, dep := range deps {
		r := rows[dep]
		switch r.Status {
		case schema.StepStatusFailed, schema.StepStatusTimeout:
			return depSkip, fmt.Sprintf("skipped: dependency '%s' %s", dep, r.Status)
		case schema.StepStatusSkipped:
		default:
			allSkipped = false
		}
	}
	if allSkipped {
		return depSkip, "skipped: all dependencies were skipped"
	}
	return depReady, ""
}

// isBlockingFailure reports whether a step failed in a way that fails the
// execution: any failure or timeout unless its policy is continue.
func isBlockingFailure(def *schema.WorkflowDAG, row *store.StepExecution) bool {
	if row.Status != schema.StepStatusFailed && row.Status != schema.StepStatusTimeout {
		return false
	}
	if st := def.StepByID(row.StepID); st != nil && st.OnFailure == schema.OnFailureContinue {
		return false
	}
	return true
}

func firstBlockingFailure(def *schema.WorkflowDAG, graph *dag.Graph, rows map[string]*store.StepExecution) *store.StepExecution {
	for _, id := range graph.Sorted {
		if r := rows[id]; r != nil && isBlockingFailure(def, r) {
			return r
		}
	}
	return nil
}

func countActive(rows map[string]*store.StepExecution) int {
	n := 0
	for _, r := range rows {
		if r.Status.IsActive() {
			n++
		}
	}
	return n
}

func allTerminal(rows map[string]*store.StepExecution) bool {
	for _, r := range rows {
		if !r.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (e *Engine) stepRows(ctx context.Context, executionID string) (map[string]*store.StepExecution, error) {
	list, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]*store.StepExecution, len(list))
	for _, r := range list {
		rows[r.StepID] = r
	}
	return rows, nil
}

// scope exposes workflow parameters and every finished step to templates.
func (e *Engine) scope(exec *store.Execution, rows map[string]*store.StepExecution) *expressions.Scope {
	s := expressions.NewScope(exec.Params)
	for id, r := range rows {
		if r.Status.IsTerminal() {
			s.AddStep(id, string(r.Status), r.Outputs)
		}
	}
	return s
}

func completedOutputs(rows map[string]*store.StepExecution) map[string]map[string]any {
	out := make(map[string]map[string]any, len(rows))
	for id, r := range rows {
		if r.Status == schema.StepStatusCompleted {
			out[id] = r.Outputs
		}
	}
	return out
}

// transitionStep moves a step through the FSM with a version-guarded write.
// It reports false when another writer changed the row first.
func (e *Engine) transitionStep(ctx context.Context, cur, next *store.StepExecution) (bool, error) {
	t := Transition[schema.StepStatus]{
		ExecutionID: cur.ExecutionID,
		StepID:      cur.StepID,
		Action:      cur.Action,
		From:        cur.Status,
		To:          next.Status,
	}
	applied, err := e.stepFSM.Transition(ctx, t, func() (bool, error) {
		return e.store.UpdateStepExecution(ctx, next, cur.Version)
	})
	if err != nil {
		return false, err
	}
	if !applied {
		e.logger.DebugContext(ctx, "step write lost to a concurrent writer",
			slog.String("step_id", cur.StepID),
			slog.String("to", string(next.Status)),
		)
	}
	return applied, nil
}

// settle applies a step transition and, when the step reached a terminal
// status, records execution progress.
func (e *Engine) settle(ctx context.Context, exec *store.Execution, cur, next *store.StepExecution) (bool, error) {
	applied, err := e.transitionStep(ctx, cur, next)
	if err != nil || !applied {
		return applied, err
	}
	if next.Status.IsTerminal() {
		e.recordStepProgress(ctx, exec, next)
	}
	return true, nil
}

// finishStep moves a step to a terminal status with a reason.
func (e *Engine) finishStep(ctx context.Context, exec *store.Execution, cur *store.StepExecution, to schema.StepStatus, reason string) (*store.StepExecution, error) {
	now := e.now().UTC()
	next := cur.Clone()
	next.Status = to
	next.Error = reason
	next.NextAttemptAt = nil
	next.CompletedAt = &now
	applied, err := e.settle(ctx, exec, cur, next)
	if err != nil || !applied {
		return nil, err
	}
	e.logger.InfoContext(ctx, "step finished",
		slog.String("step_id", cur.StepID),
		slog.String("status", string(to)),
		slog.String("reason", reason),
	)
	return next, nil
}

func (e *Engine) recordStepProgress(ctx context.Context, exec *store.Execution, step *store.StepExecution) {
	list, err := e.store.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "list steps for progress", slog.String("error", err.Error()))
		return
	}
	snap := progress.Compute(list)
	exec.ProgressPercentage = snap.Percentage
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "update execution progress", slog.String("error", err.Error()))
	}
	if _, err := e.tracker.StepFinished(ctx, exec, step, snap); err != nil {
		e.logger.WarnContext(ctx, "record step progress", slog.String("error", err.Error()))
	}
}

// transitionExecution moves an execution through the FSM and persists it.
func (e *Engine) transitionExecution(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus) error {
	from := exec.Status
	t := Transition[schema.ExecutionStatus]{ExecutionID: exec.ID, From: from, To: to}
	_, err := e.execFSM.Transition(ctx, t, func() (bool, error) {
		exec.Status = to
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			exec.Status = from
			return false, err
		}
		return true, nil
	})
	return err
}

// abort cancels every non-terminal step and finalizes the execution.
func (e *Engine) abort(ctx context.Context, exec *store.Execution, graph *dag.Graph, rows map[string]*store.StepExecution, reason string) error {
	for _, id := range graph.Sorted {
		row := rows[id]
		if row == nil || row.Status.IsTerminal() {
			continue
		}
		next, err := e.cancelStep(ctx, exec, row, reason)
		if err != nil {
			return err
		}
		if next != nil {
			rows[id] = next
		}
	}
	if !allTerminal(rows) {
		// A concurrent writer moved a row; the next pass sees it.
		return nil
	}
	return e.finalize(ctx, exec, graph, rows)
}

// finalize records the terminal status and outputs of an execution whose
// steps are all terminal.
func (e *Engine) finalize(ctx context.Context, exec *store.Execution, graph *dag.Graph, rows map[string]*store.StepExecution) error {
	status := schema.ExecutionStatusCompleted
	exec.Error = ""
	if failed := firstBlockingFailure(exec.Definition, graph, rows); failed != nil {
		status = schema.ExecutionStatusFailed
		exec.Error = RedactString(fmt.Sprintf("step '%s' %s: %s", failed.StepID, failed.Status, failed.Error))
	}

	exec.Outputs = e.assembleOutputs(ctx, exec, graph, rows)
	exec.ProgressPercentage = 100
	now := e.now().UTC()
	exec.CompletedAt = &now
	if err := e.transitionExecution(ctx, exec, status); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "execution finished",
		slog.String("status", string(status)),
		slog.String("error", exec.Error),
	)
	if _, err := e.tracker.Completed(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "record completion progress", slog.String("error", err.Error()))
	}
	return nil
}

// assembleOutputs resolves the definition's output mapping. Without a
// mapping, the outputs of completed leaf steps are merged in topological
// order. A mapping entry that cannot be resolved is null.
func (e *Engine) assembleOutputs(ctx context.Context, exec *store.Execution, graph *dag.Graph, rows map[string]*store.StepExecution) map[string]any {
	def := exec.Definition
	if len(def.Outputs) > 0 {
		scope := e.scope(exec, rows)
		out := make(map[string]any, len(def.Outputs))
		for k, v := range def.Outputs {
			val, err := e.resolver.ResolveValue(ctx, v, scope)
			if err != nil {
				e.logger.DebugContext(ctx, "output not resolved",
					slog.String("output", k),
					slog.String("error", err.Error()),
				)
				out[k] = nil
				continue
			}
			out[k] = val
		}
		return RedactMap(out)
	}

	out := map[string]any{}
	for _, id := range graph.Sorted {
		r := rows[id]
		if r == nil || r.Status != schema.StepStatusCompleted || len(graph.Dependents(id)) > 0 {
			continue
		}
		maps.Copy(out, r.Outputs)
	}
	return out
}
