package engine

import (
	"context"

	"github.com/rendis/budpipeline/internal/progress"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// ProgressView is the step-level detail of an execution.
type ProgressView struct {
	ExecutionID        string                  `json:"execution_id"`
	Status             schema.ExecutionStatus  `json:"status"`
	ProgressPercentage float64                 `json:"progress_percentage"`
	ETASeconds         *int                    `json:"eta_seconds,omitempty"`
	ActiveSteps        []string                `json:"active_steps,omitempty"`
	Steps              []*store.StepExecution  `json:"steps"`
	Events             []*store.ProgressEvent  `json:"events"`
	Error              string                  `json:"error,omitempty"`
}

// Get returns an execution.
func (e *Engine) Get(ctx context.Context, executionID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// Progress returns the execution's steps, computed progress and progress
// history.
func (e *Engine) Progress(ctx context.Context, executionID string) (*ProgressView, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListProgressEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}

	snap := progress.Compute(steps)
	view := &ProgressView{
		ExecutionID:        exec.ID,
		Status:             exec.Status,
		ProgressPercentage: exec.ProgressPercentage,
		ActiveSteps:        snap.Active,
		Steps:              steps,
		Events:             events,
		Error:              exec.Error,
	}
	if !exec.Status.IsTerminal() {
		view.ETASeconds = snap.ETASeconds
	}
	return view, nil
}
