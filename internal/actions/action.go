package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/budpipeline/internal/streaming"
)

// Mode is how an action reports completion.
type Mode string

const (
	// ModeSync actions return their final result from Execute.
	ModeSync Mode = "sync"
	// ModeEventDriven actions return AwaitingEvent and finish when a
	// correlated external event arrives or their timeout elapses.
	ModeEventDriven Mode = "event_driven"
)

// Action is the executor behind a step's action type.
type Action interface {
	Name() string
	Schema() ActionSchema
	// ValidateParams performs static checks independent of execution and
	// returns every problem found.
	ValidateParams(params map[string]any) []string
	Execute(ctx context.Context, ac *Context) (*Result, error)
}

// EventHandler classifies external events routed to an awaiting step.
type EventHandler interface {
	OnEvent(ctx context.Context, ac *Context, payload map[string]any) EventOutcome
}

// Canceller cancels the remote operation behind an awaiting step.
type Canceller interface {
	Cancel(ctx context.Context, ac *Context) error
}

// TimeoutHandler overrides the default timeout outcome of an awaiting step.
type TimeoutHandler interface {
	OnTimeout(ctx context.Context, ac *Context) *Result
}

// ActionSchema describes an action's contract.
type ActionSchema struct {
	Description string          `json:"description,omitempty"`
	Mode        Mode            `json:"mode"`
	Params      json.RawMessage `json:"params_schema,omitempty"`
	Outputs     []string        `json:"outputs,omitempty"`
	// RawParams are parameter keys left unresolved by the parameter
	// resolver; the action evaluates them itself.
	RawParams []string `json:"raw_params,omitempty"`
}

// Info summarizes a registered action.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Mode        Mode            `json:"mode"`
	Params      json.RawMessage `json:"params_schema,omitempty"`
}

// Context is the data and capabilities handed to an action.
type Context struct {
	ExecutionID string
	StepID      string

	// Params are the step's resolved parameters.
	Params map[string]any
	// ParamKeyOrder is the source key order of mappings in Params, keyed
	// by dotted path.
	ParamKeyOrder map[string][]string
	// WorkflowParams are the execution's parameters.
	WorkflowParams map[string]any
	// StepOutputs holds the outputs of completed steps.
	StepOutputs map[string]map[string]any

	// ExternalWorkflowID is set when the step is awaiting an event.
	ExternalWorkflowID string

	Invoker   ServiceInvoker
	Publisher streaming.Publisher
	Logger    *slog.Logger
}

// Log returns the context logger or the default one.
func (ac *Context) Log() *slog.Logger {
	if ac.Logger != nil {
		return ac.Logger
	}
	return slog.Default()
}

// Result is the outcome of Execute, OnTimeout, or a completed event.
type Result struct {
	Success bool           `json:"success"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`

	AwaitingEvent      bool   `json:"awaiting_event,omitempty"`
	ExternalWorkflowID string `json:"external_workflow_id,omitempty"`
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty"`

	// SkipSteps lists steps the engine marks skipped if still pending.
	SkipSteps []string `json:"skip_steps,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(outputs map[string]any) *Result {
	if outputs == nil {
		outputs = map[string]any{}
	}
	return &Result{Success: true, Outputs: outputs}
}

// Failed builds a failed result.
func Failed(msg string, outputs map[string]any) *Result {
	return &Result{Success: false, Error: msg, Outputs: outputs}
}

// Awaiting builds an event-driven result.
func Awaiting(externalID string, timeoutSeconds int, outputs map[string]any) *Result {
	return &Result{
		Success:            true,
		AwaitingEvent:      true,
		ExternalWorkflowID: externalID,
		TimeoutSeconds:     timeoutSeconds,
		Outputs:            outputs,
	}
}

// EventDecision is how an external event affects an awaiting step.
type EventDecision string

const (
	EventComplete       EventDecision = "complete"
	EventUpdateProgress EventDecision = "update_progress"
	EventIgnore         EventDecision = "ignore"
)

// EventOutcome is the classification of an external event.
type EventOutcome struct {
	Decision EventDecision
	Success  bool
	Outputs  map[string]any
	Error    string

	Progress       *float64
	ETASeconds     *int
	Message        string
	SequenceNumber *int64
}
