package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/budpipeline/pkg/schema"
)

// Transition describes one state change of a step or an execution.
type Transition[S ~string] struct {
	ExecutionID string
	StepID      string
	Action      string
	From        S
	To          S
}

// TransitionHook is called before or after a state transition.
type TransitionHook[S ~string] func(ctx context.Context, t Transition[S]) error

// PersistFunc writes a transition. It reports false when a concurrent writer
// won the row, in which case after-hooks are not run.
type PersistFunc func() (bool, error)

type hookKey[S ~string] struct {
	from, to S
}

// FSM validates lifecycle transitions against a table and runs hooks
// around the caller-supplied persistence step.
type FSM[S ~string] struct {
	mu        sync.RWMutex
	kind      string
	table     map[S][]S
	before    map[hookKey[S]][]TransitionHook[S]
	after     map[hookKey[S]][]TransitionHook[S]
	observers []TransitionHook[S]
}

// StepFSM manages step lifecycle transitions.
type StepFSM = FSM[schema.StepStatus]

// ExecutionFSM manages execution lifecycle transitions.
type ExecutionFSM = FSM[schema.ExecutionStatus]

// NewStepFSM creates a StepFSM over ValidStepTransitions.
func NewStepFSM() *StepFSM {
	return newFSM("step", ValidStepTransitions)
}

// NewExecutionFSM creates an ExecutionFSM over ValidExecutionTransitions.
func NewExecutionFSM() *ExecutionFSM {
	return newFSM("execution", ValidExecutionTransitions)
}

func newFSM[S ~string](kind string, table map[S][]S) *FSM[S] {
	return &FSM[S]{
		kind:   kind,
		table:  table,
		before: make(map[hookKey[S]][]TransitionHook[S]),
		after:  make(map[hookKey[S]][]TransitionHook[S]),
	}
}

// OnBefore registers a hook called before a transition is persisted.
// A hook error aborts the transition.
func (f *FSM[S]) OnBefore(from, to S, hook TransitionHook[S]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey[S]{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition was persisted.
func (f *FSM[S]) OnAfter(from, to S, hook TransitionHook[S]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey[S]{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Observe registers a hook called after every persisted transition.
func (f *FSM[S]) Observe(hook TransitionHook[S]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, hook)
}

// Valid reports whether from -> to is allowed.
func (f *FSM[S]) Valid(from, to S) bool {
	return slices.Contains(f.table[from], to)
}

// Transition validates t, runs before-hooks, persists, and runs after-hooks
// when the write was applied. After-hook errors are returned but do not
// undo the write.
func (f *FSM[S]) Transition(ctx context.Context, t Transition[S], persist PersistFunc) (bool, error) {
	if !f.Valid(t.From, t.To) {
		pe := schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", f.kind, t.From, t.To).
			WithDetails(map[string]any{"execution_id": t.ExecutionID, "from": string(t.From), "to": string(t.To)})
		if t.StepID != "" {
			pe.WithStep(t.StepID)
		}
		return false, pe
	}

	f.mu.RLock()
	key := hookKey[S]{t.From, t.To}
	before := f.before[key]
	after := append(slices.Clone(f.after[key]), f.observers...)
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, t); err != nil {
			return false, err
		}
	}

	applied, err := persist()
	if err != nil || !applied {
		return false, err
	}

	for _, hook := range after {
		if err := hook(ctx, t); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ValidStepTransitions defines the allowed state transitions for steps.
// running -> pending and awaiting_event -> pending are retries and resume of
// an interrupted dispatch.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusRunning, schema.StepStatusSkipped,
		schema.StepStatusCancelled, schema.StepStatusFailed,
	},
	schema.StepStatusRunning: {
		schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusAwaitingEvent,
		schema.StepStatusTimeout, schema.StepStatusCancelled, schema.StepStatusPending,
	},
	schema.StepStatusAwaitingEvent: {
		schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusTimeout,
		schema.StepStatusCancelled, schema.StepStatusPending,
	},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusTimeout:   {},
	schema.StepStatusCancelled: {},
	schema.StepStatusSkipped:   {},
}

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}
