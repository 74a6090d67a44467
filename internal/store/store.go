package store

import (
	"context"
	"errors"
	"time"
)

// ErrStaleSequence is returned by AppendProgressEvent when a caller-supplied
// sequence number, or a remote sequence, is not greater than the last one
// recorded for it.
var ErrStaleSequence = errors.New("stale progress sequence number")

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Pipeline definitions
	CreatePipeline(ctx context.Context, def *PipelineDefinition) error
	GetPipeline(ctx context.Context, id string) (*PipelineDefinition, error)
	GetPipelineByName(ctx context.Context, name string) (*PipelineDefinition, error)
	UpdatePipeline(ctx context.Context, def *PipelineDefinition, expectedVersion int) error
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]*PipelineDefinition, error)
	DeletePipeline(ctx context.Context, id string) (archived bool, err error)

	// Executions. CreateExecution writes the execution, its steps and its
	// subscriptions in one transaction.
	CreateExecution(ctx context.Context, exec *Execution, steps []*StepExecution, subs []*Subscription) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	ListActiveExecutions(ctx context.Context) ([]*Execution, error)
	ListExpiredExecutions(ctx context.Context, now time.Time) ([]*Execution, error)
	DeleteExecution(ctx context.Context, id string) error

	// Steps. UpdateStepExecution is a compare-and-set on version: it
	// reports false, without error, when the row moved on.
	GetStepExecution(ctx context.Context, executionID, stepID string) (*StepExecution, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)
	UpdateStepExecution(ctx context.Context, step *StepExecution, expectedVersion int) (bool, error)
	FindStepByExternalID(ctx context.Context, executionID, externalID string) (*StepExecution, error)
	ListExpiredAwaitingSteps(ctx context.Context, now time.Time) ([]*StepExecution, error)
	ListDueRetries(ctx context.Context, now time.Time) ([]*StepExecution, error)

	// Progress (append-only)
	AppendProgressEvent(ctx context.Context, ev *ProgressEvent) error
	ListProgressEvents(ctx context.Context, executionID string, since int64) ([]*ProgressEvent, error)
	LatestProgressEvent(ctx context.Context, executionID string) (*ProgressEvent, error)

	// Subscriptions
	ListSubscriptions(ctx context.Context, executionID string) ([]*Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status string, lastError string) error

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, trg *ScheduledTrigger) error
	GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error
	ListScheduledTriggers(ctx context.Context, filter TriggerFilter) ([]*ScheduledTrigger, error)
	DeleteScheduledTrigger(ctx context.Context, id string) error

	// Event triggers
	CreateEventTrigger(ctx context.Context, trg *EventTrigger) error
	GetEventTrigger(ctx context.Context, id string) (*EventTrigger, error)
	MarkEventTriggerFired(ctx context.Context, id string, at time.Time) error
	ListEventTriggers(ctx context.Context, filter TriggerFilter) ([]*EventTrigger, error)
	DeleteEventTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
