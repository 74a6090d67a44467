package schema

// Progress event types appended to an execution's progress history.
const (
	EventWorkflowProgress  = "workflow_progress"
	EventStepCompleted     = "step_completed"
	EventETAUpdate         = "eta_update"
	EventWorkflowCompleted = "workflow_completed"
)

// PipelineStatus is the lifecycle state of a registered pipeline definition.
type PipelineStatus string

const (
	PipelineStatusDraft    PipelineStatus = "draft"
	PipelineStatusActive   PipelineStatus = "active"
	PipelineStatusArchived PipelineStatus = "archived"
)

// ExecutionStatus is the lifecycle state of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step execution.
type StepStatus string

const (
	StepStatusPending       StepStatus = "pending"
	StepStatusRunning       StepStatus = "running"
	StepStatusAwaitingEvent StepStatus = "awaiting_event"
	StepStatusCompleted     StepStatus = "completed"
	StepStatusFailed        StepStatus = "failed"
	StepStatusTimeout       StepStatus = "timeout"
	StepStatusCancelled     StepStatus = "cancelled"
	StepStatusSkipped       StepStatus = "skipped"
)

// IsTerminal reports whether the step can no longer change.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusTimeout,
		StepStatusCancelled, StepStatusSkipped:
		return true
	}
	return false
}

// IsActive reports whether the step occupies a parallelism slot.
func (s StepStatus) IsActive() bool {
	return s == StepStatusRunning || s == StepStatusAwaitingEvent
}

// SubscriptionStatus is the delivery state of a callback subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "active"
	SubscriptionStatusFailed  SubscriptionStatus = "failed"
	SubscriptionStatusExpired SubscriptionStatus = "expired"
)
