package store

import (
	"time"

	"github.com/rendis/budpipeline/pkg/schema"
)

// PipelineDefinition is a registered, versioned workflow DAG.
type PipelineDefinition struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Version     int                   `json:"version"`
	Description string                `json:"description,omitempty"`
	Definition  *schema.WorkflowDAG   `json:"definition"`
	Status      schema.PipelineStatus `json:"status"`
	StepCount   int                   `json:"step_count"`
	CreatedBy   string                `json:"created_by,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Execution is one run of a DAG. Definition is a snapshot taken at start,
// so resuming never depends on the mutable pipeline definition.
type Execution struct {
	ID                 string                 `json:"id"`
	PipelineID         string                 `json:"pipeline_id,omitempty"`
	PipelineName       string                 `json:"pipeline_name"`
	PipelineVersion    int                    `json:"pipeline_version,omitempty"`
	Definition         *schema.WorkflowDAG    `json:"-"`
	Status             schema.ExecutionStatus `json:"status"`
	Params             map[string]any         `json:"params"`
	Outputs            map[string]any         `json:"outputs,omitempty"`
	Error              string                 `json:"error,omitempty"`
	Initiator          string                 `json:"initiator,omitempty"`
	ProgressPercentage float64                `json:"progress_percentage"`
	DeadlineAt         *time.Time             `json:"deadline_at,omitempty"`
	StartedAt          *time.Time             `json:"started_at,omitempty"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// StepExecution is the per-step run record. Version is the optimistic lock
// every writer checks.
type StepExecution struct {
	ID                 string            `json:"id"`
	ExecutionID        string            `json:"execution_id"`
	StepID             string            `json:"step_id"`
	StepName           string            `json:"step_name,omitempty"`
	Action             string            `json:"action"`
	Status             schema.StepStatus `json:"status"`
	Params             map[string]any    `json:"params,omitempty"`
	Outputs            map[string]any    `json:"outputs,omitempty"`
	Error              string            `json:"error,omitempty"`
	RetryCount         int               `json:"retry_count"`
	ExternalWorkflowID string            `json:"external_workflow_id,omitempty"`
	TimeoutAt          *time.Time        `json:"timeout_at,omitempty"`
	NextAttemptAt      *time.Time        `json:"next_attempt_at,omitempty"`
	Version            int               `json:"version"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Clone returns a copy safe to mutate before a CAS write.
func (s *StepExecution) Clone() *StepExecution {
	c := *s
	return &c
}

// ProgressEvent is an immutable progress record with a per-execution
// sequence number.
type ProgressEvent struct {
	ID                 int64          `json:"id"`
	ExecutionID        string         `json:"execution_id"`
	EventType          string         `json:"event_type"`
	ProgressPercentage float64        `json:"progress_percentage"`
	ETASeconds         *int           `json:"eta_seconds,omitempty"`
	CurrentStep        string         `json:"current_step,omitempty"`
	Details            map[string]any `json:"details,omitempty"`
	SequenceNumber     int64          `json:"sequence_number"`
	Timestamp          time.Time      `json:"timestamp"`

	// ExternalID and RemoteSequence identify a report from the remote job
	// behind an awaiting step. RemoteSequence is deduplicated per
	// (execution, step, external id) and is independent of SequenceNumber.
	ExternalID     string `json:"external_id,omitempty"`
	RemoteSequence int64  `json:"remote_sequence,omitempty"`
}

// Subscription is a callback topic registered against an execution.
type Subscription struct {
	ID            string                    `json:"id"`
	ExecutionID   string                    `json:"execution_id"`
	CallbackTopic string                    `json:"callback_topic"`
	Status        schema.SubscriptionStatus `json:"status"`
	ExpiresAt     *time.Time                `json:"expires_at,omitempty"`
	LastError     string                    `json:"last_error,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// ScheduledTrigger spawns executions on a cron schedule.
type ScheduledTrigger struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	PipelineID      string         `json:"pipeline_id"`
	CronExpression  string         `json:"cron_expression"`
	Params          map[string]any `json:"params,omitempty"`
	Enabled         bool           `json:"enabled"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty"`
	LastStatus      string         `json:"last_status,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// EventTrigger spawns executions when a matching platform event arrives.
type EventTrigger struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	PipelineID       string         `json:"pipeline_id"`
	EventType        string         `json:"event_type"`
	Filter           map[string]any `json:"filter,omitempty"`
	FilterExpression string         `json:"filter_expression,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	Enabled          bool           `json:"enabled"`
	LastTriggeredAt  *time.Time     `json:"last_triggered_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// PipelineFilter specifies criteria for listing pipeline definitions.
type PipelineFilter struct {
	Status          *schema.PipelineStatus `json:"status,omitempty"`
	IncludeArchived bool                   `json:"include_archived,omitempty"`
	Limit           int                    `json:"limit,omitempty"`
	Offset          int                    `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	PipelineID string                  `json:"pipeline_id,omitempty"`
	Initiator  string                  `json:"initiator,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	PipelineID string `json:"pipeline_id,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
