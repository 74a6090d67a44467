package schema

import "sort"

// WorkflowDAG is the definition format accepted for pipelines, either
// registered as a PipelineDefinition or supplied inline for one-off runs.
type WorkflowDAG struct {
	Name        string                `json:"name" yaml:"name"`
	Version     string                `json:"version,omitempty" yaml:"version,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []ParameterDefinition `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Settings    Settings              `json:"settings" yaml:"settings"`
	Steps       []WorkflowStep        `json:"steps" yaml:"steps"`
	Outputs     map[string]any        `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// ParameterDefinition declares a workflow-level input parameter.
type ParameterDefinition struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"` // string | integer | number | boolean | object | array | any
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Settings are the global execution settings of a workflow.
type Settings struct {
	TimeoutSeconds   int          `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxParallelSteps int          `json:"max_parallel_steps,omitempty" yaml:"max_parallel_steps,omitempty"`
	FailFast         *bool        `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	RetryPolicy      *RetryConfig `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// IsFailFast reports the fail-fast flag, defaulting to true.
func (s Settings) IsFailFast() bool {
	return s.FailFast == nil || *s.FailFast
}

// WorkflowStep is one unit of work bound to an action type.
type WorkflowStep struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name,omitempty" yaml:"name,omitempty"`
	Action         string          `json:"action" yaml:"action"`
	Params         map[string]any  `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn      []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Outputs        []string        `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Condition      string          `json:"condition,omitempty" yaml:"condition,omitempty"`
	OnFailure      OnFailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Retry          *RetryConfig    `json:"retry,omitempty" yaml:"retry,omitempty"`

	// ParamKeyOrder holds the source key order of every mapping inside
	// Params, keyed by dotted path ("" is Params itself, list items use
	// their index).
	ParamKeyOrder map[string][]string `json:"param_key_order,omitempty" yaml:"-"`
}

// KeyOrder returns the source key order of the mapping at path in Params.
func (s *WorkflowStep) KeyOrder(path string) []string {
	if s.ParamKeyOrder == nil {
		return nil
	}
	return s.ParamKeyOrder[path]
}

// DisplayName returns the step name, falling back to its ID.
func (s *WorkflowStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// OnFailurePolicy decides what a step failure does to the execution.
type OnFailurePolicy string

const (
	OnFailureFail     OnFailurePolicy = "fail"
	OnFailureContinue OnFailurePolicy = "continue"
	OnFailureRetry    OnFailurePolicy = "retry"
)

// Valid reports whether p is a known policy.
func (p OnFailurePolicy) Valid() bool {
	switch p {
	case OnFailureFail, OnFailureContinue, OnFailureRetry:
		return true
	}
	return false
}

// RetryConfig configures re-dispatch of a failed step.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffSeconds    float64 `json:"backoff_seconds,omitempty" yaml:"backoff_seconds,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty" yaml:"backoff_multiplier,omitempty"`
	MaxBackoffSeconds float64 `json:"max_backoff_seconds,omitempty" yaml:"max_backoff_seconds,omitempty"`
}

// Retry defaults applied when a step retries without explicit configuration.
const (
	DefaultRetryMaxAttempts       = 3
	DefaultRetryBackoffSeconds    = 1.0
	DefaultRetryBackoffMultiplier = 2.0
	DefaultRetryMaxBackoffSeconds = 60.0
	DefaultMaxParallelSteps       = 10
)

// StepByID returns the step with the given ID, or nil.
func (d *WorkflowDAG) StepByID(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepIDs returns step IDs in declaration order.
func (d *WorkflowDAG) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}

// ParameterNames returns declared parameter names.
func (d *WorkflowDAG) ParameterNames() []string {
	names := make([]string, len(d.Parameters))
	for i, p := range d.Parameters {
		names[i] = p.Name
	}
	return names
}

// MaxParallel returns the effective max-parallel-steps cap.
func (d *WorkflowDAG) MaxParallel() int {
	if d.Settings.MaxParallelSteps <= 0 {
		return DefaultMaxParallelSteps
	}
	return d.Settings.MaxParallelSteps
}

// EffectiveRetry returns the retry configuration for a step: its own, the
// workflow default, or nil when the step does not retry.
func (d *WorkflowDAG) EffectiveRetry(step *WorkflowStep) *RetryConfig {
	var cfg RetryConfig
	switch {
	case step.Retry != nil:
		cfg = *step.Retry
	case step.OnFailure == OnFailureRetry && d.Settings.RetryPolicy != nil:
		cfg = *d.Settings.RetryPolicy
	case step.OnFailure == OnFailureRetry:
	default:
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.BackoffSeconds <= 0 {
		cfg.BackoffSeconds = DefaultRetryBackoffSeconds
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = DefaultRetryBackoffMultiplier
	}
	if cfg.MaxBackoffSeconds <= 0 {
		cfg.MaxBackoffSeconds = DefaultRetryMaxBackoffSeconds
	}
	return &cfg
}

// OrderedKeys returns the keys of m following order first, then any
// remaining keys sorted.
func OrderedKeys(m map[string]any, order []string) []string {
	keys := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, k := range order {
		if _, ok := m[k]; ok && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(m)-len(keys))
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
