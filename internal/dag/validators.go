package dag

import (
	"fmt"

	"github.com/rendis/budpipeline/pkg/schema"
)

// ParameterTypes lists the accepted parameter type names.
var ParameterTypes = map[string]bool{
	"":        true,
	"any":     true,
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"object":  true,
	"array":   true,
}

// DefaultPostValidators returns the semantic checks every parser runs.
func DefaultPostValidators() []PostValidator {
	return []PostValidator{
		validateFailurePolicies,
		validateTimeouts,
		validateRetryConfigs,
		validateParameters,
	}
}

func validateFailurePolicies(d *schema.WorkflowDAG) []string {
	var problems []string
	for _, s := range d.Steps {
		if !s.OnFailure.Valid() {
			problems = append(problems, fmt.Sprintf(
				"step '%s': invalid on_failure '%s' (expected fail, continue or retry)", s.ID, s.OnFailure))
		}
	}
	return problems
}

func validateTimeouts(d *schema.WorkflowDAG) []string {
	var problems []string
	if d.Settings.TimeoutSeconds < 0 {
		problems = append(problems, "settings.timeout_seconds must not be negative")
	}
	if d.Settings.MaxParallelSteps < 0 {
		problems = append(problems, "settings.max_parallel_steps must not be negative")
	}
	for _, s := range d.Steps {
		if s.TimeoutSeconds < 0 {
			problems = append(problems, fmt.Sprintf("step '%s': timeout_seconds must not be negative", s.ID))
		}
	}
	return problems
}

func validateRetryConfigs(d *schema.WorkflowDAG) []string {
	var problems []string
	check := func(label string, r *schema.RetryConfig) {
		if r == nil {
			return
		}
		if r.MaxAttempts < 0 {
			problems = append(problems, label+": max_attempts must not be negative")
		}
		if r.BackoffSeconds < 0 {
			problems = append(problems, label+": backoff_seconds must not be negative")
		}
		if r.BackoffMultiplier != 0 && r.BackoffMultiplier < 1 {
			problems = append(problems, label+": backoff_multiplier must be at least 1")
		}
		if r.MaxBackoffSeconds < 0 {
			problems = append(problems, label+": max_backoff_seconds must not be negative")
		}
	}
	check("settings.retry_policy", d.Settings.RetryPolicy)
	for _, s := range d.Steps {
		check(fmt.Sprintf("step '%s' retry", s.ID), s.Retry)
	}
	return problems
}

func validateParameters(d *schema.WorkflowDAG) []string {
	var problems []string
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if seen[p.Name] {
			problems = append(problems, fmt.Sprintf("duplicate parameter '%s'", p.Name))
		}
		seen[p.Name] = true
		if !ParameterTypes[p.Type] {
			problems = append(problems, fmt.Sprintf("parameter '%s' has unknown type '%s'", p.Name, p.Type))
		}
	}
	return problems
}
