package validation

import "github.com/rendis/budpipeline/pkg/schema"

// ActionLookup is the view of the action registry the validator needs.
type ActionLookup interface {
	Has(name string) bool
	ValidateParams(name string, params map[string]any) ([]string, error)
	ParamsSchema(name string) []byte
	RawParams(name string) []string
}

// Report is the dry-run validation result returned to API callers.
type Report struct {
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors"`
	Warnings  []string `json:"warnings"`
	StepCount int      `json:"step_count"`
	HasCycles bool     `json:"has_cycles"`

	// DAG is the parsed definition when parsing succeeded.
	DAG *schema.WorkflowDAG `json:"-"`
}

func newReport(result *schema.ValidationResult, stepCount int, hasCycles bool) *Report {
	r := &Report{
		Valid:     result.Valid(),
		Errors:    result.ErrorMessages(),
		Warnings:  result.WarningMessages(),
		StepCount: stepCount,
		HasCycles: hasCycles,
	}
	return r
}
