package validation

import (
	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/pkg/schema"
)

// validateDAG builds the dependency graph. A cycle is reported as an error
// carrying the cycle path; the graph is nil in that case.
func validateDAG(d *schema.WorkflowDAG) (*schema.ValidationResult, *dag.Graph) {
	result := &schema.ValidationResult{}

	g, err := dag.BuildGraph(d)
	if err != nil {
		pe, ok := schema.AsPipelineError(err)
		if ok && pe.Code == schema.ErrCodeCyclicDependency {
			result.AddError("steps", pe.Code, pe.Message)
			return result, nil
		}
		for _, p := range schema.ValidationErrors(err) {
			result.AddError("steps", schema.ErrCodeDAGValidation, p)
		}
		return result, nil
	}

	// An isolated step in a multi-step pipeline is legal but usually a
	// missing depends_on.
	if len(d.Steps) > 1 {
		for _, id := range d.StepIDs() {
			if len(g.Edges[id]) == 0 && len(g.Reverse[id]) == 0 {
				result.AddWarning("steps["+id+"]", schema.ErrCodeDAGValidation,
					"step '"+id+"' has no dependencies and no dependents")
			}
		}
	}
	return result, g
}
