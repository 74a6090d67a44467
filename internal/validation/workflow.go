package validation

import (
	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/pkg/schema"
)

// WorkflowValidator runs the validation pipeline for pipeline definitions:
//  1. Parse (structural pre-validation, typed construction, post hooks)
//  2. Structural (JSON Schema)
//  3. DAG (cycles)
//  4. Semantic (actions, params, conditions, references)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	parser     *dag.Parser
	conditions *expressions.ConditionEvaluator
	templates  *expressions.TemplateEngine
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action checks.
func NewWorkflowValidator(jsv *JSONSchemaValidator, lookup ActionLookup) (*WorkflowValidator, error) {
	if jsv == nil {
		var err error
		if jsv, err = NewJSONSchemaValidator(); err != nil {
			return nil, err
		}
	}
	templates := expressions.NewTemplateEngine()
	return &WorkflowValidator{
		jsonSchema: jsv,
		parser:     dag.NewParser(),
		conditions: expressions.NewConditionEvaluator(templates),
		templates:  templates,
		actions:    lookup,
	}, nil
}

// Validate runs the full pipeline on a decoded definition document.
// Parse failures short-circuit the later stages.
func (wv *WorkflowValidator) Validate(doc map[string]any) *Report {
	result := &schema.ValidationResult{}
	stepCount := rawStepCount(doc)

	d, err := wv.parser.ParseMap(doc)
	if err != nil {
		for _, p := range schema.ValidationErrors(err) {
			result.AddError("", errorCode(err), p)
		}
		return newReport(result, stepCount, false)
	}

	for _, v := range wv.jsonSchema.ValidateDefinition(doc) {
		result.AddError("", schema.ErrCodeDAGValidation, v)
	}

	checked, hasCycles := wv.check(d)
	result.Merge(checked)

	report := newReport(result, len(d.Steps), hasCycles)
	report.DAG = d
	return report
}

// ValidateRaw decodes a YAML or JSON document and validates it.
func (wv *WorkflowValidator) ValidateRaw(raw []byte) *Report {
	doc, err := dag.Decode(raw)
	if err != nil {
		result := &schema.ValidationResult{}
		for _, p := range schema.ValidationErrors(err) {
			result.AddError("", errorCode(err), p)
		}
		return newReport(result, 0, false)
	}
	report := wv.Validate(doc)
	dag.AttachKeyOrder(report.DAG, raw)
	return report
}

// Check runs the DAG and semantic stages on an already parsed definition.
func (wv *WorkflowValidator) Check(d *schema.WorkflowDAG) *schema.ValidationResult {
	result, _ := wv.check(d)
	return result
}

func (wv *WorkflowValidator) check(d *schema.WorkflowDAG) (*schema.ValidationResult, bool) {
	result, graph := validateDAG(d)
	if graph == nil {
		return result, len(result.Errors) > 0 && result.Errors[0].Code == schema.ErrCodeCyclicDependency
	}
	result.Merge(wv.validateSemantic(d, graph))
	return result, false
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) []string {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

func errorCode(err error) string {
	if pe, ok := schema.AsPipelineError(err); ok {
		return pe.Code
	}
	return schema.ErrCodeDAGValidation
}

func rawStepCount(doc map[string]any) int {
	steps, _ := doc["steps"].([]any)
	return len(steps)
}
