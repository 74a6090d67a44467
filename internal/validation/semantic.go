package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/pkg/schema"
)

const highRetryAttempts = 10

// validateSemantic checks what the graph alone cannot: registered actions,
// action parameters, conditions, and template references.
func (wv *WorkflowValidator) validateSemantic(d *schema.WorkflowDAG, g *dag.Graph) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	params := d.ParameterNames()
	steps := d.StepIDs()

	for i := range d.Steps {
		step := &d.Steps[i]
		path := fmt.Sprintf("steps[%s]", step.ID)

		wv.validateAction(step, path, result)

		if step.Condition != "" {
			for _, p := range wv.conditions.Validate(step.Condition, params, steps) {
				result.AddError(path+".condition", schema.ErrCodeConditionEvaluation,
					fmt.Sprintf("step '%s' condition: %s", step.ID, p))
			}
			wv.checkUpstream(step, path+".condition", step.Condition, g, result)
		}

		var raw []string
		if wv.actions != nil {
			raw = wv.actions.RawParams(step.Action)
		}
		for _, key := range sortedParamKeys(step.Params) {
			if contains(raw, key) {
				continue
			}
			wv.validateTemplates(step, path+".params."+key, step.Params[key], params, steps, g, result)
		}

		if step.Retry != nil && step.Retry.MaxAttempts > highRetryAttempts {
			result.AddWarning(path+".retry.max_attempts", schema.ErrCodeDAGValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.MaxAttempts))
		}
		if step.Retry != nil && step.OnFailure == schema.OnFailureFail {
			result.AddWarning(path+".retry", schema.ErrCodeDAGValidation,
				fmt.Sprintf("step '%s' declares retry with on_failure 'fail'; failures are retried before failing", step.ID))
		}
	}

	for _, key := range sortedParamKeys(d.Outputs) {
		v, ok := d.Outputs[key].(string)
		if !ok {
			continue
		}
		refs, err := wv.templates.Check(v)
		if err != nil {
			result.AddError("outputs."+key, schema.ErrCodeDAGValidation,
				fmt.Sprintf("output '%s': %s", key, templateMessage(err)))
			continue
		}
		for _, p := range expressions.CheckReferences(refs, params, steps) {
			result.AddError("outputs."+key, schema.ErrCodeDAGValidation, fmt.Sprintf("output '%s': %s", key, p))
		}
	}

	for _, p := range d.Parameters {
		if p.Required && p.Default != nil {
			result.AddWarning("parameters["+p.Name+"]", schema.ErrCodeDAGValidation,
				fmt.Sprintf("parameter '%s' is required and has a default; the default is never used", p.Name))
		}
	}
	return result
}

// validateAction checks the action exists and, when the params are static,
// validates them. Templated params only get a required-key check since
// their values are known at run time.
func (wv *WorkflowValidator) validateAction(step *schema.WorkflowStep, path string, result *schema.ValidationResult) {
	if wv.actions == nil {
		return
	}
	if !wv.actions.Has(step.Action) {
		result.AddError(path+".action", schema.ErrCodeActionNotFound,
			fmt.Sprintf("step '%s': action type '%s' is not registered", step.ID, step.Action))
		return
	}

	raw := wv.actions.RawParams(step.Action)
	if hasTemplates(step.Params, raw) {
		for _, key := range RequiredKeys(wv.actions.ParamsSchema(step.Action)) {
			if _, ok := step.Params[key]; !ok {
				result.AddError(path+".params", schema.ErrCodeActionValidation,
					fmt.Sprintf("step '%s': missing required parameter '%s'", step.ID, key))
			}
		}
		return
	}

	problems, err := wv.actions.ValidateParams(step.Action, step.Params)
	if err != nil {
		result.AddError(path+".params", schema.ErrCodeActionValidation,
			fmt.Sprintf("step '%s': %v", step.ID, err))
		return
	}
	for _, p := range problems {
		result.AddError(path+".params", schema.ErrCodeActionValidation,
			fmt.Sprintf("step '%s': %s", step.ID, p))
	}
}

// validateTemplates walks a param value and checks every template in it.
func (wv *WorkflowValidator) validateTemplates(step *schema.WorkflowStep, path string, v any, params, steps []string, g *dag.Graph, result *schema.ValidationResult) {
	switch val := v.(type) {
	case string:
		if !expressions.HasTemplate(val) && !strings.Contains(val, "}}") {
			return
		}
		refs, err := wv.templates.Check(val)
		if err != nil {
			result.AddError(path, schema.ErrCodeParameterResolution,
				fmt.Sprintf("step '%s' parameter: %s", step.ID, templateMessage(err)))
			return
		}
		for _, p := range expressions.CheckReferences(refs, params, steps) {
			result.AddError(path, schema.ErrCodeParameterResolution, fmt.Sprintf("step '%s' parameter: %s", step.ID, p))
		}
		wv.checkUpstream(step, path, val, g, result)
	case map[string]any:
		for _, k := range sortedParamKeys(val) {
			wv.validateTemplates(step, path+"."+k, val[k], params, steps, g, result)
		}
	case []any:
		for i, item := range val {
			wv.validateTemplates(step, fmt.Sprintf("%s[%d]", path, i), item, params, steps, g, result)
		}
	}
}

// checkUpstream warns when a template reads a step that is not an ancestor:
// such a step may not have completed when the reader runs.
func (wv *WorkflowValidator) checkUpstream(step *schema.WorkflowStep, path, text string, g *dag.Graph, result *schema.ValidationResult) {
	ancestors := g.Ancestors(step.ID)
	seen := map[string]bool{}
	for _, ref := range expressions.ExtractReferences(text) {
		id := ref.StepID()
		if id == "" || seen[id] || g.Steps[id] == nil {
			continue
		}
		seen[id] = true
		if id == step.ID {
			result.AddError(path, schema.ErrCodeDAGValidation,
				fmt.Sprintf("step '%s' references its own outputs", step.ID))
			continue
		}
		if !ancestors[id] {
			result.AddWarning(path, schema.ErrCodeDAGValidation,
				fmt.Sprintf("step '%s' references step '%s' which is not an upstream dependency", step.ID, id))
		}
	}
}

// hasTemplates reports whether any non-raw param value contains a template.
func hasTemplates(params map[string]any, raw []string) bool {
	for k, v := range params {
		if contains(raw, k) {
			continue
		}
		if containsTemplate(v) {
			return true
		}
	}
	return false
}

func containsTemplate(v any) bool {
	switch val := v.(type) {
	case string:
		return expressions.HasTemplate(val)
	case map[string]any:
		for _, item := range val {
			if containsTemplate(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if containsTemplate(item) {
				return true
			}
		}
	}
	return false
}

func templateMessage(err error) string {
	if pe, ok := schema.AsPipelineError(err); ok {
		return pe.Message
	}
	return err.Error()
}

func sortedParamKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
