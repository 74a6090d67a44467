package expressions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/budpipeline/pkg/schema"
)

// ConditionEvaluator decides whether a step runs. Conditions are templates
// whose rendered text is coerced to a boolean.
type ConditionEvaluator struct {
	templates *TemplateEngine
}

// NewConditionEvaluator creates a ConditionEvaluator.
func NewConditionEvaluator(templates *TemplateEngine) *ConditionEvaluator {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &ConditionEvaluator{templates: templates}
}

// Evaluate renders a condition against the scope and coerces the result.
// A blank condition is true. In non-strict mode a reference to a missing
// parameter or step output makes the condition false; in strict mode it is
// a ConditionEvaluationError. Unbalanced delimiters always fail.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, condition string, scope *Scope, strict bool) (bool, error) {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return true, nil
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	rendered, err := c.templates.Render(ctx, asTemplate(trimmed), scope)
	if err != nil {
		var undef *UndefinedError
		if errors.As(err, &undef) && !strict {
			return false, nil
		}
		pe := templateError(schema.ErrCodeConditionEvaluation, err)
		pe.Details["condition"] = condition
		return false, pe
	}
	return Truthy(rendered), nil
}

// EvaluateOutputs is Evaluate over plain parameter and step-output maps.
func (c *ConditionEvaluator) EvaluateOutputs(ctx context.Context, condition string, params map[string]any, stepOutputs map[string]map[string]any, strict bool) (bool, error) {
	return c.Evaluate(ctx, condition, ScopeFromOutputs(params, stepOutputs), strict)
}

// Validate statically checks a condition: delimiters, expression syntax,
// and that every referenced parameter and step exists.
func (c *ConditionEvaluator) Validate(condition string, availableParams, availableSteps []string) []string {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return nil
	}
	switch strings.ToLower(trimmed) {
	case "true", "false":
		return nil
	}
	refs, err := c.templates.Check(asTemplate(trimmed))
	if err != nil {
		return []string{err.Error()}
	}
	return CheckReferences(refs, availableParams, availableSteps)
}

// CheckReferences reports references to parameters or steps not in the
// given sets. Duplicate problems are reported once.
func CheckReferences(refs []Reference, availableParams, availableSteps []string) []string {
	params := toSet(availableParams)
	steps := toSet(availableSteps)
	seen := make(map[string]bool)
	var problems []string
	add := func(msg string) {
		if !seen[msg] {
			seen[msg] = true
			problems = append(problems, msg)
		}
	}
	for _, ref := range refs {
		switch {
		case ref.ParamName() != "":
			if !params[ref.ParamName()] {
				add(fmt.Sprintf("unknown parameter '%s'", ref.ParamName()))
			}
		case ref.StepID() != "":
			if !steps[ref.StepID()] {
				add(fmt.Sprintf("unknown step '%s'", ref.StepID()))
			}
		}
	}
	return problems
}

// asTemplate wraps a bare expression in delimiters.
func asTemplate(s string) string {
	if HasTemplate(s) {
		return s
	}
	return openDelim + " " + s + " " + closeDelim
}

// Truthy coerces rendered template text to a boolean.
func Truthy(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "true":
		return true
	case "", "false", "none", "null", "nil":
		return false
	case "[]", "{}", "()", "set()":
		return false
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f != 0
	}
	return true
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}
