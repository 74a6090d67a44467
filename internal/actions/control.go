package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/pkg/schema"
)

// --- aggregate ---

var aggregateOperations = []string{
	"list", "sum", "join", "merge", "first", "last",
	"min", "max", "average", "count", "flatten",
}

const aggregateParamsSchema = `{
  "type": "object",
  "properties": {
    "inputs": {},
    "operation": {"type": "string"},
    "separator": {"type": "string"}
  },
  "required": ["inputs"]
}`

// AggregateAction combines a list of values into one result.
type AggregateAction struct{}

func (a *AggregateAction) Name() string { return "aggregate" }

func (a *AggregateAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Combine a list of values: list, sum, join, merge, first, last, min, max, average, count, flatten.",
		Mode:        ModeSync,
		Params:      json.RawMessage(aggregateParamsSchema),
		Outputs:     []string{"result", "count"},
	}
}

func (a *AggregateAction) ValidateParams(params map[string]any) []string {
	op := stringParam(params, "operation", "list")
	if !contains(aggregateOperations, op) {
		return []string{fmt.Sprintf("unknown aggregate operation '%s' (expected one of %s)", op, strings.Join(aggregateOperations, ", "))}
	}
	return nil
}

func (a *AggregateAction) Execute(_ context.Context, ac *Context) (*Result, error) {
	inputs, ok := toList(ac.Params["inputs"])
	if !ok {
		if ac.Params["inputs"] == nil {
			inputs = []any{}
		} else {
			inputs = []any{ac.Params["inputs"]}
		}
	}
	op := stringParam(ac.Params, "operation", "list")
	sep := stringParam(ac.Params, "separator", ", ")

	result, err := Aggregate(op, inputs, sep)
	if err != nil {
		return Failed(err.Error(), nil), nil
	}
	return Succeeded(map[string]any{"result": result, "count": len(inputs)}), nil
}

// Aggregate applies an aggregate operation. Numeric operations over
// non-numeric input return 0 for sum and nil for min, max and average.
func Aggregate(op string, inputs []any, separator string) (any, error) {
	switch op {
	case "list", "":
		return inputs, nil
	case "count":
		return len(inputs), nil
	case "first":
		if len(inputs) == 0 {
			return nil, nil
		}
		return inputs[0], nil
	case "last":
		if len(inputs) == 0 {
			return nil, nil
		}
		return inputs[len(inputs)-1], nil
	case "join":
		parts := make([]string, len(inputs))
		for i, v := range inputs {
			parts[i] = expressions.Stringify(v)
		}
		return strings.Join(parts, separator), nil
	case "merge":
		out := map[string]any{}
		for _, v := range inputs {
			if m, ok := v.(map[string]any); ok {
				for k, val := range m {
					out[k] = val
				}
			}
		}
		return out, nil
	case "flatten":
		return flatten(inputs), nil
	case "sum":
		nums, ok := numbers(inputs)
		if !ok {
			return int64(0), nil
		}
		var total float64
		for _, n := range nums {
			total += n
		}
		return numberValue(total), nil
	case "average":
		nums, ok := numbers(inputs)
		if !ok || len(nums) == 0 {
			return nil, nil
		}
		var total float64
		for _, n := range nums {
			total += n
		}
		return total / float64(len(nums)), nil
	case "min", "max":
		nums, ok := numbers(inputs)
		if !ok || len(nums) == 0 {
			return nil, nil
		}
		best := 0
		for i, n := range nums {
			if (op == "min" && n < nums[best]) || (op == "max" && n > nums[best]) {
				best = i
			}
		}
		return inputs[best], nil
	}
	return nil, fmt.Errorf("unknown aggregate operation '%s'", op)
}

func numbers(inputs []any) ([]float64, bool) {
	out := make([]float64, 0, len(inputs))
	for _, v := range inputs {
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func flatten(inputs []any) []any {
	out := make([]any, 0, len(inputs))
	for _, v := range inputs {
		if l, ok := toList(v); ok {
			out = append(out, l...)
			continue
		}
		out = append(out, v)
	}
	return out
}

// --- transform ---

var transformOperations = []string{
	"passthrough", "uppercase", "lowercase", "keys", "values", "count",
	"flatten", "unique", "sort", "reverse", "jq",
}

const transformParamsSchema = `{
  "type": "object",
  "properties": {
    "input": {},
    "operation": {"type": "string"},
    "expression": {"type": "string"}
  }
}`

// TransformAction reshapes a single input value.
type TransformAction struct {
	jq *expressions.GoJQEngine
}

// NewTransformAction creates the transform action.
func NewTransformAction(jq *expressions.GoJQEngine) *TransformAction {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &TransformAction{jq: jq}
}

func (a *TransformAction) Name() string { return "transform" }

func (a *TransformAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Transform a value: passthrough, uppercase, lowercase, keys, values, count, flatten, unique, sort, reverse, or a jq expression.",
		Mode:        ModeSync,
		Params:      json.RawMessage(transformParamsSchema),
		Outputs:     []string{"result"},
	}
}

func (a *TransformAction) ValidateParams(params map[string]any) []string {
	op := stringParam(params, "operation", "passthrough")
	if !contains(transformOperations, op) {
		return []string{fmt.Sprintf("unknown transform operation '%s' (expected one of %s)", op, strings.Join(transformOperations, ", "))}
	}
	if op == "jq" {
		expr := stringParam(params, "expression", "")
		if expr == "" {
			return []string{"transform operation 'jq' requires 'expression'"}
		}
		if !expressions.HasTemplate(expr) {
			if err := a.jq.Compile(expr); err != nil {
				return []string{err.Error()}
			}
		}
	}
	return nil
}

func (a *TransformAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	op := stringParam(ac.Params, "operation", "passthrough")
	input := ac.Params["input"]

	if op == "jq" {
		out, err := a.jq.Query(ctx, stringParam(ac.Params, "expression", ""), input)
		if err != nil {
			return Failed(err.Error(), nil), nil
		}
		return Succeeded(map[string]any{"result": out}), nil
	}

	out, err := Transform(op, input, ac.ParamKeyOrder["input"])
	if err != nil {
		return Failed(err.Error(), nil), nil
	}
	return Succeeded(map[string]any{"result": out}), nil
}

// Transform applies a built-in transform operation. Operations that do not
// apply to the input's shape return it unchanged. keys and values follow
// keyOrder, the input's source key order, when it is known.
func Transform(op string, input any, keyOrder []string) (any, error) {
	switch op {
	case "passthrough", "":
		return input, nil
	case "uppercase":
		return mapCase(input, strings.ToUpper), nil
	case "lowercase":
		return mapCase(input, strings.ToLower), nil
	case "keys":
		m, ok := input.(map[string]any)
		if !ok {
			return []any{}, nil
		}
		keys := schema.OrderedKeys(m, keyOrder)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case "values":
		m, ok := input.(map[string]any)
		if !ok {
			return []any{}, nil
		}
		keys := schema.OrderedKeys(m, keyOrder)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = m[k]
		}
		return out, nil
	case "count":
		switch v := input.(type) {
		case nil:
			return 0, nil
		case string:
			return len([]rune(v)), nil
		case map[string]any:
			return len(v), nil
		}
		if l, ok := toList(input); ok {
			return len(l), nil
		}
		return 0, nil
	case "flatten":
		if l, ok := toList(input); ok {
			return flatten(l), nil
		}
		return input, nil
	case "unique":
		l, ok := toList(input)
		if !ok {
			return input, nil
		}
		seen := make(map[string]bool, len(l))
		out := make([]any, 0, len(l))
		for _, v := range l {
			k := identity(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
		return out, nil
	case "sort":
		l, ok := toList(input)
		if !ok {
			return input, nil
		}
		return sortValues(l), nil
	case "reverse":
		if s, ok := input.(string); ok {
			r := []rune(s)
			for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
				r[i], r[j] = r[j], r[i]
			}
			return string(r), nil
		}
		l, ok := toList(input)
		if !ok {
			return input, nil
		}
		out := make([]any, len(l))
		for i, v := range l {
			out[len(l)-1-i] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown transform operation '%s'", op)
}

func mapCase(input any, fn func(string) string) any {
	switch v := input.(type) {
	case string:
		return fn(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = fn(s)
			} else {
				out[k] = val
			}
		}
		return out
	}
	return input
}

// identity is a comparable key for any JSON-shaped value. Numbers of
// different Go types that are equal share a key.
func identity(v any) string {
	if f, ok := toFloat(v); ok {
		return "n:" + expressions.Stringify(f)
	}
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("x:%v", v)
	}
	return "j:" + string(b)
}

// sortValues sorts numbers numerically and strings lexically; mixed lists
// fall back to sorting by their string form.
func sortValues(l []any) []any {
	out := append([]any(nil), l...)
	if nums, ok := numbers(out); ok {
		idx := make([]int, len(out))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool { return nums[idx[i]] < nums[idx[j]] })
		sorted := make([]any, len(out))
		for i, k := range idx {
			sorted[i] = l[k]
		}
		return sorted
	}
	allStrings := true
	for _, v := range out {
		if _, ok := v.(string); !ok {
			allStrings = false
			break
		}
	}
	if allStrings {
		sort.SliceStable(out, func(i, j int) bool { return out[i].(string) < out[j].(string) })
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return expressions.Stringify(out[i]) < expressions.Stringify(out[j])
	})
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// --- conditional ---

const conditionalParamsSchema = `{
  "type": "object",
  "properties": {
    "branches": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "condition": {"type": "string"},
          "target_step": {"type": "string"}
        }
      }
    },
    "condition": {"type": ["string", "boolean"]},
    "true_step": {"type": "string"},
    "false_step": {"type": "string"}
  }
}`

// ConditionalAction routes execution between branches.
//
// Multi-branch mode evaluates branches in order; the first true condition
// wins and the targets of the other branches are skipped. Legacy mode
// evaluates a single condition and returns it as result.
type ConditionalAction struct {
	conditions *expressions.ConditionEvaluator
}

// NewConditionalAction creates the conditional action.
func NewConditionalAction(conditions *expressions.ConditionEvaluator) *ConditionalAction {
	if conditions == nil {
		conditions = expressions.NewConditionEvaluator(nil)
	}
	return &ConditionalAction{conditions: conditions}
}

func (a *ConditionalAction) Name() string { return "conditional" }

func (a *ConditionalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate ordered branch conditions and route to the first matching target step.",
		Mode:        ModeSync,
		Params:      json.RawMessage(conditionalParamsSchema),
		Outputs:     []string{"matched_branch", "target_step", "result"},
		RawParams:   []string{"branches", "condition"},
	}
}

type branch struct {
	ID         string
	Condition  string
	TargetStep string
}

func parseBranches(raw any) ([]branch, []string) {
	list, ok := toList(raw)
	if !ok {
		return nil, []string{"'branches' must be a list"}
	}
	var problems []string
	out := make([]branch, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("branch at index %d must be an object", i))
			continue
		}
		b := branch{
			ID:         stringParam(m, "id", ""),
			Condition:  stringParam(m, "condition", ""),
			TargetStep: stringParam(m, "target_step", ""),
		}
		if b.ID == "" {
			problems = append(problems, fmt.Sprintf("branch at index %d is missing 'id'", i))
		}
		out = append(out, b)
	}
	return out, problems
}

func (a *ConditionalAction) ValidateParams(params map[string]any) []string {
	raw, multi := params["branches"]
	_, legacy := params["condition"]
	if !multi && !legacy {
		return []string{"conditional requires 'branches' or 'condition'"}
	}
	if !multi {
		return nil
	}
	branches, problems := parseBranches(raw)
	seen := map[string]bool{}
	for _, b := range branches {
		if b.ID != "" && seen[b.ID] {
			problems = append(problems, fmt.Sprintf("duplicate branch id '%s'", b.ID))
		}
		seen[b.ID] = true
		for _, p := range a.conditions.Validate(b.Condition, nil, nil) {
			if !strings.HasPrefix(p, "unknown ") {
				problems = append(problems, fmt.Sprintf("branch '%s': %s", b.ID, p))
			}
		}
	}
	return problems
}

func (a *ConditionalAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	scope := expressions.ScopeFromOutputs(ac.WorkflowParams, ac.StepOutputs)

	if raw, ok := ac.Params["branches"]; ok {
		branches, problems := parseBranches(raw)
		if len(problems) > 0 {
			return Failed(strings.Join(problems, "; "), nil), nil
		}
		matched := -1
		for i, b := range branches {
			ok, err := a.conditions.Evaluate(ctx, b.Condition, scope, false)
			if err != nil {
				return Failed(fmt.Sprintf("branch '%s': %v", b.ID, err), nil), nil
			}
			if ok {
				matched = i
				break
			}
		}

		res := Succeeded(map[string]any{"matched_branch": nil, "target_step": nil})
		var target string
		if matched >= 0 {
			target = branches[matched].TargetStep
			res.Outputs["matched_branch"] = branches[matched].ID
			if target != "" {
				res.Outputs["target_step"] = target
			}
		}
		for i, b := range branches {
			if i != matched && b.TargetStep != "" && b.TargetStep != target && !contains(res.SkipSteps, b.TargetStep) {
				res.SkipSteps = append(res.SkipSteps, b.TargetStep)
			}
		}
		return res, nil
	}

	var result bool
	switch c := ac.Params["condition"].(type) {
	case bool:
		result = c
	case string:
		ok, err := a.conditions.Evaluate(ctx, c, scope, false)
		if err != nil {
			return Failed(err.Error(), nil), nil
		}
		result = ok
	default:
		result = c != nil
	}
	res := Succeeded(map[string]any{"result": result, "branch": fmt.Sprint(result)})
	trueStep := stringParam(ac.Params, "true_step", "")
	falseStep := stringParam(ac.Params, "false_step", "")
	if result && falseStep != "" {
		res.SkipSteps = []string{falseStep}
	} else if !result && trueStep != "" {
		res.SkipSteps = []string{trueStep}
	}
	return res, nil
}
