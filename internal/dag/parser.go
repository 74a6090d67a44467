// Package dag parses and validates workflow definitions and builds their
// dependency graphs.
package dag

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/rendis/budpipeline/pkg/schema"
)

// PostValidator runs semantic checks against a fully constructed DAG and
// returns human-readable problems.
type PostValidator func(d *schema.WorkflowDAG) []string

// Parser turns raw YAML/JSON documents into validated WorkflowDAGs.
type Parser struct {
	postValidators []PostValidator
}

// Option configures a Parser.
type Option func(*Parser)

// WithPostValidators appends semantic checks run after construction.
func WithPostValidators(v ...PostValidator) Option {
	return func(p *Parser) { p.postValidators = append(p.postValidators, v...) }
}

// NewParser creates a Parser with the default semantic checks plus any
// supplied through options.
func NewParser(opts ...Option) *Parser {
	p := &Parser{postValidators: DefaultPostValidators()}
	for _, o := range opts {
		o(p)
	}
	return p
}

var defaultParser = NewParser()

// Parse parses a YAML or JSON definition with the default parser.
func Parse(raw []byte) (*schema.WorkflowDAG, error) {
	return defaultParser.Parse(raw)
}

// ParseMap validates and constructs a DAG from an already-decoded mapping
// with the default parser.
func ParseMap(m map[string]any) (*schema.WorkflowDAG, error) {
	return defaultParser.ParseMap(m)
}

// Parse decodes raw as JSON when it looks like a JSON object, otherwise as
// YAML, and validates the result.
func (p *Parser) Parse(raw []byte) (*schema.WorkflowDAG, error) {
	doc, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	d, err := p.ParseMap(doc)
	if err != nil {
		return nil, err
	}
	AttachKeyOrder(d, raw)
	return d, nil
}

// Decode decodes a YAML or JSON document into a string-keyed mapping.
func Decode(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, schema.NewError(schema.ErrCodeDAGParse, "workflow definition is empty")
	}

	var doc any
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDAGParse, "invalid JSON: %s", err.Error()).WithCause(err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDAGParse, "invalid YAML: %s", err.Error()).WithCause(err)
		}
	}

	m, ok := normalize(doc).(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeDAGParse, "workflow definition must be a mapping, got %s", typeName(doc))
	}
	return m, nil
}

// ParseMap runs structural pre-validation on the raw mapping, constructs
// the typed DAG, then applies the post-validation hooks.
func (p *Parser) ParseMap(m map[string]any) (*schema.WorkflowDAG, error) {
	if m == nil {
		return nil, schema.NewError(schema.ErrCodeDAGParse, "workflow definition must be a mapping")
	}
	if problems := preValidate(m); len(problems) > 0 {
		return nil, schema.NewValidationError(problems)
	}

	d, err := build(m)
	if err != nil {
		return nil, err
	}

	var problems []string
	for _, v := range p.postValidators {
		problems = append(problems, v(d)...)
	}
	if len(problems) > 0 {
		return nil, schema.NewValidationError(problems)
	}
	return d, nil
}

// preValidate checks the raw mapping and collects every structural problem.
func preValidate(m map[string]any) []string {
	var problems []string

	name, ok := m["name"]
	switch {
	case !ok || name == nil:
		problems = append(problems, "missing required field 'name'")
	default:
		if s, isStr := name.(string); !isStr || s == "" {
			problems = append(problems, "'name' must be a non-empty string")
		}
	}

	for _, key := range []string{"settings", "outputs"} {
		if v, ok := m[key]; ok && v != nil {
			if _, isMap := v.(map[string]any); !isMap {
				problems = append(problems, fmt.Sprintf("'%s' must be a mapping", key))
			}
		}
	}
	if v, ok := m["parameters"]; ok && v != nil {
		problems = append(problems, preValidateParameters(v)...)
	}

	rawSteps, ok := m["steps"]
	if !ok || rawSteps == nil {
		return append(problems, "missing required field 'steps'")
	}
	steps, ok := rawSteps.([]any)
	if !ok {
		return append(problems, "'steps' must be a list")
	}
	if len(steps) == 0 {
		return append(problems, "'steps' must contain at least one step")
	}

	ids := make(map[string]bool, len(steps))
	for _, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := step["id"].(string)
		if id == "" {
			continue
		}
		if ids[id] {
			problems = append(problems, fmt.Sprintf("duplicate step id '%s'", id))
		}
		ids[id] = true
	}

	for i, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("step at index %d must be a mapping", i))
			continue
		}
		id, _ := step["id"].(string)
		label := fmt.Sprintf("step '%s'", id)
		if id == "" {
			problems = append(problems, fmt.Sprintf("step at index %d is missing required field 'id'", i))
			label = fmt.Sprintf("step at index %d", i)
		}
		if action, _ := step["action"].(string); action == "" {
			problems = append(problems, fmt.Sprintf("%s is missing required field 'action'", label))
		}
		if v, ok := step["params"]; ok && v != nil {
			if _, isMap := v.(map[string]any); !isMap {
				problems = append(problems, fmt.Sprintf("%s: 'params' must be a mapping", label))
			}
		}
		if v, ok := step["retry"]; ok && v != nil {
			if _, isMap := v.(map[string]any); !isMap {
				problems = append(problems, fmt.Sprintf("%s: 'retry' must be a mapping", label))
			}
		}

		rawDeps, ok := step["depends_on"]
		if !ok || rawDeps == nil {
			continue
		}
		deps, ok := rawDeps.([]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: 'depends_on' must be a list", label))
			continue
		}
		for _, d := range deps {
			dep, _ := d.(string)
			switch {
			case dep == "":
				problems = append(problems, fmt.Sprintf("%s: 'depends_on' entries must be non-empty strings", label))
			case dep == id:
				problems = append(problems, fmt.Sprintf("%s cannot depend on itself", label))
			case !ids[dep]:
				problems = append(problems, fmt.Sprintf("%s depends on unknown step '%s'", label, dep))
			}
		}
	}
	return problems
}

func preValidateParameters(v any) []string {
	params, ok := v.([]any)
	if !ok {
		return []string{"'parameters' must be a list"}
	}
	var problems []string
	for i, raw := range params {
		p, ok := raw.(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("parameter at index %d must be a mapping", i))
			continue
		}
		if name, _ := p["name"].(string); name == "" {
			problems = append(problems, fmt.Sprintf("parameter at index %d is missing required field 'name'", i))
		}
	}
	return problems
}

// build constructs the typed DAG from a pre-validated mapping.
func build(m map[string]any) (*schema.WorkflowDAG, error) {
	if v, ok := m["version"]; ok && v != nil {
		if _, isStr := v.(string); !isStr {
			m["version"] = fmt.Sprint(v)
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDAGParse, "encode definition: %s", err.Error()).WithCause(err)
	}
	var d schema.WorkflowDAG
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, schema.NewValidationError([]string{fieldTypeProblem(err)})
	}

	for i := range d.Steps {
		if d.Steps[i].OnFailure == "" {
			d.Steps[i].OnFailure = schema.OnFailureFail
		}
	}
	return &d, nil
}

func fieldTypeProblem(err error) string {
	if te, ok := err.(*json.UnmarshalTypeError); ok {
		return fmt.Sprintf("field '%s' must be of type %s, got %s", te.Field, te.Type.String(), te.Value)
	}
	return "invalid definition: " + err.Error()
}

// normalize converts YAML's map[any]any into map[string]any recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "list"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, float64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
