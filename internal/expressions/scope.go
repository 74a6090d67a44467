package expressions

import (
	"fmt"
	"regexp"
	"strings"
)

// Scope is the read-only data visible to templates: workflow parameters and
// the outputs of completed steps. Nothing else is reachable from an expression.
type Scope struct {
	Params map[string]any
	Steps  map[string]StepScope
}

// StepScope is the view of one completed step.
type StepScope struct {
	Status  string
	Outputs map[string]any
}

// NewScope creates a Scope over workflow parameters.
func NewScope(params map[string]any) *Scope {
	if params == nil {
		params = map[string]any{}
	}
	return &Scope{Params: params, Steps: make(map[string]StepScope)}
}

// ScopeFromOutputs builds a Scope from parameters and a step → outputs map.
func ScopeFromOutputs(params map[string]any, stepOutputs map[string]map[string]any) *Scope {
	s := NewScope(params)
	for id, out := range stepOutputs {
		s.AddStep(id, "completed", out)
	}
	return s
}

// AddStep exposes a step's outputs to templates.
func (s *Scope) AddStep(id, status string, outputs map[string]any) *Scope {
	if outputs == nil {
		outputs = map[string]any{}
	}
	s.Steps[id] = StepScope{Status: status, Outputs: outputs}
	return s
}

// env builds the expression environment.
func (s *Scope) env() map[string]any {
	steps := make(map[string]any, len(s.Steps))
	for id, st := range s.Steps {
		steps[id] = map[string]any{"status": st.Status, "outputs": st.Outputs}
	}
	return map[string]any{
		"params": s.Params,
		"steps":  steps,
		"True":   true,
		"False":  false,
	}
}

// Reference is a params.* or steps.* path found in an expression.
type Reference struct {
	Root string   // "params" or "steps"
	Path []string // segments after the root
	Raw  string
}

// StepID returns the referenced step for a steps.* reference.
func (r Reference) StepID() string {
	if r.Root != "steps" || len(r.Path) == 0 {
		return ""
	}
	return r.Path[0]
}

// ParamName returns the referenced parameter for a params.* reference.
func (r Reference) ParamName() string {
	if r.Root != "params" || len(r.Path) == 0 {
		return ""
	}
	return r.Path[0]
}

var (
	referencePattern = regexp.MustCompile(`\b(params|steps)((?:\.[A-Za-z_][A-Za-z0-9_]*|\[\s*(?:'[^']*'|"[^"]*")\s*\])+)`)
	segmentPattern   = regexp.MustCompile(`\.([A-Za-z_][A-Za-z0-9_]*)|\[\s*'([^']*)'\s*\]|\[\s*"([^"]*)"\s*\]`)
)

// ExtractReferences returns every params/steps reference in an expression,
// ignoring text inside string literals.
func ExtractReferences(expression string) []Reference {
	var refs []Reference
	for _, loc := range referencePattern.FindAllStringSubmatchIndex(expression, -1) {
		start := loc[0]
		if start > 0 && expression[start-1] == '.' {
			continue
		}
		if insideString(expression, start) {
			continue
		}
		ref := Reference{Root: expression[loc[2]:loc[3]], Raw: expression[loc[0]:loc[1]]}
		for _, seg := range segmentPattern.FindAllStringSubmatch(expression[loc[4]:loc[5]], -1) {
			for _, g := range seg[1:] {
				if g != "" {
					ref.Path = append(ref.Path, g)
					break
				}
			}
		}
		refs = append(refs, ref)
	}
	return refs
}

// insideString reports whether pos falls inside a quoted string literal.
func insideString(s string, pos int) bool {
	var quote byte
	for i := 0; i < pos; i++ {
		c := s[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote == 0 && (c == '\'' || c == '"' || c == '`'):
			quote = c
		}
	}
	return quote != 0
}

// resolve reports whether a reference is defined in the scope, with a
// human-readable reason when it is not.
func (s *Scope) resolve(ref Reference) (bool, string) {
	if len(ref.Path) == 0 {
		return true, ""
	}
	switch ref.Root {
	case "params":
		v, ok := s.Params[ref.Path[0]]
		if !ok {
			return false, fmt.Sprintf("undefined parameter '%s'", ref.Path[0])
		}
		if !descend(v, ref.Path[1:]) {
			return false, fmt.Sprintf("'%s' is not defined", ref.Raw)
		}
		return true, ""
	case "steps":
		st, ok := s.Steps[ref.Path[0]]
		if !ok {
			return false, fmt.Sprintf("step '%s' has not completed", ref.Path[0])
		}
		if len(ref.Path) == 1 {
			return true, ""
		}
		switch ref.Path[1] {
		case "status":
			return len(ref.Path) == 2, fmt.Sprintf("'%s' is not defined", ref.Raw)
		case "outputs":
			if len(ref.Path) == 2 {
				return true, ""
			}
			v, ok := st.Outputs[ref.Path[2]]
			if !ok {
				return false, fmt.Sprintf("step '%s' has no output '%s'", ref.Path[0], ref.Path[2])
			}
			if !descend(v, ref.Path[3:]) {
				return false, fmt.Sprintf("'%s' is not defined", ref.Raw)
			}
			return true, ""
		}
		return false, fmt.Sprintf("'%s' is not a step field (use outputs or status)", strings.Join(ref.Path[:2], "."))
	}
	return false, fmt.Sprintf("unknown namespace '%s'", ref.Root)
}

func descend(v any, path []string) bool {
	for _, key := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		if v, ok = m[key]; !ok {
			return false
		}
	}
	return true
}
