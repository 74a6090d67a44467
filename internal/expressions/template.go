package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/budpipeline/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// segment is either literal text or one {{ expression }}.
type segment struct {
	text   string
	isExpr bool
}

// UndefinedError reports a template reference missing from the scope.
type UndefinedError struct {
	Reference string
	Reason    string
}

func (e *UndefinedError) Error() string {
	return e.Reason
}

// HasTemplate reports whether s contains template delimiters.
func HasTemplate(s string) bool {
	return strings.Contains(s, openDelim) || strings.Contains(s, closeDelim)
}

// parseTemplate splits s into literal and expression segments. Unbalanced
// or nested delimiters are errors.
func parseTemplate(s string) ([]segment, error) {
	var segs []segment
	rest := s
	for rest != "" {
		open := strings.Index(rest, openDelim)
		closing := strings.Index(rest, closeDelim)
		if closing >= 0 && (open < 0 || closing < open) {
			return nil, fmt.Errorf("unbalanced template delimiters: unexpected '%s' in %q", closeDelim, s)
		}
		if open < 0 {
			segs = append(segs, segment{text: rest})
			break
		}
		if open > 0 {
			segs = append(segs, segment{text: rest[:open]})
		}
		body := rest[open+len(openDelim):]
		end := strings.Index(body, closeDelim)
		if end < 0 {
			return nil, fmt.Errorf("unbalanced template delimiters: unclosed '%s' in %q", openDelim, s)
		}
		inner := body[:end]
		if strings.Contains(inner, openDelim) {
			return nil, fmt.Errorf("unbalanced template delimiters: nested '%s' in %q", openDelim, s)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return nil, fmt.Errorf("empty template expression in %q", s)
		}
		segs = append(segs, segment{text: inner, isExpr: true})
		rest = body[end+len(closeDelim):]
	}
	return segs, nil
}

// TemplateEngine renders {{ }} templates against a Scope.
type TemplateEngine struct {
	exprs *ExprEngine
}

// NewTemplateEngine creates a TemplateEngine backed by a fresh ExprEngine.
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{exprs: NewExprEngine()}
}

// Eval evaluates a single expression (without delimiters). References
// missing from the scope yield an *UndefinedError before evaluation runs.
func (t *TemplateEngine) Eval(ctx context.Context, expression string, scope *Scope) (any, error) {
	if scope == nil {
		scope = NewScope(nil)
	}
	for _, ref := range ExtractReferences(expression) {
		if ok, reason := scope.resolve(ref); !ok {
			return nil, &UndefinedError{Reference: ref.Raw, Reason: reason}
		}
	}
	return t.exprs.Evaluate(ctx, expression, scope.env())
}

// Render renders every segment of a template into a string.
func (t *TemplateEngine) Render(ctx context.Context, template string, scope *Scope) (string, error) {
	segs, err := parseTemplate(template)
	if err != nil {
		return "", err
	}
	return t.render(ctx, segs, scope)
}

func (t *TemplateEngine) render(ctx context.Context, segs []segment, scope *Scope) (string, error) {
	var b strings.Builder
	for _, seg := range segs {
		if !seg.isExpr {
			b.WriteString(seg.text)
			continue
		}
		v, err := t.Eval(ctx, seg.text, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(v))
	}
	return b.String(), nil
}

// RenderValue renders a template, preserving the native type when the whole
// string is exactly one expression.
func (t *TemplateEngine) RenderValue(ctx context.Context, template string, scope *Scope) (any, error) {
	segs, err := parseTemplate(strings.TrimSpace(template))
	if err != nil {
		return nil, err
	}
	if len(segs) == 1 && segs[0].isExpr {
		return t.Eval(ctx, segs[0].text, scope)
	}
	segs, err = parseTemplate(template)
	if err != nil {
		return nil, err
	}
	return t.render(ctx, segs, scope)
}

// Check validates delimiters and expression syntax without a scope and
// returns every reference the template makes.
func (t *TemplateEngine) Check(template string) ([]Reference, error) {
	segs, err := parseTemplate(template)
	if err != nil {
		return nil, err
	}
	var refs []Reference
	for _, seg := range segs {
		if !seg.isExpr {
			continue
		}
		if err := t.exprs.Compile(seg.text); err != nil {
			return nil, err
		}
		refs = append(refs, ExtractReferences(seg.text)...)
	}
	return refs, nil
}

// Stringify renders an evaluated value the way templates print it.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

// templateError wraps a template failure in the given error code, keeping
// the undefined reference in details when there is one.
func templateError(code string, err error) *schema.PipelineError {
	pe := schema.NewError(code, err.Error()).WithCause(err).WithDetails(map[string]any{})
	var ue *UndefinedError
	if errors.As(err, &ue) {
		pe.Details["reference"] = ue.Reference
	}
	return pe
}
