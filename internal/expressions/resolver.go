package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/budpipeline/pkg/schema"
)

// ParameterResolver substitutes templates in step parameters.
type ParameterResolver struct {
	templates *TemplateEngine
}

// NewParameterResolver creates a ParameterResolver.
func NewParameterResolver(templates *TemplateEngine) *ParameterResolver {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &ParameterResolver{templates: templates}
}

// Resolve returns a copy of params with every template substituted. Keys
// listed in rawKeys are copied through untouched. A value that is exactly
// one template keeps the native type of the expression result.
func (r *ParameterResolver) Resolve(ctx context.Context, params map[string]any, scope *Scope, rawKeys ...string) (map[string]any, error) {
	raw := toSet(rawKeys)
	out := make(map[string]any, len(params))
	for k, v := range params {
		if raw[k] {
			out[k] = v
			continue
		}
		resolved, err := r.resolve(ctx, v, scope, k)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// ResolveValue resolves a single value, walking maps and lists.
func (r *ParameterResolver) ResolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	return r.resolve(ctx, v, scope, "")
}

func (r *ParameterResolver) resolve(ctx context.Context, v any, scope *Scope, path string) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasTemplate(val) {
			return val, nil
		}
		out, err := r.templates.RenderValue(ctx, val, scope)
		if err != nil {
			pe := templateError(schema.ErrCodeParameterResolution, err)
			if path != "" {
				pe.Message = fmt.Sprintf("cannot resolve parameter '%s': %s", path, err.Error())
				pe.Details["parameter"] = path
			}
			return nil, pe
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolve(ctx, item, scope, joinKey(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolve(ctx, item, scope, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func joinKey(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
