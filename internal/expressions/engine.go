// Package expressions implements the sandboxed template language used by
// step conditions and parameters, plus the CEL and jq engines used by
// trigger filters and transforms.
package expressions

import "context"

// Engine evaluates expressions against read-only data.
// Three implementations: Expr (templates), CEL (trigger filters), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
