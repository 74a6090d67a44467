package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	s := NewScope(map[string]any{
		"env":   "prod",
		"count": 3,
		"cfg":   map[string]any{"region": "eu-west-1"},
	})
	s.AddStep("build", "completed", map[string]any{
		"image": "registry/app:1.2",
		"items": []any{"a", "b"},
		"ok":    true,
	})
	s.AddStep("my-step", "completed", map[string]any{"ready": false})
	return s
}

func TestParseTemplate(t *testing.T) {
	segs, err := parseTemplate("deploy-{{ params.env }}-{{params.count}}")
	require.NoError(t, err)
	require.Len(t, segs, 4)
	assert.Equal(t, segment{text: "deploy-"}, segs[0])
	assert.Equal(t, segment{text: "params.env", isExpr: true}, segs[1])
	assert.Equal(t, segment{text: "params.count", isExpr: true}, segs[3])
}

func TestParseTemplate_Unbalanced(t *testing.T) {
	for _, tmpl := range []string{
		"{{ params.env",
		"params.env }}",
		"{{ {{ params.env }} }}",
		"{{   }}",
	} {
		t.Run(tmpl, func(t *testing.T) {
			_, err := parseTemplate(tmpl)
			assert.Error(t, err)
		})
	}
}

func TestTemplate_Render(t *testing.T) {
	te := NewTemplateEngine()
	ctx := context.Background()

	out, err := te.Render(ctx, "deploy {{ steps.build.outputs.image }} to {{ params.env }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "deploy registry/app:1.2 to prod", out)

	out, err = te.Render(ctx, "items={{ steps.build.outputs.items }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, `items=["a","b"]`, out)

	out, err = te.Render(ctx, "region {{ params.cfg.region }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "region eu-west-1", out)
}

func TestTemplate_RenderValueKeepsNativeType(t *testing.T) {
	te := NewTemplateEngine()
	ctx := context.Background()

	v, err := te.RenderValue(ctx, "{{ params.count }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = te.RenderValue(ctx, " {{ steps.build.outputs.items }} ", testScope())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)

	v, err = te.RenderValue(ctx, "n={{ params.count * 2 }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "n=6", v)
}

func TestTemplate_BracketNotation(t *testing.T) {
	te := NewTemplateEngine()
	v, err := te.RenderValue(context.Background(), `{{ steps['my-step'].outputs.ready }}`, testScope())
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestTemplate_UndefinedReferences(t *testing.T) {
	te := NewTemplateEngine()
	ctx := context.Background()

	tests := []struct {
		expr   string
		reason string
	}{
		{"params.missing", "undefined parameter 'missing'"},
		{"steps.deploy.outputs.url", "step 'deploy' has not completed"},
		{"steps.build.outputs.digest", "step 'build' has no output 'digest'"},
		{"params.cfg.zone", "'params.cfg.zone' is not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := te.Eval(ctx, tt.expr, testScope())
			var undef *UndefinedError
			require.ErrorAs(t, err, &undef)
			assert.Equal(t, tt.reason, undef.Reason)
		})
	}
}

func TestTemplate_Check(t *testing.T) {
	te := NewTemplateEngine()

	refs, err := te.Check("{{ params.a }} and {{ steps.b.outputs.c > 1 }}")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "a", refs[0].ParamName())
	assert.Equal(t, "b", refs[1].StepID())

	_, err = te.Check("{{ params.a > }}")
	assert.Error(t, err)
}

func TestExtractReferences(t *testing.T) {
	refs := ExtractReferences(`params.x == "params.y" and steps['my-step'].outputs.ok`)
	require.Len(t, refs, 2)
	assert.Equal(t, "params", refs[0].Root)
	assert.Equal(t, []string{"x"}, refs[0].Path)
	assert.Equal(t, []string{"my-step", "outputs", "ok"}, refs[1].Path)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "2", Stringify(2.0))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "7", Stringify(int64(7)))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
	assert.Equal(t, "[]", Stringify([]any{}))
}
