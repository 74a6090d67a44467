package dag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/pkg/schema"
)

const deployYAML = `
name: deploy-model
version: 1.0
description: add a model and deploy it
parameters:
  - name: model_id
    type: string
    required: true
  - name: replicas
    type: integer
    default: 1
settings:
  timeout_seconds: 3600
  max_parallel_steps: 2
steps:
  - id: health
    name: Cluster health
    action: cluster_health
    params:
      cluster_id: "{{ params.cluster_id }}"
  - id: deploy
    action: deployment_create
    depends_on: [health]
    condition: "{{ steps.health.outputs.healthy }}"
    on_failure: retry
    timeout_seconds: 1800
    retry:
      max_attempts: 2
      backoff_seconds: 5
    params:
      model_id: "{{ params.model_id }}"
      replicas: "{{ params.replicas }}"
    outputs: [endpoint]
outputs:
  endpoint: "{{ steps.deploy.outputs.endpoint }}"
`

func TestParse_YAML(t *testing.T) {
	d, err := Parse([]byte(deployYAML))
	require.NoError(t, err)

	assert.Equal(t, "deploy-model", d.Name)
	assert.Equal(t, "1", d.Version)
	require.Len(t, d.Steps, 2)
	assert.Equal(t, "Cluster health", d.Steps[0].Name)
	assert.Equal(t, schema.OnFailureFail, d.Steps[0].OnFailure, "on_failure defaults to fail")
	assert.Equal(t, schema.OnFailureRetry, d.Steps[1].OnFailure)
	assert.Equal(t, []string{"health"}, d.Steps[1].DependsOn)
	require.NotNil(t, d.Steps[1].Retry)
	assert.Equal(t, 2, d.Steps[1].Retry.MaxAttempts)
	assert.Equal(t, 2, d.MaxParallel())
	assert.Equal(t, []string{"model_id", "replicas"}, d.ParameterNames())
	assert.True(t, d.Settings.IsFailFast())
}

func TestParse_JSON(t *testing.T) {
	raw := `{"name":"agg","steps":[{"id":"a","action":"aggregate","params":{"inputs":[1,2,3],"operation":"sum"}}]}`
	d, err := Parse([]byte(raw))
	require.NoError(t, err)
	require.Len(t, d.Steps, 1)
	assert.Equal(t, "sum", d.Steps[0].Params["operation"])
	assert.Equal(t, schema.DefaultMaxParallelSteps, d.MaxParallel())
}

func TestParse_MalformedInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "   "},
		{"bad yaml", "name: [unclosed"},
		{"bad json", `{"name": `},
		{"scalar", "just a string"},
		{"list", "- a\n- b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeDAGParse), "got %v", err)
		})
	}
}

func TestParse_CollectsEveryStructuralProblem(t *testing.T) {
	raw := `
steps:
  - id: a
  - action: log
  - id: a
    action: log
    depends_on: [a, ghost]
`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDAGValidation))

	problems := schema.ValidationErrors(err)
	assert.Contains(t, problems, "missing required field 'name'")
	assert.Contains(t, problems, "step 'a' is missing required field 'action'")
	assert.Contains(t, problems, "step at index 1 is missing required field 'id'")
	assert.Contains(t, problems, "duplicate step id 'a'")
	assert.Contains(t, problems, "step 'a' cannot depend on itself")
	assert.Contains(t, problems, "step 'a' depends on unknown step 'ghost'")
}

func TestParse_StepsShape(t *testing.T) {
	_, err := Parse([]byte("name: x\n"))
	assert.Equal(t, []string{"missing required field 'steps'"}, schema.ValidationErrors(err))

	_, err = Parse([]byte("name: x\nsteps: {}\n"))
	assert.Equal(t, []string{"'steps' must be a list"}, schema.ValidationErrors(err))

	_, err = Parse([]byte("name: x\nsteps: []\n"))
	assert.Equal(t, []string{"'steps' must contain at least one step"}, schema.ValidationErrors(err))
}

func TestParse_UnknownDependencyMentionsStep(t *testing.T) {
	raw := `{"name":"x","steps":[{"id":"a","action":"log","depends_on":["missing_step"]}]}`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	problems := schema.ValidationErrors(err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "missing_step")
}

func TestParse_CycleIsNotAParseError(t *testing.T) {
	raw := `{"name":"x","steps":[
		{"id":"a","action":"log","depends_on":["b"]},
		{"id":"b","action":"log","depends_on":["a"]}]}`
	d, err := Parse([]byte(raw))
	require.NoError(t, err, "registration only checks reference existence")
	require.Len(t, d.Steps, 2)
}

func TestParse_PostValidators(t *testing.T) {
	raw := `
name: x
parameters:
  - name: p
    type: widget
  - name: p
steps:
  - id: a
    action: log
    on_failure: explode
    timeout_seconds: -1
    retry:
      backoff_multiplier: 0.5
`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	problems := schema.ValidationErrors(err)
	assert.Contains(t, problems, "step 'a': invalid on_failure 'explode' (expected fail, continue or retry)")
	assert.Contains(t, problems, "step 'a': timeout_seconds must not be negative")
	assert.Contains(t, problems, "step 'a' retry: backoff_multiplier must be at least 1")
	assert.Contains(t, problems, "parameter 'p' has unknown type 'widget'")
	assert.Contains(t, problems, "duplicate parameter 'p'")
}

func TestParse_CustomPostValidator(t *testing.T) {
	p := NewParser(WithPostValidators(func(d *schema.WorkflowDAG) []string {
		if len(d.Steps) > 1 {
			return []string{"only one step allowed"}
		}
		return nil
	}))
	_, err := p.Parse([]byte(`{"name":"x","steps":[{"id":"a","action":"log"},{"id":"b","action":"log"}]}`))
	assert.Equal(t, []string{"only one step allowed"}, schema.ValidationErrors(err))
}

func TestParse_FieldTypeMismatch(t *testing.T) {
	_, err := Parse([]byte(`{"name":"x","steps":[{"id":"a","action":"log","timeout_seconds":"soon"}]}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDAGValidation))
}

func TestRoundTrip(t *testing.T) {
	d, err := Parse([]byte(deployYAML))
	require.NoError(t, err)

	m, err := ToMap(d)
	require.NoError(t, err)
	for _, key := range []string{"name", "version", "description", "parameters", "settings", "steps", "outputs"} {
		assert.Contains(t, m, key)
	}

	y, err := ToYAML(d)
	require.NoError(t, err)
	fromYAML, err := Parse(y)
	require.NoError(t, err)
	assert.Equal(t, d, fromYAML)

	j, err := ToJSON(d)
	require.NoError(t, err)
	fromJSON, err := Parse(j)
	require.NoError(t, err)
	assert.Equal(t, d, fromJSON)
}

const orderedParamsYAML = `
name: shape
steps:
  - id: pick
    action: transform
    params:
      operation: keys
      input:
        zeta: 1
        alpha: 2
        mid: {y: 1, b: 2}
      list:
        - {k2: 1, k1: 2}
`

func TestParse_RecordsParamKeyOrder(t *testing.T) {
	d, err := Parse([]byte(orderedParamsYAML))
	require.NoError(t, err)

	step := d.StepByID("pick")
	require.NotNil(t, step)
	assert.Equal(t, []string{"operation", "input", "list"}, step.KeyOrder(""))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, step.KeyOrder("input"))
	assert.Equal(t, []string{"y", "b"}, step.KeyOrder("input.mid"))
	assert.Equal(t, []string{"k2", "k1"}, step.KeyOrder("list.0"))

	j, err := Parse([]byte(`{"name":"shape","steps":[{"id":"pick","action":"transform","params":{"input":{"zeta":1,"alpha":2}}}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha"}, j.Steps[0].KeyOrder("input"))
}

func TestToYAML_KeepsParamKeyOrder(t *testing.T) {
	d, err := Parse([]byte(orderedParamsYAML))
	require.NoError(t, err)

	y, err := ToYAML(d)
	require.NoError(t, err)
	out := string(y)
	assert.NotContains(t, out, "param_key_order")
	assert.Less(t, strings.Index(out, "zeta:"), strings.Index(out, "alpha:"))
	assert.Less(t, strings.Index(out, "alpha:"), strings.Index(out, "mid:"))

	again, err := Parse(y)
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

func TestAttachKeyOrder_KeepsExistingOrder(t *testing.T) {
	d := &schema.WorkflowDAG{Steps: []schema.WorkflowStep{
		{ID: "pick", ParamKeyOrder: map[string][]string{"input": {"b", "a"}}},
	}}
	AttachKeyOrder(d, []byte(orderedParamsYAML))
	assert.Equal(t, []string{"b", "a"}, d.Steps[0].KeyOrder("input"))

	AttachKeyOrder(d, []byte("not: [valid"))
	AttachKeyOrder(nil, []byte(orderedParamsYAML))
}
