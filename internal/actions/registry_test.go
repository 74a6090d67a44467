package actions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/internal/validation"
	"github.com/rendis/budpipeline/pkg/schema"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name     string
	desc     string
	params   string
	problems []string
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc, Mode: ModeSync, Params: json.RawMessage(s.params)}
}
func (s *stubAction) ValidateParams(_ map[string]any) []string { return s.problems }
func (s *stubAction) Execute(_ context.Context, _ *Context) (*Result, error) {
	return Succeeded(map[string]any{"ok": true}), nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewRegistry(v)
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(&stubAction{name: "test_action", desc: "A test action"}))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test_action"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(&stubAction{name: "dup"}))

	err := reg.Register(&stubAction{name: "dup"})
	require.Error(t, err)

	var pe *schema.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeConflict, pe.Code)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := newTestRegistry(t)
	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(&stubAction{name: ""}), schema.ErrCodeValidation))
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get("nope")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionNotFound))
	assert.Contains(t, err.Error(), "nope")
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(&stubAction{name: "zeta"}))
	require.NoError(t, reg.Register(&stubAction{name: "alpha"}))

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, ModeSync, infos[0].Mode)
}

func TestRegistry_ValidateParams(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(&stubAction{
		name:     "typed",
		params:   `{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`,
		problems: []string{"custom problem"},
	}))

	problems, err := reg.ValidateParams("typed", map[string]any{"count": "x"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(problems), 2)
	assert.Contains(t, problems, "custom problem")

	err = reg.Validate("typed", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionValidation))

	_, err = reg.ValidateParams("missing", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionNotFound))
}

func TestRegistry_Builtins(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))

	for _, name := range []string{
		"aggregate", "transform", "conditional", "http_request", "webhook",
		"notification", "service_invoke", "cluster_health", "deployment_create",
		"remote_job", "wait", "log",
	} {
		assert.True(t, reg.Has(name), name)
	}
	assert.Equal(t, []string{"branches", "condition"}, reg.RawParams("conditional"))
	assert.NotEmpty(t, reg.ParamsSchema("aggregate"))

	err := RegisterBuiltins(reg, BuiltinConfig{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Get("aggregate")
			_ = reg.List()
		}()
	}
	wg.Wait()
}
