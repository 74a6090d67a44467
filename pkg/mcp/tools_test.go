package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/pipeline"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/validation"
	"github.com/rendis/budpipeline/pkg/schema"
)

type testEnv struct {
	server    *PipelineServer
	engine    *engine.Engine
	pipelines *pipeline.Service
	sessions  *SessionRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	templates := expressions.NewTemplateEngine()
	reg := actions.NewRegistry(jsv)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinConfig{
		Conditions: expressions.NewConditionEvaluator(templates),
		JQ:         expressions.NewGoJQEngine(),
	}))
	wv, err := validation.NewWorkflowValidator(jsv, reg)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(engine.Options{
		Store:     st,
		Registry:  reg,
		Templates: templates,
		Logger:    logger,
		Config:    engine.Config{PoolSize: 2, DefaultStepTimeout: 5 * time.Second, CancelTimeout: time.Second},
	})
	t.Cleanup(eng.Shutdown)

	svc := pipeline.NewService(st, wv, logger)
	sessions := NewSessionRegistry()
	srv := NewPipelineServer(ServerDeps{
		Executor:  eng,
		Pipelines: svc,
		Registry:  reg,
		Sessions:  sessions,
		Logger:    logger,
	})
	return &testEnv{server: srv, engine: eng, pipelines: svc, sessions: sessions}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target), text)
}

func sumDefinition(name string) map[string]any {
	return map[string]any{
		"name": name,
		"steps": []any{
			map[string]any{"id": "sum", "action": "aggregate", "params": map[string]any{
				"inputs": []any{2, 3}, "operation": "sum",
			}},
		},
	}
}

func TestRunToolInlineDefinition(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleRun(context.Background(), buildRequest("pipeline.run", map[string]any{
		"pipeline_definition": sumDefinition("inline"),
		"initiator":           "agent-7",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var exec map[string]any
	unmarshalResult(t, result, &exec)
	id := exec["id"].(string)
	assert.Equal(t, "agent-7", exec["initiator"])
	env.engine.Wait()

	result, err = env.server.handleStatus(context.Background(), buildRequest("pipeline.status", map[string]any{"execution_id": id}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var got map[string]any
	unmarshalResult(t, result, &got)
	assert.Equal(t, string(schema.ExecutionStatusCompleted), got["status"])
	assert.EqualValues(t, 5, got["outputs"].(map[string]any)["result"])

	result, err = env.server.handleProgress(context.Background(), buildRequest("pipeline.progress", map[string]any{"execution_id": id}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var view map[string]any
	unmarshalResult(t, result, &view)
	assert.EqualValues(t, 100, view["progress_percentage"])
}

func TestRunToolRegisteredPipeline(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.pipelines.Register(context.Background(), pipeline.RegisterRequest{Definition: sumDefinition("registered")})
	require.NoError(t, err)

	result, err := env.server.handleRun(context.Background(), buildRequest("pipeline.run", map[string]any{
		"workflow_id": "registered",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var exec map[string]any
	unmarshalResult(t, result, &exec)
	assert.Equal(t, "registered", exec["pipeline_name"])
	assert.Equal(t, "mcp", exec["initiator"])
	env.engine.Wait()
}

func TestRunToolErrors(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleRun(context.Background(), buildRequest("pipeline.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleRun(context.Background(), buildRequest("pipeline.run", map[string]any{"workflow_id": "missing"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	var body map[string]any
	unmarshalResult(t, result, &body)
	assert.Equal(t, schema.ErrCodeWorkflowNotFound, body["error"])

	bad := map[string]any{"name": "bad", "steps": []any{map[string]any{"id": "x", "action": "nope"}}}
	result, err = env.server.handleRun(context.Background(), buildRequest("pipeline.run", map[string]any{"pipeline_definition": bad}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	unmarshalResult(t, result, &body)
	assert.Equal(t, schema.ErrCodeDAGValidation, body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestStatusToolMissingExecution(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleStatus(context.Background(), buildRequest("pipeline.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleStatus(context.Background(), buildRequest("pipeline.status", map[string]any{"execution_id": "nope"}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	var body map[string]any
	unmarshalResult(t, result, &body)
	assert.Equal(t, schema.ErrCodeExecutionNotFound, body["error"])
}

func TestCancelTool(t *testing.T) {
	env := newTestEnv(t)
	def := map[string]any{
		"name":  "waiting",
		"steps": []any{map[string]any{"id": "w", "action": "wait", "params": map[string]any{"seconds": 3600}}},
	}
	result, err := env.server.handleRun(context.Background(), buildRequest("pipeline.run", map[string]any{"pipeline_definition": def}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var exec map[string]any
	unmarshalResult(t, result, &exec)
	id := exec["id"].(string)

	require.Eventually(t, func() bool {
		view, err := env.engine.Progress(context.Background(), id)
		return err == nil && len(view.Steps) == 1 && view.Steps[0].Status == schema.StepStatusAwaitingEvent
	}, 5*time.Second, 10*time.Millisecond)

	result, err = env.server.handleCancel(context.Background(), buildRequest("pipeline.cancel", map[string]any{"execution_id": id}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	unmarshalResult(t, result, &exec)
	assert.Equal(t, string(schema.ExecutionStatusCancelled), exec["status"])

	result, err = env.server.handleCancel(context.Background(), buildRequest("pipeline.cancel", map[string]any{"execution_id": id}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidateTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleValidate(context.Background(), buildRequest("pipeline.validate", map[string]any{
		"definition": sumDefinition("ok"),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var report map[string]any
	unmarshalResult(t, result, &report)
	assert.Equal(t, true, report["valid"])
	assert.EqualValues(t, 1, report["step_count"])

	cyclic := map[string]any{
		"name": "loop",
		"steps": []any{
			map[string]any{"id": "a", "action": "log", "params": map[string]any{"message": "a"}, "depends_on": []any{"b"}},
			map[string]any{"id": "b", "action": "log", "params": map[string]any{"message": "b"}, "depends_on": []any{"a"}},
		},
	}
	result, err = env.server.handleValidate(context.Background(), buildRequest("pipeline.validate", map[string]any{"definition": cyclic}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	unmarshalResult(t, result, &report)
	assert.Equal(t, false, report["valid"])
	assert.Equal(t, true, report["has_cycles"])

	result, err = env.server.handleValidate(context.Background(), buildRequest("pipeline.validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestActionsTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleActions(context.Background(), buildRequest("pipeline.actions", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Actions []actions.Info `json:"actions"`
	}
	unmarshalResult(t, result, &body)
	names := make([]string, 0, len(body.Actions))
	for _, a := range body.Actions {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "aggregate")
	assert.Contains(t, names, "wait")
}

func TestToolErrorRedactsDetails(t *testing.T) {
	result := toolError(schema.NewError(schema.ErrCodeStepExecution, "call failed password=hunter2").
		WithDetails(map[string]any{"token": "abc"}))
	require.True(t, result.IsError)
	text := extractText(t, result)
	assert.NotContains(t, text, "hunter2")
	assert.NotContains(t, text, "abc")
	assert.Contains(t, text, schema.ErrCodeStepExecution)
}
