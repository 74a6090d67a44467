package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/validation"
	"github.com/rendis/budpipeline/pkg/schema"
)

// --- test actions ---

type fakeAction struct {
	name      string
	mode      actions.Mode
	fn        func(ctx context.Context, ac *actions.Context, call int64) (*actions.Result, error)
	calls     atomic.Int64
	cancelled atomic.Int64
}

func (a *fakeAction) Name() string { return a.name }

func (a *fakeAction) Schema() actions.ActionSchema {
	mode := a.mode
	if mode == "" {
		mode = actions.ModeSync
	}
	return actions.ActionSchema{Mode: mode}
}

func (a *fakeAction) ValidateParams(map[string]any) []string { return nil }

func (a *fakeAction) Execute(ctx context.Context, ac *actions.Context) (*actions.Result, error) {
	n := a.calls.Add(1)
	return a.fn(ctx, ac, n)
}

func (a *fakeAction) Cancel(context.Context, *actions.Context) error {
	a.cancelled.Add(1)
	return nil
}

// emitAction echoes its parameters as outputs.
func emitAction() *fakeAction {
	return &fakeAction{name: "emit", fn: func(_ context.Context, ac *actions.Context, _ int64) (*actions.Result, error) {
		out := make(map[string]any, len(ac.Params))
		for k, v := range ac.Params {
			out[k] = v
		}
		return actions.Succeeded(out), nil
	}}
}

// externalAction parks the step until an event for "job-<step>" arrives.
func externalAction() *fakeAction {
	return &fakeAction{name: "external", mode: actions.ModeEventDriven, fn: func(_ context.Context, ac *actions.Context, _ int64) (*actions.Result, error) {
		timeout := 0
		switch v := ac.Params["timeout"].(type) {
		case float64:
			timeout = int(v)
		case int:
			timeout = v
		}
		return actions.Awaiting("job-"+ac.StepID, timeout, map[string]any{"job_id": "job-" + ac.StepID}), nil
	}}
}

func failingAction() *fakeAction {
	return &fakeAction{name: "fail", fn: func(context.Context, *actions.Context, int64) (*actions.Result, error) {
		return actions.Failed("boom", nil), nil
	}}
}

// flakyAction fails its first n calls.
func flakyAction(n int64) *fakeAction {
	return &fakeAction{name: "flaky", fn: func(_ context.Context, _ *actions.Context, call int64) (*actions.Result, error) {
		if call <= n {
			return nil, errors.New("transient failure")
		}
		return actions.Succeeded(map[string]any{"attempt": call}), nil
	}}
}

// blockingAction returns only when its context ends.
func blockingAction() *fakeAction {
	return &fakeAction{name: "block", fn: func(ctx context.Context, _ *actions.Context, _ int64) (*actions.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

// --- harness ---

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestEngine(t *testing.T, st store.Store, extra ...actions.Action) *Engine {
	t.Helper()
	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	templates := expressions.NewTemplateEngine()
	reg := actions.NewRegistry(jsv)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinConfig{
		Conditions: expressions.NewConditionEvaluator(templates),
		JQ:         expressions.NewGoJQEngine(),
	}))
	for _, a := range extra {
		require.NoError(t, reg.Register(a))
	}
	e := New(Options{
		Store:     st,
		Registry:  reg,
		Templates: templates,
		Config:    Config{PoolSize: 4, DefaultStepTimeout: 5 * time.Second, CancelTimeout: time.Second},
	})
	t.Cleanup(e.Shutdown)
	return e
}

func startAndWait(t *testing.T, e *Engine, def *schema.WorkflowDAG, params map[string]any) *store.Execution {
	t.Helper()
	exec, err := e.Start(context.Background(), StartRequest{Definition: def, Params: params})
	require.NoError(t, err)
	e.Wait()
	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	return got
}

func stepsByID(t *testing.T, e *Engine, executionID string) map[string]*store.StepExecution {
	t.Helper()
	rows, err := e.stepRows(context.Background(), executionID)
	require.NoError(t, err)
	return rows
}

func boolPtr(b bool) *bool { return &b }

// --- scenarios ---

func TestEngine_AggregateSum(t *testing.T) {
	e := newTestEngine(t, newTestStore(t))
	def := &schema.WorkflowDAG{
		Name: "sum",
		Steps: []schema.WorkflowStep{{
			ID:     "a",
			Action: "aggregate",
			Params: map[string]any{"inputs": []any{1, 2, 3}, "operation": "sum"},
		}},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.EqualValues(t, 6, exec.Outputs["result"])
	assert.InDelta(t, 100.0, exec.ProgressPercentage, 0.001)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)

	view, err := e.Progress(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, view.Events)
	assert.Equal(t, schema.EventWorkflowProgress, view.Events[0].EventType)
	assert.Equal(t, schema.EventWorkflowCompleted, view.Events[len(view.Events)-1].EventType)
	for i := 1; i < len(view.Events); i++ {
		assert.Greater(t, view.Events[i].SequenceNumber, view.Events[i-1].SequenceNumber)
	}
}

func TestEngine_ConditionFalseSkipsStep(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), emitAction())
	def := &schema.WorkflowDAG{
		Name: "cond",
		Steps: []schema.WorkflowStep{
			{ID: "A", Action: "emit", Params: map[string]any{"ok": false}},
			{ID: "B", Action: "log", DependsOn: []string{"A"}, Condition: "{{ steps.A.outputs.ok }}",
				Params: map[string]any{"message": "ran"}},
		},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusCompleted, rows["A"].Status)
	assert.Equal(t, schema.StepStatusSkipped, rows["B"].Status)
	assert.Equal(t, "condition evaluated to false", rows["B"].Error)
}

func TestEngine_CycleRejectedBeforePersisting(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	def := &schema.WorkflowDAG{
		Name: "cycle",
		Steps: []schema.WorkflowStep{
			{ID: "A", Action: "log", DependsOn: []string{"B"}},
			{ID: "B", Action: "log", DependsOn: []string{"A"}},
		},
	}

	_, err := e.Start(context.Background(), StartRequest{Definition: def})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCyclicDependency))
	path := schema.CyclePath(err)
	assert.Contains(t, path, "A")
	assert.Contains(t, path, "B")

	execs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestEngine_MissingRequiredParameter(t *testing.T) {
	e := newTestEngine(t, newTestStore(t))
	def := &schema.WorkflowDAG{
		Name:       "params",
		Parameters: []schema.ParameterDefinition{{Name: "region", Type: "string", Required: true}},
		Steps:      []schema.WorkflowStep{{ID: "a", Action: "log", Params: map[string]any{"message": "{{ params.region }}"}}},
	}

	_, err := e.Start(context.Background(), StartRequest{Definition: def})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEngine_ParameterDefaultsAndOutputMapping(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), emitAction())
	def := &schema.WorkflowDAG{
		Name:       "mapped",
		Parameters: []schema.ParameterDefinition{{Name: "region", Type: "string", Default: "eu"}},
		Steps: []schema.WorkflowStep{
			{ID: "a", Action: "emit", Params: map[string]any{"where": "{{ params.region }}"}},
		},
		Outputs: map[string]any{
			"region":  "{{ steps.a.outputs.where }}",
			"missing": "{{ steps.zzz.outputs.x }}",
		},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "eu", exec.Params["region"])
	assert.Equal(t, "eu", exec.Outputs["region"])
	v, ok := exec.Outputs["missing"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestEngine_StartFromRegisteredPipeline(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	p := &store.PipelineDefinition{Definition: &schema.WorkflowDAG{
		Name:  "registered",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "log", Params: map[string]any{"message": "hi"}}},
	}}
	require.NoError(t, st.CreatePipeline(context.Background(), p))

	exec, err := e.Start(context.Background(), StartRequest{PipelineID: p.ID, Initiator: "tester"})
	require.NoError(t, err)
	e.Wait()

	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, p.ID, got.PipelineID)
	assert.Equal(t, "tester", got.Initiator)

	_, err = e.Start(context.Background(), StartRequest{PipelineID: "does-not-exist"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeWorkflowNotFound))
}

func TestEngine_TransformKeysKeepDefinitionOrder(t *testing.T) {
	st := newTestStore(t)
	e := newTestEngine(t, st)
	def, err := dag.Parse([]byte(`
name: ordered
steps:
  - id: keys
    action: transform
    params:
      operation: keys
      input: {zeta: 1, alpha: 2, mid: 3}
  - id: values
    action: transform
    params:
      operation: values
      input: {zeta: 1, alpha: 2, mid: 3}
`))
	require.NoError(t, err)
	p := &store.PipelineDefinition{Definition: def}
	require.NoError(t, st.CreatePipeline(context.Background(), p))

	exec, err := e.Start(context.Background(), StartRequest{PipelineID: p.ID})
	require.NoError(t, err)
	e.Wait()

	steps := stepsByID(t, e, exec.ID)
	require.Equal(t, schema.StepStatusCompleted, steps["keys"].Status, steps["keys"].Error)
	assert.Equal(t, []any{"zeta", "alpha", "mid"}, steps["keys"].Outputs["result"])
	assert.EqualValues(t, []any{1.0, 2.0, 3.0}, steps["values"].Outputs["result"])
}

func TestEngine_UnknownActionFailsStep(t *testing.T) {
	e := newTestEngine(t, newTestStore(t))
	def := &schema.WorkflowDAG{
		Name:  "unknown",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "nope"}},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusFailed, rows["a"].Status)
	assert.Contains(t, rows["a"].Error, schema.ErrCodeActionNotFound)
}

func TestEngine_UnresolvableParameterFailsStep(t *testing.T) {
	e := newTestEngine(t, newTestStore(t))
	def := &schema.WorkflowDAG{
		Name:  "unresolved",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "log", Params: map[string]any{"message": "{{ params.missing }}"}}},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	rows := stepsByID(t, e, exec.ID)
	assert.Contains(t, rows["a"].Error, schema.ErrCodeParameterResolution)
}

func TestEngine_RetryThenSuccess(t *testing.T) {
	flaky := flakyAction(2)
	e := newTestEngine(t, newTestStore(t), flaky)
	def := &schema.WorkflowDAG{
		Name: "retry",
		Steps: []schema.WorkflowStep{{
			ID:     "a",
			Action: "flaky",
			Retry:  &schema.RetryConfig{MaxAttempts: 3, BackoffSeconds: 0.01},
		}},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.EqualValues(t, 3, flaky.calls.Load())
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, 2, rows["a"].RetryCount)
	assert.EqualValues(t, 3, rows["a"].Outputs["attempt"])
}

func TestEngine_RetryExhausted(t *testing.T) {
	fail := failingAction()
	e := newTestEngine(t, newTestStore(t), fail)
	def := &schema.WorkflowDAG{
		Name: "exhaust",
		Steps: []schema.WorkflowStep{{
			ID:     "a",
			Action: "fail",
			Retry:  &schema.RetryConfig{MaxAttempts: 2, BackoffSeconds: 0.01},
		}},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.EqualValues(t, 2, fail.calls.Load())
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusFailed, rows["a"].Status)
	assert.Contains(t, rows["a"].Error, "retry exhausted")
	assert.Contains(t, exec.Error, "step 'a'")
}

func TestEngine_FailFastCancelsRemainingSteps(t *testing.T) {
	ext := externalAction()
	e := newTestEngine(t, newTestStore(t), failingAction(), ext)
	def := &schema.WorkflowDAG{
		Name: "failfast",
		Steps: []schema.WorkflowStep{
			{ID: "a", Action: "fail"},
			{ID: "b", Action: "external"},
			{ID: "c", Action: "log", DependsOn: []string{"a"}, Params: map[string]any{"message": "x"}},
		},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "step 'a'")
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusFailed, rows["a"].Status)
	assert.Equal(t, schema.StepStatusCancelled, rows["b"].Status)
	assert.Equal(t, schema.StepStatusCancelled, rows["c"].Status)
}

func TestEngine_WithoutFailFastIndependentBranchesFinish(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), failingAction(), emitAction())
	def := &schema.WorkflowDAG{
		Name:     "nofailfast",
		Settings: schema.Settings{FailFast: boolPtr(false)},
		Steps: []schema.WorkflowStep{
			{ID: "a", Action: "fail"},
			{ID: "b", Action: "emit", Params: map[string]any{"v": 1}},
			{ID: "c", Action: "emit", DependsOn: []string{"b"}},
		},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusCompleted, rows["b"].Status)
	assert.Equal(t, schema.StepStatusCompleted, rows["c"].Status)
}

func TestEngine_ContinuePolicy(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), failingAction(), emitAction())
	def := &schema.WorkflowDAG{
		Name: "continue",
		Steps: []schema.WorkflowStep{
			{ID: "a", Action: "fail", OnFailure: schema.OnFailureContinue},
			{ID: "b", Action: "emit", DependsOn: []string{"a"}},
			{ID: "c", Action: "emit", Params: map[string]any{"v": 1}},
		},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusFailed, rows["a"].Status)
	assert.Equal(t, schema.StepStatusSkipped, rows["b"].Status)
	assert.Equal(t, schema.StepStatusCompleted, rows["c"].Status)
}

func TestEngine_SyncStepTimeout(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), blockingAction())
	def := &schema.WorkflowDAG{
		Name:  "slow",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "block", TimeoutSeconds: 1}},
	}

	exec := startAndWait(t, e, def, nil)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusTimeout, rows["a"].Status)
	assert.Contains(t, rows["a"].Error, "timed out")
}

func TestEngine_RedactsPersistedValues(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), emitAction())
	def := &schema.WorkflowDAG{
		Name: "secrets",
		Steps: []schema.WorkflowStep{{
			ID:     "a",
			Action: "emit",
			Params: map[string]any{"password": "hunter2", "user": "bob"},
		}},
	}

	exec := startAndWait(t, e, def, nil)

	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, RedactedValue, rows["a"].Params["password"])
	assert.Equal(t, "bob", rows["a"].Params["user"])
	assert.Equal(t, RedactedValue, rows["a"].Outputs["password"])
	assert.Equal(t, RedactedValue, exec.Outputs["password"])
}

func TestEngine_MaxParallelSteps(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), externalAction())
	def := &schema.WorkflowDAG{
		Name:     "parallel",
		Settings: schema.Settings{MaxParallelSteps: 1},
		Steps: []schema.WorkflowStep{
			{ID: "a", Action: "external"},
			{ID: "b", Action: "external"},
			{ID: "c", Action: "external"},
		},
	}

	exec := startAndWait(t, e, def, nil)
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, 1, countActive(rows))

	var awaiting string
	for id, r := range rows {
		if r.Status == schema.StepStatusAwaitingEvent {
			awaiting = id
		}
	}
	require.NotEmpty(t, awaiting)

	res := e.RouteEvent(context.Background(), "job-"+awaiting, map[string]any{"type": "workflow_completed", "status": "completed"})
	require.True(t, res.Applied)
	e.Wait()

	rows = stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusCompleted, rows[awaiting].Status)
	assert.Equal(t, 1, countActive(rows))
}

func TestEngine_RouteEventCompletesAwaitingStep(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), externalAction())
	def := &schema.WorkflowDAG{
		Name:  "remote",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "external"}},
	}
	exec := startAndWait(t, e, def, nil)
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status)

	unmatched := e.RouteEvent(context.Background(), "job-unknown", map[string]any{"status": "completed"})
	assert.False(t, unmatched.Matched)

	seq := 1.0
	progressRes := e.RouteEvent(context.Background(), "job-a", map[string]any{
		"type": "workflow_progress", "progress": 50.0, "sequence_number": seq,
	})
	assert.True(t, progressRes.Matched)
	assert.Equal(t, actions.EventUpdateProgress, progressRes.Decision)

	res := e.RouteEvent(context.Background(), "job-a", map[string]any{
		"type": "workflow_completed", "status": "completed", "result": map[string]any{"x": 1},
	})
	require.True(t, res.Applied)
	e.Wait()

	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	rows := stepsByID(t, e, exec.ID)
	assert.EqualValues(t, 1, rows["a"].Outputs["x"])
	assert.Equal(t, "job-a", rows["a"].Outputs["job_id"])

	late := e.RouteEvent(context.Background(), "job-a", map[string]any{"status": "failed"})
	assert.True(t, late.Matched)
	assert.False(t, late.Applied)
}

func TestEngine_RemoteSequenceAfterEngineEvents(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), emitAction(), externalAction())
	def := &schema.WorkflowDAG{
		Name: "remote-seq",
		Steps: []schema.WorkflowStep{
			{ID: "a", Action: "emit", Params: map[string]any{"v": 1}},
			{ID: "b", Action: "external", DependsOn: []string{"a"}},
		},
	}
	exec := startAndWait(t, e, def, nil)
	rows := stepsByID(t, e, exec.ID)
	require.Equal(t, schema.StepStatusCompleted, rows["a"].Status)
	require.Equal(t, schema.StepStatusAwaitingEvent, rows["b"].Status)

	view, err := e.Progress(context.Background(), exec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, view.Events)

	report := func(seq float64) RouterResult {
		return e.RouteEvent(context.Background(), "job-b", map[string]any{
			"type": "workflow_progress", "progress": seq * 10, "sequence_number": seq,
		})
	}
	first := report(1)
	assert.True(t, first.Applied, first.Reason)
	second := report(2)
	assert.True(t, second.Applied, second.Reason)

	again := report(2)
	assert.True(t, again.Matched)
	assert.False(t, again.Applied)
	assert.Equal(t, "stale sequence number", again.Reason)
}

func TestEngine_RouteEventScopedByExecutionID(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), externalAction())
	def := &schema.WorkflowDAG{
		Name:  "shared-correlation",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "external"}},
	}
	first := startAndWait(t, e, def, nil)
	second := startAndWait(t, e, def, nil)

	res := e.RouteEvent(context.Background(), "job-a", map[string]any{
		"type": "workflow_completed", "status": "completed", "execution_id": second.ID,
	})
	require.True(t, res.Applied)
	assert.Equal(t, second.ID, res.ExecutionID)
	e.Wait()

	assert.Equal(t, schema.StepStatusAwaitingEvent, stepsByID(t, e, first.ID)["a"].Status)
	assert.Equal(t, schema.StepStatusCompleted, stepsByID(t, e, second.ID)["a"].Status)

	miss := e.RouteEvent(context.Background(), "job-a", map[string]any{
		"type": "workflow_completed", "status": "completed", "execution_id": "unknown",
	})
	assert.False(t, miss.Matched)
}

func TestEngine_RemoteFailureEvent(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), externalAction())
	def := &schema.WorkflowDAG{
		Name:  "remote-fail",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "external"}},
	}
	exec := startAndWait(t, e, def, nil)

	res := e.RouteEvent(context.Background(), "job-a", map[string]any{"status": "failed", "reason": "oom"})
	require.True(t, res.Applied)
	e.Wait()

	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusFailed, rows["a"].Status)
	assert.Contains(t, rows["a"].Error, "oom")
}

func TestEngine_ResumeAfterRestart(t *testing.T) {
	st := newTestStore(t)
	first := emitAction()
	e1 := newTestEngine(t, st, first, externalAction())
	def := &schema.WorkflowDAG{
		Name: "resume",
		Steps: []schema.WorkflowStep{
			{ID: "a", Action: "emit", Params: map[string]any{"v": 1}},
			{ID: "b", Action: "emit", DependsOn: []string{"a"}, Params: map[string]any{"w": 2}},
			{ID: "c", Action: "external", DependsOn: []string{"b"}},
		},
	}
	exec := startAndWait(t, e1, def, nil)
	assert.EqualValues(t, 2, first.calls.Load())
	e1.Shutdown()

	second := emitAction()
	e2 := newTestEngine(t, st, second, externalAction())
	n, err := e2.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e2.Wait()

	rows := stepsByID(t, e2, exec.ID)
	assert.Equal(t, schema.StepStatusAwaitingEvent, rows["c"].Status)

	res := e2.RouteEvent(context.Background(), "job-c", map[string]any{
		"type": "workflow_completed", "status": "completed", "result": map[string]any{"done": true},
	})
	require.True(t, res.Applied)
	e2.Wait()

	got, err := e2.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.EqualValues(t, 0, second.calls.Load())
	assert.Equal(t, true, got.Outputs["done"])
}

func TestEngine_RecoverRedispatchesInterruptedStep(t *testing.T) {
	st := newTestStore(t)
	blocker := blockingAction()
	e1 := newTestEngine(t, st, blocker)
	def := &schema.WorkflowDAG{
		Name:  "interrupted",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "block"}},
	}
	exec, err := e1.Start(context.Background(), StartRequest{Definition: def})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return blocker.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	e1.Shutdown()

	row, err := st.GetStepExecution(context.Background(), exec.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusRunning, row.Status)

	e2 := newTestEngine(t, st, emitActionNamed("block"))
	_, err = e2.Recover(context.Background())
	require.NoError(t, err)
	e2.Wait()

	got, err := e2.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
}

func emitActionNamed(name string) *fakeAction {
	a := emitAction()
	a.name = name
	return a
}

func TestEngine_EventAndTimeoutRace(t *testing.T) {
	for i := 0; i < 5; i++ {
		e := newTestEngine(t, newTestStore(t), externalAction())
		def := &schema.WorkflowDAG{
			Name:  "race",
			Steps: []schema.WorkflowStep{{ID: "a", Action: "external"}},
		}
		exec := startAndWait(t, e, def, nil)
		row, err := e.store.GetStepExecution(context.Background(), exec.ID, "a")
		require.NoError(t, err)

		var (
			wg          sync.WaitGroup
			routed      RouterResult
			timeoutWon  bool
			timeoutErr  error
			startSignal = make(chan struct{})
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-startSignal
			routed = e.RouteEvent(context.Background(), "job-a", map[string]any{"status": "completed"})
		}()
		go func() {
			defer wg.Done()
			<-startSignal
			timeoutWon, timeoutErr = e.ProcessTimeout(context.Background(), row)
		}()
		close(startSignal)
		wg.Wait()
		e.Wait()

		require.NoError(t, timeoutErr)
		assert.NotEqual(t, routed.Applied, timeoutWon, "exactly one path must win")

		final, err := e.store.GetStepExecution(context.Background(), exec.ID, "a")
		require.NoError(t, err)
		if routed.Applied {
			assert.Equal(t, schema.StepStatusCompleted, final.Status)
		} else {
			assert.Equal(t, schema.StepStatusTimeout, final.Status)
		}
	}
}

func TestEngine_WaitTimeoutCompletesStep(t *testing.T) {
	e := newTestEngine(t, newTestStore(t))
	def := &schema.WorkflowDAG{
		Name:  "wait",
		Steps: []schema.WorkflowStep{{ID: "w", Action: "wait", Params: map[string]any{"seconds": 1}}},
	}
	exec := startAndWait(t, e, def, nil)
	rows := stepsByID(t, e, exec.ID)
	require.Equal(t, schema.StepStatusAwaitingEvent, rows["w"].Status)
	assert.Equal(t, actions.WaitCorrelationID(exec.ID, "w"), rows["w"].ExternalWorkflowID)

	e.now = func() time.Time { return time.Now().Add(time.Minute) }
	res, err := e.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.TimedOut)
	e.Wait()

	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	rows = stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusCompleted, rows["w"].Status)
	assert.Equal(t, true, rows["w"].Outputs["waited"])
}

func TestEngine_EventDrivenTimeout(t *testing.T) {
	ext := externalAction()
	e := newTestEngine(t, newTestStore(t), ext)
	def := &schema.WorkflowDAG{
		Name:  "remote-timeout",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "external", Params: map[string]any{"timeout": 30}}},
	}
	exec := startAndWait(t, e, def, nil)
	row, err := e.store.GetStepExecution(context.Background(), exec.ID, "a")
	require.NoError(t, err)

	applied, err := e.ProcessTimeout(context.Background(), row)
	require.NoError(t, err)
	assert.True(t, applied)
	e.Wait()

	final, err := e.store.GetStepExecution(context.Background(), exec.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusTimeout, final.Status)
	assert.Contains(t, final.Error, "timed out")
	assert.EqualValues(t, 1, ext.cancelled.Load())

	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)

	again, err := e.ProcessTimeout(context.Background(), row)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestEngine_ExecutionDeadline(t *testing.T) {
	e := newTestEngine(t, newTestStore(t), externalAction())
	def := &schema.WorkflowDAG{
		Name:     "deadline",
		Settings: schema.Settings{TimeoutSeconds: 1},
		Steps:    []schema.WorkflowStep{{ID: "a", Action: "external", Params: map[string]any{"timeout": 86400}}},
	}
	exec := startAndWait(t, e, def, nil)

	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := e.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.TimedOut)
	assert.Equal(t, 1, res.ExecutionsExpired)
	e.Wait()

	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.Error, "timed out")
	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusCancelled, rows["a"].Status)
}

func TestEngine_Cancel(t *testing.T) {
	ext := externalAction()
	e := newTestEngine(t, newTestStore(t), ext)
	def := &schema.WorkflowDAG{
		Name: "cancel",
		Steps: []schema.WorkflowStep{
			{ID: "a", Action: "external"},
			{ID: "b", Action: "log", DependsOn: []string{"a"}, Params: map[string]any{"message": "x"}},
		},
	}
	exec := startAndWait(t, e, def, nil)

	got, err := e.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, got.Status)
	e.Wait()

	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusCancelled, rows["a"].Status)
	assert.Equal(t, schema.StepStatusCancelled, rows["b"].Status)
	assert.EqualValues(t, 1, ext.cancelled.Load())

	_, err = e.Cancel(context.Background(), exec.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	late := e.RouteEvent(context.Background(), "job-a", map[string]any{"status": "completed"})
	assert.False(t, late.Applied)
}

func TestEngine_CancelInterruptsRunningStep(t *testing.T) {
	blocker := blockingAction()
	e := newTestEngine(t, newTestStore(t), blocker)
	def := &schema.WorkflowDAG{
		Name:  "cancel-running",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "block"}},
	}
	exec, err := e.Start(context.Background(), StartRequest{Definition: def})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return blocker.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = e.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	e.Wait()

	rows := stepsByID(t, e, exec.ID)
	assert.Equal(t, schema.StepStatusCancelled, rows["a"].Status)
	got, err := e.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, got.Status)
}

func TestEngine_TransitionHooksObserveSteps(t *testing.T) {
	e := newTestEngine(t, newTestStore(t))
	var (
		mu   sync.Mutex
		seen []schema.StepStatus
	)
	e.StepFSM().Observe(func(_ context.Context, tr Transition[schema.StepStatus]) error {
		mu.Lock()
		seen = append(seen, tr.To)
		mu.Unlock()
		return nil
	})
	def := &schema.WorkflowDAG{
		Name:  "hooks",
		Steps: []schema.WorkflowStep{{ID: "a", Action: "log", Params: map[string]any{"message": "x"}}},
	}

	startAndWait(t, e, def, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []schema.StepStatus{schema.StepStatusRunning, schema.StepStatusCompleted}, seen)
}
