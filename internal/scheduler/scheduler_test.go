package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// mockRunner records Start calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []engine.StartRequest
	err   error
	// failFor makes Start fail for one pipeline only.
	failFor string
}

func (r *mockRunner) Start(_ context.Context, req engine.StartRequest) (*store.Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return nil, r.err
	}
	if r.failFor != "" && req.PipelineID == r.failFor {
		return nil, errors.New("pipeline unavailable")
	}
	return &store.Execution{ID: uuid.New().String(), PipelineID: req.PipelineID}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *mockRunner) pipelines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.calls))
	for i, c := range r.calls {
		ids[i] = c.PipelineID
	}
	return ids
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPipeline(t *testing.T, s store.Store, name string, params ...schema.ParameterDefinition) *store.PipelineDefinition {
	t.Helper()
	p := &store.PipelineDefinition{Definition: &schema.WorkflowDAG{
		Name:       name,
		Parameters: params,
		Steps:      []schema.WorkflowStep{{ID: "a", Action: "log", Params: map[string]any{"message": name}}},
	}}
	require.NoError(t, s.CreatePipeline(context.Background(), p))
	return p
}

func seedTrigger(t *testing.T, s store.Store, pipelineID string, nextRun *time.Time, enabled bool) *store.ScheduledTrigger {
	t.Helper()
	trg := &store.ScheduledTrigger{
		Name:           "nightly",
		PipelineID:     pipelineID,
		CronExpression: "0 * * * *",
		Params:         map[string]any{"region": "eu"},
		Enabled:        enabled,
		NextRunAt:      nextRun,
	}
	require.NoError(t, s.CreateScheduledTrigger(context.Background(), trg))
	return trg
}

func newTestScheduler(s store.Store, runner Runner) *Scheduler {
	return NewScheduler(s, runner, nil, nil, time.Hour)
}

func ptr(t time.Time) *time.Time { return &t }

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(nil, &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickFiresDueTriggers(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	sched := newTestScheduler(s, runner)
	ctx := context.Background()

	p := seedPipeline(t, s, "deploy")
	trg := seedTrigger(t, s, p.ID, ptr(time.Now().UTC().Add(-time.Hour)), true)

	res, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Due: 1, Fired: 1}, res)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, p.ID, runner.calls[0].PipelineID)
	assert.Equal(t, "eu", runner.calls[0].Params["region"])
	assert.Equal(t, "schedule:"+trg.ID, runner.calls[0].Initiator)

	got, err := s.GetScheduledTrigger(ctx, trg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, StatusSuccess, got.LastStatus)
}

func TestTickSkipsTriggersNotDue(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	sched := newTestScheduler(s, runner)

	p := seedPipeline(t, s, "deploy")
	seedTrigger(t, s, p.ID, ptr(time.Now().UTC().Add(time.Hour)), true)

	res, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)
	assert.Equal(t, 0, runner.callCount())
}

func TestTickSkipsDisabledTriggers(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	sched := newTestScheduler(s, runner)

	p := seedPipeline(t, s, "deploy")
	seedTrigger(t, s, p.ID, ptr(time.Now().UTC().Add(-time.Hour)), false)

	_, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, runner.callCount())
}

func TestTickFailureKeepsTriggerDue(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{err: errors.New("engine unavailable")}
	sched := newTestScheduler(s, runner)
	ctx := context.Background()

	p := seedPipeline(t, s, "deploy")
	past := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	trg := seedTrigger(t, s, p.ID, &past, true)

	res, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := s.GetScheduledTrigger(ctx, trg.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastTriggeredAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Before(time.Now().UTC()))
	assert.Equal(t, StatusError, got.LastStatus)

	// Still due: the next tick retries.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()
	res, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fired)
	assert.Equal(t, 2, runner.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	sched := newTestScheduler(s, runner)

	p := seedPipeline(t, s, "deploy")
	seedTrigger(t, s, p.ID, nil, true)

	_, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupPreventsDoubleFire(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	sched := newTestScheduler(s, runner)
	ctx := context.Background()

	p := seedPipeline(t, s, "deploy")
	trg := seedTrigger(t, s, p.ID, ptr(time.Now().UTC().Add(-time.Hour)), true)

	// Simulate an in-flight firing.
	require.True(t, sched.tryAcquire(trg.ID))

	_, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, runner.callCount())

	sched.release(trg.ID)
	_, err = sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.callCount())
}

func TestMultipleTriggersSomeDue(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	sched := newTestScheduler(s, runner)

	alpha := seedPipeline(t, s, "alpha")
	beta := seedPipeline(t, s, "beta")
	gamma := seedPipeline(t, s, "gamma")
	seedTrigger(t, s, alpha.ID, ptr(time.Now().UTC().Add(-time.Hour)), true)
	seedTrigger(t, s, beta.ID, ptr(time.Now().UTC().Add(time.Hour)), true)
	seedTrigger(t, s, gamma.ID, nil, true)

	_, err := sched.Tick(context.Background())
	require.NoError(t, err)

	ids := runner.pipelines()
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, alpha.ID)
	assert.Contains(t, ids, gamma.ID)
	assert.NotContains(t, ids, beta.ID)
}

func TestRecoverMissed(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	sched := newTestScheduler(s, runner)

	p := seedPipeline(t, s, "deploy")
	seedTrigger(t, s, p.ID, ptr(time.Now().UTC().Add(-2*time.Hour)), true)
	seedTrigger(t, s, p.ID, ptr(time.Now().UTC().Add(time.Hour)), true)

	n, err := sched.RecoverMissed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, runner.callCount())
}

func TestRegister(t *testing.T) {
	s := newTestStore(t)
	sched := newTestScheduler(s, &mockRunner{})
	ctx := context.Background()
	p := seedPipeline(t, s, "deploy")

	trg := &store.ScheduledTrigger{PipelineID: p.ID, CronExpression: "@hourly", Enabled: true}
	require.NoError(t, sched.Register(ctx, trg))
	assert.NotEmpty(t, trg.ID)
	require.NotNil(t, trg.NextRunAt)
	assert.True(t, trg.NextRunAt.After(time.Now().UTC()))

	err := sched.Register(ctx, &store.ScheduledTrigger{PipelineID: p.ID, CronExpression: "not a cron"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = sched.Register(ctx, &store.ScheduledTrigger{PipelineID: "missing", CronExpression: "@hourly"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeWorkflowNotFound))
}

func TestStartStop(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	sched := newTestScheduler(s, runner)

	p := seedPipeline(t, s, "deploy")
	seedTrigger(t, s, p.ID, ptr(time.Now().UTC().Add(-time.Hour)), true)

	require.NoError(t, sched.Start(context.Background()))
	require.Error(t, sched.Start(context.Background()))

	require.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
