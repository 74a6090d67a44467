package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

func newTestMatcher(t *testing.T, s store.Store, runner Runner) *EventMatcher {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewEventMatcher(s, runner, cel, nil, nil)
}

func seedEventTrigger(t *testing.T, s store.Store, trg *store.EventTrigger) *store.EventTrigger {
	t.Helper()
	trg.Enabled = true
	require.NoError(t, s.CreateEventTrigger(context.Background(), trg))
	return trg
}

func TestHandleEvent_FilterEquality(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	m := newTestMatcher(t, s, runner)
	p := seedPipeline(t, s, "on-ready")

	trg := seedEventTrigger(t, s, &store.EventTrigger{
		Name:       "cluster ready",
		PipelineID: p.ID,
		EventType:  "cluster.ready",
		Filter:     map[string]any{"cluster.region": "eu", "status": "ready"},
	})

	res, err := m.HandleEvent(context.Background(), Event{Type: "cluster.ready", Data: map[string]any{
		"status":  "ready",
		"cluster": map[string]any{"region": "eu", "name": "c1"},
	}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, trg.ID, res[0].TriggerID)
	assert.NotEmpty(t, res[0].ExecutionID)
	assert.Equal(t, "event:"+trg.ID, runner.calls[0].Initiator)

	got, err := s.GetEventTrigger(context.Background(), trg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastTriggeredAt)

	res, err = m.HandleEvent(context.Background(), Event{Type: "cluster.ready", Data: map[string]any{
		"status":  "ready",
		"cluster": map[string]any{"region": "us"},
	}})
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, 1, runner.callCount())
}

func TestHandleEvent_FilterContainment(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	m := newTestMatcher(t, s, runner)
	p := seedPipeline(t, s, "tagged")

	seedEventTrigger(t, s, &store.EventTrigger{
		PipelineID: p.ID,
		EventType:  "model.published",
		Filter:     map[string]any{"tags": "prod", "size": []any{"small", "medium"}},
	})

	res, err := m.HandleEvent(context.Background(), Event{Type: "model.published", Data: map[string]any{
		"tags": []any{"nightly", "prod"},
		"size": "medium",
	}})
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = m.HandleEvent(context.Background(), Event{Type: "model.published", Data: map[string]any{
		"tags": []any{"nightly"},
		"size": "medium",
	}})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestHandleEvent_FilterExpression(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	m := newTestMatcher(t, s, runner)
	p := seedPipeline(t, s, "big-jobs")

	seedEventTrigger(t, s, &store.EventTrigger{
		PipelineID:       p.ID,
		EventType:        "job.finished",
		FilterExpression: `event.gpus >= params.min_gpus`,
		Params:           map[string]any{"min_gpus": 4},
	})

	res, err := m.HandleEvent(context.Background(), Event{Type: "job.finished", Data: map[string]any{"gpus": 2.0}})
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = m.HandleEvent(context.Background(), Event{Type: "job.finished", Data: map[string]any{"gpus": 8.0}})
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestHandleEvent_TriggersFireIndependently(t *testing.T) {
	s := newTestStore(t)
	broken := seedPipeline(t, s, "broken")
	healthy := seedPipeline(t, s, "healthy")
	runner := &mockRunner{failFor: broken.ID}
	m := newTestMatcher(t, s, runner)

	seedEventTrigger(t, s, &store.EventTrigger{PipelineID: broken.ID, EventType: "deploy.done"})
	seedEventTrigger(t, s, &store.EventTrigger{PipelineID: healthy.ID, EventType: "deploy.done"})
	seedEventTrigger(t, s, &store.EventTrigger{PipelineID: healthy.ID, EventType: "deploy.done", FilterExpression: "event.missing.field"})

	res, err := m.HandleEvent(context.Background(), Event{Type: "deploy.done"})
	require.NoError(t, err)
	require.Len(t, res, 3)

	var started, failed int
	for _, r := range res {
		if r.ExecutionID != "" {
			started++
		}
		if r.Error != "" {
			failed++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 2, failed)
}

func TestHandleEvent_EventParameter(t *testing.T) {
	s := newTestStore(t)
	runner := &mockRunner{}
	m := newTestMatcher(t, s, runner)

	withParam := seedPipeline(t, s, "with-event", schema.ParameterDefinition{Name: EventParam, Type: "object"})
	without := seedPipeline(t, s, "without-event")
	seedEventTrigger(t, s, &store.EventTrigger{PipelineID: withParam.ID, EventType: "x"})
	seedEventTrigger(t, s, &store.EventTrigger{PipelineID: without.ID, EventType: "x"})

	_, err := m.HandleEvent(context.Background(), Event{Type: "x", Source: "svc", Data: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.Equal(t, 2, runner.callCount())

	for _, call := range runner.calls {
		ev, ok := call.Params[EventParam].(map[string]any)
		if call.PipelineID == withParam.ID {
			require.True(t, ok)
			assert.Equal(t, "v", ev["k"])
			assert.Equal(t, "x", ev["type"])
			assert.Equal(t, "svc", ev["source"])
		} else {
			assert.False(t, ok)
		}
	}
}

func TestHandleEvent_NoTypeNoMatch(t *testing.T) {
	runner := &mockRunner{}
	m := NewEventMatcher(nil, runner, nil, nil, nil)
	res, err := m.HandleEvent(context.Background(), Event{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestValueMatches(t *testing.T) {
	assert.True(t, valueMatches("a", "a"))
	assert.True(t, valueMatches(3, 3.0))
	assert.False(t, valueMatches("3", 3.0))
	assert.True(t, valueMatches([]any{"a", "b"}, "b"))
	assert.True(t, valueMatches("b", []any{"a", "b"}))
	assert.False(t, valueMatches("c", []any{"a", "b"}))
	assert.True(t, valueMatches(true, true))
}
