package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	msg := Message{
		Topic:       "pipeline-callbacks",
		ExecutionID: "exec-1",
		StepID:      "step-1",
		EventType:   "step_completed",
		Payload:     map[string]any{"result": "ok"},
	}
	require.NoError(t, hub.Publish(ctx, msg))

	select {
	case got := <-ch:
		assert.Equal(t, msg.ExecutionID, got.ExecutionID)
		assert.Equal(t, msg.StepID, got.StepID)
		assert.Equal(t, msg.EventType, got.EventType)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestFilterByExecutionAndTopic(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Topic: "callbacks", ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Message{Topic: "callbacks", ExecutionID: "exec-1", EventType: "workflow_progress"}))
	require.NoError(t, hub.Publish(ctx, Message{Topic: "callbacks", ExecutionID: "exec-2", EventType: "workflow_progress"}))
	require.NoError(t, hub.Publish(ctx, Message{Topic: "other", ExecutionID: "exec-1", EventType: "workflow_progress"}))

	select {
	case got := <-ch:
		assert.Equal(t, "exec-1", got.ExecutionID)
		assert.Equal(t, "callbacks", got.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case m := <-ch:
		t.Fatalf("unexpected message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{EventTypes: []string{"workflow_completed"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Message{Topic: "t", EventType: "step_completed"}))
	require.NoError(t, hub.Publish(ctx, Message{Topic: "t", EventType: "workflow_completed"}))

	select {
	case got := <-ch:
		assert.Equal(t, "workflow_completed", got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, Message{Topic: "t", EventType: "x"}))
	select {
	case m := <-ch:
		t.Fatalf("unexpected message after cancel: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, Message{Topic: "t"}))
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.Error(t, err)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.Publish(ctx, Message{Topic: "t", EventType: "workflow_progress"})
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-ch:
			received++
		case <-time.After(50 * time.Millisecond):
			assert.Equal(t, 10, received)
			return
		}
	}
}
