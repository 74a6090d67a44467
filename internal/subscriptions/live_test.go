package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/streaming"
	"github.com/rendis/budpipeline/pkg/schema"
)

func TestLiveFeedPublishesEveryEvent(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.Filter{Topic: LiveTopic, ExecutionID: "e1"})
	require.NoError(t, err)
	defer cancel()

	feed := NewLiveFeed(hub, nil)
	assert.Equal(t, 1, feed.Notify(context.Background(), &store.ProgressEvent{
		ExecutionID: "e1", EventType: schema.EventStepCompleted, CurrentStep: "s1",
	}))
	assert.Equal(t, 1, feed.Notify(context.Background(), &store.ProgressEvent{ExecutionID: "e2"}))

	select {
	case msg := <-ch:
		assert.Equal(t, "e1", msg.ExecutionID)
		assert.Equal(t, "s1", msg.StepID)
		assert.Equal(t, schema.EventStepCompleted, msg.EventType)
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message for %s", msg.ExecutionID)
	default:
	}
}

func TestLiveFeedNilHub(t *testing.T) {
	assert.Equal(t, 0, NewLiveFeed(nil, nil).Notify(context.Background(), &store.ProgressEvent{ExecutionID: "e1"}))
}

func TestLiveFeedCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, NewLiveFeed(streaming.NewMemoryHub(), nil).Notify(ctx, &store.ProgressEvent{ExecutionID: "e1"}))
}
