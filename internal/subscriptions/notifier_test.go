package subscriptions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/streaming"
	"github.com/rendis/budpipeline/pkg/schema"
)

type fakeStore struct {
	mu      sync.Mutex
	subs    []*store.Subscription
	updates map[string]string
	errs    map[string]string
}

func (f *fakeStore) ListSubscriptions(_ context.Context, executionID string) ([]*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Subscription
	for _, s := range f.subs {
		if s.ExecutionID == executionID {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSubscriptionStatus(_ context.Context, id, status, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string]string{}
		f.errs = map[string]string{}
	}
	f.updates[id] = status
	f.errs[id] = lastError
	for _, s := range f.subs {
		if s.ID == id {
			s.Status = schema.SubscriptionStatus(status)
		}
	}
	return nil
}

type failingPublisher struct {
	failTopic string
	sent      []streaming.Message
}

func (p *failingPublisher) Publish(_ context.Context, msg streaming.Message) error {
	if msg.Topic == p.failTopic {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, msg)
	return nil
}

func TestNotify_DeliversToActiveSubscriptions(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ctx := context.Background()
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{Topic: "progress"})
	require.NoError(t, err)
	defer cancel()

	st := &fakeStore{subs: []*store.Subscription{
		{ID: "s1", ExecutionID: "e1", CallbackTopic: "progress", Status: schema.SubscriptionStatusActive},
		{ID: "s2", ExecutionID: "e1", CallbackTopic: "old", Status: schema.SubscriptionStatusFailed},
	}}
	n := NewNotifier(st, hub, nil, nil)

	ev := &store.ProgressEvent{ExecutionID: "e1", EventType: schema.EventStepCompleted, CurrentStep: "a", SequenceNumber: 4}
	assert.Equal(t, 1, n.Notify(ctx, ev))

	select {
	case msg := <-ch:
		assert.Equal(t, "e1", msg.ExecutionID)
		assert.Equal(t, schema.EventStepCompleted, msg.EventType)
		assert.Equal(t, "a", msg.StepID)
		assert.Same(t, ev, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestNotify_FailureMarksSubscriptionFailed(t *testing.T) {
	st := &fakeStore{subs: []*store.Subscription{
		{ID: "ok", ExecutionID: "e1", CallbackTopic: "good", Status: schema.SubscriptionStatusActive},
		{ID: "bad", ExecutionID: "e1", CallbackTopic: "broken", Status: schema.SubscriptionStatusActive},
	}}
	pub := &failingPublisher{failTopic: "broken"}
	n := NewNotifier(st, pub, nil, nil)
	ctx := context.Background()

	assert.Equal(t, 1, n.Notify(ctx, &store.ProgressEvent{ExecutionID: "e1", EventType: schema.EventWorkflowProgress}))
	assert.Equal(t, string(schema.SubscriptionStatusFailed), st.updates["bad"])
	assert.Equal(t, "broker unavailable", st.errs["bad"])

	// The failed subscription is no longer attempted.
	assert.Equal(t, 1, n.Notify(ctx, &store.ProgressEvent{ExecutionID: "e1", EventType: schema.EventWorkflowProgress}))
	assert.Len(t, pub.sent, 2)
}

func TestNotify_ExpiredSubscription(t *testing.T) {
	past := time.Now().UTC().Add(-time.Minute)
	st := &fakeStore{subs: []*store.Subscription{
		{ID: "s1", ExecutionID: "e1", CallbackTopic: "t", Status: schema.SubscriptionStatusActive, ExpiresAt: &past},
	}}
	pub := &failingPublisher{}
	n := NewNotifier(st, pub, nil, nil)

	assert.Equal(t, 0, n.Notify(context.Background(), &store.ProgressEvent{ExecutionID: "e1"}))
	assert.Equal(t, string(schema.SubscriptionStatusExpired), st.updates["s1"])
	assert.Empty(t, pub.sent)
}

func TestNotify_NilPublisher(t *testing.T) {
	n := NewNotifier(&fakeStore{}, nil, nil, nil)
	assert.Equal(t, 0, n.Notify(context.Background(), &store.ProgressEvent{ExecutionID: "e1"}))
}
