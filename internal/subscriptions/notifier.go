// Package subscriptions delivers execution progress to the callback topics
// registered against an execution.
package subscriptions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/budpipeline/internal/metrics"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/streaming"
	"github.com/rendis/budpipeline/pkg/schema"
)

// Store is the subset of store.Store the notifier needs.
type Store interface {
	ListSubscriptions(ctx context.Context, executionID string) ([]*store.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status string, lastError string) error
}

// Notifier publishes progress events to every active subscription of an
// execution. Delivery failures never propagate to the execution: the
// subscription is marked failed and skipped from then on.
type Notifier struct {
	store     Store
	publisher streaming.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewNotifier creates a Notifier. A nil publisher disables delivery.
func NewNotifier(st Store, pub streaming.Publisher, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:     st,
		publisher: pub,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Notify publishes ev to the execution's active subscriptions and returns
// the number of successful deliveries.
func (n *Notifier) Notify(ctx context.Context, ev *store.ProgressEvent) int {
	if n == nil || n.publisher == nil || ev == nil {
		return 0
	}
	subs, err := n.store.ListSubscriptions(ctx, ev.ExecutionID)
	if err != nil {
		n.logger.WarnContext(ctx, "list subscriptions failed", slog.String("error", err.Error()))
		return 0
	}

	now := n.now()
	delivered := 0
	for _, sub := range subs {
		if sub.Status != schema.SubscriptionStatusActive {
			continue
		}
		if sub.ExpiresAt != nil && !now.Before(*sub.ExpiresAt) {
			n.mark(ctx, sub, schema.SubscriptionStatusExpired, "")
			continue
		}

		err := n.publisher.Publish(ctx, streaming.Message{
			Topic:       sub.CallbackTopic,
			ExecutionID: ev.ExecutionID,
			StepID:      ev.CurrentStep,
			EventType:   ev.EventType,
			Payload:     ev,
			Timestamp:   ev.Timestamp,
		})
		n.metrics.CallbackDelivered(err)
		if err != nil {
			n.logger.WarnContext(ctx, "callback delivery failed",
				slog.String("topic", sub.CallbackTopic),
				slog.String("error", err.Error()),
			)
			n.mark(ctx, sub, schema.SubscriptionStatusFailed, err.Error())
			continue
		}
		delivered++
	}
	return delivered
}

func (n *Notifier) mark(ctx context.Context, sub *store.Subscription, status schema.SubscriptionStatus, lastError string) {
	if err := n.store.UpdateSubscriptionStatus(ctx, sub.ID, string(status), lastError); err != nil {
		n.logger.WarnContext(ctx, "update subscription status failed",
			slog.String("subscription_id", sub.ID),
			slog.String("error", err.Error()),
		)
	}
}
