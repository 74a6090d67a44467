package subscriptions

import (
	"context"
	"log/slog"

	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/streaming"
)

// LiveTopic carries every progress event of every execution for in-process
// watchers such as the SSE stream.
const LiveTopic = "budpipeline.live"

// LiveFeed publishes every progress event to LiveTopic on a hub, whether or
// not the execution registered callback topics.
type LiveFeed struct {
	hub    streaming.Publisher
	logger *slog.Logger
}

// NewLiveFeed creates a LiveFeed over hub.
func NewLiveFeed(hub streaming.Publisher, logger *slog.Logger) *LiveFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveFeed{hub: hub, logger: logger}
}

// Notify publishes ev and reports 1 on success.
func (f *LiveFeed) Notify(ctx context.Context, ev *store.ProgressEvent) int {
	if f == nil || f.hub == nil || ev == nil {
		return 0
	}
	err := f.hub.Publish(ctx, streaming.Message{
		Topic:       LiveTopic,
		ExecutionID: ev.ExecutionID,
		StepID:      ev.CurrentStep,
		EventType:   ev.EventType,
		Payload:     ev,
	})
	if err != nil {
		f.logger.DebugContext(ctx, "live feed publish failed",
			slog.String("execution_id", ev.ExecutionID),
			slog.String("error", err.Error()),
		)
		return 0
	}
	return 1
}
