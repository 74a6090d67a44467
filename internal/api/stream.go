package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/streaming"
	"github.com/rendis/budpipeline/internal/subscriptions"
	"github.com/rendis/budpipeline/pkg/schema"
)

const streamKeepAlive = 15 * time.Second

// StreamProgress streams an execution's progress as Server-Sent Events: a
// snapshot event with the current progress view, then every progress event
// until the execution completes or the client goes away.
func StreamProgress(exec engine.Executor, hub streaming.Hub, logger *slog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id := c.Param("id")

		// Subscribe before the snapshot so no event falls between them.
		ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{Topic: subscriptions.LiveTopic, ExecutionID: id})
		if err != nil {
			return err
		}
		defer cancel()

		view, err := exec.Progress(ctx, id)
		if err != nil {
			return err
		}

		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set(echo.HeaderCacheControl, "no-cache")
		w.Header().Set(echo.HeaderConnection, "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if err := writeSSE(w, "snapshot", view); err != nil {
			return nil
		}
		if view.Status.IsTerminal() {
			return nil
		}

		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return nil
				}
				w.Flush()
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				if err := writeSSE(w, msg.EventType, msg.Payload); err != nil {
					logger.DebugContext(ctx, "progress stream closed", slog.String("execution_id", id))
					return nil
				}
				if msg.EventType == schema.EventWorkflowCompleted {
					return nil
				}
			}
		}
	}
}

func writeSSE(w *echo.Response, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
