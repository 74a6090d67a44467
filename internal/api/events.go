package api

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/scheduler"
	"github.com/rendis/budpipeline/pkg/schema"
)

var ack = map[string]string{"status": "SUCCESS"}

// routedTypes are the event types delivered to awaiting steps rather than
// to event triggers.
var routedTypes = map[string]bool{
	schema.EventWorkflowCompleted: true,
	schema.EventWorkflowProgress:  true,
	"resume":                      true,
}

// incomingEvent is an ingress body after CloudEvent unwrapping.
type incomingEvent struct {
	ID      string
	Type    string
	Source  string
	Payload map[string]any
	Data    map[string]any
}

// parseEvent unwraps a CloudEvent envelope (any body with specversion) or
// reads a plain event. The payload always carries the event type.
func parseEvent(body map[string]any) incomingEvent {
	str := func(m map[string]any, k string) string {
		s, _ := m[k].(string)
		return s
	}
	ev := incomingEvent{ID: str(body, "id"), Type: str(body, "type"), Source: str(body, "source")}

	if _, ok := body["specversion"]; ok {
		data, _ := body["data"].(map[string]any)
		ev.Payload = maps.Clone(data)
		if ev.Payload == nil {
			ev.Payload = map[string]any{}
		}
		// The inner type wins over the envelope type.
		if inner := str(ev.Payload, "type"); inner != "" {
			ev.Type = inner
		}
		ev.Data = ev.Payload
	} else {
		ev.Payload = body
		ev.Data = body
		if data, ok := body["data"].(map[string]any); ok {
			ev.Data = data
		}
	}
	if _, ok := ev.Payload["type"]; !ok && ev.Type != "" {
		ev.Payload["type"] = ev.Type
	}
	return ev
}

// IngestEvent is the event webhook. Completion and progress events that
// name a workflow_id go to the step awaiting them; everything else is
// offered to event triggers. The request is always acknowledged.
func IngestEvent(exec engine.Executor, matcher *scheduler.EventMatcher, logger *slog.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "event ingress panicked", slog.String("panic", fmt.Sprint(r)))
				err = c.JSON(http.StatusOK, ack)
			}
		}()

		body, derr := decodeObject(c)
		if derr != nil {
			logger.WarnContext(ctx, "dropping malformed event", slog.String("error", derr.Error()))
			return c.JSON(http.StatusOK, ack)
		}
		handleEvent(ctx, exec, matcher, logger, parseEvent(body))
		return c.JSON(http.StatusOK, ack)
	}
}

func handleEvent(ctx context.Context, exec engine.Executor, matcher *scheduler.EventMatcher, logger *slog.Logger, ev incomingEvent) {
	if workflowID, _ := ev.Payload["workflow_id"].(string); workflowID != "" && routedTypes[ev.Type] {
		res := exec.RouteEvent(ctx, workflowID, ev.Payload)
		logger.DebugContext(ctx, "event routed",
			slog.String("event_type", ev.Type),
			slog.String("external_workflow_id", workflowID),
			slog.Bool("applied", res.Applied),
			slog.String("reason", res.Reason),
		)
		return
	}
	if matcher == nil || ev.Type == "" {
		logger.DebugContext(ctx, "event ignored", slog.String("event_type", ev.Type))
		return
	}
	results, err := matcher.HandleEvent(ctx, scheduler.Event{
		ID:     ev.ID,
		Type:   ev.Type,
		Source: ev.Source,
		Data:   ev.Data,
	})
	if err != nil {
		logger.ErrorContext(ctx, "event trigger matching failed",
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.DebugContext(ctx, "event matched", slog.String("event_type", ev.Type), slog.Int("triggers", len(results)))
}
