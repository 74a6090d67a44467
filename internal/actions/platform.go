package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rendis/budpipeline/internal/streaming"
	"github.com/rendis/budpipeline/pkg/schema"
)

// --- notification ---

const notificationParamsSchema = `{
  "type": "object",
  "properties": {
    "topic": {"type": "string"},
    "message": {"type": "string"},
    "title": {"type": "string"},
    "severity": {"type": "string", "enum": ["info", "warning", "error", "critical"]},
    "recipients": {"type": "array", "items": {"type": "string"}},
    "data": {}
  },
  "required": ["message"]
}`

// NotificationAction publishes a fire-and-forget notification.
type NotificationAction struct {
	defaultTopic string
}

// NewNotificationAction creates the notification action.
func NewNotificationAction(defaultTopic string) *NotificationAction {
	if defaultTopic == "" {
		defaultTopic = "notifications"
	}
	return &NotificationAction{defaultTopic: defaultTopic}
}

func (a *NotificationAction) Name() string { return "notification" }

func (a *NotificationAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Publish a notification message to a pub/sub topic.",
		Mode:        ModeSync,
		Params:      json.RawMessage(notificationParamsSchema),
		Outputs:     []string{"published", "topic"},
	}
}

func (a *NotificationAction) ValidateParams(params map[string]any) []string {
	return requireString(params, "message")
}

func (a *NotificationAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	if ac.Publisher == nil {
		return Failed("no publisher configured for notifications", nil), nil
	}
	topic := stringParam(ac.Params, "topic", a.defaultTopic)
	payload := map[string]any{
		"message":  stringParam(ac.Params, "message", ""),
		"title":    stringParam(ac.Params, "title", ""),
		"severity": stringParam(ac.Params, "severity", "info"),
	}
	if r, ok := ac.Params["recipients"]; ok {
		payload["recipients"] = r
	}
	if d, ok := ac.Params["data"]; ok {
		payload["data"] = d
	}
	err := ac.Publisher.Publish(ctx, streaming.Message{
		Topic:       topic,
		ExecutionID: ac.ExecutionID,
		StepID:      ac.StepID,
		EventType:   "notification",
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("publish notification: %w", err)
	}
	return Succeeded(map[string]any{"published": true, "topic": topic}), nil
}

// --- service_invoke ---

const serviceInvokeParamsSchema = `{
  "type": "object",
  "properties": {
    "app_id": {"type": "string"},
    "method": {"type": "string"},
    "http_method": {"type": "string"},
    "data": {},
    "headers": {"type": "object"}
  },
  "required": ["app_id", "method"]
}`

// ServiceInvokeAction performs a synchronous platform service invocation.
type ServiceInvokeAction struct{}

func (a *ServiceInvokeAction) Name() string { return "service_invoke" }

func (a *ServiceInvokeAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Invoke a method on a platform service and return its response.",
		Mode:        ModeSync,
		Params:      json.RawMessage(serviceInvokeParamsSchema),
		Outputs:     []string{"status_code", "body"},
	}
}

func (a *ServiceInvokeAction) ValidateParams(params map[string]any) []string {
	return append(requireString(params, "app_id"), requireString(params, "method")...)
}

func (a *ServiceInvokeAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	if ac.Invoker == nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "no service invoker configured")
	}
	resp, err := ac.Invoker.Invoke(ctx, InvokeRequest{
		AppID:      stringParam(ac.Params, "app_id", ""),
		Method:     stringParam(ac.Params, "method", ""),
		HTTPMethod: strings.ToUpper(stringParam(ac.Params, "http_method", http.MethodPost)),
		Body:       ac.Params["data"],
		Headers:    stringMap(mapParam(ac.Params, "headers")),
	})
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{"status_code": resp.StatusCode, "body": resp.Body}
	if resp.StatusCode >= 400 {
		return Failed(fmt.Sprintf("service %s returned HTTP %d", stringParam(ac.Params, "app_id", ""), resp.StatusCode), outputs), nil
	}
	return Succeeded(outputs), nil
}

// --- cluster_health ---

const clusterHealthParamsSchema = `{
  "type": "object",
  "properties": {
    "cluster_id": {"type": "string"},
    "app_id": {"type": "string"},
    "checks": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["cluster_id"]
}`

// ClusterHealthAction checks a cluster through the cluster service.
type ClusterHealthAction struct {
	appID string
}

// NewClusterHealthAction creates the cluster_health action.
func NewClusterHealthAction(appID string) *ClusterHealthAction {
	if appID == "" {
		appID = "budcluster"
	}
	return &ClusterHealthAction{appID: appID}
}

func (a *ClusterHealthAction) Name() string { return "cluster_health" }

func (a *ClusterHealthAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Check the health of a cluster.",
		Mode:        ModeSync,
		Params:      json.RawMessage(clusterHealthParamsSchema),
		Outputs:     []string{"healthy", "details"},
	}
}

func (a *ClusterHealthAction) ValidateParams(params map[string]any) []string {
	return requireString(params, "cluster_id")
}

func (a *ClusterHealthAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	if ac.Invoker == nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "no service invoker configured")
	}
	clusterID := stringParam(ac.Params, "cluster_id", "")
	resp, err := ac.Invoker.Invoke(ctx, InvokeRequest{
		AppID:      stringParam(ac.Params, "app_id", a.appID),
		Method:     fmt.Sprintf("cluster/%s/health", clusterID),
		HTTPMethod: http.MethodGet,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return Failed(fmt.Sprintf("cluster health check for %s returned HTTP %d", clusterID, resp.StatusCode),
			map[string]any{"healthy": false, "details": resp.Body}), nil
	}

	healthy := true
	body := resp.BodyMap()
	if h, ok := body["healthy"].(bool); ok {
		healthy = h
	} else if s, ok := body["status"].(string); ok {
		healthy = strings.EqualFold(s, "healthy") || strings.EqualFold(s, "ok")
	}
	return Succeeded(map[string]any{"healthy": healthy, "details": resp.Body, "cluster_id": clusterID}), nil
}

// --- log ---

// LogAction writes a message to the structured log.
type LogAction struct{}

func (a *LogAction) Name() string { return "log" }

func (a *LogAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a structured log entry.",
		Mode:        ModeSync,
		Params: json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "data": {}
  },
  "required": ["message"]
}`),
		Outputs: []string{"logged", "message"},
	}
}

func (a *LogAction) ValidateParams(params map[string]any) []string {
	return requireString(params, "message")
}

func (a *LogAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	message := stringParam(ac.Params, "message", "")
	attrs := []any{
		slog.String("execution_id", ac.ExecutionID),
		slog.String("step_id", ac.StepID),
	}
	if data, ok := ac.Params["data"]; ok {
		attrs = append(attrs, slog.Any("data", data))
	}

	logger := ac.Log()
	switch stringParam(ac.Params, "level", "info") {
	case "debug":
		logger.DebugContext(ctx, message, attrs...)
	case "warn":
		logger.WarnContext(ctx, message, attrs...)
	case "error":
		logger.ErrorContext(ctx, message, attrs...)
	default:
		logger.InfoContext(ctx, message, attrs...)
	}
	return Succeeded(map[string]any{"logged": true, "message": message}), nil
}

func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
