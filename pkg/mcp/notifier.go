package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// ProgressMethod is the notification method carrying progress events.
const ProgressMethod = "notifications/message"

// MCPNotifier pushes progress events to the session that started the
// execution. It satisfies progress.Notifier.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewMCPNotifier creates a notifier that pushes over the MCP transport.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, logger *slog.Logger) *MCPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions, logger: logger}
}

// Notify sends the event to the watching session. Best-effort: it returns
// 0 when no session watches the execution or the session is gone.
func (n *MCPNotifier) Notify(ctx context.Context, ev *store.ProgressEvent) int {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return 0
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "budpipeline",
		"data":   ev,
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, ProgressMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return 0
	}
	if err != nil {
		n.logger.WarnContext(ctx, "mcp progress notification failed",
			slog.String("execution_id", ev.ExecutionID),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if ev.EventType == schema.EventWorkflowCompleted {
		n.sessions.Forget(ev.ExecutionID)
	}
	return 1
}
