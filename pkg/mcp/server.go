// Package mcp exposes the execution API as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/pipeline"
)

const shutdownTimeout = 5 * time.Second

// ServerDeps holds the dependencies of a PipelineServer.
type ServerDeps struct {
	Executor  engine.Executor
	Pipelines *pipeline.Service
	Registry  *actions.Registry
	// Sessions receives execution → session mappings from pipeline.run so
	// an MCPNotifier can push progress. Optional.
	Sessions *SessionRegistry
	Logger   *slog.Logger
	Version  string
}

// PipelineServer wraps an MCP server with the pipeline tool handlers.
type PipelineServer struct {
	executor  engine.Executor
	pipelines *pipeline.Service
	registry  *actions.Registry
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewPipelineServer creates a PipelineServer with every tool registered.
func NewPipelineServer(deps ServerDeps) *PipelineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &PipelineServer{
		executor:  deps.Executor,
		pipelines: deps.Pipelines,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		logger:    logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		if s.sessions != nil {
			s.sessions.Remove(session.SessionID())
		}
	})

	mcpSrv := server.NewMCPServer(
		"budpipeline",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("budpipeline runs DAG pipelines of platform actions. Use pipeline.validate to check a definition, "+
			"pipeline.run to start an execution, pipeline.status and pipeline.progress to follow it, pipeline.cancel to stop it, "+
			"and pipeline.actions to list the available step actions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *PipelineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until ctx is cancelled.
func (s *PipelineServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))
	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sse.Shutdown(shutdownCtx)
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *PipelineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *PipelineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: progressTool(), Handler: s.handleProgress},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: actionsTool(), Handler: s.handleActions},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("pipeline.run",
		mcp.WithDescription("Start a pipeline execution from a registered pipeline or an inline definition"),
		mcp.WithString("workflow_id", mcp.Description("Registered pipeline id or name")),
		mcp.WithObject("pipeline_definition", mcp.Description("Inline pipeline definition, used when workflow_id is empty")),
		mcp.WithObject("params", mcp.Description("Input parameters for the pipeline")),
		mcp.WithArray("callback_topics", mcp.WithStringItems(), mcp.Description("Topics that receive progress events")),
		mcp.WithString("initiator", mcp.Description("Who or what started the execution")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("pipeline.status",
		mcp.WithDescription("Get a pipeline execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func progressTool() mcp.Tool {
	return mcp.NewTool("pipeline.progress",
		mcp.WithDescription("Get step-level progress and the progress history of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("pipeline.cancel",
		mcp.WithDescription("Cancel a running pipeline execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("pipeline.validate",
		mcp.WithDescription("Validate a pipeline definition without running it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition object")),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("pipeline.actions",
		mcp.WithDescription("List the registered step actions and their parameter schemas"),
	)
}
