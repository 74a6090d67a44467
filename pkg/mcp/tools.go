package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/pkg/schema"
)

// handleRun starts an execution.
func (s *PipelineServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	inline := mcp.ParseStringMap(req, "pipeline_definition", nil)
	if workflowID == "" && inline == nil {
		return mcp.NewToolResultError("workflow_id or pipeline_definition is required"), nil
	}

	start := engine.StartRequest{
		Params:         mcp.ParseStringMap(req, "params", nil),
		CallbackTopics: req.GetStringSlice("callback_topics", nil),
		Initiator:      req.GetString("initiator", "mcp"),
	}
	if workflowID != "" {
		def, err := s.pipelines.Get(ctx, workflowID)
		if err != nil {
			return toolError(err), nil
		}
		start.PipelineID = def.ID
	} else {
		d, _, err := s.pipelines.Parse(inline)
		if err != nil {
			return toolError(err), nil
		}
		start.Definition = d
	}

	exec, err := s.executor.Start(ctx, start)
	if err != nil {
		return toolError(err), nil
	}
	s.captureSession(ctx, exec.ID)
	return marshalResult(exec)
}

func (s *PipelineServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.executor.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(exec)
}

func (s *PipelineServer) handleProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	view, err := s.executor.Progress(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(view)
}

func (s *PipelineServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, err := s.executor.Cancel(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(exec)
}

// handleValidate is a dry run; an invalid definition is a normal result.
func (s *PipelineServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc := mcp.ParseStringMap(req, "definition", nil)
	if doc == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	return marshalResult(s.pipelines.Validate(doc))
}

func (s *PipelineServer) handleActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"actions": s.registry.List()})
}

// captureSession maps the execution to the calling session for progress
// notifications.
func (s *PipelineServer) captureSession(ctx context.Context, executionID string) {
	if s.sessions == nil {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders an error as a tool error result. Pipeline errors keep
// their code and redacted details.
func toolError(err error) *mcp.CallToolResult {
	var pe *schema.PipelineError
	if !errors.As(err, &pe) {
		return mcp.NewToolResultError(engine.RedactString(err.Error()))
	}
	body := map[string]any{"error": pe.Code, "message": engine.RedactString(pe.Message)}
	if len(pe.Details) > 0 {
		body["details"] = engine.RedactMap(pe.Details)
	}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", pe.Code, pe.Message))
	}
	return mcp.NewToolResultError(string(data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
