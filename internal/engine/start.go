package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/internal/logging"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// StartRequest creates an execution from a registered pipeline or an
// inline definition. PipelineID wins when both are set.
type StartRequest struct {
	PipelineID     string
	Definition     *schema.WorkflowDAG
	Params         map[string]any
	CallbackTopics []string
	Initiator      string
}

// Start persists a new execution with every step pending and advances it
// in the background. A dependency cycle is reported here and nothing is
// persisted.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	exec := &store.Execution{Initiator: req.Initiator}

	def := req.Definition
	if req.PipelineID != "" {
		p, err := e.store.GetPipeline(ctx, req.PipelineID)
		if err != nil {
			return nil, err
		}
		if p.Status == schema.PipelineStatusArchived {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is archived", p.Name)
		}
		def = p.Definition
		exec.PipelineID = p.ID
		exec.PipelineName = p.Name
		exec.PipelineVersion = p.Version
	}
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "either a workflow id or a pipeline definition is required")
	}

	graph, err := dag.BuildGraph(def)
	if err != nil {
		return nil, err
	}

	params, err := applyParameters(def, req.Params)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	exec.Definition = def
	exec.Params = params
	if def.Settings.TimeoutSeconds > 0 {
		deadline := now.Add(time.Duration(def.Settings.TimeoutSeconds) * time.Second)
		exec.DeadlineAt = &deadline
	}

	steps := make([]*store.StepExecution, 0, len(graph.Sorted))
	for _, id := range graph.Sorted {
		st := graph.Steps[id]
		steps = append(steps, &store.StepExecution{
			StepID:   st.ID,
			StepName: st.Name,
			Action:   st.Action,
			Status:   schema.StepStatusPending,
		})
	}

	subs := make([]*store.Subscription, 0, len(req.CallbackTopics))
	seen := make(map[string]bool, len(req.CallbackTopics))
	for _, topic := range req.CallbackTopics {
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		sub := &store.Subscription{CallbackTopic: topic}
		if e.cfg.SubscriptionTTL > 0 {
			exp := now.Add(e.cfg.SubscriptionTTL)
			sub.ExpiresAt = &exp
		}
		subs = append(subs, sub)
	}

	if err := e.store.CreateExecution(ctx, exec, steps, subs); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	e.metrics.ExecutionStarted()

	ctx = logging.WithExecutionID(ctx, exec.ID)
	e.logger.InfoContext(ctx, "execution created",
		slog.String("pipeline", exec.PipelineName),
		slog.Int("steps", len(steps)),
		slog.Int("subscriptions", len(subs)),
	)
	if _, err := e.tracker.Started(ctx, exec); err != nil {
		e.logger.WarnContext(ctx, "record start progress", slog.String("error", err.Error()))
	}

	e.goAdvance(exec.ID)
	return exec, nil
}

// applyParameters fills defaults and checks required and typed parameters.
// Undeclared parameters pass through.
func applyParameters(def *schema.WorkflowDAG, given map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(given)+len(def.Parameters))
	for k, v := range given {
		params[k] = v
	}

	var problems []string
	for _, p := range def.Parameters {
		v, ok := params[p.Name]
		if !ok || v == nil {
			if p.Default != nil {
				params[p.Name] = p.Default
				continue
			}
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter '%s'", p.Name))
			}
			continue
		}
		if !matchesType(p.Type, v) {
			problems = append(problems, fmt.Sprintf("parameter '%s' must be of type %s", p.Name, p.Type))
		}
	}
	if len(problems) > 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, problems[0]).
			WithDetails(map[string]any{"errors": problems})
	}
	return params, nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	}
	return true
}
