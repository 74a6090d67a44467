package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/rendis/budpipeline/pkg/schema"
)

// RemoteJobAction starts a job on a platform service and awaits its
// workflow_completed event, correlated by the returned workflow/job id.
type RemoteJobAction struct {
	name         string
	description  string
	appID        string
	method       string
	cancelMethod string
	requiredKeys []string
	paramsSchema string
}

const remoteJobParamsSchema = `{
  "type": "object",
  "properties": {
    "app_id": {"type": "string"},
    "method": {"type": "string"},
    "cancel_method": {"type": "string"},
    "data": {},
    "timeout_seconds": {"type": "integer", "minimum": 1}
  },
  "required": ["app_id", "method"]
}`

const deploymentParamsSchema = `{
  "type": "object",
  "properties": {
    "model_id": {"type": "string"},
    "cluster_id": {"type": "string"},
    "deployment_name": {"type": "string"},
    "app_id": {"type": "string"},
    "timeout_seconds": {"type": "integer", "minimum": 1}
  },
  "required": ["model_id", "cluster_id"]
}`

// NewRemoteJobAction creates the generic remote_job action.
func NewRemoteJobAction() *RemoteJobAction {
	return &RemoteJobAction{
		name:         "remote_job",
		description:  "Start a remote job through service invocation and wait for its completion event.",
		cancelMethod: "workflows/{id}/cancel",
		requiredKeys: []string{"app_id", "method"},
		paramsSchema: remoteJobParamsSchema,
	}
}

// NewDeploymentCreateAction creates the deployment_create action.
func NewDeploymentCreateAction(appID string) *RemoteJobAction {
	if appID == "" {
		appID = "budcluster"
	}
	return &RemoteJobAction{
		name:         "deployment_create",
		description:  "Create a model deployment on a cluster and wait for the provisioning workflow to finish.",
		appID:        appID,
		method:       "deployments",
		cancelMethod: "workflows/{id}/cancel",
		requiredKeys: []string{"model_id", "cluster_id"},
		paramsSchema: deploymentParamsSchema,
	}
}

func (a *RemoteJobAction) Name() string { return a.name }

func (a *RemoteJobAction) Schema() ActionSchema {
	return ActionSchema{
		Description: a.description,
		Mode:        ModeEventDriven,
		Params:      json.RawMessage(a.paramsSchema),
		Outputs:     []string{"workflow_id"},
	}
}

func (a *RemoteJobAction) ValidateParams(params map[string]any) []string {
	var problems []string
	for _, k := range a.requiredKeys {
		problems = append(problems, requireString(params, k)...)
	}
	return problems
}

var remoteControlKeys = map[string]bool{
	"app_id": true, "method": true, "cancel_method": true, "timeout_seconds": true,
}

func (a *RemoteJobAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	if ac.Invoker == nil {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "no service invoker configured")
	}

	body, ok := ac.Params["data"]
	if !ok {
		payload := map[string]any{}
		for k, v := range ac.Params {
			if !remoteControlKeys[k] {
				payload[k] = v
			}
		}
		payload["execution_id"] = ac.ExecutionID
		payload["step_id"] = ac.StepID
		body = payload
	}

	appID := stringParam(ac.Params, "app_id", a.appID)
	resp, err := ac.Invoker.Invoke(ctx, InvokeRequest{
		AppID:      appID,
		Method:     stringParam(ac.Params, "method", a.method),
		HTTPMethod: http.MethodPost,
		Body:       body,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return Failed(fmt.Sprintf("service %s returned HTTP %d", appID, resp.StatusCode),
			map[string]any{"status_code": resp.StatusCode, "body": resp.Body}), nil
	}

	id := correlationID(resp.BodyMap())
	if id == "" {
		return Failed(fmt.Sprintf("service %s did not return a workflow id", appID),
			map[string]any{"body": resp.Body}), nil
	}
	return Awaiting(id, intParam(ac.Params, "timeout_seconds", 0), map[string]any{"workflow_id": id}), nil
}

// OnEvent completes the step from a workflow_completed event; the
// correlation id is kept in the outputs.
func (a *RemoteJobAction) OnEvent(_ context.Context, ac *Context, payload map[string]any) EventOutcome {
	out := DefaultClassify(payload)
	if out.Decision == EventComplete {
		out.Outputs["workflow_id"] = ac.ExternalWorkflowID
	}
	return out
}

// Cancel asks the remote service to stop the job.
func (a *RemoteJobAction) Cancel(ctx context.Context, ac *Context) error {
	if ac.Invoker == nil || ac.ExternalWorkflowID == "" {
		return nil
	}
	method := strings.ReplaceAll(stringParam(ac.Params, "cancel_method", a.cancelMethod), "{id}", ac.ExternalWorkflowID)
	resp, err := ac.Invoker.Invoke(ctx, InvokeRequest{
		AppID:      stringParam(ac.Params, "app_id", a.appID),
		Method:     method,
		HTTPMethod: http.MethodPost,
		Body:       map[string]any{"workflow_id": ac.ExternalWorkflowID},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("cancel %s: HTTP %d", ac.ExternalWorkflowID, resp.StatusCode)
	}
	return nil
}

func correlationID(body map[string]any) string {
	for _, m := range []map[string]any{body, mapParam(body, "data"), mapParam(body, "result")} {
		for _, k := range []string{"workflow_id", "job_id", "id"} {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// --- wait ---

// WaitAction is a deliberate delay. It awaits its own timeout, which
// completes the step with waited=true; a "resume" event ends it early.
type WaitAction struct{}

func (a *WaitAction) Name() string { return "wait" }

func (a *WaitAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Pause the branch for a number of seconds.",
		Mode:        ModeEventDriven,
		Params: json.RawMessage(`{
  "type": "object",
  "properties": {"seconds": {"type": "number", "exclusiveMinimum": 0}},
  "required": ["seconds"]
}`),
		Outputs: []string{"waited", "seconds"},
	}
}

func (a *WaitAction) ValidateParams(params map[string]any) []string {
	if _, ok := params["seconds"]; !ok {
		return []string{"missing required parameter 'seconds'"}
	}
	return nil
}

// WaitCorrelationID is the correlation key of a wait step.
func WaitCorrelationID(executionID, stepID string) string {
	return "wait:" + executionID + ":" + stepID
}

func (a *WaitAction) Execute(_ context.Context, ac *Context) (*Result, error) {
	seconds, ok := toFloat(ac.Params["seconds"])
	if !ok || seconds <= 0 {
		return Failed("wait requires a positive number of seconds", nil), nil
	}
	return Awaiting(WaitCorrelationID(ac.ExecutionID, ac.StepID), int(math.Ceil(seconds)),
		map[string]any{"seconds": seconds}), nil
}

func (a *WaitAction) OnEvent(_ context.Context, _ *Context, payload map[string]any) EventOutcome {
	switch strings.ToLower(stringParam(payload, "type", "")) {
	case "resume", "workflow_completed":
		return EventOutcome{Decision: EventComplete, Success: true, Outputs: map[string]any{"waited": false}}
	}
	return EventOutcome{Decision: EventIgnore}
}

func (a *WaitAction) OnTimeout(_ context.Context, ac *Context) *Result {
	outputs := map[string]any{"waited": true}
	if s, ok := toFloat(ac.Params["seconds"]); ok {
		outputs["seconds"] = s
	}
	return Succeeded(outputs)
}
