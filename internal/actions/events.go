package actions

import (
	"strings"
)

var (
	successStatuses = map[string]bool{"completed": true, "complete": true, "success": true, "succeeded": true, "ok": true, "done": true}
	failureStatuses = map[string]bool{"failed": true, "failure": true, "error": true, "errored": true, "cancelled": true, "canceled": true, "timeout": true}
)

// DefaultClassify classifies an external event by its "type" and "status"
// fields. It is used for awaiting steps whose action has no EventHandler.
//
//   - type workflow_progress (or a running status with progress) updates progress
//   - type workflow_completed, or a terminal status, completes the step
//   - anything else is ignored
func DefaultClassify(payload map[string]any) EventOutcome {
	typ := strings.ToLower(stringParam(payload, "type", ""))
	status := strings.ToLower(stringParam(payload, "status", ""))

	if typ == "workflow_progress" || (typ == "" && (status == "running" || status == "in_progress") && payload["progress"] != nil) {
		out := EventOutcome{Decision: EventUpdateProgress}
		for _, k := range []string{"progress", "progress_percentage"} {
			if f, ok := toFloat(payload[k]); ok {
				out.Progress = &f
				break
			}
		}
		for _, k := range []string{"eta_seconds", "eta"} {
			if f, ok := toFloat(payload[k]); ok {
				eta := int(f)
				out.ETASeconds = &eta
				break
			}
		}
		if f, ok := toFloat(payload["sequence_number"]); ok {
			seq := int64(f)
			out.SequenceNumber = &seq
		}
		out.Message = firstString(payload, "current_step", "message")
		return out
	}

	if typ != "workflow_completed" && !successStatuses[status] && !failureStatuses[status] {
		return EventOutcome{Decision: EventIgnore}
	}

	success := successStatuses[status]
	if status == "" {
		success = true
		if b, ok := payload["success"].(bool); ok {
			success = b
		}
	}

	out := EventOutcome{Decision: EventComplete, Success: success, Outputs: map[string]any{}}
	for _, k := range []string{"result", "outputs", "data"} {
		if m, ok := payload[k].(map[string]any); ok {
			for key, v := range m {
				out.Outputs[key] = v
			}
			break
		}
	}
	if !success {
		out.Error = firstString(payload, "reason", "error", "message")
		if out.Error == "" {
			out.Error = "remote workflow reported status " + status
		}
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
