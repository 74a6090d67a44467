package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/logging"
	"github.com/rendis/budpipeline/internal/metrics"
	"github.com/rendis/budpipeline/internal/store"
)

// EventParam is the workflow parameter that receives the triggering event
// when the pipeline declares it.
const EventParam = "event"

// Event is a platform event offered to event triggers.
type Event struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type"`
	Source string         `json:"source,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// document is the view of the event filters and predicates see: the data
// fields at top level, with type, source and id filled in when the data
// does not carry them.
func (ev Event) document() map[string]any {
	doc := maps.Clone(ev.Data)
	if doc == nil {
		doc = map[string]any{}
	}
	for k, v := range map[string]string{"type": ev.Type, "source": ev.Source, "id": ev.ID} {
		if _, ok := doc[k]; !ok && v != "" {
			doc[k] = v
		}
	}
	return doc
}

// MatchResult is the outcome of one matching trigger.
type MatchResult struct {
	TriggerID   string `json:"trigger_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EventMatcher starts the pipelines of event triggers matching an event.
type EventMatcher struct {
	store   store.Store
	runner  Runner
	cel     *expressions.CELEngine
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEventMatcher creates an EventMatcher. cel may be nil, in which case
// triggers with a filter expression never match.
func NewEventMatcher(st store.Store, runner Runner, cel *expressions.CELEngine, m *metrics.Metrics, logger *slog.Logger) *EventMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventMatcher{store: st, runner: runner, cel: cel, metrics: m, logger: logger, now: time.Now}
}

// HandleEvent fires every enabled trigger registered for the event's type
// whose filter and filter expression accept it. Triggers fire
// independently: one failing does not stop the others.
func (m *EventMatcher) HandleEvent(ctx context.Context, ev Event) ([]MatchResult, error) {
	if ev.Type == "" {
		return nil, nil
	}
	enabled := true
	triggers, err := m.store.ListEventTriggers(ctx, store.TriggerFilter{Enabled: &enabled, EventType: ev.Type})
	if err != nil {
		return nil, fmt.Errorf("list event triggers: %w", err)
	}

	doc := ev.document()
	var results []MatchResult
	for _, trg := range triggers {
		if trg.EventType != ev.Type {
			continue
		}
		tctx := logging.WithTriggerID(ctx, trg.ID)
		ok, err := m.matches(tctx, trg, doc)
		if err != nil {
			m.logger.WarnContext(tctx, "event trigger filter failed", slog.String("error", err.Error()))
			results = append(results, MatchResult{TriggerID: trg.ID, Error: err.Error()})
			continue
		}
		if !ok {
			continue
		}
		results = append(results, m.fire(tctx, trg, ev, doc))
	}
	return results, nil
}

func (m *EventMatcher) matches(ctx context.Context, trg *store.EventTrigger, doc map[string]any) (bool, error) {
	for path, expected := range trg.Filter {
		actual, ok := lookupPath(doc, path)
		if !ok || !valueMatches(expected, actual) {
			return false, nil
		}
	}
	if strings.TrimSpace(trg.FilterExpression) == "" {
		return true, nil
	}
	if m.cel == nil {
		return false, fmt.Errorf("filter expression set but no CEL engine configured")
	}
	return m.cel.EvaluateBool(ctx, trg.FilterExpression, map[string]any{
		"event":  doc,
		"params": trg.Params,
	})
}

func (m *EventMatcher) fire(ctx context.Context, trg *store.EventTrigger, ev Event, doc map[string]any) MatchResult {
	res := MatchResult{TriggerID: trg.ID}
	params := maps.Clone(trg.Params)
	if params == nil {
		params = map[string]any{}
	}
	if m.declaresEventParam(ctx, trg.PipelineID) {
		params[EventParam] = doc
	}

	exec, err := m.runner.Start(ctx, engine.StartRequest{
		PipelineID: trg.PipelineID,
		Params:     params,
		Initiator:  "event:" + trg.ID,
	})
	m.metrics.TriggerFired("event", err)
	if err != nil {
		res.Error = err.Error()
		m.logger.ErrorContext(ctx, "event trigger failed to start pipeline",
			slog.String("pipeline_id", trg.PipelineID),
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
		return res
	}
	res.ExecutionID = exec.ID
	if err := m.store.MarkEventTriggerFired(ctx, trg.ID, m.now().UTC()); err != nil {
		m.logger.WarnContext(ctx, "record event trigger firing", slog.String("error", err.Error()))
	}
	m.logger.InfoContext(ctx, "event trigger fired",
		slog.String("event_type", ev.Type),
		slog.String("execution_id", exec.ID),
	)
	return res
}

func (m *EventMatcher) declaresEventParam(ctx context.Context, pipelineID string) bool {
	p, err := m.store.GetPipeline(ctx, pipelineID)
	if err != nil || p.Definition == nil {
		return false
	}
	return slices.Contains(p.Definition.ParameterNames(), EventParam)
}

// lookupPath resolves a dotted path through nested maps.
func lookupPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valueMatches compares a filter value with an event value. A list filter
// matches any of its elements; a list event value matches when it contains
// the filter value.
func valueMatches(expected, actual any) bool {
	if list, ok := expected.([]any); ok {
		for _, e := range list {
			if valueMatches(e, actual) {
				return true
			}
		}
		return false
	}
	if list, ok := actual.([]any); ok {
		for _, a := range list {
			if scalarEqual(expected, a) {
				return true
			}
		}
		return false
	}
	return scalarEqual(expected, actual)
}

func scalarEqual(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
