// Package progress computes execution progress and appends it to the
// per-execution progress history, forwarding each event to subscribers.
package progress

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// Store is the subset of store.Store the tracker needs.
type Store interface {
	AppendProgressEvent(ctx context.Context, ev *store.ProgressEvent) error
}

// Notifier receives every appended event.
type Notifier interface {
	Notify(ctx context.Context, ev *store.ProgressEvent) int
}

// Notifiers fans every event out to each notifier in turn and returns the
// total delivered.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev *store.ProgressEvent) int {
	n := 0
	for _, notifier := range ns {
		if notifier != nil {
			n += notifier.Notify(ctx, ev)
		}
	}
	return n
}

// Snapshot is the computed progress of an execution.
type Snapshot struct {
	Percentage float64  `json:"progress_percentage"`
	ETASeconds *int     `json:"eta_seconds,omitempty"`
	Terminal   int      `json:"terminal_steps"`
	Total      int      `json:"total_steps"`
	Active     []string `json:"active_steps,omitempty"`
}

// Compute derives progress from step rows: the share of terminal steps,
// and an ETA from the mean duration of finished steps times the number of
// steps left.
func Compute(steps []*store.StepExecution) Snapshot {
	snap := Snapshot{Total: len(steps)}
	var (
		samples int
		elapsed time.Duration
	)
	for _, st := range steps {
		if st.Status.IsTerminal() {
			snap.Terminal++
		}
		if st.Status.IsActive() {
			snap.Active = append(snap.Active, st.StepID)
		}
		if st.Status == schema.StepStatusCompleted && st.StartedAt != nil && st.CompletedAt != nil {
			samples++
			elapsed += st.CompletedAt.Sub(*st.StartedAt)
		}
	}
	if snap.Total > 0 {
		snap.Percentage = round2(float64(snap.Terminal) / float64(snap.Total) * 100)
	}
	if remaining := snap.Total - snap.Terminal; samples > 0 && remaining >= 0 {
		eta := int(math.Ceil((elapsed / time.Duration(samples)).Seconds() * float64(remaining)))
		snap.ETASeconds = &eta
	}
	return snap
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// Update is a progress report from an external system for one step.
type Update struct {
	StepID string
	// ExternalID is the correlation id the remote job reports under.
	ExternalID     string
	Progress       *float64
	ETASeconds     *int
	Message        string
	SequenceNumber *int64
}

// Tracker appends progress events.
type Tracker struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewTracker creates a Tracker. notifier may be nil.
func NewTracker(st Store, notifier Notifier, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, notifier: notifier, logger: logger}
}

// Started records the 0% event of a new execution.
func (t *Tracker) Started(ctx context.Context, exec *store.Execution) (*store.ProgressEvent, error) {
	return t.append(ctx, &store.ProgressEvent{
		ExecutionID: exec.ID,
		EventType:   schema.EventWorkflowProgress,
		Details: map[string]any{
			"status":   string(schema.ExecutionStatusPending),
			"pipeline": exec.PipelineName,
		},
	})
}

// StepFinished records a step reaching a terminal status.
func (t *Tracker) StepFinished(ctx context.Context, exec *store.Execution, step *store.StepExecution, snap Snapshot) (*store.ProgressEvent, error) {
	details := map[string]any{
		"step_id": step.StepID,
		"action":  step.Action,
		"status":  string(step.Status),
	}
	if step.Error != "" {
		details["error"] = step.Error
	}
	return t.append(ctx, &store.ProgressEvent{
		ExecutionID:        exec.ID,
		EventType:          schema.EventStepCompleted,
		ProgressPercentage: snap.Percentage,
		ETASeconds:         snap.ETASeconds,
		CurrentStep:        step.StepID,
		Details:            details,
	})
}

// External records a progress report from the remote system behind an
// awaiting step. The step's share of the execution is scaled into the
// overall percentage. The remote sequence number is tracked per step and
// external id, apart from the execution's own event sequence; a report
// whose number is not newer than the last one from the same job is a
// duplicate or out-of-order delivery and is dropped, returning false.
func (t *Tracker) External(ctx context.Context, exec *store.Execution, totalSteps int, u Update) (bool, error) {
	pct := exec.ProgressPercentage
	details := map[string]any{"step_id": u.StepID}
	eventType := schema.EventWorkflowProgress
	if u.Progress != nil {
		step := math.Max(0, math.Min(100, *u.Progress))
		details["step_progress"] = step
		if totalSteps > 0 {
			pct = round2(math.Min(100, pct+step/float64(totalSteps)))
		}
	} else if u.ETASeconds != nil {
		eventType = schema.EventETAUpdate
	}
	if u.Message != "" {
		details["message"] = u.Message
	}

	ev := &store.ProgressEvent{
		ExecutionID:        exec.ID,
		EventType:          eventType,
		ProgressPercentage: pct,
		ETASeconds:         u.ETASeconds,
		CurrentStep:        u.StepID,
		Details:            details,
		ExternalID:         u.ExternalID,
	}
	if u.SequenceNumber != nil {
		ev.RemoteSequence = *u.SequenceNumber
	}
	_, err := t.append(ctx, ev)
	if errors.Is(err, store.ErrStaleSequence) {
		t.logger.DebugContext(ctx, "dropping stale progress update",
			slog.String("step_id", u.StepID),
			slog.String("external_id", u.ExternalID),
			slog.Int64("remote_sequence", ev.RemoteSequence),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Completed records the terminal event of an execution.
func (t *Tracker) Completed(ctx context.Context, exec *store.Execution) (*store.ProgressEvent, error) {
	details := map[string]any{"status": string(exec.Status)}
	if exec.Error != "" {
		details["error"] = exec.Error
	}
	if len(exec.Outputs) > 0 {
		details["outputs"] = exec.Outputs
	}
	return t.append(ctx, &store.ProgressEvent{
		ExecutionID:        exec.ID,
		EventType:          schema.EventWorkflowCompleted,
		ProgressPercentage: exec.ProgressPercentage,
		Details:            details,
	})
}

func (t *Tracker) append(ctx context.Context, ev *store.ProgressEvent) (*store.ProgressEvent, error) {
	if err := t.store.AppendProgressEvent(ctx, ev); err != nil {
		return nil, err
	}
	if t.notifier != nil {
		t.notifier.Notify(ctx, ev)
	}
	return ev, nil
}
