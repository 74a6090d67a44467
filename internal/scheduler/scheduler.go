// Package scheduler spawns pipeline executions from cron schedules and
// from platform events.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/logging"
	"github.com/rendis/budpipeline/internal/metrics"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// DefaultInterval is the polling period of the scheduling loop.
const DefaultInterval = time.Minute

// Last-status values recorded on a scheduled trigger.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Runner starts executions. Satisfied by the engine.
type Runner interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.Execution, error)
}

// TickResult counts the work done by one polling pass.
type TickResult struct {
	Due    int `json:"due"`
	Fired  int `json:"fired"`
	Failed int `json:"failed"`
}

// Scheduler polls the store for due scheduled triggers and starts their
// pipelines.
type Scheduler struct {
	store    store.Store
	runner   Runner
	parser   cron.Parser
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing
}

// NewScheduler creates a Scheduler. A non-positive interval uses
// DefaultInterval.
func NewScheduler(s store.Store, runner Runner, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		metrics:  m,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.Run(schedCtx)
	}()
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Run ticks immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.logTick(ctx)
		}
	}
}

func (s *Scheduler) logTick(ctx context.Context) {
	res, err := s.Tick(ctx)
	if err != nil {
		s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
		return
	}
	if res.Due > 0 {
		s.logger.Info("scheduler tick",
			slog.Int("due", res.Due),
			slog.Int("fired", res.Fired),
			slog.Int("failed", res.Failed),
		)
	}
}

// Tick fires every enabled trigger whose next_run_at has passed. A trigger
// that fails to start stays due and is retried on the next tick.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		return res, fmt.Errorf("list scheduled triggers: %w", err)
	}

	now := s.now().UTC()
	for _, trg := range triggers {
		if trg.NextRunAt != nil && trg.NextRunAt.After(now) {
			continue
		}
		res.Due++
		if !s.tryAcquire(trg.ID) {
			continue
		}
		err := s.fire(ctx, trg, now)
		s.release(trg.ID)
		if err != nil {
			res.Failed++
			s.logger.Error("scheduled trigger failed",
				slog.String("trigger_id", trg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Fired++
	}
	return res, nil
}

// fire starts the trigger's pipeline. last_triggered_at and next_run_at
// move only after the execution was created.
func (s *Scheduler) fire(ctx context.Context, trg *store.ScheduledTrigger, now time.Time) error {
	ctx = logging.WithTriggerID(ctx, trg.ID)
	s.logger.InfoContext(ctx, "firing scheduled trigger",
		slog.String("name", trg.Name),
		slog.String("pipeline_id", trg.PipelineID),
	)

	exec, err := s.runner.Start(ctx, engine.StartRequest{
		PipelineID: trg.PipelineID,
		Params:     maps.Clone(trg.Params),
		Initiator:  "schedule:" + trg.ID,
	})
	s.metrics.TriggerFired("schedule", err)
	if err != nil {
		if uerr := s.store.UpdateScheduledTrigger(ctx, trg.ID, store.ScheduledTriggerUpdate{LastStatus: StatusError}); uerr != nil {
			s.logger.WarnContext(ctx, "record trigger failure", slog.String("error", uerr.Error()))
		}
		return fmt.Errorf("start pipeline %q: %w", trg.PipelineID, err)
	}

	nextRun, err := s.CalculateNextRun(trg.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trg.ID, err)
	}
	if err := s.store.UpdateScheduledTrigger(ctx, trg.ID, store.ScheduledTriggerUpdate{
		LastTriggeredAt: &now,
		NextRunAt:       &nextRun,
		LastStatus:      StatusSuccess,
	}); err != nil {
		return fmt.Errorf("update trigger %q: %w", trg.ID, err)
	}
	s.logger.InfoContext(ctx, "scheduled trigger fired",
		slog.String("execution_id", exec.ID),
		slog.Time("next_run_at", nextRun),
	)
	return nil
}

// Register validates a scheduled trigger, computes its first run and
// persists it.
func (s *Scheduler) Register(ctx context.Context, trg *store.ScheduledTrigger) error {
	if trg.PipelineID == "" {
		return schema.NewError(schema.ErrCodeValidation, "pipeline_id is required")
	}
	if _, err := s.store.GetPipeline(ctx, trg.PipelineID); err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", trg.PipelineID).WithCause(err)
		}
		return err
	}
	nextRun, err := s.CalculateNextRun(trg.CronExpression, s.now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	if trg.ID == "" {
		trg.ID = uuid.New().String()
	}
	if trg.Name == "" {
		trg.Name = trg.ID
	}
	trg.NextRunAt = &nextRun
	return s.store.CreateScheduledTrigger(ctx, trg)
}

// tryAcquire returns true and marks the trigger as in-flight if it is not
// already firing.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires once every enabled trigger whose next_run_at passed
// while the service was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed triggers: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, trg := range triggers {
		if trg.NextRunAt == nil || !trg.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(trg.ID) {
			continue
		}
		err := s.fire(ctx, trg, now)
		s.release(trg.ID)
		if err != nil {
			s.logger.Error("failed to recover missed trigger",
				slog.String("trigger_id", trg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return recovered, nil
}
