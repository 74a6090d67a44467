// Package engine runs pipeline executions: it schedules steps in dependency
// order, dispatches actions, applies failure policies, routes external
// events to awaiting steps and resumes executions after a restart. All
// state lives in the store; the engine keeps only per-execution locks and
// the cancel functions of in-flight dispatches.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/metrics"
	"github.com/rendis/budpipeline/internal/progress"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/streaming"
	"github.com/rendis/budpipeline/internal/subscriptions"
	"github.com/rendis/budpipeline/pkg/schema"
)

const tracerName = "github.com/rendis/budpipeline/internal/engine"

// Executor is the execution API consumed by the HTTP and MCP surfaces and
// by the trigger layer.
type Executor interface {
	// Start validates the request, persists a new execution and advances it
	// in the background.
	Start(ctx context.Context, req StartRequest) (*store.Execution, error)

	// Get returns an execution.
	Get(ctx context.Context, executionID string) (*store.Execution, error)

	// Progress returns step-level detail and the progress history.
	Progress(ctx context.Context, executionID string) (*ProgressView, error)

	// Cancel cancels a non-terminal execution.
	Cancel(ctx context.Context, executionID string) (*store.Execution, error)

	// RouteEvent delivers an external event to the step awaiting it.
	RouteEvent(ctx context.Context, externalID string, payload map[string]any) RouterResult

	// SweepTimeouts processes expired awaiting steps, expired executions and
	// due retries.
	SweepTimeouts(ctx context.Context) (SweepResult, error)
}

// Defaults for Config fields left zero.
const (
	DefaultPoolSize        = 10
	DefaultStepTimeout     = 5 * time.Minute
	DefaultEventTimeout    = time.Hour
	DefaultCancelTimeout   = 10 * time.Second
	DefaultSweepInterval   = 15 * time.Second
	DefaultSubscriptionTTL = 24 * time.Hour
)

// Config holds engine tuning.
type Config struct {
	// PoolSize bounds concurrent synchronous dispatches across executions.
	PoolSize int `mapstructure:"pool_size"`
	// DefaultStepTimeout applies to sync steps without timeout_seconds.
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	// DefaultEventTimeout applies to awaiting steps when neither the action
	// result nor the step sets a timeout.
	DefaultEventTimeout time.Duration `mapstructure:"default_event_timeout"`
	// CancelTimeout bounds best-effort remote cancellation.
	CancelTimeout   time.Duration `mapstructure:"cancel_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SubscriptionTTL time.Duration `mapstructure:"subscription_ttl"`
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = DefaultStepTimeout
	}
	if c.DefaultEventTimeout <= 0 {
		c.DefaultEventTimeout = DefaultEventTimeout
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = DefaultCancelTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SubscriptionTTL < 0 {
		c.SubscriptionTTL = 0
	}
}

// Options are the collaborators of an Engine. Store and Registry are
// required.
type Options struct {
	Store     store.Store
	Registry  *actions.Registry
	Templates *expressions.TemplateEngine
	Invoker   actions.ServiceInvoker
	Publisher streaming.Publisher
	// Notifier receives progress events; when nil and Publisher is set, a
	// subscriptions.Notifier over Publisher is used.
	Notifier progress.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Config   Config
}

// Engine is the concrete Executor.
type Engine struct {
	store      store.Store
	registry   *actions.Registry
	templates  *expressions.TemplateEngine
	resolver   *expressions.ParameterResolver
	conditions *expressions.ConditionEvaluator
	tracker    *progress.Tracker
	invoker    actions.ServiceInvoker
	publisher  streaming.Publisher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	pool       *WorkerPool
	stepFSM    *StepFSM
	execFSM    *ExecutionFSM
	cfg        Config
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*execLock

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	bg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type execLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Engine.
func New(opts Options) *Engine {
	cfg := opts.Config
	cfg.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	templates := opts.Templates
	if templates == nil {
		templates = expressions.NewTemplateEngine()
	}
	notifier := opts.Notifier
	if notifier == nil && opts.Publisher != nil {
		notifier = subscriptions.NewNotifier(opts.Store, opts.Publisher, opts.Metrics, logger)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      opts.Store,
		registry:   opts.Registry,
		templates:  templates,
		resolver:   expressions.NewParameterResolver(templates),
		conditions: expressions.NewConditionEvaluator(templates),
		tracker:    progress.NewTracker(opts.Store, notifier, logger),
		invoker:    opts.Invoker,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		pool:       NewWorkerPool(cfg.PoolSize),
		stepFSM:    NewStepFSM(),
		execFSM:    NewExecutionFSM(),
		cfg:        cfg,
		now:        time.Now,
		locks:      make(map[string]*execLock),
		inflight:   make(map[string]context.CancelFunc),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	e.pool.onActive = e.metrics.SetPoolActive
	e.stepFSM.Observe(func(_ context.Context, t Transition[schema.StepStatus]) error {
		e.metrics.StepTransition(t.Action, string(t.To))
		return nil
	})
	e.execFSM.Observe(func(_ context.Context, t Transition[schema.ExecutionStatus]) error {
		if t.To.IsTerminal() {
			e.metrics.ExecutionFinished(string(t.To))
		}
		return nil
	})
	return e
}

// StepFSM exposes the step state machine for hook registration.
func (e *Engine) StepFSM() *StepFSM { return e.stepFSM }

// ExecutionFSM exposes the execution state machine for hook registration.
func (e *Engine) ExecutionFSM() *ExecutionFSM { return e.execFSM }

// PoolMetrics returns a snapshot of the dispatch pool.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// lock serializes the advance loop of one execution within this process.
func (e *Engine) lock(executionID string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[executionID]
	if !ok {
		l = &execLock{}
		e.locks[executionID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, executionID)
		}
		e.locksMu.Unlock()
	}
}

// goAdvance advances an execution on a background goroutine.
func (e *Engine) goAdvance(executionID string) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if e.rootCtx.Err() != nil {
			return
		}
		if err := e.advance(e.rootCtx, executionID); err != nil {
			e.logger.ErrorContext(e.rootCtx, "advance execution",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until all background work started so far, and everything it
// starts in turn, has finished. Awaiting steps do not hold background work.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Run sweeps timeouts and due retries every SweepInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := e.SweepTimeouts(ctx)
			if err != nil {
				e.logger.ErrorContext(ctx, "timeout sweep failed", slog.String("error", err.Error()))
				continue
			}
			if res.TimedOut+res.ExecutionsExpired+res.RetriesDue > 0 {
				e.logger.InfoContext(ctx, "timeout sweep",
					slog.Int("timed_out", res.TimedOut),
					slog.Int("executions_expired", res.ExecutionsExpired),
					slog.Int("retries_due", res.RetriesDue),
				)
			}
		}
	}
}

// Shutdown stops background work. In-flight dispatches are abandoned in
// running status and picked up by Recover on the next start.
func (e *Engine) Shutdown() {
	e.rootCancel()
	e.bg.Wait()
	e.pool.Shutdown()
}

var _ Executor = (*Engine)(nil)
