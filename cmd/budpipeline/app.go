package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/api"
	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/metrics"
	"github.com/rendis/budpipeline/internal/pipeline"
	"github.com/rendis/budpipeline/internal/progress"
	"github.com/rendis/budpipeline/internal/scheduler"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/streaming"
	"github.com/rendis/budpipeline/internal/subscriptions"
	"github.com/rendis/budpipeline/internal/validation"
	mcpsrv "github.com/rendis/budpipeline/pkg/mcp"
)

// app is the wired process: every component serve and mcp need.
type app struct {
	cfg       *Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	registry  *actions.Registry
	validator *validation.WorkflowValidator
	metrics   *metrics.Metrics
	engine    *engine.Engine
	pipelines *pipeline.Service
	scheduler *scheduler.Scheduler
	matcher   *scheduler.EventMatcher
	cel       *expressions.CELEngine
	live      *streaming.MemoryHub
	mcp       *mcpsrv.PipelineServer

	closers []func() error
}

// mcpForwarder holds the MCP notifier, which only exists once the MCP
// server is built on top of the engine.
type mcpForwarder struct {
	target atomic.Pointer[mcpsrv.MCPNotifier]
}

func (f *mcpForwarder) Notify(ctx context.Context, ev *store.ProgressEvent) int {
	n := f.target.Load()
	if n == nil {
		return 0
	}
	return n.Notify(ctx, ev)
}

// openStore opens and migrates the database.
func openStore(ctx context.Context, cfg *Config) (*store.LibSQLStore, error) {
	st, err := store.NewLibSQLStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// newRegistry builds the action registry and the definition validator.
func newRegistry(cfg *Config, logger *slog.Logger) (*actions.Registry, *validation.WorkflowValidator, error) {
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, nil, fmt.Errorf("json schema validator: %w", err)
	}
	templates := expressions.NewTemplateEngine()
	reg := actions.NewRegistry(jsv)
	err = actions.RegisterBuiltins(reg, actions.BuiltinConfig{
		HTTP:              cfg.httpConfig(),
		NotificationTopic: cfg.Invoke.NotificationTopic,
		ClusterAppID:      cfg.Invoke.ClusterAppID,
		Conditions:        expressions.NewConditionEvaluator(templates),
		JQ:                expressions.NewGoJQEngine(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("register actions: %w", err)
	}
	wv, err := validation.NewWorkflowValidator(jsv, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow validator: %w", err)
	}
	logger.Debug("actions registered", slog.Int("count", len(reg.List())))
	return reg, wv, nil
}

// newPublisher builds the progress publisher selected by pubsub.type.
// It returns nil for "none".
func (a *app) newPublisher(ctx context.Context) (streaming.Publisher, error) {
	ps := a.cfg.PubSub
	switch ps.Type {
	case "none":
		return nil, nil
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     ps.RedisAddr,
			Password: ps.RedisPassword,
			DB:       ps.RedisDB,
		})
		hub := streaming.NewRedisHub(rdb, ps.ChannelPrefix, a.logger)
		if err := hub.Ping(ctx); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis publisher: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		return hub, nil
	case "dapr":
		return streaming.NewDaprPublisher(a.cfg.Invoke.BaseURL, ps.DaprPubSub, ps.Timeout), nil
	default:
		return streaming.NewMemoryHub(), nil
	}
}

// buildApp wires the store, registry, engine, pipeline service, triggers
// and MCP tool server. withMCPNotify routes progress to MCP sessions.
func buildApp(ctx context.Context, cfg *Config, logger *slog.Logger, version string, withMCPNotify bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.registry, a.validator, err = newRegistry(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	a.cel, err = expressions.NewCELEngine()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("cel engine: %w", err)
	}

	pub, err := a.newPublisher(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	a.live = streaming.NewMemoryHub()
	notifiers := progress.Notifiers{subscriptions.NewLiveFeed(a.live, logger)}
	if pub != nil {
		notifiers = append(notifiers, subscriptions.NewNotifier(st, pub, a.metrics, logger))
	}
	forward := &mcpForwarder{}
	if withMCPNotify {
		notifiers = append(notifiers, forward)
	}

	a.engine = engine.New(engine.Options{
		Store:     st,
		Registry:  a.registry,
		Invoker:   actions.NewDaprInvoker(cfg.invokerConfig(), logger),
		Publisher: pub,
		Notifier:  notifiers,
		Metrics:   a.metrics,
		Logger:    logger,
		Config:    cfg.Engine,
	})

	a.pipelines = pipeline.NewService(st, a.validator, logger)
	if cfg.Scheduler.Enabled {
		a.scheduler = scheduler.NewScheduler(st, a.engine, a.metrics, logger, cfg.Scheduler.Interval)
	}
	a.matcher = scheduler.NewEventMatcher(st, a.engine, a.cel, a.metrics, logger)

	sessions := mcpsrv.NewSessionRegistry()
	a.mcp = mcpsrv.NewPipelineServer(mcpsrv.ServerDeps{
		Executor:  a.engine,
		Pipelines: a.pipelines,
		Registry:  a.registry,
		Sessions:  sessions,
		Logger:    logger,
		Version:   version,
	})
	forward.target.Store(mcpsrv.NewMCPNotifier(a.mcp.MCPServer(), sessions, logger))
	return a, nil
}

// apiServer builds the HTTP API over the wired components.
func (a *app) apiServer() *api.Server {
	return api.NewServer(api.Deps{
		Executor:  a.engine,
		Store:     a.store,
		Pipelines: a.pipelines,
		Scheduler: a.scheduler,
		Matcher:   a.matcher,
		Registry:  a.registry,
		CEL:       a.cel,
		Metrics:   a.metrics,
		Logger:    a.logger,
		Live:      a.live,
	})
}

// recoverState resumes executions and fires triggers missed while down.
func (a *app) recoverState(ctx context.Context) error {
	n, err := a.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if n > 0 {
		a.logger.Info("executions recovered", slog.Int("count", n))
	}
	if a.scheduler == nil {
		return nil
	}
	fired, err := a.scheduler.RecoverMissed(ctx)
	if err != nil {
		return fmt.Errorf("recover missed triggers: %w", err)
	}
	if fired > 0 {
		a.logger.Info("missed triggers fired", slog.Int("count", fired))
	}
	return nil
}

// close stops the engine and releases resources in reverse order.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Shutdown()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", slog.String("error", err.Error()))
		}
	}
}
