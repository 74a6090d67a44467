// Package api serves the HTTP surface of budpipeline: pipeline registry,
// executions, validation, triggers, event ingress, health and metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/metrics"
	"github.com/rendis/budpipeline/internal/pipeline"
	"github.com/rendis/budpipeline/internal/scheduler"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/streaming"
)

// Deps are the collaborators behind the routes. Executor, Store and
// Pipelines are required.
type Deps struct {
	Executor  engine.Executor
	Store     store.Store
	Pipelines *pipeline.Service
	Scheduler *scheduler.Scheduler
	Matcher   *scheduler.EventMatcher
	Registry  *actions.Registry
	CEL       *expressions.CELEngine
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Live enables GET /executions/:id/stream when set. It must receive
	// the progress events published by a subscriptions.LiveFeed.
	Live streaming.Hub
}

// Server is the echo application.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// NewServer builds the echo instance and registers every route.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = errorHandler(deps.Logger)
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Logger))

	s := &Server{deps: deps, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", Health(s.deps.Store))
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	v1 := e.Group("/api/v1")

	v1.POST("/pipelines", RegisterPipeline(s.deps.Pipelines))
	v1.GET("/pipelines", ListPipelines(s.deps.Pipelines))
	v1.GET("/pipelines/:id", GetPipeline(s.deps.Pipelines))
	v1.PUT("/pipelines/:id", UpdatePipeline(s.deps.Pipelines))
	v1.DELETE("/pipelines/:id", DeletePipeline(s.deps.Pipelines))
	v1.GET("/pipelines/:id/diagram", PipelineDiagram(s.deps.Pipelines, s.deps.Registry))

	v1.POST("/validate", ValidateDefinition(s.deps.Pipelines))
	if s.deps.Registry != nil {
		v1.GET("/actions", ListActions(s.deps.Registry))
	}

	v1.POST("/executions", CreateExecution(s.deps.Executor, s.deps.Pipelines))
	v1.GET("/executions", ListExecutions(s.deps.Store))
	v1.GET("/executions/:id", GetExecution(s.deps.Executor))
	v1.GET("/executions/:id/progress", GetProgress(s.deps.Executor))
	v1.POST("/executions/:id/cancel", CancelExecution(s.deps.Executor))
	v1.GET("/executions/:id/diagram", ExecutionDiagram(s.deps.Store, s.deps.Registry))
	if s.deps.Live != nil {
		v1.GET("/executions/:id/stream", StreamProgress(s.deps.Executor, s.deps.Live, s.deps.Logger))
	}

	v1.POST("/events", IngestEvent(s.deps.Executor, s.deps.Matcher, s.deps.Logger))
	v1.POST("/scheduler/tick", Tick(s.deps.Scheduler, s.deps.Executor))

	v1.POST("/triggers/schedules", CreateSchedule(s.deps.Scheduler))
	v1.GET("/triggers/schedules", ListSchedules(s.deps.Store))
	v1.GET("/triggers/schedules/:id", GetSchedule(s.deps.Store))
	v1.DELETE("/triggers/schedules/:id", DeleteSchedule(s.deps.Store))

	v1.POST("/triggers/events", CreateEventTrigger(s.deps.Store, s.deps.CEL))
	v1.GET("/triggers/events", ListEventTriggers(s.deps.Store))
	v1.GET("/triggers/events/:id", GetEventTrigger(s.deps.Store))
	v1.DELETE("/triggers/events/:id", DeleteEventTrigger(s.deps.Store))
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.deps.Logger.Info("http server listening", slog.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
