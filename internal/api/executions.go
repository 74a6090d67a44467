package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/internal/pipeline"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

type createExecutionRequest struct {
	// WorkflowID is a registered pipeline id or name.
	WorkflowID         string          `json:"workflow_id" validate:"required_without=PipelineDefinition"`
	PipelineDefinition json.RawMessage `json:"pipeline_definition"`
	Params             map[string]any  `json:"params"`
	CallbackTopics     []string        `json:"callback_topics" validate:"omitempty,dive,required"`
	Initiator          string          `json:"initiator"`
}

func CreateExecution(exec engine.Executor, svc *pipeline.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(createExecutionRequest)
		if err := bindValid(c, req); err != nil {
			return err
		}
		ctx := c.Request().Context()

		start := engine.StartRequest{
			Params:         req.Params,
			CallbackTopics: req.CallbackTopics,
			Initiator:      req.Initiator,
		}
		if req.WorkflowID != "" {
			def, err := svc.Get(ctx, req.WorkflowID)
			if err != nil {
				return err
			}
			start.PipelineID = def.ID
		} else {
			d, _, err := svc.ParseRaw(definitionSource(req.PipelineDefinition))
			if err != nil {
				return err
			}
			start.Definition = d
		}

		created, err := exec.Start(ctx, start)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, created)
	}
}

func ListExecutions(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter := store.ExecutionFilter{
			PipelineID: c.QueryParam("pipeline_id"),
			Initiator:  c.QueryParam("initiator"),
			Limit:      queryInt(c, "limit", 50),
			Offset:     queryInt(c, "offset", 0),
		}
		if s := c.QueryParam("status"); s != "" {
			status := schema.ExecutionStatus(s)
			filter.Status = &status
		}
		execs, err := st.ListExecutions(c.Request().Context(), filter)
		if err != nil {
			return err
		}
		if execs == nil {
			execs = []*store.Execution{}
		}
		return c.JSON(http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
	}
}

func GetExecution(exec engine.Executor) echo.HandlerFunc {
	return func(c echo.Context) error {
		got, err := exec.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, got)
	}
}

func GetProgress(exec engine.Executor) echo.HandlerFunc {
	return func(c echo.Context) error {
		view, err := exec.Progress(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, view)
	}
}

func CancelExecution(exec engine.Executor) echo.HandlerFunc {
	return func(c echo.Context) error {
		got, err := exec.Cancel(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, got)
	}
}
