package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/budpipeline/internal/expressions"
	"github.com/rendis/budpipeline/internal/scheduler"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

type createScheduleRequest struct {
	Name           string         `json:"name"`
	PipelineID     string         `json:"pipeline_id" validate:"required"`
	CronExpression string         `json:"cron_expression" validate:"required"`
	Params         map[string]any `json:"params"`
	Enabled        *bool          `json:"enabled"`
}

type createEventTriggerRequest struct {
	Name             string         `json:"name"`
	PipelineID       string         `json:"pipeline_id" validate:"required"`
	EventType        string         `json:"event_type" validate:"required"`
	Filter           map[string]any `json:"filter"`
	FilterExpression string         `json:"filter_expression"`
	Params           map[string]any `json:"params"`
	Enabled          *bool          `json:"enabled"`
}

func enabledOr(b *bool) bool {
	return b == nil || *b
}

func triggerFilter(c echo.Context) store.TriggerFilter {
	return store.TriggerFilter{
		Enabled:    queryBool(c, "enabled"),
		PipelineID: c.QueryParam("pipeline_id"),
		EventType:  c.QueryParam("event_type"),
		Limit:      queryInt(c, "limit", 0),
	}
}

func CreateSchedule(sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		if sched == nil {
			return schema.NewError(schema.ErrCodeValidation, "scheduler is disabled")
		}
		req := new(createScheduleRequest)
		if err := bindValid(c, req); err != nil {
			return err
		}
		trg := &store.ScheduledTrigger{
			Name:           req.Name,
			PipelineID:     req.PipelineID,
			CronExpression: req.CronExpression,
			Params:         req.Params,
			Enabled:        enabledOr(req.Enabled),
		}
		if err := sched.Register(c.Request().Context(), trg); err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, trg)
	}
}

func ListSchedules(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		trgs, err := st.ListScheduledTriggers(c.Request().Context(), triggerFilter(c))
		if err != nil {
			return err
		}
		if trgs == nil {
			trgs = []*store.ScheduledTrigger{}
		}
		return c.JSON(http.StatusOK, map[string]any{"triggers": trgs, "count": len(trgs)})
	}
}

func GetSchedule(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		trg, err := st.GetScheduledTrigger(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, trg)
	}
}

func DeleteSchedule(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := st.DeleteScheduledTrigger(c.Request().Context(), c.Param("id")); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// CreateEventTrigger registers an event trigger. The pipeline must exist
// and the filter expression, if any, must compile.
func CreateEventTrigger(st store.Store, cel *expressions.CELEngine) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(createEventTriggerRequest)
		if err := bindValid(c, req); err != nil {
			return err
		}
		ctx := c.Request().Context()
		if _, err := st.GetPipeline(ctx, req.PipelineID); err != nil {
			return err
		}
		if req.FilterExpression != "" {
			if cel == nil {
				return schema.NewError(schema.ErrCodeValidation, "filter expressions are not supported")
			}
			if err := cel.Compile(req.FilterExpression); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "invalid filter_expression: %v", err).WithCause(err)
			}
		}
		trg := &store.EventTrigger{
			Name:             req.Name,
			PipelineID:       req.PipelineID,
			EventType:        req.EventType,
			Filter:           req.Filter,
			FilterExpression: req.FilterExpression,
			Params:           req.Params,
			Enabled:          enabledOr(req.Enabled),
		}
		if trg.Name == "" {
			trg.Name = req.EventType
		}
		if err := st.CreateEventTrigger(ctx, trg); err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, trg)
	}
}

func ListEventTriggers(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		trgs, err := st.ListEventTriggers(c.Request().Context(), triggerFilter(c))
		if err != nil {
			return err
		}
		if trgs == nil {
			trgs = []*store.EventTrigger{}
		}
		return c.JSON(http.StatusOK, map[string]any{"triggers": trgs, "count": len(trgs)})
	}
}

func GetEventTrigger(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		trg, err := st.GetEventTrigger(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, trg)
	}
}

func DeleteEventTrigger(st store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := st.DeleteEventTrigger(c.Request().Context(), c.Param("id")); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}
