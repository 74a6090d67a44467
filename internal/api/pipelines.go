package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/pipeline"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/validation"
	"github.com/rendis/budpipeline/pkg/schema"
)

type registerPipelineRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Definition  json.RawMessage       `json:"definition" validate:"required"`
	Status      schema.PipelineStatus `json:"status" validate:"omitempty,oneof=draft active archived"`
	CreatedBy   string                `json:"created_by"`
}

type updatePipelineRequest struct {
	ExpectedVersion int                    `json:"expected_version" validate:"gte=0"`
	Name            *string                `json:"name" validate:"omitempty,min=1"`
	Description     *string                `json:"description"`
	Definition      json.RawMessage        `json:"definition"`
	Status          *schema.PipelineStatus `json:"status" validate:"omitempty,oneof=draft active archived"`
}

type pipelineResponse struct {
	*store.PipelineDefinition
	Warnings []string `json:"warnings,omitempty"`
}

// definitionSource returns the encoded definition, or nil when the field
// was absent or null.
func definitionSource(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}

func withWarnings(def *store.PipelineDefinition, report *validation.Report) pipelineResponse {
	resp := pipelineResponse{PipelineDefinition: def}
	if report != nil {
		resp.Warnings = report.Warnings
	}
	return resp
}

func RegisterPipeline(svc *pipeline.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(registerPipelineRequest)
		if err := bindValid(c, req); err != nil {
			return err
		}
		def, report, err := svc.Register(c.Request().Context(), pipeline.RegisterRequest{
			Name:        req.Name,
			Description: req.Description,
			Source:      definitionSource(req.Definition),
			Status:      req.Status,
			CreatedBy:   req.CreatedBy,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, withWarnings(def, report))
	}
}

func ListPipelines(svc *pipeline.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		filter := store.PipelineFilter{
			Limit:  queryInt(c, "limit", 0),
			Offset: queryInt(c, "offset", 0),
		}
		if st := c.QueryParam("status"); st != "" {
			status := schema.PipelineStatus(st)
			filter.Status = &status
		}
		if b := queryBool(c, "include_archived"); b != nil {
			filter.IncludeArchived = *b
		}
		defs, err := svc.List(c.Request().Context(), filter)
		if err != nil {
			return err
		}
		if defs == nil {
			defs = []*store.PipelineDefinition{}
		}
		return c.JSON(http.StatusOK, map[string]any{"pipelines": defs, "count": len(defs)})
	}
}

func GetPipeline(svc *pipeline.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		def, err := svc.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, def)
	}
}

func UpdatePipeline(svc *pipeline.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(updatePipelineRequest)
		if err := bindValid(c, req); err != nil {
			return err
		}
		def, report, err := svc.Update(c.Request().Context(), c.Param("id"), pipeline.UpdateRequest{
			ExpectedVersion: req.ExpectedVersion,
			Name:            req.Name,
			Description:     req.Description,
			Source:          definitionSource(req.Definition),
			Status:          req.Status,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, withWarnings(def, report))
	}
}

func DeletePipeline(svc *pipeline.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		archived, err := svc.Delete(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"id": id, "archived": archived})
	}
}

// ValidateDefinition is a dry run of the full validation pipeline. The body
// is either the definition itself or {"definition": {...}}. Invalid
// definitions are reported with 200.
func ValidateDefinition(svc *pipeline.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON object").SetInternal(err)
		}
		raw := body
		if inner := bytes.TrimSpace(envelope["definition"]); len(inner) > 0 && inner[0] == '{' {
			raw = inner
		}
		return c.JSON(http.StatusOK, svc.ValidateRaw(raw))
	}
}

func ListActions(reg *actions.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"actions": reg.List()})
	}
}
