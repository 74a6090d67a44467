package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/budpipeline/internal/actions"
	"github.com/rendis/budpipeline/internal/diagram"
	"github.com/rendis/budpipeline/internal/pipeline"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// PipelineDiagram renders a registered pipeline. ?format= is mermaid
// (default), ascii, png or svg.
func PipelineDiagram(svc *pipeline.Service, reg *actions.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		def, err := svc.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return err
		}
		model, err := diagram.Build(def.Definition, nil, classifier(reg))
		if err != nil {
			return err
		}
		return renderDiagram(c, model)
	}
}

// ExecutionDiagram renders the definition snapshot of an execution with
// the current state of each step.
func ExecutionDiagram(st store.Store, reg *actions.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		exec, err := st.GetExecution(ctx, c.Param("id"))
		if err != nil {
			return err
		}
		if exec.Definition == nil {
			return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s has no definition snapshot", exec.ID)
		}
		steps, err := st.ListStepExecutions(ctx, exec.ID)
		if err != nil {
			return err
		}
		model, err := diagram.Build(exec.Definition, steps, classifier(reg))
		if err != nil {
			return err
		}
		return renderDiagram(c, model)
	}
}

func renderDiagram(c echo.Context, model *diagram.DiagramModel) error {
	switch format := c.QueryParam("format"); format {
	case "", "mermaid":
		return c.String(http.StatusOK, diagram.RenderMermaid(model))
	case "ascii":
		return c.String(http.StatusOK, diagram.RenderASCII(model))
	case "png", "svg":
		img, err := diagram.RenderImage(c.Request().Context(), model, diagram.ImageFormat(format))
		if err != nil {
			return err
		}
		contentType := "image/png"
		if format == "svg" {
			contentType = "image/svg+xml"
		}
		return c.Blob(http.StatusOK, contentType, img)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format).
			WithDetails(map[string]any{"formats": []string{"mermaid", "ascii", "png", "svg"}})
	}
}

// classifier marks event-driven actions from their registered mode.
func classifier(reg *actions.Registry) diagram.Classifier {
	if reg == nil {
		return nil
	}
	return func(action string) diagram.NodeKind {
		if kind := diagram.DefaultClassifier(action); kind != diagram.NodeKindAction {
			return kind
		}
		if a, err := reg.Get(action); err == nil && a.Schema().Mode == actions.ModeEventDriven {
			return diagram.NodeKindEvent
		}
		return diagram.NodeKindAction
	}
}
