package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/rendis/budpipeline/internal/engine"
	"github.com/rendis/budpipeline/pkg/schema"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case schema.ErrCodeDAGParse, schema.ErrCodeValidation,
		schema.ErrCodeParameterResolution, schema.ErrCodeConditionEvaluation:
		return http.StatusBadRequest
	case schema.ErrCodeDAGValidation, schema.ErrCodeCyclicDependency,
		schema.ErrCodeActionNotFound, schema.ErrCodeActionValidation:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeExecutionNotFound, schema.ErrCodeWorkflowNotFound, schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) (int, ErrorBody) {
	var (
		pe *schema.PipelineError
		ve validator.ValidationErrors
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &pe):
		return StatusFor(pe.Code), ErrorBody{
			Error:   pe.Code,
			Message: engine.RedactString(pe.Message),
			Details: engine.RedactMap(pe.Details),
		}
	case errors.As(err, &ve):
		fields := make(map[string]any, len(ve))
		for _, fe := range ve {
			fields[fe.Field()] = fieldProblem(fe)
		}
		return http.StatusUnprocessableEntity, ErrorBody{
			Error:   schema.ErrCodeValidation,
			Message: "request validation failed",
			Details: map[string]any{"fields": fields},
		}
	case errors.As(err, &he):
		code := "HTTPError"
		switch he.Code {
		case http.StatusBadRequest:
			code = schema.ErrCodeValidation
		case http.StatusNotFound:
			code = schema.ErrCodeNotFound
		}
		return he.Code, ErrorBody{Error: code, Message: fmt.Sprint(he.Message)}
	}
	return http.StatusInternalServerError, ErrorBody{Error: "InternalError", Message: "internal server error"}
}

func fieldProblem(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("failed on %s=%s", fe.Tag(), fe.Param())
	}
	return "failed on " + fe.Tag()
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				slog.String("method", c.Request().Method),
				slog.String("path", c.Path()),
				slog.String("error", engine.RedactString(err.Error())),
			)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Warn("write error response", slog.String("error", err.Error()))
		}
	}
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.DebugContext(c.Request().Context(), "http request",
				slog.String("method", c.Request().Method),
				slog.String("path", c.Request().URL.Path),
				slog.Int("status", c.Response().Status),
				slog.Duration("elapsed", time.Since(begin)),
			)
			return nil
		}
	}
}
