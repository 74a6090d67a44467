// Package pipeline manages registered pipeline definitions.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/internal/validation"
	"github.com/rendis/budpipeline/pkg/schema"
)

// RegisterRequest creates a pipeline definition.
type RegisterRequest struct {
	// Name defaults to the definition's name.
	Name        string
	Description string
	Definition  map[string]any
	// Source is the encoded definition (YAML or JSON). When set it is
	// used instead of Definition so parameter key order is kept.
	Source    []byte
	Status    schema.PipelineStatus
	CreatedBy   string
}

// UpdateRequest replaces a definition. ExpectedVersion must equal the
// stored version. Nil fields are left unchanged.
type UpdateRequest struct {
	ExpectedVersion int
	Name            *string
	Description     *string
	Definition      map[string]any
	Source          []byte
	Status          *schema.PipelineStatus
}

// Service validates and stores pipeline definitions.
type Service struct {
	store     store.Store
	validator *validation.WorkflowValidator
	logger    *slog.Logger
}

// NewService creates a Service.
func NewService(st store.Store, v *validation.WorkflowValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, validator: v, logger: logger}
}

// Validate runs the full validation pipeline without persisting anything.
func (s *Service) Validate(doc map[string]any) *validation.Report {
	return s.validator.Validate(doc)
}

// ValidateRaw is Validate over an encoded YAML or JSON document.
func (s *Service) ValidateRaw(raw []byte) *validation.Report {
	return s.validator.ValidateRaw(raw)
}

// Parse validates an inline definition and returns its DAG.
func (s *Service) Parse(doc map[string]any) (*schema.WorkflowDAG, *validation.Report, error) {
	return parsed(s.validator.Validate(doc))
}

// ParseRaw is Parse over an encoded YAML or JSON document.
func (s *Service) ParseRaw(raw []byte) (*schema.WorkflowDAG, *validation.Report, error) {
	return parsed(s.validator.ValidateRaw(raw))
}

func parsed(report *validation.Report) (*schema.WorkflowDAG, *validation.Report, error) {
	if !report.Valid {
		return nil, report, reportError(report)
	}
	return report.DAG, report, nil
}

func (s *Service) validate(doc map[string]any, source []byte) *validation.Report {
	if len(source) > 0 {
		return s.validator.ValidateRaw(source)
	}
	return s.validator.Validate(doc)
}

// Register validates a definition and stores it as version 1.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*store.PipelineDefinition, *validation.Report, error) {
	report := s.validate(req.Definition, req.Source)
	if !report.Valid {
		return nil, report, reportError(report)
	}
	status := req.Status
	if status == "" {
		status = schema.PipelineStatusActive
	}
	if err := validStatus(status); err != nil {
		return nil, report, err
	}

	name := req.Name
	if name == "" {
		name = report.DAG.Name
	}
	def := &store.PipelineDefinition{
		Name:        name,
		Description: firstNonEmpty(req.Description, report.DAG.Description),
		Definition:  report.DAG,
		Status:      status,
		CreatedBy:   req.CreatedBy,
	}
	if err := s.store.CreatePipeline(ctx, def); err != nil {
		return nil, report, err
	}
	s.logger.InfoContext(ctx, "pipeline registered",
		slog.String("pipeline_id", def.ID),
		slog.String("name", def.Name),
		slog.Int("step_count", def.StepCount),
	)
	return def, report, nil
}

// Update writes a new version of a definition. A version mismatch is a
// ConflictError.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*store.PipelineDefinition, *validation.Report, error) {
	current, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != current.Version {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConflict,
			"pipeline %q is at version %d, not %d", id, current.Version, req.ExpectedVersion).
			WithDetails(map[string]any{"current_version": current.Version})
	}

	next := *current
	var report *validation.Report
	if req.Definition != nil || len(req.Source) > 0 {
		report = s.validate(req.Definition, req.Source)
		if !report.Valid {
			return nil, report, reportError(report)
		}
		next.Definition = report.DAG
	}
	if req.Name != nil {
		next.Name = *req.Name
	}
	if req.Description != nil {
		next.Description = *req.Description
	}
	if req.Status != nil {
		if err := validStatus(*req.Status); err != nil {
			return nil, report, err
		}
		next.Status = *req.Status
	}

	if err := s.store.UpdatePipeline(ctx, &next, current.Version); err != nil {
		return nil, report, err
	}
	updated, err := s.store.GetPipeline(ctx, id)
	if err != nil {
		return nil, report, err
	}
	s.logger.InfoContext(ctx, "pipeline updated",
		slog.String("pipeline_id", id),
		slog.Int("version", updated.Version),
	)
	return updated, report, nil
}

// Get returns a definition by id, falling back to a lookup by name.
func (s *Service) Get(ctx context.Context, idOrName string) (*store.PipelineDefinition, error) {
	def, err := s.store.GetPipeline(ctx, idOrName)
	if err == nil {
		return def, nil
	}
	if !schema.IsCode(err, schema.ErrCodeWorkflowNotFound) {
		return nil, err
	}
	return s.store.GetPipelineByName(ctx, idOrName)
}

// List returns definitions matching the filter.
func (s *Service) List(ctx context.Context, filter store.PipelineFilter) ([]*store.PipelineDefinition, error) {
	return s.store.ListPipelines(ctx, filter)
}

// Delete removes a definition, or archives it when executions reference
// it. It reports whether the definition was archived.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	archived, err := s.store.DeletePipeline(ctx, id)
	if err != nil {
		return false, err
	}
	s.logger.InfoContext(ctx, "pipeline deleted",
		slog.String("pipeline_id", id),
		slog.Bool("archived", archived),
	)
	return archived, nil
}

// reportError turns a failed report into the error returned to callers:
// a CyclicDependencyError when the graph has a cycle, otherwise a
// DAGValidationError listing every problem.
func reportError(r *validation.Report) error {
	pe := schema.NewValidationError(r.Errors)
	if r.HasCycles {
		pe.Code = schema.ErrCodeCyclicDependency
	}
	pe.Details["warnings"] = r.Warnings
	return pe
}

func validStatus(s schema.PipelineStatus) error {
	switch s {
	case schema.PipelineStatusDraft, schema.PipelineStatusActive, schema.PipelineStatusArchived:
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown pipeline status %q", s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
