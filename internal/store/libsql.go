package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/budpipeline/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection: transactions are serialized, so inside a transaction
	// every statement must go through the tx.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(migrationFiles)
	if err != nil {
		return err
	}
	return applyMigrations(ctx, s.db, migrations)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Ping checks the database is reachable.
func (s *LibSQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Pipeline definitions ---

const pipelineColumns = `id, name, version, description, definition, status, step_count, created_by, created_at, updated_at`

func (s *LibSQLStore) CreatePipeline(ctx context.Context, def *PipelineDefinition) error {
	if def.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline definition is required")
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Name == "" {
		def.Name = def.Definition.Name
	}
	if def.Status == "" {
		def.Status = schema.PipelineStatusActive
	}
	def.Version = 1
	def.StepCount = len(def.Definition.Steps)
	now := s.now()
	def.CreatedAt, def.UpdatedAt = now, now

	defJSON, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_definitions (`+pipelineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Version, nullStr(def.Description), string(defJSON), string(def.Status),
		def.StepCount, nullStr(def.CreatedBy), now, now,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q already exists", def.Name)
	}
	return err
}

func (s *LibSQLStore) GetPipeline(ctx context.Context, id string) (*PipelineDefinition, error) {
	def, err := scanPipeline(s.db.QueryRowContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipeline_definitions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "pipeline %q not found", id)
	}
	return def, err
}

func (s *LibSQLStore) GetPipelineByName(ctx context.Context, name string) (*PipelineDefinition, error) {
	def, err := scanPipeline(s.db.QueryRowContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipeline_definitions WHERE name = ? AND status != 'archived'`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "pipeline %q not found", name)
	}
	return def, err
}

// UpdatePipeline writes a new version of the definition when the stored
// version equals expectedVersion.
func (s *LibSQLStore) UpdatePipeline(ctx context.Context, def *PipelineDefinition, expectedVersion int) error {
	defJSON, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := s.now()
	stepCount := 0
	if def.Definition != nil {
		stepCount = len(def.Definition.Steps)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_definitions
		 SET name = ?, description = ?, definition = ?, status = ?, step_count = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		def.Name, nullStr(def.Description), string(defJSON), string(def.Status), stepCount, now,
		def.ID, expectedVersion,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "pipeline %q already exists", def.Name)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, gerr := s.GetPipeline(ctx, def.ID)
		if gerr != nil {
			return gerr
		}
		return schema.NewErrorf(schema.ErrCodeConflict,
			"pipeline %q version mismatch: expected %d, current %d", def.ID, expectedVersion, current.Version).
			WithDetails(map[string]any{"expected_version": expectedVersion, "current_version": current.Version})
	}
	def.Version = expectedVersion + 1
	def.StepCount = stepCount
	def.UpdatedAt = now
	return nil
}

func (s *LibSQLStore) ListPipelines(ctx context.Context, filter PipelineFilter) ([]*PipelineDefinition, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	} else if !filter.IncludeArchived {
		where = append(where, "status != 'archived'")
	}

	query := `SELECT ` + pipelineColumns + ` FROM pipeline_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*PipelineDefinition
	for rows.Next() {
		def, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// DeletePipeline hard-deletes an unreferenced definition and archives one
// that executions still point at.
func (s *LibSQLStore) DeletePipeline(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var refs int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_executions WHERE pipeline_id = ?`, id).Scan(&refs); err != nil {
		return false, err
	}

	var res sql.Result
	archived := refs > 0
	if archived {
		res, err = tx.ExecContext(ctx,
			`UPDATE pipeline_definitions SET status = 'archived', updated_at = ? WHERE id = ?`, s.now(), id)
	} else {
		res, err = tx.ExecContext(ctx, `DELETE FROM pipeline_definitions WHERE id = ?`, id)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "pipeline %q not found", id)
	}
	return archived, tx.Commit()
}

func scanPipeline(row rowScanner) (*PipelineDefinition, error) {
	def := &PipelineDefinition{}
	var (
		desc, createdBy sql.NullString
		defJSON, status string
	)
	if err := row.Scan(&def.ID, &def.Name, &def.Version, &desc, &defJSON, &status,
		&def.StepCount, &createdBy, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Description = desc.String
	def.CreatedBy = createdBy.String
	def.Status = schema.PipelineStatus(status)
	def.Definition = &schema.WorkflowDAG{}
	if err := json.Unmarshal([]byte(defJSON), def.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, notFound *schema.PipelineError) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func mapOrNil(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}
