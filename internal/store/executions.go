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

	"github.com/rendis/budpipeline/pkg/schema"
)

const executionColumns = `id, pipeline_id, pipeline_name, pipeline_version, definition, status, params, outputs, error,
	initiator, progress_percentage, deadline_at, started_at, completed_at, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution, steps []*StepExecution, subs []*Subscription) error {
	if exec.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "execution definition is required")
	}
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionStatusPending
	}
	if exec.PipelineName == "" {
		exec.PipelineName = exec.Definition.Name
	}
	now := s.now()
	exec.CreatedAt, exec.UpdatedAt = now, now

	defJSON, err := json.Marshal(exec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	params, err := marshalMapOrDefault(exec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	outputs, err := nullableMap(exec.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pipeline_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, nullStr(exec.PipelineID), exec.PipelineName, exec.PipelineVersion, string(defJSON),
		string(exec.Status), params, outputs, nullStr(exec.Error), nullStr(exec.Initiator),
		exec.ProgressPercentage, nullTime(exec.DeadlineAt), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	for _, step := range steps {
		step.ExecutionID = exec.ID
		if err := insertStep(ctx, tx, step, now); err != nil {
			return err
		}
	}
	for _, sub := range subs {
		sub.ExecutionID = exec.ID
		if sub.ID == "" {
			sub.ID = uuid.New().String()
		}
		if sub.Status == "" {
			sub.Status = schema.SubscriptionStatusActive
		}
		sub.CreatedAt, sub.UpdatedAt = now, now
		_, err := tx.ExecContext(ctx,
			`INSERT INTO execution_subscriptions (id, execution_id, callback_topic, status, expires_at, last_error, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.ExecutionID, sub.CallbackTopic, string(sub.Status), nullTime(sub.ExpiresAt),
			nullStr(sub.LastError), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert subscription %q: %w", sub.CallbackTopic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeExecutionNotFound, "execution %q not found", id)
	}
	return exec, err
}

// UpdateExecution writes the mutable execution fields.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	outputs, err := nullableMap(exec.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	exec.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_executions
		 SET status = ?, outputs = ?, error = ?, progress_percentage = ?, deadline_at = ?,
		     started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(exec.Status), outputs, nullStr(exec.Error), exec.ProgressPercentage, nullTime(exec.DeadlineAt),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt, exec.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, schema.NewErrorf(schema.ErrCodeExecutionNotFound, "execution %q not found", exec.ID))
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Initiator != "" {
		where = append(where, "initiator = ?")
		args = append(args, filter.Initiator)
	}

	query := `SELECT ` + executionColumns + ` FROM pipeline_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitClause(filter.Limit, filter.Offset)
	return s.queryExecutions(ctx, query, args...)
}

// ListActiveExecutions returns every pending or running execution, oldest first.
func (s *LibSQLStore) ListActiveExecutions(ctx context.Context) ([]*Execution, error) {
	return s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions
		 WHERE status IN ('pending', 'running') ORDER BY created_at`)
}

// ListExpiredExecutions returns active executions whose deadline has passed.
func (s *LibSQLStore) ListExpiredExecutions(ctx context.Context, now time.Time) ([]*Execution, error) {
	execs, err := s.queryExecutions(ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions
		 WHERE status IN ('pending', 'running') AND deadline_at IS NOT NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var out []*Execution
	for _, e := range execs {
		if !e.DeadlineAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteExecution removes an execution with its steps, progress and subscriptions.
func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, schema.NewErrorf(schema.ErrCodeExecutionNotFound, "execution %q not found", id))
}

func (s *LibSQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		pipelineID, outputs, errMsg, initiator sql.NullString
		defJSON, status, params                 string
		deadline, started, completed            sql.NullTime
	)
	if err := row.Scan(&exec.ID, &pipelineID, &exec.PipelineName, &exec.PipelineVersion, &defJSON, &status,
		&params, &outputs, &errMsg, &initiator, &exec.ProgressPercentage, &deadline, &started, &completed,
		&exec.CreatedAt, &exec.UpdatedAt); err != nil {
		return nil, err
	}
	exec.PipelineID = pipelineID.String
	exec.Status = schema.ExecutionStatus(status)
	exec.Error = errMsg.String
	exec.Initiator = initiator.String
	exec.DeadlineAt = timePtr(deadline)
	exec.StartedAt = timePtr(started)
	exec.CompletedAt = timePtr(completed)
	exec.Outputs = mapOrNil(outputs)
	exec.Definition = &schema.WorkflowDAG{}
	if err := json.Unmarshal([]byte(defJSON), exec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal execution definition: %w", err)
	}
	if params != "" {
		_ = json.Unmarshal([]byte(params), &exec.Params)
	}
	if exec.Params == nil {
		exec.Params = map[string]any{}
	}
	return exec, nil
}

// --- Subscriptions ---

func (s *LibSQLStore) ListSubscriptions(ctx context.Context, executionID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, callback_topic, status, expires_at, last_error, created_at, updated_at
		 FROM execution_subscriptions WHERE execution_id = ? ORDER BY callback_topic`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var status string
		var expires sql.NullTime
		var lastErr sql.NullString
		if err := rows.Scan(&sub.ID, &sub.ExecutionID, &sub.CallbackTopic, &status, &expires, &lastErr,
			&sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		sub.Status = schema.SubscriptionStatus(status)
		sub.ExpiresAt = timePtr(expires)
		sub.LastError = lastErr.String
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *LibSQLStore) UpdateSubscriptionStatus(ctx context.Context, id string, status string, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_subscriptions SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, nullStr(lastError), s.now(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, storeNotFound("subscription", id))
}
