package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/budpipeline/pkg/schema"
)

const stepColumns = `id, execution_id, step_id, step_name, action, status, params, outputs, error, retry_count,
	external_workflow_id, timeout_at, next_attempt_at, version, started_at, completed_at, created_at, updated_at`

func insertStep(ctx context.Context, tx *sql.Tx, step *StepExecution, now time.Time) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.Status == "" {
		step.Status = schema.StepStatusPending
	}
	if step.Version == 0 {
		step.Version = 1
	}
	step.CreatedAt, step.UpdatedAt = now, now

	params, err := nullableMap(step.Params)
	if err != nil {
		return fmt.Errorf("marshal step params: %w", err)
	}
	outputs, err := nullableMap(step.Outputs)
	if err != nil {
		return fmt.Errorf("marshal step outputs: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_executions (`+stepColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.StepID, nullStr(step.StepName), step.Action, string(step.Status),
		params, outputs, nullStr(step.Error), step.RetryCount, nullStr(step.ExternalWorkflowID),
		nullTime(step.TimeoutAt), nullTime(step.NextAttemptAt), step.Version,
		nullTime(step.StartedAt), nullTime(step.CompletedAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert step %q: %w", step.StepID, err)
	}
	return nil
}

func (s *LibSQLStore) GetStepExecution(ctx context.Context, executionID, stepID string) (*StepExecution, error) {
	step, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE execution_id = ? AND step_id = ?`, executionID, stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("step", executionID+"/"+stepID)
	}
	return step, err
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	return s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE execution_id = ? ORDER BY created_at, step_id`, executionID)
}

// UpdateStepExecution writes every mutable field of step when the stored
// version equals expectedVersion, and bumps the version. It returns false
// when another writer got there first.
func (s *LibSQLStore) UpdateStepExecution(ctx context.Context, step *StepExecution, expectedVersion int) (bool, error) {
	params, err := nullableMap(step.Params)
	if err != nil {
		return false, fmt.Errorf("marshal step params: %w", err)
	}
	outputs, err := nullableMap(step.Outputs)
	if err != nil {
		return false, fmt.Errorf("marshal step outputs: %w", err)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions
		 SET status = ?, params = ?, outputs = ?, error = ?, retry_count = ?, external_workflow_id = ?,
		     timeout_at = ?, next_attempt_at = ?, started_at = ?, completed_at = ?,
		     version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(step.Status), params, outputs, nullStr(step.Error), step.RetryCount, nullStr(step.ExternalWorkflowID),
		nullTime(step.TimeoutAt), nullTime(step.NextAttemptAt), nullTime(step.StartedAt), nullTime(step.CompletedAt),
		expectedVersion+1, now, step.ID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update step %q: %w", step.StepID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	step.Version = expectedVersion + 1
	step.UpdatedAt = now
	return true, nil
}

// FindStepByExternalID returns the step correlated with an external
// workflow id, preferring one that is still awaiting its event. Correlation
// ids are unique within an execution only; with an empty executionID the
// lookup spans all executions and assumes the remote system issues globally
// unique ids.
func (s *LibSQLStore) FindStepByExternalID(ctx context.Context, executionID, externalID string) (*StepExecution, error) {
	query := `SELECT ` + stepColumns + ` FROM step_executions WHERE external_workflow_id = ?`
	args := []any{externalID}
	if executionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, executionID)
	}
	query += ` ORDER BY CASE WHEN status = 'awaiting_event' THEN 0 ELSE 1 END, updated_at DESC LIMIT 1`
	step, err := scanStep(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("step with external workflow id", externalID)
	}
	return step, err
}

// ListExpiredAwaitingSteps returns awaiting steps whose timeout_at has passed.
func (s *LibSQLStore) ListExpiredAwaitingSteps(ctx context.Context, now time.Time) ([]*StepExecution, error) {
	steps, err := s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM step_executions
		 WHERE status = 'awaiting_event' AND timeout_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	return filterDue(steps, now, func(st *StepExecution) *time.Time { return st.TimeoutAt }), nil
}

// ListDueRetries returns pending steps whose retry backoff has elapsed.
func (s *LibSQLStore) ListDueRetries(ctx context.Context, now time.Time) ([]*StepExecution, error) {
	steps, err := s.querySteps(ctx,
		`SELECT `+stepColumns+` FROM step_executions
		 WHERE status = 'pending' AND next_attempt_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	return filterDue(steps, now, func(st *StepExecution) *time.Time { return st.NextAttemptAt }), nil
}

func filterDue(steps []*StepExecution, now time.Time, at func(*StepExecution) *time.Time) []*StepExecution {
	var out []*StepExecution
	for _, st := range steps {
		if t := at(st); t != nil && !t.After(now) {
			out = append(out, st)
		}
	}
	return out
}

func (s *LibSQLStore) querySteps(ctx context.Context, query string, args ...any) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(row rowScanner) (*StepExecution, error) {
	st := &StepExecution{}
	var (
		name, params, outputs, errMsg, external sql.NullString
		status                                  string
		timeoutAt, nextAttempt, started, done   sql.NullTime
	)
	if err := row.Scan(&st.ID, &st.ExecutionID, &st.StepID, &name, &st.Action, &status, &params, &outputs,
		&errMsg, &st.RetryCount, &external, &timeoutAt, &nextAttempt, &st.Version, &started, &done,
		&st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.StepName = name.String
	st.Status = schema.StepStatus(status)
	st.Params = mapOrNil(params)
	st.Outputs = mapOrNil(outputs)
	st.Error = errMsg.String
	st.ExternalWorkflowID = external.String
	st.TimeoutAt = timePtr(timeoutAt)
	st.NextAttemptAt = timePtr(nextAttempt)
	st.StartedAt = timePtr(started)
	st.CompletedAt = timePtr(done)
	return st, nil
}
