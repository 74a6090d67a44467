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
)

// --- Scheduled triggers ---

const scheduledColumns = `id, name, pipeline_id, cron_expression, params, enabled, next_run_at, last_triggered_at, last_status, created_at`

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, trg *ScheduledTrigger) error {
	if trg.ID == "" {
		trg.ID = uuid.New().String()
	}
	trg.CreatedAt = s.now()
	params, err := marshalMapOrDefault(trg.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (`+scheduledColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trg.ID, trg.Name, trg.PipelineID, trg.CronExpression, params, boolInt(trg.Enabled),
		nullTime(trg.NextRunAt), nullTime(trg.LastTriggeredAt), nullStr(trg.LastStatus), trg.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	trg, err := scanScheduled(s.db.QueryRowContext(ctx,
		`SELECT `+scheduledColumns+` FROM scheduled_triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled trigger", id)
	}
	return trg, err
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastTriggeredAt != nil {
		sets = append(sets, "last_triggered_at = ?")
		args = append(args, update.LastTriggeredAt.UTC())
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, update.NextRunAt.UTC())
	}
	if update.LastStatus != "" {
		sets = append(sets, "last_status = ?")
		args = append(args, update.LastStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, storeNotFound("scheduled trigger", id))
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, filter TriggerFilter) ([]*ScheduledTrigger, error) {
	where, args := triggerWhere(filter, false)
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_triggers` + where + ` ORDER BY created_at` +
		limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledTrigger
	for rows.Next() {
		trg, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trg)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, storeNotFound("scheduled trigger", id))
}

func scanScheduled(row rowScanner) (*ScheduledTrigger, error) {
	trg := &ScheduledTrigger{}
	var (
		params      string
		enabled     int
		nextRun     sql.NullTime
		lastTrigger sql.NullTime
		lastStatus  sql.NullString
	)
	if err := row.Scan(&trg.ID, &trg.Name, &trg.PipelineID, &trg.CronExpression, &params, &enabled,
		&nextRun, &lastTrigger, &lastStatus, &trg.CreatedAt); err != nil {
		return nil, err
	}
	if params != "" {
		_ = json.Unmarshal([]byte(params), &trg.Params)
	}
	trg.Enabled = enabled != 0
	trg.NextRunAt = timePtr(nextRun)
	trg.LastTriggeredAt = timePtr(lastTrigger)
	trg.LastStatus = lastStatus.String
	return trg, nil
}

// --- Event triggers ---

const eventTriggerColumns = `id, name, pipeline_id, event_type, filter, filter_expression, params, enabled, last_triggered_at, created_at`

func (s *LibSQLStore) CreateEventTrigger(ctx context.Context, trg *EventTrigger) error {
	if trg.ID == "" {
		trg.ID = uuid.New().String()
	}
	trg.CreatedAt = s.now()
	filter, err := marshalMapOrDefault(trg.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	params, err := marshalMapOrDefault(trg.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO event_triggers (`+eventTriggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trg.ID, trg.Name, trg.PipelineID, trg.EventType, filter, nullStr(trg.FilterExpression), params,
		boolInt(trg.Enabled), nullTime(trg.LastTriggeredAt), trg.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetEventTrigger(ctx context.Context, id string) (*EventTrigger, error) {
	trg, err := scanEventTrigger(s.db.QueryRowContext(ctx,
		`SELECT `+eventTriggerColumns+` FROM event_triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("event trigger", id)
	}
	return trg, err
}

func (s *LibSQLStore) MarkEventTriggerFired(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_triggers SET last_triggered_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, storeNotFound("event trigger", id))
}

func (s *LibSQLStore) ListEventTriggers(ctx context.Context, filter TriggerFilter) ([]*EventTrigger, error) {
	where, args := triggerWhere(filter, true)
	query := `SELECT ` + eventTriggerColumns + ` FROM event_triggers` + where + ` ORDER BY created_at` +
		limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventTrigger
	for rows.Next() {
		trg, err := scanEventTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trg)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteEventTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, storeNotFound("event trigger", id))
}

func scanEventTrigger(row rowScanner) (*EventTrigger, error) {
	trg := &EventTrigger{}
	var (
		filter, params string
		expr           sql.NullString
		enabled        int
		lastTrigger    sql.NullTime
	)
	if err := row.Scan(&trg.ID, &trg.Name, &trg.PipelineID, &trg.EventType, &filter, &expr, &params,
		&enabled, &lastTrigger, &trg.CreatedAt); err != nil {
		return nil, err
	}
	if filter != "" {
		_ = json.Unmarshal([]byte(filter), &trg.Filter)
	}
	if params != "" {
		_ = json.Unmarshal([]byte(params), &trg.Params)
	}
	trg.Enabled = enabled != 0
	trg.FilterExpression = expr.String
	trg.LastTriggeredAt = timePtr(lastTrigger)
	return trg, nil
}

func triggerWhere(filter TriggerFilter, withEventType bool) (string, []any) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if withEventType && filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
