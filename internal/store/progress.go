package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AppendProgressEvent appends an event with a strictly increasing
// per-execution sequence. A zero SequenceNumber is assigned MAX+1; a
// caller-supplied one must exceed the last recorded sequence. A non-zero
// RemoteSequence must exceed the last one recorded for the same step and
// external id. Either violation returns ErrStaleSequence.
func (s *LibSQLStore) AppendProgressEvent(ctx context.Context, ev *ProgressEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM progress_events WHERE execution_id = ?`, ev.ExecutionID,
	).Scan(&last); err != nil {
		return fmt.Errorf("get last sequence: %w", err)
	}

	if ev.RemoteSequence != 0 {
		var lastRemote int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(remote_sequence), 0) FROM progress_events
			 WHERE execution_id = ? AND COALESCE(current_step, '') = ? AND COALESCE(external_id, '') = ?`,
			ev.ExecutionID, ev.CurrentStep, ev.ExternalID,
		).Scan(&lastRemote); err != nil {
			return fmt.Errorf("get last remote sequence: %w", err)
		}
		if ev.RemoteSequence <= lastRemote {
			return fmt.Errorf("%w: remote %d <= %d", ErrStaleSequence, ev.RemoteSequence, lastRemote)
		}
	}

	switch {
	case ev.SequenceNumber == 0:
		ev.SequenceNumber = last + 1
	case ev.SequenceNumber <= last:
		return fmt.Errorf("%w: %d <= %d", ErrStaleSequence, ev.SequenceNumber, last)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}

	details, err := nullableMap(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO progress_events (execution_id, event_type, progress_percentage, eta_seconds, current_step, details,
		 sequence_number, timestamp, external_id, remote_sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID, ev.EventType, ev.ProgressPercentage, nullInt(ev.ETASeconds), nullStr(ev.CurrentStep),
		details, ev.SequenceNumber, ev.Timestamp, nullStr(ev.ExternalID), nullInt64(ev.RemoteSequence),
	)
	if err != nil {
		return fmt.Errorf("insert progress event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit progress event: %w", err)
	}
	return nil
}

// ListProgressEvents returns events with sequence > since, ordered by sequence.
func (s *LibSQLStore) ListProgressEvents(ctx context.Context, executionID string, since int64) ([]*ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, event_type, progress_percentage, eta_seconds, current_step, details, sequence_number, timestamp,
		 external_id, remote_sequence
		 FROM progress_events WHERE execution_id = ? AND sequence_number > ? ORDER BY sequence_number`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*ProgressEvent
	for rows.Next() {
		ev, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestProgressEvent returns the highest-sequence event, or nil when none exist.
func (s *LibSQLStore) LatestProgressEvent(ctx context.Context, executionID string) (*ProgressEvent, error) {
	ev, err := scanProgress(s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, event_type, progress_percentage, eta_seconds, current_step, details, sequence_number, timestamp,
		 external_id, remote_sequence
		 FROM progress_events WHERE execution_id = ? ORDER BY sequence_number DESC LIMIT 1`, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func scanProgress(row rowScanner) (*ProgressEvent, error) {
	ev := &ProgressEvent{}
	var (
		eta, remote                sql.NullInt64
		current, details, external sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.ExecutionID, &ev.EventType, &ev.ProgressPercentage, &eta, &current,
		&details, &ev.SequenceNumber, &ev.Timestamp, &external, &remote); err != nil {
		return nil, err
	}
	ev.ExternalID = external.String
	ev.RemoteSequence = remote.Int64
	if eta.Valid {
		v := int(eta.Int64)
		ev.ETASeconds = &v
	}
	ev.CurrentStep = current.String
	ev.Details = mapOrNil(details)
	return ev, nil
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
