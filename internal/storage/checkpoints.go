package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sindri-dev/sindri/pkg/types"
)

// checkpointPayload is the JSON persisted in checkpoints.payload.
type checkpointPayload struct {
	ErrorContext string `json:"error_context,omitempty"`
}

// SaveCheckpoint writes the per-task progress marker, replacing any
// previous one.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *types.CheckpointRecord) error {
	const op = "storage.checkpoints.save"
	if cp.TaskID == "" {
		return types.NewError(types.CategoryFatal, op, "checkpoint task id is required")
	}
	var payload sql.NullString
	if cp.ErrorContext != "" {
		b, err := json.Marshal(checkpointPayload{ErrorContext: cp.ErrorContext})
		if err != nil {
			return types.WrapError(types.CategoryFatal, op, err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, session_id, iteration, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			iteration  = excluded.iteration,
			status     = excluded.status,
			payload    = excluded.payload,
			updated_at = excluded.updated_at
	`, cp.TaskID, cp.SessionID, cp.Iteration, string(cp.Status), payload, storeTime(cp.UpdatedAt))
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	return nil
}

// GetCheckpoint loads the progress marker for one task.
func (s *Store) GetCheckpoint(ctx context.Context, taskID string) (*types.CheckpointRecord, error) {
	const op = "storage.checkpoints.get"
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, iteration, status, payload, updated_at
		FROM checkpoints WHERE task_id = ?
	`, taskID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	return cp, nil
}

// DeleteCheckpoint removes a task's marker, typically after COMPLETE.
// Deleting a missing checkpoint is not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, taskID string) error {
	const op = "storage.checkpoints.delete"
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE task_id = ?", taskID); err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	return nil
}

// ListCheckpoints returns all markers, oldest first. Used at startup to
// find tasks that were in flight when the process died.
func (s *Store) ListCheckpoints(ctx context.Context) ([]*types.CheckpointRecord, error) {
	const op = "storage.checkpoints.list"
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, session_id, iteration, status, payload, updated_at
		FROM checkpoints ORDER BY updated_at
	`)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()

	var out []*types.CheckpointRecord
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, types.WrapError(types.ClassifyError(err), op, err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*types.CheckpointRecord, error) {
	var (
		cp      types.CheckpointRecord
		status  string
		payload sql.NullString
		updated string
	)
	if err := row.Scan(&cp.TaskID, &cp.SessionID, &cp.Iteration, &status, &payload, &updated); err != nil {
		return nil, err
	}
	cp.Status = types.TaskStatus(status)
	cp.UpdatedAt = parseTime(updated)
	if payload.Valid && payload.String != "" {
		var p checkpointPayload
		if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint payload for task %s: %w", cp.TaskID, err)
		}
		cp.ErrorContext = p.ErrorContext
	}
	return &cp, nil
}
