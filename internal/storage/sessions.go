package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sindri-dev/sindri/pkg/types"
)

// turnMeta is the JSON shape persisted in turns.tool_calls_json. It
// folds the assistant's requested calls and the tool-turn linkage into
// one nullable column.
type turnMeta struct {
	Calls      []types.ToolCall `json:"calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	IsError    bool             `json:"is_error,omitempty"`
}

func (m turnMeta) empty() bool {
	return len(m.Calls) == 0 && m.ToolCallID == "" && m.ToolName == "" && !m.IsError
}

// CreateSession inserts the session row. Turns carried on the struct
// are not persisted here; use AppendTurns.
func (s *Store) CreateSession(ctx context.Context, session *types.Session) error {
	const op = "storage.sessions.create"
	if session.ID == "" {
		return types.NewError(types.CategoryFatal, op, "session id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, task_description, model, status, iteration_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.TaskDescription, session.Model, string(session.Status),
		session.IterationCount, storeTime(session.CreatedAt), storeTime(session.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", session.ID, ErrAlreadyExists)
		}
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	return nil
}

// GetSession loads a session with its full turn log, ordered by seq.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	const op = "storage.sessions.get"
	var (
		session            types.Session
		status             string
		createdAt, updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_description, model, status, iteration_count, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.TaskDescription, &session.Model, &status,
		&session.IterationCount, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	session.Status = types.SessionStatus(status)
	session.CreatedAt = parseTime(createdAt)
	session.UpdatedAt = parseTime(updated)

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls_json, timestamp
		FROM turns WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			role, content, ts string
			metaJSON          sql.NullString
		)
		if err := rows.Scan(&role, &content, &metaJSON, &ts); err != nil {
			return nil, types.WrapError(types.ClassifyError(err), op, err)
		}
		turn := types.Turn{
			Role:      types.Role(role),
			Content:   content,
			Timestamp: parseTime(ts),
		}
		if metaJSON.Valid && metaJSON.String != "" {
			var meta turnMeta
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
				return nil, types.WrapError(types.CategoryFatal, op,
					fmt.Errorf("corrupt tool_calls_json in session %s: %w", id, err))
			}
			turn.ToolCalls = meta.Calls
			turn.ToolCallID = meta.ToolCallID
			turn.ToolName = meta.ToolName
			turn.IsError = meta.IsError
		}
		session.Turns = append(session.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	return &session, nil
}

// AppendTurns appends turns in order, assigning the next sequence
// numbers. Writes to one session are serialized.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, turns []types.Turn) error {
	const op = "storage.sessions.append"
	if len(turns) == 0 {
		return nil
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	var seq int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?", sessionID).Scan(&seq)
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO turns (session_id, seq, role, content, tool_calls_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	defer stmt.Close()

	var last string
	for _, turn := range turns {
		seq++
		meta := turnMeta{
			Calls:      turn.ToolCalls,
			ToolCallID: turn.ToolCallID,
			ToolName:   turn.ToolName,
			IsError:    turn.IsError,
		}
		var metaJSON sql.NullString
		if !meta.empty() {
			b, err := json.Marshal(meta)
			if err != nil {
				return types.WrapError(types.CategoryFatal, op, err)
			}
			metaJSON = sql.NullString{String: string(b), Valid: true}
		}
		last = storeTime(turn.Timestamp)
		if _, err := stmt.ExecContext(ctx, sessionID, seq, string(turn.Role), turn.Content, metaJSON, last); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
			}
			return types.WrapError(types.ClassifyError(err), op, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", last, sessionID); err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	return tx.Commit()
}

// SetSessionStatus updates the lifecycle state.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status types.SessionStatus) error {
	return s.updateSession(ctx, "storage.sessions.status", id,
		"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
		string(status), storeTime(time.Now()), id)
}

// SetIterationCount records how many loop iterations ran against the
// session.
func (s *Store) SetIterationCount(ctx context.Context, id string, n int) error {
	return s.updateSession(ctx, "storage.sessions.iterations", id,
		"UPDATE sessions SET iteration_count = ?, updated_at = ? WHERE id = ?",
		n, storeTime(time.Now()), id)
}

func (s *Store) updateSession(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSessions returns session summaries (no turns), newest first.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*types.Session, error) {
	const op = "storage.sessions.list"
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_description, model, status, iteration_count, created_at, updated_at
		FROM sessions ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		var (
			session            types.Session
			status             string
			createdAt, updated string
		)
		if err := rows.Scan(&session.ID, &session.TaskDescription, &session.Model, &status,
			&session.IterationCount, &createdAt, &updated); err != nil {
			return nil, types.WrapError(types.ClassifyError(err), op, err)
		}
		session.Status = types.SessionStatus(status)
		session.CreatedAt = parseTime(createdAt)
		session.UpdatedAt = parseTime(updated)
		out = append(out, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
