package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sindri-dev/sindri/pkg/types"
)

// AddEpisode stores one episodic memory record.
func (s *Store) AddEpisode(ctx context.Context, ep *types.Episode) error {
	const op = "storage.episodes.add"
	if ep.ID == "" {
		return types.NewError(types.CategoryFatal, op, "episode id is required")
	}
	var metadata sql.NullString
	if len(ep.Metadata) > 0 {
		b, err := json.Marshal(ep.Metadata)
		if err != nil {
			return types.WrapError(types.CategoryFatal, op, err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, project_id, event_type, content, metadata, embedding_ref, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ep.ID, ep.ProjectID, ep.EventType, ep.Content, metadata,
		nullString(ep.EmbeddingRef), storeTime(ep.Timestamp))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("episode %s: %w", ep.ID, ErrAlreadyExists)
		}
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	return nil
}

// RecentEpisodes returns the newest episodes for a project, newest
// first.
func (s *Store) RecentEpisodes(ctx context.Context, projectID string, limit int) ([]*types.Episode, error) {
	const op = "storage.episodes.recent"
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, event_type, content, metadata, embedding_ref, timestamp
		FROM episodes WHERE project_id = ? ORDER BY timestamp DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()
	return collectEpisodes(rows, op)
}

// EpisodesByIDs loads episodes in the order the ids were given,
// skipping ids that no longer exist.
func (s *Store) EpisodesByIDs(ctx context.Context, ids []string) ([]*types.Episode, error) {
	const op = "storage.episodes.byids"
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, project_id, event_type, content, metadata, embedding_ref, timestamp
		FROM episodes WHERE id IN (%s)
	`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toAny(ids)...)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()

	eps, err := collectEpisodes(rows, op)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Episode, len(eps))
	for _, ep := range eps {
		byID[ep.ID] = ep
	}
	out := make([]*types.Episode, 0, len(eps))
	for _, id := range ids {
		if ep, ok := byID[id]; ok {
			out = append(out, ep)
		}
	}
	return out, nil
}

// LatestEpisode returns the newest episode of one event type for a
// project. The analysis tier reads its current summary through this.
func (s *Store) LatestEpisode(ctx context.Context, projectID, eventType string) (*types.Episode, error) {
	const op = "storage.episodes.latest"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, event_type, content, metadata, embedding_ref, timestamp
		FROM episodes WHERE project_id = ? AND event_type = ?
		ORDER BY timestamp DESC LIMIT 1
	`, projectID, eventType)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()

	eps, err := collectEpisodes(rows, op)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("episode %s/%s: %w", projectID, eventType, ErrNotFound)
	}
	return eps[0], nil
}

func collectEpisodes(rows *sql.Rows, op string) ([]*types.Episode, error) {
	var out []*types.Episode
	for rows.Next() {
		var (
			ep                 types.Episode
			metadata, embedRef sql.NullString
			ts                 string
		)
		if err := rows.Scan(&ep.ID, &ep.ProjectID, &ep.EventType, &ep.Content, &metadata, &embedRef, &ts); err != nil {
			return nil, types.WrapError(types.ClassifyError(err), op, err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &ep.Metadata); err != nil {
				return nil, types.WrapError(types.CategoryFatal, op,
					fmt.Errorf("corrupt metadata in episode %s: %w", ep.ID, err))
			}
		}
		ep.EmbeddingRef = embedRef.String
		ep.Timestamp = parseTime(ts)
		out = append(out, &ep)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	return out, nil
}

// UpsertChunks writes semantic chunks, replacing rows with the same id.
func (s *Store) UpsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	const op = "storage.chunks.upsert"
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks (id, namespace, path, line_range, text, embedding_ref, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if c.ID == "" {
			return types.NewError(types.CategoryFatal, op, "chunk id is required")
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Namespace, c.Path, c.LineRange,
			c.Text, nullString(c.EmbeddingRef), c.ContentHash); err != nil {
			return types.WrapError(types.ClassifyError(err), op, err)
		}
	}
	return tx.Commit()
}

// ChunksByIDs loads chunks in the order the ids were given, skipping
// missing ones.
func (s *Store) ChunksByIDs(ctx context.Context, ids []string) ([]*types.Chunk, error) {
	const op = "storage.chunks.byids"
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, namespace, path, line_range, text, embedding_ref, content_hash
		FROM chunks WHERE id IN (%s)
	`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toAny(ids)...)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()

	byID := make(map[string]*types.Chunk, len(ids))
	for rows.Next() {
		var (
			c        types.Chunk
			embedRef sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Namespace, &c.Path, &c.LineRange, &c.Text, &embedRef, &c.ContentHash); err != nil {
			return nil, types.WrapError(types.ClassifyError(err), op, err)
		}
		c.EmbeddingRef = embedRef.String
		byID[c.ID] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	out := make([]*types.Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// DeleteChunks removes every chunk for one file and returns the removed
// ids.
func (s *Store) DeleteChunks(ctx context.Context, namespace, path string) ([]string, error) {
	const op = "storage.chunks.delete"
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM chunks WHERE namespace = ? AND path = ?", namespace, path)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, types.WrapError(types.ClassifyError(err), op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM chunks WHERE namespace = ? AND path = ?", namespace, path); err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	return ids, nil
}

// ChunkHashes maps each indexed path to its content hash.
func (s *Store) ChunkHashes(ctx context.Context, namespace string) (map[string]string, error) {
	const op = "storage.chunks.hashes"
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT path, content_hash FROM chunks WHERE namespace = ?", namespace)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, types.WrapError(types.ClassifyError(err), op, err)
		}
		out[path] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	return out, nil
}

// SavePattern upserts one learned pattern by id.
func (s *Store) SavePattern(ctx context.Context, p *types.Pattern) error {
	const op = "storage.patterns.save"
	if p.ID == "" {
		return types.NewError(types.CategoryFatal, op, "pattern id is required")
	}
	keywords, err := json.Marshal(p.Keywords)
	if err != nil {
		return types.WrapError(types.CategoryFatal, op, err)
	}
	sequence, err := json.Marshal(p.ToolSequence)
	if err != nil {
		return types.WrapError(types.CategoryFatal, op, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO patterns (id, context_tag, keywords_json, tool_sequence_json, success_rate, usage_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.ContextTag, string(keywords), string(sequence), p.SuccessRate, p.UsageCount)
	if err != nil {
		return types.WrapError(types.ClassifyError(err), op, err)
	}
	return nil
}

// PatternsByTag returns patterns for one context tag, most used first.
func (s *Store) PatternsByTag(ctx context.Context, contextTag string) ([]*types.Pattern, error) {
	return s.queryPatterns(ctx, "storage.patterns.bytag", `
		SELECT id, context_tag, keywords_json, tool_sequence_json, success_rate, usage_count
		FROM patterns WHERE context_tag = ? ORDER BY usage_count DESC
	`, contextTag)
}

// AllPatterns returns every learned pattern.
func (s *Store) AllPatterns(ctx context.Context) ([]*types.Pattern, error) {
	return s.queryPatterns(ctx, "storage.patterns.all", `
		SELECT id, context_tag, keywords_json, tool_sequence_json, success_rate, usage_count
		FROM patterns ORDER BY context_tag, usage_count DESC
	`)
}

func (s *Store) queryPatterns(ctx context.Context, op, query string, args ...any) ([]*types.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	defer rows.Close()

	var out []*types.Pattern
	for rows.Next() {
		var (
			p                  types.Pattern
			keywords, sequence sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ContextTag, &keywords, &sequence, &p.SuccessRate, &p.UsageCount); err != nil {
			return nil, types.WrapError(types.ClassifyError(err), op, err)
		}
		if keywords.Valid && keywords.String != "" {
			if err := json.Unmarshal([]byte(keywords.String), &p.Keywords); err != nil {
				return nil, types.WrapError(types.CategoryFatal, op,
					fmt.Errorf("corrupt keywords in pattern %s: %w", p.ID, err))
			}
		}
		if sequence.Valid && sequence.String != "" {
			if err := json.Unmarshal([]byte(sequence.String), &p.ToolSequence); err != nil {
				return nil, types.WrapError(types.CategoryFatal, op,
					fmt.Errorf("corrupt tool sequence in pattern %s: %w", p.ID, err))
			}
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.ClassifyError(err), op, err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
