package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sindri-dev/sindri/pkg/types"
)

// migrations holds one DDL script per schema version, applied in order.
// Version N is migrations[N-1].
var migrations = []string{
	// v1: initial schema.
	`
	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		task_description TEXT NOT NULL,
		model            TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'active',
		iteration_count  INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS turns (
		session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_calls_json TEXT,
		timestamp       TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		task_id    TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		iteration  INTEGER NOT NULL,
		status     TEXT NOT NULL,
		payload    TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id            TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		content       TEXT NOT NULL,
		metadata      TEXT,
		embedding_ref TEXT,
		timestamp     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_project ON episodes(project_id, timestamp);

	CREATE TABLE IF NOT EXISTS chunks (
		id            TEXT PRIMARY KEY,
		namespace     TEXT NOT NULL,
		path          TEXT NOT NULL,
		line_range    TEXT NOT NULL,
		text          TEXT NOT NULL,
		embedding_ref TEXT,
		content_hash  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_namespace_path ON chunks(namespace, path);

	CREATE TABLE IF NOT EXISTS patterns (
		id                 TEXT PRIMARY KEY,
		context_tag        TEXT NOT NULL,
		keywords_json      TEXT,
		tool_sequence_json TEXT NOT NULL,
		success_rate       REAL NOT NULL DEFAULT 0,
		usage_count        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_tag ON patterns(context_tag);
	`,
}

// migrate applies pending migrations, backing up the store first when
// it already holds an older schema.
func (s *Store) migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	target := len(migrations)
	if version >= target {
		return nil
	}

	if version > 0 {
		backupPath, err := s.backup(ctx, version)
		if err != nil {
			return err
		}
		s.logger.Info(ctx, "backed up store before migration",
			"from_version", version, "to_version", target, "backup", backupPath)
	}

	for v := version + 1; v <= target; v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return types.WrapError(types.CategoryFatal, "storage.migrate", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v-1]); err != nil {
			tx.Rollback()
			return types.WrapError(types.CategoryFatal, "storage.migrate",
				fmt.Errorf("migration to v%d: %w", v, err))
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			tx.Rollback()
			return types.WrapError(types.CategoryFatal, "storage.migrate", err)
		}
		if err := tx.Commit(); err != nil {
			return types.WrapError(types.CategoryFatal, "storage.migrate", err)
		}
		s.logger.Debug(ctx, "applied schema migration", "version", v)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, types.WrapError(types.CategoryFatal, "storage.migrate", err)
	}
	return version, nil
}

// backup writes a copy of the store next to it, named after the schema
// version it still holds. A plain file copy is used when possible;
// VACUUM INTO covers stores whose file cannot be read directly.
func (s *Store) backup(ctx context.Context, fromVersion int) (string, error) {
	if s.path == ":memory:" {
		return "", nil
	}
	target := fmt.Sprintf("%s.v%d.%s.bak", s.path, fromVersion, time.Now().UTC().Format("20060102-150405"))

	// Fold WAL contents into the main file so the copy is complete.
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn(ctx, "wal checkpoint before backup failed", "error", err)
	}
	if err := copyFile(s.path, target); err == nil {
		return target, nil
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return "", types.WrapError(types.CategoryFatal, "storage.backup", err)
	}
	return target, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
