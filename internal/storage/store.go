// Package storage persists sessions, checkpoints, and memory records in
// a single SQLite file. Writes to one session are serialized through a
// per-session lock; the schema is versioned and every upgrade backs up
// the store first.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store is the single relational store behind all persistence
// interfaces. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	path   string
	logger *observability.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) the store at path and applies pending schema
// migrations. Parent directories are created as needed.
func Open(path string, logger *observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if path == "" {
		return nil, types.NewError(types.CategoryFatal, "storage.open", "store path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, types.WrapError(types.CategoryFatal, "storage.open", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, types.WrapError(types.CategoryFatal, "storage.open", err)
	}

	// SQLite allows one writer; a single connection serializes access
	// and keeps the pragmas below on every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, types.WrapError(types.ClassifyError(err), "storage.open", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, types.WrapError(types.CategoryFatal, "storage.open", err)
		}
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the store's file path.
func (s *Store) Path() string {
	return s.path
}

// IntegrityCheck verifies the database file and the per-session turn
// sequences. Intended to run at startup.
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return types.WrapError(types.CategoryFatal, "storage.integrity", err)
	}
	if result != "ok" {
		return types.NewError(types.CategoryFatal, "storage.integrity", fmt.Sprintf("integrity check failed: %s", result))
	}

	// Turn sequences start at 1 and are gapless; count == max and
	// min == 1 holds exactly when that is true.
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(seq), MAX(seq)
		FROM turns
		GROUP BY session_id
		HAVING COUNT(*) != MAX(seq) OR MIN(seq) != 1
	`)
	if err != nil {
		return types.WrapError(types.CategoryFatal, "storage.integrity", err)
	}
	defer rows.Close()

	var bad []string
	for rows.Next() {
		var id string
		var n, lo, hi int64
		if err := rows.Scan(&id, &n, &lo, &hi); err != nil {
			return types.WrapError(types.CategoryFatal, "storage.integrity", err)
		}
		bad = append(bad, fmt.Sprintf("%s (count=%d min=%d max=%d)", id, n, lo, hi))
	}
	if err := rows.Err(); err != nil {
		return types.WrapError(types.CategoryFatal, "storage.integrity", err)
	}
	if len(bad) > 0 {
		return types.NewError(types.CategoryFatal, "storage.integrity",
			fmt.Sprintf("turn sequence gaps in sessions: %s", strings.Join(bad, ", ")))
	}
	return nil
}

// sessionLock returns the mutex serializing writes to one session,
// creating it on first use.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// storeTime renders timestamps the way they are persisted. UTC keeps
// round-trips byte-identical across timezones.
func storeTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
