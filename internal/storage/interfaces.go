package storage

import (
	"context"
	"errors"

	"github.com/sindri-dev/sindri/pkg/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a create hits a duplicate key.
	ErrAlreadyExists = errors.New("already exists")
)

// SessionStore persists conversation logs. Turns are append-only with a
// per-session monotonic sequence number.
type SessionStore interface {
	CreateSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	AppendTurns(ctx context.Context, sessionID string, turns []types.Turn) error
	SetSessionStatus(ctx context.Context, id string, status types.SessionStatus) error
	SetIterationCount(ctx context.Context, id string, n int) error
	ListSessions(ctx context.Context, limit, offset int) ([]*types.Session, error)
}

// CheckpointStore persists per-task progress markers. One checkpoint
// per task, replaced on every save.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *types.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, taskID string) (*types.CheckpointRecord, error)
	DeleteCheckpoint(ctx context.Context, taskID string) error
	ListCheckpoints(ctx context.Context) ([]*types.CheckpointRecord, error)
}

// EpisodeStore persists episodic memory records.
type EpisodeStore interface {
	AddEpisode(ctx context.Context, ep *types.Episode) error
	RecentEpisodes(ctx context.Context, projectID string, limit int) ([]*types.Episode, error)
	EpisodesByIDs(ctx context.Context, ids []string) ([]*types.Episode, error)
	// LatestEpisode returns the newest episode of one event type, or
	// ErrNotFound when the project has none.
	LatestEpisode(ctx context.Context, projectID, eventType string) (*types.Episode, error)
}

// ChunkStore persists semantic memory chunks.
type ChunkStore interface {
	UpsertChunks(ctx context.Context, chunks []*types.Chunk) error
	ChunksByIDs(ctx context.Context, ids []string) ([]*types.Chunk, error)
	// DeleteChunks removes all chunks for one file and returns their
	// ids so the caller can drop the matching vectors.
	DeleteChunks(ctx context.Context, namespace, path string) ([]string, error)
	// ChunkHashes maps each indexed path in the namespace to its
	// content hash, for change detection.
	ChunkHashes(ctx context.Context, namespace string) (map[string]string, error)
}

// PatternStore persists learned tool-sequence patterns.
type PatternStore interface {
	SavePattern(ctx context.Context, p *types.Pattern) error
	PatternsByTag(ctx context.Context, contextTag string) ([]*types.Pattern, error)
	AllPatterns(ctx context.Context) ([]*types.Pattern, error)
}
