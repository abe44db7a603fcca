// Package memory assembles model context from five tiers: the working
// conversation, episodic summaries of past tasks, semantic code chunks,
// learned tool-sequence patterns, and a stored project analysis. Each
// tier gets a fixed share of the token budget; unused share never
// spills into another tier.
package memory

import (
	"context"

	"github.com/sindri-dev/sindri/pkg/types"
)

// EventAnalysis is the episode event type carrying the project
// architecture/style summary read by the analysis tier.
const EventAnalysis = "analysis"

// Store is the persistence the memory layer needs. *storage.Store
// satisfies it.
type Store interface {
	AddEpisode(ctx context.Context, ep *types.Episode) error
	RecentEpisodes(ctx context.Context, projectID string, limit int) ([]*types.Episode, error)
	EpisodesByIDs(ctx context.Context, ids []string) ([]*types.Episode, error)
	LatestEpisode(ctx context.Context, projectID, eventType string) (*types.Episode, error)

	UpsertChunks(ctx context.Context, chunks []*types.Chunk) error
	ChunksByIDs(ctx context.Context, ids []string) ([]*types.Chunk, error)
	DeleteChunks(ctx context.Context, namespace, path string) ([]string, error)
	ChunkHashes(ctx context.Context, namespace string) (map[string]string, error)

	SavePattern(ctx context.Context, p *types.Pattern) error
	PatternsByTag(ctx context.Context, contextTag string) ([]*types.Pattern, error)
	AllPatterns(ctx context.Context) ([]*types.Pattern, error)
}

// Chunk vectors live under the bare project id; episode vectors under a
// derived namespace so the two kinds never mix in one collection.
func chunkNamespace(projectID string) string   { return projectID }
func episodeNamespace(projectID string) string { return projectID + "/episodes" }
