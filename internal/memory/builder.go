package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sindri-dev/sindri/internal/memory/vector"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/internal/storage"
	"github.com/sindri-dev/sindri/pkg/types"
)

// Tier names as they appear in memory_tier_shares.
const (
	TierWorking  = "working"
	TierEpisodic = "episodic"
	TierSemantic = "semantic"
	TierPattern  = "pattern"
	TierAnalysis = "analysis"
)

const (
	defaultEpisodeK = 5
	defaultChunkK   = 8
	maxPatternHints = 2
)

// BuilderConfig tunes context assembly. Zero values select defaults.
type BuilderConfig struct {
	// TierShares splits the token budget by tier, in percent.
	TierShares map[string]int

	// EpisodeK and ChunkK bound the similarity searches feeding the
	// episodic and semantic tiers.
	EpisodeK int
	ChunkK   int
}

// Builder assembles the context window for one LLM call.
type Builder struct {
	store    Store
	index    vector.Index
	logger   *observability.Logger
	shares   map[string]int
	episodeK int
	chunkK   int
}

// NewBuilder wires a context builder. The index may be nil, which
// disables the similarity-ranked tiers.
func NewBuilder(store Store, index vector.Index, logger *observability.Logger, cfg BuilderConfig) *Builder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	shares := cfg.TierShares
	if len(shares) == 0 {
		shares = map[string]int{
			TierWorking:  50,
			TierEpisodic: 18,
			TierSemantic: 18,
			TierPattern:  5,
			TierAnalysis: 9,
		}
	}
	episodeK := cfg.EpisodeK
	if episodeK <= 0 {
		episodeK = defaultEpisodeK
	}
	chunkK := cfg.ChunkK
	if chunkK <= 0 {
		chunkK = defaultChunkK
	}
	return &Builder{
		store:    store,
		index:    index,
		logger:   logger,
		shares:   shares,
		episodeK: episodeK,
		chunkK:   chunkK,
	}
}

// Build returns the ordered message list for one iteration: retrieval
// tiers first as system turns, then the working conversation verbatim,
// oldest first. Retrieval failures degrade to a smaller context rather
// than failing the build.
func (b *Builder) Build(ctx context.Context, projectID, task string, recent []types.Turn, maxTokens int) ([]types.Turn, error) {
	if maxTokens <= 0 {
		return nil, types.NewError(types.CategoryFatal, "memory.build", "maxTokens must be positive")
	}
	budget := func(tier string) int {
		return maxTokens * b.shares[tier] / 100
	}

	var out []types.Turn
	appendSection := func(header, body string) {
		if body == "" {
			return
		}
		out = append(out, types.Turn{
			Role:    types.RoleSystem,
			Content: header + "\n" + body,
		})
	}

	appendSection("Project analysis:", b.analysisTier(ctx, projectID, budget(TierAnalysis)))
	appendSection("Relevant past work on this project:", b.episodicTier(ctx, projectID, task, budget(TierEpisodic)))
	appendSection("Relevant code:", b.semanticTier(ctx, projectID, task, budget(TierSemantic)))
	appendSection("Tool sequences that worked in similar tasks:", b.patternTier(ctx, task, budget(TierPattern)))

	out = append(out, workingTier(recent, budget(TierWorking))...)
	return out, nil
}

// workingTier keeps the most recent turns that fit the budget, oldest
// first. The newest turn is always included, truncated if it alone
// exceeds the budget.
func workingTier(recent []types.Turn, budget int) []types.Turn {
	if len(recent) == 0 || budget <= 0 {
		return nil
	}

	var kept []types.Turn
	used := 0
	for i := len(recent) - 1; i >= 0; i-- {
		cost := turnTokens(recent[i])
		if used+cost > budget {
			if len(kept) == 0 {
				turn := recent[i]
				turn.Content = TruncateToTokens(turn.Content, budget)
				kept = append(kept, turn)
			}
			break
		}
		kept = append(kept, recent[i])
		used += cost
	}

	// Reverse into chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func turnTokens(t types.Turn) int {
	n := CountTokens(t.Content)
	for _, call := range t.ToolCalls {
		n += CountTokens(call.Name) + CountTokens(call.ArgumentsJSON())
	}
	return n
}

func (b *Builder) episodicTier(ctx context.Context, projectID, task string, budget int) string {
	if budget <= 0 {
		return ""
	}

	var episodes []*types.Episode
	if b.index != nil {
		hits, err := b.index.Search(ctx, episodeNamespace(projectID), task, b.episodeK)
		if err != nil {
			b.logger.Warn(ctx, "episodic search failed, falling back to recency",
				"project_id", projectID, "error", err)
		} else if len(hits) > 0 {
			ids := make([]string, len(hits))
			for i, h := range hits {
				ids[i] = h.ID
			}
			episodes, err = b.store.EpisodesByIDs(ctx, ids)
			if err != nil {
				b.logger.Warn(ctx, "episode lookup failed", "project_id", projectID, "error", err)
				episodes = nil
			}
		}
	}
	if len(episodes) == 0 {
		recent, err := b.store.RecentEpisodes(ctx, projectID, b.episodeK)
		if err != nil {
			b.logger.Warn(ctx, "recent episodes unavailable", "project_id", projectID, "error", err)
			return ""
		}
		episodes = recent
	}

	var sb strings.Builder
	for _, ep := range episodes {
		if ep.EventType == EventAnalysis {
			continue
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", ep.EventType, ep.Content)
	}
	return TruncateToTokens(strings.TrimRight(sb.String(), "\n"), budget)
}

func (b *Builder) semanticTier(ctx context.Context, projectID, task string, budget int) string {
	if budget <= 0 || b.index == nil {
		return ""
	}
	hits, err := b.index.Search(ctx, chunkNamespace(projectID), task, b.chunkK)
	if err != nil {
		b.logger.Warn(ctx, "semantic search failed", "project_id", projectID, "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, err := b.store.ChunksByIDs(ctx, ids)
	if err != nil {
		b.logger.Warn(ctx, "chunk lookup failed", "project_id", projectID, "error", err)
		return ""
	}

	// The vector index can briefly hold two generations of a chunk
	// while a re-index is in flight; keep only the first hit per
	// location.
	seen := make(map[string]bool, len(chunks))
	var sb strings.Builder
	for _, c := range chunks {
		key := c.Path + "|" + c.LineRange
		if seen[key] {
			continue
		}
		seen[key] = true
		fmt.Fprintf(&sb, "%s:%s\n%s\n\n", c.Path, c.LineRange, c.Text)
	}
	return TruncateToTokens(strings.TrimRight(sb.String(), "\n"), budget)
}

func (b *Builder) patternTier(ctx context.Context, task string, budget int) string {
	if budget <= 0 {
		return ""
	}
	tag := InferContextTag(task)
	patterns, err := b.store.PatternsByTag(ctx, tag)
	if err != nil {
		b.logger.Warn(ctx, "pattern lookup failed", "context_tag", tag, "error", err)
		return ""
	}

	taskWords := make(map[string]bool)
	for _, w := range extractKeywords(task) {
		taskWords[w] = true
	}

	var sb strings.Builder
	n := 0
	for _, p := range patterns {
		if n >= maxPatternHints {
			break
		}
		if len(p.Keywords) > 0 && !anyKeywordMatches(p.Keywords, taskWords) {
			continue
		}
		fmt.Fprintf(&sb, "- %s (%.0f%% success over %d uses)\n",
			strings.Join(p.ToolSequence, " -> "), p.SuccessRate*100, p.UsageCount)
		n++
	}
	return TruncateToTokens(strings.TrimRight(sb.String(), "\n"), budget)
}

func anyKeywordMatches(keywords []string, taskWords map[string]bool) bool {
	for _, k := range keywords {
		if taskWords[k] {
			return true
		}
	}
	return false
}

func (b *Builder) analysisTier(ctx context.Context, projectID string, budget int) string {
	if budget <= 0 {
		return ""
	}
	ep, err := b.store.LatestEpisode(ctx, projectID, EventAnalysis)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.logger.Warn(ctx, "analysis summary unavailable", "project_id", projectID, "error", err)
		}
		return ""
	}
	return TruncateToTokens(ep.Content, budget)
}
