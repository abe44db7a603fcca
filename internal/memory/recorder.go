package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/memory/vector"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

// Recorder writes memory: episodes when tasks finish, the project
// analysis summary, and tool-sequence patterns learned from completed
// sessions.
type Recorder struct {
	store  Store
	index  vector.Index
	bus    *events.Bus
	logger *observability.Logger
}

// NewRecorder wires a memory recorder. index and bus may be nil.
func NewRecorder(store Store, index vector.Index, bus *events.Bus, logger *observability.Logger) *Recorder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{store: store, index: index, bus: bus, logger: logger}
}

// RecordEpisode stores one episodic memory record and indexes it for
// similarity retrieval. Indexing failures degrade to recency-ranked
// retrieval instead of failing the record.
func (r *Recorder) RecordEpisode(ctx context.Context, projectID, eventType, content string, metadata map[string]string) (*types.Episode, error) {
	ep := &types.Episode{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		EventType: eventType,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}

	if r.index != nil {
		doc := vector.Document{
			ID:      ep.ID,
			Content: content,
			Payload: map[string]string{"event_type": eventType},
		}
		if err := r.index.Upsert(ctx, episodeNamespace(projectID), []vector.Document{doc}); err != nil {
			r.logger.Warn(ctx, "episode embedding failed", "project_id", projectID, "error", err)
		} else {
			ep.EmbeddingRef = ep.ID
		}
	}

	if err := r.store.AddEpisode(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// SaveAnalysis stores a new project architecture/style summary. The
// analysis tier always reads the newest one; no vector is written
// because retrieval is by recency, not similarity.
func (r *Recorder) SaveAnalysis(ctx context.Context, projectID, summary string) error {
	ep := &types.Episode{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		EventType: EventAnalysis,
		Content:   summary,
		Timestamp: time.Now().UTC(),
	}
	return r.store.AddEpisode(ctx, ep)
}

// LearnPattern folds one finished task into the pattern store: the tool
// sequence is keyed by the inferred context tag, and the running
// success rate absorbs the outcome. Consecutive repeats in the sequence
// are collapsed first. Returns nil when the session used no tools.
func (r *Recorder) LearnPattern(ctx context.Context, task string, toolSequence []string, success bool) (*types.Pattern, error) {
	sequence := compressSequence(toolSequence)
	if len(sequence) == 0 {
		return nil, nil
	}

	tag := InferContextTag(task)
	id := patternID(tag, sequence)

	result := 0.0
	if success {
		result = 1.0
	}

	pattern := r.findPattern(ctx, tag, id)
	if pattern == nil {
		pattern = &types.Pattern{
			ID:           id,
			ContextTag:   tag,
			Keywords:     extractKeywords(task),
			ToolSequence: sequence,
			SuccessRate:  result,
			UsageCount:   1,
		}
	} else {
		n := float64(pattern.UsageCount)
		pattern.SuccessRate = (pattern.SuccessRate*n + result) / (n + 1)
		pattern.UsageCount++
		pattern.Keywords = mergeKeywords(pattern.Keywords, extractKeywords(task))
	}

	if err := r.store.SavePattern(ctx, pattern); err != nil {
		return nil, err
	}

	if r.bus != nil {
		r.bus.Emit(types.EventPatternLearned, observability.TaskIDFrom(ctx), map[string]any{
			"context_tag":   pattern.ContextTag,
			"tool_sequence": pattern.ToolSequence,
			"success_rate":  pattern.SuccessRate,
			"usage_count":   pattern.UsageCount,
		})
	}
	return pattern, nil
}

func (r *Recorder) findPattern(ctx context.Context, tag, id string) *types.Pattern {
	patterns, err := r.store.PatternsByTag(ctx, tag)
	if err != nil {
		r.logger.Warn(ctx, "pattern lookup failed", "context_tag", tag, "error", err)
		return nil
	}
	for _, p := range patterns {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func mergeKeywords(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing))
	for _, k := range existing {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range incoming {
		if len(out) >= maxKeywords {
			break
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
