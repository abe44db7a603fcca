package memory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

func TestRecordEpisode(t *testing.T) {
	store, idx := newMemoryFixture(t)
	rec := NewRecorder(store, idx, nil, nil)
	ctx := context.Background()

	ep, err := rec.RecordEpisode(ctx, "proj", "task_completed", "wrote the config loader",
		map[string]string{"agent": "coder"})
	if err != nil {
		t.Fatalf("RecordEpisode: %v", err)
	}
	if ep.ID == "" {
		t.Fatal("episode has no id")
	}
	if ep.EmbeddingRef != ep.ID {
		t.Errorf("EmbeddingRef = %q, want the episode id", ep.EmbeddingRef)
	}

	stored, err := store.RecentEpisodes(ctx, "proj", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Content != "wrote the config loader" {
		t.Fatalf("stored = %+v", stored)
	}
	if stored[0].Metadata["agent"] != "coder" {
		t.Errorf("metadata = %v", stored[0].Metadata)
	}

	n, err := idx.Count(episodeNamespace("proj"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("indexed vectors = %d, want 1", n)
	}
}

func TestRecordEpisode_IndexFailureDegrades(t *testing.T) {
	store, _ := newMemoryFixture(t)
	rec := NewRecorder(store, failingIndex{}, nil, nil)

	ep, err := rec.RecordEpisode(context.Background(), "proj", "task_failed", "ran out of vram", nil)
	if err != nil {
		t.Fatalf("RecordEpisode should store despite index failure: %v", err)
	}
	if ep.EmbeddingRef != "" {
		t.Errorf("EmbeddingRef = %q, want empty when indexing failed", ep.EmbeddingRef)
	}
}

func TestSaveAnalysis(t *testing.T) {
	store, idx := newMemoryFixture(t)
	rec := NewRecorder(store, idx, nil, nil)
	ctx := context.Background()

	if err := rec.SaveAnalysis(ctx, "proj", "layered Go service"); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}
	if err := rec.SaveAnalysis(ctx, "proj", "layered Go service, sqlite storage"); err != nil {
		t.Fatalf("SaveAnalysis: %v", err)
	}

	got, err := store.LatestEpisode(ctx, "proj", EventAnalysis)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "layered Go service, sqlite storage" {
		t.Errorf("content = %q", got.Content)
	}

	// Analysis summaries are recency-ranked, never embedded.
	n, err := idx.Count(episodeNamespace("proj"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("indexed vectors = %d, want 0", n)
	}
}

func TestLearnPattern(t *testing.T) {
	store, idx := newMemoryFixture(t)
	bus := events.NewBus(16)
	defer bus.Close()
	ch, cancel := bus.Subscribe(4, types.EventPatternLearned)
	defer cancel()

	rec := NewRecorder(store, idx, bus, nil)
	ctx := observability.WithTask(context.Background(), "task-1")

	p, err := rec.LearnPattern(ctx, "implement retry logic",
		[]string{"read_file", "read_file", "write_file"}, true)
	if err != nil {
		t.Fatalf("LearnPattern: %v", err)
	}
	if p.ContextTag != "edit" {
		t.Errorf("tag = %q, want edit", p.ContextTag)
	}
	if len(p.ToolSequence) != 2 || p.ToolSequence[0] != "read_file" || p.ToolSequence[1] != "write_file" {
		t.Errorf("sequence = %v, want consecutive repeats collapsed", p.ToolSequence)
	}
	if p.SuccessRate != 1.0 || p.UsageCount != 1 {
		t.Errorf("rate = %v count = %d", p.SuccessRate, p.UsageCount)
	}

	select {
	case ev := <-ch:
		if ev.Type != types.EventPatternLearned || ev.TaskID != "task-1" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Payload["context_tag"] != "edit" {
			t.Errorf("payload = %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no PATTERN_LEARNED event")
	}

	// Observing the same sequence again folds into the same pattern.
	p2, err := rec.LearnPattern(ctx, "implement retry logic",
		[]string{"read_file", "write_file"}, false)
	if err != nil {
		t.Fatalf("LearnPattern: %v", err)
	}
	if p2.ID != p.ID {
		t.Errorf("ids differ: %s vs %s", p2.ID, p.ID)
	}
	if math.Abs(p2.SuccessRate-0.5) > 1e-9 || p2.UsageCount != 2 {
		t.Errorf("rate = %v count = %d, want 0.5 and 2", p2.SuccessRate, p2.UsageCount)
	}

	all, err := store.AllPatterns(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("patterns = %d, want 1", len(all))
	}
}

func TestLearnPattern_EmptySequence(t *testing.T) {
	store, _ := newMemoryFixture(t)
	rec := NewRecorder(store, nil, nil, nil)

	p, err := rec.LearnPattern(context.Background(), "analysis only task", nil, true)
	if err != nil {
		t.Fatalf("LearnPattern: %v", err)
	}
	if p != nil {
		t.Errorf("pattern = %+v, want nil for tool-less sessions", p)
	}
}

func TestLearnPattern_MergesKeywords(t *testing.T) {
	store, _ := newMemoryFixture(t)
	rec := NewRecorder(store, nil, nil, nil)
	ctx := context.Background()

	if _, err := rec.LearnPattern(ctx, "implement parser changes", []string{"write_file"}, true); err != nil {
		t.Fatal(err)
	}
	p, err := rec.LearnPattern(ctx, "implement scanner changes", []string{"write_file"}, true)
	if err != nil {
		t.Fatal(err)
	}

	var sawParser, sawScanner bool
	for _, k := range p.Keywords {
		if k == "parser" {
			sawParser = true
		}
		if k == "scanner" {
			sawScanner = true
		}
	}
	if !sawParser || !sawScanner {
		t.Errorf("keywords = %v, want both task vocabularies", p.Keywords)
	}
}
