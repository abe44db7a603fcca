package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sindri-dev/sindri/internal/memory/embeddings"
	"github.com/sindri-dev/sindri/internal/memory/vector"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/internal/storage"
	"github.com/sindri-dev/sindri/pkg/types"
)

func newMemoryFixture(t *testing.T) (*storage.Store, vector.Index) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "mem.db"), observability.NopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx, err := vector.New("", embeddings.NewHash(128))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	return store, idx
}

func TestBuild_AllTiers(t *testing.T) {
	store, idx := newMemoryFixture(t)
	ctx := context.Background()
	rec := NewRecorder(store, idx, nil, nil)

	if _, err := rec.RecordEpisode(ctx, "proj", "task_completed", "added retry logic to the http client", nil); err != nil {
		t.Fatalf("record episode: %v", err)
	}
	if _, err := rec.RecordEpisode(ctx, "proj", "task_failed", "parser choked on fenced blocks", nil); err != nil {
		t.Fatalf("record episode: %v", err)
	}
	if err := rec.SaveAnalysis(ctx, "proj", "Go service, cobra CLI, sqlite storage."); err != nil {
		t.Fatalf("save analysis: %v", err)
	}

	chunk := &types.Chunk{
		ID: "c1", Namespace: "proj", Path: "client.go", LineRange: "1-10",
		Text: "func retryRequest(client *http.Client) error { return nil }", ContentHash: "h1",
	}
	if err := store.UpsertChunks(ctx, []*types.Chunk{chunk}); err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}
	if err := idx.Upsert(ctx, "proj", []vector.Document{{ID: "c1", Content: chunk.Text}}); err != nil {
		t.Fatalf("index chunks: %v", err)
	}

	pattern := &types.Pattern{
		ID: "p1", ContextTag: "edit", Keywords: []string{"retry"},
		ToolSequence: []string{"read_file", "write_file"}, SuccessRate: 0.8, UsageCount: 5,
	}
	if err := store.SavePattern(ctx, pattern); err != nil {
		t.Fatalf("save pattern: %v", err)
	}

	b := NewBuilder(store, idx, nil, BuilderConfig{})
	recent := []types.Turn{
		{Role: types.RoleUser, Content: "implement retry logic in the client"},
		{Role: types.RoleAssistant, Content: "reading the file now"},
	}
	out, err := b.Build(ctx, "proj", "implement retry logic in the client", recent, 20000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(out) != 6 {
		t.Fatalf("turns = %d, want 6 (4 sections + 2 working)", len(out))
	}
	for i := 0; i < 4; i++ {
		if out[i].Role != types.RoleSystem {
			t.Errorf("out[%d].Role = %s, want system", i, out[i].Role)
		}
	}

	if !strings.HasPrefix(out[0].Content, "Project analysis:") || !strings.Contains(out[0].Content, "cobra") {
		t.Errorf("analysis section = %q", out[0].Content)
	}
	if !strings.HasPrefix(out[1].Content, "Relevant past work") {
		t.Errorf("episodic section = %q", out[1].Content)
	}
	if !strings.Contains(out[1].Content, "[task_completed] added retry logic") {
		t.Errorf("episodic section missing episode: %q", out[1].Content)
	}
	if strings.Contains(out[1].Content, "Go service") {
		t.Errorf("episodic section leaked the analysis summary: %q", out[1].Content)
	}
	if !strings.Contains(out[2].Content, "client.go:1-10") || !strings.Contains(out[2].Content, "retryRequest") {
		t.Errorf("semantic section = %q", out[2].Content)
	}
	if !strings.Contains(out[3].Content, "read_file -> write_file") ||
		!strings.Contains(out[3].Content, "80% success over 5 uses") {
		t.Errorf("pattern section = %q", out[3].Content)
	}

	if out[4].Content != recent[0].Content || out[4].Role != types.RoleUser {
		t.Errorf("working[0] = %+v", out[4])
	}
	if out[5].Content != recent[1].Content || out[5].Role != types.RoleAssistant {
		t.Errorf("working[1] = %+v", out[5])
	}
}

func TestBuild_WorkingBudgetDoesNotSpill(t *testing.T) {
	store, _ := newMemoryFixture(t)
	b := NewBuilder(store, nil, nil, BuilderConfig{})

	// ~300 tokens under both the real tokenizer and the fallback
	// estimate: under the working share of 50% it cannot fit, but it
	// would fit if the unused retrieval shares spilled over.
	big := strings.TrimSpace(strings.Repeat("word ", 300))
	recent := []types.Turn{
		{Role: types.RoleUser, Content: big},
		{Role: types.RoleAssistant, Content: "done"},
	}

	out, err := b.Build(context.Background(), "proj", "task", recent, 400)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("turns = %d, want 1", len(out))
	}
	if out[0].Content != "done" {
		t.Errorf("kept turn = %q, want the newest", out[0].Content)
	}
}

func TestBuild_TruncatesOversizedNewestTurn(t *testing.T) {
	store, _ := newMemoryFixture(t)
	b := NewBuilder(store, nil, nil, BuilderConfig{})

	big := strings.TrimSpace(strings.Repeat("word ", 300))
	out, err := b.Build(context.Background(), "proj", "task",
		[]types.Turn{{Role: types.RoleUser, Content: big}}, 100)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("turns = %d, want 1", len(out))
	}
	if len(out[0].Content) >= len(big) {
		t.Fatalf("newest turn was not truncated: %d chars", len(out[0].Content))
	}
	if !strings.HasSuffix(out[0].Content, "...") {
		t.Errorf("truncated turn should end with ellipsis")
	}
}

func TestBuild_WorkingOrderPreserved(t *testing.T) {
	store, _ := newMemoryFixture(t)
	b := NewBuilder(store, nil, nil, BuilderConfig{})

	recent := []types.Turn{
		{Role: types.RoleSystem, Content: "you are an agent"},
		{Role: types.RoleUser, Content: "create a file"},
		{Role: types.RoleAssistant, Content: "on it"},
	}
	out, err := b.Build(context.Background(), "proj", "task", recent, 10000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("turns = %d, want 3", len(out))
	}
	for i := range recent {
		if out[i].Content != recent[i].Content {
			t.Errorf("out[%d] = %q, want %q", i, out[i].Content, recent[i].Content)
		}
	}
}

func TestBuild_EpisodicFallsBackToRecency(t *testing.T) {
	store, _ := newMemoryFixture(t)
	ctx := context.Background()

	ep := &types.Episode{
		ID: "e1", ProjectID: "proj", EventType: "decision",
		Content: "settled on sqlite for persistence", Timestamp: time.Now().UTC(),
	}
	if err := store.AddEpisode(ctx, ep); err != nil {
		t.Fatalf("add episode: %v", err)
	}

	b := NewBuilder(store, nil, nil, BuilderConfig{})
	out, err := b.Build(ctx, "proj", "unrelated task", nil, 10000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("turns = %d, want 1", len(out))
	}
	if !strings.Contains(out[0].Content, "[decision] settled on sqlite") {
		t.Errorf("episodic section = %q", out[0].Content)
	}
}

type failingIndex struct{}

func (failingIndex) Upsert(context.Context, string, []vector.Document) error {
	return errors.New("index down")
}

func (failingIndex) Search(context.Context, string, string, int) ([]vector.Result, error) {
	return nil, errors.New("index down")
}

func (failingIndex) Delete(context.Context, string, ...string) error {
	return errors.New("index down")
}

func (failingIndex) Count(string) (int, error) {
	return 0, errors.New("index down")
}

func TestBuild_DegradesWhenIndexFails(t *testing.T) {
	store, _ := newMemoryFixture(t)
	ctx := context.Background()

	ep := &types.Episode{
		ID: "e1", ProjectID: "proj", EventType: "task_completed",
		Content: "wired the scheduler", Timestamp: time.Now().UTC(),
	}
	if err := store.AddEpisode(ctx, ep); err != nil {
		t.Fatalf("add episode: %v", err)
	}

	b := NewBuilder(store, failingIndex{}, nil, BuilderConfig{})
	out, err := b.Build(ctx, "proj", "any task",
		[]types.Turn{{Role: types.RoleUser, Content: "hello"}}, 10000)
	if err != nil {
		t.Fatalf("Build should degrade, not fail: %v", err)
	}

	// Episodic degrades to recency; semantic is silently absent.
	var sawEpisodic, sawSemantic bool
	for _, turn := range out {
		if strings.HasPrefix(turn.Content, "Relevant past work") {
			sawEpisodic = true
		}
		if strings.HasPrefix(turn.Content, "Relevant code:") {
			sawSemantic = true
		}
	}
	if !sawEpisodic {
		t.Error("expected recency-ranked episodic section")
	}
	if sawSemantic {
		t.Error("semantic section should be absent when the index is down")
	}
}

func TestBuild_SemanticDedupesByLocation(t *testing.T) {
	store, idx := newMemoryFixture(t)
	ctx := context.Background()

	// Two generations of the same location can coexist briefly while a
	// re-index is in flight.
	chunks := []*types.Chunk{
		{ID: "old", Namespace: "proj", Path: "util.go", LineRange: "1-10", Text: "func helperOld() {}", ContentHash: "h1"},
		{ID: "new", Namespace: "proj", Path: "util.go", LineRange: "1-10", Text: "func helperNew() {}", ContentHash: "h2"},
	}
	if err := store.UpsertChunks(ctx, chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for _, c := range chunks {
		if err := idx.Upsert(ctx, "proj", []vector.Document{{ID: c.ID, Content: c.Text}}); err != nil {
			t.Fatalf("index: %v", err)
		}
	}

	b := NewBuilder(store, idx, nil, BuilderConfig{})
	out, err := b.Build(ctx, "proj", "update helperNew", nil, 10000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var section string
	for _, turn := range out {
		if strings.HasPrefix(turn.Content, "Relevant code:") {
			section = turn.Content
		}
	}
	if section == "" {
		t.Fatal("semantic section missing")
	}
	if n := strings.Count(section, "util.go:1-10"); n != 1 {
		t.Errorf("location rendered %d times, want 1:\n%s", n, section)
	}
	if !strings.Contains(section, "helperNew") {
		t.Errorf("expected the higher-ranked generation to win:\n%s", section)
	}
}

func TestBuild_RejectsNonPositiveBudget(t *testing.T) {
	store, _ := newMemoryFixture(t)
	b := NewBuilder(store, nil, nil, BuilderConfig{})

	_, err := b.Build(context.Background(), "proj", "task", nil, 0)
	if !types.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}
