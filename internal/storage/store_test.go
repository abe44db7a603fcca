package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sindri.db"), observability.NopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sindri.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	version, err := s.schemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
	if err := s.IntegrityCheck(ctx); err != nil {
		t.Errorf("integrity check on fresh store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must not re-run migrations or back anything up.
	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	matches, err := filepath.Glob(path + ".v*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("unexpected backups on reopen: %v", matches)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := types.NewSession("fix the registry tests", "qwen2.5:7b")
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	turns := []types.Turn{
		{Role: types.RoleSystem, Content: "you are an agent", Timestamp: ts},
		{Role: types.RoleUser, Content: "fix the registry tests", Timestamp: ts.Add(time.Second)},
		{
			Role:    types.RoleAssistant,
			Content: "running them first",
			ToolCalls: []types.ToolCall{
				{ID: "call-1", Name: "run_command", Arguments: map[string]any{"command": "go test ./..."}},
			},
			Timestamp: ts.Add(2 * time.Second),
		},
		{
			Role:       types.RoleTool,
			Content:    "FAIL registry_test.go:40",
			ToolCallID: "call-1",
			ToolName:   "run_command",
			IsError:    true,
			Timestamp:  ts.Add(3 * time.Second),
		},
	}
	if err := s.AppendTurns(ctx, session.ID, turns); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TaskDescription != session.TaskDescription || got.Model != session.Model {
		t.Errorf("session fields = %q/%q", got.TaskDescription, got.Model)
	}
	if got.Status != types.SessionActive {
		t.Errorf("status = %q", got.Status)
	}
	if len(got.Turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(got.Turns))
	}
	for i, want := range turns {
		turn := got.Turns[i]
		if turn.Role != want.Role || turn.Content != want.Content {
			t.Errorf("turn %d = %q/%q", i, turn.Role, turn.Content)
		}
		if !turn.Timestamp.Equal(want.Timestamp) {
			t.Errorf("turn %d timestamp = %v, want %v", i, turn.Timestamp, want.Timestamp)
		}
	}

	assistant := got.Turns[2]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Name != "run_command" {
		t.Errorf("assistant tool calls = %+v", assistant.ToolCalls)
	}
	if cmd := assistant.ToolCalls[0].Arguments["command"]; cmd != "go test ./..." {
		t.Errorf("call arguments = %v", cmd)
	}

	tool := got.Turns[3]
	if tool.ToolCallID != "call-1" || tool.ToolName != "run_command" || !tool.IsError {
		t.Errorf("tool turn linkage = %+v", tool)
	}

	// Turns without tool payload keep the column NULL.
	var nullMeta int
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM turns WHERE session_id = ? AND tool_calls_json IS NULL",
		session.ID).Scan(&nullMeta)
	if err != nil {
		t.Fatal(err)
	}
	if nullMeta != 2 {
		t.Errorf("null meta rows = %d, want 2", nullMeta)
	}
}

func TestAppendTurns_SequencesAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := types.NewSession("task", "m")
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.AppendTurns(ctx, session.ID, []types.Turn{
			{Role: types.RoleUser, Content: "a"},
			{Role: types.RoleAssistant, Content: "b"},
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	rows, err := s.db.Query("SELECT seq FROM turns WHERE session_id = ? ORDER BY seq", session.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var seqs []int
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, seq)
	}
	if len(seqs) != 6 {
		t.Fatalf("seqs = %v", seqs)
	}
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("seqs = %v, want 1..6", seqs)
		}
	}

	if err := s.IntegrityCheck(ctx); err != nil {
		t.Errorf("integrity check: %v", err)
	}
}

func TestCreateSession_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := types.NewSession("task", "m")
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	err := s.CreateSession(ctx, session)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendTurns_MissingSession(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendTurns(context.Background(), "ghost", []types.Turn{
		{Role: types.RoleUser, Content: "x"},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := types.NewSession("task", "m")
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSessionStatus(ctx, session.ID, types.SessionCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := s.SetIterationCount(ctx, session.ID, 7); err != nil {
		t.Fatalf("set iterations: %v", err)
	}

	got, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.SessionCompleted || got.IterationCount != 7 {
		t.Errorf("status = %q, iterations = %d", got.Status, got.IterationCount)
	}

	if err := s.SetSessionStatus(ctx, "ghost", types.SessionFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 3; i++ {
		session := types.NewSession("task", "m")
		session.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		session.UpdatedAt = session.CreatedAt
		session.ID = []string{"old", "mid", "new"}[i]
		if err := s.CreateSession(ctx, session); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListSessions(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		ids := make([]string, len(got))
		for i, sess := range got {
			ids[i] = sess.ID
		}
		t.Errorf("ids = %v, want [new mid]", ids)
	}
	if len(got) > 0 && got[0].Turns != nil {
		t.Error("list must not load turns")
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := &types.CheckpointRecord{
		TaskID:    "task-1",
		SessionID: "session-1",
		Iteration: 2,
		Status:    types.TaskRunning,
		UpdatedAt: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}

	cp.Iteration = 3
	cp.ErrorContext = "model load failed: out of memory"
	cp.UpdatedAt = cp.UpdatedAt.Add(time.Minute)
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, err := s.GetCheckpoint(ctx, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Iteration != 3 || got.Status != types.TaskRunning {
		t.Errorf("checkpoint = %+v", got)
	}
	if got.ErrorContext != "model load failed: out of memory" {
		t.Errorf("error context = %q", got.ErrorContext)
	}
	if !got.UpdatedAt.Equal(cp.UpdatedAt) {
		t.Errorf("updated at = %v, want %v", got.UpdatedAt, cp.UpdatedAt)
	}

	all, err := s.ListCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("checkpoints = %d, want 1", len(all))
	}

	if err := s.DeleteCheckpoint(ctx, "task-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCheckpoint(ctx, "task-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteCheckpoint(ctx, "task-1"); err != nil {
		t.Errorf("deleting a missing checkpoint: %v", err)
	}
}

func TestEpisodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eps := []*types.Episode{
		{ID: "e1", ProjectID: "proj", EventType: "task_completed", Content: "added retries",
			Metadata: map[string]string{"model": "qwen2.5:7b"}, Timestamp: base},
		{ID: "e2", ProjectID: "proj", EventType: "task_failed", Content: "stuck on tests",
			Timestamp: base.Add(time.Hour)},
		{ID: "e3", ProjectID: "other", EventType: "decision", Content: "use sqlite",
			Timestamp: base.Add(2 * time.Hour)},
	}
	for _, ep := range eps {
		if err := s.AddEpisode(ctx, ep); err != nil {
			t.Fatalf("add %s: %v", ep.ID, err)
		}
	}

	recent, err := s.RecentEpisodes(ctx, "proj", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "e2" || recent[1].ID != "e1" {
		t.Errorf("recent = %+v", recent)
	}
	if recent[1].Metadata["model"] != "qwen2.5:7b" {
		t.Errorf("metadata = %v", recent[1].Metadata)
	}

	byIDs, err := s.EpisodesByIDs(ctx, []string{"e3", "ghost", "e1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byIDs) != 2 || byIDs[0].ID != "e3" || byIDs[1].ID != "e1" {
		t.Errorf("byIDs = %+v", byIDs)
	}

	if err := s.AddEpisode(ctx, eps[0]); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestLatestEpisode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	for i, content := range []string{"first pass", "second pass", "third pass"} {
		ep := &types.Episode{
			ID:        fmt.Sprintf("a%d", i),
			ProjectID: "proj",
			EventType: "analysis",
			Content:   content,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.AddEpisode(ctx, ep); err != nil {
			t.Fatalf("add %s: %v", ep.ID, err)
		}
	}

	got, err := s.LatestEpisode(ctx, "proj", "analysis")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "third pass" {
		t.Errorf("content = %q, want %q", got.Content, "third pass")
	}

	if _, err := s.LatestEpisode(ctx, "proj", "decision"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.LatestEpisode(ctx, "other", "analysis"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chunks := []*types.Chunk{
		{ID: "c1", Namespace: "proj", Path: "main.go", LineRange: "1-50", Text: "package main", ContentHash: "h1"},
		{ID: "c2", Namespace: "proj", Path: "main.go", LineRange: "51-80", Text: "func main()", ContentHash: "h1"},
		{ID: "c3", Namespace: "proj", Path: "util.go", LineRange: "1-20", Text: "package main", ContentHash: "h2"},
	}
	if err := s.UpsertChunks(ctx, chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hashes, err := s.ChunkHashes(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if hashes["main.go"] != "h1" || hashes["util.go"] != "h2" || len(hashes) != 2 {
		t.Errorf("hashes = %v", hashes)
	}

	got, err := s.ChunksByIDs(ctx, []string{"c3", "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c3" || got[1].ID != "c1" {
		t.Errorf("byIDs = %+v", got)
	}
	if got[1].LineRange != "1-50" || got[1].Text != "package main" {
		t.Errorf("chunk = %+v", got[1])
	}

	deleted, err := s.DeleteChunks(ctx, "proj", "main.go")
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 2 {
		t.Errorf("deleted = %v", deleted)
	}
	hashes, err = s.ChunkHashes(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := hashes["main.go"]; ok {
		t.Error("main.go still indexed after delete")
	}

	deleted, err = s.DeleteChunks(ctx, "proj", "main.go")
	if err != nil || deleted != nil {
		t.Errorf("second delete = %v, %v", deleted, err)
	}
}

func TestPatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	patterns := []*types.Pattern{
		{ID: "p1", ContextTag: "edit", Keywords: []string{"fix", "refactor"},
			ToolSequence: []string{"read_file", "write_file"}, SuccessRate: 0.9, UsageCount: 12},
		{ID: "p2", ContextTag: "edit", Keywords: []string{"rename"},
			ToolSequence: []string{"search_text", "write_file"}, SuccessRate: 0.7, UsageCount: 3},
		{ID: "p3", ContextTag: "debug",
			ToolSequence: []string{"run_command", "read_file"}, SuccessRate: 0.5, UsageCount: 5},
	}
	for _, p := range patterns {
		if err := s.SavePattern(ctx, p); err != nil {
			t.Fatalf("save %s: %v", p.ID, err)
		}
	}

	edit, err := s.PatternsByTag(ctx, "edit")
	if err != nil {
		t.Fatal(err)
	}
	if len(edit) != 2 || edit[0].ID != "p1" || edit[1].ID != "p2" {
		t.Errorf("edit patterns = %+v", edit)
	}
	if len(edit[0].Keywords) != 2 || edit[0].ToolSequence[1] != "write_file" {
		t.Errorf("pattern fields = %+v", edit[0])
	}

	// Upsert by id updates counters.
	patterns[1].SuccessRate = 0.75
	patterns[1].UsageCount = 4
	if err := s.SavePattern(ctx, patterns[1]); err != nil {
		t.Fatal(err)
	}
	all, err := s.AllPatterns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
	for _, p := range all {
		if p.ID == "p2" && (p.UsageCount != 4 || p.SuccessRate != 0.75) {
			t.Errorf("p2 = %+v", p)
		}
	}
}

func TestIntegrityCheck_DetectsSeqGap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := types.NewSession("task", "m")
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	now := storeTime(time.Now())
	for _, seq := range []int{1, 2, 4} {
		if _, err := s.db.Exec(
			"INSERT INTO turns (session_id, seq, role, content, timestamp) VALUES (?, ?, 'user', 'x', ?)",
			session.ID, seq, now); err != nil {
			t.Fatal(err)
		}
	}

	err := s.IntegrityCheck(ctx)
	if err == nil {
		t.Fatal("gap not detected")
	}
	if !strings.Contains(err.Error(), session.ID) {
		t.Errorf("err = %v, want session id mentioned", err)
	}
	if !types.IsFatal(err) {
		t.Errorf("category = %q, want fatal", types.CategoryOf(err))
	}
}

func TestBackupCopiesStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := types.NewSession("task", "m")
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	backupPath, err := s.backup(ctx, 1)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if backupPath == "" {
		t.Fatal("no backup path")
	}

	restored, err := Open(backupPath, observability.NopLogger())
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer restored.Close()
	if _, err := restored.GetSession(ctx, session.ID); err != nil {
		t.Errorf("session missing from backup: %v", err)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatal("empty path accepted")
	}
}
