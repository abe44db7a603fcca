package types

import (
	"testing"
	"time"
)

func TestSession_Append_SetsTimestampAndOrder(t *testing.T) {
	s := NewSession("fix the bug", "qwen2.5-coder:7b")

	s.Append(Turn{Role: RoleSystem, Content: "prompt"})
	s.Append(Turn{Role: RoleUser, Content: "fix the bug"})
	s.Append(Turn{Role: RoleAssistant, Content: "looking"})

	if len(s.Turns) != 3 {
		t.Fatalf("Turns length = %d, want 3", len(s.Turns))
	}
	for i, turn := range s.Turns {
		if turn.Timestamp.IsZero() {
			t.Errorf("turn %d has zero timestamp", i)
		}
	}
	if s.Turns[0].Role != RoleSystem || s.Turns[2].Role != RoleAssistant {
		t.Error("turn order must be insertion order")
	}
}

func TestSession_Append_KeepsCallerTimestamp(t *testing.T) {
	s := NewSession("x", "m")
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Append(Turn{Role: RoleUser, Content: "hi", Timestamp: ts})

	if !s.Turns[0].Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", s.Turns[0].Timestamp, ts)
	}
}

func TestSession_LastAssistantTurns(t *testing.T) {
	s := NewSession("x", "m")
	s.Append(Turn{Role: RoleAssistant, Content: "first"})
	s.Append(Turn{Role: RoleTool, Content: "tool output"})
	s.Append(Turn{Role: RoleAssistant, Content: "second"})
	s.Append(Turn{Role: RoleUser, Content: "nudge"})
	s.Append(Turn{Role: RoleAssistant, Content: "third"})

	got := s.LastAssistantTurns(2)
	if len(got) != 2 {
		t.Fatalf("length = %d, want 2", len(got))
	}
	if got[0].Content != "second" || got[1].Content != "third" {
		t.Errorf("got %q then %q, want chronological second, third", got[0].Content, got[1].Content)
	}

	all := s.LastAssistantTurns(10)
	if len(all) != 3 {
		t.Errorf("length = %d, want 3", len(all))
	}
}
