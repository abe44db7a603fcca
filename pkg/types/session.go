package types

import (
	"time"

	"github.com/google/uuid"
)

// Role attributes a turn to its author.
type Role string

const (
	// RoleSystem is the agent's system prompt.
	RoleSystem Role = "system"

	// RoleUser is task input, iteration warnings, and nudges.
	RoleUser Role = "user"

	// RoleAssistant is model output.
	RoleAssistant Role = "assistant"

	// RoleTool is a tool execution result.
	RoleTool Role = "tool"
)

// Turn is one entry in a session's conversation log. Turns are
// append-only: once written they are never mutated.
type Turn struct {
	// Role attributes the turn.
	Role Role `json:"role"`

	// Content is the turn text.
	Content string `json:"content"`

	// ToolCalls carries the serialized tool calls an assistant turn
	// requested. Always the uniform ToolCall shape, never a
	// backend-native handle.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool turn back to the assistant call it
	// answers. Backends need the linkage on the wire.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the tool a tool turn reports for.
	ToolName string `json:"tool_name,omitempty"`

	// IsError marks a tool turn whose execution failed.
	IsError bool `json:"is_error,omitempty"`

	// Timestamp is when the turn was appended.
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus is the lifecycle state of a conversation log.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is the ordered conversation log for one task. Turn order is
// insertion order; the log is only ever appended to.
type Session struct {
	// ID is the stable session identifier.
	ID string `json:"id"`

	// TaskDescription echoes the owning task's description.
	TaskDescription string `json:"task_description"`

	// Model is the model the session runs on.
	Model string `json:"model"`

	// Status tracks the session lifecycle.
	Status SessionStatus `json:"status"`

	// Turns is the append-only conversation log.
	Turns []Turn `json:"turns"`

	// IterationCount is the number of loop iterations recorded against
	// this session.
	IterationCount int `json:"iteration_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession constructs an active session with a fresh id.
func NewSession(taskDescription, model string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:              uuid.NewString(),
		TaskDescription: taskDescription,
		Model:           model,
		Status:          SessionActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Append adds a turn to the log, stamping it if the caller did not.
func (s *Session) Append(turn Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.Turns = append(s.Turns, turn)
	s.UpdatedAt = turn.Timestamp
}

// LastAssistantTurns returns up to n most recent assistant turns,
// oldest first.
func (s *Session) LastAssistantTurns(n int) []Turn {
	var out []Turn
	for i := len(s.Turns) - 1; i >= 0 && len(out) < n; i-- {
		if s.Turns[i].Role == RoleAssistant {
			out = append(out, s.Turns[i])
		}
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
