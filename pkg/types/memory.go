package types

import "time"

// Episode is one episodic-memory record: a summary of something that
// happened while working on a project (task completed, error hit,
// decision made).
type Episode struct {
	// ID is the stable episode identifier.
	ID string `json:"id"`

	// ProjectID scopes retrieval.
	ProjectID string `json:"project_id"`

	// EventType labels what kind of episode this is
	// (task_completed, task_failed, decision, observation).
	EventType string `json:"event_type"`

	// Content is the summary text that gets embedded and retrieved.
	Content string `json:"content"`

	// Metadata carries free-form context (agent, model, iterations).
	Metadata map[string]string `json:"metadata,omitempty"`

	// EmbeddingRef points at the stored vector for this episode.
	EmbeddingRef string `json:"embedding_ref,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Chunk is one semantic-memory record: a slice of a project file with
// its embedding reference. Chunk ids are a function of
// (path, line range, content hash), so re-indexing unchanged files is
// idempotent.
type Chunk struct {
	// ID is derived from (Path, LineRange, ContentHash).
	ID string `json:"id"`

	// Namespace scopes the chunk, normally the project id.
	Namespace string `json:"namespace"`

	// Path is the file path relative to the project root.
	Path string `json:"path"`

	// LineRange is "start-end", 1-based inclusive.
	LineRange string `json:"line_range"`

	// Text is the chunk body.
	Text string `json:"text"`

	// EmbeddingRef points at the stored vector for this chunk.
	EmbeddingRef string `json:"embedding_ref,omitempty"`

	// ContentHash is the sha256 of the whole file at indexing time,
	// used for change detection.
	ContentHash string `json:"content_hash"`
}

// Pattern is a learned association between a task context and a tool
// sequence that worked.
type Pattern struct {
	// ID is the stable pattern identifier.
	ID string `json:"id"`

	// ContextTag labels the inferred task context
	// (e.g. "edit", "debug", "review").
	ContextTag string `json:"context_tag"`

	// Keywords trigger the pattern when found in a task description.
	Keywords []string `json:"keywords,omitempty"`

	// ToolSequence is the ordered tool names that previously succeeded
	// in this context.
	ToolSequence []string `json:"tool_sequence"`

	// SuccessRate is the running success ratio, 0..1.
	SuccessRate float64 `json:"success_rate"`

	// UsageCount is how many observations fed this pattern.
	UsageCount int `json:"usage_count"`
}

// CheckpointRecord is the durable per-task progress marker written
// after every loop iteration and cleared on completion. It carries
// enough to resume a crashed task: which session it was on and how far
// it got.
type CheckpointRecord struct {
	// TaskID is the checkpoint key (one checkpoint per task).
	TaskID string `json:"task_id"`

	// SessionID links the task's conversation log.
	SessionID string `json:"session_id"`

	// Iteration is the last completed loop iteration.
	Iteration int `json:"iteration"`

	// Status is the task status at checkpoint time.
	Status TaskStatus `json:"status"`

	// ErrorContext describes the failure when the checkpoint records
	// one.
	ErrorContext string `json:"error_context,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
