package types

// Outcome is the tri-state result of one agent loop run: completed,
// failed, or paused waiting on delegated children.
type Outcome string

const (
	// OutcomeCompleted means the task finished successfully.
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed means the task failed or was cancelled; Reason
	// distinguishes the cases.
	OutcomeFailed Outcome = "failed"

	// OutcomeWaiting means the loop paused after delegating; the
	// scheduler parks the task as WAITING until a child terminates.
	OutcomeWaiting Outcome = "waiting"
)

// Loop result reasons recorded on LoopResult.Reason.
const (
	ReasonCancelled         = "cancelled"
	ReasonStuck             = "stuck"
	ReasonDelegationWaiting = "delegation_waiting"
	ReasonModelUnavailable  = "model_unavailable"
	ReasonMaxIterations     = "max_iterations_reached"
	ReasonLLMError          = "llm_error"
)

// LoopResult is what an agent loop returns to the scheduler. The loop
// never mutates task status itself; the scheduler maps the result onto
// a transition, preserving CANCELLED over FAILED.
type LoopResult struct {
	// Outcome is the tri-state disposition.
	Outcome Outcome `json:"outcome"`

	// Iterations is how many loop iterations ran.
	Iterations int `json:"iterations"`

	// Reason explains non-completed outcomes ("cancelled", "stuck",
	// "delegation_waiting", "model_unavailable",
	// "max_iterations_reached", "llm_error").
	Reason string `json:"reason,omitempty"`

	// FinalOutput is the last assistant text, marker stripped.
	FinalOutput string `json:"final_output,omitempty"`
}

// CompletionMarker is the literal string an assistant turn embeds to
// signal completion intent. Text-only, no attributes. The marker alone
// never finalizes a task; completion validation must also pass.
const CompletionMarker = "<sindri:complete/>"
