package types

import "encoding/json"

// ToolCall is the uniform, serializable shape of one tool invocation
// request. It is produced either from a backend's native tool calls or
// from the text parser; sessions never store backend-native handles.
type ToolCall struct {
	// ID correlates the call with its result turn. Generated when the
	// source did not supply one.
	ID string `json:"id,omitempty"`

	// Name is the registered tool name.
	Name string `json:"name"`

	// Arguments is the decoded JSON argument object.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ArgumentsJSON renders the arguments as canonical JSON for logging and
// duplicate detection.
func (c ToolCall) ArgumentsJSON() string {
	if len(c.Arguments) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ToolResult is the uniform outcome of one tool execution. Tools never
// panic outward and never return Go errors to the agent; failures are
// expressed here and fed back as a tool turn.
type ToolResult struct {
	// Success is false for any failure, including AGENT-class ones the
	// model is expected to correct.
	Success bool `json:"success"`

	// Output is the tool's textual output on success, and may carry
	// partial output on failure.
	Output string `json:"output,omitempty"`

	// Error describes the failure.
	Error string `json:"error,omitempty"`

	// Category classifies the failure for retry and propagation
	// decisions. Empty on success.
	Category ErrorCategory `json:"category,omitempty"`

	// Retriable marks failures worth retrying with backoff.
	Retriable bool `json:"retriable,omitempty"`
}

// OkResult builds a successful ToolResult.
func OkResult(output string) ToolResult {
	return ToolResult{Success: true, Output: output}
}

// FailResult builds a failed ToolResult in the given category.
// TRANSIENT failures are marked retriable.
func FailResult(category ErrorCategory, msg string) ToolResult {
	return ToolResult{
		Success:   false,
		Error:     msg,
		Category:  category,
		Retriable: category == CategoryTransient,
	}
}
