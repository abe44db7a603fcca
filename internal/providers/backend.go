// Package providers implements the LLM backends the kernel can run
// models on. Ollama is the primary local backend; OpenAI-compatible
// servers and the Anthropic API cover remote and mixed fleets.
//
// Every backend speaks the same Backend contract and translates
// between the kernel's uniform Turn/ToolCall shapes and its own wire
// format. Failures come back as categorized kernel errors so the agent
// loop can choose between retrying, degrading to a fallback model, and
// failing the task.
package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sindri-dev/sindri/pkg/types"
)

// ToolSpec describes one tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string

	// Schema is the JSON Schema for the tool's arguments.
	Schema json.RawMessage
}

// Request is a single chat completion request.
type Request struct {
	// Model is the backend-native model identifier.
	Model string

	// Turns is the conversation to complete, system prompt first.
	Turns []types.Turn

	// Tools advertises callable tools to backends with native tool
	// support. The text parser covers models without it.
	Tools []ToolSpec

	// Temperature overrides the backend default when non-nil.
	Temperature *float64

	// MaxTokens caps the completion length when positive.
	MaxTokens int
}

// Response is one completed assistant turn.
type Response struct {
	// Text is the assistant text, concatenated across stream chunks.
	Text string

	// ToolCalls are the native tool calls the model requested, already
	// translated to the uniform shape.
	ToolCalls []types.ToolCall

	// Metadata carries backend detail such as token counts.
	Metadata map[string]any
}

// TokenFunc receives streamed text fragments as they arrive.
type TokenFunc func(token string)

// Backend is a chat-completion provider.
type Backend interface {
	// Name identifies the backend in logs, metrics, and routing.
	Name() string

	// Chat runs one completion to the end and returns the result.
	Chat(ctx context.Context, req *Request) (*Response, error)

	// ChatStream runs one completion, invoking onToken for each text
	// fragment as it arrives. A nil onToken behaves like Chat.
	ChatStream(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error)

	// Load makes the model resident on the backend.
	Load(ctx context.Context, model string) error

	// Unload releases the model's resources on the backend.
	Unload(ctx context.Context, model string) error

	// ListModels reports the models the backend can serve.
	ListModels(ctx context.Context) ([]string, error)
}

// parseArguments decodes the JSON argument payload of a native tool
// call. Malformed payloads are preserved under "raw" so validation can
// still reject them with context instead of dropping the call.
func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{"raw": raw}
	}
	return args
}
