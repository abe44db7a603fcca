package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sindri-dev/sindri/pkg/types"
)

// Completions need an explicit cap on the Messages API.
const defaultAnthropicMaxTokens = 4096

// AnthropicBackend runs chat on the Anthropic Messages API. Models are
// hosted and occupy no local VRAM, so Load and Unload are no-ops and
// agents on them should declare a zero VRAM footprint.
type AnthropicBackend struct {
	client anthropic.Client
}

var _ Backend = (*AnthropicBackend)(nil)

// NewAnthropic creates an Anthropic backend. baseURL is for tests and
// proxies; empty targets the hosted API.
func NewAnthropic(apiKey, baseURL string) *AnthropicBackend {
	options := []option.RequestOption{}
	if apiKey != "" {
		options = append(options, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &AnthropicBackend{client: anthropic.NewClient(options...)}
}

// Name returns the backend name.
func (b *AnthropicBackend) Name() string {
	return "anthropic"
}

// Chat runs the streaming path without a token callback. The Messages
// API is consumed exclusively over SSE.
func (b *AnthropicBackend) Chat(ctx context.Context, req *Request) (*Response, error) {
	return b.ChatStream(ctx, req, nil)
}

// ChatStream sends a streaming message request. Text deltas go to
// onToken as they arrive; tool input JSON accumulates per content
// block and is finalized on the block's stop event.
func (b *AnthropicBackend) ChatStream(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	const op = "anthropic.chat"
	if strings.TrimSpace(req.Model) == "" {
		return nil, types.NewError(types.CategoryFatal, op, "model is required")
	}
	params, err := buildAnthropicParams(req)
	if err != nil {
		return nil, err
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	out := &Response{}
	var text strings.Builder
	var current *types.ToolCall
	var currentInput strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				current = &types.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					if onToken != nil {
						onToken(delta.Text)
					}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = parseArguments(currentInput.String())
				out.ToolCalls = append(out.ToolCalls, *current)
				current = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, anthropicError(op, err)
	}

	out.Text = text.String()
	out.Metadata = map[string]any{
		"prompt_tokens":     inputTokens,
		"completion_tokens": outputTokens,
	}
	return out, nil
}

// Load is a no-op; hosted models are always resident.
func (b *AnthropicBackend) Load(ctx context.Context, model string) error {
	return nil
}

// Unload is a no-op; hosted models cannot be evicted.
func (b *AnthropicBackend) Unload(ctx context.Context, model string) error {
	return nil
}

// ListModels reports commonly used model identifiers. The Messages API
// offers no cheap catalog call, so this mirrors the documented set.
func (b *AnthropicBackend) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
	}, nil
}

// buildAnthropicParams converts the request to Messages API parameters.
// System turns are lifted into the dedicated system field, tool turns
// become tool_result blocks inside user messages, and assistant tool
// calls become tool_use blocks.
func buildAnthropicParams(req *Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: defaultAnthropicMaxTokens,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	var system strings.Builder
	var messages []anthropic.MessageParam
	for _, t := range req.Turns {
		switch t.Role {
		case types.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(t.Content)

		case types.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if t.Content != "" {
				content = append(content, anthropic.NewTextBlock(t.Content))
			}
			for _, tc := range t.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			// The API rejects empty messages.
			if len(content) == 0 {
				continue
			}
			messages = append(messages, anthropic.NewAssistantMessage(content...))

		case types.RoleTool:
			block := anthropic.NewToolResultBlock(t.ToolCallID, t.Content, t.IsError)
			messages = append(messages, anthropic.NewUserMessage(block))

		default:
			if t.Content == "" {
				continue
			}
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	params.Messages = messages
	if system.Len() > 0 {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system.String()}}
	}

	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func anthropicTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	const op = "anthropic.tools"
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if len(spec.Schema) > 0 {
			if err := json.Unmarshal(spec.Schema, &schema); err != nil {
				return nil, types.WrapError(types.CategoryFatal, op, fmt.Errorf("invalid schema for %s: %w", spec.Name, err))
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if tool.OfTool == nil {
			return nil, types.NewError(types.CategoryFatal, op, fmt.Sprintf("invalid tool definition for %s", spec.Name))
		}
		tool.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, tool)
	}
	return out, nil
}

// anthropicError converts an SDK failure into a categorized error.
func anthropicError(op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiError(op, apiErr.StatusCode, anthropicErrorMessage(apiErr))
	}
	return wrapErr(op, err)
}

func anthropicErrorMessage(apiErr *anthropic.Error) string {
	raw := apiErr.RawJSON()
	if raw == "" {
		return apiErr.Error()
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return apiErr.Error()
}
