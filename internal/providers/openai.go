package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sindri-dev/sindri/pkg/types"
)

// OpenAIBackend serves the hosted OpenAI API and OpenAI-compatible
// local servers such as vLLM, llama.cpp, and LM Studio. Those servers
// manage model residency themselves, so Load only verifies the model
// is actually served and Unload is a no-op.
type OpenAIBackend struct {
	client *openai.Client
}

var _ Backend = (*OpenAIBackend)(nil)

// NewOpenAI creates an OpenAI-compatible backend. An empty baseURL
// targets the hosted API.
func NewOpenAI(apiKey, baseURL string) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg)}
}

// Name returns the backend name.
func (b *OpenAIBackend) Name() string {
	return "openai"
}

// Chat sends a non-streaming chat completion.
func (b *OpenAIBackend) Chat(ctx context.Context, req *Request) (*Response, error) {
	const op = "openai.chat"
	chatReq, err := b.buildRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, openaiError(op, err)
	}

	out := &Response{Metadata: map[string]any{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}}
	if len(resp.Choices) == 0 {
		return out, nil
	}
	msg := resp.Choices[0].Message
	out.Text = msg.Content
	for _, call := range msg.ToolCalls {
		id := call.ID
		if id == "" {
			id = uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: parseArguments(call.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream sends a streaming chat completion. Tool calls arrive as
// incremental deltas keyed by index and are accumulated until the
// stream ends.
func (b *OpenAIBackend) ChatStream(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	const op = "openai.chat"
	chatReq, err := b.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, openaiError(op, err)
	}
	defer stream.Close()

	var text strings.Builder
	pending := map[int]*pendingCall{}

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, openaiError(op, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if onToken != nil {
				onToken(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &pendingCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	out := &Response{Text: text.String()}
	indexes := make([]int, 0, len(pending))
	for index := range pending {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		call := pending[index]
		if call.name == "" {
			continue
		}
		id := call.id
		if id == "" {
			id = uuid.NewString()
		}
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        id,
			Name:      call.name,
			Arguments: parseArguments(call.args.String()),
		})
	}
	return out, nil
}

// Load verifies the model is served. There is nothing to pull; the
// server owns residency.
func (b *OpenAIBackend) Load(ctx context.Context, model string) error {
	const op = "openai.load"
	models, err := b.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return types.NewError(types.CategoryResource, op, fmt.Sprintf("model %q not served", model))
}

// Unload is a no-op; the server owns residency.
func (b *OpenAIBackend) Unload(ctx context.Context, model string) error {
	return nil
}

// ListModels reports the models the server advertises.
func (b *OpenAIBackend) ListModels(ctx context.Context) ([]string, error) {
	const op = "openai.models"
	resp, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, openaiError(op, err)
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.ID)
	}
	return names, nil
}

func (b *OpenAIBackend) buildRequest(req *Request, stream bool) (openai.ChatCompletionRequest, error) {
	if strings.TrimSpace(req.Model) == "" {
		return openai.ChatCompletionRequest{}, types.NewError(types.CategoryFatal, "openai.chat", "model is required")
	}
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: buildOpenAIMessages(req.Turns),
		Stream:   stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = openAITools(req.Tools)
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out, nil
}

// pendingCall accumulates one tool call across stream deltas.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// buildOpenAIMessages converts turns to the chat-completions wire
// shape. Tool turns become role "tool" messages linked by call ID.
func buildOpenAIMessages(turns []types.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case types.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: t.Content,
			}
			for _, tc := range t.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.ArgumentsJSON(),
					},
				})
			}
			messages = append(messages, msg)
		case types.RoleTool:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    t.Content,
				ToolCallID: t.ToolCallID,
			})
		default:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    string(t.Role),
				Content: t.Content,
			})
		}
	}
	return messages
}

// openAITools converts tool specs to the function-calling wire shape
// shared by OpenAI-compatible servers and Ollama.
func openAITools(specs []ToolSpec) []openai.Tool {
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		params := spec.Schema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// openaiError converts a go-openai failure into a categorized error.
func openaiError(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiError(op, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return apiError(op, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return wrapErr(op, err)
}
