package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sindri-dev/sindri/pkg/types"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	BaseURL string
	Timeout time.Duration
}

// OllamaBackend talks to a local Ollama daemon over its HTTP API. Chat
// uses /api/chat with NDJSON streaming. Residency is driven through
// /api/generate: an empty prompt loads a model, keep_alive zero evicts
// it.
type OllamaBackend struct {
	client  *http.Client
	baseURL string
}

var _ Backend = (*OllamaBackend)(nil)

// NewOllama creates an Ollama backend.
func NewOllama(cfg OllamaConfig) *OllamaBackend {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Name returns the backend name.
func (b *OllamaBackend) Name() string {
	return "ollama"
}

// Chat sends a non-streaming chat request.
func (b *OllamaBackend) Chat(ctx context.Context, req *Request) (*Response, error) {
	return b.chat(ctx, req, false, nil)
}

// ChatStream sends a streaming chat request, forwarding each content
// fragment to onToken.
func (b *OllamaBackend) ChatStream(ctx context.Context, req *Request, onToken TokenFunc) (*Response, error) {
	return b.chat(ctx, req, true, onToken)
}

func (b *OllamaBackend) chat(ctx context.Context, req *Request, stream bool, onToken TokenFunc) (*Response, error) {
	const op = "ollama.chat"
	if strings.TrimSpace(req.Model) == "" {
		return nil, types.NewError(types.CategoryFatal, op, "model is required")
	}

	payload := ollamaChatRequest{
		Model:    req.Model,
		Stream:   stream,
		Messages: buildOllamaMessages(req.Turns),
	}
	if len(req.Tools) > 0 {
		payload.Tools = openAITools(req.Tools)
	}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		payload.Options = opts
	}

	resp, err := b.post(ctx, op, "/api/chat", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if stream {
		return b.readStream(ctx, resp.Body, onToken)
	}
	return b.readSingle(resp.Body)
}

// readSingle decodes the one-object body of a non-streaming chat call.
func (b *OllamaBackend) readSingle(body io.Reader) (*Response, error) {
	const op = "ollama.chat"
	var chunk ollamaChatResponse
	if err := json.NewDecoder(body).Decode(&chunk); err != nil {
		return nil, wrapErr(op, fmt.Errorf("decode response: %w", err))
	}
	if chunk.Error != "" {
		return nil, types.NewError(types.ClassifyError(errors.New(chunk.Error)), op, chunk.Error)
	}

	out := &Response{Metadata: map[string]any{
		"prompt_tokens":     chunk.PromptEvalCount,
		"completion_tokens": chunk.EvalCount,
	}}
	if chunk.Message != nil {
		out.Text = chunk.Message.Content
		out.ToolCalls = appendOllamaCalls(nil, map[string]struct{}{}, chunk.Message.ToolCalls)
	}
	return out, nil
}

// readStream consumes the NDJSON body of a streaming chat call.
func (b *OllamaBackend) readStream(ctx context.Context, body io.Reader, onToken TokenFunc) (*Response, error) {
	const op = "ollama.chat"

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	out := &Response{}
	var text strings.Builder
	emitted := map[string]struct{}{}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, wrapErr(op, fmt.Errorf("decode response: %w", err))
		}
		if chunk.Error != "" {
			return nil, types.NewError(types.ClassifyError(errors.New(chunk.Error)), op, chunk.Error)
		}
		if chunk.Message != nil {
			if chunk.Message.Content != "" {
				text.WriteString(chunk.Message.Content)
				if onToken != nil {
					onToken(chunk.Message.Content)
				}
			}
			out.ToolCalls = appendOllamaCalls(out.ToolCalls, emitted, chunk.Message.ToolCalls)
		}
		if chunk.Done {
			out.Metadata = map[string]any{
				"prompt_tokens":     chunk.PromptEvalCount,
				"completion_tokens": chunk.EvalCount,
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapErr(op, err)
	}

	out.Text = text.String()
	return out, nil
}

// Load pulls the model into memory by issuing a generate call with an
// empty prompt. Ollama returns once the model is resident.
func (b *OllamaBackend) Load(ctx context.Context, model string) error {
	const op = "ollama.load"
	resp, err := b.post(ctx, op, "/api/generate", ollamaGenerateRequest{Model: model})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		Done  bool   `json:"done"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wrapErr(op, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != "" {
		// Anything the daemon reports at load time is a residency
		// problem; the caller falls back rather than retrying.
		return types.NewError(types.CategoryResource, op, out.Error)
	}
	return nil
}

// Unload evicts the model by setting keep_alive to zero.
func (b *OllamaBackend) Unload(ctx context.Context, model string) error {
	const op = "ollama.unload"
	keep := 0
	resp, err := b.post(ctx, op, "/api/generate", ollamaGenerateRequest{Model: model, KeepAlive: &keep})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<10))
	return nil
}

// ListModels reports the models the daemon has pulled.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	const op = "ollama.models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, types.WrapError(types.CategoryFatal, op, err)
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, apiError(op, resp.StatusCode, string(msg))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, wrapErr(op, fmt.Errorf("decode response: %w", err))
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// post sends a JSON request and returns the response with an open body.
// Non-2xx statuses are converted to categorized errors.
func (b *OllamaBackend) post(ctx context.Context, op, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, types.WrapError(types.CategoryFatal, op, fmt.Errorf("marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.CategoryFatal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, apiError(op, resp.StatusCode, string(msg))
	}
	return resp, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openai.Tool   `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaMessage `json:"message"`
	Done            bool           `json:"done"`
	Error           string         `json:"error"`
	EvalCount       int            `json:"eval_count"`
	PromptEvalCount int            `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaGenerateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	Stream    bool   `json:"stream"`
	KeepAlive *int   `json:"keep_alive,omitempty"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// buildOllamaMessages converts turns to the Ollama wire shape. Tool
// turns resolve their tool_name from the turn itself or, failing that,
// from the assistant call they answer.
func buildOllamaMessages(turns []types.Turn) []ollamaMessage {
	toolNames := map[string]string{}
	for _, t := range turns {
		for _, tc := range t.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	messages := make([]ollamaMessage, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case types.RoleAssistant:
			msg := ollamaMessage{Role: "assistant", Content: t.Content}
			if len(t.ToolCalls) > 0 {
				msg.ToolCalls = make([]ollamaToolCall, len(t.ToolCalls))
				for i, tc := range t.ToolCalls {
					args := tc.Arguments
					if args == nil {
						args = map[string]any{}
					}
					msg.ToolCalls[i] = ollamaToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: ollamaFunction{
							Name:      tc.Name,
							Arguments: args,
						},
					}
				}
			}
			messages = append(messages, msg)
		case types.RoleTool:
			name := t.ToolName
			if name == "" {
				name = toolNames[t.ToolCallID]
			}
			messages = append(messages, ollamaMessage{
				Role:     "tool",
				Content:  t.Content,
				ToolName: name,
			})
		default:
			messages = append(messages, ollamaMessage{
				Role:    string(t.Role),
				Content: t.Content,
			})
		}
	}
	return messages
}

// appendOllamaCalls converts and deduplicates streamed tool calls. The
// daemon occasionally repeats a call across chunks; the key is the
// supplied ID or a name:args fingerprint when there is none.
func appendOllamaCalls(dst []types.ToolCall, emitted map[string]struct{}, raw []ollamaToolCall) []types.ToolCall {
	for _, tc := range raw {
		key := ollamaCallKey(tc)
		if key != "" {
			if _, ok := emitted[key]; ok {
				continue
			}
			emitted[key] = struct{}{}
		}

		id := strings.TrimSpace(tc.ID)
		if id == "" {
			id = uuid.NewString()
		}
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		dst = append(dst, types.ToolCall{
			ID:        id,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		})
	}
	return dst
}

func ollamaCallKey(tc ollamaToolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	if name == "" && len(tc.Function.Arguments) == 0 {
		return ""
	}
	args, _ := json.Marshal(tc.Function.Arguments)
	return name + ":" + string(args)
}
