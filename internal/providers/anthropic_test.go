package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/sindri-dev/sindri/pkg/types"
)

func TestBuildAnthropicParams(t *testing.T) {
	temp := 0.3
	req := &Request{
		Model:       "claude-3-5-sonnet-20241022",
		Temperature: &temp,
		Turns: []types.Turn{
			{Role: types.RoleSystem, Content: "be careful"},
			{Role: types.RoleUser, Content: "write a.go"},
			{
				Role:    types.RoleAssistant,
				Content: "writing",
				ToolCalls: []types.ToolCall{
					{ID: "call-1", Name: "write_file", Arguments: map[string]any{"path": "a.go"}},
				},
			},
			{Role: types.RoleTool, Content: "wrote 10 bytes", ToolCallID: "call-1"},
		},
	}

	params, err := buildAnthropicParams(req)
	if err != nil {
		t.Fatalf("buildAnthropicParams: %v", err)
	}

	if params.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("max tokens = %d, want %d", params.MaxTokens, defaultAnthropicMaxTokens)
	}
	// System turns are lifted out of the message list.
	if len(params.System) != 1 || params.System[0].Text != "be careful" {
		t.Fatalf("system = %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(params.Messages))
	}

	assistant := params.Messages[1]
	if assistant.Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("role[1] = %q", assistant.Role)
	}
	if len(assistant.Content) != 2 {
		t.Fatalf("assistant blocks = %d, want 2", len(assistant.Content))
	}
	if assistant.Content[0].OfText == nil || assistant.Content[0].OfText.Text != "writing" {
		t.Errorf("text block = %+v", assistant.Content[0])
	}
	toolUse := assistant.Content[1].OfToolUse
	if toolUse == nil || toolUse.ID != "call-1" || toolUse.Name != "write_file" {
		t.Errorf("tool_use block = %+v", assistant.Content[1])
	}

	result := params.Messages[2]
	if result.Role != anthropic.MessageParamRoleUser {
		t.Errorf("role[2] = %q", result.Role)
	}
	toolResult := result.Content[0].OfToolResult
	if toolResult == nil || toolResult.ToolUseID != "call-1" {
		t.Errorf("tool_result block = %+v", result.Content[0])
	}
}

func TestBuildAnthropicParams_MultipleSystemTurnsConcatenate(t *testing.T) {
	req := &Request{
		Model: "m",
		Turns: []types.Turn{
			{Role: types.RoleSystem, Content: "one"},
			{Role: types.RoleSystem, Content: "two"},
			{Role: types.RoleUser, Content: "go"},
		},
	}
	params, err := buildAnthropicParams(req)
	if err != nil {
		t.Fatalf("buildAnthropicParams: %v", err)
	}
	if len(params.System) != 1 || params.System[0].Text != "one\n\ntwo" {
		t.Errorf("system = %+v", params.System)
	}
}

func TestAnthropicTools(t *testing.T) {
	tools, err := anthropicTools([]ToolSpec{
		{
			Name:        "read_file",
			Description: "Read a file",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		},
	})
	if err != nil {
		t.Fatalf("anthropicTools: %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].OfTool.Name != "read_file" {
		t.Errorf("name = %q", tools[0].OfTool.Name)
	}
}

func TestAnthropicTools_InvalidSchema(t *testing.T) {
	_, err := anthropicTools([]ToolSpec{
		{Name: "bad", Schema: json.RawMessage(`{not json`)},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !types.IsFatal(err) {
		t.Errorf("category = %q, want fatal", types.CategoryOf(err))
	}
}

func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.Contains(r.URL.Path, "/messages") {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Error("missing x-api-key header")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		events := []string{
			`event: message_start`,
			`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":12,"output_tokens":1}}}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":0}`,
			``,
			`event: content_block_start`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"search_text","input":{}}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
			``,
			`event: content_block_delta`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"TODO\"}"}}`,
			``,
			`event: content_block_stop`,
			`data: {"type":"content_block_stop","index":1}`,
			``,
			`event: message_delta`,
			`data: {"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":9}}`,
			``,
			`event: message_stop`,
			`data: {"type":"message_stop"}`,
			``,
		}
		for _, event := range events {
			fmt.Fprintln(w, event)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	backend := NewAnthropic("test-key", srv.URL)
	var tokens []string
	resp, err := backend.ChatStream(context.Background(), &Request{
		Model: "claude-3-5-sonnet-20241022",
		Turns: []types.Turn{{Role: types.RoleUser, Content: "find TODOs"}},
	}, func(token string) { tokens = append(tokens, token) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if resp.Text != "Hello world" {
		t.Errorf("text = %q, want %q", resp.Text, "Hello world")
	}
	if len(tokens) != 2 {
		t.Errorf("tokens = %v", tokens)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "toolu_1" || call.Name != "search_text" {
		t.Errorf("call = %+v", call)
	}
	if call.Arguments["query"] != "TODO" {
		t.Errorf("arguments = %v", call.Arguments)
	}
	if resp.Metadata["prompt_tokens"] != 12 || resp.Metadata["completion_tokens"] != 9 {
		t.Errorf("metadata = %v", resp.Metadata)
	}
}

func TestAnthropicLoadUnloadAreNoOps(t *testing.T) {
	backend := NewAnthropic("test-key", "")
	if err := backend.Load(context.Background(), "claude-3-5-haiku-20241022"); err != nil {
		t.Errorf("Load: %v", err)
	}
	if err := backend.Unload(context.Background(), "claude-3-5-haiku-20241022"); err != nil {
		t.Errorf("Unload: %v", err)
	}
}
