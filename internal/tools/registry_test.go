package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

type fakeTool struct {
	name       string
	schema     string
	writeClass bool
	execute    func(ctx context.Context, args map[string]any, workDir string) types.ToolResult
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake tool for tests" }
func (f *fakeTool) Schema() []byte {
	if f.schema == "" {
		return nil
	}
	return []byte(f.schema)
}
func (f *fakeTool) WriteClass() bool { return f.writeClass }
func (f *fakeTool) Execute(ctx context.Context, args map[string]any, workDir string) types.ToolResult {
	if f.execute != nil {
		return f.execute(ctx, args, workDir)
	}
	return types.OkResult("ok")
}

const echoSchema = `{
	"type": "object",
	"properties": {
		"text": {"type": "string"}
	},
	"required": ["text"]
}`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(observability.NopLogger())
	echo := &fakeTool{
		name:   "echo",
		schema: echoSchema,
		execute: func(_ context.Context, args map[string]any, _ string) types.ToolResult {
			text, _ := args["text"].(string)
			return types.OkResult(text)
		},
	}
	if err := r.Register(echo); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return r
}

func TestRegistryExecute(t *testing.T) {
	r := newTestRegistry(t)

	res := r.Execute(context.Background(), types.ToolCall{
		Name:      "echo",
		Arguments: map[string]any{"text": "hello"},
	}, t.TempDir())
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if res.Output != "hello" {
		t.Errorf("output = %q, want %q", res.Output, "hello")
	}
}

func TestRegistryExecute_UnknownTool(t *testing.T) {
	r := newTestRegistry(t)

	res := r.Execute(context.Background(), types.ToolCall{Name: "launch"}, "")
	if res.Success {
		t.Fatal("unknown tool succeeded")
	}
	if res.Category != types.CategoryAgent {
		t.Errorf("category = %q, want agent", res.Category)
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRegistryExecute_SchemaViolation(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"text": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), types.ToolCall{
				Name:      "echo",
				Arguments: tt.args,
			}, "")
			if res.Success {
				t.Fatal("invalid arguments accepted")
			}
			if res.Category != types.CategoryAgent {
				t.Errorf("category = %q, want agent", res.Category)
			}
			if !strings.Contains(res.Error, "invalid arguments") {
				t.Errorf("error = %q", res.Error)
			}
		})
	}
}

func TestRegistryExecute_PanicBecomesFatalResult(t *testing.T) {
	r := newTestRegistry(t)
	boom := &fakeTool{
		name: "boom",
		execute: func(context.Context, map[string]any, string) types.ToolResult {
			panic("kaboom")
		},
	}
	if err := r.Register(boom); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Execute(context.Background(), types.ToolCall{Name: "boom"}, "")
	if res.Success {
		t.Fatal("panicking tool reported success")
	}
	if res.Category != types.CategoryFatal {
		t.Errorf("category = %q, want fatal", res.Category)
	}
	if !strings.Contains(res.Error, "kaboom") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRegistryExecute_NoSchemaSkipsValidation(t *testing.T) {
	r := newTestRegistry(t)
	free := &fakeTool{name: "free"}
	if err := r.Register(free); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Execute(context.Background(), types.ToolCall{
		Name:      "free",
		Arguments: map[string]any{"anything": []any{1, "x"}},
	}, "")
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
}

func TestRegistryRegister_Duplicate(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(&fakeTool{name: "echo"})
	if err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if !types.IsFatal(err) {
		t.Errorf("category = %q, want fatal", types.CategoryOf(err))
	}
}

func TestRegistryRegister_EmptyName(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&fakeTool{}); err == nil {
		t.Fatal("empty name accepted")
	}
}

func TestRegistryRegister_BadSchema(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&fakeTool{name: "broken", schema: `{"type": ???}`})
	if err == nil {
		t.Fatal("malformed schema accepted")
	}
	if !types.IsFatal(err) {
		t.Errorf("category = %q, want fatal", types.CategoryOf(err))
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := newTestRegistry(t)
	for _, name := range []string{"zeta", "alpha"} {
		if err := r.Register(&fakeTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	want := []string{"alpha", "echo", "zeta"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names = %v, want %v", got, want)
		}
	}

	tools := r.Tools()
	for i, tool := range tools {
		if tool.Name() != want[i] {
			t.Fatalf("tools[%d] = %q, want %q", i, tool.Name(), want[i])
		}
	}
}

func TestRegistryIsWriteClass(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(&fakeTool{name: "writer", writeClass: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if r.IsWriteClass("echo") {
		t.Error("echo reported write-class")
	}
	if !r.IsWriteClass("writer") {
		t.Error("writer not reported write-class")
	}
	if r.IsWriteClass("ghost") {
		t.Error("unregistered tool reported write-class")
	}
}

func TestRegistryGet(t *testing.T) {
	r := newTestRegistry(t)
	if _, ok := r.Get("echo"); !ok {
		t.Error("echo not found")
	}
	if _, ok := r.Get("ghost"); ok {
		t.Error("ghost found")
	}
}
