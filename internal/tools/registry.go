// Package tools implements the tool registry and the text-mode
// tool-call parser. Tools are uniform handles dispatched by name: the
// registry validates arguments against each tool's JSON Schema, recovers
// panics, and reports every failure as a categorized ToolResult rather
// than an error.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

// Tool is one registered capability. Execute confines filesystem access
// to workDir and expresses failures in the ToolResult; it must not
// panic or return partial state.
type Tool interface {
	Name() string
	Description() string

	// Schema is the JSON Schema for the argument object. Empty skips
	// validation.
	Schema() []byte

	// WriteClass marks tools whose success counts as concrete progress
	// for completion validation: file writes, shell commands.
	WriteClass() bool

	Execute(ctx context.Context, args map[string]any, workDir string) types.ToolResult
}

// Registry maps tool names to handles.
type Registry struct {
	logger *observability.Logger

	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry builds an empty registry. A nil logger is replaced with a
// no-op one.
func NewRegistry(logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		logger:   logger,
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema up front so bad schemas
// surface at startup instead of at call time. Duplicate names are
// rejected.
func (r *Registry) Register(t Tool) error {
	const op = "tools.register"

	name := t.Name()
	if name == "" {
		return types.NewError(types.CategoryFatal, op, "tool has no name")
	}

	var compiled *jsonschema.Schema
	if schema := t.Schema(); len(schema) > 0 {
		var err error
		compiled, err = jsonschema.CompileString(name+".schema.json", string(schema))
		if err != nil {
			return types.WrapError(types.CategoryFatal, op, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("tool %q already registered", name))
	}
	r.tools[name] = t
	if compiled != nil {
		r.compiled[name] = compiled
	}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools lists registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// IsWriteClass reports whether the named tool makes concrete changes.
// Unknown tools are not write-class.
func (r *Registry) IsWriteClass(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.WriteClass()
}

// Execute dispatches one call. The result is always usable: unknown
// tools and schema violations come back as AGENT failures the model can
// correct, and a panicking tool is reported as a FATAL failure instead
// of unwinding the loop.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall, workDir string) (result types.ToolResult) {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	compiled := r.compiled[call.Name]
	r.mu.RUnlock()

	if !ok {
		return types.FailResult(types.CategoryAgent, fmt.Sprintf("unknown tool %q", call.Name))
	}

	if compiled != nil {
		if err := validateArgs(compiled, call.Arguments); err != nil {
			return types.FailResult(types.CategoryAgent,
				fmt.Sprintf("invalid arguments for %s: %v", call.Name, err))
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "tool panicked",
				"tool", call.Name, "panic", rec, "stack", string(debug.Stack()))
			result = types.FailResult(types.CategoryFatal,
				fmt.Sprintf("tool %s panicked: %v", call.Name, rec))
		}
	}()

	start := time.Now()
	result = tool.Execute(ctx, call.Arguments, workDir)
	r.logger.Debug(ctx, "tool executed",
		"tool", call.Name, "success", result.Success,
		"duration_ms", time.Since(start).Milliseconds())
	return result
}

// validateArgs round-trips the arguments through encoding/json so the
// validator sees canonical JSON values.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
