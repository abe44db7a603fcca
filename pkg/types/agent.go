// Package types provides the shared domain types for the Sindri
// orchestration kernel: tasks, sessions, agent definitions, events,
// tool calls, and the error taxonomy.
package types

// AgentDefinition is the static description of one agent: a named policy
// binding a model, a prompt, a tool set, iteration limits, and a
// delegation whitelist. Definitions are loaded from configuration at
// startup and never mutated afterwards.
type AgentDefinition struct {
	// Name uniquely identifies the agent (e.g. "orchestrator", "coder").
	Name string `json:"name" yaml:"name"`

	// Role is a short human-readable description of the agent's purpose.
	Role string `json:"role,omitempty" yaml:"role,omitempty"`

	// Model is the primary model the agent runs on.
	Model string `json:"model" yaml:"model"`

	// FallbackModel is tried when the primary model cannot be loaded
	// due to resource exhaustion. Optional.
	FallbackModel string `json:"fallback_model,omitempty" yaml:"fallback_model,omitempty"`

	// VRAMGB is the VRAM footprint of the primary model in gigabytes.
	// Zero means the model costs no local VRAM (remote backends).
	VRAMGB float64 `json:"vram_gb" yaml:"vram_gb"`

	// FallbackVRAMGB is the VRAM footprint of the fallback model.
	FallbackVRAMGB float64 `json:"fallback_vram_gb,omitempty" yaml:"fallback_vram_gb,omitempty"`

	// Tools lists the tool names this agent may invoke.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`

	// MaxIterations caps the agent loop. Zero means use the configured
	// default.
	MaxIterations int `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`

	// DelegateTo whitelists agent names this agent may delegate to.
	DelegateTo []string `json:"delegate_to,omitempty" yaml:"delegate_to,omitempty"`

	// Prompt is the system prompt seeded into every new session.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Temperature overrides the backend sampling temperature. Nil means
	// backend default.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// SimilarityThreshold tunes stuck detection (word overlap between
	// consecutive responses, 0..1). Zero means use the configured default.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty" yaml:"similarity_threshold,omitempty"`

	// MaxNudges caps consecutive stuck nudges before the loop gives up.
	// Zero means use the configured default.
	MaxNudges int `json:"max_nudges,omitempty" yaml:"max_nudges,omitempty"`

	// AnalysisOnly marks agents whose tasks complete without tool
	// executions (reviewers, planners). Completion validation skips the
	// executed-tool requirement for them.
	AnalysisOnly bool `json:"analysis_only,omitempty" yaml:"analysis_only,omitempty"`

	// KeepWarm requests that the agent's primary model is exempt from
	// LRU eviction once loaded.
	KeepWarm bool `json:"keep_warm,omitempty" yaml:"keep_warm,omitempty"`
}

// CanDelegateTo reports whether target is on the agent's delegation
// whitelist.
func (a *AgentDefinition) CanDelegateTo(target string) bool {
	for _, name := range a.DelegateTo {
		if name == target {
			return true
		}
	}
	return false
}

// HasTool reports whether the agent is allowed to invoke the named tool.
func (a *AgentDefinition) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}
