package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sindri-dev/sindri/pkg/types"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "sindri.yaml", "data_dir: /tmp/sindri-test\n")

	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}

	if cfg.TotalVRAMGB != 16 {
		t.Errorf("TotalVRAMGB = %v, want 16", cfg.TotalVRAMGB)
	}
	if cfg.MaxDelegationDepth != 5 {
		t.Errorf("MaxDelegationDepth = %v, want 5", cfg.MaxDelegationDepth)
	}
	if !cfg.Streaming {
		t.Error("Streaming should default to true")
	}
	if !cfg.Checkpoint.Enabled {
		t.Error("Checkpoint.Enabled should default to true")
	}
	if cfg.Stuck.SimilarityThreshold != 0.8 || cfg.Stuck.MaxNudges != 3 {
		t.Errorf("Stuck = %+v, want 0.8/3", cfg.Stuck)
	}
	if cfg.Retry.BaseMs != 500 || cfg.Retry.MaxMs != 5000 || cfg.Retry.Multiplier != 2 || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry = %+v, want 500/5000/2/3", cfg.Retry)
	}
	if cfg.MemoryTierShares["working"] != 50 || cfg.MemoryTierShares["analysis"] != 9 {
		t.Errorf("MemoryTierShares = %v", cfg.MemoryTierShares)
	}
	if cfg.Backend.Kind != "ollama" || cfg.Backend.BaseURL != "http://localhost:11434" {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, "sindri.yaml", `
data_dir: /tmp/sindri-test
total_vram_gb: 24
reserve_vram_gb: 2
streaming: false
stuck:
  similarity_threshold: 0.9
retry:
  base_ms: 250
checkpoint:
  enabled: false
memory_tier_shares:
  working: 60
`)

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TotalVRAMGB != 24 || cfg.ReserveVRAMGB != 2 {
		t.Errorf("VRAM = %v/%v, want 24/2", cfg.TotalVRAMGB, cfg.ReserveVRAMGB)
	}
	if cfg.UsableVRAMGB() != 22 {
		t.Errorf("UsableVRAMGB() = %v, want 22", cfg.UsableVRAMGB())
	}
	if cfg.Streaming {
		t.Error("Streaming should be overridden to false")
	}
	if cfg.Checkpoint.Enabled {
		t.Error("Checkpoint.Enabled should be overridden to false")
	}
	if cfg.Stuck.SimilarityThreshold != 0.9 {
		t.Errorf("SimilarityThreshold = %v, want 0.9", cfg.Stuck.SimilarityThreshold)
	}
	// Partial override keeps the untouched nudge default.
	if cfg.Stuck.MaxNudges != 3 {
		t.Errorf("MaxNudges = %v, want default 3", cfg.Stuck.MaxNudges)
	}
	if cfg.Retry.BaseMs != 250 || cfg.Retry.MaxMs != 5000 {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.MemoryTierShares["working"] != 60 {
		t.Errorf("working share = %v, want 60", cfg.MemoryTierShares["working"])
	}
}

func TestLoad_UnknownKeysWarn(t *testing.T) {
	path := writeConfig(t, "sindri.yaml", `
data_dir: /tmp/sindri-test
total_vram: 24
nonsense_section:
  foo: 1
`)

	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v, want 2 entries", warnings)
	}
	for _, w := range warnings {
		if !strings.Contains(w, "unknown config option") {
			t.Errorf("warning %q should name the unknown option", w)
		}
	}
	// The misspelled key must not leak into a recognized one.
	if cfg.TotalVRAMGB != 16 {
		t.Errorf("TotalVRAMGB = %v, want default 16", cfg.TotalVRAMGB)
	}
}

func TestSanitize_Clamps(t *testing.T) {
	cfg := &Config{
		TotalVRAMGB:   -4,
		ReserveVRAMGB: -1,
		Stuck:         StuckConfig{SimilarityThreshold: 1.5, MaxNudges: -2},
		Retry:         RetryConfig{BaseMs: -100, Multiplier: 0.5},
	}
	cfg.sanitize()

	if cfg.TotalVRAMGB != 16 {
		t.Errorf("TotalVRAMGB = %v, want 16", cfg.TotalVRAMGB)
	}
	if cfg.ReserveVRAMGB != 0 {
		t.Errorf("ReserveVRAMGB = %v, want 0", cfg.ReserveVRAMGB)
	}
	if cfg.Stuck.SimilarityThreshold != 0.8 {
		t.Errorf("SimilarityThreshold = %v, want 0.8", cfg.Stuck.SimilarityThreshold)
	}
	if cfg.Stuck.MaxNudges != 3 {
		t.Errorf("MaxNudges = %v, want 3", cfg.Stuck.MaxNudges)
	}
	if cfg.Retry.BaseMs != 500 || cfg.Retry.Multiplier != 2 {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should be defaulted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "reserve swallows total",
			mutate:  func(c *Config) { c.ReserveVRAMGB = 16 },
			wantErr: "no usable budget",
		},
		{
			name: "duplicate agent name",
			mutate: func(c *Config) {
				c.Agents = []types.AgentDefinition{
					{Name: "coder", Model: "m"},
					{Name: "coder", Model: "m"},
				}
			},
			wantErr: "duplicate agent name",
		},
		{
			name: "agent missing model",
			mutate: func(c *Config) {
				c.Agents = []types.AgentDefinition{{Name: "coder"}}
			},
			wantErr: "model is required",
		},
		{
			name: "unknown delegate target",
			mutate: func(c *Config) {
				c.Agents = []types.AgentDefinition{
					{Name: "orchestrator", Model: "m", DelegateTo: []string{"ghost"}},
				}
			},
			wantErr: "unknown agent",
		},
		{
			name: "valid delegation graph",
			mutate: func(c *Config) {
				c.Agents = []types.AgentDefinition{
					{Name: "orchestrator", Model: "m", DelegateTo: []string{"coder"}},
					{Name: "coder", Model: "m"},
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRetryConfig_Policy(t *testing.T) {
	p := (RetryConfig{BaseMs: 250, MaxMs: 4000, Multiplier: 3, MaxAttempts: 5}).Policy()
	if p.BaseMs != 250 || p.MaxMs != 4000 || p.Multiplier != 3 || p.MaxAttempts != 5 {
		t.Errorf("Policy() = %+v", p)
	}
}

func TestJSONSchema(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, key := range []string{"total_vram_gb", "max_delegation_depth", "similarity_threshold", "agents"} {
		if !strings.Contains(string(schema), key) {
			t.Errorf("schema missing %q", key)
		}
	}
}
