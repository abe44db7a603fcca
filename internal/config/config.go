// Package config loads and validates the kernel configuration from
// YAML or JSON5 files, with $include composition and environment
// variable expansion. Unrecognized keys warn instead of failing so old
// configs keep working across upgrades.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sindri-dev/sindri/internal/backoff"
	"github.com/sindri-dev/sindri/pkg/types"
)

// Config is the root configuration for the Sindri kernel.
type Config struct {
	// DataDir is where the SQLite store, vector index, and backups
	// live. Defaults to ~/.sindri.
	DataDir string `yaml:"data_dir"`

	// TotalVRAMGB is the hard ceiling on concurrent loaded-model
	// footprint in gigabytes.
	TotalVRAMGB float64 `yaml:"total_vram_gb"`

	// ReserveVRAMGB is subtracted from the total before admission,
	// leaving headroom for the OS and display.
	ReserveVRAMGB float64 `yaml:"reserve_vram_gb"`

	// MaxContextTokens is the upper bound for the context builder.
	MaxContextTokens int `yaml:"max_context_tokens"`

	// MemoryTierShares overrides the default context budget split.
	// Keys: working, episodic, semantic, pattern, analysis. Values are
	// percents.
	MemoryTierShares map[string]int `yaml:"memory_tier_shares"`

	// MaxDelegationDepth caps the delegation chain length.
	MaxDelegationDepth int `yaml:"max_delegation_depth"`

	// DefaultMaxIterations is the loop cap used when an agent
	// definition omits its own.
	DefaultMaxIterations int `yaml:"default_max_iterations"`

	// Streaming enables token streaming from the LLM backend.
	Streaming bool `yaml:"streaming"`

	Stuck      StuckConfig      `yaml:"stuck"`
	Retry      RetryConfig      `yaml:"retry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Backend    BackendConfig    `yaml:"backend"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Indexer    IndexerConfig    `yaml:"indexer"`

	// Agents is the static agent registry.
	Agents []types.AgentDefinition `yaml:"agents"`
}

// StuckConfig tunes non-progress detection in the agent loop.
type StuckConfig struct {
	// SimilarityThreshold is the word-overlap ratio (0..1) at which two
	// consecutive responses count as repetition.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MaxNudges is how many consecutive nudges are injected before the
	// loop gives up with reason "stuck".
	MaxNudges int `yaml:"max_nudges"`
}

// RetryConfig tunes the transient-error retry policy for tool execution.
type RetryConfig struct {
	BaseMs      int     `yaml:"base_ms"`
	MaxMs       int     `yaml:"max_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	MaxAttempts int     `yaml:"max_attempts"`
}

// Policy converts the retry tuning into a backoff policy.
func (r RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{
		BaseMs:      float64(r.BaseMs),
		MaxMs:       float64(r.MaxMs),
		Multiplier:  r.Multiplier,
		MaxAttempts: r.MaxAttempts,
	}
}

// CheckpointConfig controls durable per-iteration checkpoints.
type CheckpointConfig struct {
	// Enabled can be turned off for ephemeral runs.
	Enabled bool `yaml:"enabled"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format: text or json.
	Format string `yaml:"format"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`

	// RedactPatterns are extra regexes redacted from log output.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddr serves /metrics over HTTP when set
	// (e.g. "127.0.0.1:9464"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	// Endpoint is the OTLP/gRPC collector address. Empty disables
	// tracing entirely.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of traces recorded, 0..1.
	SamplingRate float64 `yaml:"sampling_rate"`

	// Environment tags spans (production, staging, dev).
	Environment string `yaml:"environment"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure"`
}

// BackendConfig selects and configures the LLM backend.
type BackendConfig struct {
	// Kind is the default backend: "ollama", "openai", or "anthropic".
	Kind string `yaml:"kind"`

	// BaseURL overrides the backend endpoint: the Ollama daemon or an
	// OpenAI-compatible server (vLLM, llama.cpp, LM Studio).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates hosted backends. Supports ${ENV} expansion.
	APIKey string `yaml:"api_key"`

	// Models routes specific model names to other backend kinds for
	// mixed fleets (e.g. "claude-sonnet-4-5": "anthropic").
	Models map[string]string `yaml:"models"`
}

// EmbeddingsConfig configures the embedder used by semantic memory.
type EmbeddingsConfig struct {
	// Provider: "ollama" or "hash". The hash embedder is deterministic
	// and needs no daemon; useful offline and in tests.
	Provider string `yaml:"provider"`

	// BaseURL is the Ollama daemon address for the ollama provider.
	BaseURL string `yaml:"base_url"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// CacheSize bounds the content-hash embedding cache.
	CacheSize int `yaml:"cache_size"`
}

// IndexerConfig tunes project indexing for semantic memory.
type IndexerConfig struct {
	// ChunkLines is the target chunk size in lines.
	ChunkLines int `yaml:"chunk_lines"`

	// Watch keeps re-indexing files as they change.
	Watch bool `yaml:"watch"`

	// DebounceMs coalesces bursts of change notifications.
	DebounceMs int `yaml:"debounce_ms"`
}

// DefaultTierShares is the context budget split applied when
// memory_tier_shares is not configured.
func DefaultTierShares() map[string]int {
	return map[string]int{
		"working":  50,
		"episodic": 18,
		"semantic": 18,
		"pattern":  5,
		"analysis": 9,
	}
}

// Default returns a fully-populated configuration. Load decodes files
// on top of these values, so absent keys keep their defaults.
func Default() *Config {
	return &Config{
		TotalVRAMGB:          16,
		ReserveVRAMGB:        1,
		MaxContextTokens:     8192,
		MemoryTierShares:     DefaultTierShares(),
		MaxDelegationDepth:   5,
		DefaultMaxIterations: 20,
		Streaming:            true,
		Stuck: StuckConfig{
			SimilarityThreshold: 0.8,
			MaxNudges:           3,
		},
		Retry: RetryConfig{
			BaseMs:      500,
			MaxMs:       5000,
			Multiplier:  2,
			MaxAttempts: 3,
		},
		Checkpoint: CheckpointConfig{Enabled: true},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{SamplingRate: 1.0},
		Backend: BackendConfig{
			Kind:    "ollama",
			BaseURL: "http://localhost:11434",
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "ollama",
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			CacheSize: 2048,
		},
		Indexer: IndexerConfig{
			ChunkLines: 50,
			DebounceMs: 500,
		},
	}
}

// Load reads the configuration at path, resolving $include directives
// and environment variables, and decodes it on top of Default().
// Unknown keys are returned as warnings for the caller to log once a
// logger exists.
func Load(path string) (*Config, []string, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, warnings, err := decodeRawConfig(raw)
	if err != nil {
		return nil, nil, err
	}
	cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

// LoadOrDefault behaves like Load but falls back to the built-in
// defaults when the file does not exist, so commands that can run
// without a config file (indexing, session inspection) still work.
func LoadOrDefault(path string) (*Config, []string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		cfg.sanitize()
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		return cfg, []string{fmt.Sprintf("config file %s not found, using defaults", path)}, nil
	}
	return Load(path)
}

// sanitize clamps out-of-range values back to their defaults.
func (c *Config) sanitize() {
	def := Default()

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.DataDir = filepath.Join(home, ".sindri")
	}

	if c.TotalVRAMGB <= 0 {
		c.TotalVRAMGB = def.TotalVRAMGB
	}
	if c.ReserveVRAMGB < 0 {
		c.ReserveVRAMGB = 0
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = def.MaxContextTokens
	}
	if len(c.MemoryTierShares) == 0 {
		c.MemoryTierShares = DefaultTierShares()
	}
	if c.MaxDelegationDepth <= 0 {
		c.MaxDelegationDepth = def.MaxDelegationDepth
	}
	if c.DefaultMaxIterations <= 0 {
		c.DefaultMaxIterations = def.DefaultMaxIterations
	}

	if c.Stuck.SimilarityThreshold <= 0 || c.Stuck.SimilarityThreshold > 1 {
		c.Stuck.SimilarityThreshold = def.Stuck.SimilarityThreshold
	}
	if c.Stuck.MaxNudges <= 0 {
		c.Stuck.MaxNudges = def.Stuck.MaxNudges
	}

	if c.Retry.BaseMs <= 0 {
		c.Retry.BaseMs = def.Retry.BaseMs
	}
	if c.Retry.MaxMs < c.Retry.BaseMs {
		c.Retry.MaxMs = def.Retry.MaxMs
	}
	if c.Retry.Multiplier <= 1 {
		c.Retry.Multiplier = def.Retry.Multiplier
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Tracing.SamplingRate <= 0 || c.Tracing.SamplingRate > 1 {
		c.Tracing.SamplingRate = 1.0
	}

	if c.Backend.Kind == "" {
		c.Backend.Kind = def.Backend.Kind
	}
	if c.Backend.BaseURL == "" && c.Backend.Kind == "ollama" {
		c.Backend.BaseURL = def.Backend.BaseURL
	}

	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = def.Embeddings.Provider
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = def.Embeddings.BaseURL
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = def.Embeddings.Model
	}
	if c.Embeddings.CacheSize <= 0 {
		c.Embeddings.CacheSize = def.Embeddings.CacheSize
	}

	if c.Indexer.ChunkLines <= 0 {
		c.Indexer.ChunkLines = def.Indexer.ChunkLines
	}
	if c.Indexer.DebounceMs <= 0 {
		c.Indexer.DebounceMs = def.Indexer.DebounceMs
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.ReserveVRAMGB >= c.TotalVRAMGB {
		return fmt.Errorf("reserve_vram_gb (%.1f) leaves no usable budget under total_vram_gb (%.1f)",
			c.ReserveVRAMGB, c.TotalVRAMGB)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true
		if a.Model == "" {
			return fmt.Errorf("agent %q: model is required", a.Name)
		}
		if a.VRAMGB < 0 || a.FallbackVRAMGB < 0 {
			return fmt.Errorf("agent %q: negative VRAM footprint", a.Name)
		}
	}
	for i := range c.Agents {
		for _, target := range c.Agents[i].DelegateTo {
			if !seen[target] {
				return fmt.Errorf("agent %q: delegate_to references unknown agent %q",
					c.Agents[i].Name, target)
			}
		}
	}
	return nil
}

// UsableVRAMGB is the admission budget: total minus reserve.
func (c *Config) UsableVRAMGB() float64 {
	return c.TotalVRAMGB - c.ReserveVRAMGB
}
