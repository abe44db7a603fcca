package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{
			name: "json format",
			config: LogConfig{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "text format",
			config: LogConfig{
				Level:  "debug",
				Format: "text",
			},
		},
		{
			name:   "defaults",
			config: LogConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if logger.logger == nil {
				t.Error("Logger.logger is nil")
			}
		})
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		level    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"invalid", "INFO"}, // defaults to info
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got := LogLevelFromString(tt.level)
			if got.String() != tt.expected {
				t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "warn",
		Format: "json",
		Output: &buf,
	})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("debug message should be filtered at warn level")
	}
	if strings.Contains(output, "info message") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("warn message missing from output")
	}
	if !strings.Contains(output, "error message") {
		t.Error("error message missing from output")
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	ctx := WithTask(context.Background(), "task-123")
	ctx = WithSession(ctx, "sess-456")
	ctx = WithAgent(ctx, "coder")
	ctx = WithProject(ctx, "proj-789")

	logger.Info(ctx, "test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	checks := map[string]string{
		"task_id":    "task-123",
		"session_id": "sess-456",
		"agent":      "coder",
		"project_id": "proj-789",
	}
	for field, want := range checks {
		if got, ok := entry[field].(string); !ok || got != want {
			t.Errorf("entry[%q] = %v, want %q", field, entry[field], want)
		}
	}
}

func TestLoggerContextFieldsAbsent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	logger.Info(context.Background(), "bare message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}

	for _, field := range []string{"task_id", "session_id", "agent", "project_id"} {
		if _, ok := entry[field]; ok {
			t.Errorf("entry should not contain %q when context is empty", field)
		}
	}
}

func TestTaskIDFrom(t *testing.T) {
	if got := TaskIDFrom(context.Background()); got != "" {
		t.Errorf("TaskIDFrom(empty ctx) = %q, want empty", got)
	}

	ctx := WithTask(context.Background(), "task-abc")
	if got := TaskIDFrom(ctx); got != "task-abc" {
		t.Errorf("TaskIDFrom() = %q, want %q", got, "task-abc")
	}
}

func TestLoggerRedaction(t *testing.T) {
	tests := []struct {
		name    string
		message string
		secret  string
	}{
		{
			name:    "anthropic key",
			message: "calling backend with sk-ant-" + strings.Repeat("a", 100),
			secret:  "sk-ant-" + strings.Repeat("a", 100),
		},
		{
			name:    "openai key",
			message: "auth header sk-" + strings.Repeat("b", 50),
			secret:  "sk-" + strings.Repeat("b", 50),
		},
		{
			name:    "api key assignment",
			message: "config api_key=abcdef1234567890abcdef",
			secret:  "abcdef1234567890abcdef",
		},
		{
			name:    "bearer token",
			message: "Bearer abcdefghij1234567890",
			secret:  "abcdefghij1234567890",
		},
		{
			name:    "password",
			message: "password=supersecret123",
			secret:  "supersecret123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{
				Level:  "info",
				Format: "json",
				Output: &buf,
			})

			logger.Info(context.Background(), tt.message)

			output := buf.String()
			if strings.Contains(output, tt.secret) {
				t.Errorf("output contains unredacted secret: %s", output)
			}
			if !strings.Contains(output, "[REDACTED]") {
				t.Errorf("output missing redaction marker: %s", output)
			}
		})
	}
}

func TestLoggerRedactsArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	secret := "sk-ant-" + strings.Repeat("x", 100)
	logger.Info(context.Background(), "backend request",
		"url", "http://localhost:11434",
		"auth", secret,
	)

	output := buf.String()
	if strings.Contains(output, secret) {
		t.Errorf("arg value not redacted: %s", output)
	}
	if !strings.Contains(output, "localhost:11434") {
		t.Error("non-secret arg value should survive redaction")
	}
}

func TestLoggerRedactsNestedMap(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	secret := "sk-" + strings.Repeat("c", 50)
	logger.Info(context.Background(), "tool args",
		"args", map[string]any{
			"path":  "/tmp/out.txt",
			"inner": map[string]any{"token": secret},
		},
	)

	output := buf.String()
	if strings.Contains(output, secret) {
		t.Errorf("nested map value not redacted: %s", output)
	}
	if !strings.Contains(output, "/tmp/out.txt") {
		t.Error("non-secret nested value should survive redaction")
	}
}

func TestLoggerCustomRedactPattern(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:          "info",
		Format:         "json",
		Output:         &buf,
		RedactPatterns: []string{`internal-[0-9]{6}`},
	})

	logger.Info(context.Background(), "ticket internal-123456 escalated")

	output := buf.String()
	if strings.Contains(output, "internal-123456") {
		t.Errorf("custom pattern not redacted: %s", output)
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: &buf,
	})

	child := logger.WithFields("component", "scheduler")
	child.Info(context.Background(), "batch selected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if got, _ := entry["component"].(string); got != "scheduler" {
		t.Errorf("entry[component] = %v, want %q", entry["component"], "scheduler")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger() returned nil")
	}
	// Should not panic on any level.
	ctx := context.Background()
	logger.Debug(ctx, "a")
	logger.Info(ctx, "b")
	logger.Warn(ctx, "c")
	logger.Error(ctx, "d")
}
