package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sindri-dev/sindri/pkg/types"
)

// WriteFile creates or replaces a file under the working directory,
// creating parent directories as needed.
type WriteFile struct{}

func (*WriteFile) Name() string { return "write_file" }

func (*WriteFile) Description() string {
	return "Write content to a file relative to the working directory, creating parent directories."
}

func (*WriteFile) Schema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the working directory"},
			"content": {"type": "string", "description": "Full file content to write"}
		},
		"required": ["path", "content"]
	}`)
}

func (*WriteFile) WriteClass() bool { return true }

func (*WriteFile) Execute(_ context.Context, args map[string]any, workDir string) types.ToolResult {
	path, err := resolvePath(workDir, stringArg(args, "path"))
	if err != nil {
		return types.FailResult(types.CategoryAgent, err.Error())
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failFromOS(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failFromOS(err)
	}
	rel, relErr := filepath.Rel(workDir, path)
	if relErr != nil {
		rel = path
	}
	return types.OkResult(fmt.Sprintf("wrote %d bytes to %s", len(content), rel))
}
