package builtin

import (
	"context"
	"os"

	"github.com/sindri-dev/sindri/pkg/types"
)

// ReadFile returns the contents of a file under the working directory.
type ReadFile struct{}

func (*ReadFile) Name() string { return "read_file" }

func (*ReadFile) Description() string {
	return "Read a file relative to the working directory and return its contents."
}

func (*ReadFile) Schema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path relative to the working directory"}
		},
		"required": ["path"]
	}`)
}

func (*ReadFile) WriteClass() bool { return false }

func (*ReadFile) Execute(_ context.Context, args map[string]any, workDir string) types.ToolResult {
	path, err := resolvePath(workDir, stringArg(args, "path"))
	if err != nil {
		return types.FailResult(types.CategoryAgent, err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failFromOS(err)
	}
	return types.OkResult(truncate(string(data), maxToolOutput))
}
