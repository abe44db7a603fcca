package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sindri-dev/sindri/pkg/types"
)

// listDirMaxEntries bounds the listing so a node_modules directory
// does not flood the conversation.
const listDirMaxEntries = 500

// ListDir lists the entries of a directory under the working
// directory. Directories carry a trailing slash.
type ListDir struct{}

func (*ListDir) Name() string { return "list_dir" }

func (*ListDir) Description() string {
	return "List the entries of a directory relative to the working directory."
}

func (*ListDir) Schema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path relative to the working directory, defaults to ."}
		}
	}`)
}

func (*ListDir) WriteClass() bool { return false }

func (*ListDir) Execute(_ context.Context, args map[string]any, workDir string) types.ToolResult {
	rel := stringArg(args, "path")
	if rel == "" {
		rel = "."
	}
	path, err := resolvePath(workDir, rel)
	if err != nil {
		return types.FailResult(types.CategoryAgent, err.Error())
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failFromOS(err)
	}

	var b strings.Builder
	shown := 0
	for _, e := range entries {
		if shown >= listDirMaxEntries {
			fmt.Fprintf(&b, "... [%d more entries]\n", len(entries)-shown)
			break
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteByte('\n')
		shown++
	}
	if b.Len() == 0 {
		return types.OkResult("(empty directory)")
	}
	return types.OkResult(strings.TrimRight(b.String(), "\n"))
}
