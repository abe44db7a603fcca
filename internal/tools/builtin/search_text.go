package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sindri-dev/sindri/pkg/types"
)

const (
	searchDefaultMaxResults = 50
	searchMaxFileSize       = 1 << 20
)

// errSearchLimit stops the walk once enough matches are collected.
var errSearchLimit = errors.New("search limit reached")

// SearchText greps the working directory with a Go regular expression,
// skipping hidden directories, vendored trees, and binary files.
type SearchText struct{}

func (*SearchText) Name() string { return "search_text" }

func (*SearchText) Description() string {
	return "Search files under the working directory for a regular expression and return matching lines."
}

func (*SearchText) Schema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Go regular expression to search for"},
			"path": {"type": "string", "description": "Subdirectory to search, defaults to the working directory"},
			"max_results": {"type": "number", "description": "Maximum matching lines to return, default 50"}
		},
		"required": ["pattern"]
	}`)
}

func (*SearchText) WriteClass() bool { return false }

func (*SearchText) Execute(ctx context.Context, args map[string]any, workDir string) types.ToolResult {
	pattern := stringArg(args, "pattern")
	if pattern == "" {
		return types.FailResult(types.CategoryAgent, "pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return types.FailResult(types.CategoryAgent, fmt.Sprintf("invalid pattern: %v", err))
	}

	rel := stringArg(args, "path")
	if rel == "" {
		rel = "."
	}
	root, err := resolvePath(workDir, rel)
	if err != nil {
		return types.FailResult(types.CategoryAgent, err.Error())
	}

	maxResults := intArg(args, "max_results", searchDefaultMaxResults)
	if maxResults <= 0 {
		maxResults = searchDefaultMaxResults
	}

	var hits []string
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if p != root && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > searchMaxFileSize {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		display, relErr := filepath.Rel(workDir, p)
		if relErr != nil {
			display = p
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", display, i+1, strings.TrimRight(line, "\r")))
				if len(hits) >= maxResults {
					return errSearchLimit
				}
			}
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errSearchLimit) {
		return types.FailResult(types.ClassifyError(walkErr), walkErr.Error())
	}

	if len(hits) == 0 {
		return types.OkResult("no matches")
	}
	out := strings.Join(hits, "\n")
	if errors.Is(walkErr, errSearchLimit) {
		out += fmt.Sprintf("\n... [stopped at %d matches]", maxResults)
	}
	return types.OkResult(out)
}
