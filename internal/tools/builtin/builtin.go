// Package builtin provides the standard tool set every agent receives:
// file access, directory listing, shell execution, text search, and
// plan capture. All filesystem tools resolve paths relative to the
// task's working directory and refuse to escape it.
package builtin

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/tools"
	"github.com/sindri-dev/sindri/pkg/types"
)

// maxToolOutput caps the text a single tool feeds back into the
// conversation so one oversized file cannot blow the context window.
const maxToolOutput = 64 * 1024

// Register adds the builtin tools to the registry. The bus is used by
// tools that announce their work as events, such as plan.
func Register(r *tools.Registry, bus *events.Bus) error {
	all := []tools.Tool{
		&ReadFile{},
		&WriteFile{},
		&ListDir{},
		&RunCommand{},
		&SearchText{},
		NewPlan(bus),
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath joins rel onto workDir and verifies the result stays
// inside it. Absolute paths are allowed only when already contained.
func resolvePath(workDir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	base, err := filepath.Abs(workDir)
	if err != nil {
		return "", err
	}
	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)
	inside, err := filepath.Rel(base, target)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the working directory", rel)
	}
	return target, nil
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg reads a numeric argument. JSON numbers decode as float64, but
// models occasionally send them as strings or ints.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n... [truncated %d bytes]", len(s)-limit)
}

// failFromOS maps a filesystem error onto a tool failure. Missing
// files and permission problems are the agent's to correct; anything
// else is classified by message.
func failFromOS(err error) types.ToolResult {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return types.FailResult(types.CategoryAgent, err.Error())
	}
	return types.FailResult(types.ClassifyError(err), err.Error())
}
