package builtin

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/sindri-dev/sindri/pkg/types"
)

const (
	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 600
)

// RunCommand executes a shell command inside the working directory.
// It is write-class because commands routinely mutate the tree.
type RunCommand struct{}

func (*RunCommand) Name() string { return "run_command" }

func (*RunCommand) Description() string {
	return "Run a shell command in the working directory and return its combined output."
}

func (*RunCommand) Schema() []byte {
	return []byte(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute"},
			"timeout_seconds": {"type": "number", "description": "Timeout in seconds, 1 to 600, default 60"}
		},
		"required": ["command"]
	}`)
}

func (*RunCommand) WriteClass() bool { return true }

func (*RunCommand) Execute(ctx context.Context, args map[string]any, workDir string) types.ToolResult {
	command := stringArg(args, "command")
	if command == "" {
		return types.FailResult(types.CategoryAgent, "command is required")
	}

	timeout := defaultCommandTimeout
	if secs := intArg(args, "timeout_seconds", 0); secs > 0 {
		if secs > maxCommandTimeout {
			secs = maxCommandTimeout
		}
		timeout = time.Duration(secs) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir

	start := time.Now()
	out, err := cmd.CombinedOutput()
	output := truncate(string(out), maxToolOutput)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// A command that ran out of time may have side effects already;
		// the agent must decide whether to rerun, so no automatic retry.
		return types.ToolResult{
			Success:  false,
			Output:   output,
			Error:    fmt.Sprintf("command timed out after %s", timeout),
			Category: types.CategoryTransient,
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return types.ToolResult{
				Success:  false,
				Output:   output,
				Error:    fmt.Sprintf("command failed: %v", err),
				Category: types.CategoryAgent,
			}
		}
		return types.FailResult(types.ClassifyError(err), err.Error())
	}

	if output == "" {
		output = fmt.Sprintf("(no output, completed in %s)", time.Since(start).Round(time.Millisecond))
	}
	return types.OkResult(output)
}
