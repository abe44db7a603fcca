// Package main provides the CLI entry point for the Sindri
// orchestration kernel.
//
// Sindri coordinates a fleet of specialized LLM agents, each bound to
// its own model and prompt, that collaborate on engineering tasks
// through an iterative agent loop with hierarchical delegation, a
// VRAM-aware scheduler, and durable session checkpoints.
//
// # Basic Usage
//
// Run a task with the default agent:
//
//	sindri run "add retry logic to the fetcher" --agent coder --project .
//
// Inspect the configured agents and the backend's models:
//
//	sindri agents list
//	sindri models list
//
// Index a project for semantic memory, inspect a session:
//
//	sindri index ./myproject
//	sindri sessions show <session-id>
//
// # Environment Variables
//
//   - SINDRI_CONFIG: path to the configuration file (default: sindri.yaml)
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: referenced from the config
//     file via ${ENV} expansion for hosted backends
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd assembles the command tree.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sindri",
		Short: "Local-first multi-agent orchestration kernel",
		Long: `Sindri orchestrates a fleet of LLM agents that collaborate on
engineering tasks. Agents run iterative tool-use loops, delegate work
to each other, and share a bounded GPU VRAM budget.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildAgentsCmd(),
		buildModelsCmd(),
		buildIndexCmd(),
		buildSessionsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath applies the SINDRI_CONFIG fallback when the flag
// was left at its default.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" && flagValue != defaultConfigPath {
		return flagValue
	}
	if env := os.Getenv("SINDRI_CONFIG"); env != "" {
		return env
	}
	return flagValue
}

const defaultConfigPath = "sindri.yaml"
