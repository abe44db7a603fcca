// commands.go contains the cobra command definitions and their flag
// wiring. Each builder creates one command and routes it to a handler
// in handlers.go.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		agentName  string
		project    string
		priority   int
	)

	cmd := &cobra.Command{
		Use:   "run [description]",
		Short: "Execute a task with the configured agent fleet",
		Long: `Run admits a root task to the scheduler and drives the task tree to
completion. The assigned agent may delegate subtasks to other agents on
its whitelist; the command blocks until the root task terminates and
prints its final output.`,
		Example: `  # Run a coding task in the current directory
  sindri run "create hello.go printing the build date" --agent coder --project .

  # Run against a specific config
  sindri run "review internal/scheduler" --agent reviewer -c prod.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runTask(cmd.Context(), configPath, args[0], agentName, project, priority)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "Agent to assign the task to (default: first configured agent)")
	cmd.Flags().StringVarP(&project, "project", "p", ".", "Project root tools operate in and memory is scoped to")
	cmd.Flags().IntVar(&priority, "priority", 5, "Task priority (lower is more urgent)")

	return cmd
}

func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the configured agent fleet",
	}

	var configPath string
	list := &cobra.Command{
		Use:   "list",
		Short: "List configured agents with their models and limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsList(resolveConfigPath(configPath))
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	cmd.AddCommand(list)
	return cmd
}

func buildModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the LLM backend's models",
	}

	var configPath string
	list := &cobra.Command{
		Use:   "list",
		Short: "List models the configured backend can serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModelsList(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	cmd.AddCommand(list)
	return cmd
}

func buildIndexCmd() *cobra.Command {
	var (
		configPath string
		projectID  string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "index <dir>",
		Short: "Index a project for semantic memory",
		Long: `Index walks the project root, splits text files into line chunks,
embeds each chunk, and stores them under the project's namespace.
Re-running only processes files whose content hash changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), resolveConfigPath(configPath), args[0], projectID, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Namespace to index under (default: directory base name)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep re-indexing as files change")

	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted conversation logs",
	}

	var configPath string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd.Context(), resolveConfigPath(configPath), limit)
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list")

	var showConfig string
	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's turns in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd.Context(), resolveConfigPath(showConfig), args[0])
		},
	}
	show.Flags().StringVarP(&showConfig, "config", "c", defaultConfigPath, "Path to configuration file")

	cmd.AddCommand(list, show)
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(schema)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sindri %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
