// handlers.go contains the command implementations. Builders in
// commands.go parse flags and delegate here.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sindri-dev/sindri/internal/config"
	"github.com/sindri-dev/sindri/internal/memory"
	"github.com/sindri-dev/sindri/internal/memory/embeddings"
	"github.com/sindri-dev/sindri/internal/memory/vector"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/internal/providers"
	"github.com/sindri-dev/sindri/internal/storage"
	"github.com/sindri-dev/sindri/pkg/types"
)

// runTask executes one root task and blocks until the tree terminates.
func runTask(ctx context.Context, configPath, description, agentName, project string, priority int) error {
	cfg, warnings, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Agents) == 0 {
		return fmt.Errorf("no agents configured; add an agents: section to %s", configPath)
	}
	if agentName == "" {
		agentName = cfg.Agents[0].Name
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, err := newKernel(ctx, cfg, warnings)
	if err != nil {
		return err
	}
	defer k.close()

	task := types.NewTask(description, agentName)
	task.Priority = priority

	if project != "" {
		abs, err := filepath.Abs(project)
		if err != nil {
			return err
		}
		task.WorkDir = abs
		task.ProjectID = filepath.Base(abs)

		// Best-effort: a failed indexing pass degrades semantic memory,
		// it does not block the run.
		if stats, err := k.indexer.IndexProject(ctx, task.ProjectID, abs); err != nil {
			k.logger.Warn(ctx, "project indexing failed", "project", task.ProjectID, "error", err)
		} else if stats.FilesIndexed > 0 {
			k.logger.Info(ctx, "project indexed",
				"project", task.ProjectID, "files", stats.FilesIndexed, "chunks", stats.Chunks)
		}
	}

	stopEcho := echoTaskEvents(k, os.Stdout)
	result, err := k.orch.ExecuteRoot(ctx, task)
	stopEcho()
	if err != nil {
		return err
	}

	if result.Output != "" {
		fmt.Println(strings.TrimRight(result.Output, "\n"))
	}
	if !result.Success {
		if result.Error != "" {
			return fmt.Errorf("task failed: %s", result.Error)
		}
		return fmt.Errorf("task failed")
	}
	return nil
}

// echoTaskEvents streams tokens and tool activity to w while a run is
// in flight. Returns a stop function that unsubscribes.
func echoTaskEvents(k *kernel, w io.Writer) func() {
	ch, unsubscribe := k.bus.Subscribe(1024,
		types.EventStreamingToken,
		types.EventStreamingEnd,
		types.EventToolCalled,
		types.EventModelDegraded,
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			switch ev.Type {
			case types.EventStreamingToken:
				if tok, ok := ev.Payload["token"].(string); ok {
					fmt.Fprint(w, tok)
				}
			case types.EventStreamingEnd:
				fmt.Fprintln(w)
			case types.EventToolCalled:
				fmt.Fprintf(w, "[tool] %v\n", ev.Payload["tool"])
			case types.EventModelDegraded:
				fmt.Fprintf(w, "[model degraded] %v -> %v\n", ev.Payload["from"], ev.Payload["to"])
			}
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func runAgentsList(configPath string) error {
	cfg, _, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Agents) == 0 {
		fmt.Println("No agents configured.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tROLE\tMODEL\tVRAM\tMAX ITER\tDELEGATES TO")
	for _, a := range cfg.Agents {
		iter := a.MaxIterations
		if iter == 0 {
			iter = cfg.DefaultMaxIterations
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f GB\t%d\t%s\n",
			a.Name, a.Role, a.Model, a.VRAMGB, iter, strings.Join(a.DelegateTo, ", "))
	}
	return tw.Flush()
}

func runModelsList(ctx context.Context, configPath string) error {
	cfg, _, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	backend, err := providers.New(providers.Options{
		Kind:    cfg.Backend.Kind,
		BaseURL: cfg.Backend.BaseURL,
		APIKey:  cfg.Backend.APIKey,
		Routes:  cfg.Backend.Models,
	})
	if err != nil {
		return err
	}
	names, err := backend.ListModels(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No models available.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runIndex(ctx context.Context, configPath, dir, projectID string, watch bool) error {
	cfg, warnings, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if projectID == "" {
		projectID = filepath.Base(abs)
	}

	logger := newCLILogger(cfg, warnings)
	store, err := storage.Open(filepath.Join(cfg.DataDir, "sindri.db"), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	embedder, err := embeddings.New(cfg.Embeddings.Provider, cfg.Embeddings.BaseURL,
		cfg.Embeddings.Model, cfg.Embeddings.CacheSize)
	if err != nil {
		return err
	}
	index, err := vector.New(filepath.Join(cfg.DataDir, "vectors"), embedder)
	if err != nil {
		return err
	}

	indexer := memory.NewIndexer(store, index, logger, memory.IndexerConfig{
		ChunkLines: cfg.Indexer.ChunkLines,
		Debounce:   time.Duration(cfg.Indexer.DebounceMs) * time.Millisecond,
	})

	stats, err := indexer.IndexProject(ctx, projectID, abs)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %s: %d files scanned, %d indexed, %d removed, %d chunks\n",
		projectID, stats.FilesScanned, stats.FilesIndexed, stats.FilesRemoved, stats.Chunks)

	if !watch {
		return nil
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Println("Watching for changes (Ctrl-C to stop)...")
	return indexer.Watch(ctx, projectID, abs)
}

func runSessionsList(ctx context.Context, configPath string, limit int) error {
	cfg, warnings, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "sindri.db"), newCLILogger(cfg, warnings))
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, limit, 0)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODEL\tSTATUS\tITER\tCREATED\tTASK")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.Model, s.Status, s.IterationCount,
			s.CreatedAt.Format("2006-01-02 15:04"), truncate(s.TaskDescription, 60))
	}
	return tw.Flush()
}

func runSessionsShow(ctx context.Context, configPath, id string) error {
	cfg, warnings, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "sindri.db"), newCLILogger(cfg, warnings))
	if err != nil {
		return err
	}
	defer store.Close()

	session, err := store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Session %s (%s, %s, %d iterations)\n", session.ID, session.Model,
		session.Status, session.IterationCount)
	fmt.Printf("Task: %s\n\n", session.TaskDescription)
	for i, turn := range session.Turns {
		fmt.Printf("--- %d [%s] %s\n", i+1, turn.Role, turn.Timestamp.Format("15:04:05"))
		if turn.Content != "" {
			fmt.Println(turn.Content)
		}
		for _, call := range turn.ToolCalls {
			fmt.Printf("  tool_call %s(%v)\n", call.Name, call.Arguments)
		}
	}
	return nil
}

func runConfigSchema(w io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(schema))
	return err
}

// newCLILogger builds the logger for commands that do not compose the
// full kernel.
func newCLILogger(cfg *config.Config, warnings []string) *observability.Logger {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	for _, w := range warnings {
		logger.Warn(context.Background(), "config: "+w)
	}
	return logger
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
