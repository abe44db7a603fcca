// kernel.go is the composition root: it wires configuration into the
// kernel's services in dependency order (leaves first) and hands back
// one struct the handlers drive. There are no process-wide singletons;
// everything is injected.
package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sindri-dev/sindri/internal/agent"
	"github.com/sindri-dev/sindri/internal/config"
	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/memory"
	"github.com/sindri-dev/sindri/internal/memory/embeddings"
	"github.com/sindri-dev/sindri/internal/memory/vector"
	"github.com/sindri-dev/sindri/internal/models"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/internal/orchestrator"
	"github.com/sindri-dev/sindri/internal/providers"
	"github.com/sindri-dev/sindri/internal/scheduler"
	"github.com/sindri-dev/sindri/internal/storage"
	"github.com/sindri-dev/sindri/internal/tools"
	"github.com/sindri-dev/sindri/internal/tools/builtin"
)

// kernel bundles the composed services for one process.
type kernel struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	bus     *events.Bus
	store   *storage.Store
	backend providers.Backend
	pool    *models.Manager
	indexer *memory.Indexer
	orch    *orchestrator.Orchestrator

	collector     *events.Collector
	metricsServer *http.Server
	traceShutdown func(context.Context) error
}

// newKernel composes the full kernel from configuration. The returned
// kernel must be closed to flush the store and stop background work.
func newKernel(ctx context.Context, cfg *config.Config, warnings []string) (*kernel, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Log.Level,
		Format:         cfg.Log.Format,
		AddSource:      cfg.Log.AddSource,
		RedactPatterns: cfg.Log.RedactPatterns,
	})
	for _, w := range warnings {
		logger.Warn(ctx, "config: "+w)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "sindri",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	bus := events.NewBus(256)
	collector := events.NewCollector(bus, metrics, logger, 30*time.Second)
	collector.Start(ctx)

	store, err := storage.Open(filepath.Join(cfg.DataDir, "sindri.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.IntegrityCheck(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("store integrity: %w", err)
	}

	backend, err := providers.New(providers.Options{
		Kind:    cfg.Backend.Kind,
		BaseURL: cfg.Backend.BaseURL,
		APIKey:  cfg.Backend.APIKey,
		Routes:  cfg.Backend.Models,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	embedder, err := embeddings.New(cfg.Embeddings.Provider, cfg.Embeddings.BaseURL,
		cfg.Embeddings.Model, cfg.Embeddings.CacheSize)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("embedder: %w", err)
	}
	index, err := vector.New(filepath.Join(cfg.DataDir, "vectors"), embedder)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("vector index: %w", err)
	}

	builder := memory.NewBuilder(store, index, logger, memory.BuilderConfig{
		TierShares: cfg.MemoryTierShares,
	})
	recorder := memory.NewRecorder(store, index, bus, logger)
	indexer := memory.NewIndexer(store, index, logger, memory.IndexerConfig{
		ChunkLines: cfg.Indexer.ChunkLines,
		Debounce:   time.Duration(cfg.Indexer.DebounceMs) * time.Millisecond,
	})

	sched := scheduler.New(bus, logger, metrics)

	var keepWarm []string
	for _, def := range cfg.Agents {
		if def.KeepWarm && def.VRAMGB > 0 {
			keepWarm = append(keepWarm, def.Model)
		}
	}
	pool := models.NewManager(backend, bus, logger, metrics, models.ManagerConfig{
		MaxVRAMGB: cfg.UsableVRAMGB(),
		KeepWarm:  keepWarm,
	})

	agents, err := agent.NewRegistry(cfg.Agents, agent.Defaults{
		MaxIterations:       cfg.DefaultMaxIterations,
		SimilarityThreshold: cfg.Stuck.SimilarityThreshold,
		MaxNudges:           cfg.Stuck.MaxNudges,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	toolReg := tools.NewRegistry(logger)
	if err := builtin.Register(toolReg, bus); err != nil {
		store.Close()
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Backend:     backend,
		Tools:       toolReg,
		Sessions:    store,
		Checkpoints: store,
		Models:      pool,
		Memory:      builder,
		Patterns:    recorder,
		Agents:      agents,
		Scheduler:   sched,
		Bus:         bus,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
	}, orchestrator.Config{
		MaxVRAMGB:          cfg.UsableVRAMGB(),
		MaxDelegationDepth: cfg.MaxDelegationDepth,
		Loop: agent.Config{
			DefaultMaxIterations: cfg.DefaultMaxIterations,
			MaxContextTokens:     cfg.MaxContextTokens,
			Streaming:            cfg.Streaming,
			CheckpointEnabled:    cfg.Checkpoint.Enabled,
			SimilarityThreshold:  cfg.Stuck.SimilarityThreshold,
			MaxNudges:            cfg.Stuck.MaxNudges,
			Retry:                cfg.Retry.Policy(),
		},
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	k := &kernel{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		bus:           bus,
		store:         store,
		backend:       backend,
		pool:          pool,
		indexer:       indexer,
		orch:          orch,
		collector:     collector,
		traceShutdown: traceShutdown,
	}

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		k.metricsServer = serveMetrics(addr, registry, logger)
	}
	return k, nil
}

// serveMetrics exposes the registry on /metrics. Failures are logged,
// not fatal: a task run should not die because a port is taken.
func serveMetrics(addr string, registry *prometheus.Registry, logger *observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn(context.Background(), "metrics listener stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

// close tears the kernel down in reverse construction order. Shutdown
// deadlines run on a fresh context so teardown still completes after
// the run context was cancelled by a signal.
func (k *kernel) close() {
	ctx := context.Background()
	if k.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		k.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	k.collector.Stop()
	k.bus.Close()
	if err := k.store.Close(); err != nil {
		k.logger.Warn(ctx, "store close failed", "error", err)
	}
	if k.traceShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		k.traceShutdown(shutdownCtx)
		cancel()
	}
}
