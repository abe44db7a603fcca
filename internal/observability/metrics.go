package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting kernel metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Task throughput and terminal statuses
//   - Agent loop iteration counts and latencies
//   - LLM request performance and streamed token volume
//   - Tool execution patterns and latencies
//   - Model manager load hits/misses, evictions, and VRAM usage
//   - Event bus throughput and overflow drops
//   - Error rates categorized by component and category
//
// Usage:
//
//	metrics := observability.NewMetrics(nil)
//	metrics.TaskFinished("complete")
//	metrics.RecordToolExecution("write_file", true, 0.042)
type Metrics struct {
	// TaskCounter counts tasks reaching a terminal status.
	// Labels: status (complete|failed|cancelled)
	TaskCounter *prometheus.CounterVec

	// TasksPending gauges tasks currently waiting in the scheduler.
	TasksPending prometheus.Gauge

	// BatchSize observes how many tasks each parallel batch carried.
	BatchSize prometheus.Histogram

	// IterationCounter counts agent loop iterations by agent.
	IterationCounter *prometheus.CounterVec

	// IterationDuration measures one loop iteration in seconds.
	// Labels: agent
	IterationDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: backend, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM calls.
	// Labels: backend, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// StreamedTokens counts tokens streamed to subscribers.
	// Labels: model
	StreamedTokens *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ModelLoadCounter counts model load requests.
	// Labels: model, result (hit|miss)
	ModelLoadCounter *prometheus.CounterVec

	// ModelLoadDuration measures cold model loads in seconds.
	// Labels: model
	ModelLoadDuration *prometheus.HistogramVec

	// ModelEvictions counts LRU evictions by model.
	ModelEvictions *prometheus.CounterVec

	// VRAMUsed gauges the model manager's accounted VRAM in GB.
	VRAMUsed prometheus.Gauge

	// ModelsLoaded gauges how many models are resident.
	ModelsLoaded prometheus.Gauge

	// DelegationCounter counts delegations by parent and child agent.
	DelegationCounter *prometheus.CounterVec

	// EventsPublished counts bus publications by event type.
	EventsPublished *prometheus.CounterVec

	// EventsDropped counts events dropped by slow subscribers.
	EventsDropped prometheus.Counter

	// ErrorCounter tracks errors by component and category.
	// Labels: component (loop|scheduler|models|storage|memory|tools),
	// category (transient|resource|fatal|agent)
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Pass nil to
// register with the default registry; tests pass their own registry so
// repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_tasks_total",
				Help: "Total number of tasks reaching a terminal status",
			},
			[]string{"status"},
		),

		TasksPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sindri_tasks_pending",
				Help: "Tasks currently pending in the scheduler",
			},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sindri_batch_size",
				Help:    "Tasks admitted per parallel batch",
				Buckets: []float64{1, 2, 4, 8, 16, 32},
			},
		),

		IterationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_loop_iterations_total",
				Help: "Total agent loop iterations by agent",
			},
			[]string{"agent"},
		),

		IterationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sindri_loop_iteration_duration_seconds",
				Help:    "Duration of one agent loop iteration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sindri_llm_request_duration_seconds",
				Help:    "Duration of LLM backend calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"backend", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_llm_requests_total",
				Help: "Total LLM backend calls by backend, model, and status",
			},
			[]string{"backend", "model", "status"},
		),

		StreamedTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_streamed_tokens_total",
				Help: "Total tokens streamed from LLM backends",
			},
			[]string{"model"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sindri_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		ModelLoadCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_model_loads_total",
				Help: "Model load requests by model and result (hit or miss)",
			},
			[]string{"model", "result"},
		),

		ModelLoadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sindri_model_load_duration_seconds",
				Help:    "Duration of cold model loads in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),

		ModelEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_model_evictions_total",
				Help: "LRU evictions by model",
			},
			[]string{"model"},
		),

		VRAMUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sindri_vram_used_gb",
				Help: "VRAM accounted to loaded models in gigabytes",
			},
		),

		ModelsLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sindri_models_loaded",
				Help: "Number of models currently resident",
			},
		),

		DelegationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_delegations_total",
				Help: "Delegations by parent and child agent",
			},
			[]string{"parent", "child"},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_events_published_total",
				Help: "Events published to the bus by type",
			},
			[]string{"type"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sindri_events_dropped_total",
				Help: "Events dropped because a subscriber queue overflowed",
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sindri_errors_total",
				Help: "Errors by component and category",
			},
			[]string{"component", "category"},
		),
	}
}

// TaskFinished increments the terminal-status counter.
func (m *Metrics) TaskFinished(status string) {
	m.TaskCounter.WithLabelValues(status).Inc()
}

// RecordIteration records one completed loop iteration.
func (m *Metrics) RecordIteration(agent string, seconds float64) {
	m.IterationCounter.WithLabelValues(agent).Inc()
	m.IterationDuration.WithLabelValues(agent).Observe(seconds)
}

// RecordLLMRequest records one LLM backend call.
func (m *Metrics) RecordLLMRequest(backend, model, status string, seconds float64) {
	m.LLMRequestCounter.WithLabelValues(backend, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(backend, model).Observe(seconds)
}

// TokensStreamed adds to the streamed-token counter.
func (m *Metrics) TokensStreamed(model string, n int) {
	if n > 0 {
		m.StreamedTokens.WithLabelValues(model).Add(float64(n))
	}
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(tool string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordModelLoad records a load request and, for misses, the load time.
func (m *Metrics) RecordModelLoad(model string, hit bool, seconds float64) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ModelLoadCounter.WithLabelValues(model, result).Inc()
	if !hit {
		m.ModelLoadDuration.WithLabelValues(model).Observe(seconds)
	}
}

// RecordEviction counts one LRU eviction.
func (m *Metrics) RecordEviction(model string) {
	m.ModelEvictions.WithLabelValues(model).Inc()
}

// SetVRAMUsed updates the VRAM gauge.
func (m *Metrics) SetVRAMUsed(gb float64) {
	m.VRAMUsed.Set(gb)
}

// SetModelsLoaded updates the resident-model gauge.
func (m *Metrics) SetModelsLoaded(n int) {
	m.ModelsLoaded.Set(float64(n))
}

// SetPendingTasks updates the pending-task gauge.
func (m *Metrics) SetPendingTasks(n int) {
	m.TasksPending.Set(float64(n))
}

// RecordBatch observes a parallel batch admission.
func (m *Metrics) RecordBatch(size int) {
	m.BatchSize.Observe(float64(size))
}

// RecordDelegation counts one delegation edge.
func (m *Metrics) RecordDelegation(parent, child string) {
	m.DelegationCounter.WithLabelValues(parent, child).Inc()
}

// EventPublished counts one bus publication.
func (m *Metrics) EventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// EventDropped counts one overflow drop.
func (m *Metrics) EventDropped() {
	m.EventsDropped.Inc()
}

// RecordError counts one categorized error.
func (m *Metrics) RecordError(component, category string) {
	m.ErrorCounter.WithLabelValues(component, category).Inc()
}
