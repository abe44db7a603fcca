package events

import (
	"context"
	"sync"
	"time"

	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

// Collector bridges the event stream into Prometheus metrics and
// periodically publishes METRICS_UPDATED snapshots for UIs.
//
// Only event-derived series are recorded here; components that measure
// durations at the source (loop iterations, LLM calls, model loads)
// write those histograms themselves. Each series has exactly one
// writer.
type Collector struct {
	bus      *Bus
	metrics  *observability.Metrics
	logger   *observability.Logger
	interval time.Duration

	mu      sync.Mutex
	counts  map[types.EventType]uint64
	started time.Time

	cancelSub func()
	stop      chan struct{}
	done      chan struct{}
}

// NewCollector constructs a collector publishing snapshots every
// interval. Zero interval selects 30 seconds.
func NewCollector(bus *Bus, metrics *observability.Metrics, logger *observability.Logger, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
		counts:   make(map[types.EventType]uint64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the bus and begins translating events. It returns
// immediately; translation runs until Stop.
func (c *Collector) Start(ctx context.Context) {
	ch, cancel := c.bus.Subscribe(0)
	c.cancelSub = cancel
	c.started = time.Now().UTC()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				c.observe(ev)
			case <-ticker.C:
				c.publishSnapshot()
			}
		}
	}()
}

// Stop unsubscribes and waits for the translation goroutine to exit.
// A collector that was never started stops immediately.
func (c *Collector) Stop() {
	if c.cancelSub == nil {
		return
	}
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.cancelSub()
	<-c.done
}

// observe translates one event into metric updates.
func (c *Collector) observe(ev types.Event) {
	c.mu.Lock()
	c.counts[ev.Type]++
	c.mu.Unlock()

	c.metrics.EventPublished(string(ev.Type))

	switch ev.Type {
	case types.EventTaskStatusChanged:
		if to, ok := ev.Payload["to"].(string); ok && types.TaskStatus(to).IsTerminal() {
			c.metrics.TaskFinished(to)
		}

	case types.EventToolCalled:
		tool, _ := ev.Payload["tool"].(string)
		success, _ := ev.Payload["success"].(bool)
		seconds := payloadSeconds(ev.Payload, "duration_ms")
		c.metrics.RecordToolExecution(tool, success, seconds)

	case types.EventStreamingToken:
		if model, ok := ev.Payload["model"].(string); ok {
			c.metrics.TokensStreamed(model, 1)
		}

	case types.EventParallelBatchStart:
		if size, ok := payloadInt(ev.Payload, "size"); ok {
			c.metrics.RecordBatch(size)
		}

	case types.EventDelegationStart:
		parent, _ := ev.Payload["parent_agent"].(string)
		child, _ := ev.Payload["child_agent"].(string)
		c.metrics.RecordDelegation(parent, child)

	case types.EventBusOverflow:
		if n, ok := payloadInt(ev.Payload, "dropped"); ok && n > 0 {
			c.metrics.EventsDropped.Add(float64(n))
		}

	case types.EventError:
		component, _ := ev.Payload["component"].(string)
		category, _ := ev.Payload["category"].(string)
		if component == "" {
			component = "unknown"
		}
		if category == "" {
			category = string(types.CategoryFatal)
		}
		c.metrics.RecordError(component, category)
	}
}

// publishSnapshot emits a METRICS_UPDATED event carrying observed event
// counts since the collector started.
func (c *Collector) publishSnapshot() {
	c.mu.Lock()
	snapshot := make(map[string]any, len(c.counts)+1)
	for t, n := range c.counts {
		snapshot[string(t)] = n
	}
	c.mu.Unlock()

	snapshot["uptime_seconds"] = time.Since(c.started).Seconds()
	c.bus.Emit(types.EventMetricsUpdated, "", snapshot)
}

// payloadSeconds reads a millisecond payload field as seconds.
func payloadSeconds(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v / 1000
	case int:
		return float64(v) / 1000
	case int64:
		return float64(v) / 1000
	default:
		return 0
	}
}

// payloadInt reads an integer payload field across the numeric types
// JSON round-trips produce.
func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
