// Package models enforces the VRAM budget for resident models. Loads
// are serialized per model with a double-check, idle models are evicted
// in LRU order when the budget is tight, and keep-warm models are
// pinned. Pre-warming lets delegation start a child's model load before
// the child task is scheduled.
package models

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

// Loader is the slice of the LLM backend the manager drives.
type Loader interface {
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
}

// ManagerConfig configures the model manager.
type ManagerConfig struct {
	// MaxVRAMGB is the admission budget in gigabytes: total VRAM minus
	// the reserve. Defaults to 16.
	MaxVRAMGB float64

	// KeepWarm names models exempt from LRU eviction from the start.
	// Models can also be pinned later with AddKeepWarm.
	KeepWarm []string
}

// entry is the accounting record for one resident model.
type entry struct {
	vram     float64
	useCount uint64
	loadTime time.Duration
	loadedAt time.Time

	// loading marks a reservation whose backend load is still in
	// flight. Loading entries are never eviction candidates.
	loading bool
}

// prewarm tracks one in-flight background load.
type prewarm struct {
	done chan struct{}
	err  error
}

// Stats is a point-in-time snapshot of the manager's counters.
type Stats struct {
	Hits          uint64        `json:"hits"`
	Misses        uint64        `json:"misses"`
	Evictions     uint64        `json:"evictions"`
	PreWarms      uint64        `json:"prewarm_count"`
	TotalLoadTime time.Duration `json:"total_load_time"`
	LoadedModels  int           `json:"loaded_models"`
	UsedVRAMGB    float64       `json:"used_vram_gb"`
	FreeVRAMGB    float64       `json:"free_vram_gb"`
}

// ResidentModel describes one loaded model for listings.
type ResidentModel struct {
	Name     string    `json:"name"`
	VRAMGB   float64   `json:"vram_gb"`
	LoadedAt time.Time `json:"loaded_at"`
	UseCount uint64    `json:"use_count"`
	KeepWarm bool      `json:"keep_warm,omitempty"`
}

// Manager owns the VRAM accounting. A single mutex guards the books;
// each model additionally has its own lock so concurrent loads of the
// same model collapse into one backend call.
type Manager struct {
	backend Loader
	bus     *events.Bus
	logger  *observability.Logger
	metrics *observability.Metrics

	maxVRAM float64

	mu       sync.Mutex
	loaded   map[string]*entry
	locks    map[string]*sync.Mutex
	keepWarm map[string]bool
	warming  map[string]*prewarm
	used     float64

	stats struct {
		hits          uint64
		misses        uint64
		evictions     uint64
		prewarms      uint64
		totalLoadTime time.Duration
	}
}

// NewManager creates a model manager over the given backend. bus and
// metrics may be nil; a nil logger is replaced with a no-op one.
func NewManager(backend Loader, bus *events.Bus, logger *observability.Logger, metrics *observability.Metrics, config ManagerConfig) *Manager {
	if config.MaxVRAMGB <= 0 {
		config.MaxVRAMGB = 16
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	m := &Manager{
		backend:  backend,
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
		maxVRAM:  config.MaxVRAMGB,
		loaded:   make(map[string]*entry),
		locks:    make(map[string]*sync.Mutex),
		keepWarm: make(map[string]bool),
		warming:  make(map[string]*prewarm),
	}
	for _, name := range config.KeepWarm {
		m.keepWarm[name] = true
	}
	return m
}

// Load makes the model resident, evicting idle models if the budget
// requires it. A model that is already resident counts as a hit and
// refreshes its LRU position. Fails with a RESOURCE error when eviction
// cannot free enough VRAM.
func (m *Manager) Load(ctx context.Context, model string, vram float64) error {
	const op = "models.load"

	if model == "" {
		return types.NewError(types.CategoryFatal, op, "model name is required")
	}
	if vram < 0 {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("model %q has a negative footprint", model))
	}

	m.mu.Lock()
	if m.touchLocked(model) {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordModelLoad(model, true, 0)
		}
		m.logger.Debug(ctx, "model already resident", "model", model)
		return nil
	}
	lock := m.lockLocked(model)
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have finished the same load while we waited
	// on the model lock.
	m.mu.Lock()
	if m.touchLocked(model) {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordModelLoad(model, true, 0)
		}
		return nil
	}

	m.stats.misses++
	victims, err := m.reserveLocked(op, model, vram)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	for _, v := range victims {
		m.finishEviction(ctx, v.name, v.vram)
	}

	start := time.Now()
	loadErr := m.backend.Load(ctx, model)
	elapsed := time.Since(start)

	m.mu.Lock()
	if loadErr != nil {
		delete(m.loaded, model)
		m.used -= vram
		m.syncGaugesLocked()
		m.mu.Unlock()
		m.logger.Warn(ctx, "model load failed", "model", model, "error", loadErr)
		return types.WrapError(types.CategoryOf(loadErr), op, loadErr)
	}
	e := m.loaded[model]
	e.loading = false
	e.loadTime = elapsed
	e.loadedAt = time.Now()
	e.useCount++
	m.stats.totalLoadTime += elapsed
	m.syncGaugesLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordModelLoad(model, false, elapsed.Seconds())
	}
	m.logger.Info(ctx, "model loaded",
		"model", model, "vram_gb", vram, "load_ms", elapsed.Milliseconds(), "evicted", len(victims))

	payload := map[string]any{
		"model":   model,
		"vram_gb": vram,
		"load_ms": elapsed.Milliseconds(),
	}
	if len(victims) > 0 {
		names := make([]string, len(victims))
		for i, v := range victims {
			names[i] = v.name
		}
		payload["evicted"] = names
	}
	m.emit(types.EventModelLoaded, payload)
	return nil
}

// EnsureLoaded joins any in-flight pre-warm of the model, then loads.
// A pre-warm that failed is retried here rather than surfaced, so the
// caller sees one load attempt of its own.
func (m *Manager) EnsureLoaded(ctx context.Context, model string, vram float64) error {
	if err := m.WaitForPreWarm(ctx, model); err != nil && ctx.Err() != nil {
		return err
	}
	return m.Load(ctx, model, vram)
}

// PreWarm schedules a background load and returns immediately.
// Duplicate calls while a pre-warm is in flight coalesce into the
// running one; a model that is already resident is left alone.
func (m *Manager) PreWarm(model string, vram float64) {
	m.mu.Lock()
	if e, ok := m.loaded[model]; ok && !e.loading {
		m.mu.Unlock()
		return
	}
	if _, inflight := m.warming[model]; inflight {
		m.mu.Unlock()
		return
	}
	w := &prewarm{done: make(chan struct{})}
	m.warming[model] = w
	m.stats.prewarms++
	m.mu.Unlock()

	go func() {
		err := m.Load(context.Background(), model, vram)
		m.mu.Lock()
		delete(m.warming, model)
		m.mu.Unlock()
		w.err = err
		close(w.done)
		if err != nil {
			m.logger.Warn(context.Background(), "pre-warm failed", "model", model, "error", err)
		}
	}()
}

// WaitForPreWarm blocks until the in-flight pre-warm for the model
// finishes and returns its result. Returns nil immediately when no
// pre-warm is running.
func (m *Manager) WaitForPreWarm(ctx context.Context, model string) error {
	m.mu.Lock()
	w, ok := m.warming[model]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.err
	}
}

// Unload releases the model's VRAM and tells the backend to drop it.
// Unloading a model that is not resident is a no-op.
func (m *Manager) Unload(ctx context.Context, model string) error {
	const op = "models.unload"

	lock := m.lockFor(model)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	e, ok := m.loaded[model]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	vram := e.vram
	delete(m.loaded, model)
	m.used -= vram
	m.syncGaugesLocked()
	m.mu.Unlock()

	m.logger.Info(ctx, "model unloaded", "model", model, "vram_gb", vram)
	m.emit(types.EventModelUnloaded, map[string]any{
		"model":   model,
		"vram_gb": vram,
		"reason":  "requested",
	})

	if err := m.backend.Unload(ctx, model); err != nil {
		m.logger.Warn(ctx, "backend unload failed", "model", model, "error", err)
		return types.WrapError(types.CategoryOf(err), op, err)
	}
	return nil
}

// CanLoad reports whether a load of the given footprint could be
// admitted right now, counting space LRU eviction could free.
func (m *Manager) CanLoad(vram float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := m.maxVRAM - m.used
	if vram <= free {
		return true
	}
	evictable := 0.0
	for name, e := range m.loaded {
		if m.keepWarm[name] || e.loading {
			continue
		}
		evictable += e.vram
	}
	return vram <= free+evictable
}

// AddKeepWarm pins the model: it will never be selected for eviction.
// Pinning does not load the model.
func (m *Manager) AddKeepWarm(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keepWarm[model] = true
}

// RemoveKeepWarm unpins the model, making it evictable again.
func (m *Manager) RemoveKeepWarm(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keepWarm, model)
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:          m.stats.hits,
		Misses:        m.stats.misses,
		Evictions:     m.stats.evictions,
		PreWarms:      m.stats.prewarms,
		TotalLoadTime: m.stats.totalLoadTime,
		LoadedModels:  m.residentCountLocked(),
		UsedVRAMGB:    m.used,
		FreeVRAMGB:    m.maxVRAM - m.used,
	}
}

// Resident lists the loaded models, oldest first.
func (m *Manager) Resident() []ResidentModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ResidentModel, 0, len(m.loaded))
	for name, e := range m.loaded {
		if e.loading {
			continue
		}
		out = append(out, ResidentModel{
			Name:     name,
			VRAMGB:   e.vram,
			LoadedAt: e.loadedAt,
			UseCount: e.useCount,
			KeepWarm: m.keepWarm[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadedAt.Before(out[j].LoadedAt) })
	return out
}

// ResidentSet returns the names of loaded models. The scheduler treats
// these as zero marginal cost during batch admission.
func (m *Manager) ResidentSet() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := make(map[string]bool, len(m.loaded))
	for name, e := range m.loaded {
		if !e.loading {
			set[name] = true
		}
	}
	return set
}

// FreeVRAMGB is the unaccounted budget remaining.
func (m *Manager) FreeVRAMGB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxVRAM - m.used
}

// touchLocked refreshes a resident model's LRU position and counts the
// hit. Returns false for absent models and in-flight reservations.
// Caller holds m.mu.
func (m *Manager) touchLocked(model string) bool {
	e, ok := m.loaded[model]
	if !ok || e.loading {
		return false
	}
	e.loadedAt = time.Now()
	e.useCount++
	m.stats.hits++
	return true
}

// lockLocked returns the model's lock, creating it on first use.
// Caller holds m.mu.
func (m *Manager) lockLocked(model string) *sync.Mutex {
	if l, ok := m.locks[model]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.locks[model] = l
	return l
}

func (m *Manager) lockFor(model string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockLocked(model)
}

type victim struct {
	name string
	vram float64
}

// reserveLocked books the VRAM for a new load, selecting LRU victims
// when the free budget is short. Keep-warm models and in-flight loads
// are never selected; if the remainder cannot cover the request,
// nothing is evicted and a RESOURCE error is returned. On success the
// model is inserted as a loading reservation. Caller holds m.mu.
func (m *Manager) reserveLocked(op, model string, vram float64) ([]victim, error) {
	free := m.maxVRAM - m.used

	var victims []victim
	if vram > free {
		type candidate struct {
			name string
			e    *entry
		}
		candidates := make([]candidate, 0, len(m.loaded))
		for name, e := range m.loaded {
			if m.keepWarm[name] || e.loading {
				continue
			}
			candidates = append(candidates, candidate{name, e})
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].e.loadedAt.Before(candidates[j].e.loadedAt)
		})

		need := vram - free
		for _, c := range candidates {
			if need <= 0 {
				break
			}
			victims = append(victims, victim{c.name, c.e.vram})
			need -= c.e.vram
		}
		if need > 0 {
			evictable := vram - free - need
			return nil, types.NewError(types.CategoryResource, op, fmt.Sprintf(
				"model %q needs %.1f GB: %.1f GB free, %.1f GB evictable",
				model, vram, free, evictable))
		}

		for _, v := range victims {
			delete(m.loaded, v.name)
			m.used -= v.vram
			m.stats.evictions++
		}
	}

	m.loaded[model] = &entry{vram: vram, loading: true, loadedAt: time.Now()}
	m.used += vram
	m.syncGaugesLocked()
	return victims, nil
}

// finishEviction drops an already-unaccounted victim from the backend.
// Taking the victim's lock closes the race with a concurrent reload: if
// the model came back while we waited, residency wins and the backend
// keeps it.
func (m *Manager) finishEviction(ctx context.Context, name string, vram float64) {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if _, reloaded := m.loaded[name]; reloaded {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.backend.Unload(ctx, name); err != nil {
		m.logger.Warn(ctx, "evicted model unload failed", "model", name, "error", err)
	}
	if m.metrics != nil {
		m.metrics.RecordEviction(name)
	}
	m.logger.Info(ctx, "model evicted", "model", name, "vram_gb", vram)
	m.emit(types.EventModelUnloaded, map[string]any{
		"model":   name,
		"vram_gb": vram,
		"reason":  "evicted",
	})
}

// residentCountLocked counts finished loads. Caller holds m.mu.
func (m *Manager) residentCountLocked() int {
	n := 0
	for _, e := range m.loaded {
		if !e.loading {
			n++
		}
	}
	return n
}

// syncGaugesLocked pushes the accounting into the gauges. Caller holds
// m.mu.
func (m *Manager) syncGaugesLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetVRAMUsed(m.used)
	m.metrics.SetModelsLoaded(m.residentCountLocked())
}

func (m *Manager) emit(t types.EventType, payload map[string]any) {
	if m.bus != nil {
		m.bus.Emit(t, "", payload)
	}
}
