package models

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

type fakeLoader struct {
	mu      sync.Mutex
	delay   time.Duration
	loadErr map[string]error
	loads   []string
	unloads []string
}

func (f *fakeLoader) Load(ctx context.Context, model string) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, model)
	if err, ok := f.loadErr[model]; ok {
		return err
	}
	return nil
}

func (f *fakeLoader) Unload(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads = append(f.unloads, model)
	return nil
}

func (f *fakeLoader) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeLoader) unloaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unloads...)
}

func newTestManager(t *testing.T, budget float64, backend *fakeLoader) (*Manager, *events.Bus) {
	t.Helper()
	bus := events.NewBus(0)
	t.Cleanup(bus.Close)
	m := NewManager(backend, bus, observability.NopLogger(), nil, ManagerConfig{MaxVRAMGB: budget})
	return m, bus
}

// backdate pushes a resident model's LRU position into the past so
// eviction order is deterministic regardless of clock resolution.
func backdate(m *Manager, model string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded[model].loadedAt = m.loaded[model].loadedAt.Add(-d)
}

func TestManagerLoad_MissThenHit(t *testing.T) {
	backend := &fakeLoader{}
	m, _ := newTestManager(t, 8, backend)
	ctx := context.Background()

	if err := m.Load(ctx, "qwen2.5:7b", 5); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := m.Load(ctx, "qwen2.5:7b", 5); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	if backend.loadCount() != 1 {
		t.Errorf("backend loads = %d, want 1", backend.loadCount())
	}
	s := m.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
	if s.UsedVRAMGB != 5 || s.LoadedModels != 1 {
		t.Errorf("used/loaded = %.1f/%d, want 5.0/1", s.UsedVRAMGB, s.LoadedModels)
	}
}

func TestManagerLoad_EvictsOldestFirst(t *testing.T) {
	backend := &fakeLoader{}
	m, _ := newTestManager(t, 8, backend)
	ctx := context.Background()

	if err := m.Load(ctx, "a", 4); err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := m.Load(ctx, "b", 3); err != nil {
		t.Fatalf("load b: %v", err)
	}
	backdate(m, "b", time.Hour)

	// Free budget is 1; loading c needs 3 more, so b (oldest) goes.
	if err := m.Load(ctx, "c", 4); err != nil {
		t.Fatalf("load c: %v", err)
	}

	unloads := backend.unloaded()
	if len(unloads) != 1 || unloads[0] != "b" {
		t.Fatalf("unloads = %v, want [b]", unloads)
	}
	set := m.ResidentSet()
	if !set["a"] || !set["c"] || set["b"] {
		t.Errorf("resident = %v, want a and c", set)
	}
	if s := m.Stats(); s.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", s.Evictions)
	}
}

func TestManagerLoad_KeepWarmNeverEvicted(t *testing.T) {
	backend := &fakeLoader{}
	m, _ := newTestManager(t, 8, backend)
	ctx := context.Background()

	m.AddKeepWarm("pinned")
	if err := m.Load(ctx, "pinned", 6); err != nil {
		t.Fatalf("load pinned: %v", err)
	}

	err := m.Load(ctx, "big", 4)
	if err == nil {
		t.Fatal("expected a resource error")
	}
	if !types.IsResource(err) {
		t.Errorf("category = %q, want resource", types.CategoryOf(err))
	}
	if len(backend.unloaded()) != 0 {
		t.Errorf("unloads = %v, want none", backend.unloaded())
	}
	if !m.ResidentSet()["pinned"] {
		t.Error("pinned model was dropped")
	}
	if got := m.FreeVRAMGB(); got != 2 {
		t.Errorf("free = %.1f, want 2.0 (failed load must not leak its reservation)", got)
	}
}

func TestManagerLoad_RejectsOversizedModel(t *testing.T) {
	m, _ := newTestManager(t, 8, &fakeLoader{})

	err := m.Load(context.Background(), "huge", 12)
	if !types.IsResource(err) {
		t.Fatalf("err = %v, want resource", err)
	}
	if got := m.FreeVRAMGB(); got != 8 {
		t.Errorf("free = %.1f, want 8.0", got)
	}
}

func TestManagerLoad_ConcurrentSameModelLoadsOnce(t *testing.T) {
	backend := &fakeLoader{delay: 30 * time.Millisecond}
	m, _ := newTestManager(t, 8, backend)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Load(context.Background(), "shared", 4)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	if backend.loadCount() != 1 {
		t.Errorf("backend loads = %d, want 1", backend.loadCount())
	}
	s := m.Stats()
	if s.Misses != 1 || s.Hits != 3 {
		t.Errorf("hits/misses = %d/%d, want 3/1", s.Hits, s.Misses)
	}
}

func TestManagerLoad_BackendFailureReleasesReservation(t *testing.T) {
	backend := &fakeLoader{
		loadErr: map[string]error{
			"broken": types.NewError(types.CategoryResource, "ollama.load", "out of memory"),
		},
	}
	m, _ := newTestManager(t, 8, backend)
	ctx := context.Background()

	err := m.Load(ctx, "broken", 4)
	if !types.IsResource(err) {
		t.Fatalf("err = %v, want resource", err)
	}
	if got := m.FreeVRAMGB(); got != 8 {
		t.Errorf("free = %.1f, want 8.0", got)
	}
	if len(m.ResidentSet()) != 0 {
		t.Errorf("resident = %v, want empty", m.ResidentSet())
	}

	// The failure must not poison later loads of the same model.
	delete(backend.loadErr, "broken")
	if err := m.Load(ctx, "broken", 4); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestManagerPreWarm_Coalesces(t *testing.T) {
	backend := &fakeLoader{delay: 30 * time.Millisecond}
	m, _ := newTestManager(t, 8, backend)

	m.PreWarm("warm", 4)
	m.PreWarm("warm", 4)

	if err := m.WaitForPreWarm(context.Background(), "warm"); err != nil {
		t.Fatalf("WaitForPreWarm: %v", err)
	}
	if backend.loadCount() != 1 {
		t.Errorf("backend loads = %d, want 1", backend.loadCount())
	}
	s := m.Stats()
	if s.PreWarms != 1 {
		t.Errorf("prewarms = %d, want 1", s.PreWarms)
	}
	if !m.ResidentSet()["warm"] {
		t.Error("model not resident after pre-warm")
	}

	// Resident models make later pre-warms a no-op.
	m.PreWarm("warm", 4)
	if s := m.Stats(); s.PreWarms != 1 {
		t.Errorf("prewarms after resident no-op = %d, want 1", s.PreWarms)
	}
}

func TestManagerEnsureLoaded_JoinsPreWarm(t *testing.T) {
	backend := &fakeLoader{delay: 30 * time.Millisecond}
	m, _ := newTestManager(t, 8, backend)

	m.PreWarm("warm", 4)
	if err := m.EnsureLoaded(context.Background(), "warm", 4); err != nil {
		t.Fatalf("EnsureLoaded: %v", err)
	}

	if backend.loadCount() != 1 {
		t.Errorf("backend loads = %d, want 1", backend.loadCount())
	}
	s := m.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
}

func TestManagerWaitForPreWarm(t *testing.T) {
	backend := &fakeLoader{delay: 200 * time.Millisecond}
	m, _ := newTestManager(t, 8, backend)

	// No pre-warm in flight: returns immediately.
	if err := m.WaitForPreWarm(context.Background(), "absent"); err != nil {
		t.Fatalf("WaitForPreWarm(absent): %v", err)
	}

	m.PreWarm("slow", 4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.WaitForPreWarm(ctx, "slow"); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestManagerUnload(t *testing.T) {
	backend := &fakeLoader{}
	m, _ := newTestManager(t, 8, backend)
	ctx := context.Background()

	if err := m.Load(ctx, "a", 4); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.Unload(ctx, "a"); err != nil {
		t.Fatalf("unload: %v", err)
	}

	if got := m.FreeVRAMGB(); got != 8 {
		t.Errorf("free = %.1f, want 8.0", got)
	}
	if len(backend.unloaded()) != 1 {
		t.Errorf("unloads = %v, want [a]", backend.unloaded())
	}

	// Absent model is a no-op.
	if err := m.Unload(ctx, "a"); err != nil {
		t.Fatalf("second unload: %v", err)
	}
	if len(backend.unloaded()) != 1 {
		t.Errorf("unloads after no-op = %v", backend.unloaded())
	}
}

func TestManagerCanLoad(t *testing.T) {
	m, _ := newTestManager(t, 8, &fakeLoader{})
	ctx := context.Background()

	if err := m.Load(ctx, "a", 5); err != nil {
		t.Fatalf("load: %v", err)
	}

	if !m.CanLoad(3) {
		t.Error("CanLoad(3) = false with 3 GB free")
	}
	if !m.CanLoad(7) {
		t.Error("CanLoad(7) = false with an evictable 5 GB model")
	}
	if m.CanLoad(9) {
		t.Error("CanLoad(9) = true above the budget")
	}

	m.AddKeepWarm("a")
	if m.CanLoad(7) {
		t.Error("CanLoad(7) = true when the only evictable model is pinned")
	}
	m.RemoveKeepWarm("a")
	if !m.CanLoad(7) {
		t.Error("CanLoad(7) = false after unpinning")
	}
}

func TestManagerEvents(t *testing.T) {
	backend := &fakeLoader{}
	m, bus := newTestManager(t, 8, backend)
	ch, cancel := bus.Subscribe(16, types.EventModelLoaded, types.EventModelUnloaded)
	defer cancel()
	ctx := context.Background()

	if err := m.Load(ctx, "a", 6); err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := m.Load(ctx, "b", 4); err != nil { // evicts a
		t.Fatalf("load b: %v", err)
	}
	if err := m.Unload(ctx, "b"); err != nil {
		t.Fatalf("unload b: %v", err)
	}

	var got []types.Event
	for len(got) < 4 {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	wantTypes := []types.EventType{
		types.EventModelLoaded,   // a
		types.EventModelUnloaded, // a evicted
		types.EventModelLoaded,   // b
		types.EventModelUnloaded, // b requested
	}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Fatalf("event[%d] = %s, want %s", i, got[i].Type, want)
		}
	}
	if reason := got[1].Payload["reason"]; reason != "evicted" {
		t.Errorf("eviction reason = %v", reason)
	}
	if reason := got[3].Payload["reason"]; reason != "requested" {
		t.Errorf("unload reason = %v", reason)
	}
	if evicted, ok := got[2].Payload["evicted"].([]string); !ok || len(evicted) != 1 || evicted[0] != "a" {
		t.Errorf("loaded payload evicted = %v, want [a]", got[2].Payload["evicted"])
	}
}

func TestManagerResident_SortedOldestFirst(t *testing.T) {
	m, _ := newTestManager(t, 16, &fakeLoader{})
	ctx := context.Background()

	for _, name := range []string{"x", "y", "z"} {
		if err := m.Load(ctx, name, 2); err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
	}
	backdate(m, "z", time.Hour)
	m.AddKeepWarm("x")

	resident := m.Resident()
	if len(resident) != 3 {
		t.Fatalf("resident = %d models, want 3", len(resident))
	}
	if resident[0].Name != "z" {
		t.Errorf("oldest = %q, want z", resident[0].Name)
	}
	for _, r := range resident {
		if r.Name == "x" && !r.KeepWarm {
			t.Error("x not marked keep-warm")
		}
	}
}
