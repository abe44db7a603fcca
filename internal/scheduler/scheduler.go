// Package scheduler owns the task map and decides which pending tasks
// run next. Tasks wait in a min-heap ordered by (priority, created_at)
// and become ready once every dependency is complete; batch selection
// packs ready tasks against the VRAM budget, counting already-loaded
// models as free. All status transitions go through the scheduler so
// cancellation is never overwritten by a later failure.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

// queueItem wraps a pending task in the priority queue. seq breaks
// (priority, created_at) ties so equal tasks stay FIFO.
type queueItem struct {
	task  *types.Task
	seq   uint64
	index int
}

func (a *queueItem) less(b *queueItem) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

type taskQueue []*queueItem

func (q taskQueue) Len() int           { return len(q) }
func (q taskQueue) Less(i, j int) bool { return q[i].less(q[j]) }

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// Scheduler is the single owner of task state. Callers hand tasks in
// with Add and read them back as clones; the originals never leave the
// lock.
type Scheduler struct {
	bus     *events.Bus
	logger  *observability.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	tasks map[string]*types.Task
	queue taskQueue
	seq   uint64
}

// New creates an empty scheduler. bus and metrics may be nil; a nil
// logger is replaced with a no-op one.
func New(bus *events.Bus, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Scheduler{
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		tasks:   make(map[string]*types.Task),
	}
}

// Add admits a new pending task. The scheduler stores its own copy, so
// later mutations of the argument are not seen.
func (s *Scheduler) Add(ctx context.Context, task *types.Task) error {
	const op = "scheduler.add"

	if task == nil || task.ID == "" {
		return types.NewError(types.CategoryFatal, op, "task id is required")
	}
	if task.Status == "" {
		task.Status = types.TaskPending
	}
	if task.Status != types.TaskPending {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("task %s admitted as %s, want %s", task.ID, task.Status, types.TaskPending))
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("task %s already admitted", task.ID))
	}
	t := task.Clone()
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t
	s.enqueueLocked(t)
	s.syncGaugeLocked()
	s.mu.Unlock()

	s.logger.Info(ctx, "task queued",
		"task", t.ID, "agent", t.AssignedAgent, "priority", t.Priority, "model", t.ModelName)

	payload := map[string]any{
		"agent":    t.AssignedAgent,
		"priority": t.Priority,
		"model":    t.ModelName,
	}
	if t.ParentID != "" {
		payload["parent_id"] = t.ParentID
	}
	s.emit(types.EventTaskCreated, t.ID, payload)
	return nil
}

// GetReadyBatch selects the next batch of tasks to run in parallel.
// Ready tasks are visited in queue order; one is admitted when its
// model is already loaded (zero marginal VRAM) or the remaining budget
// covers its footprint. A task that does not fit is skipped, not a
// barrier, so smaller tasks behind it may still be admitted. A parent
// and its direct subtask are never admitted together.
func (s *Scheduler) GetReadyBatch(ctx context.Context, maxVRAM float64, loaded map[string]bool) []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(map[string]bool, len(s.tasks))
	for id, t := range s.tasks {
		if t.Status == types.TaskComplete {
			done[id] = true
		}
	}

	ordered := make([]*queueItem, len(s.queue))
	copy(ordered, s.queue)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].less(ordered[j]) })

	models := make(map[string]bool, len(loaded))
	for name, ok := range loaded {
		if ok {
			models[name] = true
		}
	}
	remaining := maxVRAM

	var batch []*types.Task
	inBatch := make(map[string]bool)
	parents := make(map[string]bool)
	for _, item := range ordered {
		t := item.task
		if t.Status != types.TaskPending || t.CancelRequested {
			continue
		}
		if !t.DependsOnAll(done) {
			continue
		}
		if inBatch[t.ParentID] || parents[t.ID] {
			continue
		}
		if !models[t.ModelName] {
			if t.VRAMRequired > remaining {
				continue
			}
			remaining -= t.VRAMRequired
			models[t.ModelName] = true
		}
		batch = append(batch, t.Clone())
		inBatch[t.ID] = true
		if t.ParentID != "" {
			parents[t.ParentID] = true
		}
	}

	if len(batch) > 0 {
		s.logger.Debug(ctx, "ready batch selected",
			"size", len(batch), "budget_gb", maxVRAM, "remaining_gb", remaining)
	}
	return batch
}

// MarkRunning moves a pending task out of the queue and into RUNNING.
func (s *Scheduler) MarkRunning(ctx context.Context, id string) error {
	const op = "scheduler.mark_running"

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", id))
	}
	if t.Status != types.TaskPending {
		s.mu.Unlock()
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("task %s is %s, want %s", id, t.Status, types.TaskPending))
	}
	s.dequeueLocked(id)
	s.setStatusLocked(ctx, t, types.TaskRunning)
	s.syncGaugeLocked()
	s.mu.Unlock()
	return nil
}

// MarkWaiting parks a running task until a delegated child terminates.
// A task whose cancellation was requested is finalized as CANCELLED
// instead of parked, so it cannot wait forever on a cancelled child.
func (s *Scheduler) MarkWaiting(ctx context.Context, id string) error {
	const op = "scheduler.mark_waiting"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", id))
	}
	if t.Status.IsTerminal() {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("task %s is already %s", id, t.Status))
	}
	if t.CancelRequested {
		s.finalizeLocked(ctx, t, types.TaskCancelled, &types.TaskResult{Error: "cancelled"})
		return nil
	}
	s.setStatusLocked(ctx, t, types.TaskWaiting)
	return nil
}

// MarkPending re-admits a parked task to the queue, typically after a
// delegated child terminated. Terminal tasks are left alone. A task
// whose cancellation was requested while parked is finalized as
// CANCELLED instead of re-queued.
func (s *Scheduler) MarkPending(ctx context.Context, id string) error {
	const op = "scheduler.mark_pending"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", id))
	}
	if t.Status.IsTerminal() {
		s.logger.Warn(ctx, "re-admission of terminal task skipped", "task", id, "status", string(t.Status))
		return nil
	}
	if t.CancelRequested {
		s.finalizeLocked(ctx, t, types.TaskCancelled, &types.TaskResult{Error: "cancelled"})
		return nil
	}
	if t.Status == types.TaskPending {
		return nil
	}
	s.setStatusLocked(ctx, t, types.TaskPending)
	s.enqueueLocked(t)
	s.syncGaugeLocked()
	return nil
}

// MarkCompleted finalizes a task as COMPLETE. A pending cancellation
// request does not demote a finished task; the work is already done.
func (s *Scheduler) MarkCompleted(ctx context.Context, id string, result *types.TaskResult) error {
	const op = "scheduler.mark_completed"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", id))
	}
	if t.Status.IsTerminal() {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("task %s is already %s", id, t.Status))
	}
	if result == nil {
		result = &types.TaskResult{Success: true}
	}
	s.finalizeLocked(ctx, t, types.TaskComplete, result)
	return nil
}

// MarkFailed finalizes a task as FAILED, unless cancellation was
// requested first: then the task becomes CANCELLED and the failure is
// dropped.
func (s *Scheduler) MarkFailed(ctx context.Context, id string, cause error) error {
	const op = "scheduler.mark_failed"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", id))
	}
	if t.Status.IsTerminal() {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("task %s is already %s", id, t.Status))
	}
	if t.CancelRequested {
		s.finalizeLocked(ctx, t, types.TaskCancelled, &types.TaskResult{Error: "cancelled"})
		return nil
	}
	msg := "task failed"
	if cause != nil {
		msg = cause.Error()
	}
	s.finalizeLocked(ctx, t, types.TaskFailed, &types.TaskResult{Error: msg})
	return nil
}

// CancelSubtree requests cancellation of a task and every descendant.
// Tasks that are not running are finalized as CANCELLED immediately;
// running tasks keep the flag and honor it at their next check.
func (s *Scheduler) CancelSubtree(ctx context.Context, id string) error {
	const op = "scheduler.cancel"

	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", id))
	}

	visited := make(map[string]bool)
	s.cancelLocked(ctx, root, root.ID, visited)
	s.syncGaugeLocked()
	return nil
}

// cancelLocked walks the subtree depth-first. Caller holds s.mu.
func (s *Scheduler) cancelLocked(ctx context.Context, t *types.Task, rootID string, visited map[string]bool) {
	if visited[t.ID] {
		return
	}
	visited[t.ID] = true

	if !t.Status.IsTerminal() && !t.CancelRequested {
		t.CancelRequested = true
		t.UpdatedAt = time.Now().UTC()
		s.emit(types.EventTaskCancelled, t.ID, map[string]any{"root": rootID})
		s.logger.Info(ctx, "cancellation requested", "task", t.ID, "status", string(t.Status))
	}
	if !t.Status.IsTerminal() && t.Status != types.TaskRunning {
		s.finalizeLocked(ctx, t, types.TaskCancelled, &types.TaskResult{Error: "cancelled"})
	}

	for _, childID := range t.SubtaskIDs {
		child, ok := s.tasks[childID]
		if !ok {
			continue
		}
		s.cancelLocked(ctx, child, rootID, visited)
	}
}

// AddSubtask records a delegated child on its parent so subtree
// cancellation can reach it.
func (s *Scheduler) AddSubtask(parentID, childID string) error {
	const op = "scheduler.add_subtask"

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.tasks[parentID]
	if !ok {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", parentID))
	}
	for _, id := range parent.SubtaskIDs {
		if id == childID {
			return nil
		}
	}
	parent.SubtaskIDs = append(parent.SubtaskIDs, childID)
	parent.UpdatedAt = time.Now().UTC()
	return nil
}

// BindSession records the session a task runs against. The binding is
// set-once: rebinding to a different session is an error, rebinding to
// the same one is a no-op.
func (s *Scheduler) BindSession(id, sessionID string) error {
	const op = "scheduler.bind_session"

	if sessionID == "" {
		return types.NewError(types.CategoryFatal, op, "session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", id))
	}
	if t.SessionID == sessionID {
		return nil
	}
	if t.SessionID != "" {
		return types.NewError(types.CategoryFatal, op,
			fmt.Sprintf("task %s is already bound to session %s", id, t.SessionID))
	}
	t.SessionID = sessionID
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// PendingCount reports how many tasks are queued.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RunningCount reports how many tasks are currently executing.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == types.TaskRunning {
			n++
		}
	}
	return n
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (*types.Task, error) {
	const op = "scheduler.get"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, types.NewError(types.CategoryFatal, op, fmt.Sprintf("unknown task %s", id))
	}
	return t.Clone(), nil
}

// Snapshot returns copies of every task, oldest first.
func (s *Scheduler) Snapshot() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// enqueueLocked pushes the task onto the priority queue. Caller holds
// s.mu.
func (s *Scheduler) enqueueLocked(t *types.Task) {
	s.seq++
	heap.Push(&s.queue, &queueItem{task: t, seq: s.seq})
}

// dequeueLocked removes the task from the queue if it is queued.
// Caller holds s.mu.
func (s *Scheduler) dequeueLocked(id string) {
	for _, item := range s.queue {
		if item.task.ID == id {
			heap.Remove(&s.queue, item.index)
			return
		}
	}
}

// finalizeLocked moves a task to a terminal status and records the
// result. Terminal counters are derived from the status-change event by
// the collector, not written here. Caller holds s.mu.
func (s *Scheduler) finalizeLocked(ctx context.Context, t *types.Task, status types.TaskStatus, result *types.TaskResult) {
	s.dequeueLocked(t.ID)
	result.Success = status == types.TaskComplete
	t.Result = result
	s.setStatusLocked(ctx, t, status)
	s.syncGaugeLocked()
}

// setStatusLocked applies a status transition and publishes it. Caller
// holds s.mu.
func (s *Scheduler) setStatusLocked(ctx context.Context, t *types.Task, to types.TaskStatus) {
	from := t.Status
	t.Status = to
	t.UpdatedAt = time.Now().UTC()

	if to.IsTerminal() {
		s.logger.Info(ctx, "task finished", "task", t.ID, "from", string(from), "to", string(to))
	} else {
		s.logger.Debug(ctx, "task transition", "task", t.ID, "from", string(from), "to", string(to))
	}
	s.emit(types.EventTaskStatusChanged, t.ID, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

// syncGaugeLocked pushes the queue depth into the gauge. Caller holds
// s.mu.
func (s *Scheduler) syncGaugeLocked() {
	if s.metrics != nil {
		s.metrics.SetPendingTasks(len(s.queue))
	}
}

func (s *Scheduler) emit(t types.EventType, taskID string, payload map[string]any) {
	if s.bus != nil {
		s.bus.Emit(t, taskID, payload)
	}
}
