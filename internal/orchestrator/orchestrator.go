// Package orchestrator drives task trees to completion. It admits the
// root task to the scheduler, selects VRAM-aware parallel batches, runs
// each batch member's agent loop, and maps loop results onto task
// transitions. It also owns the delegation manager: agents spawn
// subtasks through the delegate tool registered here, and terminated
// children wake their waiting parents through the same manager.
//
// One orchestrator serves one kernel. Batches execute to completion
// before the next selection, so a delegating parent is always parked
// before its child starts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sindri-dev/sindri/internal/agent"
	"github.com/sindri-dev/sindri/internal/events"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/internal/providers"
	"github.com/sindri-dev/sindri/internal/scheduler"
	"github.com/sindri-dev/sindri/internal/storage"
	"github.com/sindri-dev/sindri/internal/tools"
	"github.com/sindri-dev/sindri/pkg/types"
)

// ModelPool is the slice of the model manager the orchestrator drives:
// residency for batch admission, pre-warming for delegation, and loads
// for the agent loops. Satisfied by models.Manager.
type ModelPool interface {
	agent.ModelLoader
	PreWarm(model string, vram float64)
	ResidentSet() map[string]bool
}

// PatternLearner folds finished tasks into the pattern store.
// Satisfied by memory.Recorder.
type PatternLearner interface {
	LearnPattern(ctx context.Context, task string, toolSequence []string, success bool) (*types.Pattern, error)
}

// Deps carries the orchestrator's collaborators. Backend, Sessions,
// Agents, Scheduler, and Tools are required; the rest degrade
// gracefully when nil.
type Deps struct {
	Backend     providers.Backend
	Tools       *tools.Registry
	Sessions    storage.SessionStore
	Checkpoints storage.CheckpointStore
	Models      ModelPool
	Memory      agent.ContextBuilder
	Patterns    PatternLearner

	Agents    *agent.Registry
	Scheduler *scheduler.Scheduler

	Bus     *events.Bus
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Config tunes the orchestrator.
type Config struct {
	// MaxVRAMGB is the batch admission budget in gigabytes. It must
	// match the budget the model manager enforces, or batches will be
	// selected that cannot load.
	MaxVRAMGB float64

	// MaxDelegationDepth caps the delegation chain length.
	MaxDelegationDepth int

	// Heartbeat is the liveness emission period.
	Heartbeat time.Duration

	// Loop tunes the agent loops.
	Loop agent.Config
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxVRAMGB <= 0 {
		cfg.MaxVRAMGB = 15
	}
	if cfg.MaxDelegationDepth <= 0 {
		cfg.MaxDelegationDepth = 5
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	return cfg
}

// Orchestrator executes task trees. One loop is constructed per agent
// definition at startup; tasks are routed to loops by assigned agent.
type Orchestrator struct {
	deps       Deps
	cfg        Config
	delegation *DelegationManager
	loops      map[string]*agent.Loop
}

// New wires an orchestrator. The delegation manager is built first and
// its delegate tool registered, because loops resolve their advertised
// tool specs at construction.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	const op = "orchestrator.new"

	if deps.Backend == nil || deps.Sessions == nil {
		return nil, types.NewError(types.CategoryFatal, op, "backend and session store are required")
	}
	if deps.Agents == nil || deps.Scheduler == nil || deps.Tools == nil {
		return nil, types.NewError(types.CategoryFatal, op, "agent registry, scheduler, and tool registry are required")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	cfg = sanitizeConfig(cfg)

	o := &Orchestrator{
		deps:  deps,
		cfg:   cfg,
		loops: make(map[string]*agent.Loop),
	}
	o.delegation = NewDelegationManager(deps, cfg.MaxDelegationDepth)
	if err := deps.Tools.Register(NewDelegateTool(o.delegation)); err != nil {
		return nil, err
	}

	loopDeps := agent.Deps{
		Backend:     deps.Backend,
		Tools:       deps.Tools,
		Sessions:    deps.Sessions,
		Checkpoints: deps.Checkpoints,
		Models:      deps.Models,
		Memory:      deps.Memory,
		Cancelled:   o.cancelRequested,
		Bus:         deps.Bus,
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
		Tracer:      deps.Tracer,
	}
	for _, def := range deps.Agents.All() {
		o.loops[def.Name] = agent.NewLoop(def, loopDeps, cfg.Loop)
	}
	return o, nil
}

// Delegation returns the delegation manager, for callers that resume
// parents outside a pump (crash recovery).
func (o *Orchestrator) Delegation() *DelegationManager { return o.delegation }

// ExecuteRoot runs the task tree rooted at root and blocks until the
// root reaches a terminal status. Scheduling fields the caller left
// zero are filled from the assigned agent's definition. The returned
// error is reserved for infrastructure faults; root-level failures and
// cancellations arrive in the TaskResult.
func (o *Orchestrator) ExecuteRoot(ctx context.Context, root *types.Task) (*types.TaskResult, error) {
	const op = "orchestrator.execute"

	if root == nil {
		return nil, types.NewError(types.CategoryFatal, op, "root task is required")
	}
	def, err := o.deps.Agents.Get(root.AssignedAgent)
	if err != nil {
		return nil, err
	}
	if root.ModelName == "" {
		root.ModelName = def.Model
	}
	if root.VRAMRequired <= 0 {
		root.VRAMRequired = def.VRAMGB
	}

	if err := o.deps.Scheduler.Add(ctx, root); err != nil {
		return nil, err
	}
	o.deps.Logger.Info(ctx, "root task admitted",
		"task", root.ID, "agent", root.AssignedAgent, "model", root.ModelName)
	return o.pump(ctx, root.ID)
}

// pump alternates batch selection and parallel execution until the
// root terminates. When the context is done the whole tree is
// cancelled cooperatively and the pump keeps draining until the root
// reaches its terminal status.
func (o *Orchestrator) pump(ctx context.Context, rootID string) (*types.TaskResult, error) {
	const op = "orchestrator.execute"

	stop := o.startHeartbeat()
	defer stop()

	cancelIssued := false
	for {
		if ctx.Err() != nil && !cancelIssued {
			cancelIssued = true
			o.deps.Logger.Warn(ctx, "context done, cancelling task tree", "root", rootID)
			if err := o.deps.Scheduler.CancelSubtree(ctx, rootID); err != nil {
				return nil, err
			}
		}

		root, err := o.deps.Scheduler.Get(rootID)
		if err != nil {
			return nil, err
		}
		if root.Status.IsTerminal() {
			result := root.Result
			if result == nil {
				result = &types.TaskResult{Success: root.Status == types.TaskComplete}
			}
			o.deps.Logger.Info(ctx, "root task finished",
				"task", rootID, "status", string(root.Status))
			return result, nil
		}

		var residents map[string]bool
		if o.deps.Models != nil {
			residents = o.deps.Models.ResidentSet()
		}
		batch := o.deps.Scheduler.GetReadyBatch(ctx, o.cfg.MaxVRAMGB, residents)
		if len(batch) == 0 {
			// Nothing is running between batches, so an empty selection
			// means the tree is stalled: either a pending task can never
			// run, or a parked parent lost its wake-up.
			if o.failUnrunnable(ctx) {
				continue
			}
			return nil, types.NewError(types.CategoryFatal, op,
				fmt.Sprintf("task tree for %s cannot make progress", rootID))
		}

		if err := o.runBatch(ctx, batch); err != nil {
			return nil, err
		}
	}
}

// runBatch marks the batch running and executes every member's loop in
// parallel. A member the scheduler refuses to start (cancelled between
// selection and start) is skipped, not fatal.
func (o *Orchestrator) runBatch(ctx context.Context, batch []*types.Task) error {
	ids := make([]string, len(batch))
	for i, t := range batch {
		ids[i] = t.ID
	}
	o.deps.Logger.Info(ctx, "batch starting", "size", len(batch), "tasks", strings.Join(ids, ","))
	o.emit(types.EventParallelBatchStart, "", map[string]any{
		"size":  len(batch),
		"tasks": ids,
	})
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordBatch(len(batch))
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range batch {
		if err := o.deps.Scheduler.MarkRunning(ctx, t.ID); err != nil {
			o.deps.Logger.Warn(ctx, "batch member skipped", "task", t.ID, "error", err)
			continue
		}
		g.Go(func() error { return o.runTask(gctx, t) })
	}
	err := g.Wait()
	o.emit(types.EventParallelBatchEnd, "", map[string]any{
		"size":        len(batch),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return err
}

// runTask executes one admitted task's loop and maps the result onto a
// scheduler transition. The returned error is an infrastructure fault
// that aborts the pump; every agent-level outcome is absorbed here.
func (o *Orchestrator) runTask(ctx context.Context, t *types.Task) error {
	loop, ok := o.loops[t.AssignedAgent]
	if !ok {
		err := types.NewError(types.CategoryFatal, "orchestrator.run",
			fmt.Sprintf("no loop for agent %s", t.AssignedAgent))
		o.deps.Logger.Error(ctx, "task assigned to unknown agent", "task", t.ID, "agent", t.AssignedAgent)
		o.markFailed(ctx, t.ID, err)
		o.notifyParent(ctx, t.ID)
		return nil
	}

	res, err := loop.Run(ctx, t)
	if err != nil {
		o.markFailed(ctx, t.ID, err)
		o.notifyParent(ctx, t.ID)
		return err
	}

	// The loop assigns the session on first run; record the binding so
	// resumes and recovery find it.
	if t.SessionID != "" {
		if err := o.deps.Scheduler.BindSession(t.ID, t.SessionID); err != nil {
			o.deps.Logger.Warn(ctx, "session binding rejected", "task", t.ID, "error", err)
		}
	}

	switch res.Outcome {
	case types.OutcomeCompleted:
		result := &types.TaskResult{Success: true, Output: res.FinalOutput}
		if err := o.deps.Scheduler.MarkCompleted(ctx, t.ID, result); err != nil {
			o.deps.Logger.Warn(ctx, "completion not recorded", "task", t.ID, "error", err)
		}
		o.learnPattern(ctx, t, true)
		o.notifyParent(ctx, t.ID)

	case types.OutcomeWaiting:
		if err := o.deps.Scheduler.MarkWaiting(ctx, t.ID); err != nil {
			o.deps.Logger.Warn(ctx, "waiting not recorded", "task", t.ID, "error", err)
		}

	case types.OutcomeFailed:
		if res.Reason == types.ReasonCancelled {
			// Cancellation may have arrived through the context instead
			// of a CancelSubtree call; flag the subtree so the task
			// finalizes CANCELLED and descendants follow.
			if err := o.deps.Scheduler.CancelSubtree(ctx, t.ID); err != nil {
				o.deps.Logger.Warn(ctx, "subtree cancel failed", "task", t.ID, "error", err)
			}
		}
		o.markFailed(ctx, t.ID, errors.New(res.Reason))
		if res.Reason != types.ReasonCancelled {
			o.learnPattern(ctx, t, false)
		}
		o.notifyParent(ctx, t.ID)
	}
	return nil
}

// markFailed requests the FAILED transition; the scheduler preserves
// CANCELLED when cancellation was requested first.
func (o *Orchestrator) markFailed(ctx context.Context, taskID string, cause error) {
	if err := o.deps.Scheduler.MarkFailed(ctx, taskID, cause); err != nil {
		o.deps.Logger.Warn(ctx, "failure not recorded", "task", taskID, "error", err)
	}
}

// notifyParent routes a terminal child's outcome to the delegation
// manager so a waiting parent is re-admitted.
func (o *Orchestrator) notifyParent(ctx context.Context, taskID string) {
	t, err := o.deps.Scheduler.Get(taskID)
	if err != nil || t.ParentID == "" {
		return
	}

	var nerr error
	switch t.Status {
	case types.TaskComplete:
		nerr = o.delegation.OnChildCompleted(ctx, t)
	case types.TaskFailed, types.TaskCancelled:
		nerr = o.delegation.OnChildFailed(ctx, t, nil)
	default:
		return
	}
	if nerr != nil {
		o.deps.Logger.Error(ctx, "parent resume failed", "child", taskID, "error", nerr)
		o.emit(types.EventError, t.ParentID, map[string]any{
			"component": "delegation",
			"category":  string(types.CategoryOf(nerr)),
			"error":     nerr.Error(),
		})
	}
}

// failUnrunnable finalizes pending tasks that can never run: tasks with
// a failed or cancelled dependency, and tasks whose footprint exceeds
// the admission budget outright. Reports whether anything changed, so
// the pump can re-select instead of declaring the tree stuck.
func (o *Orchestrator) failUnrunnable(ctx context.Context) bool {
	const op = "orchestrator.schedule"

	snapshot := o.deps.Scheduler.Snapshot()
	doomed := make(map[string]types.TaskStatus, len(snapshot))
	for _, t := range snapshot {
		if t.Status == types.TaskFailed || t.Status == types.TaskCancelled {
			doomed[t.ID] = t.Status
		}
	}

	changed := false
	for _, t := range snapshot {
		if t.Status != types.TaskPending {
			continue
		}
		var cause error
		for _, dep := range t.DependsOn {
			if status, bad := doomed[dep]; bad {
				cause = types.NewError(types.CategoryAgent, op,
					fmt.Sprintf("dependency %s %s", dep, status))
				break
			}
		}
		if cause == nil && t.VRAMRequired > o.cfg.MaxVRAMGB {
			cause = types.NewError(types.CategoryResource, op,
				fmt.Sprintf("task needs %.1f GB, budget is %.1f GB", t.VRAMRequired, o.cfg.MaxVRAMGB))
		}
		if cause == nil {
			continue
		}

		o.deps.Logger.Error(ctx, "task cannot run", "task", t.ID, "error", cause)
		if err := o.deps.Scheduler.MarkFailed(ctx, t.ID, cause); err != nil {
			continue
		}
		o.emit(types.EventError, t.ID, map[string]any{
			"component": "orchestrator",
			"category":  string(types.CategoryOf(cause)),
			"error":     cause.Error(),
		})
		o.notifyParent(ctx, t.ID)
		changed = true
	}
	return changed
}

// learnPattern folds the finished task's successful tool sequence into
// the pattern store. Best-effort: learning never affects outcomes.
func (o *Orchestrator) learnPattern(ctx context.Context, t *types.Task, success bool) {
	if o.deps.Patterns == nil || t.SessionID == "" {
		return
	}
	session, err := o.deps.Sessions.GetSession(ctx, t.SessionID)
	if err != nil {
		o.deps.Logger.Warn(ctx, "pattern learning skipped", "task", t.ID, "error", err)
		return
	}
	var sequence []string
	for _, turn := range session.Turns {
		if turn.Role == types.RoleTool && !turn.IsError && turn.ToolName != "" {
			sequence = append(sequence, turn.ToolName)
		}
	}
	if _, err := o.deps.Patterns.LearnPattern(ctx, t.Description, sequence, success); err != nil {
		o.deps.Logger.Warn(ctx, "pattern learning failed", "task", t.ID, "error", err)
	}
}

// cancelRequested is the loops' external cancellation probe, backed by
// the scheduler's task map. Loops hold clones, so a CancelSubtree after
// batch selection is only visible through this lookup.
func (o *Orchestrator) cancelRequested(taskID string) bool {
	t, err := o.deps.Scheduler.Get(taskID)
	return err == nil && t.CancelRequested
}

// startHeartbeat emits liveness events with queue depth until the
// returned stop function is called.
func (o *Orchestrator) startHeartbeat() func() {
	if o.deps.Bus == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				o.emit(types.EventHeartbeat, "", map[string]any{
					"pending": o.deps.Scheduler.PendingCount(),
					"running": o.deps.Scheduler.RunningCount(),
				})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (o *Orchestrator) emit(t types.EventType, taskID string, payload map[string]any) {
	if o.deps.Bus != nil {
		o.deps.Bus.Emit(t, taskID, payload)
	}
}
