package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sindri-dev/sindri/internal/agent"
	"github.com/sindri-dev/sindri/internal/observability"
	"github.com/sindri-dev/sindri/pkg/types"
)

// DelegationManager spawns subtasks on behalf of running agents and
// routes their outcomes back to the waiting parent. Parent and child
// reference each other by id only; the scheduler's task map is the
// single owner of task state.
type DelegationManager struct {
	deps     Deps
	maxDepth int
}

// NewDelegationManager wires a delegation manager over the
// orchestrator's collaborators. maxDepth caps the delegation chain;
// zero or negative falls back to 5.
func NewDelegationManager(deps Deps, maxDepth int) *DelegationManager {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &DelegationManager{deps: deps, maxDepth: maxDepth}
}

// Delegate creates a child task for target and registers it with the
// scheduler. The child inherits the parent's project scope, working
// directory, and priority, and carries its own agent's model and VRAM
// footprint. The child's model is pre-warmed so it is loading while the
// parent parks. Every rejection is an AGENT error: it is surfaced to
// the delegating model as a failed tool result, not to the kernel.
//
// Delegate does not park the parent. The loop short-circuits after a
// successful delegation and the scheduler applies the WAITING
// transition, so task status keeps a single writer.
func (d *DelegationManager) Delegate(ctx context.Context, parentID, target, description string) (*types.Task, error) {
	const op = "delegation.delegate"

	if target == "" {
		return nil, types.NewError(types.CategoryAgent, op, "target agent is required")
	}
	if strings.TrimSpace(description) == "" {
		return nil, types.NewError(types.CategoryAgent, op, "task description is required")
	}

	parent, err := d.deps.Scheduler.Get(parentID)
	if err != nil {
		return nil, types.NewError(types.CategoryAgent, op, fmt.Sprintf("unknown parent task %s", parentID))
	}
	parentDef, err := d.deps.Agents.Get(parent.AssignedAgent)
	if err != nil {
		return nil, types.WrapError(types.CategoryAgent, op, err)
	}
	if !parentDef.CanDelegateTo(target) {
		return nil, types.NewError(types.CategoryAgent, op,
			fmt.Sprintf("agent %s may not delegate to %s", parentDef.Name, target))
	}
	childDef, err := d.deps.Agents.Get(target)
	if err != nil {
		return nil, types.WrapError(types.CategoryAgent, op, err)
	}

	depth, err := d.chainDepth(parent)
	if err != nil {
		return nil, err
	}
	if depth+1 > d.maxDepth {
		return nil, types.NewError(types.CategoryAgent, op,
			fmt.Sprintf("delegation depth %d exceeds the limit of %d", depth+1, d.maxDepth))
	}

	child := types.NewTask(description, target)
	child.ParentID = parent.ID
	child.Priority = parent.Priority
	child.ProjectID = parent.ProjectID
	child.WorkDir = parent.WorkDir
	child.ModelName = childDef.Model
	child.VRAMRequired = childDef.VRAMGB

	if err := d.deps.Scheduler.Add(ctx, child); err != nil {
		return nil, types.WrapError(types.CategoryAgent, op, err)
	}
	if err := d.deps.Scheduler.AddSubtask(parent.ID, child.ID); err != nil {
		return nil, types.WrapError(types.CategoryAgent, op, err)
	}
	if d.deps.Models != nil {
		d.deps.Models.PreWarm(childDef.Model, childDef.VRAMGB)
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordDelegation(parentDef.Name, target)
	}

	d.deps.Logger.Info(ctx, "task delegated",
		"parent", parent.ID, "child", child.ID, "from", parentDef.Name, "to", target)
	d.emit(types.EventDelegationStart, parent.ID, map[string]any{
		"child_id":   child.ID,
		"from_agent": parentDef.Name,
		"to_agent":   target,
	})
	return child, nil
}

// OnChildCompleted injects the child's output into the parent session
// as a tool turn and re-admits the parent to the queue.
func (d *DelegationManager) OnChildCompleted(ctx context.Context, child *types.Task) error {
	content := fmt.Sprintf("Subtask %s (%s) completed.", child.ID, child.AssignedAgent)
	if child.Result != nil && child.Result.Output != "" {
		content += "\n" + child.Result.Output
	}
	return d.resume(ctx, child, content)
}

// OnChildFailed reports a failed or cancelled child to the parent and
// re-admits it. The parent decides whether the failure is fatal; the
// kernel only guarantees it wakes up with the outcome on record.
func (d *DelegationManager) OnChildFailed(ctx context.Context, child *types.Task, cause error) error {
	detail := "task failed"
	switch {
	case cause != nil:
		detail = cause.Error()
	case child.Result != nil && child.Result.Error != "":
		detail = child.Result.Error
	}
	verb := "failed"
	if child.Status == types.TaskCancelled {
		verb = "was cancelled"
	}
	return d.resume(ctx, child, fmt.Sprintf("Subtask %s (%s) %s: %s",
		child.ID, child.AssignedAgent, verb, detail))
}

// resume appends the outcome turn to the parent session and moves the
// parent back to PENDING. The turn is best-effort: a parent must never
// stay parked because its session could not be written. A parent whose
// cancellation was requested while parked is finalized by the scheduler
// instead of re-queued.
func (d *DelegationManager) resume(ctx context.Context, child *types.Task, content string) error {
	const op = "delegation.resume"

	if child.ParentID == "" {
		return nil
	}
	parent, err := d.deps.Scheduler.Get(child.ParentID)
	if err != nil {
		return types.WrapError(types.CategoryFatal, op, err)
	}

	if parent.SessionID == "" {
		d.deps.Logger.Warn(ctx, "parent has no session, outcome turn dropped",
			"parent", parent.ID, "child", child.ID)
	} else {
		turn := types.Turn{
			Role:       types.RoleTool,
			Content:    content,
			ToolCallID: child.ID,
			ToolName:   agent.DelegateToolName,
		}
		if err := d.deps.Sessions.AppendTurns(ctx, parent.SessionID, []types.Turn{turn}); err != nil {
			d.deps.Logger.Error(ctx, "outcome turn append failed",
				"parent", parent.ID, "child", child.ID, "error", err)
			d.emit(types.EventError, parent.ID, map[string]any{
				"component": "delegation",
				"category":  string(types.CategoryOf(err)),
				"error":     err.Error(),
			})
		}
	}

	if err := d.deps.Scheduler.MarkPending(ctx, parent.ID); err != nil {
		return types.WrapError(types.CategoryOf(err), op, err)
	}
	d.deps.Logger.Info(ctx, "parent re-admitted", "parent", parent.ID, "child", child.ID)
	return nil
}

// chainDepth counts the ancestors above the task. A repeated id on the
// walk means the parent links form a cycle. An ancestor the scheduler
// no longer knows ends the walk.
func (d *DelegationManager) chainDepth(t *types.Task) (int, error) {
	const op = "delegation.delegate"

	visited := map[string]bool{t.ID: true}
	depth := 0
	for cur := t; cur.ParentID != ""; {
		if visited[cur.ParentID] {
			return 0, types.NewError(types.CategoryAgent, op,
				fmt.Sprintf("delegation cycle through task %s", cur.ParentID))
		}
		visited[cur.ParentID] = true
		next, err := d.deps.Scheduler.Get(cur.ParentID)
		if err != nil {
			break
		}
		cur = next
		depth++
	}
	return depth, nil
}

func (d *DelegationManager) emit(t types.EventType, taskID string, payload map[string]any) {
	if d.deps.Bus != nil {
		d.deps.Bus.Emit(t, taskID, payload)
	}
}

var delegateSchema = []byte(`{
  "type": "object",
  "properties": {
    "agent": {
      "type": "string",
      "description": "Name of the agent to delegate to. Must be on this agent's delegation whitelist."
    },
    "task": {
      "type": "string",
      "description": "Complete, self-contained description of the subtask."
    }
  },
  "required": ["agent", "task"]
}`)

// DelegateTool exposes the delegation manager to agents as an ordinary
// tool. The parent task is resolved from the call context the loop
// stamps on every dispatch.
type DelegateTool struct {
	manager *DelegationManager
}

// NewDelegateTool wraps the manager in the tool dispatched under
// agent.DelegateToolName. The orchestrator registers it before any loop
// is constructed so loops advertise it to delegating agents.
func NewDelegateTool(manager *DelegationManager) *DelegateTool {
	return &DelegateTool{manager: manager}
}

func (t *DelegateTool) Name() string { return agent.DelegateToolName }

func (t *DelegateTool) Description() string {
	return "Delegate a subtask to another agent. Your work pauses until the subtask finishes; its outcome is appended to this conversation."
}

func (t *DelegateTool) Schema() []byte { return delegateSchema }

// WriteClass is false: delegating is coordination, not concrete
// progress on the parent's own work.
func (t *DelegateTool) WriteClass() bool { return false }

func (t *DelegateTool) Execute(ctx context.Context, args map[string]any, workDir string) types.ToolResult {
	target, _ := args["agent"].(string)
	description, _ := args["task"].(string)

	parentID := observability.TaskIDFrom(ctx)
	if parentID == "" {
		return types.FailResult(types.CategoryAgent, "delegation requires a task context")
	}

	child, err := t.manager.Delegate(ctx, parentID, target, description)
	if err != nil {
		return types.FailResult(types.CategoryOf(err), err.Error())
	}
	return types.OkResult(fmt.Sprintf(
		"Delegated to %s as subtask %s. Execution pauses until the subtask finishes; its outcome will appear in this conversation.",
		target, child.ID))
}
