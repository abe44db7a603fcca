package types

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task. Transitions are owned by
// the scheduler and the delegation manager; agent loops only request
// transitions by returning a LoopResult.
type TaskStatus string

const (
	// TaskPending means the task is queued and waiting for dependencies
	// and VRAM headroom.
	TaskPending TaskStatus = "pending"

	// TaskPlanning means a planning pass is running before execution.
	TaskPlanning TaskStatus = "planning"

	// TaskRunning means an agent loop is executing the task.
	TaskRunning TaskStatus = "running"

	// TaskWaiting means the task delegated work and is paused until a
	// child task terminates.
	TaskWaiting TaskStatus = "waiting"

	// TaskComplete is terminal success.
	TaskComplete TaskStatus = "complete"

	// TaskFailed is terminal failure.
	TaskFailed TaskStatus = "failed"

	// TaskCancelled is terminal cancellation. It is never overwritten
	// by a later failure.
	TaskCancelled TaskStatus = "cancelled"

	// TaskBlocked labels tasks whose dependencies cannot currently be
	// satisfied. Transient; the scheduler revisits blocked tasks.
	TaskBlocked TaskStatus = "blocked"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskComplete, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskResult is the outcome recorded on a terminal task.
type TaskResult struct {
	// Success is true only for COMPLETE tasks.
	Success bool `json:"success"`

	// Output is the agent's final output text.
	Output string `json:"output,omitempty"`

	// Error describes the failure for FAILED/CANCELLED tasks.
	Error string `json:"error,omitempty"`
}

// Task is one unit of work assigned to exactly one agent. Tasks are
// owned by the scheduler's task map; parent and child references are
// ids, never pointers.
type Task struct {
	// ID is the stable opaque identifier.
	ID string `json:"id"`

	// Description is the free-text work statement given to the agent.
	Description string `json:"description"`

	// AssignedAgent names the agent definition executing this task.
	AssignedAgent string `json:"assigned_agent"`

	// Priority orders scheduling; lower is more urgent.
	Priority int `json:"priority"`

	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`

	// SessionID links the task to its conversation log. Assigned at
	// most once and never reassigned.
	SessionID string `json:"session_id,omitempty"`

	// ParentID is set on delegated subtasks.
	ParentID string `json:"parent_id,omitempty"`

	// SubtaskIDs lists the children this task delegated.
	SubtaskIDs []string `json:"subtask_ids,omitempty"`

	// DependsOn lists task ids that must COMPLETE before this task is
	// ready.
	DependsOn []string `json:"depends_on,omitempty"`

	// VRAMRequired is the model footprint in gigabytes used for batch
	// admission.
	VRAMRequired float64 `json:"vram_required"`

	// ModelName is the model the task will run on.
	ModelName string `json:"model_name"`

	// MaxIterations caps the agent loop for this task.
	MaxIterations int `json:"max_iterations"`

	// CancelRequested moves monotonically to true. Running loops honor
	// it at their next cancellation check.
	CancelRequested bool `json:"cancel_requested"`

	// Result is set when the task reaches a terminal status.
	Result *TaskResult `json:"result,omitempty"`

	// ProjectID scopes memory and indexing for the task.
	ProjectID string `json:"project_id,omitempty"`

	// WorkDir is the working directory tools execute in.
	WorkDir string `json:"work_dir,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTask constructs a pending task with a fresh id.
func NewTask(description, agent string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:            uuid.NewString(),
		Description:   description,
		AssignedAgent: agent,
		Status:        TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// DependsOnAll reports whether every dependency id is contained in done.
func (t *Task) DependsOnAll(done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to readers outside the
// scheduler's lock.
func (t *Task) Clone() *Task {
	c := *t
	c.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}
