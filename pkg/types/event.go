package types

import "time"

// EventType identifies the kind of kernel lifecycle event.
type EventType string

const (
	// Task lifecycle
	EventTaskCreated       EventType = "TASK_CREATED"
	EventTaskStatusChanged EventType = "TASK_STATUS_CHANGED"
	EventTaskCancelled     EventType = "TASK_CANCELLED"

	// Agent loop
	EventIterationStart   EventType = "ITERATION_START"
	EventIterationWarning EventType = "ITERATION_WARNING"
	EventAgentOutput      EventType = "AGENT_OUTPUT"
	EventToolCalled       EventType = "TOOL_CALLED"
	EventDelegationStart  EventType = "DELEGATION_START"

	// Streaming
	EventStreamingStart EventType = "STREAMING_START"
	EventStreamingToken EventType = "STREAMING_TOKEN"
	EventStreamingEnd   EventType = "STREAMING_END"

	// Scheduling
	EventParallelBatchStart EventType = "PARALLEL_BATCH_START"
	EventParallelBatchEnd   EventType = "PARALLEL_BATCH_END"

	// Planning and learning
	EventPlanProposed   EventType = "PLAN_PROPOSED"
	EventPatternLearned EventType = "PATTERN_LEARNED"
	EventMetricsUpdated EventType = "METRICS_UPDATED"

	// Model manager
	EventModelLoaded   EventType = "MODEL_LOADED"
	EventModelUnloaded EventType = "MODEL_UNLOADED"
	EventModelDegraded EventType = "MODEL_DEGRADED"

	// Faults
	EventError           EventType = "ERROR"
	EventBusOverflow     EventType = "BUS_OVERFLOW"
	EventToolParseFailed EventType = "TOOL_PARSE_FAILED"

	// Liveness
	EventHeartbeat EventType = "HEARTBEAT"
)

// Event is one kernel lifecycle notification. Events for a given task
// id are delivered in publication order; cross-task ordering is not
// guaranteed.
type Event struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`

	// Seq is monotonic within the process, assigned at publication.
	Seq uint64 `json:"seq"`

	// Timestamp is wall clock at publication, UTC.
	Timestamp time.Time `json:"timestamp"`

	// TaskID scopes the event to a task when relevant.
	TaskID string `json:"task_id,omitempty"`

	// Payload carries type-specific fields.
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent constructs an event stamped with the current wall clock.
// Seq is assigned by the bus at publication.
func NewEvent(t EventType, taskID string, payload map[string]any) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Payload:   payload,
	}
}
