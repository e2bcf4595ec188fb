package event

import "time"

// Broadcast channels. The set is fixed: this fabric is not a general-purpose
// message broker and does not support arbitrary topic hierarchies.
const (
	// ChannelTaskUpdate carries task status, progress, and revision changes.
	ChannelTaskUpdate = "task_update"

	// ChannelWorkerUpdate carries worker registration and liveness changes.
	ChannelWorkerUpdate = "worker_update"

	// ChannelSubtaskComplete carries subtask terminal transitions.
	ChannelSubtaskComplete = "subtask_complete"
)

// Channels returns the fixed set of broadcast channels.
func Channels() []string {
	return []string{ChannelTaskUpdate, ChannelWorkerUpdate, ChannelSubtaskComplete}
}

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "worker.offline", "task.progress")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// WorkerStatusEvent is emitted on every worker status transition
// (online, busy, offline). Published on ChannelWorkerUpdate.
type WorkerStatusEvent struct {
	baseEvent
	WorkerID string // Worker whose status changed
	Status   string // New status: "online", "busy", or "offline"
	Reason   string // Why the transition happened (e.g., "heartbeat", "liveness_expired")
}

// NewWorkerStatusEvent creates a WorkerStatusEvent.
func NewWorkerStatusEvent(workerID, status, reason string) WorkerStatusEvent {
	return WorkerStatusEvent{
		baseEvent: newBaseEvent("worker." + status),
		WorkerID:  workerID,
		Status:    status,
		Reason:    reason,
	}
}

// WorkerRegisteredEvent is emitted when a worker first registers.
// Published on ChannelWorkerUpdate.
type WorkerRegisteredEvent struct {
	baseEvent
	WorkerID     string   // Newly assigned worker ID
	Capabilities []string // Declared capability patterns
}

// NewWorkerRegisteredEvent creates a WorkerRegisteredEvent.
func NewWorkerRegisteredEvent(workerID string, capabilities []string) WorkerRegisteredEvent {
	return WorkerRegisteredEvent{
		baseEvent:    newBaseEvent("worker.registered"),
		WorkerID:     workerID,
		Capabilities: capabilities,
	}
}

// -----------------------------------------------------------------------------
// Task Events
// -----------------------------------------------------------------------------

// TaskStatusEvent is emitted when a task's status changes.
// Published on ChannelTaskUpdate.
type TaskStatusEvent struct {
	baseEvent
	TaskID   string // Task whose status changed
	Status   string // New status
	Revision int64  // Revision after the transition
}

// NewTaskStatusEvent creates a TaskStatusEvent.
func NewTaskStatusEvent(taskID, status string, revision int64) TaskStatusEvent {
	return TaskStatusEvent{
		baseEvent: newBaseEvent("task." + status),
		TaskID:    taskID,
		Status:    status,
		Revision:  revision,
	}
}

// TaskProgressEvent is emitted when a task's progress advances.
// Published on ChannelTaskUpdate.
type TaskProgressEvent struct {
	baseEvent
	TaskID   string // Task whose progress changed
	Progress int    // New progress (0-100)
	Revision int64  // Revision after the update
}

// NewTaskProgressEvent creates a TaskProgressEvent.
func NewTaskProgressEvent(taskID string, progress int, revision int64) TaskProgressEvent {
	return TaskProgressEvent{
		baseEvent: newBaseEvent("task.progress"),
		TaskID:    taskID,
		Progress:  progress,
		Revision:  revision,
	}
}

// -----------------------------------------------------------------------------
// Subtask Events
// -----------------------------------------------------------------------------

// SubtaskStatusEvent is emitted on every subtask status transition.
// Published on ChannelTaskUpdate; terminal completions are additionally
// published on ChannelSubtaskComplete as SubtaskCompleteEvent.
type SubtaskStatusEvent struct {
	baseEvent
	SubtaskID string // Subtask whose status changed
	TaskID    string // Owning task
	Status    string // New status
	WorkerID  string // Assigned worker, if any
	Revision  int64  // Revision after the transition
}

// NewSubtaskStatusEvent creates a SubtaskStatusEvent.
func NewSubtaskStatusEvent(subtaskID, taskID, status, workerID string, revision int64) SubtaskStatusEvent {
	return SubtaskStatusEvent{
		baseEvent: newBaseEvent("subtask." + status),
		SubtaskID: subtaskID,
		TaskID:    taskID,
		Status:    status,
		WorkerID:  workerID,
		Revision:  revision,
	}
}

// SubtaskCompleteEvent is emitted exactly once when a subtask completes.
// Published on ChannelSubtaskComplete for the quality-assurance pipeline.
type SubtaskCompleteEvent struct {
	baseEvent
	SubtaskID string // Completed subtask
	TaskID    string // Owning task
	WorkerID  string // Worker that executed the subtask
}

// NewSubtaskCompleteEvent creates a SubtaskCompleteEvent.
func NewSubtaskCompleteEvent(subtaskID, taskID, workerID string) SubtaskCompleteEvent {
	return SubtaskCompleteEvent{
		baseEvent: newBaseEvent("subtask.completed"),
		SubtaskID: subtaskID,
		TaskID:    taskID,
		WorkerID:  workerID,
	}
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// QueueDepthEvent is emitted when the ready queue's composition changes.
// Published on ChannelTaskUpdate.
type QueueDepthEvent struct {
	baseEvent
	Ready    int // Subtasks eligible for immediate dispatch
	Pending  int // Subtasks held back by unmet dependencies
	Assigned int // Subtasks dispatched but not yet acknowledged
}

// NewQueueDepthEvent creates a QueueDepthEvent.
func NewQueueDepthEvent(ready, pending, assigned int) QueueDepthEvent {
	return QueueDepthEvent{
		baseEvent: newBaseEvent("queue.depth"),
		Ready:     ready,
		Pending:   pending,
		Assigned:  assigned,
	}
}
