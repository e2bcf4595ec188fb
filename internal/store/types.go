package store

import "time"

// WorkerStatus represents the current liveness state of a worker.
type WorkerStatus string

const (
	// WorkerOnline indicates the worker heartbeated within the liveness window.
	WorkerOnline WorkerStatus = "online"

	// WorkerBusy indicates the worker is live and executing an assignment.
	WorkerBusy WorkerStatus = "busy"

	// WorkerOffline indicates the worker's liveness window elapsed without
	// a heartbeat, or it was explicitly marked offline.
	WorkerOffline WorkerStatus = "offline"
)

// String returns the string representation of the worker status.
func (s WorkerStatus) String() string {
	return string(s)
}

// Live reports whether the worker counts toward the online set.
func (s WorkerStatus) Live() bool {
	return s == WorkerOnline || s == WorkerBusy
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskPending indicates no subtask has started yet.
	TaskPending TaskStatus = "pending"

	// TaskInProgress indicates at least one subtask has started.
	TaskInProgress TaskStatus = "in_progress"

	// TaskCompleted indicates every subtask completed.
	TaskCompleted TaskStatus = "completed"

	// TaskFailed indicates all subtasks are terminal and at least one failed.
	TaskFailed TaskStatus = "failed"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// SubtaskStatus represents the current state of a subtask.
type SubtaskStatus string

const (
	// SubtaskPending indicates the subtask is waiting for assignment.
	SubtaskPending SubtaskStatus = "pending"

	// SubtaskAssigned indicates a worker holds the assignment but has not
	// yet acknowledged it.
	SubtaskAssigned SubtaskStatus = "assigned"

	// SubtaskRunning indicates the assigned worker is executing.
	SubtaskRunning SubtaskStatus = "running"

	// SubtaskCompleted indicates the subtask finished successfully.
	SubtaskCompleted SubtaskStatus = "completed"

	// SubtaskFailed indicates the subtask failed. An external retry policy
	// may transition it back to pending.
	SubtaskFailed SubtaskStatus = "failed"
)

// String returns the string representation of the subtask status.
func (s SubtaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s SubtaskStatus) IsTerminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// CheckpointStatus represents the review state of a quality checkpoint.
type CheckpointStatus string

const (
	// CheckpointPending indicates the checkpoint awaits review.
	CheckpointPending CheckpointStatus = "pending"

	// CheckpointApproved indicates a reviewer approved the checkpoint.
	CheckpointApproved CheckpointStatus = "approved"

	// CheckpointRejected indicates a reviewer rejected the checkpoint.
	CheckpointRejected CheckpointStatus = "rejected"
)

// String returns the string representation of the checkpoint status.
func (s CheckpointStatus) String() string {
	return string(s)
}

// Resources is an advisory snapshot of a worker's resource usage.
// It informs scheduling heuristics only and is never correctness-critical.
type Resources struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Worker is the persisted record of a registered worker process.
type Worker struct {
	ID            string       // Opaque identity assigned at registration
	Status        WorkerStatus // Current liveness state
	Capabilities  []string     // Declared capability glob patterns
	LastHeartbeat time.Time    // When the last heartbeat arrived
	Resources     Resources    // Advisory resource snapshot
}

// Task is a unit of work owning zero or more subtasks.
type Task struct {
	ID        string         // Opaque identity
	Status    TaskStatus     // Current state
	Progress  int            // 0-100, monotonic unless the task failed
	Revision  int64          // Strictly increases on every successful mutation
	Metadata  map[string]any // Free-form structured metadata, read-mostly
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subtask is the unit of dispatchable work, assignable to one worker at a time.
type Subtask struct {
	ID             string        // Opaque identity
	TaskID         string        // Owning task
	Status         SubtaskStatus // Current state
	Capability     string        // Capability a worker must match to execute this
	Dependencies   []string      // Subtask IDs that must complete first
	AssignedWorker string        // Worker holding the assignment, if any
	Attempts       int           // Retry attempts so far; bounds enforced by the caller
	Revision       int64         // Strictly increases on every successful mutation
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Checkpoint is a quality-gate record attached to a task, created when a
// task or subtask reaches a review boundary.
type Checkpoint struct {
	ID        string
	TaskID    string
	SubtaskID string // Subtask that triggered the checkpoint, if any
	Status    CheckpointStatus
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Correction is guidance issued against a rejected checkpoint.
// It becomes terminal once acted upon.
type Correction struct {
	ID           string
	CheckpointID string
	TaskID       string
	SubtaskID    string
	Guidance     string
	Applied      bool
	CreatedAt    time.Time
}

// Evaluation is a scored quality assessment of a completed subtask,
// produced by an external evaluator. Read-only once stored.
type Evaluation struct {
	ID        string
	SubtaskID string
	Score     float64
	Verdict   string
	CreatedAt time.Time
}
