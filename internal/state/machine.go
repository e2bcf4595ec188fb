package state

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mkoster/foreman/internal/errors"
	"github.com/mkoster/foreman/internal/event"
	"github.com/mkoster/foreman/internal/logging"
	"github.com/mkoster/foreman/internal/store"
)

// deriveAttempts bounds the internal conflict-retry loop used when the
// machine derives a task's status from its subtasks. Derivation is
// re-triggered by every subtask completion, so exhausting the bound only
// delays settlement, never loses it.
const deriveAttempts = 5

// subtaskTransitions is the set of permitted subtask status transitions.
// Completion and failure are accepted from assigned as well as running:
// a worker's report may legitimately arrive before its acknowledgement.
var subtaskTransitions = map[store.SubtaskStatus][]store.SubtaskStatus{
	store.SubtaskPending:  {store.SubtaskAssigned},
	store.SubtaskAssigned: {store.SubtaskRunning, store.SubtaskCompleted, store.SubtaskFailed, store.SubtaskPending},
	store.SubtaskRunning:  {store.SubtaskCompleted, store.SubtaskFailed},
	store.SubtaskFailed:   {store.SubtaskPending},
}

// allowed reports whether from -> to is a permitted subtask transition.
func allowed(from, to store.SubtaskStatus) bool {
	for _, next := range subtaskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine drives all task and subtask mutations. It holds no entity state
// of its own: the injected store is the single source of truth, and every
// write is a conditional write against the caller's observed revision.
type Machine struct {
	store     store.Store
	bus       *event.Broadcaster
	log       *logging.Logger
	readyHook func(subtaskIDs []string)
}

// Option configures a Machine.
type Option func(*Machine)

// WithReadyHook registers a callback invoked with the ids of subtasks that
// became eligible for assignment as a result of a completion transition.
// The hook is called after the completing write succeeds.
func WithReadyHook(hook func(subtaskIDs []string)) Option {
	return func(m *Machine) { m.readyHook = hook }
}

// New creates a Machine over the given store and broadcaster.
func New(st store.Store, bus *event.Broadcaster, log *logging.Logger, opts ...Option) *Machine {
	m := &Machine{
		store: st,
		bus:   bus,
		log:   log.WithComponent("state"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateTask creates a new pending task with the given metadata and
// returns it with its assigned id and initial revision.
func (m *Machine) CreateTask(ctx context.Context, metadata map[string]any) (*store.Task, error) {
	t := &store.Task{
		ID:       uuid.NewString(),
		Status:   store.TaskPending,
		Metadata: metadata,
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewTaskStatusEvent(t.ID, string(t.Status), t.Revision))
	return t, nil
}

// CreateSubtask creates a new pending subtask under the task. Dependencies
// may reference subtasks that are still running or even pending; the gate
// is evaluated at assignment time, not here.
func (m *Machine) CreateSubtask(ctx context.Context, taskID, capability string, dependencies []string) (*store.Subtask, error) {
	if _, err := m.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	st := &store.Subtask{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		Status:       store.SubtaskPending,
		Capability:   capability,
		Dependencies: dependencies,
	}
	if err := m.store.CreateSubtask(ctx, st); err != nil {
		return nil, err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewSubtaskStatusEvent(st.ID, taskID, string(st.Status), "", st.Revision))
	return st, nil
}

// Eligible reports whether every dependency of the subtask is completed.
func (m *Machine) Eligible(ctx context.Context, st *store.Subtask) (bool, error) {
	for _, depID := range st.Dependencies {
		dep, err := m.store.GetSubtask(ctx, depID)
		if err != nil {
			return false, fmt.Errorf("dependency %s: %w", depID, err)
		}
		if dep.Status != store.SubtaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// AssignSubtask transitions a pending subtask to assigned for the given
// worker. The dependency gate is enforced here: if any dependency is not
// completed the call fails with ErrDependencyUnmet and nothing changes.
// expectedRevision is the revision the caller observed; a mismatch yields
// ErrConflict.
func (m *Machine) AssignSubtask(ctx context.Context, subtaskID, workerID string, expectedRevision int64) error {
	st, err := m.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if !allowed(st.Status, store.SubtaskAssigned) {
		return fmt.Errorf("%w: subtask %s is %s", errors.ErrInvalidTransition, subtaskID, st.Status)
	}

	ok, err := m.Eligible(ctx, st)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewEntityError("subtask", subtaskID, errors.ErrDependencyUnmet)
	}

	st.Status = store.SubtaskAssigned
	st.AssignedWorker = workerID
	if err := m.store.UpdateSubtask(ctx, st, expectedRevision); err != nil {
		return err
	}

	m.bus.Publish(event.ChannelTaskUpdate, event.NewSubtaskStatusEvent(st.ID, st.TaskID, string(st.Status), workerID, st.Revision))
	m.startTaskIfPending(ctx, st.TaskID)
	return nil
}

// StartSubtask transitions an assigned subtask to running, recording the
// worker's acknowledgement of the assignment.
func (m *Machine) StartSubtask(ctx context.Context, subtaskID, workerID string, expectedRevision int64) error {
	st, err := m.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if st.Status != store.SubtaskAssigned {
		return fmt.Errorf("%w: subtask %s is %s", errors.ErrInvalidTransition, subtaskID, st.Status)
	}
	if st.AssignedWorker != workerID {
		return fmt.Errorf("%w: subtask %s is assigned to %s", errors.ErrInvalidTransition, subtaskID, st.AssignedWorker)
	}

	st.Status = store.SubtaskRunning
	if err := m.store.UpdateSubtask(ctx, st, expectedRevision); err != nil {
		return err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewSubtaskStatusEvent(st.ID, st.TaskID, string(st.Status), workerID, st.Revision))
	return nil
}

// CompleteSubtask transitions a subtask to completed and returns the ids
// of subtasks that became eligible for assignment as a result. The
// completing transition publishes exactly one subtask_complete event and
// feeds the newly eligible ids to the ready hook.
func (m *Machine) CompleteSubtask(ctx context.Context, subtaskID string, expectedRevision int64) ([]string, error) {
	st, err := m.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if !allowed(st.Status, store.SubtaskCompleted) {
		return nil, fmt.Errorf("%w: subtask %s is %s", errors.ErrInvalidTransition, subtaskID, st.Status)
	}

	worker := st.AssignedWorker
	st.Status = store.SubtaskCompleted
	if err := m.store.UpdateSubtask(ctx, st, expectedRevision); err != nil {
		return nil, err
	}

	m.bus.Publish(event.ChannelTaskUpdate, event.NewSubtaskStatusEvent(st.ID, st.TaskID, string(st.Status), worker, st.Revision))
	m.bus.Publish(event.ChannelSubtaskComplete, event.NewSubtaskCompleteEvent(st.ID, st.TaskID, worker))

	unblocked, err := m.newlyEligible(ctx, subtaskID)
	if err != nil {
		m.log.Warn("eligibility scan failed after completion", "subtask_id", subtaskID, "error", err)
	}
	if len(unblocked) > 0 && m.readyHook != nil {
		m.readyHook(unblocked)
	}

	m.deriveTaskStatus(ctx, st.TaskID)
	return unblocked, nil
}

// FailSubtask transitions a subtask to failed. In-flight siblings are left
// to finish independently; the owning task settles once all subtasks are
// terminal.
func (m *Machine) FailSubtask(ctx context.Context, subtaskID string, expectedRevision int64) error {
	st, err := m.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if !allowed(st.Status, store.SubtaskFailed) {
		return fmt.Errorf("%w: subtask %s is %s", errors.ErrInvalidTransition, subtaskID, st.Status)
	}

	st.Status = store.SubtaskFailed
	if err := m.store.UpdateSubtask(ctx, st, expectedRevision); err != nil {
		return err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewSubtaskStatusEvent(st.ID, st.TaskID, string(st.Status), st.AssignedWorker, st.Revision))

	m.deriveTaskStatus(ctx, st.TaskID)
	return nil
}

// RetrySubtask returns a failed subtask to pending for another attempt.
// The core only exposes the transition and counts attempts; bounding the
// retry count is the caller's policy.
func (m *Machine) RetrySubtask(ctx context.Context, subtaskID string, expectedRevision int64) error {
	st, err := m.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if st.Status != store.SubtaskFailed {
		return fmt.Errorf("%w: subtask %s is %s", errors.ErrInvalidTransition, subtaskID, st.Status)
	}

	st.Status = store.SubtaskPending
	st.AssignedWorker = ""
	st.Attempts++
	if err := m.store.UpdateSubtask(ctx, st, expectedRevision); err != nil {
		return err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewSubtaskStatusEvent(st.ID, st.TaskID, string(st.Status), "", st.Revision))
	return nil
}

// ReleaseSubtask returns an assigned subtask to pending without counting
// an attempt. Used when the scheduler cancels an in-flight assignment;
// racing a worker's completion report is safe: whichever write reaches the
// store first with the expected revision wins, the loser gets ErrConflict.
func (m *Machine) ReleaseSubtask(ctx context.Context, subtaskID string, expectedRevision int64) error {
	st, err := m.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if st.Status != store.SubtaskAssigned {
		return fmt.Errorf("%w: subtask %s is %s", errors.ErrInvalidTransition, subtaskID, st.Status)
	}

	st.Status = store.SubtaskPending
	st.AssignedWorker = ""
	if err := m.store.UpdateSubtask(ctx, st, expectedRevision); err != nil {
		return err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewSubtaskStatusEvent(st.ID, st.TaskID, string(st.Status), "", st.Revision))
	return nil
}

// UpdateProgress advances a task's progress. Progress is monotonic
// non-decreasing and frozen once the task has failed.
func (m *Machine) UpdateProgress(ctx context.Context, taskID string, progress int, expectedRevision int64) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", errors.ErrInvalidTransition, progress)
	}
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status == store.TaskFailed {
		return fmt.Errorf("%w: progress is frozen on failed task %s", errors.ErrInvalidTransition, taskID)
	}
	if progress < t.Progress {
		return fmt.Errorf("%w: progress may not decrease (%d -> %d)", errors.ErrInvalidTransition, t.Progress, progress)
	}

	t.Progress = progress
	if err := m.store.UpdateTask(ctx, t, expectedRevision); err != nil {
		return err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewTaskProgressEvent(taskID, progress, t.Revision))
	return nil
}

// SetMetadata replaces a task's structured metadata under the usual
// optimistic-lock contract.
func (m *Machine) SetMetadata(ctx context.Context, taskID string, metadata map[string]any, expectedRevision int64) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Metadata = metadata
	if err := m.store.UpdateTask(ctx, t, expectedRevision); err != nil {
		return err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewTaskStatusEvent(taskID, string(t.Status), t.Revision))
	return nil
}

// ReopenTask moves an in_progress task back to pending. Permitted only
// while no subtask has left pending.
func (m *Machine) ReopenTask(ctx context.Context, taskID string, expectedRevision int64) error {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != store.TaskInProgress {
		return fmt.Errorf("%w: task %s is %s", errors.ErrInvalidTransition, taskID, t.Status)
	}

	subtasks, err := m.store.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return err
	}
	for _, st := range subtasks {
		if st.Status != store.SubtaskPending {
			return fmt.Errorf("%w: subtask %s has started", errors.ErrInvalidTransition, st.ID)
		}
	}

	t.Status = store.TaskPending
	if err := m.store.UpdateTask(ctx, t, expectedRevision); err != nil {
		return err
	}
	m.bus.Publish(event.ChannelTaskUpdate, event.NewTaskStatusEvent(taskID, string(t.Status), t.Revision))
	return nil
}

// DeleteTask removes the task and cascades deletion of its subtasks,
// checkpoints, and corrections.
func (m *Machine) DeleteTask(ctx context.Context, taskID string) error {
	return m.store.DeleteTask(ctx, taskID)
}

// newlyEligible returns the pending subtasks whose last unmet dependency
// was completedID. Dependencies may cross task boundaries, so the scan
// covers all pending subtasks.
func (m *Machine) newlyEligible(ctx context.Context, completedID string) ([]string, error) {
	pending, err := m.store.ListSubtasksByStatus(ctx, store.SubtaskPending)
	if err != nil {
		return nil, err
	}

	var unblocked []string
	for _, st := range pending {
		depends := false
		for _, depID := range st.Dependencies {
			if depID == completedID {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}
		ok, err := m.Eligible(ctx, st)
		if err != nil {
			return unblocked, err
		}
		if ok {
			unblocked = append(unblocked, st.ID)
		}
	}
	return unblocked, nil
}

// startTaskIfPending moves the owning task to in_progress on the first
// subtask assignment. Conflicts with concurrent assigners are retried a
// bounded number of times; losing every round means someone else already
// made the transition.
func (m *Machine) startTaskIfPending(ctx context.Context, taskID string) {
	for attempt := 0; attempt < deriveAttempts; attempt++ {
		t, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			m.log.Warn("start check failed", "task_id", taskID, "error", err)
			return
		}
		if t.Status != store.TaskPending {
			return
		}
		t.Status = store.TaskInProgress
		err = m.store.UpdateTask(ctx, t, t.Revision)
		if err == nil {
			m.bus.Publish(event.ChannelTaskUpdate, event.NewTaskStatusEvent(taskID, string(t.Status), t.Revision))
			return
		}
		if !errors.IsConflict(err) {
			m.log.Warn("start transition failed", "task_id", taskID, "error", err)
			return
		}
	}
}

// deriveTaskStatus settles the owning task once every subtask is terminal:
// completed when all completed, failed otherwise. The terminal status is
// derived, never imposed, so in-flight subtasks always finish on their own
// terms.
func (m *Machine) deriveTaskStatus(ctx context.Context, taskID string) {
	for attempt := 0; attempt < deriveAttempts; attempt++ {
		t, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			m.log.Warn("derive failed", "task_id", taskID, "error", err)
			return
		}
		if t.Status.IsTerminal() {
			return
		}

		subtasks, err := m.store.ListSubtasksByTask(ctx, taskID)
		if err != nil {
			m.log.Warn("derive failed", "task_id", taskID, "error", err)
			return
		}

		allCompleted := true
		for _, st := range subtasks {
			if !st.Status.IsTerminal() {
				return // still in flight; a later transition re-triggers derivation
			}
			if st.Status != store.SubtaskCompleted {
				allCompleted = false
			}
		}
		if len(subtasks) == 0 {
			return
		}

		if allCompleted {
			t.Status = store.TaskCompleted
			t.Progress = 100
		} else {
			t.Status = store.TaskFailed
		}
		err = m.store.UpdateTask(ctx, t, t.Revision)
		if err == nil {
			m.bus.Publish(event.ChannelTaskUpdate, event.NewTaskStatusEvent(taskID, string(t.Status), t.Revision))
			return
		}
		if !errors.IsConflict(err) {
			m.log.Warn("derive transition failed", "task_id", taskID, "error", err)
			return
		}
	}
	m.log.Warn("derive exhausted conflict retries", "task_id", taskID)
}
