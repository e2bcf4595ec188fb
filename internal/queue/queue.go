// Package queue provides the FIFO work queue that feeds subtask
// assignment. Subtasks whose dependencies are unmet are held in a pending
// set and promoted to the ready queue exactly once, at the moment their
// last dependency completes; promotion is pushed by the state machine's
// completion transition, never discovered by polling, so unready work can
// never block the head of the queue.
package queue

import (
	"sync"
	"time"

	"github.com/mkoster/foreman/internal/errors"
	"github.com/mkoster/foreman/internal/event"
	"github.com/mkoster/foreman/internal/logging"
)

// DefaultAckWindow is how long a dispatched assignment may stay
// unacknowledged before it is re-delivered.
const DefaultAckWindow = 15 * time.Second

// item is one queued subtask.
type item struct {
	id         string
	capability string
}

// assignment tracks a dequeued subtask awaiting worker acknowledgement.
type assignment struct {
	item     item
	workerID string
	deadline time.Time
}

// Queue manages the ready FIFO, the dependency-pending set, and the
// unacknowledged-assignment window. All methods are safe for concurrent
// use; a dequeue is atomic with respect to other dequeues.
type Queue struct {
	mu       sync.Mutex
	ready    []item
	pending  map[string]item
	assigned map[string]assignment

	ackWindow time.Duration
	bus       *event.Broadcaster
	log       *logging.Logger
	now       func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithAckWindow sets the assignment acknowledgement window.
func WithAckWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.ackWindow = d
		}
	}
}

// WithClock overrides the queue's time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty Queue publishing depth changes on the given
// broadcaster.
func New(bus *event.Broadcaster, log *logging.Logger, opts ...Option) *Queue {
	q := &Queue{
		pending:   make(map[string]item),
		assigned:  make(map[string]assignment),
		ackWindow: DefaultAckWindow,
		bus:       bus,
		log:       log.WithComponent("queue"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a subtask. When ready is true it joins the tail of the
// ready queue immediately; otherwise it is parked in the pending set until
// MarkReady promotes it. Re-enqueueing a subtask already tracked is a
// no-op.
func (q *Queue) Enqueue(subtaskID, capability string, ready bool) {
	q.mu.Lock()
	if q.tracked(subtaskID) {
		q.mu.Unlock()
		return
	}
	it := item{id: subtaskID, capability: capability}
	if ready {
		q.ready = append(q.ready, it)
	} else {
		q.pending[subtaskID] = it
	}
	q.mu.Unlock()
	q.publishDepth()
}

// MarkReady promotes pending subtasks to the tail of the ready queue.
// A subtask is promoted at most once; ids not in the pending set are
// ignored, so the completion hook may pass candidates liberally.
func (q *Queue) MarkReady(subtaskIDs ...string) {
	q.mu.Lock()
	promoted := 0
	for _, id := range subtaskIDs {
		it, ok := q.pending[id]
		if !ok {
			continue
		}
		delete(q.pending, id)
		q.ready = append(q.ready, it)
		promoted++
	}
	q.mu.Unlock()
	if promoted > 0 {
		q.publishDepth()
	}
}

// Dequeue atomically removes and returns the first ready subtask whose
// capability requirement the caller matches, tagging it assigned to
// workerID with an acknowledgement deadline. Returns ok=false (Empty) when
// no ready subtask matches. Two concurrent dequeues can never receive the
// same subtask.
func (q *Queue) Dequeue(workerID string, matches func(capability string) bool) (string, bool) {
	q.mu.Lock()
	for i, it := range q.ready {
		if !matches(it.capability) {
			continue
		}
		q.ready = append(q.ready[:i], q.ready[i+1:]...)
		q.assigned[it.id] = assignment{
			item:     it,
			workerID: workerID,
			deadline: q.now().Add(q.ackWindow),
		}
		q.mu.Unlock()
		q.publishDepth()
		return it.id, true
	}
	q.mu.Unlock()
	return "", false
}

// Ack records the worker's acknowledgement of its assignment, ending the
// re-delivery window. Returns ErrNotFound if the subtask is not assigned
// to this worker.
func (q *Queue) Ack(subtaskID, workerID string) error {
	q.mu.Lock()
	a, ok := q.assigned[subtaskID]
	if !ok || a.workerID != workerID {
		q.mu.Unlock()
		return errors.NewEntityError("assignment", subtaskID, errors.ErrNotFound)
	}
	delete(q.assigned, subtaskID)
	q.mu.Unlock()
	q.publishDepth()
	return nil
}

// RequeueFront puts a subtask back at the FRONT of the ready queue:
// re-delivered work must not be starved behind newly arriving work. Used
// both for failure retry and for cancelled assignments. Unknown ids are
// ignored (the assignment may have completed in the meantime).
func (q *Queue) RequeueFront(subtaskID string) {
	q.mu.Lock()
	a, ok := q.assigned[subtaskID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.assigned, subtaskID)
	q.ready = append([]item{a.item}, q.ready...)
	q.mu.Unlock()
	q.publishDepth()
}

// Readmit re-enters a previously dequeued-and-settled subtask (a retried
// failure) at the front of the ready queue.
func (q *Queue) Readmit(subtaskID, capability string) {
	q.mu.Lock()
	if q.tracked(subtaskID) {
		q.mu.Unlock()
		return
	}
	q.ready = append([]item{{id: subtaskID, capability: capability}}, q.ready...)
	q.mu.Unlock()
	q.publishDepth()
}

// Remove drops the subtask from every set. Used when a subtask reaches a
// terminal state through a path that bypasses Ack.
func (q *Queue) Remove(subtaskID string) {
	q.mu.Lock()
	delete(q.pending, subtaskID)
	delete(q.assigned, subtaskID)
	for i, it := range q.ready {
		if it.id == subtaskID {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
	q.publishDepth()
}

// SweepUnacked re-queues, at the front, every assignment whose
// acknowledgement window elapsed. Returns the re-delivered subtask ids.
func (q *Queue) SweepUnacked() []string {
	q.mu.Lock()
	now := q.now()
	var stale []string
	for id, a := range q.assigned {
		if !now.Before(a.deadline) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		a := q.assigned[id]
		delete(q.assigned, id)
		q.ready = append([]item{a.item}, q.ready...)
	}
	q.mu.Unlock()

	if len(stale) > 0 {
		q.log.Warn("re-delivering unacknowledged assignments", "subtask_ids", stale)
		q.publishDepth()
	}
	return stale
}

// AssignedWorker returns the worker currently holding the assignment for
// the subtask, if any.
func (q *Queue) AssignedWorker(subtaskID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.assigned[subtaskID]
	if !ok {
		return "", false
	}
	return a.workerID, true
}

// Depth returns the current ready, pending, and assigned counts.
func (q *Queue) Depth() (ready, pending, assigned int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.pending), len(q.assigned)
}

// tracked reports whether the subtask is in any set. Callers must hold q.mu.
func (q *Queue) tracked(subtaskID string) bool {
	if _, ok := q.pending[subtaskID]; ok {
		return true
	}
	if _, ok := q.assigned[subtaskID]; ok {
		return true
	}
	for _, it := range q.ready {
		if it.id == subtaskID {
			return true
		}
	}
	return false
}

// publishDepth publishes a QueueDepthEvent with current counts.
func (q *Queue) publishDepth() {
	ready, pending, assigned := q.Depth()
	q.bus.Publish(event.ChannelTaskUpdate, event.NewQueueDepthEvent(ready, pending, assigned))
}
