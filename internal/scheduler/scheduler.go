// Package scheduler pairs ready subtasks with live workers. Each dispatch
// tick walks the idle candidates, pops the oldest matching subtask for
// each, and drives the assignment through the state machine under a
// short-lived per-subtask lease so concurrent schedulers cannot hand the
// same subtask to two workers.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/mkoster/foreman/internal/errors"
	"github.com/mkoster/foreman/internal/lease"
	"github.com/mkoster/foreman/internal/logging"
	"github.com/mkoster/foreman/internal/queue"
	"github.com/mkoster/foreman/internal/registry"
	"github.com/mkoster/foreman/internal/state"
	"github.com/mkoster/foreman/internal/store"
)

const (
	// DefaultDispatchInterval is how often the dispatch loop wakes.
	DefaultDispatchInterval = 500 * time.Millisecond

	// DefaultAssignLease bounds how long one scheduler instance owns a
	// subtask's assignment attempt.
	DefaultAssignLease = 30 * time.Second

	// DefaultMaxAttempts bounds automatic retries of a failed subtask.
	DefaultMaxAttempts = 3

	// DefaultUnavailablePause is how long dispatch stays quiet after the
	// store reports itself unavailable.
	DefaultUnavailablePause = 5 * time.Second

	assignLeasePrefix = "assign:"
)

// Scheduler owns the dispatch loop and the assignment lifecycle hooks.
type Scheduler struct {
	store    store.Store
	registry *registry.Registry
	queue    *queue.Queue
	machine  *state.Machine
	leases   *lease.Manager
	log      *logging.Logger

	interval    time.Duration
	assignLease time.Duration
	maxAttempts int
	pause       time.Duration
	backoff     Backoff
	sleep       func(time.Duration)
	now         func() time.Time

	pausedUntil time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDispatchInterval sets the dispatch tick cadence.
func WithDispatchInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxAttempts sets the automatic retry bound for failed subtasks.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff replaces the conflict retry policy.
func WithBackoff(b Backoff) Option {
	return func(s *Scheduler) { s.backoff = b }
}

// WithClock overrides the scheduler's time source and makes retry sleeps
// instantaneous. For tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.sleep = func(time.Duration) {}
	}
}

// New creates a Scheduler over the given components.
func New(st store.Store, reg *registry.Registry, q *queue.Queue, m *state.Machine, leases *lease.Manager, log *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       st,
		registry:    reg,
		queue:       q,
		machine:     m,
		leases:      leases,
		log:         log.WithComponent("scheduler"),
		interval:    DefaultDispatchInterval,
		assignLease: DefaultAssignLease,
		maxAttempts: DefaultMaxAttempts,
		pause:       DefaultUnavailablePause,
		backoff:     DefaultBackoff,
		sleep:       time.Sleep,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the dispatch loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepAcks(ctx)
			s.Dispatch(ctx)
		}
	}
}

// Dispatch performs one scheduling round: for every idle online worker,
// pop the oldest ready subtask it can execute and assign it. Dispatch is
// quiet while the store-unavailable pause is in effect.
func (s *Scheduler) Dispatch(ctx context.Context) {
	if s.now().Before(s.pausedUntil) {
		return
	}
	for _, cand := range s.registry.Candidates(ctx) {
		subtaskID, ok := s.queue.Dequeue(cand.ID, cand.Matches)
		if !ok {
			continue
		}
		if err := s.assign(ctx, subtaskID, cand.ID); err != nil {
			s.log.Warn("assignment failed", "subtask_id", subtaskID, "worker_id", cand.ID, "error", err)
			if errors.IsUnavailable(err) {
				s.pausedUntil = s.now().Add(s.pause)
				return
			}
		}
	}
}

// assign drives one subtask through the assigned transition under its
// lease. Conflicts are retried with backoff; a subtask that turns out to
// be gated or already handled is pulled back out of flight.
func (s *Scheduler) assign(ctx context.Context, subtaskID, workerID string) error {
	token, err := s.leases.TryAcquire(assignLeasePrefix+subtaskID, s.assignLease)
	if err != nil {
		// Another scheduler owns this assignment; put the work back at
		// the front so it is retried first.
		s.queue.RequeueFront(subtaskID)
		return fmt.Errorf("assignment lease for %s: %w", subtaskID, err)
	}
	defer func() {
		if err := s.leases.Release(assignLeasePrefix+subtaskID, token); err != nil {
			s.log.Debug("assignment lease already expired", "subtask_id", subtaskID)
		}
	}()

	var lastErr error
	for attempt := 0; attempt < s.backoff.Attempts; attempt++ {
		if attempt > 0 {
			s.sleep(s.backoff.Delay(attempt - 1))
		}
		sub, err := s.store.GetSubtask(ctx, subtaskID)
		if err != nil {
			if errors.IsNotFound(err) {
				s.queue.Remove(subtaskID)
			} else {
				s.queue.RequeueFront(subtaskID)
			}
			return err
		}
		if sub.Status != store.SubtaskPending {
			// Someone else moved it; nothing left to dispatch.
			s.queue.Remove(subtaskID)
			return nil
		}

		err = s.machine.AssignSubtask(ctx, subtaskID, workerID, sub.Revision)
		switch {
		case err == nil:
			if err := s.registry.MarkBusy(ctx, workerID); err != nil {
				s.log.Warn("mark busy failed", "worker_id", workerID, "error", err)
			}
			return nil
		case errors.Is(err, errors.ErrDependencyUnmet):
			// The gate rejected it: a dependency regressed after
			// promotion. Park it again rather than spinning.
			s.queue.Remove(subtaskID)
			s.queue.Enqueue(subtaskID, sub.Capability, false)
			return err
		case errors.IsConflict(err):
			lastErr = err
		default:
			s.queue.RequeueFront(subtaskID)
			return err
		}
	}
	s.queue.RequeueFront(subtaskID)
	return fmt.Errorf("assignment of %s: %w", subtaskID, lastErr)
}

// HandleAck processes a worker's acknowledgement of an assignment: the ack
// window is settled and the subtask moves to running.
func (s *Scheduler) HandleAck(ctx context.Context, subtaskID, workerID string) error {
	if err := s.queue.Ack(subtaskID, workerID); err != nil {
		return err
	}
	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	return s.machine.StartSubtask(ctx, subtaskID, workerID, sub.Revision)
}

// HandleCompletion processes a worker's completion report. On failure the
// subtask is retried automatically while attempts remain, re-entering the
// queue at the front; past the bound it stays failed and the owning task
// settles. The worker returns to the idle pool either way.
func (s *Scheduler) HandleCompletion(ctx context.Context, subtaskID, workerID string, success bool) error {
	s.queue.Remove(subtaskID)
	defer func() {
		if err := s.registry.MarkIdle(ctx, workerID); err != nil {
			s.log.Debug("mark idle failed", "worker_id", workerID, "error", err)
		}
	}()

	var lastErr error
	for attempt := 0; attempt < s.backoff.Attempts; attempt++ {
		if attempt > 0 {
			s.sleep(s.backoff.Delay(attempt - 1))
		}
		sub, err := s.store.GetSubtask(ctx, subtaskID)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() {
			return nil
		}

		if success {
			_, err = s.machine.CompleteSubtask(ctx, subtaskID, sub.Revision)
		} else {
			err = s.machine.FailSubtask(ctx, subtaskID, sub.Revision)
		}
		switch {
		case err == nil:
			if !success {
				s.maybeRetry(ctx, subtaskID)
			}
			return nil
		case errors.IsConflict(err):
			lastErr = err
		default:
			return err
		}
	}
	return fmt.Errorf("completion of %s: %w", subtaskID, lastErr)
}

// maybeRetry re-admits a failed subtask while its attempt budget lasts.
func (s *Scheduler) maybeRetry(ctx context.Context, subtaskID string) {
	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		s.log.Warn("retry lookup failed", "subtask_id", subtaskID, "error", err)
		return
	}
	if sub.Attempts >= s.maxAttempts-1 {
		s.log.Info("retry budget exhausted", "subtask_id", subtaskID, "attempts", sub.Attempts+1)
		return
	}
	if err := s.machine.RetrySubtask(ctx, subtaskID, sub.Revision); err != nil {
		s.log.Warn("retry transition failed", "subtask_id", subtaskID, "error", err)
		return
	}
	s.queue.Readmit(subtaskID, sub.Capability)
	s.log.Info("subtask re-admitted for retry", "subtask_id", subtaskID, "attempt", sub.Attempts+1)
}

// SweepAcks re-delivers assignments whose acknowledgement window elapsed.
// The queue already moved each one to the front; here the state machine is
// unwound so the next dispatch can assign a different worker, and the
// silent worker is treated as suspect and marked offline.
func (s *Scheduler) SweepAcks(ctx context.Context) {
	for _, subtaskID := range s.queue.SweepUnacked() {
		sub, err := s.store.GetSubtask(ctx, subtaskID)
		if err != nil {
			s.log.Warn("ack sweep lookup failed", "subtask_id", subtaskID, "error", err)
			continue
		}
		if sub.Status != store.SubtaskAssigned {
			continue
		}
		worker := sub.AssignedWorker
		if err := s.machine.ReleaseSubtask(ctx, subtaskID, sub.Revision); err != nil {
			s.log.Warn("ack sweep release failed", "subtask_id", subtaskID, "error", err)
			continue
		}
		s.log.Info("assignment expired unacknowledged", "subtask_id", subtaskID, "worker_id", worker)
		if worker != "" {
			if err := s.registry.MarkOffline(ctx, worker); err != nil && !errors.IsNotFound(err) {
				s.log.Warn("mark offline failed", "worker_id", worker, "error", err)
			}
		}
	}
}
