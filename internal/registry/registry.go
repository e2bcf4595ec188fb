package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/mkoster/foreman/internal/errors"
	"github.com/mkoster/foreman/internal/event"
	"github.com/mkoster/foreman/internal/logging"
	"github.com/mkoster/foreman/internal/store"
)

// DefaultHeartbeatInterval is the expected worker heartbeat cadence.
const DefaultHeartbeatInterval = 5 * time.Second

// entry is the in-memory liveness record for one worker. Each entry has its
// own lock so heartbeats for distinct workers are independent.
type entry struct {
	mu       sync.Mutex
	worker   store.Worker
	matchers []glob.Glob
	expiry   time.Time
}

// Candidate is a live worker eligible for assignment, with its compiled
// capability matchers.
type Candidate struct {
	ID       string
	matchers []glob.Glob
}

// Matches reports whether the worker's declared capabilities cover the
// given subtask capability. An empty requirement matches any worker.
func (c Candidate) Matches(capability string) bool {
	if capability == "" {
		return true
	}
	for _, m := range c.matchers {
		if m.Match(capability) {
			return true
		}
	}
	return false
}

// Registry maintains the worker online set. The authoritative worker
// records live in the injected store; the in-memory entries are the lease
// state (expiry timestamps) evaluated lazily on read.
type Registry struct {
	entries sync.Map // workerID -> *entry

	interval time.Duration // expected heartbeat interval
	window   time.Duration // liveness window, 2x interval
	store    store.Store
	bus      *event.Broadcaster
	log      *logging.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatInterval sets the expected heartbeat interval. The liveness
// window is always twice this value.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
			r.window = 2 * d
		}
	}
}

// WithClock overrides the registry's time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry backed by the given store and broadcaster.
func New(st store.Store, bus *event.Broadcaster, log *logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		interval: DefaultHeartbeatInterval,
		window:   2 * DefaultHeartbeatInterval,
		store:    st,
		bus:      bus,
		log:      log.WithComponent("registry"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register admits a new worker with the given capability glob patterns and
// returns its assigned id. The worker starts online with a full liveness
// window.
func (r *Registry) Register(ctx context.Context, capabilities []string, resources store.Resources) (string, error) {
	matchers := make([]glob.Glob, 0, len(capabilities))
	for _, pattern := range capabilities {
		m, err := glob.Compile(pattern)
		if err != nil {
			return "", fmt.Errorf("invalid capability pattern %q: %w", pattern, err)
		}
		matchers = append(matchers, m)
	}

	now := r.now()
	w := store.Worker{
		ID:            uuid.NewString(),
		Status:        store.WorkerOnline,
		Capabilities:  capabilities,
		LastHeartbeat: now,
		Resources:     resources,
	}
	if err := r.store.CreateWorker(ctx, &w); err != nil {
		return "", err
	}

	r.entries.Store(w.ID, &entry{
		worker:   w,
		matchers: matchers,
		expiry:   now.Add(r.window),
	})

	r.log.Info("worker registered", "worker_id", w.ID, "capabilities", capabilities)
	r.bus.Publish(event.ChannelWorkerUpdate, event.NewWorkerRegisteredEvent(w.ID, capabilities))
	r.bus.Publish(event.ChannelWorkerUpdate, event.NewWorkerStatusEvent(w.ID, string(store.WorkerOnline), "registered"))
	return w.ID, nil
}

// Heartbeat refreshes the worker's liveness timer and resource snapshot.
// An offline worker that heartbeats again transitions back to online.
// Returns ErrNotFound for a worker that never registered or was
// deregistered.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, resources store.Resources) error {
	val, ok := r.entries.Load(workerID)
	if !ok {
		return errors.NewEntityError("worker", workerID, errors.ErrNotFound)
	}
	e := val.(*entry)

	e.mu.Lock()
	now := r.now()
	// Last-write-wins: a heartbeat that raced behind a newer one is a no-op.
	if now.After(e.worker.LastHeartbeat) {
		e.worker.LastHeartbeat = now
		e.worker.Resources = resources
		e.expiry = now.Add(r.window)
	}
	cameback := e.worker.Status == store.WorkerOffline
	if cameback {
		e.worker.Status = store.WorkerOnline
	}
	w := e.worker
	e.mu.Unlock()

	if err := r.store.UpdateWorker(ctx, &w); err != nil {
		return err
	}
	if cameback {
		r.log.Info("worker back online", "worker_id", workerID)
		r.bus.Publish(event.ChannelWorkerUpdate, event.NewWorkerStatusEvent(workerID, string(store.WorkerOnline), "heartbeat"))
	}
	return nil
}

// ListOnline returns the ids of all workers whose last heartbeat is within
// the liveness window, sorted for determinism. Expired workers encountered
// during the scan are evicted on the spot.
func (r *Registry) ListOnline(ctx context.Context) []string {
	var online []string
	r.entries.Range(func(key, val any) bool {
		e := val.(*entry)
		if r.evictIfExpired(ctx, e) {
			return true
		}
		e.mu.Lock()
		live := e.worker.Status.Live()
		e.mu.Unlock()
		if live {
			online = append(online, key.(string))
		}
		return true
	})
	sort.Strings(online)
	return online
}

// Candidates returns the live, non-busy workers eligible for new
// assignments, with compiled capability matchers. Order is deterministic.
func (r *Registry) Candidates(ctx context.Context) []Candidate {
	var candidates []Candidate
	r.entries.Range(func(key, val any) bool {
		e := val.(*entry)
		if r.evictIfExpired(ctx, e) {
			return true
		}
		e.mu.Lock()
		if e.worker.Status == store.WorkerOnline {
			candidates = append(candidates, Candidate{ID: e.worker.ID, matchers: e.matchers})
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates
}

// MarkBusy flags the worker as executing an assignment. Busy workers stay
// in the online set but are skipped for new assignments.
func (r *Registry) MarkBusy(ctx context.Context, workerID string) error {
	return r.setStatus(ctx, workerID, store.WorkerBusy, "assignment")
}

// MarkIdle returns a busy worker to the assignable pool.
func (r *Registry) MarkIdle(ctx context.Context, workerID string) error {
	return r.setStatus(ctx, workerID, store.WorkerOnline, "idle")
}

// MarkOffline removes the worker from the online set explicitly. The
// historical record is retained until Deregister.
func (r *Registry) MarkOffline(ctx context.Context, workerID string) error {
	return r.setStatus(ctx, workerID, store.WorkerOffline, "explicit")
}

// setStatus applies a status transition and publishes it if it changed
// anything.
func (r *Registry) setStatus(ctx context.Context, workerID string, status store.WorkerStatus, reason string) error {
	val, ok := r.entries.Load(workerID)
	if !ok {
		return errors.NewEntityError("worker", workerID, errors.ErrNotFound)
	}
	e := val.(*entry)

	e.mu.Lock()
	changed := e.worker.Status != status
	e.worker.Status = status
	w := e.worker
	e.mu.Unlock()

	if !changed {
		return nil
	}
	if err := r.store.UpdateWorker(ctx, &w); err != nil {
		return err
	}
	r.bus.Publish(event.ChannelWorkerUpdate, event.NewWorkerStatusEvent(workerID, string(status), reason))
	return nil
}

// Deregister removes the worker entirely, including its stored record.
func (r *Registry) Deregister(ctx context.Context, workerID string) error {
	if _, ok := r.entries.LoadAndDelete(workerID); !ok {
		return errors.NewEntityError("worker", workerID, errors.ErrNotFound)
	}
	r.log.Info("worker deregistered", "worker_id", workerID)
	return r.store.DeleteWorker(ctx, workerID)
}

// evictIfExpired transitions a worker whose liveness window elapsed to
// offline. Returns true if the worker is offline after the check.
func (r *Registry) evictIfExpired(ctx context.Context, e *entry) bool {
	e.mu.Lock()
	if e.worker.Status == store.WorkerOffline {
		e.mu.Unlock()
		return true
	}
	if r.now().Before(e.expiry) {
		e.mu.Unlock()
		return false
	}
	e.worker.Status = store.WorkerOffline
	w := e.worker
	e.mu.Unlock()

	if err := r.store.UpdateWorker(ctx, &w); err != nil {
		// The in-memory transition stands; persistence catches up on the
		// next heartbeat or sweep.
		r.log.Warn("persist offline transition failed", "worker_id", w.ID, "error", err)
	}
	r.log.Info("worker liveness expired", "worker_id", w.ID)
	r.bus.Publish(event.ChannelWorkerUpdate, event.NewWorkerStatusEvent(w.ID, string(store.WorkerOffline), "liveness_expired"))
	return true
}

// Sweep evicts every worker whose liveness window elapsed. Returns the ids
// of workers evicted by this pass.
func (r *Registry) Sweep(ctx context.Context) []string {
	var evicted []string
	r.entries.Range(func(key, val any) bool {
		e := val.(*entry)
		e.mu.Lock()
		expired := e.worker.Status != store.WorkerOffline && !r.now().Before(e.expiry)
		e.mu.Unlock()
		if expired && r.evictIfExpired(ctx, e) {
			evicted = append(evicted, key.(string))
		}
		return true
	})
	sort.Strings(evicted)
	return evicted
}

// Start runs the background eviction sweep until the context is cancelled.
// The sweep runs at half the heartbeat interval so eviction lag stays well
// inside one extra interval; lazy eviction on reads keeps the online set
// exact in between.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}
