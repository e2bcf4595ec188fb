// Package hub wires the orchestration components together for one daemon
// instance: store, broadcaster, registry, queue, state machine, lease
// manager, scheduler, and the quality review pump. It owns their
// lifecycles; everything else receives components from the hub.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mkoster/foreman/internal/config"
	"github.com/mkoster/foreman/internal/event"
	"github.com/mkoster/foreman/internal/lease"
	"github.com/mkoster/foreman/internal/logging"
	"github.com/mkoster/foreman/internal/quality"
	"github.com/mkoster/foreman/internal/queue"
	"github.com/mkoster/foreman/internal/registry"
	"github.com/mkoster/foreman/internal/scheduler"
	"github.com/mkoster/foreman/internal/state"
	"github.com/mkoster/foreman/internal/store"
)

// Hub wires all orchestration components together.
type Hub struct {
	mu      sync.RWMutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	log *logging.Logger

	store     *store.SQLite
	bus       *event.Broadcaster
	registry  *registry.Registry
	queue     *queue.Queue
	machine   *state.Machine
	leases    *lease.Manager
	scheduler *scheduler.Scheduler
	reviewer  *quality.Reviewer
	pump      *quality.Pump

	sweepInterval time.Duration
}

// New creates a Hub from the given configuration. The store is opened
// immediately; background loops start with Start.
func New(cfg *config.Config, log *logging.Logger, opts ...Option) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("hub: config is required")
	}
	if log == nil {
		return nil, errors.New("hub: logger is required")
	}

	hc := &hubConfig{}
	for _, opt := range opts {
		opt(hc)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	bus := event.NewBroadcaster(event.WithBufferSize(cfg.Events.BufferSize))

	var regOpts []registry.Option
	if cfg.Registry.HeartbeatIntervalMs > 0 {
		regOpts = append(regOpts, registry.WithHeartbeatInterval(cfg.Registry.HeartbeatInterval()))
	}
	if hc.clock != nil {
		regOpts = append(regOpts, registry.WithClock(hc.clock))
	}
	reg := registry.New(st, bus, log, regOpts...)

	var queueOpts []queue.Option
	if cfg.Queue.AckWindowMs > 0 {
		queueOpts = append(queueOpts, queue.WithAckWindow(cfg.Queue.AckWindow()))
	}
	if hc.clock != nil {
		queueOpts = append(queueOpts, queue.WithClock(hc.clock))
	}
	q := queue.New(bus, log, queueOpts...)

	var leaseOpts []lease.Option
	if hc.clock != nil {
		leaseOpts = append(leaseOpts, lease.WithClock(hc.clock))
	}
	leases := lease.NewManager(leaseOpts...)

	// Completion transitions push newly eligible subtasks straight into
	// the ready queue.
	machine := state.New(st, bus, log, state.WithReadyHook(func(ids []string) {
		q.MarkReady(ids...)
	}))

	schedOpts := []scheduler.Option{
		scheduler.WithDispatchInterval(cfg.Scheduler.DispatchInterval()),
		scheduler.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
	}
	if hc.clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(hc.clock))
	}
	sched := scheduler.New(st, reg, q, machine, leases, log, schedOpts...)

	reviewer := quality.NewReviewer(st, log)
	pump := quality.NewPump(reviewer, bus, log)

	return &Hub{
		log:           log.WithComponent("hub"),
		store:         st,
		bus:           bus,
		registry:      reg,
		queue:         q,
		machine:       machine,
		leases:        leases,
		scheduler:     sched,
		reviewer:      reviewer,
		pump:          pump,
		sweepInterval: cfg.Lease.SweepInterval(),
	}, nil
}

// Store returns the authoritative entity store.
func (h *Hub) Store() store.Store { return h.store }

// Bus returns the event broadcaster.
func (h *Hub) Bus() *event.Broadcaster { return h.bus }

// Registry returns the worker registry.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Queue returns the work queue.
func (h *Hub) Queue() *queue.Queue { return h.queue }

// Machine returns the task state machine.
func (h *Hub) Machine() *state.Machine { return h.machine }

// Leases returns the distributed lock manager.
func (h *Hub) Leases() *lease.Manager { return h.leases }

// Scheduler returns the dispatch scheduler.
func (h *Hub) Scheduler() *scheduler.Scheduler { return h.scheduler }

// Reviewer returns the quality review API.
func (h *Hub) Reviewer() *quality.Reviewer { return h.reviewer }

// Start launches the background loops: registry liveness sweep, lease
// sweep, quality pump, and the dispatch loop. Returns an error if the hub
// is already started.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.New("hub: already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.started = true
	h.done = make(chan struct{})

	h.pump.Start(ctx)
	h.registry.Start(ctx)
	h.leases.Start(ctx, h.sweepInterval)

	go func() {
		defer close(h.done)
		h.scheduler.Start(ctx)
	}()

	h.log.Info("hub started")
	return nil
}

// Stop cancels the background loops and releases the store and
// broadcaster. It is idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	h.cancel()
	<-h.done

	h.bus.Close()
	err := h.store.Close()
	h.started = false
	h.log.Info("hub stopped")
	return err
}

// Running returns whether the hub is currently started.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}
