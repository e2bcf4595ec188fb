// Package lease provides short-lived cooperative mutual exclusion for the
// orchestration core. Locks are leases: a time-bounded grant of exclusive
// access that expires automatically without explicit release. Lease expiry
// is the sole deadlock-avoidance mechanism; there is no lock queueing and
// no fairness guarantee beyond first successful acquirer wins.
//
// The scheduler uses a lease keyed by subtask id to serialize the
// "pick a ready subtask and assign it to a worker" critical section across
// concurrent scheduling attempts.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkoster/foreman/internal/errors"
)

// grant records an outstanding lease.
type grant struct {
	token   string
	expires time.Time
}

// Manager hands out lease-based locks. All methods are safe for concurrent
// use and never block: TryAcquire reports ErrBusy immediately instead of
// waiting for the holder.
type Manager struct {
	mu     sync.Mutex
	grants map[string]grant

	// now is swappable for tests.
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty lease Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		grants: make(map[string]grant),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire attempts to take the lock for key with the given lease
// duration. On success it returns an opaque token required for release.
// If the key is held under an unexpired lease, it returns ErrBusy
// immediately. An expired lease is treated as free: expiry is evaluated
// lazily here, so acquisition never depends on the sweep.
func (m *Manager) TryAcquire(key string, leaseDuration time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if g, ok := m.grants[key]; ok && now.Before(g.expires) {
		return "", errors.ErrBusy
	}

	token := uuid.NewString()
	m.grants[key] = grant{token: token, expires: now.Add(leaseDuration)}
	return token, nil
}

// Release relinquishes the lock for key if token still identifies the
// current, unexpired lease. A stale, mismatched, or expired token is a
// no-op reporting ErrExpired; it never aborts the caller's workflow.
func (m *Manager) Release(key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[key]
	if !ok || g.token != token || !m.now().Before(g.expires) {
		return errors.ErrExpired
	}
	delete(m.grants, key)
	return nil
}

// Held reports whether key is currently locked under an unexpired lease.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[key]
	return ok && m.now().Before(g.expires)
}

// Sweep removes all expired grants and returns how many were evicted.
// Sweeping is an optimization only; correctness relies on the lazy expiry
// checks in TryAcquire and Release.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	evicted := 0
	for key, g := range m.grants {
		if !now.Before(g.expires) {
			delete(m.grants, key)
			evicted++
		}
	}
	return evicted
}

// Start runs a periodic sweep until the context is cancelled.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}
