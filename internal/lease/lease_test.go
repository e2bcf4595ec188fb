package lease

import (
	"sync"
	"testing"
	"time"

	"github.com/mkoster/foreman/internal/errors"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquireAndRelease(t *testing.T) {
	m := NewManager()

	token, err := m.TryAcquire("assign:st-1", time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if token == "" {
		t.Fatalf("token should not be empty")
	}
	if !m.Held("assign:st-1") {
		t.Errorf("key should be held")
	}

	if err := m.Release("assign:st-1", token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if m.Held("assign:st-1") {
		t.Errorf("key should be free after release")
	}
}

func TestContendedAcquireReturnsBusy(t *testing.T) {
	m := NewManager()

	if _, err := m.TryAcquire("k", time.Second); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	_, err := m.TryAcquire("k", time.Second)
	if !errors.Is(err, errors.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestLeaseExpiresAutomatically(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))

	token, err := m.TryAcquire("k", 2*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	clock.Advance(3 * time.Second)

	if m.Held("k") {
		t.Errorf("lease should have expired")
	}

	// The key is free for the next acquirer without any release.
	token2, err := m.TryAcquire("k", time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry failed: %v", err)
	}
	if token2 == token {
		t.Errorf("new lease should carry a fresh token")
	}
}

func TestExpiredTokenNeverValidates(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))

	token, err := m.TryAcquire("k", time.Second)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	clock.Advance(2 * time.Second)

	if err := m.Release("k", token); !errors.Is(err, errors.ErrExpired) {
		t.Errorf("release of expired token should report ErrExpired, got %v", err)
	}
}

func TestReleaseMismatchedToken(t *testing.T) {
	m := NewManager()

	token, err := m.TryAcquire("k", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}

	if err := m.Release("k", "not-the-token"); !errors.Is(err, errors.ErrExpired) {
		t.Errorf("mismatched token should report ErrExpired, got %v", err)
	}
	// The real holder is unaffected.
	if !m.Held("k") {
		t.Errorf("lock should still be held by the real token")
	}
	if err := m.Release("k", token); err != nil {
		t.Errorf("real token release failed: %v", err)
	}
}

func TestReleaseUnknownKey(t *testing.T) {
	m := NewManager()

	if err := m.Release("ghost", "t"); !errors.Is(err, errors.ErrExpired) {
		t.Errorf("unknown key release should report ErrExpired, got %v", err)
	}
}

func TestSweepEvictsOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))

	if _, err := m.TryAcquire("short", time.Second); err != nil {
		t.Fatalf("acquire short: %v", err)
	}
	if _, err := m.TryAcquire("long", time.Minute); err != nil {
		t.Fatalf("acquire long: %v", err)
	}

	clock.Advance(5 * time.Second)

	if evicted := m.Sweep(); evicted != 1 {
		t.Errorf("Sweep evicted %d, want 1", evicted)
	}
	if m.Held("short") {
		t.Errorf("short lease should be gone")
	}
	if !m.Held("long") {
		t.Errorf("long lease should survive the sweep")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := NewManager()

	const contenders = 16
	var wg sync.WaitGroup
	wins := make(chan string, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if token, err := m.TryAcquire("k", time.Minute); err == nil {
				wins <- token
			}
		}()
	}
	wg.Wait()
	close(wins)

	var tokens []string
	for token := range wins {
		tokens = append(tokens, token)
	}
	if len(tokens) != 1 {
		t.Errorf("winners = %d, want exactly 1", len(tokens))
	}
}
