package event

import (
	"sync"
	"sync/atomic"
)

// defaultBufferSize is the per-subscriber buffer capacity.
const defaultBufferSize = 64

// subscriber holds the delivery state for one Subscribe call.
type subscriber struct {
	id      uint64
	channel string
	ch      chan Event
	mu      sync.Mutex // serializes delivery and cancellation
	closed  bool
	dropped atomic.Uint64
}

// deliver places an event on the subscriber's channel without blocking.
// When the buffer is full, the oldest buffered event is dropped to make
// room. Returns false if the subscriber has been cancelled.
func (s *subscriber) deliver(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- e:
		return true
	default:
	}

	// Buffer full: drop the oldest event, then retry once.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		// A concurrent receive refilled the buffer; count the new event
		// as dropped rather than block the publisher.
		s.dropped.Add(1)
	}
	return true
}

// close marks the subscriber cancelled and closes its channel.
// Safe to call more than once.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Broadcaster fans events out to per-channel subscribers over bounded
// buffered channels. All methods are safe for concurrent use.
type Broadcaster struct {
	mu         sync.RWMutex
	subs       map[string][]*subscriber // channel -> subscribers
	bufferSize int
	closed     bool
	nextID     atomic.Uint64
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize sets the per-subscriber buffer capacity.
// Values below 1 are ignored.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n >= 1 {
			b.bufferSize = n
		}
	}
}

// NewBroadcaster creates a Broadcaster with the fixed channel set.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:       make(map[string][]*subscriber),
		bufferSize: defaultBufferSize,
	}
	for _, ch := range Channels() {
		b.subs[ch] = nil
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish dispatches an event to all current subscribers of the channel.
// It is fire-and-forget: delivery is at-most-once and never blocks on a
// slow subscriber. Publishing to an unknown channel is a no-op.
func (b *Broadcaster) Publish(channel string, e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	current, ok := b.subs[channel]
	if !ok {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscriber, len(current))
	copy(subs, current)
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(e)
	}
}

// Subscribe registers a new subscriber on the channel and returns the event
// stream together with a cancel function. The stream is infinite until
// cancelled; cancelling closes the returned channel and is idempotent.
// Subscribing to an unknown channel returns an already-closed stream.
func (b *Broadcaster) Subscribe(channel string) (<-chan Event, func()) {
	b.mu.Lock()

	if _, ok := b.subs[channel]; !ok || b.closed {
		b.mu.Unlock()
		dead := make(chan Event)
		close(dead)
		return dead, func() {}
	}

	s := &subscriber{
		id:      b.nextID.Add(1),
		channel: channel,
		ch:      make(chan Event, b.bufferSize),
	}
	b.subs[channel] = append(b.subs[channel], s)
	b.mu.Unlock()

	cancel := func() {
		b.remove(s)
		s.close()
	}
	return s.ch, cancel
}

// remove detaches the subscriber from the broadcaster's registry.
func (b *Broadcaster) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.channel]
	for i, cur := range subs {
		if cur.id == s.id {
			b.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers on the channel.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close cancels all subscribers and rejects further publishes.
// It is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for ch, subs := range b.subs {
		all = append(all, subs...)
		b.subs[ch] = nil
	}
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}
