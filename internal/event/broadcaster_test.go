package event

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	events, cancel := b.Subscribe(ChannelWorkerUpdate)
	defer cancel()

	b.Publish(ChannelWorkerUpdate, NewWorkerStatusEvent("w-1", "online", "heartbeat"))

	select {
	case e := <-events:
		update, ok := e.(WorkerStatusEvent)
		if !ok {
			t.Fatalf("expected WorkerStatusEvent, got %T", e)
		}
		if update.WorkerID != "w-1" || update.Status != "online" {
			t.Errorf("got %s/%s, want w-1/online", update.WorkerID, update.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("event was not delivered")
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	taskEvents, cancelTask := b.Subscribe(ChannelTaskUpdate)
	defer cancelTask()
	workerEvents, cancelWorker := b.Subscribe(ChannelWorkerUpdate)
	defer cancelWorker()

	b.Publish(ChannelWorkerUpdate, NewWorkerStatusEvent("w-1", "offline", "liveness_expired"))

	select {
	case <-workerEvents:
	case <-time.After(time.Second):
		t.Fatalf("worker subscriber missed its event")
	}

	select {
	case e := <-taskEvents:
		t.Fatalf("task subscriber received cross-channel event %v", e.EventType())
	default:
	}
}

func TestPublishOrderPerChannel(t *testing.T) {
	b := NewBroadcaster(WithBufferSize(100))
	defer b.Close()

	events, cancel := b.Subscribe(ChannelTaskUpdate)
	defer cancel()

	for i := 0; i < 50; i++ {
		b.Publish(ChannelTaskUpdate, NewTaskProgressEvent("t-1", i, int64(i)))
	}

	for i := 0; i < 50; i++ {
		e := <-events
		progress := e.(TaskProgressEvent)
		if progress.Progress != i {
			t.Fatalf("event %d out of order: got progress %d", i, progress.Progress)
		}
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewBroadcaster(WithBufferSize(4))
	defer b.Close()

	events, cancel := b.Subscribe(ChannelTaskUpdate)
	defer cancel()

	// Publish more than the buffer holds without draining. The publisher
	// must never block, and the newest events must survive.
	for i := 0; i < 10; i++ {
		b.Publish(ChannelTaskUpdate, NewTaskProgressEvent("t-1", i, int64(i)))
	}

	var received []int
	for {
		select {
		case e := <-events:
			received = append(received, e.(TaskProgressEvent).Progress)
			continue
		default:
		}
		break
	}

	if len(received) != 4 {
		t.Fatalf("expected 4 buffered events, got %d (%v)", len(received), received)
	}
	if received[len(received)-1] != 9 {
		t.Errorf("newest event should survive drop-oldest, got tail %d", received[len(received)-1])
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	events, cancel := b.Subscribe(ChannelSubtaskComplete)
	cancel()

	// Cancel is idempotent.
	cancel()

	b.Publish(ChannelSubtaskComplete, NewSubtaskCompleteEvent("st-1", "t-1", "w-1"))

	if _, open := <-events; open {
		t.Errorf("channel should be closed after cancel")
	}
	if n := b.SubscriberCount(ChannelSubtaskComplete); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestSubscribeUnknownChannel(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()

	events, cancel := b.Subscribe("no_such_channel")
	defer cancel()

	if _, open := <-events; open {
		t.Errorf("unknown channel subscription should be closed immediately")
	}

	// Publishing to an unknown channel must not panic.
	b.Publish("no_such_channel", NewWorkerStatusEvent("w-1", "online", "heartbeat"))
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(WithBufferSize(8))
	defer b.Close()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(ChannelWorkerUpdate, NewWorkerStatusEvent(fmt.Sprintf("w-%d", p), "online", "heartbeat"))
			}
		}(p)
	}

	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, cancel := b.Subscribe(ChannelWorkerUpdate)
			for i := 0; i < 10; i++ {
				select {
				case <-events:
				case <-time.After(50 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
}

func TestCloseCancelsAllSubscribers(t *testing.T) {
	b := NewBroadcaster()

	events, _ := b.Subscribe(ChannelTaskUpdate)
	b.Close()
	b.Close() // idempotent

	if _, open := <-events; open {
		t.Errorf("subscriber channel should be closed after broadcaster Close")
	}

	// Publish after close is a no-op.
	b.Publish(ChannelTaskUpdate, NewTaskStatusEvent("t-1", "completed", 3))
}
