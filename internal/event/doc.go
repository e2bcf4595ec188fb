// Package event provides the broadcast fabric that propagates state changes
// from the orchestration core to observers in near real time.
//
// Unlike a synchronous callback bus, the [Broadcaster] delivers events over
// per-subscriber buffered channels. Publishing is fire-and-forget with
// at-most-once, best-effort semantics: events are not persisted, and a
// subscriber that is disconnected at publish time never sees the event.
// A durable audit trail is the responsibility of the external activity-log
// collaborator, not this package.
//
// # Channels
//
// Events flow over a small fixed set of channels:
//
//   - [ChannelTaskUpdate]: task status, progress, and revision changes
//   - [ChannelWorkerUpdate]: worker registration and liveness transitions
//   - [ChannelSubtaskComplete]: subtask terminal transitions, consumed by the
//     quality-assurance pipeline
//
// Subscribers receive events in publish order per channel; there is no
// ordering guarantee across channels.
//
// # Backpressure
//
// Each subscriber owns a bounded buffer. When a subscriber falls behind, the
// oldest buffered event is dropped to make room for the newest, so a slow or
// unresponsive subscriber can never block a publisher.
//
// # Basic Usage
//
//	b := event.NewBroadcaster()
//
//	events, cancel := b.Subscribe(event.ChannelWorkerUpdate)
//	defer cancel()
//
//	go func() {
//	    for e := range events {
//	        update := e.(event.WorkerStatusEvent)
//	        log.Printf("worker %s is now %s", update.WorkerID, update.Status)
//	    }
//	}()
//
//	b.Publish(event.ChannelWorkerUpdate, event.NewWorkerStatusEvent("w-1", "online"))
package event
