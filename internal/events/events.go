// Package events provides the typed publish/subscribe bus that mediates
// every cross-component signal in the system, so that the Waiting
// Detector, the Auto-Handoff Orchestrator, and the Realtime Fan-out Bus
// never hold direct references to the components that emit the events
// they react to (SPEC_FULL.md §9, "Cyclic dependencies → bus as mediator").
//
// Grounded on the publish/subscribe event bus pattern used for operational
// observability in the nugget-thane-ai-agent example (internal/events/bus.go):
// a map of buffered subscriber channels guarded by a mutex, non-blocking
// publish that drops for a full subscriber rather than stalling the
// publisher, and a nil-safe Bus so components can hold an unconfigured bus
// during tests without guard checks.
package events

import (
	"log/slog"
	"sync"
)

// Topic names the kind of event carried on the bus. Components subscribe
// to the topics they care about and type-assert Event.Payload.
type Topic string

const (
	TopicSessionOutput  Topic = "session:output"
	TopicSessionStatus  Topic = "session:status"
	TopicSessionExit    Topic = "session:exit"
	TopicSessionError   Topic = "session:error"
	TopicContextSample  Topic = "context:sample"
	TopicContextThresh  Topic = "context:threshold"
	TopicTelemetryWait  Topic = "context:telemetryWaiting"
	TopicWaitingChange  Topic = "waiting:stateChange"
	TopicTicketState    Topic = "ticket:stateChange"
	TopicHandoffStarted Topic = "handoff:started"
	TopicHandoffProg    Topic = "handoff:progress"
	TopicHandoffDone    Topic = "handoff:completed"
	TopicHandoffFailed  Topic = "handoff:failed"
	TopicNotification   Topic = "notification"
	TopicPtyData        Topic = "pty:data"
	TopicPtyExit        Topic = "pty:exit"
)

// Event is one message flowing through the bus.
type Event struct {
	Topic   Topic
	Payload any
}

// backpressure queue depth per subscriber, per SPEC_FULL.md §9
// ("back-pressure policy is drop-oldest... fixed outbound queue depth").
const defaultQueueDepth = 256

// Bus is a non-blocking broadcast bus. Safe for concurrent use, and safe to
// call on a nil *Bus (every method becomes a no-op / returns a closed
// channel), matching the teacher example's nil-safety contract.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]Topic // empty Topic means "subscribed to everything"

	onOverflow func(topic Topic) // test hook; nil in production
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]Topic)}
}

// Publish broadcasts e to every subscriber whose filter matches e.Topic.
// Non-blocking: a full subscriber channel is never allowed to stall the
// publisher. Per SPEC_FULL.md §9's back-pressure policy, a full channel
// drops its OLDEST queued event to make room for e, rather than dropping e
// itself — so a slow session:output subscriber loses stale lines, not the
// most recent ones — and logs a warning every time this happens.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != "" && filter != e.Topic {
			continue
		}
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
			slog.Default().Warn("events: subscriber queue full, dropped oldest event", "topic", e.Topic)
			if b.onOverflow != nil {
				b.onOverflow(e.Topic)
			}
		}
	}
}

// Subscribe returns a channel receiving every event whose topic matches
// filter. An empty filter subscribes to all topics. Callers must call
// Unsubscribe to release the channel.
func (b *Bus) Subscribe(filter Topic) <-chan Event {
	ch := make(chan Event, defaultQueueDepth)
	if b == nil {
		close(ch)
		return ch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = filter
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once or with an unknown channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sendCh := range b.subs {
		if (<-chan Event)(sendCh) == ch {
			delete(b.subs, sendCh)
			close(sendCh)
			return
		}
	}
}

// SubscriberCount returns the number of active subscriptions, for tests.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
