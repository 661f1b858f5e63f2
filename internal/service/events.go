package service

import (
	"slices"
	"sync"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/session"
)

// SequencedEvent is an event numbered in broadcast order, starting at 1.
type SequencedEvent struct {
	ID uint64
	domain.Event
}

type Subscriber struct {
	ID string
	// Types limits delivery to the listed event types. Empty means all.
	Types  []domain.EventType
	Events chan SequencedEvent
}

func (s *Subscriber) wants(t domain.EventType) bool {
	return len(s.Types) == 0 || slices.Contains(s.Types, t)
}

// EventBroadcaster is the single fan-out point for party events. Sinks are
// called synchronously in registration order; subscribers get a buffered
// channel and miss events when they fall behind. The most recent events are
// kept for replay.
type EventBroadcaster struct {
	subscribers map[string]*Subscriber
	sinks       []session.Broadcaster
	mu          sync.RWMutex
	bufferSize  int

	// order serializes Broadcast so sinks see events in ID order.
	order sync.Mutex

	historyMu sync.Mutex
	history   []SequencedEvent
	nextID    uint64
	dropped   uint64
}

func NewEventBroadcaster(bufferSize int) *EventBroadcaster {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBroadcaster{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
		nextID:      1,
	}
}

// AddSink registers a broadcaster that sees every event.
func (b *EventBroadcaster) AddSink(sink session.Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// SubscribeWithReplay subscribes and returns the retained events with an ID
// greater than lastEventID that the subscriber would have received.
func (b *EventBroadcaster) SubscribeWithReplay(subscriberID string, lastEventID uint64, types ...domain.EventType) (*Subscriber, []SequencedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subscribeLocked(subscriberID, types)

	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	var replay []SequencedEvent
	for _, ev := range b.history {
		if ev.ID > lastEventID && sub.wants(ev.Type) {
			replay = append(replay, ev)
		}
	}
	return sub, replay
}

func (b *EventBroadcaster) subscribeLocked(subscriberID string, types []domain.EventType) *Subscriber {
	if old, ok := b.subscribers[subscriberID]; ok {
		close(old.Events)
	}
	sub := &Subscriber{
		ID:     subscriberID,
		Types:  types,
		Events: make(chan SequencedEvent, b.bufferSize),
	}
	b.subscribers[subscriberID] = sub
	return sub
}

func (b *EventBroadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
	}
}

// Broadcast must not be called re-entrantly from a sink.
func (b *EventBroadcaster) Broadcast(event domain.Event) {
	b.order.Lock()
	defer b.order.Unlock()

	b.mu.RLock()
	sinks := b.sinks

	b.historyMu.Lock()
	seq := SequencedEvent{ID: b.nextID, Event: event}
	b.nextID++
	b.history = append(b.history, seq)
	if len(b.history) > b.bufferSize {
		b.history = slices.Delete(b.history, 0, len(b.history)-b.bufferSize)
	}
	b.historyMu.Unlock()

	for _, sub := range b.subscribers {
		if sub.wants(event.Type) {
			select {
			case sub.Events <- seq:
			default:
				b.historyMu.Lock()
				b.dropped++
				b.historyMu.Unlock()
			}
		}
	}
	b.mu.RUnlock()

	for _, sink := range sinks {
		sink.Broadcast(event)
	}
}

func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// DroppedEventCount is the number of deliveries skipped because a
// subscriber's buffer was full.
func (b *EventBroadcaster) DroppedEventCount() uint64 {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	return b.dropped
}
