package pipeline

import (
	"sync"
	"sync/atomic"
	"time"
)

// queuePoll bounds how long a queued subscription waits before re-checking for shutdown
const queuePoll = 50 * time.Millisecond

// EventType identifies the kind of ThreatEvent
type EventType string

const (
	EventThreatUpdate      EventType = "threat_update"
	EventIncidentStarted   EventType = "incident_started"
	EventIncidentFinalized EventType = "incident_finalized"
	EventIncidentAnalyzed  EventType = "incident_analyzed"
	EventIncidentFailed    EventType = "incident_failed"
)

// ThreatEvent is a single notification emitted by the pipeline
type ThreatEvent struct {
	Type      EventType       `json:"type"`
	CameraID  string          `json:"camera_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Track     *ThreatSnapshot `json:"track,omitempty"`
	Previous  ThreatLevel     `json:"previous_level"`
	Incident  *Incident       `json:"incident,omitempty"`
	Report    *IncidentReport `json:"report,omitempty"`
	Snapshot  []byte          `json:"-"` // JPEG of the trigger frame, if any
	Error     string          `json:"error,omitempty"`
}

// EventHandler receives events synchronously from Publish
type EventHandler interface {
	OnThreatEvent(event *ThreatEvent)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(event *ThreatEvent)

// OnThreatEvent implements EventHandler
func (f EventHandlerFunc) OnThreatEvent(event *ThreatEvent) { f(event) }

// EventBus provides pub/sub for pipeline events
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
	dropped     atomic.Uint64
}

type eventSubscription struct {
	typeFilter map[EventType]bool // nil means receive all types
	channel    chan *ThreatEvent
	handler    EventHandler

	// queued subscriptions never drop; a pump goroutine feeds the channel
	queue   *fifo[*ThreatEvent]
	closing chan struct{} // bus closed: deliver what is queued, then close
	stop    chan struct{} // unsubscribed: exit now
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for all events
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler EventHandler) func() {
	sub := &eventSubscription{
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives events of the given types
// (all types when none are given). The channel has the specified buffer size.
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int, types ...EventType) (<-chan *ThreatEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *ThreatEvent, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}
	if len(types) > 0 {
		sub.typeFilter = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.typeFilter[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// SubscribeQueue returns a channel that receives every event of the given
// types without loss: events wait in an unbounded queue until the consumer
// reads them. On Close the queued events are still delivered before the
// channel is closed. Returns the channel and an unsubscribe function.
func (b *EventBus) SubscribeQueue(types ...EventType) (<-chan *ThreatEvent, func()) {
	ch := make(chan *ThreatEvent)
	sub := &eventSubscription{
		queue:   newFifo[*ThreatEvent](),
		closing: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	if len(types) > 0 {
		sub.typeFilter = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.typeFilter[t] = true
		}
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	go sub.pump(ch)

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(sub.stop)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

func (sub *eventSubscription) pump(ch chan<- *ThreatEvent) {
	defer close(ch)
	for {
		ev, ok := sub.queue.Pop(queuePoll)
		if !ok {
			select {
			case <-sub.stop:
				return
			case <-sub.closing:
				if sub.queue.Len() == 0 {
					return
				}
			default:
			}
			continue
		}
		select {
		case ch <- ev:
			sub.queue.Done()
		case <-sub.stop:
			return
		}
	}
}

// Publish sends an event to all subscribers
func (b *EventBus) Publish(event *ThreatEvent) {
	if event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.typeFilter != nil && !sub.typeFilter[event.Type] {
			continue
		}

		switch {
		case sub.handler != nil:
			sub.handler.OnThreatEvent(event)
		case sub.queue != nil:
			sub.queue.Push(event)
		case sub.channel != nil:
			select {
			case sub.channel <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of events skipped because a channel
// subscriber's buffer was full
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Close unsubscribes all subscribers and closes channels. Queued
// subscriptions close theirs once the backlog is delivered.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		switch {
		case sub.queue != nil:
			close(sub.closing)
		case sub.channel != nil:
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

var _ Publisher = (*EventBus)(nil)

// nopPublisher discards events
type nopPublisher struct{}

func (nopPublisher) Publish(*ThreatEvent) {}
