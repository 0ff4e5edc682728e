// Package bus provides a small in-process pub/sub bus used to fan out
// agent lifecycle, health, and compliance events to interested components.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Agent lifecycle topics, published by the registry.
const (
	TopicAgentRegistered   = "agent.registered"
	TopicAgentUnregistered = "agent.unregistered"
	TopicAgentStarted      = "agent.started"
	TopicAgentStopped      = "agent.stopped"
	TopicAgentError        = "agent.error"
	TopicAgentUnhealthy    = "agent.unhealthy"
)

// Compliance topics, published by the enforcement scanner.
const (
	TopicViolationDetected  = "compliance.violation.detected"
	TopicViolationEscalated = "compliance.violation.escalated"
	TopicViolationResolved  = "compliance.violation.resolved"
)

// LifecycleEvent is published on agent.* topics.
type LifecycleEvent struct {
	AgentID   string // Agent ID
	Tier      string // Agent tier name
	Port      int    // Assigned port, 0 if none
	OldStatus string // Previous status (e.g. INACTIVE)
	NewStatus string // New status (e.g. ACTIVE)
	Reason    string // Human-readable reason, set on error/unhealthy
}

// ViolationEvent is published on compliance.violation.* topics.
type ViolationEvent struct {
	EpisodeID string // Violation episode ID
	Kind      string // process, file, or port
	Key       string // Dedup key for the violation
	Action    string // warn, auto_register, terminate, resolve
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is
// dropped for that subscriber.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
