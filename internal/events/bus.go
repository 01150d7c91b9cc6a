// Package events runs registered hooks, in priority order, at the points
// where the proxy moves lines between networks and clients.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/jelmer/ctrlproxy/internal/irc"
)

// EventSource represents the source of an event
type EventSource string

const (
	EventSourceServer EventSource = "server"
	EventSourceClient EventSource = "client"
	EventSourceSystem EventSource = "system"
)

// Line event types. Hooks may replace Event.Line or stop it by returning
// false.
const (
	// EventServerLine fires for a line from upstream before clients see it
	EventServerLine = "line.server"
	// EventClientLine fires for a client line before it goes upstream
	EventClientLine = "line.client"
)

// Lifecycle event types
const (
	EventNetworkReady   = "network.ready"
	EventNetworkDown    = "network.down"
	EventClientAttached = "client.attached"
	EventClientDetached = "client.detached"
	EventLineStored     = "linestack.stored"
)

// Priorities; higher runs first
const (
	PriorityHighest = 100
	PriorityDefault = 0
	PriorityLowest  = -100
)

// Event is what hooks receive
type Event struct {
	Type      string
	Network   string
	Client    string
	Line      *irc.Line
	Data      map[string]interface{}
	Timestamp time.Time
	Source    EventSource
}

// Subscriber is a hook. Returning false stops the event: later hooks do not
// run and a line event is dropped.
type Subscriber interface {
	OnEvent(event *Event) bool
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(event *Event) bool

// OnEvent implements Subscriber
func (f SubscriberFunc) OnEvent(event *Event) bool { return f(event) }

type subscription struct {
	priority int
	seq      int
	sub      Subscriber
}

// EventBus manages hook registration and dispatch. Emit is synchronous.
type EventBus struct {
	subscribers map[string][]subscription
	seq         int
	mu          sync.RWMutex
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]subscription),
	}
}

// Subscribe registers a hook for an event type, or "*" for all of them.
// Hooks of equal priority run in registration order.
func (eb *EventBus) Subscribe(eventType string, priority int, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.seq++
	subs := append(eb.subscribers[eventType], subscription{priority: priority, seq: eb.seq, sub: subscriber})
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority > subs[j].priority })
	eb.subscribers[eventType] = subs
}

// Unsubscribe removes a hook from an event type. The subscriber must be
// comparable, so SubscriberFunc hooks cannot be removed.
func (eb *EventBus) Unsubscribe(eventType string, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[eventType]
	for i, s := range subs {
		if s.sub == subscriber {
			eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Emit runs the hooks for the event's type together with the wildcard
// hooks, merged by priority. It reports whether every hook let the event
// continue.
func (eb *EventBus) Emit(event *Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	subs := make([]subscription, 0, len(eb.subscribers[event.Type])+len(eb.subscribers["*"]))
	subs = append(subs, eb.subscribers[event.Type]...)
	subs = append(subs, eb.subscribers["*"]...)
	eb.mu.RUnlock()

	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].priority != subs[j].priority {
			return subs[i].priority > subs[j].priority
		}
		return subs[i].seq < subs[j].seq
	})

	for _, s := range subs {
		if !s.sub.OnEvent(event) {
			return false
		}
	}
	return true
}
