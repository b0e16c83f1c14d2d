package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// EventKind identifies a notification pushed to observers.
type EventKind string

const (
	// EventServiceStarted and EventServiceStopped bracket the session
	// lifecycle; they are the only asynchronous confirmation of Start/Stop.
	EventServiceStarted EventKind = "service_started"
	EventServiceStopped EventKind = "service_stopped"

	// EventServicePropertyChanged reports a mutation of the controller's
	// own configuration snapshot.
	EventServicePropertyChanged EventKind = "service_property_changed"

	// EventConnectionsChanged carries a full (name, type) snapshot of the
	// daemon's service list after any add/change/remove.
	EventConnectionsChanged EventKind = "connections_changed"

	// EventPropertyChanged reports a change of one top-level daemon
	// property, e.g. State.
	EventPropertyChanged EventKind = "property_changed"
)

// ConnectionInfo is one entry of a connections_changed snapshot.
type ConnectionInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Event is a normalized notification. Key/Value are set for the property
// kinds, Connections for connections_changed.
type Event struct {
	Kind        EventKind        `json:"kind"`
	Key         string           `json:"key,omitempty"`
	Value       any              `json:"value,omitempty"`
	Connections []ConnectionInfo `json:"connections,omitempty"`
}

// Observer receives events. OnEvent is called from a per-subscription
// goroutine; a slow or panicking observer affects only its own stream.
type Observer interface {
	OnEvent(Event)
}

// subscriptionBuffer is how many events a slow observer may fall behind
// before events are dropped for it.
const subscriptionBuffer = 16

type subscription struct {
	id       uuid.UUID
	observer Observer
	ch       chan Event
	done     chan struct{}
}

func (s *subscription) pump() {
	for {
		select {
		case ev := <-s.ch:
			s.deliver(ev)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer panicked", "subscription", s.id, "kind", ev.Kind, "panic", r)
		}
	}()
	s.observer.OnEvent(ev)
}

// dispatcher fans events out to subscriptions. Emit never blocks: each
// subscription has a buffered channel and events are dropped, with a log
// line, when a buffer is full.
type dispatcher struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*subscription
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[uuid.UUID]*subscription)}
}

func (d *dispatcher) subscribe(obs Observer) uuid.UUID {
	sub := &subscription{
		id:       uuid.New(),
		observer: obs,
		ch:       make(chan Event, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	d.mu.Lock()
	d.subs[sub.id] = sub
	d.mu.Unlock()
	go sub.pump()
	return sub.id
}

func (d *dispatcher) unsubscribe(id uuid.UUID) {
	d.mu.Lock()
	sub, ok := d.subs[id]
	if ok {
		delete(d.subs, id)
	}
	d.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("observer buffer full, dropping event", "subscription", sub.id, "kind", ev.Kind)
		}
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[uuid.UUID]*subscription)
	d.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
	}
}
