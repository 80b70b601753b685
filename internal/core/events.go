package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	// EventSettingsChanged fires when ipv6Enabled/dohEnabled/bypassCountryCode change.
	EventSettingsChanged EventType = iota
	// EventRoutingChanged fires when routing.json's rules or configs change.
	EventRoutingChanged
	// EventStackReloaded fires after the reload controller finishes a teardown+rebuild.
	EventStackReloaded
	// EventTunnelError fires on unrecoverable tunnel start failure (§6 exit conditions).
	EventTunnelError
)

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// SettingsPayload is the payload for EventSettingsChanged.
type SettingsPayload struct {
	IPv6Enabled       bool
	DoHEnabled        bool
	BypassCountryCode string
}

// RoutingPayload is the payload for EventRoutingChanged.
type RoutingPayload struct {
	Version int // monotonically increasing, bumped on every routing.json observation
}

// ReloadPayload is the payload for EventStackReloaded.
type ReloadPayload struct {
	Err error
}

// TunnelErrorPayload is the payload for EventTunnelError.
type TunnelErrorPayload struct {
	Err error
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between the reload controller and host observers.
// Grounded on the same pattern the host façade uses for its own notifications;
// the core's instance only ever carries the four event types above.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously, on the
// caller's goroutine. The reload controller always uses Publish, never
// PublishAsync, so that stack-context serialization (§5) is preserved.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
// Reserved for notifications with no stack-context ordering requirement
// (e.g. relaying stats snapshots to a UI).
func (eb *EventBus) PublishAsync(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
