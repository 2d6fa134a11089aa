package door

import (
	"log/slog"
	"sync"
	"time"

	"iot-door/internal/store"
)

// Event types
const (
	EventStatusReport    = "status_report"
	EventCommandIssued   = "command_issued"
	EventCommandAcked    = "command_acked"
	EventCommandTimedOut = "command_timed_out"
	EventAccessLog       = "access_log"
	EventAlert           = "alert"
	EventTransport       = "transport"
	EventSettingsChanged = "settings_changed"
)

// Event is published on the EventBus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusReport is a free-form state string a device published about itself.
type StatusReport struct {
	DeviceID      string    `json:"device_id"`
	ReportedState string    `json:"reported_state"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Alert wraps an emergency access entry.
type Alert struct {
	Entry store.AccessLogEntry `json:"entry"`
	At    time.Time            `json:"at"`
}

// TransportState is carried by EventTransport.
type TransportState struct {
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for door events.
//
// Most events are emitted from the reconciler goroutine. Handlers must not
// block or call back into the Reconciler synchronously; hand work off to a
// channel or goroutine instead.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls matching handlers synchronously. A panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
