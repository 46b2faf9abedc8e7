// Observer pattern interfaces for event-driven communication. Events
// use the CloudEvents specification for standardized format and
// interoperability with external monitoring collaborators.

package hotswap

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// EventType constants for runtime events, using reverse domain notation
// per the CloudEvents specification.
const (
	EventTypeInstanceLoaded     = "com.hotswap.instance.loaded"
	EventTypeInstanceRetired    = "com.hotswap.instance.retired"
	EventTypeReloadPhaseChanged = "com.hotswap.reload.phase_changed"
	EventTypeReloadCommitted    = "com.hotswap.reload.committed"
	EventTypeReloadRolledBack   = "com.hotswap.reload.rolled_back"
	EventTypeViolationDetected  = "com.hotswap.violation.detected"
	EventTypeCheckpointRecorded = "com.hotswap.checkpoint.recorded"
	EventTypeCheckpointPruned   = "com.hotswap.checkpoint.pruned"
)

// eventSource identifies this runtime as the CloudEvents source.
const eventSource = "github.com/GoCodeAlone/hotswap"

// Observer defines the interface for objects that want to be notified
// of runtime events. Observers should handle events quickly to avoid
// blocking other observers.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is
	// interested in.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID returns a unique identifier for this observer, used
	// for registration tracking and debugging.
	ObserverID() string
}

// Subject defines the interface for objects that can be observed.
type Subject interface {
	// RegisterObserver adds an observer, optionally filtered to the
	// given event types. An empty filter receives all events.
	RegisterObserver(observer Observer, eventTypes ...string) error

	// UnregisterObserver removes an observer. Idempotent.
	UnregisterObserver(observer Observer) error

	// NotifyObservers sends an event to all registered observers.
	// Observer errors are logged, never propagated to the emitter.
	NotifyObservers(ctx context.Context, event cloudevents.Event) error

	// GetObservers returns information about registered observers.
	GetObservers() []ObserverInfo
}

// ObserverInfo describes a registered observer for debugging and
// administrative interfaces.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// NewCloudEvent creates a runtime CloudEvent with UUIDv7 id, the
// runtime source and JSON-encoded data.
func NewCloudEvent(eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// generateEventID returns a UUIDv7, which is time-ordered, falling back
// to v4 if v7 generation fails.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// FunctionalObserver wraps a handler function as an Observer, for quick
// observer creation without defining a struct.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer from a handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) Observer {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent implements Observer.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID implements Observer.
func (f *FunctionalObserver) ObserverID() string { return f.id }

// eventBus is the runtime's Subject implementation: synchronous
// delivery in registration order with per-observer event type filters.
type eventBus struct {
	logger Logger

	mu        sync.RWMutex
	observers []busEntry
}

type busEntry struct {
	observer     Observer
	filter       map[string]struct{}
	registeredAt time.Time
}

func newEventBus(logger Logger) *eventBus {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &eventBus{logger: logger}
}

// RegisterObserver implements Subject.
func (b *eventBus) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	var filter map[string]struct{}
	if len(eventTypes) > 0 {
		filter = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			filter[t] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	// Re-registration replaces the previous filter.
	for idx, e := range b.observers {
		if e.observer.ObserverID() == observer.ObserverID() {
			b.observers[idx] = busEntry{observer: observer, filter: filter, registeredAt: e.registeredAt}
			return nil
		}
	}
	b.observers = append(b.observers, busEntry{observer: observer, filter: filter, registeredAt: time.Now()})
	return nil
}

// UnregisterObserver implements Subject.
func (b *eventBus) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return ErrObserverNil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for idx, e := range b.observers {
		if e.observer.ObserverID() == observer.ObserverID() {
			b.observers = append(b.observers[:idx], b.observers[idx+1:]...)
			return nil
		}
	}
	return nil
}

// NotifyObservers implements Subject. Observer errors are logged and do
// not stop delivery to later observers.
func (b *eventBus) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	b.mu.RLock()
	entries := make([]busEntry, len(b.observers))
	copy(entries, b.observers)
	b.mu.RUnlock()

	for _, e := range entries {
		if e.filter != nil {
			if _, interested := e.filter[event.Type()]; !interested {
				continue
			}
		}
		if err := e.observer.OnEvent(ctx, event); err != nil {
			b.logger.Debug("observer returned error", "observer", e.observer.ObserverID(), "eventType", event.Type(), "error", err)
		}
	}
	return nil
}

// GetObservers implements Subject.
func (b *eventBus) GetObservers() []ObserverInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	infos := make([]ObserverInfo, 0, len(b.observers))
	for _, e := range b.observers {
		var types []string
		for t := range e.filter {
			types = append(types, t)
		}
		infos = append(infos, ObserverInfo{ID: e.observer.ObserverID(), EventTypes: types, RegisteredAt: e.registeredAt})
	}
	return infos
}
