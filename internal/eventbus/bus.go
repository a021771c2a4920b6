// Package eventbus is the in-process publish/subscribe channel between the sync
// engine and domain repositories.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

// RepositoryID names a participant on the bus.
type RepositoryID string

const (
	SyncRepository         RepositoryID = "sync"
	ConfigRepository       RepositoryID = "config"
	AddressRepository      RepositoryID = "address"
	DeliveryRepository     RepositoryID = "delivery"
	ProfileRepository      RepositoryID = "userProfile"
	SubscriptionRepository RepositoryID = "subscription"
	DeviceRepository       RepositoryID = "device"
	BrokerBridge           RepositoryID = "broker"
)

// RepositoryFor maps an entity type to the repository that owns it.
func RepositoryFor(entityType models.EntityType) (RepositoryID, bool) {
	switch entityType {
	case models.EntityAddress:
		return AddressRepository, true
	case models.EntityDelivery:
		return DeliveryRepository, true
	case models.EntityUserProfile:
		return ProfileRepository, true
	case models.EntitySubscriptionRecord:
		return SubscriptionRepository, true
	case models.EntityUserDevice:
		return DeviceRepository, true
	default:
		return "", false
	}
}

type EventType string

const (
	OperationEnqueued  EventType = "operationEnqueued"
	OperationCompleted EventType = "operationCompleted"
	OperationFailed    EventType = "operationFailed"
	OperationConflict  EventType = "operationConflict"
	SyncStatusChanged  EventType = "syncStatusChanged"
	ConfigUpdated      EventType = "configUpdated"
	RemoteChanged      EventType = "remoteChanged"
)

// Event is a bus message. A nil Target broadcasts to every listener except the source.
type Event struct {
	Type      EventType      `json:"type"`
	Source    RepositoryID   `json:"source"`
	Target    *RepositoryID  `json:"target,omitempty"`
	Data      models.Payload `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// To returns a copy of e addressed to a single repository.
func (e Event) To(target RepositoryID) Event {
	e.Target = &target
	return e
}

// Listener handles events. Returned errors are logged by the bus.
type Listener interface {
	OnEvent(Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event) error

func (f ListenerFunc) OnEvent(e Event) error { return f(e) }

type registration struct {
	id       RepositoryID
	token    uint64
	listener Listener
}

// Bus delivers events synchronously on the publisher's goroutine, in
// registration order.
type Bus struct {
	mu        sync.RWMutex
	listeners []registration
	next      uint64
	logger    *slog.Logger
	now       func() time.Time
}

func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("component", "eventbus"), now: time.Now}
}

// Register adds a listener under id and returns a function that removes it.
// Several listeners may share an id.
func (b *Bus) Register(id RepositoryID, l Listener) (unregister func()) {
	b.mu.Lock()
	b.next++
	token := b.next
	b.listeners = append(b.listeners, registration{id: id, token: token, listener: l})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, r := range b.listeners {
			if r.token == token {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Unregister removes every listener registered under id.
func (b *Bus) Unregister(id RepositoryID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.listeners[:0:0]
	for _, r := range b.listeners {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	b.listeners = kept
}

// Publish delivers e and returns the number of listeners that handled it without error.
func (b *Bus) Publish(e Event) int {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	targets := make([]registration, 0, len(b.listeners))
	for _, r := range b.listeners {
		if e.Target != nil {
			if r.id == *e.Target {
				targets = append(targets, r)
			}
			continue
		}
		if r.id != e.Source {
			targets = append(targets, r)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, r := range targets {
		if err := b.deliver(r, e); err != nil {
			metrics.ListenerFailures.WithLabelValues(string(r.id)).Inc()
			b.logger.Error("Event listener failed",
				"listener", r.id,
				"event_type", e.Type,
				"source", e.Source,
				"error", err,
			)
			continue
		}
		delivered++
	}
	metrics.EventsDelivered.WithLabelValues(string(e.Type)).Add(float64(delivered))
	return delivered
}

// deliver isolates a single listener so a panic cannot stop the fan-out.
func (b *Bus) deliver(r registration, e Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("listener panic: %v", rec)
		}
	}()
	// each listener gets its own copy of the payload
	e.Data = e.Data.Clone()
	return r.listener.OnEvent(e)
}
