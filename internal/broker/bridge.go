package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"

	"github.com/google/uuid"
)

// Publisher is the broker side of the bridge.
type Publisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
	IsHealthy() bool
}

// EventRoutingKey is the routing key a bus event is forwarded under.
func EventRoutingKey(t eventbus.EventType) string {
	return "sync." + string(t)
}

// EventBridge forwards bus events to the broker. Events are notifications,
// not durable state: while the broker is down they are dropped.
type EventBridge struct {
	mu        sync.RWMutex
	publisher Publisher
	events    chan eventbus.Event
	logger    *slog.Logger
}

func NewEventBridge(buffer int, logger *slog.Logger) *EventBridge {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventBridge{
		events: make(chan eventbus.Event, buffer),
		logger: logger.With("component", "event_bridge"),
	}
}

// SetPublisher swaps the live broker link. nil detaches it.
func (b *EventBridge) SetPublisher(p Publisher) {
	b.mu.Lock()
	b.publisher = p
	b.mu.Unlock()
}

// OnEvent never blocks the bus; a full buffer drops the event.
func (b *EventBridge) OnEvent(e eventbus.Event) error {
	if e.Type == eventbus.RemoteChanged {
		// came from the broker in the first place
		return nil
	}
	select {
	case b.events <- e:
	default:
		b.logger.Warn("Bridge buffer full, event dropped", "event_type", e.Type)
	}
	return nil
}

// Run publishes buffered events until ctx is canceled.
func (b *EventBridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.events:
			b.forward(ctx, e)
		}
	}
}

func (b *EventBridge) forward(ctx context.Context, e eventbus.Event) {
	b.mu.RLock()
	p := b.publisher
	b.mu.RUnlock()

	if p == nil || !p.IsHealthy() {
		b.logger.Debug("Broker offline, event not forwarded", "event_type", e.Type)
		return
	}

	body, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("Failed to serialize event", "event_type", e.Type, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := p.Publish(pubCtx, EventRoutingKey(e.Type), uuid.NewString(), body); err != nil {
		metrics.ListenerFailures.WithLabelValues(string(eventbus.BrokerBridge)).Inc()
		b.logger.Error("Event forward failed", "event_type", e.Type, "error", err)
	}
}
