package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu      sync.Mutex
	healthy bool
	err     error
	keys    []string
	bodies  [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, routingKey, _ string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *fakePublisher) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)
	bridge := NewEventBridge(8, logger)
	bus.Register(eventbus.BrokerBridge, bridge)

	pub := &fakePublisher{healthy: true}
	bridge.SetPublisher(pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	bus.Publish(eventbus.Event{
		Type:   eventbus.OperationCompleted,
		Source: eventbus.SyncRepository,
		Data:   models.PayloadOf("operationId", "op-1"),
	})
	bus.Publish(eventbus.Event{Type: eventbus.RemoteChanged, Source: eventbus.SyncRepository})

	assert.Eventually(t, func() bool { return len(pub.Keys()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"sync.operationCompleted"}, pub.Keys())

	var decoded map[string]any
	pub.mu.Lock()
	require.NoError(t, json.Unmarshal(pub.bodies[0], &decoded))
	pub.mu.Unlock()
	assert.Equal(t, "operationCompleted", decoded["type"])
	assert.Equal(t, "op-1", decoded["data"].(map[string]any)["operationId"])
}

func TestBridgeDropsWhileBrokerDown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bridge := NewEventBridge(1, logger)

	pub := &fakePublisher{healthy: false}
	bridge.SetPublisher(pub)
	bridge.forward(context.Background(), eventbus.Event{Type: eventbus.OperationFailed})
	assert.Empty(t, pub.Keys())

	pub.mu.Lock()
	pub.healthy = true
	pub.err = errors.New("nack")
	pub.mu.Unlock()
	bridge.forward(context.Background(), eventbus.Event{Type: eventbus.OperationFailed})
	assert.Empty(t, pub.Keys())

	// OnEvent never blocks even with nobody draining the buffer.
	require.NoError(t, bridge.OnEvent(eventbus.Event{Type: eventbus.OperationFailed}))
	require.NoError(t, bridge.OnEvent(eventbus.Event{Type: eventbus.OperationFailed}))
}
