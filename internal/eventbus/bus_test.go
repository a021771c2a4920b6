package eventbus

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBroadcastSkipsSource(t *testing.T) {
	bus := New(slog.Default())
	syncRec, addrRec, delRec := &recorder{}, &recorder{}, &recorder{}
	bus.Register(SyncRepository, syncRec)
	bus.Register(AddressRepository, addrRec)
	bus.Register(DeliveryRepository, delRec)

	n := bus.Publish(Event{Type: OperationCompleted, Source: SyncRepository, Data: models.PayloadOf("operationId", "op1")})

	assert.Equal(t, 2, n)
	assert.Zero(t, syncRec.count())
	assert.Equal(t, 1, addrRec.count())
	assert.Equal(t, 1, delRec.count())
	assert.False(t, addrRec.events[0].Timestamp.IsZero())
}

func TestTargetedDelivery(t *testing.T) {
	bus := New(slog.Default())
	addrRec, delRec := &recorder{}, &recorder{}
	bus.Register(AddressRepository, addrRec)
	bus.Register(DeliveryRepository, delRec)

	bus.Publish(Event{Type: ConfigUpdated, Source: ConfigRepository}.To(DeliveryRepository))

	assert.Zero(t, addrRec.count())
	assert.Equal(t, 1, delRec.count())
}

func TestFailingListenersDoNotStopDelivery(t *testing.T) {
	bus := New(slog.Default())
	after := &recorder{}
	bus.Register(AddressRepository, ListenerFunc(func(Event) error { panic("boom") }))
	bus.Register(ProfileRepository, ListenerFunc(func(Event) error { return errors.New("nope") }))
	bus.Register(DeliveryRepository, after)

	n := bus.Publish(Event{Type: OperationFailed, Source: SyncRepository})

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, after.count())
}

func TestUnregister(t *testing.T) {
	bus := New(slog.Default())
	a, b := &recorder{}, &recorder{}
	remove := bus.Register(AddressRepository, a)
	bus.Register(DeliveryRepository, b)

	remove()
	bus.Publish(Event{Type: OperationCompleted, Source: SyncRepository})
	assert.Zero(t, a.count())
	assert.Equal(t, 1, b.count())

	bus.Unregister(DeliveryRepository)
	assert.Zero(t, bus.Publish(Event{Type: OperationCompleted, Source: SyncRepository}))
}

func TestListenersGetIsolatedPayloads(t *testing.T) {
	bus := New(slog.Default())
	bus.Register(AddressRepository, ListenerFunc(func(e Event) error {
		e.Data.Set("mutated", models.Bool(true))
		return nil
	}))
	second := &recorder{}
	bus.Register(DeliveryRepository, second)

	bus.Publish(Event{Type: OperationCompleted, Source: SyncRepository, Data: models.PayloadOf("a", 1)})

	assert.False(t, second.events[0].Data.Has("mutated"))
}
