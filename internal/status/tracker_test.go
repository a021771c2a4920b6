package status

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateIsSerialized(t *testing.T) {
	tr := NewTracker(models.SyncStatus{Online: true}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Update(func(s *models.SyncStatus) { s.PendingOperations++ })
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, tr.Snapshot().PendingOperations)
}

func TestUpdateClampsAndDerivesState(t *testing.T) {
	tr := NewTracker(models.SyncStatus{Online: true}, nil)

	s := tr.Update(func(s *models.SyncStatus) { s.PendingOperations -= 3 })
	assert.Zero(t, s.PendingOperations)
	assert.Equal(t, models.SyncIdle, s.Status)

	s = tr.Update(func(s *models.SyncStatus) { s.Online = false })
	assert.Equal(t, models.SyncOffline, s.Status)

	s = tr.Update(func(s *models.SyncStatus) { s.Online = true })
	assert.Equal(t, models.SyncIdle, s.Status)
}

func TestSnapshotIsACopy(t *testing.T) {
	now := time.Now()
	tr := NewTracker(models.SyncStatus{Online: true, LastSyncTime: &now}, nil)

	snap := tr.Snapshot()
	*snap.LastSyncTime = now.Add(time.Hour)

	assert.True(t, tr.Snapshot().LastSyncTime.Equal(now))
}

func TestObserveReceivesLatest(t *testing.T) {
	tr := NewTracker(models.SyncStatus{Online: true}, nil)
	ch, cancel := tr.Observe()
	defer cancel()

	initial := <-ch
	assert.Zero(t, initial.PendingOperations)

	tr.Update(func(s *models.SyncStatus) { s.PendingOperations = 1 })
	tr.Update(func(s *models.SyncStatus) { s.PendingOperations = 2 })

	latest := <-ch
	assert.Equal(t, 2, latest.PendingOperations)

	cancel()
	tr.Update(func(s *models.SyncStatus) { s.PendingOperations = 3 })
	select {
	case s := <-ch:
		t.Fatalf("unexpected status after cancel: %+v", s)
	default:
	}
}

func TestUpdatePublishesOnlyOnChange(t *testing.T) {
	bus := eventbus.New(slog.Default())
	var got []eventbus.Event
	bus.Register(eventbus.AddressRepository, eventbus.ListenerFunc(func(e eventbus.Event) error {
		got = append(got, e)
		return nil
	}))
	tr := NewTracker(models.SyncStatus{Online: true}, bus)

	tr.Update(func(s *models.SyncStatus) { s.PendingOperations = 1 })
	tr.Update(func(s *models.SyncStatus) { s.PendingOperations = 1 })

	require.Len(t, got, 1)
	assert.Equal(t, eventbus.SyncStatusChanged, got[0].Type)
	pending, _ := got[0].Data.Get("pendingOperations")
	assert.True(t, pending.Equal(models.Int(1)))
}
