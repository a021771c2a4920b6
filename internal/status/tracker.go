// Package status owns the aggregate SyncStatus. All writes go through Tracker.Update,
// which serializes read-modify-write cycles; readers get copies.
package status

import (
	"sync"

	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

type Tracker struct {
	mu    sync.Mutex
	state models.SyncStatus
	subs  map[uint64]chan models.SyncStatus
	next  uint64
	bus   *eventbus.Bus
}

// NewTracker creates a tracker. bus may be nil.
func NewTracker(initial models.SyncStatus, bus *eventbus.Bus) *Tracker {
	if initial.Status == "" {
		initial.Status = models.SyncIdle
	}
	t := &Tracker{
		state: initial,
		subs:  make(map[uint64]chan models.SyncStatus),
		bus:   bus,
	}
	t.export(initial)
	return t
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() models.SyncStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return clone(t.state)
}

// Update applies fn atomically and notifies observers if anything changed.
// Counters never go below zero.
func (t *Tracker) Update(fn func(s *models.SyncStatus)) models.SyncStatus {
	t.mu.Lock()
	before := clone(t.state)
	fn(&t.state)
	t.state.PendingOperations = max(0, t.state.PendingOperations)
	t.state.FailedOperations = max(0, t.state.FailedOperations)
	if !t.state.Online {
		t.state.Status = models.SyncOffline
	} else if t.state.Status == models.SyncOffline {
		t.state.Status = models.SyncIdle
	}
	after := clone(t.state)
	changed := !equal(before, after)
	if changed {
		for _, ch := range t.subs {
			offer(ch, after)
		}
	}
	t.mu.Unlock()

	if changed {
		t.export(after)
		if t.bus != nil {
			t.bus.Publish(eventbus.Event{
				Type:   eventbus.SyncStatusChanged,
				Source: eventbus.SyncRepository,
				Data:   toPayload(after),
			})
		}
	}
	return after
}

// Observe returns a channel that always holds the latest status after a change.
// Slow observers miss intermediate values, never the last one.
func (t *Tracker) Observe() (<-chan models.SyncStatus, func()) {
	ch := make(chan models.SyncStatus, 1)
	t.mu.Lock()
	t.next++
	id := t.next
	t.subs[id] = ch
	ch <- clone(t.state)
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func offer(ch chan models.SyncStatus, s models.SyncStatus) {
	select {
	case <-ch:
	default:
	}
	ch <- s
}

func (t *Tracker) export(s models.SyncStatus) {
	metrics.PendingOperations.Set(float64(s.PendingOperations))
	metrics.FailedOperations.Set(float64(s.FailedOperations))
	if s.Online {
		metrics.NetworkOnline.Set(1)
	} else {
		metrics.NetworkOnline.Set(0)
	}
}

func clone(s models.SyncStatus) models.SyncStatus {
	if s.LastSyncTime != nil {
		ts := *s.LastSyncTime
		s.LastSyncTime = &ts
	}
	return s
}

func equal(a, b models.SyncStatus) bool {
	if (a.LastSyncTime == nil) != (b.LastSyncTime == nil) {
		return false
	}
	if a.LastSyncTime != nil && !a.LastSyncTime.Equal(*b.LastSyncTime) {
		return false
	}
	a.LastSyncTime, b.LastSyncTime = nil, nil
	return a == b
}

func toPayload(s models.SyncStatus) models.Payload {
	p := models.NewPayload()
	p.Set("online", models.Bool(s.Online))
	p.Set("status", models.String(string(s.Status)))
	p.Set("pendingOperations", models.Int(int64(s.PendingOperations)))
	p.Set("failedOperations", models.Int(int64(s.FailedOperations)))
	if s.LastSyncTime != nil {
		p.Set("lastSyncTime", models.Time(*s.LastSyncTime))
	}
	if s.LastError != "" {
		p.Set("lastError", models.String(s.LastError))
	}
	p.Set("backgroundSyncEnabled", models.Bool(s.BackgroundSyncEnabled))
	return p
}
