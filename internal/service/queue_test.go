package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/cache"
	"github.com/Guizzs26/go-offline-sync/internal/conflict"
	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/network"
	"github.com/Guizzs26/go-offline-sync/internal/processor"
	"github.com/Guizzs26/go-offline-sync/internal/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type scriptedDispatcher struct {
	mu    sync.Mutex
	calls []*models.SyncOperation
	fn    func(op *models.SyncOperation) (processor.Outcome, error)
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, op *models.SyncOperation) (processor.Outcome, error) {
	d.mu.Lock()
	d.calls = append(d.calls, op.Clone())
	d.mu.Unlock()
	return d.fn(op)
}

func (d *scriptedDispatcher) Calls() []*models.SyncOperation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*models.SyncOperation(nil), d.calls...)
}

type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) OnEvent(e eventbus.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Count(t eventbus.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	ops     *db.MemoryOperationStore
	remote  *db.MemoryDocumentStore
	cache   *cache.MemoryCache
	monitor *network.ManualMonitor
	tracker *status.Tracker
	bus     *eventbus.Bus
	events  *recorder
	clock   *fakeClock
	queue   *SyncQueue
}

func newHarness(t *testing.T, online bool, dispatcher Dispatcher, opts ...QueueOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		ops:     db.NewMemoryOperationStore(),
		remote:  db.NewMemoryDocumentStore(),
		cache:   cache.NewMemoryCache(time.Minute),
		monitor: network.NewManualMonitor(online),
		bus:     eventbus.New(logger),
		events:  &recorder{},
		clock:   &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.bus.Register(eventbus.DeliveryRepository, h.events)
	h.tracker = status.NewTracker(models.SyncStatus{Online: online, BackgroundSyncEnabled: true}, h.bus)

	if dispatcher == nil {
		dispatcher = processor.NewDispatcher(h.remote, conflict.NewDetector(), h.cache, logger, processor.WithClock(h.clock.Now))
	}

	opts = append([]QueueOption{WithQueueClock(h.clock.Now)}, opts...)
	h.queue = NewSyncQueue(h.ops, dispatcher, h.monitor, h.tracker, h.bus, QueueConfig{
		UserID:          "u1",
		DeviceID:        "d1",
		MaxAttempts:     3,
		BackoffBase:     time.Second,
		BackoffMax:      time.Minute,
		RetentionWindow: time.Hour,
	}, logger, opts...)
	t.Cleanup(h.queue.Close)
	return h
}

func deliveryUpdate(id string) *models.SyncOperation {
	data := models.PayloadOf("status", "delivered", "notes", "left at door")
	return &models.SyncOperation{
		OperationType:      models.OpUpdate,
		EntityType:         models.EntityDelivery,
		EntityID:           id,
		Data:               &data,
		ConflictResolution: models.ClientWins,
	}
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, nil)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	noID := deliveryUpdate("")
	_, err = h.queue.Enqueue(ctx, noID)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	noType := deliveryUpdate("1")
	noType.EntityType = ""
	_, err = h.queue.Enqueue(ctx, noType)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	badPolicy := deliveryUpdate("1")
	badPolicy.ConflictResolution = "coinFlip"
	_, err = h.queue.Enqueue(ctx, badPolicy)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	foreign := deliveryUpdate("1")
	foreign.UserID = "someone-else"
	_, err = h.queue.Enqueue(ctx, foreign)
	assert.True(t, apperrors.Is(err, apperrors.CodeSecurity))

	assert.Equal(t, 0, h.queue.Status().PendingOperations)
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	h := newHarness(t, false, nil)

	op, err := h.queue.Enqueue(context.Background(), deliveryUpdate("42"))
	require.NoError(t, err)
	assert.NotEmpty(t, op.OperationID)
	assert.Equal(t, "u1", op.UserID)
	assert.Equal(t, "d1", op.DeviceID)
	assert.Equal(t, models.StatusPending, op.Status)
	assert.Equal(t, 3, op.MaxAttempts)
	assert.Equal(t, h.clock.Now(), op.CreatedAt)
	assert.Equal(t, 1, h.events.Count(eventbus.OperationEnqueued))
}

func TestEnqueueThenCancelRestoresPendingCount(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, deliveryUpdate("7"))
	require.NoError(t, err)
	before := h.queue.Status().PendingOperations

	op, err := h.queue.Enqueue(ctx, deliveryUpdate("8"))
	require.NoError(t, err)
	assert.Equal(t, before+1, h.queue.Status().PendingOperations)

	require.NoError(t, h.queue.Cancel(ctx, op.OperationID))
	assert.Equal(t, before, h.queue.Status().PendingOperations)

	_, err = h.ops.Get(ctx, op.OperationID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCancelInProgressIsIllegal(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	op := deliveryUpdate("9")
	op.OperationID = "busy"
	op.UserID = "u1"
	op.Status = models.StatusInProgress
	require.NoError(t, h.ops.Save(ctx, op))

	err := h.queue.Cancel(ctx, "busy")
	assert.True(t, apperrors.Is(err, apperrors.CodeIllegalState))

	foreign := deliveryUpdate("10")
	foreign.OperationID = "foreign"
	foreign.UserID = "u2"
	foreign.Status = models.StatusPending
	require.NoError(t, h.ops.Save(ctx, foreign))
	err = h.queue.Cancel(ctx, "foreign")
	assert.True(t, apperrors.Is(err, apperrors.CodeSecurity))
}

func TestOfflineEnqueueDrainsWhenOnline(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	op, err := h.queue.Enqueue(ctx, deliveryUpdate("42"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.queue.Status().PendingOperations)
	assert.Equal(t, models.SyncOffline, h.queue.Status().Status)

	err = h.queue.ProcessPending(ctx)
	assert.ErrorIs(t, err, apperrors.ErrOffline)

	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))

	s := h.queue.Status()
	assert.Equal(t, 0, s.PendingOperations)
	assert.Equal(t, models.SyncIdle, s.Status)
	assert.NotNil(t, s.LastSyncTime)
	assert.Equal(t, 1, h.events.Count(eventbus.OperationCompleted))

	stored, err := h.ops.Get(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.NotNil(t, stored.CompletedAt)

	doc, ok := h.remote.Document("deliveries", "42")
	require.True(t, ok)
	v, _ := doc.Get("status")
	assert.Equal(t, "delivered", v.String())
}

func TestRecoverableFailuresExhaustAttempts(t *testing.T) {
	d := &scriptedDispatcher{fn: func(op *models.SyncOperation) (processor.Outcome, error) {
		return processor.Outcome{}, apperrors.New(apperrors.CodeNetwork, "connection reset")
	}}
	h := newHarness(t, false, d)
	ctx := context.Background()

	op, err := h.queue.Enqueue(ctx, deliveryUpdate("42"))
	require.NoError(t, err)
	h.monitor.Set(true)

	var seen []models.OperationStatus
	for pass := 1; pass <= 3; pass++ {
		require.NoError(t, h.queue.ProcessPending(ctx))
		stored, err := h.ops.Get(ctx, op.OperationID)
		require.NoError(t, err)
		seen = append(seen, stored.Status)
		assert.Equal(t, pass, stored.Attempts)

		if stored.Status == models.StatusRetrying {
			require.NotNil(t, stored.NextAttemptTime)
			expected := h.clock.Now().Add(time.Duration(1<<pass) * time.Second)
			assert.Equal(t, expected, *stored.NextAttemptTime)
			assert.Equal(t, 0, h.queue.Status().FailedOperations)
		}
		h.clock.Advance(time.Minute)
	}

	assert.Equal(t, []models.OperationStatus{models.StatusRetrying, models.StatusRetrying, models.StatusFailed}, seen)
	for _, call := range d.Calls() {
		assert.Equal(t, models.StatusInProgress, call.Status)
	}

	s := h.queue.Status()
	assert.Equal(t, 1, s.FailedOperations)
	assert.Equal(t, 0, s.PendingOperations)
	assert.Equal(t, models.SyncError, s.Status)
	assert.Equal(t, 1, h.events.Count(eventbus.OperationFailed))

	// Further passes leave the failed operation alone.
	require.NoError(t, h.queue.ProcessPending(ctx))
	assert.Len(t, d.Calls(), 3)
}

func TestRetryingOperationWaitsForBackoff(t *testing.T) {
	d := &scriptedDispatcher{fn: func(op *models.SyncOperation) (processor.Outcome, error) {
		return processor.Outcome{}, apperrors.New(apperrors.CodeTransient, "busy")
	}}
	h := newHarness(t, false, d)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, deliveryUpdate("42"))
	require.NoError(t, err)
	h.monitor.Set(true)

	require.NoError(t, h.queue.ProcessPending(ctx))
	require.NoError(t, h.queue.ProcessPending(ctx))
	assert.Len(t, d.Calls(), 1, "backoff not elapsed")

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.queue.ProcessPending(ctx))
	assert.Len(t, d.Calls(), 2)
}

func TestNonRecoverableFailureSkipsRetry(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	op := deliveryUpdate("42")
	op.OperationType = "archive"
	queued, err := h.queue.Enqueue(ctx, op)
	require.NoError(t, err)

	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))

	stored, err := h.ops.Get(ctx, queued.OperationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.Error)
	assert.Equal(t, string(apperrors.CodeUnsupported), stored.Error.Code)
	assert.Equal(t, 1, h.queue.Status().FailedOperations)
}

func TestRetryFailedOperation(t *testing.T) {
	fail := true
	var mu sync.Mutex
	d := &scriptedDispatcher{fn: func(op *models.SyncOperation) (processor.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return processor.Outcome{}, apperrors.Validation("rejected")
		}
		return processor.Outcome{EntityID: op.EntityID, Applied: true}, nil
	}}
	h := newHarness(t, false, d)
	ctx := context.Background()

	op, err := h.queue.Enqueue(ctx, deliveryUpdate("42"))
	require.NoError(t, err)
	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))
	require.Equal(t, 1, h.queue.Status().FailedOperations)

	err = h.queue.Retry(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	h.monitor.Set(false)
	require.NoError(t, h.queue.Retry(ctx, op.OperationID))
	s := h.queue.Status()
	assert.Equal(t, 0, s.FailedOperations)
	assert.Equal(t, 1, s.PendingOperations)

	err = h.queue.Retry(ctx, op.OperationID)
	assert.True(t, apperrors.Is(err, apperrors.CodeIllegalState), "pending is not retryable")

	mu.Lock()
	fail = false
	mu.Unlock()
	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))

	stored, err := h.ops.Get(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, 0, h.queue.Status().PendingOperations)
}

func TestRetryAllFailed(t *testing.T) {
	d := &scriptedDispatcher{fn: func(op *models.SyncOperation) (processor.Outcome, error) {
		return processor.Outcome{}, apperrors.Unsupported("nope")
	}}
	h := newHarness(t, false, d)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, err := h.queue.Enqueue(ctx, deliveryUpdate(id))
		require.NoError(t, err)
	}
	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))
	require.Equal(t, 3, h.queue.Status().FailedOperations)

	h.monitor.Set(false)
	n, err := h.queue.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, h.queue.Status().FailedOperations)
	assert.Equal(t, 3, h.queue.Status().PendingOperations)
}

func TestDrainOrderIsPriorityThenAge(t *testing.T) {
	d := &scriptedDispatcher{fn: func(op *models.SyncOperation) (processor.Outcome, error) {
		return processor.Outcome{EntityID: op.EntityID, Applied: true}, nil
	}}
	h := newHarness(t, false, d)
	ctx := context.Background()

	for _, tc := range []struct {
		id       string
		priority int
	}{{"old-low", 0}, {"high", 5}, {"new-low", 0}, {"mid", 2}} {
		op := deliveryUpdate(tc.id)
		op.Priority = tc.priority
		_, err := h.queue.Enqueue(ctx, op)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}

	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))

	var order []string
	for _, call := range d.Calls() {
		order = append(order, call.EntityID)
	}
	assert.Equal(t, []string{"high", "mid", "old-low", "new-low"}, order)
}

func TestBackgroundDrainOnEnqueueWhenOnline(t *testing.T) {
	h := newHarness(t, true, nil)

	_, err := h.queue.Enqueue(context.Background(), deliveryUpdate("42"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return h.queue.Status().PendingOperations == 0 && h.events.Count(eventbus.OperationCompleted) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentDrainsDispatchEachOperationOnce(t *testing.T) {
	var (
		mu       sync.Mutex
		inFlight = make(map[string]int)
		maxSeen  int
		perOp    = make(map[string]int)
	)
	d := &scriptedDispatcher{fn: func(op *models.SyncOperation) (processor.Outcome, error) {
		key := string(op.EntityType) + "/" + op.EntityID
		mu.Lock()
		inFlight[key]++
		perOp[op.OperationID]++
		if inFlight[key] > maxSeen {
			maxSeen = inFlight[key]
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		inFlight[key]--
		mu.Unlock()
		return processor.Outcome{EntityID: op.EntityID, Applied: true}, nil
	}}
	h := newHarness(t, true, d)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 12; i++ {
		id := "42"
		if i%3 == 0 {
			id = "7"
		}
		op, err := h.queue.Enqueue(ctx, deliveryUpdate(id))
		require.NoError(t, err)
		ids = append(ids, op.OperationID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.queue.ProcessPending(ctx))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		done, err := h.ops.ListByStatus(ctx, "u1", models.StatusCompleted)
		return err == nil && len(done) == len(ids)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen, "an entity never has two writes in flight")
	for _, id := range ids {
		assert.Equal(t, 1, perOp[id], "operation %s", id)
	}
	assert.Len(t, d.Calls(), len(ids))
}

func TestReconcileRecoversStaleOperations(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	stale := deliveryUpdate("1")
	stale.OperationID = "stale"
	stale.UserID = "u1"
	stale.Status = models.StatusInProgress
	require.NoError(t, h.ops.Save(ctx, stale))

	failed := deliveryUpdate("2")
	failed.OperationID = "failed"
	failed.UserID = "u1"
	failed.Status = models.StatusFailed
	require.NoError(t, h.ops.Save(ctx, failed))

	require.NoError(t, h.queue.Reconcile(ctx))

	op, err := h.ops.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, op.Status)

	s := h.queue.Status()
	assert.Equal(t, 1, s.PendingOperations)
	assert.Equal(t, 1, s.FailedOperations)
}

func TestHistoryAndHasPending(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, deliveryUpdate("42"))
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.queue.Enqueue(ctx, deliveryUpdate("42"))
	require.NoError(t, err)

	history, err := h.queue.History(ctx, models.EntityDelivery, "42")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.True(t, history[0].CreatedAt.Before(history[1].CreatedAt))

	pending, err := h.queue.HasPending(ctx, models.EntityDelivery, "42")
	require.NoError(t, err)
	assert.True(t, pending)

	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))

	pending, err = h.queue.HasPending(ctx, models.EntityDelivery, "42")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestMaintainPurgesCompleted(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	op, err := h.queue.Enqueue(ctx, deliveryUpdate("42"))
	require.NoError(t, err)
	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))

	require.NoError(t, h.queue.Maintain(ctx))
	_, err = h.ops.Get(ctx, op.OperationID)
	require.NoError(t, err, "inside retention window")

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.queue.Maintain(ctx))
	_, err = h.ops.Get(ctx, op.OperationID)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestDeviceRecordWrittenAfterDrain(t *testing.T) {
	remote := db.NewMemoryDocumentStore()
	h := newHarness(t, false, nil, WithDeviceRecords(remote))
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, deliveryUpdate("42"))
	require.NoError(t, err)
	h.monitor.Set(true)
	require.NoError(t, h.queue.ProcessPending(ctx))

	doc, ok := remote.Document("user_devices", "u1_d1")
	require.True(t, ok)
	v, _ := doc.Get("deviceId")
	assert.Equal(t, "d1", v.String())
	assert.True(t, doc.Has("lastSyncTime"))
}

func TestBackgroundSyncToggle(t *testing.T) {
	h := newHarness(t, false, nil)
	configEvents := &recorder{}
	h.bus.Register(eventbus.AddressRepository, configEvents)

	h.queue.SetBackgroundSyncEnabled(false)
	assert.False(t, h.queue.Status().BackgroundSyncEnabled)
	assert.Equal(t, 1, configEvents.Count(eventbus.ConfigUpdated))
}
