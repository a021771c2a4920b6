package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/network"
	"github.com/Guizzs26/go-offline-sync/internal/processor"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
	"github.com/Guizzs26/go-offline-sync/internal/routing"
	"github.com/Guizzs26/go-offline-sync/internal/status"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"

	"github.com/google/uuid"
)

// OperationStore defines the contract for durable queue persistence
type OperationStore interface {
	Save(ctx context.Context, op *models.SyncOperation) error
	Get(ctx context.Context, id string) (*models.SyncOperation, error)
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, userID string, statuses ...models.OperationStatus) ([]*models.SyncOperation, error)
	ListForEntity(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.SyncOperation, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	ResetStale(ctx context.Context, now time.Time) (int, error)
	PurgeCompleted(ctx context.Context, before time.Time) (int, error)
	Counts(ctx context.Context, userID string) (map[models.OperationStatus]int, error)
}

// Dispatcher defines the contract for applying one operation remotely
type Dispatcher interface {
	Dispatch(ctx context.Context, op *models.SyncOperation) (processor.Outcome, error)
}

type QueueConfig struct {
	UserID          string
	DeviceID        string
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	RetentionWindow time.Duration
}

// SyncQueue is the durable operation queue and its state machine. It is the
// only writer of operation status; dispatches run strictly one at a time.
type SyncQueue struct {
	store      OperationStore
	dispatcher Dispatcher
	remote     remote.Store
	monitor    network.Monitor
	tracker    *status.Tracker
	bus        *eventbus.Bus
	cfg        QueueConfig
	logger     *slog.Logger
	now        func() time.Time

	// stateMu serializes status transitions against cancel and retry.
	stateMu sync.Mutex
	drainMu sync.Mutex
	kicked  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type QueueOption func(*SyncQueue)

func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *SyncQueue) { q.now = now }
}

// WithDeviceRecords makes the queue write the device sync record through rs after each drain.
func WithDeviceRecords(rs remote.Store) QueueOption {
	return func(q *SyncQueue) { q.remote = rs }
}

func NewSyncQueue(
	store OperationStore,
	dispatcher Dispatcher,
	monitor network.Monitor,
	tracker *status.Tracker,
	bus *eventbus.Bus,
	cfg QueueConfig,
	logger *slog.Logger,
	opts ...QueueOption,
) *SyncQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &SyncQueue{
		store:      store,
		dispatcher: dispatcher,
		monitor:    monitor,
		tracker:    tracker,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With("component", "queue"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Close stops background drains and waits for the one in flight to finish.
func (q *SyncQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *SyncQueue) Status() models.SyncStatus {
	return q.tracker.Snapshot()
}

func (q *SyncQueue) Observe() (<-chan models.SyncStatus, func()) {
	return q.tracker.Observe()
}

// Enqueue validates and persists op as pending. It returns once the operation
// is stored, not once it reaches the remote store.
func (q *SyncQueue) Enqueue(ctx context.Context, op *models.SyncOperation) (*models.SyncOperation, error) {
	if err := q.validate(op); err != nil {
		return nil, err
	}

	now := q.now()
	op = op.Clone()
	if op.OperationID == "" {
		op.OperationID = uuid.NewString()
	}
	if op.UserID == "" {
		op.UserID = q.cfg.UserID
	}
	if op.DeviceID == "" {
		op.DeviceID = q.cfg.DeviceID
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.cfg.MaxAttempts
	}
	op.UpdatedAt = now
	op.Status = models.StatusPending
	op.Attempts = 0
	op.LastAttemptTime = nil
	op.NextAttemptTime = nil
	op.CompletedAt = nil
	op.Error = nil
	op.ConflictType = ""

	if err := q.store.Save(ctx, op); err != nil {
		return nil, fmt.Errorf("persist operation: %w", err)
	}

	q.tracker.Update(func(s *models.SyncStatus) { s.PendingOperations++ })
	q.publish(eventbus.OperationEnqueued, op, nil)

	q.logger.Info("Operation enqueued",
		"op_id", op.OperationID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"operation", op.OperationType,
	)

	if q.monitor.IsConnected(ctx) {
		q.kick()
	}
	return op.Clone(), nil
}

func (q *SyncQueue) validate(op *models.SyncOperation) error {
	if op == nil {
		return apperrors.Validation("operation is required")
	}
	if op.EntityType == "" {
		return apperrors.Validation("entityType is required")
	}
	if op.OperationType == "" {
		return apperrors.Validation("operationType is required")
	}
	switch op.OperationType {
	case models.OpUpdate, models.OpDelete, models.OpUpdateTip:
		if op.EntityID == "" {
			return apperrors.Validation("entityId is required for %s", op.OperationType)
		}
	}
	if op.ConflictResolution != "" && !op.ConflictResolution.Valid() {
		return apperrors.Validation("unknown conflict resolution %q", op.ConflictResolution)
	}
	if op.UserID != "" && op.UserID != q.cfg.UserID {
		return apperrors.Security("operation belongs to another user")
	}
	return nil
}

// kick starts a background drain unless one is already queued.
func (q *SyncQueue) kick() {
	if q.ctx.Err() != nil || !q.kicked.CompareAndSwap(false, true) {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		err := q.ProcessPending(q.ctx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, apperrors.ErrOffline) {
			q.logger.Error("Background drain failed", "error", err)
		}
	}()
}

// ProcessPending drains every pending operation in priority order, one at a
// time. It fails only when the network is down at call time; individual
// dispatch failures are recorded on the operations themselves.
func (q *SyncQueue) ProcessPending(ctx context.Context) error {
	if !q.monitor.IsConnected(ctx) {
		q.tracker.Update(func(s *models.SyncStatus) { s.Online = false })
		return apperrors.New(apperrors.CodeNetwork, "network unavailable")
	}

	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	q.kicked.Store(false)

	start := time.Now()
	defer func() {
		metrics.DrainDuration.Observe(time.Since(start).Seconds())
	}()

	q.tracker.Update(func(s *models.SyncStatus) {
		s.Online = true
		s.Status = models.SyncSyncing
	})

	if _, err := q.store.PromoteDue(ctx, q.now()); err != nil {
		return q.finishDrain(ctx, 0, 0, fmt.Errorf("promote due operations: %w", err))
	}

	var processed, failed int
	for {
		ops, err := q.store.ListByStatus(ctx, q.cfg.UserID, models.StatusPending)
		if err != nil {
			return q.finishDrain(ctx, processed, failed, fmt.Errorf("fetch pending: %w", err))
		}
		if len(ops) == 0 {
			break
		}

		for _, op := range ops {
			if err := ctx.Err(); err != nil {
				q.logger.Warn("Drain interrupted, remaining operations stay pending")
				return q.finishDrain(ctx, processed, failed, err)
			}
			ok, err := q.dispatchOne(ctx, op.OperationID)
			if err != nil {
				return q.finishDrain(ctx, processed, failed, err)
			}
			processed++
			if !ok {
				failed++
			}
		}
	}

	return q.finishDrain(ctx, processed, failed, nil)
}

func (q *SyncQueue) finishDrain(ctx context.Context, processed, failed int, err error) error {
	now := q.now()
	after := q.tracker.Update(func(s *models.SyncStatus) {
		switch {
		case err != nil:
			s.Status = models.SyncError
			s.LastError = err.Error()
		case s.FailedOperations > 0:
			s.Status = models.SyncError
		default:
			s.Status = models.SyncIdle
			s.LastError = ""
		}
		if err == nil {
			s.LastSyncTime = models.TimePtr(now)
		}
	})

	if processed > 0 {
		q.logger.Info("Drain pass telemetry", "processed", processed, "failed", failed, "pending", after.PendingOperations)
	}
	q.writeDeviceRecord(ctx, after)
	return err
}

// dispatchOne moves one operation through inProgress to its next state. The
// boolean is false when the attempt failed. Errors are local storage failures.
func (q *SyncQueue) dispatchOne(ctx context.Context, id string) (bool, error) {
	q.stateMu.Lock()
	op, err := q.store.Get(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		// canceled after the pending scan
		q.stateMu.Unlock()
		return true, nil
	}
	if err != nil {
		q.stateMu.Unlock()
		return false, fmt.Errorf("load operation %s: %w", id, err)
	}
	if op.Status != models.StatusPending {
		q.stateMu.Unlock()
		return true, nil
	}

	now := q.now()
	op.Status = models.StatusInProgress
	op.Attempts++
	op.LastAttemptTime = models.TimePtr(now)
	op.NextAttemptTime = nil
	op.UpdatedAt = now
	err = q.store.Save(ctx, op)
	q.stateMu.Unlock()
	if err != nil {
		return false, fmt.Errorf("mark operation %s in progress: %w", id, err)
	}

	// Once dispatched, the mutation runs to completion even if the drain is canceled.
	runCtx := context.WithoutCancel(ctx)
	out, dispatchErr := q.dispatcher.Dispatch(runCtx, op)

	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	now = q.now()
	op.UpdatedAt = now
	if dispatchErr == nil {
		op.Status = models.StatusCompleted
		op.CompletedAt = models.TimePtr(now)
		op.Error = nil
		if op.EntityID == "" {
			op.EntityID = out.EntityID
		}
		if out.Conflict.IsConflict {
			op.ConflictType = string(out.Conflict.Type)
		}
		if err := q.store.Save(runCtx, op); err != nil {
			return false, fmt.Errorf("mark operation %s completed: %w", id, err)
		}

		q.tracker.Update(func(s *models.SyncStatus) { s.PendingOperations-- })
		metrics.OperationsProcessed.WithLabelValues(string(models.StatusCompleted), string(op.EntityType), string(op.OperationType)).Inc()
		if out.Conflict.IsConflict {
			q.publish(eventbus.OperationConflict, op, func(p *models.Payload) {
				p.Set("conflictType", models.String(string(out.Conflict.Type)))
				p.Set("strategy", models.String(string(out.Strategy)))
				p.Set("applied", models.Bool(out.Applied))
				p.Set("message", models.String(out.Conflict.Message))
			})
		}
		q.publish(eventbus.OperationCompleted, op, nil)
		return true, nil
	}

	op.Error = &models.OperationError{
		Code:      string(apperrors.CodeOf(dispatchErr)),
		Message:   dispatchErr.Error(),
		Timestamp: now,
	}

	l := q.logger.With("op_id", op.OperationID, "entity_type", op.EntityType, "entity_id", op.EntityID, "attempt", op.Attempts)

	if apperrors.IsRecoverable(dispatchErr) && op.CanRetry() {
		op.Status = models.StatusRetrying
		op.NextAttemptTime = models.TimePtr(now.Add(infra.ExponentialDelay(q.cfg.BackoffBase, q.cfg.BackoffMax, op.Attempts)))
		if err := q.store.Save(runCtx, op); err != nil {
			return false, fmt.Errorf("mark operation %s retrying: %w", id, err)
		}
		metrics.OperationsProcessed.WithLabelValues(string(models.StatusRetrying), string(op.EntityType), string(op.OperationType)).Inc()
		l.Warn("Dispatch failed, retry scheduled", "next_attempt", *op.NextAttemptTime, "error", dispatchErr)
		return false, nil
	}

	op.Status = models.StatusFailed
	if err := q.store.Save(runCtx, op); err != nil {
		return false, fmt.Errorf("mark operation %s failed: %w", id, err)
	}
	q.tracker.Update(func(s *models.SyncStatus) {
		s.PendingOperations--
		s.FailedOperations++
		s.LastError = op.Error.Message
	})
	metrics.OperationsProcessed.WithLabelValues(string(models.StatusFailed), string(op.EntityType), string(op.OperationType)).Inc()
	q.publish(eventbus.OperationFailed, op, func(p *models.Payload) {
		p.Set("errorCode", models.String(op.Error.Code))
		p.Set("error", models.String(op.Error.Message))
	})
	l.Error("Operation failed permanently", "error", dispatchErr)
	return false, nil
}

// Get returns one operation of the current user.
func (q *SyncQueue) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	op, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.UserID != q.cfg.UserID {
		return nil, apperrors.Security("operation %s belongs to another user", id)
	}
	return op, nil
}

// List returns the current user's operations in dispatch order. No statuses means all.
func (q *SyncQueue) List(ctx context.Context, statuses ...models.OperationStatus) ([]*models.SyncOperation, error) {
	return q.store.ListByStatus(ctx, q.cfg.UserID, statuses...)
}

// Retry moves a failed or retrying operation back to pending.
func (q *SyncQueue) Retry(ctx context.Context, id string) error {
	if err := q.retry(ctx, id); err != nil {
		return err
	}
	if q.monitor.IsConnected(ctx) {
		q.kick()
	}
	return nil
}

func (q *SyncQueue) retry(ctx context.Context, id string) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	prev := op.Status
	switch prev {
	case models.StatusFailed:
		// a manual retry grants a fresh set of attempts
		op.Attempts = 0
	case models.StatusRetrying:
	default:
		return apperrors.IllegalState("cannot retry operation %s in status %s", id, prev)
	}

	op.Status = models.StatusPending
	op.NextAttemptTime = nil
	op.UpdatedAt = q.now()
	if err := q.store.Save(ctx, op); err != nil {
		return fmt.Errorf("persist retry: %w", err)
	}

	if prev == models.StatusFailed {
		q.tracker.Update(func(s *models.SyncStatus) {
			s.FailedOperations--
			s.PendingOperations++
		})
	}
	q.logger.Info("Operation re-enqueued", "op_id", id, "from", prev)
	return nil
}

// RetryAllFailed re-enqueues every failed operation of the current user.
func (q *SyncQueue) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := q.store.ListByStatus(ctx, q.cfg.UserID, models.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("list failed operations: %w", err)
	}

	n := 0
	for _, op := range failed {
		if err := q.retry(ctx, op.OperationID); err != nil {
			if apperrors.Is(err, apperrors.CodeIllegalState) || errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 && q.monitor.IsConnected(ctx) {
		q.kick()
	}
	return n, nil
}

// Cancel removes an operation that has not been dispatched yet, or a failed one.
func (q *SyncQueue) Cancel(ctx context.Context, id string) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	switch op.Status {
	case models.StatusPending, models.StatusRetrying, models.StatusFailed:
	default:
		return apperrors.IllegalState("cannot cancel operation %s in status %s", id, op.Status)
	}

	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}

	q.tracker.Update(func(s *models.SyncStatus) {
		if op.Status == models.StatusFailed {
			s.FailedOperations--
		} else {
			s.PendingOperations--
		}
	})
	q.logger.Info("Operation canceled", "op_id", id, "status", op.Status)
	return nil
}

// History lists the current user's operations for one entity, oldest first.
func (q *SyncQueue) History(ctx context.Context, entityType models.EntityType, entityID string) ([]*models.SyncOperation, error) {
	ops, err := q.store.ListForEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	out := ops[:0]
	for _, op := range ops {
		if op.UserID == q.cfg.UserID {
			out = append(out, op)
		}
	}
	return out, nil
}

// HasPending reports whether the entity still has work waiting to reach the remote store.
func (q *SyncQueue) HasPending(ctx context.Context, entityType models.EntityType, entityID string) (bool, error) {
	ops, err := q.History(ctx, entityType, entityID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

// SetBackgroundSyncEnabled toggles draining on reconnect. Manual drains always work.
func (q *SyncQueue) SetBackgroundSyncEnabled(enabled bool) {
	q.tracker.Update(func(s *models.SyncStatus) { s.BackgroundSyncEnabled = enabled })
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{
			Type:   eventbus.ConfigUpdated,
			Source: eventbus.ConfigRepository,
			Data:   models.PayloadOf("key", "backgroundSync", "value", enabled),
		})
	}
}

// Reconcile recovers from a crash: operations stuck inProgress go back to
// pending and the status counters are rebuilt from the store.
func (q *SyncQueue) Reconcile(ctx context.Context) error {
	reset, err := q.store.ResetStale(ctx, q.now())
	if err != nil {
		return fmt.Errorf("reset stale operations: %w", err)
	}
	if reset > 0 {
		q.logger.Warn("Recovered operations left in progress", "count", reset)
	}

	counts, err := q.store.Counts(ctx, q.cfg.UserID)
	if err != nil {
		return fmt.Errorf("count operations: %w", err)
	}
	online := q.monitor.IsConnected(ctx)
	q.tracker.Update(func(s *models.SyncStatus) {
		s.Online = online
		s.PendingOperations = counts[models.StatusPending] + counts[models.StatusRetrying] + counts[models.StatusInProgress]
		s.FailedOperations = counts[models.StatusFailed]
		if s.FailedOperations > 0 {
			s.Status = models.SyncError
		}
	})
	return nil
}

// Maintain promotes retrying operations whose backoff elapsed and purges
// completed ones older than the retention window.
func (q *SyncQueue) Maintain(ctx context.Context) error {
	now := q.now()

	q.stateMu.Lock()
	promoted, err := q.store.PromoteDue(ctx, now)
	q.stateMu.Unlock()
	if err != nil {
		return fmt.Errorf("promote due operations: %w", err)
	}

	if q.cfg.RetentionWindow > 0 {
		purged, err := q.store.PurgeCompleted(ctx, now.Add(-q.cfg.RetentionWindow))
		if err != nil {
			return fmt.Errorf("purge completed operations: %w", err)
		}
		if purged > 0 {
			metrics.OperationsPurged.Add(float64(purged))
			q.logger.Info("Purged completed operations", "count", purged)
		}
	}

	if promoted > 0 && q.monitor.IsConnected(ctx) {
		q.kick()
	}
	return nil
}

func (q *SyncQueue) publish(t eventbus.EventType, op *models.SyncOperation, extra func(p *models.Payload)) {
	if q.bus == nil {
		return
	}
	data := models.PayloadOf(
		"operationId", op.OperationID,
		"operationType", string(op.OperationType),
		"entityType", string(op.EntityType),
		"entityId", op.EntityID,
		"status", string(op.Status),
		"attempts", op.Attempts,
	)
	if extra != nil {
		extra(&data)
	}
	q.bus.Publish(eventbus.Event{Type: t, Source: eventbus.SyncRepository, Data: data})
}

func (q *SyncQueue) writeDeviceRecord(ctx context.Context, s models.SyncStatus) {
	if q.remote == nil || q.cfg.DeviceID == "" {
		return
	}
	collection, err := routing.Collection(models.EntityUserDevice)
	if err != nil {
		return
	}
	record := models.DeviceSyncRecord{
		UserID:            q.cfg.UserID,
		DeviceID:          q.cfg.DeviceID,
		LastSyncTime:      s.LastSyncTime,
		LastActive:        q.now(),
		Status:            s.Status,
		PendingOperations: s.PendingOperations,
		LastError:         s.LastError,
	}
	id := q.cfg.UserID + "_" + q.cfg.DeviceID
	if err := q.remote.Set(context.WithoutCancel(ctx), collection, id, record.ToPayload()); err != nil {
		q.logger.Warn("Device sync record not written", "error", err)
	}
}
