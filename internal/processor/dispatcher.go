package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/cache"
	"github.com/Guizzs26/go-offline-sync/internal/conflict"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
	"github.com/Guizzs26/go-offline-sync/internal/routing"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"

	"github.com/google/uuid"
)

// Outcome describes what a successful dispatch did on the remote side.
type Outcome struct {
	// EntityID is the id written, generated for creates that had none.
	EntityID string
	Conflict conflict.Result
	Strategy models.ConflictResolution
	// Applied is false when the server version was kept and nothing was written.
	Applied bool
}

// Dispatcher applies one SyncOperation to the remote store. It does not touch
// the operation's state; the queue owns the state machine.
type Dispatcher struct {
	store    remote.Store
	detector *conflict.Detector
	cache    cache.Store
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Dispatcher)

// WithClock overrides the time source used for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher builds a dispatcher. cacheStore may be nil.
func NewDispatcher(store remote.Store, detector *conflict.Detector, cacheStore cache.Store, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		detector: detector,
		cache:    cacheStore,
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes op against the remote store and invalidates the cache on success.
// Returned errors carry an apperrors code so callers can classify them.
func (d *Dispatcher) Dispatch(ctx context.Context, op *models.SyncOperation) (out Outcome, err error) {
	start := time.Now()

	defer func() {
		status := "success"
		if err != nil {
			if apperrors.IsRecoverable(err) {
				status = "transient_error"
			} else {
				status = "fatal_error"
			}
		}
		metrics.DispatchDuration.WithLabelValues(status, string(op.EntityType)).Observe(time.Since(start).Seconds())
	}()

	l := d.logger.With(
		"op_id", op.OperationID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"operation", op.OperationType,
		"attempt", op.Attempts,
	)

	collection, err := routing.Collection(op.EntityType)
	if err != nil {
		l.Error("Fatal: entity type has no collection")
		return Outcome{}, err
	}

	switch op.OperationType {
	case models.OpCreate:
		out, err = d.create(ctx, collection, op)
	case models.OpUpdate:
		out, err = d.update(ctx, collection, op)
	case models.OpDelete:
		out, err = d.delete(ctx, collection, op)
	case models.OpUpdateTip:
		out, err = d.updateTip(ctx, collection, op)
	default:
		err = apperrors.Unsupported("unsupported operation type %q", op.OperationType)
	}

	if err != nil {
		l.Warn("Dispatch failed", "error", err, "recoverable", apperrors.IsRecoverable(err))
		return Outcome{}, err
	}

	if out.Conflict.IsConflict {
		metrics.Conflicts.WithLabelValues(string(out.Conflict.Type), string(out.Strategy)).Inc()
		l.Info("Conflict resolved", "conflict_type", out.Conflict.Type, "strategy", out.Strategy, "applied", out.Applied)
	}

	// Rejected writes still invalidate: the cache may hold the optimistic value.
	d.invalidate(ctx, op.EntityType, out.EntityID, op.UserID)
	l.Debug("Dispatched to remote store", "applied", out.Applied)
	return out, nil
}

func (d *Dispatcher) create(ctx context.Context, collection string, op *models.SyncOperation) (Outcome, error) {
	id := op.EntityID
	if id == "" {
		id = uuid.NewString()
	}

	now := d.now().UTC()
	doc := op.Payload().Clone()
	if !doc.Has(models.FieldCreatedAt) {
		doc.Set(models.FieldCreatedAt, models.Time(now))
	}
	doc.Set(models.FieldUpdatedAt, models.Time(now))
	if !doc.Has(models.FieldVersion) {
		doc.Set(models.FieldVersion, models.Int(1))
	}

	if err := d.store.Set(ctx, collection, id, doc); err != nil {
		return Outcome{}, err
	}
	return Outcome{EntityID: id, Conflict: conflict.Result{Type: conflict.None}, Applied: true}, nil
}

func (d *Dispatcher) update(ctx context.Context, collection string, op *models.SyncOperation) (Outcome, error) {
	if op.EntityID == "" {
		return Outcome{}, apperrors.Validation("update requires an entity id")
	}

	snap, err := d.store.Get(ctx, collection, op.EntityID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return d.create(ctx, collection, op)
	}
	if err != nil {
		return Outcome{}, err
	}

	result := conflict.Result{Type: conflict.None}
	if conflict.NeedsDetection(op) {
		result = d.detector.Detect(op, snap.Data)
	}
	strategy := d.detector.StrategyFor(op, result)

	out := Outcome{EntityID: op.EntityID, Conflict: result, Strategy: strategy}
	partial, write := conflict.Resolve(strategy, result, op, snap.Data)
	if !write {
		return out, nil
	}

	if err := d.commit(ctx, collection, op.EntityID, snap.Data, partial); err != nil {
		return Outcome{}, err
	}
	out.Applied = true
	return out, nil
}

func (d *Dispatcher) updateTip(ctx context.Context, collection string, op *models.SyncOperation) (Outcome, error) {
	if op.EntityID == "" {
		return Outcome{}, apperrors.Validation("updateTip requires an entity id")
	}
	tip, ok := op.Payload().Get(models.FieldTipAmount)
	if !ok || !tip.IsNumber() {
		return Outcome{}, apperrors.Validation("updateTip requires a numeric %s", models.FieldTipAmount)
	}

	partial := models.NewPayload()
	partial.Set(models.FieldTipAmount, tip)
	err := d.commit(ctx, collection, op.EntityID, models.Payload{}, partial)
	if errors.Is(err, apperrors.ErrNotFound) {
		// Retrying cannot make a missing delivery appear.
		return Outcome{}, apperrors.Wrap(apperrors.CodeValidation, "tip target does not exist", err)
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{EntityID: op.EntityID, Conflict: conflict.Result{Type: conflict.None}, Applied: true}, nil
}

func (d *Dispatcher) delete(ctx context.Context, collection string, op *models.SyncOperation) (Outcome, error) {
	if op.EntityID == "" {
		return Outcome{}, apperrors.Validation("delete requires an entity id")
	}
	err := d.store.Delete(ctx, collection, op.EntityID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return Outcome{}, err
	}
	return Outcome{EntityID: op.EntityID, Conflict: conflict.Result{Type: conflict.None}, Applied: true}, nil
}

// commit writes partial inside a transaction with an optimistic version check.
// A zero seen payload skips the check.
func (d *Dispatcher) commit(ctx context.Context, collection, id string, seen, partial models.Payload) error {
	return d.store.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		current, err := tx.Get(ctx, collection, id)
		if err != nil {
			return err
		}
		if !seen.IsEmpty() && !sameVersion(seen, current.Data) {
			return apperrors.New(apperrors.CodeTransient, "document changed since it was read")
		}

		doc := partial.Clone()
		if next, ok := conflict.NextVersion(current.Data); ok {
			doc.Set(models.FieldVersion, next)
		}
		doc.Set(models.FieldUpdatedAt, models.Time(d.now().UTC()))
		return tx.Update(ctx, collection, id, doc)
	})
}

func sameVersion(a, b models.Payload) bool {
	av, aok := a.Get(models.FieldVersion)
	bv, bok := b.Get(models.FieldVersion)
	if aok || bok {
		return aok == bok && av.Equal(bv)
	}
	at, aok := conflict.ExtractTimestamp(a)
	bt, bok := conflict.ExtractTimestamp(b)
	return aok == bok && at.Equal(bt)
}

func (d *Dispatcher) invalidate(ctx context.Context, entityType models.EntityType, entityID, userID string) {
	if d.cache == nil {
		return
	}
	inv := routing.InvalidationFor(entityType, entityID, userID)
	for _, key := range inv.Keys {
		if err := d.cache.Invalidate(ctx, key); err != nil {
			d.logger.Warn("Cache invalidation failed", "key", key, "error", err)
		}
	}
	for _, prefix := range inv.Prefixes {
		if err := d.cache.InvalidatePrefix(ctx, prefix); err != nil {
			d.logger.Warn("Cache prefix invalidation failed", "prefix", prefix, "error", err)
		}
	}
}
