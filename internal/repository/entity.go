// Package repository is the thin layer domain code uses to read and write one
// entity type: reads go through the cache, writes are applied to the cache
// optimistically and queued for the remote store.
package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/cache"
	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
	"github.com/Guizzs26/go-offline-sync/internal/routing"

	"github.com/google/uuid"
)

// Enqueuer is the part of the sync queue a repository needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, op *models.SyncOperation) (*models.SyncOperation, error)
}

// listField holds the documents of a cached collection.
const listField = "items"

type EntityRepository struct {
	entityType models.EntityType
	collection string
	remote     remote.Store
	loader     *cache.Loader
	queue      Enqueuer
	userID     string
	logger     *slog.Logger
}

func New(entityType models.EntityType, rs remote.Store, loader *cache.Loader, queue Enqueuer, userID string, logger *slog.Logger) (*EntityRepository, error) {
	collection, err := routing.Collection(entityType)
	if err != nil {
		return nil, err
	}
	return &EntityRepository{
		entityType: entityType,
		collection: collection,
		remote:     rs,
		loader:     loader,
		queue:      queue,
		userID:     userID,
		logger:     logger.With("component", "repository", "entity_type", entityType),
	}, nil
}

func (r *EntityRepository) EntityType() models.EntityType {
	return r.entityType
}

// Get returns the entity, from cache when fresh. Entities owned by another
// user are refused.
func (r *EntityRepository) Get(ctx context.Context, id string) (models.Payload, error) {
	doc, err := r.loader.Get(ctx, routing.EntityKey(r.entityType, id), func(ctx context.Context) (models.Payload, error) {
		snap, err := r.remote.Get(ctx, r.collection, id)
		if err != nil {
			return models.Payload{}, err
		}
		return snap.Data, nil
	})
	if err != nil {
		return models.Payload{}, err
	}
	if err := r.checkOwner(doc); err != nil {
		return models.Payload{}, err
	}
	return doc, nil
}

// List returns the current user's entities, most recently updated first.
func (r *EntityRepository) List(ctx context.Context, limit int) ([]models.Payload, error) {
	cached, err := r.loader.Get(ctx, routing.CollectionKey(r.entityType, r.userID), func(ctx context.Context) (models.Payload, error) {
		snaps, err := r.remote.Query(ctx, r.collection,
			[]models.Filter{{Field: models.FieldUserID, Op: models.FilterEq, Value: models.String(r.userID)}},
			[]models.Ordering{{Field: models.FieldUpdatedAt, Descending: true}},
			limit,
		)
		if err != nil {
			return models.Payload{}, err
		}
		items := make([]models.Value, 0, len(snaps))
		for _, s := range snaps {
			items = append(items, models.Map(s.Data))
		}
		out := models.NewPayload()
		out.Set(listField, models.List(items...))
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	v, _ := cached.Get(listField)
	items, _ := v.AsList()
	out := make([]models.Payload, 0, len(items))
	for _, item := range items {
		if p, ok := item.AsMap(); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Save applies data to the cached entity and queues the write. An empty id
// creates a new entity with a generated id.
func (r *EntityRepository) Save(ctx context.Context, id string, data models.Payload, previous *models.Payload, resolution models.ConflictResolution) (*models.SyncOperation, error) {
	opType := models.OpUpdate
	if id == "" {
		id = uuid.NewString()
		opType = models.OpCreate
	}

	doc := data.Clone()
	if owner, ok := doc.Get(models.FieldUserID); ok {
		if s, _ := owner.AsString(); s != r.userID {
			return nil, apperrors.Security("%s %s belongs to another user", r.entityType, id)
		}
	} else {
		doc.Set(models.FieldUserID, models.String(r.userID))
	}

	// The cache is written first so a drain started by Enqueue cannot have its
	// invalidation overwritten by the optimistic value.
	r.applyOptimistic(ctx, id, doc, previous)
	op, err := r.queue.Enqueue(ctx, &models.SyncOperation{
		OperationType:      opType,
		EntityType:         r.entityType,
		EntityID:           id,
		Data:               &doc,
		PreviousVersion:    previous,
		ConflictResolution: resolution,
	})
	if err != nil {
		r.forget(ctx, id)
		return nil, err
	}
	return op, nil
}

// UpdateTip queues the narrow tip update for a delivery.
func (r *EntityRepository) UpdateTip(ctx context.Context, id string, amount float64) (*models.SyncOperation, error) {
	if r.entityType != models.EntityDelivery {
		return nil, apperrors.Unsupported("tips apply to deliveries only")
	}
	data := models.NewPayload()
	data.Set(models.FieldTipAmount, models.Float(amount))

	r.applyOptimistic(ctx, id, data, nil)
	op, err := r.queue.Enqueue(ctx, &models.SyncOperation{
		OperationType: models.OpUpdateTip,
		EntityType:    r.entityType,
		EntityID:      id,
		Data:          &data,
	})
	if err != nil {
		r.forget(ctx, id)
		return nil, err
	}
	return op, nil
}

// Remove drops the entity from the cache and queues the delete.
func (r *EntityRepository) Remove(ctx context.Context, id string) (*models.SyncOperation, error) {
	r.forget(ctx, id)
	return r.queue.Enqueue(ctx, &models.SyncOperation{
		OperationType: models.OpDelete,
		EntityType:    r.entityType,
		EntityID:      id,
	})
}

// OnEvent drops optimistic cache entries when the queue gives up on a write.
func (r *EntityRepository) OnEvent(e eventbus.Event) error {
	if e.Type != eventbus.OperationFailed && e.Type != eventbus.RemoteChanged {
		return nil
	}
	et, _ := e.Data.Get("entityType")
	if s, _ := et.AsString(); s != string(r.entityType) {
		return nil
	}
	id, _ := e.Data.Get("entityId")
	entityID, _ := id.AsString()
	if entityID == "" {
		return nil
	}
	r.forget(context.Background(), entityID)
	return nil
}

// Subscribe registers the repository on the bus under its entity's id.
func (r *EntityRepository) Subscribe(bus *eventbus.Bus) (unregister func()) {
	id, ok := eventbus.RepositoryFor(r.entityType)
	if !ok {
		return func() {}
	}
	return bus.Register(id, r)
}

func (r *EntityRepository) applyOptimistic(ctx context.Context, id string, doc models.Payload, previous *models.Payload) {
	key := routing.EntityKey(r.entityType, id)
	store := r.loader.Store()

	base, ok := store.Get(ctx, key)
	if !ok && previous != nil {
		base, ok = previous.Clone(), true
	}
	if ok {
		doc = base.Merge(doc)
	}
	if err := store.Put(ctx, key, doc, 0); err != nil {
		r.logger.Warn("Optimistic cache write failed", "key", key, "error", err)
	}
	if err := store.Invalidate(ctx, routing.CollectionKey(r.entityType, r.userID)); err != nil {
		r.logger.Warn("Collection cache invalidation failed", "error", err)
	}
}

func (r *EntityRepository) forget(ctx context.Context, id string) {
	if err := r.loader.Forget(ctx, routing.EntityKey(r.entityType, id)); err != nil {
		r.logger.Warn("Cache invalidation failed", "entity_id", id, "error", err)
	}
	if err := r.loader.Store().Invalidate(ctx, routing.CollectionKey(r.entityType, r.userID)); err != nil {
		r.logger.Warn("Collection cache invalidation failed", "error", err)
	}
}

func (r *EntityRepository) checkOwner(doc models.Payload) error {
	owner, ok := doc.Get(models.FieldUserID)
	if !ok {
		return nil
	}
	if s, _ := owner.AsString(); s != r.userID {
		return apperrors.Security("%s belongs to another user", r.entityType)
	}
	return nil
}

// IsNotFound reports whether err means the entity does not exist remotely.
func IsNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
