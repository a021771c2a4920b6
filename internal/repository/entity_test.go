package repository

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/cache"
	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureQueue struct {
	ops       []*models.SyncOperation
	err       error
	onEnqueue func(op *models.SyncOperation)
}

func (q *captureQueue) Enqueue(_ context.Context, op *models.SyncOperation) (*models.SyncOperation, error) {
	if q.onEnqueue != nil {
		q.onEnqueue(op)
	}
	if q.err != nil {
		return nil, q.err
	}
	c := op.Clone()
	c.OperationID = "op"
	c.Status = models.StatusPending
	q.ops = append(q.ops, c)
	return c, nil
}

func newRepo(t *testing.T, et models.EntityType) (*EntityRepository, *db.MemoryDocumentStore, *captureQueue, *cache.MemoryCache) {
	t.Helper()
	store := db.NewMemoryDocumentStore()
	c := cache.NewMemoryCache(time.Minute)
	q := &captureQueue{}
	r, err := New(et, store, cache.NewLoader(c, time.Minute), q, "u1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r, store, q, c
}

func TestGetReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	r, store, _, _ := newRepo(t, models.EntityAddress)
	store.Seed("addresses", "123", models.PayloadOf("street", "Main", "userId", "u1"))

	doc, err := r.Get(ctx, "123")
	require.NoError(t, err)
	v, _ := doc.Get("street")
	assert.Equal(t, "Main", v.String())

	_, err = r.Get(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Calls("get"))

	_, err = r.Get(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestGetRefusesForeignEntity(t *testing.T) {
	r, store, _, _ := newRepo(t, models.EntityAddress)
	store.Seed("addresses", "9", models.PayloadOf("userId", "u2"))

	_, err := r.Get(context.Background(), "9")
	assert.True(t, apperrors.Is(err, apperrors.CodeSecurity))
}

func TestListQueriesCurrentUser(t *testing.T) {
	ctx := context.Background()
	r, store, _, _ := newRepo(t, models.EntityDelivery)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store.Seed("deliveries", "1", models.PayloadOf("userId", "u1", "updatedAt", base))
	store.Seed("deliveries", "2", models.PayloadOf("userId", "u1", "updatedAt", base.Add(time.Hour)))
	store.Seed("deliveries", "3", models.PayloadOf("userId", "u2", "updatedAt", base))

	items, err := r.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	first, _ := items[0].Get("updatedAt")
	assert.True(t, first.Equal(models.Time(base.Add(time.Hour))))

	_, err = r.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Calls("query"))
}

func TestSaveIsOptimistic(t *testing.T) {
	ctx := context.Background()
	r, store, q, c := newRepo(t, models.EntityAddress)
	store.Seed("addresses", "123", models.PayloadOf("street", "Main", "city", "Porto", "userId", "u1"))
	_, err := r.Get(ctx, "123")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "addresses_u1", models.PayloadOf("items", 1), 0))

	op, err := r.Save(ctx, "123", models.PayloadOf("street", "Side"), nil, models.Merge)
	require.NoError(t, err)
	assert.Equal(t, models.OpUpdate, op.OperationType)
	assert.Equal(t, models.Merge, op.ConflictResolution)
	require.Len(t, q.ops, 1)

	cached, ok := c.Get(ctx, "address_123")
	require.True(t, ok)
	street, _ := cached.Get("street")
	city, _ := cached.Get("city")
	assert.Equal(t, "Side", street.String())
	assert.Equal(t, "Porto", city.String())

	_, ok = c.Get(ctx, "addresses_u1")
	assert.False(t, ok)

	_, err = r.Save(ctx, "123", models.PayloadOf("userId", "u2"), nil, "")
	assert.True(t, apperrors.Is(err, apperrors.CodeSecurity))
}

func TestSaveWithoutIDCreates(t *testing.T) {
	r, _, q, _ := newRepo(t, models.EntityAddress)

	op, err := r.Save(context.Background(), "", models.PayloadOf("street", "New"), nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.OpCreate, op.OperationType)
	assert.NotEmpty(t, op.EntityID)
	owner, _ := q.ops[0].Data.Get("userId")
	assert.Equal(t, "u1", owner.String())
}

func TestRemoveAndTip(t *testing.T) {
	ctx := context.Background()
	r, _, q, c := newRepo(t, models.EntityDelivery)
	require.NoError(t, c.Put(ctx, "delivery_42", models.PayloadOf("tipAmount", 1), 0))

	_, err := r.UpdateTip(ctx, "42", 4.5)
	require.NoError(t, err)
	cached, _ := c.Get(ctx, "delivery_42")
	tip, _ := cached.Get("tipAmount")
	assert.True(t, tip.Equal(models.Float(4.5)))

	_, err = r.Remove(ctx, "42")
	require.NoError(t, err)
	_, ok := c.Get(ctx, "delivery_42")
	assert.False(t, ok)

	require.Len(t, q.ops, 2)
	assert.Equal(t, models.OpUpdateTip, q.ops[0].OperationType)
	assert.Equal(t, models.OpDelete, q.ops[1].OperationType)

	addresses, _, _, _ := newRepo(t, models.EntityAddress)
	_, err = addresses.UpdateTip(ctx, "1", 1)
	assert.True(t, apperrors.Is(err, apperrors.CodeUnsupported))
}

func TestFailedWriteDropsOptimisticValue(t *testing.T) {
	ctx := context.Background()
	r, _, _, c := newRepo(t, models.EntityAddress)
	bus := eventbus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	unregister := r.Subscribe(bus)
	defer unregister()

	_, err := r.Save(ctx, "5", models.PayloadOf("street", "Optimistic"), nil, "")
	require.NoError(t, err)
	_, ok := c.Get(ctx, "address_5")
	require.True(t, ok)

	bus.Publish(eventbus.Event{
		Type:   eventbus.OperationFailed,
		Source: eventbus.SyncRepository,
		Data:   models.PayloadOf("entityType", "address", "entityId", "5"),
	})
	_, ok = c.Get(ctx, "address_5")
	assert.False(t, ok)
}

func TestSaveCachesBeforeQueueing(t *testing.T) {
	ctx := context.Background()
	r, _, q, c := newRepo(t, models.EntityAddress)

	var seen bool
	q.onEnqueue = func(*models.SyncOperation) {
		_, seen = c.Get(ctx, "address_7")
		// An immediate drain invalidates the entity once the write lands.
		require.NoError(t, c.Invalidate(ctx, "address_7"))
	}

	_, err := r.Save(ctx, "7", models.PayloadOf("street", "Client"), nil, "")
	require.NoError(t, err)
	assert.True(t, seen, "optimistic value must be cached when the operation is queued")

	_, ok := c.Get(ctx, "address_7")
	assert.False(t, ok, "invalidation from the drain must not be overwritten")
}

func TestRejectedEnqueueLeavesNoOptimisticValue(t *testing.T) {
	ctx := context.Background()
	r, _, q, c := newRepo(t, models.EntityDelivery)
	q.err = apperrors.Validation("queue rejected operation")

	_, err := r.Save(ctx, "8", models.PayloadOf("status", "done"), nil, "")
	require.Error(t, err)
	_, ok := c.Get(ctx, "delivery_8")
	assert.False(t, ok)

	_, err = r.UpdateTip(ctx, "8", 2)
	require.Error(t, err)
	_, ok = c.Get(ctx, "delivery_8")
	assert.False(t, ok)
	assert.Empty(t, q.ops)
}

func TestUnknownEntityType(t *testing.T) {
	_, err := New("invoice", db.NewMemoryDocumentStore(), cache.NewLoader(cache.NewMemoryCache(time.Minute), time.Minute), &captureQueue{}, "u1", slog.Default())
	assert.True(t, apperrors.Is(err, apperrors.CodeUnsupported))
}
