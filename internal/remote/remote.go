// Package remote defines the boundary to the remote document store. It is the
// only place real network I/O happens; everything above it runs against a fake.
package remote

import (
	"context"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// Tx is the view of the store inside RunTransaction. Reads lock the documents
// they return until the transaction ends.
type Tx interface {
	Get(ctx context.Context, collection, id string) (models.Snapshot, error)
	Set(ctx context.Context, collection, id string, data models.Payload) error
	Update(ctx context.Context, collection, id string, partial models.Payload) error
	Delete(ctx context.Context, collection, id string) error
}

// Store is the remote document store adapter.
//
// Get, Update and Delete return an error matching apperrors.ErrNotFound for a
// missing document. Connectivity failures match apperrors.ErrOffline.
type Store interface {
	Get(ctx context.Context, collection, id string) (models.Snapshot, error)
	Set(ctx context.Context, collection, id string, data models.Payload) error
	Update(ctx context.Context, collection, id string, partial models.Payload) error
	Delete(ctx context.Context, collection, id string) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Query(ctx context.Context, collection string, filters []models.Filter, ordering []models.Ordering, limit int) ([]models.Snapshot, error)
}
