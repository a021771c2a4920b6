// Package cache is the read-through layer consulted by every entity read.
// Entries expire lazily: an entry older than its TTL is reported absent but is
// only removed when overwritten or invalidated.
package cache

import (
	"context"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
)

const DefaultTTL = 5 * time.Minute

// Store is implemented by the in-process cache and the Redis backend.
// Values are copied on the way in and out.
type Store interface {
	Get(ctx context.Context, key string) (models.Payload, bool)
	Put(ctx context.Context, key string, value models.Payload, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) error
	InvalidateAll(ctx context.Context) error
}
