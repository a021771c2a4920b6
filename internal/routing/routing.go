// Package routing maps entity types to remote collections and cache keys.
package routing

import (
	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
)

const (
	CollectionUserProfiles        = "user_profiles"
	CollectionSubscriptionRecords = "subscription_records"
	CollectionAddresses           = "addresses"
	CollectionDeliveries          = "deliveries"
	CollectionUserDevices         = "user_devices"
)

var collections = map[models.EntityType]string{
	models.EntityUserProfile:        CollectionUserProfiles,
	models.EntitySubscriptionRecord: CollectionSubscriptionRecords,
	models.EntityAddress:            CollectionAddresses,
	models.EntityDelivery:           CollectionDeliveries,
	models.EntityUserDevice:         CollectionUserDevices,
}

// Collection resolves the remote collection for an entity type. Unknown types
// are a configuration error and are never retried.
func Collection(entityType models.EntityType) (string, error) {
	c, ok := collections[entityType]
	if !ok {
		return "", apperrors.Unsupported("unknown entity type %q", entityType)
	}
	return c, nil
}

func Known(entityType models.EntityType) bool {
	_, ok := collections[entityType]
	return ok
}

// EntityKey is the cache key for a single entity, e.g. "address_123".
func EntityKey(entityType models.EntityType, entityID string) string {
	return string(entityType) + "_" + encoding.NormalizeKey(entityID)
}

// CollectionKey is the cache key for the list of a user's entities of one type.
func CollectionKey(entityType models.EntityType, userID string) string {
	switch entityType {
	case models.EntityDelivery:
		return "deliveries_" + userID
	case models.EntityAddress:
		return "addresses_" + userID
	default:
		return string(entityType) + "s_" + userID
	}
}

// Invalidation lists the exact keys and key prefixes to drop after a write.
type Invalidation struct {
	Keys     []string
	Prefixes []string
}

// InvalidationFor returns what a successful write of entityType/entityID owned by userID makes stale.
func InvalidationFor(entityType models.EntityType, entityID, userID string) Invalidation {
	switch entityType {
	case models.EntityUserProfile:
		return Invalidation{Keys: []string{"userProfile_" + userID}}
	case models.EntitySubscriptionRecord:
		return Invalidation{Keys: []string{"subscriptionStatus_" + userID}}
	case models.EntityAddress:
		return Invalidation{Keys: []string{
			EntityKey(entityType, entityID),
			CollectionKey(entityType, userID),
		}}
	case models.EntityDelivery:
		return Invalidation{
			Keys: []string{
				EntityKey(entityType, entityID),
				CollectionKey(entityType, userID),
				"delivery_stats_" + userID,
			},
			Prefixes: []string{CollectionKey(entityType, userID) + "_"},
		}
	default:
		return Invalidation{}
	}
}
