package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/cache"
	"github.com/Guizzs26/go-offline-sync/internal/eventbus"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/routing"
)

// RemoteChange is the notification another device or backend emits after
// writing an entity.
type RemoteChange struct {
	EntityType models.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	UserID     string            `json:"userId"`
	DeviceID   string            `json:"deviceId,omitempty"`
	Operation  string            `json:"operation,omitempty"`
	ChangedAt  time.Time         `json:"changedAt"`
}

// ChangeFeedService turns remote change notifications into cache invalidation
// and remoteChanged events for the owning repository.
type ChangeFeedService struct {
	cache    cache.Store
	bus      *eventbus.Bus
	userID   string
	deviceID string
	logger   *slog.Logger
}

func NewChangeFeedService(c cache.Store, bus *eventbus.Bus, userID, deviceID string, l *slog.Logger) *ChangeFeedService {
	return &ChangeFeedService{cache: c, bus: bus, userID: userID, deviceID: deviceID, logger: l.With("component", "change_feed")}
}

// HandleRemoteChange processes one message body. Malformed messages return a
// validation error so the consumer can drop them instead of requeueing.
func (s *ChangeFeedService) HandleRemoteChange(ctx context.Context, body []byte) error {
	var change RemoteChange
	if err := json.Unmarshal(body, &change); err != nil {
		s.logger.Error("Change feed: failed to unmarshal notification", "error", err)
		return apperrors.Wrap(apperrors.CodeValidation, "malformed change notification", err)
	}
	if change.EntityType == "" || change.EntityID == "" {
		return apperrors.Validation("change notification without entity")
	}

	if change.UserID != s.userID {
		return nil
	}
	if change.DeviceID != "" && change.DeviceID == s.deviceID {
		// echo of our own write, already invalidated by the dispatcher
		return nil
	}

	l := s.logger.With("entity_type", change.EntityType, "entity_id", change.EntityID, "device_id", change.DeviceID)

	inv := routing.InvalidationFor(change.EntityType, change.EntityID, change.UserID)
	for _, key := range inv.Keys {
		if err := s.cache.Invalidate(ctx, key); err != nil {
			l.Error("Change feed: cache invalidation failed", "key", key, "error", err)
			return err
		}
	}
	for _, prefix := range inv.Prefixes {
		if err := s.cache.InvalidatePrefix(ctx, prefix); err != nil {
			l.Error("Change feed: cache invalidation failed", "prefix", prefix, "error", err)
			return err
		}
	}

	e := eventbus.Event{
		Type:   eventbus.RemoteChanged,
		Source: eventbus.BrokerBridge,
		Data: models.PayloadOf(
			"entityType", string(change.EntityType),
			"entityId", change.EntityID,
			"operation", change.Operation,
			"deviceId", change.DeviceID,
		),
	}
	if target, ok := eventbus.RepositoryFor(change.EntityType); ok {
		e = e.To(target)
	}
	s.bus.Publish(e)

	l.Info("Change feed: remote change applied", "invalidated", len(inv.Keys)+len(inv.Prefixes))
	return nil
}
