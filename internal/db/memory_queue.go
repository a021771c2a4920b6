package db

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// MemoryOperationStore keeps operations in process memory. It backs tests and
// the daemon when no QUEUE_DB_PATH is configured.
type MemoryOperationStore struct {
	mu  sync.RWMutex
	ops map[string]*models.SyncOperation
}

func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{ops: make(map[string]*models.SyncOperation)}
}

func (s *MemoryOperationStore) Save(_ context.Context, op *models.SyncOperation) error {
	s.mu.Lock()
	s.ops[op.OperationID] = op.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryOperationStore) Get(_ context.Context, id string) (*models.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, apperrors.NotFound("operation %s not found", id)
	}
	return op.Clone(), nil
}

func (s *MemoryOperationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[id]; !ok {
		return apperrors.NotFound("operation %s not found", id)
	}
	delete(s.ops, id)
	return nil
}

func (s *MemoryOperationStore) ListByStatus(_ context.Context, userID string, statuses ...models.OperationStatus) ([]*models.SyncOperation, error) {
	return s.filter(func(op *models.SyncOperation) bool {
		if userID != "" && op.UserID != userID {
			return false
		}
		return len(statuses) == 0 || slices.Contains(statuses, op.Status)
	}, models.ByDispatchOrder), nil
}

func (s *MemoryOperationStore) ListForEntity(_ context.Context, entityType models.EntityType, entityID string) ([]*models.SyncOperation, error) {
	return s.filter(func(op *models.SyncOperation) bool {
		return op.EntityType == entityType && op.EntityID == entityID
	}, func(a, b *models.SyncOperation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	}), nil
}

func (s *MemoryOperationStore) PromoteDue(_ context.Context, now time.Time) (int, error) {
	return s.update(func(op *models.SyncOperation) bool {
		if op.Status != models.StatusRetrying {
			return false
		}
		if op.NextAttemptTime != nil && op.NextAttemptTime.After(now) {
			return false
		}
		op.Status = models.StatusPending
		op.UpdatedAt = now
		return true
	}), nil
}

func (s *MemoryOperationStore) ResetStale(_ context.Context, now time.Time) (int, error) {
	return s.update(func(op *models.SyncOperation) bool {
		if op.Status != models.StatusInProgress {
			return false
		}
		op.Status = models.StatusPending
		op.UpdatedAt = now
		return true
	}), nil
}

func (s *MemoryOperationStore) PurgeCompleted(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, op := range s.ops {
		if op.Status == models.StatusCompleted && op.CompletedAt != nil && op.CompletedAt.Before(before) {
			delete(s.ops, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryOperationStore) Counts(_ context.Context, userID string) (map[models.OperationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.OperationStatus]int)
	for _, op := range s.ops {
		if userID == "" || op.UserID == userID {
			out[op.Status]++
		}
	}
	return out, nil
}

func (s *MemoryOperationStore) filter(keep func(*models.SyncOperation) bool, order func(a, b *models.SyncOperation) int) []*models.SyncOperation {
	s.mu.RLock()
	var out []*models.SyncOperation
	for _, op := range s.ops {
		if keep(op) {
			out = append(out, op.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortStableFunc(out, order)
	return out
}

func (s *MemoryOperationStore) update(fn func(*models.SyncOperation) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.ops {
		if fn(op) {
			n++
		}
	}
	return n
}
