package db

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Guizzs26/go-offline-sync/internal/apperrors"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
)

// MemoryDocumentStore is an in-process remote store. It can be switched offline
// and told to fail upcoming calls, which is how the engine is exercised without
// a network.
type MemoryDocumentStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]models.Payload
	offline  bool
	failures []error
	calls    map[string]int
}

var _ remote.Store = (*MemoryDocumentStore)(nil)

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		docs:  make(map[string]map[string]models.Payload),
		calls: make(map[string]int),
	}
}

// SetOffline makes every call fail with ErrOffline until switched back.
func (s *MemoryDocumentStore) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// FailNext queues errors returned by the next calls, one per call.
func (s *MemoryDocumentStore) FailNext(errs ...error) {
	s.mu.Lock()
	s.failures = append(s.failures, errs...)
	s.mu.Unlock()
}

// Calls reports how many times method was invoked (transactions count once).
func (s *MemoryDocumentStore) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Seed writes a document directly, bypassing offline and failure injection.
func (s *MemoryDocumentStore) Seed(collection, id string, data models.Payload) {
	s.mu.Lock()
	s.put(collection, id, data)
	s.mu.Unlock()
}

// Document returns a stored document without counting as a call.
func (s *MemoryDocumentStore) Document(collection, id string) (models.Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.docs[collection][id]
	if !ok {
		return models.Payload{}, false
	}
	return p.Clone(), true
}

// begin must be called with s.mu held.
func (s *MemoryDocumentStore) begin(method string) error {
	s.calls[method]++
	if s.offline {
		return apperrors.Wrap(apperrors.CodeNetwork, "remote store unreachable", nil)
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	return nil
}

func (s *MemoryDocumentStore) put(collection, id string, data models.Payload) {
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]models.Payload)
	}
	s.docs[collection][id] = data.Clone()
}

func (s *MemoryDocumentStore) get(collection, id string) (models.Snapshot, error) {
	p, ok := s.docs[collection][id]
	if !ok {
		return models.Snapshot{Collection: collection, ID: id}, apperrors.NotFound("%s/%s not found", collection, id)
	}
	return models.Snapshot{Collection: collection, ID: id, Data: p.Clone(), Exists: true}, nil
}

func (s *MemoryDocumentStore) Get(_ context.Context, collection, id string) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("get"); err != nil {
		return models.Snapshot{}, err
	}
	return s.get(collection, id)
}

func (s *MemoryDocumentStore) Set(_ context.Context, collection, id string, data models.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("set"); err != nil {
		return err
	}
	s.put(collection, id, data)
	return nil
}

func (s *MemoryDocumentStore) Update(_ context.Context, collection, id string, partial models.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("update"); err != nil {
		return err
	}
	snap, err := s.get(collection, id)
	if err != nil {
		return err
	}
	s.put(collection, id, snap.Data.Merge(partial))
	return nil
}

func (s *MemoryDocumentStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("delete"); err != nil {
		return err
	}
	if _, ok := s.docs[collection][id]; !ok {
		return apperrors.NotFound("%s/%s not found", collection, id)
	}
	delete(s.docs[collection], id)
	return nil
}

// RunTransaction holds the store lock for the whole of fn, so transactions are
// serializable. Writes are staged and applied only if fn returns nil.
func (s *MemoryDocumentStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("transaction"); err != nil {
		return err
	}

	tx := &memoryTx{store: s, staged: make(map[string]*stagedWrite)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, key := range tx.order {
		w := tx.staged[key]
		if w.data == nil {
			delete(s.docs[w.collection], w.id)
			continue
		}
		s.put(w.collection, w.id, *w.data)
	}
	return nil
}

func (s *MemoryDocumentStore) Query(_ context.Context, collection string, filters []models.Filter, ordering []models.Ordering, limit int) ([]models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("query"); err != nil {
		return nil, err
	}

	var out []models.Snapshot
	for id, doc := range s.docs[collection] {
		ok, err := matches(doc, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, models.Snapshot{Collection: collection, ID: id, Data: doc.Clone(), Exists: true})
		}
	}

	slices.SortFunc(out, func(a, b models.Snapshot) int {
		for _, o := range ordering {
			av, _ := a.Data.Get(o.Field)
			bv, _ := b.Data.Get(o.Field)
			c, _ := models.Compare(av, bv)
			if o.Descending {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(doc models.Payload, filters []models.Filter) (bool, error) {
	for _, f := range filters {
		v, ok := doc.Get(f.Field)
		if !ok {
			if f.Op == models.FilterNeq {
				continue
			}
			return false, nil
		}
		switch f.Op {
		case models.FilterEq:
			if !v.Equal(f.Value) {
				return false, nil
			}
		case models.FilterNeq:
			if v.Equal(f.Value) {
				return false, nil
			}
		case models.FilterLt, models.FilterLte, models.FilterGt, models.FilterGte:
			c, comparable := models.Compare(v, f.Value)
			if !comparable {
				return false, nil
			}
			if !orderingHolds(f.Op, c) {
				return false, nil
			}
		default:
			return false, apperrors.Validation("unsupported filter operator %q", f.Op)
		}
	}
	return true, nil
}

func orderingHolds(op models.FilterOp, c int) bool {
	switch op {
	case models.FilterLt:
		return c < 0
	case models.FilterLte:
		return c <= 0
	case models.FilterGt:
		return c > 0
	case models.FilterGte:
		return c >= 0
	}
	return false
}

type stagedWrite struct {
	collection string
	id         string
	data       *models.Payload
}

type memoryTx struct {
	store  *MemoryDocumentStore
	staged map[string]*stagedWrite
	order  []string
}

func stageKey(collection, id string) string {
	return fmt.Sprintf("%s/%s", collection, id)
}

func (t *memoryTx) stage(collection, id string, data *models.Payload) {
	key := stageKey(collection, id)
	if _, ok := t.staged[key]; !ok {
		t.order = append(t.order, key)
	}
	t.staged[key] = &stagedWrite{collection: collection, id: id, data: data}
}

func (t *memoryTx) Get(_ context.Context, collection, id string) (models.Snapshot, error) {
	if w, ok := t.staged[stageKey(collection, id)]; ok {
		if w.data == nil {
			return models.Snapshot{Collection: collection, ID: id}, apperrors.NotFound("%s/%s not found", collection, id)
		}
		return models.Snapshot{Collection: collection, ID: id, Data: w.data.Clone(), Exists: true}, nil
	}
	return t.store.get(collection, id)
}

func (t *memoryTx) Set(_ context.Context, collection, id string, data models.Payload) error {
	c := data.Clone()
	t.stage(collection, id, &c)
	return nil
}

func (t *memoryTx) Update(ctx context.Context, collection, id string, partial models.Payload) error {
	snap, err := t.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	merged := snap.Data.Merge(partial)
	t.stage(collection, id, &merged)
	return nil
}

func (t *memoryTx) Delete(ctx context.Context, collection, id string) error {
	if _, err := t.Get(ctx, collection, id); err != nil {
		return err
	}
	t.stage(collection, id, nil)
	return nil
}
