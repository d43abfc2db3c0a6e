package saga

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	"idverify/pkg/platform/sentinel"
)

// deadlineKey orders sagas by deadline so ListStale scans only the expired prefix.
type deadlineKey struct {
	deadline      time.Time
	correlationID id.CorrelationID
}

func lessDeadline(a, b deadlineKey) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.correlationID.String() < b.correlationID.String()
}

// InMemoryStore keeps sagas in process memory. Values are cloned on the way
// in and out so callers never share state with the store.
type InMemoryStore struct {
	mu        sync.RWMutex
	sagas     map[id.CorrelationID]*models.SagaState
	deadlines *btree.BTreeG[deadlineKey]
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		sagas:     make(map[id.CorrelationID]*models.SagaState),
		deadlines: btree.NewBTreeGOptions(lessDeadline, btree.Options{NoLocks: true}),
	}
}

func (s *InMemoryStore) Create(_ context.Context, state *models.SagaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sagas[state.CorrelationID()]; exists {
		return sentinel.ErrConflict
	}
	s.sagas[state.CorrelationID()] = state.Clone()
	s.deadlines.Set(deadlineKey{deadline: state.Deadline(), correlationID: state.CorrelationID()})
	return nil
}

func (s *InMemoryStore) FindByCorrelationID(_ context.Context, correlationID id.CorrelationID) (*models.SagaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sagas[correlationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return state.Clone(), nil
}

// Update replaces the stored saga when the caller holds the current version.
// On success the caller's state carries the new version. Terminal sagas leave
// the deadline index since ListStale only serves non-terminal statuses.
func (s *InMemoryStore) Update(_ context.Context, state *models.SagaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sagas[state.CorrelationID()]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version() != state.Version() {
		return sentinel.ErrConflict
	}
	state.IncrementVersion()
	s.sagas[state.CorrelationID()] = state.Clone()
	if state.Status().IsTerminal() {
		s.deadlines.Delete(deadlineKey{deadline: state.Deadline(), correlationID: state.CorrelationID()})
	}
	return nil
}

// ListStale returns sagas whose deadline is before the cutoff and whose status
// is one of statuses, oldest deadline first.
func (s *InMemoryStore) ListStale(_ context.Context, before time.Time, statuses []models.Status, limit int) ([]*models.SagaState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SagaState
	s.deadlines.Scan(func(key deadlineKey) bool {
		if !key.deadline.Before(before) {
			return false
		}
		state := s.sagas[key.correlationID]
		if state != nil && slices.Contains(statuses, state.Status()) {
			out = append(out, state.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}
