package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"multiasset-ledger/internal/saga"
)

// SagaStore keeps operations by id. Stored values are copies, so callers
// cannot mutate them behind the revision check.
type SagaStore struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*saga.Operation
}

var _ saga.Repository = (*SagaStore)(nil)

func NewSagaStore() *SagaStore {
	return &SagaStore{ops: map[uuid.UUID]*saga.Operation{}}
}

func (s *SagaStore) Create(ctx context.Context, op *saga.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; ok {
		return fmt.Errorf("%w: %s", saga.ErrAlreadyExists, op.ID)
	}
	op.Revision = 1
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *SagaStore) Get(ctx context.Context, id uuid.UUID) (*saga.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", saga.ErrNotFound, id)
	}
	return op.Clone(), nil
}

func (s *SagaStore) Save(ctx context.Context, op *saga.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.ops[op.ID]
	if !ok {
		return fmt.Errorf("%w: %s", saga.ErrNotFound, op.ID)
	}
	if cur.Revision != op.Revision {
		return fmt.Errorf("%w: %s at revision %d, have %d", saga.ErrRevisionConflict, op.ID, cur.Revision, op.Revision)
	}
	op.Revision++
	s.ops[op.ID] = op.Clone()
	return nil
}

func (s *SagaStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*saga.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*saga.Operation
	for _, op := range s.ops {
		if !op.Status.IsTerminal() && op.UpdatedAt.Before(cutoff) {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
