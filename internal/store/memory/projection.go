package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"multiasset-ledger/internal/projection"
)

type rowKey struct {
	account uuid.UUID
	asset   string
}

// BalanceStore holds projection rows and consumer checkpoints.
type BalanceStore struct {
	mu          sync.Mutex
	rows        map[rowKey]projection.Row
	checkpoints map[string]int64
}

var (
	_ projection.Repository  = (*BalanceStore)(nil)
	_ projection.Checkpoints = (*BalanceStore)(nil)
)

func NewBalanceStore() *BalanceStore {
	return &BalanceStore{rows: map[rowKey]projection.Row{}, checkpoints: map[string]int64{}}
}

func (s *BalanceStore) ApplyDelta(ctx context.Context, accountID uuid.UUID, asset string, delta int64, version int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := rowKey{accountID, asset}
	r, ok := s.rows[k]
	if !ok {
		r = projection.Row{AccountID: accountID, Asset: asset}
	}
	if version <= r.LastAppliedVersion {
		return false, nil
	}
	r.Balance += delta
	r.LastAppliedVersion = version
	r.UpdatedAt = time.Now().UTC()
	s.rows[k] = r
	return true, nil
}

func (s *BalanceStore) Get(ctx context.Context, accountID uuid.UUID, asset string) (projection.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[rowKey{accountID, asset}]
	if !ok {
		return projection.Row{}, projection.ErrNotFound
	}
	return r, nil
}

func (s *BalanceStore) List(ctx context.Context, accountID uuid.UUID) ([]projection.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []projection.Row
	for k, r := range s.rows {
		if k.account == accountID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *BalanceStore) ReplaceAccount(ctx context.Context, accountID uuid.UUID, rows []projection.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.rows {
		if k.account == accountID {
			delete(s.rows, k)
		}
	}
	for _, r := range rows {
		s.rows[rowKey{accountID, r.Asset}] = r
	}
	return nil
}

// Put overwrites one row. Used to simulate drift.
func (s *BalanceStore) Put(r projection.Row) {
	s.mu.Lock()
	s.rows[rowKey{r.AccountID, r.Asset}] = r
	s.mu.Unlock()
}

func (s *BalanceStore) LoadCheckpoint(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[name], nil
}

func (s *BalanceStore) SaveCheckpoint(ctx context.Context, name string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.checkpoints[name] {
		s.checkpoints[name] = seq
	}
	return nil
}
