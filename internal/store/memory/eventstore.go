// Package memory provides in-process implementations of the ledger stores.
// They honor the same contracts as the PostgreSQL store and back the unit
// tests and single-process local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"multiasset-ledger/internal/eventstore"
)

// EventStore is an append-only log guarded by one mutex. The version check
// under the lock plays the role of the (aggregate_id, version) unique index.
type EventStore struct {
	mu          sync.RWMutex
	streams     map[uuid.UUID][]eventstore.Event
	log         []eventstore.Event
	byCausation map[uuid.UUID]int
	snapshots   map[uuid.UUID]eventstore.Snapshot
	now         func() time.Time
}

var (
	_ eventstore.Store         = (*EventStore)(nil)
	_ eventstore.SnapshotStore = (*EventStore)(nil)
)

func NewEventStore() *EventStore {
	return &EventStore{
		streams:     map[uuid.UUID][]eventstore.Event{},
		byCausation: map[uuid.UUID]int{},
		snapshots:   map[uuid.UUID]eventstore.Snapshot{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the recorded_at clock.
func (s *EventStore) WithClock(now func() time.Time) *EventStore {
	s.now = now
	return s
}

func (s *EventStore) Append(ctx context.Context, aggregateID uuid.UUID, expectedVersion int, ev eventstore.NewEvent) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", eventstore.ErrStorage, err)
	}
	if err := ev.Validate(aggregateID, expectedVersion); err != nil {
		return 0, err
	}
	payload, canonical, err := eventstore.Canonical(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: payload: %v", eventstore.ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	if len(stream) != expectedVersion {
		return 0, fmt.Errorf("%w: %s at version %d, expected %d", eventstore.ErrConcurrencyConflict, aggregateID, len(stream), expectedVersion)
	}
	if _, dup := s.byCausation[ev.CausationID]; dup {
		return 0, fmt.Errorf("%w: %s", eventstore.ErrDuplicateCausation, ev.CausationID)
	}

	var prev []byte
	if n := len(stream); n > 0 {
		prev = stream[n-1].Hash
	}
	version := expectedVersion + 1
	stored := eventstore.Event{
		Seq:           int64(len(s.log) + 1),
		AggregateID:   aggregateID,
		AggregateType: ev.AggregateType,
		Version:       version,
		Type:          ev.Type,
		Payload:       payload,
		RecordedAt:    s.now(),
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
		PrevHash:      prev,
		Hash:          eventstore.ChainHash(prev, aggregateID, version, ev.Type, canonical),
	}

	s.streams[aggregateID] = append(stream, stored)
	s.log = append(s.log, stored)
	s.byCausation[ev.CausationID] = len(s.log) - 1
	return version, nil
}

func (s *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	if fromVersion < 0 {
		fromVersion = 0
	}
	if fromVersion >= len(stream) {
		return []eventstore.Event{}, nil
	}
	out := make([]eventstore.Event, len(stream)-fromVersion)
	copy(out, stream[fromVersion:])
	return out, nil
}

func (s *EventStore) LoadEventsByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []eventstore.Event{}
	for _, ev := range s.log {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *EventStore) FindByCausation(ctx context.Context, causationID uuid.UUID) (eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byCausation[causationID]
	if !ok {
		return eventstore.Event{}, eventstore.ErrNotFound
	}
	return s.log[i], nil
}

func (s *EventStore) LoadSince(ctx context.Context, afterSeq int64, limit int) ([]eventstore.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(s.log)) {
		return []eventstore.Event{}, nil
	}
	rest := s.log[afterSeq:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]eventstore.Event, len(rest))
	copy(out, rest)
	return out, nil
}

func (s *EventStore) SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snapshots[snap.AggregateID]; ok && cur.Version >= snap.Version {
		return nil
	}
	s.snapshots[snap.AggregateID] = snap
	return nil
}

func (s *EventStore) LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (eventstore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return eventstore.Snapshot{}, eventstore.ErrNotFound
	}
	return snap, nil
}
