// Package eventstore defines the append-only, versioned event log that is the
// single source of truth for the ledger. Implementations live in
// internal/store (PostgreSQL) and internal/store/memory.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConcurrencyConflict: expectedVersion did not match the stored version.
	ErrConcurrencyConflict = errors.New("eventstore: concurrency conflict")
	// ErrDuplicateCausation: an event for the same command was already recorded.
	ErrDuplicateCausation = errors.New("eventstore: duplicate causation id")
	// ErrStorage wraps I/O failures of the underlying store.
	ErrStorage    = errors.New("eventstore: storage error")
	ErrNotFound   = errors.New("eventstore: not found")
	ErrValidation = errors.New("eventstore: validation error")
)

// Aggregate types stored in the log.
const (
	AggregateAccount   = "ACCOUNT"
	AggregateOperation = "OPERATION"
)

// Event is one persisted, immutable entry of an aggregate's stream.
type Event struct {
	Seq           int64           `json:"seq"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"aggregate_version"`
	Type          string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	RecordedAt    time.Time       `json:"recorded_at"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CausationID   uuid.UUID       `json:"causation_id"`
	PrevHash      []byte          `json:"prev_hash"`
	Hash          []byte          `json:"hash"`
}

// NewEvent is what a writer hands to Append. Payload is marshaled to JSON
// and canonicalized by the store.
type NewEvent struct {
	AggregateType string
	Type          string
	Payload       any
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
}

// Store is the event log contract.
type Store interface {
	// Append writes ev as version expectedVersion+1 of aggregateID. It fails
	// with ErrConcurrencyConflict when another writer got there first and
	// with ErrDuplicateCausation when ev.CausationID was already recorded.
	Append(ctx context.Context, aggregateID uuid.UUID, expectedVersion int, ev NewEvent) (int, error)
	// LoadEvents returns the stream of aggregateID with Version > fromVersion, in order.
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]Event, error)
	// LoadEventsByCorrelation returns every event written under one operation, in log order.
	LoadEventsByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]Event, error)
	// FindByCausation returns the event recorded for a command, or ErrNotFound.
	FindByCausation(ctx context.Context, causationID uuid.UUID) (Event, error)
	// LoadSince returns up to limit events with Seq > afterSeq, in log order.
	LoadSince(ctx context.Context, afterSeq int64, limit int) ([]Event, error)
}

// Snapshot is a serialized aggregate state at Version.
type Snapshot struct {
	AggregateID uuid.UUID       `json:"aggregate_id"`
	Version     int             `json:"version"`
	State       json.RawMessage `json:"state"`
	TakenAt     time.Time       `json:"taken_at"`
}

// SnapshotStore keeps the latest snapshot per aggregate. Snapshots are
// derived data and may be dropped at any time.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (Snapshot, error)
}

// Validate checks the fields every writer must provide.
func (ev NewEvent) Validate(aggregateID uuid.UUID, expectedVersion int) error {
	switch {
	case aggregateID == uuid.Nil:
		return errors.Join(ErrValidation, errors.New("aggregate id is required"))
	case expectedVersion < 0:
		return errors.Join(ErrValidation, errors.New("expected version must be >= 0"))
	case ev.AggregateType == "":
		return errors.Join(ErrValidation, errors.New("aggregate type is required"))
	case ev.Type == "":
		return errors.Join(ErrValidation, errors.New("event type is required"))
	case ev.CorrelationID == uuid.Nil:
		return errors.Join(ErrValidation, errors.New("correlation id is required"))
	case ev.CausationID == uuid.Nil:
		return errors.Join(ErrValidation, errors.New("causation id is required"))
	}
	return nil
}

// IsRetryable reports whether err is transient at the append level.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorage)
}
