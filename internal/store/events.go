package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"multiasset-ledger/internal/eventstore"
)

const eventColumns = `seq, aggregate_id, aggregate_type, aggregate_version, event_type,
	payload_json, recorded_at, correlation_id, causation_id, prev_hash, hash`

// Append is the single entry point for event inserts. Writers of the same
// stream are serialized by a transaction-scoped advisory lock so the chain
// link to the previous event is read consistently; the unique
// (aggregate_id, aggregate_version) index still backs the version check.
func (s *Store) Append(ctx context.Context, aggregateID uuid.UUID, expectedVersion int, ev eventstore.NewEvent) (int, error) {
	if err := ev.Validate(aggregateID, expectedVersion); err != nil {
		return 0, err
	}
	payloadJSON, canonical, err := eventstore.Canonical(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: payload: %v", eventstore.ErrValidation, err)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, aggregateID.String()); err != nil {
		return 0, storageErr(err)
	}

	var current int
	var prev []byte
	err = tx.QueryRow(ctx,
		`SELECT aggregate_version, hash FROM events
		  WHERE aggregate_id=$1
		  ORDER BY aggregate_version DESC
		  LIMIT 1`,
		aggregateID,
	).Scan(&current, &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		current, prev = 0, nil
	} else if err != nil {
		return 0, storageErr(err)
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: %s at version %d, expected %d", eventstore.ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}

	version := expectedVersion + 1
	hash := eventstore.ChainHash(prev, aggregateID, version, ev.Type, canonical)
	_, err = tx.Exec(ctx,
		`INSERT INTO events(
			event_id, aggregate_id, aggregate_type, aggregate_version, event_type,
			payload_json, payload_canonical, correlation_id, causation_id, prev_hash, hash
		) VALUES($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11)`,
		uuid.New(), aggregateID, ev.AggregateType, version, ev.Type,
		[]byte(payloadJSON), string(canonical), ev.CorrelationID, ev.CausationID, prev, hash,
	)
	if err != nil {
		return 0, appendErr(err, aggregateID, ev.CausationID)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, appendErr(err, aggregateID, ev.CausationID)
	}
	return version, nil
}

func appendErr(err error, aggregateID, causationID uuid.UUID) error {
	code, constraint := constraintOf(err)
	if code == pgUniqueViolation {
		switch constraint {
		case constraintStreamVersion:
			return fmt.Errorf("%w: %s", eventstore.ErrConcurrencyConflict, aggregateID)
		case constraintCausation:
			return fmt.Errorf("%w: %s", eventstore.ErrDuplicateCausation, causationID)
		}
	}
	return storageErr(err)
}

func (s *Store) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion int) ([]eventstore.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		  WHERE aggregate_id=$1 AND aggregate_version > $2
		  ORDER BY aggregate_version`,
		aggregateID, fromVersion,
	)
}

func (s *Store) LoadEventsByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]eventstore.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		  WHERE correlation_id=$1
		  ORDER BY seq`,
		correlationID,
	)
}

// AggregateIDs lists every stream of one aggregate type, for offline audits.
func (s *Store) AggregateIDs(ctx context.Context, aggregateType string) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT aggregate_id FROM events WHERE aggregate_type=$1 ORDER BY aggregate_id`,
		aggregateType,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, storageErr(err)
	}
	return ids, nil
}

func (s *Store) FindByCausation(ctx context.Context, causationID uuid.UUID) (eventstore.Event, error) {
	events, err := s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE causation_id=$1`,
		causationID,
	)
	if err != nil {
		return eventstore.Event{}, err
	}
	if len(events) == 0 {
		return eventstore.Event{}, eventstore.ErrNotFound
	}
	return events[0], nil
}

// LoadSince only returns events whose writing transactions are older than
// every transaction still in flight. A bigserial value is taken before
// commit, so without the filter a reader could see seq 12 before seq 11
// commits and skip 11 forever.
func (s *Store) LoadSince(ctx context.Context, afterSeq int64, limit int) ([]eventstore.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		  WHERE seq > $1
		    AND tx_id < pg_snapshot_xmin(pg_current_snapshot())
		  ORDER BY seq
		  LIMIT $2`,
		afterSeq, limit,
	)
}

func (s *Store) queryEvents(ctx context.Context, sql string, args ...any) ([]eventstore.Event, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	out := []eventstore.Event{}
	for rows.Next() {
		var ev eventstore.Event
		var payload []byte
		if err := rows.Scan(
			&ev.Seq, &ev.AggregateID, &ev.AggregateType, &ev.Version, &ev.Type,
			&payload, &ev.RecordedAt, &ev.CorrelationID, &ev.CausationID, &ev.PrevHash, &ev.Hash,
		); err != nil {
			return nil, storageErr(err)
		}
		ev.Payload = payload
		ev.RecordedAt = ev.RecordedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// SaveSnapshot keeps only the newest snapshot per aggregate.
func (s *Store) SaveSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO snapshots(aggregate_id, version, state, taken_at)
		 VALUES($1,$2,$3::jsonb,$4)
		 ON CONFLICT (aggregate_id) DO UPDATE
		   SET version=EXCLUDED.version, state=EXCLUDED.state, taken_at=EXCLUDED.taken_at
		 WHERE snapshots.version < EXCLUDED.version`,
		snap.AggregateID, snap.Version, []byte(snap.State), snap.TakenAt,
	)
	return storageErr(err)
}

func (s *Store) LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (eventstore.Snapshot, error) {
	snap := eventstore.Snapshot{AggregateID: aggregateID}
	var state []byte
	err := s.db.QueryRow(ctx,
		`SELECT version, state, taken_at FROM snapshots WHERE aggregate_id=$1`,
		aggregateID,
	).Scan(&snap.Version, &state, &snap.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return eventstore.Snapshot{}, eventstore.ErrNotFound
	}
	if err != nil {
		return eventstore.Snapshot{}, storageErr(err)
	}
	snap.State = state
	return snap, nil
}
