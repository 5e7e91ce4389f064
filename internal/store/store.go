// Package store implements the ledger's persistence contracts on PostgreSQL
// through a pgx connection pool: the event log with snapshots, the balance
// projection with its checkpoints, and the saga repository.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"multiasset-ledger/internal/eventstore"
	"multiasset-ledger/internal/projection"
	"multiasset-ledger/internal/saga"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	constraintStreamVersion = "events_stream_version_key"
	constraintCausation     = "events_causation_key"
	constraintSagaPK        = "sagas_pkey"
)

type Store struct {
	db *pgxpool.Pool
}

var (
	_ eventstore.Store         = (*Store)(nil)
	_ eventstore.SnapshotStore = (*Store)(nil)
	_ projection.Repository    = (*Store)(nil)
	_ projection.Checkpoints   = (*Store)(nil)
	_ saga.Repository          = (*Store)(nil)
)

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

// Ping checks the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return tx, nil
}

// constraintOf returns the violated constraint for a unique or check
// violation, or "".
func constraintOf(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", eventstore.ErrStorage, err)
}
