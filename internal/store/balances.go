package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"multiasset-ledger/internal/projection"
)

// ApplyDelta upserts the row in one statement; the version guard in the
// conflict clause makes replays of an applied event a no-op.
func (s *Store) ApplyDelta(ctx context.Context, accountID uuid.UUID, asset string, delta int64, version int) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO balances(account_id, asset, balance, last_applied_version, updated_at)
		 VALUES($1,$2,$3,$4,now())
		 ON CONFLICT (account_id, asset) DO UPDATE
		   SET balance=balances.balance + EXCLUDED.balance,
		       last_applied_version=EXCLUDED.last_applied_version,
		       updated_at=now()
		 WHERE balances.last_applied_version < EXCLUDED.last_applied_version`,
		accountID, asset, delta, version,
	)
	if err != nil {
		if code, _ := constraintOf(err); code == pgCheckViolation {
			return false, fmt.Errorf("projection: %s/%s would go negative at version %d: %w", accountID, asset, version, err)
		}
		return false, storageErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Get(ctx context.Context, accountID uuid.UUID, asset string) (projection.Row, error) {
	r := projection.Row{AccountID: accountID, Asset: asset}
	err := s.db.QueryRow(ctx,
		`SELECT balance, last_applied_version, updated_at
		   FROM balances
		  WHERE account_id=$1 AND asset=$2`,
		accountID, asset,
	).Scan(&r.Balance, &r.LastAppliedVersion, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return projection.Row{}, projection.ErrNotFound
	}
	if err != nil {
		return projection.Row{}, storageErr(err)
	}
	return r, nil
}

func (s *Store) List(ctx context.Context, accountID uuid.UUID) ([]projection.Row, error) {
	rows, err := s.db.Query(ctx,
		`SELECT asset, balance, last_applied_version, updated_at
		   FROM balances
		  WHERE account_id=$1
		  ORDER BY asset`,
		accountID,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []projection.Row
	for rows.Next() {
		r := projection.Row{AccountID: accountID}
		if err := rows.Scan(&r.Asset, &r.Balance, &r.LastAppliedVersion, &r.UpdatedAt); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, r)
	}
	return out, storageErr(rows.Err())
}

// ReplaceAccount deletes and rewrites an account's rows in one transaction,
// so readers never see a partially rebuilt account.
func (s *Store) ReplaceAccount(ctx context.Context, accountID uuid.UUID, rows []projection.Row) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM balances WHERE account_id=$1`, accountID); err != nil {
		return storageErr(err)
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO balances(account_id, asset, balance, last_applied_version, updated_at)
			 VALUES($1,$2,$3,$4,now())`,
			accountID, r.Asset, r.Balance, r.LastAppliedVersion,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return storageErr(err)
		}
	}
	return storageErr(tx.Commit(ctx))
}

func (s *Store) LoadCheckpoint(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx, `SELECT seq FROM projector_checkpoints WHERE name=$1`, name).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr(err)
	}
	return seq, nil
}

// SaveCheckpoint never moves a checkpoint backwards.
func (s *Store) SaveCheckpoint(ctx context.Context, name string, seq int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO projector_checkpoints(name, seq, updated_at)
		 VALUES($1,$2,now())
		 ON CONFLICT (name) DO UPDATE
		   SET seq=EXCLUDED.seq, updated_at=now()
		 WHERE projector_checkpoints.seq < EXCLUDED.seq`,
		name, seq,
	)
	return storageErr(err)
}
