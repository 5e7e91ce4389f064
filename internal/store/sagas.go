package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"multiasset-ledger/internal/rates"
	"multiasset-ledger/internal/saga"
)

const sagaColumns = `operation_id, type, status, reason, steps, quote, reference,
	request_hash, attempts, revision, created_at, updated_at`

func (s *Store) Create(ctx context.Context, op *saga.Operation) error {
	steps, quote, err := encodeSaga(op)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO sagas(`+sagaColumns+`)
		 VALUES($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,1,$10,$11)`,
		op.ID, string(op.Type), string(op.Status), string(op.Reason), steps, quote,
		op.Reference, op.RequestHash, op.Attempts, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		if code, constraint := constraintOf(err); code == pgUniqueViolation && constraint == constraintSagaPK {
			return fmt.Errorf("%w: %s", saga.ErrAlreadyExists, op.ID)
		}
		return storageErr(err)
	}
	op.Revision = 1
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*saga.Operation, error) {
	op, err := scanSaga(s.db.QueryRow(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE operation_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", saga.ErrNotFound, id)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return op, nil
}

// Save writes op only if nobody saved it since it was read.
func (s *Store) Save(ctx context.Context, op *saga.Operation) error {
	steps, quote, err := encodeSaga(op)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE sagas
		    SET status=$3, reason=$4, steps=$5::jsonb, quote=$6::jsonb,
		        attempts=$7, updated_at=$8, revision=revision+1
		  WHERE operation_id=$1 AND revision=$2`,
		op.ID, op.Revision, string(op.Status), string(op.Reason), steps, quote, op.Attempts, op.UpdatedAt,
	)
	if err != nil {
		return storageErr(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sagas WHERE operation_id=$1)`, op.ID).Scan(&exists); err != nil {
			return storageErr(err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", saga.ErrNotFound, op.ID)
		}
		return fmt.Errorf("%w: %s at revision %d", saga.ErrRevisionConflict, op.ID, op.Revision)
	}
	op.Revision++
	return nil
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*saga.Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+sagaColumns+` FROM sagas
		  WHERE status IN ('PENDING','IN_PROGRESS','COMPENSATING')
		    AND updated_at < $1
		  ORDER BY updated_at
		  LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []*saga.Operation
	for rows.Next() {
		op, err := scanSaga(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		out = append(out, op)
	}
	return out, storageErr(rows.Err())
}

func encodeSaga(op *saga.Operation) (steps, quote []byte, err error) {
	steps, err = json.Marshal(op.Steps)
	if err != nil {
		return nil, nil, err
	}
	if op.Quote != nil {
		if quote, err = json.Marshal(op.Quote); err != nil {
			return nil, nil, err
		}
	}
	return steps, quote, nil
}

func scanSaga(row pgx.Row) (*saga.Operation, error) {
	var (
		op                  saga.Operation
		typ, status, reason string
		steps, quote        []byte
	)
	if err := row.Scan(
		&op.ID, &typ, &status, &reason, &steps, &quote, &op.Reference,
		&op.RequestHash, &op.Attempts, &op.Revision, &op.CreatedAt, &op.UpdatedAt,
	); err != nil {
		return nil, err
	}
	op.Type, op.Status, op.Reason = saga.Type(typ), saga.Status(status), saga.Reason(reason)
	if err := json.Unmarshal(steps, &op.Steps); err != nil {
		return nil, fmt.Errorf("saga %s steps: %w", op.ID, err)
	}
	if len(quote) > 0 {
		var q rates.Quote
		if err := json.Unmarshal(quote, &q); err != nil {
			return nil, fmt.Errorf("saga %s quote: %w", op.ID, err)
		}
		op.Quote = &q
	}
	op.CreatedAt, op.UpdatedAt = op.CreatedAt.UTC(), op.UpdatedAt.UTC()
	return &op, nil
}
