// Package engine is the command surface of the ledger: it validates caller
// input, creates saga operations and hands them to a runner, and serves
// operation status and projected balances.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"multiasset-ledger/internal/ledger"
	"multiasset-ledger/internal/money"
	"multiasset-ledger/internal/projection"
	"multiasset-ledger/internal/saga"
)

var (
	ErrValidation          = errors.New("engine: validation error")
	ErrIdempotencyConflict = errors.New("engine: reference reused with a different request")
	ErrNotFound            = errors.New("engine: not found")
)

// Submitter schedules an operation for execution.
type Submitter interface {
	Submit(ctx context.Context, id uuid.UUID) error
}

// Inline runs operations on the caller's goroutine; the command returns
// once the operation is terminal or blocked.
type Inline struct {
	Orchestrator *saga.Orchestrator
}

func (i Inline) Submit(ctx context.Context, id uuid.UUID) error {
	_, err := i.Orchestrator.Run(ctx, id)
	return err
}

type Engine struct {
	sagas      saga.Repository
	submitter  Submitter
	ledger     *ledger.Service
	projection *projection.Projection
	assets     money.Registry
	logger     *zap.Logger
	now        func() time.Time
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(sagas saga.Repository, submitter Submitter, l *ledger.Service, p *projection.Projection, assets money.Registry, opts ...Option) *Engine {
	e := &Engine{
		sagas:      sagas,
		submitter:  submitter,
		ledger:     l,
		projection: p,
		assets:     assets,
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deposit credits an account after an external payment was confirmed. A
// non-empty externalRef makes the call idempotent.
func (e *Engine) Deposit(ctx context.Context, accountID uuid.UUID, asset string, amount int64, externalRef string) (uuid.UUID, error) {
	a, err := e.validate(accountID, asset, amount)
	if err != nil {
		return uuid.Nil, err
	}
	op := saga.NewDeposit(accountID, a.Code, amount, e.now())
	shape := requestShape{Type: saga.TypeDeposit, To: accountID.String(), Asset: a.Code, Amount: amount}
	return e.start(ctx, op, shape, externalRef)
}

func (e *Engine) Withdraw(ctx context.Context, accountID uuid.UUID, asset string, amount int64) (uuid.UUID, error) {
	a, err := e.validate(accountID, asset, amount)
	if err != nil {
		return uuid.Nil, err
	}
	op := saga.NewWithdraw(accountID, a.Code, amount, e.now())
	return e.start(ctx, op, requestShape{}, "")
}

// Transfer moves amount between two accounts. A non-empty reference makes
// the call idempotent.
func (e *Engine) Transfer(ctx context.Context, from, to uuid.UUID, asset string, amount int64, reference string) (uuid.UUID, error) {
	a, err := e.validate(from, asset, amount)
	if err != nil {
		return uuid.Nil, err
	}
	if to == uuid.Nil || to == from {
		return uuid.Nil, fmt.Errorf("%w: destination must be a different account", ErrValidation)
	}
	op := saga.NewTransfer(from, to, a.Code, amount, e.now())
	shape := requestShape{Type: saga.TypeTransfer, From: from.String(), To: to.String(), Asset: a.Code, Amount: amount}
	return e.start(ctx, op, shape, reference)
}

func (e *Engine) Convert(ctx context.Context, accountID uuid.UUID, fromAsset, toAsset string, amount int64) (uuid.UUID, error) {
	from, err := e.validate(accountID, fromAsset, amount)
	if err != nil {
		return uuid.Nil, err
	}
	to, err := e.asset(toAsset)
	if err != nil {
		return uuid.Nil, err
	}
	if from.Code == to.Code {
		return uuid.Nil, fmt.Errorf("%w: cannot convert %s into itself", ErrValidation, from.Code)
	}
	op := saga.NewConvert(accountID, from.Code, to.Code, amount, e.now())
	return e.start(ctx, op, requestShape{}, "")
}

// FreezeAccount blocks all credits and debits on the account.
func (e *Engine) FreezeAccount(ctx context.Context, accountID uuid.UUID, reason string) error {
	return e.admin(ctx, accountID, ledger.Command{Kind: ledger.CommandFreeze, Reason: strings.TrimSpace(reason)})
}

func (e *Engine) UnfreezeAccount(ctx context.Context, accountID uuid.UUID) error {
	return e.admin(ctx, accountID, ledger.Command{Kind: ledger.CommandUnfreeze})
}

func (e *Engine) admin(ctx context.Context, accountID uuid.UUID, cmd ledger.Command) error {
	if accountID == uuid.Nil {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	cmd.CorrelationID = uuid.New()
	cmd.CausationID = uuid.New()
	_, err := e.ledger.Execute(ctx, accountID, cmd)
	return err
}

// OperationStatus is what callers polling an operation see.
type OperationStatus struct {
	OperationID uuid.UUID   `json:"operation_id"`
	Type        saga.Type   `json:"type"`
	Status      saga.Status `json:"status"`
	Reason      saga.Reason `json:"reason,omitempty"`
	Steps       []saga.Step `json:"steps"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (e *Engine) GetOperationStatus(ctx context.Context, id uuid.UUID) (OperationStatus, error) {
	op, err := e.sagas.Get(ctx, id)
	if errors.Is(err, saga.ErrNotFound) {
		return OperationStatus{}, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	if err != nil {
		return OperationStatus{}, err
	}
	return OperationStatus{
		OperationID: op.ID,
		Type:        op.Type,
		Status:      op.VisibleStatus(),
		Reason:      op.Reason,
		Steps:       op.Steps,
		CreatedAt:   op.CreatedAt,
		UpdatedAt:   op.UpdatedAt,
	}, nil
}

// GetBalance reads the balance projection. It may trail the event store by
// the projector interval.
func (e *Engine) GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (int64, error) {
	if accountID == uuid.Nil {
		return 0, fmt.Errorf("%w: account id is required", ErrValidation)
	}
	a, err := e.asset(asset)
	if err != nil {
		return 0, err
	}
	return e.projection.GetBalance(ctx, accountID, a.Code)
}

// ParseAmount converts a major-unit string into minor units of asset,
// rejecting digits beyond the asset's precision.
func (e *Engine) ParseAmount(asset, major string) (int64, error) {
	a, err := e.asset(asset)
	if err != nil {
		return 0, err
	}
	minor, err := money.ParseMajor(major, a)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return minor, nil
}

func (e *Engine) validate(accountID uuid.UUID, asset string, amount int64) (money.Asset, error) {
	if accountID == uuid.Nil {
		return money.Asset{}, fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if amount <= 0 {
		return money.Asset{}, fmt.Errorf("%w: %w: %d", ErrValidation, ledger.ErrInvalidAmount, amount)
	}
	return e.asset(asset)
}

func (e *Engine) asset(code string) (money.Asset, error) {
	a, err := e.assets.Lookup(code)
	if err != nil {
		return money.Asset{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return a, nil
}

// requestShape is the deterministic form of an idempotent request.
type requestShape struct {
	Type      saga.Type `json:"type"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
}

func hashRequest(shape requestShape) (string, error) {
	b, err := json.Marshal(shape)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

// start persists op and submits it. With a reference the operation id is
// derived from it, so a retried request finds the first operation; the
// same reference with a different request is rejected.
func (e *Engine) start(ctx context.Context, op *saga.Operation, shape requestShape, reference string) (uuid.UUID, error) {
	if reference = strings.TrimSpace(reference); reference != "" {
		shape.Reference = reference
		hash, err := hashRequest(shape)
		if err != nil {
			return uuid.Nil, err
		}
		op.ID = saga.ReferenceID(op.Type, reference)
		op.Reference = reference
		op.RequestHash = hash
	}

	err := e.sagas.Create(ctx, op)
	if errors.Is(err, saga.ErrAlreadyExists) && op.Reference != "" {
		existing, gerr := e.sagas.Get(ctx, op.ID)
		if gerr != nil {
			return uuid.Nil, gerr
		}
		if existing.RequestHash != op.RequestHash {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrIdempotencyConflict, reference)
		}
		e.logger.Debug("idempotent replay", zap.Stringer("operation_id", op.ID), zap.String("reference", reference))
		if !existing.Status.IsTerminal() {
			e.submit(ctx, op.ID)
		}
		return op.ID, nil
	}
	if err != nil {
		return uuid.Nil, err
	}

	e.logger.Info("operation accepted",
		zap.Stringer("operation_id", op.ID),
		zap.String("type", string(op.Type)),
	)
	e.submit(ctx, op.ID)
	return op.ID, nil
}

// submit never fails the command: the operation is already persisted and
// the recovery sweep resumes anything a runner did not finish.
func (e *Engine) submit(ctx context.Context, id uuid.UUID) {
	if err := e.submitter.Submit(ctx, id); err != nil {
		e.logger.Warn("operation not run yet", zap.Stringer("operation_id", id), zap.Error(err))
	}
}
