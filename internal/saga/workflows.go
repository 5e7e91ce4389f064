package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"multiasset-ledger/internal/ledger"
	"multiasset-ledger/internal/money"
	"multiasset-ledger/internal/rates"
)

// Workflow supplies the per-type hooks the interpreter calls. The steps
// themselves are data on the Operation.
type Workflow interface {
	Type() Type
	// Prepare runs before the first pending step on every run.
	Prepare(ctx context.Context, op *Operation) error
	// BeforeStep runs right before step i is executed.
	BeforeStep(ctx context.Context, op *Operation, i int) error
}

// Step ids are stable across runs; causation ids are derived from them.
const (
	StepCredit = "credit"
	StepDebit  = "debit"
)

func newOperation(t Type, now time.Time, steps ...Step) *Operation {
	for i := range steps {
		steps[i].Status = StepPending
		steps[i].Asset = money.NormalizeCode(steps[i].Asset)
	}
	return &Operation{
		ID:        uuid.New(),
		Type:      t,
		Status:    StatusPending,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func NewDeposit(account uuid.UUID, asset string, amount int64, now time.Time) *Operation {
	return newOperation(TypeDeposit, now,
		Step{ID: StepCredit, AccountID: account, Action: ActionCredit, Asset: asset, Amount: amount})
}

func NewWithdraw(account uuid.UUID, asset string, amount int64, now time.Time) *Operation {
	return newOperation(TypeWithdraw, now,
		Step{ID: StepDebit, AccountID: account, Action: ActionDebit, Asset: asset, Amount: amount})
}

// NewTransfer always debits the source before crediting the destination.
func NewTransfer(from, to uuid.UUID, asset string, amount int64, now time.Time) *Operation {
	return newOperation(TypeTransfer, now,
		Step{ID: StepDebit, AccountID: from, Action: ActionDebit, Asset: asset, Amount: amount},
		Step{ID: StepCredit, AccountID: to, Action: ActionCredit, Asset: asset, Amount: amount},
	)
}

// NewConvert leaves the credit amount at zero; the convert workflow fills it
// in from the quote before the debit runs.
func NewConvert(account uuid.UUID, fromAsset, toAsset string, amount int64, now time.Time) *Operation {
	return newOperation(TypeConvert, now,
		Step{ID: StepDebit, AccountID: account, Action: ActionDebit, Asset: fromAsset, Amount: amount},
		Step{ID: StepCredit, AccountID: account, Action: ActionCredit, Asset: toAsset},
	)
}

// simple is the workflow of operations whose steps need no preparation.
type simple struct{ t Type }

func (w simple) Type() Type                                      { return w.t }
func (simple) Prepare(context.Context, *Operation) error         { return nil }
func (simple) BeforeStep(context.Context, *Operation, int) error { return nil }

func DepositWorkflow() Workflow  { return simple{TypeDeposit} }
func WithdrawWorkflow() Workflow { return simple{TypeWithdraw} }
func TransferWorkflow() Workflow { return simple{TypeTransfer} }

// DefaultQuoteRefreshes is how many times an already expired quote is
// refetched before the conversion gives up with StaleRate.
const DefaultQuoteRefreshes = 2

// ConvertWorkflow quotes the pair, sizes the credit by truncating toward
// zero, and refuses to credit on an expired quote.
type ConvertWorkflow struct {
	rates     rates.Provider
	assets    money.Registry
	now       func() time.Time
	refreshes int
}

func NewConvertWorkflow(provider rates.Provider, assets money.Registry, now func() time.Time, refreshes int) *ConvertWorkflow {
	if now == nil {
		now = time.Now
	}
	if refreshes < 0 {
		refreshes = DefaultQuoteRefreshes
	}
	return &ConvertWorkflow{rates: provider, assets: assets, now: now, refreshes: refreshes}
}

func (w *ConvertWorkflow) Type() Type { return TypeConvert }

func (w *ConvertWorkflow) Prepare(ctx context.Context, op *Operation) error {
	if len(op.Steps) != 2 {
		return fmt.Errorf("%w: convert expects 2 steps, got %d", ledger.ErrInvalidAmount, len(op.Steps))
	}
	debit := op.Steps[0]
	if debit.Status != StepPending {
		// The debit is applied: the quote is locked in. Staleness is
		// checked again before the credit.
		return nil
	}
	if op.Quote != nil && !op.Quote.Expired(w.now()) {
		return nil
	}

	from, err := w.assets.Lookup(debit.Asset)
	if err != nil {
		return err
	}
	to, err := w.assets.Lookup(op.Steps[1].Asset)
	if err != nil {
		return err
	}

	for attempt := 0; attempt <= w.refreshes; attempt++ {
		q, err := w.rates.GetRate(ctx, from.Code, to.Code)
		if err != nil {
			return err
		}
		if err := q.Validate(); err != nil {
			return err
		}
		if q.Expired(w.now()) {
			continue
		}
		credit, err := money.ConvertFloor(debit.Amount, q.Rate, from, to)
		if err != nil {
			return err
		}
		if credit <= 0 {
			return fmt.Errorf("%w: %d %s converts to nothing at %s", ledger.ErrInvalidAmount, debit.Amount, from.Code, q.Rate)
		}
		op.Quote = &q
		op.Steps[1].Amount = credit
		return nil
	}
	return fmt.Errorf("%w: %s/%s quote expired on arrival", ErrStaleRate, from.Code, to.Code)
}

func (w *ConvertWorkflow) BeforeStep(ctx context.Context, op *Operation, i int) error {
	if op.Steps[i].Action != ActionCredit {
		return nil
	}
	if op.Quote == nil {
		return fmt.Errorf("%w: no quote recorded", ErrStaleRate)
	}
	if op.Quote.Expired(w.now()) {
		return fmt.Errorf("%w: quote valid until %s", ErrStaleRate, op.Quote.ValidUntil.Format(time.RFC3339))
	}
	return nil
}
