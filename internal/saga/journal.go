package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"multiasset-ledger/internal/eventstore"
	"multiasset-ledger/internal/ledger"
	"multiasset-ledger/internal/money"
	"multiasset-ledger/internal/rates"
)

// Journal event types recorded on an operation's own stream.
const (
	TypeStepFailed           = "OPERATION_STEP_FAILED"
	TypeStepCancelled        = "OPERATION_STEP_CANCELLED"
	TypeCompensationApplied  = "OPERATION_COMPENSATION_APPLIED"
	TypeOperationCompensated = "OPERATION_COMPENSATED"
	TypeCompensationFailed   = "OPERATION_COMPENSATION_FAILED"
)

// JournalEntry is the closed set of operation stream events.
type JournalEntry interface {
	EventType() string
	isJournalEntry()
}

type StepFailed struct {
	StepID string `json:"step_id"`
	Reason Reason `json:"reason"`
}

// StepCancelled is recorded under the step's own causation id, so once it
// exists the step can no longer be applied by any run.
type StepCancelled struct {
	StepID string `json:"step_id"`
}

type CompensationApplied struct {
	StepID    string    `json:"step_id"`
	AccountID uuid.UUID `json:"account_id"`
	Action    Action    `json:"action"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
}

type OperationCompensated struct {
	Reason Reason `json:"reason"`
}

type CompensationFailed struct {
	StepID string `json:"step_id"`
	Reason Reason `json:"reason"`
}

func (StepFailed) EventType() string           { return TypeStepFailed }
func (StepCancelled) EventType() string        { return TypeStepCancelled }
func (CompensationApplied) EventType() string  { return TypeCompensationApplied }
func (OperationCompensated) EventType() string { return TypeOperationCompensated }
func (CompensationFailed) EventType() string   { return TypeCompensationFailed }

func (StepFailed) isJournalEntry()           {}
func (StepCancelled) isJournalEntry()        {}
func (CompensationApplied) isJournalEntry()  {}
func (OperationCompensated) isJournalEntry() {}
func (CompensationFailed) isJournalEntry()   {}

// DecodeJournal maps a stored operation event back to its variant.
func DecodeJournal(ev eventstore.Event) (JournalEntry, error) {
	var (
		entry JournalEntry
		err   error
	)
	switch ev.Type {
	case TypeStepFailed:
		var e StepFailed
		err = json.Unmarshal(ev.Payload, &e)
		entry = e
	case TypeStepCancelled:
		var e StepCancelled
		err = json.Unmarshal(ev.Payload, &e)
		entry = e
	case TypeCompensationApplied:
		var e CompensationApplied
		err = json.Unmarshal(ev.Payload, &e)
		entry = e
	case TypeOperationCompensated:
		var e OperationCompensated
		err = json.Unmarshal(ev.Payload, &e)
		entry = e
	case TypeCompensationFailed:
		var e CompensationFailed
		err = json.Unmarshal(ev.Payload, &e)
		entry = e
	default:
		return nil, fmt.Errorf("saga: unknown journal event %q", ev.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: decode %s v%d: %w", ev.Type, ev.Version, err)
	}
	return entry, nil
}

// ReasonFor maps an error from a step or hook to its reason code. Unknown
// errors are treated as infrastructure failures.
func ReasonFor(err error) Reason {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAsset),
		errors.Is(err, money.ErrPrecision),
		errors.Is(err, money.ErrOverflow),
		errors.Is(err, money.ErrUnknownAsset):
		return ReasonInvalidAmount
	case errors.Is(err, ledger.ErrAccountFrozen):
		return ReasonAccountFrozen
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return ReasonInsufficientBalance
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		return ReasonConcurrencyConflict
	case errors.Is(err, ErrStaleRate):
		return ReasonStaleRate
	case errors.Is(err, rates.ErrUnavailable), errors.Is(err, rates.ErrInvalidQuote), errors.Is(err, money.ErrInvalidRate):
		return ReasonRateUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonStorageError
	}
}
