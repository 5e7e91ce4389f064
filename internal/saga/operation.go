// Package saga coordinates multi-step money movements. Each operation is a
// persisted state machine whose steps are single-account ledger commands;
// an interpreter advances the steps and, when a step fails after earlier
// steps took effect, applies their inverses in reverse order.
package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"multiasset-ledger/internal/ledger"
	"multiasset-ledger/internal/rates"
)

var (
	ErrNotFound          = errors.New("saga: operation not found")
	ErrAlreadyExists     = errors.New("saga: operation already exists")
	ErrRevisionConflict  = errors.New("saga: operation modified concurrently")
	ErrInvalidTransition = errors.New("saga: invalid status transition")
	ErrUnknownWorkflow   = errors.New("saga: unknown workflow")
	ErrStaleRate         = errors.New("saga: exchange rate expired")
)

type Type string

const (
	TypeDeposit  Type = "DEPOSIT"
	TypeWithdraw Type = "WITHDRAW"
	TypeTransfer Type = "TRANSFER"
	TypeConvert  Type = "CONVERT"
)

// Entry is the ledger entry kind recorded for the operation's steps.
func (t Type) Entry() ledger.Entry {
	switch t {
	case TypeDeposit:
		return ledger.EntryDeposit
	case TypeWithdraw:
		return ledger.EntryWithdrawal
	case TypeTransfer:
		return ledger.EntryTransfer
	case TypeConvert:
		return ledger.EntryConversion
	}
	return ""
}

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCompensating, StatusCompensated:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// CanTransitionTo reports whether the lifecycle allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusFailed
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed || next == StatusCompensating
	case StatusCompensating:
		return next == StatusCompensated || next == StatusFailed
	default:
		return false
	}
}

// Reason is the machine-readable cause carried by Failed and Compensated operations.
type Reason string

const (
	ReasonInvalidAmount       Reason = "INVALID_AMOUNT"
	ReasonAccountFrozen       Reason = "ACCOUNT_FROZEN"
	ReasonInsufficientBalance Reason = "INSUFFICIENT_BALANCE"
	ReasonConcurrencyConflict Reason = "CONCURRENCY_CONFLICT"
	ReasonStaleRate           Reason = "STALE_RATE"
	ReasonRateUnavailable     Reason = "RATE_UNAVAILABLE"
	ReasonStorageError        Reason = "STORAGE_ERROR"
	ReasonCompensationFailed  Reason = "COMPENSATION_FAILED"
	ReasonTimeout             Reason = "TIMEOUT"
)

type Action string

const (
	ActionCredit Action = "CREDIT"
	ActionDebit  Action = "DEBIT"
)

// Inverse is the action that undoes a.
func (a Action) Inverse() Action {
	if a == ActionCredit {
		return ActionDebit
	}
	return ActionCredit
}

type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepApplied     StepStatus = "APPLIED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// Step is one single-account ledger command of an operation.
type Step struct {
	ID        string     `json:"step_id"`
	AccountID uuid.UUID  `json:"account_id"`
	Action    Action     `json:"action"`
	Asset     string     `json:"asset"`
	Amount    int64      `json:"amount"`
	Status    StepStatus `json:"status"`
	// Version of the account event written by the step, once applied.
	Version int `json:"version,omitempty"`
	// CompensationVersion of the reversing event, once compensated.
	CompensationVersion int `json:"compensation_version,omitempty"`
}

// Operation is one saga instance.
type Operation struct {
	ID          uuid.UUID    `json:"operation_id"`
	Type        Type         `json:"type"`
	Status      Status       `json:"status"`
	Reason      Reason       `json:"reason,omitempty"`
	Steps       []Step       `json:"steps"`
	Quote       *rates.Quote `json:"quote,omitempty"`
	Reference   string       `json:"reference,omitempty"`
	RequestHash string       `json:"request_hash,omitempty"`
	Attempts    int          `json:"attempts"`
	Revision    int          `json:"revision"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Transition moves op to next, refusing moves the lifecycle does not allow.
func (op *Operation) Transition(next Status, reason Reason, now time.Time) error {
	if !op.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, op.ID, op.Status, next)
	}
	op.Status = next
	if reason != "" {
		op.Reason = reason
	}
	op.UpdatedAt = now
	return nil
}

// Applied reports whether any step has a side effect that is not yet undone.
func (op *Operation) Applied() bool {
	for _, s := range op.Steps {
		if s.Status == StepApplied {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (op *Operation) Clone() *Operation {
	c := *op
	c.Steps = append([]Step(nil), op.Steps...)
	if op.Quote != nil {
		q := *op.Quote
		c.Quote = &q
	}
	return &c
}

// VisibleStatus is the status shown to callers: compensation in flight is
// still reported as in progress.
func (op *Operation) VisibleStatus() Status {
	if op.Status == StatusCompensating {
		return StatusInProgress
	}
	return op.Status
}

var causationNamespace = uuid.MustParse("8f3c2a6e-5d1b-4c7e-9a0f-2b6d8e4f1c3a")

// StepCausation is the causation id for applying a step. Re-executing the
// step produces the same id, so the event store records it at most once.
func StepCausation(operationID uuid.UUID, stepID string) uuid.UUID {
	return uuid.NewSHA1(causationNamespace, []byte(operationID.String()+"/"+stepID))
}

// CompensationCausation is the causation id of the step's reversing command.
func CompensationCausation(operationID uuid.UUID, stepID string) uuid.UUID {
	return StepCausation(operationID, stepID+":compensate")
}

// ReferenceID derives a stable operation id from a caller reference.
func ReferenceID(t Type, reference string) uuid.UUID {
	return uuid.NewSHA1(causationNamespace, []byte("ref/"+string(t)+"/"+reference))
}
