// Package ledger implements the account aggregate: state rebuilt by folding an
// account's event stream, and commands that validate invariants and produce
// new events.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"multiasset-ledger/internal/eventstore"
	"multiasset-ledger/internal/money"
)

// Account is the in-memory aggregate. Only the append path mutates it.
type Account struct {
	ID       uuid.UUID
	Version  int
	Balances map[string]int64
	Frozen   bool
}

func NewAccount(id uuid.UUID) *Account {
	return &Account{ID: id, Balances: map[string]int64{}}
}

// LoadFromHistory folds events (which must start at version 1) into a fresh aggregate.
func LoadFromHistory(id uuid.UUID, events []eventstore.Event) (*Account, error) {
	a := NewAccount(id)
	for _, ev := range events {
		if err := a.Apply(ev); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Apply folds one stored event. The event must be the next version.
func (a *Account) Apply(ev eventstore.Event) error {
	if ev.AggregateID != a.ID {
		return fmt.Errorf("%w: event for %s applied to %s", ErrCorruptHistory, ev.AggregateID, a.ID)
	}
	if ev.Version != a.Version+1 {
		return fmt.Errorf("%w: expected version %d, got %d", ErrCorruptHistory, a.Version+1, ev.Version)
	}
	p, err := Decode(ev)
	if err != nil {
		return err
	}
	if err := a.fold(p); err != nil {
		return fmt.Errorf("%s v%d: %w", a.ID, ev.Version, err)
	}
	a.Version = ev.Version
	return nil
}

func (a *Account) fold(p Payload) error {
	switch e := p.(type) {
	case Credited:
		sum, err := money.AddMinor(a.Balances[e.Asset], e.Amount)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptHistory, err)
		}
		a.Balances[e.Asset] = sum
	case Debited:
		if a.Balances[e.Asset] < e.Amount {
			return fmt.Errorf("%w: debit below zero in history", ErrCorruptHistory)
		}
		a.Balances[e.Asset] -= e.Amount
	case Frozen:
		a.Frozen = true
	case Unfrozen:
		a.Frozen = false
	default:
		return fmt.Errorf("%w: unhandled payload %T", ErrCorruptHistory, p)
	}
	return nil
}

// Balance returns the minor units held in asset.
func (a *Account) Balance(asset string) int64 {
	return a.Balances[money.NormalizeCode(asset)]
}

// Credit validates a credit and returns the event to append.
func (a *Account) Credit(asset string, amount int64, entry Entry) (Credited, error) {
	asset = money.NormalizeCode(asset)
	if err := a.checkMovement(asset, amount); err != nil {
		return Credited{}, err
	}
	if _, err := money.AddMinor(a.Balances[asset], amount); err != nil {
		return Credited{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return Credited{Asset: asset, Amount: amount, Entry: entry}, nil
}

// Debit validates a debit against the loaded balance. The caller appends
// with the loaded version as expected version, so a concurrent debit
// invalidates this decision at append time.
func (a *Account) Debit(asset string, amount int64, entry Entry) (Debited, error) {
	asset = money.NormalizeCode(asset)
	if err := a.checkMovement(asset, amount); err != nil {
		return Debited{}, err
	}
	if a.Balances[asset] < amount {
		return Debited{}, fmt.Errorf("%w: have %d %s, need %d", ErrInsufficientBalance, a.Balances[asset], asset, amount)
	}
	return Debited{Asset: asset, Amount: amount, Entry: entry}, nil
}

func (a *Account) Freeze(reason string) (Frozen, error) {
	if a.Frozen {
		return Frozen{}, ErrAccountFrozen
	}
	return Frozen{Reason: reason}, nil
}

func (a *Account) Unfreeze() (Unfrozen, error) {
	if !a.Frozen {
		return Unfrozen{}, ErrAccountNotFrozen
	}
	return Unfrozen{}, nil
}

func (a *Account) checkMovement(asset string, amount int64) error {
	if asset == "" {
		return ErrInvalidAsset
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if a.Frozen {
		return ErrAccountFrozen
	}
	return nil
}

type accountState struct {
	Balances map[string]int64 `json:"balances"`
	Frozen   bool             `json:"frozen"`
}

// Snapshot serializes the aggregate at its current version.
func (a *Account) Snapshot(now time.Time) (eventstore.Snapshot, error) {
	state, err := json.Marshal(accountState{Balances: a.Balances, Frozen: a.Frozen})
	if err != nil {
		return eventstore.Snapshot{}, err
	}
	return eventstore.Snapshot{AggregateID: a.ID, Version: a.Version, State: state, TakenAt: now}, nil
}

// FromSnapshot restores an aggregate; events after s.Version are applied on top.
func FromSnapshot(s eventstore.Snapshot) (*Account, error) {
	var st accountState
	if err := json.Unmarshal(s.State, &st); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrCorruptHistory, err)
	}
	a := NewAccount(s.AggregateID)
	a.Version = s.Version
	a.Frozen = st.Frozen
	for k, v := range st.Balances {
		a.Balances[k] = v
	}
	return a, nil
}
