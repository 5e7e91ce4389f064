package ledger

import (
	"encoding/json"
	"fmt"

	"multiasset-ledger/internal/eventstore"
)

// Event types recorded on account streams.
const (
	TypeCredited = "ACCOUNT_CREDITED"
	TypeDebited  = "ACCOUNT_DEBITED"
	TypeFrozen   = "ACCOUNT_FROZEN"
	TypeUnfrozen = "ACCOUNT_UNFROZEN"
)

// Entry classifies why a balance moved.
type Entry string

const (
	EntryDeposit      Entry = "DEPOSIT"
	EntryWithdrawal   Entry = "WITHDRAWAL"
	EntryTransfer     Entry = "TRANSFER"
	EntryConversion   Entry = "CONVERSION"
	EntryCompensation Entry = "COMPENSATION"
)

// Payload is the closed set of account events. Only this package can add variants.
type Payload interface {
	EventType() string
	isAccountEvent()
}

type Credited struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
	Entry  Entry  `json:"entry"`
}

type Debited struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
	Entry  Entry  `json:"entry"`
}

type Frozen struct {
	Reason string `json:"reason"`
}

type Unfrozen struct{}

func (Credited) EventType() string { return TypeCredited }
func (Debited) EventType() string  { return TypeDebited }
func (Frozen) EventType() string   { return TypeFrozen }
func (Unfrozen) EventType() string { return TypeUnfrozen }

func (Credited) isAccountEvent() {}
func (Debited) isAccountEvent()  {}
func (Frozen) isAccountEvent()   {}
func (Unfrozen) isAccountEvent() {}

// Decode maps a stored event back to its account variant.
func Decode(ev eventstore.Event) (Payload, error) {
	switch ev.Type {
	case TypeCredited:
		var p Credited
		if err := unmarshal(ev, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeDebited:
		var p Debited
		if err := unmarshal(ev, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeFrozen:
		var p Frozen
		if err := unmarshal(ev, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TypeUnfrozen:
		return Unfrozen{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown account event type %q", ErrCorruptHistory, ev.Type)
	}
}

func unmarshal(ev eventstore.Event, dst any) error {
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s v%d: %v", ErrCorruptHistory, ev.Type, ev.Version, err)
	}
	return nil
}
