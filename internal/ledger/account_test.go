package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multiasset-ledger/internal/eventstore"
	"multiasset-ledger/internal/ledger"
	"multiasset-ledger/internal/store/memory"
)

func appendPayload(t *testing.T, st *memory.EventStore, id uuid.UUID, version int, p ledger.Payload) {
	t.Helper()
	_, err := st.Append(context.Background(), id, version, eventstore.NewEvent{
		AggregateType: eventstore.AggregateAccount,
		Type:          p.EventType(),
		Payload:       p,
		CorrelationID: uuid.New(),
		CausationID:   uuid.New(),
	})
	require.NoError(t, err)
}

func history(t *testing.T, id uuid.UUID, payloads ...ledger.Payload) []eventstore.Event {
	t.Helper()
	st := memory.NewEventStore()
	for i, p := range payloads {
		appendPayload(t, st, id, i, p)
	}
	events, err := st.LoadEvents(context.Background(), id, 0)
	require.NoError(t, err)
	return events
}

func TestLoadFromHistory_FoldsBalancesAndFreeze(t *testing.T) {
	id := uuid.New()
	events := history(t, id,
		ledger.Credited{Asset: "USD", Amount: 10000, Entry: ledger.EntryDeposit},
		ledger.Credited{Asset: "EUR", Amount: 500, Entry: ledger.EntryDeposit},
		ledger.Debited{Asset: "USD", Amount: 2500, Entry: ledger.EntryWithdrawal},
		ledger.Frozen{Reason: "kyc review"},
	)

	acc, err := ledger.LoadFromHistory(id, events)
	require.NoError(t, err)

	assert.Equal(t, 4, acc.Version)
	assert.Equal(t, int64(7500), acc.Balance("USD"))
	assert.Equal(t, int64(500), acc.Balance("eur"))
	assert.True(t, acc.Frozen)
}

func TestLoadFromHistory_IsDeterministic(t *testing.T) {
	id := uuid.New()
	events := history(t, id,
		ledger.Credited{Asset: "USD", Amount: 100, Entry: ledger.EntryDeposit},
		ledger.Credited{Asset: "BTC", Amount: 7, Entry: ledger.EntryDeposit},
		ledger.Debited{Asset: "USD", Amount: 40, Entry: ledger.EntryTransfer},
		ledger.Frozen{},
		ledger.Unfrozen{},
	)

	first, err := ledger.LoadFromHistory(id, events)
	require.NoError(t, err)
	second, err := ledger.LoadFromHistory(id, events)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLoadFromHistory_RejectsVersionGap(t *testing.T) {
	id := uuid.New()
	events := history(t, id,
		ledger.Credited{Asset: "USD", Amount: 100, Entry: ledger.EntryDeposit},
		ledger.Credited{Asset: "USD", Amount: 100, Entry: ledger.EntryDeposit},
	)

	_, err := ledger.LoadFromHistory(id, events[1:])
	assert.ErrorIs(t, err, ledger.ErrCorruptHistory)
}

func TestAccountCommands(t *testing.T) {
	acc := ledger.NewAccount(uuid.New())
	acc.Balances["USD"] = 10000

	_, err := acc.Credit("USD", 0, ledger.EntryDeposit)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = acc.Debit("USD", -5, ledger.EntryWithdrawal)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = acc.Debit("USD", 15000, ledger.EntryWithdrawal)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	d, err := acc.Debit("usd", 10000, ledger.EntryWithdrawal)
	require.NoError(t, err)
	assert.Equal(t, ledger.Debited{Asset: "USD", Amount: 10000, Entry: ledger.EntryWithdrawal}, d)

	_, err = acc.Unfreeze()
	assert.ErrorIs(t, err, ledger.ErrAccountNotFrozen)

	acc.Frozen = true
	_, err = acc.Credit("USD", 1, ledger.EntryDeposit)
	assert.ErrorIs(t, err, ledger.ErrAccountFrozen)
	_, err = acc.Debit("USD", 1, ledger.EntryWithdrawal)
	assert.ErrorIs(t, err, ledger.ErrAccountFrozen)
	_, err = acc.Freeze("again")
	assert.ErrorIs(t, err, ledger.ErrAccountFrozen)
}

func TestSnapshotRoundTrip(t *testing.T) {
	id := uuid.New()
	acc, err := ledger.LoadFromHistory(id, history(t, id,
		ledger.Credited{Asset: "USD", Amount: 300, Entry: ledger.EntryDeposit},
		ledger.Frozen{Reason: "ops"},
	))
	require.NoError(t, err)

	snap, err := acc.Snapshot(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)

	restored, err := ledger.FromSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, acc, restored)
}
