package eventstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multiasset-ledger/internal/eventstore"
	"multiasset-ledger/internal/store/memory"
)

func seedStream(t *testing.T, n int) []eventstore.Event {
	t.Helper()
	ctx := context.Background()
	st := memory.NewEventStore()
	id := uuid.New()
	for i := 0; i < n; i++ {
		_, err := st.Append(ctx, id, i, eventstore.NewEvent{
			AggregateType: eventstore.AggregateAccount,
			Type:          "ACCOUNT_CREDITED",
			Payload:       map[string]any{"asset": "USD", "amount": 100 + i, "entry": "DEPOSIT"},
			CorrelationID: uuid.New(),
			CausationID:   uuid.New(),
		})
		require.NoError(t, err)
	}
	events, err := st.LoadEvents(ctx, id, 0)
	require.NoError(t, err)
	return events
}

func TestCanonical_SortsKeys(t *testing.T) {
	raw, canon, err := eventstore.Canonical(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"x","b":1}`, string(raw))
	assert.Equal(t, `{"a":"x","b":1}`, string(canon))
}

func TestVerifyChain_Intact(t *testing.T) {
	events := seedStream(t, 4)

	head, err := eventstore.VerifyChain(events)
	require.NoError(t, err)
	assert.Equal(t, events[3].Hash, head)
	assert.Empty(t, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func([]eventstore.Event) []eventstore.Event
		version int
		reason  string
	}{
		{
			name: "payload edited",
			mutate: func(evs []eventstore.Event) []eventstore.Event {
				evs[2].Payload = json.RawMessage(`{"amount":999999,"asset":"USD","entry":"DEPOSIT"}`)
				return evs
			},
			version: 3,
			reason:  "hash mismatch",
		},
		{
			name: "event removed",
			mutate: func(evs []eventstore.Event) []eventstore.Event {
				return append(evs[:1], evs[2:]...)
			},
			version: 3,
			reason:  "version gap",
		},
		{
			name: "link rewritten",
			mutate: func(evs []eventstore.Event) []eventstore.Event {
				evs[1].PrevHash = []byte("forged")
				return evs
			},
			version: 2,
			reason:  "prev_hash mismatch",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := tc.mutate(seedStream(t, 4))

			_, err := eventstore.VerifyChain(events)
			var chainErr *eventstore.ChainError
			require.True(t, errors.As(err, &chainErr), "got %v", err)
			assert.Equal(t, tc.version, chainErr.Version)
			assert.Equal(t, tc.reason, chainErr.Reason)
		})
	}
}

func TestNewEventValidate(t *testing.T) {
	ok := eventstore.NewEvent{
		AggregateType: eventstore.AggregateAccount,
		Type:          "X",
		CorrelationID: uuid.New(),
		CausationID:   uuid.New(),
	}
	require.NoError(t, ok.Validate(uuid.New(), 0))

	assert.ErrorIs(t, ok.Validate(uuid.Nil, 0), eventstore.ErrValidation)
	assert.ErrorIs(t, ok.Validate(uuid.New(), -1), eventstore.ErrValidation)

	noCause := ok
	noCause.CausationID = uuid.Nil
	assert.ErrorIs(t, noCause.Validate(uuid.New(), 0), eventstore.ErrValidation)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, eventstore.IsRetryable(eventstore.ErrConcurrencyConflict))
	assert.True(t, eventstore.IsRetryable(errors.Join(eventstore.ErrStorage, errors.New("io"))))
	assert.False(t, eventstore.IsRetryable(eventstore.ErrDuplicateCausation))
	assert.False(t, eventstore.IsRetryable(eventstore.ErrValidation))
}
