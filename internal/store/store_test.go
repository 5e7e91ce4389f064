package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"multiasset-ledger/internal/eventstore"
	"multiasset-ledger/internal/projection"
)

func TestAppendLoadAndChain(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool)
	ctx := context.Background()

	acct := uuid.New()
	first := creditEvent("EUR", 2500)
	v, err := s.Append(ctx, acct, 0, first)
	if err != nil {
		t.Fatalf("append v1: %v", err)
	}
	if v != 1 {
		t.Fatalf("version: got %d want 1", v)
	}
	if _, err := s.Append(ctx, acct, 1, creditEvent("EUR", 500)); err != nil {
		t.Fatalf("append v2: %v", err)
	}

	// Stale writer.
	_, err = s.Append(ctx, acct, 1, creditEvent("EUR", 1))
	if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}

	// Same command recorded twice.
	_, err = s.Append(ctx, acct, 2, first)
	if !errors.Is(err, eventstore.ErrDuplicateCausation) {
		t.Fatalf("expected duplicate causation, got %v", err)
	}

	events, err := s.LoadEvents(ctx, acct, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(events) != 2 || events[0].Version != 1 || events[1].Version != 2 {
		t.Fatalf("unexpected stream: %+v", events)
	}
	var c struct {
		Amount int64 `json:"amount"`
	}
	if err := json.Unmarshal(events[0].Payload, &c); err != nil || c.Amount != 2500 {
		t.Fatalf("payload: %s (%v)", events[0].Payload, err)
	}
	verifyStream(t, s, acct)

	tail, err := s.LoadEvents(ctx, acct, 1)
	if err != nil || len(tail) != 1 || tail[0].Version != 2 {
		t.Fatalf("tail from version 1: %+v (%v)", tail, err)
	}

	got, err := s.FindByCausation(ctx, first.CausationID)
	if err != nil || got.Version != 1 {
		t.Fatalf("find by causation: %+v (%v)", got, err)
	}
	if _, err := s.FindByCausation(ctx, uuid.New()); !errors.Is(err, eventstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	byCorr, err := s.LoadEventsByCorrelation(ctx, first.CorrelationID)
	if err != nil || len(byCorr) != 1 {
		t.Fatalf("by correlation: %+v (%v)", byCorr, err)
	}

	ids, err := s.AggregateIDs(ctx, eventstore.AggregateAccount)
	if err != nil {
		t.Fatalf("aggregate ids: %v", err)
	}
	found := false
	for _, id := range ids {
		found = found || id == acct
	}
	if !found {
		t.Fatalf("account %s missing from aggregate ids", acct)
	}
}

func TestAppend_RejectsInvalidEnvelope(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool)

	ev := creditEvent("EUR", 1)
	ev.CausationID = uuid.Nil
	_, err := s.Append(context.Background(), uuid.New(), 0, ev)
	if !errors.Is(err, eventstore.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadSince_GlobalOrder(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool)
	ctx := context.Background()

	var start int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(max(seq),0) FROM events`).Scan(&start); err != nil {
		t.Fatalf("max seq: %v", err)
	}

	a, b := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{a, b, a} {
		events, err := s.LoadEvents(ctx, id, 0)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if _, err := s.Append(ctx, id, len(events), creditEvent("USD", 10)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	feed, err := s.LoadSince(ctx, start, 1000)
	if err != nil {
		t.Fatalf("load since: %v", err)
	}
	var mine []eventstore.Event
	for _, ev := range feed {
		if ev.AggregateID == a || ev.AggregateID == b {
			mine = append(mine, ev)
		}
	}
	if len(mine) != 3 {
		t.Fatalf("expected 3 events, got %d", len(mine))
	}
	if mine[0].AggregateID != a || mine[1].AggregateID != b || mine[2].AggregateID != a || mine[2].Version != 2 {
		t.Fatalf("unexpected order: %+v", mine)
	}
	for i := 1; i < len(feed); i++ {
		if feed[i].Seq <= feed[i-1].Seq {
			t.Fatalf("seq not increasing at %d", i)
		}
	}
}

func TestSnapshots_KeepNewest(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool)
	ctx := context.Background()
	acct := uuid.New()

	if _, err := s.LoadSnapshot(ctx, acct); !errors.Is(err, eventstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	now := time.Now().UTC()
	for _, v := range []int{5, 10, 7} {
		snap := eventstore.Snapshot{AggregateID: acct, Version: v, State: json.RawMessage(`{"v":` + strconv.Itoa(v) + `}`), TakenAt: now}
		if err := s.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("save v%d: %v", v, err)
		}
	}
	snap, err := s.LoadSnapshot(ctx, acct)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if snap.Version != 10 {
		t.Fatalf("snapshot version: got %d want 10", snap.Version)
	}
}

func TestBalances_ApplyIsIdempotentAndReplaceable(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool)
	ctx := context.Background()
	acct := uuid.New()

	if _, err := s.Get(ctx, acct, "EUR"); !errors.Is(err, projection.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	steps := []struct {
		delta   int64
		version int
		changed bool
	}{
		{1000, 1, true},
		{1000, 1, false},
		{-300, 2, true},
		{500, 2, false},
	}
	for i, st := range steps {
		changed, err := s.ApplyDelta(ctx, acct, "EUR", st.delta, st.version)
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		if changed != st.changed {
			t.Fatalf("apply %d: changed=%t want %t", i, changed, st.changed)
		}
	}
	row, err := s.Get(ctx, acct, "EUR")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Balance != 700 || row.LastAppliedVersion != 2 {
		t.Fatalf("row: %+v", row)
	}

	if _, err := s.ApplyDelta(ctx, acct, "EUR", -5000, 3); err == nil {
		t.Fatalf("expected negative projected balance to be rejected")
	}

	err = s.ReplaceAccount(ctx, acct, []projection.Row{
		{Asset: "BTC", Balance: 42, LastAppliedVersion: 9},
		{Asset: "EUR", Balance: 650, LastAppliedVersion: 8},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	rows, err := s.List(ctx, acct)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].Asset != "BTC" || rows[1].Balance != 650 {
		t.Fatalf("rows after replace: %+v", rows)
	}
}

func TestCheckpoints_NeverMoveBackwards(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool)
	ctx := context.Background()
	name := "test-" + uuid.NewString()

	seq, err := s.LoadCheckpoint(ctx, name)
	if err != nil || seq != 0 {
		t.Fatalf("fresh checkpoint: %d (%v)", seq, err)
	}
	for _, v := range []int64{10, 25, 12} {
		if err := s.SaveCheckpoint(ctx, name, v); err != nil {
			t.Fatalf("save %d: %v", v, err)
		}
	}
	seq, err = s.LoadCheckpoint(ctx, name)
	if err != nil || seq != 25 {
		t.Fatalf("checkpoint: got %d want 25 (%v)", seq, err)
	}
}
