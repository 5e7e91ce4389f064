package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"multiasset-ledger/internal/engine"
	"multiasset-ledger/internal/ledger"
	"multiasset-ledger/internal/money"
	"multiasset-ledger/internal/projection"
	"multiasset-ledger/internal/rates"
	"multiasset-ledger/internal/saga"
)

type pgEngine struct {
	store  *Store
	engine *engine.Engine
	proj   *projection.Projector
	ledger *ledger.Service
}

func newPGEngine(t *testing.T) *pgEngine {
	t.Helper()
	s := New(newTestPool(t))
	svc := ledger.NewService(s,
		ledger.WithSnapshots(s, 3),
		ledger.WithRetry(ledger.RetryConfig{MaxAttempts: 10, InitialBackoff: 2 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}),
	)
	assets := money.NewStaticRegistry(money.DefaultAssets()...)
	provider := rates.NewStatic(time.Minute).Set("USD", "EUR", decimal.RequireFromString("0.92"))
	orch := saga.NewOrchestrator(s, svc, s, saga.WithWorkflow(saga.NewConvertWorkflow(provider, assets, nil, 0)))
	proj := projection.New(s, s, nil)
	return &pgEngine{
		store:  s,
		engine: engine.New(s, engine.Inline{Orchestrator: orch}, svc, proj, assets),
		proj:   projection.NewProjector(projection.ProjectorConfig{Name: "test-" + uuid.NewString()}, s, proj, s, nil),
		ledger: svc,
	}
}

// catchUp drains the event feed into the balance projection.
func (p *pgEngine) catchUp(t *testing.T) {
	t.Helper()
	for {
		n, err := p.proj.Poll(context.Background())
		if err != nil {
			t.Fatalf("projector poll: %v", err)
		}
		if n == 0 {
			return
		}
	}
}

func TestDepositReference_ConcurrentReplaysShareOneOperation(t *testing.T) {
	p := newPGEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	acct := uuid.New()
	ref := "psp-" + uuid.NewString()

	const N = 20
	var wg sync.WaitGroup
	wg.Add(N)
	ids := make([]uuid.UUID, N)
	errs := make([]error, N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			ids[i], errs[i] = p.engine.Deposit(ctx, acct, "USD", 1234, ref)
		}()
	}
	wg.Wait()

	for i := 0; i < N; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("mismatched operation id: got %s expected %s", ids[i], ids[0])
		}
	}

	// Replays may race the first run; drive the operation to its end.
	op, err := p.store.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != saga.StatusCompleted {
		if op, err = saga.NewOrchestrator(p.store, p.ledger, p.store).Run(ctx, ids[0]); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	if op.Status != saga.StatusCompleted || op.Reference != ref || op.RequestHash == "" {
		t.Fatalf("operation: %+v", op)
	}

	acc, err := p.ledger.Load(ctx, acct)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := acc.Balance("USD"); got != 1234 {
		t.Fatalf("balance: got %d want 1234 (credited more than once?)", got)
	}

	_, err = p.engine.Deposit(ctx, acct, "USD", 4321, ref)
	if !errors.Is(err, engine.ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
}

func TestTransferToFrozenAccount_CompensatedOnPostgres(t *testing.T) {
	p := newPGEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, b := uuid.New(), uuid.New()
	if _, err := p.engine.Deposit(ctx, a, "USD", 10000, ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := p.engine.FreezeAccount(ctx, b, "sanctions screening"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	id, err := p.engine.Transfer(ctx, a, b, "USD", 4000, "")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	st, err := p.engine.GetOperationStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != saga.StatusCompensated || st.Reason != saga.ReasonAccountFrozen {
		t.Fatalf("status: %s/%s", st.Status, st.Reason)
	}

	p.catchUp(t)
	balA, err := p.engine.GetBalance(ctx, a, "USD")
	if err != nil {
		t.Fatalf("balance a: %v", err)
	}
	balB, err := p.engine.GetBalance(ctx, b, "USD")
	if err != nil {
		t.Fatalf("balance b: %v", err)
	}
	if balA != 10000 || balB != 0 {
		t.Fatalf("balances after compensation: a=%d b=%d", balA, balB)
	}

	journal, err := p.store.LoadEvents(ctx, id, 0)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	want := []string{saga.TypeStepFailed, saga.TypeStepCancelled, saga.TypeCompensationApplied, saga.TypeOperationCompensated}
	if len(journal) != len(want) {
		t.Fatalf("journal length: got %d want %d", len(journal), len(want))
	}
	for i, ev := range journal {
		if ev.Type != want[i] {
			t.Fatalf("journal[%d]: got %s want %s", i, ev.Type, want[i])
		}
	}
	verifyStream(t, p.store, a)
	verifyStream(t, p.store, id)
}

func TestSagaRevision_StaleSaveRejected(t *testing.T) {
	s := New(newTestPool(t))
	ctx := context.Background()

	op := saga.NewTransfer(uuid.New(), uuid.New(), "EUR", 500, time.Now().UTC())
	if err := s.Create(ctx, op); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, op); !errors.Is(err, saga.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	first, err := s.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := s.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := first.Transition(saga.StatusInProgress, "", time.Now().UTC()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if first.Revision != 2 {
		t.Fatalf("revision: got %d want 2", first.Revision)
	}

	if err := second.Transition(saga.StatusFailed, saga.ReasonTimeout, time.Now().UTC()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Save(ctx, second); !errors.Is(err, saga.ErrRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}

	if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	stale, err := s.ListStale(ctx, time.Now().Add(time.Hour), 1000)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	found := false
	for _, o := range stale {
		if o.ID == op.ID {
			found = o.Status == saga.StatusInProgress && len(o.Steps) == 2
		}
	}
	if !found {
		t.Fatalf("in-progress operation missing from stale list")
	}

	// Leave nothing open for later runs against the same database.
	if err := first.Transition(saga.StatusFailed, saga.ReasonTimeout, time.Now().UTC()); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("close operation: %v", err)
	}
}
