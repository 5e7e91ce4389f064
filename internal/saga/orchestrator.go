package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"multiasset-ledger/internal/eventstore"
	"multiasset-ledger/internal/ledger"
)

var tracer = otel.Tracer("multiasset-ledger/saga")

// Ledger executes single-account commands. *ledger.Service implements it.
type Ledger interface {
	Execute(ctx context.Context, accountID uuid.UUID, cmd ledger.Command) (eventstore.Event, error)
}

// Orchestrator interprets operations: it advances pending steps in order,
// and on a step failure after side effects it runs the inverse of every
// applied step in reverse order.
type Orchestrator struct {
	repo      Repository
	ledger    Ledger
	events    eventstore.Store
	workflows map[Type]Workflow
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithWorkflow(w Workflow) Option {
	return func(o *Orchestrator) { o.workflows[w.Type()] = w }
}

// NewOrchestrator registers the deposit, withdraw and transfer workflows;
// conversions need WithWorkflow(NewConvertWorkflow(...)).
func NewOrchestrator(repo Repository, l Ledger, events eventstore.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:   repo,
		ledger: l,
		events: events,
		workflows: map[Type]Workflow{
			TypeDeposit:  DepositWorkflow(),
			TypeWithdraw: WithdrawWorkflow(),
			TypeTransfer: TransferWorkflow(),
		},
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives the operation until it is terminal or blocked. A cancelled ctx
// leaves the operation where it is for the recovery sweep.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) (*Operation, error) {
	ctx, span := tracer.Start(ctx, "saga.run")
	defer span.End()
	span.SetAttributes(attribute.String("operation_id", id.String()))

	op, err := o.run(ctx, id)
	if op != nil {
		span.SetAttributes(
			attribute.String("operation_type", string(op.Type)),
			attribute.String("status", string(op.Status)),
			attribute.String("reason", string(op.Reason)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return op, err
}

func (o *Orchestrator) run(ctx context.Context, id uuid.UUID) (*Operation, error) {
	op, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status.IsTerminal() {
		return op, nil
	}
	wf, ok := o.workflows[op.Type]
	if !ok {
		return op, fmt.Errorf("%w: %s", ErrUnknownWorkflow, op.Type)
	}

	op.Attempts++
	op.UpdatedAt = o.now()
	if op.Status == StatusPending {
		if err := op.Transition(StatusInProgress, "", o.now()); err != nil {
			return op, err
		}
	}
	if err := o.repo.Save(ctx, op); err != nil {
		return op, err
	}
	if err := o.reconcile(ctx, op); err != nil {
		return op, err
	}

	if op.Status == StatusInProgress {
		if err := o.advance(ctx, op, wf); err != nil {
			return op, err
		}
	}
	if op.Status == StatusCompensating {
		if err := o.compensate(ctx, op); err != nil {
			return op, err
		}
	}
	return op, nil
}

func (o *Orchestrator) advance(ctx context.Context, op *Operation, wf Workflow) error {
	if err := wf.Prepare(ctx, op); err != nil {
		return o.stepFailed(ctx, op, -1, err)
	}
	if err := o.repo.Save(ctx, op); err != nil {
		return err
	}

	for i := range op.Steps {
		if op.Steps[i].Status == StepApplied {
			continue
		}
		if err := wf.BeforeStep(ctx, op, i); err != nil {
			return o.stepFailed(ctx, op, i, err)
		}
		if err := o.apply(ctx, op, i); err != nil {
			return o.stepFailed(ctx, op, i, err)
		}
		if err := o.repo.Save(ctx, op); err != nil {
			return err
		}
	}

	if err := op.Transition(StatusCompleted, "", o.now()); err != nil {
		return err
	}
	o.logger.Info("operation completed",
		zap.Stringer("operation_id", op.ID),
		zap.String("type", string(op.Type)),
		zap.Int("attempts", op.Attempts),
	)
	return o.repo.Save(ctx, op)
}

func (o *Orchestrator) apply(ctx context.Context, op *Operation, i int) error {
	step := &op.Steps[i]
	ctx, span := tracer.Start(ctx, "saga.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation_id", op.ID.String()),
		attribute.String("step_id", step.ID),
		attribute.String("action", string(step.Action)),
	)

	ev, err := o.ledger.Execute(ctx, step.AccountID, ledger.Command{
		Kind:          commandKind(step.Action),
		Asset:         step.Asset,
		Amount:        step.Amount,
		Entry:         op.Type.Entry(),
		CorrelationID: op.ID,
		CausationID:   StepCausation(op.ID, step.ID),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	step.Status = StepApplied
	step.Version = ev.Version
	op.UpdatedAt = o.now()
	return nil
}

// stepFailed records the failure of step i (-1 for a Prepare failure) and
// moves the operation to Failed, or to Compensating when something was
// already applied. Interrupted contexts leave the operation untouched.
func (o *Orchestrator) stepFailed(ctx context.Context, op *Operation, i int, cause error) error {
	if ctx.Err() != nil {
		return cause
	}
	if errors.Is(cause, ledger.ErrCausationMismatch) {
		return fmt.Errorf("%w: %s step %d cancelled by another run", ErrRevisionConflict, op.ID, i)
	}
	reason := ReasonFor(cause)
	stepID := "prepare"
	if i >= 0 {
		op.Steps[i].Status = StepFailed
		stepID = op.Steps[i].ID
	}

	o.logger.Warn("operation step failed",
		zap.Stringer("operation_id", op.ID),
		zap.String("step_id", stepID),
		zap.String("reason", string(reason)),
		zap.Error(cause),
	)
	if err := o.record(ctx, op, "failed/"+stepID, StepFailed{StepID: stepID, Reason: reason}); err != nil {
		return err
	}
	if err := o.fence(ctx, op); err != nil {
		return err
	}

	next := StatusFailed
	if op.Applied() {
		next = StatusCompensating
	}
	if err := op.Transition(next, reason, o.now()); err != nil {
		return err
	}
	return o.repo.Save(ctx, op)
}

// ForceCompensation moves an in-progress operation into compensation with
// reason and runs it. Used by the recovery sweep for abandoned operations.
func (o *Orchestrator) ForceCompensation(ctx context.Context, id uuid.UUID, reason Reason) (*Operation, error) {
	op, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status.IsTerminal() {
		return op, nil
	}
	if err := o.reconcile(ctx, op); err != nil {
		return op, err
	}
	if err := o.fence(ctx, op); err != nil {
		return op, err
	}

	switch {
	case op.Status == StatusCompensating:
	case op.Applied():
		if op.Status == StatusPending {
			if err := op.Transition(StatusInProgress, "", o.now()); err != nil {
				return op, err
			}
		}
		if err := op.Transition(StatusCompensating, reason, o.now()); err != nil {
			return op, err
		}
	default:
		if err := op.Transition(StatusFailed, reason, o.now()); err != nil {
			return op, err
		}
	}
	if err := o.repo.Save(ctx, op); err != nil {
		return op, err
	}
	if op.Status == StatusCompensating {
		if err := o.compensate(ctx, op); err != nil {
			return op, err
		}
	}
	return op, nil
}

func (o *Orchestrator) compensate(ctx context.Context, op *Operation) error {
	ctx, span := tracer.Start(ctx, "saga.compensate")
	defer span.End()
	span.SetAttributes(attribute.String("operation_id", op.ID.String()))

	if err := o.fence(ctx, op); err != nil {
		return err
	}
	for i := len(op.Steps) - 1; i >= 0; i-- {
		step := &op.Steps[i]
		if step.Status != StepApplied {
			continue
		}
		inverse := step.Action.Inverse()
		ev, err := o.ledger.Execute(ctx, step.AccountID, ledger.Command{
			Kind:          commandKind(inverse),
			Asset:         step.Asset,
			Amount:        step.Amount,
			Entry:         ledger.EntryCompensation,
			CorrelationID: op.ID,
			CausationID:   CompensationCausation(op.ID, step.ID),
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return o.compensationFailed(ctx, op, step.ID, err)
		}
		if err := o.record(ctx, op, "compensated/"+step.ID, CompensationApplied{
			StepID: step.ID, AccountID: step.AccountID, Action: inverse, Asset: step.Asset, Amount: step.Amount,
		}); err != nil {
			return err
		}
		step.Status = StepCompensated
		step.CompensationVersion = ev.Version
		op.UpdatedAt = o.now()
		if err := o.repo.Save(ctx, op); err != nil {
			return err
		}
	}

	if err := o.record(ctx, op, "compensated", OperationCompensated{Reason: op.Reason}); err != nil {
		return err
	}
	if err := op.Transition(StatusCompensated, "", o.now()); err != nil {
		return err
	}
	o.logger.Info("operation compensated",
		zap.Stringer("operation_id", op.ID),
		zap.String("reason", string(op.Reason)),
	)
	return o.repo.Save(ctx, op)
}

func (o *Orchestrator) compensationFailed(ctx context.Context, op *Operation, stepID string, cause error) error {
	o.logger.Error("compensation failed, operator action required",
		zap.Stringer("operation_id", op.ID),
		zap.String("step_id", stepID),
		zap.String("original_reason", string(op.Reason)),
		zap.Error(cause),
	)
	if err := o.record(ctx, op, "compensation-failed/"+stepID, CompensationFailed{StepID: stepID, Reason: ReasonFor(cause)}); err != nil {
		return err
	}
	if err := op.Transition(StatusFailed, ReasonCompensationFailed, o.now()); err != nil {
		return err
	}
	return o.repo.Save(ctx, op)
}

// reconcile marks steps whose ledger event exists but whose completion was
// not saved (a crash between append and save) as applied. A cancelled step's
// causation points at the operation stream and is left alone.
func (o *Orchestrator) reconcile(ctx context.Context, op *Operation) error {
	for i := range op.Steps {
		step := &op.Steps[i]
		if step.Status != StepPending && step.Status != StepFailed {
			continue
		}
		ev, err := o.events.FindByCausation(ctx, StepCausation(op.ID, step.ID))
		if errors.Is(err, eventstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if ev.AggregateID == step.AccountID {
			step.Status = StepApplied
			step.Version = ev.Version
		}
	}
	return nil
}

// fence claims the causation id of every step that is not applied by
// recording StepCancelled under it. From then on a run still applying such a
// step gets ledger.ErrCausationMismatch instead of moving money. A step whose
// ledger event got there first is marked applied.
func (o *Orchestrator) fence(ctx context.Context, op *Operation) error {
	for i := range op.Steps {
		step := &op.Steps[i]
		if step.Status != StepPending && step.Status != StepFailed {
			continue
		}
		cause := StepCausation(op.ID, step.ID)
		err := o.appendJournal(ctx, op, cause, StepCancelled{StepID: step.ID})
		if err == nil {
			continue
		}
		if !errors.Is(err, eventstore.ErrDuplicateCausation) {
			return err
		}
		ev, err := o.events.FindByCausation(ctx, cause)
		if err != nil {
			return fmt.Errorf("fence %s step %s: %w", op.ID, step.ID, err)
		}
		if ev.AggregateID == step.AccountID {
			step.Status = StepApplied
			step.Version = ev.Version
		}
	}
	return nil
}

// record appends a journal entry to the operation's own stream. The key
// makes the entry idempotent across re-runs.
func (o *Orchestrator) record(ctx context.Context, op *Operation, key string, entry JournalEntry) error {
	err := o.appendJournal(ctx, op, StepCausation(op.ID, "journal/"+key), entry)
	if errors.Is(err, eventstore.ErrDuplicateCausation) {
		return nil
	}
	return err
}

// appendJournal appends entry under cause, retrying version conflicts on the
// operation stream. ErrDuplicateCausation is returned as is.
func (o *Orchestrator) appendJournal(ctx context.Context, op *Operation, cause uuid.UUID, entry JournalEntry) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		stream, err := o.events.LoadEvents(ctx, op.ID, 0)
		if err != nil {
			return struct{}{}, err
		}
		_, err = o.events.Append(ctx, op.ID, len(stream), eventstore.NewEvent{
			AggregateType: eventstore.AggregateOperation,
			Type:          entry.EventType(),
			Payload:       entry,
			CorrelationID: op.ID,
			CausationID:   cause,
		})
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, eventstore.ErrDuplicateCausation):
			return struct{}{}, backoff.Permanent(err)
		case eventstore.IsRetryable(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithMaxTries(5))
	if err != nil && !errors.Is(err, eventstore.ErrDuplicateCausation) {
		return fmt.Errorf("journal %s for %s: %w", entry.EventType(), op.ID, err)
	}
	return err
}

func commandKind(a Action) ledger.CommandKind {
	if a == ActionDebit {
		return ledger.CommandDebit
	}
	return ledger.CommandCredit
}
