package ledger

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
)

var tracer = otel.Tracer("multiasset-ledger/ledger")

// CommandKind selects the aggregate operation a Command runs.
type CommandKind string

const (
	CommandCredit   CommandKind = "CREDIT"
	CommandDebit    CommandKind = "DEBIT"
	CommandFreeze   CommandKind = "FREEZE"
	CommandUnfreeze CommandKind = "UNFREEZE"
)

// Command is one intent against one account. CausationID identifies the
// command: executing the same causation twice records at most one event.
type Command struct {
	Kind          CommandKind
	Asset         string
	Amount        int64
	Entry         Entry
	Reason        string
	CorrelationID uuid.UUID
	CausationID   uuid.UUID
}

// Observer is notified after an event is durably appended. Observers must be
// idempotent; they may see the same event again from the projector.
// Concurrent Execute calls notify in no particular order, so an observer
// must not assume it sees an account's versions in sequence. Version-gated
// read models such as the balance projection are fed by the Projector.
type Observer func(ctx context.Context, ev eventstore.Event)

// RetryConfig bounds the optimistic concurrency loop.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}
}

// Service executes account commands: load, decide, append, retry on conflict.
type Service struct {
	events        eventstore.Store
	snapshots     eventstore.SnapshotStore
	repo          *Repository
	retry         RetryConfig
	snapshotEvery int
	observers     []Observer
	logger        *zap.Logger
	now           func() time.Time
}

type ServiceOption func(*Service)

func WithRetry(cfg RetryConfig) ServiceOption {
	return func(s *Service) {
		if cfg.MaxAttempts > 0 {
			s.retry = cfg
		}
	}
}

func WithSnapshots(store eventstore.SnapshotStore, every int) ServiceOption {
	return func(s *Service) {
		s.snapshots = store
		s.snapshotEvery = every
	}
}

func WithObserver(o Observer) ServiceOption {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(events eventstore.Store, opts ...ServiceOption) *Service {
	s := &Service{
		events: events,
		retry:  DefaultRetryConfig(),
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.repo = NewRepository(events, s.snapshots, s.logger)
	return s
}

// Repository exposes the loader used by the service.
func (s *Service) Repository() *Repository { return s.repo }

// Load returns the current account state.
func (s *Service) Load(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	return s.repo.Load(ctx, accountID)
}

// Execute runs cmd against accountID. ErrConcurrencyConflict and ErrStorage
// are retried with jittered exponential backoff up to MaxAttempts; domain
// errors are returned immediately. A command whose causation id is already
// recorded returns the recorded event without appending.
func (s *Service) Execute(ctx context.Context, accountID uuid.UUID, cmd Command) (eventstore.Event, error) {
	ctx, span := tracer.Start(ctx, "ledger.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", accountID.String()),
		attribute.String("command", string(cmd.Kind)),
		attribute.String("causation_id", cmd.CausationID.String()),
	)

	if accountID == uuid.Nil || cmd.CausationID == uuid.Nil || cmd.CorrelationID == uuid.Nil {
		return eventstore.Event{}, fmt.Errorf("%w: account, correlation and causation ids are required", eventstore.ErrValidation)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialBackoff
	b.MaxInterval = s.retry.MaxBackoff
	b.RandomizationFactor = 0.5

	attempt := 0
	ev, err := backoff.Retry(ctx, func() (eventstore.Event, error) {
		attempt++
		return s.attempt(ctx, accountID, cmd)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("retrying account command",
				zap.Stringer("account_id", accountID),
				zap.String("command", string(cmd.Kind)),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return eventstore.Event{}, err
	}

	for _, o := range s.observers {
		o(ctx, ev)
	}
	return ev, nil
}

func (s *Service) attempt(ctx context.Context, accountID uuid.UUID, cmd Command) (eventstore.Event, error) {
	if ev, found, err := s.recorded(ctx, accountID, cmd.CausationID); err != nil || found {
		return ev, err
	}

	acc, err := s.repo.Load(ctx, accountID)
	if err != nil {
		return eventstore.Event{}, classify(err)
	}

	payload, err := decide(acc, cmd)
	if err != nil {
		return eventstore.Event{}, backoff.Permanent(err)
	}

	version, err := s.events.Append(ctx, accountID, acc.Version, eventstore.NewEvent{
		AggregateType: eventstore.AggregateAccount,
		Type:          payload.EventType(),
		Payload:       payload,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.CausationID,
	})
	if errors.Is(err, eventstore.ErrDuplicateCausation) {
		ev, found, rerr := s.recorded(ctx, accountID, cmd.CausationID)
		if rerr == nil && !found {
			rerr = fmt.Errorf("%w: duplicate causation %s not readable yet", eventstore.ErrStorage, cmd.CausationID)
		}
		return ev, rerr
	}
	if err != nil {
		return eventstore.Event{}, classify(err)
	}

	appended, err := s.events.LoadEvents(ctx, accountID, version-1)
	if err != nil || len(appended) == 0 {
		// The append is durable; the next attempt finds it by causation id.
		return eventstore.Event{}, fmt.Errorf("%w: read back v%d: %v", eventstore.ErrStorage, version, err)
	}

	if s.snapshots != nil && s.snapshotEvery > 0 && version%s.snapshotEvery == 0 {
		s.snapshot(ctx, acc, appended[0])
	}
	return appended[0], nil
}

// recorded looks up an already-applied command.
func (s *Service) recorded(ctx context.Context, accountID, causationID uuid.UUID) (eventstore.Event, bool, error) {
	ev, err := s.events.FindByCausation(ctx, causationID)
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		return eventstore.Event{}, false, nil
	case err != nil:
		return eventstore.Event{}, false, classify(err)
	case ev.AggregateID != accountID:
		return eventstore.Event{}, false, backoff.Permanent(ErrCausationMismatch)
	}
	s.logger.Debug("command already recorded",
		zap.Stringer("account_id", accountID),
		zap.Stringer("causation_id", causationID),
		zap.Int("version", ev.Version),
	)
	return ev, true, nil
}

func (s *Service) snapshot(ctx context.Context, acc *Account, ev eventstore.Event) {
	if err := acc.Apply(ev); err != nil {
		s.logger.Warn("snapshot skipped", zap.Stringer("account_id", acc.ID), zap.Error(err))
		return
	}
	snap, err := acc.Snapshot(s.now())
	if err == nil {
		err = s.snapshots.SaveSnapshot(ctx, snap)
	}
	if err != nil {
		s.logger.Warn("snapshot save failed", zap.Stringer("account_id", acc.ID), zap.Error(err))
	}
}

// classify keeps transient store errors retryable and stops on anything else.
func classify(err error) error {
	if eventstore.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func decide(acc *Account, cmd Command) (Payload, error) {
	switch cmd.Kind {
	case CommandCredit:
		return acc.Credit(cmd.Asset, cmd.Amount, cmd.Entry)
	case CommandDebit:
		return acc.Debit(cmd.Asset, cmd.Amount, cmd.Entry)
	case CommandFreeze:
		return acc.Freeze(cmd.Reason)
	case CommandUnfreeze:
		return acc.Unfreeze()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}
}
