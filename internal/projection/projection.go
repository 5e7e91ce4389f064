// Package projection maintains the per-(account, asset) balance read model.
// Rows are derived from the event store and can be rebuilt at any time; the
// replayed aggregate wins on divergence.
package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"multiasset-ledger/internal/eventstore"
	"multiasset-ledger/internal/ledger"
	"multiasset-ledger/internal/money"
)

var ErrNotFound = errors.New("projection: row not found")

// Row mirrors one balance of the account aggregate.
type Row struct {
	AccountID          uuid.UUID `json:"account_id"`
	Asset              string    `json:"asset"`
	Balance            int64     `json:"balance"`
	LastAppliedVersion int       `json:"last_applied_version"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Repository stores projection rows.
type Repository interface {
	// ApplyDelta adds delta to the row and sets its LastAppliedVersion to
	// version, unless the row already saw version. It reports whether the
	// row changed.
	ApplyDelta(ctx context.Context, accountID uuid.UUID, asset string, delta int64, version int) (bool, error)
	Get(ctx context.Context, accountID uuid.UUID, asset string) (Row, error)
	List(ctx context.Context, accountID uuid.UUID) ([]Row, error)
	// ReplaceAccount swaps all rows of an account for rows in one step.
	ReplaceAccount(ctx context.Context, accountID uuid.UUID, rows []Row) error
}

// Projection applies account events to the read model.
type Projection struct {
	repo   Repository
	events eventstore.Store
	logger *zap.Logger
}

func New(repo Repository, events eventstore.Store, logger *zap.Logger) *Projection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projection{repo: repo, events: events, logger: logger}
}

// Apply folds one event into its row. Replays of an already applied version
// are no-ops. Non-account and non-balance events are ignored.
func (p *Projection) Apply(ctx context.Context, ev eventstore.Event) error {
	if ev.AggregateType != eventstore.AggregateAccount {
		return nil
	}
	asset, delta, ok, err := balanceDelta(ev)
	if err != nil || !ok {
		return err
	}
	changed, err := p.repo.ApplyDelta(ctx, ev.AggregateID, asset, delta, ev.Version)
	if err != nil {
		return fmt.Errorf("projection apply %s v%d: %w", ev.AggregateID, ev.Version, err)
	}
	if !changed {
		p.logger.Debug("projection event already applied",
			zap.Stringer("account_id", ev.AggregateID),
			zap.Int("version", ev.Version),
		)
	}
	return nil
}

// GetBalance reads the projected balance. A missing row is a zero balance.
// The value lags the event store by at most the projector interval.
func (p *Projection) GetBalance(ctx context.Context, accountID uuid.UUID, asset string) (int64, error) {
	row, err := p.repo.Get(ctx, accountID, money.NormalizeCode(asset))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Balance, nil
}

// Rebuild discards the account's rows and recomputes them from its full stream.
func (p *Projection) Rebuild(ctx context.Context, accountID uuid.UUID) error {
	events, err := p.events.LoadEvents(ctx, accountID, 0)
	if err != nil {
		return err
	}
	rows := map[string]*Row{}
	for _, ev := range events {
		asset, delta, ok, err := balanceDelta(ev)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		r := rows[asset]
		if r == nil {
			r = &Row{AccountID: accountID, Asset: asset}
			rows[asset] = r
		}
		r.Balance += delta
		r.LastAppliedVersion = ev.Version
		r.UpdatedAt = ev.RecordedAt
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })

	if err := p.repo.ReplaceAccount(ctx, accountID, out); err != nil {
		return fmt.Errorf("projection rebuild %s: %w", accountID, err)
	}
	p.logger.Info("projection rebuilt",
		zap.Stringer("account_id", accountID),
		zap.Int("events", len(events)),
		zap.Int("rows", len(out)),
	)
	return nil
}

// Drift is one asset whose projected balance differs from the replayed aggregate.
type Drift struct {
	Asset     string `json:"asset"`
	Projected int64  `json:"projected"`
	Actual    int64  `json:"actual"`
}

// CheckDrift compares the projection with a full replay of the account.
func (p *Projection) CheckDrift(ctx context.Context, accountID uuid.UUID) ([]Drift, error) {
	events, err := p.events.LoadEvents(ctx, accountID, 0)
	if err != nil {
		return nil, err
	}
	acc, err := ledger.LoadFromHistory(accountID, events)
	if err != nil {
		return nil, err
	}
	rows, err := p.repo.List(ctx, accountID)
	if err != nil {
		return nil, err
	}

	projected := make(map[string]int64, len(rows))
	for _, r := range rows {
		projected[r.Asset] = r.Balance
	}
	assets := map[string]struct{}{}
	for a := range projected {
		assets[a] = struct{}{}
	}
	for a := range acc.Balances {
		assets[a] = struct{}{}
	}

	var drift []Drift
	for a := range assets {
		if projected[a] != acc.Balances[a] {
			drift = append(drift, Drift{Asset: a, Projected: projected[a], Actual: acc.Balances[a]})
		}
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].Asset < drift[j].Asset })
	return drift, nil
}

func balanceDelta(ev eventstore.Event) (asset string, delta int64, ok bool, err error) {
	payload, err := ledger.Decode(ev)
	if err != nil {
		return "", 0, false, err
	}
	switch e := payload.(type) {
	case ledger.Credited:
		return e.Asset, e.Amount, true, nil
	case ledger.Debited:
		return e.Asset, -e.Amount, true, nil
	default:
		return "", 0, false, nil
	}
}
