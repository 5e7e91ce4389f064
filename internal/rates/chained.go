package rates

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"multiasset-ledger/internal/money"
)

// DefaultPivot is the asset cross rates are derived through.
const DefaultPivot = "USD"

// inversePlaces bounds the digits of a derived inverse rate. The quotient is
// truncated so an inverse never credits more than the quoted pair would.
const inversePlaces = 18

// Chained asks for the direct pair first, then the reversed pair inverted,
// and when the source has neither derives FROM->pivot->TO. A derived quote
// expires with its earliest leg.
type Chained struct {
	next  Provider
	pivot string
}

func NewChained(next Provider, pivot string) *Chained {
	if pivot == "" {
		pivot = DefaultPivot
	}
	return &Chained{next: next, pivot: money.NormalizeCode(pivot)}
}

func (c *Chained) GetRate(ctx context.Context, from, to string) (Quote, error) {
	from, to = money.NormalizeCode(from), money.NormalizeCode(to)
	q, err := c.pair(ctx, from, to)
	if err == nil || !errors.Is(err, ErrUnavailable) || from == c.pivot || to == c.pivot || from == to {
		return q, err
	}

	first, err1 := c.pair(ctx, from, c.pivot)
	if err1 != nil {
		return Quote{}, fmt.Errorf("%w: %s/%s via %s: %v", ErrUnavailable, from, to, c.pivot, err1)
	}
	second, err2 := c.pair(ctx, c.pivot, to)
	if err2 != nil {
		return Quote{}, fmt.Errorf("%w: %s/%s via %s: %v", ErrUnavailable, from, to, c.pivot, err2)
	}

	until := first.ValidUntil
	if second.ValidUntil.Before(until) {
		until = second.ValidUntil
	}
	return Quote{
		From:       from,
		To:         to,
		Rate:       first.Rate.Mul(second.Rate),
		ValidUntil: until,
		Source:     "chained:" + c.pivot,
	}, nil
}

// pair returns the direct quote, or the inverse of TO->FROM when only the
// reversed pair is known.
func (c *Chained) pair(ctx context.Context, from, to string) (Quote, error) {
	q, err := c.next.GetRate(ctx, from, to)
	if err == nil || !errors.Is(err, ErrUnavailable) || from == to {
		return q, err
	}
	rev, rerr := c.next.GetRate(ctx, to, from)
	if rerr != nil || !rev.Rate.IsPositive() {
		return Quote{}, err
	}
	inv, _ := decimal.NewFromInt(1).QuoRem(rev.Rate, inversePlaces)
	if !inv.IsPositive() {
		return Quote{}, fmt.Errorf("%w: inverse of %s/%s rounds to zero", ErrUnavailable, to, from)
	}
	return Quote{
		From:       from,
		To:         to,
		Rate:       inv,
		ValidUntil: rev.ValidUntil,
		Source:     "inverse",
	}, nil
}
