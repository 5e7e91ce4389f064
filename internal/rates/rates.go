// Package rates supplies exchange-rate quotes to the conversion workflow.
// The ledger only consumes a rate and the instant it stops being valid.
package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"multiasset-ledger/internal/money"
)

var (
	// ErrUnavailable means no quote could be obtained for the pair.
	ErrUnavailable = errors.New("rates: rate unavailable")
	// ErrInvalidQuote means a source returned a quote the ledger cannot use.
	ErrInvalidQuote = errors.New("rates: invalid quote")
)

// Quote is a rate for one unit of From expressed in units of To.
type Quote struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Rate       decimal.Decimal `json:"rate"`
	ValidUntil time.Time       `json:"valid_until"`
	Source     string          `json:"source,omitempty"`
}

// Expired reports whether the quote may no longer be used at now.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ValidUntil)
}

func (q Quote) Validate() error {
	switch {
	case q.From == "" || q.To == "":
		return fmt.Errorf("%w: missing pair", ErrInvalidQuote)
	case !q.Rate.IsPositive():
		return fmt.Errorf("%w: rate %s for %s/%s", ErrInvalidQuote, q.Rate, q.From, q.To)
	case q.ValidUntil.IsZero():
		return fmt.Errorf("%w: no validity for %s/%s", ErrInvalidQuote, q.From, q.To)
	}
	return nil
}

// Provider returns the current quote for a pair.
type Provider interface {
	GetRate(ctx context.Context, from, to string) (Quote, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, from, to string) (Quote, error)

func (f ProviderFunc) GetRate(ctx context.Context, from, to string) (Quote, error) {
	return f(ctx, from, to)
}

// Identity is the quote for converting an asset into itself.
func Identity(asset string, now time.Time, ttl time.Duration) Quote {
	asset = money.NormalizeCode(asset)
	return Quote{From: asset, To: asset, Rate: decimal.NewFromInt(1), ValidUntil: now.Add(ttl), Source: "identity"}
}
