package rates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"multiasset-ledger/internal/money"
)

type pair struct{ from, to string }

// Static serves fixed rates from memory. Each quote is valid for TTL from
// the moment it is served.
type Static struct {
	mu    sync.RWMutex
	rates map[pair]decimal.Decimal
	ttl   time.Duration
	now   func() time.Time
}

func NewStatic(ttl time.Duration) *Static {
	return &Static{rates: map[pair]decimal.Decimal{}, ttl: ttl, now: time.Now}
}

// WithClock overrides the clock used for ValidUntil.
func (s *Static) WithClock(now func() time.Time) *Static {
	s.now = now
	return s
}

func (s *Static) Set(from, to string, rate decimal.Decimal) *Static {
	s.mu.Lock()
	s.rates[pair{money.NormalizeCode(from), money.NormalizeCode(to)}] = rate
	s.mu.Unlock()
	return s
}

func (s *Static) GetRate(ctx context.Context, from, to string) (Quote, error) {
	from, to = money.NormalizeCode(from), money.NormalizeCode(to)
	now := s.now()
	if from == to {
		return Identity(from, now, s.ttl), nil
	}
	s.mu.RLock()
	r, ok := s.rates[pair{from, to}]
	s.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: no static rate %s/%s", ErrUnavailable, from, to)
	}
	return Quote{From: from, To: to, Rate: r, ValidUntil: now.Add(s.ttl), Source: "static"}, nil
}
