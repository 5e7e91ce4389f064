package money

import (
	"fmt"
	"sync"
)

// Registry resolves asset precision. Precision is owned outside the ledger;
// the ledger only reads it.
type Registry interface {
	Lookup(code string) (Asset, error)
}

// StaticRegistry is an in-process asset table.
type StaticRegistry struct {
	mu     sync.RWMutex
	assets map[string]Asset
}

func NewStaticRegistry(assets ...Asset) *StaticRegistry {
	r := &StaticRegistry{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		_ = r.Register(a)
	}
	return r
}

// DefaultAssets is the seed table used by local runs and tests.
func DefaultAssets() []Asset {
	return []Asset{
		{Code: "USD", Precision: 2},
		{Code: "EUR", Precision: 2},
		{Code: "GBP", Precision: 2},
		{Code: "JPY", Precision: 0},
		{Code: "BTC", Precision: 8},
		{Code: "ETH", Precision: 18},
	}
}

func (r *StaticRegistry) Register(a Asset) error {
	a.Code = NormalizeCode(a.Code)
	if a.Code == "" {
		return fmt.Errorf("%w: empty code", ErrUnknownAsset)
	}
	if a.Precision < 0 || a.Precision > MaxPrecision {
		return fmt.Errorf("%w: precision %d for %s", ErrPrecision, a.Precision, a.Code)
	}
	r.mu.Lock()
	r.assets[a.Code] = a
	r.mu.Unlock()
	return nil
}

func (r *StaticRegistry) Lookup(code string) (Asset, error) {
	code = NormalizeCode(code)
	r.mu.RLock()
	a, ok := r.assets[code]
	r.mu.RUnlock()
	if !ok {
		return Asset{}, fmt.Errorf("%w: %q", ErrUnknownAsset, code)
	}
	return a, nil
}
