// Package money holds fixed-point amounts tied to an asset's decimal precision.
// Amounts are always int64 minor units; major-unit strings are only accepted
// and produced at the boundary.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAsset  = errors.New("money: unknown asset")
	ErrPrecision     = errors.New("money: amount exceeds asset precision")
	ErrOverflow      = errors.New("money: amount overflows int64 minor units")
	ErrAssetMismatch = errors.New("money: asset mismatch")
	ErrInvalidRate   = errors.New("money: rate must be positive")
)

// MaxPrecision bounds asset precision so that 10^precision fits in int64.
const MaxPrecision = 18

// Asset describes a unit of account. Precision is the number of decimal
// places one major unit is split into (USD=2, BTC=8, JPY=0).
type Asset struct {
	Code      string `json:"code"`
	Precision int32  `json:"precision"`
}

// Money is an amount of one asset in minor units.
type Money struct {
	MinorUnits int64  `json:"minor_units"`
	Asset      string `json:"asset"`
}

func New(minor int64, asset string) Money {
	return Money{MinorUnits: minor, Asset: NormalizeCode(asset)}
}

// NormalizeCode upper-cases and trims an asset code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (m Money) IsPositive() bool { return m.MinorUnits > 0 }

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.MinorUnits, m.Asset)
}

// Add returns m+o. Both values must carry the same asset.
func (m Money) Add(o Money) (Money, error) {
	if m.Asset != o.Asset {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset, o.Asset)
	}
	sum, err := AddMinor(m.MinorUnits, o.MinorUnits)
	if err != nil {
		return Money{}, err
	}
	return Money{MinorUnits: sum, Asset: m.Asset}, nil
}

// Sub returns m-o. The result may be negative; callers enforcing balance
// invariants check the sign themselves.
func (m Money) Sub(o Money) (Money, error) {
	if m.Asset != o.Asset {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrAssetMismatch, m.Asset, o.Asset)
	}
	if o.MinorUnits == math.MinInt64 {
		return Money{}, ErrOverflow
	}
	diff, err := AddMinor(m.MinorUnits, -o.MinorUnits)
	if err != nil {
		return Money{}, err
	}
	return Money{MinorUnits: diff, Asset: m.Asset}, nil
}

// AddMinor adds two minor-unit amounts and reports int64 overflow.
func AddMinor(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// ParseMajor converts a major-unit decimal string ("12.34") into minor units
// of the given asset. Digits beyond the asset precision are rejected, never
// rounded; trailing zeros are accepted.
func ParseMajor(s string, asset Asset) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d, asset)
}

// FromDecimal converts a major-unit decimal into exact minor units.
func FromDecimal(d decimal.Decimal, asset Asset) (int64, error) {
	if asset.Precision < 0 || asset.Precision > MaxPrecision {
		return 0, fmt.Errorf("%w: precision %d", ErrPrecision, asset.Precision)
	}
	if !d.Equal(d.Truncate(asset.Precision)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimals for %s", ErrPrecision, d.String(), asset.Precision, asset.Code)
	}
	minor := d.Shift(asset.Precision)
	if !minor.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return minor.IntPart(), nil
}

// FormatMajor renders minor units as a fixed-point major-unit string.
func FormatMajor(minor int64, asset Asset) string {
	return decimal.New(minor, -asset.Precision).StringFixed(asset.Precision)
}

// ConvertFloor converts amount minor units of from into minor units of to at
// rate (units of to per one unit of from). The result is truncated toward
// zero in the destination precision, so it never exceeds the exact value.
func ConvertFloor(amount int64, rate decimal.Decimal, from, to Asset) (int64, error) {
	if !rate.IsPositive() {
		return 0, ErrInvalidRate
	}
	if amount < 0 {
		return 0, fmt.Errorf("money: negative conversion amount %d", amount)
	}
	exact := decimal.New(amount, -from.Precision).Mul(rate).Shift(to.Precision)
	credited := exact.Truncate(0)
	if !credited.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return credited.IntPart(), nil
}
