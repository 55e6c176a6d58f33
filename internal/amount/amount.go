// Package amount holds the 256-bit arithmetic shared by the accounting,
// allocation and draw paths. Ratios are always multiply-then-divide.
package amount

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator for every bps-expressed value.
const BasisPoints = 10_000

// MaxAPYBps bounds every ingested APY (10000%) so bps products stay within uint64.
const MaxAPYBps = 1_000_000

var bpsDenominator = uint256.NewInt(BasisPoints)

// Zero returns a fresh zero value.
func Zero() *uint256.Int { return new(uint256.Int) }

// Of returns v as a 256-bit integer.
func Of(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Wad is 1e18, the fixed-point unit for share prices.
func Wad() *uint256.Int { return uint256.NewInt(1_000_000_000_000_000_000) }

// OrZero treats nil as zero.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// MulDiv returns floor(x*y/d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, fmt.Errorf("mul-div by zero")
	}
	z, overflow := new(uint256.Int).MulDivOverflow(OrZero(x), OrZero(y), d)
	if overflow {
		return nil, fmt.Errorf("mul-div overflow")
	}
	return z, nil
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(OrZero(x), OrZero(y), d).IsZero() {
		return z, nil
	}
	z, overflow := z.AddOverflow(z, uint256.NewInt(1))
	if overflow {
		return nil, fmt.Errorf("mul-div overflow")
	}
	return z, nil
}

// MustMulDiv panics on overflow. Only for operands already bounded by callers.
func MustMulDiv(x, y, d *uint256.Int) *uint256.Int {
	z, err := MulDiv(x, y, d)
	if err != nil {
		panic(err)
	}
	return z
}

// ApplyBps returns floor(v*bps/10000).
func ApplyBps(v *uint256.Int, bps uint64) *uint256.Int {
	return MustMulDiv(v, uint256.NewInt(bps), bpsDenominator)
}

// Min returns the smaller of a and b (a copy).
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// SubFloor returns max(a-b, 0).
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Sum adds values, ignoring nils.
func Sum(values ...*uint256.Int) *uint256.Int {
	total := new(uint256.Int)
	for _, v := range values {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// Parse reads a base-10 amount.
func Parse(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// ToDecimal renders base units as a decimal with the asset's precision.
func ToDecimal(v *uint256.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -decimals)
}

// FromDecimal converts a human amount to base units, truncating extra precision.
func FromDecimal(d decimal.Decimal, decimals int32) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", d.String())
	}
	scaled := d.Shift(decimals).Truncate(0)
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", d.String())
	}
	return v, nil
}
