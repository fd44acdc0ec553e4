// Package fixedpoint holds the integer fixed-point arithmetic used across
// the matching core: prices and ratios carry 6 decimals, base asset
// quantities carry 18. All divisions truncate toward zero.
package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	One6  = big.NewInt(1e6)
	One18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Div1e6 truncates a 1e6-scaled product back to scale.
func Div1e6(x *big.Int) *big.Int {
	return new(big.Int).Quo(x, One6)
}

// Div1e18 truncates a 1e18-scaled product back to scale.
func Div1e18(x *big.Int) *big.Int {
	return new(big.Int).Quo(x, One18)
}

func Mul1e6(x *big.Int) *big.Int {
	return new(big.Int).Mul(x, One6)
}

func Abs(x *big.Int) *big.Int {
	return new(big.Int).Abs(x)
}

func Neg(x *big.Int) *big.Int {
	return new(big.Int).Neg(x)
}

func Min(x, y *big.Int) *big.Int {
	if x.Cmp(y) <= 0 {
		return new(big.Int).Set(x)
	}
	return new(big.Int).Set(y)
}

func Max(x, y *big.Int) *big.Int {
	if x.Cmp(y) >= 0 {
		return new(big.Int).Set(x)
	}
	return new(big.Int).Set(y)
}

// Scale6 converts a human-readable decimal value (e.g. "0.01" from config)
// to its 1e6 fixed-point representation, truncating extra precision.
func Scale6(d decimal.Decimal) *big.Int {
	return d.Shift(6).Truncate(0).BigInt()
}

// Scale18 converts a human-readable decimal value to its 1e18 fixed-point
// representation, truncating extra precision.
func Scale18(d decimal.Decimal) *big.Int {
	return d.Shift(18).Truncate(0).BigInt()
}

// Format6 renders a 1e6 fixed-point amount as a human-readable decimal
// string for logs and events.
func Format6(x *big.Int) string {
	return decimal.NewFromBigInt(x, -6).String()
}

// Format18 renders a 1e18 fixed-point amount as a human-readable decimal
// string for logs and events.
func Format18(x *big.Int) string {
	return decimal.NewFromBigInt(x, -18).String()
}
