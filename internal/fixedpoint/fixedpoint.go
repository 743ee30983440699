// Package fixedpoint provides checked fixed-point arithmetic for all
// monetary and share quantities in the exchange.
//
// Every quantity is a non-negative decimal with at most Scale fractional
// digits. All operations are checked: results that would go negative,
// exceed the representable bound, or divide by zero return an error
// instead of silently wrapping. Square root is computed exactly on the
// scaled integer via math/big, never through float64. Settlement state
// must be bit-reproducible across re-execution, so floating point is
// banned throughout.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every quantity.
const Scale int32 = 6

var (
	// ErrNegative is returned when an operand or result is below zero.
	ErrNegative = errors.New("fixedpoint: negative value")

	// ErrOverflow is returned when a result exceeds the representable bound.
	ErrOverflow = errors.New("fixedpoint: value exceeds maximum")

	// ErrDivisionByZero is returned on division by zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrPrecisionLoss is returned when an input carries more fractional
	// digits than Scale permits.
	ErrPrecisionLoss = errors.New("fixedpoint: precision beyond declared scale")
)

// Max bounds every quantity. Mirrors a 128-bit scaled integer ceiling so
// results stay portable to fixed-width representations.
var Max = decimal.New(1, 24) // 1e24

// Check verifies that v is a well-formed quantity: non-negative, within
// bounds, and representable at Scale without truncation.
func Check(v decimal.Decimal) error {
	if v.IsNegative() {
		return ErrNegative
	}
	if v.GreaterThan(Max) {
		return ErrOverflow
	}
	if !v.Equal(v.Truncate(Scale)) {
		return ErrPrecisionLoss
	}
	return nil
}

// Quantize truncates v toward zero to Scale fractional digits.
func Quantize(v decimal.Decimal) decimal.Decimal {
	return v.Truncate(Scale)
}

// Add returns a + b, failing on malformed operands or overflow.
func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	if err := checkOperands(a, b); err != nil {
		return decimal.Zero, err
	}
	sum := a.Add(b)
	if sum.GreaterThan(Max) {
		return decimal.Zero, ErrOverflow
	}
	return sum, nil
}

// Sub returns a - b, failing if the result would go negative.
func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	if err := checkOperands(a, b); err != nil {
		return decimal.Zero, err
	}
	if b.GreaterThan(a) {
		return decimal.Zero, ErrNegative
	}
	return a.Sub(b), nil
}

// Mul returns a * b truncated to Scale.
func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	if err := checkOperands(a, b); err != nil {
		return decimal.Zero, err
	}
	product := a.Mul(b).Truncate(Scale)
	if product.GreaterThan(Max) {
		return decimal.Zero, ErrOverflow
	}
	return product, nil
}

// Div returns a / b truncated to Scale, failing on a zero divisor.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if err := checkOperands(a, b); err != nil {
		return decimal.Zero, err
	}
	if b.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}
	return a.DivRound(b, Scale+1).Truncate(Scale), nil
}

// Sqrt returns the square root of v truncated to Scale.
//
// The root is computed on the scaled integer representation with
// math/big's exact integer square root, so equal inputs always produce
// bit-identical outputs.
func Sqrt(v decimal.Decimal) (decimal.Decimal, error) {
	if v.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	if v.GreaterThan(Max) {
		return decimal.Zero, ErrOverflow
	}
	if v.IsZero() {
		return decimal.Zero, nil
	}

	// sqrt(n / 10^s) = sqrt(n * 10^s) / 10^s for n = v * 10^s.
	n := v.Shift(2 * Scale).Truncate(0).BigInt()
	root := new(big.Int).Sqrt(n)
	return decimal.NewFromBigInt(root, -Scale), nil
}

// Pow returns v raised to a non-negative integer exponent.
func Pow(v decimal.Decimal, exp uint64) (decimal.Decimal, error) {
	if err := Check(v); err != nil {
		return decimal.Zero, err
	}
	result := decimal.New(1, 0)
	for i := uint64(0); i < exp; i++ {
		result = result.Mul(v)
		if result.GreaterThan(Max) {
			return decimal.Zero, ErrOverflow
		}
	}
	return result.Truncate(Scale), nil
}

func checkOperands(a, b decimal.Decimal) error {
	if a.IsNegative() || b.IsNegative() {
		return ErrNegative
	}
	if a.GreaterThan(Max) || b.GreaterThan(Max) {
		return ErrOverflow
	}
	return nil
}
