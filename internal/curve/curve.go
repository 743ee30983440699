// Package curve implements the constant-product bonding curve used to
// price trades in two-outcome sub-markets.
//
// For reserves A and B the pool maintains A * B = k. A buy of net
// collateral v mints v paired shares into both reserves, then removes
// x = A' - k/B' shares from the bought side to restore the invariant.
// Selling is the mirror. Both "spend this much" and "trade this many
// shares" request modes are solved in closed form: the by-shares mode
// inverts the invariant through its quadratic, never by per-unit
// accumulation.
//
// All quantities use checked fixed-point arithmetic; the package is
// stateless and never mutates reserves.
package curve

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tallymarket/clob-engine/internal/fixedpoint"
)

var (
	// ErrInvalidOrder is returned when the invariant equation has no
	// root inside (0, reserve), meaning the trade cannot be priced.
	ErrInvalidOrder = errors.New("curve: not a valid order")

	// ErrZeroReserve is returned when a trade would empty a reserve or
	// the pool is not yet seeded.
	ErrZeroReserve = errors.New("curve: reserve would be depleted")
)

// FeeDivisor sets the trading fee at 0.5% (v / 200), charged on buys and
// sells alike. Fair-launch contributions are never charged.
var FeeDivisor = decimal.NewFromInt(200)

var two = decimal.NewFromInt(2)

// Mode selects how an order amount is interpreted.
type Mode int

const (
	// ByPrice treats the amount as collateral to spend or receive.
	ByPrice Mode = iota
	// ByShares treats the amount as a share count to buy or sell.
	ByShares
)

// Intent is a tagged order amount: collateral in ByPrice mode, shares in
// ByShares mode.
type Intent struct {
	Mode   Mode
	Amount decimal.Decimal
}

// PriceIntent returns an Intent spending the given collateral.
func PriceIntent(amount decimal.Decimal) Intent {
	return Intent{Mode: ByPrice, Amount: amount}
}

// SharesIntent returns an Intent trading the given share count.
func SharesIntent(count decimal.Decimal) Intent {
	return Intent{Mode: ByShares, Amount: count}
}

// Quote is the priced form of a trade.
//
// For a buy, Price is the net collateral entering the pool and the buyer
// pays Price + Fee. For a sell, Price is the gross collateral leaving the
// pool and the seller receives Price - Fee.
type Quote struct {
	Price  decimal.Decimal
	Shares decimal.Decimal
	Fee    decimal.Decimal
}

// PerShare returns the execution price per share as experienced by the
// trader: total collateral paid (buy) or received (sell) over shares.
func (q Quote) PerShare(buy bool) (decimal.Decimal, error) {
	var total decimal.Decimal
	var err error
	if buy {
		total, err = fixedpoint.Add(q.Price, q.Fee)
	} else {
		total, err = fixedpoint.Sub(q.Price, q.Fee)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Div(total, q.Shares)
}

// Price returns the instantaneous price per share of the choice holding
// reserve `this` against reserve `other`: other / (this + other). The
// value always lies strictly inside (0, 1) for positive reserves.
func Price(this, other decimal.Decimal) (decimal.Decimal, error) {
	if !this.IsPositive() || !other.IsPositive() {
		return decimal.Zero, ErrZeroReserve
	}
	total, err := fixedpoint.Add(this, other)
	if err != nil {
		return decimal.Zero, err
	}
	return fixedpoint.Div(other, total)
}

// QuoteBuy prices a buy on the choice holding reserve `this`, with
// `other` the opposite reserve and k the sub-market invariant.
func QuoteBuy(this, other, k decimal.Decimal, intent Intent) (Quote, error) {
	if !this.IsPositive() || !other.IsPositive() || !k.IsPositive() {
		return Quote{}, ErrZeroReserve
	}
	if !intent.Amount.IsPositive() {
		return Quote{}, ErrInvalidOrder
	}

	switch intent.Mode {
	case ByShares:
		return buyByShares(this, other, k, intent.Amount)
	default:
		return buyByPrice(this, other, k, intent.Amount)
	}
}

// QuoteSell prices a sell of the choice holding reserve `this`.
func QuoteSell(this, other, k decimal.Decimal, intent Intent) (Quote, error) {
	if !this.IsPositive() || !other.IsPositive() || !k.IsPositive() {
		return Quote{}, ErrZeroReserve
	}
	if !intent.Amount.IsPositive() {
		return Quote{}, ErrInvalidOrder
	}

	switch intent.Mode {
	case ByShares:
		return sellByShares(this, other, k, intent.Amount)
	default:
		return sellByPrice(this, other, k, intent.Amount)
	}
}

// buyByPrice: deduct the fee from gross collateral v, mint the net v'
// into both reserves, and solve x = A' - k/B' directly.
func buyByPrice(a, b, k, gross decimal.Decimal) (Quote, error) {
	fee, err := fixedpoint.Div(gross, FeeDivisor)
	if err != nil {
		return Quote{}, err
	}
	net, err := fixedpoint.Sub(gross, fee)
	if err != nil {
		return Quote{}, err
	}
	if !net.IsPositive() {
		return Quote{}, ErrInvalidOrder
	}

	aPrime, err := fixedpoint.Add(a, net)
	if err != nil {
		return Quote{}, err
	}
	bPrime, err := fixedpoint.Add(b, net)
	if err != nil {
		return Quote{}, err
	}

	quotient, err := fixedpoint.Div(k, bPrime)
	if err != nil {
		return Quote{}, err
	}
	shares, err := fixedpoint.Sub(aPrime, quotient)
	if err != nil {
		return Quote{}, ErrInvalidOrder
	}
	if !shares.IsPositive() || shares.GreaterThanOrEqual(aPrime) {
		return Quote{}, ErrInvalidOrder
	}

	return Quote{Price: net, Shares: shares, Fee: fee}, nil
}

// buyByShares inverts the buy equation for the net collateral v.
//
// (A + v - x)(B + v) = k expands to
//
//	v² + (A + B - x)·v + (A·B - x·B - k) = 0
//
// and the positive root is the unique net spend producing x shares.
func buyByShares(a, b, k, shares decimal.Decimal) (Quote, error) {
	ab, err := fixedpoint.Mul(a, b)
	if err != nil {
		return Quote{}, err
	}
	xb, err := fixedpoint.Mul(shares, b)
	if err != nil {
		return Quote{}, err
	}

	// Coefficients may be negative mid-computation; use raw decimal
	// arithmetic here and re-check the root as a quantity afterwards.
	bCoef := a.Add(b).Sub(shares)
	cCoef := ab.Sub(xb).Sub(k)

	net, ok, err := positiveRoot(bCoef, cCoef)
	if err != nil {
		return Quote{}, err
	}
	if !ok || !net.IsPositive() {
		return Quote{}, ErrInvalidOrder
	}

	// Reserve bound: x < A + v.
	aPrime, err := fixedpoint.Add(a, net)
	if err != nil {
		return Quote{}, err
	}
	if shares.GreaterThanOrEqual(aPrime) {
		return Quote{}, ErrInvalidOrder
	}

	// The fee was deducted before minting, so gross·(1 - 1/200) = net
	// and fee = net / 199.
	fee, err := fixedpoint.Div(net, FeeDivisor.Sub(decimal.New(1, 0)))
	if err != nil {
		return Quote{}, err
	}

	return Quote{Price: net, Shares: shares, Fee: fee}, nil
}

// sellByPrice solves for the shares that must be burned so that removing
// gross collateral v from both reserves restores the invariant:
// x = k/(B - v) - A + v.
func sellByPrice(a, b, k, gross decimal.Decimal) (Quote, error) {
	bPrime, err := fixedpoint.Sub(b, gross)
	if err != nil {
		return Quote{}, ErrInvalidOrder
	}
	if !bPrime.IsPositive() {
		return Quote{}, ErrZeroReserve
	}

	quotient, err := fixedpoint.Div(k, bPrime)
	if err != nil {
		return Quote{}, err
	}
	// x = k/(B-v) + v - A, computed without going negative mid-way.
	lhs, err := fixedpoint.Add(quotient, gross)
	if err != nil {
		return Quote{}, err
	}
	shares, err := fixedpoint.Sub(lhs, a)
	if err != nil {
		return Quote{}, ErrInvalidOrder
	}
	if !shares.IsPositive() {
		return Quote{}, ErrInvalidOrder
	}

	fee, err := fixedpoint.Div(gross, FeeDivisor)
	if err != nil {
		return Quote{}, err
	}
	if !gross.GreaterThan(fee) {
		return Quote{}, ErrInvalidOrder
	}

	return Quote{Price: gross, Shares: shares, Fee: fee}, nil
}

// sellByShares inverts the sell equation for the gross payout v.
//
// (A + x - v)(B - v) = k expands to
//
//	v² - (A + B + x)·v + (A·B + x·B - k) = 0
//
// The smaller root is the payout; the larger one lies beyond reserve B
// and is rejected.
func sellByShares(a, b, k, shares decimal.Decimal) (Quote, error) {
	ab, err := fixedpoint.Mul(a, b)
	if err != nil {
		return Quote{}, err
	}
	xb, err := fixedpoint.Mul(shares, b)
	if err != nil {
		return Quote{}, err
	}

	bCoef := a.Add(b).Add(shares).Neg()
	cCoef := ab.Add(xb).Sub(k)

	gross, ok, err := smallerRoot(bCoef, cCoef)
	if err != nil {
		return Quote{}, err
	}
	if !ok || !gross.IsPositive() || gross.GreaterThanOrEqual(b) {
		return Quote{}, ErrInvalidOrder
	}

	fee, err := fixedpoint.Div(gross, FeeDivisor)
	if err != nil {
		return Quote{}, err
	}
	if !gross.GreaterThan(fee) {
		return Quote{}, ErrInvalidOrder
	}

	return Quote{Price: gross, Shares: shares, Fee: fee}, nil
}

// positiveRoot returns the larger root of v² + b·v + c = 0, which is the
// positive one whenever c < 0.
func positiveRoot(b, c decimal.Decimal) (decimal.Decimal, bool, error) {
	disc := b.Mul(b).Sub(c.Mul(decimal.NewFromInt(4)))
	if disc.IsNegative() {
		return decimal.Zero, false, nil
	}
	root, err := fixedpoint.Sqrt(disc)
	if err != nil {
		return decimal.Zero, false, err
	}
	v := root.Sub(b).Div(two)
	return fixedpoint.Quantize(v), v.IsPositive(), nil
}

// smallerRoot returns the smaller root of v² + b·v + c = 0.
func smallerRoot(b, c decimal.Decimal) (decimal.Decimal, bool, error) {
	disc := b.Mul(b).Sub(c.Mul(decimal.NewFromInt(4)))
	if disc.IsNegative() {
		return decimal.Zero, false, nil
	}
	root, err := fixedpoint.Sqrt(disc)
	if err != nil {
		return decimal.Zero, false, err
	}
	v := b.Neg().Sub(root).Div(two)
	return fixedpoint.Quantize(v), v.IsPositive(), nil
}
