// Package fairlaunch implements the liquidity-seeding algorithm that
// bootstraps a sub-market's AMM reserves before the bonding curve is
// active.
//
// During the fair launch, contributions do not trade on the curve. Each
// contribution of v to a choice goes straight into that choice's pots,
// shares are minted 1:1, and the invariant is recomputed as
// k = total_pot² with the reserves redistributed so that their product
// equals k while the less-funded side keeps the higher reserve (and so
// the lower price). No fee is charged in this phase.
package fairlaunch

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tallymarket/clob-engine/internal/fixedpoint"
	"github.com/tallymarket/clob-engine/internal/model"
)

// ErrInvalidContribution is returned for non-positive contributions.
var ErrInvalidContribution = errors.New("fairlaunch: contribution must be positive")

// Apply adds a contribution of amount to the given choice of sm and
// reseeds the reserves. Returns the shares minted to the contributor
// (1:1 with the contribution).
func Apply(sm *model.SubMarket, choiceID uint64, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidContribution
	}
	if err := fixedpoint.Check(amount); err != nil {
		return decimal.Zero, err
	}

	choice, err := sm.Choice(choiceID)
	if err != nil {
		return decimal.Zero, err
	}

	choice.FairLaunchPot, err = fixedpoint.Add(choice.FairLaunchPot, amount)
	if err != nil {
		return decimal.Zero, err
	}
	choice.USDCPot, err = fixedpoint.Add(choice.USDCPot, amount)
	if err != nil {
		return decimal.Zero, err
	}
	choice.MintedShares, err = fixedpoint.Add(choice.MintedShares, amount)
	if err != nil {
		return decimal.Zero, err
	}

	if err := reseed(sm); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// reseed recomputes the invariant and reserves from the current
// fair-launch pots.
//
// With contribution proportions p0 and p1 (p0 + p1 = 1) and
// k = total², the reserves
//
//	pot[0] = total·sqrt(p1/p0)
//	pot[1] = total·sqrt(p0/p1)
//
// satisfy pot[0]·pot[1] = k and price the heavier-funded side higher.
// While only one side holds contributions both reserves sit at total,
// pricing the outcomes evenly until the other side is funded.
func reseed(sm *model.SubMarket) error {
	total, err := fixedpoint.Add(sm.Choices[0].FairLaunchPot, sm.Choices[1].FairLaunchPot)
	if err != nil {
		return err
	}
	k, err := fixedpoint.Mul(total, total)
	if err != nil {
		return err
	}
	sm.Invariant = k

	if sm.Choices[0].FairLaunchPot.IsZero() || sm.Choices[1].FairLaunchPot.IsZero() {
		sm.Choices[0].PotShares = total
		sm.Choices[1].PotShares = total
		return nil
	}

	p0, err := fixedpoint.Div(sm.Choices[0].FairLaunchPot, total)
	if err != nil {
		return err
	}
	p1, err := fixedpoint.Div(sm.Choices[1].FairLaunchPot, total)
	if err != nil {
		return err
	}

	// s = sqrt(k / (p0·p1)); pot[0] = s·p1, pot[1] = s·p0.
	product, err := fixedpoint.Mul(p0, p1)
	if err != nil {
		return err
	}
	ratio, err := fixedpoint.Div(k, product)
	if err != nil {
		return err
	}
	s, err := fixedpoint.Sqrt(ratio)
	if err != nil {
		return err
	}

	sm.Choices[0].PotShares, err = fixedpoint.Mul(s, p1)
	if err != nil {
		return err
	}
	sm.Choices[1].PotShares, err = fixedpoint.Mul(s, p0)
	return err
}
