package engine

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tallymarket/clob-engine/internal/fixedpoint"
)

// ResolveMarket marks the winning choice of a sub-market. One-shot:
// repeat resolution fails and the flag is never cleared. Operator only.
func (e *Engine) ResolveMarket(ctx context.Context, signer, marketID string, subMarketID, winningChoiceID uint64) error {
	if err := e.requireOperator(signer); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	sm, err := m.SubMarket(subMarketID)
	if err != nil {
		return err
	}
	if sm.Resolved {
		return ErrMarketAlreadyResolved
	}
	winner, err := sm.Choice(winningChoiceID)
	if err != nil {
		return err
	}

	winner.WinningChoice = true
	sm.Resolved = true

	if err := e.store.SaveMarket(ctx, m); err != nil {
		return err
	}

	slog.Info("sub-market resolved",
		"market", marketID,
		"sub_market", subMarketID,
		"winning_choice", winningChoiceID,
	)
	return nil
}

// ClaimWinnings pays out a user's shares in the winning choice of a
// resolved sub-market:
//
//	payout = shares · total_pot / minted_shares
//
// The user's shares are zeroed and the claim latch set atomically with
// the balance credit, so a second claim fails.
func (e *Engine) ClaimWinnings(ctx context.Context, userID, marketID string, subMarketID, choiceID uint64) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	sm, err := m.SubMarket(subMarketID)
	if err != nil {
		return decimal.Zero, err
	}
	if !sm.Resolved {
		return decimal.Zero, ErrMarketNotResolved
	}
	choice, err := sm.Choice(choiceID)
	if err != nil {
		return decimal.Zero, err
	}
	if !choice.WinningChoice {
		return decimal.Zero, ErrNotWinningChoice
	}

	portfolio, err := e.store.GetPortfolio(ctx, userID, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	entry, err := portfolio.Entry(subMarketID, choiceID)
	if err != nil {
		return decimal.Zero, err
	}
	if entry.Claimed {
		return decimal.Zero, ErrAlreadyClaimed
	}

	// Multiply before dividing so small holdings don't truncate to zero.
	numerator, err := fixedpoint.Mul(entry.Shares, sm.TotalPot())
	if err != nil {
		return decimal.Zero, err
	}
	payout, err := fixedpoint.Div(numerator, choice.MintedShares)
	if err != nil {
		return decimal.Zero, err
	}

	shares := entry.Shares
	if err := portfolio.Withdraw(subMarketID, choiceID, shares); err != nil {
		return decimal.Zero, err
	}
	entry.Claimed = true

	if err := e.store.SavePortfolio(ctx, portfolio); err != nil {
		return decimal.Zero, err
	}
	if payout.IsPositive() {
		if err := e.ledger.Credit(userID, payout); err != nil {
			return decimal.Zero, err
		}
	}

	slog.Info("winnings claimed",
		"user", userID,
		"market", marketID,
		"sub_market", subMarketID,
		"choice", choiceID,
		"shares", shares.String(),
		"payout", payout.String(),
	)
	return payout, nil
}
