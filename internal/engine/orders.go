package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tallymarket/clob-engine/internal/bank"
	"github.com/tallymarket/clob-engine/internal/curve"
	"github.com/tallymarket/clob-engine/internal/fairlaunch"
	"github.com/tallymarket/clob-engine/internal/fixedpoint"
	"github.com/tallymarket/clob-engine/internal/model"
)

// BulkBuyByPrice executes a batch of buys where each order amount is
// collateral to spend.
func (e *Engine) BulkBuyByPrice(ctx context.Context, userID, marketID string, orders []model.Order) ([]model.FinalOrder, error) {
	return e.bulkBuy(ctx, userID, marketID, orders, curve.ByPrice)
}

// BulkBuyByShares executes a batch of buys where each order amount is a
// share count.
func (e *Engine) BulkBuyByShares(ctx context.Context, userID, marketID string, orders []model.Order) ([]model.FinalOrder, error) {
	return e.bulkBuy(ctx, userID, marketID, orders, curve.ByShares)
}

// BulkSellByPrice executes a batch of sells where each order amount is
// collateral to receive.
func (e *Engine) BulkSellByPrice(ctx context.Context, userID, marketID string, orders []model.Order) ([]model.FinalOrder, error) {
	return e.bulkSell(ctx, userID, marketID, orders, curve.ByPrice)
}

// BulkSellByShares executes a batch of sells where each order amount is
// a share count.
func (e *Engine) BulkSellByShares(ctx context.Context, userID, marketID string, orders []model.Order) ([]model.FinalOrder, error) {
	return e.bulkSell(ctx, userID, marketID, orders, curve.ByShares)
}

// FairLaunchOrder executes a batch of fair-launch contributions. Every
// referenced sub-market must be in its fair-launch period.
func (e *Engine) FairLaunchOrder(ctx context.Context, userID, marketID string, orders []model.Order) ([]model.FinalOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := checkBatchShape(m, orders); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	work := m.Clone()
	portfolio, err := e.loadPortfolio(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	origPortfolio := portfolio.Clone()

	finals := make([]model.FinalOrder, 0, len(orders))
	for _, order := range orders {
		sm, err := work.SubMarket(order.SubMarketID)
		if err != nil {
			return nil, err
		}
		if sm.Period(now) != model.PeriodFairLaunch {
			return nil, ErrNotBuyingPeriod
		}
		shares, err := fairlaunch.Apply(sm, order.ChoiceID, order.Amount)
		if err != nil {
			return nil, err
		}
		portfolio.Add(order.SubMarketID, order.ChoiceID, shares)
		finals = append(finals, model.FinalOrder{
			SubMarketID: order.SubMarketID,
			ChoiceID:    order.ChoiceID,
			Price:       order.Amount,
			Shares:      shares,
			FeePrice:    decimal.Zero,
		})
	}

	total := decimal.Zero
	for _, f := range finals {
		total = total.Add(f.Price)
	}
	if err := e.checkSpendable(userID, total); err != nil {
		return nil, err
	}

	if err := e.commit(ctx, userID, m, work, origPortfolio, portfolio, finals, "FAIR_LAUNCH", total, decimal.Zero, now); err != nil {
		return nil, err
	}
	return finals, nil
}

// bulkBuy validates and settles a buy batch. Fair-launch-period buys are
// routed through the seeder at the uniform launch price and bypass the
// slippage bound; trading-period buys price on the curve.
func (e *Engine) bulkBuy(ctx context.Context, userID, marketID string, orders []model.Order, mode curve.Mode) ([]model.FinalOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := checkBatchShape(m, orders); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	work := m.Clone()
	portfolio, err := e.loadPortfolio(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	origPortfolio := portfolio.Clone()

	finals := make([]model.FinalOrder, 0, len(orders))
	totalCost := decimal.Zero
	totalFees := decimal.Zero

	for _, order := range orders {
		sm, err := work.SubMarket(order.SubMarketID)
		if err != nil {
			return nil, err
		}

		var final model.FinalOrder
		switch sm.Period(now) {
		case model.PeriodFairLaunch:
			// Uniform launch pricing: one share per unit of collateral,
			// no fee, no slippage bound.
			shares, err := fairlaunch.Apply(sm, order.ChoiceID, order.Amount)
			if err != nil {
				return nil, err
			}
			portfolio.Add(order.SubMarketID, order.ChoiceID, shares)
			final = model.FinalOrder{
				SubMarketID: order.SubMarketID,
				ChoiceID:    order.ChoiceID,
				Price:       order.Amount,
				Shares:      shares,
				FeePrice:    decimal.Zero,
			}

		case model.PeriodTrading:
			this, err := sm.Choice(order.ChoiceID)
			if err != nil {
				return nil, err
			}
			other, err := sm.OtherChoice(order.ChoiceID)
			if err != nil {
				return nil, err
			}

			quote, err := curve.QuoteBuy(this.PotShares, other.PotShares, sm.Invariant, curve.Intent{Mode: mode, Amount: order.Amount})
			if err != nil {
				return nil, err
			}
			if err := checkSlippage(quote, order.RequestedPricePerShare, true); err != nil {
				return nil, err
			}
			if err := applyBuy(sm, order.ChoiceID, quote); err != nil {
				return nil, err
			}
			portfolio.Add(order.SubMarketID, order.ChoiceID, quote.Shares)
			final = model.FinalOrder{
				SubMarketID: order.SubMarketID,
				ChoiceID:    order.ChoiceID,
				Price:       quote.Price,
				Shares:      quote.Shares,
				FeePrice:    quote.Fee,
			}

		default:
			return nil, ErrNotBuyingPeriod
		}

		totalCost = totalCost.Add(final.Price).Add(final.FeePrice)
		totalFees = totalFees.Add(final.FeePrice)
		finals = append(finals, final)
	}

	if err := e.checkSpendable(userID, totalCost); err != nil {
		return nil, err
	}

	if err := e.commit(ctx, userID, m, work, origPortfolio, portfolio, finals, "BUY", totalCost, totalFees, now); err != nil {
		return nil, err
	}
	return finals, nil
}

// bulkSell validates and settles a sell batch. Selling is permitted
// during the trading period only.
func (e *Engine) bulkSell(ctx context.Context, userID, marketID string, orders []model.Order, mode curve.Mode) ([]model.FinalOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := checkBatchShape(m, orders); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	work := m.Clone()
	portfolio, err := e.loadPortfolio(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	origPortfolio := portfolio.Clone()

	finals := make([]model.FinalOrder, 0, len(orders))
	totalProceeds := decimal.Zero
	totalFees := decimal.Zero

	for _, order := range orders {
		sm, err := work.SubMarket(order.SubMarketID)
		if err != nil {
			return nil, err
		}
		if sm.Period(now) != model.PeriodTrading {
			return nil, ErrNotSellingPeriod
		}

		this, err := sm.Choice(order.ChoiceID)
		if err != nil {
			return nil, err
		}
		other, err := sm.OtherChoice(order.ChoiceID)
		if err != nil {
			return nil, err
		}

		quote, err := curve.QuoteSell(this.PotShares, other.PotShares, sm.Invariant, curve.Intent{Mode: mode, Amount: order.Amount})
		if err != nil {
			return nil, err
		}
		if err := checkSlippage(quote, order.RequestedPricePerShare, false); err != nil {
			return nil, err
		}

		// Shares leave the portfolio before the reserves move; the
		// holdings check is the hard precondition.
		if quote.Shares.GreaterThan(portfolio.Shares(order.SubMarketID, order.ChoiceID)) {
			return nil, ErrNotEnoughSharesToSell
		}
		if err := portfolio.Withdraw(order.SubMarketID, order.ChoiceID, quote.Shares); err != nil {
			return nil, ErrNotEnoughSharesToSell
		}
		if err := applySell(sm, order.ChoiceID, quote); err != nil {
			return nil, err
		}

		totalProceeds = totalProceeds.Add(quote.Price).Sub(quote.Fee)
		totalFees = totalFees.Add(quote.Fee)
		finals = append(finals, model.FinalOrder{
			SubMarketID: order.SubMarketID,
			ChoiceID:    order.ChoiceID,
			Price:       quote.Price,
			Shares:      quote.Shares,
			FeePrice:    quote.Fee,
		})
	}

	// Commit: both snapshots first, the balance credit after, so a failed
	// save never leaves reserves shrunk while the user keeps the shares.
	if err := e.store.SaveMarket(ctx, work); err != nil {
		return nil, err
	}
	if err := e.store.SavePortfolio(ctx, portfolio); err != nil {
		e.restore(ctx, m, nil)
		return nil, err
	}
	if totalProceeds.IsPositive() {
		if err := e.ledger.Credit(userID, totalProceeds); err != nil {
			e.restore(ctx, m, origPortfolio)
			return nil, err
		}
	}
	if err := e.tokens.TransferFee(e.cfg.CustodyAccount, e.cfg.FeeAccount, totalFees); err != nil {
		slog.Error("fee routing failed", "market", work.ID, "fees", totalFees.String(), "err", err)
	}
	e.recordTrades(ctx, userID, work.ID, finals, "SELL", now)

	slog.Info("sell batch settled",
		"user", userID,
		"market", marketID,
		"orders", len(finals),
		"proceeds", totalProceeds.String(),
		"fees", totalFees.String(),
	)
	return finals, nil
}

// checkBatchShape enforces the batch-level preconditions: non-empty,
// positive amounts, capped at the sub-market count, and pairwise
// distinct sub-market ids.
func checkBatchShape(m *model.Market, orders []model.Order) error {
	if len(orders) == 0 {
		return ErrAmountTooLow
	}
	if len(orders) > len(m.SubMarkets) {
		return ErrBulkOrderTooBig
	}
	seen := make(map[uint64]struct{}, len(orders))
	for _, order := range orders {
		if !order.Amount.IsPositive() {
			return ErrAmountTooLow
		}
		if err := fixedpoint.Check(order.Amount); err != nil {
			return err
		}
		if _, ok := seen[order.SubMarketID]; ok {
			return ErrSameSubMarket
		}
		seen[order.SubMarketID] = struct{}{}
	}
	return nil
}

// checkSlippage verifies the executed price per share lies within ±5% of
// the caller's requested price.
func checkSlippage(q curve.Quote, requested decimal.Decimal, buy bool) error {
	if !requested.IsPositive() {
		return ErrPriceEstimationOff
	}
	perShare, err := q.PerShare(buy)
	if err != nil {
		return ErrPriceEstimationOff
	}
	bound := requested.Mul(slippageBound)
	if perShare.Sub(requested).Abs().GreaterThan(bound) {
		return ErrPriceEstimationOff
	}
	return nil
}

// applyBuy mutates the sub-market per the AMM buy rule: the net price
// mints into both reserves, the bought side gives up the shares, and the
// choice's collateral pot and minted total grow.
func applyBuy(sm *model.SubMarket, choiceID uint64, q curve.Quote) error {
	var err error
	for i := range sm.Choices {
		sm.Choices[i].PotShares, err = fixedpoint.Add(sm.Choices[i].PotShares, q.Price)
		if err != nil {
			return err
		}
	}
	choice, err := sm.Choice(choiceID)
	if err != nil {
		return err
	}
	if choice.PotShares, err = fixedpoint.Sub(choice.PotShares, q.Shares); err != nil {
		return curve.ErrInvalidOrder
	}
	if choice.USDCPot, err = fixedpoint.Add(choice.USDCPot, q.Price); err != nil {
		return err
	}
	if choice.MintedShares, err = fixedpoint.Add(choice.MintedShares, q.Shares); err != nil {
		return err
	}
	return checkInvariant(sm)
}

// applySell mirrors applyBuy: the gross price leaves both reserves, the
// sold side takes the shares back, and the pots shrink.
func applySell(sm *model.SubMarket, choiceID uint64, q curve.Quote) error {
	var err error
	for i := range sm.Choices {
		sm.Choices[i].PotShares, err = fixedpoint.Sub(sm.Choices[i].PotShares, q.Price)
		if err != nil {
			return curve.ErrInvalidOrder
		}
	}
	choice, err := sm.Choice(choiceID)
	if err != nil {
		return err
	}
	if choice.PotShares, err = fixedpoint.Add(choice.PotShares, q.Shares); err != nil {
		return err
	}
	if choice.USDCPot, err = fixedpoint.Sub(choice.USDCPot, q.Price); err != nil {
		return curve.ErrInvalidOrder
	}
	if choice.MintedShares, err = fixedpoint.Sub(choice.MintedShares, q.Shares); err != nil {
		return curve.ErrInvalidOrder
	}
	return checkInvariant(sm)
}

// checkInvariant bounds post-trade drift of the constant product.
func checkInvariant(sm *model.SubMarket) error {
	product := sm.Choices[0].PotShares.Mul(sm.Choices[1].PotShares)
	drift := product.Sub(sm.Invariant).Abs()
	if drift.GreaterThan(sm.Invariant.Mul(invariantTolerance)) {
		return curve.ErrInvalidOrder
	}
	return nil
}

// checkSpendable verifies the aggregate batch cost against the user's
// spendable balance before any funds move.
func (e *Engine) checkSpendable(userID string, total decimal.Decimal) error {
	wallet, err := e.ledger.Balance(userID)
	if err != nil {
		return err
	}
	if total.GreaterThan(wallet.Spendable()) {
		return bank.ErrBalanceTooLow
	}
	return nil
}

// commit persists the settled state for a buy-side batch: snapshots
// first, the debit last. checkSpendable has already verified the funds
// under the held mutex, so the debit cannot fail for balance reasons; a
// failed step rolls the persisted state back to the pre-batch snapshots
// so no partial state survives.
func (e *Engine) commit(ctx context.Context, userID string, orig, work *model.Market, origPortfolio, portfolio *model.MarketPortfolio, finals []model.FinalOrder, side string, totalCost, totalFees decimal.Decimal, now time.Time) error {
	if err := e.store.SaveMarket(ctx, work); err != nil {
		return err
	}
	if err := e.store.SavePortfolio(ctx, portfolio); err != nil {
		e.restore(ctx, orig, nil)
		return err
	}
	if err := e.ledger.Debit(userID, totalCost); err != nil {
		e.restore(ctx, orig, origPortfolio)
		return err
	}
	// Funds and state are settled; fee routing is outward bookkeeping and
	// must not unwind the batch.
	if err := e.tokens.TransferFee(e.cfg.CustodyAccount, e.cfg.FeeAccount, totalFees); err != nil {
		slog.Error("fee routing failed", "market", work.ID, "fees", totalFees.String(), "err", err)
	}
	e.recordTrades(ctx, userID, work.ID, finals, side, now)

	slog.Info("batch settled",
		"side", side,
		"user", userID,
		"market", work.ID,
		"orders", len(finals),
		"cost", totalCost.String(),
		"fees", totalFees.String(),
	)
	return nil
}

// restore re-saves pre-batch snapshots after a failed commit step. A
// rollback that itself fails is logged; the state it targets is the
// snapshot already persisted, so readers see the pre-batch state either
// way on the memory store, and the outage is surfaced for the Postgres
// one.
func (e *Engine) restore(ctx context.Context, m *model.Market, p *model.MarketPortfolio) {
	if m != nil {
		if err := e.store.SaveMarket(ctx, m); err != nil {
			slog.Error("market rollback failed", "market", m.ID, "err", err)
		}
	}
	if p != nil {
		if err := e.store.SavePortfolio(ctx, p); err != nil {
			slog.Error("portfolio rollback failed", "user", p.UserID, "market", p.MarketID, "err", err)
		}
	}
}

// recordTrades appends immutable execution records. Ledger append
// failures are logged, not surfaced: the settlement itself has already
// committed.
func (e *Engine) recordTrades(ctx context.Context, userID, marketID string, finals []model.FinalOrder, side string, now time.Time) {
	for _, f := range finals {
		t := &model.Trade{
			ID:          uuid.New().String(),
			UserID:      userID,
			MarketID:    marketID,
			SubMarketID: f.SubMarketID,
			ChoiceID:    f.ChoiceID,
			Side:        side,
			Shares:      f.Shares,
			Price:       f.Price,
			Fee:         f.FeePrice,
			Timestamp:   now,
		}
		if err := e.store.InsertTrade(ctx, t); err != nil {
			slog.Error("trade record failed", "trade", t.ID, "err", err)
		}
	}
}
