// Package engine validates and settles order batches against market and
// portfolio state.
//
// Execution is fully sequential per batch: the engine works on deep
// copies of the market and portfolio, and commits them only after every
// order in the batch has validated and priced. A failure at any point
// discards the copies, so no partial state is ever persisted.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tallymarket/clob-engine/internal/bank"
	"github.com/tallymarket/clob-engine/internal/curve"
	"github.com/tallymarket/clob-engine/internal/fixedpoint"
	"github.com/tallymarket/clob-engine/internal/model"
	"github.com/tallymarket/clob-engine/internal/store"
)

var (
	// ErrAmountTooLow is returned for orders or transfers with a
	// non-positive amount.
	ErrAmountTooLow = errors.New("engine: amount must be positive")

	// ErrBulkOrderTooBig is returned when a batch exceeds the market's
	// sub-market count.
	ErrBulkOrderTooBig = errors.New("engine: bulk order too big")

	// ErrSameSubMarket is returned when a batch references a sub-market
	// more than once.
	ErrSameSubMarket = errors.New("engine: duplicate sub-market in batch")

	// ErrNotBuyingPeriod is returned when a buy targets a sub-market
	// outside its fair-launch or trading period.
	ErrNotBuyingPeriod = errors.New("engine: not in a buying period")

	// ErrNotSellingPeriod is returned when a sell targets a sub-market
	// outside its trading period.
	ErrNotSellingPeriod = errors.New("engine: not in a selling period")

	// ErrPriceEstimationOff is returned when the execution price per
	// share deviates more than the slippage bound from the requested
	// price.
	ErrPriceEstimationOff = errors.New("engine: price estimation off")

	// ErrNotEnoughSharesToSell is returned when a batch sells more
	// shares than the portfolio holds.
	ErrNotEnoughSharesToSell = errors.New("engine: not enough shares to sell")

	// ErrMarketAlreadyResolved is returned on repeated resolution.
	ErrMarketAlreadyResolved = errors.New("engine: market already resolved")

	// ErrMarketNotResolved is returned when claiming before resolution.
	ErrMarketNotResolved = errors.New("engine: market not resolved")

	// ErrNotWinningChoice is returned when claiming a losing choice.
	ErrNotWinningChoice = errors.New("engine: not the winning choice")

	// ErrAlreadyClaimed is returned on a second claim for the same
	// (user, sub-market, choice).
	ErrAlreadyClaimed = errors.New("engine: winnings already claimed")
)

// slippageBound is the maximum relative deviation (5%) between requested
// and executed price per share.
var slippageBound = decimal.New(5, -2)

// invariantTolerance bounds the relative drift of the constant product
// permitted by fixed-point rounding: |A'·B' - k| <= k * tolerance.
var invariantTolerance = decimal.New(1, -3)

// Config carries the injected identities the engine needs: the operator
// key authorized for administrative actions, the account fees are routed
// to, and the custody account holding the collateral token.
type Config struct {
	OperatorKey    string
	FeeAccount     string
	CustodyAccount string
}

// Engine is the settlement core. One instance serializes all batches
// with a mutex; the host guarantees no other writer touches the same
// state.
type Engine struct {
	cfg    Config
	store  store.Store
	ledger bank.BalanceLedger
	tokens bank.TokenTransferGateway
	gate   bank.AuthorizationGate

	mu  sync.Mutex
	now func() time.Time
}

// New creates an engine around its collaborators.
func New(cfg Config, st store.Store, ledger bank.BalanceLedger, tokens bank.TokenTransferGateway, gate bank.AuthorizationGate) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  st,
		ledger: ledger,
		tokens: tokens,
		gate:   gate,
		now:    time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) requireOperator(signer string) error {
	role, err := e.gate.Check(signer)
	if err != nil {
		return err
	}
	if role != bank.RoleOperator {
		return bank.ErrNotAuthorized
	}
	return nil
}

// InitWallet creates a zero-balance wallet for the user.
func (e *Engine) InitWallet(_ context.Context, userID string) error {
	return e.ledger.InitWallet(userID)
}

// AddToBalance credits a user's redeemable balance and moves the
// underlying token into custody. Operator only.
func (e *Engine) AddToBalance(_ context.Context, signer, userID string, amount decimal.Decimal) error {
	if err := e.requireOperator(signer); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrAmountTooLow
	}
	if err := e.ledger.Credit(userID, amount); err != nil {
		return err
	}
	return e.tokens.Transfer(userID, e.cfg.CustodyAccount, amount)
}

// AddToUnredeemable credits funds spendable on orders but not
// withdrawable. Operator only.
func (e *Engine) AddToUnredeemable(_ context.Context, signer, userID string, amount decimal.Decimal) error {
	if err := e.requireOperator(signer); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrAmountTooLow
	}
	return e.ledger.CreditUnredeemable(userID, amount)
}

// WithdrawFromBalance debits the user's redeemable balance and moves the
// token back out of custody, with the withdrawal fee routed to the fee
// account. Operator only.
func (e *Engine) WithdrawFromBalance(_ context.Context, signer, userID string, amount decimal.Decimal) error {
	if err := e.requireOperator(signer); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrAmountTooLow
	}
	fee, err := fixedpoint.Div(amount, curve.FeeDivisor)
	if err != nil {
		return err
	}
	if err := e.ledger.Withdraw(userID, amount); err != nil {
		return err
	}

	if err := e.tokens.TransferFee(e.cfg.CustodyAccount, e.cfg.FeeAccount, fee); err != nil {
		return err
	}
	return e.tokens.Transfer(e.cfg.CustodyAccount, userID, amount.Sub(fee))
}

// Wallet returns the user's wallet snapshot.
func (e *Engine) Wallet(_ context.Context, userID string) (bank.Wallet, error) {
	return e.ledger.Balance(userID)
}

// InitMarket creates a market with its sub-markets. Operator only;
// sub-markets can never be added afterwards.
func (e *Engine) InitMarket(ctx context.Context, signer, marketID string, configs []model.InitSubMarket) (*model.Market, error) {
	if err := e.requireOperator(signer); err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if cfg.InitPot.IsNegative() {
			return nil, ErrAmountTooLow
		}
	}
	m, err := model.NewMarket(marketID, configs, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// StartTrading ends a sub-market's fair launch and opens trading at the
// current instant. Operator only.
func (e *Engine) StartTrading(ctx context.Context, signer, marketID string, subMarketID uint64) error {
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

	now := e.now().UTC()
	sm.FairLaunchEnd = now
	sm.TradingStart = now

	return e.store.SaveMarket(ctx, m)
}

// loadPortfolio fetches the user's portfolio for the market, creating an
// empty one on first trade.
func (e *Engine) loadPortfolio(ctx context.Context, userID, marketID string) (*model.MarketPortfolio, error) {
	p, err := e.store.GetPortfolio(ctx, userID, marketID)
	if errors.Is(err, store.ErrPortfolioNotFound) {
		return model.NewMarketPortfolio(userID, marketID), nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
