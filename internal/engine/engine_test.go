package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tallymarket/clob-engine/internal/bank"
	"github.com/tallymarket/clob-engine/internal/model"
	"github.com/tallymarket/clob-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func approx(t *testing.T, got, want, tol decimal.Decimal) {
	t.Helper()
	if got.Sub(want).Abs().GreaterThan(tol) {
		t.Errorf("expected ~%s, got %s", want, got)
	}
}

const opKey = "op-key"

var (
	launchStart  = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tradingStart = launchStart.Add(24 * time.Hour)
	tradingEnd   = launchStart.Add(14 * 24 * time.Hour)
)

type fixture struct {
	engine *Engine
	ledger *bank.MemoryLedger
	tokens *bank.MemoryGateway
	store  *store.MemoryStore
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: bank.NewMemoryLedger(),
		tokens: bank.NewMemoryGateway(),
		store:  store.NewMemoryStore(),
	}
	cfg := Config{OperatorKey: opKey, FeeAccount: "fees", CustodyAccount: "custody"}
	f.engine = New(cfg, f.store, f.ledger, f.tokens, bank.StaticGate{OperatorKey: opKey})
	f.clock = launchStart.Add(time.Hour)
	f.engine.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) fund(t *testing.T, userID string, amount decimal.Decimal) {
	t.Helper()
	if err := f.engine.InitWallet(context.Background(), userID); err != nil {
		t.Fatalf("init wallet: %v", err)
	}
	if err := f.engine.AddToBalance(context.Background(), opKey, userID, amount); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
}

// tradingMarket creates a market pre-seeded at 100/100 (k=10000) whose
// trading window is already open at the fixture clock.
func (f *fixture) tradingMarket(t *testing.T, id string) {
	t.Helper()
	_, err := f.engine.InitMarket(context.Background(), opKey, id, []model.InitSubMarket{
		{
			ID:              1,
			ChoiceIDs:       [2]uint64{10, 11},
			FairLaunchStart: launchStart,
			FairLaunchEnd:   launchStart,
			TradingStart:    launchStart,
			TradingEnd:      tradingEnd,
			InitPot:         d(100),
		},
		{
			ID:              2,
			ChoiceIDs:       [2]uint64{20, 21},
			FairLaunchStart: launchStart,
			FairLaunchEnd:   launchStart,
			TradingStart:    launchStart,
			TradingEnd:      tradingEnd,
			InitPot:         d(100),
		},
	})
	if err != nil {
		t.Fatalf("init market: %v", err)
	}
}

// launchMarket creates a market whose fair launch is open at the fixture
// clock.
func (f *fixture) launchMarket(t *testing.T, id string) {
	t.Helper()
	_, err := f.engine.InitMarket(context.Background(), opKey, id, []model.InitSubMarket{
		{
			ID:              1,
			ChoiceIDs:       [2]uint64{10, 11},
			FairLaunchStart: launchStart,
			FairLaunchEnd:   tradingStart,
			TradingStart:    tradingStart,
			TradingEnd:      tradingEnd,
		},
	})
	if err != nil {
		t.Fatalf("init market: %v", err)
	}
}

func (f *fixture) subMarket(t *testing.T, marketID string, subID uint64) *model.SubMarket {
	t.Helper()
	m, err := f.store.GetMarket(context.Background(), marketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	sm, err := m.SubMarket(subID)
	if err != nil {
		t.Fatalf("get sub-market: %v", err)
	}
	return sm
}

// --- Wallet operations ---

func TestAddToBalance_RequiresOperator(t *testing.T) {
	f := newFixture(t)
	f.engine.InitWallet(context.Background(), "alice")

	err := f.engine.AddToBalance(context.Background(), "random-key", "alice", d(100))
	if !errors.Is(err, bank.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestAddToBalance_MovesTokenIntoCustody(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", d(100))

	transfers := f.tokens.Transfers()
	if len(transfers) != 1 || transfers[0].Destination != "custody" {
		t.Errorf("expected one custody transfer, got %+v", transfers)
	}
}

func TestWithdrawFromBalance_RoutesFee(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", d(200))

	if err := f.engine.WithdrawFromBalance(context.Background(), opKey, "alice", d(200)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, _ := f.engine.Wallet(context.Background(), "alice")
	if !w.Balance.IsZero() {
		t.Errorf("expected zero balance, got %s", w.Balance)
	}

	// 0.5% of 200 goes to the fee account, the rest back to the user.
	transfers := f.tokens.Transfers()
	last := transfers[len(transfers)-1]
	if !last.Amount.Equal(d(199)) || last.Destination != "alice" {
		t.Errorf("expected 199 back to alice, got %+v", last)
	}
	feeTransfer := transfers[len(transfers)-2]
	if !feeTransfer.Fee || !feeTransfer.Amount.Equal(d(1)) {
		t.Errorf("expected fee transfer of 1, got %+v", feeTransfer)
	}
}

func TestWithdrawFromBalance_NonPositive(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", d(100))

	err := f.engine.WithdrawFromBalance(context.Background(), opKey, "alice", d(0))
	if !errors.Is(err, ErrAmountTooLow) {
		t.Errorf("expected ErrAmountTooLow, got %v", err)
	}
}

// --- Market lifecycle ---

func TestInitMarket_RequiresOperator(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.InitMarket(context.Background(), "nobody", "mkt", nil)
	if !errors.Is(err, bank.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestStartTrading_StampsCurrentInstant(t *testing.T) {
	f := newFixture(t)
	f.launchMarket(t, "mkt")

	f.clock = launchStart.Add(2 * time.Hour)
	if err := f.engine.StartTrading(context.Background(), opKey, "mkt", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sm := f.subMarket(t, "mkt", 1)
	if !sm.FairLaunchEnd.Equal(f.clock) || !sm.TradingStart.Equal(f.clock) {
		t.Errorf("expected fair launch end and trading start at %s, got %s / %s",
			f.clock, sm.FairLaunchEnd, sm.TradingStart)
	}
	if sm.Period(f.clock) != model.PeriodTrading {
		t.Errorf("expected trading period, got %s", sm.Period(f.clock))
	}
}

// --- Fair launch ---

func TestFairLaunchOrder_MintsOneToOne(t *testing.T) {
	f := newFixture(t)
	f.launchMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	finals, err := f.engine.FairLaunchOrder(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(70)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !finals[0].Shares.Equal(d(70)) || !finals[0].FeePrice.IsZero() {
		t.Errorf("expected 70 shares and no fee, got %+v", finals[0])
	}

	w, _ := f.engine.Wallet(context.Background(), "alice")
	if !w.Balance.Equal(d(30)) {
		t.Errorf("expected balance 30, got %s", w.Balance)
	}

	p, err := f.store.GetPortfolio(context.Background(), "alice", "mkt")
	if err != nil {
		t.Fatalf("get portfolio: %v", err)
	}
	if !p.Shares(1, 10).Equal(d(70)) {
		t.Errorf("expected 70 shares in portfolio, got %s", p.Shares(1, 10))
	}
}

func TestFairLaunchOrder_OutsideLaunchPeriod(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	_, err := f.engine.FairLaunchOrder(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10)},
	})
	if !errors.Is(err, ErrNotBuyingPeriod) {
		t.Errorf("expected ErrNotBuyingPeriod, got %v", err)
	}
}

func TestFairLaunchOrder_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.launchMarket(t, "mkt")
	f.fund(t, "alice", d(10))

	_, err := f.engine.FairLaunchOrder(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(70)},
	})
	if !errors.Is(err, bank.ErrBalanceTooLow) {
		t.Errorf("expected ErrBalanceTooLow, got %v", err)
	}
	// Failed batches leave the market untouched.
	sm := f.subMarket(t, "mkt", 1)
	if !sm.Choices[0].FairLaunchPot.IsZero() {
		t.Errorf("fair launch pot mutated: %s", sm.Choices[0].FairLaunchPot)
	}
}

func TestFairLaunch_SeedsReservesAndInvariant(t *testing.T) {
	f := newFixture(t)
	f.launchMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	f.fund(t, "bob", d(100))

	mustOrder(t, f, "alice", "mkt", 1, 10, d(70))
	mustOrder(t, f, "bob", "mkt", 1, 11, d(30))

	sm := f.subMarket(t, "mkt", 1)
	if !sm.Invariant.Equal(d(10000)) {
		t.Errorf("expected invariant 10000, got %s", sm.Invariant)
	}
	approx(t, sm.Choices[0].PotShares, d(65.465367), d(0.001))
	approx(t, sm.Choices[1].PotShares, d(152.752523), d(0.001))
}

func mustOrder(t *testing.T, f *fixture, userID, marketID string, subID, choiceID uint64, amount decimal.Decimal) {
	t.Helper()
	_, err := f.engine.FairLaunchOrder(context.Background(), userID, marketID, []model.Order{
		{SubMarketID: subID, ChoiceID: choiceID, Amount: amount},
	})
	if err != nil {
		t.Fatalf("fair launch order: %v", err)
	}
}

func TestBulkBuy_DuringFairLaunchBypassesSlippage(t *testing.T) {
	f := newFixture(t)
	f.launchMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	// RequestedPricePerShare is absurd; fair-launch pricing ignores it.
	finals, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(50), RequestedPricePerShare: d(0.000001)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !finals[0].Shares.Equal(d(50)) {
		t.Errorf("expected 1:1 launch shares, got %s", finals[0].Shares)
	}
}

// --- Trading-period buys ---

func TestBulkBuyByPrice(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	finals, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(20), RequestedPricePerShare: d(0.55)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !finals[0].FeePrice.Equal(d(0.1)) {
		t.Errorf("expected fee 0.1, got %s", finals[0].FeePrice)
	}
	if !finals[0].Price.Equal(d(19.9)) {
		t.Errorf("expected net price 19.9, got %s", finals[0].Price)
	}
	approx(t, finals[0].Shares, d(36.497164), d(0.0001))

	// Wallet debited for net + fee.
	w, _ := f.engine.Wallet(context.Background(), "alice")
	if !w.Balance.Equal(d(80)) {
		t.Errorf("expected balance 80, got %s", w.Balance)
	}

	// Reserves moved and the pot grew by the net price.
	sm := f.subMarket(t, "mkt", 1)
	approx(t, sm.Choices[0].PotShares, d(83.402835), d(0.0001))
	if !sm.Choices[0].USDCPot.Equal(d(19.9)) {
		t.Errorf("expected pot 19.9, got %s", sm.Choices[0].USDCPot)
	}
}

func TestBulkBuyByShares(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	finals, err := f.engine.BulkBuyByShares(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10), RequestedPricePerShare: d(0.52)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !finals[0].Shares.Equal(d(10)) {
		t.Errorf("expected exactly 10 shares, got %s", finals[0].Shares)
	}

	p, _ := f.store.GetPortfolio(context.Background(), "alice", "mkt")
	if !p.Shares(1, 10).Equal(d(10)) {
		t.Errorf("expected 10 shares held, got %s", p.Shares(1, 10))
	}
}

func TestBulkBuy_SlippageRejected(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(20), RequestedPricePerShare: d(0.40)},
	})
	if !errors.Is(err, ErrPriceEstimationOff) {
		t.Errorf("expected ErrPriceEstimationOff, got %v", err)
	}
}

func TestBulkBuy_UnredeemableSpentFirst(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	if err := f.engine.AddToUnredeemable(context.Background(), opKey, "alice", d(50)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(20), RequestedPricePerShare: d(0.55)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, _ := f.engine.Wallet(context.Background(), "alice")
	if !w.Unredeemable.Equal(d(30)) {
		t.Errorf("expected unredeemable 30, got %s", w.Unredeemable)
	}
	if !w.Balance.Equal(d(100)) {
		t.Errorf("expected redeemable untouched at 100, got %s", w.Balance)
	}
}

func TestBulkBuy_AfterTradingEnd(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	f.clock = tradingEnd.Add(time.Hour)

	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(20), RequestedPricePerShare: d(0.55)},
	})
	if !errors.Is(err, ErrNotBuyingPeriod) {
		t.Errorf("expected ErrNotBuyingPeriod, got %v", err)
	}
}

// --- Batch shape ---

func TestBulkBuy_EmptyBatch(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", nil)
	if !errors.Is(err, ErrAmountTooLow) {
		t.Errorf("expected ErrAmountTooLow, got %v", err)
	}
}

func TestBulkBuy_TooManyOrders(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt") // two sub-markets
	f.fund(t, "alice", d(100))

	orders := []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(1), RequestedPricePerShare: d(0.5)},
		{SubMarketID: 2, ChoiceID: 20, Amount: d(1), RequestedPricePerShare: d(0.5)},
		{SubMarketID: 3, ChoiceID: 30, Amount: d(1), RequestedPricePerShare: d(0.5)},
	}
	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", orders)
	if !errors.Is(err, ErrBulkOrderTooBig) {
		t.Errorf("expected ErrBulkOrderTooBig, got %v", err)
	}
}

func TestBulkBuy_DuplicateSubMarket(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	orders := []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(1), RequestedPricePerShare: d(0.5)},
		{SubMarketID: 1, ChoiceID: 11, Amount: d(1), RequestedPricePerShare: d(0.5)},
	}
	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", orders)
	if !errors.Is(err, ErrSameSubMarket) {
		t.Errorf("expected ErrSameSubMarket, got %v", err)
	}
}

// --- Atomicity ---

func TestBulkBuy_FailedBatchLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	// First order is valid; second overdraws the balance. Nothing may
	// persist from either.
	orders := []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(20), RequestedPricePerShare: d(0.55)},
		{SubMarketID: 2, ChoiceID: 20, Amount: d(200), RequestedPricePerShare: d(0.75)},
	}
	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", orders)
	if !errors.Is(err, bank.ErrBalanceTooLow) {
		t.Fatalf("expected ErrBalanceTooLow, got %v", err)
	}

	sm := f.subMarket(t, "mkt", 1)
	if !sm.Choices[0].PotShares.Equal(d(100)) {
		t.Errorf("reserve mutated by failed batch: %s", sm.Choices[0].PotShares)
	}
	w, _ := f.engine.Wallet(context.Background(), "alice")
	if !w.Balance.Equal(d(100)) {
		t.Errorf("balance mutated by failed batch: %s", w.Balance)
	}
	if _, err := f.store.GetPortfolio(context.Background(), "alice", "mkt"); !errors.Is(err, store.ErrPortfolioNotFound) {
		t.Errorf("portfolio persisted by failed batch: %v", err)
	}
}

// --- Sells ---

func buyTen(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.engine.BulkBuyByShares(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10), RequestedPricePerShare: d(0.52)},
	})
	if err != nil {
		t.Fatalf("setup buy: %v", err)
	}
}

func TestBulkSellByShares(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	buyTen(t, f)

	before, _ := f.engine.Wallet(context.Background(), "alice")
	finals, err := f.engine.BulkSellByShares(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10), RequestedPricePerShare: d(0.51)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !finals[0].Shares.Equal(d(10)) {
		t.Errorf("expected 10 shares sold, got %s", finals[0].Shares)
	}

	// Proceeds are price minus fee and must be credited.
	after, _ := f.engine.Wallet(context.Background(), "alice")
	proceeds := after.Balance.Sub(before.Balance)
	if !proceeds.Equal(finals[0].Price.Sub(finals[0].FeePrice)) {
		t.Errorf("expected proceeds %s, credited %s",
			finals[0].Price.Sub(finals[0].FeePrice), proceeds)
	}

	p, _ := f.store.GetPortfolio(context.Background(), "alice", "mkt")
	if !p.Shares(1, 10).IsZero() {
		t.Errorf("expected position closed, got %s", p.Shares(1, 10))
	}
}

func TestBulkSellByPrice(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	buyTen(t, f)

	finals, err := f.engine.BulkSellByPrice(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(2), RequestedPricePerShare: d(0.53)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !finals[0].Price.Equal(d(2)) {
		t.Errorf("expected gross price 2, got %s", finals[0].Price)
	}
	if !finals[0].Shares.IsPositive() {
		t.Errorf("expected positive shares, got %s", finals[0].Shares)
	}
}

func TestBulkSell_WithoutShares(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))

	_, err := f.engine.BulkSellByShares(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10), RequestedPricePerShare: d(0.5)},
	})
	if !errors.Is(err, ErrNotEnoughSharesToSell) {
		t.Errorf("expected ErrNotEnoughSharesToSell, got %v", err)
	}
}

func TestBulkSell_DuringFairLaunch(t *testing.T) {
	f := newFixture(t)
	f.launchMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	mustOrder(t, f, "alice", "mkt", 1, 10, d(50))

	_, err := f.engine.BulkSellByShares(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10), RequestedPricePerShare: d(0.5)},
	})
	if !errors.Is(err, ErrNotSellingPeriod) {
		t.Errorf("expected ErrNotSellingPeriod, got %v", err)
	}
}

func TestBuySellRoundTrip_InvariantHolds(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	buyTen(t, f)

	_, err := f.engine.BulkSellByShares(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10), RequestedPricePerShare: d(0.51)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sm := f.subMarket(t, "mkt", 1)
	product := sm.Choices[0].PotShares.Mul(sm.Choices[1].PotShares)
	approx(t, product, sm.Invariant, d(10))
}

// --- Resolution and claims ---

// launchAndResolve funds alice/bob 70/30 into a fair launch, then
// resolves choice 10 as the winner.
func launchAndResolve(t *testing.T, f *fixture) {
	t.Helper()
	f.launchMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	f.fund(t, "bob", d(100))
	mustOrder(t, f, "alice", "mkt", 1, 10, d(70))
	mustOrder(t, f, "bob", "mkt", 1, 11, d(30))

	if err := f.engine.ResolveMarket(context.Background(), opKey, "mkt", 1, 10); err != nil {
		t.Fatalf("resolve: %v", err)
	}
}

func TestResolveMarket_RequiresOperator(t *testing.T) {
	f := newFixture(t)
	f.launchMarket(t, "mkt")

	err := f.engine.ResolveMarket(context.Background(), "nobody", "mkt", 1, 10)
	if !errors.Is(err, bank.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestResolveMarket_Twice(t *testing.T) {
	f := newFixture(t)
	launchAndResolve(t, f)

	err := f.engine.ResolveMarket(context.Background(), opKey, "mkt", 1, 11)
	if !errors.Is(err, ErrMarketAlreadyResolved) {
		t.Errorf("expected ErrMarketAlreadyResolved, got %v", err)
	}
}

func TestClaimWinnings_PaysProRata(t *testing.T) {
	f := newFixture(t)
	launchAndResolve(t, f)

	// Alice holds all 70 minted winning shares against a 100 pot.
	payout, err := f.engine.ClaimWinnings(context.Background(), "alice", "mkt", 1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payout.Equal(d(100)) {
		t.Errorf("expected payout 100, got %s", payout)
	}

	w, _ := f.engine.Wallet(context.Background(), "alice")
	if !w.Balance.Equal(d(130)) { // 100 funded - 70 contributed + 100 payout
		t.Errorf("expected balance 130, got %s", w.Balance)
	}
}

func TestClaimWinnings_LosingChoice(t *testing.T) {
	f := newFixture(t)
	launchAndResolve(t, f)

	_, err := f.engine.ClaimWinnings(context.Background(), "bob", "mkt", 1, 11)
	if !errors.Is(err, ErrNotWinningChoice) {
		t.Errorf("expected ErrNotWinningChoice, got %v", err)
	}
}

func TestClaimWinnings_Twice(t *testing.T) {
	f := newFixture(t)
	launchAndResolve(t, f)

	if _, err := f.engine.ClaimWinnings(context.Background(), "alice", "mkt", 1, 10); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := f.engine.ClaimWinnings(context.Background(), "alice", "mkt", 1, 10)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimWinnings_BeforeResolution(t *testing.T) {
	f := newFixture(t)
	f.launchMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	mustOrder(t, f, "alice", "mkt", 1, 10, d(70))

	_, err := f.engine.ClaimWinnings(context.Background(), "alice", "mkt", 1, 10)
	if !errors.Is(err, ErrMarketNotResolved) {
		t.Errorf("expected ErrMarketNotResolved, got %v", err)
	}
}

// --- Trade ledger ---

func TestSettlement_RecordsTrades(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	buyTen(t, f)

	trades, err := f.store.TradesByUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade record, got %d", len(trades))
	}
	tr := trades[0]
	if tr.Side != "BUY" || tr.MarketID != "mkt" || !tr.Shares.Equal(d(10)) {
		t.Errorf("trade record wrong: %+v", tr)
	}
}

// --- Sell slippage ---

func TestBulkSell_SlippageRejected(t *testing.T) {
	f := newFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	buyTen(t, f)

	_, err := f.engine.BulkSellByShares(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10), RequestedPricePerShare: d(0.40)},
	})
	if !errors.Is(err, ErrPriceEstimationOff) {
		t.Errorf("expected ErrPriceEstimationOff, got %v", err)
	}
	// The rejected sell must leave the position intact.
	p, _ := f.store.GetPortfolio(context.Background(), "alice", "mkt")
	if !p.Shares(1, 10).Equal(d(10)) {
		t.Errorf("shares mutated by rejected sell: %s", p.Shares(1, 10))
	}
}

// --- Commit-phase failures ---

var errStoreDown = errors.New("store down")

// faultyStore injects save failures over the in-memory store.
type faultyStore struct {
	*store.MemoryStore
	failSaveMarket    bool
	failSavePortfolio bool
}

func (s *faultyStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if s.failSaveMarket {
		return errStoreDown
	}
	return s.MemoryStore.SaveMarket(ctx, m)
}

func (s *faultyStore) SavePortfolio(ctx context.Context, p *model.MarketPortfolio) error {
	if s.failSavePortfolio {
		return errStoreDown
	}
	return s.MemoryStore.SavePortfolio(ctx, p)
}

func newFaultyFixture(t *testing.T) (*fixture, *faultyStore) {
	t.Helper()
	f := &fixture{
		ledger: bank.NewMemoryLedger(),
		tokens: bank.NewMemoryGateway(),
		store:  store.NewMemoryStore(),
	}
	fs := &faultyStore{MemoryStore: f.store}
	cfg := Config{OperatorKey: opKey, FeeAccount: "fees", CustodyAccount: "custody"}
	f.engine = New(cfg, fs, f.ledger, f.tokens, bank.StaticGate{OperatorKey: opKey})
	f.clock = launchStart.Add(time.Hour)
	f.engine.SetClock(func() time.Time { return f.clock })
	return f, fs
}

func TestBulkBuy_SaveMarketFailure_NoDebit(t *testing.T) {
	f, fs := newFaultyFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	fs.failSaveMarket = true

	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(20), RequestedPricePerShare: d(0.55)},
	})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}

	w, _ := f.engine.Wallet(context.Background(), "alice")
	if !w.Balance.Equal(d(100)) {
		t.Errorf("wallet debited despite failed save: %s", w.Balance)
	}
	sm := f.subMarket(t, "mkt", 1)
	if !sm.Choices[0].PotShares.Equal(d(100)) {
		t.Errorf("reserve mutated despite failed save: %s", sm.Choices[0].PotShares)
	}
}

func TestBulkBuy_SavePortfolioFailure_RollsBackMarket(t *testing.T) {
	f, fs := newFaultyFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	fs.failSavePortfolio = true

	_, err := f.engine.BulkBuyByPrice(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(20), RequestedPricePerShare: d(0.55)},
	})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}

	// The market snapshot committed before the portfolio failure must be
	// rolled back, and the wallet never touched.
	sm := f.subMarket(t, "mkt", 1)
	if !sm.Choices[0].PotShares.Equal(d(100)) {
		t.Errorf("reserve not rolled back: %s", sm.Choices[0].PotShares)
	}
	w, _ := f.engine.Wallet(context.Background(), "alice")
	if !w.Balance.Equal(d(100)) {
		t.Errorf("wallet debited despite failed save: %s", w.Balance)
	}
	if _, err := f.store.GetPortfolio(context.Background(), "alice", "mkt"); !errors.Is(err, store.ErrPortfolioNotFound) {
		t.Errorf("portfolio persisted by failed batch: %v", err)
	}
}

func TestBulkSell_SavePortfolioFailure_RollsBack(t *testing.T) {
	f, fs := newFaultyFixture(t)
	f.tradingMarket(t, "mkt")
	f.fund(t, "alice", d(100))
	buyTen(t, f)

	before, _ := f.engine.Wallet(context.Background(), "alice")
	sm := f.subMarket(t, "mkt", 1)
	reserveBefore := sm.Choices[0].PotShares

	fs.failSavePortfolio = true
	_, err := f.engine.BulkSellByShares(context.Background(), "alice", "mkt", []model.Order{
		{SubMarketID: 1, ChoiceID: 10, Amount: d(10), RequestedPricePerShare: d(0.51)},
	})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}

	// Reserves must be rolled back, the shares still held, and no
	// proceeds credited.
	sm = f.subMarket(t, "mkt", 1)
	if !sm.Choices[0].PotShares.Equal(reserveBefore) {
		t.Errorf("reserve not rolled back: %s vs %s", sm.Choices[0].PotShares, reserveBefore)
	}
	p, _ := f.store.GetPortfolio(context.Background(), "alice", "mkt")
	if !p.Shares(1, 10).Equal(d(10)) {
		t.Errorf("shares lost to failed sell: %s", p.Shares(1, 10))
	}
	after, _ := f.engine.Wallet(context.Background(), "alice")
	if !after.Balance.Equal(before.Balance) {
		t.Errorf("proceeds credited despite failed save: %s vs %s", after.Balance, before.Balance)
	}
}
