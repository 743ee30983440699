// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrSubMarketNotFound is returned when a sub-market id does not exist.
	ErrSubMarketNotFound = errors.New("model: sub-market not found")

	// ErrChoiceNotFound is returned when a choice id does not exist.
	ErrChoiceNotFound = errors.New("model: choice not found")

	// ErrDuplicateSubMarket is returned when a market is created with
	// repeated sub-market ids.
	ErrDuplicateSubMarket = errors.New("model: duplicate sub-market id")
)

// Period is a sub-market lifecycle phase, derived from wall-clock time
// and the resolution flag.
type Period string

const (
	PeriodInitializing Period = "initializing"
	PeriodFairLaunch   Period = "fair_launch"
	PeriodTrading      Period = "trading"
	PeriodClosed       Period = "closed"
)

// ChoiceMarket is one of the two mutually exclusive outcomes of a
// sub-market. PotShares is the AMM reserve; USDCPot the collateral held;
// MintedShares the cumulative shares issued to users. Mutated only
// through settlement.
type ChoiceMarket struct {
	ID            uint64          `json:"id"`
	PotShares     decimal.Decimal `json:"pot_shares"`
	USDCPot       decimal.Decimal `json:"usdc_pot"`
	MintedShares  decimal.Decimal `json:"minted_shares"`
	FairLaunchPot decimal.Decimal `json:"fair_launch_pot"`
	WinningChoice bool            `json:"winning_choice"`
}

// SubMarket is an independent binary-outcome market with its own
// reserves, invariant, and lifecycle. Exactly two choices.
type SubMarket struct {
	ID              uint64          `json:"id"`
	Invariant       decimal.Decimal `json:"invariant"`
	Choices         [2]ChoiceMarket `json:"choices"`
	FairLaunchStart time.Time       `json:"fair_launch_start"`
	FairLaunchEnd   time.Time       `json:"fair_launch_end"`
	TradingStart    time.Time       `json:"trading_start"`
	TradingEnd      time.Time       `json:"trading_end"`
	Resolved        bool            `json:"resolved"`
}

// Period reports the lifecycle phase at the given instant.
func (s *SubMarket) Period(now time.Time) Period {
	if s.Resolved {
		return PeriodClosed
	}
	if now.Before(s.FairLaunchStart) {
		return PeriodInitializing
	}
	if now.Before(s.FairLaunchEnd) {
		return PeriodFairLaunch
	}
	if !now.Before(s.TradingStart) && now.Before(s.TradingEnd) {
		return PeriodTrading
	}
	return PeriodClosed
}

// Choice returns the choice with the given id.
func (s *SubMarket) Choice(id uint64) (*ChoiceMarket, error) {
	for i := range s.Choices {
		if s.Choices[i].ID == id {
			return &s.Choices[i], nil
		}
	}
	return nil, ErrChoiceNotFound
}

// OtherChoice returns the opposite outcome of the given choice id.
func (s *SubMarket) OtherChoice(id uint64) (*ChoiceMarket, error) {
	if _, err := s.Choice(id); err != nil {
		return nil, err
	}
	for i := range s.Choices {
		if s.Choices[i].ID != id {
			return &s.Choices[i], nil
		}
	}
	return nil, ErrChoiceNotFound
}

// TotalPot sums the collateral held across both choices.
func (s *SubMarket) TotalPot() decimal.Decimal {
	return s.Choices[0].USDCPot.Add(s.Choices[1].USDCPot)
}

// InitSubMarket is the configuration for one sub-market at market
// creation.
type InitSubMarket struct {
	ID              uint64          `json:"id"`
	ChoiceIDs       [2]uint64       `json:"choice_ids"`
	FairLaunchStart time.Time       `json:"fair_launch_start"`
	FairLaunchEnd   time.Time       `json:"fair_launch_end"`
	TradingStart    time.Time       `json:"trading_start"`
	TradingEnd      time.Time       `json:"trading_end"`
	InitPot         decimal.Decimal `json:"init_pot"`
}

// Market owns an ordered sequence of sub-markets, kept sorted by id for
// binary search. Sub-markets are added at creation and never removed.
type Market struct {
	ID         string      `json:"id"`
	SubMarkets []SubMarket `json:"sub_markets"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewMarket builds a market from its sub-market configurations. Each
// sub-market starts with both reserves at InitPot and invariant
// InitPot²; the fair launch recomputes both as contributions arrive.
func NewMarket(id string, configs []InitSubMarket, createdAt time.Time) (*Market, error) {
	subs := make([]SubMarket, 0, len(configs))
	for _, cfg := range configs {
		subs = append(subs, SubMarket{
			ID:        cfg.ID,
			Invariant: cfg.InitPot.Mul(cfg.InitPot),
			Choices: [2]ChoiceMarket{
				{ID: cfg.ChoiceIDs[0], PotShares: cfg.InitPot},
				{ID: cfg.ChoiceIDs[1], PotShares: cfg.InitPot},
			},
			FairLaunchStart: cfg.FairLaunchStart,
			FairLaunchEnd:   cfg.FairLaunchEnd,
			TradingStart:    cfg.TradingStart,
			TradingEnd:      cfg.TradingEnd,
		})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	for i := 1; i < len(subs); i++ {
		if subs[i].ID == subs[i-1].ID {
			return nil, ErrDuplicateSubMarket
		}
	}
	return &Market{ID: id, SubMarkets: subs, CreatedAt: createdAt}, nil
}

// SubMarket finds a sub-market by id via binary search.
func (m *Market) SubMarket(id uint64) (*SubMarket, error) {
	i := sort.Search(len(m.SubMarkets), func(i int) bool {
		return m.SubMarkets[i].ID >= id
	})
	if i < len(m.SubMarkets) && m.SubMarkets[i].ID == id {
		return &m.SubMarkets[i], nil
	}
	return nil, ErrSubMarketNotFound
}

// Clone returns a deep copy. Settlement mutates a clone and commits it
// only after the whole batch succeeds.
func (m *Market) Clone() *Market {
	out := *m
	out.SubMarkets = make([]SubMarket, len(m.SubMarkets))
	copy(out.SubMarkets, m.SubMarkets)
	return &out
}

// Order is a client's trade intent against one sub-market choice. Amount
// is collateral or a share count depending on the request mode.
type Order struct {
	SubMarketID            uint64          `json:"sub_market_id"`
	ChoiceID               uint64          `json:"choice_id"`
	Amount                 decimal.Decimal `json:"amount"`
	RequestedPricePerShare decimal.Decimal `json:"requested_price_per_share"`
}

// FinalOrder is the actually-executed trade produced by pricing and
// consumed by settlement. For buys, Price is the net collateral entering
// the pool; for sells, the gross collateral leaving it.
type FinalOrder struct {
	SubMarketID uint64          `json:"sub_market_id"`
	ChoiceID    uint64          `json:"choice_id"`
	Price       decimal.Decimal `json:"price"`
	Shares      decimal.Decimal `json:"shares"`
	FeePrice    decimal.Decimal `json:"fee_price"`
}

// Trade is an immutable record of a settled order. Once created, these
// are never modified or deleted.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	SubMarketID uint64          `json:"sub_market_id" db:"sub_market_id"`
	ChoiceID    uint64          `json:"choice_id" db:"choice_id"`
	Side        string          `json:"side" db:"side"` // "BUY", "SELL", or "FAIR_LAUNCH"
	Shares      decimal.Decimal `json:"shares" db:"shares"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}
