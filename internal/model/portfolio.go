package model

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrChoicePortfolioNotFound is returned when a user holds no shares
	// in the requested choice.
	ErrChoicePortfolioNotFound = errors.New("model: choice portfolio not found")

	// ErrInsufficientShares is returned when a withdrawal exceeds the
	// shares held.
	ErrInsufficientShares = errors.New("model: insufficient shares")
)

// ChoicePortfolio records a user's holdings in one choice. Claimed is a
// one-shot latch: once winnings are paid it is never cleared.
type ChoicePortfolio struct {
	ChoiceID uint64          `json:"choice_id"`
	Shares   decimal.Decimal `json:"shares"`
	Claimed  bool            `json:"claimed"`
}

// SubMarketPortfolio is a sparse ordered set of choice holdings within
// one sub-market, keyed by choice id.
type SubMarketPortfolio struct {
	SubMarketID uint64            `json:"sub_market_id"`
	Choices     []ChoicePortfolio `json:"choices"`
}

func (p *SubMarketPortfolio) find(choiceID uint64) (int, bool) {
	i := sort.Search(len(p.Choices), func(i int) bool {
		return p.Choices[i].ChoiceID >= choiceID
	})
	return i, i < len(p.Choices) && p.Choices[i].ChoiceID == choiceID
}

// MarketPortfolio is a user's sparse ordered holdings across a market's
// sub-markets. Entries are created lazily on first trade.
type MarketPortfolio struct {
	UserID     string               `json:"user_id"`
	MarketID   string               `json:"market_id"`
	SubMarkets []SubMarketPortfolio `json:"sub_markets"`
}

// NewMarketPortfolio returns an empty portfolio for the user and market.
func NewMarketPortfolio(userID, marketID string) *MarketPortfolio {
	return &MarketPortfolio{UserID: userID, MarketID: marketID}
}

func (p *MarketPortfolio) findSub(subMarketID uint64) (int, bool) {
	i := sort.Search(len(p.SubMarkets), func(i int) bool {
		return p.SubMarkets[i].SubMarketID >= subMarketID
	})
	return i, i < len(p.SubMarkets) && p.SubMarkets[i].SubMarketID == subMarketID
}

// Shares returns the shares held in the given choice, zero if none.
func (p *MarketPortfolio) Shares(subMarketID, choiceID uint64) decimal.Decimal {
	if entry, err := p.Entry(subMarketID, choiceID); err == nil {
		return entry.Shares
	}
	return decimal.Zero
}

// Entry returns the choice portfolio entry, or ErrChoicePortfolioNotFound.
func (p *MarketPortfolio) Entry(subMarketID, choiceID uint64) (*ChoicePortfolio, error) {
	i, ok := p.findSub(subMarketID)
	if !ok {
		return nil, ErrChoicePortfolioNotFound
	}
	j, ok := p.SubMarkets[i].find(choiceID)
	if !ok {
		return nil, ErrChoicePortfolioNotFound
	}
	return &p.SubMarkets[i].Choices[j], nil
}

// Add credits shares to the given choice, creating sparse entries as
// needed and keeping both levels sorted by id.
func (p *MarketPortfolio) Add(subMarketID, choiceID uint64, shares decimal.Decimal) {
	i, ok := p.findSub(subMarketID)
	if !ok {
		p.SubMarkets = append(p.SubMarkets, SubMarketPortfolio{})
		copy(p.SubMarkets[i+1:], p.SubMarkets[i:])
		p.SubMarkets[i] = SubMarketPortfolio{SubMarketID: subMarketID}
	}
	sub := &p.SubMarkets[i]

	j, ok := sub.find(choiceID)
	if !ok {
		sub.Choices = append(sub.Choices, ChoicePortfolio{})
		copy(sub.Choices[j+1:], sub.Choices[j:])
		sub.Choices[j] = ChoicePortfolio{ChoiceID: choiceID, Shares: decimal.Zero}
	}
	sub.Choices[j].Shares = sub.Choices[j].Shares.Add(shares)
}

// Withdraw debits shares from the given choice. Shares never go
// negative; over-withdrawal fails without mutating.
func (p *MarketPortfolio) Withdraw(subMarketID, choiceID uint64, shares decimal.Decimal) error {
	entry, err := p.Entry(subMarketID, choiceID)
	if err != nil {
		return err
	}
	if shares.GreaterThan(entry.Shares) {
		return ErrInsufficientShares
	}
	entry.Shares = entry.Shares.Sub(shares)
	return nil
}

// Clone returns a deep copy for transactional settlement.
func (p *MarketPortfolio) Clone() *MarketPortfolio {
	out := *p
	out.SubMarkets = make([]SubMarketPortfolio, len(p.SubMarkets))
	for i, sub := range p.SubMarkets {
		choices := make([]ChoicePortfolio, len(sub.Choices))
		copy(choices, sub.Choices)
		out.SubMarkets[i] = SubMarketPortfolio{SubMarketID: sub.SubMarketID, Choices: choices}
	}
	return &out
}
