// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/tallymarket/clob-engine/internal/model"
)

var (
	// ErrMarketNotFound is returned when a market id does not exist.
	ErrMarketNotFound = errors.New("store: market not found")

	// ErrMarketExists is returned when creating a market whose id is taken.
	ErrMarketExists = errors.New("store: market already exists")

	// ErrPortfolioNotFound is returned when a (user, market) portfolio
	// has not been created yet.
	ErrPortfolioNotFound = errors.New("store: portfolio not found")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market state ---

	// CreateMarket persists a newly initialized market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market snapshot by id.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// SaveMarket replaces a market snapshot after settlement.
	SaveMarket(ctx context.Context, m *model.Market) error

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Portfolios ---

	// GetPortfolio retrieves a user's portfolio for one market.
	GetPortfolio(ctx context.Context, userID, marketID string) (*model.MarketPortfolio, error)

	// SavePortfolio creates or replaces a portfolio snapshot.
	SavePortfolio(ctx context.Context, p *model.MarketPortfolio) error

	// --- Immutable trade ledger ---

	// InsertTrade appends an immutable execution record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// TradesByMarket returns all executions for a market.
	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// TradesByUser returns all executions for a user.
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)
}
