package store

import (
	"context"
	"sync"

	"github.com/tallymarket/clob-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	markets    map[string]*model.Market
	portfolios map[string]*model.MarketPortfolio
	trades     []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:    make(map[string]*model.Market),
		portfolios: make(map[string]*model.MarketPortfolio),
	}
}

func portfolioKey(userID, marketID string) string {
	return userID + "/" + marketID
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return ErrMarketExists
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; !ok {
		return ErrMarketNotFound
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	return markets, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID, marketID string) (*model.MarketPortfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.portfolios[portfolioKey(userID, marketID)]
	if !ok {
		return nil, ErrPortfolioNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) SavePortfolio(_ context.Context, p *model.MarketPortfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolios[portfolioKey(p.UserID, p.MarketID)] = p.Clone()
	return nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}
