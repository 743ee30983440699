package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tallymarket/clob-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) SavePortfolio(ctx context.Context, p *model.MarketPortfolio) error {
	if err := s.primary.SavePortfolio(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, portfolioCacheKey(p.UserID, p.MarketID))
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, userID, marketID string) (*model.MarketPortfolio, error) {
	data, err := s.rdb.Get(ctx, portfolioCacheKey(userID, marketID)).Bytes()
	if err == nil {
		var p model.MarketPortfolio
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss.
	p, err := s.primary.GetPortfolio(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, portfolioCacheKey(userID, marketID), data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.TradesByMarket(ctx, marketID)
}

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.TradesByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

func portfolioCacheKey(userID, marketID string) string {
	return fmt.Sprintf("portfolio:%s:%s", userID, marketID)
}
