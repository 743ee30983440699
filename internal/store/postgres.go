package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tallymarket/clob-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Market and portfolio state are nested documents owned wholesale by one
// writer, so they are stored as JSONB snapshots; trade executions are
// flat immutable rows with NUMERIC money columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	state, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal market %s: %w", m.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, state, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, state, m.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketExists
	}
	return nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM markets WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}

	var m model.Market
	if err := json.Unmarshal(state, &m); err != nil {
		return nil, fmt.Errorf("unmarshal market %s: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.Market) error {
	state, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal market %s: %w", m.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET state = $2 WHERE id = $1`, m.ID, state)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMarketNotFound
	}
	return nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		var m model.Market
		if err := json.Unmarshal(state, &m); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID, marketID string) (*model.MarketPortfolio, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM portfolios WHERE user_id = $1 AND market_id = $2`,
		userID, marketID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPortfolioNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s/%s: %w", userID, marketID, err)
	}

	var p model.MarketPortfolio
	if err := json.Unmarshal(state, &p); err != nil {
		return nil, fmt.Errorf("unmarshal portfolio %s/%s: %w", userID, marketID, err)
	}
	return &p, nil
}

func (s *PostgresStore) SavePortfolio(ctx context.Context, p *model.MarketPortfolio) error {
	state, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal portfolio %s/%s: %w", p.UserID, p.MarketID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, market_id, state)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, market_id) DO UPDATE SET state = EXCLUDED.state`,
		p.UserID, p.MarketID, state,
	)
	return err
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, sub_market_id, choice_id, side, shares, price, fee, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		t.ID, t.UserID, t.MarketID, t.SubMarketID, t.ChoiceID, t.Side,
		t.Shares.String(), t.Price.String(), t.Fee.String(),
		t.Timestamp,
	)
	return err
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, sub_market_id, choice_id, side,
		        shares::TEXT, price::TEXT, fee::TEXT, timestamp
		 FROM trades WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, sub_market_id, choice_id, side,
		        shares::TEXT, price::TEXT, fee::TEXT, timestamp
		 FROM trades WHERE user_id = $1 ORDER BY timestamp`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// scanTrades reads pgx rows into Trade slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var sharesS, priceS, feeS string

		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &t.SubMarketID, &t.ChoiceID, &t.Side,
			&sharesS, &priceS, &feeS, &t.Timestamp); err != nil {
			return nil, err
		}

		var err error
		if t.Shares, err = decimal.NewFromString(sharesS); err != nil {
			return nil, fmt.Errorf("trade %s shares: %w", t.ID, err)
		}
		if t.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("trade %s price: %w", t.ID, err)
		}
		if t.Fee, err = decimal.NewFromString(feeS); err != nil {
			return nil, fmt.Errorf("trade %s fee: %w", t.ID, err)
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
