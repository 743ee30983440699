// Package api provides the HTTP handlers wrapping the settlement engine:
// wallet management, market creation, order batches, resolution, and
// claims. The transport is a thin pass-through; every invariant lives in
// the engine and below.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tallymarket/clob-engine/internal/bank"
	"github.com/tallymarket/clob-engine/internal/curve"
	"github.com/tallymarket/clob-engine/internal/engine"
	"github.com/tallymarket/clob-engine/internal/fixedpoint"
	"github.com/tallymarket/clob-engine/internal/metrics"
	"github.com/tallymarket/clob-engine/internal/model"
	"github.com/tallymarket/clob-engine/internal/store"
)

// signerHeader carries the request signer's key; authorization itself is
// the gate's concern.
const signerHeader = "X-Signer-Key"

// Service handles HTTP requests for the exchange.
type Service struct {
	engine *engine.Engine
	store  store.Store
	wsHub  *WSHub // optional; nil disables broadcasts
}

// NewService creates an HTTP service around the engine.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(eng *engine.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{engine: eng, store: st, wsHub: hub}
}

// Routes mounts all handlers on the given router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/wallets", s.CreateWallet)
	r.Get("/wallets/{userID}", s.GetWallet)
	r.Post("/wallets/{userID}/deposit", s.Deposit)
	r.Post("/wallets/{userID}/unredeemable", s.DepositUnredeemable)
	r.Post("/wallets/{userID}/withdraw", s.Withdraw)

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/history", s.GetHistory)
	r.Get("/markets/{marketID}/sub-markets/{subMarketID}/prices", s.GetPrices)
	r.Post("/markets/{marketID}/sub-markets/{subMarketID}/start-trading", s.StartTrading)
	r.Post("/markets/{marketID}/sub-markets/{subMarketID}/resolve", s.ResolveMarket)

	r.Post("/markets/{marketID}/orders/fair-launch", s.FairLaunchOrder)
	r.Post("/markets/{marketID}/orders/buy", s.BulkBuy)
	r.Post("/markets/{marketID}/orders/sell", s.BulkSell)
	r.Post("/markets/{marketID}/claims", s.ClaimWinnings)

	r.Get("/portfolios/{userID}/{marketID}", s.GetPortfolio)
}

// --- Wallet handlers ---

// CreateWalletRequest is the JSON body for POST /wallets.
type CreateWalletRequest struct {
	UserID string `json:"user_id"`
}

func (s *Service) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := s.engine.InitWallet(r.Context(), req.UserID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": req.UserID})
}

func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.engine.Wallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// AmountRequest is the JSON body for balance movements.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.balanceOp(w, r, s.engine.AddToBalance)
}

func (s *Service) DepositUnredeemable(w http.ResponseWriter, r *http.Request) {
	s.balanceOp(w, r, s.engine.AddToUnredeemable)
}

func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.balanceOp(w, r, s.engine.WithdrawFromBalance)
}

func (s *Service) balanceOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, signer, userID string, amount decimal.Decimal) error) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := op(r.Context(), r.Header.Get(signerHeader), userID, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	wallet, err := s.engine.Wallet(r.Context(), userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- Market handlers ---

// CreateMarketRequest is the JSON body for POST /markets.
type CreateMarketRequest struct {
	ID         string                `json:"id"`
	SubMarkets []model.InitSubMarket `json:"sub_markets"`
}

func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || len(req.SubMarkets) == 0 {
		writeError(w, "id and sub_markets are required", http.StatusBadRequest)
		return
	}

	m, err := s.engine.InitMarket(r.Context(), r.Header.Get(signerHeader), req.ID, req.SubMarkets)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.ActiveMarkets.Inc()
	writeJSON(w, http.StatusCreated, m)
}

func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to get market history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	subID, ok := parseID(w, r, "subMarketID")
	if !ok {
		return
	}
	sm, err := m.SubMarket(subID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	prices := make(map[uint64]decimal.Decimal, 2)
	for i := range sm.Choices {
		other := &sm.Choices[1-i]
		p, err := curve.Price(sm.Choices[i].PotShares, other.PotShares)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		prices[sm.Choices[i].ID] = p
	}
	writeJSON(w, http.StatusOK, prices)
}

func (s *Service) StartTrading(w http.ResponseWriter, r *http.Request) {
	subID, ok := parseID(w, r, "subMarketID")
	if !ok {
		return
	}
	err := s.engine.StartTrading(r.Context(), r.Header.Get(signerHeader), chi.URLParam(r, "marketID"), subID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "trading"})
}

// ResolveRequest is the JSON body for sub-market resolution.
type ResolveRequest struct {
	WinningChoiceID uint64 `json:"winning_choice_id"`
}

func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	subID, ok := parseID(w, r, "subMarketID")
	if !ok {
		return
	}
	err := s.engine.ResolveMarket(r.Context(), r.Header.Get(signerHeader), chi.URLParam(r, "marketID"), subID, req.WinningChoiceID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// --- Order handlers ---

// BatchRequest is the JSON body for order batch submission. Mode selects
// how order amounts are interpreted: "price" (collateral) or "shares".
type BatchRequest struct {
	UserID string        `json:"user_id"`
	Mode   string        `json:"mode"`
	Orders []model.Order `json:"orders"`
}

// BatchResponse returns the executed orders.
type BatchResponse struct {
	UserID string             `json:"user_id"`
	Orders []model.FinalOrder `json:"orders"`
}

func (s *Service) FairLaunchOrder(w http.ResponseWriter, r *http.Request) {
	s.orderBatch(w, r, "FAIR_LAUNCH", func(req BatchRequest, marketID string) ([]model.FinalOrder, error) {
		return s.engine.FairLaunchOrder(r.Context(), req.UserID, marketID, req.Orders)
	})
}

func (s *Service) BulkBuy(w http.ResponseWriter, r *http.Request) {
	s.orderBatch(w, r, "BUY", func(req BatchRequest, marketID string) ([]model.FinalOrder, error) {
		if req.Mode == "shares" {
			return s.engine.BulkBuyByShares(r.Context(), req.UserID, marketID, req.Orders)
		}
		return s.engine.BulkBuyByPrice(r.Context(), req.UserID, marketID, req.Orders)
	})
}

func (s *Service) BulkSell(w http.ResponseWriter, r *http.Request) {
	s.orderBatch(w, r, "SELL", func(req BatchRequest, marketID string) ([]model.FinalOrder, error) {
		if req.Mode == "shares" {
			return s.engine.BulkSellByShares(r.Context(), req.UserID, marketID, req.Orders)
		}
		return s.engine.BulkSellByPrice(r.Context(), req.UserID, marketID, req.Orders)
	})
}

func (s *Service) orderBatch(w http.ResponseWriter, r *http.Request, side string, run func(BatchRequest, string) ([]model.FinalOrder, error)) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	marketID := chi.URLParam(r, "marketID")

	start := time.Now()
	finals, err := run(req, marketID)
	if err != nil {
		metrics.BatchRejections.WithLabelValues(rejectionReason(err)).Inc()
		writeEngineError(w, err)
		return
	}
	metrics.SettlementLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.OrdersSettled.WithLabelValues(side).Add(float64(len(finals)))

	s.broadcastPrices(r, marketID, side, finals)
	writeJSON(w, http.StatusOK, BatchResponse{UserID: req.UserID, Orders: finals})
}

// broadcastPrices pushes post-settlement prices for each touched
// sub-market to WebSocket clients.
func (s *Service) broadcastPrices(r *http.Request, marketID, side string, finals []model.FinalOrder) {
	if s.wsHub == nil {
		return
	}
	m, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		return
	}
	for _, f := range finals {
		sm, err := m.SubMarket(f.SubMarketID)
		if err != nil {
			continue
		}
		priceA, errA := curve.Price(sm.Choices[0].PotShares, sm.Choices[1].PotShares)
		priceB, errB := curve.Price(sm.Choices[1].PotShares, sm.Choices[0].PotShares)
		if errA != nil || errB != nil {
			continue
		}
		s.wsHub.Broadcast(WSMessage{
			Type:        "batch_settled",
			MarketID:    marketID,
			SubMarketID: f.SubMarketID,
			Side:        side,
			PriceA:      priceA.String(),
			PriceB:      priceB.String(),
			Shares:      f.Shares.String(),
		})
	}
}

// --- Claim handlers ---

// ClaimRequest is the JSON body for POST /markets/{id}/claims.
type ClaimRequest struct {
	UserID      string `json:"user_id"`
	SubMarketID uint64 `json:"sub_market_id"`
	ChoiceID    uint64 `json:"choice_id"`
}

func (s *Service) ClaimWinnings(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	payout, err := s.engine.ClaimWinnings(r.Context(), req.UserID, chi.URLParam(r, "marketID"), req.SubMarketID, req.ChoiceID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.ClaimsPaid.Inc()
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"payout": payout})
}

// --- Portfolio handlers ---

func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	marketID := chi.URLParam(r, "marketID")

	p, err := s.store.GetPortfolio(r.Context(), userID, marketID)
	if errors.Is(err, store.ErrPortfolioNotFound) {
		writeJSON(w, http.StatusOK, model.NewMarketPortfolio(userID, marketID))
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

func parseID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, param), 10, 64)
	if err != nil {
		writeError(w, "invalid "+param, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine error classes to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrMarketNotFound),
		errors.Is(err, store.ErrPortfolioNotFound),
		errors.Is(err, model.ErrSubMarketNotFound),
		errors.Is(err, model.ErrChoiceNotFound),
		errors.Is(err, model.ErrChoicePortfolioNotFound),
		errors.Is(err, bank.ErrWalletNotFound):
		writeError(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, bank.ErrNotAuthorized):
		writeError(w, err.Error(), http.StatusForbidden)

	case errors.Is(err, engine.ErrAmountTooLow),
		errors.Is(err, engine.ErrBulkOrderTooBig),
		errors.Is(err, engine.ErrSameSubMarket),
		errors.Is(err, engine.ErrPriceEstimationOff),
		errors.Is(err, curve.ErrInvalidOrder),
		errors.Is(err, bank.ErrAmountTooLow),
		errors.Is(err, fixedpoint.ErrPrecisionLoss),
		errors.Is(err, fixedpoint.ErrNegative),
		errors.Is(err, fixedpoint.ErrOverflow):
		writeError(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, engine.ErrNotBuyingPeriod),
		errors.Is(err, engine.ErrNotSellingPeriod),
		errors.Is(err, engine.ErrMarketAlreadyResolved),
		errors.Is(err, engine.ErrMarketNotResolved),
		errors.Is(err, engine.ErrNotWinningChoice),
		errors.Is(err, engine.ErrAlreadyClaimed),
		errors.Is(err, engine.ErrNotEnoughSharesToSell),
		errors.Is(err, bank.ErrBalanceTooLow),
		errors.Is(err, bank.ErrWalletExists),
		errors.Is(err, store.ErrMarketExists),
		errors.Is(err, curve.ErrZeroReserve):
		writeError(w, err.Error(), http.StatusConflict)

	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// rejectionReason labels a batch failure for metrics without exploding
// cardinality.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrBulkOrderTooBig):
		return "bulk_too_big"
	case errors.Is(err, engine.ErrSameSubMarket):
		return "duplicate_sub_market"
	case errors.Is(err, engine.ErrNotBuyingPeriod), errors.Is(err, engine.ErrNotSellingPeriod):
		return "wrong_period"
	case errors.Is(err, engine.ErrPriceEstimationOff):
		return "slippage"
	case errors.Is(err, bank.ErrBalanceTooLow):
		return "balance"
	case errors.Is(err, engine.ErrNotEnoughSharesToSell):
		return "shares"
	case errors.Is(err, curve.ErrInvalidOrder), errors.Is(err, curve.ErrZeroReserve):
		return "invalid_order"
	default:
		return "other"
	}
}
