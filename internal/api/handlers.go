package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xtrntr/tokenex/internal/exchange"
	"github.com/xtrntr/tokenex/internal/ledger"
	"github.com/xtrntr/tokenex/internal/models"
	"github.com/xtrntr/tokenex/internal/orderbook"
	"github.com/xtrntr/tokenex/internal/settlement"
	"go.uber.org/zap"
)

// OwnerHeader carries the caller identity set by the upstream gateway
const OwnerHeader = "X-Owner-ID"

type ctxKey int

const ownerKey ctxKey = iota

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange   *exchange.Engine
	Settlement *settlement.Engine
	Books      *orderbook.View
	logger     *zap.Logger
	trigger    func(instrumentID string)
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the handler logger
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithTrigger sets the hook called after an order is placed, typically the
// scheduler's Trigger
func WithTrigger(fn func(instrumentID string)) Option {
	return func(h *Handler) { h.trigger = fn }
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Engine, settler *settlement.Engine, books *orderbook.View, opts ...Option) *Handler {
	h := &Handler{Exchange: ex, Settlement: settler, Books: books, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers every endpoint on r
func (h *Handler) Routes(r chi.Router) {
	r.Get("/orderbook/{instrument}", h.GetOrderBook)
	r.Get("/instruments/{instrument}/trades", h.GetInstrumentTrades)
	r.Post("/instruments/{instrument}/match", h.RunMatching)
	r.Post("/settlements/retry", h.RetrySettlements)

	r.Group(func(r chi.Router) {
		r.Use(OwnerMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetOwnerOrders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/trades", h.GetOwnerTrades)
		r.Get("/balances", h.GetBalances)
		r.Post("/deposits/cash", h.DepositCash)
		r.Post("/deposits/tokens", h.DepositTokens)
		r.Post("/withdrawals/cash", h.WithdrawCash)
		r.Post("/withdrawals/tokens", h.WithdrawTokens)
	})
}

// OwnerMiddleware rejects requests without an owner header and stores the
// owner in the request context
func OwnerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, OwnerHeader+" header required")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey).(string)
	return owner
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain errors to HTTP statuses
func (h *Handler) fail(w http.ResponseWriter, err error, action string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, exchange.ErrInvalidOrder), errors.Is(err, settlement.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, exchange.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, exchange.ErrOrderClosed), errors.Is(err, ledger.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("action", action), zap.Error(err))
		writeError(w, status, "Failed to "+action)
		return
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// queryInt reads a non-negative integer query parameter, def when absent
func queryInt(r *http.Request, name string, def int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// PlaceOrder locks funds for a new order and schedules matching
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req exchange.PlaceOrderRequest
	if !decode(w, r, &req) {
		return
	}
	req.Owner = ownerFrom(r)

	order, err := h.Exchange.PlaceOrder(r.Context(), req)
	if err != nil {
		h.fail(w, err, "place order")
		return
	}
	if h.trigger != nil {
		h.trigger(order.InstrumentID)
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetOwnerOrders retrieves the caller's orders
func (h *Handler) GetOwnerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Exchange.ListOwnerOrders(r.Context(), ownerFrom(r))
	if err != nil {
		h.fail(w, err, "retrieve orders")
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder retrieves one of the caller's orders
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Exchange.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "retrieve order")
		return
	}
	if order.Owner != ownerFrom(r) {
		h.fail(w, exchange.ErrNotOwner, "retrieve order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder cancels an open order and releases its locked funds
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Exchange.CancelOrder(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "cancel order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// GetOrderBook retrieves the aggregated book of an instrument
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.Books.Get(r.Context(), chi.URLParam(r, "instrument"))
	if err != nil {
		h.fail(w, err, "retrieve order book")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetOwnerTrades retrieves trades where the caller bought or sold
func (h *Handler) GetOwnerTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	trades, err := h.Exchange.ListOwnerTrades(r.Context(), ownerFrom(r), limit)
	if err != nil {
		h.fail(w, err, "retrieve trades")
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetInstrumentTrades retrieves the recent trades of an instrument
func (h *Handler) GetInstrumentTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	trades, err := h.Exchange.ListTrades(r.Context(), chi.URLParam(r, "instrument"), limit)
	if err != nil {
		h.fail(w, err, "retrieve trades")
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

type matchResponse struct {
	*exchange.MatchResult
	Errors []string `json:"errors"`
}

// RunMatching matches an instrument now instead of waiting for the scheduler
func (h *Handler) RunMatching(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "max", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid max")
		return
	}
	result, err := h.Exchange.RunMatching(r.Context(), chi.URLParam(r, "instrument"), limit)
	if err != nil {
		h.fail(w, err, "run matching")
		return
	}
	resp := matchResponse{MatchResult: result, Errors: []string{}}
	for _, e := range result.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// RetrySettlements re-settles failed and stale pending trades
func (h *Handler) RetrySettlements(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	report, err := h.Settlement.RetryFailed(r.Context(), limit)
	if err != nil {
		h.fail(w, err, "retry settlements")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempted": report.Attempted,
		"settled":   report.Settled,
		"failed":    report.Failed,
	})
}

// GetBalances retrieves the caller's clearing balance and token balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	cash, err := h.Settlement.ClearingBalance(r.Context(), owner)
	if err != nil {
		h.fail(w, err, "retrieve balances")
		return
	}
	tokens, err := h.Settlement.TokenBalances(r.Context(), owner)
	if err != nil {
		h.fail(w, err, "retrieve balances")
		return
	}
	if tokens == nil {
		tokens = []models.TokenBalance{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clearing": cash,
		"tokens":   tokens,
	})
}

type cashRequest struct {
	Amount int64  `json:"amount"`
	Handle string `json:"handle,omitempty"`
}

type tokenRequest struct {
	InstrumentID string `json:"instrument_id"`
	Symbol       string `json:"symbol,omitempty"`
	Amount       int64  `json:"amount"`
}

// DepositCash credits the caller's clearing balance
func (h *Handler) DepositCash(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if !decode(w, r, &req) {
		return
	}
	balance, err := h.Settlement.DepositCash(r.Context(), ownerFrom(r), req.Amount, req.Handle)
	if err != nil {
		h.fail(w, err, "deposit cash")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// WithdrawCash debits the caller's available cash
func (h *Handler) WithdrawCash(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if !decode(w, r, &req) {
		return
	}
	balance, err := h.Settlement.WithdrawCash(r.Context(), ownerFrom(r), req.Amount)
	if err != nil {
		h.fail(w, err, "withdraw cash")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// DepositTokens credits the caller's units of an instrument
func (h *Handler) DepositTokens(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.InstrumentID == "" {
		writeError(w, http.StatusBadRequest, "instrument_id required")
		return
	}
	balance, err := h.Settlement.DepositTokens(r.Context(), ownerFrom(r), req.InstrumentID, req.Symbol, req.Amount)
	if err != nil {
		h.fail(w, err, "deposit tokens")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// WithdrawTokens debits the caller's available units of an instrument
func (h *Handler) WithdrawTokens(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.InstrumentID == "" {
		writeError(w, http.StatusBadRequest, "instrument_id required")
		return
	}
	balance, err := h.Settlement.WithdrawTokens(r.Context(), ownerFrom(r), req.InstrumentID, req.Amount)
	if err != nil {
		h.fail(w, err, "withdraw tokens")
		return
	}
	writeJSON(w, http.StatusOK, balance)
}
