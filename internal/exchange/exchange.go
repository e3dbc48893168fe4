package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/tokenex/internal/ledger"
	"github.com/xtrntr/tokenex/internal/models"
	"github.com/xtrntr/tokenex/internal/settlement"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidOrder is returned when an order fails validation
	ErrInvalidOrder = errors.New("invalid order")
	// ErrNotOwner is returned when cancelling someone else's order
	ErrNotOwner = errors.New("order belongs to another owner")
	// ErrOrderClosed is returned when cancelling a filled or cancelled order
	ErrOrderClosed = errors.New("order is not open")
)

// DefaultBatchSize caps the matches of one RunMatching call when none is given
const DefaultBatchSize = 100

// TradePublisher receives trades after they are committed
type TradePublisher interface {
	PublishTrades(ctx context.Context, trades []models.Trade) error
}

// BookInvalidator drops derived order book state for an instrument
type BookInvalidator interface {
	Invalidate(ctx context.Context, instrumentID string) error
}

// MatchError records a match that could not be executed
type MatchError struct {
	BuyOrderID  string
	SellOrderID string
	Err         error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("match %s/%s: %v", e.BuyOrderID, e.SellOrderID, e.Err)
}

func (e *MatchError) Unwrap() error { return e.Err }

// MatchResult reports what one RunMatching call did
type MatchResult struct {
	InstrumentID   string         `json:"instrument_id"`
	MatchesFound   int            `json:"matches_found"`
	TradesExecuted int            `json:"trades_executed"`
	Trades         []models.Trade `json:"trades"`
	Errors         []error        `json:"-"`
	Conflicts      int            `json:"conflicts"`
	// Capped is set when the run stopped at its match limit
	Capped bool `json:"capped"`
}

// Success reports whether every candidate match executed
func (r *MatchResult) Success() bool {
	return len(r.Errors) == 0
}

// Retry reports whether another writer raced this run and it should be repeated
func (r *MatchResult) Retry() bool {
	return r.Conflicts > 0
}

// Engine matches resting orders of each instrument and hands trades to settlement
type Engine struct {
	store        ledger.Store
	settler      *settlement.Engine
	locks        *instrumentLocks
	logger       *zap.Logger
	publisher    TradePublisher
	books        BookInvalidator
	priceRule    PriceRule
	batchSize    int
	matchTimeout time.Duration
	now          func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPublisher sets where committed trades are published
func WithPublisher(p TradePublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithBookInvalidator sets the order book state dropped after every mutation
func WithBookInvalidator(b BookInvalidator) Option {
	return func(e *Engine) { e.books = b }
}

// WithPriceRule sets the execution price rule
func WithPriceRule(rule PriceRule) Option {
	return func(e *Engine) {
		if rule.Valid() {
			e.priceRule = rule
		}
	}
}

// WithBatchSize sets the default match cap of RunMatching
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMatchTimeout bounds each RunMatching call
func WithMatchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.matchTimeout = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a matching engine
func New(store ledger.Store, settler *settlement.Engine, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		settler:   settler,
		locks:     newInstrumentLocks(),
		logger:    zap.NewNop(),
		priceRule: PriceRuleSell,
		batchSize: DefaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunMatching matches crossing orders of one instrument. Each match commits
// in its own transaction and is then settled; a failed match is recorded in
// the result and the run moves on to the next one.
func (e *Engine) RunMatching(ctx context.Context, instrumentID string, maxMatches int) (*MatchResult, error) {
	if maxMatches <= 0 {
		maxMatches = e.batchSize
	}
	if e.matchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.matchTimeout)
		defer cancel()
	}

	unlock, err := e.locks.lock(ctx, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock instrument %s: %w", instrumentID, err)
	}
	defer unlock()

	var orders []models.Order
	err = e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		orders, err = tx.ListOpenOrders(ctx, instrumentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}

	matches := FindMatches(orders, maxMatches, e.priceRule, e.now())
	result := &MatchResult{
		InstrumentID: instrumentID,
		MatchesFound: len(matches),
		Capped:       len(matches) == maxMatches,
	}

	for _, m := range matches {
		trade, err := e.executeMatch(ctx, m)
		if err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				result.Conflicts++
			}
			result.Errors = append(result.Errors, &MatchError{BuyOrderID: m.Buy.ID, SellOrderID: m.Sell.ID, Err: err})
			e.logger.Warn("match failed",
				zap.String("instrument_id", instrumentID),
				zap.String("buy_order_id", m.Buy.ID),
				zap.String("sell_order_id", m.Sell.ID),
				zap.Error(err))
			continue
		}
		result.TradesExecuted++
		result.Trades = append(result.Trades, *e.settle(ctx, trade))
	}

	if result.TradesExecuted > 0 {
		e.afterMutation(ctx, instrumentID)
		e.publish(ctx, result.Trades)
	}
	e.logger.Debug("matching run",
		zap.String("instrument_id", instrumentID),
		zap.Int("matches_found", result.MatchesFound),
		zap.Int("trades_executed", result.TradesExecuted),
		zap.Int("conflicts", result.Conflicts))
	return result, nil
}

// executeMatch advances both orders and records the trade in one transaction
func (e *Engine) executeMatch(ctx context.Context, m Match) (*models.Trade, error) {
	if models.MulOverflows(m.Amount, m.Price) {
		return nil, fmt.Errorf("%w: trade value overflows", ErrInvalidOrder)
	}
	now := e.now()
	trade := &models.Trade{
		ID:               uuid.NewString(),
		BuyOrderID:       m.Buy.ID,
		SellOrderID:      m.Sell.ID,
		InstrumentID:     m.Sell.InstrumentID,
		Symbol:           m.Sell.Symbol,
		Amount:           m.Amount,
		Price:            m.Price,
		TotalValue:       m.Amount * m.Price,
		Buyer:            m.Buy.Owner,
		Seller:           m.Sell.Owner,
		ExecutedAt:       now,
		SettlementStatus: models.SettlementPending,
	}

	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.AdvanceFill(ctx, m.Buy.ID, m.Buy.FilledAmount, m.Amount, now); err != nil {
			return fmt.Errorf("failed to fill buy order: %w", err)
		}
		if _, err := tx.AdvanceFill(ctx, m.Sell.ID, m.Sell.FilledAmount, m.Amount, now); err != nil {
			return fmt.Errorf("failed to fill sell order: %w", err)
		}
		return tx.CreateTrade(ctx, trade)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("trade executed",
		zap.String("trade_id", trade.ID),
		zap.String("instrument_id", trade.InstrumentID),
		zap.Int64("amount", trade.Amount),
		zap.Int64("price", trade.Price))
	return trade, nil
}

// settle settles a committed trade; on failure the trade stays executed and
// is marked for reconciliation
func (e *Engine) settle(ctx context.Context, trade *models.Trade) *models.Trade {
	res, err := e.settler.SettleTrade(ctx, trade.ID)
	if err == nil {
		return res.Trade
	}
	e.logger.Error("settlement failed", zap.String("trade_id", trade.ID), zap.Error(err))
	if markErr := e.settler.MarkFailed(ctx, trade.ID, err); markErr != nil {
		e.logger.Error("failed to record settlement failure", zap.String("trade_id", trade.ID), zap.Error(markErr))
		return trade
	}
	trade.SettlementStatus = models.SettlementFailed
	trade.SettlementError = err.Error()
	trade.SettlementAttempts++
	return trade
}

func (e *Engine) afterMutation(ctx context.Context, instrumentID string) {
	if e.books == nil {
		return
	}
	if err := e.books.Invalidate(context.WithoutCancel(ctx), instrumentID); err != nil {
		e.logger.Warn("failed to invalidate order book", zap.String("instrument_id", instrumentID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, trades []models.Trade) {
	if e.publisher == nil || len(trades) == 0 {
		return
	}
	if err := e.publisher.PublishTrades(context.WithoutCancel(ctx), trades); err != nil {
		e.logger.Warn("failed to publish trades", zap.Int("count", len(trades)), zap.Error(err))
	}
}

// PlaceOrderRequest describes a new limit order
type PlaceOrderRequest struct {
	Owner        string      `json:"owner"`
	InstrumentID string      `json:"instrument_id"`
	Symbol       string      `json:"symbol"`
	Side         models.Side `json:"side"`
	Amount       int64       `json:"amount"`
	Price        int64       `json:"price"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
}

func (r PlaceOrderRequest) validate(now time.Time) error {
	switch {
	case r.Owner == "":
		return fmt.Errorf("%w: owner is required", ErrInvalidOrder)
	case r.InstrumentID == "":
		return fmt.Errorf("%w: instrument is required", ErrInvalidOrder)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	case r.Price <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	case models.MulOverflows(r.Amount, r.Price):
		return fmt.Errorf("%w: amount times price overflows", ErrInvalidOrder)
	case r.ExpiresAt != nil && !r.ExpiresAt.After(now):
		return fmt.Errorf("%w: expiry must be in the future", ErrInvalidOrder)
	}
	return nil
}

// PlaceOrder locks the funds an order may spend and rests it on the book.
// Both happen in one transaction.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	now := e.now()
	if err := req.validate(now); err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:           uuid.NewString(),
		Owner:        req.Owner,
		InstrumentID: req.InstrumentID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Amount:       req.Amount,
		Price:        req.Price,
		Status:       models.StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    req.ExpiresAt,
	}

	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		if order.Side == models.SideBuy {
			if err := e.settler.LockCashTx(ctx, tx, order.Owner, order.Amount*order.Price); err != nil {
				return err
			}
		} else {
			if err := e.settler.LockTokensTx(ctx, tx, order.Owner, order.InstrumentID, order.Amount); err != nil {
				return err
			}
		}
		return tx.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	e.logger.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("owner", order.Owner),
		zap.String("instrument_id", order.InstrumentID),
		zap.String("side", string(order.Side)),
		zap.Int64("amount", order.Amount),
		zap.Int64("price", order.Price))
	e.afterMutation(ctx, order.InstrumentID)
	return order, nil
}

// unlockRemainingTx returns the funds still locked by an order's unfilled amount
func (e *Engine) unlockRemainingTx(ctx context.Context, tx ledger.Tx, o *models.Order) error {
	remaining := o.Remaining()
	if remaining <= 0 {
		return nil
	}
	if o.Side == models.SideBuy {
		return e.settler.UnlockCashTx(ctx, tx, o.Owner, remaining*o.Price)
	}
	return e.settler.UnlockTokensTx(ctx, tx, o.Owner, o.InstrumentID, remaining)
}

// CancelOrder cancels an owner's open or partially filled order and unlocks
// its unfilled remainder
func (e *Engine) CancelOrder(ctx context.Context, owner, orderID string) (*models.Order, error) {
	existing, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locks.lock(ctx, existing.InstrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock instrument %s: %w", existing.InstrumentID, err)
	}
	defer unlock()

	var cancelled *models.Order
	err = e.store.InTx(ctx, func(tx ledger.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Owner != owner {
			return ErrNotOwner
		}
		if !o.Active() {
			return ErrOrderClosed
		}
		cancelled, err = tx.CancelOrder(ctx, o.ID, o.FilledAmount, e.now())
		if err != nil {
			return err
		}
		return e.unlockRemainingTx(ctx, tx, o)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}

	e.logger.Info("order cancelled", zap.String("order_id", orderID), zap.String("owner", owner))
	e.afterMutation(ctx, cancelled.InstrumentID)
	return cancelled, nil
}

// ExpireOrders cancels every open order of an instrument whose expiry has
// passed and unlocks its remainder. It returns how many orders expired.
func (e *Engine) ExpireOrders(ctx context.Context, instrumentID string) (int, error) {
	unlock, err := e.locks.lock(ctx, instrumentID)
	if err != nil {
		return 0, fmt.Errorf("failed to lock instrument %s: %w", instrumentID, err)
	}
	defer unlock()

	now := e.now()
	var orders []models.Order
	err = e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		orders, err = tx.ListOpenOrders(ctx, instrumentID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get open orders: %w", err)
	}

	expired := 0
	for i := range orders {
		o := &orders[i]
		if !o.Expired(now) {
			continue
		}
		err := e.store.InTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.CancelOrder(ctx, o.ID, o.FilledAmount, now); err != nil {
				return err
			}
			return e.unlockRemainingTx(ctx, tx, o)
		})
		if err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				continue
			}
			return expired, fmt.Errorf("failed to expire order %s: %w", o.ID, err)
		}
		expired++
		e.logger.Info("order expired", zap.String("order_id", o.ID), zap.String("owner", o.Owner))
	}

	if expired > 0 {
		e.afterMutation(ctx, instrumentID)
	}
	return expired, nil
}

// ActiveInstruments returns the instruments that have open orders
func (e *Engine) ActiveInstruments(ctx context.Context) ([]string, error) {
	var ids []string
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		ids, err = tx.ListActiveInstruments(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get active instruments: %w", err)
	}
	return ids, nil
}

// GetOrder retrieves an order by id
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order *models.Order
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListOwnerOrders retrieves all orders of an owner
func (e *Engine) ListOwnerOrders(ctx context.Context, owner string) ([]models.Order, error) {
	var orders []models.Order
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		orders, err = tx.ListOwnerOrders(ctx, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	return orders, nil
}

// ListTrades retrieves the newest trades of an instrument
func (e *Engine) ListTrades(ctx context.Context, instrumentID string, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		trades, err = tx.ListTrades(ctx, instrumentID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	return trades, nil
}

// ListOwnerTrades retrieves the newest trades an owner took part in
func (e *Engine) ListOwnerTrades(ctx context.Context, owner string, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		trades, err = tx.ListOwnerTrades(ctx, owner, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	return trades, nil
}
