// Package settlement moves cash and instrument units between owners.
//
// Every owner has a clearing balance (satoshis) and one token balance per
// instrument, each split into available and locked. Orders lock what they may
// spend, and settling a trade consumes those locks and credits the
// counterparty. Only deposits and withdrawals change the totals.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/tokenex/internal/ledger"
	"github.com/xtrntr/tokenex/internal/models"

	"go.uber.org/zap"
)

// ErrInvalidAmount is returned for non-positive amounts
var ErrInvalidAmount = errors.New("amount must be positive")

// Anchor produces an external reference for a settled trade, such as an
// on-chain transaction hash. It runs inside the settlement transaction.
type Anchor interface {
	Anchor(ctx context.Context, trade models.Trade) (string, error)
}

// NoopAnchor settles off-chain and returns an empty reference
type NoopAnchor struct{}

// Anchor implements Anchor
func (NoopAnchor) Anchor(ctx context.Context, trade models.Trade) (string, error) {
	return "", nil
}

// Engine performs balance locking and trade settlement against a ledger store
type Engine struct {
	store        ledger.Store
	logger       *zap.Logger
	anchor       Anchor
	timeout      time.Duration
	pendingGrace time.Duration
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

// WithAnchor sets the hook that produces settlement references
func WithAnchor(a Anchor) Option {
	return func(e *Engine) { e.anchor = a }
}

// WithTimeout bounds each settlement attempt
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithPendingGrace sets how old a pending trade must be before RetryFailed picks it up
func WithPendingGrace(d time.Duration) Option {
	return func(e *Engine) { e.pendingGrace = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a settlement engine
func New(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		logger:       zap.NewNop(),
		anchor:       NoopAnchor{},
		timeout:      5 * time.Second,
		pendingGrace: 30 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine's current time
func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

// LockCashTx moves amount from available to locked cash within tx
func (e *Engine) LockCashTx(ctx context.Context, tx ledger.Tx, owner string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := tx.AdjustCash(ctx, owner, ledger.CashDelta{Available: -amount, Locked: amount}, e.now())
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Errorf("insufficient balance, deposit cash first: %w", err)
		}
		return fmt.Errorf("failed to lock cash: %w", err)
	}
	return nil
}

// UnlockCashTx moves up to amount from locked back to available cash within tx.
// Only what is actually locked is released.
func (e *Engine) UnlockCashTx(ctx context.Context, tx ledger.Tx, owner string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	var locked int64
	b, err := tx.GetClearingBalance(ctx, owner)
	switch {
	case err == nil:
		locked = b.Locked
	case !errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("failed to get clearing balance: %w", err)
	}

	release := min(amount, locked)
	if release < amount {
		e.logger.Warn("cash unlock exceeds locked balance",
			zap.String("owner", owner), zap.Int64("requested", amount), zap.Int64("locked", locked))
	}
	if release == 0 {
		return nil
	}
	if _, err := tx.AdjustCash(ctx, owner, ledger.CashDelta{Available: release, Locked: -release}, e.now()); err != nil {
		return fmt.Errorf("failed to unlock cash: %w", err)
	}
	return nil
}

// LockTokensTx moves amount units from available to locked within tx
func (e *Engine) LockTokensTx(ctx context.Context, tx ledger.Tx, owner, instrumentID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := tx.AdjustTokens(ctx, owner, instrumentID, ledger.TokenDelta{Available: -amount, Locked: amount}, e.now())
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Errorf("insufficient token balance: %w", err)
		}
		return fmt.Errorf("failed to lock tokens: %w", err)
	}
	return nil
}

// UnlockTokensTx moves up to amount units from locked back to available within tx
func (e *Engine) UnlockTokensTx(ctx context.Context, tx ledger.Tx, owner, instrumentID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	var locked int64
	b, err := tx.GetTokenBalance(ctx, owner, instrumentID)
	switch {
	case err == nil:
		locked = b.Locked
	case !errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("failed to get token balance: %w", err)
	}

	release := min(amount, locked)
	if release < amount {
		e.logger.Warn("token unlock exceeds locked balance",
			zap.String("owner", owner), zap.String("instrument_id", instrumentID),
			zap.Int64("requested", amount), zap.Int64("locked", locked))
	}
	if release == 0 {
		return nil
	}
	delta := ledger.TokenDelta{Available: release, Locked: -release}
	if _, err := tx.AdjustTokens(ctx, owner, instrumentID, delta, e.now()); err != nil {
		return fmt.Errorf("failed to unlock tokens: %w", err)
	}
	return nil
}

// LockCash locks cash in its own transaction
func (e *Engine) LockCash(ctx context.Context, owner string, amount int64) error {
	return e.store.InTx(ctx, func(tx ledger.Tx) error {
		return e.LockCashTx(ctx, tx, owner, amount)
	})
}

// UnlockCash unlocks cash in its own transaction
func (e *Engine) UnlockCash(ctx context.Context, owner string, amount int64) error {
	return e.store.InTx(ctx, func(tx ledger.Tx) error {
		return e.UnlockCashTx(ctx, tx, owner, amount)
	})
}

// LockTokens locks tokens in its own transaction
func (e *Engine) LockTokens(ctx context.Context, owner, instrumentID string, amount int64) error {
	return e.store.InTx(ctx, func(tx ledger.Tx) error {
		return e.LockTokensTx(ctx, tx, owner, instrumentID, amount)
	})
}

// UnlockTokens unlocks tokens in its own transaction
func (e *Engine) UnlockTokens(ctx context.Context, owner, instrumentID string, amount int64) error {
	return e.store.InTx(ctx, func(tx ledger.Tx) error {
		return e.UnlockTokensTx(ctx, tx, owner, instrumentID, amount)
	})
}

// SettlementResult is the outcome of SettleTrade
type SettlementResult struct {
	Trade          *models.Trade
	AlreadySettled bool
}

// SettleTrade transfers cash and units for a trade and marks it settled.
// All transfers happen in one transaction; settling twice is a no-op.
func (e *Engine) SettleTrade(ctx context.Context, tradeID string) (*SettlementResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	var result SettlementResult
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		trade, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if trade.SettlementStatus == models.SettlementSettled {
			result = SettlementResult{Trade: trade, AlreadySettled: true}
			return nil
		}

		if err := e.transfer(ctx, tx, trade); err != nil {
			return err
		}

		ref, err := e.anchor.Anchor(ctx, *trade)
		if err != nil {
			return fmt.Errorf("failed to anchor trade: %w", err)
		}
		settled, err := tx.MarkTradeSettled(ctx, trade.ID, ref, e.now())
		if err != nil {
			return err
		}
		result = SettlementResult{Trade: settled}
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// Lost the race to another settler
			trade, getErr := e.getTrade(ctx, tradeID)
			if getErr != nil || trade.SettlementStatus != models.SettlementSettled {
				return nil, fmt.Errorf("failed to settle trade %s: %w", tradeID, err)
			}
			return &SettlementResult{Trade: trade, AlreadySettled: true}, nil
		}
		return nil, fmt.Errorf("failed to settle trade %s: %w", tradeID, err)
	}

	if result.AlreadySettled {
		e.logger.Debug("trade already settled", zap.String("trade_id", tradeID))
	} else {
		e.logger.Info("trade settled",
			zap.String("trade_id", tradeID),
			zap.String("buyer", result.Trade.Buyer),
			zap.String("seller", result.Trade.Seller),
			zap.Int64("amount", result.Trade.Amount),
			zap.Int64("total_value", result.Trade.TotalValue))
	}
	return &result, nil
}

func (e *Engine) getTrade(ctx context.Context, id string) (*models.Trade, error) {
	var trade *models.Trade
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		trade, err = tx.GetTrade(ctx, id)
		return err
	})
	return trade, err
}

func (e *Engine) transfer(ctx context.Context, tx ledger.Tx, trade *models.Trade) error {
	now := e.now()

	buy, err := tx.GetOrder(ctx, trade.BuyOrderID)
	if err != nil {
		return fmt.Errorf("failed to get buy order: %w", err)
	}
	// The buyer locked amount*limit; release what the better price saved
	var residual int64
	if buy.Price > trade.Price {
		residual = trade.Amount * (buy.Price - trade.Price)
	}

	debitBuyer := func() error {
		d := ledger.CashDelta{Available: residual, Locked: -(trade.TotalValue + residual)}
		if _, err := tx.AdjustCash(ctx, trade.Buyer, d, now); err != nil {
			return fmt.Errorf("failed to debit buyer: %w", err)
		}
		return nil
	}
	creditSeller := func() error {
		if _, err := tx.AdjustCash(ctx, trade.Seller, ledger.CashDelta{Available: trade.TotalValue}, now); err != nil {
			return fmt.Errorf("failed to credit seller: %w", err)
		}
		return nil
	}
	// Rows are touched in owner order so concurrent settlements lock consistently
	first, second := debitBuyer, creditSeller
	if trade.Seller < trade.Buyer {
		first, second = creditSeller, debitBuyer
	}
	if err := first(); err != nil {
		return err
	}
	if err := second(); err != nil {
		return err
	}

	if _, err := tx.AdjustTokens(ctx, trade.Seller, trade.InstrumentID,
		ledger.TokenDelta{Locked: -trade.Amount}, now); err != nil {
		return fmt.Errorf("failed to deduct seller tokens: %w", err)
	}
	if _, err := tx.AdjustTokens(ctx, trade.Buyer, trade.InstrumentID,
		ledger.TokenDelta{Symbol: trade.Symbol, Available: trade.Amount}, now); err != nil {
		return fmt.Errorf("failed to credit buyer tokens: %w", err)
	}
	return nil
}

// MarkFailed records a failed settlement attempt. It runs even if ctx has
// already expired, so a timed-out attempt is still recorded.
func (e *Engine) MarkFailed(ctx context.Context, tradeID string, cause error) error {
	ctx, cancel := e.withTimeout(context.WithoutCancel(ctx))
	defer cancel()

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.MarkTradeFailed(ctx, tradeID, reason, e.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark trade %s failed: %w", tradeID, err)
	}
	e.logger.Warn("trade settlement failed", zap.String("trade_id", tradeID), zap.String("reason", reason))
	return nil
}

// RetryReport summarizes a reconciliation pass
type RetryReport struct {
	Attempted int
	Settled   int
	Failed    int
	// Trades holds the trades settled by this pass
	Trades []models.Trade
}

// RetryFailed re-settles trades in settlement_failed and trades left pending
// longer than the grace period, up to limit trades (limit <= 0 means all).
func (e *Engine) RetryFailed(ctx context.Context, limit int) (*RetryReport, error) {
	now := e.now()
	var candidates []models.Trade
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		failed, err := tx.ListTradesBySettlement(ctx, models.SettlementFailed, time.Time{}, limit)
		if err != nil {
			return err
		}
		candidates = failed
		rest := 0
		if limit > 0 {
			rest = limit - len(failed)
			if rest == 0 {
				return nil
			}
		}
		pending, err := tx.ListTradesBySettlement(ctx, models.SettlementPending, now.Add(-e.pendingGrace), rest)
		if err != nil {
			return err
		}
		candidates = append(candidates, pending...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled trades: %w", err)
	}

	report := &RetryReport{}
	for _, trade := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		res, err := e.SettleTrade(ctx, trade.ID)
		if err != nil {
			report.Failed++
			if markErr := e.MarkFailed(ctx, trade.ID, err); markErr != nil {
				e.logger.Error("failed to record settlement failure", zap.String("trade_id", trade.ID), zap.Error(markErr))
			}
			continue
		}
		if !res.AlreadySettled {
			report.Settled++
			report.Trades = append(report.Trades, *res.Trade)
		}
	}

	if report.Attempted > 0 {
		e.logger.Info("settlement reconciliation",
			zap.Int("attempted", report.Attempted),
			zap.Int("settled", report.Settled),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// DepositCash credits available cash and the deposit total, creating the
// balance on first deposit
func (e *Engine) DepositCash(ctx context.Context, owner string, amount int64, handle string) (*models.ClearingBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var b *models.ClearingBalance
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		b, err = tx.AdjustCash(ctx, owner, ledger.CashDelta{Available: amount, Deposited: amount, Handle: handle}, e.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deposit cash: %w", err)
	}
	e.logger.Info("cash deposited", zap.String("owner", owner), zap.Int64("amount", amount))
	return b, nil
}

// WithdrawCash debits available cash
func (e *Engine) WithdrawCash(ctx context.Context, owner string, amount int64) (*models.ClearingBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var b *models.ClearingBalance
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		b, err = tx.AdjustCash(ctx, owner, ledger.CashDelta{Available: -amount, Withdrawn: amount}, e.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to withdraw cash: %w", err)
	}
	e.logger.Info("cash withdrawn", zap.String("owner", owner), zap.Int64("amount", amount))
	return b, nil
}

// DepositTokens credits available units of an instrument
func (e *Engine) DepositTokens(ctx context.Context, owner, instrumentID, symbol string, amount int64) (*models.TokenBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var b *models.TokenBalance
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		b, err = tx.AdjustTokens(ctx, owner, instrumentID, ledger.TokenDelta{Symbol: symbol, Available: amount}, e.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deposit tokens: %w", err)
	}
	e.logger.Info("tokens deposited",
		zap.String("owner", owner), zap.String("instrument_id", instrumentID), zap.Int64("amount", amount))
	return b, nil
}

// WithdrawTokens debits available units of an instrument
func (e *Engine) WithdrawTokens(ctx context.Context, owner, instrumentID string, amount int64) (*models.TokenBalance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var b *models.TokenBalance
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		b, err = tx.AdjustTokens(ctx, owner, instrumentID, ledger.TokenDelta{Available: -amount}, e.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to withdraw tokens: %w", err)
	}
	e.logger.Info("tokens withdrawn",
		zap.String("owner", owner), zap.String("instrument_id", instrumentID), zap.Int64("amount", amount))
	return b, nil
}

// ClearingBalance returns an owner's cash balance; an owner without one has a zero balance
func (e *Engine) ClearingBalance(ctx context.Context, owner string) (*models.ClearingBalance, error) {
	var b *models.ClearingBalance
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		b, err = tx.GetClearingBalance(ctx, owner)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return &models.ClearingBalance{Owner: owner}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clearing balance: %w", err)
	}
	return b, nil
}

// TokenBalances returns every token balance of an owner
func (e *Engine) TokenBalances(ctx context.Context, owner string) ([]models.TokenBalance, error) {
	var balances []models.TokenBalance
	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		balances, err = tx.ListTokenBalances(ctx, owner)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get token balances: %w", err)
	}
	return balances, nil
}
