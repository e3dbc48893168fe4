// Package ledger defines the transactional store the matching and settlement
// engines run against. Orders, trades and the two balance ledgers live behind
// Store; every mutation happens inside a Tx.
//
// Writes that race with other writers are conditional: AdvanceFill and
// CancelOrder check the filled amount the caller last saw, and AdjustCash /
// AdjustTokens never let a balance go negative. A failed check is reported as
// ErrConflict or ErrInsufficientBalance and the transaction is rolled back.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/xtrntr/tokenex/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance is returned when an adjustment would make a balance negative
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrConflict is returned when a conditional update lost a race
	ErrConflict = errors.New("concurrent modification")
)

// Store runs transactions against the ledger
type Store interface {
	// InTx runs fn in a single transaction. A non-nil error from fn rolls
	// back every write fn made.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// CashDelta describes an atomic change to a clearing balance.
// Available and Locked are signed; Deposited and Withdrawn add to the
// lifetime counters.
type CashDelta struct {
	Available int64
	Locked    int64
	Deposited int64
	Withdrawn int64
	Handle    string // replaces the stored handle when non-empty
}

// TokenDelta describes an atomic change to a token balance
type TokenDelta struct {
	Symbol    string // used when the row is created
	Available int64
	Locked    int64
}

// Creates reports whether applying d to a missing row may create it
func (d CashDelta) Creates() bool { return d.Available >= 0 && d.Locked >= 0 }

// Creates reports whether applying d to a missing row may create it
func (d TokenDelta) Creates() bool { return d.Available >= 0 && d.Locked >= 0 }

// Tx is a unit of work against the ledger
type Tx interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// ListOpenOrders returns open and partial orders of one instrument
	ListOpenOrders(ctx context.Context, instrumentID string) ([]models.Order, error)
	ListOwnerOrders(ctx context.Context, owner string) ([]models.Order, error)
	// ListActiveInstruments returns the instruments with open or partial orders
	ListActiveInstruments(ctx context.Context) ([]string, error)
	// AdvanceFill adds delta to the order's filled amount if it still equals
	// expectedFilled and the order is active, and re-derives its status.
	AdvanceFill(ctx context.Context, id string, expectedFilled, delta int64, at time.Time) (*models.Order, error)
	// CancelOrder terminalizes an active order whose filled amount still
	// equals expectedFilled.
	CancelOrder(ctx context.Context, id string, expectedFilled int64, at time.Time) (*models.Order, error)

	CreateTrade(ctx context.Context, trade *models.Trade) error
	GetTrade(ctx context.Context, id string) (*models.Trade, error)
	// MarkTradeSettled fails with ErrConflict if the trade is already settled
	MarkTradeSettled(ctx context.Context, id, ref string, at time.Time) (*models.Trade, error)
	// MarkTradeFailed fails with ErrConflict if the trade is already settled
	MarkTradeFailed(ctx context.Context, id, reason string, at time.Time) (*models.Trade, error)
	// ListTradesBySettlement returns trades in status executed before the
	// given time, oldest first. A zero time means no bound.
	ListTradesBySettlement(ctx context.Context, status models.SettlementStatus, executedBefore time.Time, limit int) ([]models.Trade, error)
	// ListTrades returns the newest trades of an instrument first
	ListTrades(ctx context.Context, instrumentID string, limit int) ([]models.Trade, error)
	ListOwnerTrades(ctx context.Context, owner string, limit int) ([]models.Trade, error)
	// LastTradePrice reports the price of the most recent trade, if any
	LastTradePrice(ctx context.Context, instrumentID string) (int64, bool, error)

	GetClearingBalance(ctx context.Context, owner string) (*models.ClearingBalance, error)
	AdjustCash(ctx context.Context, owner string, delta CashDelta, at time.Time) (*models.ClearingBalance, error)
	GetTokenBalance(ctx context.Context, owner, instrumentID string) (*models.TokenBalance, error)
	ListTokenBalances(ctx context.Context, owner string) ([]models.TokenBalance, error)
	AdjustTokens(ctx context.Context, owner, instrumentID string, delta TokenDelta, at time.Time) (*models.TokenBalance, error)
}
