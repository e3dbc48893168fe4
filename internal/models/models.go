package models

import (
	"math"
	"time"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is a cached view of an order's filled amount
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// SettlementStatus tracks the balance transfer of a trade
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementFailed  SettlementStatus = "settlement_failed"
)

// DeriveStatus returns the status implied by filled against amount
func DeriveStatus(filled, amount int64) OrderStatus {
	switch {
	case filled >= amount:
		return StatusFilled
	case filled > 0:
		return StatusPartial
	default:
		return StatusOpen
	}
}

// Order represents a limit order to buy or sell units of one instrument.
// Amounts are instrument units and Price is satoshis per unit.
type Order struct {
	ID           string      `json:"id"`
	Owner        string      `json:"owner"`
	InstrumentID string      `json:"instrument_id"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Amount       int64       `json:"amount"`
	FilledAmount int64       `json:"filled_amount"`
	Price        int64       `json:"price"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"` // Used for time priority
	UpdatedAt    time.Time   `json:"updated_at"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
}

// Remaining returns the unfilled amount
func (o Order) Remaining() int64 {
	return o.Amount - o.FilledAmount
}

// Active reports whether the order may still be matched or cancelled
func (o Order) Active() bool {
	return o.Status == StatusOpen || o.Status == StatusPartial
}

// Expired reports whether the order's expiry is at or before now
func (o Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Trade represents one execution between a buy order and a sell order
type Trade struct {
	ID                 string           `json:"id"`
	BuyOrderID         string           `json:"buy_order_id"`
	SellOrderID        string           `json:"sell_order_id"`
	InstrumentID       string           `json:"instrument_id"`
	Symbol             string           `json:"symbol"`
	Amount             int64            `json:"amount"`
	Price              int64            `json:"price"`
	TotalValue         int64            `json:"total_value"`
	Buyer              string           `json:"buyer"`
	Seller             string           `json:"seller"`
	ExecutedAt         time.Time        `json:"executed_at"`
	SettlementStatus   SettlementStatus `json:"settlement_status"`
	SettledAt          *time.Time       `json:"settled_at,omitempty"`
	SettlementRef      string           `json:"settlement_ref,omitempty"`
	SettlementError    string           `json:"settlement_error,omitempty"`
	SettlementAttempts int              `json:"settlement_attempts"`
}

// ClearingBalance holds an owner's cash in satoshis
type ClearingBalance struct {
	Owner          string    `json:"owner"`
	Handle         string    `json:"handle,omitempty"`
	Available      int64     `json:"available"`
	Locked         int64     `json:"locked"`
	TotalDeposited int64     `json:"total_deposited"`
	TotalWithdrawn int64     `json:"total_withdrawn"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Total returns available plus locked
func (b ClearingBalance) Total() int64 {
	return b.Available + b.Locked
}

// TokenBalance holds an owner's units of one instrument
type TokenBalance struct {
	Owner        string    `json:"owner"`
	InstrumentID string    `json:"instrument_id"`
	Symbol       string    `json:"symbol"`
	Available    int64     `json:"available"`
	Locked       int64     `json:"locked"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Total returns available plus locked
func (b TokenBalance) Total() int64 {
	return b.Available + b.Locked
}

// PriceLevel aggregates the remaining amount resting at one price
type PriceLevel struct {
	Price      int64 `json:"price"`
	Amount     int64 `json:"amount"`
	OrderCount int   `json:"order_count"`
}

// OrderBook is a derived view of the resting orders of one instrument
type OrderBook struct {
	InstrumentID   string       `json:"instrument_id"`
	Bids           []PriceLevel `json:"bids"` // price descending
	Asks           []PriceLevel `json:"asks"` // price ascending
	Spread         *int64       `json:"spread"`
	LastTradePrice *int64       `json:"last_trade_price"`
}

// MulOverflows reports whether a*b overflows int64 for non-negative operands
func MulOverflows(a, b int64) bool {
	if a == 0 || b == 0 {
		return false
	}
	return a > math.MaxInt64/b
}
