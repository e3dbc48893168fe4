package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtrntr/tokenex/internal/models"
)

type tokenKey struct {
	owner        string
	instrumentID string
}

type memState struct {
	orders     map[string]models.Order
	trades     map[string]models.Trade
	tradeOrder []string // insertion order
	cash       map[string]models.ClearingBalance
	tokens     map[tokenKey]models.TokenBalance
}

func (s *memState) clone() *memState {
	c := &memState{
		orders:     make(map[string]models.Order, len(s.orders)),
		trades:     make(map[string]models.Trade, len(s.trades)),
		tradeOrder: append([]string(nil), s.tradeOrder...),
		cash:       make(map[string]models.ClearingBalance, len(s.cash)),
		tokens:     make(map[tokenKey]models.TokenBalance, len(s.tokens)),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.trades {
		c.trades[k] = v
	}
	for k, v := range s.cash {
		c.cash[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	return c
}

// MemStore is an in-process Store. Transactions are serialized and work on a
// private copy of the state that replaces the shared state only on commit.
type MemStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{state: &memState{
		orders: make(map[string]models.Order),
		trades: make(map[string]models.Trade),
		cash:   make(map[string]models.ClearingBalance),
		tokens: make(map[tokenKey]models.TokenBalance),
	}}
}

// InTx implements Store
func (m *MemStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	m.state = tx.state
	return nil
}

type memTx struct {
	state *memState
}

func copyOrder(o models.Order) *models.Order {
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		o.ExpiresAt = &t
	}
	return &o
}

func copyTrade(t models.Trade) *models.Trade {
	if t.SettledAt != nil {
		s := *t.SettledAt
		t.SettledAt = &s
	}
	return &t
}

func sortOrders(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

func (tx *memTx) CreateOrder(ctx context.Context, order *models.Order) error {
	if _, exists := tx.state.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	tx.state.orders[order.ID] = *copyOrder(*order)
	return nil
}

func (tx *memTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, ok := tx.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return copyOrder(o), nil
}

func (tx *memTx) ListOpenOrders(ctx context.Context, instrumentID string) ([]models.Order, error) {
	var orders []models.Order
	for _, o := range tx.state.orders {
		if o.InstrumentID == instrumentID && o.Active() {
			orders = append(orders, *copyOrder(o))
		}
	}
	sortOrders(orders)
	return orders, nil
}

func (tx *memTx) ListOwnerOrders(ctx context.Context, owner string) ([]models.Order, error) {
	var orders []models.Order
	for _, o := range tx.state.orders {
		if o.Owner == owner {
			orders = append(orders, *copyOrder(o))
		}
	}
	sortOrders(orders)
	return orders, nil
}

func (tx *memTx) ListActiveInstruments(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, o := range tx.state.orders {
		if o.Active() && !seen[o.InstrumentID] {
			seen[o.InstrumentID] = true
			ids = append(ids, o.InstrumentID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (tx *memTx) AdvanceFill(ctx context.Context, id string, expectedFilled, delta int64, at time.Time) (*models.Order, error) {
	o, ok := tx.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if !o.Active() || o.FilledAmount != expectedFilled || o.FilledAmount+delta > o.Amount {
		return nil, fmt.Errorf("order %s fill: %w", id, ErrConflict)
	}
	o.FilledAmount += delta
	o.Status = models.DeriveStatus(o.FilledAmount, o.Amount)
	o.UpdatedAt = at
	tx.state.orders[id] = o
	return copyOrder(o), nil
}

func (tx *memTx) CancelOrder(ctx context.Context, id string, expectedFilled int64, at time.Time) (*models.Order, error) {
	o, ok := tx.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if !o.Active() || o.FilledAmount != expectedFilled {
		return nil, fmt.Errorf("order %s cancel: %w", id, ErrConflict)
	}
	o.Status = models.StatusCancelled
	o.UpdatedAt = at
	tx.state.orders[id] = o
	return copyOrder(o), nil
}

func (tx *memTx) CreateTrade(ctx context.Context, trade *models.Trade) error {
	if _, exists := tx.state.trades[trade.ID]; exists {
		return fmt.Errorf("trade %s already exists", trade.ID)
	}
	tx.state.trades[trade.ID] = *copyTrade(*trade)
	tx.state.tradeOrder = append(tx.state.tradeOrder, trade.ID)
	return nil
}

func (tx *memTx) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	t, ok := tx.state.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return copyTrade(t), nil
}

func (tx *memTx) MarkTradeSettled(ctx context.Context, id, ref string, at time.Time) (*models.Trade, error) {
	t, ok := tx.state.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if t.SettlementStatus == models.SettlementSettled {
		return nil, fmt.Errorf("trade %s settle: %w", id, ErrConflict)
	}
	settledAt := at
	t.SettlementStatus = models.SettlementSettled
	t.SettledAt = &settledAt
	t.SettlementRef = ref
	t.SettlementError = ""
	t.SettlementAttempts++
	tx.state.trades[id] = t
	return copyTrade(t), nil
}

func (tx *memTx) MarkTradeFailed(ctx context.Context, id, reason string, at time.Time) (*models.Trade, error) {
	t, ok := tx.state.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if t.SettlementStatus == models.SettlementSettled {
		return nil, fmt.Errorf("trade %s mark failed: %w", id, ErrConflict)
	}
	t.SettlementStatus = models.SettlementFailed
	t.SettlementError = reason
	t.SettlementAttempts++
	tx.state.trades[id] = t
	return copyTrade(t), nil
}

func (tx *memTx) ListTradesBySettlement(ctx context.Context, status models.SettlementStatus, executedBefore time.Time, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	for _, id := range tx.state.tradeOrder {
		t := tx.state.trades[id]
		if t.SettlementStatus != status || (!executedBefore.IsZero() && !t.ExecutedAt.Before(executedBefore)) {
			continue
		}
		trades = append(trades, *copyTrade(t))
		if limit > 0 && len(trades) == limit {
			break
		}
	}
	return trades, nil
}

func (tx *memTx) listTradesNewestFirst(limit int, keep func(models.Trade) bool) []models.Trade {
	var trades []models.Trade
	for i := len(tx.state.tradeOrder) - 1; i >= 0; i-- {
		t := tx.state.trades[tx.state.tradeOrder[i]]
		if !keep(t) {
			continue
		}
		trades = append(trades, *copyTrade(t))
		if limit > 0 && len(trades) == limit {
			break
		}
	}
	return trades
}

func (tx *memTx) ListTrades(ctx context.Context, instrumentID string, limit int) ([]models.Trade, error) {
	return tx.listTradesNewestFirst(limit, func(t models.Trade) bool {
		return t.InstrumentID == instrumentID
	}), nil
}

func (tx *memTx) ListOwnerTrades(ctx context.Context, owner string, limit int) ([]models.Trade, error) {
	return tx.listTradesNewestFirst(limit, func(t models.Trade) bool {
		return t.Buyer == owner || t.Seller == owner
	}), nil
}

func (tx *memTx) LastTradePrice(ctx context.Context, instrumentID string) (int64, bool, error) {
	trades, _ := tx.ListTrades(ctx, instrumentID, 1)
	if len(trades) == 0 {
		return 0, false, nil
	}
	return trades[0].Price, true, nil
}

func (tx *memTx) GetClearingBalance(ctx context.Context, owner string) (*models.ClearingBalance, error) {
	b, ok := tx.state.cash[owner]
	if !ok {
		return nil, fmt.Errorf("clearing balance %s: %w", owner, ErrNotFound)
	}
	return &b, nil
}

func (tx *memTx) AdjustCash(ctx context.Context, owner string, delta CashDelta, at time.Time) (*models.ClearingBalance, error) {
	b, ok := tx.state.cash[owner]
	if !ok {
		if !delta.Creates() {
			return nil, fmt.Errorf("clearing balance %s: %w", owner, ErrInsufficientBalance)
		}
		b = models.ClearingBalance{Owner: owner}
	}
	if b.Available+delta.Available < 0 || b.Locked+delta.Locked < 0 {
		return nil, fmt.Errorf("clearing balance %s: %w", owner, ErrInsufficientBalance)
	}
	b.Available += delta.Available
	b.Locked += delta.Locked
	b.TotalDeposited += delta.Deposited
	b.TotalWithdrawn += delta.Withdrawn
	if delta.Handle != "" {
		b.Handle = delta.Handle
	}
	b.UpdatedAt = at
	tx.state.cash[owner] = b
	return &b, nil
}

func (tx *memTx) GetTokenBalance(ctx context.Context, owner, instrumentID string) (*models.TokenBalance, error) {
	b, ok := tx.state.tokens[tokenKey{owner, instrumentID}]
	if !ok {
		return nil, fmt.Errorf("token balance %s/%s: %w", owner, instrumentID, ErrNotFound)
	}
	return &b, nil
}

func (tx *memTx) ListTokenBalances(ctx context.Context, owner string) ([]models.TokenBalance, error) {
	var balances []models.TokenBalance
	for k, b := range tx.state.tokens {
		if k.owner == owner {
			balances = append(balances, b)
		}
	}
	sort.Slice(balances, func(i, j int) bool {
		return balances[i].InstrumentID < balances[j].InstrumentID
	})
	return balances, nil
}

func (tx *memTx) AdjustTokens(ctx context.Context, owner, instrumentID string, delta TokenDelta, at time.Time) (*models.TokenBalance, error) {
	key := tokenKey{owner, instrumentID}
	b, ok := tx.state.tokens[key]
	if !ok {
		if !delta.Creates() {
			return nil, fmt.Errorf("token balance %s/%s: %w", owner, instrumentID, ErrInsufficientBalance)
		}
		b = models.TokenBalance{Owner: owner, InstrumentID: instrumentID, Symbol: delta.Symbol}
	}
	if b.Available+delta.Available < 0 || b.Locked+delta.Locked < 0 {
		return nil, fmt.Errorf("token balance %s/%s: %w", owner, instrumentID, ErrInsufficientBalance)
	}
	b.Available += delta.Available
	b.Locked += delta.Locked
	if b.Symbol == "" {
		b.Symbol = delta.Symbol
	}
	b.UpdatedAt = at
	tx.state.tokens[key] = b
	return &b, nil
}
