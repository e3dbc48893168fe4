package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/xtrntr/tokenex/internal/ledger"
	"github.com/xtrntr/tokenex/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps a PostgreSQL connection pool and implements ledger.Store
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the embedded schema migrations in file name order
func (db *DB) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		stmt, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := db.Pool.Exec(ctx, string(stmt)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// InTx runs fn inside a single database transaction
func (db *DB) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

const orderColumns = "id, owner, instrument_id, symbol, side, amount, filled_amount, price, status, created_at, updated_at, expires_at"

func scanOrder(row scanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.Owner, &o.InstrumentID, &o.Symbol, &o.Side, &o.Amount, &o.FilledAmount,
		&o.Price, &o.Status, &o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

const tradeColumns = "id, buy_order_id, sell_order_id, instrument_id, symbol, amount, price, total_value, buyer, seller, " +
	"executed_at, settlement_status, settled_at, settlement_ref, settlement_error, settlement_attempts"

func scanTrade(row scanner) (*models.Trade, error) {
	var t models.Trade
	err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.InstrumentID, &t.Symbol, &t.Amount, &t.Price,
		&t.TotalValue, &t.Buyer, &t.Seller, &t.ExecutedAt, &t.SettlementStatus, &t.SettledAt,
		&t.SettlementRef, &t.SettlementError, &t.SettlementAttempts)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const cashColumns = "owner, handle, available, locked, total_deposited, total_withdrawn, updated_at"

func scanCash(row scanner) (*models.ClearingBalance, error) {
	var b models.ClearingBalance
	err := row.Scan(&b.Owner, &b.Handle, &b.Available, &b.Locked, &b.TotalDeposited, &b.TotalWithdrawn, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

const tokenColumns = "owner, instrument_id, symbol, available, locked, updated_at"

func scanToken(row scanner) (*models.TokenBalance, error) {
	var b models.TokenBalance
	err := row.Scan(&b.Owner, &b.InstrumentID, &b.Symbol, &b.Available, &b.Locked, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func collect[T any](rows pgx.Rows, scan func(scanner) (*T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// conditionalMiss turns an empty conditional update into ErrNotFound or ErrConflict
func (t *pgTx) conditionalMiss(ctx context.Context, table, id string) error {
	var exists bool
	err := t.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s existence: %w", table, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, id, ledger.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, ledger.ErrConflict)
}

// CreateOrder inserts a new order
func (t *pgTx) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO orders ("+orderColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
		order.ID, order.Owner, order.InstrumentID, order.Symbol, order.Side, order.Amount, order.FilledAmount,
		order.Price, order.Status, order.CreatedAt, order.UpdatedAt, order.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by id and locks its row until the transaction ends
func (t *pgTx) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, ledger.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListOpenOrders retrieves all open and partial orders of an instrument
func (t *pgTx) ListOpenOrders(ctx context.Context, instrumentID string) ([]models.Order, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE instrument_id = $1 AND status IN ('open', 'partial')
		ORDER BY created_at ASC, id ASC
	`, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	return collect(rows, scanOrder)
}

// ListOwnerOrders retrieves all orders of an owner
func (t *pgTx) ListOwnerOrders(ctx context.Context, owner string) ([]models.Order, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE owner = $1 ORDER BY created_at ASC, id ASC", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner orders: %w", err)
	}
	return collect(rows, scanOrder)
}

// ListActiveInstruments returns instruments that have resting orders
func (t *pgTx) ListActiveInstruments(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT DISTINCT instrument_id FROM orders WHERE status IN ('open', 'partial') ORDER BY instrument_id")
	if err != nil {
		return nil, fmt.Errorf("failed to get active instruments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceFill increments filled_amount if no other writer advanced it first
func (t *pgTx) AdvanceFill(ctx context.Context, id string, expectedFilled, delta int64, at time.Time) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `
		UPDATE orders
		SET filled_amount = filled_amount + $3,
		    status = CASE
		        WHEN filled_amount + $3 >= amount THEN 'filled'
		        WHEN filled_amount + $3 > 0 THEN 'partial'
		        ELSE 'open'
		    END,
		    updated_at = $4
		WHERE id = $1 AND filled_amount = $2 AND status IN ('open', 'partial') AND filled_amount + $3 <= amount
		RETURNING `+orderColumns,
		id, expectedFilled, delta, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, t.conditionalMiss(ctx, "orders", id)
		}
		return nil, fmt.Errorf("failed to advance fill: %w", err)
	}
	return o, nil
}

// CancelOrder cancels an active order whose fill has not moved
func (t *pgTx) CancelOrder(ctx context.Context, id string, expectedFilled int64, at time.Time) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `
		UPDATE orders SET status = 'cancelled', updated_at = $3
		WHERE id = $1 AND filled_amount = $2 AND status IN ('open', 'partial')
		RETURNING `+orderColumns,
		id, expectedFilled, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, t.conditionalMiss(ctx, "orders", id)
		}
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	return o, nil
}

// CreateTrade inserts a new trade
func (t *pgTx) CreateTrade(ctx context.Context, trade *models.Trade) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, instrument_id, symbol, amount, price, total_value,
			buyer, seller, executed_at, settlement_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		trade.ID, trade.BuyOrderID, trade.SellOrderID, trade.InstrumentID, trade.Symbol, trade.Amount,
		trade.Price, trade.TotalValue, trade.Buyer, trade.Seller, trade.ExecutedAt, trade.SettlementStatus)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

// GetTrade retrieves a trade by id and locks its row until the transaction ends
func (t *pgTx) GetTrade(ctx context.Context, id string) (*models.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", id, ledger.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return tr, nil
}

// MarkTradeSettled records a completed settlement exactly once
func (t *pgTx) MarkTradeSettled(ctx context.Context, id, ref string, at time.Time) (*models.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx, `
		UPDATE trades
		SET settlement_status = 'settled', settled_at = $3, settlement_ref = $2, settlement_error = '',
		    settlement_attempts = settlement_attempts + 1
		WHERE id = $1 AND settlement_status <> 'settled'
		RETURNING `+tradeColumns,
		id, ref, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, t.conditionalMiss(ctx, "trades", id)
		}
		return nil, fmt.Errorf("failed to mark trade settled: %w", err)
	}
	return tr, nil
}

// MarkTradeFailed records a failed settlement attempt
func (t *pgTx) MarkTradeFailed(ctx context.Context, id, reason string, at time.Time) (*models.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx, `
		UPDATE trades
		SET settlement_status = 'settlement_failed', settlement_error = $2,
		    settlement_attempts = settlement_attempts + 1
		WHERE id = $1 AND settlement_status <> 'settled'
		RETURNING `+tradeColumns,
		id, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, t.conditionalMiss(ctx, "trades", id)
		}
		return nil, fmt.Errorf("failed to mark trade failed: %w", err)
	}
	return tr, nil
}

// ListTradesBySettlement retrieves trades awaiting settlement, oldest first
func (t *pgTx) ListTradesBySettlement(ctx context.Context, status models.SettlementStatus, executedBefore time.Time, limit int) ([]models.Trade, error) {
	var before *time.Time
	if !executedBefore.IsZero() {
		before = &executedBefore
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE settlement_status = $1 AND ($2::timestamptz IS NULL OR executed_at < $2)
		ORDER BY seq ASC
		LIMIT NULLIF($3, 0)`,
		status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades by settlement: %w", err)
	}
	return collect(rows, scanTrade)
}

// ListTrades retrieves the newest trades of an instrument
func (t *pgTx) ListTrades(ctx context.Context, instrumentID string, limit int) ([]models.Trade, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE instrument_id = $1 ORDER BY seq DESC LIMIT NULLIF($2, 0)",
		instrumentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	return collect(rows, scanTrade)
}

// ListOwnerTrades retrieves the newest trades an owner took part in
func (t *pgTx) ListOwnerTrades(ctx context.Context, owner string, limit int) ([]models.Trade, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE buyer = $1 OR seller = $1 ORDER BY seq DESC LIMIT NULLIF($2, 0)",
		owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get owner trades: %w", err)
	}
	return collect(rows, scanTrade)
}

// LastTradePrice returns the price of the newest trade of an instrument
func (t *pgTx) LastTradePrice(ctx context.Context, instrumentID string) (int64, bool, error) {
	var price int64
	err := t.tx.QueryRow(ctx,
		"SELECT price FROM trades WHERE instrument_id = $1 ORDER BY seq DESC LIMIT 1", instrumentID).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get last trade price: %w", err)
	}
	return price, true, nil
}

// GetClearingBalance retrieves an owner's cash balance
func (t *pgTx) GetClearingBalance(ctx context.Context, owner string) (*models.ClearingBalance, error) {
	b, err := scanCash(t.tx.QueryRow(ctx, "SELECT "+cashColumns+" FROM clearing_balances WHERE owner = $1", owner))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("clearing balance %s: %w", owner, ledger.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get clearing balance: %w", err)
	}
	return b, nil
}

// AdjustCash applies a delta in one statement; a debit never goes below zero
func (t *pgTx) AdjustCash(ctx context.Context, owner string, d ledger.CashDelta, at time.Time) (*models.ClearingBalance, error) {
	var row pgx.Row
	if d.Creates() {
		row = t.tx.QueryRow(ctx, `
			INSERT INTO clearing_balances (owner, handle, available, locked, total_deposited, total_withdrawn, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (owner) DO UPDATE SET
			    handle = CASE WHEN EXCLUDED.handle = '' THEN clearing_balances.handle ELSE EXCLUDED.handle END,
			    available = clearing_balances.available + EXCLUDED.available,
			    locked = clearing_balances.locked + EXCLUDED.locked,
			    total_deposited = clearing_balances.total_deposited + EXCLUDED.total_deposited,
			    total_withdrawn = clearing_balances.total_withdrawn + EXCLUDED.total_withdrawn,
			    updated_at = EXCLUDED.updated_at
			RETURNING `+cashColumns,
			owner, d.Handle, d.Available, d.Locked, d.Deposited, d.Withdrawn, at)
	} else {
		row = t.tx.QueryRow(ctx, `
			UPDATE clearing_balances
			SET available = available + $2,
			    locked = locked + $3,
			    total_deposited = total_deposited + $4,
			    total_withdrawn = total_withdrawn + $5,
			    handle = CASE WHEN $6::text = '' THEN handle ELSE $6::text END,
			    updated_at = $7
			WHERE owner = $1 AND available + $2 >= 0 AND locked + $3 >= 0
			RETURNING `+cashColumns,
			owner, d.Available, d.Locked, d.Deposited, d.Withdrawn, d.Handle, at)
	}
	b, err := scanCash(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("clearing balance %s: %w", owner, ledger.ErrInsufficientBalance)
		}
		return nil, fmt.Errorf("failed to adjust clearing balance: %w", err)
	}
	return b, nil
}

// GetTokenBalance retrieves an owner's units of one instrument
func (t *pgTx) GetTokenBalance(ctx context.Context, owner, instrumentID string) (*models.TokenBalance, error) {
	b, err := scanToken(t.tx.QueryRow(ctx,
		"SELECT "+tokenColumns+" FROM token_balances WHERE owner = $1 AND instrument_id = $2", owner, instrumentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("token balance %s/%s: %w", owner, instrumentID, ledger.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get token balance: %w", err)
	}
	return b, nil
}

// ListTokenBalances retrieves every token balance of an owner
func (t *pgTx) ListTokenBalances(ctx context.Context, owner string) ([]models.TokenBalance, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+tokenColumns+" FROM token_balances WHERE owner = $1 ORDER BY instrument_id", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get token balances: %w", err)
	}
	return collect(rows, scanToken)
}

// AdjustTokens applies a delta in one statement; a debit never goes below zero
func (t *pgTx) AdjustTokens(ctx context.Context, owner, instrumentID string, d ledger.TokenDelta, at time.Time) (*models.TokenBalance, error) {
	var row pgx.Row
	if d.Creates() {
		row = t.tx.QueryRow(ctx, `
			INSERT INTO token_balances (owner, instrument_id, symbol, available, locked, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (owner, instrument_id) DO UPDATE SET
			    symbol = CASE WHEN token_balances.symbol = '' THEN EXCLUDED.symbol ELSE token_balances.symbol END,
			    available = token_balances.available + EXCLUDED.available,
			    locked = token_balances.locked + EXCLUDED.locked,
			    updated_at = EXCLUDED.updated_at
			RETURNING `+tokenColumns,
			owner, instrumentID, d.Symbol, d.Available, d.Locked, at)
	} else {
		row = t.tx.QueryRow(ctx, `
			UPDATE token_balances
			SET available = available + $3, locked = locked + $4, updated_at = $5
			WHERE owner = $1 AND instrument_id = $2 AND available + $3 >= 0 AND locked + $4 >= 0
			RETURNING `+tokenColumns,
			owner, instrumentID, d.Available, d.Locked, at)
	}
	b, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("token balance %s/%s: %w", owner, instrumentID, ledger.ErrInsufficientBalance)
		}
		return nil, fmt.Errorf("failed to adjust token balance: %w", err)
	}
	return b, nil
}
