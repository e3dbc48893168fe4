package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/tokenex/internal/ledger"
	"github.com/xtrntr/tokenex/internal/models"
)

var testDB *DB

func TestMain(m *testing.M) {
	dsn := os.Getenv("TOKENEX_TEST_POSTGRES_DSN")
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "TOKENEX_TEST_POSTGRES_DSN not set, skipping postgres tests")
		os.Exit(0)
	}

	ctx := context.Background()
	db, err := NewDB(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}

	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	testDB = db
	code := m.Run()
	db.Close(ctx)
	os.Exit(code)
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(),
		"TRUNCATE TABLE orders, trades, clearing_balances, token_balances RESTART IDENTITY")
	require.NoError(t, err)
}

func TestDB_CreateOrder(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)

	tests := []struct {
		name        string
		order       models.Order
		expectError bool
	}{
		{
			name:  "Success",
			order: models.Order{Side: models.SideSell, Amount: 10, Price: 500, Status: models.StatusOpen},
		},
		{
			name:        "InvalidSide",
			order:       models.Order{Side: "invalid", Amount: 10, Price: 500, Status: models.StatusOpen},
			expectError: true,
		},
		{
			name:        "NegativePrice",
			order:       models.Order{Side: models.SideSell, Amount: 10, Price: -500, Status: models.StatusOpen},
			expectError: true,
		},
		{
			name:        "ZeroAmount",
			order:       models.Order{Side: models.SideSell, Amount: 0, Price: 500, Status: models.StatusOpen},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			truncate(t)
			order := tt.order
			order.ID = uuid.NewString()
			order.Owner = "alice"
			order.InstrumentID = "tok"
			order.Symbol = "TOK"
			order.CreatedAt = now
			order.UpdatedAt = now

			err := testDB.InTx(context.Background(), func(tx ledger.Tx) error {
				return tx.CreateOrder(context.Background(), &order)
			})
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			var got *models.Order
			err = testDB.InTx(context.Background(), func(tx ledger.Tx) error {
				got, err = tx.GetOrder(context.Background(), order.ID)
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, order.Amount, got.Amount)
			assert.Equal(t, models.StatusOpen, got.Status)
		})
	}
}

func TestDB_AdvanceFillConflict(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	now := time.Now().UTC()
	order := models.Order{
		ID: uuid.NewString(), Owner: "alice", InstrumentID: "tok", Symbol: "TOK", Side: models.SideBuy,
		Amount: 10, Price: 5, Status: models.StatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, testDB.InTx(ctx, func(tx ledger.Tx) error { return tx.CreateOrder(ctx, &order) }))

	err := testDB.InTx(ctx, func(tx ledger.Tx) error {
		o, err := tx.AdvanceFill(ctx, order.ID, 0, 4, now)
		if err != nil {
			return err
		}
		assert.Equal(t, models.StatusPartial, o.Status)
		return nil
	})
	require.NoError(t, err)

	err = testDB.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AdvanceFill(ctx, order.ID, 0, 4, now)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	err = testDB.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AdvanceFill(ctx, uuid.NewString(), 0, 1, now)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDB_AdjustBalances(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := testDB.InTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.AdjustCash(ctx, "alice", ledger.CashDelta{Available: 1000, Deposited: 1000, Handle: "$alice"}, now)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1000), b.Available)

		b, err = tx.AdjustCash(ctx, "alice", ledger.CashDelta{Available: -400, Locked: 400}, now)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(600), b.Available)
		assert.Equal(t, int64(400), b.Locked)
		assert.Equal(t, "$alice", b.Handle)
		return nil
	})
	require.NoError(t, err)

	err = testDB.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AdjustCash(ctx, "alice", ledger.CashDelta{Available: -601, Locked: 601}, now)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	err = testDB.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AdjustTokens(ctx, "bob", "tok", ledger.TokenDelta{Available: -1, Locked: 1}, now)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestDB_MarkTradeSettledOnce(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	now := time.Now().UTC()
	buy := models.Order{
		ID: uuid.NewString(), Owner: "bob", InstrumentID: "tok", Symbol: "TOK", Side: models.SideBuy,
		Amount: 2, Price: 10, Status: models.StatusOpen, CreatedAt: now, UpdatedAt: now,
	}
	sell := buy
	sell.ID = uuid.NewString()
	sell.Owner = "alice"
	sell.Side = models.SideSell
	require.NoError(t, testDB.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateOrder(ctx, &buy); err != nil {
			return err
		}
		return tx.CreateOrder(ctx, &sell)
	}))

	trade := models.Trade{
		ID: uuid.NewString(), BuyOrderID: buy.ID, SellOrderID: sell.ID,
		InstrumentID: "tok", Symbol: "TOK", Amount: 2, Price: 10, TotalValue: 20,
		Buyer: "bob", Seller: "alice", ExecutedAt: now, SettlementStatus: models.SettlementPending,
	}
	require.NoError(t, testDB.InTx(ctx, func(tx ledger.Tx) error { return tx.CreateTrade(ctx, &trade) }))

	err := testDB.InTx(ctx, func(tx ledger.Tx) error {
		tr, err := tx.MarkTradeSettled(ctx, trade.ID, "", now)
		if err != nil {
			return err
		}
		assert.Equal(t, models.SettlementSettled, tr.SettlementStatus)
		assert.Equal(t, 1, tr.SettlementAttempts)
		return nil
	})
	require.NoError(t, err)

	err = testDB.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.MarkTradeSettled(ctx, trade.ID, "", now)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	err = testDB.InTx(ctx, func(tx ledger.Tx) error {
		price, ok, err := tx.LastTradePrice(ctx, "tok")
		assert.True(t, ok)
		assert.Equal(t, int64(10), price)
		return err
	})
	require.NoError(t, err)
}
