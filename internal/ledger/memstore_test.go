package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/tokenex/internal/models"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func seedOrder(t *testing.T, s *MemStore, o models.Order) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateOrder(context.Background(), &o)
	})
	require.NoError(t, err)
}

func TestMemStore_RollbackOnError(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.AdjustCash(ctx, "alice", CashDelta{Available: 100}, t0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetClearingBalance(ctx, "alice")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_AdjustCash(t *testing.T) {
	tests := []struct {
		name        string
		seed        *CashDelta
		delta       CashDelta
		expectError error
		expect      models.ClearingBalance
	}{
		{
			name:   "CreateOnCredit",
			delta:  CashDelta{Available: 500, Deposited: 500, Handle: "$alice"},
			expect: models.ClearingBalance{Owner: "alice", Handle: "$alice", Available: 500, TotalDeposited: 500},
		},
		{
			name:        "MissingRowDebit",
			delta:       CashDelta{Available: -1},
			expectError: ErrInsufficientBalance,
		},
		{
			name:   "Lock",
			seed:   &CashDelta{Available: 500},
			delta:  CashDelta{Available: -200, Locked: 200},
			expect: models.ClearingBalance{Owner: "alice", Available: 300, Locked: 200},
		},
		{
			name:        "OverLock",
			seed:        &CashDelta{Available: 500},
			delta:       CashDelta{Available: -501, Locked: 501},
			expectError: ErrInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemStore()
			ctx := context.Background()
			if tt.seed != nil {
				require.NoError(t, s.InTx(ctx, func(tx Tx) error {
					_, err := tx.AdjustCash(ctx, "alice", *tt.seed, t0)
					return err
				}))
			}

			var got *models.ClearingBalance
			err := s.InTx(ctx, func(tx Tx) error {
				var err error
				got, err = tx.AdjustCash(ctx, "alice", tt.delta, t0)
				return err
			})
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			tt.expect.UpdatedAt = t0
			assert.Equal(t, tt.expect, *got)
		})
	}
}

func TestMemStore_AdvanceFillConditional(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	seedOrder(t, s, models.Order{ID: "o1", Owner: "alice", InstrumentID: "tok", Side: models.SideBuy, Amount: 10, Price: 5, Status: models.StatusOpen, CreatedAt: t0})

	var o *models.Order
	err := s.InTx(ctx, func(tx Tx) error {
		var err error
		o, err = tx.AdvanceFill(ctx, "o1", 0, 4, t0)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), o.FilledAmount)
	assert.Equal(t, models.StatusPartial, o.Status)

	// Stale expectation loses the race
	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.AdvanceFill(ctx, "o1", 0, 4, t0)
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)

	// Overfill is refused
	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.AdvanceFill(ctx, "o1", 4, 7, t0)
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)

	err = s.InTx(ctx, func(tx Tx) error {
		o, err = tx.AdvanceFill(ctx, "o1", 4, 6, t0)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, o.Status)

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.CancelOrder(ctx, "o1", 10, t0)
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemStore_TradeQueries(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		for i, price := range []int64{10, 11, 12} {
			trade := models.Trade{
				ID:               string(rune('a' + i)),
				InstrumentID:     "tok",
				Price:            price,
				Amount:           1,
				Buyer:            "bob",
				Seller:           "alice",
				ExecutedAt:       t0.Add(time.Duration(i) * time.Second),
				SettlementStatus: models.SettlementPending,
			}
			if err := tx.CreateTrade(ctx, &trade); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx Tx) error {
		price, ok, err := tx.LastTradePrice(ctx, "tok")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(12), price)

		_, ok, _ = tx.LastTradePrice(ctx, "other")
		assert.False(t, ok)

		_, err = tx.MarkTradeSettled(ctx, "a", "", t0)
		require.NoError(t, err)
		_, err = tx.MarkTradeSettled(ctx, "a", "", t0)
		assert.ErrorIs(t, err, ErrConflict)

		pending, err := tx.ListTradesBySettlement(ctx, models.SettlementPending, t0.Add(2*time.Second), 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "b", pending[0].ID)

		mine, err := tx.ListOwnerTrades(ctx, "bob", 2)
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "c", mine[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestMemStore_CancelledContextDoesNotCommit(t *testing.T) {
	s := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.InTx(ctx, func(tx Tx) error {
		_, err := tx.AdjustCash(ctx, "alice", CashDelta{Available: 1}, t0)
		cancel()
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	err = s.InTx(context.Background(), func(tx Tx) error {
		_, err := tx.GetClearingBalance(context.Background(), "alice")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
