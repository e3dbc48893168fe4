package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/tokenex/internal/ledger"
	"github.com/xtrntr/tokenex/internal/models"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(opts ...Option) (*Engine, *ledger.MemStore) {
	store := ledger.NewMemStore()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return New(store, opts...), store
}

// openTrade locks funds for a buy and a sell order and records a pending
// trade between them, the way the matching engine leaves it.
func openTrade(ctx context.Context, e *Engine, store ledger.Store, buyer, seller string, amount, buyPrice, price int64) (*models.Trade, error) {
	if err := e.LockCash(ctx, buyer, amount*buyPrice); err != nil {
		return nil, err
	}
	if err := e.LockTokens(ctx, seller, "tok", amount); err != nil {
		return nil, err
	}
	buy := models.Order{ID: uuid.NewString(), Owner: buyer, InstrumentID: "tok", Side: models.SideBuy,
		Amount: amount, FilledAmount: amount, Price: buyPrice, Status: models.StatusFilled, CreatedAt: t0}
	sell := models.Order{ID: uuid.NewString(), Owner: seller, InstrumentID: "tok", Side: models.SideSell,
		Amount: amount, FilledAmount: amount, Price: price, Status: models.StatusFilled, CreatedAt: t0}
	trade := models.Trade{
		ID: uuid.NewString(), BuyOrderID: buy.ID, SellOrderID: sell.ID, InstrumentID: "tok", Symbol: "TOK",
		Amount: amount, Price: price, TotalValue: amount * price, Buyer: buyer, Seller: seller,
		ExecutedAt: t0, SettlementStatus: models.SettlementPending,
	}
	err := store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateOrder(ctx, &buy); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, &sell); err != nil {
			return err
		}
		return tx.CreateTrade(ctx, &trade)
	})
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func tokenBalance(t *testing.T, e *Engine, owner string) models.TokenBalance {
	t.Helper()
	balances, err := e.TokenBalances(context.Background(), owner)
	require.NoError(t, err)
	for _, b := range balances {
		if b.InstrumentID == "tok" {
			return b
		}
	}
	return models.TokenBalance{}
}

func TestEngine_LockCash(t *testing.T) {
	tests := []struct {
		name         string
		deposit      int64
		amount       int64
		expectError  error
		expectAvail  int64
		expectLocked int64
	}{
		{name: "Success", deposit: 1000, amount: 400, expectAvail: 600, expectLocked: 400},
		{name: "Exact", deposit: 1000, amount: 1000, expectAvail: 0, expectLocked: 1000},
		{name: "Insufficient", deposit: 1000, amount: 1001, expectError: ledger.ErrInsufficientBalance, expectAvail: 1000},
		{name: "NoBalance", amount: 1, expectError: ledger.ErrInsufficientBalance},
		{name: "ZeroAmount", deposit: 10, amount: 0, expectError: ErrInvalidAmount, expectAvail: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine()
			ctx := context.Background()
			if tt.deposit > 0 {
				_, err := e.DepositCash(ctx, "alice", tt.deposit, "")
				require.NoError(t, err)
			}

			err := e.LockCash(ctx, "alice", tt.amount)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
			} else {
				require.NoError(t, err)
			}

			b, err := e.ClearingBalance(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, tt.expectAvail, b.Available)
			assert.Equal(t, tt.expectLocked, b.Locked)
		})
	}
}

func TestEngine_UnlockClampsToLocked(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	_, err := e.DepositCash(ctx, "alice", 100, "")
	require.NoError(t, err)
	require.NoError(t, e.LockCash(ctx, "alice", 30))

	require.NoError(t, e.UnlockCash(ctx, "alice", 50))
	b, err := e.ClearingBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Available)
	assert.Equal(t, int64(0), b.Locked)

	// Nothing locked, nothing to create
	require.NoError(t, e.UnlockTokens(ctx, "bob", "tok", 5))
	assert.Equal(t, models.TokenBalance{}, tokenBalance(t, e, "bob"))
}

func TestEngine_SettleTrade(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	_, err := e.DepositCash(ctx, "bob", 1000, "$bob")
	require.NoError(t, err)
	_, err = e.DepositTokens(ctx, "alice", "tok", "TOK", 10)
	require.NoError(t, err)

	// Bob bid 12, the trade executed at alice's 10
	trade, err := openTrade(ctx, e, store, "bob", "alice", 10, 12, 10)
	require.NoError(t, err)

	res, err := e.SettleTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadySettled)
	assert.Equal(t, models.SettlementSettled, res.Trade.SettlementStatus)
	require.NotNil(t, res.Trade.SettledAt)
	assert.Equal(t, t0, *res.Trade.SettledAt)

	check := func() {
		bob, err := e.ClearingBalance(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, int64(900), bob.Available)
		assert.Equal(t, int64(0), bob.Locked)

		alice, err := e.ClearingBalance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(100), alice.Available)

		assert.Equal(t, int64(10), tokenBalance(t, e, "bob").Available)
		assert.Equal(t, "TOK", tokenBalance(t, e, "bob").Symbol)
		assert.Equal(t, int64(0), tokenBalance(t, e, "alice").Total())
	}
	check()

	res, err = e.SettleTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	check()
}

func TestEngine_SettleTradeRollsBack(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	_, err := e.DepositCash(ctx, "bob", 1000, "")
	require.NoError(t, err)
	_, err = e.DepositTokens(ctx, "alice", "tok", "TOK", 10)
	require.NoError(t, err)

	trade, err := openTrade(ctx, e, store, "bob", "alice", 10, 10, 10)
	require.NoError(t, err)
	// The seller's lock disappears before settlement
	require.NoError(t, e.UnlockTokens(ctx, "alice", "tok", 10))

	_, err = e.SettleTrade(ctx, trade.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.NoError(t, e.MarkFailed(ctx, trade.ID, err))

	bob, err := e.ClearingBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(900), bob.Available)
	assert.Equal(t, int64(100), bob.Locked)
	alice, err := e.ClearingBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), alice.Available)

	var stored *models.Trade
	require.NoError(t, store.InTx(ctx, func(tx ledger.Tx) error {
		stored, err = tx.GetTrade(ctx, trade.ID)
		return err
	}))
	assert.Equal(t, models.SettlementFailed, stored.SettlementStatus)
	assert.Equal(t, 1, stored.SettlementAttempts)
	assert.NotEmpty(t, stored.SettlementError)

	// Reconciliation settles it once the units are back in the lock
	require.NoError(t, e.LockTokens(ctx, "alice", "tok", 10))
	report, err := e.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Settled)
	require.Len(t, report.Trades, 1)
	assert.Equal(t, 2, report.Trades[0].SettlementAttempts)

	alice, err = e.ClearingBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), alice.Available)
}

type blockingAnchor struct{}

func (blockingAnchor) Anchor(ctx context.Context, trade models.Trade) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestEngine_SettleTradeTimeout(t *testing.T) {
	e, store := newTestEngine(WithAnchor(blockingAnchor{}), WithTimeout(10*time.Millisecond))
	ctx := context.Background()
	_, err := e.DepositCash(ctx, "bob", 100, "")
	require.NoError(t, err)
	_, err = e.DepositTokens(ctx, "alice", "tok", "TOK", 10)
	require.NoError(t, err)
	trade, err := openTrade(ctx, e, store, "bob", "alice", 10, 10, 10)
	require.NoError(t, err)

	_, err = e.SettleTrade(ctx, trade.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	bob, err := e.ClearingBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bob.Locked)
	assert.Equal(t, int64(0), tokenBalance(t, e, "bob").Available)
}

type refAnchor string

func (r refAnchor) Anchor(ctx context.Context, trade models.Trade) (string, error) {
	return string(r) + trade.ID, nil
}

func TestEngine_SettleTradeAnchorRef(t *testing.T) {
	e, store := newTestEngine(WithAnchor(refAnchor("tx:")))
	ctx := context.Background()
	_, err := e.DepositCash(ctx, "bob", 100, "")
	require.NoError(t, err)
	_, err = e.DepositTokens(ctx, "alice", "tok", "TOK", 1)
	require.NoError(t, err)
	trade, err := openTrade(ctx, e, store, "bob", "alice", 1, 10, 10)
	require.NoError(t, err)

	res, err := e.SettleTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, "tx:"+trade.ID, res.Trade.SettlementRef)
}

func TestEngine_DepositWithdraw(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.DepositCash(ctx, "alice", -5, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	b, err := e.DepositCash(ctx, "alice", 500, "$alice")
	require.NoError(t, err)
	assert.Equal(t, "$alice", b.Handle)

	_, err = e.WithdrawCash(ctx, "alice", 501)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	b, err = e.WithdrawCash(ctx, "alice", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(300), b.Available)
	assert.Equal(t, int64(500), b.TotalDeposited)
	assert.Equal(t, int64(200), b.TotalWithdrawn)

	_, err = e.WithdrawTokens(ctx, "alice", "tok", 1)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	tb, err := e.DepositTokens(ctx, "alice", "tok", "TOK", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), tb.Available)
	tb, err = e.WithdrawTokens(ctx, "alice", "tok", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tb.Available)

	empty, err := e.ClearingBalance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, models.ClearingBalance{Owner: "nobody"}, *empty)
}

func TestProperty_SettlementConservesTotals(t *testing.T) {
	owners := []string{"alice", "bob", "carol"}

	rapid.Check(t, func(t *rapid.T) {
		e, store := newTestEngine()
		ctx := context.Background()
		var cashIn, tokensIn int64
		for _, o := range owners {
			cash := rapid.Int64Range(0, 10000).Draw(t, "cash")
			units := rapid.Int64Range(0, 100).Draw(t, "units")
			if cash > 0 {
				if _, err := e.DepositCash(ctx, o, cash, ""); err != nil {
					t.Fatalf("deposit cash: %v", err)
				}
			}
			if units > 0 {
				if _, err := e.DepositTokens(ctx, o, "tok", "TOK", units); err != nil {
					t.Fatalf("deposit tokens: %v", err)
				}
			}
			cashIn += cash
			tokensIn += units
		}

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			owner := rapid.SampledFrom(owners).Draw(t, "owner")
			amount := rapid.Int64Range(1, 200).Draw(t, "amount")
			var err error
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				err = e.LockCash(ctx, owner, amount)
			case 1:
				err = e.UnlockCash(ctx, owner, amount)
			case 2:
				err = e.LockTokens(ctx, owner, "tok", amount)
			case 3:
				err = e.UnlockTokens(ctx, owner, "tok", amount)
			case 4:
				seller := rapid.SampledFrom(owners).Draw(t, "seller")
				if seller == owner {
					continue
				}
				units := rapid.Int64Range(1, 10).Draw(t, "units")
				price := rapid.Int64Range(1, 50).Draw(t, "price")
				improvement := rapid.Int64Range(0, 10).Draw(t, "improvement")
				var trade *models.Trade
				trade, err = openTrade(ctx, e, store, owner, seller, units, price+improvement, price)
				if err == nil {
					_, err = e.SettleTrade(ctx, trade.ID)
				}
			}
			if err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		var cashTotal, tokenTotal int64
		for _, o := range owners {
			b, err := e.ClearingBalance(ctx, o)
			if err != nil {
				t.Fatalf("clearing balance: %v", err)
			}
			if b.Available < 0 || b.Locked < 0 {
				t.Fatalf("negative cash balance for %s: %+v", o, b)
			}
			cashTotal += b.Total()
			balances, err := e.TokenBalances(ctx, o)
			if err != nil {
				t.Fatalf("token balances: %v", err)
			}
			for _, tb := range balances {
				if tb.Available < 0 || tb.Locked < 0 {
					t.Fatalf("negative token balance for %s: %+v", o, tb)
				}
				tokenTotal += tb.Total()
			}
		}
		if cashTotal != cashIn {
			t.Fatalf("cash not conserved: have %d, deposited %d", cashTotal, cashIn)
		}
		if tokenTotal != tokensIn {
			t.Fatalf("tokens not conserved: have %d, deposited %d", tokenTotal, tokensIn)
		}
	})
}
