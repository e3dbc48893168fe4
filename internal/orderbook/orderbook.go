// Package orderbook derives the aggregated price-level view of an
// instrument's resting orders.
package orderbook

import (
	"context"
	"fmt"
	"time"

	"github.com/xtrntr/tokenex/internal/ledger"
	"github.com/xtrntr/tokenex/internal/models"

	"github.com/huandu/skiplist"
	"go.uber.org/zap"
)

// Cache stores order book snapshots between mutations
type Cache interface {
	// Get reports false when no snapshot is cached
	Get(ctx context.Context, instrumentID string) (*models.OrderBook, bool, error)
	Set(ctx context.Context, book *models.OrderBook) error
	Invalidate(ctx context.Context, instrumentID string) error
}

// View serves order books read from the ledger, optionally through a Cache
type View struct {
	store  ledger.Store
	cache  Cache
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a View
type Option func(*View)

// WithCache serves snapshots from c
func WithCache(c Cache) Option {
	return func(v *View) { v.cache = c }
}

// WithLogger sets the view logger
func WithLogger(logger *zap.Logger) Option {
	return func(v *View) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithClock overrides the time source used to skip expired orders
func WithClock(now func() time.Time) Option {
	return func(v *View) { v.now = now }
}

// NewView creates an order book view
func NewView(store ledger.Store, opts ...Option) *View {
	v := &View{
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Get returns the order book of an instrument
func (v *View) Get(ctx context.Context, instrumentID string) (*models.OrderBook, error) {
	if v.cache != nil {
		book, ok, err := v.cache.Get(ctx, instrumentID)
		if err != nil {
			v.logger.Warn("order book cache read failed", zap.String("instrument_id", instrumentID), zap.Error(err))
		} else if ok {
			return book, nil
		}
	}

	var (
		orders    []models.Order
		lastPrice int64
		hasLast   bool
	)
	err := v.store.InTx(ctx, func(tx ledger.Tx) error {
		var err error
		if orders, err = tx.ListOpenOrders(ctx, instrumentID); err != nil {
			return err
		}
		lastPrice, hasLast, err = tx.LastTradePrice(ctx, instrumentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load order book: %w", err)
	}

	book := Aggregate(instrumentID, orders, v.now())
	if hasLast {
		book.LastTradePrice = &lastPrice
	}

	if v.cache != nil {
		if err := v.cache.Set(ctx, book); err != nil {
			v.logger.Warn("order book cache write failed", zap.String("instrument_id", instrumentID), zap.Error(err))
		}
	}
	return book, nil
}

// Invalidate drops the cached snapshot of an instrument
func (v *View) Invalidate(ctx context.Context, instrumentID string) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.Invalidate(ctx, instrumentID)
}

// Aggregate sums the remaining amounts of active, unexpired orders by exact
// price. Bids come out highest price first, asks lowest first.
func Aggregate(instrumentID string, orders []models.Order, now time.Time) *models.OrderBook {
	bids := skiplist.New(priceDesc{})
	asks := skiplist.New(priceAsc{})

	for _, o := range orders {
		if !o.Active() || o.Expired(now) || o.Remaining() <= 0 {
			continue
		}
		levels := asks
		if o.Side == models.SideBuy {
			levels = bids
		}
		if elem := levels.Get(o.Price); elem != nil {
			level := elem.Value.(*models.PriceLevel)
			level.Amount += o.Remaining()
			level.OrderCount++
		} else {
			levels.Set(o.Price, &models.PriceLevel{Price: o.Price, Amount: o.Remaining(), OrderCount: 1})
		}
	}

	book := &models.OrderBook{
		InstrumentID: instrumentID,
		Bids:         collect(bids),
		Asks:         collect(asks),
	}
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		spread := book.Asks[0].Price - book.Bids[0].Price
		book.Spread = &spread
	}
	return book
}

func collect(levels *skiplist.SkipList) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, levels.Len())
	for elem := levels.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*models.PriceLevel))
	}
	return out
}

// priceAsc orders int64 price keys lowest first
type priceAsc struct{}

func (priceAsc) Compare(l, r interface{}) int {
	lp, rp := l.(int64), r.(int64)
	switch {
	case lp < rp:
		return -1
	case lp > rp:
		return 1
	}
	return 0
}

func (priceAsc) CalcScore(key interface{}) float64 {
	return float64(key.(int64))
}

// priceDesc orders int64 price keys highest first
type priceDesc struct{}

func (priceDesc) Compare(l, r interface{}) int {
	return priceAsc{}.Compare(r, l)
}

// The score must grow in the same direction as Compare
func (priceDesc) CalcScore(key interface{}) float64 {
	return -float64(key.(int64))
}
