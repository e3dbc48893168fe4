package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xtrntr/tokenex/internal/models"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func order(id, owner string, side models.Side, price, amount int64, age time.Duration) models.Order {
	return models.Order{
		ID:           id,
		Owner:        owner,
		InstrumentID: "tok",
		Side:         side,
		Price:        price,
		Amount:       amount,
		Status:       models.StatusOpen,
		CreatedAt:    base.Add(-age),
	}
}

type matchPair struct {
	buy, sell     string
	amount, price int64
}

func pairs(matches []Match) []matchPair {
	var out []matchPair
	for _, m := range matches {
		out = append(out, matchPair{buy: m.Buy.ID, sell: m.Sell.ID, amount: m.Amount, price: m.Price})
	}
	return out
}

func TestFindMatches(t *testing.T) {
	expiredAt := base.Add(-time.Second)

	tests := []struct {
		name   string
		orders []models.Order
		limit  int
		rule   PriceRule
		expect []matchPair
	}{
		{
			name: "PriceTimePriority",
			orders: []models.Order{
				order("b-late", "bob", models.SideBuy, 10, 1, 1*time.Minute),
				order("b-low", "bob", models.SideBuy, 9, 1, 3*time.Minute),
				order("b-early", "carol", models.SideBuy, 10, 1, 2*time.Minute),
				order("s1", "alice", models.SideSell, 9, 2, 0),
			},
			expect: []matchPair{
				{buy: "b-early", sell: "s1", amount: 1, price: 9},
				{buy: "b-late", sell: "s1", amount: 1, price: 9},
			},
		},
		{
			name: "PriceImprovementUsesSellPrice",
			orders: []models.Order{
				order("b1", "bob", models.SideBuy, 12, 5, time.Minute),
				order("s1", "alice", models.SideSell, 10, 5, 0),
			},
			expect: []matchPair{{buy: "b1", sell: "s1", amount: 5, price: 10}},
		},
		{
			name: "RestingRuleUsesOlderOrder",
			orders: []models.Order{
				order("b1", "bob", models.SideBuy, 12, 5, time.Minute),
				order("s1", "alice", models.SideSell, 10, 5, 0),
			},
			rule:   PriceRuleResting,
			expect: []matchPair{{buy: "b1", sell: "s1", amount: 5, price: 12}},
		},
		{
			name: "PartialFill",
			orders: []models.Order{
				order("b1", "bob", models.SideBuy, 10, 100, time.Minute),
				order("s1", "alice", models.SideSell, 10, 40, 0),
			},
			expect: []matchPair{{buy: "b1", sell: "s1", amount: 40, price: 10}},
		},
		{
			name: "NoSelfTrade",
			orders: []models.Order{
				order("b1", "alice", models.SideBuy, 10, 5, 2*time.Minute),
				order("s-own", "alice", models.SideSell, 9, 5, time.Minute),
				order("s-other", "bob", models.SideSell, 10, 5, 0),
			},
			expect: []matchPair{{buy: "b1", sell: "s-other", amount: 5, price: 10}},
		},
		{
			name: "NoCross",
			orders: []models.Order{
				order("b1", "bob", models.SideBuy, 9, 5, time.Minute),
				order("s1", "alice", models.SideSell, 10, 5, 0),
			},
		},
		{
			name: "LimitCapsMatches",
			orders: []models.Order{
				order("b1", "bob", models.SideBuy, 10, 3, time.Minute),
				order("s1", "alice", models.SideSell, 10, 1, 3*time.Second),
				order("s2", "alice", models.SideSell, 10, 1, 2*time.Second),
				order("s3", "alice", models.SideSell, 10, 1, time.Second),
			},
			limit: 2,
			expect: []matchPair{
				{buy: "b1", sell: "s1", amount: 1, price: 10},
				{buy: "b1", sell: "s2", amount: 1, price: 10},
			},
		},
		{
			name: "ExpiredAndPartialOrders",
			orders: []models.Order{
				func() models.Order {
					o := order("b-expired", "bob", models.SideBuy, 20, 5, 2*time.Minute)
					o.ExpiresAt = &expiredAt
					return o
				}(),
				func() models.Order {
					o := order("b1", "carol", models.SideBuy, 10, 5, time.Minute)
					o.FilledAmount = 3
					o.Status = models.StatusPartial
					return o
				}(),
				order("s1", "alice", models.SideSell, 10, 5, 0),
			},
			expect: []matchPair{{buy: "b1", sell: "s1", amount: 2, price: 10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			if rule == "" {
				rule = PriceRuleSell
			}
			matches := FindMatches(tt.orders, tt.limit, rule, base)
			assert.Equal(t, tt.expect, pairs(matches))
		})
	}
}

func TestFindMatches_ExpectedFills(t *testing.T) {
	orders := []models.Order{
		order("b1", "bob", models.SideBuy, 10, 10, time.Minute),
		order("s1", "alice", models.SideSell, 10, 4, 2*time.Second),
		order("s2", "carol", models.SideSell, 10, 4, time.Second),
	}

	matches := FindMatches(orders, 0, PriceRuleSell, base)
	if assert.Len(t, matches, 2) {
		assert.Equal(t, int64(0), matches[0].Buy.FilledAmount)
		assert.Equal(t, int64(4), matches[1].Buy.FilledAmount)
	}
	// Input untouched
	assert.Equal(t, int64(0), orders[0].FilledAmount)
}
