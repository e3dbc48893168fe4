package exchange

import (
	"sort"
	"time"

	"github.com/xtrntr/tokenex/internal/models"
)

// PriceRule selects the execution price of a match
type PriceRule string

const (
	// PriceRuleSell executes at the sell order's price
	PriceRuleSell PriceRule = "sell"
	// PriceRuleResting executes at the price of the order that was on the book first
	PriceRuleResting PriceRule = "resting"
)

// Valid reports whether r is a known rule
func (r PriceRule) Valid() bool {
	return r == PriceRuleSell || r == PriceRuleResting
}

// Match is a candidate execution between two resting orders. Buy and Sell
// carry the filled amounts the orders must still have when the match is
// applied.
type Match struct {
	Buy    models.Order
	Sell   models.Order
	Amount int64
	Price  int64
}

// executionPrice returns the price a crossing pair trades at
func executionPrice(rule PriceRule, buy, sell models.Order) int64 {
	if rule == PriceRuleResting && buy.CreatedAt.Before(sell.CreatedAt) {
		return buy.Price
	}
	return sell.Price
}

// sortBook orders buys by highest price and sells by lowest price, then by
// earliest creation, then by id
func sortBook(buys, sells []models.Order) {
	sort.Slice(buys, func(i, j int) bool {
		if buys[i].Price != buys[j].Price {
			return buys[i].Price > buys[j].Price
		}
		if !buys[i].CreatedAt.Equal(buys[j].CreatedAt) {
			return buys[i].CreatedAt.Before(buys[j].CreatedAt)
		}
		return buys[i].ID < buys[j].ID
	})
	sort.Slice(sells, func(i, j int) bool {
		if sells[i].Price != sells[j].Price {
			return sells[i].Price < sells[j].Price
		}
		if !sells[i].CreatedAt.Equal(sells[j].CreatedAt) {
			return sells[i].CreatedAt.Before(sells[j].CreatedAt)
		}
		return sells[i].ID < sells[j].ID
	})
}

// FindMatches walks the book with price-time priority and returns at most
// limit candidate matches (no cap when limit <= 0). The input is not modified.
// Expired, inactive and exhausted orders are ignored, and an owner never
// trades with itself.
func FindMatches(orders []models.Order, limit int, rule PriceRule, now time.Time) []Match {
	var buys, sells []models.Order
	for _, o := range orders {
		if !o.Active() || o.Expired(now) || o.Remaining() <= 0 {
			continue
		}
		switch o.Side {
		case models.SideBuy:
			buys = append(buys, o)
		case models.SideSell:
			sells = append(sells, o)
		}
	}
	sortBook(buys, sells)

	var matches []Match
	for i := range buys {
		buy := &buys[i]
		for j := range sells {
			if limit > 0 && len(matches) >= limit {
				return matches
			}
			sell := &sells[j]
			if buy.Price < sell.Price || buy.Remaining() == 0 {
				break
			}
			if sell.Remaining() == 0 || buy.Owner == sell.Owner {
				continue
			}

			amount := min(buy.Remaining(), sell.Remaining())
			matches = append(matches, Match{
				Buy:    *buy,
				Sell:   *sell,
				Amount: amount,
				Price:  executionPrice(rule, *buy, *sell),
			})
			// Working copies only
			buy.FilledAmount += amount
			sell.FilledAmount += amount
		}
	}
	return matches
}
