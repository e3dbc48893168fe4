package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/xtrntr/tokenex/internal/config"
	"github.com/xtrntr/tokenex/internal/db"
	"github.com/xtrntr/tokenex/internal/exchange"
	"github.com/xtrntr/tokenex/internal/models"
	"github.com/xtrntr/tokenex/internal/orderbook"
	"github.com/xtrntr/tokenex/internal/settlement"

	"github.com/kr/pretty"
)

const (
	instrumentID = "tok-demo"
	symbol       = "DEMO"
)

// Seed the database with balances, resting orders and a few trades
func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.NewDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)
	if err := database.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	settler := settlement.New(database)
	ex := exchange.New(database, settler, exchange.WithPriceRule(exchange.PriceRule(cfg.Matching.PriceRule)))

	// First check if we already have trades
	trades, err := ex.ListTrades(ctx, instrumentID, 1)
	if err != nil {
		log.Fatalf("Failed to check trades: %v", err)
	}
	if len(trades) > 0 {
		fmt.Println("Database already has trades. No need to seed.")
		os.Exit(0)
	}

	// Fund the traders
	for _, owner := range []string{"trader1", "trader2"} {
		if _, err := settler.DepositCash(ctx, owner, 1_000_000, "@"+owner); err != nil {
			log.Fatalf("Failed to deposit cash for %s: %v", owner, err)
		}
	}
	if _, err := settler.DepositTokens(ctx, "trader2", instrumentID, symbol, 500); err != nil {
		log.Fatalf("Failed to deposit tokens: %v", err)
	}

	orders := []exchange.PlaceOrderRequest{
		{Owner: "trader2", Side: models.SideSell, Amount: 100, Price: 950},
		{Owner: "trader2", Side: models.SideSell, Amount: 150, Price: 1000},
		{Owner: "trader2", Side: models.SideSell, Amount: 200, Price: 1100},
		{Owner: "trader1", Side: models.SideBuy, Amount: 120, Price: 1000},
		{Owner: "trader1", Side: models.SideBuy, Amount: 80, Price: 900},
	}
	for i, req := range orders {
		req.InstrumentID = instrumentID
		req.Symbol = symbol
		if _, err := ex.PlaceOrder(ctx, req); err != nil {
			log.Fatalf("Failed to create order %d: %v", i+1, err)
		}
	}

	result, err := ex.RunMatching(ctx, instrumentID, 0)
	if err != nil {
		log.Fatalf("Failed to run matching: %v", err)
	}
	fmt.Printf("Executed %d trades\n", result.TradesExecuted)
	pretty.Println(result.Trades)

	book, err := orderbook.NewView(database).Get(ctx, instrumentID)
	if err != nil {
		log.Fatalf("Failed to load order book: %v", err)
	}
	pretty.Println(book)

	for _, owner := range []string{"trader1", "trader2"} {
		cash, err := settler.ClearingBalance(ctx, owner)
		if err != nil {
			log.Fatalf("Failed to load balance for %s: %v", owner, err)
		}
		tokens, err := settler.TokenBalances(ctx, owner)
		if err != nil {
			log.Fatalf("Failed to load token balances for %s: %v", owner, err)
		}
		pretty.Println(cash, tokens)
	}

	fmt.Println("Database seeded successfully")
}
