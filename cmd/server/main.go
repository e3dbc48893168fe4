package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/tokenex/internal/api"
	"github.com/xtrntr/tokenex/internal/cache"
	"github.com/xtrntr/tokenex/internal/config"
	"github.com/xtrntr/tokenex/internal/db"
	"github.com/xtrntr/tokenex/internal/events"
	"github.com/xtrntr/tokenex/internal/exchange"
	"github.com/xtrntr/tokenex/internal/logging"
	"github.com/xtrntr/tokenex/internal/orderbook"
	"github.com/xtrntr/tokenex/internal/scheduler"
	"github.com/xtrntr/tokenex/internal/settlement"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Main entry point: sets up the ledger, matching, settlement and HTTP server
func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(context.Background())
	if cfg.Postgres.Migrate {
		if err := database.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	// Order book snapshots are cached in redis when configured
	bookOpts := []orderbook.Option{orderbook.WithLogger(logger.Named("orderbook"))}
	if cfg.Redis.Address != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Username, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		bookOpts = append(bookOpts, orderbook.WithCache(cache.NewOrderBookCache(rdb, cfg.Redis.TTL)))
	}
	books := orderbook.NewView(database, bookOpts...)

	// Trade events go to kafka when brokers are configured
	var publisher exchange.TradePublisher
	if len(cfg.Kafka.Brokers) > 0 {
		p := events.NewPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer p.Close()
		publisher = p
	}

	settler := settlement.New(database,
		settlement.WithLogger(logger.Named("settlement")),
		settlement.WithTimeout(cfg.Settlement.Timeout),
		settlement.WithPendingGrace(cfg.Settlement.PendingGrace))

	exOpts := []exchange.Option{
		exchange.WithLogger(logger.Named("exchange")),
		exchange.WithBookInvalidator(books),
		exchange.WithPriceRule(exchange.PriceRule(cfg.Matching.PriceRule)),
		exchange.WithBatchSize(cfg.Matching.BatchSize),
		exchange.WithMatchTimeout(cfg.Matching.MatchTimeout),
	}
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(logger.Named("scheduler")),
		scheduler.WithWorkers(cfg.Matching.Workers),
		scheduler.WithBatchSize(cfg.Matching.BatchSize),
		scheduler.WithMaxReruns(cfg.Matching.MaxReruns),
		scheduler.WithSweepInterval(cfg.Matching.SweepInterval),
		scheduler.WithReconciler(settler, cfg.Settlement.RetryInterval, cfg.Settlement.RetryBatch),
	}
	if publisher != nil {
		exOpts = append(exOpts, exchange.WithPublisher(publisher))
		schedOpts = append(schedOpts, scheduler.WithPublisher(publisher))
	}
	ex := exchange.New(database, settler, exOpts...)

	sched, err := scheduler.New(ex, schedOpts...)
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}
	defer sched.Close()

	handler := api.NewHandler(ex, settler, books,
		api.WithLogger(logger.Named("api")),
		api.WithTrigger(sched.Trigger))

	// Set up HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := cfg.HTTP.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", api.OwnerHeader},
		MaxAge:         300,
	}))
	handler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting server", zap.String("address", cfg.HTTP.Address), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}
