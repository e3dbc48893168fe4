// Package scheduler decides when matching runs. Submissions trigger a run for
// their instrument, a periodic sweep covers every active instrument, and a
// reconciliation tick retries unsettled trades. Runs execute on an ants
// worker pool; at most one run per instrument is in flight and triggers that
// arrive meanwhile collapse into a single follow-up run.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtrntr/tokenex/internal/exchange"
	"github.com/xtrntr/tokenex/internal/models"
	"github.com/xtrntr/tokenex/internal/settlement"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Matcher is the matching surface the scheduler drives
type Matcher interface {
	RunMatching(ctx context.Context, instrumentID string, maxMatches int) (*exchange.MatchResult, error)
	ExpireOrders(ctx context.Context, instrumentID string) (int, error)
	ActiveInstruments(ctx context.Context) ([]string, error)
}

// Reconciler retries settlement of trades that did not settle
type Reconciler interface {
	RetryFailed(ctx context.Context, limit int) (*settlement.RetryReport, error)
}

type runState int

const (
	running runState = iota + 1
	dirty
)

// Scheduler runs matching for instruments on a worker pool
type Scheduler struct {
	matcher    Matcher
	reconciler Reconciler
	publisher  exchange.TradePublisher
	logger     *zap.Logger
	pool       *ants.Pool

	workers       int
	batchSize     int
	maxReruns     int
	sweepInterval time.Duration
	retryInterval time.Duration
	retryBatch    int

	mu    sync.Mutex
	ctx   context.Context
	state map[string]runState
	wg    sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWorkers sets the pool size
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithBatchSize caps the matches of each run
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// WithMaxReruns bounds back-to-back reruns caused by conflicts or a full batch
func WithMaxReruns(n int) Option {
	return func(s *Scheduler) { s.maxReruns = n }
}

// WithSweepInterval sets how often every active instrument is matched
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithReconciler enables periodic settlement retries
func WithReconciler(r Reconciler, interval time.Duration, batch int) Option {
	return func(s *Scheduler) {
		s.reconciler = r
		s.retryInterval = interval
		s.retryBatch = batch
	}
}

// WithPublisher publishes trades settled by reconciliation
func WithPublisher(p exchange.TradePublisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// New creates a scheduler and its worker pool
func New(matcher Matcher, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		matcher:       matcher,
		logger:        zap.NewNop(),
		workers:       8,
		maxReruns:     10,
		sweepInterval: time.Second,
		ctx:           context.Background(),
		state:         make(map[string]runState),
	}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := ants.NewPool(s.workers, ants.WithPanicHandler(func(p interface{}) {
		s.logger.Error("matching worker panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Trigger requests a matching run for an instrument. If a run is already in
// flight, one more run follows it no matter how many triggers arrive.
func (s *Scheduler) Trigger(instrumentID string) {
	s.mu.Lock()
	switch s.state[instrumentID] {
	case running:
		s.state[instrumentID] = dirty
		s.mu.Unlock()
		return
	case dirty:
		s.mu.Unlock()
		return
	}
	s.state[instrumentID] = running
	s.mu.Unlock()

	s.wg.Add(1)
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		s.run(instrumentID)
	})
	if err != nil {
		s.wg.Done()
		s.mu.Lock()
		delete(s.state, instrumentID)
		s.mu.Unlock()
		s.logger.Error("failed to schedule matching", zap.String("instrument_id", instrumentID), zap.Error(err))
	}
}

func (s *Scheduler) run(instrumentID string) {
	reruns := 0
	for {
		ctx := s.baseContext()
		again := s.runOnce(ctx, instrumentID)

		s.mu.Lock()
		if ctx.Err() == nil && (s.state[instrumentID] == dirty || (again && reruns < s.maxReruns)) {
			if s.state[instrumentID] == dirty {
				reruns = 0
			} else {
				reruns++
			}
			s.state[instrumentID] = running
			s.mu.Unlock()
			continue
		}
		delete(s.state, instrumentID)
		s.mu.Unlock()
		return
	}
}

// runOnce expires stale orders and matches once. It reports whether the
// instrument should be matched again right away.
func (s *Scheduler) runOnce(ctx context.Context, instrumentID string) bool {
	if n, err := s.matcher.ExpireOrders(ctx, instrumentID); err != nil {
		s.logger.Warn("order expiry failed", zap.String("instrument_id", instrumentID), zap.Error(err))
	} else if n > 0 {
		s.logger.Info("orders expired", zap.String("instrument_id", instrumentID), zap.Int("count", n))
	}

	result, err := s.matcher.RunMatching(ctx, instrumentID, s.batchSize)
	if err != nil {
		s.logger.Error("matching failed", zap.String("instrument_id", instrumentID), zap.Error(err))
		return false
	}
	if result.Retry() {
		s.logger.Info("matching raced another writer, re-queueing",
			zap.String("instrument_id", instrumentID), zap.Int("conflicts", result.Conflicts))
	}
	return result.Retry() || result.Capped
}

// Sweep triggers a run for every instrument with open orders
func (s *Scheduler) Sweep(ctx context.Context) error {
	ids, err := s.matcher.ActiveInstruments(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep instruments: %w", err)
	}
	for _, id := range ids {
		s.Trigger(id)
	}
	return nil
}

// Reconcile retries unsettled trades once and publishes the ones it settles
func (s *Scheduler) Reconcile(ctx context.Context) error {
	if s.reconciler == nil {
		return nil
	}
	report, err := s.reconciler.RetryFailed(ctx, s.retryBatch)
	if err != nil {
		return fmt.Errorf("failed to reconcile settlements: %w", err)
	}
	s.publish(ctx, report.Trades)
	return nil
}

func (s *Scheduler) publish(ctx context.Context, trades []models.Trade) {
	if s.publisher == nil || len(trades) == 0 {
		return
	}
	if err := s.publisher.PublishTrades(ctx, trades); err != nil {
		s.logger.Warn("failed to publish reconciled trades", zap.Int("count", len(trades)), zap.Error(err))
	}
}

// Start sweeps and reconciles on their intervals until ctx is done. Runs
// started by Trigger use ctx from here on.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	var retry <-chan time.Time
	if s.reconciler != nil && s.retryInterval > 0 {
		t := time.NewTicker(s.retryInterval)
		defer t.Stop()
		retry = t.C
	}

	s.logger.Info("scheduler started",
		zap.Duration("sweep_interval", s.sweepInterval), zap.Duration("retry_interval", s.retryInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-sweep.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		case <-retry:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Wait blocks until every scheduled run has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close waits for in-flight runs and releases the pool
func (s *Scheduler) Close() {
	s.Wait()
	s.pool.Release()
}
