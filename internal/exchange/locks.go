package exchange

import (
	"context"
	"sync"
)

// instrumentLocks serializes matching and cancellation per instrument.
// Each lock is a one-slot channel so waiting can be abandoned with ctx.
type instrumentLocks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newInstrumentLocks() *instrumentLocks {
	return &instrumentLocks{sems: make(map[string]chan struct{})}
}

func (l *instrumentLocks) lock(ctx context.Context, instrumentID string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.sems[instrumentID]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[instrumentID] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
