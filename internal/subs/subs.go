package subs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"autotrader/internal/interfaces"
	"autotrader/internal/logger"
	"autotrader/internal/types"
)

// ErrSubscription wraps data-feed subscription failures.
var ErrSubscription = errors.New("subscription error")

// Manager reference-counts live data subscriptions per symbol. A symbol
// has an open stream exactly while its count is positive, so two
// instances trading the same ticker share one subscription.
type Manager struct {
	streamer interfaces.Streamer

	mu     sync.Mutex
	counts map[string]int
}

func NewManager(streamer interfaces.Streamer) *Manager {
	return &Manager{
		streamer: streamer,
		counts:   make(map[string]int),
	}
}

// Add increments the reference count for symbol, opening the stream on
// the 0 to 1 transition. On stream failure the count is left unchanged.
func (m *Manager) Add(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counts[symbol] == 0 {
		if err := m.streamer.Open(symbol); err != nil {
			return fmt.Errorf("%w: open %s: %v", ErrSubscription, symbol, err)
		}
	}
	m.counts[symbol]++
	logger.Subscription(ctx, symbol, "add", m.counts[symbol])
	return nil
}

// Remove decrements the reference count for symbol, closing the stream
// on the 1 to 0 transition. Removing an untracked symbol is a no-op.
func (m *Manager) Remove(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count, ok := m.counts[symbol]
	if !ok {
		return nil
	}
	if count == 1 {
		if err := m.streamer.Close(symbol); err != nil {
			return fmt.Errorf("%w: close %s: %v", ErrSubscription, symbol, err)
		}
		delete(m.counts, symbol)
		logger.Subscription(ctx, symbol, "remove", 0)
		return nil
	}
	m.counts[symbol] = count - 1
	logger.Subscription(ctx, symbol, "remove", m.counts[symbol])
	return nil
}

// Count returns the current reference count for symbol.
func (m *Manager) Count(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[symbol]
}

// Symbols returns the currently subscribed symbols, sorted.
func (m *Manager) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.counts))
	for sym := range m.counts {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Reconcile replaces the tracked state with the wanted multiset of
// symbols (one entry per instance that needs the symbol). Streams are
// opened for newly wanted symbols and closed for no longer wanted ones.
// A failure on one symbol does not stop reconciliation of the rest;
// failed opens are left untracked so the next cycle retries them.
// Reconcile is idempotent.
func (m *Manager) Reconcile(ctx context.Context, wanted []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]int, len(wanted))
	for _, sym := range wanted {
		next[sym]++
	}

	var errs []error

	for sym := range next {
		if m.counts[sym] == 0 {
			if err := m.streamer.Open(sym); err != nil {
				errs = append(errs, fmt.Errorf("open %s: %w", sym, err))
				delete(next, sym)
				continue
			}
			logger.Subscription(ctx, sym, "reconcile_open", next[sym])
		}
	}

	for sym := range m.counts {
		if next[sym] == 0 {
			if err := m.streamer.Close(sym); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", sym, err))
				// Keep the old count so a later cycle retries the close.
				next[sym] = m.counts[sym]
				continue
			}
			logger.Subscription(ctx, sym, "reconcile_close", 0)
		}
	}

	m.counts = next

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrSubscription, errors.Join(errs...))
	}
	return nil
}

// Restore rebuilds subscription state from the active instances in the
// store. Called once at startup.
func (m *Manager) Restore(ctx context.Context, store interfaces.StateStore) error {
	instances, err := store.ListInstances(ctx, types.StatusActive)
	if err != nil {
		return fmt.Errorf("%w: restore: %v", ErrSubscription, err)
	}

	wanted := make([]string, 0, len(instances))
	for _, inst := range instances {
		wanted = append(wanted, inst.Ticker)
	}
	return m.Reconcile(ctx, wanted)
}
