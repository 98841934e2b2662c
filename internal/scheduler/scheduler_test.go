package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/interfaces"
	"autotrader/internal/strategy"
	"autotrader/internal/subs"
	"autotrader/internal/types"
)

type fakeStore struct {
	mu        sync.Mutex
	instances []types.Instance
	txs       map[int64][]types.Transaction
}

func (f *fakeStore) ListTransactions(ctx context.Context, instanceID int64) ([]types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[instanceID], nil
}

func (f *fakeStore) CreateInstance(ctx context.Context, ticker, strategyType string, capital decimal.Decimal) (int64, error) {
	return 0, nil
}

func (f *fakeStore) StopInstance(ctx context.Context, id int64) (bool, error) { return false, nil }

func (f *fakeStore) GetInstance(ctx context.Context, id int64) (*types.Instance, error) {
	return nil, nil
}

func (f *fakeStore) ListInstances(ctx context.Context, status string) ([]types.Instance, error) {
	return f.instances, nil
}

func (f *fakeStore) AppendTransaction(ctx context.Context, instanceID int64, txType types.Action, shares int, price decimal.Decimal) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.txs == nil {
		f.txs = make(map[int64][]types.Transaction)
	}
	f.txs[instanceID] = append(f.txs[instanceID], types.Transaction{
		InstanceID: instanceID, Type: txType, Shares: shares, Price: price,
	})
	return int64(len(f.txs[instanceID])), nil
}

func (f *fakeStore) PIN(ctx context.Context) (string, error) { return "1234", nil }

type recordingExecutor struct {
	mu       sync.Mutex
	executed []int64
}

func (r *recordingExecutor) Execute(ctx context.Context, inst types.Instance, decision types.Decision) (*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, inst.ID)
	return &types.Transaction{InstanceID: inst.ID, Type: decision.Action, Shares: decision.Shares}, nil
}

type nullStreamer struct{}

func (nullStreamer) Start(ctx context.Context) error { return nil }
func (nullStreamer) Stop(ctx context.Context)        {}
func (nullStreamer) Open(symbol string) error        { return nil }
func (nullStreamer) Close(symbol string) error       { return nil }
func (nullStreamer) Subscribed() []string            { return nil }

type behaviour struct {
	decision types.Decision
	err      error
	panics   bool
}

// scriptedSource returns strategies with fixed behaviour per type.
type scriptedSource struct {
	byType map[string]behaviour
}

func (s *scriptedSource) Load(strategyType string) (strategy.Factory, error) {
	if _, ok := s.byType[strategyType]; !ok {
		return nil, strategy.ErrNotFound
	}
	return func(deps strategy.Deps) (strategy.Strategy, error) {
		return scriptedStrategy{src: s, typ: strategyType}, nil
	}, nil
}

func (s *scriptedSource) List() []types.StrategyInfo { return nil }

// scriptedStrategy reads its behaviour at decide time so tests can
// change it between cycles.
type scriptedStrategy struct {
	src *scriptedSource
	typ string
}

func (s scriptedStrategy) Decide(ctx context.Context, inst types.Instance, now time.Time) (types.Decision, error) {
	b := s.src.byType[s.typ]
	if b.panics {
		panic("strategy exploded")
	}
	return b.decision, b.err
}

func newScheduler(store *fakeStore, src strategy.Source, exec interfaces.Executor) (*Scheduler, *subs.Manager) {
	registry := strategy.NewRegistry(src, strategy.Deps{})
	mgr := subs.NewManager(nullStreamer{})
	sched := New(store, registry, exec, nil, mgr, Config{
		Buffer:          2 * time.Second,
		ClosedPoll:      15 * time.Minute,
		InstanceTimeout: time.Second,
	})
	return sched, mgr
}

func inst(id int64, ticker, strategyType string) types.Instance {
	return types.Instance{
		ID: id, Ticker: ticker, StrategyType: strategyType,
		Status: types.StatusActive, InitialCapital: decimal.NewFromInt(10000),
	}
}

func TestNextWakeup(t *testing.T) {
	now := time.Date(2026, 1, 15, 14, 30, 17, 500, time.UTC)
	wake := NextWakeup(now, 2*time.Second)
	assert.Equal(t, time.Date(2026, 1, 15, 14, 31, 2, 0, time.UTC), wake)

	// Already past the buffer still lands on the next minute.
	late := time.Date(2026, 1, 15, 14, 30, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 15, 14, 31, 2, 0, time.UTC), NextWakeup(late, 2*time.Second))
}

func TestRunCycleExecutesNonHoldDecisions(t *testing.T) {
	store := &fakeStore{instances: []types.Instance{
		inst(1, "AAPL", "buyer"),
		inst(2, "MSFT", "holder"),
	}}
	src := &scriptedSource{byType: map[string]behaviour{
		"buyer":  {decision: types.Decision{Action: types.ActionBuy, Shares: 10}},
		"holder": {decision: types.Decision{Action: types.ActionHold}},
	}}
	exec := &recordingExecutor{}
	sched, _ := newScheduler(store, src, exec)

	sched.RunCycle(context.Background(), time.Now())

	assert.Equal(t, []int64{1}, exec.executed)
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	store := &fakeStore{instances: []types.Instance{
		inst(1, "AAPL", "broken"),
		inst(2, "MSFT", "buyer"),
		inst(3, "GOOG", "buyer"),
	}}
	src := &scriptedSource{byType: map[string]behaviour{
		"broken": {err: errors.New("bad data")},
		"buyer":  {decision: types.Decision{Action: types.ActionBuy, Shares: 5}},
	}}
	exec := &recordingExecutor{}
	sched, _ := newScheduler(store, src, exec)

	sched.RunCycle(context.Background(), time.Now())

	// B and C still ran despite A failing. A's error is an execution
	// error, so A stays enabled and retries next cycle.
	assert.Equal(t, []int64{2, 3}, exec.executed)
	assert.Empty(t, sched.FailedInstances())
}

func TestRunCycleRetriesExecutionErrors(t *testing.T) {
	store := &fakeStore{instances: []types.Instance{inst(1, "AAPL", "confused")}}
	src := &scriptedSource{byType: map[string]behaviour{
		// Hold with a nonzero share count is an invalid decision.
		"confused": {decision: types.Decision{Action: types.ActionHold, Shares: 5}},
	}}
	exec := &recordingExecutor{}
	sched, _ := newScheduler(store, src, exec)
	ctx := context.Background()

	sched.RunCycle(ctx, time.Now())
	assert.Empty(t, exec.executed)
	assert.Empty(t, sched.FailedInstances())

	// Once the strategy behaves, the next cycle trades without any
	// manual clearing.
	src.byType["confused"] = behaviour{decision: types.Decision{Action: types.ActionBuy, Shares: 5}}
	sched.RunCycle(ctx, time.Now())
	assert.Equal(t, []int64{1}, exec.executed)
}

func TestRunCycleSkipsFailedInstancesUntilCleared(t *testing.T) {
	// The strategy type is missing from the source, so the load fails
	// and the instance is disabled.
	store := &fakeStore{instances: []types.Instance{inst(1, "AAPL", "flaky")}}
	src := &scriptedSource{byType: map[string]behaviour{}}
	exec := &recordingExecutor{}
	sched, _ := newScheduler(store, src, exec)
	ctx := context.Background()

	sched.RunCycle(ctx, time.Now())
	require.Equal(t, []int64{1}, sched.FailedInstances())

	// Later cycles skip the instance without re-running it.
	src.byType["flaky"] = behaviour{decision: types.Decision{Action: types.ActionBuy, Shares: 1}}
	sched.RunCycle(ctx, time.Now())
	assert.Empty(t, exec.executed)

	sched.ClearFailure(1)
	sched.RunCycle(ctx, time.Now())
	assert.Equal(t, []int64{1}, exec.executed)
}

func TestRunCycleRecoversPanics(t *testing.T) {
	store := &fakeStore{instances: []types.Instance{
		inst(1, "AAPL", "bomb"),
		inst(2, "MSFT", "buyer"),
	}}
	src := &scriptedSource{byType: map[string]behaviour{
		"bomb":  {panics: true},
		"buyer": {decision: types.Decision{Action: types.ActionBuy, Shares: 5}},
	}}
	exec := &recordingExecutor{}
	sched, _ := newScheduler(store, src, exec)

	require.NotPanics(t, func() {
		sched.RunCycle(context.Background(), time.Now())
	})
	assert.Equal(t, []int64{2}, exec.executed)
	assert.Equal(t, []int64{1}, sched.FailedInstances())
}

func TestRunCycleReconcilesSubscriptions(t *testing.T) {
	store := &fakeStore{instances: []types.Instance{
		inst(1, "AAPL", "holder"),
		inst(2, "AAPL", "holder"),
		inst(3, "MSFT", "holder"),
	}}
	src := &scriptedSource{byType: map[string]behaviour{
		"holder": {decision: types.Decision{Action: types.ActionHold}},
	}}
	sched, mgr := newScheduler(store, src, &recordingExecutor{})
	ctx := context.Background()

	sched.RunCycle(ctx, time.Now())
	assert.Equal(t, 2, mgr.Count("AAPL"))
	assert.Equal(t, 1, mgr.Count("MSFT"))

	// Instances went away; the next cycle closes their streams.
	store.instances = store.instances[:1]
	sched.RunCycle(ctx, time.Now())
	assert.Equal(t, 1, mgr.Count("AAPL"))
	assert.Equal(t, 0, mgr.Count("MSFT"))
}

func TestRunCycleEmptyStillReconciles(t *testing.T) {
	store := &fakeStore{}
	sched, mgr := newScheduler(store, &scriptedSource{}, &recordingExecutor{})

	require.NoError(t, mgr.Reconcile(context.Background(), []string{"AAPL"}))
	sched.RunCycle(context.Background(), time.Now())
	assert.Empty(t, mgr.Symbols())
}

func TestRunCycleFailedInstanceKeepsSubscription(t *testing.T) {
	store := &fakeStore{instances: []types.Instance{inst(1, "AAPL", "missing")}}
	src := &scriptedSource{byType: map[string]behaviour{}}
	sched, mgr := newScheduler(store, src, &recordingExecutor{})

	sched.RunCycle(context.Background(), time.Now())
	// Still active in the store, so its data stays subscribed.
	assert.Equal(t, 1, mgr.Count("AAPL"))
}
