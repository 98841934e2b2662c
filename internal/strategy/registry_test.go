package strategy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/types"
)

type scriptedSource struct {
	factories map[string]Factory
	failing   map[string]bool
	loads     int
}

func (s *scriptedSource) Load(strategyType string) (Factory, error) {
	s.loads++
	if s.failing[strategyType] {
		return nil, fmt.Errorf("%w: %s init failed", ErrLoad, strategyType)
	}
	factory, ok := s.factories[strategyType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, strategyType)
	}
	return factory, nil
}

func (s *scriptedSource) List() []types.StrategyInfo {
	out := make([]types.StrategyInfo, 0, len(s.factories))
	for typ := range s.factories {
		out = append(out, types.StrategyInfo{Type: typ, Name: typ})
	}
	return out
}

type staticStrategy struct {
	decision types.Decision
	err      error
}

func (s *staticStrategy) Decide(ctx context.Context, inst types.Instance, now time.Time) (types.Decision, error) {
	return s.decision, s.err
}

func staticFactory(decision types.Decision) Factory {
	return func(deps Deps) (Strategy, error) {
		return &staticStrategy{decision: decision}, nil
	}
}

func TestResolveCachesFirstLoad(t *testing.T) {
	src := &scriptedSource{factories: map[string]Factory{
		"alpha": staticFactory(types.Decision{Action: types.ActionHold}),
	}}
	r := NewRegistry(src, Deps{})

	_, err := r.Resolve("alpha")
	require.NoError(t, err)
	_, err = r.Resolve("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, src.loads)
}

func TestResolveSnapshotSurvivesSourceChange(t *testing.T) {
	oldFactory := staticFactory(types.Decision{Action: types.ActionHold})
	src := &scriptedSource{factories: map[string]Factory{"alpha": oldFactory}}
	r := NewRegistry(src, Deps{})

	first, err := r.Resolve("alpha")
	require.NoError(t, err)

	// Mutating the source does not change what the registry serves.
	src.factories["alpha"] = staticFactory(types.Decision{Action: types.ActionBuy, Shares: 1})
	second, err := r.Resolve("alpha")
	require.NoError(t, err)

	deps := Deps{}
	s1, _ := first(deps)
	s2, _ := second(deps)
	d1, _ := s1.Decide(context.Background(), types.Instance{}, time.Now())
	d2, _ := s2.Decide(context.Background(), types.Instance{}, time.Now())
	assert.Equal(t, d1, d2)
}

func TestResolveNotFound(t *testing.T) {
	src := &scriptedSource{factories: map[string]Factory{}}
	r := NewRegistry(src, Deps{})

	_, err := r.Resolve("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveFailedLoadNotCached(t *testing.T) {
	src := &scriptedSource{
		factories: map[string]Factory{"alpha": staticFactory(types.Decision{Action: types.ActionHold})},
		failing:   map[string]bool{"alpha": true},
	}
	r := NewRegistry(src, Deps{})

	_, err := r.Resolve("alpha")
	assert.ErrorIs(t, err, ErrLoad)

	// Once the source recovers, the next resolve succeeds.
	src.failing["alpha"] = false
	_, err = r.Resolve("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, src.loads)
}

func TestInvokeValidDecision(t *testing.T) {
	r := NewRegistry(&scriptedSource{}, Deps{})
	inst := types.Instance{ID: 1, Ticker: "AAPL", StrategyType: "alpha", InitialCapital: decimal.NewFromInt(10000)}

	d, err := r.Invoke(context.Background(), &staticStrategy{decision: types.Decision{Action: types.ActionBuy, Shares: 10}}, inst, time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.ActionBuy, d.Action)
	assert.Equal(t, 10, d.Shares)
}

func TestInvokeRejectsMalformedDecisions(t *testing.T) {
	r := NewRegistry(&scriptedSource{}, Deps{})
	inst := types.Instance{ID: 1, Ticker: "AAPL", StrategyType: "alpha"}
	ctx := context.Background()

	cases := []types.Decision{
		{Action: types.ActionHold, Shares: 5},
		{Action: types.ActionBuy, Shares: 0},
		{Action: types.ActionSell, Shares: -3},
		{Action: "short", Shares: 1},
	}
	for _, d := range cases {
		_, err := r.Invoke(ctx, &staticStrategy{decision: d}, inst, time.Now())
		assert.ErrorIs(t, err, ErrExecution, "decision %+v", d)
	}
}

func TestInvokeWrapsStrategyError(t *testing.T) {
	r := NewRegistry(&scriptedSource{}, Deps{})
	inst := types.Instance{ID: 1, Ticker: "AAPL", StrategyType: "alpha"}

	_, err := r.Invoke(context.Background(), &staticStrategy{err: errors.New("feed gap")}, inst, time.Now())
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "feed gap")
}

func TestDiscoverBypassesCache(t *testing.T) {
	src := &scriptedSource{factories: map[string]Factory{
		"alpha": staticFactory(types.Decision{Action: types.ActionHold}),
	}}
	r := NewRegistry(src, Deps{})

	assert.Len(t, r.Discover(), 1)

	src.factories["beta"] = staticFactory(types.Decision{Action: types.ActionHold})
	assert.Len(t, r.Discover(), 2)
}

func TestBuiltinSource(t *testing.T) {
	src := NewBuiltinSource()

	infos := src.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "meanrevert", infos[0].Type)
	assert.Equal(t, "smacross", infos[1].Type)

	factory, err := src.Load("smacross")
	require.NoError(t, err)
	strat, err := factory(Deps{})
	require.NoError(t, err)
	assert.NotNil(t, strat)

	_, err = src.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
