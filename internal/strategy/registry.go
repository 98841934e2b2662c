package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/trace"
	"autotrader/internal/types"
)

// Registry resolves strategy types to factories with a load-once cache:
// the first successful load of a type is the version used for the rest
// of the process, regardless of later changes in the source. Failed
// loads are not cached, so a broken type can recover without a restart.
type Registry struct {
	source Source
	deps   Deps

	mu    sync.Mutex
	cache map[string]Factory
}

func NewRegistry(source Source, deps Deps) *Registry {
	return &Registry{
		source: source,
		deps:   deps,
		cache:  make(map[string]Factory),
	}
}

// Resolve returns the factory for strategyType, loading and caching it
// on first use.
func (r *Registry) Resolve(strategyType string) (Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if factory, ok := r.cache[strategyType]; ok {
		return factory, nil
	}

	factory, err := r.source.Load(strategyType)
	if err != nil {
		return nil, err
	}
	r.cache[strategyType] = factory
	return factory, nil
}

// Instantiate resolves the type and builds a strategy bound to the
// registry's dependencies.
func (r *Registry) Instantiate(strategyType string) (Strategy, error) {
	factory, err := r.Resolve(strategyType)
	if err != nil {
		return nil, err
	}
	strat, err := factory(r.deps)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate %s: %v", ErrLoad, strategyType, err)
	}
	return strat, nil
}

// Invoke runs one decision cycle and validates the result: the action
// must be known, and shares must be zero exactly when the action is
// hold. Violations and Decide errors come back wrapped in ErrExecution.
func (r *Registry) Invoke(ctx context.Context, strat Strategy, inst types.Instance, now time.Time) (types.Decision, error) {
	ctx, span := trace.StartSpan(ctx, "strategy.Invoke")
	defer span.End()

	decision, err := strat.Decide(ctx, inst, now)
	if err != nil {
		return types.Decision{}, fmt.Errorf("%w: %s on instance %d: %v", ErrExecution, inst.StrategyType, inst.ID, err)
	}

	if !decision.Action.Valid() {
		return types.Decision{}, fmt.Errorf("%w: %s returned unknown action %q", ErrExecution, inst.StrategyType, decision.Action)
	}
	if decision.Action == types.ActionHold && decision.Shares != 0 {
		return types.Decision{}, fmt.Errorf("%w: %s returned hold with %d shares", ErrExecution, inst.StrategyType, decision.Shares)
	}
	if decision.Action != types.ActionHold && decision.Shares <= 0 {
		return types.Decision{}, fmt.Errorf("%w: %s returned %s with %d shares", ErrExecution, inst.StrategyType, decision.Action, decision.Shares)
	}

	logger.Decision(ctx, inst.ID, inst.Ticker, string(decision.Action), decision.Shares)
	return decision, nil
}

// Discover lists the strategy types currently available in the source.
// It bypasses the cache, so new types show up without a restart.
func (r *Registry) Discover() []types.StrategyInfo {
	return r.source.List()
}
