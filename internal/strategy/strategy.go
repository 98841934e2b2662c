package strategy

import (
	"context"
	"errors"
	"time"

	"autotrader/internal/interfaces"
	"autotrader/internal/types"
)

var (
	// ErrNotFound means the strategy type does not exist in the source.
	ErrNotFound = errors.New("strategy not found")
	// ErrLoad means the strategy type exists but could not be loaded.
	ErrLoad = errors.New("strategy load error")
	// ErrExecution wraps failures inside a strategy's Decide call,
	// including malformed decisions.
	ErrExecution = errors.New("strategy execution error")
)

// Deps gives strategies read access to market data and their own
// transaction history. Strategies never write state.
type Deps struct {
	Data         interfaces.MarketData
	Transactions interfaces.TransactionReader
}

// Strategy produces one decision per scheduler cycle.
type Strategy interface {
	Decide(ctx context.Context, inst types.Instance, now time.Time) (types.Decision, error)
}

// Factory builds a ready-to-run strategy bound to its dependencies.
type Factory func(deps Deps) (Strategy, error)

// Source is where strategy implementations come from.
type Source interface {
	// Load returns the factory for a strategy type. It returns
	// ErrNotFound for unknown types and ErrLoad for types that exist
	// but fail to initialize.
	Load(strategyType string) (Factory, error)
	// List enumerates the available strategy types. It reflects the
	// source's current contents, not the registry cache.
	List() []types.StrategyInfo
}
