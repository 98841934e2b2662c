package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/interfaces"
	"autotrader/internal/ledger"
	"autotrader/internal/logger"
	"autotrader/internal/trace"
	"autotrader/internal/types"
)

// ErrTradeFailed wraps broker rejections and failed fills. No
// transaction is recorded when it is returned.
var ErrTradeFailed = errors.New("trade failed")

// Executor turns validated decisions into broker orders and records
// confirmed fills in the transaction log. The log is appended only
// after the broker confirms a fill, so a crash can lose a record of a
// fill but can never record a trade that did not happen.
type Executor struct {
	broker interfaces.Broker
	store  interfaces.StateStore
}

var _ interfaces.Executor = (*Executor)(nil)

func New(broker interfaces.Broker, store interfaces.StateStore) *Executor {
	return &Executor{broker: broker, store: store}
}

// Execute places the order for a non-hold decision and appends the
// resulting transaction. Hold decisions return nil without side effects.
// Sells that exceed the current position are rejected before reaching
// the broker.
func (e *Executor) Execute(ctx context.Context, inst types.Instance, decision types.Decision) (*types.Transaction, error) {
	ctx, span := trace.StartSpan(ctx, "executor.Execute")
	defer span.End()

	if decision.Action == types.ActionHold {
		return nil, nil
	}
	if decision.Shares <= 0 {
		return nil, fmt.Errorf("%w: %s with %d shares", ErrTradeFailed, decision.Action, decision.Shares)
	}

	if decision.Action == types.ActionSell {
		txs, err := e.store.ListTransactions(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: read position: %v", ErrTradeFailed, err)
		}
		position, err := ledger.Position(txs)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTradeFailed, err)
		}
		if decision.Shares > position {
			return nil, fmt.Errorf("%w: sell %d exceeds position %d on instance %d",
				ErrTradeFailed, decision.Shares, position, inst.ID)
		}
	}

	var (
		price decimal.Decimal
		err   error
	)
	switch decision.Action {
	case types.ActionBuy:
		price, err = e.broker.MarketBuy(ctx, inst.Ticker, decision.Shares)
	case types.ActionSell:
		price, err = e.broker.MarketSell(ctx, inst.Ticker, decision.Shares)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrTradeFailed, decision.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %d %s: %v", ErrTradeFailed, decision.Action, decision.Shares, inst.Ticker, err)
	}

	txID, err := e.store.AppendTransaction(ctx, inst.ID, decision.Action, decision.Shares, price)
	if err != nil {
		// The order filled but the record failed. Surface loudly so the
		// operator can reconcile against the broker's order history.
		logger.ErrorWithErr(ctx, "Fill confirmed but transaction not recorded", err,
			"instance_id", inst.ID, "ticker", inst.Ticker,
			"action", string(decision.Action), "shares", decision.Shares, "price", price.String())
		return nil, fmt.Errorf("%w: record fill: %v", ErrTradeFailed, err)
	}

	logger.Trade(ctx, inst.ID, inst.Ticker, string(decision.Action), decision.Shares, price.String(), txID)

	return &types.Transaction{
		ID:         txID,
		InstanceID: inst.ID,
		Type:       decision.Action,
		Shares:     decision.Shares,
		Price:      price,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// SellAll liquidates the instance's entire position, if any. Used when
// stopping an instance. It returns nil when there is nothing to sell.
func (e *Executor) SellAll(ctx context.Context, inst types.Instance) (*types.Transaction, error) {
	txs, err := e.store.ListTransactions(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: read position: %v", ErrTradeFailed, err)
	}
	position, err := ledger.Position(txs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTradeFailed, err)
	}
	if position == 0 {
		return nil, nil
	}
	return e.Execute(ctx, inst, types.Decision{Action: types.ActionSell, Shares: position})
}
