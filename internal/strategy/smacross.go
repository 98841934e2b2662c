package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/ledger"
	"autotrader/internal/ta"
	"autotrader/internal/types"
)

const (
	smaFastWindow = 10
	smaSlowWindow = 30
)

// smaCross goes long when the fast SMA is above the slow SMA and exits
// when it drops below. It is either fully invested or flat.
type smaCross struct {
	deps Deps
}

// NewSMACross builds the SMA crossover strategy.
func NewSMACross(deps Deps) (Strategy, error) {
	return &smaCross{deps: deps}, nil
}

func (s *smaCross) Decide(ctx context.Context, inst types.Instance, now time.Time) (types.Decision, error) {
	bars, err := s.deps.Data.LastNBars(ctx, inst.Ticker, smaSlowWindow, now)
	if err != nil {
		return types.Decision{}, fmt.Errorf("fetch bars: %w", err)
	}
	if len(bars) < smaSlowWindow {
		// Not enough history yet.
		return types.Decision{Action: types.ActionHold}, nil
	}

	closes := ta.Closes(bars)
	fast := ta.SMA(closes, smaFastWindow)
	slow := ta.SMA(closes, smaSlowWindow)

	txs, err := s.deps.Transactions.ListTransactions(ctx, inst.ID)
	if err != nil {
		return types.Decision{}, fmt.Errorf("read transactions: %w", err)
	}
	position, err := ledger.Position(txs)
	if err != nil {
		return types.Decision{}, err
	}

	switch {
	case fast > slow && position == 0:
		shares := affordableShares(ledger.UninvestedCash(inst.InitialCapital, txs), closes[len(closes)-1])
		if shares <= 0 {
			return types.Decision{Action: types.ActionHold}, nil
		}
		return types.Decision{Action: types.ActionBuy, Shares: shares}, nil
	case fast < slow && position > 0:
		return types.Decision{Action: types.ActionSell, Shares: position}, nil
	default:
		return types.Decision{Action: types.ActionHold}, nil
	}
}

// affordableShares floors cash divided by price. Zero when the price is
// not positive.
func affordableShares(cash decimal.Decimal, price float64) int {
	if price <= 0 {
		return 0
	}
	return int(cash.Div(decimal.NewFromFloat(price)).IntPart())
}
