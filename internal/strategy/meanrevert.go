package strategy

import (
	"context"
	"fmt"
	"time"

	"autotrader/internal/ledger"
	"autotrader/internal/ta"
	"autotrader/internal/types"
)

const (
	bbWindow  = 20
	bbStdDevs = 2.0
	rsiPeriod = 14
	rsiOver   = 30.0
)

// meanRevert buys when price closes below the lower Bollinger band with
// an oversold RSI, and exits once price recovers to the band midline.
type meanRevert struct {
	deps Deps
}

// NewMeanRevert builds the Bollinger mean reversion strategy.
func NewMeanRevert(deps Deps) (Strategy, error) {
	return &meanRevert{deps: deps}, nil
}

func (s *meanRevert) Decide(ctx context.Context, inst types.Instance, now time.Time) (types.Decision, error) {
	need := bbWindow
	if rsiPeriod+1 > need {
		need = rsiPeriod + 1
	}
	bars, err := s.deps.Data.LastNBars(ctx, inst.Ticker, need, now)
	if err != nil {
		return types.Decision{}, fmt.Errorf("fetch bars: %w", err)
	}
	if len(bars) < need {
		return types.Decision{Action: types.ActionHold}, nil
	}

	closes := ta.Closes(bars)
	mid, _, low := ta.Bollinger(closes, bbWindow, bbStdDevs)
	rsi := ta.RSI(closes, rsiPeriod)
	last := closes[len(closes)-1]

	txs, err := s.deps.Transactions.ListTransactions(ctx, inst.ID)
	if err != nil {
		return types.Decision{}, fmt.Errorf("read transactions: %w", err)
	}
	position, err := ledger.Position(txs)
	if err != nil {
		return types.Decision{}, err
	}

	switch {
	case position == 0 && last < low && rsi < rsiOver:
		shares := affordableShares(ledger.UninvestedCash(inst.InitialCapital, txs), last)
		if shares <= 0 {
			return types.Decision{Action: types.ActionHold}, nil
		}
		return types.Decision{Action: types.ActionBuy, Shares: shares}, nil
	case position > 0 && last >= mid:
		return types.Decision{Action: types.ActionSell, Shares: position}, nil
	default:
		return types.Decision{Action: types.ActionHold}, nil
	}
}
