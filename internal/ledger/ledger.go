package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"autotrader/internal/interfaces"
	"autotrader/internal/types"
)

// ErrInvalidHistory is returned when replaying a transaction log would
// take the position negative. The log is append-only, so this indicates
// corruption or writes that bypassed the executor.
var ErrInvalidHistory = errors.New("invalid transaction history")

// Position replays the transaction log and returns the current share
// count. Transactions must be ordered oldest first.
func Position(txs []types.Transaction) (int, error) {
	pos := 0
	for _, tx := range txs {
		switch tx.Type {
		case types.ActionBuy:
			pos += tx.Shares
		case types.ActionSell:
			pos -= tx.Shares
		default:
			return 0, fmt.Errorf("%w: transaction %d has type %q", ErrInvalidHistory, tx.ID, tx.Type)
		}
		if pos < 0 {
			return 0, fmt.Errorf("%w: position went negative at transaction %d", ErrInvalidHistory, tx.ID)
		}
	}
	return pos, nil
}

// NetInvested is the cash currently tied up in the position: total spent
// on buys minus total recovered from sells. Order of transactions does
// not affect the result.
func NetInvested(txs []types.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		amount := tx.Price.Mul(decimal.NewFromInt(int64(tx.Shares)))
		switch tx.Type {
		case types.ActionBuy:
			total = total.Add(amount)
		case types.ActionSell:
			total = total.Sub(amount)
		}
	}
	return total
}

// UninvestedCash is the capital not currently deployed.
func UninvestedCash(capital decimal.Decimal, txs []types.Transaction) decimal.Decimal {
	return capital.Sub(NetInvested(txs))
}

// CurrentValue marks the instance to market: position at the latest price
// plus uninvested cash.
func CurrentValue(capital decimal.Decimal, txs []types.Transaction, price decimal.Decimal) (decimal.Decimal, error) {
	pos, err := Position(txs)
	if err != nil {
		return decimal.Zero, err
	}
	marketValue := price.Mul(decimal.NewFromInt(int64(pos)))
	return marketValue.Add(UninvestedCash(capital, txs)), nil
}

// PnL is unrealized plus realized profit relative to initial capital.
func PnL(capital decimal.Decimal, txs []types.Transaction, price decimal.Decimal) (decimal.Decimal, error) {
	value, err := CurrentValue(capital, txs, price)
	if err != nil {
		return decimal.Zero, err
	}
	return value.Sub(capital), nil
}

// Card is the derived per-instance summary served to the UI. PriceKnown
// is false when no market price is available yet; the position is then
// marked at zero and CurrentValue equals the uninvested cash.
type Card struct {
	ID             int64           `json:"id"`
	DisplayName    string          `json:"display_name"`
	StrategyType   string          `json:"strategy_type"`
	Ticker         string          `json:"ticker"`
	Status         string          `json:"status"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Position       int             `json:"position"`
	NetInvested    decimal.Decimal `json:"net_invested"`
	UninvestedCash decimal.Decimal `json:"uninvested_cash"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	CurrentValue   decimal.Decimal `json:"current_value"`
	PnL            decimal.Decimal `json:"pnl"`
	PriceKnown     bool            `json:"price_known"`
}

// Builder assembles cards from the transaction log and latest prices.
type Builder struct {
	txs    interfaces.TransactionReader
	prices interfaces.MarketData
}

func NewBuilder(txs interfaces.TransactionReader, prices interfaces.MarketData) *Builder {
	return &Builder{txs: txs, prices: prices}
}

// Build computes the derived card for one instance.
func (b *Builder) Build(ctx context.Context, inst types.Instance) (*Card, error) {
	txs, err := b.txs.ListTransactions(ctx, inst.ID)
	if err != nil {
		return nil, err
	}

	pos, err := Position(txs)
	if err != nil {
		return nil, err
	}

	card := &Card{
		ID:             inst.ID,
		DisplayName:    inst.DisplayName,
		StrategyType:   inst.StrategyType,
		Ticker:         inst.Ticker,
		Status:         inst.Status,
		InitialCapital: inst.InitialCapital,
		Position:       pos,
		NetInvested:    NetInvested(txs),
		UninvestedCash: UninvestedCash(inst.InitialCapital, txs),
	}

	// No price yet means marking at zero, so the value collapses to the
	// uninvested cash. A fresh instance then shows its full capital.
	price, ok, err := b.prices.LatestPrice(ctx, inst.Ticker)
	if err != nil {
		return nil, err
	}
	if ok {
		card.PriceKnown = true
		card.CurrentPrice = price
	}
	if card.CurrentValue, err = CurrentValue(inst.InitialCapital, txs, card.CurrentPrice); err != nil {
		return nil, err
	}
	card.PnL = card.CurrentValue.Sub(inst.InitialCapital)
	return card, nil
}
