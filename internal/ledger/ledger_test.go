package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/types"
)

func tx(txType types.Action, shares int, price int64) types.Transaction {
	return types.Transaction{
		Type:      txType,
		Shares:    shares,
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Now(),
	}
}

func TestPositionEmpty(t *testing.T) {
	pos, err := Position(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestPositionBuysAndSells(t *testing.T) {
	txs := []types.Transaction{
		tx(types.ActionBuy, 100, 50),
		tx(types.ActionSell, 40, 60),
		tx(types.ActionBuy, 10, 55),
	}
	pos, err := Position(txs)
	require.NoError(t, err)
	assert.Equal(t, 70, pos)
}

func TestPositionNegativeIsInvalid(t *testing.T) {
	txs := []types.Transaction{
		tx(types.ActionBuy, 10, 50),
		tx(types.ActionSell, 20, 60),
	}
	_, err := Position(txs)
	assert.ErrorIs(t, err, ErrInvalidHistory)
}

func TestAfterInitialBuy(t *testing.T) {
	capital := decimal.NewFromInt(10000)
	txs := []types.Transaction{tx(types.ActionBuy, 100, 50)}

	pos, err := Position(txs)
	require.NoError(t, err)
	assert.Equal(t, 100, pos)
	assert.True(t, NetInvested(txs).Equal(decimal.NewFromInt(5000)))
	assert.True(t, UninvestedCash(capital, txs).Equal(decimal.NewFromInt(5000)))

	value, err := CurrentValue(capital, txs, decimal.NewFromInt(55))
	require.NoError(t, err)
	assert.True(t, value.Equal(decimal.NewFromInt(10500)))

	pnl, err := PnL(capital, txs, decimal.NewFromInt(55))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(500)))
}

func TestAfterPartialSell(t *testing.T) {
	capital := decimal.NewFromInt(10000)
	txs := []types.Transaction{
		tx(types.ActionBuy, 100, 50),
		tx(types.ActionSell, 40, 60),
	}

	pos, err := Position(txs)
	require.NoError(t, err)
	assert.Equal(t, 60, pos)
	assert.True(t, NetInvested(txs).Equal(decimal.NewFromInt(2600)))
	assert.True(t, UninvestedCash(capital, txs).Equal(decimal.NewFromInt(7400)))

	value, err := CurrentValue(capital, txs, decimal.NewFromInt(58))
	require.NoError(t, err)
	assert.True(t, value.Equal(decimal.NewFromInt(10880)))

	pnl, err := PnL(capital, txs, decimal.NewFromInt(58))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(880)))
}

func TestNetInvestedOrderIndependent(t *testing.T) {
	a := []types.Transaction{
		tx(types.ActionBuy, 100, 50),
		tx(types.ActionBuy, 50, 40),
		tx(types.ActionSell, 30, 60),
	}
	b := []types.Transaction{a[1], a[0], a[2]}

	assert.True(t, NetInvested(a).Equal(NetInvested(b)))
}

type fakeTxReader struct {
	txs []types.Transaction
}

func (f *fakeTxReader) ListTransactions(ctx context.Context, instanceID int64) ([]types.Transaction, error) {
	return f.txs, nil
}

type fakePrices struct {
	price decimal.Decimal
	known bool
}

func (f *fakePrices) LastNBars(ctx context.Context, symbol string, n int, before time.Time) ([]types.Bar, error) {
	return nil, nil
}

func (f *fakePrices) BarsBetween(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	return nil, nil
}

func (f *fakePrices) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	return f.price, f.known, nil
}

func TestBuilderBuildsCard(t *testing.T) {
	inst := types.Instance{
		ID:             1,
		DisplayName:    "AAPL_SMACROSS_20260115_093000",
		StrategyType:   "smacross",
		Ticker:         "AAPL",
		Status:         types.StatusActive,
		InitialCapital: decimal.NewFromInt(10000),
	}
	reader := &fakeTxReader{txs: []types.Transaction{
		tx(types.ActionBuy, 100, 50),
		tx(types.ActionSell, 40, 60),
	}}
	prices := &fakePrices{price: decimal.NewFromInt(58), known: true}

	card, err := NewBuilder(reader, prices).Build(context.Background(), inst)
	require.NoError(t, err)

	assert.Equal(t, 60, card.Position)
	assert.True(t, card.NetInvested.Equal(decimal.NewFromInt(2600)))
	assert.True(t, card.UninvestedCash.Equal(decimal.NewFromInt(7400)))
	assert.True(t, card.CurrentValue.Equal(decimal.NewFromInt(10880)))
	assert.True(t, card.PnL.Equal(decimal.NewFromInt(880)))
	assert.True(t, card.PriceKnown)
}

func TestBuilderNoPriceYet(t *testing.T) {
	inst := types.Instance{
		ID:             2,
		Ticker:         "MSFT",
		InitialCapital: decimal.NewFromInt(5000),
	}
	reader := &fakeTxReader{}
	prices := &fakePrices{known: false}

	card, err := NewBuilder(reader, prices).Build(context.Background(), inst)
	require.NoError(t, err)

	assert.False(t, card.PriceKnown)
	assert.True(t, card.CurrentValue.Equal(decimal.NewFromInt(5000)), "marked at price zero, value is the uninvested cash")
	assert.True(t, card.PnL.IsZero())
	assert.True(t, card.UninvestedCash.Equal(decimal.NewFromInt(5000)))
}

func TestBuilderNoPriceWithPosition(t *testing.T) {
	inst := types.Instance{
		ID:             3,
		Ticker:         "MSFT",
		InitialCapital: decimal.NewFromInt(10000),
	}
	reader := &fakeTxReader{txs: []types.Transaction{tx(types.ActionBuy, 100, 50)}}
	prices := &fakePrices{known: false}

	card, err := NewBuilder(reader, prices).Build(context.Background(), inst)
	require.NoError(t, err)

	assert.False(t, card.PriceKnown)
	assert.True(t, card.CurrentValue.Equal(decimal.NewFromInt(5000)))
	assert.True(t, card.PnL.Equal(decimal.NewFromInt(-5000)))
}
