package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/types"
)

type fakeBroker struct {
	fillPrice decimal.Decimal
	failOrder bool
	buys      int
	sells     int
}

func (f *fakeBroker) ValidateSymbol(ctx context.Context, symbol string) (bool, error) {
	return true, nil
}

func (f *fakeBroker) AccountCash(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(100000), nil
}

func (f *fakeBroker) MarketBuy(ctx context.Context, symbol string, shares int) (decimal.Decimal, error) {
	if f.failOrder {
		return decimal.Zero, errors.New("order rejected")
	}
	f.buys++
	return f.fillPrice, nil
}

func (f *fakeBroker) MarketSell(ctx context.Context, symbol string, shares int) (decimal.Decimal, error) {
	if f.failOrder {
		return decimal.Zero, errors.New("order rejected")
	}
	f.sells++
	return f.fillPrice, nil
}

type fakeStore struct {
	txs       []types.Transaction
	appendErr error
	nextID    int64
}

func (f *fakeStore) ListTransactions(ctx context.Context, instanceID int64) ([]types.Transaction, error) {
	return f.txs, nil
}

func (f *fakeStore) CreateInstance(ctx context.Context, ticker, strategyType string, capital decimal.Decimal) (int64, error) {
	return 0, nil
}

func (f *fakeStore) StopInstance(ctx context.Context, id int64) (bool, error) { return false, nil }

func (f *fakeStore) GetInstance(ctx context.Context, id int64) (*types.Instance, error) {
	return nil, nil
}

func (f *fakeStore) ListInstances(ctx context.Context, status string) ([]types.Instance, error) {
	return nil, nil
}

func (f *fakeStore) AppendTransaction(ctx context.Context, instanceID int64, txType types.Action, shares int, price decimal.Decimal) (int64, error) {
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	f.nextID++
	f.txs = append(f.txs, types.Transaction{
		ID: f.nextID, InstanceID: instanceID, Type: txType, Shares: shares, Price: price,
	})
	return f.nextID, nil
}

func (f *fakeStore) PIN(ctx context.Context) (string, error) { return "1234", nil }

func testInstance() types.Instance {
	return types.Instance{ID: 7, Ticker: "AAPL", StrategyType: "smacross", InitialCapital: decimal.NewFromInt(10000)}
}

func TestExecuteBuyRecordsFill(t *testing.T) {
	broker := &fakeBroker{fillPrice: decimal.NewFromFloat(50.25)}
	store := &fakeStore{}
	ex := New(broker, store)

	tx, err := ex.Execute(context.Background(), testInstance(), types.Decision{Action: types.ActionBuy, Shares: 100})
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, types.ActionBuy, tx.Type)
	assert.Equal(t, 100, tx.Shares)
	assert.Equal(t, "50.25", tx.Price.String())
	assert.Equal(t, 1, broker.buys)
	require.Len(t, store.txs, 1)
}

func TestExecuteHoldIsNoop(t *testing.T) {
	broker := &fakeBroker{}
	store := &fakeStore{}
	ex := New(broker, store)

	tx, err := ex.Execute(context.Background(), testInstance(), types.Decision{Action: types.ActionHold})
	require.NoError(t, err)
	assert.Nil(t, tx)
	assert.Zero(t, broker.buys+broker.sells)
	assert.Empty(t, store.txs)
}

func TestExecuteSellExceedingPositionRejected(t *testing.T) {
	broker := &fakeBroker{fillPrice: decimal.NewFromInt(60)}
	store := &fakeStore{txs: []types.Transaction{
		{Type: types.ActionBuy, Shares: 50, Price: decimal.NewFromInt(50)},
	}}
	ex := New(broker, store)

	_, err := ex.Execute(context.Background(), testInstance(), types.Decision{Action: types.ActionSell, Shares: 80})
	assert.ErrorIs(t, err, ErrTradeFailed)
	// The order never reached the broker and nothing was recorded.
	assert.Zero(t, broker.sells)
	assert.Len(t, store.txs, 1)
}

func TestExecuteBrokerFailureRecordsNothing(t *testing.T) {
	broker := &fakeBroker{failOrder: true}
	store := &fakeStore{}
	ex := New(broker, store)

	_, err := ex.Execute(context.Background(), testInstance(), types.Decision{Action: types.ActionBuy, Shares: 10})
	assert.ErrorIs(t, err, ErrTradeFailed)
	assert.Empty(t, store.txs)
}

func TestExecuteAppendFailureSurfaces(t *testing.T) {
	broker := &fakeBroker{fillPrice: decimal.NewFromInt(50)}
	store := &fakeStore{appendErr: errors.New("disk full")}
	ex := New(broker, store)

	_, err := ex.Execute(context.Background(), testInstance(), types.Decision{Action: types.ActionBuy, Shares: 10})
	assert.ErrorIs(t, err, ErrTradeFailed)
	assert.Contains(t, err.Error(), "record fill")
}

func TestSellAllLiquidatesPosition(t *testing.T) {
	broker := &fakeBroker{fillPrice: decimal.NewFromInt(58)}
	store := &fakeStore{txs: []types.Transaction{
		{Type: types.ActionBuy, Shares: 100, Price: decimal.NewFromInt(50)},
		{Type: types.ActionSell, Shares: 40, Price: decimal.NewFromInt(60)},
	}}
	ex := New(broker, store)

	tx, err := ex.SellAll(context.Background(), testInstance())
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, types.ActionSell, tx.Type)
	assert.Equal(t, 60, tx.Shares)
	assert.Equal(t, 1, broker.sells)
}

func TestSellAllFlatPositionIsNoop(t *testing.T) {
	broker := &fakeBroker{}
	store := &fakeStore{}
	ex := New(broker, store)

	tx, err := ex.SellAll(context.Background(), testInstance())
	require.NoError(t, err)
	assert.Nil(t, tx)
	assert.Zero(t, broker.sells)
}
