package brokerobs

import (
	"context"

	"github.com/shopspring/decimal"

	"autotrader/internal/interfaces"
	"autotrader/internal/logger"
	"autotrader/internal/trace"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker interfaces.Broker
}

// Compile-time interface check
var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware
func Wrap(broker interfaces.Broker) interfaces.Broker {
	return &observableBroker{
		broker: broker,
	}
}

// ValidateSymbol checks an asset with observability
func (ob *observableBroker) ValidateSymbol(ctx context.Context, symbol string) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "broker.ValidateSymbol")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Validating symbol", "symbol", symbol)

	ok, err := ob.broker.ValidateSymbol(ctx, symbol)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to validate symbol", err, "symbol", symbol)
		return false, err
	}

	logger.DebugSkip(ctx, 1, "Symbol validated", "symbol", symbol, "tradable", ok)
	return ok, nil
}

// AccountCash fetches available cash with observability
func (ob *observableBroker) AccountCash(ctx context.Context) (decimal.Decimal, error) {
	ctx, span := trace.StartSpan(ctx, "broker.AccountCash")
	defer span.End()

	cash, err := ob.broker.AccountCash(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch account cash", err)
		return decimal.Zero, err
	}

	logger.DebugSkip(ctx, 1, "Account cash fetched", "cash", cash.String())
	return cash, nil
}

// MarketBuy places a buy order with observability
func (ob *observableBroker) MarketBuy(ctx context.Context, symbol string, shares int) (decimal.Decimal, error) {
	ctx, span := trace.StartSpan(ctx, "broker.MarketBuy")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing market buy", "symbol", symbol, "shares", shares)

	price, err := ob.broker.MarketBuy(ctx, symbol, shares)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place market buy", err, "symbol", symbol, "shares", shares)
		return decimal.Zero, err
	}

	logger.InfoSkip(ctx, 1, "Market buy filled", "symbol", symbol, "shares", shares, "price", price.String())
	return price, nil
}

// MarketSell places a sell order with observability
func (ob *observableBroker) MarketSell(ctx context.Context, symbol string, shares int) (decimal.Decimal, error) {
	ctx, span := trace.StartSpan(ctx, "broker.MarketSell")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing market sell", "symbol", symbol, "shares", shares)

	price, err := ob.broker.MarketSell(ctx, symbol, shares)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to place market sell", err, "symbol", symbol, "shares", shares)
		return decimal.Zero, err
	}

	logger.InfoSkip(ctx, 1, "Market sell filled", "symbol", symbol, "shares", shares, "price", price.String())
	return price, nil
}
