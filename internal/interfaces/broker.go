package interfaces

import (
	"context"

	"github.com/shopspring/decimal"
)

// Broker is the brokerage capability. MarketBuy and MarketSell return the
// confirmed fill price; an error means no trade happened.
type Broker interface {
	ValidateSymbol(ctx context.Context, symbol string) (bool, error)
	AccountCash(ctx context.Context) (decimal.Decimal, error)
	MarketBuy(ctx context.Context, symbol string, shares int) (decimal.Decimal, error)
	MarketSell(ctx context.Context, symbol string, shares int) (decimal.Decimal, error)
}
