package interfaces

import (
	"context"
	"time"

	"autotrader/internal/types"

	"github.com/shopspring/decimal"
)

// MarketData serves minute bars to strategies and the latest known price to
// the ledger's callers. Implementations fetch from upstream when local data
// is missing, and only ever return valid trading-session minutes.
type MarketData interface {
	// LastNBars returns up to n bars for symbol strictly before the given
	// instant, oldest first.
	LastNBars(ctx context.Context, symbol string, n int, before time.Time) ([]types.Bar, error)
	BarsBetween(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error)
	// LatestPrice returns the most recent close. ok is false when no bar
	// has been seen for the symbol yet.
	LatestPrice(ctx context.Context, symbol string) (price decimal.Decimal, ok bool, err error)
}
