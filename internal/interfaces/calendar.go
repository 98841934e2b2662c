package interfaces

import (
	"context"
	"time"

	"autotrader/internal/types"
)

// Calendar is the trading-session calendar capability.
type Calendar interface {
	IsOpenNow(ctx context.Context) (bool, error)
	// NextOpen returns the next market open at or after now. ok is false
	// when no open could be determined from the available schedule.
	NextOpen(ctx context.Context, now time.Time) (time.Time, bool, error)
	Schedule(ctx context.Context, startDate, endDate string) ([]types.MarketDay, error)
}
