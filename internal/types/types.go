package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instance lifecycle states. Stopped instances are never deleted; they are
// kept for audit.
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
)

// Action is a strategy's per-cycle decision.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell || a == ActionHold
}

// Decision is what a strategy returns each cycle. Shares must be zero
// exactly when Action is hold.
type Decision struct {
	Action Action `json:"action"`
	Shares int    `json:"shares"`
}

// Instance is one running configuration of a strategy type, bound to a
// ticker and a capital allocation.
type Instance struct {
	ID             int64           `json:"id"`
	DisplayName    string          `json:"display_name"`
	StrategyType   string          `json:"strategy_type"`
	Ticker         string          `json:"ticker"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	StoppedAt      *time.Time      `json:"stopped_at,omitempty"`
}

// Transaction is one confirmed fill, appended by the trade executor.
// The transaction log is append-only; rows are never mutated or deleted.
type Transaction struct {
	ID         int64           `json:"id"`
	InstanceID int64           `json:"instance_id"`
	Type       Action          `json:"type"`
	Shares     int             `json:"shares"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Bar is one minute of OHLCV market data.
type Bar struct {
	Ts                     time.Time `json:"t"`
	Open, High, Low, Close float64
	Volume                 int64
}

// MarketDay is one trading day from the session calendar, with open and
// close as "HH:MM" eastern wall-clock strings.
type MarketDay struct {
	Date  string `json:"date"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

// StrategyInfo describes one loadable strategy type for discovery.
type StrategyInfo struct {
	Type string `json:"type"`
	Name string `json:"name"`
}
