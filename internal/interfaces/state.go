package interfaces

import (
	"context"

	"autotrader/internal/types"

	"github.com/shopspring/decimal"
)

// TransactionReader is the read-only view of the transaction log given to
// strategies and the ledger.
type TransactionReader interface {
	// ListTransactions returns all transactions for the instance in
	// timestamp order, oldest first.
	ListTransactions(ctx context.Context, instanceID int64) ([]types.Transaction, error)
}

// StateStore is the persistent store of strategy instances and the
// append-only transaction log. All mutations are transactional at the
// granularity of a single call.
type StateStore interface {
	TransactionReader

	CreateInstance(ctx context.Context, ticker, strategyType string, capital decimal.Decimal) (int64, error)
	// StopInstance flips an active instance to stopped. It returns false
	// when the instance does not exist or was already stopped.
	StopInstance(ctx context.Context, id int64) (bool, error)
	GetInstance(ctx context.Context, id int64) (*types.Instance, error)
	// ListInstances returns instances, newest first, optionally filtered
	// by status ("" means all).
	ListInstances(ctx context.Context, status string) ([]types.Instance, error)

	AppendTransaction(ctx context.Context, instanceID int64, txType types.Action, shares int, price decimal.Decimal) (int64, error)

	PIN(ctx context.Context) (string, error)
}
