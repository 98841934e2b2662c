package interfaces

import (
	"context"

	"autotrader/internal/types"
)

// Executor turns a strategy decision into either a recorded transaction or
// a surfaced failure, never both a side effect and a missing record.
type Executor interface {
	Execute(ctx context.Context, inst types.Instance, decision types.Decision) (*types.Transaction, error)
}
