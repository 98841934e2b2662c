package interfaces

import "context"

// Streamer is the real-time data feed capability. A single underlying
// connection multiplexes all open symbols; Open and Close are independent
// per symbol.
type Streamer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Open(symbol string) error
	Close(symbol string) error
	Subscribed() []string
}
