package stream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/types"
)

type captureSink struct {
	symbols []string
	bars    []types.Bar
}

func (c *captureSink) InsertBar(ctx context.Context, symbol string, bar types.Bar) error {
	c.symbols = append(c.symbols, symbol)
	c.bars = append(c.bars, bar)
	return nil
}

func TestOpenQueuesWhileDisconnected(t *testing.T) {
	s := New("wss://example.invalid/v2", "key", "secret", "iex", &captureSink{})

	require.NoError(t, s.Open("AAPL"))
	require.NoError(t, s.Open("MSFT"))
	require.NoError(t, s.Open("AAPL"))

	assert.Equal(t, []string{"AAPL", "MSFT"}, s.Subscribed())

	require.NoError(t, s.Close("MSFT"))
	assert.Equal(t, []string{"AAPL"}, s.Subscribed())

	// Closing an unknown symbol is a no-op.
	require.NoError(t, s.Close("TSLA"))
}

type fakeConn struct {
	frames   []any
	writeErr error
}

func (f *fakeConn) WriteJSON(v any) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (f *fakeConn) Close() error { return nil }

func TestOpenFailedWriteRollsBack(t *testing.T) {
	s := New("wss://example.invalid/v2", "key", "secret", "iex", &captureSink{})
	s.conn = &fakeConn{writeErr: errors.New("broken pipe")}

	require.Error(t, s.Open("AAPL"))

	// The symbol must not linger in the wanted set, or a reconnect would
	// subscribe it while every caller holds a zero refcount for it.
	assert.Empty(t, s.Subscribed())
}

func TestCloseFailedWriteKeepsSymbol(t *testing.T) {
	s := New("wss://example.invalid/v2", "key", "secret", "iex", &captureSink{})
	require.NoError(t, s.Open("AAPL"))
	s.conn = &fakeConn{writeErr: errors.New("broken pipe")}

	require.Error(t, s.Close("AAPL"))
	assert.Equal(t, []string{"AAPL"}, s.Subscribed())
}

func TestOpenSendsSubscribeFrame(t *testing.T) {
	s := New("wss://example.invalid/v2", "key", "secret", "iex", &captureSink{})
	conn := &fakeConn{}
	s.conn = conn

	require.NoError(t, s.Open("AAPL"))

	require.Len(t, conn.frames, 1)
	assert.Equal(t, []string{"AAPL"}, s.Subscribed())
}

func TestHandleMessageInsertsBars(t *testing.T) {
	sink := &captureSink{}
	s := New("wss://example.invalid/v2", "key", "secret", "iex", sink)

	ts := time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)
	frame, err := json.Marshal([]map[string]any{
		{"T": "b", "S": "AAPL", "t": ts.Format(time.RFC3339), "o": 50.0, "h": 51.0, "l": 49.5, "c": 50.5, "v": 1200},
		{"T": "subscription"},
	})
	require.NoError(t, err)

	s.handleMessage(context.Background(), frame)

	require.Len(t, sink.bars, 1)
	assert.Equal(t, "AAPL", sink.symbols[0])
	assert.Equal(t, 50.5, sink.bars[0].Close)
	assert.True(t, sink.bars[0].Ts.Equal(ts))
	assert.Equal(t, int64(1200), sink.bars[0].Volume)
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	sink := &captureSink{}
	s := New("wss://example.invalid/v2", "key", "secret", "iex", sink)

	s.handleMessage(context.Background(), []byte("not json"))
	assert.Empty(t, sink.bars)
}
