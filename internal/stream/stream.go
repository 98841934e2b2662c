package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"autotrader/internal/interfaces"
	"autotrader/internal/logger"
	"autotrader/internal/types"
)

const (
	reconnectWait = 2 * time.Second
	readDeadline  = 100 * time.Second
	pingInterval  = 30 * time.Second
)

// wsConn is the slice of the websocket connection used under the mutex.
type wsConn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// BarSink receives live minute bars from the stream.
type BarSink interface {
	InsertBar(ctx context.Context, symbol string, bar types.Bar) error
}

// Streamer maintains one websocket connection to the Alpaca market data
// stream and fans minute bars into the sink. Subscriptions survive
// reconnects: the wanted set is replayed after every successful auth.
type Streamer struct {
	url    string
	key    string
	secret string
	feed   string
	sink   BarSink

	mu     sync.Mutex
	conn   wsConn
	wanted map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

var _ interfaces.Streamer = (*Streamer)(nil)

func New(streamURL, apiKey, apiSecret, feed string, sink BarSink) *Streamer {
	return &Streamer{
		url:    streamURL + "/" + feed,
		key:    apiKey,
		secret: apiSecret,
		feed:   feed,
		sink:   sink,
		wanted: make(map[string]bool),
	}
}

// Start launches the connection loop. It returns immediately; the first
// connection attempt happens in the background so a down feed does not
// block startup.
func (s *Streamer) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
	return nil
}

// Stop tears the connection down and waits for the run loop to exit.
func (s *Streamer) Stop(ctx context.Context) {
	if s.cancel == nil {
		return
	}
	s.cancel()

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// Open subscribes to minute bars for symbol. When disconnected the
// symbol is queued and picked up on the next (re)connect.
func (s *Streamer) Open(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wanted[symbol] {
		return nil
	}
	s.wanted[symbol] = true

	if s.conn != nil {
		if err := s.writeJSON(map[string]any{"action": "subscribe", "bars": []string{symbol}}); err != nil {
			// Roll back so a reconnect does not resubscribe a symbol the
			// caller was told is not open.
			delete(s.wanted, symbol)
			return err
		}
	}
	return nil
}

// Close unsubscribes from minute bars for symbol.
func (s *Streamer) Close(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wanted[symbol] {
		return nil
	}
	delete(s.wanted, symbol)

	if s.conn != nil {
		if err := s.writeJSON(map[string]any{"action": "unsubscribe", "bars": []string{symbol}}); err != nil {
			s.wanted[symbol] = true
			return err
		}
	}
	return nil
}

// Subscribed returns the wanted symbols, sorted.
func (s *Streamer) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.wanted))
	for sym := range s.wanted {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// writeJSON sends one frame. Callers must hold s.mu; gorilla allows only
// one concurrent writer.
func (s *Streamer) writeJSON(v any) error {
	return s.conn.WriteJSON(v)
}

func (s *Streamer) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndRead(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn(ctx, "Market data stream disconnected, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectWait):
		}
	}
}

func (s *Streamer) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{
		"action": "auth", "key": s.key, "secret": s.secret,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	symbols := make([]string, 0, len(s.wanted))
	for sym := range s.wanted {
		symbols = append(symbols, sym)
	}
	if len(symbols) > 0 {
		if err := s.writeJSON(map[string]any{"action": "subscribe", "bars": symbols}); err != nil {
			s.conn = nil
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	logger.Info(ctx, "Market data stream connected", "symbols", symbols)

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.conn == conn {
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
				s.mu.Unlock()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		s.handleMessage(ctx, msg)
	}
}

type streamMessage struct {
	T      string    `json:"T"`
	Symbol string    `json:"S"`
	Ts     time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume int64     `json:"v"`
	Msg    string    `json:"msg"`
}

func (s *Streamer) handleMessage(ctx context.Context, raw []byte) {
	var msgs []streamMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		logger.Debug(ctx, "Unparseable stream frame", "error", err)
		return
	}

	for _, m := range msgs {
		switch m.T {
		case "b":
			bar := types.Bar{
				Ts: m.Ts, Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume,
			}
			if err := s.sink.InsertBar(ctx, m.Symbol, bar); err != nil {
				logger.ErrorWithErr(ctx, "Failed to store streamed bar", err, "symbol", m.Symbol)
			}
		case "error":
			logger.Error(ctx, "Market data stream error message", "msg", m.Msg)
		case "subscription":
			logger.Debug(ctx, "Subscription state acknowledged")
		}
	}
}
