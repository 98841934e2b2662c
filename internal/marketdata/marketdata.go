package marketdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"autotrader/internal/api"
	"autotrader/internal/interfaces"
	"autotrader/internal/logger"
	"autotrader/internal/types"
)

// ErrMarketData wraps bar store and data API failures.
var ErrMarketData = errors.New("market data error")

// Fetcher pulls historical minute bars from a remote data API. It is
// satisfied by the Alpaca client below and by fakes in tests.
type Fetcher interface {
	FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error)
}

// Store caches minute bars in SQLite, filling gaps from a remote
// fetcher. The streamer inserts live bars; historical reads go to the
// cache first and fall through to the fetcher on a miss.
type Store struct {
	db      *sql.DB
	fetcher Fetcher
}

var _ interfaces.MarketData = (*Store)(nil)

// Open opens (creating if needed) the bar cache at path. fetcher may be
// nil, in which case reads serve only what the cache holds.
func Open(path string, fetcher Fetcher) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: mkdir db dir: %v", ErrMarketData, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrMarketData, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, fetcher: fetcher}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			ts TEXT NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume INTEGER NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", ErrMarketData, err)
		}
	}
	return nil
}

// InsertBar upserts one bar. Re-delivery of the same minute overwrites,
// so stream reconnects cannot duplicate rows.
func (s *Store) InsertBar(ctx context.Context, symbol string, bar types.Bar) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bars (symbol, ts, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, ts) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`,
		strings.ToUpper(symbol),
		bar.Ts.UTC().Format(time.RFC3339),
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
	)
	if err != nil {
		return fmt.Errorf("%w: insert bar: %v", ErrMarketData, err)
	}
	return nil
}

// LastNBars returns up to n bars for symbol strictly before the given
// time, oldest first. When the cache holds fewer than n, missing history
// is fetched and cached before the query is retried.
func (s *Store) LastNBars(ctx context.Context, symbol string, n int, before time.Time) ([]types.Bar, error) {
	symbol = strings.ToUpper(symbol)

	bars, err := s.queryLastN(ctx, symbol, n, before)
	if err != nil {
		return nil, err
	}
	if len(bars) >= n || s.fetcher == nil {
		return bars, nil
	}

	// Cache miss. Fetch a generous window: n trading minutes can span
	// several calendar days over weekends and holidays.
	days := n/390 + 3
	start := before.AddDate(0, 0, -days)
	fetched, err := s.fetcher.FetchBars(ctx, symbol, start, before)
	if err != nil {
		return nil, fmt.Errorf("%w: backfill %s: %v", ErrMarketData, symbol, err)
	}
	for _, bar := range fetched {
		if err := s.InsertBar(ctx, symbol, bar); err != nil {
			return nil, err
		}
	}
	logger.Debug(ctx, "Backfilled bars", "symbol", symbol, "fetched", len(fetched))

	return s.queryLastN(ctx, symbol, n, before)
}

func (s *Store) queryLastN(ctx context.Context, symbol string, n int, before time.Time) ([]types.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, open, high, low, close, volume FROM bars
		 WHERE symbol = ? AND ts < ? ORDER BY ts DESC LIMIT ?`,
		symbol, before.UTC().Format(time.RFC3339), n)
	if err != nil {
		return nil, fmt.Errorf("%w: query bars: %v", ErrMarketData, err)
	}
	defer rows.Close()

	bars, err := scanBars(rows)
	if err != nil {
		return nil, err
	}
	// Query returned newest first; callers want oldest first.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// BarsBetween returns cached bars in [start, end), oldest first.
func (s *Store) BarsBetween(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, open, high, low, close, volume FROM bars
		 WHERE symbol = ? AND ts >= ? AND ts < ? ORDER BY ts ASC`,
		strings.ToUpper(symbol),
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: query bars: %v", ErrMarketData, err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// LatestPrice returns the close of the most recent bar for symbol. ok is
// false when no bar has been seen yet.
func (s *Store) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	var closePrice float64
	err := s.db.QueryRowContext(ctx,
		`SELECT close FROM bars WHERE symbol = ? ORDER BY ts DESC LIMIT 1`,
		strings.ToUpper(symbol)).Scan(&closePrice)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%w: latest price: %v", ErrMarketData, err)
	}
	return decimal.NewFromFloat(closePrice), true, nil
}

func scanBars(rows *sql.Rows) ([]types.Bar, error) {
	var out []types.Bar
	for rows.Next() {
		var (
			bar   types.Bar
			tsStr string
		)
		if err := rows.Scan(&tsStr, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume); err != nil {
			return nil, fmt.Errorf("%w: scan bar: %v", ErrMarketData, err)
		}
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("%w: parse ts %q: %v", ErrMarketData, tsStr, err)
		}
		bar.Ts = ts
		out = append(out, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan bars: %v", ErrMarketData, err)
	}
	return out, nil
}

// AlpacaFetcher pulls historical minute bars from the Alpaca market data
// API, following pagination.
type AlpacaFetcher struct {
	client *api.Client
	feed   string
}

func NewAlpacaFetcher(dataURL, apiKey, apiSecret, feed string) *AlpacaFetcher {
	opts := []api.ClientOption{
		api.WithBaseURL(dataURL),
		api.WithTimeout(30 * time.Second),
	}
	for k, v := range api.AlpacaHeaders(apiKey, apiSecret) {
		opts = append(opts, api.WithHeader(k, v))
	}
	return &AlpacaFetcher{client: api.NewClient(opts...), feed: feed}
}

type alpacaBar struct {
	T time.Time `json:"t"`
	O float64   `json:"o"`
	H float64   `json:"h"`
	L float64   `json:"l"`
	C float64   `json:"c"`
	V int64     `json:"v"`
}

type alpacaBarsResponse struct {
	Bars          []alpacaBar `json:"bars"`
	NextPageToken *string     `json:"next_page_token"`
}

func (f *AlpacaFetcher) FetchBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	var out []types.Bar
	pageToken := ""

	for {
		req := api.NewRequest(http.MethodGet, "/v2/stocks/"+url.PathEscape(symbol)+"/bars").
			WithContext(ctx).
			WithQuery("timeframe", "1Min").
			WithQuery("start", start.UTC().Format(time.RFC3339)).
			WithQuery("end", end.UTC().Format(time.RFC3339)).
			WithQuery("feed", f.feed).
			WithQuery("limit", "10000")
		if pageToken != "" {
			req = req.WithQuery("page_token", pageToken)
		}

		resp, err := f.client.DoWithRetry(req, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch bars for %s: %w", symbol, err)
		}

		var parsed alpacaBarsResponse
		if err := resp.ParseJSON(&parsed); err != nil {
			return nil, fmt.Errorf("fetch bars for %s: %w", symbol, err)
		}

		for _, b := range parsed.Bars {
			out = append(out, types.Bar{
				Ts: b.T, Open: b.O, High: b.H, Low: b.L, Close: b.C, Volume: b.V,
			})
		}

		if parsed.NextPageToken == nil || *parsed.NextPageToken == "" {
			return out, nil
		}
		pageToken = *parsed.NextPageToken
	}
}
