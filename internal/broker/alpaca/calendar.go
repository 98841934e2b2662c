package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"autotrader/internal/api"
	"autotrader/internal/interfaces"
	"autotrader/internal/types"
)

const calendarLookaheadDays = 7

// Calendar answers market-session questions from the Alpaca clock and
// calendar endpoints. Calendar ranges are immutable once published, so
// responses are cached by range key for the life of the process.
type Calendar struct {
	client *api.Client

	mu    sync.Mutex
	cache map[string][]types.MarketDay
}

var _ interfaces.Calendar = (*Calendar)(nil)

func NewCalendar(tradingURL, apiKey, apiSecret string) *Calendar {
	clientOpts := []api.ClientOption{
		api.WithBaseURL(tradingURL),
		api.WithTimeout(15 * time.Second),
	}
	for k, v := range api.AlpacaHeaders(apiKey, apiSecret) {
		clientOpts = append(clientOpts, api.WithHeader(k, v))
	}
	return &Calendar{
		client: api.NewClient(clientOpts...),
		cache:  make(map[string][]types.MarketDay),
	}
}

type clock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// IsOpenNow reports whether the market session is currently open.
func (c *Calendar) IsOpenNow(ctx context.Context) (bool, error) {
	resp, err := c.client.GET(ctx, "/v2/clock")
	if err != nil {
		return false, fmt.Errorf("market clock: %w", err)
	}
	var cl clock
	if err := resp.ParseJSON(&cl); err != nil {
		return false, fmt.Errorf("market clock: %w", err)
	}
	return cl.IsOpen, nil
}

// NextOpen returns the next session open at or after now, scanning the
// calendar a week ahead. ok is false when no session is found in the
// window, which only happens on prolonged exchange closures.
func (c *Calendar) NextOpen(ctx context.Context, now time.Time) (time.Time, bool, error) {
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next open: %w", err)
	}

	start := now.In(eastern).Format("2006-01-02")
	end := now.In(eastern).AddDate(0, 0, calendarLookaheadDays).Format("2006-01-02")
	days, err := c.Schedule(ctx, start, end)
	if err != nil {
		return time.Time{}, false, err
	}

	for _, day := range days {
		open, err := time.ParseInLocation("2006-01-02 15:04", day.Date+" "+day.Open, eastern)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("next open: parse %s %s: %w", day.Date, day.Open, err)
		}
		if !open.Before(now) {
			return open, true, nil
		}
	}
	return time.Time{}, false, nil
}

// Schedule returns the trading days in [startDate, endDate], dates as
// YYYY-MM-DD.
func (c *Calendar) Schedule(ctx context.Context, startDate, endDate string) ([]types.MarketDay, error) {
	key := startDate + ".." + endDate

	c.mu.Lock()
	if days, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return days, nil
	}
	c.mu.Unlock()

	req := api.NewRequest(http.MethodGet, "/v2/calendar").
		WithContext(ctx).
		WithQuery("start", startDate).
		WithQuery("end", endDate)
	resp, err := c.client.DoWithRetry(req, nil)
	if err != nil {
		return nil, fmt.Errorf("market calendar: %w", err)
	}

	var days []types.MarketDay
	if err := resp.ParseJSON(&days); err != nil {
		return nil, fmt.Errorf("market calendar: %w", err)
	}

	c.mu.Lock()
	c.cache[key] = days
	c.mu.Unlock()
	return days, nil
}
