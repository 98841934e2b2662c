package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"autotrader/internal/api"
	"autotrader/internal/interfaces"
	"autotrader/internal/logger"
)

// ErrOrderNotFilled is returned when an order does not reach a filled
// state within the polling window.
var ErrOrderNotFilled = errors.New("order not filled")

const (
	fillPollInterval = 1 * time.Second
	fillPollAttempts = 5
)

// PriceSource supplies the latest known price, used to simulate fills in
// dry-run mode.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

// Broker talks to the Alpaca trading API. In dry-run mode orders are
// simulated at the latest cached price and never sent to the exchange.
type Broker struct {
	client *api.Client
	dryRun bool
	prices PriceSource
}

var _ interfaces.Broker = (*Broker)(nil)

type Option func(*Broker)

// WithDryRun enables simulated order execution.
func WithDryRun(prices PriceSource) Option {
	return func(b *Broker) {
		b.dryRun = true
		b.prices = prices
	}
}

func New(tradingURL, apiKey, apiSecret string, opts ...Option) *Broker {
	clientOpts := []api.ClientOption{
		api.WithBaseURL(tradingURL),
		api.WithTimeout(15 * time.Second),
	}
	for k, v := range api.AlpacaHeaders(apiKey, apiSecret) {
		clientOpts = append(clientOpts, api.WithHeader(k, v))
	}
	b := &Broker{client: api.NewClient(clientOpts...)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type asset struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Status   string `json:"status"`
	Tradable bool   `json:"tradable"`
}

// ValidateSymbol reports whether the symbol is an active, tradable,
// exchange-listed asset. Unknown symbols return false without error.
func (b *Broker) ValidateSymbol(ctx context.Context, symbol string) (bool, error) {
	resp, err := b.client.GET(ctx, "/v2/assets/"+url.PathEscape(strings.ToUpper(symbol)))
	if err != nil {
		if strings.Contains(err.Error(), "HTTP 404") {
			return false, nil
		}
		return false, fmt.Errorf("validate symbol %s: %w", symbol, err)
	}

	var a asset
	if err := resp.ParseJSON(&a); err != nil {
		return false, fmt.Errorf("validate symbol %s: %w", symbol, err)
	}
	return a.Tradable && a.Status == "active" && a.Exchange != "OTC", nil
}

type account struct {
	Cash string `json:"cash"`
}

// AccountCash returns the account's available cash.
func (b *Broker) AccountCash(ctx context.Context) (decimal.Decimal, error) {
	resp, err := b.client.GET(ctx, "/v2/account")
	if err != nil {
		return decimal.Zero, fmt.Errorf("account cash: %w", err)
	}

	var a account
	if err := resp.ParseJSON(&a); err != nil {
		return decimal.Zero, fmt.Errorf("account cash: %w", err)
	}
	cash, err := decimal.NewFromString(a.Cash)
	if err != nil {
		return decimal.Zero, fmt.Errorf("account cash: parse %q: %w", a.Cash, err)
	}
	return cash, nil
}

// MarketBuy places a market buy order and returns the average fill price.
func (b *Broker) MarketBuy(ctx context.Context, symbol string, shares int) (decimal.Decimal, error) {
	return b.marketOrder(ctx, symbol, shares, "buy")
}

// MarketSell places a market sell order and returns the average fill price.
func (b *Broker) MarketSell(ctx context.Context, symbol string, shares int) (decimal.Decimal, error) {
	return b.marketOrder(ctx, symbol, shares, "sell")
}

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
}

type order struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	FilledAvgPrice *string `json:"filled_avg_price"`
}

func (b *Broker) marketOrder(ctx context.Context, symbol string, shares int, side string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)
	if shares <= 0 {
		return decimal.Zero, fmt.Errorf("market %s %s: shares must be positive, got %d", side, symbol, shares)
	}

	if b.dryRun {
		return b.simulateFill(ctx, symbol, shares, side)
	}

	clientOrderID := uuid.NewString()
	body := orderRequest{
		Symbol:        symbol,
		Qty:           fmt.Sprintf("%d", shares),
		Side:          side,
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: clientOrderID,
	}

	resp, err := b.client.POST(ctx, "/v2/orders", body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("market %s %s: %w", side, symbol, err)
	}

	var placed order
	if err := resp.ParseJSON(&placed); err != nil {
		return decimal.Zero, fmt.Errorf("market %s %s: %w", side, symbol, err)
	}

	// Market orders usually fill immediately but the placement response
	// often lacks the fill price. Poll the order until it appears.
	for attempt := 0; attempt < fillPollAttempts; attempt++ {
		if placed.Status == "filled" && placed.FilledAvgPrice != nil {
			price, err := decimal.NewFromString(*placed.FilledAvgPrice)
			if err != nil {
				return decimal.Zero, fmt.Errorf("market %s %s: parse fill price %q: %w", side, symbol, *placed.FilledAvgPrice, err)
			}
			return price, nil
		}

		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(fillPollInterval):
		}

		req := api.NewRequest(http.MethodGet, "/v2/orders:by_client_order_id").
			WithContext(ctx).
			WithQuery("client_order_id", clientOrderID)
		resp, err := b.client.Do(req)
		if err != nil {
			return decimal.Zero, fmt.Errorf("market %s %s: poll fill: %w", side, symbol, err)
		}
		if err := resp.ParseJSON(&placed); err != nil {
			return decimal.Zero, fmt.Errorf("market %s %s: poll fill: %w", side, symbol, err)
		}
	}

	return decimal.Zero, fmt.Errorf("market %s %s: %w after %d polls (status %s)",
		side, symbol, ErrOrderNotFilled, fillPollAttempts, placed.Status)
}

func (b *Broker) simulateFill(ctx context.Context, symbol string, shares int, side string) (decimal.Decimal, error) {
	price, ok, err := b.prices.LatestPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("simulate %s %s: %w", side, symbol, err)
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("simulate %s %s: no price available", side, symbol)
	}
	logger.Info(ctx, "Simulated order fill", "symbol", symbol, "side", side, "shares", shares, "price", price.String())
	return price, nil
}
