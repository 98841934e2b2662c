package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"autotrader/internal/broker/alpaca"
	"autotrader/internal/broker/brokerobs"
	"autotrader/internal/interfaces"
	"autotrader/internal/logger"
	"autotrader/internal/marketdata"
	"autotrader/internal/state"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
	"autotrader/internal/stream"
	"autotrader/internal/trace"
)

// initializeSystem initializes environment, logger, and tracer
func initializeSystem() error {
	// Load environment variables
	_ = godotenv.Load()

	// Initialize logger
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Initialize tracer
	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}

	return nil
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	path := os.Getenv("TRADER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// initializeStateStore opens the system database
func initializeStateStore(ctx context.Context, cfg *store.Config) (*state.Store, error) {
	st, err := state.Open(cfg.DB.SystemPath)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to open system database", err, "path", cfg.DB.SystemPath)
		return nil, err
	}
	logger.Info(ctx, "System database ready", "path", cfg.DB.SystemPath)
	return st, nil
}

// initializeMarketData opens the bar cache with a historical fetcher
func initializeMarketData(ctx context.Context, cfg *store.Config) (*marketdata.Store, error) {
	fetcher := marketdata.NewAlpacaFetcher(cfg.Alpaca.DataURL, cfg.APIKey(), cfg.APISecret(), cfg.Alpaca.Feed)
	md, err := marketdata.Open(cfg.DB.MarketDataPath, fetcher)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to open market data cache", err, "path", cfg.DB.MarketDataPath)
		return nil, err
	}
	logger.Info(ctx, "Market data cache ready", "path", cfg.DB.MarketDataPath, "feed", cfg.Alpaca.Feed)
	return md, nil
}

// initializeBroker builds the broker with observability middleware
func initializeBroker(ctx context.Context, cfg *store.Config, prices alpaca.PriceSource) interfaces.Broker {
	var opts []alpaca.Option
	if cfg.Mode == "DRY_RUN" {
		logger.Warn(ctx, "Running in DRY_RUN mode - orders will be simulated")
		opts = append(opts, alpaca.WithDryRun(prices))
	}

	brk := alpaca.New(cfg.Alpaca.TradingURL, cfg.APIKey(), cfg.APISecret(), opts...)

	// Wrap with observability middleware
	return brokerobs.Wrap(brk)
}

// initializeCalendar builds the market session calendar
func initializeCalendar(cfg *store.Config) interfaces.Calendar {
	return alpaca.NewCalendar(cfg.Alpaca.TradingURL, cfg.APIKey(), cfg.APISecret())
}

// initializeStreamer builds the live bar streamer feeding the cache
func initializeStreamer(cfg *store.Config, sink stream.BarSink) interfaces.Streamer {
	return stream.New(cfg.Alpaca.StreamURL, cfg.APIKey(), cfg.APISecret(), cfg.Alpaca.Feed, sink)
}

// initializeRegistry builds the strategy registry over the builtin source
func initializeRegistry(data interfaces.MarketData, txs interfaces.TransactionReader) *strategy.Registry {
	return strategy.NewRegistry(strategy.NewBuiltinSource(), strategy.Deps{
		Data:         data,
		Transactions: txs,
	})
}
