package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode   string `yaml:"mode"`
	Alpaca struct {
		TradingURL   string `yaml:"trading_url"`
		DataURL      string `yaml:"data_url"`
		StreamURL    string `yaml:"stream_url"`
		Feed         string `yaml:"feed"`
		APIKeyEnv    string `yaml:"api_key_env"`
		APISecretEnv string `yaml:"api_secret_env"`
	} `yaml:"alpaca"`
	Scheduler struct {
		BufferSeconds      int `yaml:"buffer_seconds"`
		ClosedPollMinutes  int `yaml:"closed_poll_minutes"`
		InstanceTimeoutSec int `yaml:"instance_timeout_seconds"`
	} `yaml:"scheduler"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	DB struct {
		SystemPath     string `yaml:"system_path"`
		MarketDataPath string `yaml:"market_data_path"`
	} `yaml:"db"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.Alpaca.Feed != "iex" && c.Alpaca.Feed != "sip" {
		return fmt.Errorf("alpaca.feed must be 'iex' or 'sip', got '%s'", c.Alpaca.Feed)
	}
	if c.Scheduler.BufferSeconds < 0 || c.Scheduler.BufferSeconds > 30 {
		return fmt.Errorf("scheduler.buffer_seconds must be between 0-30, got %d", c.Scheduler.BufferSeconds)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1-65535, got %d", c.Server.Port)
	}
	return nil
}

// APIKey resolves the Alpaca API key from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.Alpaca.APIKeyEnv)
}

// APISecret resolves the Alpaca API secret from the configured environment variable.
func (c *Config) APISecret() string {
	return os.Getenv(c.Alpaca.APISecretEnv)
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if c.Mode == "" {
		c.Mode = "DRY_RUN"
	}
	if c.Alpaca.TradingURL == "" {
		c.Alpaca.TradingURL = "https://paper-api.alpaca.markets"
	}
	if c.Alpaca.DataURL == "" {
		c.Alpaca.DataURL = "https://data.alpaca.markets"
	}
	if c.Alpaca.StreamURL == "" {
		c.Alpaca.StreamURL = "wss://stream.data.alpaca.markets/v2"
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "iex"
	}
	if c.Alpaca.APIKeyEnv == "" {
		c.Alpaca.APIKeyEnv = "ALPACA_API_KEY"
	}
	if c.Alpaca.APISecretEnv == "" {
		c.Alpaca.APISecretEnv = "ALPACA_API_SECRET"
	}
	if c.Scheduler.BufferSeconds == 0 {
		c.Scheduler.BufferSeconds = 2
	}
	if c.Scheduler.ClosedPollMinutes == 0 {
		c.Scheduler.ClosedPollMinutes = 15
	}
	if c.Scheduler.InstanceTimeoutSec == 0 {
		c.Scheduler.InstanceTimeoutSec = 30
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.DB.SystemPath == "" {
		c.DB.SystemPath = "data/system.db"
	}
	if c.DB.MarketDataPath == "" {
		c.DB.MarketDataPath = "data/market_data.db"
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &c, nil
}
