package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// EngineConfig controls the decision pipeline.
type EngineConfig struct {
	MaxWorkers      int     `yaml:"max_workers"`       // concurrent signal evaluations
	SignalTimeoutMS int     `yaml:"signal_timeout_ms"` // per-signal pipeline deadline
	MaxSignalAgeSec int     `yaml:"max_signal_age_sec"`
	TakerFeeRate    float64 `yaml:"taker_fee_rate"` // simulation fee per fill
	MinFillRatio    float64 `yaml:"min_fill_ratio"` // simulated FOK acceptance threshold
	AllowPartial    bool    `yaml:"allow_partial"`  // BUYs may use the 75/50 scale ladder
	MinDelayMS      int     `yaml:"min_delay_ms"`   // simulated submission delay bounds
	MaxDelayMS      int     `yaml:"max_delay_ms"`
}

// BudgetConfig bounds total BUY exposure for a session.
type BudgetConfig struct {
	MaxBudgetUSD    float64 `yaml:"max_budget_usd"`
	MaxTradeSizeUSD float64 `yaml:"max_trade_size_usd"`
}

// ProfileConfig is one guardrail bundle; engine.SpeedProfile mirrors it.
type ProfileConfig struct {
	MaxSpreadBps  float64 `yaml:"max_spread_bps"`
	DepthLevels   int     `yaml:"depth_levels"`
	MinDepthUSD   float64 `yaml:"min_depth_usd"`
	MinDepthRatio float64 `yaml:"min_depth_ratio"`
}

// FeedConfig controls the activity websocket.
type FeedConfig struct {
	URL              string `yaml:"url"`
	ServerSideFilter bool   `yaml:"server_side_filter"`
	ReconnectBaseMS  int    `yaml:"reconnect_base_ms"`
	ReconnectMaxMS   int    `yaml:"reconnect_max_ms"`
	PingIntervalSec  int    `yaml:"ping_interval_sec"`
}

// ClobConfig controls the CLOB REST client.
type ClobConfig struct {
	BaseURL          string `yaml:"base_url"`
	DataURL          string `yaml:"data_url"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	BookCacheTTLMS   int    `yaml:"book_cache_ttl_ms"`
	BookRefreshMS    int    `yaml:"book_refresh_ms"`
	MaxRetries       int    `yaml:"max_retries"`
}

// ProxyConfig points at the proxy-wallet execution service.
type ProxyConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// RunConfig bounds a live session.
type RunConfig struct {
	DurationMinutes int `yaml:"duration_minutes"` // 0 = run until signalled
}

// Config aggregates all worker configuration knobs.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Engine   EngineConfig             `yaml:"engine"`
	Budget   BudgetConfig             `yaml:"budget"`
	Profiles map[string]ProfileConfig `yaml:"profiles"`
	Feed     FeedConfig               `yaml:"feed"`
	Clob     ClobConfig               `yaml:"clob"`
	Proxy    ProxyConfig              `yaml:"proxy"`
	Run      RunConfig                `yaml:"run"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8082,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Engine: EngineConfig{
			MaxWorkers:      8,
			SignalTimeoutMS: 15000,
			MaxSignalAgeSec: 300,
			TakerFeeRate:    0.001,
			MinFillRatio:    0.95,
			AllowPartial:    false,
			MinDelayMS:      1000,
			MaxDelayMS:      4000,
		},
		Budget: BudgetConfig{
			MaxBudgetUSD:    500,
			MaxTradeSizeUSD: 100,
		},
		Profiles: map[string]ProfileConfig{
			"CONSERVATIVE": {MaxSpreadBps: 100, DepthLevels: 5, MinDepthUSD: 50, MinDepthRatio: 2.0},
			"MODERATE":     {MaxSpreadBps: 200, DepthLevels: 3, MinDepthUSD: 10, MinDepthRatio: 1.5},
			"AGGRESSIVE":   {MaxSpreadBps: 400, DepthLevels: 2, MinDepthUSD: 5, MinDepthRatio: 1.0},
		},
		Feed: FeedConfig{
			URL:              "wss://ws-live-data.polymarket.com",
			ServerSideFilter: true,
			ReconnectBaseMS:  1000,
			ReconnectMaxMS:   30000,
			PingIntervalSec:  30,
		},
		Clob: ClobConfig{
			BaseURL:          "https://clob.polymarket.com",
			DataURL:          "https://data-api.polymarket.com",
			RequestTimeoutMS: 10000,
			BookCacheTTLMS:   2000,
			BookRefreshMS:    1500,
			MaxRetries:       5,
		},
		Proxy: ProxyConfig{
			Endpoint:  "http://localhost:3001/api/execute-order",
			TimeoutMS: 60000,
		},
		Run: RunConfig{
			DurationMinutes: 0,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}

	if c.Engine.MaxWorkers == 0 {
		c.Engine.MaxWorkers = def.Engine.MaxWorkers
	}
	if c.Engine.SignalTimeoutMS == 0 {
		c.Engine.SignalTimeoutMS = def.Engine.SignalTimeoutMS
	}
	if c.Engine.MaxSignalAgeSec == 0 {
		c.Engine.MaxSignalAgeSec = def.Engine.MaxSignalAgeSec
	}
	if c.Engine.TakerFeeRate == 0 {
		c.Engine.TakerFeeRate = def.Engine.TakerFeeRate
	}
	if c.Engine.MinFillRatio == 0 {
		c.Engine.MinFillRatio = def.Engine.MinFillRatio
	}
	if c.Engine.MinDelayMS == 0 {
		c.Engine.MinDelayMS = def.Engine.MinDelayMS
	}
	if c.Engine.MaxDelayMS == 0 {
		c.Engine.MaxDelayMS = def.Engine.MaxDelayMS
	}

	if c.Budget.MaxBudgetUSD == 0 {
		c.Budget.MaxBudgetUSD = def.Budget.MaxBudgetUSD
	}
	if c.Budget.MaxTradeSizeUSD == 0 {
		c.Budget.MaxTradeSizeUSD = def.Budget.MaxTradeSizeUSD
	}

	if len(c.Profiles) == 0 {
		c.Profiles = def.Profiles
	} else {
		for name, p := range def.Profiles {
			if _, ok := c.Profiles[name]; !ok {
				c.Profiles[name] = p
			}
		}
	}

	if c.Feed.URL == "" {
		c.Feed.URL = def.Feed.URL
	}
	if c.Feed.ReconnectBaseMS == 0 {
		c.Feed.ReconnectBaseMS = def.Feed.ReconnectBaseMS
	}
	if c.Feed.ReconnectMaxMS == 0 {
		c.Feed.ReconnectMaxMS = def.Feed.ReconnectMaxMS
	}
	if c.Feed.PingIntervalSec == 0 {
		c.Feed.PingIntervalSec = def.Feed.PingIntervalSec
	}

	if c.Clob.BaseURL == "" {
		c.Clob.BaseURL = def.Clob.BaseURL
	}
	if c.Clob.DataURL == "" {
		c.Clob.DataURL = def.Clob.DataURL
	}
	if c.Clob.RequestTimeoutMS == 0 {
		c.Clob.RequestTimeoutMS = def.Clob.RequestTimeoutMS
	}
	if c.Clob.BookCacheTTLMS == 0 {
		c.Clob.BookCacheTTLMS = def.Clob.BookCacheTTLMS
	}
	if c.Clob.BookRefreshMS == 0 {
		c.Clob.BookRefreshMS = def.Clob.BookRefreshMS
	}
	if c.Clob.MaxRetries == 0 {
		c.Clob.MaxRetries = def.Clob.MaxRetries
	}

	if c.Proxy.Endpoint == "" {
		c.Proxy.Endpoint = def.Proxy.Endpoint
	}
	if c.Proxy.TimeoutMS == 0 {
		c.Proxy.TimeoutMS = def.Proxy.TimeoutMS
	}
}
