// Package config defines all configuration for the trading worker.
// Config is loaded from trading_config.yaml (viper, with LW_* environment
// overrides for sensitive fields); broker credentials live in a separate
// fixed-path YAML file under the user's home directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"leverage-worker/internal/clock"
	"leverage-worker/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode         types.Mode         `mapstructure:"-"` // from --mode, not the file
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Session      SessionConfig      `mapstructure:"session"`
	Notification NotificationConfig `mapstructure:"notification"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Stocks       map[string]Stock   `mapstructure:"stocks"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Status       StatusConfig       `mapstructure:"status"`
	Store        StoreConfig        `mapstructure:"store"`

	// Parsed session boundaries, populated by Validate.
	TradingStart clock.HHMM `mapstructure:"-"`
	TradingEnd   clock.HHMM `mapstructure:"-"`
}

// ScheduleConfig drives the scheduler loop.
type ScheduleConfig struct {
	TradingStartStr          string `mapstructure:"trading_start"` // "HH:MM"
	TradingEndStr            string `mapstructure:"trading_end"`   // "HH:MM"
	DefaultIntervalSeconds   int    `mapstructure:"default_interval_seconds"`
	DefaultOffsetSeconds     int    `mapstructure:"default_offset_seconds"`
	IdleCheckIntervalSeconds int    `mapstructure:"idle_check_interval_seconds"`
	LiquidationTime          string `mapstructure:"liquidation_time"` // "HH:MM", default 15:19
}

// SessionConfig tunes OAuth token lifetime handling.
type SessionConfig struct {
	TokenRefreshHoursBefore int `mapstructure:"token_refresh_hours_before"`
	TokenValidityHours      int `mapstructure:"token_validity_hours"`
}

// NotificationConfig selects Slack delivery. Empty webhook disables it.
type NotificationConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
	SlackChannel    string `mapstructure:"slack_channel"`
	NotifyOrders    bool   `mapstructure:"notify_orders"`
	NotifyFills     bool   `mapstructure:"notify_fills"`
	NotifyErrors    bool   `mapstructure:"notify_errors"`
}

// ExecutionConfig tunes order execution details.
type ExecutionConfig struct {
	PrefetchSecond      int     `mapstructure:"prefetch_second"`
	PrefetchCacheTTLSec int     `mapstructure:"prefetch_cache_ttl"`
	BuyFeeRate          float64 `mapstructure:"buy_fee_rate"`
	SellTaxRate         float64 `mapstructure:"sell_tax_rate"`
}

// Stock configures one traded symbol. Interval/offset default to the
// schedule-level values when zero. Only this structured shape is accepted;
// bare scalar entries under stocks: fail at unmarshal.
type Stock struct {
	Name            string           `mapstructure:"name"`
	IntervalSeconds int              `mapstructure:"interval_seconds"`
	OffsetSeconds   int              `mapstructure:"offset_seconds"`
	Strategies      []StrategyConfig `mapstructure:"strategies"`
}

// StrategyConfig attaches one strategy instance to a symbol.
//
//   - Allocation: percent (0-100] of broker-reported buyable quantity this
//     strategy may consume per buy signal. Zero means 100.
//   - ExecutionMode: "" or "scheduler" for cadence-driven strategies,
//     "websocket" for tick-driven scalping entries.
type StrategyConfig struct {
	Name          string         `mapstructure:"name"`
	Allocation    float64        `mapstructure:"allocation"`
	ExecutionMode string         `mapstructure:"execution_mode"`
	Params        map[string]any `mapstructure:"params"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the local status/metrics HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// StoreConfig sets where databases and session files live.
// Empty DataDir defaults to ~/.leverage_worker.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// Load reads trading_config.yaml with env var overrides.
// Sensitive fields use env vars: LW_SLACK_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if url := os.Getenv("LW_SLACK_WEBHOOK_URL"); url != "" {
		cfg.Notification.SlackWebhookURL = url
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Schedule.TradingStartStr == "" {
		cfg.Schedule.TradingStartStr = "09:00"
	}
	if cfg.Schedule.TradingEndStr == "" {
		cfg.Schedule.TradingEndStr = "15:30"
	}
	if cfg.Schedule.DefaultIntervalSeconds == 0 {
		cfg.Schedule.DefaultIntervalSeconds = 5
	}
	if cfg.Schedule.IdleCheckIntervalSeconds == 0 {
		cfg.Schedule.IdleCheckIntervalSeconds = 60
	}
	if cfg.Schedule.LiquidationTime == "" {
		cfg.Schedule.LiquidationTime = "15:19"
	}
	if cfg.Session.TokenRefreshHoursBefore == 0 {
		cfg.Session.TokenRefreshHoursBefore = 8
	}
	if cfg.Session.TokenValidityHours == 0 {
		cfg.Session.TokenValidityHours = 24
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Store.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.DataDir = filepath.Join(home, ".leverage_worker")
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	start, err := clock.ParseHHMM(c.Schedule.TradingStartStr)
	if err != nil {
		return fmt.Errorf("schedule.trading_start: %w", err)
	}
	end, err := clock.ParseHHMM(c.Schedule.TradingEndStr)
	if err != nil {
		return fmt.Errorf("schedule.trading_end: %w", err)
	}
	if start.MinuteOfDay() >= end.MinuteOfDay() {
		return fmt.Errorf("schedule: trading_start %s must precede trading_end %s", start, end)
	}
	c.TradingStart = start
	c.TradingEnd = end

	if _, err := clock.ParseHHMM(c.Schedule.LiquidationTime); err != nil {
		return fmt.Errorf("schedule.liquidation_time: %w", err)
	}
	if c.Schedule.DefaultIntervalSeconds < 1 || c.Schedule.DefaultIntervalSeconds > 60 {
		return fmt.Errorf("schedule.default_interval_seconds must be in [1,60]")
	}
	if c.Schedule.DefaultOffsetSeconds < 0 || c.Schedule.DefaultOffsetSeconds >= c.Schedule.DefaultIntervalSeconds {
		return fmt.Errorf("schedule.default_offset_seconds must be in [0, interval)")
	}

	if len(c.Stocks) == 0 {
		return fmt.Errorf("stocks: at least one symbol is required")
	}
	for symbol, stock := range c.Stocks {
		if len(symbol) != 6 {
			return fmt.Errorf("stocks.%s: symbol must be 6 characters", symbol)
		}
		interval := stock.IntervalSeconds
		if interval == 0 {
			interval = c.Schedule.DefaultIntervalSeconds
		}
		if interval < 1 || interval > 60 {
			return fmt.Errorf("stocks.%s: interval_seconds must be in [1,60]", symbol)
		}
		if stock.OffsetSeconds < 0 || stock.OffsetSeconds >= interval {
			return fmt.Errorf("stocks.%s: offset_seconds must be in [0, interval)", symbol)
		}
		if len(stock.Strategies) == 0 {
			return fmt.Errorf("stocks.%s: at least one strategy is required", symbol)
		}
		for _, sc := range stock.Strategies {
			if sc.Name == "" {
				return fmt.Errorf("stocks.%s: strategy name is required", symbol)
			}
			if sc.Allocation < 0 || sc.Allocation > 100 {
				return fmt.Errorf("stocks.%s.%s: allocation must be in [0,100]", symbol, sc.Name)
			}
			switch sc.ExecutionMode {
			case "", "scheduler", "websocket":
			default:
				return fmt.Errorf("stocks.%s.%s: execution_mode must be scheduler or websocket", symbol, sc.Name)
			}
		}
	}

	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be a valid TCP port")
	}
	return nil
}

// Interval returns the effective cadence for a symbol.
func (c *Config) Interval(symbol string) int {
	if s, ok := c.Stocks[symbol]; ok && s.IntervalSeconds > 0 {
		return s.IntervalSeconds
	}
	return c.Schedule.DefaultIntervalSeconds
}

// Offset returns the effective cadence offset for a symbol.
func (c *Config) Offset(symbol string) int {
	if s, ok := c.Stocks[symbol]; ok && s.IntervalSeconds > 0 {
		return s.OffsetSeconds
	}
	return c.Schedule.DefaultOffsetSeconds
}

// Symbols returns the configured symbols in deterministic order.
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Stocks))
	for s := range c.Stocks {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
