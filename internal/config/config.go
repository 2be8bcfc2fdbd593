// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Margin    MarginConfig    `yaml:"margin"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Timing    TimingConfig    `yaml:"timing"`
	Notify    NotifyConfig    `yaml:"notify"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains file locations shared by the runtime
type AppConfig struct {
	StateFile        string `yaml:"state_file"`
	SignalLog        string `yaml:"signal_log"`
	FeedFile         string `yaml:"feed_file"`
	EventLog         string `yaml:"event_log"`
	EventLogMaxLines int    `yaml:"event_log_max_lines"`
	JournalPath      string `yaml:"journal_path"`
}

// ExchangeConfig contains venue connectivity settings
type ExchangeConfig struct {
	Name       string        `yaml:"name"` // binance or mock
	APIKey     Secret        `yaml:"api_key"`
	SecretKey  Secret        `yaml:"secret_key"`
	BaseURL    string        `yaml:"base_url"`
	RecvWindow int           `yaml:"recv_window"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second
	RateBurst  int           `yaml:"rate_burst"`
}

// TradingConfig contains symbol filters, sizing and exit geometry
type TradingConfig struct {
	Symbol         string          `yaml:"symbol"`
	BaseAsset      string          `yaml:"base_asset"`
	QuoteAsset     string          `yaml:"quote_asset"`
	TickSize       decimal.Decimal `yaml:"tick_size"`
	StepSize       decimal.Decimal `yaml:"step_size"`
	MinQty         decimal.Decimal `yaml:"min_qty"`
	MinNotional    decimal.Decimal `yaml:"min_notional"`
	Notional       decimal.Decimal `yaml:"notional"`
	EntryOffset    decimal.Decimal `yaml:"entry_offset"`
	EntryTimeout   time.Duration   `yaml:"entry_timeout"`
	MarketFallback bool            `yaml:"market_fallback"`
	MaxDeviation   decimal.Decimal `yaml:"max_deviation_pct"`
	SLPct          decimal.Decimal `yaml:"sl_pct"`
	MaxStopPct     decimal.Decimal `yaml:"max_stop_pct"`
	SwingLookback  time.Duration   `yaml:"swing_lookback"`
	TP1R           decimal.Decimal `yaml:"tp1_r"`
	TP2R           decimal.Decimal `yaml:"tp2_r"`
	BETolerance    decimal.Decimal `yaml:"be_tolerance_pct"`
	TrailInterval  time.Duration   `yaml:"trail_interval"`
	TrailLookback  time.Duration   `yaml:"trail_lookback"`
	TrailBuffer    decimal.Decimal `yaml:"trail_buffer_pct"`
	StopLimitPct   decimal.Decimal `yaml:"stop_limit_pct"`
	ClientIDPrefix string          `yaml:"client_id_prefix"`
	ExitHaircut    int             `yaml:"exit_haircut_steps"`
}

// RiskConfig contains lock, watchdog, reconcile and invariant settings
type RiskConfig struct {
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	Cooldown                time.Duration `yaml:"cooldown"`
	StaleEntryAfter         time.Duration `yaml:"stale_entry_after"`
	SLGrace                 time.Duration `yaml:"sl_grace"`
	PartialIdle             time.Duration `yaml:"partial_idle"`
	FallbackRetry           time.Duration `yaml:"fallback_retry"`
	ExitGrace               time.Duration `yaml:"exit_grace"`
	RejectThreshold         int           `yaml:"reject_threshold"`
	RejectWindow            time.Duration `yaml:"reject_window"`
	DebtGrace               time.Duration `yaml:"debt_grace"`
	HaltOnDebt              bool          `yaml:"halt_on_debt"`
	InvariantInterval       time.Duration `yaml:"invariant_interval"`
	InvariantThrottle       time.Duration `yaml:"invariant_throttle"`
	ReconcileInterval       time.Duration `yaml:"reconcile_interval"`
	ReconcileSignalThrottle time.Duration `yaml:"reconcile_signal_throttle"`
	ReconcileAlertThrottle  time.Duration `yaml:"reconcile_alert_throttle"`
}

// MarginConfig contains borrow/repay policy settings
type MarginConfig struct {
	Enabled     bool            `yaml:"enabled"`
	BufferPct   decimal.Decimal `yaml:"buffer_pct"`
	LendingStep decimal.Decimal `yaml:"lending_step"`
}

// DedupConfig contains signal dedup and tail settings
type DedupConfig struct {
	LogicVersion  string `yaml:"logic_version"`
	PriceDecimals int32  `yaml:"price_decimals"`
	TailLines     int    `yaml:"tail_lines"`
	TailBytes     int64  `yaml:"tail_bytes"`
	SeenCap       int    `yaml:"seen_cap"`
}

// TimingConfig contains loop cadence and cache freshness
type TimingConfig struct {
	Tick           time.Duration `yaml:"tick"`
	ManageInterval time.Duration `yaml:"manage_interval"`
	SnapshotTTL    time.Duration `yaml:"snapshot_ttl"`
	PriceTTL       time.Duration `yaml:"price_ttl"`
	CallTimeout    time.Duration `yaml:"call_timeout"` // deadline of one loop tick
}

// NotifyConfig contains outbound notification channels
type NotifyConfig struct {
	WebhookURL      string        `yaml:"webhook_url"`
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	PoolSize        int           `yaml:"pool_size"`
	Timeout         time.Duration `yaml:"timeout"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	StdoutExport  bool `yaml:"stdout_export"` // pretty-print spans and OTel log records
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Unset fields fall back to DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	for _, check := range []func() []error{
		c.validateAppConfig,
		c.validateExchangeConfig,
		c.validateTradingConfig,
		c.validateRiskConfig,
		c.validateMarginConfig,
		c.validateDedupConfig,
		c.validateTimingConfig,
		c.validateSystemConfig,
	} {
		for _, err := range check() {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() []error {
	var errs []error
	required := map[string]string{
		"app.state_file": c.App.StateFile,
		"app.signal_log": c.App.SignalLog,
		"app.feed_file":  c.App.FeedFile,
	}
	for field, v := range required {
		if v == "" {
			errs = append(errs, ValidationError{Field: field, Message: "path is required"})
		}
	}
	if c.App.EventLogMaxLines < 0 {
		errs = append(errs, ValidationError{Field: "app.event_log_max_lines", Value: c.App.EventLogMaxLines, Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateExchangeConfig() []error {
	var errs []error
	switch c.Exchange.Name {
	case "mock":
	case "binance":
		if c.Exchange.APIKey == "" {
			errs = append(errs, ValidationError{Field: "exchange.api_key", Message: "API key is required"})
		}
		if c.Exchange.SecretKey == "" {
			errs = append(errs, ValidationError{Field: "exchange.secret_key", Message: "secret key is required"})
		}
	default:
		errs = append(errs, ValidationError{Field: "exchange.name", Value: c.Exchange.Name, Message: "must be one of: binance, mock"})
	}
	if c.Exchange.RateLimit <= 0 {
		errs = append(errs, ValidationError{Field: "exchange.rate_limit", Value: c.Exchange.RateLimit, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateTradingConfig() []error {
	var errs []error
	t := c.Trading
	if t.Symbol == "" {
		errs = append(errs, ValidationError{Field: "trading.symbol", Message: "trading symbol is required"})
	}
	if t.BaseAsset == "" || t.QuoteAsset == "" {
		errs = append(errs, ValidationError{Field: "trading.base_asset/quote_asset", Message: "both assets are required"})
	}
	positive := map[string]decimal.Decimal{
		"trading.tick_size": t.TickSize,
		"trading.step_size": t.StepSize,
		"trading.notional":  t.Notional,
		"trading.sl_pct":    t.SLPct,
		"trading.tp1_r":     t.TP1R,
		"trading.tp2_r":     t.TP2R,
	}
	for field, v := range positive {
		if !v.IsPositive() {
			errs = append(errs, ValidationError{Field: field, Value: v, Message: "must be positive"})
		}
	}
	if t.EntryOffset.IsNegative() {
		errs = append(errs, ValidationError{Field: "trading.entry_offset", Value: t.EntryOffset, Message: "must not be negative"})
	}
	if t.TP2R.LessThan(t.TP1R) {
		errs = append(errs, ValidationError{Field: "trading.tp2_r", Value: t.TP2R, Message: "must be >= tp1_r"})
	}
	if t.MaxStopPct.IsPositive() && t.MaxStopPct.LessThan(t.SLPct) {
		errs = append(errs, ValidationError{Field: "trading.max_stop_pct", Value: t.MaxStopPct, Message: "must be >= sl_pct"})
	}
	if t.EntryTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "trading.entry_timeout", Value: t.EntryTimeout, Message: "must be positive"})
	}
	if t.ClientIDPrefix == "" || len(t.ClientIDPrefix) > 8 {
		errs = append(errs, ValidationError{Field: "trading.client_id_prefix", Value: t.ClientIDPrefix, Message: "must be 1-8 characters"})
	}
	if strings.Contains(t.ClientIDPrefix, "-") {
		errs = append(errs, ValidationError{Field: "trading.client_id_prefix", Value: t.ClientIDPrefix, Message: "must not contain '-'"})
	}
	if t.ExitHaircut < 0 {
		errs = append(errs, ValidationError{Field: "trading.exit_haircut_steps", Value: t.ExitHaircut, Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateRiskConfig() []error {
	var errs []error
	if c.Risk.LockTTL <= 0 {
		errs = append(errs, ValidationError{Field: "risk.lock_ttl", Value: c.Risk.LockTTL, Message: "must be positive"})
	}
	if c.Risk.FallbackRetry <= 0 {
		errs = append(errs, ValidationError{Field: "risk.fallback_retry", Value: c.Risk.FallbackRetry, Message: "must be positive"})
	}
	if c.Risk.RejectThreshold < 1 {
		errs = append(errs, ValidationError{Field: "risk.reject_threshold", Value: c.Risk.RejectThreshold, Message: "must be >= 1"})
	}
	return errs
}

func (c *Config) validateMarginConfig() []error {
	if !c.Margin.Enabled {
		return nil // Skip validation if disabled
	}
	var errs []error
	if !c.Margin.LendingStep.IsPositive() {
		errs = append(errs, ValidationError{Field: "margin.lending_step", Value: c.Margin.LendingStep, Message: "must be positive when margin is enabled"})
	}
	if c.Margin.BufferPct.IsNegative() {
		errs = append(errs, ValidationError{Field: "margin.buffer_pct", Value: c.Margin.BufferPct, Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateDedupConfig() []error {
	var errs []error
	if c.Dedup.TailLines < 1 {
		errs = append(errs, ValidationError{Field: "dedup.tail_lines", Value: c.Dedup.TailLines, Message: "must be >= 1"})
	}
	if c.Dedup.SeenCap < c.Dedup.TailLines {
		errs = append(errs, ValidationError{Field: "dedup.seen_cap", Value: c.Dedup.SeenCap, Message: "must be >= tail_lines"})
	}
	if c.Dedup.PriceDecimals < 0 {
		errs = append(errs, ValidationError{Field: "dedup.price_decimals", Value: c.Dedup.PriceDecimals, Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateTimingConfig() []error {
	var errs []error
	positive := []struct {
		field string
		v     time.Duration
	}{
		{"timing.tick", c.Timing.Tick},
		{"timing.manage_interval", c.Timing.ManageInterval},
		{"timing.call_timeout", c.Timing.CallTimeout},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, ValidationError{Field: p.field, Value: p.v, Message: "must be positive"})
		}
	}
	return errs
}

func (c *Config) validateSystemConfig() []error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return []error{ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the baseline configuration; LoadConfig overlays the file on it
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			StateFile:        "data/state.json",
			SignalLog:        "data/signals.jsonl",
			FeedFile:         "data/feed.csv",
			EventLog:         "data/events.jsonl",
			EventLogMaxLines: 5000,
			JournalPath:      "data/journal.db",
		},
		Exchange: ExchangeConfig{
			Name:       "mock",
			BaseURL:    "https://api.binance.com",
			RecvWindow: 5000,
			Timeout:    5 * time.Second,
			RateLimit:  10,
			RateBurst:  20,
		},
		Trading: TradingConfig{
			Symbol:         "BTCUSDT",
			BaseAsset:      "BTC",
			QuoteAsset:     "USDT",
			TickSize:       decimal.RequireFromString("0.01"),
			StepSize:       decimal.RequireFromString("0.001"),
			MinQty:         decimal.RequireFromString("0.001"),
			MinNotional:    decimal.RequireFromString("5"),
			Notional:       decimal.RequireFromString("10.06"),
			EntryOffset:    decimal.RequireFromString("0.50"),
			EntryTimeout:   60 * time.Second,
			MarketFallback: false,
			MaxDeviation:   decimal.RequireFromString("0.003"),
			SLPct:          decimal.RequireFromString("0.002"),
			MaxStopPct:     decimal.RequireFromString("0.02"),
			SwingLookback:  15 * time.Minute,
			TP1R:           decimal.RequireFromString("1"),
			TP2R:           decimal.RequireFromString("2"),
			BETolerance:    decimal.RequireFromString("0.0005"),
			TrailInterval:  30 * time.Second,
			TrailLookback:  5 * time.Minute,
			TrailBuffer:    decimal.RequireFromString("0.003"),
			StopLimitPct:   decimal.RequireFromString("0.001"),
			ClientIDPrefix: "st",
		},
		Risk: RiskConfig{
			LockTTL:                 2 * time.Minute,
			Cooldown:                5 * time.Minute,
			StaleEntryAfter:         2 * time.Minute,
			SLGrace:                 5 * time.Second,
			PartialIdle:             30 * time.Second,
			FallbackRetry:           15 * time.Second,
			ExitGrace:               60 * time.Second,
			RejectThreshold:         3,
			RejectWindow:            10 * time.Minute,
			DebtGrace:               30 * time.Minute,
			InvariantInterval:       10 * time.Second,
			InvariantThrottle:       10 * time.Minute,
			ReconcileInterval:       60 * time.Second,
			ReconcileSignalThrottle: 10 * time.Second,
			ReconcileAlertThrottle:  10 * time.Minute,
		},
		Margin: MarginConfig{
			Enabled:     false,
			BufferPct:   decimal.RequireFromString("0.01"),
			LendingStep: decimal.RequireFromString("0.00001"),
		},
		Dedup: DedupConfig{
			LogicVersion:  "peak-v2",
			PriceDecimals: 2,
			TailLines:     200,
			TailBytes:     256 * 1024,
			SeenCap:       2000,
		},
		Timing: TimingConfig{
			Tick:           time.Second,
			ManageInterval: 2 * time.Second,
			SnapshotTTL:    2 * time.Second,
			PriceTTL:       time.Second,
			CallTimeout:    5 * time.Second,
		},
		Notify: NotifyConfig{
			PoolSize: 2,
			Timeout:  5 * time.Second,
		},
		System: SystemConfig{
			LogLevel:      "INFO",
			LogMaxSizeMB:  50,
			LogMaxBackups: 5,
			LogMaxAgeDays: 14,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
