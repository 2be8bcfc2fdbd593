// Package exchange wires the venue adapter and the caches the trader reads it through
package exchange

import (
	"fmt"
	"strings"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/exchange/binance"
	"signal_trader/internal/mock"
)

// NewExchange creates the venue named in the configuration
func NewExchange(cfg *config.Config, logger core.ILogger) (core.IExchange, error) {
	switch strings.ToLower(cfg.Exchange.Name) {
	case "binance":
		if !cfg.Exchange.APIKey.IsSet() || !cfg.Exchange.SecretKey.IsSet() {
			return nil, fmt.Errorf("binance requires api_key and secret_key")
		}
		logger.Info("Using Binance spot", "base_url", cfg.Exchange.BaseURL, "api_key", cfg.Exchange.APIKey.Fingerprint(), "margin", cfg.Margin.Enabled)
		return binance.NewExchange(cfg.Exchange, cfg.Margin.Enabled, logger), nil
	case "mock":
		logger.Warn("Using in-memory mock exchange, no orders reach a venue")
		ex := mock.NewMockExchange("mock", cfg.Margin.Enabled)
		ex.SetAutoMatch(true)
		return ex, nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Exchange.Name)
	}
}
