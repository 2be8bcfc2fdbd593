// Package safety provides the pre-flight checks run before the trader starts
package safety

import (
	"context"
	"fmt"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Report summarizes a passed pre-flight
type Report struct {
	Mid        decimal.Decimal
	EntryQty   decimal.Decimal
	CanLong    bool
	CanShort   bool
	ThirdsSize bool
	OpenTagged int
}

// SafetyChecker implements pre-flight validation
type SafetyChecker struct {
	cfg    *config.Config
	logger core.ILogger
}

// NewSafetyChecker creates a new safety checker
func NewSafetyChecker(cfg *config.Config, logger core.ILogger) *SafetyChecker {
	return &SafetyChecker{
		cfg:    cfg,
		logger: logger.WithField("component", "safety"),
	}
}

// Run performs every check and fails on the first hard error
func (s *SafetyChecker) Run(ctx context.Context, exchange core.IExchange) (*Report, error) {
	if err := s.ValidateTradingParameters(); err != nil {
		return nil, err
	}
	mid, err := s.CheckExchangeConnectivity(ctx, exchange)
	if err != nil {
		return nil, err
	}
	return s.CheckAccountSafety(ctx, exchange, mid)
}

// ValidateTradingParameters checks the symbol filters and exit geometry
// against each other without touching the venue
func (s *SafetyChecker) ValidateTradingParameters() error {
	t := s.cfg.Trading
	if t.Symbol == "" {
		return fmt.Errorf("trading symbol cannot be empty")
	}
	if !t.TickSize.IsPositive() || !t.StepSize.IsPositive() {
		return fmt.Errorf("tick size and step size must be positive: tick=%s step=%s", t.TickSize, t.StepSize)
	}
	if t.Notional.LessThan(t.MinNotional) {
		return fmt.Errorf("notional %s below venue minimum notional %s", t.Notional, t.MinNotional)
	}
	if !t.TP2R.GreaterThan(t.TP1R) {
		return fmt.Errorf("tp2_r %s must exceed tp1_r %s", t.TP2R, t.TP1R)
	}
	if t.SLPct.GreaterThan(t.MaxStopPct) {
		return fmt.Errorf("sl_pct %s exceeds max_stop_pct %s", t.SLPct, t.MaxStopPct)
	}
	if !tradingutils.IsAligned(t.EntryOffset, t.TickSize) {
		s.logger.Warn("Entry offset is not on the tick grid", "entry_offset", t.EntryOffset, "tick_size", t.TickSize)
	}
	return nil
}

// CheckExchangeConnectivity reads a price, a balance and the open orders
func (s *SafetyChecker) CheckExchangeConnectivity(ctx context.Context, exchange core.IExchange) (decimal.Decimal, error) {
	t := s.cfg.Trading
	s.logger.Info("Checking exchange connectivity", "exchange", exchange.GetName())

	price, err := exchange.GetMidPrice(ctx, t.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price access failed: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price received: %s", price)
	}
	if _, err := exchange.GetBalance(ctx, t.QuoteAsset); err != nil {
		return decimal.Zero, fmt.Errorf("account access failed: %w", err)
	}
	if _, err := exchange.GetOpenOrders(ctx, t.Symbol); err != nil {
		return decimal.Zero, fmt.Errorf("open orders access failed: %w", err)
	}

	s.logger.Info("Exchange connectivity check passed", "exchange", exchange.GetName(), "price", price)
	return price, nil
}

// CheckAccountSafety sizes a trade at the current price and checks the
// account can fund at least one side of it
func (s *SafetyChecker) CheckAccountSafety(ctx context.Context, exchange core.IExchange, mid decimal.Decimal) (*Report, error) {
	t := s.cfg.Trading
	if s.cfg.Margin.Enabled != exchange.UsesMargin() {
		return nil, fmt.Errorf("margin mode mismatch: config margin=%t, exchange margin=%t", s.cfg.Margin.Enabled, exchange.UsesMargin())
	}

	qty, err := tradingutils.SizeQuantity(t.Notional, mid, t.StepSize, t.MinQty, t.MinNotional)
	if err != nil {
		return nil, fmt.Errorf("notional %s cannot size a tradable order at %s: %w", t.Notional, mid, err)
	}
	rep := &Report{Mid: mid, EntryQty: qty}

	third := tradingutils.FloorToStep(qty.Div(decimal.NewFromInt(3)), t.StepSize)
	rep.ThirdsSize = !tradingutils.IsDust(third, mid, t.MinQty, t.MinNotional)
	if !rep.ThirdsSize {
		s.logger.Warn("Notional too small for three exit legs; plans will degrade", "qty", qty, "third", third)
	}

	if s.cfg.Margin.Enabled {
		rep.CanLong, rep.CanShort = true, true
	} else {
		quote, err := exchange.GetBalance(ctx, t.QuoteAsset)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s balance: %w", t.QuoteAsset, err)
		}
		base, err := exchange.GetBalance(ctx, t.BaseAsset)
		if err != nil {
			return nil, fmt.Errorf("failed to get %s balance: %w", t.BaseAsset, err)
		}
		rep.CanLong = quote.Free.GreaterThanOrEqual(qty.Mul(mid))
		rep.CanShort = base.Free.GreaterThanOrEqual(qty)
		if !rep.CanLong && !rep.CanShort {
			return nil, fmt.Errorf("insufficient balance for either side: %s %s free, %s %s free, need %s %s or %s %s",
				quote.Free, t.QuoteAsset, base.Free, t.BaseAsset, qty.Mul(mid), t.QuoteAsset, qty, t.BaseAsset)
		}
		if !rep.CanLong || !rep.CanShort {
			s.logger.Warn("Account can fund only one side", "can_long", rep.CanLong, "can_short", rep.CanShort)
		}
	}

	if open, err := exchange.GetOpenOrders(ctx, t.Symbol); err == nil {
		for _, o := range open {
			if _, _, ok := core.ParseClientID(t.ClientIDPrefix, o.ClientOrderID); ok {
				rep.OpenTagged++
			}
		}
	}
	if rep.OpenTagged > 0 {
		s.logger.Warn("Tagged orders already working; boot reconcile will adopt them", "count", rep.OpenTagged)
	}

	s.logger.Info("Account safety check completed successfully", "qty", qty, "can_long", rep.CanLong, "can_short", rep.CanShort)
	return rep, nil
}
