// Package margin funds entries by borrowing only the shortfall and repays
// exactly what it borrowed for a trade once that trade is closed.
package margin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/state"
	"signal_trader/pkg/telemetry"
	"signal_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Funding describes what Prepare did for one entry
type Funding struct {
	Asset     string
	Need      decimal.Decimal
	Free      decimal.Decimal
	Shortfall decimal.Decimal
	Borrowed  decimal.Decimal
}

// Repayment describes what Repay did for one asset
type Repayment struct {
	Asset   string
	Ledger  decimal.Decimal
	Repaid  decimal.Decimal
	Cleared bool
}

// Engine is the margin debt policy. It is inert when margin is disabled.
type Engine struct {
	exchange core.IExchange
	cfg      config.MarginConfig
	base     string
	quote    string
	logger   core.ILogger
	clock    core.IClock
}

// NewEngine creates the margin policy engine for one base/quote pair
func NewEngine(exchange core.IExchange, cfg config.MarginConfig, baseAsset, quoteAsset string, logger core.ILogger, clock core.IClock) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Engine{
		exchange: exchange,
		cfg:      cfg,
		base:     baseAsset,
		quote:    quoteAsset,
		logger:   logger.WithField("component", "margin_engine"),
		clock:    clock,
	}
}

// Enabled reports whether the engine borrows at all
func (e *Engine) Enabled() bool {
	return e.cfg.Enabled
}

// Requirement returns the asset and amount an entry consumes, including
// the safety buffer: quote notional for LONG, base quantity for SHORT.
func (e *Engine) Requirement(side core.Side, price, qty decimal.Decimal) (string, decimal.Decimal) {
	buffer := decimal.NewFromInt(1).Add(e.cfg.BufferPct)
	if side.IsLong() {
		return e.quote, price.Mul(qty).Mul(buffer)
	}
	return e.base, qty.Mul(buffer)
}

// Prepare borrows the shortfall needed for an entry at the order's own price
// and quantity, rounded up to the lending step, and books it to tradeKey.
func (e *Engine) Prepare(ctx context.Context, st *state.State, tradeKey string, side core.Side, price, qty decimal.Decimal) (Funding, error) {
	if !e.Enabled() {
		return Funding{}, nil
	}
	asset, need := e.Requirement(side, price, qty)
	f := Funding{Asset: asset, Need: need}

	bal, err := e.exchange.GetBalance(ctx, asset)
	if err != nil {
		return f, fmt.Errorf("margin balance %s: %w", asset, err)
	}
	f.Free = bal.Free
	f.Shortfall = need.Sub(bal.Free)
	if !f.Shortfall.IsPositive() {
		f.Shortfall = decimal.Zero
		e.logger.Debug("No borrow needed", "asset", asset, "need", need, "free", bal.Free)
		return f, nil
	}

	amount := tradingutils.CeilToStep(f.Shortfall, e.cfg.LendingStep)
	if err := e.exchange.Borrow(ctx, asset, amount); err != nil {
		return f, fmt.Errorf("borrow %s %s: %w", amount, asset, err)
	}
	f.Borrowed = amount
	st.AddDebt(asset, tradeKey, amount, e.clock.Now())
	e.publish(st)
	e.logger.Info("Borrowed entry shortfall",
		"trade_key", tradeKey,
		"asset", asset,
		"need", need,
		"free", bal.Free,
		"borrowed", amount)
	return f, nil
}

// Repay returns what this engine borrowed for tradeKey: per asset the minimum
// of the ledger amount, the venue debt and the free balance. Entries are
// cleared once the venue confirms. Other trade keys are never touched, and
// calling it again after a full repay does nothing.
func (e *Engine) Repay(ctx context.Context, st *state.State, tradeKey string) ([]Repayment, error) {
	entries := st.DebtFor(tradeKey)
	if len(entries) == 0 {
		return nil, nil
	}
	assets := make([]string, 0, len(entries))
	for a := range entries {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	var (
		out  []Repayment
		errs []error
	)
	for _, asset := range assets {
		entry := entries[asset]
		r := Repayment{Asset: asset, Ledger: entry.Amount}

		bal, err := e.exchange.GetBalance(ctx, asset)
		if err != nil {
			errs = append(errs, fmt.Errorf("repay balance %s: %w", asset, err))
			continue
		}
		debt := bal.Debt()
		if !debt.IsPositive() {
			// venue already settled it (auto-repay or manual)
			st.ReduceDebt(asset, tradeKey, entry.Amount)
			r.Cleared = true
			out = append(out, r)
			continue
		}

		amount := decimal.Min(entry.Amount, debt, bal.Free)
		if !amount.IsPositive() {
			e.logger.Warn("Repay deferred, no free balance", "trade_key", tradeKey, "asset", asset, "ledger", entry.Amount, "debt", debt)
			out = append(out, r)
			continue
		}
		if err := e.exchange.Repay(ctx, asset, amount); err != nil {
			errs = append(errs, fmt.Errorf("repay %s %s: %w", amount, asset, err))
			continue
		}
		st.ReduceDebt(asset, tradeKey, amount)
		r.Repaid = amount
		r.Cleared = amount.GreaterThanOrEqual(entry.Amount)
		out = append(out, r)
		e.logger.Info("Repaid trade debt", "trade_key", tradeKey, "asset", asset, "amount", amount, "cleared", r.Cleared)
	}
	e.publish(st)
	return out, errors.Join(errs...)
}

// Outstanding sums the ledger per asset
func Outstanding(st *state.State) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for asset, byKey := range st.Ledger {
		sum := decimal.Zero
		for _, e := range byKey {
			sum = sum.Add(e.Amount)
		}
		if sum.IsPositive() {
			out[asset] = sum
		}
	}
	return out
}

// OldestBorrow returns the earliest borrow time still on the ledger
func OldestBorrow(st *state.State) (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, byKey := range st.Ledger {
		for _, e := range byKey {
			if !found || e.BorrowedAt.Before(oldest) {
				oldest = e.BorrowedAt
				found = true
			}
		}
	}
	return oldest, found
}

func (e *Engine) publish(st *state.State) {
	m := telemetry.GetGlobalMetrics()
	out := Outstanding(st)
	for _, asset := range []string{e.base, e.quote} {
		f, _ := out[asset].Float64()
		m.SetMarginDebt(asset, f)
	}
}
