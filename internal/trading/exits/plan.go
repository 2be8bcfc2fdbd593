// Package exits computes, validates and places the protective and
// profit-taking legs of a filled entry.
package exits

import (
	"errors"
	"fmt"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

var (
	ErrBadOrdering      = errors.New("exit prices out of order")
	ErrMisaligned       = errors.New("exit value off the venue grid")
	ErrQtyMismatch      = errors.New("exit quantities do not sum to the filled quantity")
	ErrBelowMinimum     = errors.New("exit leg below venue minimum")
	ErrNothingToProtect = errors.New("filled quantity is not tradable")
)

// Params is the exit geometry and venue filters
type Params struct {
	Tick         decimal.Decimal
	Step         decimal.Decimal
	MinQty       decimal.Decimal
	MinNotional  decimal.Decimal
	SLPct        decimal.Decimal
	MaxStopPct   decimal.Decimal
	TP1R         decimal.Decimal
	TP2R         decimal.Decimal
	BETolerance  decimal.Decimal
	StopLimitPct decimal.Decimal
	Haircut      int
}

// ParamsFrom extracts exit parameters from the trading config
func ParamsFrom(cfg config.TradingConfig) Params {
	return Params{
		Tick:         cfg.TickSize,
		Step:         cfg.StepSize,
		MinQty:       cfg.MinQty,
		MinNotional:  cfg.MinNotional,
		SLPct:        cfg.SLPct,
		MaxStopPct:   cfg.MaxStopPct,
		TP1R:         cfg.TP1R,
		TP2R:         cfg.TP2R,
		BETolerance:  cfg.BETolerance,
		StopLimitPct: cfg.StopLimitPct,
		Haircut:      cfg.ExitHaircut,
	}
}

var one = decimal.NewFromInt(1)

// Basis is the quantity the exits cover: the filled quantity floored to the
// step, less the configured haircut steps for fee-reduced balances.
func (p Params) Basis(filled decimal.Decimal) decimal.Decimal {
	basis := tradingutils.FloorToStep(filled, p.Step)
	if p.Haircut > 0 {
		basis = basis.Sub(p.Step.Mul(decimal.NewFromInt(int64(p.Haircut))))
	}
	if basis.IsNegative() {
		return decimal.Zero
	}
	return basis
}

// StopPrice picks the farther of the percentage stop and the swing level,
// bounded by MaxStopPct, rounded so it is never easier to hit and kept
// strictly on the loss side of entry.
func StopPrice(side core.Side, entry, swing decimal.Decimal, p Params) decimal.Decimal {
	long := side.IsLong()
	var stop, bound decimal.Decimal
	if long {
		stop = entry.Mul(one.Sub(p.SLPct))
		if swing.IsPositive() && swing.LessThan(stop) {
			stop = swing
		}
		if p.MaxStopPct.IsPositive() {
			bound = entry.Mul(one.Sub(p.MaxStopPct))
			if stop.LessThan(bound) {
				stop = bound
			}
		}
	} else {
		stop = entry.Mul(one.Add(p.SLPct))
		if swing.IsPositive() && swing.GreaterThan(stop) {
			stop = swing
		}
		if p.MaxStopPct.IsPositive() {
			bound = entry.Mul(one.Add(p.MaxStopPct))
			if stop.GreaterThan(bound) {
				stop = bound
			}
		}
	}

	stop = tradingutils.RoundHarder(stop, p.Tick, long)
	if long && stop.GreaterThanOrEqual(entry) {
		stop = tradingutils.FloorToStep(entry, p.Tick).Sub(p.Tick)
	}
	if !long && stop.LessThanOrEqual(entry) {
		stop = tradingutils.CeilToStep(entry, p.Tick).Add(p.Tick)
	}
	return stop
}

// TargetPrice is entry plus r risk units in the profit direction, rounded
// so it is easier to hit but never at or through entry
func TargetPrice(side core.Side, entry, stop, r decimal.Decimal, p Params) decimal.Decimal {
	long := side.IsLong()
	risk := entry.Sub(stop).Abs().Mul(r)
	var tp decimal.Decimal
	if long {
		tp = tradingutils.RoundEasier(entry.Add(risk), p.Tick, true)
		if tp.LessThanOrEqual(entry) {
			tp = tradingutils.CeilToStep(entry, p.Tick).Add(p.Tick)
		}
	} else {
		tp = tradingutils.RoundEasier(entry.Sub(risk), p.Tick, false)
		if tp.GreaterThanOrEqual(entry) {
			tp = tradingutils.FloorToStep(entry, p.Tick).Sub(p.Tick)
		}
	}
	return tp
}

// BuildPlan computes stop, targets and the quantity split for a filled entry.
// The split is thirds, degrading to halves when a third is not tradable,
// then to a single TP leg.
func BuildPlan(side core.Side, entry, filled, swing decimal.Decimal, p Params) (core.ExitPlan, error) {
	if !entry.IsPositive() {
		return core.ExitPlan{}, fmt.Errorf("entry price must be positive")
	}
	stop := StopPrice(side, entry, swing, p)
	tp1 := TargetPrice(side, entry, stop, p.TP1R, p)
	tp2 := TargetPrice(side, entry, stop, p.TP2R, p)
	if side.IsLong() && tp2.LessThan(tp1) || !side.IsLong() && tp2.GreaterThan(tp1) {
		tp2 = tp1
	}

	plan := core.ExitPlan{StopLoss: stop, TP1: tp1, TP2: tp2}
	basis := p.Basis(filled)
	if tradingutils.IsDust(basis, entry, p.MinQty, p.MinNotional) {
		return plan, fmt.Errorf("%w: %s", ErrNothingToProtect, basis)
	}

	tradable := func(q, px decimal.Decimal) bool {
		return !tradingutils.IsDust(q, px, p.MinQty, p.MinNotional)
	}

	third := tradingutils.FloorToStep(basis.Div(decimal.NewFromInt(3)), p.Step)
	rest := basis.Sub(third).Sub(third)
	if tradable(third, tp1) && tradable(third, tp2) && tradable(rest, stop) {
		plan.Qty1, plan.Qty2, plan.Qty3 = third, third, rest
		return plan, nil
	}

	half := tradingutils.FloorToStep(basis.Div(decimal.NewFromInt(2)), p.Step)
	if tradable(half, tp1) && tradable(basis.Sub(half), tp2) {
		plan.Qty1, plan.Qty2 = half, basis.Sub(half)
		return plan, nil
	}

	plan.Qty1 = basis
	plan.TP2 = tp1
	return plan, nil
}

// Validate refuses a plan the venue would reject or that breaks the
// position's price and quantity invariants
func Validate(plan core.ExitPlan, entry decimal.Decimal, side core.Side, filled decimal.Decimal, p Params) error {
	long := side.IsLong()
	if long {
		if !(plan.StopLoss.LessThan(entry) && entry.LessThan(plan.TP1) && plan.TP1.LessThanOrEqual(plan.TP2)) {
			return fmt.Errorf("%w: stop=%s entry=%s tp1=%s tp2=%s", ErrBadOrdering, plan.StopLoss, entry, plan.TP1, plan.TP2)
		}
	} else {
		if !(plan.StopLoss.GreaterThan(entry) && entry.GreaterThan(plan.TP1) && plan.TP1.GreaterThanOrEqual(plan.TP2)) {
			return fmt.Errorf("%w: stop=%s entry=%s tp1=%s tp2=%s", ErrBadOrdering, plan.StopLoss, entry, plan.TP1, plan.TP2)
		}
	}
	if !plan.StopLoss.IsPositive() {
		return fmt.Errorf("%w: stop %s", ErrBadOrdering, plan.StopLoss)
	}

	for name, px := range map[string]decimal.Decimal{"stop": plan.StopLoss, "tp1": plan.TP1, "tp2": plan.TP2} {
		if !tradingutils.IsAligned(px, p.Tick) {
			return fmt.Errorf("%w: %s price %s tick %s", ErrMisaligned, name, px, p.Tick)
		}
	}
	legs := []struct {
		name string
		qty  decimal.Decimal
		px   decimal.Decimal
	}{
		{"qty1", plan.Qty1, plan.TP1},
		{"qty2", plan.Qty2, plan.TP2},
		{"qty3", plan.Qty3, plan.StopLoss},
	}
	for _, l := range legs {
		if l.qty.IsNegative() {
			return fmt.Errorf("%w: %s negative", ErrBelowMinimum, l.name)
		}
		if !tradingutils.IsAligned(l.qty, p.Step) {
			return fmt.Errorf("%w: %s %s step %s", ErrMisaligned, l.name, l.qty, p.Step)
		}
		if l.qty.IsPositive() && tradingutils.IsDust(l.qty, l.px, p.MinQty, p.MinNotional) {
			return fmt.Errorf("%w: %s %s at %s", ErrBelowMinimum, l.name, l.qty, l.px)
		}
	}
	if !plan.Qty1.IsPositive() {
		return fmt.Errorf("%w: qty1 empty", ErrBelowMinimum)
	}
	if !tradingutils.WithinStep(plan.Total(), p.Basis(filled), p.Step) {
		return fmt.Errorf("%w: legs=%s basis=%s", ErrQtyMismatch, plan.Total(), p.Basis(filled))
	}
	if plan.Total().GreaterThan(filled) {
		return fmt.Errorf("%w: legs=%s exceed filled=%s", ErrQtyMismatch, plan.Total(), filled)
	}
	return nil
}

// StopLimitPrice is the limit attached to a stop trigger, placed beyond the
// trigger by StopLimitPct so the order still fills through a gap
func StopLimitPrice(side core.Side, stop decimal.Decimal, p Params) decimal.Decimal {
	long := side.IsLong()
	var px decimal.Decimal
	if long {
		px = stop.Mul(one.Sub(p.StopLimitPct))
	} else {
		px = stop.Mul(one.Add(p.StopLimitPct))
	}
	return tradingutils.RoundHarder(px, p.Tick, long)
}

// BreakevenStop is the post-TP1 stop at the actual fill price
func BreakevenStop(side core.Side, fill decimal.Decimal, p Params) decimal.Decimal {
	return tradingutils.RoundHarder(fill, p.Tick, side.IsLong())
}

// WithinBreakeven reports whether stop sits at entry within the tolerance band
// and never beyond entry on the profit side
func WithinBreakeven(side core.Side, stop, entry decimal.Decimal, p Params) bool {
	band := entry.Mul(p.BETolerance)
	if p.Tick.GreaterThan(band) {
		band = p.Tick
	}
	if side.IsLong() {
		return stop.LessThanOrEqual(entry) && entry.Sub(stop).LessThanOrEqual(band)
	}
	return stop.GreaterThanOrEqual(entry) && stop.Sub(entry).LessThanOrEqual(band)
}
