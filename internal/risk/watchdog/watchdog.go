// Package watchdog holds the safety-net planners run against a live position
// every manage pass. Planners are pure: they read venue and price views and
// return at most one plan; the caller executes it.
package watchdog

import (
	"fmt"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Action is what the caller should do about a leg
type Action string

const (
	ActionMarketFlatten  Action = "MARKET_FLATTEN"
	ActionAcceptDust     Action = "ACCEPT_DUST"
	ActionMarketCloseLeg Action = "MARKET_CLOSE_LEG"
	ActionPromoteTrail   Action = "PROMOTE_TRAIL"
)

// Refire keys stored in WatchdogState.LastFallback
const (
	KeySL  = "sl"
	KeyTP1 = "tp1"
	KeyTP2 = "tp2"
)

// Plan is one corrective step
type Plan struct {
	Action Action
	Key    string
	Qty    decimal.Decimal
	// Executed is what the inspected leg had already filled
	Executed decimal.Decimal
	Reason   string
}

func (p *Plan) String() string {
	return fmt.Sprintf("%s %s qty=%s (%s)", p.Action, p.Key, p.Qty, p.Reason)
}

// Config bounds how long a condition may persist before a plan fires
type Config struct {
	SLGrace       time.Duration
	PartialIdle   time.Duration
	FallbackRetry time.Duration
	Step          decimal.Decimal
	MinQty        decimal.Decimal
	MinNotional   decimal.Decimal
}

// ConfigFrom assembles planner settings
func ConfigFrom(risk config.RiskConfig, trading config.TradingConfig) Config {
	return Config{
		SLGrace:       risk.SLGrace,
		PartialIdle:   risk.PartialIdle,
		FallbackRetry: risk.FallbackRetry,
		Step:          trading.StepSize,
		MinQty:        trading.MinQty,
		MinNotional:   trading.MinNotional,
	}
}

// Crossed reports whether price traded through stop
func Crossed(side core.Side, stop, price decimal.Decimal) bool {
	if !stop.IsPositive() || !price.IsPositive() {
		return false
	}
	if side.IsLong() {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}

// Past reports whether price reached or went beyond a profit target
func Past(side core.Side, target, price decimal.Decimal) bool {
	if !target.IsPositive() || !price.IsPositive() {
		return false
	}
	if side.IsLong() {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

// TrackCrossing returns the updated crossing timestamp: set on the first
// observation of a crossed stop, kept while crossed, cleared otherwise
func TrackCrossing(side core.Side, stop, price decimal.Decimal, since *time.Time, now time.Time) *time.Time {
	if !Crossed(side, stop, price) {
		return nil
	}
	if since != nil {
		return since
	}
	ts := now
	return &ts
}

func suppressed(last map[string]time.Time, key string, now time.Time, retry time.Duration) bool {
	ts, ok := last[key]
	return ok && now.Sub(ts) < retry
}

func executed(o *core.Order) decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	return o.ExecutedQty
}

// SLInput is the stop leg view for one pass
type SLInput struct {
	Side  core.Side
	Stop  decimal.Decimal
	Price decimal.Decimal
	// StopOrder is the venue view of the live stop; nil when the venue does not know it
	StopOrder *core.Order
	// Remaining is the exposure still open
	Remaining decimal.Decimal
	// TrackedQty is the quantity the stop was placed for
	TrackedQty   decimal.Decimal
	CrossedSince *time.Time
	LastFallback map[string]time.Time
	Now          time.Time
}

// PlanSL decides whether the stop leg needs a market fallback
func PlanSL(cfg Config, in SLInput) *Plan {
	o := in.StopOrder
	if o != nil && o.Status == core.OrderStatusFilled {
		return nil
	}
	unfilled := in.Remaining.Sub(executed(o))
	if !unfilled.IsPositive() {
		return nil
	}

	var reason string
	switch {
	case in.CrossedSince != nil && Crossed(in.Side, in.Stop, in.Price) && in.Now.Sub(*in.CrossedSince) >= cfg.SLGrace:
		reason = "stop_crossed"
	case o != nil && o.Status == core.OrderStatusPartiallyFilled && !o.UpdateTime.IsZero() && in.Now.Sub(o.UpdateTime) >= cfg.PartialIdle:
		reason = "partial_idle"
	case o == nil || o.Status.IsDead():
		reason = "stop_missing"
	case in.TrackedQty.IsPositive() && !o.Quantity.Equal(in.TrackedQty):
		reason = "qty_mismatch"
	default:
		return nil
	}

	if suppressed(in.LastFallback, KeySL, in.Now, cfg.FallbackRetry) {
		return nil
	}
	plan := &Plan{Action: ActionMarketFlatten, Key: KeySL, Qty: unfilled, Executed: executed(o), Reason: reason}
	if tradingutils.IsDust(unfilled, in.Price, cfg.MinQty, cfg.MinNotional) {
		plan.Action = ActionAcceptDust
	}
	return plan
}

// TPInput is one take-profit leg view for one pass
type TPInput struct {
	Side   core.Side
	Key    string // KeyTP1 or KeyTP2
	Target decimal.Decimal
	Price  decimal.Decimal
	// Order is the venue view of the leg; nil when the venue does not know it
	Order  *core.Order
	LegQty decimal.Decimal
	// Runner is qty3, carried into the trail when TP2 is promoted
	Runner       decimal.Decimal
	LastFallback map[string]time.Time
	Now          time.Time
}

// PlanTP decides whether a take-profit leg that price already went through
// needs help: TP1 closes its unfilled part at market, TP2 hands its unfilled
// part plus the runner to the trail.
func PlanTP(cfg Config, in TPInput) *Plan {
	o := in.Order
	if o != nil && o.Status == core.OrderStatusFilled {
		return nil
	}
	if !Past(in.Side, in.Target, in.Price) {
		return nil
	}

	var reason string
	switch {
	case o == nil:
		reason = "tp_missing"
	case o.Status.IsDead():
		reason = "tp_" + string(o.Status)
	case o.Status == core.OrderStatusPartiallyFilled:
		reason = "tp_partial"
	default:
		return nil
	}

	done := executed(o)
	unfilled := in.LegQty.Sub(done)
	if unfilled.IsNegative() {
		unfilled = decimal.Zero
	}
	if suppressed(in.LastFallback, in.Key, in.Now, cfg.FallbackRetry) {
		return nil
	}

	if in.Key == KeyTP2 {
		qty := unfilled.Add(in.Runner)
		if !qty.IsPositive() {
			return nil
		}
		return &Plan{Action: ActionPromoteTrail, Key: in.Key, Qty: qty, Executed: done, Reason: reason}
	}

	if !unfilled.IsPositive() {
		return nil
	}
	plan := &Plan{Action: ActionMarketCloseLeg, Key: in.Key, Qty: unfilled, Executed: done, Reason: reason}
	if tradingutils.IsDust(unfilled, in.Price, cfg.MinQty, cfg.MinNotional) {
		plan.Action = ActionAcceptDust
	}
	return plan
}
