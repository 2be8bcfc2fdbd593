// Package risk holds the cross-checks that run beside the position manager:
// exchange-truth reconciliation and the invariant monitor.
package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/state"
	"signal_trader/internal/trading/exits"
	"signal_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Invariant names
const (
	InvProtectiveOrder = "protective_order"
	InvPriceHierarchy  = "price_hierarchy"
	InvLegSum          = "leg_sum"
	InvRequiredFields  = "required_fields"
	InvTrailing        = "trailing"
	InvRepeatedRejects = "repeated_rejections"
	InvMarginMode      = "margin_mode"
	InvLingeringDebt   = "lingering_debt"
)

const invThrottlePrefix = "inv:"

// Failure is one violated invariant
type Failure struct {
	Invariant string
	TradeKey  string
	Detail    string
}

func (f Failure) String() string {
	if f.TradeKey == "" {
		return f.Invariant + ": " + f.Detail
	}
	return f.Invariant + "[" + f.TradeKey + "]: " + f.Detail
}

// Report is the outcome of one sweep. Surfaced holds the failures that
// passed the alert throttle. Halt is set when a failure asks the engine to
// stop new entries.
type Report struct {
	At       time.Time
	Failures []Failure
	Surfaced []Failure
	Halt     string
}

// OK reports a sweep with no failures
func (r Report) OK() bool { return len(r.Failures) == 0 }

// Monitor sweeps the persisted state for broken invariants. Its only side
// effects are logs, notifications and the throttle stamps in state.
type Monitor struct {
	risk           config.RiskConfig
	trading        config.TradingConfig
	marginEnabled  bool
	exchangeMargin bool
	params         exits.Params
	notifier       core.INotifier
	logger         core.ILogger
}

// NewMonitor creates an invariant monitor. exchangeMargin is the account
// mode the venue adapter runs in.
func NewMonitor(cfg *config.Config, exchangeMargin bool, notifier core.INotifier, logger core.ILogger) *Monitor {
	return &Monitor{
		risk:           cfg.Risk,
		trading:        cfg.Trading,
		marginEnabled:  cfg.Margin.Enabled,
		exchangeMargin: exchangeMargin,
		params:         exits.ParamsFrom(cfg.Trading),
		notifier:       notifier,
		logger:         logger.WithField("component", "invariant_monitor"),
	}
}

// Sweep checks st against the open orders of the venue
func (m *Monitor) Sweep(ctx context.Context, st *state.State, open []*core.Order, now time.Time) Report {
	rep := Report{At: now}
	add := func(inv, key, format string, args ...interface{}) {
		rep.Failures = append(rep.Failures, Failure{Invariant: inv, TradeKey: key, Detail: fmt.Sprintf(format, args...)})
	}

	if pos := st.Position; pos != nil {
		m.checkRequired(pos, st, add)
		if pos.Status == core.StatusOpen {
			m.checkProtective(pos, open, add)
			m.checkHierarchy(pos, add)
			m.checkLegSum(pos, add)
			m.checkTrailing(pos, add)
		}
	}

	for _, rc := range st.RejectionCounts(now, m.risk.RejectWindow) {
		if m.risk.RejectThreshold > 0 && rc.Count >= m.risk.RejectThreshold {
			add(InvRepeatedRejects, fmt.Sprintf("code%d", rc.Code), "venue code %d seen %d times within %s", rc.Code, rc.Count, m.risk.RejectWindow)
		}
	}

	if m.marginEnabled != m.exchangeMargin {
		add(InvMarginMode, "", "config margin=%t but exchange margin=%t", m.marginEnabled, m.exchangeMargin)
	}

	if !st.HasLivePosition() {
		assets := make([]string, 0, len(st.Ledger))
		for asset := range st.Ledger {
			assets = append(assets, asset)
		}
		sort.Strings(assets)
		for _, asset := range assets {
			for key, e := range st.Ledger[asset] {
				if now.Sub(e.BorrowedAt) >= m.risk.DebtGrace {
					add(InvLingeringDebt, key, "%s %s borrowed at %s still owed", e.Amount, asset, e.BorrowedAt.Format(time.RFC3339))
					if m.risk.HaltOnDebt {
						rep.Halt = InvLingeringDebt
					}
				}
			}
		}
	}

	for _, f := range rep.Failures {
		telemetry.GetGlobalMetrics().IncInvariantFailure(ctx, f.Invariant)
		if !st.AllowAlert(invThrottlePrefix+f.Invariant+":"+f.TradeKey, now, m.risk.InvariantThrottle) {
			continue
		}
		rep.Surfaced = append(rep.Surfaced, f)
		m.logger.Error("Invariant failed", "invariant", f.Invariant, "trade_key", f.TradeKey, "detail", f.Detail)
		if m.notifier != nil {
			m.notifier.Notify(ctx, "invariant_failed", "error", map[string]string{
				"invariant": f.Invariant,
				"trade_key": f.TradeKey,
				"detail":    f.Detail,
			})
		}
	}
	st.PruneThrottle(now, 24*time.Hour)
	return rep
}

type addFunc func(inv, key, format string, args ...interface{})

func (m *Monitor) checkRequired(pos *core.Position, st *state.State, add addFunc) {
	missing := func(field string) { add(InvRequiredFields, pos.TradeKey, "%s position missing %s", pos.Status, field) }
	if pos.TradeKey == "" {
		missing("trade_key")
	}
	switch pos.Status {
	case core.StatusPending:
		if pos.Orders.Entry == "" {
			missing("entry order id")
		}
		if !pos.Qty.IsPositive() {
			missing("qty")
		}
		if !pos.PlannedEntry.IsPositive() {
			missing("planned entry")
		}
		if st.Lock.Token == "" && !pos.Reconstructed {
			missing("lock token")
		}
	case core.StatusOpenFilled, core.StatusOpen:
		if !pos.FilledQty.IsPositive() {
			missing("filled qty")
		}
		if !pos.EntryPrice.IsPositive() && !pos.Reconstructed {
			missing("entry price")
		}
		if pos.Status == core.StatusOpen {
			if pos.Plan.IsZero() {
				missing("exit plan")
			}
			if pos.Orders.SL == "" {
				missing("stop order id")
			}
			if !pos.CurrentStop.IsPositive() {
				missing("current stop")
			}
		}
	case core.StatusClosed:
		if pos.ClosedAt.IsZero() {
			missing("closed_at")
		}
		if pos.CloseReason == "" {
			missing("close reason")
		}
	}
}

// checkProtective requires the tracked stop among the working orders while
// exposure remains. A trail move in flight is exempt.
func (m *Monitor) checkProtective(pos *core.Position, open []*core.Order, add addFunc) {
	if !pos.RemainingQty().IsPositive() {
		return
	}
	if pos.Trail != nil && (pos.Trail.PendingCancel != "" || pos.Trail.PendingStop.IsPositive()) {
		return
	}
	for _, o := range open {
		if o.ClientOrderID == pos.Orders.SL && !o.Status.IsTerminal() {
			return
		}
	}
	add(InvProtectiveOrder, pos.TradeKey, "stop %s not working with %s open", pos.Orders.SL, pos.RemainingQty())
}

func (m *Monitor) checkHierarchy(pos *core.Position, add addFunc) {
	if pos.Reconstructed || !pos.EntryPrice.IsPositive() {
		return
	}
	p := pos.Plan
	long := pos.Side.IsLong()
	beyond := func(a, b decimal.Decimal) bool {
		if long {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	}
	if !beyond(pos.EntryPrice, p.StopLoss) {
		add(InvPriceHierarchy, pos.TradeKey, "stop %s not on the loss side of entry %s", p.StopLoss, pos.EntryPrice)
	}
	if p.TP1.IsPositive() && !beyond(p.TP1, pos.EntryPrice) {
		add(InvPriceHierarchy, pos.TradeKey, "tp1 %s not beyond entry %s", p.TP1, pos.EntryPrice)
	}
	if p.TP2.IsPositive() && beyond(p.TP1, p.TP2) {
		add(InvPriceHierarchy, pos.TradeKey, "tp2 %s before tp1 %s", p.TP2, p.TP1)
	}
	onBreakeven := pos.Orders.SL == core.ClientID(m.trading.ClientIDPrefix, pos.TradeKey, core.LegBreakeven)
	if onBreakeven && !pos.TrailActive() && !exits.WithinBreakeven(pos.Side, pos.CurrentStop, pos.EntryPrice, m.params) {
		add(InvPriceHierarchy, pos.TradeKey, "post-TP1 stop %s outside breakeven band of %s", pos.CurrentStop, pos.EntryPrice)
	}
}

// checkLegSum requires the legs to split the exit basis exactly and the
// completed fills never to exceed it
func (m *Monitor) checkLegSum(pos *core.Position, add addFunc) {
	total := pos.Plan.Total()
	if !pos.Reconstructed {
		if basis := m.params.Basis(pos.FilledQty); !total.Equal(basis) {
			add(InvLegSum, pos.TradeKey, "legs sum to %s, exit basis is %s", total, basis)
		}
	}
	f := pos.Fills
	done := f.TP1.Add(f.TP2).Add(f.SL).Add(f.Flatten)
	if done.GreaterThan(total) {
		add(InvLegSum, pos.TradeKey, "completed fills %s exceed legs %s", done, total)
	}
}

func (m *Monitor) checkTrailing(pos *core.Position, add addFunc) {
	if !pos.TrailActive() {
		return
	}
	tr := pos.Trail
	if !pos.TP2Done {
		add(InvTrailing, pos.TradeKey, "trailing before TP2 completed")
	}
	if tr.Qty.IsNegative() {
		add(InvTrailing, pos.TradeKey, "negative trail qty %s", tr.Qty)
	}
	if tr.PendingCancel == "" && !tr.PendingStop.IsPositive() {
		if tr.Seq > 0 && !pos.StopQty.Equal(tr.Qty) {
			add(InvTrailing, pos.TradeKey, "stop covers %s, trail qty is %s", pos.StopQty, tr.Qty)
		}
		if tr.Seq > 0 && !tr.Stop.Equal(pos.CurrentStop) {
			add(InvTrailing, pos.TradeKey, "trail stop %s differs from current stop %s", tr.Stop, pos.CurrentStop)
		}
	}
	_, leg, ok := core.ParseClientID(m.trading.ClientIDPrefix, pos.Orders.SL)
	if tr.Seq > 0 && (!ok || core.LegKind(leg) != core.LegTrail) {
		add(InvTrailing, pos.TradeKey, "stop id %s is not a trailing leg", pos.Orders.SL)
	}
}
