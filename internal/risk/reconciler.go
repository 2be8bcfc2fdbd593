package risk

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/exchange"
	"signal_trader/internal/risk/margin"
	"signal_trader/internal/state"
	"signal_trader/internal/trading/order"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"
	"signal_trader/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trigger names what asked for a reconciliation pass
type Trigger string

const (
	TriggerBoot     Trigger = "boot"
	TriggerSignal   Trigger = "signal"
	TriggerPeriodic Trigger = "periodic"
	TriggerManual   Trigger = "manual"
)

// Drift kinds reported by a pass
const (
	DriftFilledUnseen  = "filled_unseen"
	DriftMissing       = "missing"
	DriftUntracked     = "untracked"
	DriftEntryUnknown  = "entry_unknown"
	DriftExtraTradeKey = "extra_trade_key"
)

// Actions a pass may take on local state
const (
	ActionNone          = "none"
	ActionCleared       = "cleared"
	ActionReconstructed = "reconstructed"
)

// Finding is one divergence between local state and the venue
type Finding struct {
	Kind     string
	TradeKey string
	ClientID string
	Detail   string
}

// Result describes one reconciliation pass
type Result struct {
	Trigger     Trigger
	Status      string
	Action      string
	Findings    []Finding
	StartedAt   time.Time
	CompletedAt time.Time
}

// Reconciler compares the persisted position with the venue's open orders.
// It only clears a position on positive confirmation that the entry died
// unfilled and only rebuilds one from tagged orders; quantities are never
// repaired, drift is reported instead.
type Reconciler struct {
	exec     *order.Executor
	snapshot *exchange.Snapshot
	margin   *margin.Engine
	store    state.Store
	notifier core.INotifier
	risk     config.RiskConfig
	trading  config.TradingConfig
	clock    core.IClock
	logger   core.ILogger

	mu         sync.Mutex
	lastSignal time.Time

	statusMu   sync.RWMutex
	lastResult *Result
}

// NewReconciler creates a reconciler. Margin and notifier may be nil.
func NewReconciler(
	cfg *config.Config,
	exec *order.Executor,
	snapshot *exchange.Snapshot,
	marginEngine *margin.Engine,
	store state.Store,
	notifier core.INotifier,
	clock core.IClock,
	logger core.ILogger,
) *Reconciler {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Reconciler{
		exec:       exec,
		snapshot:   snapshot,
		margin:     marginEngine,
		store:      store,
		notifier:   notifier,
		risk:       cfg.Risk,
		trading:    cfg.Trading,
		clock:      clock,
		logger:     logger.WithField("component", "reconciler"),
		lastResult: &Result{Status: "never_run", Action: ActionNone},
	}
}

// Due reports whether a trigger should run now. Boot and manual always run;
// signal-triggered passes are throttled in memory, periodic ones by the
// persisted last-run stamp.
func (r *Reconciler) Due(trigger Trigger, st *state.State) bool {
	now := r.clock.Now()
	switch trigger {
	case TriggerSignal:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastSignal.IsZero() || now.Sub(r.lastSignal) >= r.risk.ReconcileSignalThrottle
	case TriggerPeriodic:
		return st.LastReconcile.IsZero() || now.Sub(st.LastReconcile) >= r.risk.ReconcileInterval
	}
	return true
}

// Reconcile performs a single pass and persists any change it made
func (r *Reconciler) Reconcile(ctx context.Context, st *state.State, trigger Trigger) (*Result, error) {
	now := r.clock.Now()
	res := &Result{Trigger: trigger, Status: "running", Action: ActionNone, StartedAt: now}
	if trigger == TriggerSignal {
		r.mu.Lock()
		r.lastSignal = now
		r.mu.Unlock()
	}

	r.snapshot.Invalidate()
	tagged, err := r.snapshot.Tagged(ctx)
	if err != nil {
		r.finish(res, "failed")
		return res, fmt.Errorf("failed to get open orders: %w", err)
	}

	pos := st.Position
	switch {
	case pos == nil && len(tagged) == 0:
	case pos == nil:
		err = r.reconstruct(ctx, st, tagged, res)
	case pos.Status == core.StatusClosed:
		// release is owned by the position manager
	default:
		err = r.checkLive(ctx, st, tagged, res)
	}
	if err != nil {
		r.finish(res, "failed")
		return res, err
	}

	st.LastReconcile = now
	if err := r.store.Save(ctx, st); err != nil {
		r.finish(res, "failed")
		return res, fmt.Errorf("save state: %w", err)
	}
	r.finish(res, "completed")
	r.logger.Info("Reconciliation pass completed",
		"trigger", trigger,
		"action", res.Action,
		"findings", len(res.Findings))
	return res, nil
}

func (r *Reconciler) finish(res *Result, status string) {
	res.Status = status
	res.CompletedAt = r.clock.Now()
	r.statusMu.Lock()
	r.lastResult = res
	r.statusMu.Unlock()
}

// GetStatus returns the result of the most recent pass
func (r *Reconciler) GetStatus() *Result {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastResult
}

// TriggerManual runs a pass immediately
func (r *Reconciler) TriggerManual(ctx context.Context, st *state.State) (*Result, error) {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx, st, TriggerManual)
}

func (r *Reconciler) checkLive(ctx context.Context, st *state.State, tagged []*core.Order, res *Result) error {
	pos := st.Position
	mine := make(map[string]*core.Order)
	for _, o := range tagged {
		key, _, ok := core.ParseClientID(r.trading.ClientIDPrefix, o.ClientOrderID)
		if ok && key == pos.TradeKey {
			mine[o.ClientOrderID] = o
		}
	}

	if len(mine) == 0 {
		cleared, err := r.clearIfEntryDead(ctx, st, res)
		if err != nil || cleared {
			return err
		}
	}

	now := r.clock.Now()
	for _, leg := range trackedLegs(pos) {
		if _, ok := mine[leg.id]; ok {
			continue
		}
		o, err := r.exec.Get(ctx, leg.id)
		switch {
		case apperrors.KindOf(err) == apperrors.KindNotFound:
			r.report(ctx, st, res, now, Finding{Kind: DriftMissing, TradeKey: pos.TradeKey, ClientID: leg.id, Detail: leg.name + " unknown to venue"})
		case err != nil:
			return fmt.Errorf("query %s: %w", leg.id, err)
		case o.Status == core.OrderStatusFilled:
			r.report(ctx, st, res, now, Finding{Kind: DriftFilledUnseen, TradeKey: pos.TradeKey, ClientID: leg.id, Detail: leg.name + " filled " + o.ExecutedQty.String()})
		case o.Status.IsDead():
			r.report(ctx, st, res, now, Finding{Kind: DriftMissing, TradeKey: pos.TradeKey, ClientID: leg.id, Detail: leg.name + " " + string(o.Status)})
		}
	}

	known := make(map[string]bool)
	for _, id := range pos.Orders.All() {
		known[id] = true
	}
	if pos.Watchdog != nil {
		for _, id := range pos.Watchdog.PendingCancel {
			known[id] = true
		}
	}
	if pos.Trail != nil && pos.Trail.PendingCancel != "" {
		known[pos.Trail.PendingCancel] = true
	}
	ids := make([]string, 0, len(tagged))
	for _, o := range tagged {
		if !known[o.ClientOrderID] {
			ids = append(ids, o.ClientOrderID)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.report(ctx, st, res, now, Finding{Kind: DriftUntracked, TradeKey: pos.TradeKey, ClientID: id, Detail: "working order not referenced by the position"})
	}
	return nil
}

// clearIfEntryDead drops a live position only when the venue confirms the
// entry is dead with nothing executed. An unknown entry is kept.
func (r *Reconciler) clearIfEntryDead(ctx context.Context, st *state.State, res *Result) (bool, error) {
	pos := st.Position
	id := pos.Orders.Entry
	if pos.Orders.EntryFallback != "" {
		id = pos.Orders.EntryFallback
	}
	if id == "" {
		return false, nil
	}
	o, err := r.exec.Get(ctx, id)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			if pos.Status == core.StatusPending && !pos.EntryPlacedAt.IsZero() {
				r.report(ctx, st, res, r.clock.Now(), Finding{Kind: DriftEntryUnknown, TradeKey: pos.TradeKey, ClientID: id, Detail: "entry unknown to venue, keeping position"})
			}
			return false, nil
		}
		return false, fmt.Errorf("query entry %s: %w", id, err)
	}
	if !o.Status.IsDead() || o.ExecutedQty.IsPositive() {
		return false, nil
	}

	key := pos.TradeKey
	r.logger.Warn("Entry confirmed dead with no fill, clearing position",
		"trade_key", key,
		"client_order_id", id,
		"status", o.Status)
	if r.margin != nil && r.margin.Enabled() {
		if _, err := r.margin.Repay(ctx, st, key); err != nil {
			r.logger.Warn("Repay after cleared entry failed", "trade_key", key, "error", err)
		}
	}
	st.Position = nil
	st.ReleaseLock()
	res.Action = ActionCleared
	telemetry.GetGlobalMetrics().IncReconcileDrift(ctx, ActionCleared)
	telemetry.GetGlobalMetrics().SetPosition(r.trading.Symbol, false, 0)
	r.notify(ctx, "reconcile_cleared", "warn", map[string]string{
		"trade_key": key,
		"entry":     id,
		"status":    string(o.Status),
	})
	return true, nil
}

type trackedLeg struct {
	name string
	id   string
}

// trackedLegs are the orders that should currently be working on the venue
func trackedLegs(pos *core.Position) []trackedLeg {
	var legs []trackedLeg
	switch pos.Status {
	case core.StatusPending:
		if pos.Orders.EntryFallback == "" && !pos.EntryPlacedAt.IsZero() {
			legs = append(legs, trackedLeg{"entry", pos.Orders.Entry})
		}
	case core.StatusOpen:
		trailing := pos.Trail != nil && (pos.Trail.PendingCancel != "" || pos.Trail.PendingStop.IsPositive())
		if pos.Placed.SL && pos.Orders.SL != "" && !trailing {
			legs = append(legs, trackedLeg{"stop", pos.Orders.SL})
		}
		if pos.Placed.TP1 && !pos.TP1Done {
			legs = append(legs, trackedLeg{"tp1", pos.Orders.TP1})
		}
		if pos.Placed.TP2 && !pos.TP2Done {
			legs = append(legs, trackedLeg{"tp2", pos.Orders.TP2})
		}
	}
	return legs
}

// reconstruct rebuilds a position shell from tagged open orders when local
// state has none
func (r *Reconciler) reconstruct(ctx context.Context, st *state.State, tagged []*core.Order, res *Result) error {
	groups := make(map[string][]*core.Order)
	latest := make(map[string]time.Time)
	for _, o := range tagged {
		key, _, ok := core.ParseClientID(r.trading.ClientIDPrefix, o.ClientOrderID)
		if !ok {
			continue
		}
		groups[key] = append(groups[key], o)
		if o.UpdateTime.After(latest[key]) {
			latest[key] = o.UpdateTime
		}
	}
	if len(groups) == 0 {
		return nil
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if latest[keys[i]].Equal(latest[keys[j]]) {
			return keys[i] < keys[j]
		}
		return latest[keys[i]].After(latest[keys[j]])
	})

	now := r.clock.Now()
	for _, extra := range keys[1:] {
		r.report(ctx, st, res, now, Finding{Kind: DriftExtraTradeKey, TradeKey: extra, Detail: fmt.Sprintf("%d orders of another trade key", len(groups[extra]))})
	}

	pos := Reconstruct(keys[0], groups[keys[0]], r.trading)
	if pos == nil {
		return nil
	}
	pos.CreatedAt = now
	st.Position = pos
	st.AcquireLock(uuid.NewString(), now, r.risk.LockTTL)
	res.Action = ActionReconstructed
	telemetry.GetGlobalMetrics().IncReconcileDrift(ctx, ActionReconstructed)
	telemetry.GetGlobalMetrics().SetPosition(r.trading.Symbol, true, pos.RemainingQty().InexactFloat64())
	r.logger.Warn("Position reconstructed from venue orders",
		"trade_key", pos.TradeKey,
		"status", pos.Status,
		"side", pos.Side,
		"entry", pos.EntryPrice,
		"orders", pos.Orders.All())
	r.notify(ctx, "position_reconstructed", "warn", map[string]string{
		"trade_key": pos.TradeKey,
		"status":    string(pos.Status),
		"side":      string(pos.Side),
	})
	return nil
}

// Reconstruct builds a position from the working orders of one trade key.
// A working entry gives a PENDING shell. Otherwise the exits give an OPEN
// position whose entry is inferred from TP1 (or TP2) and the stop.
func Reconstruct(key string, orders []*core.Order, tc config.TradingConfig) *core.Position {
	byLeg := make(map[string]*core.Order)
	var stop *core.Order
	stopLeg := ""
	for _, o := range orders {
		_, leg, ok := core.ParseClientID(tc.ClientIDPrefix, o.ClientOrderID)
		if !ok {
			continue
		}
		if core.IsStopLeg(leg) {
			if stop == nil || o.UpdateTime.After(stop.UpdateTime) {
				stop, stopLeg = o, leg
			}
			continue
		}
		byLeg[leg] = o
	}

	pos := &core.Position{
		TradeKey:      key,
		Symbol:        tc.Symbol,
		Reconstructed: true,
	}

	entry := byLeg[core.LegEntry]
	if entry == nil {
		entry = byLeg[core.LegEntryFallback]
	}
	if entry != nil {
		pos.Status = core.StatusPending
		pos.Side = sideOfEntry(entry.Side)
		pos.Qty = entry.Quantity
		pos.PlannedEntry = entry.Price
		pos.EntryType = entry.Type
		pos.EntryPlacedAt = entry.UpdateTime
		pos.Orders.Entry = entry.ClientOrderID
		return pos
	}

	tp1, tp2 := byLeg[core.LegTP1], byLeg[core.LegTP2]
	var sample *core.Order
	for _, o := range []*core.Order{stop, tp1, tp2} {
		if o != nil {
			sample = o
			break
		}
	}
	if sample == nil {
		return nil
	}
	pos.Status = core.StatusOpen
	pos.Side = sideOfExit(sample.Side)

	if tp1 != nil {
		pos.Orders.TP1 = tp1.ClientOrderID
		pos.Plan.TP1 = tp1.Price
		pos.Plan.Qty1 = tp1.Remaining()
		pos.Placed.TP1 = true
	}
	if tp2 != nil {
		pos.Orders.TP2 = tp2.ClientOrderID
		pos.Plan.TP2 = tp2.Price
		pos.Plan.Qty2 = tp2.Remaining()
		pos.Placed.TP2 = true
	}

	basis := pos.Plan.Qty1.Add(pos.Plan.Qty2)
	if stop != nil {
		pos.Orders.SL = stop.ClientOrderID
		pos.CurrentStop = stop.StopPrice
		pos.StopQty = stop.Remaining()
		pos.Plan.StopLoss = stop.StopPrice
		pos.Placed.SL = true
		basis = pos.StopQty

		switch core.LegKind(stopLeg) {
		case core.LegBreakeven:
			pos.TP1Done = tp1 == nil
		case core.LegTrail:
			pos.TP1Done, pos.TP2Done = tp1 == nil, tp2 == nil
			seq, _ := strconv.Atoi(strings.TrimPrefix(stopLeg, core.LegTrail))
			pos.Trail = &core.TrailState{Active: true, Qty: pos.StopQty, Stop: pos.CurrentStop, Seq: seq}
		}
	}
	if runner := basis.Sub(pos.Plan.Qty1).Sub(pos.Plan.Qty2); runner.IsPositive() {
		pos.Plan.Qty3 = runner
	}
	pos.FilledQty = pos.Plan.Total()
	pos.Qty = pos.FilledQty
	pos.EntryPrice = InferEntry(pos.Side, pos.Plan, tc)
	return pos
}

// InferEntry solves TP = E + r*(E - SL) for E: E = (TP + r*SL) / (1 + r).
// It returns zero when the plan lacks a stop or a target.
func InferEntry(side core.Side, plan core.ExitPlan, tc config.TradingConfig) decimal.Decimal {
	if !plan.StopLoss.IsPositive() {
		return decimal.Zero
	}
	tp, r := plan.TP1, tc.TP1R
	if !tp.IsPositive() {
		tp, r = plan.TP2, tc.TP2R
	}
	if !tp.IsPositive() || !r.IsPositive() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	e := tp.Add(r.Mul(plan.StopLoss)).Div(one.Add(r))
	return tradingutils.RoundToStep(e, tc.TickSize)
}

func sideOfEntry(s core.OrderSide) core.Side {
	if s == core.OrderSideBuy {
		return core.SideLong
	}
	return core.SideShort
}

func sideOfExit(s core.OrderSide) core.Side {
	if s == core.OrderSideSell {
		return core.SideLong
	}
	return core.SideShort
}

// report records a finding and alerts at most once per throttle window per
// (kind, client id)
func (r *Reconciler) report(ctx context.Context, st *state.State, res *Result, now time.Time, f Finding) {
	res.Findings = append(res.Findings, f)
	telemetry.GetGlobalMetrics().IncReconcileDrift(ctx, f.Kind)
	if !st.AllowAlert("reconcile:"+f.Kind+":"+f.TradeKey+":"+f.ClientID, now, r.risk.ReconcileAlertThrottle) {
		return
	}
	r.logger.Warn("Reconciliation drift",
		"kind", f.Kind,
		"trade_key", f.TradeKey,
		"client_order_id", f.ClientID,
		"detail", f.Detail)
	r.notify(ctx, "reconcile_drift", "warn", map[string]string{
		"kind":            f.Kind,
		"trade_key":       f.TradeKey,
		"client_order_id": f.ClientID,
		"detail":          f.Detail,
	})
}

func (r *Reconciler) notify(ctx context.Context, event, level string, fields map[string]string) {
	if r.notifier != nil {
		r.notifier.Notify(ctx, event, level, fields)
	}
}
