package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/risk/watchdog"
	"signal_trader/internal/state"
	"signal_trader/internal/trading/exits"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"
	"signal_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Manage advances the live position by one step: fill detection, exit
// placement, breakeven, trailing and the watchdog safety nets.
func (m *Manager) Manage(ctx context.Context, st *state.State) error {
	pos := st.Position
	if pos == nil {
		return nil
	}
	ctx, span := m.tracer.Start(ctx, "Manage", trace.WithAttributes(
		attribute.String("trade_key", pos.TradeKey),
		attribute.String("status", string(pos.Status)),
	))
	defer span.End()

	if pos.Status == core.StatusClosed {
		return m.releaseSlot(ctx, st)
	}
	st.ExtendLock(st.Lock.Token, m.clock.Now(), m.risk.LockTTL)
	if err := m.retryPendingCancels(ctx, st); err != nil {
		return err
	}
	if st.Position == nil || st.Position.Status == core.StatusClosed {
		return nil
	}

	var err error
	switch pos.Status {
	case core.StatusPending:
		err = m.checkEntry(ctx, st)
	case core.StatusOpenFilled:
		err = m.prepareExits(ctx, st)
	case core.StatusOpen:
		err = m.manageOpen(ctx, st)
	}
	if st.Position != nil && st.Position.Status.IsLive() {
		telemetry.GetGlobalMetrics().SetPosition(m.trading.Symbol, true, st.Position.RemainingQty().InexactFloat64())
	}
	return err
}

func (m *Manager) checkEntry(ctx context.Context, st *state.State) error {
	pos := st.Position
	id := pos.Orders.Entry
	if pos.Orders.EntryFallback != "" {
		id = pos.Orders.EntryFallback
	}
	if pos.EntryPlacedAt.IsZero() && pos.Orders.EntryFallback == "" {
		return nil
	}
	o, err := m.exec.Get(ctx, id)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil
		}
		return fmt.Errorf("check entry: %w", err)
	}
	switch {
	case o.Status == core.OrderStatusFilled:
		return m.onEntryFilled(ctx, st, o)
	case o.Status.IsDead() && o.ExecutedQty.IsPositive():
		return m.onEntryFilled(ctx, st, o)
	case o.Status.IsDead():
		return m.abortEntry(ctx, st, "entry_"+string(o.Status))
	}
	return nil
}

// onEntryFilled records the fill and moves to OPEN_FILLED
func (m *Manager) onEntryFilled(ctx context.Context, st *state.State, o *core.Order) error {
	pos := st.Position
	now := m.clock.Now()
	pos.FilledQty = o.ExecutedQty
	pos.Fills.Entry = o.ExecutedQty
	pos.EntryPrice = o.FillPrice()
	pos.FilledAt = now
	pos.Status = core.StatusOpenFilled
	m.logger.Info("Entry filled",
		"trade_key", pos.TradeKey,
		"price", pos.EntryPrice,
		"qty", pos.FilledQty,
		"type", o.Type)
	if err := m.save(ctx, st); err != nil {
		return err
	}
	m.emit(ctx, "entry_filled", "info", map[string]string{
		"trade_key": pos.TradeKey,
		"price":     pos.EntryPrice.String(),
		"qty":       pos.FilledQty.String(),
	})
	return m.prepareExits(ctx, st)
}

// prepareExits computes the plan once and places the legs until all are
// acknowledged
func (m *Manager) prepareExits(ctx context.Context, st *state.State) error {
	pos := st.Position
	if pos.Plan.IsZero() {
		swing := m.swing(pos.Side, m.trading.SwingLookback)
		plan, err := exits.BuildPlan(pos.Side, pos.EntryPrice, pos.FilledQty, swing, m.params)
		if errors.Is(err, exits.ErrNothingToProtect) {
			m.logger.Warn("Filled quantity is dust, closing without exits", "trade_key", pos.TradeKey, "qty", pos.FilledQty)
			return m.Finalize(ctx, st, "dust_entry")
		}
		if err == nil {
			err = exits.Validate(plan, pos.EntryPrice, pos.Side, pos.FilledQty, m.params)
		}
		if err != nil {
			m.markExitFailure(pos)
			m.logger.Error("Exit plan refused", "trade_key", pos.TradeKey, "error", err)
			return errors.Join(fmt.Errorf("exit plan: %w", err), m.save(ctx, st), m.checkExitGrace(ctx, st))
		}
		pos.Plan = plan
		m.logger.Info("Exit plan",
			"trade_key", pos.TradeKey,
			"stop", plan.StopLoss,
			"tp1", plan.TP1,
			"tp2", plan.TP2,
			"qty1", plan.Qty1,
			"qty2", plan.Qty2,
			"qty3", plan.Qty3)
		if err := m.save(ctx, st); err != nil {
			return err
		}
	}

	res, err := m.placer.Ensure(ctx, pos, func() error { return m.save(ctx, st) })
	if len(res.Placed) > 0 {
		m.invalidate()
	}
	if res.Complete {
		pos.Status = core.StatusOpen
		pos.OpenedAt = m.clock.Now()
		m.clearExitFailure(pos)
		m.logger.Info("Exits placed, position open", "trade_key", pos.TradeKey, "orders", pos.Orders.All())
		return errors.Join(err, m.save(ctx, st))
	}
	if err != nil {
		m.markExitFailure(pos)
		return errors.Join(err, m.save(ctx, st), m.checkExitGrace(ctx, st))
	}
	return nil
}

func (m *Manager) markExitFailure(pos *core.Position) {
	wd := pos.EnsureWatchdog()
	wd.Errors++
	if wd.ExitFailSince == nil {
		ts := m.clock.Now()
		wd.ExitFailSince = &ts
	}
}

func (m *Manager) clearExitFailure(pos *core.Position) {
	if pos.Watchdog != nil {
		pos.Watchdog.ExitFailSince = nil
	}
}

// checkExitGrace flattens the whole position once protective placement has
// been failing for longer than the exit grace
func (m *Manager) checkExitGrace(ctx context.Context, st *state.State) error {
	pos := st.Position
	if pos == nil || pos.Watchdog == nil || pos.Watchdog.ExitFailSince == nil {
		return nil
	}
	if m.clock.Now().Sub(*pos.Watchdog.ExitFailSince) < m.risk.ExitGrace {
		return nil
	}
	m.logger.Error("Exit placement failing beyond grace, flattening", "trade_key", pos.TradeKey, "since", *pos.Watchdog.ExitFailSince)
	return m.flatten(ctx, st, "exit_grace")
}

// fetch returns the venue view of id, nil when the venue does not know it
func (m *Manager) fetch(ctx context.Context, id string) (*core.Order, error) {
	if id == "" {
		return nil, nil
	}
	o, err := m.exec.Get(ctx, id)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

func (m *Manager) manageOpen(ctx context.Context, st *state.State) error {
	pos := st.Position
	now := m.clock.Now()

	sl, err := m.fetch(ctx, pos.Orders.SL)
	if err != nil {
		return fmt.Errorf("fetch stop: %w", err)
	}
	if sl != nil && sl.Status == core.OrderStatusFilled {
		return m.onStopFilled(ctx, st, sl)
	}

	if !pos.TP1Done && pos.Orders.TP1 != "" {
		tp1, err := m.fetch(ctx, pos.Orders.TP1)
		if err != nil {
			return fmt.Errorf("fetch tp1: %w", err)
		}
		if tp1 != nil && tp1.Status == core.OrderStatusFilled {
			if err := m.onTP1(ctx, st, tp1.ExecutedQty, tp1.FillPrice()); err != nil {
				return err
			}
			if st.Position == nil || pos.Status != core.StatusOpen {
				return nil
			}
		}
	}
	if !pos.TP2Done && pos.Orders.TP2 != "" {
		tp2, err := m.fetch(ctx, pos.Orders.TP2)
		if err != nil {
			return fmt.Errorf("fetch tp2: %w", err)
		}
		if tp2 != nil && tp2.Status == core.OrderStatusFilled {
			if err := m.onTP2(ctx, st, tp2.ExecutedQty, tp2.FillPrice(), false); err != nil {
				return err
			}
		}
	}
	if st.Position == nil || pos.Status != core.StatusOpen {
		return nil
	}
	if m.targetsComplete(pos) {
		return m.Finalize(ctx, st, "targets_filled")
	}

	if pos.TP1Done && !pos.TrailActive() && !m.isBreakeven(pos.Orders.SL) {
		if err := m.placeBreakeven(ctx, st); err != nil {
			m.logger.Warn("Breakeven stop not placed yet", "trade_key", pos.TradeKey, "error", err)
		}
		if st.Position == nil || pos.Status != core.StatusOpen {
			return nil
		}
	}
	if pos.TP1Done && !pos.TrailActive() && m.isBreakeven(pos.Orders.SL) && pos.StopQty.GreaterThan(m.stopCoverage(pos)) {
		if err := m.resizeStop(ctx, st); err != nil {
			m.logger.Warn("Stop resize failed", "trade_key", pos.TradeKey, "error", err)
		}
		if st.Position == nil || pos.Status != core.StatusOpen {
			return nil
		}
	}
	if pos.TrailActive() {
		if err := m.updateTrail(ctx, st, pos.StopQty.GreaterThan(pos.Trail.Qty)); err != nil {
			m.logger.Warn("Trail update failed", "trade_key", pos.TradeKey, "error", err)
		}
		if st.Position == nil || pos.Status != core.StatusOpen {
			return nil
		}
	}

	if err := m.runWatchdogs(ctx, st, now); err != nil {
		return err
	}
	if st.Position == nil || pos.Status != core.StatusOpen {
		return nil
	}
	return m.checkExitGrace(ctx, st)
}

// targetsComplete reports a position whose profit legs closed everything
func (m *Manager) targetsComplete(pos *core.Position) bool {
	if pos.TrailActive() {
		return !pos.Trail.Qty.IsPositive()
	}
	if !pos.Plan.Qty3.IsZero() {
		return false
	}
	if pos.Plan.Qty2.IsPositive() && !pos.TP2Done {
		return false
	}
	return pos.TP1Done
}

func (m *Manager) onStopFilled(ctx context.Context, st *state.State, o *core.Order) error {
	pos := st.Position
	pos.Fills.SL = pos.Fills.SL.Add(o.ExecutedQty)
	pos.RecordExit(o.ExecutedQty, o.FillPrice())
	if pos.TrailActive() {
		pos.Trail.Qty = decimal.Zero
	}
	reason := "stop_filled"
	switch {
	case pos.Trail != nil:
		reason = "trail_stop_filled"
	case pos.TP1Done:
		reason = "breakeven_filled"
	}
	return m.Finalize(ctx, st, reason)
}

// onTP1 books the TP1 fill and moves the stop to breakeven for the remainder
func (m *Manager) onTP1(ctx context.Context, st *state.State, qty, price decimal.Decimal) error {
	pos := st.Position
	pos.Fills.TP1 = qty
	pos.RecordExit(qty, price)
	pos.TP1Done = true
	m.logger.Info("TP1 filled", "trade_key", pos.TradeKey, "qty", qty, "price", price, "remaining", pos.RemainingQty())
	if err := m.save(ctx, st); err != nil {
		return err
	}
	m.emit(ctx, "tp1_filled", "info", map[string]string{"trade_key": pos.TradeKey, "qty": qty.String(), "price": price.String()})
	if m.targetsComplete(pos) {
		return nil
	}
	if err := m.placeBreakeven(ctx, st); err != nil {
		m.logger.Warn("Breakeven stop not placed yet", "trade_key", pos.TradeKey, "error", err)
	}
	return nil
}

// placeBreakeven places the post-TP1 stop at the entry fill price for the
// remainder, then queues a best-effort cancel of the old stop
func (m *Manager) placeBreakeven(ctx context.Context, st *state.State) error {
	pos := st.Position
	qty := m.stopCoverage(pos)
	if tradingutils.IsDust(qty, pos.EntryPrice, m.trading.MinQty, m.trading.MinNotional) {
		m.logger.Debug("Remainder below minimum, breakeven skipped", "trade_key", pos.TradeKey, "qty", qty)
		return nil
	}
	beID := m.id(pos.TradeKey, core.LegBreakeven)
	stop := exits.BreakevenStop(pos.Side, pos.EntryPrice, m.params)
	if _, err := m.exec.Place(ctx, core.LegBreakeven, m.req.Stop(pos.Side, stop, qty, beID)); err != nil {
		m.markExitFailure(pos)
		return errors.Join(err, m.save(ctx, st))
	}
	m.invalidate()
	old := pos.Orders.SL
	pos.Orders.SLPrev = old
	pos.Orders.SL = beID
	pos.CurrentStop = stop
	pos.StopQty = qty
	pos.AddPendingCancel(old)
	m.clearExitFailure(pos)
	m.logger.Info("Breakeven stop placed", "trade_key", pos.TradeKey, "stop", stop, "qty", qty, "old_stop", old)
	if err := m.save(ctx, st); err != nil {
		return err
	}
	if err := m.retryPendingCancels(ctx, st); err != nil {
		m.logger.Warn("Replaced stop not settled", "trade_key", pos.TradeKey, "error", err)
	}
	return nil
}

// stopCoverage is the exposure a replacement stop must cover: everything
// still open except an unfilled TP1 resting on the book
func (m *Manager) stopCoverage(pos *core.Position) decimal.Decimal {
	if pos.TrailActive() {
		return pos.Trail.Qty
	}
	return pos.RemainingQty()
}

// onTP2 books a TP2 fill or a promoted TP2 and hands the rest to the trail
func (m *Manager) onTP2(ctx context.Context, st *state.State, qty, price decimal.Decimal, synthetic bool) error {
	pos := st.Position
	pos.Fills.TP2 = qty
	pos.RecordExit(qty, price)
	pos.TP2Done = true

	trailQty := pos.RemainingQty()
	if !pos.TP1Done {
		trailQty = trailQty.Sub(pos.Plan.Qty1)
	}
	m.logger.Info("TP2 done, trailing remainder",
		"trade_key", pos.TradeKey,
		"qty", qty,
		"trail_qty", trailQty,
		"synthetic", synthetic)
	if !trailQty.IsPositive() {
		return m.save(ctx, st)
	}
	pos.Trail = &core.TrailState{
		Active:    true,
		Qty:       trailQty,
		Stop:      pos.CurrentStop,
		Seq:       0,
		Synthetic: synthetic,
	}
	if err := m.save(ctx, st); err != nil {
		return err
	}
	m.emit(ctx, "trail_started", "info", map[string]string{
		"trade_key": pos.TradeKey,
		"qty":       trailQty.String(),
		"synthetic": fmt.Sprintf("%t", synthetic),
	})
	if err := m.updateTrail(ctx, st, true); err != nil {
		m.logger.Warn("Initial trail stop not placed yet", "trade_key", pos.TradeKey, "error", err)
	}
	return nil
}

// retryPendingCancels retries best-effort cancels; an id leaves the list once
// the venue confirms it is no longer working. Whatever a replaced stop
// executed before its cancel is booked against the live position.
func (m *Manager) retryPendingCancels(ctx context.Context, st *state.State) error {
	pos := st.Position
	if pos == nil || pos.Watchdog == nil || len(pos.Watchdog.PendingCancel) == 0 {
		return nil
	}
	var (
		changed bool
		booked  = decimal.Zero
	)
	for _, id := range append([]string(nil), pos.Watchdog.PendingCancel...) {
		o, err := m.exec.CancelAndConfirm(ctx, id)
		if err != nil {
			m.logger.Warn("Pending cancel failed, will retry", "client_order_id", id, "error", err)
			continue
		}
		if o != nil && !o.Status.IsTerminal() {
			continue
		}
		changed = true
		if m.settleReplaced(pos, id, o) {
			booked = booked.Add(o.ExecutedQty)
		}
	}
	if !changed {
		return nil
	}
	m.invalidate()
	if booked.IsPositive() {
		return m.onReplacedFill(ctx, st, booked)
	}
	if err := m.save(ctx, st); err != nil {
		m.logger.Warn("Failed to persist pending cancels", "error", err)
	}
	return nil
}

// settleReplaced forgets a confirmed-terminal replaced order and books its
// executed quantity when it was a stop of the still-live position
func (m *Manager) settleReplaced(pos *core.Position, id string, o *core.Order) bool {
	if pos.Orders.SLPrev == id {
		pos.Orders.SLPrev = ""
	}
	if wd := pos.Watchdog; wd != nil {
		keep := wd.PendingCancel[:0]
		for _, p := range wd.PendingCancel {
			if p != id {
				keep = append(keep, p)
			}
		}
		wd.PendingCancel = keep
	}
	if pos.Status == core.StatusClosed || o == nil || !o.ExecutedQty.IsPositive() || !m.isStop(id) {
		return false
	}
	pos.Fills.SL = pos.Fills.SL.Add(o.ExecutedQty)
	pos.RecordExit(o.ExecutedQty, o.FillPrice())
	if tr := pos.Trail; tr != nil {
		tr.Qty = decimal.Max(decimal.Zero, decimal.Min(tr.Qty.Sub(o.ExecutedQty), pos.RemainingQty()))
	}
	m.logger.Error("Replaced stop executed before its cancel",
		"trade_key", pos.TradeKey,
		"client_order_id", id,
		"status", o.Status,
		"qty", o.ExecutedQty,
		"remaining", pos.RemainingQty())
	return true
}

// settleSuperseded cancels every replaced stop that may still be working and
// books what each executed. It fails while any of them is not confirmed
// terminal, so nothing sized from the remainder goes out before that.
func (m *Manager) settleSuperseded(ctx context.Context, st *state.State) error {
	pos := st.Position
	var ids []string
	add := func(id string) {
		if id == "" || id == pos.Orders.SL {
			return
		}
		for _, have := range ids {
			if have == id {
				return
			}
		}
		ids = append(ids, id)
	}
	if pos.Watchdog != nil {
		for _, id := range pos.Watchdog.PendingCancel {
			add(id)
		}
	}
	if pos.Trail != nil {
		add(pos.Trail.PendingCancel)
	}
	add(pos.Orders.SLPrev)
	if len(ids) == 0 {
		return nil
	}

	var errs []error
	for _, id := range ids {
		o, err := m.exec.CancelAndConfirm(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if o != nil && !o.Status.IsTerminal() {
			errs = append(errs, fmt.Errorf("replaced stop %s still %s", id, o.Status))
			continue
		}
		if m.settleReplaced(pos, id, o) {
			m.emit(ctx, "replaced_order_filled", "error", map[string]string{
				"trade_key":       pos.TradeKey,
				"client_order_id": id,
				"qty":             o.ExecutedQty.String(),
			})
		}
		if tr := pos.Trail; tr != nil && tr.PendingCancel == id {
			tr.PendingCancel = ""
			tr.PendingStop = decimal.Zero
		}
	}
	m.invalidate()
	if err := m.save(ctx, st); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		m.logger.Warn("Replaced stops not settled", "trade_key", pos.TradeKey, "ids", ids)
	}
	return errors.Join(errs...)
}

// onReplacedFill handles exposure a replaced stop closed on its own. A dust
// remainder closes the position, a take-profit leg larger than what is left
// forces a flatten, otherwise the live stop is resized on this pass.
func (m *Manager) onReplacedFill(ctx context.Context, st *state.State, qty decimal.Decimal) error {
	pos := st.Position
	rem := m.stopCoverage(pos)
	m.emit(ctx, "replaced_order_filled", "error", map[string]string{
		"trade_key": pos.TradeKey,
		"qty":       qty.String(),
		"remaining": rem.String(),
	})
	if err := m.save(ctx, st); err != nil {
		return err
	}
	if tradingutils.IsDust(rem, pos.CurrentStop, m.trading.MinQty, m.trading.MinNotional) {
		if err := m.cancelLegs(ctx, st); err != nil {
			return err
		}
		if st.Position == nil || st.Position.Status != core.StatusOpen {
			return nil
		}
		return m.Finalize(ctx, st, "replaced_stop_filled")
	}
	if !pos.TrailActive() && !pos.TP2Done && pos.Plan.Qty2.GreaterThan(rem) {
		return m.flatten(ctx, st, "replaced_stop_filled")
	}
	return nil
}

// resizeStop replaces the breakeven stop with one sized to the remaining
// exposure. The old stop is confirmed canceled before the new one is placed.
func (m *Manager) resizeStop(ctx context.Context, st *state.State) error {
	pos := st.Position
	old := pos.Orders.SL
	o, err := m.exec.CancelAndConfirm(ctx, old)
	m.invalidate()
	if err != nil {
		m.markExitFailure(pos)
		return fmt.Errorf("resize cancel %s: %w", old, m.joinSave(ctx, st, err))
	}
	if o != nil && !o.Status.IsTerminal() {
		return fmt.Errorf("resize cancel %s: still %s", old, o.Status)
	}
	if o != nil && o.Status == core.OrderStatusFilled {
		return m.onStopFilled(ctx, st, o)
	}
	if o != nil && o.ExecutedQty.IsPositive() {
		pos.Fills.SL = pos.Fills.SL.Add(o.ExecutedQty)
		pos.RecordExit(o.ExecutedQty, o.FillPrice())
	}

	qty := m.stopCoverage(pos)
	if tradingutils.IsDust(qty, pos.CurrentStop, m.trading.MinQty, m.trading.MinNotional) {
		if err := m.cancelLegs(ctx, st); err != nil {
			return err
		}
		if st.Position == nil || st.Position.Status != core.StatusOpen {
			return nil
		}
		return m.Finalize(ctx, st, "replaced_stop_filled")
	}
	wd := pos.EnsureWatchdog()
	wd.ReplaceSeq++
	id := m.seqID(pos.TradeKey, core.LegBreakeven, wd.ReplaceSeq)
	pos.Orders.SL = id
	if err := m.save(ctx, st); err != nil {
		return err
	}
	if _, err := m.exec.Place(ctx, core.LegBreakeven, m.req.Stop(pos.Side, pos.CurrentStop, qty, id)); err != nil {
		m.markExitFailure(pos)
		return fmt.Errorf("resize place: %w", m.joinSave(ctx, st, err))
	}
	m.invalidate()
	m.logger.Info("Stop resized", "trade_key", pos.TradeKey, "from", pos.StopQty, "to", qty, "client_order_id", id)
	pos.StopQty = qty
	m.clearExitFailure(pos)
	return m.save(ctx, st)
}

func (m *Manager) isStop(id string) bool {
	_, leg, ok := core.ParseClientID(m.trading.ClientIDPrefix, id)
	return ok && core.IsStopLeg(leg)
}

func (m *Manager) isBreakeven(id string) bool {
	_, leg, ok := core.ParseClientID(m.trading.ClientIDPrefix, id)
	return ok && core.LegKind(leg) == core.LegBreakeven
}

func (m *Manager) runWatchdogs(ctx context.Context, st *state.State, now time.Time) error {
	pos := st.Position
	if m.prices == nil {
		return nil
	}
	mid, err := m.prices.Mid(ctx)
	if err != nil {
		return fmt.Errorf("watchdog price: %w", err)
	}
	wd := pos.EnsureWatchdog()
	wd.SLCrossedSince = watchdog.TrackCrossing(pos.Side, pos.CurrentStop, mid, wd.SLCrossedSince, now)

	sl, err := m.fetch(ctx, pos.Orders.SL)
	if err != nil {
		return fmt.Errorf("watchdog stop: %w", err)
	}
	inGrace := sl == nil && wd.ExitFailSince != nil && now.Sub(*wd.ExitFailSince) < m.risk.ExitGrace
	if !inGrace && pos.Placed.SL {
		plan := watchdog.PlanSL(m.wd, watchdog.SLInput{
			Side:         pos.Side,
			Stop:         pos.CurrentStop,
			Price:        mid,
			StopOrder:    sl,
			Remaining:    pos.RemainingQty(),
			TrackedQty:   pos.StopQty,
			CrossedSince: wd.SLCrossedSince,
			LastFallback: wd.LastFallback,
			Now:          now,
		})
		if plan != nil {
			return m.executeSLPlan(ctx, st, plan)
		}
	}

	if !pos.TP1Done && pos.Orders.TP1 != "" {
		tp1, err := m.fetch(ctx, pos.Orders.TP1)
		if err != nil {
			return fmt.Errorf("watchdog tp1: %w", err)
		}
		plan := watchdog.PlanTP(m.wd, watchdog.TPInput{
			Side:         pos.Side,
			Key:          watchdog.KeyTP1,
			Target:       pos.Plan.TP1,
			Price:        mid,
			Order:        tp1,
			LegQty:       pos.Plan.Qty1,
			Runner:       pos.Plan.Qty3,
			LastFallback: wd.LastFallback,
			Now:          now,
		})
		if plan != nil {
			if err := m.executeTP1Plan(ctx, st, plan); err != nil {
				return err
			}
		}
	}

	if pos.TP1Done && !pos.TP2Done && pos.Orders.TP2 != "" {
		tp2, err := m.fetch(ctx, pos.Orders.TP2)
		if err != nil {
			return fmt.Errorf("watchdog tp2: %w", err)
		}
		plan := watchdog.PlanTP(m.wd, watchdog.TPInput{
			Side:         pos.Side,
			Key:          watchdog.KeyTP2,
			Target:       pos.Plan.TP2,
			Price:        mid,
			Order:        tp2,
			LegQty:       pos.Plan.Qty2,
			Runner:       pos.Plan.Qty3,
			LastFallback: wd.LastFallback,
			Now:          now,
		})
		if plan != nil {
			return m.executeTP2Plan(ctx, st, plan)
		}
	}
	return m.save(ctx, st)
}

func (m *Manager) stampFallback(ctx context.Context, st *state.State, plan *watchdog.Plan) error {
	wd := st.Position.EnsureWatchdog()
	wd.LastFallback[plan.Key] = m.clock.Now()
	telemetry.GetGlobalMetrics().IncWatchdogPlan(ctx, string(plan.Action))
	m.logger.Warn("Watchdog plan", "trade_key", st.Position.TradeKey, "plan", plan.String())
	m.emit(ctx, "watchdog_plan", "warn", map[string]string{
		"trade_key": st.Position.TradeKey,
		"action":    string(plan.Action),
		"leg":       plan.Key,
		"qty":       plan.Qty.String(),
		"reason":    plan.Reason,
	})
	return m.save(ctx, st)
}

func (m *Manager) executeSLPlan(ctx context.Context, st *state.State, plan *watchdog.Plan) error {
	if err := m.stampFallback(ctx, st, plan); err != nil {
		return err
	}
	if plan.Action == watchdog.ActionAcceptDust {
		if err := m.cancelLegs(ctx, st); err != nil {
			return err
		}
		if st.Position == nil || st.Position.Status != core.StatusOpen {
			return nil
		}
		return m.Finalize(ctx, st, "dust_accepted")
	}
	return m.flatten(ctx, st, "sl_watchdog_"+plan.Reason)
}

func (m *Manager) executeTP1Plan(ctx context.Context, st *state.State, plan *watchdog.Plan) error {
	pos := st.Position
	if err := m.stampFallback(ctx, st, plan); err != nil {
		return err
	}
	o, err := m.exec.CancelAndConfirm(ctx, pos.Orders.TP1)
	m.invalidate()
	if err != nil {
		return fmt.Errorf("cancel tp1: %w", err)
	}
	done, price := decimal.Zero, pos.Plan.TP1
	if o != nil {
		done, price = o.ExecutedQty, o.FillPrice()
		if o.Status == core.OrderStatusFilled {
			return m.onTP1(ctx, st, done, price)
		}
	}
	pos.RecordExit(done, price)
	unfilled := pos.Plan.Qty1.Sub(done)
	if plan.Action == watchdog.ActionAcceptDust || tradingutils.IsDust(unfilled, pos.Plan.TP1, m.trading.MinQty, m.trading.MinNotional) {
		m.logger.Info("TP1 remainder accepted as dust", "trade_key", pos.TradeKey, "qty", unfilled)
		return m.onTP1(ctx, st, done, decimal.Zero)
	}

	wd := pos.EnsureWatchdog()
	wd.FlattenSeq++
	id := m.seqID(pos.TradeKey, core.LegFlatten, wd.FlattenSeq)
	if err := m.save(ctx, st); err != nil {
		return err
	}
	mo, err := m.exec.Place(ctx, core.LegFlatten, m.req.Market(pos.Side, unfilled, id))
	m.invalidate()
	if err != nil {
		return fmt.Errorf("tp1 market close: %w", err)
	}
	pos.RecordExit(mo.ExecutedQty, mo.FillPrice())
	return m.onTP1(ctx, st, done.Add(mo.ExecutedQty), decimal.Zero)
}

func (m *Manager) executeTP2Plan(ctx context.Context, st *state.State, plan *watchdog.Plan) error {
	pos := st.Position
	if err := m.stampFallback(ctx, st, plan); err != nil {
		return err
	}
	o, err := m.exec.CancelAndConfirm(ctx, pos.Orders.TP2)
	m.invalidate()
	if err != nil {
		return fmt.Errorf("cancel tp2: %w", err)
	}
	if o != nil && o.Status == core.OrderStatusFilled {
		return m.onTP2(ctx, st, o.ExecutedQty, o.FillPrice(), false)
	}
	done, price := decimal.Zero, decimal.Zero
	if o != nil {
		done, price = o.ExecutedQty, o.FillPrice()
	}
	return m.onTP2(ctx, st, done, price, true)
}

// cancelLegs cancels every working exit order of the position and books
// what each had executed. Replaced stops are settled first and nothing is
// touched while one of them may still be working. A stop that turns out
// filled finalizes instead.
func (m *Manager) cancelLegs(ctx context.Context, st *state.State) error {
	if err := m.settleSuperseded(ctx, st); err != nil {
		return fmt.Errorf("replaced stops: %w", err)
	}
	pos := st.Position
	var errs []error
	if pos.Orders.SL != "" {
		o, err := m.exec.CancelAndConfirm(ctx, pos.Orders.SL)
		if err != nil {
			errs = append(errs, err)
		} else if o != nil && o.ExecutedQty.IsPositive() {
			if o.Status == core.OrderStatusFilled {
				m.invalidate()
				return m.onStopFilled(ctx, st, o)
			}
			pos.Fills.SL = pos.Fills.SL.Add(o.ExecutedQty)
			pos.RecordExit(o.ExecutedQty, o.FillPrice())
		}
	}
	if !pos.TP1Done && pos.Orders.TP1 != "" {
		o, err := m.exec.CancelAndConfirm(ctx, pos.Orders.TP1)
		if err != nil {
			errs = append(errs, err)
		} else if o != nil && o.ExecutedQty.IsPositive() {
			pos.Fills.TP1 = o.ExecutedQty
			pos.RecordExit(o.ExecutedQty, o.FillPrice())
			pos.TP1Done = o.Status == core.OrderStatusFilled
		}
	}
	if !pos.TP2Done && pos.Orders.TP2 != "" {
		o, err := m.exec.CancelAndConfirm(ctx, pos.Orders.TP2)
		if err != nil {
			errs = append(errs, err)
		} else if o != nil && o.ExecutedQty.IsPositive() {
			pos.Fills.TP2 = o.ExecutedQty
			pos.RecordExit(o.ExecutedQty, o.FillPrice())
			pos.TP2Done = o.Status == core.OrderStatusFilled
		}
	}
	m.invalidate()
	if err := m.save(ctx, st); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flatten cancels every leg and closes whatever is still open at market.
// A remainder below the venue minimum is accepted as dust.
func (m *Manager) flatten(ctx context.Context, st *state.State, reason string) error {
	if err := m.cancelLegs(ctx, st); err != nil {
		return fmt.Errorf("flatten cancel legs: %w", err)
	}
	pos := st.Position
	if pos == nil || pos.Status != core.StatusOpen && pos.Status != core.StatusOpenFilled {
		return nil
	}

	qty := tradingutils.FloorToStep(pos.RemainingQty(), m.trading.StepSize)
	price := pos.CurrentStop
	if m.prices != nil {
		if mid, err := m.prices.Mid(ctx); err == nil {
			price = mid
		}
	}
	if tradingutils.IsDust(qty, price, m.trading.MinQty, m.trading.MinNotional) {
		m.logger.Warn("Flatten remainder is dust", "trade_key", pos.TradeKey, "qty", qty)
		return m.Finalize(ctx, st, reason+"_dust")
	}

	wd := pos.EnsureWatchdog()
	wd.FlattenSeq++
	id := m.seqID(pos.TradeKey, core.LegFlatten, wd.FlattenSeq)
	pos.Orders.Flatten = id
	if err := m.save(ctx, st); err != nil {
		return err
	}
	o, err := m.exec.Place(ctx, core.LegFlatten, m.req.Market(pos.Side, qty, id))
	m.invalidate()
	if err != nil {
		m.logger.Error("Market flatten failed", "trade_key", pos.TradeKey, "qty", qty, "error", err)
		m.emit(ctx, "flatten_failed", "critical", map[string]string{"trade_key": pos.TradeKey, "error": err.Error()})
		return fmt.Errorf("market flatten: %w", err)
	}
	pos.Fills.Flatten = pos.Fills.Flatten.Add(o.ExecutedQty)
	pos.RecordExit(o.ExecutedQty, o.FillPrice())
	m.emit(ctx, "position_flattened", "warn", map[string]string{
		"trade_key": pos.TradeKey,
		"qty":       o.ExecutedQty.String(),
		"reason":    reason,
	})
	return m.Finalize(ctx, st, reason)
}
