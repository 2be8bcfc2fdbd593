package position

import (
	"context"
	"fmt"

	"signal_trader/internal/core"
	"signal_trader/internal/state"
	"signal_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// updateTrail moves the runner's stop. A move is a cancel of the current
// stop followed by a new stop, and the new one is placed only once the
// venue confirms the cancel. Both halves are persisted as intent so a
// failed step resumes on the next pass.
func (m *Manager) updateTrail(ctx context.Context, st *state.State, force bool) error {
	pos := st.Position
	tr := pos.Trail
	now := m.clock.Now()

	if tr.PendingCancel != "" {
		o, err := m.exec.CancelAndConfirm(ctx, tr.PendingCancel)
		m.invalidate()
		if err != nil {
			m.markExitFailure(pos)
			return fmt.Errorf("trail cancel %s: %w", tr.PendingCancel, err)
		}
		if o != nil && !o.Status.IsTerminal() {
			return fmt.Errorf("trail cancel %s: still %s", tr.PendingCancel, o.Status)
		}
		if pos.Orders.SLPrev == tr.PendingCancel {
			pos.Orders.SLPrev = ""
		}
		if o != nil && o.Status == core.OrderStatusFilled {
			pos.Orders.SL = tr.PendingCancel
			tr.PendingCancel = ""
			tr.PendingStop = decimal.Zero
			return m.onStopFilled(ctx, st, o)
		}
		if o != nil && o.ExecutedQty.IsPositive() {
			pos.Fills.SL = pos.Fills.SL.Add(o.ExecutedQty)
			pos.RecordExit(o.ExecutedQty, o.FillPrice())
			tr.Qty = tr.Qty.Sub(o.ExecutedQty)
		}
		tr.PendingCancel = ""
		if err := m.save(ctx, st); err != nil {
			return err
		}
	}

	if tr.PendingStop.IsPositive() {
		if tradingutils.IsDust(tr.Qty, tr.PendingStop, m.trading.MinQty, m.trading.MinNotional) {
			m.logger.Warn("Trail remainder is dust", "trade_key", pos.TradeKey, "qty", tr.Qty)
			return m.Finalize(ctx, st, "trail_dust")
		}
		req := m.req.Stop(pos.Side, tr.PendingStop, tr.Qty, pos.Orders.SL)
		if _, err := m.exec.Place(ctx, core.LegTrail, req); err != nil {
			m.markExitFailure(pos)
			return fmt.Errorf("trail place: %w", m.joinSave(ctx, st, err))
		}
		m.invalidate()
		m.logger.Info("Trailing stop moved",
			"trade_key", pos.TradeKey,
			"from", pos.CurrentStop,
			"to", tr.PendingStop,
			"qty", tr.Qty,
			"client_order_id", pos.Orders.SL)
		pos.CurrentStop = tr.PendingStop
		pos.StopQty = tr.Qty
		tr.Stop = tr.PendingStop
		tr.PendingStop = decimal.Zero
		tr.LastUpdate = now
		m.clearExitFailure(pos)
		return m.save(ctx, st)
	}

	if !force && now.Sub(tr.LastUpdate) < m.trading.TrailInterval {
		return nil
	}
	candidate, mid := m.trailCandidate(ctx, pos)
	long := pos.Side.IsLong()
	improves := candidate.IsPositive() &&
		(long && candidate.GreaterThan(pos.CurrentStop) || !long && candidate.LessThan(pos.CurrentStop))
	if improves && mid.IsPositive() && (long && candidate.GreaterThanOrEqual(mid) || !long && candidate.LessThanOrEqual(mid)) {
		improves = false
	}
	resize := !pos.StopQty.Equal(tr.Qty)
	if !improves && !resize {
		tr.LastUpdate = now
		return m.save(ctx, st)
	}

	next := pos.CurrentStop
	if improves {
		next = candidate
	}
	tr.Seq++
	tr.PendingCancel = pos.Orders.SL
	tr.PendingStop = next
	pos.Orders.SLPrev = pos.Orders.SL
	pos.Orders.SL = m.seqID(pos.TradeKey, core.LegTrail, tr.Seq)
	if err := m.save(ctx, st); err != nil {
		return err
	}
	return m.updateTrail(ctx, st, false)
}

// trailCandidate is the feed swing level beyond the runner, or the mid
// shifted by the trail buffer when the feed has nothing in range
func (m *Manager) trailCandidate(ctx context.Context, pos *core.Position) (decimal.Decimal, decimal.Decimal) {
	long := pos.Side.IsLong()
	var mid decimal.Decimal
	if m.prices != nil {
		if v, err := m.prices.Mid(ctx); err == nil {
			mid = v
		}
	}
	level := m.swing(pos.Side, m.trading.TrailLookback)
	if !level.IsPositive() {
		if !mid.IsPositive() {
			return decimal.Zero, mid
		}
		one := decimal.NewFromInt(1)
		if long {
			level = mid.Mul(one.Sub(m.trading.TrailBuffer))
		} else {
			level = mid.Mul(one.Add(m.trading.TrailBuffer))
		}
	}
	return tradingutils.RoundHarder(level, m.trading.TickSize, long), mid
}

func (m *Manager) joinSave(ctx context.Context, st *state.State, err error) error {
	if serr := m.save(ctx, st); serr != nil {
		return fmt.Errorf("%w (and %v)", err, serr)
	}
	return err
}
