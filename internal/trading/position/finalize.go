package position

import (
	"context"
	"fmt"

	"signal_trader/internal/core"
	"signal_trader/internal/state"
	"signal_trader/pkg/telemetry"
)

// Finalize closes the position: summary and journal row, lock release,
// cooldown and margin repay. The record stays in the slot as CLOSED until
// every order it references has resolved.
func (m *Manager) Finalize(ctx context.Context, st *state.State, reason string) error {
	pos := st.Position
	if pos == nil || pos.Status == core.StatusClosed {
		return nil
	}
	now := m.clock.Now()
	pos.Status = core.StatusClosed
	pos.ClosedAt = now
	pos.CloseReason = reason
	for _, id := range []string{pos.Orders.SL, pos.Orders.SLPrev} {
		pos.AddPendingCancel(id)
	}
	if !pos.TP1Done {
		pos.AddPendingCancel(pos.Orders.TP1)
	}
	if !pos.TP2Done {
		pos.AddPendingCancel(pos.Orders.TP2)
	}

	opened := pos.FilledAt
	if opened.IsZero() {
		opened = pos.CreatedAt
	}
	summary := core.ClosedSummary{
		TradeKey:    pos.TradeKey,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		Qty:         pos.FilledQty,
		ExitReason:  reason,
		RealizedPnL: pos.RealizedPnL,
		OpenedAt:    opened,
		ClosedAt:    now,
	}
	st.LastClosed = &summary
	st.ReleaseLock()
	st.StartCooldown(now, m.risk.Cooldown)
	if err := m.save(ctx, st); err != nil {
		return err
	}

	if m.journal != nil {
		if err := m.journal.Record(ctx, summary); err != nil {
			m.logger.Warn("Failed to journal closed trade", "trade_key", pos.TradeKey, "error", err)
		}
	}
	if m.margin != nil && m.margin.Enabled() {
		if _, err := m.margin.Repay(ctx, st, pos.TradeKey); err != nil {
			m.logger.Warn("Margin repay incomplete, will retry", "trade_key", pos.TradeKey, "error", err)
		}
		if err := m.save(ctx, st); err != nil {
			return err
		}
	}

	telemetry.GetGlobalMetrics().IncPositionClosed(ctx, reason)
	telemetry.GetGlobalMetrics().SetPosition(m.trading.Symbol, false, 0)
	m.logger.Info("Position closed",
		"trade_key", pos.TradeKey,
		"reason", reason,
		"entry", pos.EntryPrice,
		"qty", pos.FilledQty,
		"pnl", pos.RealizedPnL)
	m.emit(ctx, "position_closed", "info", map[string]string{
		"trade_key": pos.TradeKey,
		"reason":    reason,
		"pnl":       pos.RealizedPnL.StringFixed(4),
	})
	return m.releaseSlot(ctx, st)
}

// releaseSlot empties the slot once every referenced order id is terminal
// or unknown to the venue
func (m *Manager) releaseSlot(ctx context.Context, st *state.State) error {
	pos := st.Position
	if pos == nil || pos.Status != core.StatusClosed {
		return nil
	}
	if err := m.retryPendingCancels(ctx, st); err != nil {
		return err
	}
	if pos.Watchdog != nil && len(pos.Watchdog.PendingCancel) > 0 {
		return nil
	}
	for _, id := range pos.Orders.All() {
		gone, o, err := m.exec.IsGone(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve %s before release: %w", id, err)
		}
		if !gone {
			m.logger.Info("Slot held by working order", "trade_key", pos.TradeKey, "client_order_id", id, "status", o.Status)
			pos.AddPendingCancel(id)
			return m.save(ctx, st)
		}
	}

	if m.margin != nil && m.margin.Enabled() && len(st.DebtFor(pos.TradeKey)) > 0 {
		if _, err := m.margin.Repay(ctx, st, pos.TradeKey); err != nil {
			m.logger.Warn("Margin repay still incomplete at release", "trade_key", pos.TradeKey, "error", err)
		}
	}
	st.Position = nil
	m.logger.Info("Slot released", "trade_key", pos.TradeKey)
	return m.save(ctx, st)
}
