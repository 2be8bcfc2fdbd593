package risk

import (
	"context"
	"testing"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/mock"
	"signal_trader/internal/state"
	"signal_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
	tmock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMonitor(mutate ...func(*config.Config)) (*Monitor, *mock.RecordingNotifier, *config.Config) {
	cfg := config.DefaultConfig()
	for _, fn := range mutate {
		fn(cfg)
	}
	n := &mock.RecordingNotifier{}
	return NewMonitor(cfg, false, n, logging.NewNop()), n, cfg
}

func working(ids ...string) []*core.Order {
	var out []*core.Order
	for _, id := range ids {
		out = append(out, &core.Order{ClientOrderID: id, Status: core.OrderStatusNew})
	}
	return out
}

func invariants(r Report) []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Invariant)
	}
	return out
}

func TestSweepHealthyPosition(t *testing.T) {
	m, n, cfg := newMonitor()
	st := state.New()
	st.AcquireLock("tok", t0, time.Minute)
	pos := openLong("k1", cfg.Trading.ClientIDPrefix)
	st.Position = pos

	rep := m.Sweep(context.Background(), st, working(pos.Orders.SL, pos.Orders.TP1, pos.Orders.TP2), t0)
	assert.True(t, rep.OK(), "%v", rep.Failures)
	assert.Empty(t, n.Events())
}

func TestSweepMissingStopIsThrottled(t *testing.T) {
	m, n, cfg := newMonitor()
	st := state.New()
	pos := openLong("k1", cfg.Trading.ClientIDPrefix)
	st.Position = pos
	ctx := context.Background()

	rep := m.Sweep(ctx, st, working(pos.Orders.TP1), t0)
	assert.Equal(t, []string{InvProtectiveOrder}, invariants(rep))
	require.Len(t, rep.Surfaced, 1)
	assert.Equal(t, 1, n.Count("invariant_failed"))

	rep = m.Sweep(ctx, st, working(pos.Orders.TP1), t0.Add(time.Minute))
	assert.Len(t, rep.Failures, 1)
	assert.Empty(t, rep.Surfaced)
	assert.Equal(t, 1, n.Count("invariant_failed"))

	rep = m.Sweep(ctx, st, working(pos.Orders.TP1), t0.Add(cfg.Risk.InvariantThrottle))
	assert.Len(t, rep.Surfaced, 1)

	// a trail move in flight has no stop working by construction
	pos.Trail = &core.TrailState{Active: true, Qty: pos.StopQty, PendingCancel: pos.Orders.SL, PendingStop: d("100.6")}
	pos.TP1Done, pos.TP2Done = true, true
	rep = m.Sweep(ctx, st, nil, t0.Add(2*cfg.Risk.InvariantThrottle))
	assert.NotContains(t, invariants(rep), InvProtectiveOrder)
}

func TestSweepBreakevenBand(t *testing.T) {
	m, _, cfg := newMonitor()
	st := state.New()
	pos := openLong("k1", cfg.Trading.ClientIDPrefix)
	pos.TP1Done = true
	pos.Fills.TP1 = d("0.033")
	pos.Orders.SL = core.ClientID(cfg.Trading.ClientIDPrefix, "k1", core.LegBreakeven)
	pos.CurrentStop = d("100.51")
	pos.StopQty = d("0.067")
	st.Position = pos

	rep := m.Sweep(context.Background(), st, working(pos.Orders.SL, pos.Orders.TP2), t0)
	assert.True(t, rep.OK(), "%v", rep.Failures)

	pos.CurrentStop = d("100.2")
	rep = m.Sweep(context.Background(), st, working(pos.Orders.SL, pos.Orders.TP2), t0)
	assert.Equal(t, []string{InvPriceHierarchy}, invariants(rep))
}

func TestSweepLegSumAndRequiredFields(t *testing.T) {
	m, _, cfg := newMonitor()
	st := state.New()
	pos := openLong("k1", cfg.Trading.ClientIDPrefix)
	pos.Plan.Qty3 = d("0.024")
	pos.CurrentStop = d("0")
	st.Position = pos

	rep := m.Sweep(context.Background(), st, working(pos.Orders.SL), t0)
	assert.ElementsMatch(t, []string{InvLegSum, InvRequiredFields}, invariants(rep))
}

func TestSweepTrailingConsistency(t *testing.T) {
	m, _, cfg := newMonitor()
	st := state.New()
	pos := openLong("k1", cfg.Trading.ClientIDPrefix)
	pos.TP1Done = true
	pos.Trail = &core.TrailState{Active: true, Qty: d("0.034"), Stop: d("100.6"), Seq: 1}
	st.Position = pos

	rep := m.Sweep(context.Background(), st, working(pos.Orders.SL), t0)
	var details []string
	for _, f := range rep.Failures {
		assert.Equal(t, InvTrailing, f.Invariant, f.String())
		details = append(details, f.Detail)
	}
	assert.Len(t, details, 4, "%v", details)
}

func TestSweepRepeatedRejections(t *testing.T) {
	m, _, cfg := newMonitor()
	st := state.New()
	for i := 0; i < cfg.Risk.RejectThreshold; i++ {
		st.RecordRejection(-2010, t0.Add(time.Duration(i)*time.Second), cfg.Risk.RejectWindow)
	}
	st.RecordRejection(-1013, t0, cfg.Risk.RejectWindow)

	rep := m.Sweep(context.Background(), st, nil, t0.Add(time.Minute))
	require.Equal(t, []string{InvRepeatedRejects}, invariants(rep))
	assert.Equal(t, "code-2010", rep.Failures[0].TradeKey)
	assert.Empty(t, rep.Halt)

	rep = m.Sweep(context.Background(), st, nil, t0.Add(cfg.Risk.RejectWindow+time.Minute))
	assert.True(t, rep.OK())
}

func TestSweepMarginModeMismatch(t *testing.T) {
	m, _, _ := newMonitor(func(c *config.Config) { c.Margin.Enabled = true })
	rep := m.Sweep(context.Background(), state.New(), nil, t0)
	assert.Equal(t, []string{InvMarginMode}, invariants(rep))
}

func TestSweepLingeringDebtHalts(t *testing.T) {
	m, _, cfg := newMonitor(func(c *config.Config) { c.Risk.HaltOnDebt = true })
	st := state.New()
	st.AddDebt("USDT", "k1", d("10"), t0)

	rep := m.Sweep(context.Background(), st, nil, t0.Add(time.Minute))
	assert.True(t, rep.OK(), "inside grace")

	st.Position = openLong("k2", cfg.Trading.ClientIDPrefix)
	rep = m.Sweep(context.Background(), st, working(st.Position.Orders.SL), t0.Add(cfg.Risk.DebtGrace))
	assert.True(t, rep.OK(), "a live position may carry debt")

	st.Position = nil
	rep = m.Sweep(context.Background(), st, nil, t0.Add(cfg.Risk.DebtGrace))
	assert.Equal(t, []string{InvLingeringDebt}, invariants(rep))
	assert.Equal(t, InvLingeringDebt, rep.Halt)
}

func TestSweepMarginModeMismatchNotifiesOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	n := &mock.MockNotifier{}
	n.On("Notify", tmock.Anything, "invariant_failed", "error", tmock.MatchedBy(func(f map[string]string) bool {
		return f["invariant"] == InvMarginMode && f["trade_key"] == ""
	})).Once()
	m := NewMonitor(cfg, true, n, logging.NewNop())
	st := state.New()

	rep := m.Sweep(context.Background(), st, nil, t0)
	assert.Equal(t, []string{InvMarginMode}, invariants(rep))
	rep = m.Sweep(context.Background(), st, nil, t0.Add(time.Minute))
	assert.Empty(t, rep.Surfaced)

	n.AssertExpectations(t)
	n.AssertNumberOfCalls(t, "Notify", 1)
}
