package risk

import (
	"testing"
	"time"

	"signal_trader/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(fs []Finding) []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Kind)
	}
	return out
}

func pendingPosition(f *fixture, key string) *core.Position {
	return &core.Position{
		TradeKey:      key,
		Symbol:        f.cfg.Trading.Symbol,
		Status:        core.StatusPending,
		Side:          core.SideLong,
		Qty:           d("0.1"),
		PlannedEntry:  d("100.51"),
		EntryType:     core.OrderTypeLimit,
		Orders:        core.OrderIDs{Entry: f.id(key, core.LegEntry)},
		CreatedAt:     t0,
		EntryPlacedAt: t0,
	}
}

func TestReconcileKeepsPendingWhenEntryUnknown(t *testing.T) {
	f := newFixture(t)
	f.st.Position = pendingPosition(f, "k1")
	f.st.AcquireLock("tok", t0, time.Minute)

	res, err := f.rec.Reconcile(f.ctx, f.st, TriggerBoot)
	require.NoError(t, err)
	require.NotNil(t, f.st.Position, "absence is never proof")
	assert.Equal(t, ActionNone, res.Action)
	assert.Contains(t, kinds(res.Findings), DriftEntryUnknown)
	assert.Equal(t, "tok", f.st.Lock.Token)
	assert.Equal(t, "completed", f.rec.GetStatus().Status)
}

func TestReconcileClearsConfirmedDeadEntry(t *testing.T) {
	f := newFixture(t)
	f.st.Position = pendingPosition(f, "k1")
	f.st.AcquireLock("tok", t0, time.Minute)
	f.inject(f.id("k1", core.LegEntry), core.OrderSideBuy, core.OrderTypeLimit, core.OrderStatusExpired, "100.51", "", "0.1", "0")

	res, err := f.rec.Reconcile(f.ctx, f.st, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, ActionCleared, res.Action)
	assert.Nil(t, f.st.Position)
	assert.Empty(t, f.st.Lock.Token)
	assert.False(t, f.st.InCooldown(f.clock.Now()))
	assert.Equal(t, 1, f.notifier.Count("reconcile_cleared"))

	saved, err := f.store.Load(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, saved.Position)
	assert.Equal(t, t0, saved.LastReconcile)
}

func TestReconcileKeepsEntryWithExecution(t *testing.T) {
	f := newFixture(t)
	f.st.Position = pendingPosition(f, "k1")
	f.inject(f.id("k1", core.LegEntry), core.OrderSideBuy, core.OrderTypeLimit, core.OrderStatusCanceled, "100.51", "", "0.1", "0.02")

	res, err := f.rec.Reconcile(f.ctx, f.st, TriggerBoot)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
	require.NotNil(t, f.st.Position)
	assert.Equal(t, []string{DriftMissing}, kinds(res.Findings))
}

func TestReconstructPendingFromEntry(t *testing.T) {
	f := newFixture(t)
	f.inject(f.id("k1", core.LegEntry), core.OrderSideSell, core.OrderTypeLimit, core.OrderStatusNew, "99.49", "", "0.1", "0")

	res, err := f.rec.Reconcile(f.ctx, f.st, TriggerBoot)
	require.NoError(t, err)
	assert.Equal(t, ActionReconstructed, res.Action)

	pos := f.st.Position
	require.NotNil(t, pos)
	assert.Equal(t, core.StatusPending, pos.Status)
	assert.Equal(t, core.SideShort, pos.Side)
	assert.Equal(t, "99.49", pos.PlannedEntry.String())
	assert.Equal(t, "0.1", pos.Qty.String())
	assert.True(t, pos.Reconstructed)
	assert.NotEmpty(t, f.st.Lock.Token)
	assert.Equal(t, 1, f.notifier.Count("position_reconstructed"))
}

func TestReconstructOpenInfersEntry(t *testing.T) {
	f := newFixture(t)
	f.inject(f.id("old", core.LegTP1), core.OrderSideSell, core.OrderTypeLimit, core.OrderStatusNew, "90", "", "0.01", "0")
	f.clock.Advance(time.Minute)
	f.inject(f.id("k1", core.LegStop), core.OrderSideSell, core.OrderTypeStopLossLimit, core.OrderStatusNew, "100.19", "100.3", "0.1", "0")
	f.inject(f.id("k1", core.LegTP1), core.OrderSideSell, core.OrderTypeLimit, core.OrderStatusNew, "100.72", "", "0.033", "0")
	f.inject(f.id("k1", core.LegTP2), core.OrderSideSell, core.OrderTypeLimit, core.OrderStatusNew, "100.93", "", "0.033", "0")

	res, err := f.rec.Reconcile(f.ctx, f.st, TriggerBoot)
	require.NoError(t, err)
	assert.Equal(t, ActionReconstructed, res.Action)
	assert.Equal(t, []string{DriftExtraTradeKey}, kinds(res.Findings))

	pos := f.st.Position
	require.NotNil(t, pos)
	assert.Equal(t, "k1", pos.TradeKey)
	assert.Equal(t, core.StatusOpen, pos.Status)
	assert.Equal(t, core.SideLong, pos.Side)
	assert.Equal(t, "100.51", pos.EntryPrice.String())
	assert.Equal(t, "100.3", pos.CurrentStop.String())
	assert.Equal(t, "0.034", pos.Plan.Qty3.String())
	assert.Equal(t, "0.1", pos.RemainingQty().String())
	assert.False(t, pos.TP1Done)
}

func TestReconstructTrailingRunner(t *testing.T) {
	tc := newFixture(t).cfg.Trading
	orders := []*core.Order{{
		ClientOrderID: core.ClientID(tc.ClientIDPrefix, "k1", "TR3"),
		Side:          core.OrderSideBuy,
		Type:          core.OrderTypeStopLossLimit,
		Status:        core.OrderStatusNew,
		StopPrice:     d("99.8"),
		Quantity:      d("0.034"),
	}}
	pos := Reconstruct("k1", orders, tc)
	require.NotNil(t, pos)
	assert.Equal(t, core.SideShort, pos.Side)
	require.True(t, pos.TrailActive())
	assert.Equal(t, 3, pos.Trail.Seq)
	assert.True(t, pos.TP1Done)
	assert.True(t, pos.TP2Done)
	assert.Equal(t, "0.034", pos.RemainingQty().String())
	assert.True(t, pos.EntryPrice.IsZero(), "no target to infer from")
}

func TestReconcileReportsLegDriftThrottled(t *testing.T) {
	f := newFixture(t)
	pos := openLong("k1", f.cfg.Trading.ClientIDPrefix)
	f.st.Position = pos
	f.inject(pos.Orders.SL, core.OrderSideSell, core.OrderTypeStopLossLimit, core.OrderStatusNew, "100.19", "100.3", "0.1", "0")
	f.inject(pos.Orders.TP1, core.OrderSideSell, core.OrderTypeLimit, core.OrderStatusFilled, "100.72", "", "0.033", "0.033")
	f.inject(f.id("k1", "FM9"), core.OrderSideSell, core.OrderTypeLimit, core.OrderStatusNew, "101", "", "0.01", "0")

	res, err := f.rec.Reconcile(f.ctx, f.st, TriggerPeriodic)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{DriftFilledUnseen, DriftMissing, DriftUntracked}, kinds(res.Findings))
	assert.Equal(t, 3, f.notifier.Count("reconcile_drift"))

	// quantities are never repaired
	assert.False(t, pos.TP1Done)
	assert.Equal(t, "0.1", pos.RemainingQty().String())

	f.clock.Advance(time.Minute)
	res, err = f.rec.Reconcile(f.ctx, f.st, TriggerPeriodic)
	require.NoError(t, err)
	assert.Len(t, res.Findings, 3)
	assert.Equal(t, 3, f.notifier.Count("reconcile_drift"), "alerts throttled")

	f.clock.Advance(f.cfg.Risk.ReconcileAlertThrottle)
	_, err = f.rec.Reconcile(f.ctx, f.st, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 6, f.notifier.Count("reconcile_drift"))
}

func TestReconcileDue(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.rec.Due(TriggerBoot, f.st))
	assert.True(t, f.rec.Due(TriggerSignal, f.st))
	assert.True(t, f.rec.Due(TriggerPeriodic, f.st))

	_, err := f.rec.Reconcile(f.ctx, f.st, TriggerSignal)
	require.NoError(t, err)
	assert.False(t, f.rec.Due(TriggerSignal, f.st))
	assert.False(t, f.rec.Due(TriggerPeriodic, f.st))

	f.clock.Advance(f.cfg.Risk.ReconcileSignalThrottle)
	assert.True(t, f.rec.Due(TriggerSignal, f.st))
	f.clock.Advance(f.cfg.Risk.ReconcileInterval)
	assert.True(t, f.rec.Due(TriggerPeriodic, f.st))
}

func TestReconcileOpenOrdersFailure(t *testing.T) {
	f := newFixture(t)
	f.ex.FailNext("open_orders", assert.AnError)
	_, err := f.rec.Reconcile(f.ctx, f.st, TriggerBoot)
	require.Error(t, err)
	assert.Equal(t, "failed", f.rec.GetStatus().Status)
	assert.True(t, f.st.LastReconcile.IsZero())
}
