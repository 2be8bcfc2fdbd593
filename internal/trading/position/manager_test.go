package position

import (
	"errors"
	"strings"
	"testing"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/trading/exits"
	apperrors "signal_trader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPlacesLimitEntry(t *testing.T) {
	h := newHarness(t)
	ev := h.signal(core.SideLong, "100.00")

	pos, err := h.m.Open(h.ctx, h.st, ev)
	require.NoError(t, err)

	assert.Equal(t, core.StatusPending, pos.Status)
	assert.Equal(t, "100.51", pos.PlannedEntry.String())
	assert.Equal(t, "0.1", pos.Qty.String())
	assert.Equal(t, TradeKey(ev.Key), pos.TradeKey)
	assert.Equal(t, "st-"+pos.TradeKey+"-E", pos.Orders.Entry)
	assert.NotEmpty(t, h.st.Lock.Token)
	assert.False(t, pos.EntryPlacedAt.IsZero())

	entry := h.venue(pos.Orders.Entry)
	assert.Equal(t, core.OrderTypeLimit, entry.Type)
	assert.Equal(t, core.OrderSideBuy, entry.Side)
	assert.Equal(t, "100.51", entry.Price.String())

	saved, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, saved.Position)
	assert.Equal(t, pos.Orders.Entry, saved.Position.Orders.Entry)
}

func TestOpenRefusedWhileSlotBusy(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, err = h.m.Open(h.ctx, h.st, h.signal(core.SideShort, "101.00"))
	assert.ErrorIs(t, err, ErrEntryBlocked)
	assert.Len(t, h.ex.Placements(), 1)

	h.st.Position = nil
	h.st.ReleaseLock()
	h.st.StartCooldown(h.clock.Now(), time.Minute)
	_, err = h.m.Open(h.ctx, h.st, h.signal(core.SideShort, "101.00"))
	assert.ErrorIs(t, err, ErrEntryBlocked)
	assert.Contains(t, err.Error(), "cooldown")
}

func TestOpenRejectedSizeReleasesLock(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Trading.Notional = d("0.05") })
	_, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.Error(t, err)
	assert.Nil(t, h.st.Position)
	assert.Empty(t, h.st.Lock.Token)
	assert.Empty(t, h.ex.Placements())
}

func TestEntryTimeoutAbortsWithoutCooldown(t *testing.T) {
	h := newHarness(t)
	pos, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.NoError(t, err)

	h.clock.Advance(h.cfg.Trading.EntryTimeout - time.Second)
	require.NoError(t, h.m.HandleEntryTimeout(h.ctx, h.st))
	require.NotNil(t, h.st.Position)

	h.clock.Advance(time.Second)
	require.NoError(t, h.m.HandleEntryTimeout(h.ctx, h.st))
	assert.Nil(t, h.st.Position)
	assert.Empty(t, h.st.Lock.Token)
	assert.False(t, h.st.InCooldown(h.clock.Now()))
	assert.Equal(t, core.OrderStatusCanceled, h.venue(pos.Orders.Entry).Status)
}

func TestEntryTimeoutWithPartialFillAdvances(t *testing.T) {
	h := newHarness(t)
	pos, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.NoError(t, err)
	require.True(t, h.ex.Fill(pos.Orders.Entry, d("0.06"), d("100.51")))

	h.clock.Advance(h.cfg.Trading.EntryTimeout)
	require.NoError(t, h.m.HandleEntryTimeout(h.ctx, h.st))

	require.NotNil(t, h.st.Position)
	assert.Equal(t, core.StatusOpen, h.st.Position.Status)
	assert.Equal(t, "0.06", h.st.Position.FilledQty.String())
	assert.Equal(t, "0.06", h.st.Position.Plan.Total().String())
	assert.Equal(t, "0.06", h.venue(h.st.Position.Orders.SL).Quantity.String())
}

func TestMarketFallbackDeviationGuard(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Trading.MarketFallback = true })
	_, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.NoError(t, err)

	h.mid("101.5")
	h.clock.Advance(h.cfg.Trading.EntryTimeout)
	require.NoError(t, h.m.HandleEntryTimeout(h.ctx, h.st))
	assert.Nil(t, h.st.Position)
	assert.Empty(t, h.placements(core.OrderTypeMarket))
	assert.Equal(t, 1, h.notifier.Count("entry_aborted"))
}

func TestMarketFallbackFills(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Trading.MarketFallback = true })
	_, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.NoError(t, err)

	h.mid("100.55")
	h.clock.Advance(h.cfg.Trading.EntryTimeout)
	require.NoError(t, h.m.HandleEntryTimeout(h.ctx, h.st))

	pos := h.st.Position
	require.NotNil(t, pos)
	assert.Equal(t, core.OrderTypeMarket, pos.EntryType)
	assert.True(t, strings.HasSuffix(pos.Orders.EntryFallback, "-E2"))
	assert.Equal(t, "100.55", pos.EntryPrice.String())
	assert.Equal(t, core.StatusOpen, pos.Status)
}

func TestScenarioTP1MovesStopToBreakeven(t *testing.T) {
	h := newHarness(t)
	pos := h.open()

	assert.Equal(t, "100.51", pos.EntryPrice.String())
	assert.Equal(t, "100.3", pos.Plan.StopLoss.String())
	assert.Equal(t, "100.72", pos.Plan.TP1.String())
	assert.Equal(t, "100.93", pos.Plan.TP2.String())
	assert.Equal(t, "0.033", pos.Plan.Qty1.String())
	assert.Equal(t, "0.033", pos.Plan.Qty2.String())
	assert.Equal(t, "0.034", pos.Plan.Qty3.String())
	oldStop := pos.Orders.SL

	h.mid("100.75")
	require.True(t, h.ex.Fill(pos.Orders.TP1, d("0.033"), d("100.72")))
	require.NoError(t, h.manage())

	pos = h.st.Position
	assert.True(t, pos.TP1Done)
	assert.Equal(t, "st-"+pos.TradeKey+"-BE", pos.Orders.SL)
	assert.Empty(t, pos.Orders.SLPrev, "cleared once the old stop is confirmed canceled")
	assert.Equal(t, "100.51", pos.CurrentStop.String())
	assert.Equal(t, "0.067", pos.StopQty.String())
	assert.True(t, exits.WithinBreakeven(core.SideLong, pos.CurrentStop, pos.EntryPrice, h.m.params))

	be := h.venue(pos.Orders.SL)
	assert.Equal(t, core.OrderTypeStopLossLimit, be.Type)
	assert.Equal(t, "0.067", be.Quantity.String())
	assert.Equal(t, core.OrderStatusCanceled, h.venue(oldStop).Status)
	assert.Empty(t, pos.Watchdog.PendingCancel)
}

func TestScenarioTP2CanceledPromotesTrail(t *testing.T) {
	h := newHarness(t)
	pos := h.open()
	h.mid("100.75")
	require.True(t, h.ex.Fill(pos.Orders.TP1, d("0.033"), d("100.72")))
	require.NoError(t, h.manage())
	beID := h.st.Position.Orders.SL

	h.mid("101.05")
	require.True(t, h.ex.SetStatus(pos.Orders.TP2, core.OrderStatusCanceled))
	require.NoError(t, h.manage())

	pos = h.st.Position
	require.True(t, pos.TrailActive())
	assert.True(t, pos.Trail.Synthetic)
	assert.True(t, pos.TP2Done)
	assert.Equal(t, "0.067", pos.Trail.Qty.String(), "qty2 plus the runner")
	assert.Equal(t, "0.033", pos.Fills.TP1.String(), "qty1 untouched")

	// mid 101.05 less the 0.3% buffer, floored to the tick
	assert.Equal(t, "100.74", pos.CurrentStop.String())
	assert.Equal(t, "st-"+pos.TradeKey+"-TR1", pos.Orders.SL)
	trail := h.venue(pos.Orders.SL)
	assert.Equal(t, "0.067", trail.Quantity.String())
	assert.Equal(t, core.OrderStatusCanceled, h.venue(beID).Status)
	assert.Empty(t, pos.Trail.PendingCancel)
	assert.True(t, pos.Trail.PendingStop.IsZero())

	// the trailing stop fills and the slot frees
	h.mid("100.7")
	require.True(t, h.ex.Fill(pos.Orders.SL, d("0.067"), d("100.74")))
	require.NoError(t, h.manage())
	assert.Nil(t, h.st.Position)
	require.NotNil(t, h.st.LastClosed)
	assert.Equal(t, "trail_stop_filled", h.st.LastClosed.ExitReason)
	// 0.033*0.21 + 0.067*0.23
	assert.Equal(t, "0.02234", h.st.LastClosed.RealizedPnL.String())
	assert.True(t, h.st.InCooldown(h.clock.Now()))
	assert.Empty(t, h.st.Lock.Token)
	require.Len(t, h.journal.records, 1)
}

func TestTrailOnlyMovesProtectively(t *testing.T) {
	h := newHarness(t)
	pos := h.open()
	h.mid("100.95")
	require.True(t, h.ex.Fill(pos.Orders.TP1, d("0.033"), d("100.72")))
	require.NoError(t, h.manage())
	require.True(t, h.ex.Fill(pos.Orders.TP2, d("0.033"), d("100.93")))
	require.NoError(t, h.manage())

	pos = h.st.Position
	require.True(t, pos.TrailActive())
	assert.False(t, pos.Trail.Synthetic)
	assert.Equal(t, "0.034", pos.Trail.Qty.String())
	assert.Equal(t, "0.034", pos.StopQty.String())
	first := pos.CurrentStop

	// a lower level never loosens the stop
	h.swings.level = d("100.2")
	h.clock.Advance(h.cfg.Trading.TrailInterval)
	placed := len(h.ex.Placements())
	require.NoError(t, h.manage())
	assert.True(t, h.st.Position.CurrentStop.Equal(first))
	assert.Len(t, h.ex.Placements(), placed)

	// a higher swing low tightens it
	h.mid("101.6")
	h.swings.level = d("101.2")
	h.clock.Advance(h.cfg.Trading.TrailInterval)
	require.NoError(t, h.manage())
	assert.Equal(t, "101.2", h.st.Position.CurrentStop.String())
	assert.Equal(t, 2, h.st.Position.Trail.Seq)
}

func TestTrailWaitsForCancelConfirmation(t *testing.T) {
	h := newHarness(t)
	pos := h.open()
	h.mid("100.95")
	require.True(t, h.ex.Fill(pos.Orders.TP1, d("0.033"), d("100.72")))
	require.NoError(t, h.manage())
	require.True(t, h.ex.Fill(pos.Orders.TP2, d("0.033"), d("100.93")))

	netErr := apperrors.NewExchangeError("cancel_order", -1001, "Internal error", apperrors.ErrNetwork)
	h.ex.FailNext("cancel", netErr, netErr)
	_ = h.manage()

	pos = h.st.Position
	require.True(t, pos.TrailActive())
	beID := "st-" + pos.TradeKey + "-BE"
	assert.Equal(t, beID, pos.Trail.PendingCancel)
	_, placed := h.ex.Order(pos.Orders.SL)
	assert.False(t, placed, "new stop waits for the cancel")

	h.clock.Advance(time.Second)
	require.NoError(t, h.manage())
	assert.Empty(t, h.st.Position.Trail.PendingCancel)
	assert.Equal(t, core.OrderStatusCanceled, h.venue(beID).Status)
	assert.Equal(t, "0.034", h.venue(h.st.Position.Orders.SL).Quantity.String())
}

func TestSLWatchdogFlattensUnfilledRemainder(t *testing.T) {
	h := newHarness(t)
	pos := h.open()

	h.mid("100.2")
	require.True(t, h.ex.Fill(pos.Orders.SL, d("0.04"), d("100.3")))
	require.NoError(t, h.manage())
	require.NotNil(t, h.st.Position)
	assert.Equal(t, core.StatusOpen, h.st.Position.Status)
	assert.Empty(t, h.placements(core.OrderTypeMarket))

	h.clock.Advance(h.cfg.Risk.SLGrace)
	require.NoError(t, h.manage())

	markets := h.placements(core.OrderTypeMarket)
	require.Len(t, markets, 1)
	assert.Equal(t, "0.06", markets[0].Quantity.String())
	assert.Equal(t, core.OrderSideSell, markets[0].Side)
	assert.Equal(t, core.OrderStatusCanceled, h.venue(pos.Orders.TP1).Status)
	assert.Equal(t, core.OrderStatusCanceled, h.venue(pos.Orders.TP2).Status)

	assert.Nil(t, h.st.Position)
	require.NotNil(t, h.st.LastClosed)
	assert.Equal(t, "sl_watchdog_stop_crossed", h.st.LastClosed.ExitReason)
	assert.Equal(t, 1, h.notifier.Count("watchdog_plan"))
}

func TestExitPlacementFailureFlattensAfterGrace(t *testing.T) {
	h := newHarness(t)
	pos, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.NoError(t, err)
	require.True(t, h.ex.Fill(pos.Orders.Entry, pos.Qty, d("100.51")))

	reject := func() error {
		return apperrors.NewExchangeError("place_order", -2010, "Account has insufficient balance for requested action.", apperrors.ErrInsufficientFunds)
	}
	h.ex.FailNext("place", reject(), reject(), reject())
	require.Error(t, h.manage())
	require.NotNil(t, h.st.Position)
	assert.Equal(t, core.StatusOpenFilled, h.st.Position.Status)
	require.NotNil(t, h.st.Position.Watchdog.ExitFailSince)

	h.clock.Advance(h.cfg.Risk.ExitGrace)
	h.ex.FailNext("place", reject(), reject(), reject())
	_ = h.manage()

	markets := h.placements(core.OrderTypeMarket)
	require.Len(t, markets, 1)
	assert.Equal(t, "0.1", markets[0].Quantity.String())
	assert.Nil(t, h.st.Position)
	assert.Equal(t, "exit_grace", h.st.LastClosed.ExitReason)
}

func TestManageAfterRestartPlacesNothingNew(t *testing.T) {
	h := newHarness(t)
	h.open()
	placed := len(h.ex.Placements())

	reloaded, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	h.st = reloaded
	h.m = h.newManager()
	require.NoError(t, h.manage())
	require.NoError(t, h.manage())
	assert.Len(t, h.ex.Placements(), placed)
	assert.Equal(t, core.StatusOpen, h.st.Position.Status)
}

func TestCleanupStaleEntry(t *testing.T) {
	h := newHarness(t)
	h.ex.FailNext("place", apperrors.ErrNetwork)
	pos, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.Error(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.EntryPlacedAt.IsZero())

	require.NoError(t, h.m.CleanupStale(h.ctx, h.st))
	require.NotNil(t, h.st.Position, "too early to resolve")

	h.clock.Advance(h.cfg.Risk.StaleEntryAfter)
	require.NoError(t, h.m.CleanupStale(h.ctx, h.st))
	assert.Nil(t, h.st.Position)
	assert.Empty(t, h.st.Lock.Token)
}

func TestCleanupStaleAdoptsLandedEntry(t *testing.T) {
	h := newHarness(t)
	h.ex.FailNext("place", apperrors.ErrNetwork)
	pos, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.Error(t, err)
	h.ex.Inject(&core.Order{
		ClientOrderID: pos.Orders.Entry,
		Symbol:        h.cfg.Trading.Symbol,
		Side:          core.OrderSideBuy,
		Type:          core.OrderTypeLimit,
		Status:        core.OrderStatusNew,
		Price:         d("100.51"),
		Quantity:      d("0.1"),
		UpdateTime:    t0,
	})

	h.clock.Advance(h.cfg.Risk.StaleEntryAfter)
	require.NoError(t, h.m.CleanupStale(h.ctx, h.st))
	require.NotNil(t, h.st.Position)
	assert.Equal(t, t0, h.st.Position.EntryPlacedAt)
}

func TestCleanupExpiredLock(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.st.AcquireLock("orphan", h.clock.Now(), time.Minute))
	require.NoError(t, h.m.CleanupStale(h.ctx, h.st))
	assert.Equal(t, "orphan", h.st.Lock.Token)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.m.CleanupStale(h.ctx, h.st))
	assert.Empty(t, h.st.Lock.Token)
}

func TestDrainRejectionsIntoState(t *testing.T) {
	h := newHarness(t)
	h.ex.FailNext("place", apperrors.NewExchangeError("place_order", -1013, "Filter failure: PRICE_FILTER", apperrors.ErrInvalidOrderParameter))
	_, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.Error(t, err)
	assert.Nil(t, h.st.Position, "a rejected entry aborts")

	assert.Equal(t, 1, h.m.DrainRejections(h.st))
	counts := h.st.RejectionCounts(h.clock.Now(), h.cfg.Risk.RejectWindow)
	require.Len(t, counts, 1)
	assert.Equal(t, -1013, counts[0].Code)
}

func TestStopFillBeforeTP1Finalizes(t *testing.T) {
	h := newHarness(t)
	pos := h.open()

	h.mid("100.25")
	require.True(t, h.ex.Fill(pos.Orders.SL, d("0.1"), d("100.3")))
	require.NoError(t, h.manage())

	assert.Nil(t, h.st.Position)
	require.NotNil(t, h.st.LastClosed)
	assert.Equal(t, "stop_filled", h.st.LastClosed.ExitReason)
	assert.Equal(t, "-0.021", h.st.LastClosed.RealizedPnL.String())
	assert.Equal(t, core.OrderStatusCanceled, h.venue(pos.Orders.TP1).Status)
	assert.Equal(t, core.OrderStatusCanceled, h.venue(pos.Orders.TP2).Status)
	assert.Empty(t, h.placements(core.OrderTypeMarket))
	assert.True(t, h.st.InCooldown(h.clock.Now()))
	assert.Empty(t, h.st.Lock.Token)
	require.Len(t, h.journal.records, 1)
	assert.Equal(t, "stop_filled", h.journal.records[0].ExitReason)
}

func TestMarginBorrowRepaidOnClose(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Margin.Enabled = true })
	quote := h.cfg.Trading.QuoteAsset
	h.ex.SetBalance(core.Balance{Asset: quote, Free: d("1")})

	pos, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.NoError(t, err)
	debt := h.st.DebtFor(pos.TradeKey)
	require.Contains(t, debt, quote)
	borrowed := debt[quote].Amount
	require.True(t, borrowed.IsPositive())
	assert.True(t, h.balance(quote).Borrowed.Equal(borrowed))

	saved, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	assert.True(t, saved.DebtFor(pos.TradeKey)[quote].Amount.Equal(borrowed), "ledger persisted with the entry")

	// a loan booked to another trade stays untouched
	b := h.balance(quote)
	b.Free = b.Free.Add(d("5"))
	b.Borrowed = b.Borrowed.Add(d("5"))
	h.ex.SetBalance(b)
	h.st.AddDebt(quote, "other", d("5"), h.clock.Now())

	require.True(t, h.ex.Fill(pos.Orders.Entry, pos.Qty, d("100.51")))
	require.NoError(t, h.manage())
	require.Equal(t, core.StatusOpen, h.st.Position.Status)

	h.mid("100.25")
	require.True(t, h.ex.Fill(h.st.Position.Orders.SL, d("0.1"), d("100.3")))
	require.NoError(t, h.manage())

	assert.Nil(t, h.st.Position)
	assert.Equal(t, "stop_filled", h.st.LastClosed.ExitReason)
	assert.Empty(t, h.st.DebtFor(pos.TradeKey))
	assert.Equal(t, "5", h.st.DebtFor("other")[quote].Amount.String())
	assert.Equal(t, "5", h.balance(quote).Borrowed.String())
}

func TestOpenUnwindsBorrowWhenStateNotSaved(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Margin.Enabled = true })
	quote := h.cfg.Trading.QuoteAsset
	h.ex.SetBalance(core.Balance{Asset: quote, Free: d("1")})
	ev := h.signal(core.SideLong, "100.00")

	// the lock save passes, the ledger save after the borrow fails
	h.saves.FailNext(nil, errors.New("disk full"))
	_, err := h.m.Open(h.ctx, h.st, ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Nil(t, h.st.Position)
	assert.Empty(t, h.st.Lock.Token)
	assert.Empty(t, h.st.DebtFor(TradeKey(ev.Key)))
	assert.True(t, h.balance(quote).Borrowed.IsZero(), "borrow repaid")
	assert.Equal(t, 1, h.ex.Calls("repay"))
	assert.Empty(t, h.ex.Placements())

	saved, err := h.store.Load(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, saved.Lock.Token)
	assert.Empty(t, saved.DebtFor(TradeKey(ev.Key)))
}

func TestFlattenWaitsForReplacedStopCancel(t *testing.T) {
	h := newHarness(t)
	pos := h.open()
	oldStop := pos.Orders.SL
	netErr := apperrors.NewExchangeError("cancel_order", -1001, "Internal error", apperrors.ErrNetwork)

	// TP1 fills and the old stop survives its cancel
	h.ex.FailNext("cancel", netErr)
	h.mid("100.75")
	require.True(t, h.ex.Fill(pos.Orders.TP1, d("0.033"), d("100.72")))
	require.NoError(t, h.manage())
	pos = h.st.Position
	require.Equal(t, []string{oldStop}, pos.Watchdog.PendingCancel)
	assert.Equal(t, oldStop, pos.Orders.SLPrev)

	// price sits below breakeven past the grace while the old stop still rests
	h.mid("100.45")
	h.ex.FailNext("cancel", netErr)
	require.NoError(t, h.manage())
	h.clock.Advance(h.cfg.Risk.SLGrace)
	h.ex.FailNext("cancel", netErr, netErr)
	require.Error(t, h.manage())

	assert.Empty(t, h.placements(core.OrderTypeMarket), "no market order while the old stop may still fill")
	assert.Equal(t, core.OrderStatusNew, h.venue(oldStop).Status)
	require.NotNil(t, h.st.Position)
	assert.Equal(t, core.StatusOpen, h.st.Position.Status)
	assert.Equal(t, core.OrderStatusNew, h.venue(h.st.Position.Orders.SL).Status, "breakeven stop kept")

	// once the cancel lands the remainder is flattened
	h.clock.Advance(h.cfg.Risk.FallbackRetry)
	require.NoError(t, h.manage())
	markets := h.placements(core.OrderTypeMarket)
	require.Len(t, markets, 1)
	assert.Equal(t, "0.067", markets[0].Quantity.String())
	assert.Equal(t, core.OrderStatusCanceled, h.venue(oldStop).Status)
	assert.Nil(t, h.st.Position)
	assert.Equal(t, "sl_watchdog_stop_crossed", h.st.LastClosed.ExitReason)
}

func TestReplacedStopFilledClosesPosition(t *testing.T) {
	h := newHarness(t)
	pos := h.open()
	oldStop := pos.Orders.SL
	netErr := apperrors.NewExchangeError("cancel_order", -1001, "Internal error", apperrors.ErrNetwork)

	h.ex.FailNext("cancel", netErr)
	h.mid("100.75")
	require.True(t, h.ex.Fill(pos.Orders.TP1, d("0.033"), d("100.72")))
	require.NoError(t, h.manage())
	beID := h.st.Position.Orders.SL

	require.True(t, h.ex.Fill(oldStop, d("0.1"), d("100.3")))
	require.NoError(t, h.manage())

	assert.Nil(t, h.st.Position)
	require.NotNil(t, h.st.LastClosed)
	assert.Equal(t, "replaced_stop_filled", h.st.LastClosed.ExitReason)
	// 0.033*0.21 - 0.1*0.21
	assert.Equal(t, "-0.01407", h.st.LastClosed.RealizedPnL.String())
	assert.Equal(t, core.OrderStatusCanceled, h.venue(beID).Status)
	assert.Equal(t, core.OrderStatusCanceled, h.venue(pos.Orders.TP2).Status)
	assert.Empty(t, h.placements(core.OrderTypeMarket))
	assert.Equal(t, 1, h.notifier.Count("replaced_order_filled"))
}

func TestReplacedStopPartialFillResizesBreakeven(t *testing.T) {
	h := newHarness(t)
	pos := h.open()
	oldStop := pos.Orders.SL
	netErr := apperrors.NewExchangeError("cancel_order", -1001, "Internal error", apperrors.ErrNetwork)

	h.ex.FailNext("cancel", netErr)
	h.mid("100.75")
	require.True(t, h.ex.Fill(pos.Orders.TP1, d("0.033"), d("100.72")))
	require.NoError(t, h.manage())
	beID := h.st.Position.Orders.SL
	require.Equal(t, "0.067", h.venue(beID).Quantity.String())

	require.True(t, h.ex.Fill(oldStop, d("0.02"), d("100.3")))
	require.NoError(t, h.manage())

	pos = h.st.Position
	require.NotNil(t, pos)
	assert.Equal(t, core.StatusOpen, pos.Status)
	assert.Equal(t, "0.02", pos.Fills.SL.String())
	assert.Equal(t, "0.047", pos.RemainingQty().String())
	assert.Empty(t, pos.Watchdog.PendingCancel)
	assert.Empty(t, pos.Orders.SLPrev)
	assert.Equal(t, core.OrderStatusCanceled, h.venue(oldStop).Status)
	assert.Equal(t, core.OrderStatusCanceled, h.venue(beID).Status)

	assert.Equal(t, "st-"+pos.TradeKey+"-BE1", pos.Orders.SL)
	resized := h.venue(pos.Orders.SL)
	assert.Equal(t, "0.047", resized.Quantity.String())
	assert.Equal(t, "100.51", resized.StopPrice.String())
	assert.Equal(t, "0.047", pos.StopQty.String())
	assert.Equal(t, 1, h.notifier.Count("replaced_order_filled"))
	assert.Empty(t, h.placements(core.OrderTypeMarket))
}
