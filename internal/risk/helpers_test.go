package risk

import (
	"context"
	"testing"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/exchange"
	"signal_trader/internal/mock"
	"signal_trader/internal/state"
	"signal_trader/internal/trading/order"
	"signal_trader/pkg/logging"
	"signal_trader/pkg/retry"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	cfg      *config.Config
	ex       *mock.MockExchange
	clock    *mock.FakeClock
	store    *state.MemoryStore
	st       *state.State
	notifier *mock.RecordingNotifier
	rec      *Reconciler
	ctx      context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	f := &fixture{
		cfg:      cfg,
		ex:       mock.NewMockExchange("mock", false),
		clock:    mock.NewFakeClock(t0),
		store:    state.NewMemoryStore(),
		st:       state.New(),
		notifier: &mock.RecordingNotifier{},
		ctx:      context.Background(),
	}
	f.ex.SetClock(f.clock)
	logger := logging.NewNop()
	exec := order.NewExecutor(f.ex, cfg.Trading.Symbol, 0, 1, logger, f.clock)
	exec.SetRetryPolicy(retry.RetryPolicy{MaxAttempts: 1})
	snap := exchange.NewSnapshot(f.ex, cfg.Trading.Symbol, cfg.Trading.ClientIDPrefix, time.Second, f.clock)
	f.rec = NewReconciler(cfg, exec, snap, nil, f.store, f.notifier, f.clock, logger)
	return f
}

func (f *fixture) id(key, leg string) string {
	return core.ClientID(f.cfg.Trading.ClientIDPrefix, key, leg)
}

// inject puts an order on the venue; stop is only used by stop orders
func (f *fixture) inject(id string, side core.OrderSide, typ core.OrderType, status core.OrderStatus, price, stop, qty, executed string) {
	o := &core.Order{
		ClientOrderID: id,
		Symbol:        f.cfg.Trading.Symbol,
		Side:          side,
		Type:          typ,
		Status:        status,
		Price:         d(price),
		Quantity:      d(qty),
		ExecutedQty:   d(executed),
		UpdateTime:    f.clock.Now(),
	}
	if stop != "" {
		o.StopPrice = d(stop)
	}
	f.ex.Inject(o)
}

// openLong is an OPEN long at 100.51 with the initial stop and both targets working
func openLong(key string, prefix string) *core.Position {
	id := func(leg string) string { return core.ClientID(prefix, key, leg) }
	return &core.Position{
		TradeKey:     key,
		Symbol:       "BTCUSDT",
		Status:       core.StatusOpen,
		Side:         core.SideLong,
		Qty:          d("0.1"),
		FilledQty:    d("0.1"),
		PlannedEntry: d("100.51"),
		EntryPrice:   d("100.51"),
		EntryType:    core.OrderTypeLimit,
		Plan: core.ExitPlan{
			StopLoss: d("100.3"),
			TP1:      d("100.72"),
			TP2:      d("100.93"),
			Qty1:     d("0.033"),
			Qty2:     d("0.033"),
			Qty3:     d("0.034"),
		},
		CurrentStop: d("100.3"),
		StopQty:     d("0.1"),
		Orders: core.OrderIDs{
			Entry: id(core.LegEntry),
			SL:    id(core.LegStop),
			TP1:   id(core.LegTP1),
			TP2:   id(core.LegTP2),
		},
		Placed:        core.PlacedLegs{TP1: true, TP2: true, SL: true},
		CreatedAt:     t0,
		EntryPlacedAt: t0,
		FilledAt:      t0,
		OpenedAt:      t0,
	}
}
