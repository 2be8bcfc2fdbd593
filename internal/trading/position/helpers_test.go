package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/exchange"
	"signal_trader/internal/mock"
	"signal_trader/internal/risk/margin"
	"signal_trader/internal/signal"
	"signal_trader/internal/state"
	"signal_trader/internal/trading/order"
	"signal_trader/pkg/logging"
	"signal_trader/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSwings struct {
	level decimal.Decimal
}

func (f *fakeSwings) Swing(side core.Side, now time.Time, lookback time.Duration) (decimal.Decimal, error) {
	if !f.level.IsPositive() {
		return decimal.Zero, errors.New("no bars in range")
	}
	return f.level, nil
}

type fakeJournal struct {
	mu      sync.Mutex
	records []core.ClosedSummary
}

func (j *fakeJournal) Record(ctx context.Context, s core.ClosedSummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, s)
	return nil
}

// flakyStore fails queued saves in order; a nil entry lets one save through
type flakyStore struct {
	*state.MemoryStore
	mu   sync.Mutex
	errs []error
}

func (f *flakyStore) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *flakyStore) Save(ctx context.Context, st *state.State) error {
	f.mu.Lock()
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Save(ctx, st)
}

type harness struct {
	t        *testing.T
	cfg      *config.Config
	ex       *mock.MockExchange
	clock    *mock.FakeClock
	store    *state.MemoryStore
	saves    *flakyStore
	st       *state.State
	m        *Manager
	swings   *fakeSwings
	journal  *fakeJournal
	notifier *mock.RecordingNotifier
	ctx      context.Context
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Trading.MinNotional = d("1")
	for _, fn := range mutate {
		fn(cfg)
	}
	h := &harness{
		t:        t,
		cfg:      cfg,
		ex:       mock.NewMockExchange("mock", cfg.Margin.Enabled),
		clock:    mock.NewFakeClock(t0),
		store:    state.NewMemoryStore(),
		st:       state.New(),
		swings:   &fakeSwings{},
		journal:  &fakeJournal{},
		notifier: &mock.RecordingNotifier{},
		ctx:      context.Background(),
	}
	h.saves = &flakyStore{MemoryStore: h.store}
	h.ex.SetClock(h.clock)
	h.ex.SetMid(cfg.Trading.Symbol, d("100.4"))
	h.m = h.newManager()
	return h
}

func (h *harness) newManager() *Manager {
	logger := logging.NewNop()
	exec := order.NewExecutor(h.ex, h.cfg.Trading.Symbol, 0, 1, logger, h.clock)
	exec.SetRetryPolicy(retry.RetryPolicy{MaxAttempts: 1})
	return NewManager(h.cfg, Deps{
		Exec:     exec,
		Margin:   margin.NewEngine(h.ex, h.cfg.Margin, h.cfg.Trading.BaseAsset, h.cfg.Trading.QuoteAsset, logger, h.clock),
		Prices:   exchange.NewPriceCache(h.ex, h.cfg.Trading.Symbol, 0, h.clock),
		Swings:   h.swings,
		Store:    h.saves,
		Journal:  h.journal,
		Notifier: h.notifier,
		Events:   &mock.MemoryEventLog{},
		Snapshot: exchange.NewSnapshot(h.ex, h.cfg.Trading.Symbol, h.cfg.Trading.ClientIDPrefix, time.Second, h.clock),
		Clock:    h.clock,
		Logger:   logger,
	})
}

func (h *harness) signal(side core.Side, price string) *signal.Event {
	p := d(price)
	return &signal.Event{
		Key:   signal.Key(h.clock.Now(), side, p, 2),
		Time:  h.clock.Now(),
		Side:  side,
		Price: p,
	}
}

func (h *harness) mid(price string) {
	h.ex.SetMid(h.cfg.Trading.Symbol, d(price))
}

func (h *harness) manage() error {
	return h.m.Manage(h.ctx, h.st)
}

// open places a long entry at 100.51 and fills it, leaving the position OPEN
func (h *harness) open() *core.Position {
	h.t.Helper()
	pos, err := h.m.Open(h.ctx, h.st, h.signal(core.SideLong, "100.00"))
	require.NoError(h.t, err)
	require.True(h.t, h.ex.Fill(pos.Orders.Entry, pos.Qty, d("100.51")))
	require.NoError(h.t, h.manage())
	require.NotNil(h.t, h.st.Position)
	require.Equal(h.t, core.StatusOpen, h.st.Position.Status)
	return h.st.Position
}

func (h *harness) venue(id string) *core.Order {
	h.t.Helper()
	o, ok := h.ex.Order(id)
	require.True(h.t, ok, id)
	return o
}

func (h *harness) balance(asset string) core.Balance {
	h.t.Helper()
	b, err := h.ex.GetBalance(h.ctx, asset)
	require.NoError(h.t, err)
	return b
}

func (h *harness) placements(typ core.OrderType) []core.PlaceOrderRequest {
	var out []core.PlaceOrderRequest
	for _, p := range h.ex.Placements() {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}
