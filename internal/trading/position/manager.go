// Package position owns the single live trade: it opens entries, follows
// fills through the exit legs and closes the slot again.
package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/exchange"
	"signal_trader/internal/risk/margin"
	"signal_trader/internal/risk/watchdog"
	"signal_trader/internal/signal"
	"signal_trader/internal/state"
	"signal_trader/internal/trading/exits"
	"signal_trader/internal/trading/order"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/telemetry"
	"signal_trader/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrEntryBlocked is returned when a gate refuses a new entry
var ErrEntryBlocked = errors.New("entry blocked")

// PriceSource provides the venue mid price
type PriceSource interface {
	Mid(ctx context.Context) (decimal.Decimal, error)
}

// SwingSource provides protective swing levels from the price feed
type SwingSource interface {
	Swing(side core.Side, now time.Time, lookback time.Duration) (decimal.Decimal, error)
}

// Journal keeps closed trades
type Journal interface {
	Record(ctx context.Context, s core.ClosedSummary) error
}

// Deps are the collaborators of the manager. Journal, Notifier, Events and
// Snapshot are optional.
type Deps struct {
	Exec     *order.Executor
	Margin   *margin.Engine
	Prices   PriceSource
	Swings   SwingSource
	Store    state.Store
	Journal  Journal
	Notifier core.INotifier
	Events   core.IEventLog
	Snapshot *exchange.Snapshot
	Clock    core.IClock
	Logger   core.ILogger
}

// Manager drives the position state machine. It is not safe for concurrent
// use; the control loop is its only caller.
type Manager struct {
	cfg     *config.Config
	trading config.TradingConfig
	risk    config.RiskConfig

	exec     *order.Executor
	placer   *exits.Placer
	req      exits.Requests
	params   exits.Params
	wd       watchdog.Config
	margin   *margin.Engine
	prices   PriceSource
	swings   SwingSource
	store    state.Store
	journal  Journal
	notifier core.INotifier
	events   core.IEventLog
	snapshot *exchange.Snapshot
	clock    core.IClock
	logger   core.ILogger
	tracer   trace.Tracer
}

// NewManager wires a manager from config and collaborators
func NewManager(cfg *config.Config, deps Deps) *Manager {
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	logger := deps.Logger.WithField("component", "position_manager").WithField("symbol", cfg.Trading.Symbol)
	params := exits.ParamsFrom(cfg.Trading)
	useMargin := deps.Exec.Exchange().UsesMargin()
	placer := exits.NewPlacer(deps.Exec, cfg.Trading.ClientIDPrefix, params, useMargin, deps.Logger)
	return &Manager{
		cfg:      cfg,
		trading:  cfg.Trading,
		risk:     cfg.Risk,
		exec:     deps.Exec,
		placer:   placer,
		req:      placer.Requests(),
		params:   params,
		wd:       watchdog.ConfigFrom(cfg.Risk, cfg.Trading),
		margin:   deps.Margin,
		prices:   deps.Prices,
		swings:   deps.Swings,
		store:    deps.Store,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		events:   deps.Events,
		snapshot: deps.Snapshot,
		clock:    clock,
		logger:   logger,
		tracer:   telemetry.GetTracer("position-manager"),
	}
}

func (m *Manager) save(ctx context.Context, st *state.State) error {
	if err := m.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (m *Manager) invalidate() {
	if m.snapshot != nil {
		m.snapshot.Invalidate()
	}
}

func (m *Manager) emit(ctx context.Context, event, level string, fields map[string]string) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, event, level, fields)
	}
	if m.events != nil {
		f := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			f[k] = v
		}
		if err := m.events.Append(event, f); err != nil {
			m.logger.Warn("Failed to append event log", "event", event, "error", err)
		}
	}
}

func (m *Manager) id(key, leg string) string {
	return core.ClientID(m.trading.ClientIDPrefix, key, leg)
}

func (m *Manager) seqID(key, leg string, seq int) string {
	return core.SeqClientID(m.trading.ClientIDPrefix, key, leg, seq)
}

func (m *Manager) sideEffect() core.SideEffect {
	if m.exec.Exchange().UsesMargin() {
		return core.SideEffectNone
	}
	return ""
}

// TradeKey derives the trade key from a signal key
func TradeKey(signalKey string) string {
	if len(signalKey) > 16 {
		return signalKey[:16]
	}
	return signalKey
}

// Open turns a fresh signal into a PENDING position with a resting LIMIT
// entry. The lock is taken and persisted before any venue call.
func (m *Manager) Open(ctx context.Context, st *state.State, ev *signal.Event) (*core.Position, error) {
	ctx, span := m.tracer.Start(ctx, "Open", trace.WithAttributes(
		attribute.String("signal_key", ev.Key),
		attribute.String("side", string(ev.Side)),
	))
	defer span.End()

	now := m.clock.Now()
	if ok, reason := st.CanEnter(now); !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryBlocked, reason)
	}
	token := uuid.NewString()
	if !st.AcquireLock(token, now, m.risk.LockTTL) {
		return nil, fmt.Errorf("%w: locked", ErrEntryBlocked)
	}
	if err := m.save(ctx, st); err != nil {
		st.ReleaseLock()
		return nil, err
	}

	key := TradeKey(ev.Key)
	entry := tradingutils.EntryPrice(ev.Price, m.trading.EntryOffset, m.trading.TickSize, ev.Side.IsLong())
	qty, err := tradingutils.SizeQuantity(m.trading.Notional, entry, m.trading.StepSize, m.trading.MinQty, m.trading.MinNotional)
	if err != nil {
		m.logger.Warn("Entry size not tradable", "entry", entry, "notional", m.trading.Notional, "error", err)
		st.ReleaseLock()
		return nil, errors.Join(fmt.Errorf("size entry: %w", err), m.save(ctx, st))
	}

	if m.margin != nil && m.margin.Enabled() {
		if _, err := m.margin.Prepare(ctx, st, key, ev.Side, entry, qty); err != nil {
			st.ReleaseLock()
			return nil, errors.Join(fmt.Errorf("margin prepare: %w", err), m.save(ctx, st))
		}
		if err := m.save(ctx, st); err != nil {
			return nil, m.unwindOpen(ctx, st, key, err)
		}
	}

	pos := &core.Position{
		TradeKey:     key,
		Symbol:       m.trading.Symbol,
		Status:       core.StatusPending,
		Side:         ev.Side,
		Qty:          qty,
		PlannedEntry: entry,
		EntryType:    core.OrderTypeLimit,
		SignalKey:    ev.Key,
		SignalPrice:  ev.Price,
		CreatedAt:    now,
	}
	pos.Orders.Entry = m.id(key, core.LegEntry)
	st.Position = pos
	if err := m.save(ctx, st); err != nil {
		return nil, m.unwindOpen(ctx, st, key, err)
	}

	_, err = m.exec.Place(ctx, core.LegEntry, &core.PlaceOrderRequest{
		Symbol:        m.trading.Symbol,
		Side:          ev.Side.EntrySide(),
		Type:          core.OrderTypeLimit,
		Price:         entry,
		Quantity:      qty,
		ClientOrderID: pos.Orders.Entry,
		SideEffect:    m.sideEffect(),
	})
	m.invalidate()
	if err != nil {
		if apperrors.IsTransient(err) {
			// the venue may still have it; stale cleanup resolves the id
			m.logger.Warn("Entry placement outcome unknown, keeping PENDING", "trade_key", key, "error", err)
			return pos, err
		}
		return nil, errors.Join(err, m.abortEntry(ctx, st, "entry_rejected"))
	}

	pos.EntryPlacedAt = m.clock.Now()
	st.ExtendLock(token, pos.EntryPlacedAt, m.risk.LockTTL)
	if err := m.save(ctx, st); err != nil {
		return pos, err
	}
	telemetry.GetGlobalMetrics().IncPositionOpened(ctx, string(ev.Side))
	telemetry.GetGlobalMetrics().SetPosition(m.trading.Symbol, true, qty.InexactFloat64())
	m.logger.Info("Entry placed",
		"trade_key", key,
		"side", ev.Side,
		"signal_price", ev.Price,
		"entry", entry,
		"qty", qty)
	m.emit(ctx, "entry_placed", "info", map[string]string{
		"trade_key": key,
		"side":      string(ev.Side),
		"entry":     entry.String(),
		"qty":       qty.String(),
	})
	return pos, nil
}

// unwindOpen backs out an entry that failed to persist before any order
// went out: borrowed funds are repaid and the lock released.
func (m *Manager) unwindOpen(ctx context.Context, st *state.State, key string, cause error) error {
	m.logger.Error("Entry state not persisted, unwinding", "trade_key", key, "error", cause)
	errs := []error{fmt.Errorf("persist entry: %w", cause)}
	if m.margin != nil && m.margin.Enabled() {
		if _, err := m.margin.Repay(ctx, st, key); err != nil {
			errs = append(errs, fmt.Errorf("repay after unwind: %w", err))
		}
	}
	st.Position = nil
	st.ReleaseLock()
	return errors.Join(append(errs, m.save(ctx, st))...)
}

// abortEntry drops a position whose entry never filled. The lock is
// released without a cooldown.
func (m *Manager) abortEntry(ctx context.Context, st *state.State, reason string) error {
	pos := st.Position
	key := ""
	if pos != nil {
		key = pos.TradeKey
		if m.margin != nil && m.margin.Enabled() {
			if _, err := m.margin.Repay(ctx, st, key); err != nil {
				m.logger.Warn("Repay after aborted entry failed", "trade_key", key, "error", err)
			}
		}
	}
	st.Position = nil
	st.ReleaseLock()
	telemetry.GetGlobalMetrics().SetPosition(m.trading.Symbol, false, 0)
	m.logger.Info("Entry aborted", "trade_key", key, "reason", reason)
	m.emit(ctx, "entry_aborted", "warn", map[string]string{"trade_key": key, "reason": reason})
	return m.save(ctx, st)
}

// HandleEntryTimeout cancels a LIMIT entry that rested longer than the
// entry timeout. A partial fill advances with the executed quantity, an
// empty one may fall back to MARKET or aborts.
func (m *Manager) HandleEntryTimeout(ctx context.Context, st *state.State) error {
	pos := st.Position
	if pos == nil || pos.Status != core.StatusPending || pos.EntryPlacedAt.IsZero() || pos.Orders.EntryFallback != "" {
		return nil
	}
	now := m.clock.Now()
	if now.Sub(pos.EntryPlacedAt) < m.trading.EntryTimeout {
		return nil
	}

	o, err := m.exec.CancelAndConfirm(ctx, pos.Orders.Entry)
	m.invalidate()
	if err != nil {
		return fmt.Errorf("cancel timed out entry: %w", err)
	}
	if o != nil && o.ExecutedQty.IsPositive() {
		m.logger.Info("Entry timed out with fill", "trade_key", pos.TradeKey, "status", o.Status, "executed", o.ExecutedQty)
		return m.onEntryFilled(ctx, st, o)
	}
	if o != nil && !o.Status.IsTerminal() {
		return fmt.Errorf("entry %s still %s after cancel", pos.Orders.Entry, o.Status)
	}
	if m.trading.MarketFallback {
		return m.marketFallback(ctx, st)
	}
	return m.abortEntry(ctx, st, "entry_timeout")
}

func (m *Manager) marketFallback(ctx context.Context, st *state.State) error {
	pos := st.Position
	mid, err := m.prices.Mid(ctx)
	if err != nil {
		return fmt.Errorf("fallback price: %w", err)
	}
	dev := mid.Sub(pos.PlannedEntry).Abs().Div(pos.PlannedEntry)
	if dev.GreaterThan(m.trading.MaxDeviation) {
		m.logger.Warn("Market fallback refused: deviation", "planned", pos.PlannedEntry, "mid", mid, "deviation", dev)
		return m.abortEntry(ctx, st, "fallback_deviation")
	}
	stop := exits.StopPrice(pos.Side, pos.PlannedEntry, m.swing(pos.Side, m.trading.SwingLookback), m.params)
	tp1 := exits.TargetPrice(pos.Side, pos.PlannedEntry, stop, m.trading.TP1R, m.params)
	if watchdog.Past(pos.Side, tp1, mid) {
		m.logger.Warn("Market fallback refused: price already past TP1", "tp1", tp1, "mid", mid)
		return m.abortEntry(ctx, st, "fallback_past_tp1")
	}

	pos.Orders.EntryFallback = m.id(pos.TradeKey, core.LegEntryFallback)
	pos.EntryType = core.OrderTypeMarket
	if err := m.save(ctx, st); err != nil {
		return err
	}
	o, err := m.exec.Place(ctx, core.LegEntryFallback, &core.PlaceOrderRequest{
		Symbol:        m.trading.Symbol,
		Side:          pos.Side.EntrySide(),
		Type:          core.OrderTypeMarket,
		Quantity:      pos.Qty,
		ClientOrderID: pos.Orders.EntryFallback,
		SideEffect:    m.sideEffect(),
	})
	m.invalidate()
	if err != nil {
		if apperrors.IsTransient(err) {
			return err
		}
		return errors.Join(err, m.abortEntry(ctx, st, "fallback_rejected"))
	}
	if o.ExecutedQty.IsPositive() && o.Status.IsTerminal() {
		return m.onEntryFilled(ctx, st, o)
	}
	return m.save(ctx, st)
}

// CleanupStale resolves PENDING entries whose placement was never
// acknowledged and clears expired lock tokens left without a position
func (m *Manager) CleanupStale(ctx context.Context, st *state.State) error {
	now := m.clock.Now()
	pos := st.Position
	if pos == nil {
		if st.ExpireLock(now) {
			m.logger.Info("Expired lock token cleared")
			return m.save(ctx, st)
		}
		return nil
	}
	if pos.Status != core.StatusPending || !pos.EntryPlacedAt.IsZero() {
		return nil
	}
	if now.Sub(pos.CreatedAt) < m.risk.StaleEntryAfter {
		return nil
	}

	o, err := m.exec.Get(ctx, pos.Orders.Entry)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return m.abortEntry(ctx, st, "stale_entry")
		}
		return fmt.Errorf("resolve stale entry: %w", err)
	}
	m.logger.Info("Stale entry found on venue, adopting", "trade_key", pos.TradeKey, "status", o.Status)
	pos.EntryPlacedAt = o.UpdateTime
	if pos.EntryPlacedAt.IsZero() {
		pos.EntryPlacedAt = now
	}
	return m.save(ctx, st)
}

func (m *Manager) swing(side core.Side, lookback time.Duration) decimal.Decimal {
	if m.swings == nil {
		return decimal.Zero
	}
	v, err := m.swings.Swing(side, m.clock.Now(), lookback)
	if err != nil {
		m.logger.Debug("No swing level", "error", err)
		return decimal.Zero
	}
	return v
}

// DrainRejections moves venue rejections seen by the executor into state
func (m *Manager) DrainRejections(st *state.State) int {
	rej := m.exec.DrainRejections()
	for _, r := range rej {
		st.RecordRejection(r.Code, r.At, m.risk.RejectWindow)
	}
	return len(rej)
}
