package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSignalsTotal        = "signal_trader_signals_total"
	MetricOrdersPlacedTotal   = "signal_trader_orders_placed_total"
	MetricOrdersFailedTotal   = "signal_trader_orders_failed_total"
	MetricPositionsOpened     = "signal_trader_positions_opened_total"
	MetricPositionsClosed     = "signal_trader_positions_closed_total"
	MetricWatchdogPlansTotal  = "signal_trader_watchdog_plans_total"
	MetricInvariantFailures   = "signal_trader_invariant_failures_total"
	MetricReconcileDriftTotal = "signal_trader_reconcile_drift_total"
	MetricTickDuration        = "signal_trader_tick_duration_ms"
	MetricLatencyExchange     = "signal_trader_latency_exchange_ms"
	MetricPositionLive        = "signal_trader_position_live"
	MetricPositionQty         = "signal_trader_position_qty"
	MetricMarginDebt          = "signal_trader_margin_debt"
	MetricHalted              = "signal_trader_halted"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SignalsTotal        metric.Int64Counter
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFailedTotal   metric.Int64Counter
	PositionsOpened     metric.Int64Counter
	PositionsClosed     metric.Int64Counter
	WatchdogPlansTotal  metric.Int64Counter
	InvariantFailures   metric.Int64Counter
	ReconcileDriftTotal metric.Int64Counter
	TickDuration        metric.Float64Histogram
	LatencyExchange     metric.Float64Histogram
	PositionLive        metric.Int64ObservableGauge
	PositionQty         metric.Float64ObservableGauge
	MarginDebt          metric.Float64ObservableGauge
	Halted              metric.Int64ObservableGauge

	// State for observable gauges
	mu          sync.RWMutex
	liveMap     map[string]int64
	qtyMap      map[string]float64
	debtMap     map[string]float64
	halted      int64
	initialized bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = newHolder()
	})
	return globalMetrics
}

func newHolder() *MetricsHolder {
	return &MetricsHolder{
		liveMap: make(map[string]int64),
		qtyMap:  make(map[string]float64),
		debtMap: make(map[string]float64),
	}
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.SignalsTotal, MetricSignalsTotal, "Signals seen by result"},
		{&m.OrdersPlacedTotal, MetricOrdersPlacedTotal, "Orders accepted by the venue by leg"},
		{&m.OrdersFailedTotal, MetricOrdersFailedTotal, "Order submissions that failed by leg and error kind"},
		{&m.PositionsOpened, MetricPositionsOpened, "Positions opened"},
		{&m.PositionsClosed, MetricPositionsClosed, "Positions closed by reason"},
		{&m.WatchdogPlansTotal, MetricWatchdogPlansTotal, "Watchdog plans emitted by action"},
		{&m.InvariantFailures, MetricInvariantFailures, "Invariant check failures by invariant"},
		{&m.ReconcileDriftTotal, MetricReconcileDriftTotal, "Reconciliation drift findings by kind"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return err
		}
	}

	m.TickDuration, err = meter.Float64Histogram(MetricTickDuration, metric.WithDescription("Control loop tick duration"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.PositionLive, err = meter.Int64ObservableGauge(MetricPositionLive, metric.WithDescription("1 while a position is live"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.liveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionQty, err = meter.Float64ObservableGauge(MetricPositionQty, metric.WithDescription("Remaining position quantity"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.qtyMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.MarginDebt, err = meter.Float64ObservableGauge(MetricMarginDebt, metric.WithDescription("Ledger debt borrowed by the trader per asset"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for asset, val := range m.debtMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("asset", asset)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.Halted, err = meter.Int64ObservableGauge(MetricHalted, metric.WithDescription("1 while new entries are halted"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.halted)
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Ready reports whether instruments were created
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Helpers to record events; all are no-ops before InitMetrics

func (m *MetricsHolder) IncSignal(ctx context.Context, result string, n int) {
	if m.Ready() && n > 0 {
		m.SignalsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *MetricsHolder) IncOrderPlaced(ctx context.Context, leg string) {
	if m.Ready() {
		m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("leg", leg)))
	}
}

func (m *MetricsHolder) IncOrderFailed(ctx context.Context, leg, kind string) {
	if m.Ready() {
		m.OrdersFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("leg", leg), attribute.String("kind", kind)))
	}
}

func (m *MetricsHolder) IncPositionOpened(ctx context.Context, side string) {
	if m.Ready() {
		m.PositionsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
	}
}

func (m *MetricsHolder) IncPositionClosed(ctx context.Context, reason string) {
	if m.Ready() {
		m.PositionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *MetricsHolder) IncWatchdogPlan(ctx context.Context, action string) {
	if m.Ready() {
		m.WatchdogPlansTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

func (m *MetricsHolder) IncInvariantFailure(ctx context.Context, invariant string) {
	if m.Ready() {
		m.InvariantFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("invariant", invariant)))
	}
}

func (m *MetricsHolder) IncReconcileDrift(ctx context.Context, kind string) {
	if m.Ready() {
		m.ReconcileDriftTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *MetricsHolder) RecordTick(ctx context.Context, ms float64) {
	if m.Ready() {
		m.TickDuration.Record(ctx, ms)
	}
}

func (m *MetricsHolder) RecordExchangeLatency(ctx context.Context, op string, ms float64) {
	if m.Ready() {
		m.LatencyExchange.Record(ctx, ms, metric.WithAttributes(attribute.String("op", op)))
	}
}

// Helpers to update observable state

func (m *MetricsHolder) SetPosition(symbol string, live bool, qty float64) {
	val := int64(0)
	if live {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveMap[symbol] = val
	m.qtyMap[symbol] = qty
}

func (m *MetricsHolder) SetMarginDebt(asset string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debtMap[asset] = amount
}

func (m *MetricsHolder) SetHalted(halted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if halted {
		m.halted = 1
	} else {
		m.halted = 0
	}
}

func (m *MetricsHolder) GetPositionQty() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.qtyMap {
		res[k] = v
	}
	return res
}
