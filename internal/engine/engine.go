// Package engine runs the single-threaded control loop that owns the
// position slot
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/feed"
	"signal_trader/internal/risk"
	"signal_trader/internal/signal"
	"signal_trader/internal/state"
	"signal_trader/internal/trading/position"
	"signal_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const feedAlertKey = "feed:schema"

// Deps are the collaborators of the loop. Notifier and Events are optional.
type Deps struct {
	Store      state.Store
	Signals    SignalSource
	Feed       FeedChecker
	Manager    PositionManager
	Reconciler Reconciler
	Monitor    *risk.Monitor
	Orders     OrderSource
	Notifier   core.INotifier
	Events     core.IEventLog
	Clock      core.IClock
	Logger     core.ILogger
}

// Engine ticks the position manager, the signal tracker and the risk
// checks in a fixed order. Only the goroutine running Run touches state.
type Engine struct {
	cfg  *config.Config
	deps Deps

	clock  core.IClock
	logger core.ILogger
	tracer trace.Tracer

	lastManage time.Time
	lastSweep  time.Time
	booted     bool

	// wall time of the last completed tick, read by health probes
	lastTick atomic.Int64
}

// New creates an engine
func New(cfg *config.Config, deps Deps) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		clock:  clock,
		logger: deps.Logger.WithField("component", "engine"),
		tracer: telemetry.GetTracer("engine"),
	}
}

// Boot validates the feed, seeds the dedup state from the current signal
// tail and reconciles against the venue once. A feed schema mismatch is
// fatal; a failed reconcile is not.
func (e *Engine) Boot(ctx context.Context) error {
	if err := e.deps.Feed.CheckSchema(); err != nil {
		return fmt.Errorf("price feed check: %w", err)
	}

	st, err := e.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	if e.deps.Signals.Ensure(&st.Dedup) {
		n, err := e.deps.Signals.Bootstrap(&st.Dedup)
		if err != nil {
			return fmt.Errorf("bootstrap signal tail: %w", err)
		}
		e.logger.Info("Dedup state bootstrapped", "events", n)
	}
	if err := e.deps.Store.Save(ctx, st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	if res, err := e.deps.Reconciler.Reconcile(ctx, st, risk.TriggerBoot); err != nil {
		e.logger.Error("Boot reconciliation failed", "error", err)
	} else {
		e.logger.Info("Boot reconciliation done", "action", res.Action, "findings", len(res.Findings))
	}

	e.booted = true
	e.record("engine_started", map[string]interface{}{
		"symbol":   e.cfg.Trading.Symbol,
		"live":     st.HasLivePosition(),
		"halted":   st.IsHalted(),
		"exchange": e.cfg.Exchange.Name,
	})
	return nil
}

// Run boots the engine and ticks until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	if !e.booted {
		if err := e.Boot(ctx); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(e.cfg.Timing.Tick)
	defer ticker.Stop()

	e.logger.Info("Control loop started", "tick", e.cfg.Timing.Tick)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Control loop stopped")
			e.record("engine_stopped", nil)
			return nil
		case <-ticker.C:
			if err := e.runTick(ctx); err != nil {
				e.logger.Error("Tick failed", "error", err)
			}
		}
	}
}

// runTick bounds one pass by the call timeout
func (e *Engine) runTick(ctx context.Context) error {
	if e.cfg.Timing.CallTimeout <= 0 {
		return e.Tick(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timing.CallTimeout)
	defer cancel()
	return e.Tick(ctx)
}

// Tick runs one pass of the loop. Step failures are logged and retried on
// the next tick; only a state load failure aborts the pass.
func (e *Engine) Tick(ctx context.Context) error {
	start := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, "Tick")
	defer span.End()
	defer func() {
		telemetry.GetGlobalMetrics().RecordTick(ctx, float64(e.clock.Now().Sub(start).Microseconds())/1000)
	}()

	st, err := e.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	telemetry.GetGlobalMetrics().SetHalted(st.IsHalted())

	if n := e.deps.Manager.DrainRejections(st); n > 0 {
		e.step(ctx, "save_rejections", e.deps.Store.Save(ctx, st))
	}

	e.sweep(ctx, st)
	e.step(ctx, "cleanup_stale", e.deps.Manager.CleanupStale(ctx, st))
	e.step(ctx, "entry_timeout", e.deps.Manager.HandleEntryTimeout(ctx, st))

	fresh := e.pollSignals(ctx, st)

	if st.Position != nil && e.clock.Now().Sub(e.lastManage) >= e.cfg.Timing.ManageInterval {
		e.lastManage = e.clock.Now()
		e.step(ctx, "manage", e.deps.Manager.Manage(ctx, st))
	}

	if e.deps.Reconciler.Due(risk.TriggerPeriodic, st) {
		_, err := e.deps.Reconciler.Reconcile(ctx, st, risk.TriggerPeriodic)
		e.step(ctx, "reconcile_periodic", err)
	}

	if len(fresh) > 0 {
		e.processSignals(ctx, st, fresh)
	}
	span.SetAttributes(attribute.Int("signals", len(fresh)), attribute.Bool("live", st.HasLivePosition()))
	e.lastTick.Store(e.clock.Now().UnixNano())
	return nil
}

// CheckLiveness fails when no tick completed within maxAge
func (e *Engine) CheckLiveness(maxAge time.Duration) error {
	last := e.lastTick.Load()
	if last == 0 {
		return errors.New("no tick completed yet")
	}
	if age := e.clock.Now().Sub(time.Unix(0, last)); age > maxAge {
		return fmt.Errorf("last tick %s ago", age.Truncate(time.Millisecond))
	}
	return nil
}

func (e *Engine) step(ctx context.Context, name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	e.logger.Error("Loop step failed", "step", name, "error", err)
}

// sweep runs the invariant monitor at most once per invariant interval
// and applies a requested halt
func (e *Engine) sweep(ctx context.Context, st *state.State) {
	now := e.clock.Now()
	if !e.lastSweep.IsZero() && now.Sub(e.lastSweep) < e.cfg.Risk.InvariantInterval {
		return
	}
	e.lastSweep = now

	dirty := e.checkFeed(ctx, st, now)

	open, err := e.deps.Orders.Tagged(ctx)
	if err != nil {
		e.logger.Warn("Invariant sweep skipped, open orders unavailable", "error", err)
		if dirty {
			e.step(ctx, "save_sweep", e.deps.Store.Save(ctx, st))
		}
		return
	}
	rep := e.deps.Monitor.Sweep(ctx, st, open, now)
	dirty = dirty || len(rep.Surfaced) > 0
	if rep.Halt != "" && !st.IsHalted() {
		st.Halt = &state.Halt{Reason: rep.Halt, At: now}
		dirty = true
		telemetry.GetGlobalMetrics().SetHalted(true)
		e.logger.Error("New entries halted", "reason", rep.Halt)
		e.notify(ctx, "entries_halted", "critical", map[string]string{"reason": rep.Halt})
	}
	if dirty {
		e.step(ctx, "save_sweep", e.deps.Store.Save(ctx, st))
	}
}

// checkFeed surfaces a feed that changed schema while running, throttled
// like an invariant. It reports whether the throttle stamp changed.
func (e *Engine) checkFeed(ctx context.Context, st *state.State, now time.Time) bool {
	err := e.deps.Feed.CheckSchema()
	if err == nil || !errors.Is(err, feed.ErrSchemaMismatch) {
		return false
	}
	e.logger.Error("Price feed schema mismatch", "error", err)
	if !st.AllowAlert(feedAlertKey, now, e.cfg.Risk.InvariantThrottle) {
		return false
	}
	e.notify(ctx, "feed_schema_mismatch", "error", map[string]string{"error": err.Error()})
	return true
}

func (e *Engine) pollSignals(ctx context.Context, st *state.State) []*signal.Event {
	before := st.Dedup
	seenBefore := len(before.Seen)

	fresh, stats, err := e.deps.Signals.Poll(&st.Dedup)
	if err != nil {
		e.step(ctx, "signal_poll", err)
		return nil
	}
	m := telemetry.GetGlobalMetrics()
	m.IncSignal(ctx, "invalid", stats.Invalid)
	m.IncSignal(ctx, "stale", stats.Stale)
	m.IncSignal(ctx, "emitted", stats.Emitted)

	changed := stats.Emitted > 0 || stats.Stale > 0 ||
		st.Dedup.Fingerprint != before.Fingerprint ||
		!st.Dedup.Watermark.Equal(before.Watermark) ||
		len(st.Dedup.Seen) != seenBefore
	if changed {
		e.step(ctx, "save_dedup", e.deps.Store.Save(ctx, st))
	}
	return fresh
}

// processSignals reconciles once, then offers each fresh signal to the
// position manager in log order. Signals refused by the slot are dropped.
func (e *Engine) processSignals(ctx context.Context, st *state.State, fresh []*signal.Event) {
	if e.deps.Reconciler.Due(risk.TriggerSignal, st) {
		_, err := e.deps.Reconciler.Reconcile(ctx, st, risk.TriggerSignal)
		e.step(ctx, "reconcile_signal", err)
	}

	m := telemetry.GetGlobalMetrics()
	for _, ev := range fresh {
		fields := map[string]interface{}{
			"signal_key": ev.Key,
			"side":       string(ev.Side),
			"price":      ev.Price.String(),
			"signal_ts":  ev.Time.UTC().Format(time.RFC3339),
		}
		pos, err := e.deps.Manager.Open(ctx, st, ev)
		switch {
		case err == nil:
			m.IncSignal(ctx, "accepted", 1)
			fields["trade_key"] = pos.TradeKey
			e.record("signal_accepted", fields)
		case errors.Is(err, position.ErrEntryBlocked):
			m.IncSignal(ctx, "skipped", 1)
			e.logger.Info("Signal skipped", "signal_key", ev.Key, "reason", err)
			fields["reason"] = err.Error()
			e.record("signal_skipped", fields)
		default:
			m.IncSignal(ctx, "failed", 1)
			e.logger.Error("Signal entry failed", "signal_key", ev.Key, "error", err)
			fields["error"] = err.Error()
			e.record("signal_failed", fields)
		}
	}
}

func (e *Engine) notify(ctx context.Context, event, level string, fields map[string]string) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.Notify(ctx, event, level, fields)
	}
	f := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	e.record(event, f)
}

func (e *Engine) record(event string, fields map[string]interface{}) {
	if e.deps.Events == nil {
		return
	}
	if err := e.deps.Events.Append(event, fields); err != nil {
		e.logger.Warn("Failed to append event log", "event", event, "error", err)
	}
}
