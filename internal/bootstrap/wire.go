package bootstrap

import (
	"context"
	"fmt"
	"time"

	"signal_trader/internal/alert"
	"signal_trader/internal/core"
	"signal_trader/internal/engine"
	"signal_trader/internal/eventlog"
	"signal_trader/internal/exchange"
	"signal_trader/internal/feed"
	"signal_trader/internal/infrastructure/health"
	"signal_trader/internal/infrastructure/metrics"
	"signal_trader/internal/journal"
	"signal_trader/internal/mock"
	"signal_trader/internal/risk"
	"signal_trader/internal/risk/margin"
	"signal_trader/internal/safety"
	"signal_trader/internal/signal"
	"signal_trader/internal/state"
	"signal_trader/internal/trading/order"
	"signal_trader/internal/trading/position"

	"github.com/shopspring/decimal"
)

// Trader is the wired component graph
type Trader struct {
	Cfg        *Config
	Exchange   core.IExchange
	Executor   *order.Executor
	Store      *state.FileStore
	Feed       *feed.Reader
	Snapshot   *exchange.Snapshot
	Reconciler *risk.Reconciler
	Engine     *engine.Engine
	Safety     *safety.SafetyChecker
	Health     *health.HealthManager
	Alerts     *alert.AlertManager
	Journal    *journal.SQLiteJournal
	Events     *eventlog.FileLog

	logger core.ILogger
}

// Build wires every component from the app configuration
func Build(app *App) (*Trader, error) {
	cfg := app.Cfg
	logger := app.Logger
	clock := core.SystemClock{}

	ex, err := exchange.NewExchange(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	store, err := state.NewFileStore(cfg.App.StateFile)
	if err != nil {
		return nil, err
	}
	jr, err := journal.Open(cfg.App.JournalPath)
	if err != nil {
		return nil, err
	}
	events, err := eventlog.Open(cfg.App.EventLog, cfg.App.EventLogMaxLines, clock)
	if err != nil {
		jr.Close()
		return nil, err
	}

	alerts := alert.NewFromConfig(cfg.Notify, logger)
	exec := order.NewExecutor(ex, cfg.Trading.Symbol, cfg.Exchange.RateLimit, cfg.Exchange.RateBurst, logger, clock)
	snap := exchange.NewSnapshot(ex, cfg.Trading.Symbol, cfg.Trading.ClientIDPrefix, cfg.Timing.SnapshotTTL, clock)
	prices := exchange.NewPriceCache(ex, cfg.Trading.Symbol, cfg.Timing.PriceTTL, clock)
	marginEngine := margin.NewEngine(ex, cfg.Margin, cfg.Trading.BaseAsset, cfg.Trading.QuoteAsset, logger, clock)
	feedReader := feed.NewReader(cfg.App.FeedFile, logger)

	manager := position.NewManager(cfg, position.Deps{
		Exec:     exec,
		Margin:   marginEngine,
		Prices:   prices,
		Swings:   feedReader,
		Store:    store,
		Journal:  jr,
		Notifier: alerts,
		Events:   events,
		Snapshot: snap,
		Clock:    clock,
		Logger:   logger,
	})
	reconciler := risk.NewReconciler(cfg, exec, snap, marginEngine, store, alerts, clock, logger)
	eng := engine.New(cfg, engine.Deps{
		Store:      store,
		Signals:    signal.NewTracker(cfg.App.SignalLog, cfg.Dedup, cfg.Trading.Symbol, logger),
		Feed:       feedReader,
		Manager:    manager,
		Reconciler: reconciler,
		Monitor:    risk.NewMonitor(cfg, ex.UsesMargin(), alerts, logger),
		Orders:     snap,
		Notifier:   alerts,
		Events:     events,
		Clock:      clock,
		Logger:     logger,
	})

	hm := health.NewHealthManager(logger)
	hm.Register("engine", func() error { return eng.CheckLiveness(10 * cfg.Timing.Tick) })
	hm.Register("exchange", func() error { return exec.CheckHealth(time.Minute, 20) })

	return &Trader{
		Cfg:        cfg,
		Exchange:   ex,
		Executor:   exec,
		Store:      store,
		Feed:       feedReader,
		Snapshot:   snap,
		Reconciler: reconciler,
		Engine:     eng,
		Safety:     safety.NewSafetyChecker(cfg, logger),
		Health:     hm,
		Alerts:     alerts,
		Journal:    jr,
		Events:     events,
		logger:     logger,
	}, nil
}

// Runners returns the long-running parts: the engine, the metrics server
// and, in mock mode, the feed-driven paper price
func (t *Trader) Runners() []Runner {
	runners := []Runner{t.Engine}
	if t.Cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(t.Cfg.Telemetry.MetricsPort, t.Health, t.logger))
	}
	if paper, ok := t.Exchange.(*mock.MockExchange); ok {
		runners = append(runners, RunnerFunc(func(ctx context.Context) error {
			return t.paperPrices(ctx, paper)
		}))
	}
	return runners
}

// paperPrices feeds the mock venue the last feed close so resting orders
// can match in mock mode
func (t *Trader) paperPrices(ctx context.Context, ex *mock.MockExchange) error {
	ticker := time.NewTicker(t.Cfg.Timing.Tick)
	defer ticker.Stop()
	var last time.Time
	for {
		if px, ts, err := t.Feed.LastClose(); err == nil && ts.After(last) {
			ex.SetMid(t.Cfg.Trading.Symbol, px)
			last = ts
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Preflight runs the safety checks against the venue
func (t *Trader) Preflight(ctx context.Context) error {
	if ex, ok := t.Exchange.(*mock.MockExchange); ok {
		if px, _, err := t.Feed.LastClose(); err == nil {
			ex.SetMid(t.Cfg.Trading.Symbol, px)
		}
		t.logger.Info("Mock mode: seeding paper balance")
		ex.SetBalance(core.Balance{Asset: t.Cfg.Trading.QuoteAsset, Free: t.Cfg.Trading.Notional.Mul(decimal.NewFromInt(10))})
	}
	_, err := t.Safety.Run(ctx, t.Exchange)
	return err
}

// Close releases files and flushes pending alerts
func (t *Trader) Close() {
	t.Alerts.Close(5 * time.Second)
	if err := t.Journal.Close(); err != nil {
		t.logger.Warn("Journal close failed", "error", err)
	}
}
