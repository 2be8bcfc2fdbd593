// Package bootstrap loads configuration, builds the component graph and
// runs it until a termination signal arrives
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal_trader/internal/core"
	"signal_trader/pkg/logging"
	"signal_trader/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

// App represents the application context and holds core dependencies.
type App struct {
	Cfg       *Config
	Logger    core.ILogger
	zap       *logging.ZapLogger
	telemetry *telemetry.Telemetry
}

// NewApp loads configuration and initializes logging and telemetry
func NewApp(configPath, envFile string) (*App, error) {
	cfg, err := LoadConfig(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup("signal_trader", telemetry.Options{
		Version:      Version,
		StdoutExport: cfg.Telemetry.StdoutExport,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	zl, err := InitLogger(cfg)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{
		Cfg:       cfg,
		Logger:    zl.WithField("symbol", cfg.Trading.Symbol),
		zap:       zl,
		telemetry: tel,
	}, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until one fails or SIGINT/SIGTERM
// arrives. The first runner error cancels the others.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application", "runners", len(runners))
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

// Close flushes telemetry and the logger
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
}
