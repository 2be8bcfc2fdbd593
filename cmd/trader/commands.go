package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"signal_trader/internal/bootstrap"
	"signal_trader/internal/feed"
	"signal_trader/internal/journal"
	"signal_trader/internal/state"
	"signal_trader/pkg/logging"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.NewApp(configPath, envFile)
			if err != nil {
				return err
			}
			defer app.Close()

			trader, err := bootstrap.Build(app)
			if err != nil {
				return err
			}
			defer trader.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), app.Cfg.Timing.CallTimeout*3)
			err = trader.Preflight(ctx)
			cancel()
			if err != nil {
				return fmt.Errorf("preflight: %w", err)
			}
			return app.Run(trader.Runners()...)
		},
	}
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the persisted trader state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig(configPath, envFile)
			if err != nil {
				return err
			}
			store, err := state.NewFileStore(cfg.App.StateFile)
			if err != nil {
				return err
			}
			st, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass against the venue",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.NewApp(configPath, envFile)
			if err != nil {
				return err
			}
			defer app.Close()

			trader, err := bootstrap.Build(app)
			if err != nil {
				return err
			}
			defer trader.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), app.Cfg.Timing.CallTimeout*3)
			defer cancel()
			st, err := trader.Store.Load(ctx)
			if err != nil {
				return err
			}
			res, err := trader.Reconciler.TriggerManual(ctx, st)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func checkFeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-feed",
		Short: "Validate the price feed header and print its newest close",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig(configPath, envFile)
			if err != nil {
				return err
			}
			r := feed.NewReader(cfg.App.FeedFile, logging.NewNop())
			if err := r.CheckSchema(); err != nil {
				return err
			}
			px, ts, err := r.LastClose()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "feed ok: close %s at %s\n", px, ts.Format(time.RFC3339))
			return nil
		},
	}
}

func journalCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recently closed trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.LoadConfig(configPath, envFile)
			if err != nil {
				return err
			}
			jr, err := journal.Open(cfg.App.JournalPath)
			if err != nil {
				return err
			}
			defer jr.Close()

			rows, err := jr.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range rows {
				fmt.Fprintf(out, "%s  %-5s %-12s qty=%s entry=%s pnl=%s  %s\n",
					s.ClosedAt.Format(time.RFC3339), s.Side, s.TradeKey, s.Qty, s.EntryPrice, s.RealizedPnL, s.ExitReason)
			}
			total, n, err := jr.TotalPnL(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d trades, realized pnl %s\n", n, total)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of trades to show")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
