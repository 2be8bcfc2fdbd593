// trader runs the single-slot signal trader and its maintenance commands
package main

import (
	"fmt"
	"os"

	"signal_trader/internal/bootstrap"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "trader",
		Short:        "Signal-driven spot and margin trader",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Optional dotenv file loaded before the config")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(checkFeedCmd())
	rootCmd.AddCommand(journalCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trader version %s\n", bootstrap.Version)
		},
	}
}
