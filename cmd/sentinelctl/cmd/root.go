package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sentineltrading/orchestrator/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "sentinelctl",
	Short: "Operator controls for the trading orchestrator",
	Long: `sentinelctl inspects and controls a running (or stopped) orchestrator
through its persisted state: the scoped ledger, the circuit breaker,
and the kill switch.

Examples:
  sentinelctl status
  sentinelctl breaker reset --operator alice --note "reviewed fills, bad feed day"
  sentinelctl killswitch on --reason "venue incident" --monitor-only
  sentinelctl killswitch off --operator alice`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config/config.yaml", "config path")
}

func loadConfig() (config.Root, error) {
	return config.Load(cfgPath)
}
