package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentineltrading/orchestrator/internal/breaker"
	"github.com/sentineltrading/orchestrator/internal/ledger"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and reset the circuit breaker",
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear a tripped breaker (manual, audited, idempotent)",
	Args:  cobra.NoArgs,
	RunE:  runBreakerReset,
}

var (
	breakerOperator string
	breakerNote     string
)

func init() {
	rootCmd.AddCommand(breakerCmd)
	breakerCmd.AddCommand(breakerResetCmd)

	breakerResetCmd.Flags().StringVar(&breakerOperator, "operator", "", "who is resetting (required)")
	breakerResetCmd.Flags().StringVar(&breakerNote, "note", "", "why the reset is safe (required)")
	_ = breakerResetCmd.MarkFlagRequired("operator")
	_ = breakerResetCmd.MarkFlagRequired("note")
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	scope := ledger.Scope{Venue: cfg.Scope.Venue, Environment: cfg.Scope.Environment}
	store, err := ledger.Open(cfg.Ledger.Dir, scope, cfg.Ledger.StartCapital)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	brk, err := breaker.New(cfg.Breaker.StatePath, breaker.Config{
		DailyPct:      cfg.Breaker.DailyPct,
		WeeklyPct:     cfg.Breaker.WeeklyPct,
		WeeklyMinDays: cfg.Breaker.WeeklyMinDays,
	}, store, nil, nil)
	if err != nil {
		return fmt.Errorf("load breaker state: %w", err)
	}

	wasTripped := brk.State().Tripped
	if err := brk.Reset(breakerOperator, breakerNote); err != nil {
		return err
	}
	if wasTripped {
		fmt.Printf("breaker reset by %s\n", breakerOperator)
	} else {
		fmt.Println("breaker was not tripped; reset recorded as no-op")
	}
	return nil
}
