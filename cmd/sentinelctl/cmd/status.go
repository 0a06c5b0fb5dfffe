package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentineltrading/orchestrator/internal/breaker"
	"github.com/sentineltrading/orchestrator/internal/killswitch"
	"github.com/sentineltrading/orchestrator/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger, breaker, and kill switch state for the configured scope",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	snap, err := store.Snapshot()
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	brk, err := breaker.New(cfg.Breaker.StatePath, breaker.Config{
		DailyPct:      cfg.Breaker.DailyPct,
		WeeklyPct:     cfg.Breaker.WeeklyPct,
		WeeklyMinDays: cfg.Breaker.WeeklyMinDays,
	}, store, nil, nil)
	if err != nil {
		return fmt.Errorf("load breaker state: %w", err)
	}

	kill, err := killswitch.New(killswitch.Config{
		StatePath:    cfg.KillSwitch.StatePath,
		SentinelPath: cfg.KillSwitch.SentinelPath,
		BlockExits:   cfg.KillSwitch.BlockExits,
	}, nil)
	if err != nil {
		return fmt.Errorf("load kill switch state: %w", err)
	}

	out := struct {
		Ledger     ledger.SnapshotView `json:"ledger"`
		Breaker    breaker.State       `json:"breaker"`
		KillSwitch killswitch.State    `json:"kill_switch"`
	}{snap, brk.State(), kill.State()}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
