package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentineltrading/orchestrator/internal/killswitch"
)

var killswitchCmd = &cobra.Command{
	Use:   "killswitch",
	Short: "Flip the kill switch on or off",
}

var killswitchOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Activate the kill switch (new entries stop; exits keep running unless block_exits is set)",
	Args:  cobra.NoArgs,
	RunE:  runKillswitchOn,
}

var killswitchOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Deactivate the kill switch and remove the sentinel file",
	Args:  cobra.NoArgs,
	RunE:  runKillswitchOff,
}

var (
	killReason      string
	killMonitorOnly bool
	killOperator    string
)

func init() {
	rootCmd.AddCommand(killswitchCmd)
	killswitchCmd.AddCommand(killswitchOnCmd)
	killswitchCmd.AddCommand(killswitchOffCmd)

	killswitchOnCmd.Flags().StringVar(&killReason, "reason", "", "why trading is being stopped (required)")
	killswitchOnCmd.Flags().BoolVar(&killMonitorOnly, "monitor-only", false, "keep scanning and logging, just don't trade")
	_ = killswitchOnCmd.MarkFlagRequired("reason")

	killswitchOffCmd.Flags().StringVar(&killOperator, "operator", "", "who is re-enabling trading (required)")
	_ = killswitchOffCmd.MarkFlagRequired("operator")
}

func openSwitch() (*killswitch.Switch, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return killswitch.New(killswitch.Config{
		StatePath:    cfg.KillSwitch.StatePath,
		SentinelPath: cfg.KillSwitch.SentinelPath,
		BlockExits:   cfg.KillSwitch.BlockExits,
	}, nil)
}

func runKillswitchOn(cmd *cobra.Command, args []string) error {
	sw, err := openSwitch()
	if err != nil {
		return err
	}
	sw.Activate(killReason, "manual", killMonitorOnly)
	st := sw.State()
	fmt.Printf("kill switch active (reason: %s, monitor_only: %v, since: %s)\n",
		st.Reason, st.MonitorOnly, st.ActivatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

func runKillswitchOff(cmd *cobra.Command, args []string) error {
	sw, err := openSwitch()
	if err != nil {
		return err
	}
	if !sw.Active() {
		fmt.Println("kill switch already inactive")
		return nil
	}
	if err := sw.Deactivate(killOperator); err != nil {
		return err
	}
	fmt.Printf("kill switch deactivated by %s\n", killOperator)
	return nil
}
