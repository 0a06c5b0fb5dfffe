package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Scope struct {
	Venue       string `yaml:"venue"`       // e.g. paperbroker, alpaca
	Environment string `yaml:"environment"` // paper | live
}

type Scanner struct {
	Instruments   []string `yaml:"instruments"`
	MaxWorkers    int      `yaml:"max_workers"`
	IntervalSec   int      `yaml:"interval_seconds"`
	TopN          int      `yaml:"top_n"`
	MinConfidence float64  `yaml:"min_confidence"`
	ServiceRPM    int      `yaml:"service_requests_per_minute"`
	FlipWindowMin int      `yaml:"flip_window_minutes"`
}

type GateProvider struct {
	Enabled    bool    `yaml:"enabled"`
	FailClosed bool    `yaml:"fail_closed"`
	// FailOpen reverses the default for gates that are fail-closed
	// out of the box (freshness). Ignored elsewhere.
	FailOpen  bool    `yaml:"fail_open"`
	TTLSec    int     `yaml:"ttl_seconds"`
	Threshold float64 `yaml:"threshold"`
}

type Gates struct {
	Volatility GateProvider `yaml:"volatility"`
	Calendar   GateProvider `yaml:"calendar"`
	PreEvent   GateProvider `yaml:"pre_event"`
	Freshness  GateProvider `yaml:"freshness"`
	// Pre-event blackout hours before a scheduled event.
	PreEventHours int `yaml:"pre_event_hours"`
}

type Breaker struct {
	DailyPct      float64 `yaml:"daily_pct"`
	WeeklyPct     float64 `yaml:"weekly_pct"`
	WeeklyMinDays int     `yaml:"weekly_min_days"`
	StatePath     string  `yaml:"state_path"`
}

type Executor struct {
	FillPollSec      int `yaml:"fill_poll_seconds"`
	FillTimeoutSec   int `yaml:"fill_timeout_seconds"`
	RecoveryAttempts int `yaml:"recovery_attempts"`
}

type Exits struct {
	IntervalSec      int       `yaml:"interval_seconds"`
	StopLossPct      float64   `yaml:"stop_loss_pct"`
	ProfitTiersPct   []float64 `yaml:"profit_tiers_pct"`
	TrailActivatePct float64   `yaml:"trail_activate_pct"`
	TrailDistancePct float64   `yaml:"trail_distance_pct"`
	TimeExit         string    `yaml:"time_exit"` // HH:MM venue-local
	WarningMinutes   int       `yaml:"warning_minutes"`
}

type Ledger struct {
	Dir            string  `yaml:"dir"`
	StartCapital   float64 `yaml:"start_capital"`
	RiskFraction   float64 `yaml:"risk_fraction"` // fraction of capital per entry
	MaxPositionUSD float64 `yaml:"max_position_usd"`
}

type KillSwitch struct {
	StatePath    string `yaml:"state_path"`
	SentinelPath string `yaml:"sentinel_path"`
	BlockExits   bool   `yaml:"block_exits"`
}

type Feed struct {
	// BaseURL empty selects the deterministic simulated feed.
	BaseURL         string `yaml:"base_url"`
	RPM             int    `yaml:"requests_per_minute"`
	TimeoutMs       int    `yaml:"timeout_ms"`
	CacheTTLSec     int    `yaml:"cache_ttl_seconds"`
	StaleCeilingSec int    `yaml:"stale_ceiling_seconds"`
}

type Notifications struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	TelegramToken   string `yaml:"telegram_bot_token"`
	TelegramChatID  string `yaml:"telegram_chat_id"`
}

type Server struct {
	MetricsPort int `yaml:"metrics_port"`
}

type Root struct {
	Scope         Scope         `yaml:"scope"`
	Scanner       Scanner       `yaml:"scanner"`
	Gates         Gates         `yaml:"gates"`
	Breaker       Breaker       `yaml:"breaker"`
	Executor      Executor      `yaml:"executor"`
	Exits         Exits         `yaml:"exits"`
	Ledger        Ledger        `yaml:"ledger"`
	Feed          Feed          `yaml:"feed"`
	KillSwitch    KillSwitch    `yaml:"kill_switch"`
	Notifications Notifications `yaml:"notifications"`
	Server        Server        `yaml:"server"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) applyDefaults() {
	if c.Scope.Venue == "" {
		c.Scope.Venue = "paperbroker"
	}
	if c.Scope.Environment == "" {
		c.Scope.Environment = "paper"
	}

	if c.Scanner.MaxWorkers == 0 {
		c.Scanner.MaxWorkers = 4
	}
	if c.Scanner.IntervalSec == 0 {
		c.Scanner.IntervalSec = 300
	}
	if c.Scanner.TopN == 0 {
		c.Scanner.TopN = 1
	}
	if c.Scanner.MinConfidence == 0 {
		c.Scanner.MinConfidence = 0.60
	}
	if c.Scanner.ServiceRPM == 0 {
		c.Scanner.ServiceRPM = 30
	}
	if c.Scanner.FlipWindowMin == 0 {
		c.Scanner.FlipWindowMin = 30
	}

	if c.Gates.Volatility.TTLSec == 0 {
		c.Gates.Volatility.TTLSec = 300
	}
	if c.Gates.Volatility.Threshold == 0 {
		c.Gates.Volatility.Threshold = 30.0
	}
	if c.Gates.Calendar.TTLSec == 0 {
		c.Gates.Calendar.TTLSec = 60
	}
	if c.Gates.PreEvent.TTLSec == 0 {
		c.Gates.PreEvent.TTLSec = 3600
	}
	if c.Gates.PreEventHours == 0 {
		c.Gates.PreEventHours = 24
	}
	if c.Gates.Freshness.TTLSec == 0 {
		c.Gates.Freshness.TTLSec = 10
	}

	if c.Breaker.DailyPct == 0 {
		c.Breaker.DailyPct = 5.0
	}
	if c.Breaker.WeeklyPct == 0 {
		c.Breaker.WeeklyPct = 15.0
	}
	if c.Breaker.WeeklyMinDays == 0 {
		c.Breaker.WeeklyMinDays = 3
	}
	if c.Breaker.StatePath == "" {
		c.Breaker.StatePath = "data/breaker_state.json"
	}

	if c.Executor.FillPollSec == 0 {
		c.Executor.FillPollSec = 2
	}
	if c.Executor.FillTimeoutSec == 0 {
		c.Executor.FillTimeoutSec = 30
	}
	if c.Executor.RecoveryAttempts == 0 {
		c.Executor.RecoveryAttempts = 3
	}

	if c.Exits.IntervalSec == 0 {
		c.Exits.IntervalSec = 60
	}
	if c.Exits.StopLossPct == 0 {
		c.Exits.StopLossPct = 25.0
	}
	if len(c.Exits.ProfitTiersPct) == 0 {
		c.Exits.ProfitTiersPct = []float64{15, 25, 35}
	}
	if c.Exits.TrailActivatePct == 0 {
		c.Exits.TrailActivatePct = 10.0
	}
	if c.Exits.TrailDistancePct == 0 {
		c.Exits.TrailDistancePct = 5.0
	}
	if c.Exits.TimeExit == "" {
		c.Exits.TimeExit = "15:45"
	}
	if c.Exits.WarningMinutes == 0 {
		c.Exits.WarningMinutes = 15
	}

	if c.Ledger.Dir == "" {
		c.Ledger.Dir = "data"
	}
	if c.Ledger.StartCapital == 0 {
		c.Ledger.StartCapital = 1000
	}
	if c.Ledger.RiskFraction == 0 {
		c.Ledger.RiskFraction = 0.5
	}

	if c.Feed.RPM == 0 {
		c.Feed.RPM = 60
	}
	if c.Feed.TimeoutMs == 0 {
		c.Feed.TimeoutMs = 5000
	}
	if c.Feed.CacheTTLSec == 0 {
		c.Feed.CacheTTLSec = 5
	}
	if c.Feed.StaleCeilingSec == 0 {
		c.Feed.StaleCeilingSec = 120
	}

	if c.KillSwitch.StatePath == "" {
		c.KillSwitch.StatePath = "data/kill_switch.json"
	}
	if c.KillSwitch.SentinelPath == "" {
		c.KillSwitch.SentinelPath = "EMERGENCY_STOP"
	}

	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 8090
	}
}

// Secrets come from the environment so config files stay commit-safe.
func (c *Root) applyEnvOverrides() {
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Notifications.SlackWebhookURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notifications.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Notifications.TelegramChatID = v
	}
}

func (c *Root) Validate() error {
	if c.Scanner.MaxWorkers < 1 {
		return fmt.Errorf("scanner.max_workers must be >= 1, got %d", c.Scanner.MaxWorkers)
	}
	if c.Scanner.MinConfidence < 0 || c.Scanner.MinConfidence > 1 {
		return fmt.Errorf("scanner.min_confidence must be in [0,1], got %.2f", c.Scanner.MinConfidence)
	}
	if c.Scanner.TopN < 1 {
		return fmt.Errorf("scanner.top_n must be >= 1, got %d", c.Scanner.TopN)
	}
	if c.Breaker.DailyPct <= 0 || c.Breaker.WeeklyPct <= 0 {
		return fmt.Errorf("breaker thresholds must be positive (daily %.1f, weekly %.1f)",
			c.Breaker.DailyPct, c.Breaker.WeeklyPct)
	}
	if c.Breaker.WeeklyPct < c.Breaker.DailyPct {
		return fmt.Errorf("breaker.weekly_pct %.1f must be >= daily_pct %.1f",
			c.Breaker.WeeklyPct, c.Breaker.DailyPct)
	}
	if c.Exits.StopLossPct <= 0 {
		return fmt.Errorf("exits.stop_loss_pct must be positive, got %.1f", c.Exits.StopLossPct)
	}
	for i := 1; i < len(c.Exits.ProfitTiersPct); i++ {
		if c.Exits.ProfitTiersPct[i] <= c.Exits.ProfitTiersPct[i-1] {
			return fmt.Errorf("exits.profit_tiers_pct must be strictly increasing")
		}
	}
	if c.Ledger.StartCapital <= 0 {
		return fmt.Errorf("ledger.start_capital must be positive, got %.2f", c.Ledger.StartCapital)
	}
	if c.Ledger.RiskFraction <= 0 || c.Ledger.RiskFraction > 1 {
		return fmt.Errorf("ledger.risk_fraction must be in (0,1], got %.2f", c.Ledger.RiskFraction)
	}
	if _, err := ParseClock(c.Exits.TimeExit); err != nil {
		return fmt.Errorf("exits.time_exit: %w", err)
	}
	return nil
}

// Clock is a time-of-day in the venue's local zone.
type Clock struct {
	Hour, Minute int
}

func ParseClock(s string) (Clock, error) {
	var c Clock
	if _, err := fmt.Sscanf(s, "%d:%d", &c.Hour, &c.Minute); err != nil {
		return c, fmt.Errorf("want HH:MM, got %q", s)
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return c, fmt.Errorf("out of range: %q", s)
	}
	return c, nil
}
