package decision

import (
	"fmt"
	"time"

	"github.com/sentineltrading/orchestrator/internal/adapters"
	"github.com/sentineltrading/orchestrator/internal/observ"
)

// Outcome is the validator's answer. Blocked distinguishes a verdict
// the validator refused from a genuine HOLD recommendation; the two
// are logged and counted separately.
type Outcome struct {
	Actionable bool
	Blocked    bool
	Reason     string
	Verdict    Verdict
}

// historyReader is the slice of the ledger the validator needs.
type historyReader interface {
	ConsecutiveLosses() (int, error)
	LastExit(instrument string) (time.Time, error)
}

type ValidatorConfig struct {
	MinConfidence   float64       // default 0.60
	MinTrueRangePct float64       // default 1.0
	ThrottleLosses  int           // default 2 consecutive losses
	ThrottleBump    float64       // default +0.05 confidence
	FlipWindow      time.Duration // default 30m
}

func (c *ValidatorConfig) defaults() {
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.60
	}
	if c.MinTrueRangePct == 0 {
		c.MinTrueRangePct = 1.0
	}
	if c.ThrottleLosses == 0 {
		c.ThrottleLosses = 2
	}
	if c.ThrottleBump == 0 {
		c.ThrottleBump = 0.05
	}
	if c.FlipWindow == 0 {
		c.FlipWindow = 30 * time.Minute
	}
}

// Validator applies the dual gate: the objective setup rule AND the
// confidence floor must both pass before a verdict is actionable.
type Validator struct {
	cfg  ValidatorConfig
	hist historyReader
	now  func() time.Time
}

func NewValidator(cfg ValidatorConfig, hist historyReader) *Validator {
	cfg.defaults()
	return &Validator{cfg: cfg, hist: hist, now: time.Now}
}

// SetClock pins the clock for tests.
func (v *Validator) SetClock(now func() time.Time) { v.now = now }

func (v *Validator) Validate(verdict Verdict, snap adapters.Snapshot) Outcome {
	if verdict.Action == ActionHold {
		observ.IncCounter("verdict_hold_total", nil)
		return Outcome{Actionable: false, Blocked: false, Reason: "hold", Verdict: verdict}
	}

	minConf := v.cfg.MinConfidence
	minRange := v.cfg.MinTrueRangePct
	if losses := v.consecutiveLosses(); losses >= v.cfg.ThrottleLosses {
		minConf += v.cfg.ThrottleBump
		minRange *= 1.2
		observ.Log("validator_loss_throttle", map[string]any{
			"instrument": verdict.Instrument, "losses": losses,
			"min_confidence": minConf, "min_true_range_pct": minRange,
		})
	}

	// Gate 1: the objective rule must independently support the action.
	if reason := v.ruleBlocks(verdict, snap, minRange); reason != "" {
		return v.block(verdict, "rule", reason)
	}

	// Gate 2: confidence floor. Both gates must pass; high confidence
	// never overrides a failed rule and vice versa.
	if verdict.Confidence < minConf {
		return v.block(verdict, "confidence",
			fmt.Sprintf("confidence %.2f below %.2f", verdict.Confidence, minConf))
	}

	if verdict.Action == ActionBuy {
		if reason := v.flipBlocks(verdict.Instrument); reason != "" {
			return v.block(verdict, "flip_guard", reason)
		}
	}

	return Outcome{Actionable: true, Verdict: verdict}
}

func (v *Validator) ruleBlocks(verdict Verdict, snap adapters.Snapshot, minRange float64) string {
	if snap.TrueRangePct < minRange {
		return fmt.Sprintf("true range %.2f%% below %.2f%%", snap.TrueRangePct, minRange)
	}
	dev := snap.VWAPDeviationPct()
	switch verdict.Action {
	case ActionBuy:
		if dev <= 0 {
			return fmt.Sprintf("buy with price %.2f%% below VWAP", -dev)
		}
	case ActionSell:
		if dev >= 0 {
			return fmt.Sprintf("sell with price %.2f%% above VWAP", dev)
		}
	default:
		return fmt.Sprintf("unknown action %q", verdict.Action)
	}
	return ""
}

func (v *Validator) flipBlocks(instrument string) string {
	if v.hist == nil {
		return ""
	}
	last, err := v.hist.LastExit(instrument)
	if err != nil {
		observ.Log("validator_history_error", map[string]any{"error": err.Error()})
		return ""
	}
	if last.IsZero() {
		return ""
	}
	if since := v.now().Sub(last); since < v.cfg.FlipWindow {
		return fmt.Sprintf("re-entry %s after exit, window %s", since.Round(time.Second), v.cfg.FlipWindow)
	}
	return ""
}

func (v *Validator) consecutiveLosses() int {
	if v.hist == nil {
		return 0
	}
	n, err := v.hist.ConsecutiveLosses()
	if err != nil {
		observ.Log("validator_history_error", map[string]any{"error": err.Error()})
		return 0
	}
	return n
}

func (v *Validator) block(verdict Verdict, kind, reason string) Outcome {
	observ.IncCounter("validator_block_total", map[string]string{"reason": kind})
	observ.Log("validator_blocked", map[string]any{
		"instrument": verdict.Instrument, "action": verdict.Action,
		"confidence": verdict.Confidence, "kind": kind, "reason": reason,
	})
	return Outcome{Actionable: false, Blocked: true, Reason: reason, Verdict: verdict}
}
