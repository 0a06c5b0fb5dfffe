// Package breaker halts new entries when drawdown, realized plus the
// mark-to-market loss on open positions, crosses the daily or weekly
// threshold. A trip is persisted and survives restarts; only an
// operator reset clears it.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sentineltrading/orchestrator/internal/adapters"
	"github.com/sentineltrading/orchestrator/internal/ledger"
	"github.com/sentineltrading/orchestrator/internal/observ"
)

const (
	WindowDaily  = "daily"
	WindowWeekly = "weekly"
)

// State is the persisted breaker state.
type State struct {
	Tripped    bool              `json:"tripped"`
	Window     string            `json:"window,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	LossPct    float64           `json:"loss_pct,omitempty"`
	TrippedAt  time.Time         `json:"tripped_at,omitempty"`
	ResetCount int               `json:"reset_count"`
	Warned     map[string]string `json:"warned,omitempty"` // anchor key -> level
}

type Config struct {
	DailyPct      float64 // default 5
	WeeklyPct     float64 // default 15
	WeeklyMinDays int     // default 3
}

func (c *Config) defaults() {
	if c.DailyPct <= 0 {
		c.DailyPct = 5.0
	}
	if c.WeeklyPct <= 0 {
		c.WeeklyPct = 15.0
	}
	if c.WeeklyMinDays <= 0 {
		c.WeeklyMinDays = 3
	}
}

// Alerter receives breaker notifications. Nil is fine.
type Alerter interface {
	BreakerTripped(window, reason string)
	BreakerWarning(window string, lossPct, thresholdPct float64)
}

// Breaker evaluates realized P&L from the scope ledger, plus the
// unrealized P&L of open positions marked against the feed, against
// its thresholds.
type Breaker struct {
	mu      sync.Mutex
	path    string
	cfg     Config
	store   *ledger.Store
	feed    adapters.MarketData
	alerter Alerter
	state   State
	now     func() time.Time
}

// New loads any persisted state from path, so a trip from a previous
// run is still in force. A nil feed skips the mark-to-market leg, for
// read-only tooling that only inspects persisted state.
func New(path string, cfg Config, store *ledger.Store, feed adapters.MarketData, alerter Alerter) (*Breaker, error) {
	cfg.defaults()
	b := &Breaker{path: path, cfg: cfg, store: store, feed: feed, alerter: alerter, now: time.Now}
	b.state.Warned = map[string]string{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fresh start
	case err != nil:
		return nil, fmt.Errorf("read breaker state: %w", err)
	default:
		if err := json.Unmarshal(data, &b.state); err != nil {
			return nil, fmt.Errorf("parse breaker state %s: %w", path, err)
		}
		if b.state.Warned == nil {
			b.state.Warned = map[string]string{}
		}
		if b.state.Tripped {
			observ.Log("breaker_resumed_tripped", map[string]any{
				"window": b.state.Window, "reason": b.state.Reason,
				"tripped_at": b.state.TrippedAt.Format(time.RFC3339),
			})
		}
	}
	b.publishGauge()
	return b, nil
}

// SetClock pins the clock for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// AllowEntry reports whether new entries may proceed.
func (b *Breaker) AllowEntry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.state.Tripped
}

// AllowExit is always true: the breaker never traps an open position.
func (b *Breaker) AllowExit() bool { return true }

// Check recomputes drawdown from the ledger: realized P&L in the
// window plus the mark-to-market P&L of whatever is still open. Once
// tripped the breaker stays tripped no matter what the numbers now
// say; recovery during the window does not untrip, and neither does a
// new day.
func (b *Breaker) Check(ctx context.Context) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state.Tripped {
		return b.state, nil
	}

	unrealized := b.unrealized(ctx)

	// Weekly first: it supersedes daily when both are breached.
	wpnl, weekStart, days, err := b.store.WeeklyPnL()
	if err != nil {
		return b.state, fmt.Errorf("weekly pnl: %w", err)
	}
	if weekStart > 0 && days >= b.cfg.WeeklyMinDays {
		lossPct := -(wpnl + unrealized) / weekStart * 100
		if lossPct >= b.cfg.WeeklyPct {
			return b.trip(WindowWeekly, lossPct, b.cfg.WeeklyPct)
		}
		b.maybeWarn(WindowWeekly, lossPct, b.cfg.WeeklyPct)
	}

	dpnl, dayStart, err := b.store.DailyPnL()
	if err != nil {
		return b.state, fmt.Errorf("daily pnl: %w", err)
	}
	if dayStart > 0 {
		lossPct := -(dpnl + unrealized) / dayStart * 100
		if lossPct >= b.cfg.DailyPct {
			return b.trip(WindowDaily, lossPct, b.cfg.DailyPct)
		}
		b.maybeWarn(WindowDaily, lossPct, b.cfg.DailyPct)
	}
	return b.state, nil
}

// unrealized marks open positions against the feed. A position whose
// quote cannot be fetched is skipped and logged; missing marks must
// not stop the realized check.
func (b *Breaker) unrealized(ctx context.Context) float64 {
	if b.feed == nil {
		return 0
	}
	positions, err := b.store.Positions()
	if err != nil {
		observ.Log("breaker_positions_failed", map[string]any{"error": err.Error()})
		return 0
	}
	total := 0.0
	for _, p := range positions {
		snap, err := b.feed.Snapshot(ctx, p.Instrument)
		if err != nil {
			observ.Log("breaker_mark_failed", map[string]any{
				"instrument": p.Instrument, "error": err.Error(),
			})
			continue
		}
		total += (snap.Last - p.AvgEntry) * p.Qty
	}
	return total
}

func (b *Breaker) trip(window string, lossPct, thresholdPct float64) (State, error) {
	b.state.Tripped = true
	b.state.Window = window
	b.state.LossPct = lossPct
	b.state.TrippedAt = b.now()
	b.state.Reason = fmt.Sprintf("%s loss %.1f%% breached %.1f%% threshold", window, lossPct, thresholdPct)

	if err := b.persist(); err != nil {
		// Tripped in memory regardless; a persistence failure must not
		// reopen trading.
		observ.Log("breaker_persist_failed", map[string]any{"error": err.Error()})
	}
	b.appendAudit("trip", "system", b.state.Reason)
	observ.IncCounter("breaker_trip_total", map[string]string{"window": window})
	b.publishGauge()
	observ.Log("breaker_tripped", map[string]any{
		"window": window, "loss_pct": lossPct, "threshold_pct": thresholdPct,
	})
	if b.alerter != nil {
		b.alerter.BreakerTripped(window, b.state.Reason)
	}
	return b.state, nil
}

// maybeWarn raises one alert per level per anchor period as drawdown
// approaches the threshold.
func (b *Breaker) maybeWarn(window string, lossPct, thresholdPct float64) {
	if lossPct <= 0 {
		return
	}
	level := ""
	switch {
	case lossPct >= thresholdPct*0.8:
		level = "80"
	case lossPct >= thresholdPct*0.5:
		level = "50"
	default:
		return
	}
	key := window + ":" + b.anchorKey(window)
	if b.state.Warned[key] >= level {
		return
	}
	b.state.Warned[key] = level
	_ = b.persist()
	observ.Log("breaker_warning", map[string]any{
		"window": window, "loss_pct": lossPct, "threshold_pct": thresholdPct, "level": level,
	})
	if b.alerter != nil {
		b.alerter.BreakerWarning(window, lossPct, thresholdPct)
	}
}

func (b *Breaker) anchorKey(window string) string {
	t := b.now()
	if window == WindowWeekly {
		y, w := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	}
	return t.Format("2006-01-02")
}

// Reset clears a trip. Manual only, idempotent: resetting an untripped
// breaker changes nothing but is still audited.
func (b *Breaker) Reset(operator, note string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Tripped {
		b.appendAudit("reset_noop", operator, note)
		observ.Log("breaker_reset_noop", map[string]any{"operator": operator})
		return nil
	}
	prev := b.state.Window
	b.state.Tripped = false
	b.state.Window = ""
	b.state.Reason = ""
	b.state.LossPct = 0
	b.state.TrippedAt = time.Time{}
	b.state.ResetCount++
	if err := b.persist(); err != nil {
		return fmt.Errorf("persist reset: %w", err)
	}
	b.appendAudit("reset", operator, note)
	b.publishGauge()
	observ.Log("breaker_reset", map[string]any{
		"operator": operator, "note": note, "was_window": prev, "reset_count": b.state.ResetCount,
	})
	return nil
}

func (b *Breaker) publishGauge() {
	v := 0.0
	if b.state.Tripped {
		v = 1.0
	}
	observ.SetGauge("breaker_tripped", v, nil)
}

// persist writes state atomically: temp file then rename.
func (b *Breaker) persist() error {
	data, err := json.MarshalIndent(b.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

type auditEvent struct {
	TS       string `json:"ts"`
	Action   string `json:"action"`
	Operator string `json:"operator"`
	Note     string `json:"note,omitempty"`
	Window   string `json:"window,omitempty"`
}

func (b *Breaker) appendAudit(action, operator, note string) {
	ev := auditEvent{
		TS:       b.now().UTC().Format(time.RFC3339),
		Action:   action,
		Operator: operator,
		Note:     note,
		Window:   b.state.Window,
	}
	data, _ := json.Marshal(ev)
	f, err := os.OpenFile(b.path+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		observ.Log("breaker_audit_failed", map[string]any{"error": err.Error()})
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}
