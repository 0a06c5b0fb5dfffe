// Package exits watches open positions on its own interval and decides
// when to close them. Decision order: hard stop-loss, time exit,
// trailing stop, profit tiers. The first hit wins.
package exits

import (
	"context"
	"fmt"
	"time"

	"github.com/sentineltrading/orchestrator/internal/adapters"
	"github.com/sentineltrading/orchestrator/internal/config"
	"github.com/sentineltrading/orchestrator/internal/executor"
	"github.com/sentineltrading/orchestrator/internal/ledger"
	"github.com/sentineltrading/orchestrator/internal/observ"
)

// Urgency levels on an exit decision.
const (
	UrgencyNormal   = "normal"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Decision says whether and why a position should be (partially)
// closed.
type Decision struct {
	Exit    bool
	Reason  string
	Urgency string
	Qty     float64 // how much to close
	Tier    int     // set for profit tier exits
	PnLPct  float64
}

type Config struct {
	StopLossPct      float64   // default 25
	ProfitTiersPct   []float64 // default 15, 25, 35
	TrailActivatePct float64   // default 10
	TrailDistancePct float64   // default 5
	TimeExit         config.Clock
	WarningMinutes   int // default 15
	Location         *time.Location
}

func (c *Config) defaults() {
	if c.StopLossPct <= 0 {
		c.StopLossPct = 25
	}
	if len(c.ProfitTiersPct) == 0 {
		c.ProfitTiersPct = []float64{15, 25, 35}
	}
	if c.TrailActivatePct <= 0 {
		c.TrailActivatePct = 10
	}
	if c.TrailDistancePct <= 0 {
		c.TrailDistancePct = 5
	}
	if c.TimeExit.Hour == 0 && c.TimeExit.Minute == 0 {
		c.TimeExit = config.Clock{Hour: 15, Minute: 45}
	}
	if c.WarningMinutes <= 0 {
		c.WarningMinutes = 15
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// trader is the executor slice the supervisor drives.
type trader interface {
	ExecuteExit(ctx context.Context, instrument string, qty, price float64, reason string) (executor.Result, error)
}

// warner receives the pre-close warning.
type warner interface {
	ExitWarning(text string)
}

type Supervisor struct {
	cfg      Config
	store    *ledger.Store
	feed     adapters.MarketData
	trader   trader
	notifier warner
	now      func() time.Time

	warnedDay string
}

func NewSupervisor(cfg Config, store *ledger.Store, feed adapters.MarketData, tr trader, notifier warner) *Supervisor {
	cfg.defaults()
	return &Supervisor{cfg: cfg, store: store, feed: feed, trader: tr, notifier: notifier, now: time.Now}
}

// SetClock pins the clock for tests.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Run walks positions on every tick until ctx is done.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce inspects every open position once. Errors on one position
// never stop the walk.
func (s *Supervisor) RunOnce(ctx context.Context) {
	positions, err := s.store.Positions()
	if err != nil {
		observ.Log("exit_positions_error", map[string]any{"error": err.Error()})
		return
	}
	if len(positions) == 0 {
		return
	}

	s.maybeWarnTimeExit(len(positions))

	for _, pos := range positions {
		snap, err := s.feed.Snapshot(ctx, pos.Instrument)
		if err != nil {
			observ.Log("exit_snapshot_error", map[string]any{
				"instrument": pos.Instrument, "error": err.Error(),
			})
			continue
		}
		price := snap.Mid()

		if price > pos.PeakPrice {
			if err := s.store.UpdatePeak(pos.Instrument, price); err != nil {
				observ.Log("exit_peak_update_error", map[string]any{"error": err.Error()})
			}
			pos.PeakPrice = price
		}

		d := s.Evaluate(pos, price)
		if !d.Exit {
			continue
		}
		observ.IncCounter("exit_total", map[string]string{"reason": d.Reason})
		observ.Log("exit_decision", map[string]any{
			"instrument": pos.Instrument, "reason": d.Reason, "urgency": d.Urgency,
			"qty": d.Qty, "pnl_pct": d.PnLPct,
		})

		res, err := s.trader.ExecuteExit(ctx, pos.Instrument, d.Qty, price, d.Reason)
		if err != nil {
			observ.Log("exit_execution_error", map[string]any{
				"instrument": pos.Instrument, "reason": d.Reason, "error": err.Error(),
			})
			continue
		}
		if res.Filled && d.Tier > 0 {
			if err := s.store.MarkTierTaken(pos.Instrument, d.Tier); err != nil {
				observ.Log("exit_tier_mark_error", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Evaluate is the pure decision: position and current price in,
// decision out.
func (s *Supervisor) Evaluate(pos ledger.Position, price float64) Decision {
	pnlPct := pos.PnLPct(price)

	// 1. Hard stop-loss. Unconditional: fires under a tripped breaker
	// and an active kill switch alike (the executor applies the
	// block_exits override).
	if pnlPct <= -s.cfg.StopLossPct {
		return Decision{Exit: true, Reason: "stop_loss", Urgency: UrgencyCritical, Qty: pos.Qty, PnLPct: pnlPct}
	}

	// 2. Time-based close of everything.
	local := s.now().In(s.cfg.Location)
	nowMin := local.Hour()*60 + local.Minute()
	exitMin := s.cfg.TimeExit.Hour*60 + s.cfg.TimeExit.Minute
	if nowMin >= exitMin {
		return Decision{Exit: true, Reason: "time_exit", Urgency: UrgencyCritical, Qty: pos.Qty, PnLPct: pnlPct}
	}

	// 3. Trailing stop: armed past the activation gain, fires on a
	// retreat from peak.
	if pos.AvgEntry > 0 && pos.PeakPrice >= pos.AvgEntry*(1+s.cfg.TrailActivatePct/100) {
		trigger := pos.PeakPrice * (1 - s.cfg.TrailDistancePct/100)
		if price <= trigger {
			return Decision{Exit: true, Reason: "trailing_stop", Urgency: UrgencyHigh, Qty: pos.Qty, PnLPct: pnlPct}
		}
	}

	// 4. Profit tiers, each at most once per position.
	for i := len(s.cfg.ProfitTiersPct); i >= 1; i-- {
		if pos.TiersTaken >= i {
			break
		}
		if pnlPct >= s.cfg.ProfitTiersPct[i-1] {
			// Equal slices of the original position: the remaining qty
			// split across the tiers not yet taken.
			qty := pos.Qty / float64(len(s.cfg.ProfitTiersPct)-pos.TiersTaken)
			if i == len(s.cfg.ProfitTiersPct) {
				qty = pos.Qty // final tier closes the position
			}
			return Decision{
				Exit: true, Reason: fmt.Sprintf("profit_tier_%d", i),
				Urgency: UrgencyNormal, Qty: qty, Tier: i, PnLPct: pnlPct,
			}
		}
	}

	return Decision{PnLPct: pnlPct}
}

// maybeWarnTimeExit sends one warning per day as the forced close
// approaches while positions are still open.
func (s *Supervisor) maybeWarnTimeExit(openPositions int) {
	local := s.now().In(s.cfg.Location)
	day := local.Format("2006-01-02")
	if s.warnedDay == day {
		return
	}
	nowMin := local.Hour()*60 + local.Minute()
	exitMin := s.cfg.TimeExit.Hour*60 + s.cfg.TimeExit.Minute
	if nowMin >= exitMin-s.cfg.WarningMinutes && nowMin < exitMin {
		s.warnedDay = day
		minutes := exitMin - nowMin
		observ.Log("exit_window_warning", map[string]any{"minutes_left": minutes, "open_positions": openPositions})
		if s.notifier != nil {
			s.notifier.ExitWarning(fmt.Sprintf("%d position(s) open, forced close in %d minute(s)", openPositions, minutes))
		}
	}
}
