package exits

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentineltrading/orchestrator/internal/adapters"
	"github.com/sentineltrading/orchestrator/internal/breaker"
	"github.com/sentineltrading/orchestrator/internal/config"
	"github.com/sentineltrading/orchestrator/internal/executor"
	"github.com/sentineltrading/orchestrator/internal/killswitch"
	"github.com/sentineltrading/orchestrator/internal/ledger"
	"github.com/sentineltrading/orchestrator/internal/outbox"
)

type fakeTrader struct {
	exits []string
	qtys  []float64
}

func (f *fakeTrader) ExecuteExit(ctx context.Context, instrument string, qty, price float64, reason string) (executor.Result, error) {
	f.exits = append(f.exits, reason)
	f.qtys = append(f.qtys, qty)
	return executor.Result{Filled: true}, nil
}

func position(entry, peak, qty float64, tiersTaken int) ledger.Position {
	return ledger.Position{
		Instrument: "AAPL", Qty: qty, AvgEntry: entry, PeakPrice: peak,
		TiersTaken: tiersTaken, OpenedAt: time.Now().Add(-time.Hour),
	}
}

// midday keeps the clock far from the time exit so only price rules fire.
func middaySupervisor(cfg Config) *Supervisor {
	s := NewSupervisor(cfg, nil, nil, nil, nil)
	s.SetClock(func() time.Time {
		return time.Date(2026, 7, 1, 11, 0, 0, 0, time.UTC)
	})
	return s
}

func TestEvaluatePriorityOrder(t *testing.T) {
	testCases := []struct {
		name       string
		pos        ledger.Position
		price      float64
		wantExit   bool
		wantReason string
		wantQty    float64
	}{
		{"no_exit_flat", position(100, 100, 9, 0), 101, false, "", 0},
		{"stop_loss_at_threshold", position(100, 100, 9, 0), 75, true, "stop_loss", 9},
		{"stop_loss_deep", position(100, 100, 9, 0), 50, true, "stop_loss", 9},
		{"trailing_armed_and_fired", position(100, 112, 9, 0), 106, true, "trailing_stop", 9},
		{"trailing_armed_not_fired", position(100, 112, 9, 0), 108, false, "", 0},
		{"trailing_not_armed", position(100, 105, 9, 0), 99, false, "", 0},
		{"profit_tier_1", position(100, 116, 9, 0), 116, true, "profit_tier_1", 3},
		{"profit_tier_2_after_1", position(100, 126, 6, 1), 126, true, "profit_tier_2", 3},
		{"profit_tier_3_closes_all", position(100, 140, 3, 2), 140, true, "profit_tier_3", 3},
		{"tier_already_taken", position(100, 116, 9, 1), 116, false, "", 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := middaySupervisor(Config{})
			d := s.Evaluate(tc.pos, tc.price)
			if d.Exit != tc.wantExit {
				t.Fatalf("exit = %v, want %v (reason %q)", d.Exit, tc.wantExit, d.Reason)
			}
			if !tc.wantExit {
				return
			}
			if d.Reason != tc.wantReason {
				t.Errorf("reason = %q, want %q", d.Reason, tc.wantReason)
			}
			if d.Qty != tc.wantQty {
				t.Errorf("qty = %.2f, want %.2f", d.Qty, tc.wantQty)
			}
		})
	}
}

func TestProfitTiersTakeEqualThirds(t *testing.T) {
	s := middaySupervisor(Config{})

	// 90 shares through all three tiers: each slice is 30 of the
	// original position, the last closing whatever remains.
	pos := position(100, 116, 90, 0)
	d := s.Evaluate(pos, 116)
	if d.Reason != "profit_tier_1" || d.Qty != 30 {
		t.Fatalf("tier 1 = %+v, want qty 30", d)
	}

	pos.Qty -= d.Qty
	pos.TiersTaken = d.Tier
	pos.PeakPrice = 126
	d = s.Evaluate(pos, 126)
	if d.Reason != "profit_tier_2" || d.Qty != 30 {
		t.Fatalf("tier 2 = %+v, want qty 30", d)
	}

	pos.Qty -= d.Qty
	pos.TiersTaken = d.Tier
	pos.PeakPrice = 140
	d = s.Evaluate(pos, 140)
	if d.Reason != "profit_tier_3" || d.Qty != 30 {
		t.Fatalf("tier 3 = %+v, want the remaining 30", d)
	}
}

func TestStopLossBeatsTrailingAndTiers(t *testing.T) {
	s := middaySupervisor(Config{})
	// peak armed the trail, but price then collapsed through the stop
	d := s.Evaluate(position(100, 130, 9, 0), 74)
	if d.Reason != "stop_loss" {
		t.Fatalf("reason = %q, want stop_loss to win", d.Reason)
	}
	if d.Urgency != UrgencyCritical {
		t.Errorf("urgency = %q", d.Urgency)
	}
}

func TestTimeExitClosesEverything(t *testing.T) {
	s := NewSupervisor(Config{TimeExit: config.Clock{Hour: 15, Minute: 45}}, nil, nil, nil, nil)
	s.SetClock(func() time.Time {
		return time.Date(2026, 7, 1, 15, 50, 0, 0, time.UTC)
	})
	d := s.Evaluate(position(100, 100, 9, 0), 102)
	if !d.Exit || d.Reason != "time_exit" {
		t.Fatalf("decision = %+v, want time_exit", d)
	}
	if d.Qty != 9 {
		t.Errorf("qty = %.2f, want full position", d.Qty)
	}
}

type fakeWarner struct{ warnings []string }

func (f *fakeWarner) ExitWarning(text string) { f.warnings = append(f.warnings, text) }

func TestRunOnceWalksPositionsAndWarns(t *testing.T) {
	dir := t.TempDir()
	store, err := ledger.Open(dir, ledger.Scope{Venue: "paperbroker", Environment: "paper-" + t.Name()}, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.ApplyFill(ledger.Fill{Instrument: "AAPL", Side: "BUY", Qty: 9, Price: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ApplyFill(ledger.Fill{Instrument: "MSFT", Side: "BUY", Qty: 5, Price: 200}); err != nil {
		t.Fatal(err)
	}

	feed := adapters.NewSimFeed()
	now := time.Date(2026, 7, 1, 15, 35, 0, 0, time.UTC) // inside the warning window
	feed.SetClock(func() time.Time { return now })
	feed.Snapshots["AAPL"] = adapters.Snapshot{Instrument: "AAPL", Last: 70, Timestamp: now}  // stop loss
	feed.Snapshots["MSFT"] = adapters.Snapshot{Instrument: "MSFT", Last: 205, Timestamp: now} // fine

	trader := &fakeTrader{}
	warner := &fakeWarner{}
	s := NewSupervisor(Config{TimeExit: config.Clock{Hour: 15, Minute: 45}}, store, feed, trader, warner)
	s.SetClock(func() time.Time { return now })

	s.RunOnce(context.Background())

	if len(trader.exits) != 1 || trader.exits[0] != "stop_loss" {
		t.Fatalf("exits = %v, want one stop_loss", trader.exits)
	}
	if len(warner.warnings) != 1 {
		t.Fatalf("warnings = %v, want one time-exit warning", warner.warnings)
	}

	// second run in the same day: no duplicate warning
	s.RunOnce(context.Background())
	if len(warner.warnings) != 1 {
		t.Errorf("warning repeated: %v", warner.warnings)
	}
}

func TestRunOnceUpdatesPeak(t *testing.T) {
	dir := t.TempDir()
	store, err := ledger.Open(dir, ledger.Scope{Venue: "paperbroker", Environment: "paper-" + t.Name()}, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.ApplyFill(ledger.Fill{Instrument: "AAPL", Side: "BUY", Qty: 9, Price: 100}); err != nil {
		t.Fatal(err)
	}

	feed := adapters.NewSimFeed()
	now := time.Date(2026, 7, 1, 11, 0, 0, 0, time.UTC)
	feed.Snapshots["AAPL"] = adapters.Snapshot{Instrument: "AAPL", Last: 108, Timestamp: now}

	s := NewSupervisor(Config{}, store, feed, &fakeTrader{}, nil)
	s.SetClock(func() time.Time { return now })
	s.RunOnce(context.Background())

	pos, err := store.Positions()
	if err != nil {
		t.Fatal(err)
	}
	if pos[0].PeakPrice != 108 {
		t.Errorf("peak = %.2f, want 108", pos[0].PeakPrice)
	}
}

func TestStopLossFiresWhileBreakerTripped(t *testing.T) {
	dir := t.TempDir()
	store, err := ledger.Open(dir, ledger.Scope{Venue: "paperbroker", Environment: "paper-" + t.Name()}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	brk, err := breaker.New(filepath.Join(dir, "breaker.json"), breaker.Config{}, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	kill, err := killswitch.New(killswitch.Config{
		StatePath:    filepath.Join(dir, "kill.json"),
		SentinelPath: filepath.Join(dir, "EMERGENCY_STOP"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	audit, err := outbox.New(filepath.Join(dir, "outbox.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	venue := adapters.NewSimVenue()
	exec := executor.New(executor.Config{
		FillPollInterval: time.Millisecond, FillTimeout: 50 * time.Millisecond,
	}, store, venue, audit, brk, kill, nil)

	// open a position, then realize a loss big enough to trip the daily breaker
	if _, err := store.ApplyFill(ledger.Fill{Instrument: "AAPL", Side: "BUY", Qty: 5, Price: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ApplyFill(ledger.Fill{Instrument: "AAPL", Side: "SELL", Qty: 2, Price: 60}); err != nil {
		t.Fatal(err)
	}
	if st, _ := brk.Check(context.Background()); !st.Tripped {
		t.Fatal("setup: breaker should be tripped")
	}

	feed := adapters.NewSimFeed()
	now := time.Date(2026, 7, 1, 11, 0, 0, 0, time.UTC)
	feed.Snapshots["AAPL"] = adapters.Snapshot{Instrument: "AAPL", Last: 60, Timestamp: now}

	s := NewSupervisor(Config{}, store, feed, exec, nil)
	s.SetClock(func() time.Time { return now })
	s.RunOnce(context.Background())

	pos, err := store.Positions()
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 0 {
		t.Fatalf("position should be fully closed by stop loss despite the trip, got %+v", pos)
	}
}
