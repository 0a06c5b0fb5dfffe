package decision

import (
	"context"
	"testing"
	"time"

	"github.com/sentineltrading/orchestrator/internal/adapters"
)

type fakeHistory struct {
	losses   int
	lastExit time.Time
}

func (f *fakeHistory) ConsecutiveLosses() (int, error)        { return f.losses, nil }
func (f *fakeHistory) LastExit(string) (time.Time, error)     { return f.lastExit, nil }

func buySnap() adapters.Snapshot {
	return adapters.Snapshot{
		Instrument:   "AAPL",
		Last:         101.0,
		VWAP:         100.0, // 1% above
		TrueRangePct: 1.5,
		Timestamp:    time.Now(),
	}
}

func TestDualGateBothMustPass(t *testing.T) {
	testCases := []struct {
		name           string
		action         string
		confidence     float64
		last           float64 // against VWAP 100
		wantActionable bool
		wantBlocked    bool
	}{
		{"rule_and_confidence_pass", ActionBuy, 0.75, 101, true, false},
		{"confidence_exactly_at_floor", ActionBuy, 0.60, 101, true, false},
		{"rule_passes_confidence_low", ActionBuy, 0.55, 101, false, true},
		{"confidence_high_rule_fails", ActionBuy, 0.90, 99, false, true},
		{"both_fail", ActionBuy, 0.40, 99, false, true},
		{"sell_below_vwap_passes", ActionSell, 0.70, 99, true, false},
		{"sell_above_vwap_blocked", ActionSell, 0.70, 101, false, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := NewValidator(ValidatorConfig{}, &fakeHistory{})
			snap := buySnap()
			snap.Last = tc.last
			out := v.Validate(Verdict{Instrument: "AAPL", Action: tc.action, Confidence: tc.confidence}, snap)
			if out.Actionable != tc.wantActionable {
				t.Errorf("actionable = %v, want %v (reason %q)", out.Actionable, tc.wantActionable, out.Reason)
			}
			if out.Blocked != tc.wantBlocked {
				t.Errorf("blocked = %v, want %v", out.Blocked, tc.wantBlocked)
			}
		})
	}
}

func TestHoldIsNotABlock(t *testing.T) {
	v := NewValidator(ValidatorConfig{}, &fakeHistory{})
	out := v.Validate(Verdict{Instrument: "AAPL", Action: ActionHold, Confidence: 0.5}, buySnap())
	if out.Actionable {
		t.Fatal("hold is never actionable")
	}
	if out.Blocked {
		t.Fatal("a genuine HOLD must not be recorded as a validator block")
	}
}

func TestLossThrottleRaisesFloor(t *testing.T) {
	hist := &fakeHistory{losses: 2}
	v := NewValidator(ValidatorConfig{}, hist)

	// 0.62 clears the normal 0.60 floor but not the throttled 0.65
	out := v.Validate(Verdict{Instrument: "AAPL", Action: ActionBuy, Confidence: 0.62}, buySnap())
	if out.Actionable {
		t.Fatal("throttled floor should block 0.62")
	}

	out = v.Validate(Verdict{Instrument: "AAPL", Action: ActionBuy, Confidence: 0.70}, buySnap())
	if !out.Actionable {
		t.Fatalf("0.70 should clear the throttled floor, blocked: %q", out.Reason)
	}

	// a win clears the streak and the floor comes back down
	hist.losses = 0
	out = v.Validate(Verdict{Instrument: "AAPL", Action: ActionBuy, Confidence: 0.62}, buySnap())
	if !out.Actionable {
		t.Fatalf("normal floor should pass 0.62, blocked: %q", out.Reason)
	}
}

func TestLossThrottleRequiresStrongerRange(t *testing.T) {
	hist := &fakeHistory{losses: 3}
	v := NewValidator(ValidatorConfig{MinTrueRangePct: 1.0}, hist)
	snap := buySnap()
	snap.TrueRangePct = 1.1 // clears 1.0 but not the throttled 1.2

	out := v.Validate(Verdict{Instrument: "AAPL", Action: ActionBuy, Confidence: 0.80}, snap)
	if out.Actionable {
		t.Fatal("throttle should demand a stronger setup")
	}
}

func TestFlipGuard(t *testing.T) {
	now := time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)
	testCases := []struct {
		name           string
		exitAgo        time.Duration
		wantActionable bool
	}{
		{"exit_10m_ago_blocked", 10 * time.Minute, false},
		{"exit_45m_ago_allowed", 45 * time.Minute, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hist := &fakeHistory{lastExit: now.Add(-tc.exitAgo)}
			v := NewValidator(ValidatorConfig{}, hist)
			v.SetClock(func() time.Time { return now })
			out := v.Validate(Verdict{Instrument: "AAPL", Action: ActionBuy, Confidence: 0.80}, buySnap())
			if out.Actionable != tc.wantActionable {
				t.Errorf("actionable = %v, want %v (reason %q)", out.Actionable, tc.wantActionable, out.Reason)
			}
		})
	}
}

func TestSimServiceDeterministic(t *testing.T) {
	svc := NewSimService()
	snap := adapters.Snapshot{
		Instrument: "AAPL", Last: 101, VWAP: 100,
		TrendStrength: 0.8, Volume: 2_000_000, AvgVolume: 1_000_000,
		TrueRangePct: 1.5, Timestamp: time.Now(),
	}
	v1, err := svc.Recommend(context.Background(), snap)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Action != ActionBuy {
		t.Errorf("action = %s, want BUY for strength above VWAP", v1.Action)
	}
	v2, _ := svc.Recommend(context.Background(), snap)
	if v1 != v2 {
		t.Error("same snapshot must produce the same verdict")
	}

	snap.Last = 98
	v3, _ := svc.Recommend(context.Background(), snap)
	if v3.Action != ActionSell {
		t.Errorf("action = %s, want SELL for weakness below VWAP", v3.Action)
	}

	snap.Last = 100.1
	v4, _ := svc.Recommend(context.Background(), snap)
	if v4.Action != ActionHold {
		t.Errorf("action = %s, want HOLD with no setup", v4.Action)
	}
}
