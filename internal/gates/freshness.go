package gates

import (
	"context"
	"fmt"
	"time"

	"github.com/sentineltrading/orchestrator/internal/adapters"
)

// FreshnessGate blocks an instrument whose market data has aged past
// the tradeable tiers. Unlike the other gates this one defaults
// fail-closed: trading on data we cannot even fetch is worse than
// sitting out.
type FreshnessGate struct {
	feed       adapters.MarketData
	failClosed bool
	now        func() time.Time
}

func NewFreshnessGate(feed adapters.MarketData, failClosed bool) *FreshnessGate {
	return &FreshnessGate{feed: feed, failClosed: failClosed, now: time.Now}
}

func (g *FreshnessGate) SetClock(now func() time.Time) { g.now = now }

func (g *FreshnessGate) Name() string     { return "data_freshness" }
func (g *FreshnessGate) FailClosed() bool { return g.failClosed }

func (g *FreshnessGate) Check(ctx context.Context, instrument string) (Result, error) {
	snap, err := g.feed.Snapshot(ctx, instrument)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot for %s: %w", instrument, err)
	}
	age := g.now().Sub(snap.Timestamp)
	tier := adapters.ClassifyAge(age)
	if !tier.Tradeable() {
		return block(g.Name(), fmt.Sprintf("data %s (%s old)", tier, age.Round(time.Second)), map[string]any{
			"tier": string(tier), "age_ms": age.Milliseconds(),
		}), nil
	}
	return pass(g.Name()), nil
}
