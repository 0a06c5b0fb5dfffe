package gates

import (
	"context"
	"fmt"

	"github.com/sentineltrading/orchestrator/internal/adapters"
)

// VolatilityGate blocks new entries when the volatility index spikes
// above the configured ceiling. Fail-open: an unreachable index is not
// a spike.
type VolatilityGate struct {
	feed       adapters.MarketData
	threshold  float64
	failClosed bool
}

func NewVolatilityGate(feed adapters.MarketData, threshold float64, failClosed bool) *VolatilityGate {
	if threshold <= 0 {
		threshold = 30.0
	}
	return &VolatilityGate{feed: feed, threshold: threshold, failClosed: failClosed}
}

func (g *VolatilityGate) Name() string     { return "volatility_spike" }
func (g *VolatilityGate) FailClosed() bool { return g.failClosed }

// MarketWide: the vol index is one number for the whole market.
func (g *VolatilityGate) MarketWide() bool { return true }

func (g *VolatilityGate) Check(ctx context.Context, instrument string) (Result, error) {
	v, err := g.feed.VolIndex(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("vol index fetch: %w", err)
	}
	detail := map[string]any{"value": v, "threshold": g.threshold}
	if v >= g.threshold {
		return block(g.Name(), fmt.Sprintf("vol index %.1f >= %.1f", v, g.threshold), detail), nil
	}
	return pass(g.Name()), nil
}
