// Package scanner fans out over the instrument universe each cycle,
// runs gates and the decision service per instrument, and ranks the
// actionable survivors.
package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentineltrading/orchestrator/internal/adapters"
	"github.com/sentineltrading/orchestrator/internal/decision"
	"github.com/sentineltrading/orchestrator/internal/gates"
	"github.com/sentineltrading/orchestrator/internal/observ"
	"github.com/sentineltrading/orchestrator/internal/recovery"
)

// Per-instrument outcomes.
const (
	OutcomeGateBlocked      = "gate_blocked"
	OutcomeHold             = "hold"
	OutcomeServiceError     = "service_error"
	OutcomeValidatorBlocked = "validator_blocked"
	OutcomeCandidate        = "candidate"
	OutcomeError            = "error"
)

// InstrumentResult is what one instrument resolved to this cycle.
type InstrumentResult struct {
	Instrument string
	Outcome    string
	Reason     string
	Score      float64
	Verdict    decision.Verdict
	Snapshot   adapters.Snapshot
}

// Candidate is an actionable, ranked result.
type Candidate struct {
	Verdict  decision.Verdict
	Snapshot adapters.Snapshot
	Score    float64
}

// Report is one full scan cycle.
type Report struct {
	Started  time.Time
	Duration time.Duration
	Results  []InstrumentResult
	Winners  []Candidate // top N actionable by score
	Deferred int         // actionable but outranked
}

type Config struct {
	Instruments []string
	MaxWorkers  int // default 4
	TopN        int // default 1
	ServiceRPM  int // default 30
	Retry       recovery.Config
}

func (c *Config) defaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.TopN <= 0 {
		c.TopN = 1
	}
	if c.ServiceRPM <= 0 {
		c.ServiceRPM = 30
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
}

type Scanner struct {
	cfg       Config
	chain     *gates.Chain
	feed      adapters.MarketData
	svc       decision.Service
	validator *decision.Validator
	limiter   *rate.Limiter
	esc       recovery.Escalator
}

func New(cfg Config, chain *gates.Chain, feed adapters.MarketData, svc decision.Service,
	validator *decision.Validator, esc recovery.Escalator) *Scanner {
	cfg.defaults()
	return &Scanner{
		cfg: cfg, chain: chain, feed: feed, svc: svc, validator: validator,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.ServiceRPM)/60.0), cfg.MaxWorkers),
		esc:     esc,
	}
}

// Scan runs one cycle: every instrument is evaluated on the bounded
// worker pool, then actionable results are ranked and the top N win.
// One instrument's failure, or even panic, never takes down the cycle.
func (s *Scanner) Scan(ctx context.Context) Report {
	start := time.Now()
	results := make([]InstrumentResult, len(s.cfg.Instruments))

	sem := make(chan struct{}, s.cfg.MaxWorkers)
	var wg sync.WaitGroup
	for i, instrument := range s.cfg.Instruments {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, instrument string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					observ.IncCounter("scan_instrument_total", map[string]string{"outcome": OutcomeError})
					observ.Log("scan_panic_recovered", map[string]any{
						"instrument": instrument, "panic": fmt.Sprint(r),
					})
					results[i] = InstrumentResult{
						Instrument: instrument, Outcome: OutcomeError,
						Reason: fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			results[i] = s.evaluate(ctx, instrument)
		}(i, instrument)
	}
	wg.Wait()

	var candidates []Candidate
	for _, r := range results {
		observ.IncCounter("scan_instrument_total", map[string]string{"outcome": r.Outcome})
		if r.Outcome == OutcomeCandidate {
			candidates = append(candidates, Candidate{Verdict: r.Verdict, Snapshot: r.Snapshot, Score: r.Score})
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Score != candidates[b].Score {
			return candidates[a].Score > candidates[b].Score
		}
		return candidates[a].Verdict.Instrument < candidates[b].Verdict.Instrument
	})

	winners := candidates
	deferred := 0
	if len(candidates) > s.cfg.TopN {
		winners = candidates[:s.cfg.TopN]
		deferred = len(candidates) - s.cfg.TopN
		for _, c := range candidates[s.cfg.TopN:] {
			observ.Log("candidate_deferred", map[string]any{
				"instrument": c.Verdict.Instrument, "score": c.Score,
			})
		}
	}

	report := Report{
		Started: start, Duration: time.Since(start),
		Results: results, Winners: winners, Deferred: deferred,
	}
	observ.RecordDuration("cycle_duration", start, nil)
	observ.Log("scan_cycle_done", map[string]any{
		"instruments": len(results), "candidates": len(candidates),
		"winners": len(winners), "duration_ms": report.Duration.Milliseconds(),
	})
	return report
}

func (s *Scanner) evaluate(ctx context.Context, instrument string) InstrumentResult {
	proceed, gateResults := s.chain.Evaluate(ctx, instrument)
	if !proceed {
		blocked := gateResults[len(gateResults)-1]
		return InstrumentResult{
			Instrument: instrument, Outcome: OutcomeGateBlocked,
			Reason: blocked.Gate + ": " + blocked.Reason,
		}
	}

	snap, err := s.feed.Snapshot(ctx, instrument)
	if err != nil {
		return InstrumentResult{Instrument: instrument, Outcome: OutcomeError, Reason: err.Error()}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return InstrumentResult{Instrument: instrument, Outcome: OutcomeError, Reason: err.Error()}
	}

	var verdict decision.Verdict
	err = recovery.Retry(ctx, "decision_"+instrument, s.cfg.Retry, s.esc, func(ctx context.Context) error {
		v, rerr := s.svc.Recommend(ctx, snap)
		if rerr != nil {
			return rerr
		}
		verdict = v
		return nil
	})
	if err != nil {
		// Exhausted or non-retryable: resolve to HOLD, never to an
		// invented action.
		verdict = decision.Verdict{
			Instrument: instrument,
			Action:     decision.ActionHold,
			Rationale:  "SERVICE_ERROR: " + err.Error(),
		}
		observ.Log("decision_service_failed", map[string]any{
			"instrument": instrument, "error": err.Error(),
		})
		return InstrumentResult{
			Instrument: instrument, Outcome: OutcomeServiceError,
			Reason: verdict.Rationale, Verdict: verdict, Snapshot: snap,
		}
	}
	verdict.Instrument = instrument

	out := s.validator.Validate(verdict, snap)
	switch {
	case out.Actionable:
		score := PriorityScore(verdict, snap)
		return InstrumentResult{
			Instrument: instrument, Outcome: OutcomeCandidate,
			Score: score, Verdict: verdict, Snapshot: snap,
		}
	case out.Blocked:
		return InstrumentResult{
			Instrument: instrument, Outcome: OutcomeValidatorBlocked,
			Reason: out.Reason, Verdict: verdict, Snapshot: snap,
		}
	default:
		return InstrumentResult{
			Instrument: instrument, Outcome: OutcomeHold,
			Reason: out.Reason, Verdict: verdict, Snapshot: snap,
		}
	}
}

// PriorityScore ranks actionable candidates in [0,1]: confidence
// carries half the weight, then VWAP displacement, room toward the
// day's extreme, trend strength, and volume confirmation.
func PriorityScore(v decision.Verdict, snap adapters.Snapshot) float64 {
	devPart := math.Min(1, math.Abs(snap.VWAPDeviationPct()))

	room := 0.0
	if snap.Last > 0 {
		switch v.Action {
		case decision.ActionBuy:
			room = (snap.DayHigh - snap.Last) / snap.Last * 100
		case decision.ActionSell:
			room = (snap.Last - snap.DayLow) / snap.Last * 100
		}
	}
	roomPart := math.Min(1, math.Max(0, room))

	trendPart := math.Min(1, math.Max(0, snap.TrendStrength))

	volPart := 0.0
	if snap.VolumeConfirms() {
		volPart = 1.0
	}

	score := 0.50*v.Confidence + 0.20*devPart + 0.15*roomPart + 0.10*trendPart + 0.05*volPart
	return math.Max(0, math.Min(1, score))
}
