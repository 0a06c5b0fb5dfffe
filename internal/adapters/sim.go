package adapters

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// SimFeed generates deterministic snapshots for paper mode and tests.
// Prices wander on a per-instrument sine walk seeded from the name so
// runs are reproducible without fixtures.
type SimFeed struct {
	mu       sync.Mutex
	now      func() time.Time
	volIndex float64
	ticks    map[string]int

	// Overrides let tests pin exact snapshots or force errors.
	Snapshots map[string]Snapshot
	Errs      map[string]error
	VolErr    error
}

func NewSimFeed() *SimFeed {
	return &SimFeed{
		now:       time.Now,
		volIndex:  18.0,
		ticks:     map[string]int{},
		Snapshots: map[string]Snapshot{},
		Errs:      map[string]error{},
	}
}

// SetClock pins the timestamp source.
func (s *SimFeed) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetVolIndex pins the simulated volatility index.
func (s *SimFeed) SetVolIndex(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volIndex = v
}

func (s *SimFeed) Snapshot(ctx context.Context, instrument string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.Errs[instrument]; ok {
		return Snapshot{}, err
	}
	if snap, ok := s.Snapshots[instrument]; ok {
		return snap, nil
	}

	h := fnv.New32a()
	h.Write([]byte(instrument))
	base := 50 + float64(h.Sum32()%400)
	s.ticks[instrument]++
	t := float64(s.ticks[instrument])
	last := base * (1 + 0.01*math.Sin(t/3))
	spread := last * 0.0005

	return Snapshot{
		Instrument:    instrument,
		Bid:           last - spread,
		Ask:           last + spread,
		Last:          last,
		VWAP:          base,
		Volume:        1_500_000 + int64(h.Sum32()%500_000),
		AvgVolume:     1_200_000,
		DayHigh:       last * 1.01,
		DayLow:        last * 0.99,
		TrueRangePct:  1.2,
		TrendStrength: 0.4 + 0.4*math.Abs(math.Sin(t/5)),
		Timestamp:     s.now(),
	}, nil
}

func (s *SimFeed) VolIndex(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VolErr != nil {
		return 0, s.VolErr
	}
	return s.volIndex, nil
}

func (s *SimFeed) HealthCheck(ctx context.Context) error { return nil }
