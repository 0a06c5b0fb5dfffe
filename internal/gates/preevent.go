package gates

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventSource reports the next scheduled event (earnings, dividend,
// corporate action) for an instrument. A zero time means none known.
type EventSource interface {
	NextEvent(ctx context.Context, instrument string) (time.Time, error)
}

// PreEventGate blocks an instrument inside the blackout window before
// its next scheduled event. Per-instrument; fail-open by default since
// an unreachable event calendar should not halt the whole book.
type PreEventGate struct {
	source     EventSource
	blackout   time.Duration
	failClosed bool
	now        func() time.Time
}

func NewPreEventGate(source EventSource, blackout time.Duration, failClosed bool) *PreEventGate {
	if blackout <= 0 {
		blackout = 24 * time.Hour
	}
	return &PreEventGate{source: source, blackout: blackout, failClosed: failClosed, now: time.Now}
}

func (g *PreEventGate) SetClock(now func() time.Time) { g.now = now }

func (g *PreEventGate) Name() string     { return "pre_event" }
func (g *PreEventGate) FailClosed() bool { return g.failClosed }

func (g *PreEventGate) Check(ctx context.Context, instrument string) (Result, error) {
	next, err := g.source.NextEvent(ctx, instrument)
	if err != nil {
		return Result{}, fmt.Errorf("event lookup for %s: %w", instrument, err)
	}
	if next.IsZero() {
		return pass(g.Name()), nil
	}
	until := next.Sub(g.now())
	if until > 0 && until <= g.blackout {
		return block(g.Name(), fmt.Sprintf("event in %s", until.Round(time.Minute)), map[string]any{
			"event_at": next.UTC().Format(time.RFC3339),
		}), nil
	}
	return pass(g.Name()), nil
}

// StaticEvents is an in-memory EventSource fed from config or tests.
type StaticEvents struct {
	mu     sync.RWMutex
	events map[string]time.Time
}

func NewStaticEvents() *StaticEvents {
	return &StaticEvents{events: map[string]time.Time{}}
}

func (s *StaticEvents) Set(instrument string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[instrument] = at
}

func (s *StaticEvents) NextEvent(ctx context.Context, instrument string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events[instrument], nil
}
