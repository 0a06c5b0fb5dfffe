package gates

import (
	"context"
	"fmt"
	"time"
)

// CalendarGate blocks outside regular trading hours, on weekends, on
// holidays, and after the early close on half days. Time is evaluated
// in the venue's zone.
type CalendarGate struct {
	loc        *time.Location
	holidays   map[string]bool // YYYY-MM-DD
	halfDays   map[string]bool
	openH      int
	openM      int
	closeH     int
	closeM     int
	halfCloseH int
	halfCloseM int
	failClosed bool
	now        func() time.Time
}

type CalendarConfig struct {
	Location   string   // defaults to America/New_York
	Holidays   []string // YYYY-MM-DD
	HalfDays   []string
	FailClosed bool
}

func NewCalendarGate(cfg CalendarConfig) (*CalendarGate, error) {
	if cfg.Location == "" {
		cfg.Location = "America/New_York"
	}
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", cfg.Location, err)
	}
	g := &CalendarGate{
		loc:      loc,
		holidays: map[string]bool{},
		halfDays: map[string]bool{},
		openH:    9, openM: 30,
		closeH: 16, closeM: 0,
		halfCloseH: 13, halfCloseM: 0,
		failClosed: cfg.FailClosed,
		now:        time.Now,
	}
	for _, d := range cfg.Holidays {
		g.holidays[d] = true
	}
	for _, d := range cfg.HalfDays {
		g.halfDays[d] = true
	}
	return g, nil
}

// SetClock pins the clock for tests.
func (g *CalendarGate) SetClock(now func() time.Time) { g.now = now }

func (g *CalendarGate) Name() string     { return "trading_calendar" }
func (g *CalendarGate) FailClosed() bool { return g.failClosed }

// MarketWide: the session calendar applies to every instrument.
func (g *CalendarGate) MarketWide() bool { return true }

func (g *CalendarGate) Check(ctx context.Context, instrument string) (Result, error) {
	t := g.now().In(g.loc)
	day := t.Format("2006-01-02")

	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return block(g.Name(), "weekend", map[string]any{"weekday": wd.String()}), nil
	}
	if g.holidays[day] {
		return block(g.Name(), "market holiday", map[string]any{"date": day}), nil
	}

	closeH, closeM := g.closeH, g.closeM
	half := g.halfDays[day]
	if half {
		closeH, closeM = g.halfCloseH, g.halfCloseM
	}
	minutes := t.Hour()*60 + t.Minute()
	open := g.openH*60 + g.openM
	closeMin := closeH*60 + closeM
	if minutes < open || minutes >= closeMin {
		return block(g.Name(), "outside session window", map[string]any{
			"local_time": t.Format("15:04"), "half_day": half,
		}), nil
	}
	return pass(g.Name()), nil
}
