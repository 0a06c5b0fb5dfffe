package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, startCapital float64) *Store {
	t.Helper()
	scope := Scope{Venue: "paperbroker", Environment: "paper-" + t.Name()}
	s, err := Open(t.TempDir(), scope, startCapital)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScopeFileNaming(t *testing.T) {
	s := Scope{Venue: "alpaca", Environment: "live"}
	assert.Equal(t, "alpaca:live", s.ID())
	assert.Equal(t, "ledger_alpaca_live.db", s.fileName())
}

func TestOpenSeedsCapitalOnce(t *testing.T) {
	dir := t.TempDir()
	scope := Scope{Venue: "paperbroker", Environment: "paper"}

	s, err := Open(dir, scope, 1000)
	require.NoError(t, err)
	c, err := s.Capital()
	require.NoError(t, err)
	assert.Equal(t, 1000.0, c.Current)
	require.NoError(t, s.Close())

	// Reopen with a different start capital: seed must not overwrite.
	s2, err := Open(dir, scope, 5000)
	require.NoError(t, err)
	defer s2.Close()
	c, err = s2.Capital()
	require.NoError(t, err)
	assert.Equal(t, 1000.0, c.Current)
}

func TestSingleWriterPerScope(t *testing.T) {
	dir := t.TempDir()
	scope := Scope{Venue: "paperbroker", Environment: "paper"}
	s, err := Open(dir, scope, 1000)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, scope, 1000)
	assert.ErrorIs(t, err, ErrScopeOpen)

	// a different scope is fine
	other, err := Open(dir, Scope{Venue: "paperbroker", Environment: "live"}, 1000)
	require.NoError(t, err)
	other.Close()
}

func TestApplyFillBuyThenSell(t *testing.T) {
	s := openTestStore(t, 1000)

	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 4, Price: 100})
	require.NoError(t, err)

	c, err := s.Capital()
	require.NoError(t, err)
	assert.Equal(t, 600.0, c.Current)

	pos, err := s.Positions()
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, 4.0, pos[0].Qty)
	assert.Equal(t, 100.0, pos[0].AvgEntry)

	tr, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "SELL", Qty: 4, Price: 110})
	require.NoError(t, err)
	assert.InDelta(t, 40.0, tr.RealizedPL, 1e-9)

	c, err = s.Capital()
	require.NoError(t, err)
	assert.InDelta(t, 1040.0, c.Current, 1e-9)

	pos, err = s.Positions()
	require.NoError(t, err)
	assert.Empty(t, pos)
}

func TestApplyFillAveragesEntries(t *testing.T) {
	s := openTestStore(t, 10000)

	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 10, Price: 100})
	require.NoError(t, err)
	_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 10, Price: 120})
	require.NoError(t, err)

	pos, err := s.Positions()
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, 20.0, pos[0].Qty)
	assert.InDelta(t, 110.0, pos[0].AvgEntry, 1e-9)
}

func TestApplyFillRejectsOverdraw(t *testing.T) {
	s := openTestStore(t, 500)

	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 10, Price: 100})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientCapital))

	// nothing written: capital untouched, no position, no trade row
	c, err := s.Capital()
	require.NoError(t, err)
	assert.Equal(t, 500.0, c.Current)
	pos, err := s.Positions()
	require.NoError(t, err)
	assert.Empty(t, pos)
	hist, err := s.History(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestApplyFillRejectsOversell(t *testing.T) {
	s := openTestStore(t, 1000)
	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 2, Price: 100})
	require.NoError(t, err)

	_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "SELL", Qty: 5, Price: 100})
	assert.Error(t, err)

	_, err = s.ApplyFill(Fill{Instrument: "MSFT", Side: "SELL", Qty: 1, Price: 100})
	assert.Error(t, err, "selling with no position must fail")
}

func TestPartialSellKeepsRemainder(t *testing.T) {
	s := openTestStore(t, 1000)
	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 10, Price: 50})
	require.NoError(t, err)

	_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "SELL", Qty: 4, Price: 55})
	require.NoError(t, err)

	pos, err := s.Positions()
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.InDelta(t, 6.0, pos[0].Qty, 1e-9)
	assert.Equal(t, 50.0, pos[0].AvgEntry)
}

func TestDailyAndWeeklyPnL(t *testing.T) {
	s := openTestStore(t, 1000)

	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 5, Price: 100})
	require.NoError(t, err)
	_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "SELL", Qty: 5, Price: 88})
	require.NoError(t, err)

	pnl, dayStart, err := s.DailyPnL()
	require.NoError(t, err)
	assert.InDelta(t, -60.0, pnl, 1e-9)
	assert.Equal(t, 1000.0, dayStart)

	wpnl, weekStart, days, err := s.WeeklyPnL()
	require.NoError(t, err)
	assert.InDelta(t, -60.0, wpnl, 1e-9)
	assert.Equal(t, 1000.0, weekStart)
	assert.Equal(t, 1, days)
}

func TestDailyPnLCountsFillsStampedInOtherZones(t *testing.T) {
	s := openTestStore(t, 1000)

	// 2026-07-01 20:00 in UTC-8 is already 2026-07-02 in UTC. The day
	// window is anchored in UTC, so the fill must land in 2026-07-02.
	pinned := time.Date(2026, 7, 2, 4, 30, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return pinned })
	require.NoError(t, s.RollAnchors())

	west := time.FixedZone("UTC-8", -8*3600)
	at := time.Date(2026, 7, 1, 20, 0, 0, 0, west)
	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 5, Price: 100, At: at})
	require.NoError(t, err)
	_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "SELL", Qty: 5, Price: 88, At: at.Add(time.Minute)})
	require.NoError(t, err)

	pnl, _, err := s.DailyPnL()
	require.NoError(t, err)
	assert.InDelta(t, -60.0, pnl, 1e-9)
}

func TestRollAnchors(t *testing.T) {
	s := openTestStore(t, 1000)

	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 5, Price: 100})
	require.NoError(t, err)
	_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "SELL", Qty: 5, Price: 110})
	require.NoError(t, err)

	// jump the clock to next Monday
	s.SetClock(func() time.Time { return time.Now().AddDate(0, 0, 8) })
	require.NoError(t, s.RollAnchors())

	c, err := s.Capital()
	require.NoError(t, err)
	assert.InDelta(t, 1050.0, c.DayStart, 1e-9)
	assert.InDelta(t, 1050.0, c.WeekStart, 1e-9)
}

func TestConsecutiveLosses(t *testing.T) {
	s := openTestStore(t, 10000)
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	buySell := func(i int, entry, exit float64) {
		t.Helper()
		at := base.Add(time.Duration(i) * time.Minute)
		_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 1, Price: entry, At: at})
		require.NoError(t, err)
		_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "SELL", Qty: 1, Price: exit, At: at.Add(30 * time.Second)})
		require.NoError(t, err)
	}

	buySell(0, 100, 110) // win
	buySell(1, 100, 95)  // loss
	buySell(2, 100, 90)  // loss

	n, err := s.ConsecutiveLosses()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buySell(3, 100, 120) // win clears the streak
	n, err = s.ConsecutiveLosses()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLastExit(t *testing.T) {
	s := openTestStore(t, 1000)

	at, err := s.LastExit("AAPL")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	sold := time.Date(2026, 7, 1, 14, 30, 0, 0, time.UTC)
	_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 1, Price: 100, At: sold.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.ApplyFill(Fill{Instrument: "AAPL", Side: "SELL", Qty: 1, Price: 101, At: sold})
	require.NoError(t, err)

	at, err = s.LastExit("AAPL")
	require.NoError(t, err)
	assert.Equal(t, sold.Unix(), at.Unix())
}

func TestUpdatePeakAndTiers(t *testing.T) {
	s := openTestStore(t, 1000)
	_, err := s.ApplyFill(Fill{Instrument: "AAPL", Side: "BUY", Qty: 2, Price: 100})
	require.NoError(t, err)

	require.NoError(t, s.UpdatePeak("AAPL", 115))
	require.NoError(t, s.UpdatePeak("AAPL", 110)) // lower, ignored
	require.NoError(t, s.MarkTierTaken("AAPL", 1))

	pos, err := s.Positions()
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, 115.0, pos[0].PeakPrice)
	assert.Equal(t, 1, pos[0].TiersTaken)
}
