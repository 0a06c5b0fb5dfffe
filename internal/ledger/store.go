// Package ledger is the scoped store of record: capital, open
// positions, and trade history for one {venue, environment} pair.
package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/sentineltrading/orchestrator/internal/observ"
)

// ErrInsufficientCapital rejects a fill that would overdraw the scope.
var ErrInsufficientCapital = errors.New("insufficient capital")

// ErrScopeOpen means another Store in this process owns the scope.
var ErrScopeOpen = errors.New("scope already open")

// Scope identifies one ledger: trades against different venues or
// environments never share capital or history.
type Scope struct {
	Venue       string
	Environment string
}

func (s Scope) ID() string { return s.Venue + ":" + s.Environment }

func (s Scope) fileName() string {
	clean := func(v string) string {
		return strings.Map(func(r rune) rune {
			if r == '/' || r == ':' || r == ' ' {
				return '_'
			}
			return r
		}, v)
	}
	return fmt.Sprintf("ledger_%s_%s.db", clean(s.Venue), clean(s.Environment))
}

// Single-writer enforcement: one Store per scope per process.
var (
	openMu     sync.Mutex
	openScopes = map[string]bool{}
)

// Store owns one scope's SQLite file. All mutations are transactional.
type Store struct {
	scope Scope
	db    *sql.DB
	mu    sync.Mutex
	now   func() time.Time
}

// Capital is the scope's cash state with its P&L anchors.
type Capital struct {
	Current    float64
	DayStart   float64
	DayAnchor  string // YYYY-MM-DD
	WeekStart  float64
	WeekAnchor string // Monday YYYY-MM-DD
}

// Position is an open holding.
type Position struct {
	Instrument string
	Qty        float64
	AvgEntry   float64
	PeakPrice  float64
	TiersTaken int
	OpenedAt   time.Time
}

func (p Position) PnLPct(price float64) float64 {
	if p.AvgEntry == 0 {
		return 0
	}
	return (price - p.AvgEntry) / p.AvgEntry * 100
}

// Trade is one executed fill as recorded.
type Trade struct {
	TradeID    string
	Instrument string
	Side       string
	Qty        float64
	Price      float64
	RealizedPL float64
	Context    map[string]any
	ExecutedAt time.Time
}

// Fill is the input to ApplyFill.
type Fill struct {
	Instrument string
	Side       string // BUY | SELL
	Qty        float64
	Price      float64
	Context    map[string]any
	At         time.Time
}

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// NewID returns a sortable unique ID for trades and orders.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Open creates or reopens the scope's ledger under dir. A fresh scope
// is seeded with startCapital. Opening a scope twice in one process
// returns ErrScopeOpen.
func Open(dir string, scope Scope, startCapital float64) (*Store, error) {
	openMu.Lock()
	if openScopes[scope.ID()] {
		openMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrScopeOpen, scope.ID())
	}
	openScopes[scope.ID()] = true
	openMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		release(scope)
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, scope.fileName()))
	if err != nil {
		release(scope)
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		release(scope)
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{scope: scope, db: db, now: time.Now}
	if err := s.seed(startCapital); err != nil {
		db.Close()
		release(scope)
		return nil, err
	}
	observ.Log("ledger_open", map[string]any{"scope": scope.ID(), "file": scope.fileName()})
	return s, nil
}

func release(scope Scope) {
	openMu.Lock()
	delete(openScopes, scope.ID())
	openMu.Unlock()
}

func (s *Store) seed(startCapital float64) error {
	now := s.now().UTC()
	day := now.Format("2006-01-02")
	week := mondayOf(now).Format("2006-01-02")
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO capital (id, current, day_start, day_anchor, week_start, week_anchor)
		VALUES (1, ?, ?, ?, ?, ?)`,
		startCapital, startCapital, day, startCapital, week)
	if err != nil {
		return fmt.Errorf("seed capital: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	release(s.scope)
	return s.db.Close()
}

func (s *Store) Scope() Scope { return s.scope }

// SetClock pins the clock for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func mondayOf(t time.Time) time.Time {
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7 // Sunday belongs to the week it ends
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return day.AddDate(0, 0, -(wd - 1))
}

// Capital returns the current cash state.
func (s *Store) Capital() (Capital, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capitalLocked()
}

func (s *Store) capitalLocked() (Capital, error) {
	var c Capital
	err := s.db.QueryRow(`SELECT current, day_start, day_anchor, week_start, week_anchor FROM capital WHERE id = 1`).
		Scan(&c.Current, &c.DayStart, &c.DayAnchor, &c.WeekStart, &c.WeekAnchor)
	if err != nil {
		return c, fmt.Errorf("read capital: %w", err)
	}
	return c, nil
}

// RollAnchors advances the day and week P&L baselines when a new
// trading day or week has begun. Called once per cycle.
func (s *Store) RollAnchors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.capitalLocked()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	day := now.Format("2006-01-02")
	week := mondayOf(now).Format("2006-01-02")

	if day != c.DayAnchor {
		if _, err := s.db.Exec(`UPDATE capital SET day_start = current, day_anchor = ? WHERE id = 1`, day); err != nil {
			return fmt.Errorf("roll day anchor: %w", err)
		}
		observ.Log("ledger_day_rolled", map[string]any{"scope": s.scope.ID(), "day": day})
	}
	if week != c.WeekAnchor {
		if _, err := s.db.Exec(`UPDATE capital SET week_start = current, week_anchor = ? WHERE id = 1`, week); err != nil {
			return fmt.Errorf("roll week anchor: %w", err)
		}
		observ.Log("ledger_week_rolled", map[string]any{"scope": s.scope.ID(), "week": week})
	}
	return nil
}

// ApplyFill records an executed fill: capital, position, and trade row
// move in one transaction. A BUY that would overdraw returns
// ErrInsufficientCapital with nothing written.
func (s *Store) ApplyFill(f Fill) (Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Qty <= 0 || f.Price <= 0 {
		return Trade{}, fmt.Errorf("fill qty and price must be positive (qty %.4f price %.4f)", f.Qty, f.Price)
	}
	// Anchors are UTC dates; keep executed_at in the same zone so the
	// date() windows in DailyPnL and WeeklyPnL line up.
	if f.At.IsZero() {
		f.At = s.now()
	}
	f.At = f.At.UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return Trade{}, fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback()

	var current float64
	if err := tx.QueryRow(`SELECT current FROM capital WHERE id = 1`).Scan(&current); err != nil {
		return Trade{}, fmt.Errorf("read capital: %w", err)
	}

	var realized float64
	switch f.Side {
	case "BUY":
		cost := f.Qty * f.Price
		if cost > current {
			return Trade{}, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCapital, cost, current)
		}
		if err := applyBuy(tx, f, cost); err != nil {
			return Trade{}, err
		}
	case "SELL":
		realized, err = applySell(tx, f)
		if err != nil {
			return Trade{}, err
		}
	default:
		return Trade{}, fmt.Errorf("unknown side %q", f.Side)
	}

	ctxJSON, _ := json.Marshal(f.Context)
	tr := Trade{
		TradeID:    NewID(),
		Instrument: f.Instrument,
		Side:       f.Side,
		Qty:        f.Qty,
		Price:      f.Price,
		RealizedPL: realized,
		Context:    f.Context,
		ExecutedAt: f.At,
	}
	if _, err := tx.Exec(`
		INSERT INTO trades (trade_id, instrument, side, qty, price, realized_pl, decision_context, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.TradeID, tr.Instrument, tr.Side, tr.Qty, tr.Price, tr.RealizedPL, string(ctxJSON), tr.ExecutedAt); err != nil {
		return Trade{}, fmt.Errorf("insert trade: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Trade{}, fmt.Errorf("commit fill: %w", err)
	}
	observ.Log("ledger_fill_applied", map[string]any{
		"scope": s.scope.ID(), "trade_id": tr.TradeID, "instrument": f.Instrument,
		"side": f.Side, "qty": f.Qty, "price": f.Price, "realized_pl": realized,
	})
	return tr, nil
}

func applyBuy(tx *sql.Tx, f Fill, cost float64) error {
	if _, err := tx.Exec(`UPDATE capital SET current = current - ? WHERE id = 1`, cost); err != nil {
		return fmt.Errorf("debit capital: %w", err)
	}
	var qty, avg, peak float64
	err := tx.QueryRow(`SELECT qty, avg_entry, peak_price FROM positions WHERE instrument = ?`, f.Instrument).
		Scan(&qty, &avg, &peak)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`
			INSERT INTO positions (instrument, qty, avg_entry, peak_price, tiers_taken, opened_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			f.Instrument, f.Qty, f.Price, f.Price, f.At)
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read position: %w", err)
	default:
		newQty := qty + f.Qty
		newAvg := (qty*avg + f.Qty*f.Price) / newQty
		if f.Price > peak {
			peak = f.Price
		}
		_, err = tx.Exec(`UPDATE positions SET qty = ?, avg_entry = ?, peak_price = ? WHERE instrument = ?`,
			newQty, newAvg, peak, f.Instrument)
		if err != nil {
			return fmt.Errorf("update position: %w", err)
		}
	}
	return nil
}

func applySell(tx *sql.Tx, f Fill) (float64, error) {
	var qty, avg float64
	err := tx.QueryRow(`SELECT qty, avg_entry FROM positions WHERE instrument = ?`, f.Instrument).
		Scan(&qty, &avg)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no open position in %s", f.Instrument)
	}
	if err != nil {
		return 0, fmt.Errorf("read position: %w", err)
	}
	if f.Qty > qty+1e-9 {
		return 0, fmt.Errorf("sell qty %.4f exceeds position %.4f in %s", f.Qty, qty, f.Instrument)
	}

	realized := (f.Price - avg) * f.Qty
	proceeds := f.Qty * f.Price
	if _, err := tx.Exec(`UPDATE capital SET current = current + ? WHERE id = 1`, proceeds); err != nil {
		return 0, fmt.Errorf("credit capital: %w", err)
	}
	remaining := qty - f.Qty
	if remaining <= 1e-9 {
		if _, err := tx.Exec(`DELETE FROM positions WHERE instrument = ?`, f.Instrument); err != nil {
			return 0, fmt.Errorf("close position: %w", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE positions SET qty = ? WHERE instrument = ?`, remaining, f.Instrument); err != nil {
			return 0, fmt.Errorf("reduce position: %w", err)
		}
	}
	return realized, nil
}

// Positions lists open holdings.
func (s *Store) Positions() ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT instrument, qty, avg_entry, peak_price, tiers_taken, opened_at FROM positions ORDER BY instrument`)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()
	var out []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Instrument, &p.Qty, &p.AvgEntry, &p.PeakPrice, &p.TiersTaken, &p.OpenedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePeak raises a position's peak price, for trailing stops.
func (s *Store) UpdatePeak(instrument string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE positions SET peak_price = ? WHERE instrument = ? AND peak_price < ?`,
		price, instrument, price)
	return err
}

// MarkTierTaken records that the position has realized tier n, so a
// profit tier fires at most once.
func (s *Store) MarkTierTaken(instrument string, tier int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE positions SET tiers_taken = ? WHERE instrument = ? AND tiers_taken < ?`,
		tier, instrument, tier)
	return err
}

// History returns trades executed at or after since, oldest first.
func (s *Store) History(since time.Time) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT trade_id, instrument, side, qty, price, realized_pl, decision_context, executed_at
		FROM trades WHERE executed_at >= ? ORDER BY executed_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var tr Trade
		var ctxJSON string
		if err := rows.Scan(&tr.TradeID, &tr.Instrument, &tr.Side, &tr.Qty, &tr.Price,
			&tr.RealizedPL, &ctxJSON, &tr.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		_ = json.Unmarshal([]byte(ctxJSON), &tr.Context)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// DailyPnL sums realized P&L for the current anchor day and returns it
// with the day's starting capital.
func (s *Store) DailyPnL() (pnl, dayStart float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.capitalLocked()
	if err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRow(`SELECT COALESCE(SUM(realized_pl), 0) FROM trades WHERE date(executed_at) >= ?`,
		c.DayAnchor).Scan(&pnl)
	if err != nil {
		return 0, 0, fmt.Errorf("sum daily pnl: %w", err)
	}
	return pnl, c.DayStart, nil
}

// WeeklyPnL sums realized P&L since the week anchor and counts the
// distinct trading days in that window.
func (s *Store) WeeklyPnL() (pnl, weekStart float64, tradingDays int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.capitalLocked()
	if err != nil {
		return 0, 0, 0, err
	}
	err = s.db.QueryRow(`
		SELECT COALESCE(SUM(realized_pl), 0), COUNT(DISTINCT date(executed_at))
		FROM trades WHERE date(executed_at) >= ?`, c.WeekAnchor).Scan(&pnl, &tradingDays)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum weekly pnl: %w", err)
	}
	return pnl, c.WeekStart, tradingDays, nil
}

// ConsecutiveLosses counts realized losing exits walking back from the
// most recent closed trade, stopping at the first winner.
func (s *Store) ConsecutiveLosses() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT realized_pl FROM trades WHERE side = 'SELL' ORDER BY executed_at DESC LIMIT 20`)
	if err != nil {
		return 0, fmt.Errorf("query recent exits: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var pl float64
		if err := rows.Scan(&pl); err != nil {
			return 0, err
		}
		if pl >= 0 {
			break
		}
		n++
	}
	return n, rows.Err()
}

// LastExit returns when the instrument was last sold; zero time if never.
func (s *Store) LastExit(instrument string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var at time.Time
	err := s.db.QueryRow(`SELECT executed_at FROM trades WHERE instrument = ? AND side = 'SELL' ORDER BY executed_at DESC LIMIT 1`,
		instrument).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last exit: %w", err)
	}
	return at, nil
}

// SnapshotView is the status CLI's read model.
type SnapshotView struct {
	Scope     string     `json:"scope"`
	Capital   Capital    `json:"capital"`
	Positions []Position `json:"positions"`
	Trades    []Trade    `json:"recent_trades"`
}

// Snapshot is a consistent read of the whole scope for operators.
func (s *Store) Snapshot() (SnapshotView, error) {
	cap, err := s.Capital()
	if err != nil {
		return SnapshotView{}, err
	}
	pos, err := s.Positions()
	if err != nil {
		return SnapshotView{}, err
	}
	trades, err := s.History(s.now().AddDate(0, 0, -7))
	if err != nil {
		return SnapshotView{}, err
	}
	if len(trades) > 20 {
		trades = trades[len(trades)-20:]
	}
	return SnapshotView{Scope: s.scope.ID(), Capital: cap, Positions: pos, Trades: trades}, nil
}
