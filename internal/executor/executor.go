// Package executor turns an actionable verdict into a venue order and
// a ledger entry, with every refusal path checked before the venue is
// touched.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentineltrading/orchestrator/internal/adapters"
	"github.com/sentineltrading/orchestrator/internal/breaker"
	"github.com/sentineltrading/orchestrator/internal/decision"
	"github.com/sentineltrading/orchestrator/internal/killswitch"
	"github.com/sentineltrading/orchestrator/internal/ledger"
	"github.com/sentineltrading/orchestrator/internal/observ"
	"github.com/sentineltrading/orchestrator/internal/outbox"
	"github.com/sentineltrading/orchestrator/internal/recovery"
)

// Refusal reasons, checked in this order before any venue call.
var (
	ErrKillSwitchActive = errors.New("kill switch active")
	ErrExitsBlocked     = errors.New("kill switch blocks exits")
	ErrBreakerTripped   = errors.New("circuit breaker tripped")
	ErrDuplicateOrder   = errors.New("duplicate order for instrument/side/day")
	ErrNoPosition       = errors.New("sell with no open position")
	ErrUnresolved       = errors.New("order unresolved after recovery")
)

// Notifier is the slice of the alert fan-out the executor needs.
type Notifier interface {
	Fill(instrument, side string, qty, price float64, partial bool)
	Exit(instrument, reason string, qty, price, pnlPct float64)
	Escalation(op string, attempts int, lastErr error)
}

type Config struct {
	FillPollInterval time.Duration // default 2s
	FillTimeout      time.Duration // default 30s
	RecoveryAttempts int           // default 3
	RiskFraction     float64       // default 0.5 of capital per entry
	MaxPositionUSD   float64       // 0 = uncapped
}

func (c *Config) defaults() {
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = 2 * time.Second
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = 30 * time.Second
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = 3
	}
	if c.RiskFraction <= 0 {
		c.RiskFraction = 0.5
	}
}

// Result reports what an execution did.
type Result struct {
	OrderID string
	Filled  bool
	Partial bool
	Trade   ledger.Trade
}

type Executor struct {
	cfg      Config
	store    *ledger.Store
	venue    adapters.Venue
	audit    *outbox.Outbox
	breaker  *breaker.Breaker
	kill     *killswitch.Switch
	notifier Notifier
	now      func() time.Time
}

func New(cfg Config, store *ledger.Store, venue adapters.Venue, audit *outbox.Outbox,
	brk *breaker.Breaker, kill *killswitch.Switch, notifier Notifier) *Executor {
	cfg.defaults()
	return &Executor{
		cfg: cfg, store: store, venue: venue, audit: audit,
		breaker: brk, kill: kill, notifier: notifier, now: time.Now,
	}
}

// SetClock pins the clock for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// ExecuteEntry runs the full entry path for an actionable verdict.
// Pre-checks run in order kill switch, breaker, capital, position,
// duplicate;
// the first failure refuses the trade with zero ledger mutation and
// zero venue traffic.
func (e *Executor) ExecuteEntry(ctx context.Context, verdict decision.Verdict, snap adapters.Snapshot) (Result, error) {
	// Re-checked here even though the scanner checked at cycle start:
	// the switch may have flipped mid-cycle.
	if e.kill.Active() {
		if e.kill.MonitorOnly() {
			observ.Log("entry_monitor_only", map[string]any{
				"instrument": verdict.Instrument, "action": verdict.Action,
				"confidence": verdict.Confidence,
			})
		}
		return e.refuse(verdict.Instrument, "kill_switch", ErrKillSwitchActive)
	}
	if !e.breaker.AllowEntry() {
		return e.refuse(verdict.Instrument, "breaker", ErrBreakerTripped)
	}

	price := snap.Mid()
	qty, err := e.sizeEntry(price)
	if err != nil {
		return e.refuse(verdict.Instrument, "capital", err)
	}
	if verdict.Action == adapters.SideSell {
		// A SELL entry can only reduce a holding. Refused here, before
		// the venue sees the order, when there is nothing to sell.
		held, err := e.heldQty(verdict.Instrument)
		if err != nil {
			return Result{}, fmt.Errorf("position check: %w", err)
		}
		if held <= 0 {
			return e.refuse(verdict.Instrument, "no_position", ErrNoPosition)
		}
		if qty > held {
			qty = held
		}
	}

	key := outbox.IdempotencyKey(verdict.Instrument, verdict.Action, e.now())
	dup, err := e.audit.HasSubmissionToday(key)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency check: %w", err)
	}
	if dup {
		return e.refuse(verdict.Instrument, "duplicate", ErrDuplicateOrder)
	}

	order := adapters.Order{
		ID:             ledger.NewID(),
		Instrument:     verdict.Instrument,
		Side:           verdict.Action,
		Qty:            qty,
		LimitPrice:     price,
		IdempotencyKey: key,
		SubmittedAt:    e.now(),
	}
	fillCtx := map[string]any{
		"rationale": verdict.Rationale, "confidence": verdict.Confidence, "order_id": order.ID,
	}
	return e.submitAndSettle(ctx, order, fillCtx, false, "")
}

// ExecuteExit closes qty of an open position. The breaker never blocks
// an exit; the kill switch only does when configured to.
func (e *Executor) ExecuteExit(ctx context.Context, instrument string, qty, price float64, reason string) (Result, error) {
	if !e.kill.AllowExit() {
		return e.refuse(instrument, "kill_switch_exits", ErrExitsBlocked)
	}

	order := adapters.Order{
		ID:          ledger.NewID(),
		Instrument:  instrument,
		Side:        adapters.SideSell,
		Qty:         qty,
		LimitPrice:  price,
		SubmittedAt: e.now(),
	}
	fillCtx := map[string]any{"exit_reason": reason, "order_id": order.ID}
	return e.submitAndSettle(ctx, order, fillCtx, true, reason)
}

func (e *Executor) refuse(instrument, reason string, err error) (Result, error) {
	observ.IncCounter("entry_refused_total", map[string]string{"reason": reason})
	observ.Log("execution_refused", map[string]any{"instrument": instrument, "reason": reason})
	return Result{}, err
}

func (e *Executor) sizeEntry(price float64) (float64, error) {
	cap, err := e.store.Capital()
	if err != nil {
		return 0, fmt.Errorf("read capital: %w", err)
	}
	notional := cap.Current * e.cfg.RiskFraction
	if e.cfg.MaxPositionUSD > 0 && notional > e.cfg.MaxPositionUSD {
		notional = e.cfg.MaxPositionUSD
	}
	if price <= 0 {
		return 0, fmt.Errorf("cannot size entry at price %.4f", price)
	}
	qty := float64(int(notional/price*100)) / 100 // 2dp
	if qty <= 0 {
		return 0, fmt.Errorf("capital %.2f too small for entry at %.2f", cap.Current, price)
	}
	return qty, nil
}

func (e *Executor) heldQty(instrument string) (float64, error) {
	positions, err := e.store.Positions()
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Instrument == instrument {
			return p.Qty, nil
		}
	}
	return 0, nil
}

// submitAndSettle is the shared submit, poll, record flow for entries
// and exits.
func (e *Executor) submitAndSettle(ctx context.Context, order adapters.Order, fillCtx map[string]any, isExit bool, exitReason string) (Result, error) {
	venueID, err := e.venue.Submit(ctx, order)
	if err != nil {
		return Result{}, fmt.Errorf("submit %s %s: %w", order.Side, order.Instrument, err)
	}
	observ.IncCounter("orders_submitted_total", map[string]string{"side": order.Side})
	if err := e.audit.Append(outbox.Record{
		Kind: outbox.KindSubmit, OrderID: order.ID, VenueOrderID: venueID,
		Instrument: order.Instrument, Side: order.Side, Qty: order.Qty,
		Price: order.LimitPrice, IdempotencyKey: order.IdempotencyKey,
	}); err != nil {
		observ.Log("outbox_append_failed", map[string]any{"error": err.Error()})
	}
	observ.Log("order_submitted", map[string]any{
		"order_id": order.ID, "venue_order_id": venueID,
		"instrument": order.Instrument, "side": order.Side,
		"qty": order.Qty, "limit": order.LimitPrice,
	})

	status, err := e.pollUntilTerminal(ctx, venueID)
	if err == nil && status.State != adapters.FillPending {
		return e.settle(order, venueID, status, fillCtx, isExit, exitReason)
	}

	// Timed out: the order is PENDING. Recovery re-polls before we give
	// up and mark it unresolved.
	observ.Log("fill_poll_timeout", map[string]any{"order_id": order.ID, "venue_order_id": venueID})
	var recovered adapters.FillStatus
	rerr := recovery.Retry(ctx, "fill_poll_"+order.Instrument, recovery.Config{
		MaxAttempts: e.cfg.RecoveryAttempts,
		BaseDelay:   e.cfg.FillPollInterval,
		MaxDelay:    time.Minute,
		Factor:      2.0,
	}, escalatorFunc(e.notifierEscalation), func(ctx context.Context) error {
		st, perr := e.venue.PollFill(ctx, venueID)
		if perr != nil {
			return perr
		}
		if st.State == adapters.FillPending {
			return fmt.Errorf("order %s still pending", order.ID)
		}
		recovered = st
		return nil
	})
	if rerr == nil {
		return e.settle(order, venueID, recovered, fillCtx, isExit, exitReason)
	}

	// Still unfilled. Cancel best-effort, record unresolved, and leave
	// the ledger untouched.
	if cerr := e.venue.Cancel(ctx, venueID); cerr != nil {
		observ.Log("cancel_failed", map[string]any{"order_id": order.ID, "error": cerr.Error()})
	}
	observ.IncCounter("orders_unresolved_total", nil)
	if err := e.audit.Append(outbox.Record{
		Kind: outbox.KindUnresolved, OrderID: order.ID, VenueOrderID: venueID,
		Instrument: order.Instrument, Side: order.Side, Qty: order.Qty,
		Note: "fill poll exhausted",
	}); err != nil {
		observ.Log("outbox_append_failed", map[string]any{"error": err.Error()})
	}
	return Result{OrderID: order.ID}, fmt.Errorf("%w: %s", ErrUnresolved, order.ID)
}

func (e *Executor) pollUntilTerminal(ctx context.Context, venueID string) (adapters.FillStatus, error) {
	deadline := e.now().Add(e.cfg.FillTimeout)
	ticker := time.NewTicker(e.cfg.FillPollInterval)
	defer ticker.Stop()
	for {
		status, err := e.venue.PollFill(ctx, venueID)
		if err != nil {
			observ.Log("fill_poll_error", map[string]any{"venue_order_id": venueID, "error": err.Error()})
		} else if status.State != adapters.FillPending {
			return status, nil
		}
		if e.now().After(deadline) {
			return adapters.FillStatus{State: adapters.FillPending}, nil
		}
		select {
		case <-ctx.Done():
			return adapters.FillStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// settle records a terminal fill status: ledger transaction first,
// then audit and notification. A notification failure never unwinds
// the ledger.
func (e *Executor) settle(order adapters.Order, venueID string, status adapters.FillStatus,
	fillCtx map[string]any, isExit bool, exitReason string) (Result, error) {

	switch status.State {
	case adapters.FillCancelled:
		if err := e.audit.Append(outbox.Record{
			Kind: outbox.KindCancel, OrderID: order.ID, VenueOrderID: venueID,
			Instrument: order.Instrument, Side: order.Side,
		}); err != nil {
			observ.Log("outbox_append_failed", map[string]any{"error": err.Error()})
		}
		return Result{OrderID: order.ID}, nil

	case adapters.FillComplete, adapters.FillPartial:
		partial := status.State == adapters.FillPartial
		if partial {
			// Record what filled; the remainder is cancelled, never
			// auto-retried.
			fillCtx["partial"] = true
			fillCtx["requested_qty"] = order.Qty
			if cerr := e.venue.Cancel(context.Background(), venueID); cerr != nil {
				observ.Log("cancel_failed", map[string]any{"order_id": order.ID, "error": cerr.Error()})
			}
		}

		trade, err := e.store.ApplyFill(ledger.Fill{
			Instrument: order.Instrument,
			Side:       order.Side,
			Qty:        status.FilledQty,
			Price:      status.AvgPrice,
			Context:    fillCtx,
			At:         e.now(),
		})
		if err != nil {
			return Result{OrderID: order.ID}, fmt.Errorf("apply fill for %s: %w", order.ID, err)
		}

		kind := "full"
		if partial {
			kind = "partial"
		}
		observ.IncCounter("fills_total", map[string]string{"kind": kind, "side": order.Side})
		if err := e.audit.Append(outbox.Record{
			Kind: outbox.KindFill, OrderID: order.ID, VenueOrderID: venueID,
			Instrument: order.Instrument, Side: order.Side,
			Qty: status.FilledQty, Price: status.AvgPrice,
		}); err != nil {
			observ.Log("outbox_append_failed", map[string]any{"error": err.Error()})
		}

		if e.notifier != nil {
			if isExit {
				pnlPct := 0.0
				if status.FilledQty > 0 {
					basis := status.AvgPrice - trade.RealizedPL/status.FilledQty
					if basis > 0 {
						pnlPct = (status.AvgPrice - basis) / basis * 100
					}
				}
				e.notifier.Exit(order.Instrument, exitReason, status.FilledQty, status.AvgPrice, pnlPct)
			} else {
				e.notifier.Fill(order.Instrument, order.Side, status.FilledQty, status.AvgPrice, partial)
			}
		}
		return Result{OrderID: order.ID, Filled: true, Partial: partial, Trade: trade}, nil

	default:
		return Result{OrderID: order.ID}, fmt.Errorf("unexpected fill state %q for %s", status.State, order.ID)
	}
}

func (e *Executor) notifierEscalation(op string, attempts int, lastErr error) {
	if e.notifier != nil {
		e.notifier.Escalation(op, attempts, lastErr)
	}
}

type escalatorFunc func(op string, attempts int, lastErr error)

func (f escalatorFunc) Escalation(op string, attempts int, lastErr error) { f(op, attempts, lastErr) }
