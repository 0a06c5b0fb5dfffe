package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Order side constants.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Fill states reported by a venue.
const (
	FillPending   = "PENDING"
	FillComplete  = "FILLED"
	FillPartial   = "PARTIAL"
	FillCancelled = "CANCELLED"
)

// Order is what gets handed to a venue for submission.
type Order struct {
	ID             string    `json:"id"`
	Instrument     string    `json:"instrument"`
	Side           string    `json:"side"`
	Qty            float64   `json:"qty"`
	LimitPrice     float64   `json:"limit_price"`
	IdempotencyKey string    `json:"idempotency_key"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// FillStatus is the venue's answer to a fill poll.
type FillStatus struct {
	State     string  `json:"state"`
	FilledQty float64 `json:"filled_qty"`
	AvgPrice  float64 `json:"avg_price"`
}

// Venue submits orders and reports fills.
type Venue interface {
	Submit(ctx context.Context, o Order) (venueOrderID string, err error)
	PollFill(ctx context.Context, venueOrderID string) (FillStatus, error)
	Cancel(ctx context.Context, venueOrderID string) error
}

// SimVenue is the paper venue. Orders fill at the limit price after a
// configurable number of polls; tests use the knobs to force partials,
// timeouts, and submit failures.
type SimVenue struct {
	mu     sync.Mutex
	orders map[string]*simOrder
	seq    int

	// FillAfterPolls is how many polls an order stays pending.
	FillAfterPolls int
	// PartialFraction < 1 fills only that fraction then stops.
	PartialFraction float64
	// SubmitErr forces Submit to fail.
	SubmitErr error
	// NeverFill keeps every order pending forever.
	NeverFill bool
}

type simOrder struct {
	order Order
	polls int
	state FillStatus
}

func NewSimVenue() *SimVenue {
	return &SimVenue{orders: map[string]*simOrder{}, PartialFraction: 1.0}
}

func (v *SimVenue) Submit(ctx context.Context, o Order) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.SubmitErr != nil {
		return "", v.SubmitErr
	}
	v.seq++
	id := fmt.Sprintf("sim-%06d", v.seq)
	v.orders[id] = &simOrder{order: o, state: FillStatus{State: FillPending}}
	return id, nil
}

func (v *SimVenue) PollFill(ctx context.Context, venueOrderID string) (FillStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	so, ok := v.orders[venueOrderID]
	if !ok {
		return FillStatus{}, fmt.Errorf("unknown order %s", venueOrderID)
	}
	if so.state.State != FillPending {
		return so.state, nil
	}
	so.polls++
	if v.NeverFill || so.polls <= v.FillAfterPolls {
		return so.state, nil
	}

	qty := so.order.Qty * v.PartialFraction
	state := FillComplete
	if v.PartialFraction < 1.0 {
		state = FillPartial
	}
	so.state = FillStatus{State: state, FilledQty: qty, AvgPrice: so.order.LimitPrice}
	return so.state, nil
}

func (v *SimVenue) Cancel(ctx context.Context, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	so, ok := v.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("unknown order %s", venueOrderID)
	}
	if so.state.State == FillPending {
		so.state.State = FillCancelled
	}
	return nil
}
