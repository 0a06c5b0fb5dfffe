// Package outbox is the append-only audit trail of order activity:
// every submission, fill, cancellation, and unresolved timeout gets a
// JSONL entry. The idempotency index over today's submissions stops a
// duplicate entry order from ever reaching the venue.
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry kinds.
const (
	KindSubmit     = "submit"
	KindFill       = "fill"
	KindCancel     = "cancel"
	KindUnresolved = "unresolved"
)

// Record is one audit line.
type Record struct {
	Kind           string    `json:"kind"`
	OrderID        string    `json:"order_id"`
	VenueOrderID   string    `json:"venue_order_id,omitempty"`
	Instrument     string    `json:"instrument"`
	Side           string    `json:"side"`
	Qty            float64   `json:"qty,omitempty"`
	Price          float64   `json:"price,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Note           string    `json:"note,omitempty"`
	At             time.Time `json:"at"`
}

// Outbox appends records to a JSONL file. Safe for concurrent use.
type Outbox struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	return &Outbox{path: path, now: time.Now}, nil
}

// SetClock pins the clock for tests.
func (o *Outbox) SetClock(now func() time.Time) { o.now = now }

// IdempotencyKey builds the one-entry-per-instrument-side-day key.
func IdempotencyKey(instrument, side string, day time.Time) string {
	return fmt.Sprintf("%s_%s_%s", instrument, side, day.Format("2006-01-02"))
}

func (o *Outbox) Append(r Record) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r.At.IsZero() {
		r.At = o.now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal outbox record: %w", err)
	}
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append outbox record: %w", err)
	}
	return nil
}

// HasSubmissionToday reports whether an order with this idempotency
// key was already submitted on the key's day.
func (o *Outbox) HasSubmissionToday(idempotencyKey string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read outbox: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue // tolerate a torn last line
		}
		if r.Kind == KindSubmit && r.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	return false, nil
}

// Unresolved lists orders that timed out without a terminal state, for
// the status surface.
func (o *Outbox) Unresolved() ([]Record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := os.ReadFile(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	var out []Record
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		if r.Kind == KindUnresolved {
			out = append(out, r)
		}
	}
	return out, nil
}
