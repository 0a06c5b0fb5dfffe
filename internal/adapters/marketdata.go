// Package adapters contains the market data and venue integrations.
package adapters

import (
	"context"
	"fmt"
	"time"
)

// Snapshot is one instrument's market picture at a point in time.
type Snapshot struct {
	Instrument    string    `json:"instrument"`
	Bid           float64   `json:"bid"`
	Ask           float64   `json:"ask"`
	Last          float64   `json:"last"`
	VWAP          float64   `json:"vwap"`
	Volume        int64     `json:"volume"`
	AvgVolume     int64     `json:"avg_volume"`
	DayHigh       float64   `json:"day_high"`
	DayLow        float64   `json:"day_low"`
	TrueRangePct  float64   `json:"true_range_pct"`
	TrendStrength float64   `json:"trend_strength"` // 0..1
	Timestamp     time.Time `json:"timestamp"`
}

func (s Snapshot) Mid() float64 {
	if s.Bid > 0 && s.Ask > 0 {
		return (s.Bid + s.Ask) / 2
	}
	return s.Last
}

func (s Snapshot) AgeMs() int64 {
	return time.Since(s.Timestamp).Milliseconds()
}

// VWAPDeviationPct is the last price's deviation from VWAP in percent.
func (s Snapshot) VWAPDeviationPct() float64 {
	if s.VWAP == 0 {
		return 0
	}
	return (s.Last - s.VWAP) / s.VWAP * 100
}

// VolumeConfirms reports whether current volume backs the move.
func (s Snapshot) VolumeConfirms() bool {
	return s.AvgVolume > 0 && s.Volume >= s.AvgVolume
}

// Staleness tiers for snapshot age.
type Staleness string

const (
	Fresh      Staleness = "FRESH"       // < 30s
	Acceptable Staleness = "ACCEPTABLE"  // < 120s
	Stale      Staleness = "STALE"       // < 300s
	VeryStale  Staleness = "VERY_STALE"  // < 600s
	Critical   Staleness = "CRITICAL"    // >= 600s
)

func ClassifyAge(age time.Duration) Staleness {
	switch {
	case age < 30*time.Second:
		return Fresh
	case age < 120*time.Second:
		return Acceptable
	case age < 300*time.Second:
		return Stale
	case age < 600*time.Second:
		return VeryStale
	default:
		return Critical
	}
}

// Tradeable reports whether data at this tier may feed a new entry.
func (s Staleness) Tradeable() bool {
	return s == Fresh || s == Acceptable
}

// MarketData is the feed the scanner and gates read from.
type MarketData interface {
	Snapshot(ctx context.Context, instrument string) (Snapshot, error)
	VolIndex(ctx context.Context) (float64, error)
	HealthCheck(ctx context.Context) error
}

// FeedError categories.
const (
	ErrTypeNetwork       = "network"
	ErrTypeRateLimit     = "rate_limit"
	ErrTypeProvider      = "provider"
	ErrTypeBadInstrument = "bad_instrument"
	ErrTypeStale         = "stale"
)

// FeedError carries a category so callers can branch without string
// matching, and a Retryable flag the recovery wrapper honors.
type FeedError struct {
	Type       string
	Instrument string
	Message    string
	Cause      error
	retryable  bool
}

func (e *FeedError) Error() string {
	if e.Instrument != "" {
		return fmt.Sprintf("%s error for %s: %s", e.Type, e.Instrument, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

func (e *FeedError) Unwrap() error     { return e.Cause }
func (e *FeedError) Retryable() bool   { return e.retryable }
func (e *FeedError) RateLimited() bool { return e.Type == ErrTypeRateLimit }

func NewNetworkError(instrument, message string, cause error) *FeedError {
	return &FeedError{Type: ErrTypeNetwork, Instrument: instrument, Message: message, Cause: cause, retryable: true}
}

func NewRateLimitError(instrument, message string) *FeedError {
	return &FeedError{Type: ErrTypeRateLimit, Instrument: instrument, Message: message, retryable: true}
}

func NewProviderError(instrument, message string, cause error) *FeedError {
	return &FeedError{Type: ErrTypeProvider, Instrument: instrument, Message: message, Cause: cause, retryable: true}
}

func NewBadInstrumentError(instrument string) *FeedError {
	return &FeedError{Type: ErrTypeBadInstrument, Instrument: instrument, Message: "unknown instrument", retryable: false}
}

func NewStaleError(instrument string, age time.Duration) *FeedError {
	return &FeedError{Type: ErrTypeStale, Instrument: instrument,
		Message: fmt.Sprintf("data is %s old", age.Round(time.Second)), retryable: true}
}
