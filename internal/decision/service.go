// Package decision holds the recommendation service boundary and the
// validator that decides whether a recommendation is actionable.
package decision

import (
	"context"
	"fmt"

	"github.com/sentineltrading/orchestrator/internal/adapters"
)

// Actions a verdict can carry.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Verdict is a recommendation for one instrument.
type Verdict struct {
	Instrument string  `json:"instrument"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Service produces verdicts. Implementations may be remote and slow;
// callers wrap calls in the recovery decorator.
type Service interface {
	Recommend(ctx context.Context, snap adapters.Snapshot) (Verdict, error)
}

// ServiceError categorizes a failed recommendation call.
type ServiceError struct {
	Kind      string // transport | rate_limit | malformed
	Message   string
	Cause     error
	retryable bool
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("decision service %s: %s", e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error     { return e.Cause }
func (e *ServiceError) Retryable() bool   { return e.retryable }
func (e *ServiceError) RateLimited() bool { return e.Kind == "rate_limit" }

func NewTransportError(message string, cause error) *ServiceError {
	return &ServiceError{Kind: "transport", Message: message, Cause: cause, retryable: true}
}

func NewRateLimitError(message string) *ServiceError {
	return &ServiceError{Kind: "rate_limit", Message: message, retryable: true}
}

func NewMalformedError(message string) *ServiceError {
	return &ServiceError{Kind: "malformed", Message: message, retryable: false}
}

// SimService is the deterministic rule-based service used in paper
// mode and tests: buy strength above VWAP on confirming volume, sell
// weakness below, otherwise hold. Confidence scales with how far price
// sits from VWAP and how strong the trend reads.
type SimService struct{}

func NewSimService() *SimService { return &SimService{} }

func (s *SimService) Recommend(ctx context.Context, snap adapters.Snapshot) (Verdict, error) {
	dev := snap.VWAPDeviationPct()
	conf := 0.40 + 0.35*snap.TrendStrength
	if snap.VolumeConfirms() {
		conf += 0.15
	}
	if conf > 0.95 {
		conf = 0.95
	}

	v := Verdict{Instrument: snap.Instrument, Confidence: conf}
	switch {
	case dev >= 0.5 && snap.TrendStrength >= 0.5:
		v.Action = ActionBuy
		v.Rationale = fmt.Sprintf("%.2f%% above VWAP with trend %.2f", dev, snap.TrendStrength)
	case dev <= -0.5 && snap.TrendStrength >= 0.5:
		v.Action = ActionSell
		v.Rationale = fmt.Sprintf("%.2f%% below VWAP with trend %.2f", dev, snap.TrendStrength)
	default:
		v.Action = ActionHold
		v.Confidence = 0.5
		v.Rationale = "no setup"
	}
	return v, nil
}
