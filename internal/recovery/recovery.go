// Package recovery wraps flaky operations with exponential backoff and
// escalation.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sentineltrading/orchestrator/internal/observ"
)

// Config shapes the backoff schedule.
type Config struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 5m
	Factor      float64       // default 2.0
	Jitter      bool
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
}

// retryable is implemented by errors that know whether a retry can
// help (feed errors, decision service errors).
type retryable interface {
	Retryable() bool
}

// rateLimited errors get a longer, linear wait instead of the usual
// exponential backoff: the provider told us to slow down.
type rateLimited interface {
	RateLimited() bool
}

// EscalatedError marks an operation that exhausted its attempts.
type EscalatedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *EscalatedError) Error() string {
	return fmt.Sprintf("%s escalated after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *EscalatedError) Unwrap() error { return e.Last }

// Escalator is notified when an operation is given up on. Nil is fine.
type Escalator interface {
	Escalation(op string, attempts int, lastErr error)
}

// Retry runs op with backoff. It stops early on success, on a
// non-retryable error, or on ctx cancellation; exhaustion returns an
// *EscalatedError and fires the escalator.
func Retry(ctx context.Context, op string, cfg Config, esc Escalator, fn func(ctx context.Context) error) error {
	cfg.defaults()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				observ.IncCounter("recovery_attempt_total", map[string]string{"op": op, "status": "success"})
				observ.Log("recovery_succeeded", map[string]any{"op": op, "attempt": attempt})
			}
			return nil
		}
		lastErr = err

		var r retryable
		if errors.As(err, &r) && !r.Retryable() {
			observ.IncCounter("recovery_attempt_total", map[string]string{"op": op, "status": "failed"})
			observ.Log("recovery_nonretryable", map[string]any{"op": op, "attempt": attempt, "error": err.Error()})
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := delayFor(cfg, attempt, err)
		observ.IncCounter("recovery_attempt_total", map[string]string{"op": op, "status": "retrying"})
		observ.Log("recovery_retrying", map[string]any{
			"op": op, "attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	observ.IncCounter("recovery_attempt_total", map[string]string{"op": op, "status": "escalated"})
	observ.Log("recovery_escalated", map[string]any{
		"op": op, "attempts": cfg.MaxAttempts, "error": lastErr.Error(),
	})
	if esc != nil {
		esc.Escalation(op, cfg.MaxAttempts, lastErr)
	}
	return &EscalatedError{Op: op, Attempts: cfg.MaxAttempts, Last: lastErr}
}

func delayFor(cfg Config, attempt int, err error) time.Duration {
	var rl rateLimited
	if errors.As(err, &rl) && rl.RateLimited() {
		// 10s, 20s, 30s... capped at 30s, scaled down with BaseDelay
		// so tests with millisecond delays stay fast.
		d := time.Duration(attempt) * 10 * cfg.BaseDelay
		if ceil := 30 * cfg.BaseDelay; d > ceil {
			d = ceil
		}
		return d
	}
	return backoff(cfg, attempt)
}

func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.Factor
	}
	if max := float64(cfg.MaxDelay); d > max {
		d = max
	}
	if cfg.Jitter {
		d *= 0.5 + rand.Float64() // 50-150%
	}
	return time.Duration(d)
}
