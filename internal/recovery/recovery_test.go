package recovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubErr struct {
	msg       string
	retryable bool
	limited   bool
}

func (e *stubErr) Error() string     { return e.msg }
func (e *stubErr) Retryable() bool   { return e.retryable }
func (e *stubErr) RateLimited() bool { return e.limited }

type recordingEscalator struct {
	ops []string
}

func (r *recordingEscalator) Escalation(op string, attempts int, lastErr error) {
	r.ops = append(r.ops, op)
}

func fastCfg(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "flaky", fastCfg(3), nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryEscalatesOnExhaustion(t *testing.T) {
	esc := &recordingEscalator{}
	calls := 0
	err := Retry(context.Background(), "dead-service", fastCfg(3), esc, func(ctx context.Context) error {
		calls++
		return errors.New("still down")
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var ee *EscalatedError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want EscalatedError", err)
	}
	if ee.Attempts != 3 {
		t.Errorf("attempts = %d", ee.Attempts)
	}
	if len(esc.ops) != 1 || esc.ops[0] != "dead-service" {
		t.Errorf("escalations = %v", esc.ops)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	cause := &stubErr{msg: "bad instrument", retryable: false}
	err := Retry(context.Background(), "lookup", fastCfg(5), nil, func(ctx context.Context) error {
		calls++
		return cause
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for non-retryable error", calls)
	}
	if !errors.Is(err, cause) {
		t.Errorf("err = %v, want the original cause", err)
	}
	var ee *EscalatedError
	if errors.As(err, &ee) {
		t.Error("non-retryable failure must not be reported as escalated")
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, "slow", Config{MaxAttempts: 10, BaseDelay: time.Second}, nil, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 before cancellation", calls)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2.0, MaxAttempts: 10}
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second}, // capped
		{8, 5 * time.Second},
	}
	for _, tc := range testCases {
		if got := backoff(cfg, tc.attempt); got != tc.want {
			t.Errorf("backoff(attempt %d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestRateLimitedErrorsWaitLinearly(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2.0, MaxAttempts: 10}
	limited := &stubErr{msg: "429", retryable: true, limited: true}
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 30 * time.Second},
		{5, 30 * time.Second}, // capped
	}
	for _, tc := range testCases {
		if got := delayFor(cfg, tc.attempt, limited); got != tc.want {
			t.Errorf("delayFor(attempt %d, rate-limited) = %s, want %s", tc.attempt, got, tc.want)
		}
	}

	// A plain transient error keeps exponential backoff.
	plain := &stubErr{msg: "boom", retryable: true}
	if got := delayFor(cfg, 2, plain); got != 2*time.Second {
		t.Errorf("delayFor(attempt 2, plain) = %s, want 2s", got)
	}
}
