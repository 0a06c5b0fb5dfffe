// Package gates holds the pre-decision checks that can stop an
// instrument from ever reaching the decision service.
package gates

import (
	"context"
	"sync"
	"time"

	"github.com/sentineltrading/orchestrator/internal/observ"
)

// Result is a single gate's answer for one check.
type Result struct {
	Gate    string         `json:"gate"`
	Proceed bool           `json:"proceed"`
	Reason  string         `json:"reason,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Provider answers whether trading may proceed. Providers that consult
// external data may return an error; the chain applies the provider's
// failure policy in that case.
type Provider interface {
	Name() string
	Check(ctx context.Context, instrument string) (Result, error)
	FailClosed() bool
}

func pass(name string) Result {
	return Result{Gate: name, Proceed: true}
}

func block(name, reason string, detail map[string]any) Result {
	return Result{Gate: name, Proceed: false, Reason: reason, Detail: detail}
}

type cacheEntry struct {
	res Result
	at  time.Time
}

// marketWide marks providers whose answer does not depend on the
// instrument, so the cache holds one entry instead of one per symbol.
type marketWide interface {
	MarketWide() bool
}

// cachedProvider memoizes a provider's result for a TTL. On provider
// error it serves the last cached result if one exists; otherwise the
// failure policy decides.
type cachedProvider struct {
	inner Provider
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// Cached wraps p with a TTL cache. A ttl <= 0 disables caching.
func Cached(p Provider, ttl time.Duration) Provider {
	if ttl <= 0 {
		return p
	}
	return &cachedProvider{inner: p, ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *cachedProvider) Name() string     { return c.inner.Name() }
func (c *cachedProvider) FailClosed() bool { return c.inner.FailClosed() }

func (c *cachedProvider) Check(ctx context.Context, instrument string) (Result, error) {
	key := instrument
	if mw, ok := c.inner.(marketWide); ok && mw.MarketWide() {
		key = ""
	}
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Since(e.at) < c.ttl {
		return e.res, nil
	}

	res, err := c.inner.Check(ctx, instrument)
	if err != nil {
		if ok {
			// Stale cache beats a guess either way.
			observ.Log("gate_stale_cache_used", map[string]any{
				"gate": c.inner.Name(), "instrument": instrument, "age_sec": time.Since(e.at).Seconds(),
			})
			return e.res, nil
		}
		return Result{}, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{res: res, at: time.Now()}
	c.mu.Unlock()
	return res, nil
}

// Chain runs providers in order and stops at the first block.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Evaluate returns every result produced up to and including the first
// block. A provider error becomes a block when the provider is
// fail-closed and a logged pass when it is fail-open; either way the
// error case is observable as gate_error, distinct from a real block.
func (c *Chain) Evaluate(ctx context.Context, instrument string) (proceed bool, results []Result) {
	for _, p := range c.providers {
		res, err := p.Check(ctx, instrument)
		if err != nil {
			observ.Log("gate_error", map[string]any{
				"gate": p.Name(), "instrument": instrument,
				"error": err.Error(), "fail_closed": p.FailClosed(),
			})
			observ.IncCounter("gate_error_total", map[string]string{"gate": p.Name()})
			if p.FailClosed() {
				res = block(p.Name(), "provider_error", map[string]any{"error": err.Error()})
			} else {
				res = pass(p.Name())
			}
		}
		results = append(results, res)
		if !res.Proceed {
			observ.IncCounter("gate_block_total", map[string]string{"gate": res.Gate})
			observ.Log("gate_blocked", map[string]any{
				"gate": res.Gate, "instrument": instrument, "reason": res.Reason,
			})
			return false, results
		}
	}
	return true, results
}
