package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentineltrading/orchestrator/internal/observ"
)

// HTTPFeed pulls snapshots from a quote service over HTTP. Requests are
// rate limited and results cached for a short TTL; on upstream failure
// a cached snapshot is served up to a staleness ceiling so transient
// provider hiccups do not blank the scanner.
type HTTPFeed struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter

	mu         sync.Mutex
	cache      map[string]Snapshot
	cacheTTL   time.Duration
	staleLimit time.Duration
}

type HTTPFeedConfig struct {
	BaseURL           string
	RequestsPerMinute int
	TimeoutMs         int
	CacheTTLSec       int
	StaleCeilingSec   int
}

func NewHTTPFeed(cfg HTTPFeedConfig) *HTTPFeed {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	if cfg.CacheTTLSec <= 0 {
		cfg.CacheTTLSec = 5
	}
	if cfg.StaleCeilingSec <= 0 {
		cfg.StaleCeilingSec = 120
	}
	return &HTTPFeed{
		baseURL:    cfg.BaseURL,
		client:     &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		cache:      map[string]Snapshot{},
		cacheTTL:   time.Duration(cfg.CacheTTLSec) * time.Second,
		staleLimit: time.Duration(cfg.StaleCeilingSec) * time.Second,
	}
}

func (f *HTTPFeed) Snapshot(ctx context.Context, instrument string) (Snapshot, error) {
	f.mu.Lock()
	cached, ok := f.cache[instrument]
	f.mu.Unlock()
	if ok && time.Since(cached.Timestamp) < f.cacheTTL {
		observ.IncCounter("feed_cache_hits_total", nil)
		return cached, nil
	}

	observ.IncCounter("feed_requests_total", nil)
	snap, err := f.fetch(ctx, instrument)
	if err != nil {
		observ.IncCounter("feed_errors_total", nil)
		if ok && time.Since(cached.Timestamp) < f.staleLimit {
			observ.Log("feed_stale_cache_served", map[string]any{
				"instrument": instrument, "age_ms": cached.AgeMs(), "error": err.Error(),
			})
			return cached, nil
		}
		return Snapshot{}, err
	}

	f.mu.Lock()
	f.cache[instrument] = snap
	f.mu.Unlock()
	return snap, nil
}

func (f *HTTPFeed) fetch(ctx context.Context, instrument string) (Snapshot, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Snapshot{}, NewNetworkError(instrument, "rate limiter wait aborted", err)
	}
	url := fmt.Sprintf("%s/v1/snapshot?instrument=%s", f.baseURL, instrument)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, NewProviderError(instrument, "build request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, NewNetworkError(instrument, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Snapshot{}, NewRateLimitError(instrument, "429 from feed")
	case resp.StatusCode == http.StatusNotFound:
		return Snapshot{}, NewBadInstrumentError(instrument)
	case resp.StatusCode != http.StatusOK:
		return Snapshot{}, NewProviderError(instrument, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, NewProviderError(instrument, "decode body", err)
	}
	snap.Instrument = instrument
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	if tier := ClassifyAge(time.Since(snap.Timestamp)); tier == Critical {
		return Snapshot{}, NewStaleError(instrument, time.Since(snap.Timestamp))
	}
	return snap, nil
}

func (f *HTTPFeed) VolIndex(ctx context.Context) (float64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return 0, NewNetworkError("", "rate limiter wait aborted", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/v1/volindex", nil)
	if err != nil {
		return 0, NewProviderError("", "build request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, NewNetworkError("", "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, NewProviderError("", fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	var body struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, NewProviderError("", "decode body", err)
	}
	return body.Value, nil
}

func (f *HTTPFeed) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return NewNetworkError("", "health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return NewProviderError("", fmt.Sprintf("health status %d", resp.StatusCode), nil)
	}
	return nil
}
