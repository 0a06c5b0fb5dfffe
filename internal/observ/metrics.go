package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
	gauges   map[string]map[string]float64
	hist     map[string]map[string][]float64
}

var reg = &registry{
	counters: map[string]map[string]int64{},
	gauges:   map[string]map[string]float64{},
	hist:     map[string]map[string][]float64{},
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += value
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	m[k] = append(m[k], value)
}

// RecordDuration records an operation duration in milliseconds.
func RecordDuration(name string, start time.Time, labels map[string]string) {
	Observe(name+"_ms", float64(time.Since(start).Milliseconds()), labels)
}

// CounterValue sums a counter across label sets. Used by tests and the
// health report; not a public API promise.
func CounterValue(name string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	var total int64
	for _, v := range reg.counters[name] {
		total += v
	}
	return total
}

// Basic JSON dump for quick checks (not Prometheus format on purpose)
func Handler() http.Handler {
	type dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dump{Counters: reg.counters, Gauges: reg.gauges, Hist: reg.hist})
	})
}

// HealthStatus is the /health payload.
type HealthStatus struct {
	Status    string        `json:"status"` // healthy, degraded, halted
	Timestamp string        `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Version   string        `json:"version"`
	Metrics   HealthMetrics `json:"metrics"`
}

// HealthMetrics holds the handful of numbers an operator checks first.
type HealthMetrics struct {
	CycleLatencyP95Ms int64   `json:"cycle_latency_p95_ms"`
	FeedSuccessRate   float64 `json:"feed_success_rate"`
	CyclesTotal       int64   `json:"cycles_total"`
	OrdersUnresolved  int64   `json:"orders_unresolved"`
	BreakerTripped    bool    `json:"breaker_tripped"`
	KillSwitchActive  bool    `json:"kill_switch_active"`
}

var (
	startTime = time.Now()
	version   = "dev" // set via build flags
)

func SetVersion(v string) {
	version = v
}

// HealthHandler reports overall orchestrator health. A tripped breaker
// or active kill switch is "halted" with 503 so external monitors see
// the stop without parsing the body.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		m := HealthMetrics{
			CycleLatencyP95Ms: p95Locked("cycle_duration_ms"),
			FeedSuccessRate:   ratioLocked("feed_requests_total", "feed_errors_total"),
			OrdersUnresolved:  sumCounterLocked("orders_unresolved_total"),
			BreakerTripped:    gaugeTrueLocked("breaker_tripped"),
			KillSwitchActive:  gaugeTrueLocked("kill_switch_active"),
		}
		m.CyclesTotal = sumCounterLocked("cycles_total")
		reg.mu.Unlock()

		status := "healthy"
		code := http.StatusOK
		switch {
		case m.BreakerTripped || m.KillSwitchActive:
			status = "halted"
			code = http.StatusServiceUnavailable
		case m.FeedSuccessRate < 0.9 && sumCounter("feed_requests_total") > 20:
			status = "degraded"
			code = http.StatusPartialContent
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(HealthStatus{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
			Metrics:   m,
		})
	})
}

func sumCounter(name string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return sumCounterLocked(name)
}

func sumCounterLocked(name string) int64 {
	var total int64
	for _, v := range reg.counters[name] {
		total += v
	}
	return total
}

func gaugeTrueLocked(name string) bool {
	for _, v := range reg.gauges[name] {
		if v == 1 {
			return true
		}
	}
	return false
}

func ratioLocked(totalName, errName string) float64 {
	total := sumCounterLocked(totalName)
	if total == 0 {
		return 1.0
	}
	errs := sumCounterLocked(errName)
	return float64(total-errs) / float64(total)
}

func p95Locked(name string) int64 {
	for _, samples := range reg.hist[name] {
		if len(samples) == 0 {
			continue
		}
		sorted := make([]float64, len(samples))
		copy(sorted, samples)
		sort.Float64s(sorted)
		idx := int(float64(len(sorted)) * 0.95)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return int64(sorted[idx])
	}
	return 0
}
