// Package alerts delivers operator notifications over Slack and
// Telegram. Delivery is fire-and-forget: a failed notification is
// logged and counted, never propagated into a trading path.
package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sentineltrading/orchestrator/internal/observ"
)

// Severity levels for alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity  string
	Title     string
	Text      string
	Fields    map[string]string
	Timestamp time.Time
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Fields []slackField `json:"fields"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type queuedAlert struct {
	alert     Alert
	attempts  int
	nextRetry time.Time
}

// SlackClient posts alerts to an incoming webhook through a bounded
// async queue. Duplicates within the dedupe window are suppressed;
// when the queue is full, critical alerts push out non-critical ones.
type SlackClient struct {
	webhookURL string
	httpClient *http.Client
	queue      chan queuedAlert
	ctx        context.Context
	cancel     context.CancelFunc

	mu          sync.Mutex
	dedupeCache map[string]time.Time
}

func NewSlackClient(webhookURL string) *SlackClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &SlackClient{
		webhookURL:  webhookURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan queuedAlert, 256),
		ctx:         ctx,
		cancel:      cancel,
		dedupeCache: map[string]time.Time{},
	}
	go c.worker()
	go c.cleanup()
	return c
}

func (s *SlackClient) Enabled() bool { return s.webhookURL != "" }

// Send enqueues an alert. Never blocks the caller.
func (s *SlackClient) Send(a Alert) {
	if !s.Enabled() {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	hash := dedupeHash(a)
	s.mu.Lock()
	if last, ok := s.dedupeCache[hash]; ok && time.Since(last) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.dedupeCache[hash] = time.Now()
	s.mu.Unlock()

	q := queuedAlert{alert: a, nextRetry: time.Now()}
	select {
	case s.queue <- q:
	default:
		s.dropOldestNonCritical(q)
	}
}

func dedupeHash(a Alert) string {
	h := sha256.Sum256([]byte(a.Severity + ":" + a.Title + ":" + a.Text))
	return fmt.Sprintf("%x", h)[:16]
}

// dropOldestNonCritical makes room for the new alert unless the one at
// the head is critical, in which case the new non-critical alert loses.
func (s *SlackClient) dropOldestNonCritical(newAlert queuedAlert) {
	select {
	case old := <-s.queue:
		if old.alert.Severity == SeverityCritical && newAlert.alert.Severity != SeverityCritical {
			select {
			case s.queue <- old:
			default:
			}
			observ.IncCounter("notify_dropped_total", map[string]string{"channel": "slack"})
			return
		}
		observ.IncCounter("notify_dropped_total", map[string]string{"channel": "slack"})
		select {
		case s.queue <- newAlert:
		default:
		}
	default:
		select {
		case s.queue <- newAlert:
		default:
			observ.IncCounter("notify_dropped_total", map[string]string{"channel": "slack"})
		}
	}
}

func (s *SlackClient) worker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case q := <-s.queue:
			if wait := time.Until(q.nextRetry); wait > 0 {
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			if s.post(q.alert) {
				observ.IncCounter("notify_sent_total", map[string]string{"channel": "slack"})
				continue
			}
			q.attempts++
			if q.attempts >= 3 {
				observ.IncCounter("notify_failed_total", map[string]string{"channel": "slack"})
				observ.Log("slack_alert_dropped", map[string]any{"title": q.alert.Title, "attempts": q.attempts})
				continue
			}
			backoff := time.Duration(math.Pow(2, float64(q.attempts))) * time.Second
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			q.nextRetry = time.Now().Add(backoff + jitter)
			select {
			case s.queue <- q:
			default:
				observ.IncCounter("notify_dropped_total", map[string]string{"channel": "slack"})
			}
		}
	}
}

func (s *SlackClient) post(a Alert) bool {
	payload, err := json.Marshal(formatSlack(a))
	if err != nil {
		observ.Log("slack_marshal_failed", map[string]any{"error": err.Error()})
		return false
	}
	if len(payload) > 4000 {
		payload = append(payload[:3900], []byte("...\"}")...)
	}

	resp, err := s.httpClient.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		observ.Log("slack_webhook_error", map[string]any{"error": err.Error()})
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observ.Log("slack_webhook_status", map[string]any{"status": resp.StatusCode})
		return false
	}
	return true
}

func formatSlack(a Alert) slackMessage {
	color := "good"
	switch a.Severity {
	case SeverityWarning:
		color = "warning"
	case SeverityCritical:
		color = "danger"
	}
	fields := make([]slackField, 0, len(a.Fields)+1)
	for k, v := range a.Fields {
		fields = append(fields, slackField{Title: k, Value: v, Short: true})
	}
	fields = append(fields, slackField{Title: "Time", Value: a.Timestamp.Format("15:04:05 MST"), Short: true})
	return slackMessage{
		Text:        a.Title,
		Attachments: []slackAttachment{{Color: color, Fields: fields}},
	}
}

func (s *SlackClient) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			s.mu.Lock()
			for hash, ts := range s.dedupeCache {
				if ts.Before(cutoff) {
					delete(s.dedupeCache, hash)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *SlackClient) Close() { s.cancel() }
