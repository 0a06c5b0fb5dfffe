package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/sentineltrading/orchestrator/internal/observ"
)

// Notifier fans alerts out to whatever channels are configured. All
// methods return immediately; delivery happens in the background.
type Notifier struct {
	slack    *SlackClient
	telegram *TelegramClient
}

func NewNotifier(slack *SlackClient, telegram *TelegramClient) *Notifier {
	return &Notifier{slack: slack, telegram: telegram}
}

func (n *Notifier) send(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if n.slack != nil {
		n.slack.Send(a)
	}
	if n.telegram != nil && n.telegram.Enabled() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := n.telegram.Send(ctx, a); err != nil {
				observ.Log("telegram_send_failed", map[string]any{"error": err.Error(), "title": a.Title})
			}
		}()
	}
}

func (n *Notifier) Fill(instrument, side string, qty, price float64, partial bool) {
	title := fmt.Sprintf("Fill: %s %s %.2f @ %.2f", side, instrument, qty, price)
	sev := SeverityInfo
	if partial {
		title = "Partial " + title
		sev = SeverityWarning
	}
	n.send(Alert{Severity: sev, Title: title, Fields: map[string]string{
		"Instrument": instrument, "Side": side,
		"Qty": fmt.Sprintf("%.2f", qty), "Price": fmt.Sprintf("%.2f", price),
	}})
}

func (n *Notifier) Exit(instrument, reason string, qty, price, pnlPct float64) {
	n.send(Alert{
		Severity: SeverityInfo,
		Title:    fmt.Sprintf("Exit: %s %.2f @ %.2f (%+.1f%%)", instrument, qty, price, pnlPct),
		Fields:   map[string]string{"Reason": reason},
	})
}

func (n *Notifier) ExitWarning(text string) {
	n.send(Alert{Severity: SeverityWarning, Title: "Exit window approaching", Text: text})
}

func (n *Notifier) BreakerTripped(window, reason string) {
	n.send(Alert{
		Severity: SeverityCritical,
		Title:    fmt.Sprintf("Circuit breaker tripped (%s)", window),
		Text:     reason + " — trading halted until manual reset",
	})
}

func (n *Notifier) BreakerWarning(window string, lossPct, thresholdPct float64) {
	n.send(Alert{
		Severity: SeverityWarning,
		Title:    fmt.Sprintf("Drawdown warning (%s)", window),
		Text:     fmt.Sprintf("loss %.1f%% approaching %.1f%% threshold", lossPct, thresholdPct),
	})
}

func (n *Notifier) KillSwitch(active bool, reason string) {
	if active {
		n.send(Alert{Severity: SeverityCritical, Title: "Kill switch ACTIVATED", Text: reason})
		return
	}
	n.send(Alert{Severity: SeverityInfo, Title: "Kill switch deactivated", Text: reason})
}

func (n *Notifier) Escalation(op string, attempts int, lastErr error) {
	n.send(Alert{
		Severity: SeverityCritical,
		Title:    fmt.Sprintf("Escalation: %s failed after %d attempts", op, attempts),
		Text:     lastErr.Error(),
	})
}

func (n *Notifier) DailySummary(scope string, capital, dailyPnL float64, trades int) {
	n.send(Alert{
		Severity: SeverityInfo,
		Title:    fmt.Sprintf("Daily summary %s", scope),
		Fields: map[string]string{
			"Capital": fmt.Sprintf("%.2f", capital),
			"Day P&L": fmt.Sprintf("%+.2f", dailyPnL),
			"Trades":  fmt.Sprintf("%d", trades),
		},
	})
}

func (n *Notifier) Close() {
	if n.slack != nil {
		n.slack.Close()
	}
}
