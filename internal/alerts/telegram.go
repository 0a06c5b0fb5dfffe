package alerts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sentineltrading/orchestrator/internal/observ"
)

// TelegramClient sends alerts through the Bot API sendMessage call.
// Simpler than the Slack path: one synchronous POST per alert, no
// queue, because Telegram is the low-volume channel.
type TelegramClient struct {
	botToken   string
	chatID     string
	httpClient *http.Client
	baseURL    string // overridable for tests
}

func NewTelegramClient(botToken, chatID string) *TelegramClient {
	return &TelegramClient{
		botToken:   botToken,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    "https://api.telegram.org",
	}
}

// SetBaseURL points the client at a test server.
func (t *TelegramClient) SetBaseURL(u string) { t.baseURL = u }

func (t *TelegramClient) Enabled() bool {
	return t.botToken != "" && t.chatID != ""
}

func (t *TelegramClient) Send(ctx context.Context, a Alert) error {
	if !t.Enabled() {
		return nil
	}

	var b strings.Builder
	switch a.Severity {
	case SeverityCritical:
		b.WriteString("🚨 ")
	case SeverityWarning:
		b.WriteString("⚠️ ")
	}
	b.WriteString(a.Title)
	if a.Text != "" {
		b.WriteString("\n")
		b.WriteString(a.Text)
	}
	for k, v := range a.Fields {
		fmt.Fprintf(&b, "\n%s: %s", k, v)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", b.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		observ.IncCounter("notify_failed_total", map[string]string{"channel": "telegram"})
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		observ.IncCounter("notify_failed_total", map[string]string{"channel": "telegram"})
		return fmt.Errorf("telegram send: status %d", resp.StatusCode)
	}
	observ.IncCounter("notify_sent_total", map[string]string{"channel": "telegram"})
	return nil
}
