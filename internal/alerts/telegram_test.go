package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSend(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewTelegramClient("token123", "chat456")
	c.SetBaseURL(srv.URL)

	err := c.Send(context.Background(), Alert{
		Severity: SeverityCritical,
		Title:    "Kill switch ACTIVATED",
		Text:     "sentinel file present",
	})
	require.NoError(t, err)
	assert.Equal(t, "/bottoken123/sendMessage", gotPath)
	assert.Contains(t, gotBody, "chat_id=chat456")
	assert.Contains(t, gotBody, "Kill+switch+ACTIVATED")
}

func TestTelegramServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewTelegramClient("token", "chat")
	c.SetBaseURL(srv.URL)
	err := c.Send(context.Background(), Alert{Title: "x"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "502"))
}

func TestTelegramDisabledIsNoop(t *testing.T) {
	c := NewTelegramClient("", "")
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Send(context.Background(), Alert{Title: "x"}))
}

func TestSlackDisabledDropsSilently(t *testing.T) {
	c := NewSlackClient("")
	defer c.Close()
	assert.False(t, c.Enabled())
	c.Send(Alert{Title: "nobody home"}) // must not panic or block
}

func TestSlackPostsToWebhook(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		received <- string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSlackClient(srv.URL)
	defer c.Close()
	c.Send(Alert{Severity: SeverityWarning, Title: "Drawdown warning (daily)"})

	select {
	case body := <-received:
		assert.Contains(t, body, "Drawdown warning")
		assert.Contains(t, body, "warning")
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never called")
	}
}
