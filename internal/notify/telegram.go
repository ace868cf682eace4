package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

// Telegram delivers alerts through the Telegram Bot API sendMessage call.
type Telegram struct {
	token   string
	chatID  string
	client  *http.Client
	baseURL string
}

// NewTelegram builds a Telegram channel for the given bot token and chat.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Send posts one message. Non-2xx responses are errors so the bus retry
// logic applies, including 429 responses from Telegram's own limiter.
func (t *Telegram) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal sendMessage body: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("telegram rate limited (status %d)", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram sendMessage failed with status %d", resp.StatusCode)
	}
	return nil
}

// FormatAlert renders the plain-text notification body.
func FormatAlert(alert *model.DetectionAlert, dashboardURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", alert.Severity, alert.Label)
	fmt.Fprintf(&b, "Model: %s\n", alert.ModelName)
	fmt.Fprintf(&b, "Score: %.2f\n", alert.Score)
	if alert.DeviceID != "" {
		fmt.Fprintf(&b, "Device: %s\n", alert.DeviceID)
	}
	if alert.SrcIP != "" {
		fmt.Fprintf(&b, "Source: %s", alert.SrcIP)
		if alert.SrcPort > 0 {
			fmt.Fprintf(&b, ":%d", alert.SrcPort)
		}
		b.WriteString("\n")
	}
	if alert.DstIP != "" {
		fmt.Fprintf(&b, "Destination: %s", alert.DstIP)
		if alert.DstPort > 0 {
			fmt.Fprintf(&b, ":%d", alert.DstPort)
		}
		b.WriteString("\n")
	}
	if alert.Protocol != "" {
		fmt.Fprintf(&b, "Protocol: %s\n", alert.Protocol)
	}
	if alert.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", alert.Reason)
	}
	if alert.Timestamp != "" {
		fmt.Fprintf(&b, "Time: %s\n", alert.Timestamp)
	}
	if dashboardURL != "" {
		fmt.Fprintf(&b, "Dashboard: %s\n", dashboardURL)
	}
	return strings.TrimRight(b.String(), "\n")
}
