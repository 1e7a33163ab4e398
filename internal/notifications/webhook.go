package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const maxWebhookResponseBytes = 4 << 10

// WebhookForwarder posts notifications as JSON to a URL.
type WebhookForwarder struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookForwarder validates rawURL and returns a forwarder for it.
func NewWebhookForwarder(rawURL string, headers map[string]string) (*WebhookForwarder, error) {
	if err := ValidateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	return &WebhookForwarder{
		url:     rawURL,
		headers: headers,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type webhookPayload struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

func (w *WebhookForwarder) Forward(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID:        n.ID,
		Message:   n.Message,
		Severity:  n.Severity,
		Timestamp: n.CreatedAt.UTC(),
		Source:    "quillboard",
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Quillboard/1.0")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	log.Debug().
		Str("notification_id", n.ID).
		Int("status", resp.StatusCode).
		Int("payloadSize", len(body)).
		Msg("Webhook notification sent")
	return nil
}

// ValidateWebhookURL requires an absolute http(s) URL. Loopback and private
// targets are allowed but logged.
func ValidateWebhookURL(webhookURL string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL cannot be empty")
	}
	u, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https protocol")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL must include a host")
	}

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		log.Warn().
			Str("url", webhookURL).
			Msg("Webhook URL points to localhost - this may be intentional for testing")
	}
	if strings.HasPrefix(host, "10.") ||
		strings.HasPrefix(host, "192.168.") ||
		isPrivateRange172(host) {
		log.Warn().
			Str("url", webhookURL).
			Msg("Webhook URL points to private network - ensure this is intentional")
	}
	return nil
}

// isPrivateRange172 checks if an IP is in the 172.16.0.0/12 range
func isPrivateRange172(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) < 2 || parts[0] != "172" || parts[1] == "" {
		return false
	}
	second := 0
	for _, char := range parts[1] {
		if char < '0' || char > '9' {
			return false
		}
		second = second*10 + int(char-'0')
	}
	return second >= 16 && second <= 31
}
