package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/iRazvan2745/glare/internal/store"
)

// Setting keys for the webhook channel. The secret is encrypted at rest by
// the settings store.
const (
	SettingWebhookEnabled = "webhook.enabled"
	SettingWebhookURL     = "webhook.url"
	SettingWebhookSecret  = "webhook.secret"
)

// sendTimeout bounds a single webhook delivery. Notifications are
// best-effort; a slow receiver must not stall the event pipeline.
const sendTimeout = 5 * time.Second

// signatureHeader carries the HMAC-SHA256 of the request body, hex encoded
// and prefixed with "sha256=". Receivers without a configured secret can
// ignore it.
const signatureHeader = "X-Glare-Signature"

// webhookPayload is the wire shape of an outbound notification.
type webhookPayload struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"text"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// webhookSender posts notifications to a user-configured URL. Configuration
// is read from the settings store on every send so changes take effect
// without a restart.
type webhookSender struct {
	settings store.SettingStore
	client   *http.Client
}

func newWebhookSender(settings store.SettingStore) *webhookSender {
	return &webhookSender{
		settings: settings,
		client:   &http.Client{Timeout: sendTimeout},
	}
}

// enabled reports whether the webhook channel is configured and turned on.
func (s *webhookSender) enabled(ctx context.Context) (url string, secret string, ok bool) {
	flag, err := s.settings.Get(ctx, SettingWebhookEnabled)
	if err != nil || flag != "true" {
		return "", "", false
	}
	url, err = s.settings.Get(ctx, SettingWebhookURL)
	if err != nil || url == "" {
		return "", "", false
	}
	// No secret simply means unsigned requests.
	secret, _ = s.settings.Get(ctx, SettingWebhookSecret)
	return url, secret, true
}

// send delivers one notification. Returns nil when the channel is disabled.
func (s *webhookSender) send(ctx context.Context, p webhookPayload) error {
	url, secret, ok := s.enabled(ctx)
	if !ok {
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(signatureHeader, sign(secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: receiver returned status %d", resp.StatusCode)
	}
	return nil
}

// sign computes the signature header value for body.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
