package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/resilience"
)

// WebhookNotifier posts chat-style JSON payloads to an incoming webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	retry  resilience.RetryConfig
}

type webhookPayload struct {
	Channel   string    `json:"channel,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewWebhook creates a WebhookNotifier for url.
func NewWebhook(url string, retry resilience.RetryConfig) *WebhookNotifier {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("notify", "webhook")
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, channelID, text string) error {
	payload, err := json.Marshal(webhookPayload{Channel: channelID, Text: text, Timestamp: time.Now().UTC()})
	if err != nil {
		return eris.Wrap(err, "notify: marshal webhook payload")
	}

	err = resilience.Do(ctx, w.retry, func(ctx context.Context) error {
		return w.post(ctx, payload)
	})
	if err != nil {
		return eris.Wrap(err, "notify: webhook")
	}
	zap.L().Debug("notify: webhook sent", zap.String("channel", channelID))
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "notify: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resilience.CheckStatus("notify: webhook", resp.StatusCode, string(detail))
}
