package alert

import (
	"context"
	"fmt"
	"time"

	apphttp "signal_trader/pkg/http"
)

// WebhookChannel posts the event as flat JSON to a generic endpoint
type WebhookChannel struct {
	client *apphttp.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{client: newWebhookClient(url, timeout)}
}

// newWebhookClient retries a transient failure once
func newWebhookClient(url string, timeout time.Duration) *apphttp.Client {
	opts := apphttp.DefaultOptions()
	opts.MaxRetries = 1
	opts.MaxBackoff = 500 * time.Millisecond
	return apphttp.NewClientWithOptions(url, timeout, nil, opts)
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert AlertPayload) error {
	body := map[string]interface{}{
		"ts":     alert.Timestamp.Format(time.RFC3339),
		"event":  alert.Event,
		"level":  string(alert.Level),
		"fields": alert.Fields,
	}
	if _, err := w.client.Post(ctx, "", body); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
