package alert

import (
	"context"
	"fmt"
	"time"

	apphttp "signal_trader/pkg/http"
)

// SlackChannel posts attachments to a Slack incoming webhook
type SlackChannel struct {
	client *apphttp.Client
}

func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{client: newWebhookClient(webhookURL, timeout)}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func levelColor(level AlertLevel) string {
	switch level {
	case Warning:
		return "#ffcc00"
	case Error:
		return "#ff0000"
	case Critical:
		return "#8b0000"
	default:
		return "#36a64f"
	}
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	fields := make([]map[string]interface{}, 0, len(alert.Fields))
	for _, k := range alert.SortedKeys() {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": alert.Fields[k],
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   levelColor(alert.Level),
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Event),
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "signal trader",
			},
		},
	}
	if _, err := s.client.Post(ctx, "", payload); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
