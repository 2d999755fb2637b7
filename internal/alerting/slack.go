package alerting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackNotifier posts reports to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlackNotifier constructs a webhook notifier.
func NewSlackNotifier(webhookURL string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_slack").Logger(),
	}
}

// Notify posts the rendered report as a preformatted block.
func (n *SlackNotifier) Notify(ctx context.Context, note Notification) error {
	msg := &slack.WebhookMessage{
		Text: "```\n" + RenderMessage(note) + "```",
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhookURL, n.client, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}

	n.logger.Info().Str("request_id", note.RequestID).
		Str("prediction", note.Prediction.StringFixed(2)).
		Msg("report sent (Slack)")
	return nil
}

var _ Notifier = (*SlackNotifier)(nil)
