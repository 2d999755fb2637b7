package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"yield-attribution/internal/waterfall"
)

// Channel names accepted in alerting.channels.
const (
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
)

// Notification is one prediction report.
type Notification struct {
	RequestID     string
	RecordDate    *time.Time
	Observed      *decimal.Decimal
	Prediction    decimal.Decimal
	Baseline      decimal.Decimal
	LowThreshold  decimal.Decimal
	Segments      []waterfall.Segment
	Clamped       []string
	Channels      []string
	AdditionalMsg string
}

// BelowThreshold reports whether the prediction fell under a configured floor.
func (n Notification) BelowThreshold() bool {
	return !n.LowThreshold.IsZero() && n.Prediction.LessThan(n.LowThreshold)
}

// Notifier delivers reports.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts reports through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// SetRateLimit caps sendMessage calls per second. Zero removes the cap.
func (n *TelegramNotifier) SetRateLimit(perSecond float64) {
	if perSecond <= 0 {
		n.limiter = nil
		return
	}
	n.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Notify calls sendMessage with the rendered report.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limit: %w", err)
		}
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("request_id", note.RequestID).
		Str("prediction", note.Prediction.StringFixed(2)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("report sent (Telegram)")
	return nil
}

// RenderMessage formats the plain-text report.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	if note.BelowThreshold() {
		builder.WriteString("[Grade Alert]\n")
	} else {
		builder.WriteString("[Grade Report]\n")
	}
	if note.RecordDate != nil {
		builder.WriteString(fmt.Sprintf("Date: %s\n", note.RecordDate.UTC().Format("2006-01-02")))
	}
	if note.Observed != nil {
		builder.WriteString(fmt.Sprintf("Recorded grade: %s\n", note.Observed.StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("Predicted grade: %s\n", note.Prediction.StringFixed(2)))
	if !note.LowThreshold.IsZero() {
		builder.WriteString(fmt.Sprintf("Threshold: %s\n", note.LowThreshold.StringFixed(2)))
	}
	for _, seg := range note.Segments {
		builder.WriteString(fmt.Sprintf("  %s: %s\n", seg.Label, seg.Display))
	}
	if len(note.Clamped) > 0 {
		builder.WriteString(fmt.Sprintf("Clamped: %s\n", strings.Join(note.Clamped, ",")))
	}
	if note.RequestID != "" {
		builder.WriteString(fmt.Sprintf("Request: %s\n", note.RequestID))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// Multi fans a report out to several notifiers.
type Multi struct {
	notifiers []Notifier
}

// NewMulti wraps notifiers.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Notify delivers to every notifier and joins their errors.
func (m *Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
