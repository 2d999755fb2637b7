package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// HTTPOptions parameterise the remote dataset source.
type HTTPOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	// FailureThreshold consecutive failures open the breaker for BreakerCooldown.
	FailureThreshold uint32
	BreakerCooldown  time.Duration
	// MaxBodyBytes caps the payload read from the endpoint.
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 64 << 20

// HTTPSource pulls the history from a JSON endpoint.
type HTTPSource struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPSource constructs a remote source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &HTTPSource{
		opts:   opts,
		logger: logger.With().Str("component", "http_source").Logger(),
		client: &http.Client{Timeout: timeout},
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dataset_http",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		},
	})
	return s
}

type recordsPayload struct {
	Records []wireRecord `json:"records"`
}

type wireRecord struct {
	Date     string        `json:"date"`
	Features FeatureVector `json:"features"`
	Target   float64       `json:"target"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Load implements Source. Once the endpoint has failed FailureThreshold times
// in a row, calls fail fast with gobreaker.ErrOpenState until the cooldown ends.
func (s *HTTPSource) Load(ctx context.Context) (*Dataset, error) {
	if s.opts.URL == "" {
		return nil, errors.New("dataset.http.url not configured")
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	return New(result.([]Record))
}

func (s *HTTPSource) fetch(ctx context.Context) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create dataset request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "yieldscope/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset: %w", err)
	}
	defer resp.Body.Close()

	limit := s.opts.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read dataset body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, body)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("dataset body exceeds %d bytes", limit)
	}

	var payload recordsPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}

	records := make([]Record, 0, len(payload.Records))
	for i, wr := range payload.Records {
		date, err := ParseDay(wr.Date)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, Record{Date: date, Features: wr.Features, Target: wr.Target})
	}

	s.logger.Debug().Int("records", len(records)).Str("url", s.opts.URL).Msg("dataset fetched")
	return records, nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorPayload
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("dataset api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("dataset api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("dataset api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("dataset api error (%d)", status)
}

var _ Source = (*HTTPSource)(nil)
