package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-attribution/internal/alerting"
	"yield-attribution/internal/attribution"
	"yield-attribution/internal/config"
	"yield-attribution/internal/dataset"
	"yield-attribution/internal/forest"
	"yield-attribution/internal/metrics"
	"yield-attribution/internal/service"
	"yield-attribution/internal/session"
	"yield-attribution/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output. Logs always go to the logger.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens the database or fails with a hint naming the command.
func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database.dsn not configured; cannot %s", action)
	}
	return store, closeStore, nil
}

func (a *App) newSource(store *storage.Store) (dataset.Source, error) {
	cfg := a.Config.Dataset
	switch cfg.Source {
	case config.SourceSynthetic:
		src, err := a.syntheticSource()
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.SourceCSV:
		return dataset.CSVSource{Path: cfg.CSVPath}, nil
	case config.SourceHTTP:
		return dataset.NewHTTPSource(dataset.HTTPOptions{
			URL:              cfg.HTTP.URL,
			Timeout:          cfg.HTTP.RequestTimeout,
			UserAgent:        cfg.HTTP.UserAgent,
			FailureThreshold: cfg.HTTP.FailureThreshold,
			BreakerCooldown:  cfg.HTTP.BreakerCooldown,
		}, a.Logger), nil
	case config.SourcePostgres:
		if store == nil {
			return nil, errors.New("dataset.source is postgres but database.dsn is not configured")
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown dataset source %q", cfg.Source)
}

// syntheticSource samples inputs inside the configured feature bounds.
func (a *App) syntheticSource() (dataset.SyntheticSource, error) {
	cfg := a.Config.Dataset.Synthetic
	start, err := a.Config.SyntheticStart()
	if err != nil {
		return dataset.SyntheticSource{}, err
	}
	return dataset.SyntheticSource{
		Rows:        cfg.Rows,
		Seed:        cfg.Seed,
		Start:       start,
		NoiseStdDev: cfg.NoiseStdDev,
		Bounds:      a.Config.Features.Bounds,
	}, nil
}

func (a *App) loadDataset(ctx context.Context, store *storage.Store) (*dataset.Dataset, error) {
	source, err := a.newSource(store)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ds, err := source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s dataset: %w", a.Config.Dataset.Source, err)
	}
	a.Logger.Debug().
		Str("source", a.Config.Dataset.Source).
		Int("records", ds.Len()).
		Str("version", ds.Version()).
		Dur("elapsed", time.Since(start)).
		Msg("dataset loaded")
	return ds, nil
}

func (a *App) newMetrics() *metrics.Metrics {
	if !a.Config.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func (a *App) writeMetrics(m *metrics.Metrics) {
	path := a.Config.Metrics.TextfilePath
	if m == nil || path == "" {
		return
	}
	if err := m.WriteTextfile(path); err != nil {
		a.Logger.Warn().Err(err).Str("path", path).Msg("failed to write metrics textfile")
	}
}

func (a *App) newSession(m *metrics.Metrics) *session.Session {
	return session.New(
		forest.NewRegressor(a.Config.Model, a.Logger),
		attribution.NewExplainer(attribution.Options{Tolerance: a.Config.Attribution.Tolerance}, a.Logger),
		m,
		session.Options{
			Bounds:         a.Config.Features.Bounds,
			Policy:         a.Config.RangePolicy(),
			BackgroundSize: a.Config.Attribution.BackgroundSize,
			BackgroundSeed: a.Config.Attribution.BackgroundSeed,
			Labels:         a.Config.Features.Labels,
		},
		a.Logger,
	)
}

// newNotifier builds one notifier per enabled channel listed in
// alerting.channels. It returns nil when nothing would be delivered.
func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}

	var notifiers []alerting.Notifier
	for _, channel := range cfg.Channels {
		switch channel {
		case alerting.ChannelTelegram:
			if cfg.Telegram.Enabled {
				tg := cfg.Telegram
				notifier := alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, tg.RequestTimeout, a.Logger)
				notifier.SetRateLimit(tg.MessagesPerSecond)
				notifiers = append(notifiers, notifier)
			}
		case alerting.ChannelSlack:
			if cfg.Slack.Enabled {
				notifiers = append(notifiers, alerting.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Slack.RequestTimeout, a.Logger))
			}
		}
	}

	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	}
	return alerting.NewMulti(notifiers...)
}

func (a *App) notification(out session.Outcome) alerting.Notification {
	return service.NewNotification(out, decimal.NewFromFloat(a.Config.Alerting.LowThreshold), a.Config.Alerting.Channels)
}

// recordPrediction audits an outcome. Persistence failures are logged only.
func (a *App) recordPrediction(ctx context.Context, store *storage.Store, out session.Outcome) {
	if store == nil {
		return
	}
	saved, err := store.InsertPrediction(ctx, service.PredictionRecord(out))
	if err != nil {
		a.Logger.Error().Err(err).Str("request_id", out.RequestID).Msg("failed to persist prediction")
		return
	}
	a.Logger.Debug().Int64("id", saved.ID).Str("request_id", out.RequestID).Msg("prediction persisted")
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func createFile(path string) (*os.File, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

// PredictOptions configure the predict command.
type PredictOptions struct {
	// Date selects the record whose inputs seed the form. Nil means the latest.
	Date      *time.Time
	Overrides map[dataset.Feature]float64
	Format    string
	PNGPath   string
	Notify    bool
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit       int
	Format      string
	Predictions bool
}

// ExportOptions hold parameters for exporting the historical series.
type ExportOptions struct {
	From          *time.Time
	To            *time.Time
	PNGPath       string
	CSVPath       string
	MaxPoints     int
	MovingAverage int
}

// SeedOptions configure synthetic data generation.
type SeedOptions struct {
	Rows     int
	Seed     *uint64
	CSVPath  string
	Database bool
}

// ImportOptions configure the CSV import.
type ImportOptions struct {
	CSVPath string
}

// WatchOptions configure the watch loop.
type WatchOptions struct {
	MaxTicks int
}
