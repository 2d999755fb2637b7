package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-attribution/internal/dataset"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "yieldscope", cfg.App.Name)
	assert.Equal(t, SourceSynthetic, cfg.Dataset.Source)
	assert.Equal(t, 100, cfg.Dataset.Synthetic.Rows)
	assert.Equal(t, 100, cfg.Model.Estimators)
	assert.True(t, cfg.Model.Bootstrap)
	assert.Equal(t, 1e-6, cfg.Attribution.Tolerance)
	assert.Equal(t, dataset.UniformBounds(1, 10), cfg.Features.Bounds)
	assert.Equal(t, dataset.PolicyClamp, cfg.RangePolicy())
	assert.Equal(t, "Mean grade", cfg.Features.Labels.Baseline)
	assert.Equal(t, "Valve 2", cfg.Features.Labels.Features.Valve2)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Interval)

	start, err := cfg.SyntheticStart()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yieldscope.yaml")
	body := `
dataset:
  source: csv
  csv_path: /data/history.csv
model:
  estimators: 25
  max_depth: 6
features:
  out_of_range_policy: reject
  bounds:
    valve2:
      min: 0
      max: 20
  labels:
    total: Forecast grade
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("YIELDSCOPE_MODEL_SEED", "7")
	t.Setenv("YIELDSCOPE_ALERTING_CHANNELS", "telegram,slack")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, SourceCSV, cfg.Dataset.Source)
	assert.Equal(t, "/data/history.csv", cfg.Dataset.CSVPath)
	assert.Equal(t, 25, cfg.Model.Estimators)
	assert.Equal(t, 6, cfg.Model.MaxDepth)
	assert.Equal(t, uint64(7), cfg.Model.Seed)
	assert.Equal(t, dataset.PolicyReject, cfg.RangePolicy())
	assert.Equal(t, dataset.Bounds{Min: 0, Max: 20}, cfg.Features.Bounds.Valve2)
	assert.Equal(t, dataset.Bounds{Min: 1, Max: 10}, cfg.Features.Bounds.Reagent1)
	assert.Equal(t, "Forecast grade", cfg.Features.Labels.Total)
	assert.Equal(t, []string{"telegram", "slack"}, cfg.Alerting.Channels)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"unknown source":   func(c *Config) { c.Dataset.Source = "kafka" },
		"csv without path": func(c *Config) { c.Dataset.Source = SourceCSV; c.Dataset.CSVPath = "" },
		"http without url": func(c *Config) { c.Dataset.Source = SourceHTTP },
		"postgres no dsn":  func(c *Config) { c.Dataset.Source = SourcePostgres },
		"zero estimators":  func(c *Config) { c.Model.Estimators = 0 },
		"zero tolerance":   func(c *Config) { c.Attribution.Tolerance = 0 },
		"negative sample":  func(c *Config) { c.Attribution.BackgroundSize = -1 },
		"inverted bounds":  func(c *Config) { c.Features.Bounds.Valve1 = dataset.Bounds{Min: 5, Max: 1} },
		"bad policy":       func(c *Config) { c.Features.OutOfRangePolicy = "ignore" },
		"bad start":        func(c *Config) { c.Dataset.Synthetic.Start = "01/02/2023" },
		"telegram no chat": func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, BotToken: "x"} },
		"slack no webhook": func(c *Config) { c.Alerting.Slack = SlackConfig{Enabled: true} },
		"bad webhook":      func(c *Config) { c.Alerting.Slack = SlackConfig{WebhookURL: "not a url"} },
		"unknown channel":  func(c *Config) { c.Alerting.Channels = []string{"pager"} },
		"bad cron":         func(c *Config) { c.Scheduler.Cron = "daily" },
		"no cadence":       func(c *Config) { c.Scheduler.Interval = 0 },
		"zero max points":  func(c *Config) { c.Export.MaxDataPoints = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cronOnly := *base
	cronOnly.Scheduler.Interval = 0
	cronOnly.Scheduler.Cron = "0 6 * * *"
	assert.NoError(t, cronOnly.Validate())

	err = func() error { cfg := *base; cfg.Dataset.Source = "kafka"; return cfg.Validate() }()
	assert.ErrorContains(t, err, "Dataset.Source")

	assert.Equal(t, 50, base.ResolveMaxPoints(50))
	assert.Equal(t, base.Export.MaxDataPoints, base.ResolveMaxPoints(0))
}
