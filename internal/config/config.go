package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"yield-attribution/internal/dataset"
	"yield-attribution/internal/forest"
	"yield-attribution/internal/logging"
	"yield-attribution/internal/scheduler"
	"yield-attribution/internal/waterfall"
)

// EnvPrefix namespaces environment overrides, e.g. YIELDSCOPE_DATABASE_DSN.
const EnvPrefix = "YIELDSCOPE"

// Dataset source kinds.
const (
	SourceSynthetic = "synthetic"
	SourceCSV       = "csv"
	SourceHTTP      = "http"
	SourcePostgres  = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Dataset     DatasetConfig     `mapstructure:"dataset"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Model       forest.Options    `mapstructure:"model"`
	Attribution AttributionConfig `mapstructure:"attribution"`
	Features    FeaturesConfig    `mapstructure:"features"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatasetConfig selects where historical records come from.
type DatasetConfig struct {
	Source    string          `mapstructure:"source" validate:"oneof=synthetic csv http postgres"`
	CSVPath   string          `mapstructure:"csv_path"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Synthetic SyntheticConfig `mapstructure:"synthetic"`
}

// HTTPConfig describes a JSON records endpoint.
type HTTPConfig struct {
	URL              string        `mapstructure:"url" validate:"omitempty,url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// SyntheticConfig parameterises the generated history.
type SyntheticConfig struct {
	Rows        int     `mapstructure:"rows" validate:"gte=0"`
	Seed        uint64  `mapstructure:"seed"`
	Start       string  `mapstructure:"start"`
	NoiseStdDev float64 `mapstructure:"noise_stddev" validate:"gte=0"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AttributionConfig tunes the explainer.
type AttributionConfig struct {
	Tolerance      float64 `mapstructure:"tolerance" validate:"gt=0"`
	BackgroundSize int     `mapstructure:"background_size" validate:"gte=0"`
	BackgroundSeed uint64  `mapstructure:"background_seed"`
}

// FeaturesConfig holds operator bounds and labels.
type FeaturesConfig struct {
	Bounds           dataset.FeatureBounds `mapstructure:"bounds"`
	OutOfRangePolicy string                `mapstructure:"out_of_range_policy" validate:"oneof=clamp reject"`
	Labels           waterfall.Labels      `mapstructure:"labels"`
}

// SchedulerConfig governs watch cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Cron            string        `mapstructure:"cron"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines report routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	LowThreshold float64        `mapstructure:"low_threshold" validate:"gte=0"`
	Channels     []string       `mapstructure:"channels" validate:"dive,oneof=telegram slack"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
	Slack        SlackConfig    `mapstructure:"slack"`
}

// TelegramConfig describes the Telegram bot.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	APIBase        string        `mapstructure:"api_base" validate:"omitempty,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MessagesPerSecond throttles sendMessage calls.
	MessagesPerSecond float64 `mapstructure:"messages_per_second" validate:"gte=0"`
}

// SlackConfig describes an incoming webhook.
type SlackConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WebhookURL     string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
	ChartWidth    int `mapstructure:"chart_width" validate:"gte=0"`
	ChartHeight   int `mapstructure:"chart_height" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus textfile.
type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	TextfilePath string `mapstructure:"textfile_path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "yieldscope")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("dataset.source", SourceSynthetic)
	v.SetDefault("dataset.csv_path", "data/history.csv")
	v.SetDefault("dataset.http.request_timeout", "10s")
	v.SetDefault("dataset.http.user_agent", "yieldscope/1.0")
	v.SetDefault("dataset.http.failure_threshold", 3)
	v.SetDefault("dataset.http.breaker_cooldown", "1m")
	v.SetDefault("dataset.synthetic.rows", 100)
	v.SetDefault("dataset.synthetic.seed", 0)
	v.SetDefault("dataset.synthetic.start", "2023-01-01")
	v.SetDefault("dataset.synthetic.noise_stddev", 1.0)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	model := forest.DefaultOptions()
	v.SetDefault("model.estimators", model.Estimators)
	v.SetDefault("model.seed", model.Seed)
	v.SetDefault("model.max_depth", model.MaxDepth)
	v.SetDefault("model.min_samples_split", model.MinSamplesSplit)
	v.SetDefault("model.min_samples_leaf", model.MinSamplesLeaf)
	v.SetDefault("model.max_features", model.MaxFeatures)
	v.SetDefault("model.bootstrap", model.Bootstrap)

	v.SetDefault("attribution.tolerance", 1e-6)
	v.SetDefault("attribution.background_size", 0)
	v.SetDefault("attribution.background_seed", 0)

	labels := waterfall.DefaultLabels()
	for _, f := range dataset.Features {
		v.SetDefault("features.bounds."+f.String()+".min", 1.0)
		v.SetDefault("features.bounds."+f.String()+".max", 10.0)
		v.SetDefault("features.labels.features."+f.String(), labels.Features.Get(f))
	}
	v.SetDefault("features.out_of_range_policy", string(dataset.PolicyClamp))
	v.SetDefault("features.labels.baseline", labels.Baseline)
	v.SetDefault("features.labels.total", labels.Total)

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.cron", "")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x79696564))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.low_threshold", 0.0)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")
	v.SetDefault("alerting.telegram.messages_per_second", 1.0)
	v.SetDefault("alerting.slack.enabled", false)
	v.SetDefault("alerting.slack.request_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 720)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.textfile_path", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var validate = validator.New()

// Validate performs basic sanity checks on the configuration values. Field
// level rules live in the validate struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("config %s fails %q (value %v)", fe.Namespace(), fe.Tag()+paramSuffix(fe.Param()), fe.Value())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	switch c.Dataset.Source {
	case SourceSynthetic:
		if _, err := c.SyntheticStart(); err != nil {
			return fmt.Errorf("dataset.synthetic.start: %w", err)
		}
	case SourceCSV:
		if c.Dataset.CSVPath == "" {
			return fmt.Errorf("dataset.csv_path must be set for the csv source")
		}
	case SourceHTTP:
		if c.Dataset.HTTP.URL == "" {
			return fmt.Errorf("dataset.http.url must be set for the http source")
		}
	case SourcePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres source")
		}
	}

	if err := c.Model.Validate(); err != nil {
		return err
	}
	if err := dataset.ValidateBounds(c.Features.Bounds); err != nil {
		return err
	}
	if _, err := scheduler.ParseCron(c.Scheduler.Cron); err != nil {
		return fmt.Errorf("scheduler.cron: %w", err)
	}
	if c.Scheduler.Cron == "" && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
		return fmt.Errorf("alerting.slack.webhook_url must be set")
	}
	return nil
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return "=" + param
}

// RangePolicy returns the parsed out-of-range policy.
func (c *Config) RangePolicy() dataset.RangePolicy {
	policy, err := dataset.ParseRangePolicy(c.Features.OutOfRangePolicy)
	if err != nil {
		return dataset.PolicyClamp
	}
	return policy
}

// SyntheticStart parses the first synthetic day.
func (c *Config) SyntheticStart() (time.Time, error) {
	if c.Dataset.Synthetic.Start == "" {
		return time.Time{}, nil
	}
	return dataset.ParseDay(c.Dataset.Synthetic.Start)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
