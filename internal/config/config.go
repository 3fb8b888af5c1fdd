// Package config loads the deploy client configuration from defaults, an
// optional YAML file, a .env file and FNDEPLOY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FNDEPLOY_PROJECT or
// FNDEPLOY_QUEUE_CONCURRENCY.
const EnvPrefix = "FNDEPLOY"

// Config holds all deploy configuration.
type Config struct {
	Project           string `mapstructure:"project"`
	AppEngineLocation string `mapstructure:"app_engine_location"`
	Runtime           string `mapstructure:"runtime"`
	Manifest          string `mapstructure:"manifest"`
	// SourceURL is the signed upload URL of the already uploaded source
	// archive.
	SourceURL      string `mapstructure:"source_url"`
	Only           string `mapstructure:"only"`
	Force          bool   `mapstructure:"force"`
	NonInteractive bool   `mapstructure:"non_interactive"`
	Endpoint       string `mapstructure:"endpoint"`
	MetricsPort    string `mapstructure:"metrics_port"`

	Queue QueueConfig `mapstructure:"queue"`
	Poll  PollConfig  `mapstructure:"poll"`
	API   APIConfig   `mapstructure:"api"`
	Log   LogConfig   `mapstructure:"log"`
}

// QueueConfig bounds how many deploy calls run at once.
type QueueConfig struct {
	Concurrency  int     `mapstructure:"concurrency"`
	DispatchRate float64 `mapstructure:"dispatch_rate"`
	Burst        int     `mapstructure:"burst"`
}

// PollConfig tunes operation polling.
type PollConfig struct {
	// Interval overrides the interval derived from the batch size.
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// APIConfig tunes the Google API client.
type APIConfig struct {
	Retries   int     `mapstructure:"retries"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. Values from a .env file in the working
// directory are applied to the environment first without overriding
// variables that are already set.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("project", "")
	v.SetDefault("app_engine_location", "us-central1")
	v.SetDefault("runtime", "nodejs20")
	v.SetDefault("manifest", "functions.yaml")
	v.SetDefault("source_url", "")
	v.SetDefault("only", "")
	v.SetDefault("force", false)
	v.SetDefault("non_interactive", false)
	v.SetDefault("endpoint", "")
	v.SetDefault("metrics_port", "")
	v.SetDefault("queue.concurrency", 40)
	v.SetDefault("queue.dispatch_rate", 0)
	v.SetDefault("queue.burst", 1)
	v.SetDefault("poll.interval", "0s")
	v.SetDefault("poll.max_retries", 5)
	v.SetDefault("poll.max_backoff", "1m")
	v.SetDefault("api.retries", 3)
	v.SetDefault("api.rate_limit", 20)
	v.SetDefault("api.burst", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing or out of range setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if c.Manifest == "" {
		errs = append(errs, errors.New("manifest is required"))
	}
	if c.Runtime == "" {
		errs = append(errs, errors.New("runtime is required"))
	}
	if c.AppEngineLocation == "" {
		errs = append(errs, errors.New("app_engine_location is required"))
	}
	if c.Queue.Concurrency < 1 || c.Queue.Concurrency > 100 {
		errs = append(errs, fmt.Errorf("queue.concurrency must be between 1 and 100, got %d", c.Queue.Concurrency))
	}
	if c.Queue.DispatchRate < 0 {
		errs = append(errs, fmt.Errorf("queue.dispatch_rate must not be negative, got %v", c.Queue.DispatchRate))
	}
	if c.Poll.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("poll.max_retries must not be negative, got %d", c.Poll.MaxRetries))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger creates a logger with the configured level and format.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
