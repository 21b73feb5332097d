// Package config loads the feedbot YAML configuration. Unknown keys
// are rejected so typos fail at startup instead of silently falling
// back to defaults. Durations are Go duration strings ("10s", "5m",
// "2160h").
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// EnvToken overrides telegram.token when set.
const EnvToken = "FEEDBOT_TELEGRAM_TOKEN"

type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Database  DatabaseConfig  `yaml:"database"`
	Source    SourceConfig    `yaml:"source"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	PollTimeout string `yaml:"poll_timeout,omitempty"`
}

type DatabaseConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

type SourceConfig struct {
	// BaseURL is the feed source root, with no trailing slash.
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout,omitempty"`
}

type FetcherConfig struct {
	Interval     string `yaml:"interval,omitempty"`
	RefreshAfter string `yaml:"refresh_after,omitempty"`
	FailurePause string `yaml:"failure_pause,omitempty"`
}

type NotifierConfig struct {
	Interval   string `yaml:"interval,omitempty"`
	BatchLimit int    `yaml:"batch_limit,omitempty"`
	RatePerSec int    `yaml:"rate_per_sec,omitempty"`
}

// RetentionConfig controls the cron-scheduled pruning of old, fully
// delivered feed items. Disabled by default.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MaxAge   string `yaml:"max_age,omitempty"`
	Schedule string `yaml:"schedule,omitempty"` // cron spec, e.g. "0 3 * * *"
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// Load reads and validates the config file at path. The telegram token
// may come from the FEEDBOT_TELEGRAM_TOKEN environment variable
// instead of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if tok := strings.TrimSpace(os.Getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", EnvToken)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Source.BaseURL) == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Retention.Enabled && strings.TrimSpace(c.Retention.Schedule) == "" {
		return fmt.Errorf("retention.schedule is required when retention is enabled")
	}
	// Fail on malformed durations up front rather than at component
	// construction time.
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"database.busy_timeout", c.Database.BusyTimeout},
		{"source.timeout", c.Source.Timeout},
		{"fetcher.interval", c.Fetcher.Interval},
		{"fetcher.refresh_after", c.Fetcher.RefreshAfter},
		{"fetcher.failure_pause", c.Fetcher.FailurePause},
		{"notifier.interval", c.Notifier.Interval},
		{"retention.max_age", c.Retention.MaxAge},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
