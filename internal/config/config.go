// Package config provides configuration structures and loading for edgewatch.
package config

import (
	"time"
)

// Config represents the complete application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Source    SourceConfig    `yaml:"source" mapstructure:"source"`
	Following FollowingConfig `yaml:"following" mapstructure:"following"`
	Profiles  ProfilesConfig  `yaml:"profiles" mapstructure:"profiles"`
	Likes     LikesConfig     `yaml:"likes" mapstructure:"likes"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Seeds     []string        `yaml:"seeds" mapstructure:"seeds"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// DatabaseConfig represents the MySQL connection holding the edge log and scraper state.
type DatabaseConfig struct {
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"`
	TLS                string `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
}

// SourceConfig selects the remote network client.
type SourceConfig struct {
	Kind        string `yaml:"kind" mapstructure:"kind"`                 // fixture
	FixturePath string `yaml:"fixture_path" mapstructure:"fixture_path"` // used when kind is fixture
}

// FollowingConfig configures the scraper identity that ingests "following" edges.
type FollowingConfig struct {
	ID       string        `yaml:"id" mapstructure:"id"`
	Schedule string        `yaml:"schedule" mapstructure:"schedule"` // cron spec or @every
	Refresh  RefreshConfig `yaml:"refresh" mapstructure:"refresh"`
	Append   AppendConfig  `yaml:"append" mapstructure:"append"`
}

// RefreshConfig selects the full/partial refresh policy.
type RefreshConfig struct {
	Policy          string `yaml:"policy" mapstructure:"policy"` // window, full, partial
	FullWindowStart int    `yaml:"full_window_start" mapstructure:"full_window_start"`
	FullWindowEnd   int    `yaml:"full_window_end" mapstructure:"full_window_end"`
	Timezone        string `yaml:"timezone" mapstructure:"timezone"`
}

// AppendConfig tunes edge log writes.
type AppendConfig struct {
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ProfilesConfig configures the profile refresher identity.
type ProfilesConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	ID                string  `yaml:"id" mapstructure:"id"`
	Schedule          string  `yaml:"schedule" mapstructure:"schedule"`
	BatchSize         int     `yaml:"batch_size" mapstructure:"batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// LikesConfig configures the scraper identity that ingests liked posts.
type LikesConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	ID       string `yaml:"id" mapstructure:"id"`
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
	// Interval is the minimum time between two likes scrapes of one account.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// RateLimitConfig configures rate-limit gating.
type RateLimitConfig struct {
	// Staleness is how long a scraper state may go without an update before the
	// gate opens regardless of the recorded budget.
	Staleness time.Duration `yaml:"staleness" mapstructure:"staleness"`
}

// MetricsConfig configures the Prometheus endpoint served by the run command.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" mapstructure:"address"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Port:               3306,
			TLS:                "preferred",
			MaxConnections:     10,
			MaxIdleConnections: 5,
		},
		Source: SourceConfig{
			Kind: "fixture",
		},
		Following: FollowingConfig{
			ID:       "scraper-following",
			Schedule: "@every 1m",
			Refresh: RefreshConfig{
				Policy:          "window",
				FullWindowStart: 0,
				FullWindowEnd:   7,
				Timezone:        "Local",
			},
			Append: AppendConfig{
				MaxAttempts: 5,
			},
		},
		Profiles: ProfilesConfig{
			Enabled:           true,
			ID:                "scraper-profile",
			Schedule:          "@every 15m",
			BatchSize:         100,
			RequestsPerSecond: 1,
		},
		Likes: LikesConfig{
			Enabled:  true,
			ID:       "scraper-likes",
			Schedule: "@every 1m",
			Interval: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Staleness: 30 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Location returns the time zone of the full refresh window.
func (r RefreshConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(r.Timezone)
}

// ApplyOverrides applies CLI flag overrides to the configuration.
// Only non-empty values are applied.
func (c *Config) ApplyOverrides(logLevel, logFormat string) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
}
