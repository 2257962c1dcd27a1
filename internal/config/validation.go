package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// ScheduleParser parses the cron specs accepted in configuration. The runner
// schedules jobs with the same parser.
var ScheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateSource()...)
	errors = append(errors, c.validateFollowing()...)
	errors = append(errors, c.validateProfiles()...)
	errors = append(errors, c.validateLikes()...)

	if c.RateLimit.Staleness <= 0 {
		errors = append(errors, ValidationError{
			Field:   "rate_limit.staleness",
			Message: "staleness must be positive",
		})
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errors = append(errors, ValidationError{
			Field:   "metrics.address",
			Message: "address is required when metrics are enabled",
		})
	}

	errors = append(errors, c.validateLogging()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors
	db := &c.Database

	if db.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "host is required",
		})
	}

	if db.Port <= 0 || db.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: "port must be between 1 and 65535",
		})
	}

	if db.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "user is required",
		})
	}

	if db.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "database name is required",
		})
	}

	validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	if !validTLS[db.TLS] {
		errors = append(errors, ValidationError{
			Field:   "database.tls",
			Message: "tls must be 'disable', 'preferred', or 'required'",
		})
	}

	if db.MaxConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   "database.max_connections",
			Message: "max_connections cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateSource() ValidationErrors {
	var errors ValidationErrors

	switch c.Source.Kind {
	case "fixture":
		if c.Source.FixturePath == "" {
			errors = append(errors, ValidationError{
				Field:   "source.fixture_path",
				Message: "fixture_path is required when kind is 'fixture'",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "source.kind",
			Message: fmt.Sprintf("unsupported source kind %q", c.Source.Kind),
		})
	}

	return errors
}

func (c *Config) validateFollowing() ValidationErrors {
	var errors ValidationErrors
	f := &c.Following

	if f.ID == "" {
		errors = append(errors, ValidationError{
			Field:   "following.id",
			Message: "id is required",
		})
	}

	if _, err := ScheduleParser.Parse(f.Schedule); err != nil {
		errors = append(errors, ValidationError{
			Field:   "following.schedule",
			Message: fmt.Sprintf("invalid schedule: %v", err),
		})
	}

	validPolicies := map[string]bool{"window": true, "full": true, "partial": true}
	if !validPolicies[f.Refresh.Policy] {
		errors = append(errors, ValidationError{
			Field:   "following.refresh.policy",
			Message: "policy must be 'window', 'full', or 'partial'",
		})
	}

	if f.Refresh.FullWindowStart < 0 || f.Refresh.FullWindowStart > 23 {
		errors = append(errors, ValidationError{
			Field:   "following.refresh.full_window_start",
			Message: "full_window_start must be an hour between 0 and 23",
		})
	}

	if f.Refresh.FullWindowEnd < 0 || f.Refresh.FullWindowEnd > 24 {
		errors = append(errors, ValidationError{
			Field:   "following.refresh.full_window_end",
			Message: "full_window_end must be an hour between 0 and 24",
		})
	}

	if _, err := f.Refresh.Location(); err != nil {
		errors = append(errors, ValidationError{
			Field:   "following.refresh.timezone",
			Message: fmt.Sprintf("unknown timezone: %v", err),
		})
	}

	if f.Append.MaxAttempts <= 0 {
		errors = append(errors, ValidationError{
			Field:   "following.append.max_attempts",
			Message: "max_attempts must be positive",
		})
	}

	return errors
}

func (c *Config) validateProfiles() ValidationErrors {
	var errors ValidationErrors
	p := &c.Profiles

	if !p.Enabled {
		return nil
	}

	if p.ID == "" {
		errors = append(errors, ValidationError{
			Field:   "profiles.id",
			Message: "id is required when profiles are enabled",
		})
	}

	if p.ID != "" && p.ID == c.Following.ID {
		errors = append(errors, ValidationError{
			Field:   "profiles.id",
			Message: "id must differ from following.id",
		})
	}

	if _, err := ScheduleParser.Parse(p.Schedule); err != nil {
		errors = append(errors, ValidationError{
			Field:   "profiles.schedule",
			Message: fmt.Sprintf("invalid schedule: %v", err),
		})
	}

	if p.BatchSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "profiles.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if p.RequestsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "profiles.requests_per_second",
			Message: "requests_per_second must be positive",
		})
	}

	return errors
}

func (c *Config) validateLikes() ValidationErrors {
	var errors ValidationErrors
	l := &c.Likes

	if !l.Enabled {
		return nil
	}

	if l.ID == "" {
		errors = append(errors, ValidationError{
			Field:   "likes.id",
			Message: "id is required when likes are enabled",
		})
	}

	if l.ID != "" && (l.ID == c.Following.ID || (c.Profiles.Enabled && l.ID == c.Profiles.ID)) {
		errors = append(errors, ValidationError{
			Field:   "likes.id",
			Message: "id must differ from the other scraper ids",
		})
	}

	if _, err := ScheduleParser.Parse(l.Schedule); err != nil {
		errors = append(errors, ValidationError{
			Field:   "likes.schedule",
			Message: fmt.Sprintf("invalid schedule: %v", err),
		})
	}

	if l.Interval < 0 {
		errors = append(errors, ValidationError{
			Field:   "likes.interval",
			Message: "interval must not be negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
