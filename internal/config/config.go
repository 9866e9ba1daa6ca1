// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Everything else has a default; see the struct tags on [Config]. Durations
// use Go syntax ("1s", "2m"). Numeric limits must be positive.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime configuration for the togglr server.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	// Optional shared snapshot cache. Disabled when empty.
	RedisURL         string        `env:"REDIS_URL"`
	SnapshotCacheTTL time.Duration `env:"SNAPSHOT_CACHE_TTL" envDefault:"60s"`

	StreamPollInterval time.Duration `env:"STREAM_POLL_INTERVAL" envDefault:"1s"`
	MaxJSONBodySize    int64         `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
	EventBatchSize     int           `env:"EVENT_BATCH_SIZE" envDefault:"1000"`
	AuthRateLimit      int           `env:"AUTH_RATE_LIMIT" envDefault:"10"`

	SnapshotResyncInterval time.Duration `env:"SNAPSHOT_RESYNC_INTERVAL" envDefault:"1m"`
	SnapshotMaxStaleness   time.Duration `env:"SNAPSHOT_MAX_STALENESS" envDefault:"2m"`

	ParallelEvaluationThreshold int `env:"PARALLEL_EVALUATION_THRESHOLD" envDefault:"64"`

	AnalyticsRetention      time.Duration `env:"ANALYTICS_RETENTION" envDefault:"168h"`
	AnalyticsMaxLateness    time.Duration `env:"ANALYTICS_MAX_LATENESS" envDefault:"5m"`
	AnalyticsBufferSize     int           `env:"ANALYTICS_BUFFER_SIZE" envDefault:"4096"`
	AnalyticsFlushInterval  time.Duration `env:"ANALYTICS_FLUSH_INTERVAL" envDefault:"2s"`
	EvaluationRetentionDays int           `env:"EVALUATION_RETENTION_DAYS" envDefault:"30"`

	TraceSampleRatio float64 `env:"TRACE_SAMPLE_RATIO" envDefault:"1"`
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// values fail validation.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", namedParseErrors(err))
	}

	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.HTTPAddr = strings.TrimSpace(cfg.HTTPAddr)
	cfg.GRPCAddr = strings.TrimSpace(cfg.GRPCAddr)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// namedParseErrors rewrites env parse failures, which name the Go field, so
// each one names the environment variable instead.
func namedParseErrors(err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return err
	}
	errs := make([]error, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var parseErr env.ParseError
		if !errors.As(e, &parseErr) {
			errs = append(errs, e)
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", envVarName(parseErr.Name), parseErr.Err))
	}
	return errors.Join(errs...)
}

func envVarName(field string) string {
	sf, ok := reflect.TypeFor[Config]().FieldByName(field)
	if !ok {
		return field
	}
	name, _, _ := strings.Cut(sf.Tag.Get("env"), ",")
	if name == "" {
		return field
	}
	return name
}

// Validate checks the invariants env tags cannot express.
func (c Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.GRPCAddr == "" {
		errs = append(errs, errors.New("GRPC_ADDR must not be empty"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	positiveDurations := []struct {
		name  string
		value time.Duration
	}{
		{"STREAM_POLL_INTERVAL", c.StreamPollInterval},
		{"SNAPSHOT_CACHE_TTL", c.SnapshotCacheTTL},
		{"SNAPSHOT_RESYNC_INTERVAL", c.SnapshotResyncInterval},
		{"SNAPSHOT_MAX_STALENESS", c.SnapshotMaxStaleness},
		{"ANALYTICS_RETENTION", c.AnalyticsRetention},
		{"ANALYTICS_MAX_LATENESS", c.AnalyticsMaxLateness},
		{"ANALYTICS_FLUSH_INTERVAL", c.AnalyticsFlushInterval},
	}
	for _, d := range positiveDurations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.name))
		}
	}

	positiveInts := []struct {
		name  string
		value int64
	}{
		{"MAX_JSON_BODY_SIZE", c.MaxJSONBodySize},
		{"EVENT_BATCH_SIZE", int64(c.EventBatchSize)},
		{"AUTH_RATE_LIMIT", int64(c.AuthRateLimit)},
		{"ANALYTICS_BUFFER_SIZE", int64(c.AnalyticsBufferSize)},
		{"EVALUATION_RETENTION_DAYS", int64(c.EvaluationRetentionDays)},
	}
	for _, n := range positiveInts {
		if n.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be a positive integer", n.name))
		}
	}

	if c.SnapshotMaxStaleness < c.SnapshotResyncInterval {
		errs = append(errs, errors.New("SNAPSHOT_MAX_STALENESS must be >= SNAPSHOT_RESYNC_INTERVAL"))
	}
	if c.AnalyticsRetention < time.Hour {
		errs = append(errs, errors.New("ANALYTICS_RETENTION must be at least 1h"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATIO must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// AnalyticsRetentionHours is the largest analytics window callers may ask for.
func (c Config) AnalyticsRetentionHours() int {
	return int(c.AnalyticsRetention / time.Hour)
}
