package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
}

func TestLoad_RequiredDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when DATABASE_URL is empty")
	}

	t.Setenv("DATABASE_URL", "   ")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when DATABASE_URL is blank")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":8080"},
		{"GRPCAddr", cfg.GRPCAddr, ":9090"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "json"},
		{"RedisURL", cfg.RedisURL, ""},
		{"SnapshotCacheTTL", cfg.SnapshotCacheTTL, 60 * time.Second},
		{"StreamPollInterval", cfg.StreamPollInterval, time.Second},
		{"MaxJSONBodySize", cfg.MaxJSONBodySize, int64(1 << 20)},
		{"EventBatchSize", cfg.EventBatchSize, 1000},
		{"AuthRateLimit", cfg.AuthRateLimit, 10},
		{"SnapshotResyncInterval", cfg.SnapshotResyncInterval, time.Minute},
		{"SnapshotMaxStaleness", cfg.SnapshotMaxStaleness, 2 * time.Minute},
		{"ParallelEvaluationThreshold", cfg.ParallelEvaluationThreshold, 64},
		{"AnalyticsRetention", cfg.AnalyticsRetention, 168 * time.Hour},
		{"AnalyticsMaxLateness", cfg.AnalyticsMaxLateness, 5 * time.Minute},
		{"AnalyticsBufferSize", cfg.AnalyticsBufferSize, 4096},
		{"AnalyticsFlushInterval", cfg.AnalyticsFlushInterval, 2 * time.Second},
		{"EvaluationRetentionDays", cfg.EvaluationRetentionDays, 30},
		{"TraceSampleRatio", cfg.TraceSampleRatio, 1.0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if got := cfg.AnalyticsRetentionHours(); got != 168 {
		t.Errorf("AnalyticsRetentionHours() = %d, want 168", got)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("HTTP_ADDR", " :18080 ")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_FORMAT", "TEXT")
	t.Setenv("STREAM_POLL_INTERVAL", "250ms")
	t.Setenv("ANALYTICS_RETENTION", "48h")
	t.Setenv("PARALLEL_EVALUATION_THRESHOLD", "-1")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":18080" {
		t.Errorf("HTTPAddr = %q, want :18080", cfg.HTTPAddr)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.StreamPollInterval != 250*time.Millisecond {
		t.Errorf("StreamPollInterval = %v, want 250ms", cfg.StreamPollInterval)
	}
	if cfg.AnalyticsRetentionHours() != 48 {
		t.Errorf("AnalyticsRetentionHours() = %d, want 48", cfg.AnalyticsRetentionHours())
	}
	if cfg.ParallelEvaluationThreshold != -1 {
		t.Errorf("ParallelEvaluationThreshold = %d, want -1", cfg.ParallelEvaluationThreshold)
	}
	if cfg.TraceSampleRatio != 0.25 {
		t.Errorf("TraceSampleRatio = %v, want 0.25", cfg.TraceSampleRatio)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value, wantErr string
	}{
		{"STREAM_POLL_INTERVAL", "not-a-duration", "STREAM_POLL_INTERVAL"},
		{"STREAM_POLL_INTERVAL", "0s", "STREAM_POLL_INTERVAL must be > 0"},
		{"MAX_JSON_BODY_SIZE", "0", "MAX_JSON_BODY_SIZE must be a positive integer"},
		{"MAX_JSON_BODY_SIZE", "abc", "MAX_JSON_BODY_SIZE"},
		{"EVENT_BATCH_SIZE", "-5", "EVENT_BATCH_SIZE must be a positive integer"},
		{"AUTH_RATE_LIMIT", "0", "AUTH_RATE_LIMIT must be a positive integer"},
		{"ANALYTICS_BUFFER_SIZE", "0", "ANALYTICS_BUFFER_SIZE must be a positive integer"},
		{"ANALYTICS_RETENTION", "30m", "ANALYTICS_RETENTION must be at least 1h"},
		{"SNAPSHOT_MAX_STALENESS", "30s", "SNAPSHOT_MAX_STALENESS must be >= SNAPSHOT_RESYNC_INTERVAL"},
		{"EVALUATION_RETENTION_DAYS", "0", "EVALUATION_RETENTION_DAYS must be a positive integer"},
		{"LOG_FORMAT", "xml", "LOG_FORMAT must be json or text"},
		{"TRACE_SAMPLE_RATIO", "1.5", "TRACE_SAMPLE_RATIO must be between 0 and 1"},
		{"HTTP_ADDR", "   ", "HTTP_ADDR must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() should fail for %s=%q", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_ParseErrorsNameVariables(t *testing.T) {
	setRequired(t)
	t.Setenv("STREAM_POLL_INTERVAL", "soon")
	t.Setenv("EVENT_BATCH_SIZE", "many")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want parse errors")
	}
	for _, want := range []string{"STREAM_POLL_INTERVAL", "EVENT_BATCH_SIZE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Load() error = %q, want it to mention %s", err.Error(), want)
		}
	}
	for _, field := range []string{"StreamPollInterval", "EventBatchSize"} {
		if strings.Contains(err.Error(), field) {
			t.Errorf("Load() error = %q, want no Go field name %s", err.Error(), field)
		}
	}
}

func TestEnvVarName(t *testing.T) {
	tests := []struct{ field, want string }{
		{"MaxJSONBodySize", "MAX_JSON_BODY_SIZE"},
		{"DatabaseURL", "DATABASE_URL"},
		{"Missing", "Missing"},
	}
	for _, tt := range tests {
		if got := envVarName(tt.field); got != tt.want {
			t.Errorf("envVarName(%q) = %q, want %q", tt.field, got, tt.want)
		}
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	err := Config{LogFormat: "json"}.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want errors for zero config")
	}
	for _, want := range []string{"DATABASE_URL", "STREAM_POLL_INTERVAL", "EVENT_BATCH_SIZE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %q, want it to mention %s", err.Error(), want)
		}
	}
}
