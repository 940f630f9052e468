// Package config provides configuration management for the correlation and
// query engines.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the pipeline daemon.
type Config struct {
	// Store connections
	PostgresDSN string `json:"postgres_dsn,omitempty" validate:"required"`
	SearchURL   string `json:"search_url,omitempty" validate:"required,url"`
	RedisAddr   string `json:"redis_addr,omitempty"` // optional; empty disables the Redis cache/bus

	// Correlation engine
	MaxProcessingTime      time.Duration `json:"max_processing_time"`     // per-event latency target
	BatchProcessingEnabled bool          `json:"batch_processing_enabled"`
	BatchSize              int           `json:"batch_size" validate:"min=1"`
	CacheExpiration        time.Duration `json:"cache_expiration"` // rule cache TTL
	ParallelRuleEvaluation bool          `json:"parallel_rule_evaluation"`
	FastPathEnabled        bool          `json:"fast_path_enabled"`
	StreamProcessingMode   bool          `json:"stream_processing_mode"` // maxInFlight unbounded when set
	PriorityRuleThreshold  int           `json:"priority_rule_threshold" validate:"min=1"`
	MemoryBufferSizeLimit  int           `json:"memory_buffer_size_limit" validate:"min=1"`
	AdaptiveThrottling     bool          `json:"adaptive_throttling"`
	Concurrency            int           `json:"concurrency" validate:"min=1"`
	IngestBurstPerSecond   int           `json:"ingest_burst_per_second" validate:"min=1"`
	RuleReloadInterval     time.Duration `json:"rule_reload_interval"`

	// Query complexity limits
	MaxRows              int `json:"max_rows" validate:"min=1"`
	MaxTimeoutMs         int `json:"max_timeout_ms" validate:"min=1"`
	MaxTimeRangeHours    int `json:"max_time_range_hours" validate:"min=1"`
	MaxJoins             int `json:"max_joins" validate:"min=0"`
	MaxAggregations      int `json:"max_aggregations" validate:"min=0"`
	MaxNestedQueries     int `json:"max_nested_queries" validate:"min=0"`
	ComplexityScoreLimit int `json:"complexity_score_limit" validate:"min=1"`

	// Query rate limits
	MaxQueriesPerMinute      int `json:"max_queries_per_minute" validate:"min=1"`
	MaxComplexQueriesPerHour int `json:"max_complex_queries_per_hour" validate:"min=1"`
	ComplexityThreshold      int `json:"complexity_threshold" validate:"min=1"`

	// Resource manager
	MaxConcurrentQueries int   `json:"max_concurrent_queries" validate:"min=1"`
	MaxMemoryBytes       int64 `json:"max_memory_bytes" validate:"min=1"`

	// Result cache
	ResultCacheTTL     time.Duration `json:"result_cache_ttl"`
	ResultCacheMaxRows int           `json:"result_cache_max_rows" validate:"min=1"`

	// Dual-write / search indexer
	BulkFlushSize     int           `json:"bulk_flush_size" validate:"min=1"`
	BulkFlushInterval time.Duration `json:"bulk_flush_interval"`
	IndexPrefix       string        `json:"index_prefix"`

	// Search client
	SearchTimeout    time.Duration `json:"search_timeout"`
	SearchMaxRetries int           `json:"search_max_retries" validate:"min=0"`

	// Health / observability
	HealthPort      int    `json:"health_port" validate:"min=1,max=65535"`
	HealthBindAddr  string `json:"health_bind_addr"`
	MetricsEndpoint bool   `json:"metrics_endpoint"`
	EnableTracing   bool   `json:"enable_tracing"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // json or console
}

// Load builds configuration from defaults, an optional JSON config file, and
// environment variable overrides, in that order of precedence.
func Load() (*Config, error) {
	cfg := &Config{
		MaxProcessingTime:      100 * time.Millisecond,
		BatchProcessingEnabled: true,
		BatchSize:              25,
		CacheExpiration:        5 * time.Minute,
		ParallelRuleEvaluation: true,
		FastPathEnabled:        true,
		StreamProcessingMode:   false,
		PriorityRuleThreshold:  50,
		MemoryBufferSizeLimit:  100000,
		AdaptiveThrottling:     true,
		Concurrency:            20,
		IngestBurstPerSecond:   1000,
		RuleReloadInterval:     60 * time.Second,

		MaxRows:              5000,
		MaxTimeoutMs:         120000,
		MaxTimeRangeHours:    168,
		MaxJoins:             5,
		MaxAggregations:      10,
		MaxNestedQueries:     3,
		ComplexityScoreLimit: 100,

		MaxQueriesPerMinute:      30,
		MaxComplexQueriesPerHour: 10,
		ComplexityThreshold:      50,

		MaxConcurrentQueries: 10,
		MaxMemoryBytes:       1 << 30, // 1 GiB

		ResultCacheTTL:     5 * time.Minute,
		ResultCacheMaxRows: 10000,

		BulkFlushSize:     100,
		BulkFlushInterval: 5 * time.Second,
		IndexPrefix:       "securewatch-logs",

		SearchTimeout:    30 * time.Second,
		SearchMaxRetries: 3,

		HealthPort:      8090,
		HealthBindAddr:  "127.0.0.1",
		MetricsEndpoint: true,
		EnableTracing:   false,
		ShutdownTimeout: 30 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",
	}

	if configFile := os.Getenv("SW_CONFIG_FILE"); configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	cleanPath := filepath.Clean(path)

	// Reject path traversal before touching the filesystem.
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid file path: path traversal detected")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path is validated above
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return json.Unmarshal(data, cfg)
}

func loadFromEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("SW_POSTGRES_DSN", &cfg.PostgresDSN)
	setString("SW_SEARCH_URL", &cfg.SearchURL)
	setString("SW_REDIS_ADDR", &cfg.RedisAddr)

	setDuration("SW_MAX_PROCESSING_TIME", &cfg.MaxProcessingTime)
	setBool("SW_BATCH_PROCESSING_ENABLED", &cfg.BatchProcessingEnabled)
	setInt("SW_BATCH_SIZE", &cfg.BatchSize)
	setDuration("SW_CACHE_EXPIRATION", &cfg.CacheExpiration)
	setBool("SW_PARALLEL_RULE_EVALUATION", &cfg.ParallelRuleEvaluation)
	setBool("SW_FAST_PATH_ENABLED", &cfg.FastPathEnabled)
	setBool("SW_STREAM_PROCESSING_MODE", &cfg.StreamProcessingMode)
	setInt("SW_PRIORITY_RULE_THRESHOLD", &cfg.PriorityRuleThreshold)
	setInt("SW_MEMORY_BUFFER_SIZE_LIMIT", &cfg.MemoryBufferSizeLimit)
	setBool("SW_ADAPTIVE_THROTTLING", &cfg.AdaptiveThrottling)
	setInt("SW_CONCURRENCY", &cfg.Concurrency)
	setInt("SW_INGEST_BURST_PER_SECOND", &cfg.IngestBurstPerSecond)
	setDuration("SW_RULE_RELOAD_INTERVAL", &cfg.RuleReloadInterval)

	setInt("SW_MAX_ROWS", &cfg.MaxRows)
	setInt("SW_MAX_TIMEOUT_MS", &cfg.MaxTimeoutMs)
	setInt("SW_MAX_TIME_RANGE_HOURS", &cfg.MaxTimeRangeHours)
	setInt("SW_MAX_JOINS", &cfg.MaxJoins)
	setInt("SW_MAX_AGGREGATIONS", &cfg.MaxAggregations)
	setInt("SW_MAX_NESTED_QUERIES", &cfg.MaxNestedQueries)
	setInt("SW_COMPLEXITY_SCORE_LIMIT", &cfg.ComplexityScoreLimit)

	setInt("SW_MAX_QUERIES_PER_MINUTE", &cfg.MaxQueriesPerMinute)
	setInt("SW_MAX_COMPLEX_QUERIES_PER_HOUR", &cfg.MaxComplexQueriesPerHour)
	setInt("SW_COMPLEXITY_THRESHOLD", &cfg.ComplexityThreshold)

	setInt("SW_MAX_CONCURRENT_QUERIES", &cfg.MaxConcurrentQueries)
	setInt64("SW_MAX_MEMORY_BYTES", &cfg.MaxMemoryBytes)

	setDuration("SW_RESULT_CACHE_TTL", &cfg.ResultCacheTTL)
	setInt("SW_RESULT_CACHE_MAX_ROWS", &cfg.ResultCacheMaxRows)

	setInt("SW_BULK_FLUSH_SIZE", &cfg.BulkFlushSize)
	setDuration("SW_BULK_FLUSH_INTERVAL", &cfg.BulkFlushInterval)
	setString("SW_INDEX_PREFIX", &cfg.IndexPrefix)

	setDuration("SW_SEARCH_TIMEOUT", &cfg.SearchTimeout)
	setInt("SW_SEARCH_MAX_RETRIES", &cfg.SearchMaxRetries)

	setInt("SW_HEALTH_PORT", &cfg.HealthPort)
	setString("SW_HEALTH_BIND_ADDR", &cfg.HealthBindAddr)
	setBool("SW_METRICS_ENDPOINT", &cfg.MetricsEndpoint)
	setBool("SW_ENABLE_TRACING", &cfg.EnableTracing)
	setDuration("SW_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("LOG_FORMAT", &cfg.LogFormat)
}

var validate = validator.New()

// Validate checks the configuration for consistency. A failure here maps to
// process exit code 2.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config field %s: failed %q check", first.Field(), first.Tag())
		}
		return err
	}

	if !strings.HasPrefix(c.PostgresDSN, "postgres://") && !strings.HasPrefix(c.PostgresDSN, "postgresql://") {
		return fmt.Errorf("SW_POSTGRES_DSN must be a postgres:// connection string")
	}
	if c.MaxProcessingTime <= 0 {
		return fmt.Errorf("max_processing_time must be positive")
	}
	if c.CacheExpiration <= 0 {
		return fmt.Errorf("cache_expiration must be positive")
	}
	if c.BulkFlushInterval <= 0 {
		return fmt.Errorf("bulk_flush_interval must be positive")
	}
	if c.ComplexityThreshold > c.ComplexityScoreLimit {
		return fmt.Errorf("complexity_threshold (%d) cannot exceed complexity_score_limit (%d)",
			c.ComplexityThreshold, c.ComplexityScoreLimit)
	}
	if c.BatchSize > 100 {
		return fmt.Errorf("batch_size must not exceed 100")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	return nil
}

// Redact returns a copy of the config with credentials masked for logging.
func (c *Config) Redact() *Config {
	redacted := *c
	redacted.PostgresDSN = MaskDSN(redacted.PostgresDSN)
	redacted.SearchURL = MaskDSN(redacted.SearchURL)
	return &redacted
}

// MaskDSN masks the password component of a connection string for safe
// logging. Unparseable strings are masked entirely.
func MaskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***REDACTED***"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
