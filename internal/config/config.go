package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultBaseURL      = "https://api.splore.ai"
	DefaultUploadURL    = "https://tusd.splore.ai/files/"
	DefaultChunkSize    = 5 * 1024 * 1024
	DefaultChunkTimeout = 10 * time.Minute
)

type Config struct {
	// Credentials and scope
	APIKey  string
	BaseID  string
	UserID  string
	AgentID string

	// Endpoints
	BaseURL   string
	UploadURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Transport
	HTTPTimeout time.Duration

	// Retry
	MaxRetries         int
	BackoffFactor      time.Duration
	RetryTimeout       time.Duration
	RetryNonIdempotent bool
	// RetryTransientOnly stops retrying 4xx responses other than 408 and 429.
	RetryTransientOnly bool

	// Polling
	MaxPollTimeout  time.Duration
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
	PollGrowthRate  float64
	PollJitter      float64

	// Upload
	ChunkSize      int64
	ChunkTimeout   time.Duration
	TempDir        string
	InspectUploads bool

	// Batch pipeline
	Workers int
	JobTTL  time.Duration
}

func Load() Config {
	cfg := Config{
		APIKey:  os.Getenv("SPLORE_API_KEY"),
		BaseID:  os.Getenv("SPLORE_BASE_ID"),
		UserID:  os.Getenv("SPLORE_USER_ID"),
		AgentID: os.Getenv("SPLORE_AGENT_ID"),

		BaseURL:   envOr("SPLORE_BASE_URL", DefaultBaseURL),
		UploadURL: envOr("SPLORE_UPLOAD_URL", DefaultUploadURL),

		LogLevel:  envOr("SDK_LOG_LEVEL", "info"),
		LogFormat: envOr("SPLORE_LOG_FORMAT", "text"),

		HTTPTimeout: envDuration("SPLORE_HTTP_TIMEOUT", 30*time.Second),

		MaxRetries:         envInt("SPLORE_MAX_RETRIES", 3),
		BackoffFactor:      envDuration("SPLORE_BACKOFF_FACTOR", 500*time.Millisecond),
		RetryTimeout:       envDuration("SPLORE_RETRY_TIMEOUT", 30*time.Second),
		RetryNonIdempotent: envBool("SPLORE_RETRY_NON_IDEMPOTENT", true),
		RetryTransientOnly: envBool("SPLORE_RETRY_TRANSIENT_ONLY", false),

		MaxPollTimeout:  envDuration("SPLORE_MAX_POLL_TIMEOUT", 1200*time.Second),
		MinPollInterval: envDuration("SPLORE_MIN_POLL_INTERVAL", 2*time.Second),
		MaxPollInterval: envDuration("SPLORE_MAX_POLL_INTERVAL", 30*time.Second),
		PollGrowthRate:  envFloat("SPLORE_POLL_GROWTH_RATE", 2),
		PollJitter:      envFloat("SPLORE_POLL_JITTER", 0.1),

		ChunkSize:      envInt64("SPLORE_CHUNK_SIZE", DefaultChunkSize),
		ChunkTimeout:   envDuration("SPLORE_CHUNK_TIMEOUT", DefaultChunkTimeout),
		TempDir:        envOr("SPLORE_TEMP_DIR", filepath.Join(os.TempDir(), "splore-uploads")),
		InspectUploads: envBool("SPLORE_INSPECT_UPLOADS", false),

		Workers: envInt("SPLORE_WORKERS", 4),
		JobTTL:  envDuration("SPLORE_JOB_TTL", time.Hour),
	}
	cfg.ApplyDefaults()
	return cfg
}

// Defaults returns a Config with every tunable set and no credentials.
func Defaults() Config {
	cfg := Config{RetryNonIdempotent: true}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults replaces zero or out-of-range values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.UploadURL == "" {
		c.UploadURL = DefaultUploadURL
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 500 * time.Millisecond
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = 30 * time.Second
	}
	if c.MaxPollTimeout <= 0 {
		c.MaxPollTimeout = 1200 * time.Second
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = 2 * time.Second
	}
	if c.MaxPollInterval < c.MinPollInterval {
		c.MaxPollInterval = max(30*time.Second, c.MinPollInterval)
	}
	if c.PollGrowthRate <= 1 {
		c.PollGrowthRate = 2
	}
	if c.PollJitter < 0 || c.PollJitter >= 1 {
		c.PollJitter = 0.1
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = DefaultChunkTimeout
	}
	if c.TempDir == "" {
		c.TempDir = filepath.Join(os.TempDir(), "splore-uploads")
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.JobTTL <= 0 {
		c.JobTTL = time.Hour
	}
}

func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("SPLORE_API_KEY is required")
	}
	if c.BaseID == "" {
		return fmt.Errorf("SPLORE_BASE_ID is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
