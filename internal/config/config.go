// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrDatabaseURLRequired is returned when CLIPKIT_DATABASE_URL is not set.
	ErrDatabaseURLRequired = errors.New("config: CLIPKIT_DATABASE_URL is required")
	// ErrWorkerCountInvalid is returned when the worker count is not positive.
	ErrWorkerCountInvalid = errors.New("config: worker count must be positive")
	// ErrMaxRetriesInvalid is returned when max retries is negative.
	ErrMaxRetriesInvalid = errors.New("config: max retries must not be negative")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"CLIPKIT_PORT, default=8000" json:"port"`

	// Database settings
	DatabaseURL string `env:"CLIPKIT_DATABASE_URL, required" json:"-"` // Masked in JSON

	// Object store settings
	S3Endpoint         string        `env:"CLIPKIT_S3_ENDPOINT" json:"s3_endpoint,omitempty"` // Optional: MinIO or other S3-compatible endpoints
	S3Region           string        `env:"CLIPKIT_S3_REGION, default=us-east-1" json:"s3_region"`
	S3Bucket           string        `env:"CLIPKIT_S3_BUCKET, default=primary" json:"s3_bucket"`
	AWSAccessKeyID     string        `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string        `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON
	PresignTTL         time.Duration `env:"CLIPKIT_PRESIGN_TTL, default=2h" json:"presign_ttl"`

	// Worker settings
	Workers      int           `env:"CLIPKIT_WORKERS, default=3" json:"workers"`
	MaxRetries   int           `env:"CLIPKIT_MAX_RETRIES, default=5" json:"max_retries"`
	PollInterval time.Duration `env:"CLIPKIT_POLL_INTERVAL, default=1s" json:"poll_interval"`

	// Engine settings
	FFmpegPath  string `env:"CLIPKIT_FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"CLIPKIT_FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`
	YTDLPPath   string `env:"CLIPKIT_YTDLP_PATH, default=yt-dlp" json:"ytdlp_path"`

	// Scratch space for subtitle and transmux work
	WorkDir string `env:"CLIPKIT_WORK_DIR, default=/tmp/clipkit" json:"work_dir"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "CLIPKIT_DATABASE_URL") {
			return nil, ErrDatabaseURLRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}
	if c.Workers <= 0 {
		return ErrWorkerCountInvalid
	}
	if c.MaxRetries < 0 {
		return ErrMaxRetriesInvalid
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, S3Bucket: %s, S3Region: %s, Workers: %d, MaxRetries: %d, PollInterval: %s, WorkDir: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.S3Bucket,
		c.S3Region,
		c.Workers,
		c.MaxRetries,
		c.PollInterval,
		c.WorkDir,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
