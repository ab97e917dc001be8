package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Schedule modes supported by the dispatcher.
const (
	ScheduleInterval      = "interval"
	ScheduleSpecificTimes = "specific_times"
)

// Config holds all application configuration.
type Config struct {
	// Database
	DatabasePath string

	// Staging area for media between acquisition and upload
	StagingDir       string
	StagingRetention time.Duration

	// OAuth2 / PKCE
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string
	OAuthListenAddr   string
	AccountID         string

	// Platform API
	APIBaseURL   string
	AuthorizeURL string
	TokenURL     string

	// Media constraints
	MaxMediaBytes    int64
	MaxMediaSeconds  float64
	StrictValidation bool

	// Upload engine
	ChunkSize      int64
	ProcessingWait time.Duration

	// Scheduler settings
	ScheduleMode       string
	PostInterval       time.Duration
	PostTimes          []string
	MaxAttempts        int
	PublishMinInterval time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables.
// It automatically loads .env file if present.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:      getEnv("DATABASE_PATH", "data/xposter.db"),
		StagingDir:        getEnv("STAGING_DIR", "data/staging"),
		OAuthClientID:     getEnv("X_OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("X_OAUTH_CLIENT_SECRET", ""),
		OAuthRedirectURI:  getEnv("X_OAUTH_REDIRECT_URI", "http://localhost:6789/oauth/callback"),
		OAuthListenAddr:   getEnv("OAUTH_LISTEN_ADDR", ":6789"),
		AccountID:         getEnv("ACCOUNT_ID", "default"),
		APIBaseURL:        getEnv("API_BASE_URL", "https://api.twitter.com"),
		AuthorizeURL:      getEnv("AUTHORIZE_URL", "https://twitter.com/i/oauth2/authorize"),
		TokenURL:          getEnv("TOKEN_URL", "https://api.twitter.com/2/oauth2/token"),
		ScheduleMode:      getEnv("SCHEDULE_MODE", ScheduleInterval),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	for _, t := range strings.Split(getEnv("POST_TIMES", "09:00,17:00"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			cfg.PostTimes = append(cfg.PostTimes, t)
		}
	}

	// Parse durations
	var err error
	cfg.PostInterval, err = time.ParseDuration(getEnv("POST_INTERVAL", "4h"))
	if err != nil {
		return nil, fmt.Errorf("invalid POST_INTERVAL: %w", err)
	}

	cfg.ProcessingWait, err = time.ParseDuration(getEnv("PROCESSING_WAIT", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROCESSING_WAIT: %w", err)
	}

	cfg.StagingRetention, err = time.ParseDuration(getEnv("STAGING_RETENTION", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid STAGING_RETENTION: %w", err)
	}

	cfg.PublishMinInterval, err = time.ParseDuration(getEnv("PUBLISH_MIN_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PUBLISH_MIN_INTERVAL: %w", err)
	}

	// Parse integers
	cfg.MaxAttempts, err = strconv.Atoi(getEnv("MAX_ATTEMPTS", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
	}

	cfg.MaxMediaBytes, err = strconv.ParseInt(getEnv("MAX_MEDIA_BYTES", "536870912"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_MEDIA_BYTES: %w", err)
	}

	cfg.MaxMediaSeconds, err = strconv.ParseFloat(getEnv("MAX_MEDIA_SECONDS", "140"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_MEDIA_SECONDS: %w", err)
	}

	cfg.ChunkSize, err = strconv.ParseInt(getEnv("CHUNK_SIZE", "4194304"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CHUNK_SIZE: %w", err)
	}

	cfg.StrictValidation = getEnv("STRICT_VALIDATION", "false") == "true"

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	return nil
}

// ValidateForAuth checks configuration needed for the OAuth consent flow.
func (c *Config) ValidateForAuth() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.OAuthClientID == "" {
		return fmt.Errorf("X_OAUTH_CLIENT_ID is required for authorization")
	}
	if c.OAuthRedirectURI == "" {
		return fmt.Errorf("X_OAUTH_REDIRECT_URI is required for authorization")
	}
	return nil
}

// ValidateForPosting checks configuration needed for publishing.
func (c *Config) ValidateForPosting() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.OAuthClientID == "" {
		return fmt.Errorf("X_OAUTH_CLIENT_ID is required for posting")
	}
	if c.AccountID == "" {
		return fmt.Errorf("ACCOUNT_ID is required for posting")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("STAGING_DIR is required for posting")
	}
	return nil
}

// ValidateForServe checks all configuration needed for serve mode.
func (c *Config) ValidateForServe() error {
	if err := c.ValidateForPosting(); err != nil {
		return err
	}
	switch c.ScheduleMode {
	case ScheduleInterval:
		if c.PostInterval <= 0 {
			return fmt.Errorf("POST_INTERVAL must be positive")
		}
	case ScheduleSpecificTimes:
		if len(c.PostTimes) == 0 {
			return fmt.Errorf("POST_TIMES is required when SCHEDULE_MODE is specific_times")
		}
		for _, t := range c.PostTimes {
			if _, err := time.Parse("15:04", t); err != nil {
				return fmt.Errorf("invalid POST_TIMES entry %q: %w", t, err)
			}
		}
	default:
		return fmt.Errorf("invalid SCHEDULE_MODE: %s (must be 'interval' or 'specific_times')", c.ScheduleMode)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
