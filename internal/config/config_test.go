package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Save original env and restore after test
	origEnv := os.Environ()
	t.Cleanup(func() {
		os.Clearenv()
		for _, e := range origEnv {
			for i := 0; i < len(e); i++ {
				if e[i] == '=' {
					os.Setenv(e[:i], e[i+1:])
					break
				}
			}
		}
	})

	t.Run("defaults", func(t *testing.T) {
		os.Clearenv()
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "data/xposter.db", cfg.DatabasePath)
		assert.Equal(t, "data/staging", cfg.StagingDir)
		assert.Equal(t, "default", cfg.AccountID)
		assert.Equal(t, "https://api.twitter.com", cfg.APIBaseURL)
		assert.Equal(t, ScheduleInterval, cfg.ScheduleMode)
		assert.Equal(t, 4*time.Hour, cfg.PostInterval)
		assert.Equal(t, []string{"09:00", "17:00"}, cfg.PostTimes)
		assert.Equal(t, int64(536870912), cfg.MaxMediaBytes)
		assert.Equal(t, 140.0, cfg.MaxMediaSeconds)
		assert.Equal(t, int64(4194304), cfg.ChunkSize)
		assert.Equal(t, 3, cfg.MaxAttempts)
		assert.False(t, cfg.StrictValidation)
	})

	t.Run("custom values", func(t *testing.T) {
		os.Clearenv()
		os.Setenv("DATABASE_PATH", "/custom/path.db")
		os.Setenv("X_OAUTH_CLIENT_ID", "client-123")
		os.Setenv("POST_INTERVAL", "1h")
		os.Setenv("POST_TIMES", "08:30, 20:15")
		os.Setenv("MAX_ATTEMPTS", "5")
		os.Setenv("STRICT_VALIDATION", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "/custom/path.db", cfg.DatabasePath)
		assert.Equal(t, "client-123", cfg.OAuthClientID)
		assert.Equal(t, time.Hour, cfg.PostInterval)
		assert.Equal(t, []string{"08:30", "20:15"}, cfg.PostTimes)
		assert.Equal(t, 5, cfg.MaxAttempts)
		assert.True(t, cfg.StrictValidation)
	})

	t.Run("invalid duration", func(t *testing.T) {
		os.Clearenv()
		os.Setenv("POST_INTERVAL", "invalid")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "POST_INTERVAL")
	})

	t.Run("invalid integer", func(t *testing.T) {
		os.Clearenv()
		os.Setenv("MAX_ATTEMPTS", "notanumber")

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "MAX_ATTEMPTS")
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := &Config{DatabasePath: "test.db"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing database path", func(t *testing.T) {
		cfg := &Config{}
		assert.Error(t, cfg.Validate())
	})
}

func TestConfig_ValidateForPosting(t *testing.T) {
	base := func() *Config {
		return &Config{
			DatabasePath:  "test.db",
			OAuthClientID: "client",
			AccountID:     "default",
			StagingDir:    "staging",
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().ValidateForPosting())
	})

	t.Run("missing client id", func(t *testing.T) {
		cfg := base()
		cfg.OAuthClientID = ""
		assert.Error(t, cfg.ValidateForPosting())
	})

	t.Run("missing staging dir", func(t *testing.T) {
		cfg := base()
		cfg.StagingDir = ""
		assert.Error(t, cfg.ValidateForPosting())
	})
}

func TestConfig_ValidateForServe(t *testing.T) {
	base := func() *Config {
		return &Config{
			DatabasePath:  "test.db",
			OAuthClientID: "client",
			AccountID:     "default",
			StagingDir:    "staging",
			ScheduleMode:  ScheduleInterval,
			PostInterval:  time.Hour,
		}
	}

	t.Run("interval mode", func(t *testing.T) {
		assert.NoError(t, base().ValidateForServe())
	})

	t.Run("interval mode requires positive interval", func(t *testing.T) {
		cfg := base()
		cfg.PostInterval = 0
		assert.Error(t, cfg.ValidateForServe())
	})

	t.Run("specific times mode", func(t *testing.T) {
		cfg := base()
		cfg.ScheduleMode = ScheduleSpecificTimes
		cfg.PostTimes = []string{"09:00", "17:30"}
		assert.NoError(t, cfg.ValidateForServe())
	})

	t.Run("rejects malformed post time", func(t *testing.T) {
		cfg := base()
		cfg.ScheduleMode = ScheduleSpecificTimes
		cfg.PostTimes = []string{"25:99"}
		err := cfg.ValidateForServe()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "POST_TIMES")
	})

	t.Run("rejects unknown mode", func(t *testing.T) {
		cfg := base()
		cfg.ScheduleMode = "sometimes"
		assert.Error(t, cfg.ValidateForServe())
	})
}
