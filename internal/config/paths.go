package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// getEnvOrDefault returns the environment variable value or the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax ("5m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getUserDataDir returns the user data directory following XDG spec.
func getUserDataDir() string {
	// Check XDG_DATA_HOME first
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return xdgData
	}

	// Fall back to platform defaults
	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support")
	default: // linux, etc.
		return filepath.Join(home, ".local", "share")
	}
}

// DefaultModelDir is where artifacts live unless HONEYCLASS_MODEL_DIR says otherwise.
func DefaultModelDir() string {
	return filepath.Join(getUserDataDir(), "honeyclass", "models")
}

// EnvVarsDoc documents the environment overrides for users.
const EnvVarsDoc = `
honeyclass Environment Variables:

  HONEYCLASS_MODEL_DIR             Directory for model artifacts
                                   Default: ~/.local/share/honeyclass/models
  HONEYCLASS_MODEL_VERSION         Version tag to load ("latest" or a tag)
  HONEYCLASS_HTTP_ADDR             Listen address for the API (default :8080)
  HONEYCLASS_LOG_LEVEL             debug | info | warn | error
  HONEYCLASS_LOG_FORMAT            text | json
  HONEYCLASS_CONFIDENCE_THRESHOLD  Minimum confidence for is_confident (0.7)
  HONEYCLASS_CACHE_TTL             Prediction cache TTL ("5m" or seconds)
  HONEYCLASS_CACHE_SIZE            Prediction cache capacity
  HONEYCLASS_POSTGRES_DSN          Training data source
  HONEYCLASS_NATS_URL              NATS server for prediction events
  HONEYCLASS_NATS_SUBJECT          NATS subject (honeyclass.predictions)
  HONEYCLASS_REDIS_ADDR            Redis server for prediction events
  HONEYCLASS_REDIS_CHANNEL         Redis pub/sub channel (honeyclass:predictions)
  HONEYCLASS_TEST_SIZE             Held-out fraction for training (0.2)
  HONEYCLASS_RANDOM_STATE          Training seed (42)
  HONEYCLASS_CONTAMINATION         Expected anomaly proportion (0.1)
`
