// Package config provides centralized configuration for honeyclass.
//
// Values are resolved in three layers:
// 1. Built-in defaults
// 2. An optional YAML file
// 3. HONEYCLASS_* environment variables (highest priority)
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	ModelDir     string `yaml:"model_dir"`
	ModelVersion string `yaml:"model_version"`
	HTTPAddr     string `yaml:"http_addr"`

	Log LogConfig `yaml:"log"`

	Predictor PredictorConfig `yaml:"predictor"`
	Training  TrainingConfig  `yaml:"training"`

	PostgresDSN string `yaml:"postgres_dsn"`

	NATS  NATSConfig  `yaml:"nats"`
	Redis RedisConfig `yaml:"redis"`

	Privacy PrivacyConfig `yaml:"privacy"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PredictorConfig tunes the serving path.
type PredictorConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheSize           int           `yaml:"cache_size"`
}

// TrainingConfig tunes the offline pipeline.
type TrainingConfig struct {
	TestSize      float64 `yaml:"test_size"`
	RandomState   int64   `yaml:"random_state"`
	Contamination float64 `yaml:"contamination"`
}

// NATSConfig enables the NATS prediction sink when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// RedisConfig enables the Redis prediction sink when Addr is set.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// PrivacyConfig controls payload redaction on the event feed.
type PrivacyConfig struct {
	// HashKey is a hex-encoded 32-byte key for redaction digests
	HashKey string `yaml:"hash_key"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ModelDir:     DefaultModelDir(),
		ModelVersion: "latest",
		HTTPAddr:     ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Predictor: PredictorConfig{
			ConfidenceThreshold: 0.7,
			CacheTTL:            300 * time.Second,
			CacheSize:           10000,
		},
		Training: TrainingConfig{
			TestSize:      0.2,
			RandomState:   42,
			Contamination: 0.1,
		},
		NATS: NATSConfig{
			Subject: "honeyclass.predictions",
		},
		Redis: RedisConfig{
			Channel: "honeyclass:predictions",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ModelDir = getEnvOrDefault("HONEYCLASS_MODEL_DIR", c.ModelDir)
	c.ModelVersion = getEnvOrDefault("HONEYCLASS_MODEL_VERSION", c.ModelVersion)
	c.HTTPAddr = getEnvOrDefault("HONEYCLASS_HTTP_ADDR", c.HTTPAddr)

	c.Log.Level = getEnvOrDefault("HONEYCLASS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("HONEYCLASS_LOG_FORMAT", c.Log.Format)

	c.Predictor.ConfidenceThreshold = getEnvFloat("HONEYCLASS_CONFIDENCE_THRESHOLD", c.Predictor.ConfidenceThreshold)
	c.Predictor.CacheTTL = getEnvDuration("HONEYCLASS_CACHE_TTL", c.Predictor.CacheTTL)
	c.Predictor.CacheSize = getEnvInt("HONEYCLASS_CACHE_SIZE", c.Predictor.CacheSize)

	c.Training.TestSize = getEnvFloat("HONEYCLASS_TEST_SIZE", c.Training.TestSize)
	c.Training.RandomState = getEnvInt64("HONEYCLASS_RANDOM_STATE", c.Training.RandomState)
	c.Training.Contamination = getEnvFloat("HONEYCLASS_CONTAMINATION", c.Training.Contamination)

	c.PostgresDSN = getEnvOrDefault("HONEYCLASS_POSTGRES_DSN", c.PostgresDSN)
	c.NATS.URL = getEnvOrDefault("HONEYCLASS_NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnvOrDefault("HONEYCLASS_NATS_SUBJECT", c.NATS.Subject)
	c.Redis.Addr = getEnvOrDefault("HONEYCLASS_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Channel = getEnvOrDefault("HONEYCLASS_REDIS_CHANNEL", c.Redis.Channel)
	c.Privacy.HashKey = getEnvOrDefault("HONEYCLASS_PRIVACY_HASH_KEY", c.Privacy.HashKey)
}

// Validate checks ranges that would otherwise surface as confusing
// training or serving failures.
func (c *Config) Validate() error {
	var errs []error
	if c.ModelDir == "" {
		errs = append(errs, errors.New("model_dir must be set"))
	}
	if c.Predictor.ConfidenceThreshold < 0 || c.Predictor.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold %v outside [0,1]", c.Predictor.ConfidenceThreshold))
	}
	if c.Predictor.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("cache_ttl %v is negative", c.Predictor.CacheTTL))
	}
	if c.Predictor.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("cache_size %d must be positive", c.Predictor.CacheSize))
	}
	if c.Training.TestSize <= 0 || c.Training.TestSize >= 1 {
		errs = append(errs, fmt.Errorf("test_size %v outside (0,1)", c.Training.TestSize))
	}
	if c.Training.Contamination <= 0 || c.Training.Contamination > 0.5 {
		errs = append(errs, fmt.Errorf("contamination %v outside (0,0.5]", c.Training.Contamination))
	}
	return errors.Join(errs...)
}

// EnsureDirectories creates the model directory if it does not exist.
func (c *Config) EnsureDirectories() error {
	return os.MkdirAll(c.ModelDir, 0755)
}
