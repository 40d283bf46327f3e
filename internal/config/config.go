// Package config holds all configuration types and loading logic for PairSync.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a PairSync engine instance.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Remote  RemoteConfig  `yaml:"remote"`
	Queue   QueueConfig   `yaml:"queue"`
	Monitor MonitorConfig `yaml:"monitor"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DeviceConfig holds identity and local-storage settings for this device.
type DeviceConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// RemoteConfig controls how the engine talks to the managed backend.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// TimeoutMs is the per-request HTTP timeout.
	TimeoutMs int `yaml:"timeout_ms"`
	// MaxRate is outbound requests per second; Burst allows temporary spikes.
	MaxRate int `yaml:"max_rate"`
	Burst   int `yaml:"burst"`
}

// QueueConfig sets defaults and limits for the offline operation queue.
type QueueConfig struct {
	// MaxOperations is the maximum number of queued operations before
	// low-priority eviction kicks in. Enqueue is rejected once eviction
	// cannot free space.
	MaxOperations int `yaml:"max_operations"`

	// MaxRetries is how many processing attempts are allowed before an
	// operation is dead-lettered. Applies when the caller passes 0.
	MaxRetries int `yaml:"max_retries"`

	// BatchSize is the maximum number of operations processed per drain pass.
	BatchSize int `yaml:"batch_size"`

	// RetentionPeriod is how long a low-priority operation may sit in the
	// queue before it becomes eligible for capacity eviction, and how long a
	// dead-letter entry is kept before the janitor sweeps it.
	RetentionPeriod string `yaml:"retention_period"`

	// JanitorInterval is how often the stale-entry sweep runs. Empty
	// disables the janitor.
	JanitorInterval string `yaml:"janitor_interval"`
}

// MonitorConfig tunes the connection monitor and its circuit breaker.
type MonitorConfig struct {
	// BreakerThreshold is the number of consecutive failures that opens the
	// circuit.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerTimeoutMs is how long the circuit stays open before the next
	// call is allowed through again.
	BreakerTimeoutMs int `yaml:"breaker_timeout_ms"`

	// HealthCheckIntervalMs is how often the background connectivity probe
	// runs while connected.
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms"`

	// SlowThresholdMs is the probe round-trip latency above which a "slow"
	// event fires.
	SlowThresholdMs int `yaml:"slow_threshold_ms"`

	// Retry defaults applied when ExecuteWithRetry is called with a zero
	// RetryPolicy.
	RetryMaxAttempts      int     `yaml:"retry_max_attempts"`
	RetryInitialDelayMs   int     `yaml:"retry_initial_delay_ms"`
	RetryBackoffMultiplier float64 `yaml:"retry_backoff_multiplier"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Console switches from JSON to human-readable console output.
	Console bool `yaml:"console"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Remote: RemoteConfig{
			BaseURL:   "http://localhost:8080",
			TimeoutMs: 30_000,
			MaxRate:   50,
			Burst:     100,
		},
		Queue: QueueConfig{
			MaxOperations:   1000,
			MaxRetries:      3,
			BatchSize:       10,
			RetentionPeriod: "24h",
			JanitorInterval: "1h",
		},
		Monitor: MonitorConfig{
			BreakerThreshold:       5,
			BreakerTimeoutMs:       30_000,
			HealthCheckIntervalMs:  30_000,
			SlowThresholdMs:        5_000,
			RetryMaxAttempts:       3,
			RetryInitialDelayMs:    1_000,
			RetryBackoffMultiplier: 2.0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: false,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to embed PairSync with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	PAIRSYNC_API_KEY    — sets remote.api_key
//	PAIRSYNC_REMOTE_URL — sets remote.base_url
//	PAIRSYNC_DATA_DIR   — sets device.data_dir
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PAIRSYNC_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("PAIRSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("PAIRSYNC_DATA_DIR"); v != "" {
		cfg.Device.DataDir = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Device.DataDir == "" {
		return errors.New("device.data_dir must not be empty")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url must not be empty")
	}
	if c.Queue.MaxOperations < 1 {
		return errors.New("queue.max_operations must be at least 1")
	}
	if c.Queue.BatchSize < 1 {
		return errors.New("queue.batch_size must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must be >= 0")
	}
	if _, err := time.ParseDuration(c.Queue.RetentionPeriod); err != nil {
		return fmt.Errorf("queue.retention_period: %w", err)
	}
	if c.Queue.JanitorInterval != "" {
		if _, err := time.ParseDuration(c.Queue.JanitorInterval); err != nil {
			return fmt.Errorf("queue.janitor_interval: %w", err)
		}
	}
	if c.Monitor.BreakerThreshold < 1 {
		return errors.New("monitor.breaker_threshold must be at least 1")
	}
	if c.Monitor.BreakerTimeoutMs < 1 {
		return errors.New("monitor.breaker_timeout_ms must be at least 1")
	}
	if c.Monitor.RetryBackoffMultiplier < 1 {
		return errors.New("monitor.retry_backoff_multiplier must be >= 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return errors.New(`logging.level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}

// RetentionDuration returns the parsed retention period.
// Call Validate first; an unparseable value falls back to 24h.
func (c *Config) RetentionDuration() time.Duration {
	d, err := time.ParseDuration(c.Queue.RetentionPeriod)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}
