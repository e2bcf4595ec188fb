package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete foreman configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StoreConfig controls the persistence layer.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" runs fully in-memory.
	Path string `mapstructure:"path"`
}

// RegistryConfig controls worker liveness tracking.
type RegistryConfig struct {
	// HeartbeatIntervalMs is the expected worker heartbeat cadence in
	// milliseconds. The liveness window is always twice this value.
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
}

// QueueConfig controls the work queue.
type QueueConfig struct {
	// AckWindowMs is how long a dispatched assignment may stay
	// unacknowledged before re-delivery, in milliseconds.
	AckWindowMs int `mapstructure:"ack_window_ms"`
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	// DispatchIntervalMs is the dispatch tick cadence in milliseconds.
	DispatchIntervalMs int `mapstructure:"dispatch_interval_ms"`
	// MaxAttempts bounds automatic retries of a failed subtask.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// LeaseConfig controls the lock manager.
type LeaseConfig struct {
	// SweepIntervalMs is how often expired leases are reaped, in
	// milliseconds. Expiry is also checked lazily on every acquire.
	SweepIntervalMs int `mapstructure:"sweep_interval_ms"`
}

// EventsConfig controls the broadcaster.
type EventsConfig struct {
	// BufferSize is the per-subscriber buffer; the oldest event is
	// dropped when a subscriber falls this far behind.
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Dir is where log files are written. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "foreman.db",
		},
		Registry: RegistryConfig{
			HeartbeatIntervalMs: 5000,
		},
		Queue: QueueConfig{
			AckWindowMs: 15000,
		},
		Scheduler: SchedulerConfig{
			DispatchIntervalMs: 500,
			MaxAttempts:        3,
		},
		Lease: LeaseConfig{
			SweepIntervalMs: 1000,
		},
		Events: EventsConfig{
			BufferSize: 64,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "",
		},
	}
}

// HeartbeatInterval returns the heartbeat cadence as a time.Duration.
func (c *RegistryConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// AckWindow returns the acknowledgement window as a time.Duration.
func (c *QueueConfig) AckWindow() time.Duration {
	return time.Duration(c.AckWindowMs) * time.Millisecond
}

// DispatchInterval returns the dispatch cadence as a time.Duration.
func (c *SchedulerConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalMs) * time.Millisecond
}

// SweepInterval returns the lease sweep cadence as a time.Duration.
func (c *LeaseConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("store.path", defaults.Store.Path)
	viper.SetDefault("registry.heartbeat_interval_ms", defaults.Registry.HeartbeatIntervalMs)
	viper.SetDefault("queue.ack_window_ms", defaults.Queue.AckWindowMs)
	viper.SetDefault("scheduler.dispatch_interval_ms", defaults.Scheduler.DispatchIntervalMs)
	viper.SetDefault("scheduler.max_attempts", defaults.Scheduler.MaxAttempts)
	viper.SetDefault("lease.sweep_interval_ms", defaults.Lease.SweepIntervalMs)
	viper.SetDefault("events.buffer_size", defaults.Events.BufferSize)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// ReadFile points viper at the given config file and reads it.
func ReadFile(path string) error {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load unmarshals and validates the current viper state.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when
// loading fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".config", "foreman")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
