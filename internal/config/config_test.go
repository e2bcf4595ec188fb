package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/mkoster/foreman/internal/logging"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()
}

func TestDefaultsAreValid(t *testing.T) {
	if errs := Default().Validate(); len(errs) > 0 {
		t.Errorf("default config invalid: %v", ValidationErrors(errs))
	}
}

func TestLoadUsesDefaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.HeartbeatIntervalMs != 5000 {
		t.Errorf("heartbeat = %d, want 5000", cfg.Registry.HeartbeatIntervalMs)
	}
	if cfg.Registry.HeartbeatInterval() != 5*time.Second {
		t.Errorf("heartbeat duration = %v, want 5s", cfg.Registry.HeartbeatInterval())
	}
	if cfg.Queue.AckWindow() != 15*time.Second {
		t.Errorf("ack window = %v, want 15s", cfg.Queue.AckWindow())
	}
}

func TestReadFileOverridesDefaults(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "registry:\n  heartbeat_interval_ms: 2000\nlogging:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ReadFile(path); err != nil {
		t.Fatalf("read: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.HeartbeatIntervalMs != 2000 {
		t.Errorf("heartbeat = %d, want 2000", cfg.Registry.HeartbeatIntervalMs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Scheduler.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Scheduler.MaxAttempts)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"zero heartbeat", func(c *Config) { c.Registry.HeartbeatIntervalMs = 0 }, "registry.heartbeat_interval_ms"},
		{"negative ack window", func(c *Config) { c.Queue.AckWindowMs = -1 }, "queue.ack_window_ms"},
		{"zero dispatch interval", func(c *Config) { c.Scheduler.DispatchIntervalMs = 0 }, "scheduler.dispatch_interval_ms"},
		{"zero max attempts", func(c *Config) { c.Scheduler.MaxAttempts = 0 }, "scheduler.max_attempts"},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }, "events.buffer_size"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("errors = %v, want exactly 1", errs)
			}
			if errs[0].Field != tt.field {
				t.Errorf("field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	resetViper(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "logging:\n  level: shouty\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ReadFile(path); err != nil {
		t.Fatalf("read: %v", err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestWatcherDeliversReload(t *testing.T) {
	resetViper(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("registry:\n  heartbeat_interval_ms: 3000\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ReadFile(path); err != nil {
		t.Fatalf("read: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, logging.NopLogger(), func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(path, []byte("registry:\n  heartbeat_interval_ms: 7000\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Registry.HeartbeatIntervalMs != 7000 {
			t.Errorf("heartbeat = %d, want 7000", cfg.Registry.HeartbeatIntervalMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload delivered")
	}
}
