package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "queue.ack_window_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all
// validation errors found.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.Store.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "store.path",
			Value:   c.Store.Path,
			Message: "must not be empty",
		})
	}

	if c.Registry.HeartbeatIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "registry.heartbeat_interval_ms",
			Value:   c.Registry.HeartbeatIntervalMs,
			Message: "must be positive",
		})
	}

	if c.Queue.AckWindowMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.ack_window_ms",
			Value:   c.Queue.AckWindowMs,
			Message: "must be positive",
		})
	}

	if c.Scheduler.DispatchIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.dispatch_interval_ms",
			Value:   c.Scheduler.DispatchIntervalMs,
			Message: "must be positive",
		})
	}
	if c.Scheduler.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_attempts",
			Value:   c.Scheduler.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	if c.Lease.SweepIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lease.sweep_interval_ms",
			Value:   c.Lease.SweepIntervalMs,
			Message: "must be positive",
		})
	}

	if c.Events.BufferSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "events.buffer_size",
			Value:   c.Events.BufferSize,
			Message: "must be at least 1",
		})
	}

	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
