package hub

import "time"

// hubConfig holds optional configuration for a Hub.
type hubConfig struct {
	clock func() time.Time
}

// Option configures a Hub.
type Option func(*hubConfig)

// WithClock overrides the time source of every time-sensitive component
// the hub builds. For tests.
func WithClock(now func() time.Time) Option {
	return func(c *hubConfig) { c.clock = now }
}
