package api

import "time"

// Config controls request limits of the HTTP API.
type Config struct {
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64

	// AppendPerSecond and AppendBurst shape the per-participant append token bucket.
	// A non-positive rate disables the limit.
	AppendPerSecond float64
	AppendBurst     int

	// LimiterIdle is how long an unused per-participant bucket is retained.
	LimiterIdle time.Duration
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:    1 << 20, // 1 MiB
		AppendPerSecond: 5,
		AppendBurst:     20,
		LimiterIdle:     10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.AppendBurst <= 0 {
		c.AppendBurst = d.AppendBurst
	}
	if c.LimiterIdle <= 0 {
		c.LimiterIdle = d.LimiterIdle
	}
	return c
}
