package dispatch

import "time"

// Config holds the timing and retry policy for the dispatch engine.
type Config struct {
	// HeartbeatTimeout is how long a worker may go without a heartbeat
	// before it stops being eligible for new work.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often the heartbeat monitor demotes lapsed
	// workers to offline.
	SweepInterval time.Duration

	// LeaseTimeout is how long a claimed job may run without a terminal
	// report before the reaper considers its lease expired. It is
	// deliberately longer than HeartbeatTimeout: an evaluation may
	// legitimately run for several heartbeat windows.
	LeaseTimeout time.Duration

	// ReapInterval is how often the lease reaper scans for expired leases.
	ReapInterval time.Duration

	// MaxRetries is the default retry ceiling for reaper-driven requeues.
	// A job reclaimed more than MaxRetries times is failed terminally
	// instead of requeued, to avoid infinite loops on a permanently
	// broken test case.
	MaxRetries int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// of the background sweeps.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 45 * time.Second,
		SweepInterval:    15 * time.Second,
		LeaseTimeout:     5 * time.Minute,
		ReapInterval:     30 * time.Second,
		MaxRetries:       3,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Normalize fills zero fields with their defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = def.LeaseTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = def.ReapInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}
