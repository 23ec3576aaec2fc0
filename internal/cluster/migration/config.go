// Package migration runs the shard-copy protocol between a source and a
// destination node. A Session groups the copy tasks of one node pair for one
// table transition; each task is an actor driven by a pure state machine.
package migration

import (
	"time"
)

// Config configures migration on one node.
type Config struct {
	// Enabled turns shard copying on. When false, open-session requests are
	// acknowledged as complete without copying (default: true)
	Enabled bool
	// ShardsPerTask is the number of shards one copy task covers (default: 4)
	ShardsPerTask int
	// MaxConcurrentTasks caps running tasks per session (default: 4)
	MaxConcurrentTasks int
	// MaxDeltaRounds bounds how often a task re-sends shards written while
	// they were copied before it gives up (default: 3)
	MaxDeltaRounds int
	// RequestTimeout bounds every tracked request (default: 5s)
	RequestTimeout time.Duration
	// SessionTimeout bounds a whole session on the source (default: 5m)
	SessionTimeout time.Duration
	// Workers is the size of the shared actor pool (default: 16)
	Workers int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		ShardsPerTask:      4,
		MaxConcurrentTasks: 4,
		MaxDeltaRounds:     3,
		RequestTimeout:     5 * time.Second,
		SessionTimeout:     5 * time.Minute,
		Workers:            16,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.ShardsPerTask < 1 {
		out.ShardsPerTask = d.ShardsPerTask
	}
	if out.MaxConcurrentTasks < 1 {
		out.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if out.MaxDeltaRounds < 0 {
		out.MaxDeltaRounds = 0
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = d.RequestTimeout
	}
	if out.SessionTimeout <= 0 {
		out.SessionTimeout = d.SessionTimeout
	}
	if out.Workers < 1 {
		out.Workers = d.Workers
	}
	return &out
}
