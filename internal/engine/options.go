package engine

import (
	"log/slog"
	"time"
)

// Engine defaults.
const (
	DefaultWorkers         = 4
	DefaultJoinTimeout     = 30 * time.Second
	DefaultCheckpointEvery = 100
	DefaultTickInterval    = 100 * time.Millisecond
)

// Config holds the engine settings a pipeline can tune.
type Config struct {
	// Workers is the number of goroutines executing tokens.
	Workers int

	// JoinTimeout bounds how long a coalescing join waits for its
	// branches.
	JoinTimeout time.Duration

	// CheckpointEvery writes a checkpoint after this many executed work
	// items. Negative disables checkpointing.
	CheckpointEvery int

	// TickInterval is how often join and batch timeouts are checked.
	TickInterval time.Duration
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Workers:         DefaultWorkers,
		JoinTimeout:     DefaultJoinTimeout,
		CheckpointEvery: DefaultCheckpointEvery,
		TickInterval:    DefaultTickInterval,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = d.CheckpointEvery
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	return c
}

// WallClock is the time source for join and batch timeouts. Ordering never
// uses it; the ledger's logical clock does.
type WallClock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine settings. Zero fields take defaults.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithWallClock sets the time source for timeouts.
func WithWallClock(c WallClock) Option {
	return func(e *Engine) { e.wall = c }
}

// WithMetrics sets the collectors the engine reports to.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}
