package config

import (
	"fmt"
	"time"
)

const (
	maxWorkers = 16
	minTick    = 100 * time.Millisecond
	maxTick    = 10 * time.Second
)

// Validate rejects unusable settings and returns advisory warnings for
// combinations that work but are likely mistakes.
func (c *Config) Validate() ([]string, error) {
	checks := []func() error{
		c.validateWorkers,
		c.validateRetry,
		c.validateResource,
		c.validateProgress,
		c.validateCheckpoint,
		c.validateSimulate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return nil, err
		}
	}
	return c.warnings(), nil
}

func (c *Config) validateWorkers() error {
	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("%w: worker: %v", ErrInvalidConfig, err)
	}
	if c.Worker.Max > maxWorkers {
		return fmt.Errorf("%w: worker.max %d exceeds %d", ErrInvalidConfig, c.Worker.Max, maxWorkers)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validateResource() error {
	limits := c.Resource
	// the pool range comes from the worker section at run time
	limits.Floor, limits.Ceiling = c.Worker.Min, c.Worker.Max
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("%w: resource: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) validateProgress() error {
	if c.Progress.Tick < minTick || c.Progress.Tick > maxTick {
		return fmt.Errorf("%w: progress.tick %s outside [%s, %s]", ErrInvalidConfig, c.Progress.Tick, minTick, maxTick)
	}
	if c.Progress.StatusInterval < 0 {
		return fmt.Errorf("%w: progress.status_interval must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validateCheckpoint() error {
	if !c.Checkpoint.Enabled {
		return nil
	}
	switch {
	case c.Checkpoint.MaxStateFiles < 1:
		return fmt.Errorf("%w: checkpoint.max_state_files must be at least 1", ErrInvalidConfig)
	case c.Checkpoint.Interval <= 0:
		return fmt.Errorf("%w: checkpoint.interval must be positive", ErrInvalidConfig)
	case c.Checkpoint.CriticalCooldown < 0:
		return fmt.Errorf("%w: checkpoint.critical_cooldown must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validateSimulate() error {
	if err := c.SimulateConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) warnings() []string {
	var out []string
	if c.Worker.Max > 8 && c.Resource.MemoryHighPct > 85 {
		out = append(out, fmt.Sprintf("worker.max %d with memory_high_pct %.0f may exhaust memory before the pool shrinks",
			c.Worker.Max, c.Resource.MemoryHighPct))
	}
	if c.Retry.MaxAttempts > 5 {
		out = append(out, fmt.Sprintf("retry.max_attempts %d makes failing items hold workers for a long time", c.Retry.MaxAttempts))
	}
	if !c.Checkpoint.Enabled {
		out = append(out, "checkpoints are disabled; cancelled batches cannot be resumed")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		out = append(out, "metrics.enabled is set but metrics.addr is empty; metrics will not be served")
	}
	return out
}
