package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DOCFLOW_"

type lookupFunc func(key string) (string, bool)

type envBinding struct {
	key string
	set func(c *Config, v string) error
}

func bindString(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func bindInt(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func bindFloat(dst func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func bindBool(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func bindDuration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"DATA_DIR", bindString(func(c *Config) *string { return &c.DataDir })},
	{"WORKERS_MIN", bindInt(func(c *Config) *int { return &c.Worker.Min })},
	{"WORKERS_MAX", bindInt(func(c *Config) *int { return &c.Worker.Max })},
	{"WORKERS_INITIAL", bindInt(func(c *Config) *int { return &c.Worker.Initial })},
	{"RETRY_MAX_ATTEMPTS", bindInt(func(c *Config) *int { return &c.Retry.MaxAttempts })},
	{"RETRY_BASE_DELAY", bindDuration(func(c *Config) *time.Duration { return &c.Retry.BaseDelay })},
	{"RETRY_MAX_DELAY", bindDuration(func(c *Config) *time.Duration { return &c.Retry.MaxDelay })},
	{"RETRY_BACKOFF_FACTOR", bindFloat(func(c *Config) *float64 { return &c.Retry.BackoffFactor })},
	{"RETRY_JITTER", bindBool(func(c *Config) *bool { return &c.Retry.Jitter })},
	{"MEMORY_HIGH_PCT", bindFloat(func(c *Config) *float64 { return &c.Resource.MemoryHighPct })},
	{"CPU_HIGH_PCT", bindFloat(func(c *Config) *float64 { return &c.Resource.CPUHighPct })},
	{"PROGRESS_TICK", bindDuration(func(c *Config) *time.Duration { return &c.Progress.Tick })},
	{"CHECKPOINT_ENABLED", bindBool(func(c *Config) *bool { return &c.Checkpoint.Enabled })},
	{"CHECKPOINT_DIR", bindString(func(c *Config) *string { return &c.Checkpoint.Dir })},
	{"CHECKPOINT_INTERVAL", bindDuration(func(c *Config) *time.Duration { return &c.Checkpoint.Interval })},
	{"CRITICAL_COOLDOWN", bindDuration(func(c *Config) *time.Duration { return &c.Checkpoint.CriticalCooldown })},
	{"METRICS_ENABLED", bindBool(func(c *Config) *bool { return &c.Metrics.Enabled })},
	{"METRICS_ADDR", bindString(func(c *Config) *string { return &c.Metrics.Addr })},
	{"SERVER_ENABLED", bindBool(func(c *Config) *bool { return &c.Server.Enabled })},
	{"SERVER_ADDR", bindString(func(c *Config) *string { return &c.Server.Addr })},
	{"LEDGER_ENABLED", bindBool(func(c *Config) *bool { return &c.Ledger.Enabled })},
	{"LEDGER_PATH", bindString(func(c *Config) *string { return &c.Ledger.Path })},
	{"REDIS_URL", bindString(func(c *Config) *string { return &c.Status.RedisURL })},
	{"JOURNAL_ENABLED", bindBool(func(c *Config) *bool { return &c.Journal.Enabled })},
	{"SIMULATE_DELAY", bindDuration(func(c *Config) *time.Duration { return &c.Simulate.Delay })},
	{"SIMULATE_TEMPORARY_RATE", bindFloat(func(c *Config) *float64 { return &c.Simulate.TemporaryRate })},
	{"SIMULATE_PERMANENT_RATE", bindFloat(func(c *Config) *float64 { return &c.Simulate.PermanentRate })},
	{"SIMULATE_CRITICAL_RATE", bindFloat(func(c *Config) *float64 { return &c.Simulate.CriticalRate })},
	{"LOG_LEVEL", bindString(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_PRETTY", bindString(func(c *Config) *string { return &c.Log.Pretty })},
	{"LOG_FILE", bindString(func(c *Config) *string { return &c.Log.File })},
}

// applyEnv overrides fields from DOCFLOW_* variables
func (c *Config) applyEnv(lookup lookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, b.key, v, err)
		}
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}
