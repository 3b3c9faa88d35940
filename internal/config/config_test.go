package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.normalize()
	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 80.0, cfg.Resource.MemoryHighPct)
	assert.Equal(t, 10, cfg.Checkpoint.MaxStateFiles)
	assert.Equal(t, filepath.Join(".docflow", "state"), cfg.Checkpoint.Dir)
}

func TestLoadYAML(t *testing.T) {
	p := write(t, "docflow.yaml", `
data_dir: /var/lib/docflow
worker:
  min: 2
  max: 6
  initial: 4
retry:
  max_attempts: 5
  base_delay: 250ms
  backoff_factor: 1.5
  max_delay: 10s
progress:
  tick: 1s
checkpoint:
  enabled: true
  interval: 1m
  max_state_files: 3
  critical_cooldown: 2m
log:
  level: debug
`)
	cfg, warnings, err := Load(p)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, 4, cfg.Worker.Initial)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 1.5, cfg.Retry.BackoffFactor)
	assert.Equal(t, time.Minute, cfg.Checkpoint.Interval)
	assert.Equal(t, "/var/lib/docflow/state", cfg.Checkpoint.Dir)
	assert.Equal(t, "/var/lib/docflow/history.db", cfg.Ledger.Path)
	assert.Equal(t, "debug", cfg.Log.Level)

	oc := cfg.Orchestrator()
	assert.Equal(t, 2*time.Minute, oc.CriticalCooldown)
	assert.Equal(t, time.Second, oc.ProgressTick)
}

func TestLoadTOML(t *testing.T) {
	p := write(t, "docflow.toml", `
[worker]
min = 1
max = 4
initial = 2

[retry]
max_attempts = 2
base_delay = "500ms"
backoff_factor = 2.0
max_delay = "5s"

[status]
redis_url = "redis://localhost:6379/0"
ttl = "1h"
`)
	cfg, _, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Worker.Max)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Status.TTL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Status.RedisURL)
}

func TestLoadRejectsUnknownKeysAndFormats(t *testing.T) {
	_, _, err := Load(write(t, "bad.yaml", "worker:\n  count: 3\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, _, err = Load(write(t, "docflow.json", "{}"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, _, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	p := write(t, "docflow.yaml", "retry:\n  max_attempts: 2\n")
	t.Setenv("DOCFLOW_RETRY_MAX_ATTEMPTS", "4")
	t.Setenv("DOCFLOW_REDIS_URL", "redis://cache:6379")
	t.Setenv("DOCFLOW_CHECKPOINT_ENABLED", "no")

	cfg, warnings, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, "redis://cache:6379", cfg.Status.RedisURL)
	assert.False(t, cfg.Checkpoint.Enabled)
	assert.Contains(t, warnings, "checkpoints are disabled; cancelled batches cannot be resumed")
}

func TestEnvRejectsMalformedValues(t *testing.T) {
	cfg := Default()
	env := map[string]string{"DOCFLOW_PROGRESS_TICK": "soon"}
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "DOCFLOW_PROGRESS_TICK")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"max attempts":   func(c *Config) { c.Retry.MaxAttempts = 0 },
		"backoff factor": func(c *Config) { c.Retry.BackoffFactor = 0.5 },
		"base delay":     func(c *Config) { c.Retry.BaseDelay = -time.Second },
		"watermark":      func(c *Config) { c.Resource.MemoryHighPct = 120 },
		"low above high": func(c *Config) { c.Resource.LowPct = 95 },
		"min above max":  func(c *Config) { c.Worker.Min, c.Worker.Max = 5, 2 },
		"too many":       func(c *Config) { c.Worker.Max = 32 },
		"tick too fast":  func(c *Config) { c.Progress.Tick = 10 * time.Millisecond },
		"tick too slow":  func(c *Config) { c.Progress.Tick = time.Minute },
		"state files":    func(c *Config) { c.Checkpoint.MaxStateFiles = 0 },
		"simulate rate":  func(c *Config) { c.Simulate.CriticalRate = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			cfg.normalize()
			_, err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := Default()
	cfg.Worker.Max = 12
	cfg.Resource.MemoryHighPct = 90
	cfg.Retry.MaxAttempts = 8
	cfg.normalize()

	warnings, err := cfg.Validate()
	require.NoError(t, err)
	assert.Len(t, warnings, 2)
}

func TestJournalPath(t *testing.T) {
	cfg := Default()
	cfg.normalize()
	assert.Equal(t, filepath.Join(".docflow", "journal", "b1.journal"), cfg.JournalPath("b1"))
}
