// ============================================================================
// Package: config
// File: config.go
// Purpose: Load docflow settings from YAML/TOML files, .env and environment
// ============================================================================
//
// Precedence, lowest first:
//   1. Default()
//   2. the config file (.yaml/.yml or .toml, picked by extension)
//   3. a .env file next to the working directory (never overrides real env)
//   4. DOCFLOW_* environment variables
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/orchestrator"
	"github.com/ChuLiYu/docflow/internal/queue"
	"github.com/ChuLiYu/docflow/internal/resource"
	"github.com/ChuLiYu/docflow/internal/simulate"
	"github.com/ChuLiYu/docflow/internal/storage/journal"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ErrInvalidConfig wraps every validation and parse failure
var ErrInvalidConfig = errors.New("invalid config")

// ProgressConfig controls progress reporting
type ProgressConfig struct {
	Tick           time.Duration `yaml:"tick"`
	StatusInterval time.Duration `yaml:"status_interval"`
	EventBuffer    int           `yaml:"event_buffer"`
}

// CheckpointConfig controls resumable state
type CheckpointConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Dir              string        `yaml:"dir"`
	Interval         time.Duration `yaml:"interval"`
	MaxStateFiles    int           `yaml:"max_state_files"`
	CriticalCooldown time.Duration `yaml:"critical_cooldown"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ServerConfig controls the gRPC control plane
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LedgerConfig controls the run history database
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StatusConfig controls Redis progress publishing; empty RedisURL disables it
type StatusConfig struct {
	RedisURL string        `yaml:"redis_url"`
	Channel  string        `yaml:"channel"`
	TTL      time.Duration `yaml:"ttl"`
}

// JournalConfig controls the diagnostic journal
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// SimulateConfig tunes the simulated stage collaborators
type SimulateConfig struct {
	Delay         time.Duration `yaml:"delay"`
	Jitter        float64       `yaml:"jitter"`
	TemporaryRate float64       `yaml:"temporary_rate"`
	PermanentRate float64       `yaml:"permanent_rate"`
	CriticalRate  float64       `yaml:"critical_rate"`
	Seed          uint64        `yaml:"seed"`
	Proofread     bool          `yaml:"proofread"`
	Schema        []string      `yaml:"schema"`
	StageTimeout  time.Duration `yaml:"stage_timeout"`
}

// Config is the complete docflow configuration
type Config struct {
	DataDir    string            `yaml:"data_dir"`
	Worker     queue.Concurrency `yaml:"worker"`
	Retry      types.RetryPolicy `yaml:"retry"`
	Resource   resource.Limits   `yaml:"resource"`
	Progress   ProgressConfig    `yaml:"progress"`
	Checkpoint CheckpointConfig  `yaml:"checkpoint"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Server     ServerConfig      `yaml:"server"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Status     StatusConfig      `yaml:"status"`
	Journal    JournalConfig     `yaml:"journal"`
	Simulate   SimulateConfig    `yaml:"simulate"`
	Log        logging.Options   `yaml:"log"`
}

// Default returns the built-in configuration
func Default() Config {
	sim := simulate.DefaultConfig()
	jo := journal.DefaultOptions()
	return Config{
		DataDir:  ".docflow",
		Worker:   queue.Concurrency{Min: 1, Max: 8, Initial: 3},
		Retry:    types.DefaultRetryPolicy(),
		Resource: resource.DefaultLimits(),
		Progress: ProgressConfig{
			Tick:           500 * time.Millisecond,
			StatusInterval: time.Second,
			EventBuffer:    256,
		},
		Checkpoint: CheckpointConfig{
			Enabled:       true,
			Interval:      30 * time.Second,
			MaxStateFiles: 10,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Server:  ServerConfig{Enabled: true, Addr: "127.0.0.1:50061"},
		Ledger:  LedgerConfig{Enabled: true},
		Status:  StatusConfig{TTL: 24 * time.Hour},
		Journal: JournalConfig{Enabled: true, BufferSize: jo.BufferSize, FlushInterval: jo.FlushInterval},
		Simulate: SimulateConfig{
			Delay:         sim.Delay,
			Jitter:        sim.Jitter,
			TemporaryRate: sim.TemporaryRate,
			PermanentRate: sim.PermanentRate,
			CriticalRate:  sim.CriticalRate,
			Seed:          sim.Seed,
			Proofread:     sim.Proofread,
			Schema:        sim.Schema,
			StageTimeout:  sim.StageTimeout,
		},
		Log: logging.DefaultOptions(),
	}
}

// Load builds the configuration from path (optional), .env and the
// environment, then validates it. Warnings are advisory.
func Load(path string) (*Config, []string, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, nil, fmt.Errorf("config file %s does not exist", path)
		case err != nil:
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, nil, err
	}

	cfg.normalize()
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, nil, err
	}
	return &cfg, warnings, nil
}

// decode parses data into cfg according to the file extension. TOML is
// decoded generically and then read through the YAML decoder, so both
// formats share one set of keys and accept "1s"-style durations.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAML(data, cfg)
	case ".toml":
		var tree map[string]any
		if err := toml.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("%w: parse toml: %v", ErrInvalidConfig, err)
		}
		normalised, err := yaml.Marshal(tree)
		if err != nil {
			return fmt.Errorf("%w: convert toml: %v", ErrInvalidConfig, err)
		}
		return decodeYAML(normalised, cfg)
	}
	return fmt.Errorf("%w: unsupported config format %q (want .yaml, .yml or .toml)", ErrInvalidConfig, filepath.Ext(path))
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}
	return nil
}

// normalize fills derived paths from DataDir
func (c *Config) normalize() {
	if c.DataDir == "" {
		c.DataDir = ".docflow"
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = filepath.Join(c.DataDir, "state")
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "history.db")
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	if c.Worker.Initial == 0 {
		c.Worker.Initial = c.Worker.Min
	}
}

// ============================================================================
// Derived settings
// ============================================================================

// Orchestrator returns the session tunables
func (c *Config) Orchestrator() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.ProgressTick = c.Progress.Tick
	oc.Limits = c.Resource
	oc.CheckpointInterval = c.Checkpoint.Interval
	oc.CriticalCooldown = c.Checkpoint.CriticalCooldown
	oc.StatusInterval = c.Progress.StatusInterval
	if c.Progress.EventBuffer > 0 {
		oc.EventBuffer = c.Progress.EventBuffer
	}
	return oc
}

// JournalOptions returns the journal buffering
func (c *Config) JournalOptions() journal.Options {
	return journal.Options{BufferSize: c.Journal.BufferSize, FlushInterval: c.Journal.FlushInterval}
}

// JournalPath returns the journal file of a batch
func (c *Config) JournalPath(batchID string) string {
	return filepath.Join(c.Journal.Dir, batchID+".journal")
}

// SimulateConfig returns the simulator settings
func (c *Config) SimulateConfig() simulate.Config {
	s := c.Simulate
	return simulate.Config{
		Delay:         s.Delay,
		Jitter:        s.Jitter,
		TemporaryRate: s.TemporaryRate,
		PermanentRate: s.PermanentRate,
		CriticalRate:  s.CriticalRate,
		Seed:          s.Seed,
		Proofread:     s.Proofread,
		Schema:        s.Schema,
		StageTimeout:  s.StageTimeout,
	}
}
