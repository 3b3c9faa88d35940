// ============================================================================
// docflow resource monitor
// ============================================================================
//
// Package: internal/resource
// File: monitor.go
// Purpose: sample system load and recommend worker-count changes
//
// Policy (evaluated on every sample by Observe):
//
//   memory or cpu > high watermark for 2 consecutive samples
//       → recommend -1 worker (never below Floor), streak resets
//   memory and cpu < low watermark for LowStreak consecutive samples
//   and the queue has backlog
//       → recommend +1 worker (never above Ceiling), streak resets
//   fewer than 2 samples in the window
//       → no recommendation
//
// Warnings are edge-triggered: one warning when a resource enters the
// warning or critical band, none while it stays there.
//
// Recommendations are advisory. The monitor never touches the pool itself.
//
// The sliding window keeps the last Window samples (default 60).
//
// ============================================================================

package resource

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ErrInvalidLimits is returned by Limits.Validate
var ErrInvalidLimits = errors.New("invalid resource limits")

// Limits configures the monitor thresholds
type Limits struct {
	MemoryHighPct float64       `yaml:"memory_high_pct" toml:"memory_high_pct"`
	CPUHighPct    float64       `yaml:"cpu_high_pct" toml:"cpu_high_pct"`
	LowPct        float64       `yaml:"low_pct" toml:"low_pct"`
	WarningPct    float64       `yaml:"warning_pct" toml:"warning_pct"`
	MinFreeDiskMB float64       `yaml:"min_free_disk_mb" toml:"min_free_disk_mb"`
	LowStreak     int           `yaml:"low_streak" toml:"low_streak"`
	Window        int           `yaml:"window" toml:"window"`
	Interval      time.Duration `yaml:"interval" toml:"interval"`
	Floor         int           `yaml:"floor" toml:"floor"`
	Ceiling       int           `yaml:"ceiling" toml:"ceiling"`
}

// DefaultLimits mirrors the production defaults
func DefaultLimits() Limits {
	return Limits{
		MemoryHighPct: 80,
		CPUHighPct:    90,
		LowPct:        50,
		WarningPct:    70,
		MinFreeDiskMB: 1000,
		LowStreak:     3,
		Window:        60,
		Interval:      5 * time.Second,
		Floor:         1,
		Ceiling:       8,
	}
}

// Validate checks watermark ordering and ranges
func (l Limits) Validate() error {
	inRange := func(v float64) bool { return v > 0 && v <= 100 }
	switch {
	case !inRange(l.MemoryHighPct), !inRange(l.CPUHighPct), !inRange(l.LowPct):
		return fmt.Errorf("%w: watermarks must be within (0,100]", ErrInvalidLimits)
	case l.LowPct >= l.MemoryHighPct || l.LowPct >= l.CPUHighPct:
		return fmt.Errorf("%w: low watermark must be below high watermarks", ErrInvalidLimits)
	case l.Floor < 1 || l.Ceiling < l.Floor:
		return fmt.Errorf("%w: need 1 <= floor <= ceiling", ErrInvalidLimits)
	case l.LowStreak < 1:
		return fmt.Errorf("%w: low_streak must be at least 1", ErrInvalidLimits)
	}
	return nil
}

// Recommendation is an advisory worker-count change
type Recommendation struct {
	Delta    int                    `json:"delta"`
	Target   int                    `json:"target"`
	Reason   string                 `json:"reason"`
	Snapshot types.ResourceSnapshot `json:"snapshot"`
}

// Level grades a resource reading
type Level int

// Levels
const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	}
	return "ok"
}

// Warning is a human-readable resource alert
type Warning struct {
	Resource string                 `json:"resource"`
	Level    Level                  `json:"level"`
	Message  string                 `json:"message"`
	Snapshot types.ResourceSnapshot `json:"snapshot"`
}

// Env exposes the queue facts the policy depends on
type Env interface {
	Workers() int
	Backlog() int
}

// EnvFuncs adapts two functions into an Env
type EnvFuncs struct {
	WorkersFn func() int
	BacklogFn func() int
}

// Workers implements Env
func (e EnvFuncs) Workers() int { return e.WorkersFn() }

// Backlog implements Env
func (e EnvFuncs) Backlog() int { return e.BacklogFn() }

// Hooks receive monitor output. Any may be nil.
type Hooks struct {
	OnSample    func(types.ResourceSnapshot)
	OnWarning   func(Warning)
	OnRecommend func(Recommendation)
}

// Monitor samples resources on an interval and applies the scaling policy.
// Observe is the single writer of the window; readers get copies.
type Monitor struct {
	sampler Sampler
	limits  Limits
	env     Env
	hooks   Hooks
	log     zerolog.Logger

	mu         sync.RWMutex
	window     []types.ResourceSnapshot
	highStreak int
	lowStreak  int
	levels     map[string]Level

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a monitor. Zero-valued limits fields take defaults.
func NewMonitor(s Sampler, limits Limits, env Env, hooks Hooks, log zerolog.Logger) *Monitor {
	def := DefaultLimits()
	if limits.Window <= 0 {
		limits.Window = def.Window
	}
	if limits.LowStreak <= 0 {
		limits.LowStreak = def.LowStreak
	}
	if limits.Floor <= 0 {
		limits.Floor = def.Floor
	}
	if limits.Ceiling < limits.Floor {
		limits.Ceiling = limits.Floor
	}
	if limits.Interval <= 0 {
		limits.Interval = def.Interval
	}
	return &Monitor{
		sampler: s,
		limits:  limits,
		env:     env,
		hooks:   hooks,
		log:     log,
		levels:  make(map[string]Level),
	}
}

// Start launches the sampling loop. interval 0 uses Limits.Interval.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.limits.Interval
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.sampleOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleOnce(ctx)
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("resource sample failed")
		return
	}
	m.Observe(types.ResourceSnapshot{
		MemoryPct:     s.MemoryPct,
		CPUPct:        s.CPUPct,
		FreeDiskMB:    s.FreeDiskMB,
		ActiveWorkers: m.env.Workers(),
		Timestamp:     time.Now(),
	})
}

// Observe records one snapshot and runs the policy. Exposed so callers and
// tests can feed samples without a live sampler.
func (m *Monitor) Observe(snap types.ResourceSnapshot) {
	var warnings []Warning
	var rec *Recommendation

	m.mu.Lock()
	m.window = append(m.window, snap)
	if over := len(m.window) - m.limits.Window; over > 0 {
		m.window = append([]types.ResourceSnapshot(nil), m.window[over:]...)
	}

	warnings = m.gradeLocked(snap)

	high := snap.MemoryPct > m.limits.MemoryHighPct || snap.CPUPct > m.limits.CPUHighPct
	low := snap.MemoryPct < m.limits.LowPct && snap.CPUPct < m.limits.LowPct
	if high {
		m.highStreak++
		m.lowStreak = 0
	} else if low {
		m.lowStreak++
		m.highStreak = 0
	} else {
		m.highStreak, m.lowStreak = 0, 0
	}

	if len(m.window) >= 2 {
		workers := snap.ActiveWorkers
		switch {
		case m.highStreak >= 2:
			m.highStreak = 0
			if workers > m.limits.Floor {
				rec = &Recommendation{Delta: -1, Target: workers - 1, Reason: "sustained resource pressure", Snapshot: snap}
			}
		case m.lowStreak >= m.limits.LowStreak:
			if m.env.Backlog() > 0 && workers < m.limits.Ceiling {
				m.lowStreak = 0
				rec = &Recommendation{Delta: +1, Target: workers + 1, Reason: "idle capacity with backlog", Snapshot: snap}
			}
		}
	}
	m.mu.Unlock()

	m.log.Debug().
		Float64("memory_pct", snap.MemoryPct).
		Float64("cpu_pct", snap.CPUPct).
		Float64("free_disk_mb", snap.FreeDiskMB).
		Int("workers", snap.ActiveWorkers).
		Msg("resource sample")

	if m.hooks.OnSample != nil {
		m.hooks.OnSample(snap)
	}
	for _, w := range warnings {
		m.log.Warn().Str("resource", w.Resource).Str("level", w.Level.String()).Msg(w.Message)
		if m.hooks.OnWarning != nil {
			m.hooks.OnWarning(w)
		}
	}
	if rec != nil {
		m.log.Info().Int("delta", rec.Delta).Int("target", rec.Target).Str("reason", rec.Reason).Msg("scaling recommendation")
		if m.hooks.OnRecommend != nil {
			m.hooks.OnRecommend(*rec)
		}
	}
}

// gradeLocked returns warnings for resources whose level rose. Caller holds mu.
func (m *Monitor) gradeLocked(snap types.ResourceSnapshot) []Warning {
	var out []Warning
	check := func(name string, value, limit float64, format string) {
		lvl := LevelOK
		switch {
		case value > limit:
			lvl = LevelCritical
		case value > m.limits.WarningPct:
			lvl = LevelWarning
		}
		prev := m.levels[name]
		m.levels[name] = lvl
		if lvl > prev {
			out = append(out, Warning{
				Resource: name,
				Level:    lvl,
				Message:  fmt.Sprintf(format, lvl, value, limit),
				Snapshot: snap,
			})
		}
	}
	check("memory", snap.MemoryPct, m.limits.MemoryHighPct, "memory usage %s: %.1f%% (limit %.0f%%)")
	check("cpu", snap.CPUPct, m.limits.CPUHighPct, "cpu usage %s: %.1f%% (limit %.0f%%)")

	if m.limits.MinFreeDiskMB > 0 && snap.FreeDiskMB > 0 {
		lvl := LevelOK
		if snap.FreeDiskMB < m.limits.MinFreeDiskMB {
			lvl = LevelCritical
		}
		prev := m.levels["disk"]
		m.levels["disk"] = lvl
		if lvl > prev {
			out = append(out, Warning{
				Resource: "disk",
				Level:    lvl,
				Message:  fmt.Sprintf("disk space critical: %.0fMB free (threshold %.0fMB)", snap.FreeDiskMB, m.limits.MinFreeDiskMB),
				Snapshot: snap,
			})
		}
	}
	return out
}

// ============================================================================
// Readers
// ============================================================================

// Latest returns the most recent snapshot
func (m *Monitor) Latest() (types.ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.window) == 0 {
		return types.ResourceSnapshot{}, false
	}
	return m.window[len(m.window)-1], true
}

// Window returns a copy of the retained samples, oldest first
func (m *Monitor) Window() []types.ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ResourceSnapshot, len(m.window))
	copy(out, m.window)
	return out
}

// Summary averages the last samples
type Summary struct {
	Samples       int     `json:"samples"`
	AvgMemoryPct  float64 `json:"avg_memory_pct"`
	AvgCPUPct     float64 `json:"avg_cpu_pct"`
	MinFreeDiskMB float64 `json:"min_free_disk_mb"`
	Status        string  `json:"status"`
}

// Summary averages over the last 10 samples
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.window)
	if n == 0 {
		return Summary{Status: "no_data"}
	}
	recent := m.window[max(0, n-10):]
	s := Summary{Samples: len(recent), MinFreeDiskMB: recent[0].FreeDiskMB}
	for _, r := range recent {
		s.AvgMemoryPct += r.MemoryPct
		s.AvgCPUPct += r.CPUPct
		s.MinFreeDiskMB = min(s.MinFreeDiskMB, r.FreeDiskMB)
	}
	s.AvgMemoryPct /= float64(len(recent))
	s.AvgCPUPct /= float64(len(recent))

	worst := LevelOK
	for _, l := range m.levels {
		worst = max(worst, l)
	}
	s.Status = worst.String()
	return s
}

// OptimalWorkers suggests a pool size from the CPU count and the latest
// sample: halved under memory pressure, ×0.7 under cpu pressure, capped at
// the ceiling.
func (m *Monitor) OptimalWorkers() int {
	latest, ok := m.Latest()
	if !ok {
		return min(2, m.limits.Ceiling)
	}
	n := runtime.NumCPU()
	if latest.MemoryPct > m.limits.WarningPct {
		n = max(1, n/2)
	}
	if latest.CPUPct > m.limits.WarningPct {
		n = max(1, int(float64(n)*0.7))
	}
	return max(m.limits.Floor, min(n, m.limits.Ceiling))
}
