// ============================================================================
// docflow cancellation controller
// ============================================================================
//
// Package: internal/cancellation
// File: controller.go
// Purpose: cancellation state machine, checkpoint writes and cleanup tasks
//
// State machine:
//
//   Running ──RequestCancel(true)──▶ Draining ──Finish()──▶ Cancelled
//      │                                │
//      └──────RequestCancel(false)──────┴─────────────────▶ Cancelled
//
//   Draining: no new job is dispatched; in-flight jobs stop at their next
//             phase boundary after finishing the current phase.
//   Cancelled: in-flight jobs stop as soon as a worker observes the flag.
//
// Checkpoints:
//   - periodic (default 30s) while Running, when preservation is enabled
//   - final, written by Finish once workers have stopped
//   - every write goes through one mutex, so files are never written
//     concurrently
//
// ============================================================================

package cancellation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/internal/snapshot"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ErrCorruptState is returned by Load when a checkpoint fails validation
var ErrCorruptState = snapshot.ErrCorruptState

// ErrNoProvider is returned when a checkpoint is requested before a state provider is set
var ErrNoProvider = errors.New("no state provider registered")

// DefaultCheckpointInterval is the periodic checkpoint period
const DefaultCheckpointInterval = 30 * time.Second

// State is the cancellation state of a batch
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// StateProvider returns the current resumable state of the batch
type StateProvider func() types.ProcessingState

// CleanupTask runs once when a graceful cancellation completes.
// Higher Priority runs first.
type CleanupTask struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Options configures a Controller
type Options struct {
	PreserveState bool
	Interval      time.Duration
}

// Outcome reports what Finish did
type Outcome struct {
	Graceful   bool
	StateSaved bool
	StatePath  string
	CleanupOK  bool
	Executed   []string
}

// Controller owns the cancellation state of one batch
type Controller struct {
	store *snapshot.Manager
	opts  Options
	log   zerolog.Logger

	state     atomic.Int32
	graceful  atomic.Bool
	requested chan struct{}
	reqOnce   sync.Once

	mu       sync.Mutex // serialises checkpoint writes
	provider StateProvider
	lastPath string
	cleanups []CleanupTask
	finished bool
	outcome  Outcome

	stopPeriodic context.CancelFunc
	periodicDone chan struct{}
}

// New creates a controller. store may be nil when preservation is disabled.
func New(store *snapshot.Manager, opts Options, log zerolog.Logger) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultCheckpointInterval
	}
	if store == nil {
		opts.PreserveState = false
	}
	return &Controller{
		store:     store,
		opts:      opts,
		log:       log,
		requested: make(chan struct{}),
	}
}

// SetProvider registers the function used for periodic and final checkpoints
func (c *Controller) SetProvider(p StateProvider) {
	c.mu.Lock()
	c.provider = p
	c.mu.Unlock()
}

// PreserveState reports whether checkpoints are written
func (c *Controller) PreserveState() bool { return c.opts.PreserveState }

// ============================================================================
// State machine
// ============================================================================

// RequestCancel moves the batch out of Running. A graceful request enters
// Draining; an immediate request, or a second request while draining,
// enters Cancelled. It returns false if nothing changed.
func (c *Controller) RequestCancel(graceful bool) bool {
	for {
		cur := State(c.state.Load())
		var next State
		switch {
		case cur == StateRunning && graceful:
			next = StateDraining
		case cur == StateRunning, cur == StateDraining && !graceful:
			next = StateCancelled
		default:
			c.log.Warn().Str("state", cur.String()).Bool("graceful", graceful).Msg("cancellation already requested")
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			if cur == StateRunning {
				c.graceful.Store(graceful)
			}
			c.reqOnce.Do(func() { close(c.requested) })
			c.log.Info().
				Str("from", cur.String()).
				Str("to", next.String()).
				Bool("graceful", graceful).
				Msg("cancellation requested")
			return true
		}
	}
}

// State returns the current state
func (c *Controller) State() State { return State(c.state.Load()) }

// IsCancelled reports whether the batch is in Cancelled
func (c *Controller) IsCancelled() bool { return c.State() == StateCancelled }

// Accepting reports whether new jobs may be dispatched
func (c *Controller) Accepting() bool { return c.State() == StateRunning }

// ShouldStop reports whether a job at a phase boundary must stop
func (c *Controller) ShouldStop() bool { return c.State() != StateRunning }

// Requested is closed when the batch first leaves Running
func (c *Controller) Requested() <-chan struct{} { return c.requested }

// Graceful reports whether the first cancel request was graceful
func (c *Controller) Graceful() bool { return c.graceful.Load() }

// ============================================================================
// Checkpoints
// ============================================================================

// Checkpoint writes state and returns its path
func (c *Controller) Checkpoint(state types.ProcessingState) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpointLocked(state)
}

func (c *Controller) checkpointLocked(state types.ProcessingState) (string, error) {
	if c.store == nil {
		return "", errors.New("no checkpoint store configured")
	}
	path, err := c.store.Write(state)
	if err != nil {
		return "", err
	}
	c.lastPath = path
	return path, nil
}

// CheckpointNow writes the provider's current state
func (c *Controller) CheckpointNow() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provider == nil {
		return "", ErrNoProvider
	}
	return c.checkpointLocked(c.provider())
}

// Load reads and validates a checkpoint file
func (c *Controller) Load(path string) (types.ProcessingState, error) {
	if c.store == nil {
		return types.ProcessingState{}, errors.New("no checkpoint store configured")
	}
	return c.store.Load(path)
}

// LastPath returns the path of the latest checkpoint written
func (c *Controller) LastPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPath
}

// Discard deletes the batch checkpoint after a clean completion
func (c *Controller) Discard(batchID string) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPath = ""
	return c.store.Delete(batchID)
}

// StartPeriodic writes a checkpoint every interval while the batch is Running
func (c *Controller) StartPeriodic(ctx context.Context) {
	if !c.opts.PreserveState {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.stopPeriodic = cancel
	c.periodicDone = make(chan struct{})

	go func() {
		defer close(c.periodicDone)
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.requested:
				return
			case <-ticker.C:
				if path, err := c.CheckpointNow(); err != nil {
					c.log.Error().Err(err).Msg("periodic checkpoint failed")
				} else {
					c.log.Debug().Str("path", path).Msg("periodic checkpoint")
				}
			}
		}
	}()
}

// StopPeriodic stops the periodic writer and waits for it
func (c *Controller) StopPeriodic() {
	if c.stopPeriodic == nil {
		return
	}
	c.stopPeriodic()
	<-c.periodicDone
}

// ============================================================================
// Cleanup and completion
// ============================================================================

// AddCleanup registers a task run by Finish after a graceful cancellation
func (c *Controller) AddCleanup(task CleanupTask) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, task)
	sort.SliceStable(c.cleanups, func(i, j int) bool {
		return c.cleanups[i].Priority > c.cleanups[j].Priority
	})
}

// RemoveCleanup drops a task by name
func (c *Controller) RemoveCleanup(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.cleanups {
		if t.Name == name {
			c.cleanups = append(c.cleanups[:i], c.cleanups[i+1:]...)
			return true
		}
	}
	return false
}

// Finish completes a cancellation once every worker has stopped: it enters
// Cancelled, writes the final checkpoint when preservation is on, and runs
// cleanup tasks for graceful cancellations. Calling it again returns the
// first outcome.
func (c *Controller) Finish(ctx context.Context) Outcome {
	c.StopPeriodic()
	c.state.Store(int32(StateCancelled))
	c.reqOnce.Do(func() { close(c.requested) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return c.outcome
	}
	c.finished = true

	out := Outcome{Graceful: c.graceful.Load(), CleanupOK: true}
	if c.opts.PreserveState && c.provider != nil {
		state := c.provider()
		if len(state.PendingJobIDs)+len(state.InFlightJobIDs) == 0 {
			// Nothing left to resume; drop any periodic checkpoint instead.
			c.lastPath = ""
			if err := c.store.Delete(state.BatchID); err != nil {
				c.log.Warn().Err(err).Msg("discard checkpoint failed")
			}
			c.log.Info().Str("batch_id", state.BatchID).Msg("all jobs terminal, checkpoint discarded")
		} else if path, err := c.checkpointLocked(state); err != nil {
			c.log.Error().Err(err).Msg("final checkpoint failed")
		} else {
			out.StateSaved = true
			out.StatePath = path
		}
	}

	if out.Graceful {
		out.Executed, out.CleanupOK = c.runCleanups(ctx)
	} else if len(c.cleanups) > 0 {
		c.log.Info().Int("tasks", len(c.cleanups)).Msg("skipping cleanup tasks for immediate cancellation")
	}

	c.log.Info().
		Bool("graceful", out.Graceful).
		Bool("state_saved", out.StateSaved).
		Bool("cleanup_ok", out.CleanupOK).
		Msg("cancellation confirmed")
	c.outcome = out
	return out
}

func (c *Controller) runCleanups(ctx context.Context) ([]string, bool) {
	ok := true
	var executed []string
	for _, task := range c.cleanups {
		tctx := ctx
		var cancel context.CancelFunc = func() {}
		if task.Timeout > 0 {
			tctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		err := task.Run(tctx)
		cancel()
		if err != nil {
			ok = false
			c.log.Error().Err(err).Str("task", task.Name).Msg("cleanup task failed")
			continue
		}
		executed = append(executed, task.Name)
	}
	c.log.Info().Int("succeeded", len(executed)).Int("total", len(c.cleanups)).Msg("cleanup completed")
	return executed, ok
}
