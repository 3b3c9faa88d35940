// ============================================================================
// docflow retry manager
// ============================================================================
//
// Package: internal/retry
// File: manager.go
// Purpose: run one pipeline stage call with classification and backoff
//
// Flow of Execute:
//
//   attempt 1 ──ok──────────────────────────────► done
//       │ err
//       ▼
//   classify ── permanent ─────────────────────► fail (no retry)
//       │    ── critical  ── OnCritical ───────► fail (no retry)
//       │ temporary
//       ▼
//   attempt < max ? ── no ─────────────────────► fail (exhausted)
//       │ yes
//       ▼
//   sleep(schedule.Next()) ── ctx done ────────► abort
//       │
//       └─► attempt n+1
//
// A per-call timeout is applied to every attempt. A timed-out attempt is a
// temporary failure unless Call.Abort reports that the batch is winding
// down, in which case the call is abandoned as cancelled.
//
// Every failed attempt is appended to the per-job history and reported
// through Hooks.OnAttempt. No document payloads are recorded.
//
// The attempt budget applies to each stage a job passes through, so a
// job's history holds at most max_attempts entries per phase.
//
// ============================================================================

package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/pkg/stage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAborted is returned when the call was abandoned because of cancellation
	ErrAborted = errors.New("stage call aborted")
	// ErrExhausted wraps the last error once max_attempts temporary failures occurred
	ErrExhausted = errors.New("retries exhausted")
)

// Hooks observe attempts. Both may be nil.
type Hooks struct {
	OnAttempt  func(types.RetryAttempt)
	OnCritical func(jobID types.JobID, phase types.Phase, err error)
}

// Option configures a Manager
type Option func(*Manager)

// WithClassifier replaces stage.KindOf as the error classifier
func WithClassifier(c stage.Classifier) Option {
	return func(m *Manager) { m.classify = c }
}

// WithHooks installs attempt observers
func WithHooks(h Hooks) Option {
	return func(m *Manager) { m.hooks = h }
}

// WithSleeper overrides how backoff sleeps are performed (useful for tests)
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithLogger sets the manager logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager executes stage calls under a RetryPolicy. Safe for concurrent use.
type Manager struct {
	policy   types.RetryPolicy
	classify stage.Classifier
	hooks    Hooks
	sleep    func(ctx context.Context, d time.Duration) error
	log      zerolog.Logger

	mu      sync.Mutex
	history map[types.JobID][]types.RetryAttempt
	stats   Stats
}

// NewManager builds a Manager. The policy must already be valid.
func NewManager(policy types.RetryPolicy, opts ...Option) *Manager {
	m := &Manager{
		policy:   policy,
		classify: stage.KindOf,
		sleep:    sleepCtx,
		log:      zerolog.Nop(),
		history:  make(map[types.JobID][]types.RetryAttempt),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the policy this manager applies
func (m *Manager) Policy() types.RetryPolicy { return m.policy }

// Call is one stage invocation for one job
type Call struct {
	JobID   types.JobID
	Phase   types.Phase
	Timeout time.Duration
	Run     func(ctx context.Context) error
	// Abort reports whether a failed attempt should be abandoned as cancelled
	// instead of classified. Nil means never.
	Abort func(err error) bool
}

// Outcome describes how a call ended
type Outcome struct {
	Attempts int
	Kind     types.ErrorKind // empty on success
}

// Retries returns the number of attempts beyond the first
func (o Outcome) Retries() int {
	if o.Attempts <= 1 {
		return 0
	}
	return o.Attempts - 1
}

// Execute runs c.Run until it succeeds, fails non-retryably, exhausts the
// policy or is aborted. The attempt count never exceeds MaxAttempts.
func (m *Manager) Execute(ctx context.Context, c Call) (Outcome, error) {
	sched := NewSchedule(m.policy)
	maxAttempts := m.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	m.mu.Lock()
	m.stats.Operations++
	m.mu.Unlock()

	var out Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		m.mu.Lock()
		m.stats.Attempts++
		m.mu.Unlock()

		err := m.runOnce(ctx, c)
		if err == nil {
			if attempt > 1 {
				m.log.Info().
					Str("job_id", string(c.JobID)).
					Str("phase", string(c.Phase)).
					Int("retries", attempt-1).
					Msg("stage succeeded after retry")
			}
			out.Kind = ""
			return out, nil
		}

		kind := m.classify(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = types.KindTemporary
		}
		out.Kind = kind

		if ctx.Err() != nil || (c.Abort != nil && c.Abort(err)) {
			m.record(c, attempt, kind, err, 0)
			m.markFailed()
			return out, fmt.Errorf("%w: %v", ErrAborted, err)
		}

		retry := m.policy.Retryable(kind) && attempt < maxAttempts
		var delay time.Duration
		if retry {
			delay = sched.Next()
		}
		m.record(c, attempt, kind, err, delay)

		ev := m.log.Warn()
		if kind == types.KindCritical {
			ev = m.log.Error()
		}
		ev.Str("job_id", string(c.JobID)).
			Str("phase", string(c.Phase)).
			Int("attempt", attempt).
			Str("error_kind", string(kind)).
			Dur("delay", delay).
			Err(err).
			Msg("stage attempt failed")

		if kind == types.KindCritical && m.hooks.OnCritical != nil {
			m.hooks.OnCritical(c.JobID, c.Phase, err)
		}

		if !retry {
			m.markFailed()
			if kind == types.KindTemporary {
				return out, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
			}
			return out, err
		}

		if err := m.sleep(ctx, delay); err != nil {
			m.markFailed()
			return out, fmt.Errorf("%w: %v", ErrAborted, err)
		}
	}
	// unreachable: the loop always returns
	return out, ErrExhausted
}

func (m *Manager) runOnce(ctx context.Context, c Call) error {
	callCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	err := c.Run(callCtx)
	if err == nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// the stage ignored its deadline but returned late; count it as a timeout
		return stage.Temporary(string(c.Phase), context.DeadlineExceeded)
	}
	return err
}

func (m *Manager) record(c Call, attempt int, kind types.ErrorKind, err error, delay time.Duration) {
	a := types.RetryAttempt{
		JobID:           c.JobID,
		Phase:           c.Phase,
		AttemptNumber:   attempt,
		ErrorKind:       kind,
		Error:           err.Error(),
		DelayBeforeNext: delay,
		Timestamp:       time.Now(),
	}
	m.mu.Lock()
	m.history[c.JobID] = append(m.history[c.JobID], a)
	m.mu.Unlock()
	if m.hooks.OnAttempt != nil {
		m.hooks.OnAttempt(a)
	}
}

func (m *Manager) markFailed() {
	m.mu.Lock()
	m.stats.Failed++
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ============================================================================
// History and statistics
// ============================================================================

// History returns a copy of the failed attempts recorded for jobID across
// all phases, oldest first
func (m *Manager) History(jobID types.JobID) []types.RetryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[jobID]
	out := make([]types.RetryAttempt, len(h))
	copy(out, h)
	return out
}

// PhaseHistory returns the failed attempts of jobID within one phase.
// Its length never exceeds the policy's MaxAttempts.
func (m *Manager) PhaseHistory(jobID types.JobID, phase types.Phase) []types.RetryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.RetryAttempt
	for _, a := range m.history[jobID] {
		if a.Phase == phase {
			out = append(out, a)
		}
	}
	return out
}

// ClearHistory drops the history of jobID, or all history when jobID is empty
func (m *Manager) ClearHistory(jobID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if jobID == "" {
		m.history = make(map[types.JobID][]types.RetryAttempt)
		return
	}
	delete(m.history, jobID)
}

// Stats summarises the calls executed so far
type Stats struct {
	Operations int `json:"operations"`
	Attempts   int `json:"attempts"`
	Failed     int `json:"failed"`
}

// SuccessRate is the fraction of operations that did not fail
func (s Stats) SuccessRate() float64 {
	if s.Operations == 0 {
		return 1
	}
	return float64(s.Operations-s.Failed) / float64(s.Operations)
}

// AverageAttempts is attempts per operation
func (s Stats) AverageAttempts() float64 {
	if s.Operations == 0 {
		return 0
	}
	return float64(s.Attempts) / float64(s.Operations)
}

// Stats returns a snapshot of the counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
