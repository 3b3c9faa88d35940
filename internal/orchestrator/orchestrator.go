// ============================================================================
// docflow orchestrator - batch coordinator
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: turn a batch submission into a running Session that wires every
//          component together
//
// Components per session:
//   - ProcessingQueue: priority heap + elastic worker pool
//   - retry.Manager:   stage calls under the batch RetryPolicy
//   - progress.Tracker: single-writer BatchProgress aggregation
//   - resource.Monitor: periodic sampling, advisory resize
//   - cancellation.Controller: Running → Draining → Cancelled, checkpoints
//
// Session loops (errgroup):
//   1. Result loop   - queue results → tracker, sinks, JobCompleted events
//   2. Pool waiter   - closes the result stream once every worker exits
//   3. Parent watch  - parent ctx done → immediate cancel
//   4. Status loop   - periodic BatchProgress publish (optional sink)
//
// Submission:
//   Run(ctx, Batch)           fresh batch, ids job-00001..
//   Resume(ctx, state, opts)  reruns pending + in-flight jobs of a checkpoint,
//                             completed results count toward progress/summary
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/internal/cancellation"
	"github.com/ChuLiYu/docflow/internal/complexity"
	"github.com/ChuLiYu/docflow/internal/progress"
	"github.com/ChuLiYu/docflow/internal/queue"
	"github.com/ChuLiYu/docflow/internal/resource"
	"github.com/ChuLiYu/docflow/internal/snapshot"
	"github.com/ChuLiYu/docflow/internal/storage/journal"
	"github.com/ChuLiYu/docflow/pkg/stage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrEmptyBatch is returned when a batch has no items
	ErrEmptyBatch = errors.New("batch has no items")
	// ErrNothingToResume is returned when a checkpoint has no pending or in-flight jobs
	ErrNothingToResume = errors.New("checkpoint has nothing left to run")
)

// ============================================================================
// Configuration
// ============================================================================

// Config holds session tunables shared by every batch of an Orchestrator
type Config struct {
	ProgressTick       time.Duration   // tracker rate recomputation period
	ResourceInterval   time.Duration   // sampling period; 0 uses Limits.Interval
	Limits             resource.Limits // Floor/Ceiling are taken from the batch concurrency
	CheckpointInterval time.Duration   // periodic checkpoint period while Running
	CriticalCooldown   time.Duration   // timed intake resume after a critical error; 0 = manual only
	StatusInterval     time.Duration   // status publish period
	EventBuffer        int             // Events channel capacity
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		ProgressTick:       progress.DefaultTick,
		Limits:             resource.DefaultLimits(),
		CheckpointInterval: cancellation.DefaultCheckpointInterval,
		StatusInterval:     time.Second,
		EventBuffer:        256,
	}
}

// ============================================================================
// Sinks
// ============================================================================

// Metrics receives orchestration measurements. *metrics.Collector satisfies it.
type Metrics interface {
	JobsSubmitted(n int)
	JobFinished(r types.JobResult)
	RetryAttempted(a types.RetryAttempt)
	StageObserved(phase types.Phase, d time.Duration)
	WorkersChanged(n int)
	QueueDepth(pending, inFlight int)
	ResourceSampled(s types.ResourceSnapshot)
	IntakePaused(paused bool)
}

// Ledger stores the outcome of finished batches. *ledger.Store satisfies it.
type Ledger interface {
	RecordBatch(ctx context.Context, summary types.Summary, results []types.JobResult) error
}

// StatusPublisher fans live progress out to other processes
type StatusPublisher interface {
	Publish(ctx context.Context, p types.BatchProgress) error
}

// Journal appends diagnostic records. *journal.Journal satisfies it.
type Journal interface {
	Append(e journal.Entry) error
}

// ============================================================================
// Options
// ============================================================================

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the base logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithStore enables checkpoints in store
func WithStore(s *snapshot.Manager) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithSampler enables resource monitoring
func WithSampler(s resource.Sampler) Option {
	return func(o *Orchestrator) { o.sampler = s }
}

// WithEstimator replaces the complexity estimator
func WithEstimator(e *complexity.Estimator) Option {
	return func(o *Orchestrator) { o.estimator = e }
}

// WithClassifier replaces stage.KindOf
func WithClassifier(c stage.Classifier) Option {
	return func(o *Orchestrator) { o.classify = c }
}

// WithSleeper overrides retry backoff sleeps
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithMetrics installs a metrics sink
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLedger installs a history ledger
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithStatus installs a live status publisher
func WithStatus(p StatusPublisher) Option {
	return func(o *Orchestrator) { o.status = p }
}

// WithJournal installs a diagnostic journal
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator starts batch sessions. Safe for concurrent use; every session
// owns its own queue, tracker and controller.
type Orchestrator struct {
	cfg       Config
	log       zerolog.Logger
	store     *snapshot.Manager
	sampler   resource.Sampler
	estimator *complexity.Estimator
	classify  stage.Classifier
	sleep     func(ctx context.Context, d time.Duration) error

	metrics Metrics
	ledger  Ledger
	status  StatusPublisher
	journal Journal

	now func() time.Time
}

// New builds an Orchestrator. Zero-valued cfg fields take defaults.
func New(cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.ProgressTick <= 0 {
		cfg.ProgressTick = def.ProgressTick
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Limits == (resource.Limits{}) {
		cfg.Limits = def.Limits
	}

	o := &Orchestrator{
		cfg: cfg,
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.estimator == nil {
		o.estimator = complexity.New(o.log)
	}
	return o
}

// Item is one input of a batch
type Item struct {
	Ref      string
	Priority types.Priority // 0 = ask PriorityFn, then Normal
	OCR      bool           // caller knows the item needs OCR
	Metadata map[string]string
}

// Batch is a submission
type Batch struct {
	ID                string // generated when empty
	Items             []Item
	PriorityFn        func(ref string) types.Priority
	Stages            []stage.Stage
	Policy            types.RetryPolicy // zero value uses DefaultRetryPolicy
	Concurrency       queue.Concurrency
	CheckpointEnabled bool
}

// ResumeOptions configures Resume. The retry policy comes from the checkpoint.
type ResumeOptions struct {
	Stages            []stage.Stage
	Concurrency       queue.Concurrency
	CheckpointEnabled bool
}

// Run validates b, enqueues its jobs and starts a Session
func (o *Orchestrator) Run(ctx context.Context, b Batch) (*Session, error) {
	if len(b.Items) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := stage.ValidatePipeline(b.Stages); err != nil {
		return nil, err
	}
	policy := b.Policy
	if policy.MaxAttempts == 0 && policy.BackoffFactor == 0 {
		policy = types.DefaultRetryPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if err := b.Concurrency.Validate(); err != nil {
		return nil, err
	}

	id := b.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := snapshot.ValidBatchID(id); err != nil {
		return nil, err
	}

	jobs := o.buildJobs(b)
	return o.start(ctx, sessionSpec{
		batchID:    id,
		jobs:       jobs,
		runnable:   jobs,
		stages:     b.Stages,
		policy:     policy,
		conc:       b.Concurrency,
		checkpoint: b.CheckpointEnabled,
	})
}

// Resume continues a checkpointed batch. Pending and in-flight jobs run
// again from their first phase.
func (o *Orchestrator) Resume(ctx context.Context, state types.ProcessingState, opts ResumeOptions) (*Session, error) {
	if err := snapshot.Validate(state); err != nil {
		return nil, err
	}
	if err := stage.ValidatePipeline(opts.Stages); err != nil {
		return nil, err
	}
	if err := state.PolicySnapshot.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Concurrency.Validate(); err != nil {
		return nil, err
	}

	rerun := make(map[types.JobID]bool, len(state.PendingJobIDs)+len(state.InFlightJobIDs))
	for _, id := range state.PendingJobIDs {
		rerun[id] = true
	}
	for _, id := range state.InFlightJobIDs {
		rerun[id] = true
	}
	if len(rerun) == 0 {
		return nil, ErrNothingToResume
	}

	var runnable []types.Job
	for _, j := range state.Jobs {
		if rerun[j.ID] {
			runnable = append(runnable, j)
		}
	}

	o.log.Info().
		Str("batch_id", state.BatchID).
		Int("rerun", len(runnable)).
		Int("restored", len(state.CompletedResults)).
		Msg("resuming batch from checkpoint")

	return o.start(ctx, sessionSpec{
		batchID:    state.BatchID,
		jobs:       state.Jobs,
		runnable:   runnable,
		restored:   state.CompletedResults,
		stages:     opts.Stages,
		policy:     state.PolicySnapshot,
		conc:       opts.Concurrency,
		checkpoint: opts.CheckpointEnabled,
	})
}

func (o *Orchestrator) buildJobs(b Batch) []types.Job {
	now := o.now()
	jobs := make([]types.Job, 0, len(b.Items))
	for i, it := range b.Items {
		prio := it.Priority
		if prio == 0 && b.PriorityFn != nil {
			prio = b.PriorityFn(it.Ref)
		}
		if prio == 0 {
			prio = types.PriorityNormal
		}
		jobs = append(jobs, types.Job{
			ID:              types.JobID(fmt.Sprintf("job-%05d", i+1)),
			InputRef:        it.Ref,
			Priority:        prio,
			ComplexityScore: o.estimator.Estimate(it.Ref, complexity.Hints{OCR: it.OCR}),
			CreatedAt:       now,
			Metadata:        it.Metadata,
		})
	}
	return jobs
}
