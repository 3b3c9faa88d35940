package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/docflow/internal/cancellation"
	"github.com/ChuLiYu/docflow/internal/logging"
	"github.com/ChuLiYu/docflow/internal/progress"
	"github.com/ChuLiYu/docflow/internal/queue"
	"github.com/ChuLiYu/docflow/internal/resource"
	"github.com/ChuLiYu/docflow/internal/retry"
	"github.com/ChuLiYu/docflow/internal/storage/journal"
	"github.com/ChuLiYu/docflow/pkg/stage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ledgerTimeout bounds the history write after a batch finishes
const ledgerTimeout = 10 * time.Second

type sessionSpec struct {
	batchID    string
	jobs       []types.Job // full submission, restored jobs included
	runnable   []types.Job // jobs handed to the queue
	restored   []types.JobResult
	stages     []stage.Stage
	policy     types.RetryPolicy
	conc       queue.Concurrency
	checkpoint bool
}

// Session is one running batch
type Session struct {
	o      *Orchestrator
	spec   sessionSpec
	log    zerolog.Logger
	phases []types.Phase

	queue   *queue.ProcessingQueue
	retry   *retry.Manager
	tracker *progress.Tracker
	monitor *resource.Monitor
	cancel  *cancellation.Controller
	bus     *eventBus

	// runCtx is the worker pool context and outlives the caller ctx so that
	// cancelled jobs still deliver their results. abortCtx ends in-flight
	// stage calls on immediate cancellation.
	runCtx   context.Context
	stopRun  context.CancelFunc
	abortCtx context.Context
	abort    context.CancelFunc
	unlock   func()

	// ctlMu orders Cancel against finish and checkpoints so drained jobs are
	// recorded before the summary or any checkpoint is built
	ctlMu    sync.Mutex
	finished bool

	mu        sync.Mutex
	results   map[types.JobID]types.JobResult
	drained   map[types.JobID]bool
	paused    bool
	cooldown  *time.Timer
	startedAt time.Time

	done    chan struct{}
	summary types.Summary
	err     error
}

func (o *Orchestrator) start(ctx context.Context, spec sessionSpec) (*Session, error) {
	log := o.log.With().Str("batch_id", spec.batchID).Logger()

	preserve := spec.checkpoint && o.store != nil
	unlock := func() {}
	if preserve {
		release, err := o.store.Lock(spec.batchID)
		if err != nil {
			return nil, err
		}
		unlock = release
	}

	phases := make([]types.Phase, len(spec.stages))
	for i, st := range spec.stages {
		phases[i] = st.Phase
	}

	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	abortCtx, abort := context.WithCancel(runCtx)

	s := &Session{
		o:        o,
		spec:     spec,
		log:      log,
		phases:   phases,
		bus:      newEventBus(o.cfg.EventBuffer),
		runCtx:   runCtx,
		stopRun:  stopRun,
		abortCtx: abortCtx,
		abort:    abort,
		unlock:   unlock,
		results:  make(map[types.JobID]types.JobResult, len(spec.runnable)),
		drained:  make(map[types.JobID]bool),
		done:     make(chan struct{}),
	}

	fail := func(err error) (*Session, error) {
		abort()
		stopRun()
		s.bus.close()
		unlock()
		return nil, err
	}

	store := o.store
	if !preserve {
		store = nil
	}
	s.cancel = cancellation.New(store, cancellation.Options{
		PreserveState: preserve,
		Interval:      o.cfg.CheckpointInterval,
	}, logging.Component(log, "cancellation"))
	s.cancel.SetProvider(s.processingState)

	retryOpts := []retry.Option{
		retry.WithLogger(logging.Component(log, "retry")),
		retry.WithHooks(retry.Hooks{OnAttempt: s.onRetry, OnCritical: s.onCritical}),
	}
	if o.classify != nil {
		retryOpts = append(retryOpts, retry.WithClassifier(o.classify))
	}
	if o.sleep != nil {
		retryOpts = append(retryOpts, retry.WithSleeper(o.sleep))
	}
	s.retry = retry.NewManager(spec.policy, retryOpts...)

	q, err := queue.New(spec.conc, s.handle, logging.Component(log, "queue"))
	if err != nil {
		return fail(err)
	}
	s.queue = q

	s.tracker = progress.New(progress.Options{
		BatchID: spec.batchID,
		Total:   len(spec.jobs),
		Phases:  phases,
		Tick:    o.cfg.ProgressTick,
	}, progress.Hooks{
		OnProgress:    s.onProgress,
		OnMilestone:   s.onMilestone,
		OnDegradation: s.onDegradation,
	}, logging.Component(log, "progress"))

	if o.sampler != nil {
		limits := o.cfg.Limits
		limits.Floor = spec.conc.Min
		limits.Ceiling = spec.conc.Max
		s.monitor = resource.NewMonitor(o.sampler, limits, resource.EnvFuncs{
			WorkersFn: q.Workers,
			BacklogFn: func() int { return q.Stats().Pending },
		}, resource.Hooks{
			OnSample:    s.onSample,
			OnWarning:   s.onWarning,
			OnRecommend: s.onRecommend,
		}, logging.Component(log, "resource"))
	}

	if err := q.Submit(spec.runnable...); err != nil {
		return fail(fmt.Errorf("submit batch: %w", err))
	}
	q.Close()
	for _, j := range spec.runnable {
		s.journal(journal.Entry{Type: journal.EntrySubmitted, JobID: j.ID})
	}

	s.startedAt = o.now()
	s.tracker.Start(runCtx)
	s.tracker.Preload(spec.restored)
	if err := q.Start(runCtx); err != nil {
		s.tracker.Stop()
		return fail(fmt.Errorf("start workers: %w", err))
	}
	s.cancel.StartPeriodic(runCtx)
	if s.monitor != nil {
		s.monitor.Start(runCtx, o.cfg.ResourceInterval)
	}

	if m := o.metrics; m != nil {
		m.JobsSubmitted(len(spec.runnable))
		m.WorkersChanged(q.Workers())
		m.IntakePaused(false)
	}
	s.reportDepth()

	log.Info().
		Int("jobs", len(spec.runnable)).
		Int("restored", len(spec.restored)).
		Int("workers", q.Workers()).
		Bool("checkpoint", preserve).
		Msg("batch started")

	go s.run(ctx)
	return s, nil
}

// ============================================================================
// Session loops
// ============================================================================

func (s *Session) run(parent context.Context) {
	defer close(s.done)

	collected := make(chan struct{})
	var g errgroup.Group

	g.Go(func() error {
		s.queue.Wait()
		return nil
	})

	g.Go(func() error {
		defer close(collected)
		for r := range s.queue.Results() {
			s.record(r)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-parent.Done():
			s.log.Warn().Err(parent.Err()).Msg("caller context done, cancelling batch")
			s.Cancel(false)
		case <-collected:
		}
		return nil
	})

	if s.o.status != nil {
		g.Go(func() error {
			ticker := time.NewTicker(s.o.cfg.StatusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-collected:
					return nil
				case <-ticker.C:
					s.publishStatus(s.tracker.Snapshot())
				}
			}
		})
	}

	s.err = g.Wait()
	s.finish()
}

// record accounts for one terminal result, from a worker or from Drain
func (s *Session) record(r types.JobResult) {
	s.mu.Lock()
	s.results[r.JobID] = r
	s.mu.Unlock()

	s.tracker.OnJobResult(r)
	if m := s.o.metrics; m != nil {
		m.JobFinished(r)
	}
	s.reportDepth()
	s.journal(journal.Entry{
		Type:      journal.EntryCompleted,
		JobID:     r.JobID,
		Phase:     r.Phase,
		Attempt:   r.Attempts,
		ErrorKind: r.ErrorKind,
		Status:    r.Status,
		Message:   r.Reason,
	})

	result := r
	s.emit(Event{Type: EventJobCompleted, Result: &result})
}

func (s *Session) finish() {
	s.ctlMu.Lock()
	s.finished = true
	s.ctlMu.Unlock()

	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.cancel.StopPeriodic()
	s.stopCooldown()

	cancelled := s.cancel.ShouldStop()
	var outcome cancellation.Outcome
	if cancelled {
		outcome = s.cancel.Finish(context.Background())
		s.journal(journal.Entry{Type: journal.EntryCancelled, Message: s.cancel.State().String()})
		s.emit(Event{
			Type:       EventCancellationConfirmed,
			StateSaved: outcome.StateSaved,
			StatePath:  outcome.StatePath,
		})
	} else if s.cancel.PreserveState() {
		if err := s.cancel.Discard(s.spec.batchID); err != nil {
			s.log.Warn().Err(err).Msg("failed to delete checkpoint after clean completion")
		}
	}

	s.tracker.Stop()
	final := s.tracker.Snapshot()
	s.emit(Event{Type: EventProgressUpdated, Progress: &final})

	summary, results := s.buildSummary(cancelled, outcome)
	s.summary = summary

	if s.o.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		if err := s.o.ledger.RecordBatch(ctx, summary, results); err != nil {
			s.log.Error().Err(err).Msg("failed to record batch history")
		}
		cancel()
	}
	s.publishStatus(final)

	s.journal(journal.Entry{
		Type:    journal.EntryBatchCompleted,
		Message: fmt.Sprintf("succeeded=%d failed=%d cancelled=%d", summary.Succeeded, summary.Failed, summary.Cancelled),
	})
	s.emit(Event{Type: EventBatchCompleted, Summary: &summary})
	s.bus.close()

	s.abort()
	s.stopRun()
	s.unlock()

	s.log.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("cancelled", summary.Cancelled).
		Dur("elapsed", summary.Elapsed).
		Bool("was_cancelled", summary.WasCancelled).
		Msg("batch completed")
}

// buildSummary aggregates restored and live results in submission order
func (s *Session) buildSummary(cancelled bool, outcome cancellation.Outcome) (types.Summary, []types.JobResult) {
	finished := s.o.now()
	sum := types.Summary{
		BatchID:      s.spec.batchID,
		Total:        len(s.spec.jobs),
		WasCancelled: cancelled,
		StateSaved:   outcome.StateSaved,
		StatePath:    outcome.StatePath,
		StartedAt:    s.startedAt,
		FinishedAt:   finished,
		Elapsed:      finished.Sub(s.startedAt),
	}

	byID := make(map[types.JobID]types.JobResult, len(s.spec.jobs))
	for _, r := range s.spec.restored {
		byID[r.JobID] = r
	}
	s.mu.Lock()
	for id, r := range s.results {
		byID[id] = r
	}
	s.mu.Unlock()

	results := make([]types.JobResult, 0, len(s.spec.jobs))
	var confSum float64
	for _, j := range s.spec.jobs {
		r, ok := byID[j.ID]
		if !ok {
			r = types.JobResult{JobID: j.ID, InputRef: j.InputRef, Status: types.StatusCancelled, Reason: "no result recorded"}
		}
		results = append(results, r)
		if r.Attempts > 0 {
			sum.TotalAttempts += 1 + r.Retries
		}
		switch r.Status {
		case types.StatusSucceeded:
			sum.Succeeded++
			confSum += r.Confidence
		case types.StatusFailed:
			sum.Failed++
		case types.StatusCancelled:
			sum.Cancelled++
		}
		if r.Status != types.StatusSucceeded {
			sum.Failures = append(sum.Failures, types.FailedJob{
				JobID:    r.JobID,
				InputRef: r.InputRef,
				Status:   r.Status,
				Phase:    r.Phase,
				Reason:   r.Reason,
			})
		}
	}
	if sum.Succeeded > 0 {
		sum.AvgConfidence = confSum / float64(sum.Succeeded)
	}
	return sum, results
}

// processingState is the checkpoint view of the batch. Drained jobs never
// started and count as pending; other cancelled jobs were in flight.
func (s *Session) processingState() types.ProcessingState {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	snap := s.queue.Snapshot()

	s.mu.Lock()
	drained := make(map[types.JobID]bool, len(s.drained))
	for id := range s.drained {
		drained[id] = true
	}
	s.mu.Unlock()

	state := types.ProcessingState{
		BatchID:          s.spec.batchID,
		Jobs:             s.spec.jobs,
		PendingJobIDs:    append([]types.JobID{}, snap.Pending...),
		InFlightJobIDs:   append([]types.JobID{}, snap.InFlight...),
		CompletedResults: append([]types.JobResult{}, s.spec.restored...),
		PolicySnapshot:   s.spec.policy,
		SavedAt:          s.o.now(),
	}
	for _, r := range snap.Completed {
		switch {
		case r.Status != types.StatusCancelled:
			state.CompletedResults = append(state.CompletedResults, r)
		case drained[r.JobID]:
			state.PendingJobIDs = append(state.PendingJobIDs, r.JobID)
		default:
			state.InFlightJobIDs = append(state.InFlightJobIDs, r.JobID)
		}
	}
	return state
}

// ============================================================================
// Control
// ============================================================================

// ID returns the batch id
func (s *Session) ID() string { return s.spec.batchID }

// Events streams session events in order. The channel closes after
// BatchCompleted. Undelivered events are held in memory; once the session
// has finished, events nobody reads within 30s are dropped and the channel
// closes.
func (s *Session) Events() <-chan Event { return s.bus.out }

// Progress returns the latest BatchProgress
func (s *Session) Progress() types.BatchProgress { return s.tracker.Snapshot() }

// PhaseStats returns per-phase duration statistics
func (s *Session) PhaseStats() map[types.Phase]progress.PhaseStat { return s.tracker.PhaseStats() }

// State returns the cancellation state
func (s *Session) State() cancellation.State { return s.cancel.State() }

// Paused reports whether intake is held after a critical error
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Workers returns the live worker count
func (s *Session) Workers() int { return s.queue.Workers() }

// Resources returns the latest resource sample, if monitoring is enabled
func (s *Session) Resources() (types.ResourceSnapshot, bool) {
	if s.monitor == nil {
		return types.ResourceSnapshot{}, false
	}
	return s.monitor.Latest()
}

// RetryHistory returns the failed attempts recorded for a job
func (s *Session) RetryHistory(id types.JobID) []types.RetryAttempt { return s.retry.History(id) }

// AddCleanup registers a task run when a graceful cancellation completes
func (s *Session) AddCleanup(task cancellation.CleanupTask) { s.cancel.AddCleanup(task) }

// Done is closed once the summary is available
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the batch completes and returns its summary
func (s *Session) Wait() (types.Summary, error) {
	<-s.done
	return s.summary, s.err
}

// Cancel requests cancellation. A graceful cancel lets in-flight jobs finish
// their current phase; an immediate one also aborts running stage calls.
// Pending jobs are cancelled right away in both modes. It returns false when
// the request changed nothing.
func (s *Session) Cancel(graceful bool) bool {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()
	if s.finished || !s.cancel.RequestCancel(graceful) {
		return false
	}
	s.stopCooldown()

	drained := s.queue.Drain()
	s.mu.Lock()
	for _, j := range drained {
		s.drained[j.ID] = true
	}
	s.mu.Unlock()

	now := s.o.now()
	for _, j := range drained {
		r := types.JobResult{
			JobID:     j.ID,
			InputRef:  j.InputRef,
			Status:    types.StatusCancelled,
			Reason:    "cancelled before start",
			Timestamp: now,
		}
		if err := s.queue.Complete(r); err != nil {
			s.log.Error().Err(err).Str("job_id", string(j.ID)).Msg("failed to record drained job")
		}
		s.record(r)
	}

	if s.cancel.IsCancelled() {
		s.abort()
	}
	s.log.Warn().
		Bool("graceful", graceful).
		Int("drained", len(drained)).
		Str("state", s.cancel.State().String()).
		Msg("cancellation requested")
	return true
}

// ResumeIntake releases a critical-error pause. It returns false when intake
// was not paused or the batch is cancelling.
func (s *Session) ResumeIntake() bool {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return false
	}
	s.paused = false
	if s.cooldown != nil {
		s.cooldown.Stop()
		s.cooldown = nil
	}
	s.mu.Unlock()

	s.queue.Resume()
	if m := s.o.metrics; m != nil {
		m.IntakePaused(false)
	}
	s.journal(journal.Entry{Type: journal.EntryResumed})
	s.emit(Event{Type: EventIntakeResumed, Message: "intake resumed"})
	s.log.Info().Msg("intake resumed")
	return true
}

// Resize sets the worker count, clamped to the batch concurrency range
func (s *Session) Resize(n int) (int, error) {
	got, err := s.queue.Resize(n)
	if err != nil {
		return got, err
	}
	if m := s.o.metrics; m != nil {
		m.WorkersChanged(got)
	}
	s.journal(journal.Entry{Type: journal.EntryResized, Workers: got})
	s.emit(Event{Type: EventWorkersResized, Workers: got})
	return got, nil
}

func (s *Session) stopCooldown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cooldown != nil {
		s.cooldown.Stop()
		s.cooldown = nil
	}
}

// ============================================================================
// Component hooks
// ============================================================================

func (s *Session) onRetry(a types.RetryAttempt) {
	if m := s.o.metrics; m != nil {
		m.RetryAttempted(a)
	}
	s.journal(journal.Entry{
		Type:      journal.EntryRetry,
		JobID:     a.JobID,
		Phase:     a.Phase,
		Attempt:   a.AttemptNumber,
		ErrorKind: a.ErrorKind,
	})
	attempt := a
	s.emit(Event{Type: EventRetryAttempted, Retry: &attempt})
}

// onCritical holds intake until ResumeIntake or the cooldown fires.
// In-flight jobs keep running.
func (s *Session) onCritical(jobID types.JobID, phase types.Phase, err error) {
	s.mu.Lock()
	already := s.paused
	s.paused = true
	if s.cooldown != nil {
		s.cooldown.Stop()
		s.cooldown = nil
	}
	if d := s.o.cfg.CriticalCooldown; d > 0 {
		s.cooldown = time.AfterFunc(d, func() { s.ResumeIntake() })
	}
	s.mu.Unlock()

	s.queue.Pause()
	if already {
		return
	}
	if m := s.o.metrics; m != nil {
		m.IntakePaused(true)
	}
	msg := fmt.Sprintf("critical error in %s for %s, intake paused: %v", phase, jobID, err)
	s.journal(journal.Entry{Type: journal.EntryPaused, JobID: jobID, Phase: phase, ErrorKind: types.KindCritical})
	s.emit(Event{Type: EventIntakePaused, Message: msg})
	s.log.Error().
		Str("job_id", string(jobID)).
		Str("phase", string(phase)).
		Str("error_kind", string(types.KindCritical)).
		Dur("cooldown", s.o.cfg.CriticalCooldown).
		Msg("intake paused")
}

func (s *Session) onProgress(p types.BatchProgress) {
	s.emit(Event{Type: EventProgressUpdated, Progress: &p})
}

func (s *Session) onMilestone(percent int, p types.BatchProgress) {
	s.log.Info().Int("percent", percent).Msg("milestone reached")
	s.emit(Event{Type: EventMilestone, Milestone: percent, Progress: &p})
}

func (s *Session) onDegradation(msg string) {
	s.log.Warn().Msg(msg)
	s.emit(Event{Type: EventDegradation, Message: msg})
}

func (s *Session) onSample(snap types.ResourceSnapshot) {
	if m := s.o.metrics; m != nil {
		m.ResourceSampled(snap)
	}
}

func (s *Session) onWarning(w resource.Warning) {
	s.emit(Event{Type: EventResourceWarning, Message: w.Message})
}

// onRecommend applies an advisory resize while the batch is running
func (s *Session) onRecommend(rec resource.Recommendation) {
	if !s.cancel.Accepting() {
		return
	}
	got, err := s.Resize(rec.Target)
	if err != nil {
		s.log.Debug().Err(err).Int("target", rec.Target).Msg("resize recommendation not applied")
		return
	}
	s.log.Info().Int("workers", got).Str("reason", rec.Reason).Msg("applied resize recommendation")
}

// ============================================================================
// Sinks
// ============================================================================

func (s *Session) emit(e Event) {
	e.BatchID = s.spec.batchID
	if e.Time.IsZero() {
		e.Time = s.o.now()
	}
	s.bus.emit(e)
}

func (s *Session) journal(e journal.Entry) {
	if s.o.journal == nil {
		return
	}
	e.BatchID = s.spec.batchID
	if err := s.o.journal.Append(e); err != nil {
		s.log.Warn().Err(err).Str("entry", string(e.Type)).Msg("journal append failed")
	}
}

func (s *Session) reportDepth() {
	if m := s.o.metrics; m != nil {
		st := s.queue.Stats()
		m.QueueDepth(st.Pending, st.InFlight)
	}
}

func (s *Session) publishStatus(p types.BatchProgress) {
	if s.o.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.o.cfg.StatusInterval)
	defer cancel()
	if err := s.o.status.Publish(ctx, p); err != nil {
		s.log.Debug().Err(err).Msg("status publish failed")
	}
}
