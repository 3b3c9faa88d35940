package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/internal/cancellation"
	"github.com/ChuLiYu/docflow/internal/queue"
	"github.com/ChuLiYu/docflow/internal/resource"
	"github.com/ChuLiYu/docflow/internal/snapshot"
	"github.com/ChuLiYu/docflow/internal/storage/journal"
	"github.com/ChuLiYu/docflow/pkg/stage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Helpers
// ============================================================================

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newOrchestrator(opts ...Option) *Orchestrator {
	cfg := DefaultConfig()
	cfg.ProgressTick = 10 * time.Millisecond
	return New(cfg, append([]Option{WithSleeper(noSleep)}, opts...)...)
}

func testItems(n int) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{Ref: fmt.Sprintf("doc-%02d.txt", i+1)}
	}
	return out
}

func okStage(phase types.Phase) stage.Stage {
	return stage.Stage{Phase: phase, Run: func(_ context.Context, doc *stage.Document) error {
		doc.Records = append(doc.Records, stage.FieldRecord{Name: string(phase), Value: "ok", Confidence: 0.9})
		return nil
	}}
}

func blockingStage(phase types.Phase, started chan<- string) stage.Stage {
	return stage.Stage{Phase: phase, Run: func(ctx context.Context, doc *stage.Document) error {
		started <- doc.Ref
		<-ctx.Done()
		return ctx.Err()
	}}
}

func conc(min, max, initial int) queue.Concurrency {
	return queue.Concurrency{Min: min, Max: max, Initial: initial}
}

func wait(t *testing.T, s *Session) types.Summary {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not complete")
	}
	sum, err := s.Wait()
	require.NoError(t, err)
	return sum
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func watch(s *Session) *recorder {
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for e := range s.Events() {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) count(tp EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == tp {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, tp EventType) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(tp) > 0 }, 5*time.Second, 5*time.Millisecond, "no %s event", tp)
}

func (r *recorder) all(t *testing.T) []Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream not closed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) first(tp EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == tp {
			return e, true
		}
	}
	return Event{}, false
}

func waitStarted(t *testing.T, started <-chan string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d jobs started", i, n)
		}
	}
}

// ============================================================================
// Batch outcomes
// ============================================================================

func TestTransientFailuresRecoverWithinPolicy(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	flaky := map[string]bool{"doc-03.txt": true, "doc-07.txt": true}

	ingest := stage.Stage{Phase: types.PhaseIngestion, Run: func(_ context.Context, doc *stage.Document) error {
		mu.Lock()
		defer mu.Unlock()
		calls[doc.Ref]++
		if flaky[doc.Ref] && calls[doc.Ref] <= 2 {
			return stage.Temporary("ingest", errors.New("connection reset by peer"))
		}
		doc.Text = "text"
		return nil
	}}

	s, err := newOrchestrator().Run(context.Background(), Batch{
		Items:       testItems(10),
		Stages:      []stage.Stage{ingest, okStage(types.PhaseExtraction)},
		Policy:      types.DefaultRetryPolicy(),
		Concurrency: conc(1, 4, 3),
	})
	require.NoError(t, err)
	rec := watch(s)

	sum := wait(t, s)
	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 10, sum.Succeeded)
	assert.Zero(t, sum.Failed)
	assert.Zero(t, sum.Cancelled)
	assert.LessOrEqual(t, sum.TotalAttempts, 10+2*2)
	assert.Equal(t, 14, sum.TotalAttempts)
	assert.Empty(t, sum.Failures)
	assert.InDelta(t, 0.9, sum.AvgConfidence, 1e-9)

	events := rec.all(t)
	assert.Equal(t, 4, rec.count(EventRetryAttempted))
	assert.Equal(t, 10, rec.count(EventJobCompleted))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventBatchCompleted, last.Type)
	require.NotNil(t, last.Summary)
	assert.Equal(t, sum.Total, last.Summary.Succeeded+last.Summary.Failed+last.Summary.Cancelled)

	p := s.Progress()
	assert.Equal(t, 10, p.CompletedJobs)
	assert.InDelta(t, 1.0, p.Fraction, 1e-9)
	assert.Len(t, s.RetryHistory("job-00003"), 2)
}

func TestPermanentFailureDoesNotStopBatch(t *testing.T) {
	extract := stage.Stage{Phase: types.PhaseExtraction, Run: func(_ context.Context, doc *stage.Document) error {
		if doc.Ref == "doc-02.txt" {
			return stage.Permanent("extract", errors.New("unsupported format"))
		}
		doc.Records = []stage.FieldRecord{{Name: "total", Value: "1", Confidence: 0.5}}
		return nil
	}}

	s, err := newOrchestrator().Run(context.Background(), Batch{
		Items:       testItems(5),
		Stages:      []stage.Stage{okStage(types.PhaseIngestion), extract},
		Concurrency: conc(1, 2, 2),
	})
	require.NoError(t, err)

	sum := wait(t, s)
	assert.Equal(t, 4, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	f := sum.Failures[0]
	assert.Equal(t, types.JobID("job-00002"), f.JobID)
	assert.Equal(t, types.StatusFailed, f.Status)
	assert.Equal(t, types.PhaseExtraction, f.Phase)
	assert.Contains(t, f.Reason, "rejected the input")
	assert.Len(t, s.RetryHistory("job-00002"), 1, "permanent errors are never retried")
}

func TestEveryJobFailingStillProducesSummary(t *testing.T) {
	broken := stage.Stage{Phase: types.PhaseIngestion, Run: func(context.Context, *stage.Document) error {
		return stage.Temporary("ingest", errors.New("timeout talking to parser"))
	}}
	s, err := newOrchestrator().Run(context.Background(), Batch{
		Items:       testItems(3),
		Stages:      []stage.Stage{broken},
		Policy:      types.RetryPolicy{MaxAttempts: 2, BackoffFactor: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		Concurrency: conc(1, 3, 3),
	})
	require.NoError(t, err)

	sum := wait(t, s)
	assert.Equal(t, 3, sum.Failed)
	assert.Equal(t, 6, sum.TotalAttempts)
	assert.Len(t, sum.Failures, 3)
	for _, f := range sum.Failures {
		assert.Contains(t, f.Reason, "retries exhausted")
	}
}

func TestStageTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	slow := stage.Stage{Phase: types.PhaseProofreading, Timeout: 20 * time.Millisecond, Run: func(ctx context.Context, _ *stage.Document) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	s, err := newOrchestrator().Run(context.Background(), Batch{
		Items:       testItems(1),
		Stages:      []stage.Stage{slow},
		Concurrency: conc(1, 1, 1),
	})
	require.NoError(t, err)

	sum := wait(t, s)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, sum.TotalAttempts)
	history := s.RetryHistory("job-00001")
	require.Len(t, history, 1)
	assert.Equal(t, types.KindTemporary, history[0].ErrorKind)
}

func TestSingleWorkerProcessesByPriorityThenFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	ingest := stage.Stage{Phase: types.PhaseIngestion, Run: func(_ context.Context, doc *stage.Document) error {
		mu.Lock()
		order = append(order, doc.Ref)
		mu.Unlock()
		return nil
	}}

	s, err := newOrchestrator().Run(context.Background(), Batch{
		Items: []Item{
			{Ref: "a.txt", Priority: types.PriorityLow},
			{Ref: "b.txt", Priority: types.PriorityHigh},
			{Ref: "c.txt"},
			{Ref: "d.txt", Priority: types.PriorityHigh},
			{Ref: "e.txt"},
		},
		PriorityFn: func(ref string) types.Priority {
			if ref == "e.txt" {
				return types.PriorityUrgent
			}
			return 0
		},
		Stages:      []stage.Stage{ingest},
		Concurrency: conc(1, 1, 1),
	})
	require.NoError(t, err)
	wait(t, s)

	assert.Equal(t, []string{"e.txt", "b.txt", "d.txt", "c.txt", "a.txt"}, order)
}

// ============================================================================
// Critical errors
// ============================================================================

func TestCriticalErrorPausesIntakeUntilResume(t *testing.T) {
	ingest := stage.Stage{Phase: types.PhaseIngestion, Run: func(_ context.Context, doc *stage.Document) error {
		if doc.Ref == "outage.txt" {
			return stage.Critical("ingest", errors.New("quota exceeded"))
		}
		return nil
	}}
	items := append([]Item{{Ref: "outage.txt", Priority: types.PriorityCritical}}, testItems(3)...)

	s, err := newOrchestrator().Run(context.Background(), Batch{
		Items:       items,
		Stages:      []stage.Stage{ingest},
		Concurrency: conc(1, 1, 1),
	})
	require.NoError(t, err)
	rec := watch(s)

	rec.waitFor(t, EventIntakePaused)
	assert.True(t, s.Paused())
	require.Eventually(t, func() bool { return s.Progress().CompletedJobs == 1 }, time.Second, 5*time.Millisecond)

	select {
	case <-s.Done():
		t.Fatal("batch completed while intake was paused")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, rec.count(EventBatchCompleted))

	require.True(t, s.ResumeIntake())
	assert.False(t, s.ResumeIntake())

	sum := wait(t, s)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	assert.Contains(t, sum.Failures[0].Reason, "critical failure")

	rec.all(t)
	assert.Equal(t, 1, rec.count(EventIntakeResumed))
}

func TestCriticalCooldownResumesIntake(t *testing.T) {
	ingest := stage.Stage{Phase: types.PhaseIngestion, Run: func(_ context.Context, doc *stage.Document) error {
		if doc.Ref == "doc-01.txt" {
			return stage.Critical("ingest", errors.New("cannot allocate memory"))
		}
		return nil
	}}
	cfg := DefaultConfig()
	cfg.ProgressTick = 10 * time.Millisecond
	cfg.CriticalCooldown = 20 * time.Millisecond
	o := New(cfg, WithSleeper(noSleep))

	s, err := o.Run(context.Background(), Batch{
		Items:       testItems(3),
		Stages:      []stage.Stage{ingest},
		Concurrency: conc(1, 1, 1),
	})
	require.NoError(t, err)

	sum := wait(t, s)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	assert.False(t, s.Paused())
}

// ============================================================================
// Cancellation
// ============================================================================

func TestImmediateCancelWithJobsInFlight(t *testing.T) {
	store := snapshot.NewManager(t.TempDir(), 10, zerolog.Nop())
	started := make(chan string, 3)

	s, err := newOrchestrator(WithStore(store)).Run(context.Background(), Batch{
		ID:                "batch-immediate",
		Items:             testItems(3),
		Stages:            []stage.Stage{blockingStage(types.PhaseIngestion, started), okStage(types.PhaseExtraction)},
		Concurrency:       conc(1, 3, 3),
		CheckpointEnabled: true,
	})
	require.NoError(t, err)
	rec := watch(s)

	waitStarted(t, started, 3)
	require.True(t, s.Cancel(false))
	assert.False(t, s.Cancel(false))

	sum := wait(t, s)
	assert.True(t, sum.WasCancelled)
	assert.Equal(t, 3, sum.Cancelled)
	assert.True(t, sum.StateSaved)
	assert.Equal(t, store.Path("batch-immediate"), sum.StatePath)
	assert.Equal(t, cancellation.StateCancelled, s.State())

	state, err := store.LoadBatch("batch-immediate")
	require.NoError(t, err)
	assert.Empty(t, state.PendingJobIDs)
	assert.Len(t, state.InFlightJobIDs, 3)
	assert.Empty(t, state.CompletedResults)

	rec.all(t)
	confirmed, ok := rec.first(EventCancellationConfirmed)
	require.True(t, ok)
	assert.True(t, confirmed.StateSaved)
}

func TestGracefulCancelFinishesCurrentPhaseOnly(t *testing.T) {
	store := snapshot.NewManager(t.TempDir(), 10, zerolog.Nop())
	release := make(chan struct{})
	var ingests, extracts atomic.Int32

	ingest := stage.Stage{Phase: types.PhaseIngestion, Run: func(context.Context, *stage.Document) error {
		ingests.Add(1)
		<-release
		return nil
	}}
	extract := stage.Stage{Phase: types.PhaseExtraction, Run: func(context.Context, *stage.Document) error {
		extracts.Add(1)
		return nil
	}}

	s, err := newOrchestrator(WithStore(store)).Run(context.Background(), Batch{
		ID:                "batch-graceful",
		Items:             testItems(4),
		Stages:            []stage.Stage{ingest, extract},
		Concurrency:       conc(1, 1, 1),
		CheckpointEnabled: true,
	})
	require.NoError(t, err)

	var cleaned atomic.Bool
	s.AddCleanup(cancellation.CleanupTask{Name: "flush", Priority: 1, Timeout: time.Second, Run: func(context.Context) error {
		cleaned.Store(true)
		return nil
	}})

	require.Eventually(t, func() bool { return ingests.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, s.Cancel(true))
	assert.Equal(t, cancellation.StateDraining, s.State())
	close(release)

	sum := wait(t, s)
	assert.Equal(t, int32(1), ingests.Load(), "no new job starts after a graceful cancel")
	assert.Zero(t, extracts.Load())
	assert.Equal(t, 4, sum.Cancelled)
	assert.True(t, sum.WasCancelled)
	assert.True(t, cleaned.Load())

	var reasons []string
	for _, f := range sum.Failures {
		reasons = append(reasons, f.Reason)
	}
	assert.Contains(t, reasons, "cancelled before extraction")
	assert.Contains(t, reasons, "cancelled before start")

	state, err := store.LoadBatch("batch-graceful")
	require.NoError(t, err)
	assert.Len(t, state.PendingJobIDs, 3)
	assert.Equal(t, []types.JobID{"job-00001"}, state.InFlightJobIDs)
}

func TestCallerContextCancelIsImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan string, 2)

	s, err := newOrchestrator().Run(ctx, Batch{
		Items:       testItems(2),
		Stages:      []stage.Stage{blockingStage(types.PhaseIngestion, started)},
		Concurrency: conc(1, 2, 2),
	})
	require.NoError(t, err)

	waitStarted(t, started, 2)
	cancel()

	sum := wait(t, s)
	assert.True(t, sum.WasCancelled)
	assert.Equal(t, 2, sum.Cancelled)
	assert.False(t, sum.StateSaved)
}

// ============================================================================
// Checkpoints and resume
// ============================================================================

func resumableState() types.ProcessingState {
	now := time.Now()
	return types.ProcessingState{
		SchemaVer: types.StateSchemaVersion,
		BatchID:   "batch-resume",
		Jobs: []types.Job{
			{ID: "job-00001", InputRef: "a.txt", Priority: types.PriorityNormal, CreatedAt: now},
			{ID: "job-00002", InputRef: "b.txt", Priority: types.PriorityNormal, CreatedAt: now},
			{ID: "job-00003", InputRef: "c.txt", Priority: types.PriorityNormal, CreatedAt: now},
		},
		PendingJobIDs:  []types.JobID{"job-00002"},
		InFlightJobIDs: []types.JobID{"job-00003"},
		CompletedResults: []types.JobResult{
			{JobID: "job-00001", InputRef: "a.txt", Status: types.StatusSucceeded, Attempts: 1, Confidence: 0.6},
		},
		PolicySnapshot: types.DefaultRetryPolicy(),
	}
}

func TestResumeRunsRemainingJobsAndDeletesCheckpoint(t *testing.T) {
	store := snapshot.NewManager(t.TempDir(), 10, zerolog.Nop())
	state := resumableState()
	_, err := store.Write(state)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	ingest := stage.Stage{Phase: types.PhaseIngestion, Run: func(_ context.Context, doc *stage.Document) error {
		mu.Lock()
		seen = append(seen, doc.Ref)
		mu.Unlock()
		doc.Records = []stage.FieldRecord{{Name: "f", Value: "v", Confidence: 0.9}}
		return nil
	}}

	s, err := newOrchestrator(WithStore(store)).Resume(context.Background(), state, ResumeOptions{
		Stages:            []stage.Stage{ingest},
		Concurrency:       conc(1, 2, 2),
		CheckpointEnabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-resume", s.ID())

	sum := wait(t, s)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Equal(t, 3, sum.TotalAttempts)
	assert.InDelta(t, (0.6+0.9+0.9)/3, sum.AvgConfidence, 1e-9)
	assert.ElementsMatch(t, []string{"b.txt", "c.txt"}, seen)
	assert.False(t, store.Exists("batch-resume"), "checkpoint deleted on clean completion")
	assert.Equal(t, 3, s.Progress().CompletedJobs)
}

func TestCancelledBatchResumesFromItsCheckpoint(t *testing.T) {
	store := snapshot.NewManager(t.TempDir(), 10, zerolog.Nop())
	started := make(chan string, 4)
	o := newOrchestrator(WithStore(store))

	s, err := o.Run(context.Background(), Batch{
		ID:                "batch-roundtrip",
		Items:             testItems(4),
		Stages:            []stage.Stage{blockingStage(types.PhaseIngestion, started)},
		Concurrency:       conc(1, 1, 1),
		CheckpointEnabled: true,
	})
	require.NoError(t, err)
	waitStarted(t, started, 1)
	s.Cancel(false)
	first := wait(t, s)
	require.True(t, first.StateSaved)

	state, err := store.LoadBatch("batch-roundtrip")
	require.NoError(t, err)
	assert.Len(t, state.PendingJobIDs, 3)
	assert.Len(t, state.InFlightJobIDs, 1)

	resumed, err := o.Resume(context.Background(), state, ResumeOptions{
		Stages:            []stage.Stage{okStage(types.PhaseIngestion)},
		Concurrency:       conc(1, 2, 2),
		CheckpointEnabled: true,
	})
	require.NoError(t, err)
	sum := wait(t, resumed)
	assert.Equal(t, 4, sum.Succeeded)
	assert.False(t, store.Exists("batch-roundtrip"))
}

func TestResumeRejectsBadState(t *testing.T) {
	o := newOrchestrator()
	opts := ResumeOptions{Stages: []stage.Stage{okStage(types.PhaseIngestion)}, Concurrency: conc(1, 1, 1)}

	corrupt := resumableState()
	corrupt.PendingJobIDs = append(corrupt.PendingJobIDs, "job-00003")
	_, err := o.Resume(context.Background(), corrupt, opts)
	assert.ErrorIs(t, err, snapshot.ErrCorruptState)

	done := resumableState()
	done.PendingJobIDs = nil
	done.InFlightJobIDs = nil
	done.CompletedResults = append(done.CompletedResults,
		types.JobResult{JobID: "job-00002", Status: types.StatusSucceeded},
		types.JobResult{JobID: "job-00003", Status: types.StatusFailed},
	)
	_, err = o.Resume(context.Background(), done, opts)
	assert.ErrorIs(t, err, ErrNothingToResume)
}

// ============================================================================
// Resources and resizing
// ============================================================================

func TestMemoryPressureShrinksPool(t *testing.T) {
	sampler := resource.SamplerFunc(func(context.Context) (resource.Sample, error) {
		return resource.Sample{MemoryPct: 95, CPUPct: 10, FreeDiskMB: 50_000}, nil
	})
	cfg := DefaultConfig()
	cfg.ProgressTick = 10 * time.Millisecond
	cfg.ResourceInterval = 5 * time.Millisecond
	o := New(cfg, WithSleeper(noSleep), WithSampler(sampler))

	release := make(chan struct{})
	hold := stage.Stage{Phase: types.PhaseIngestion, Run: func(context.Context, *stage.Document) error {
		<-release
		return nil
	}}
	s, err := o.Run(context.Background(), Batch{
		Items:       testItems(4),
		Stages:      []stage.Stage{hold},
		Concurrency: conc(1, 4, 4),
	})
	require.NoError(t, err)
	rec := watch(s)

	rec.waitFor(t, EventWorkersResized)
	resized, _ := rec.first(EventWorkersResized)
	assert.Equal(t, 3, resized.Workers)
	assert.Less(t, s.Workers(), 4)
	snap, ok := s.Resources()
	require.True(t, ok)
	assert.Equal(t, 95.0, snap.MemoryPct)

	close(release)
	sum := wait(t, s)
	assert.Equal(t, 4, sum.Succeeded, "shrinking never drops an in-flight job")

	rec.all(t)
	assert.Equal(t, 1, rec.count(EventResourceWarning), "warnings fire on level changes only")
}

func TestResizeClampsToConcurrencyRange(t *testing.T) {
	release := make(chan struct{})
	hold := stage.Stage{Phase: types.PhaseIngestion, Run: func(context.Context, *stage.Document) error {
		<-release
		return nil
	}}
	s, err := newOrchestrator().Run(context.Background(), Batch{
		Items:       testItems(6),
		Stages:      []stage.Stage{hold},
		Concurrency: conc(1, 4, 2),
	})
	require.NoError(t, err)

	got, err := s.Resize(10)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
	assert.Equal(t, 4, s.Workers())

	got, err = s.Resize(0)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	close(release)
	sum := wait(t, s)
	assert.Equal(t, 6, sum.Succeeded)
}

// ============================================================================
// Sinks
// ============================================================================

type fakeMetrics struct {
	mu        sync.Mutex
	submitted int
	finished  int
	retries   int
	stages    int
	paused    []bool
}

func (f *fakeMetrics) JobsSubmitted(n int) {
	f.mu.Lock()
	f.submitted += n
	f.mu.Unlock()
}

func (f *fakeMetrics) JobFinished(types.JobResult) {
	f.mu.Lock()
	f.finished++
	f.mu.Unlock()
}

func (f *fakeMetrics) RetryAttempted(types.RetryAttempt) {
	f.mu.Lock()
	f.retries++
	f.mu.Unlock()
}

func (f *fakeMetrics) StageObserved(types.Phase, time.Duration) {
	f.mu.Lock()
	f.stages++
	f.mu.Unlock()
}

func (f *fakeMetrics) IntakePaused(p bool) {
	f.mu.Lock()
	f.paused = append(f.paused, p)
	f.mu.Unlock()
}

func (f *fakeMetrics) WorkersChanged(int)                     {}
func (f *fakeMetrics) QueueDepth(int, int)                    {}
func (f *fakeMetrics) ResourceSampled(types.ResourceSnapshot) {}

type fakeLedger struct {
	mu      sync.Mutex
	summary types.Summary
	results []types.JobResult
}

func (f *fakeLedger) RecordBatch(_ context.Context, s types.Summary, r []types.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary, f.results = s, r
	return nil
}

type fakeStatus struct{ n atomic.Int32 }

func (f *fakeStatus) Publish(context.Context, types.BatchProgress) error {
	f.n.Add(1)
	return nil
}

func TestSinksSeeBatchLifecycle(t *testing.T) {
	jpath := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := journal.Open(jpath, journal.Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer j.Close()

	m := &fakeMetrics{}
	l := &fakeLedger{}
	st := &fakeStatus{}
	var once sync.Once
	flaky := stage.Stage{Phase: types.PhaseExtraction, Run: func(context.Context, *stage.Document) error {
		var err error
		once.Do(func() { err = stage.Temporary("extract", errors.New("502 bad gateway")) })
		return err
	}}

	s, err := newOrchestrator(WithMetrics(m), WithLedger(l), WithStatus(st), WithJournal(j)).Run(context.Background(), Batch{
		ID:          "batch-sinks",
		Items:       testItems(3),
		Stages:      []stage.Stage{okStage(types.PhaseIngestion), flaky},
		Concurrency: conc(1, 1, 1),
	})
	require.NoError(t, err)
	sum := wait(t, s)
	require.Equal(t, 3, sum.Succeeded)

	m.mu.Lock()
	assert.Equal(t, 3, m.submitted)
	assert.Equal(t, 3, m.finished)
	assert.Equal(t, 1, m.retries)
	assert.Equal(t, 6, m.stages)
	m.mu.Unlock()

	l.mu.Lock()
	assert.Equal(t, "batch-sinks", l.summary.BatchID)
	assert.Len(t, l.results, 3)
	l.mu.Unlock()

	assert.GreaterOrEqual(t, st.n.Load(), int32(1))

	entries, err := journal.ReadAll(jpath)
	require.NoError(t, err)
	counts := map[journal.EntryType]int{}
	for _, e := range entries {
		assert.Equal(t, "batch-sinks", e.BatchID)
		counts[e.Type]++
	}
	assert.Equal(t, 3, counts[journal.EntrySubmitted])
	assert.Equal(t, 1, counts[journal.EntryRetry])
	assert.Equal(t, 3, counts[journal.EntryCompleted])
	assert.Equal(t, journal.EntryBatchCompleted, entries[len(entries)-1].Type)
}

// ============================================================================
// Validation
// ============================================================================

func TestRunRejectsInvalidBatches(t *testing.T) {
	o := newOrchestrator()
	stages := []stage.Stage{okStage(types.PhaseIngestion)}
	ctx := context.Background()

	_, err := o.Run(ctx, Batch{Stages: stages, Concurrency: conc(1, 1, 1)})
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = o.Run(ctx, Batch{Items: testItems(1), Concurrency: conc(1, 1, 1)})
	assert.ErrorIs(t, err, stage.ErrEmptyPipeline)

	_, err = o.Run(ctx, Batch{Items: testItems(1), Stages: stages, Concurrency: conc(1, 1, 1),
		Policy: types.RetryPolicy{MaxAttempts: 0, BackoffFactor: 2}})
	assert.ErrorIs(t, err, types.ErrInvalidPolicy)

	_, err = o.Run(ctx, Batch{Items: testItems(1), Stages: stages, Concurrency: conc(2, 1, 0)})
	assert.ErrorIs(t, err, queue.ErrInvalidConcurrency)

	_, err = o.Run(ctx, Batch{ID: "../escape", Items: testItems(1), Stages: stages, Concurrency: conc(1, 1, 1)})
	assert.ErrorIs(t, err, snapshot.ErrInvalidBatchID)
}

func TestCheckpointedBatchIsLocked(t *testing.T) {
	store := snapshot.NewManager(t.TempDir(), 10, zerolog.Nop())
	release, err := store.Lock("batch-locked")
	require.NoError(t, err)
	defer release()

	_, err = newOrchestrator(WithStore(store)).Run(context.Background(), Batch{
		ID:                "batch-locked",
		Items:             testItems(1),
		Stages:            []stage.Stage{okStage(types.PhaseIngestion)},
		Concurrency:       conc(1, 1, 1),
		CheckpointEnabled: true,
	})
	assert.ErrorIs(t, err, snapshot.ErrLocked)
}

func TestGeneratedBatchID(t *testing.T) {
	s, err := newOrchestrator().Run(context.Background(), Batch{
		Items:       testItems(1),
		Stages:      []stage.Stage{okStage(types.PhaseIngestion)},
		Concurrency: conc(1, 1, 1),
	})
	require.NoError(t, err)
	assert.Len(t, s.ID(), 36)
	sum := wait(t, s)
	assert.Equal(t, s.ID(), sum.BatchID)
}

// ============================================================================
// Events
// ============================================================================

func TestEventBusKeepsOrderAndCoalescesProgress(t *testing.T) {
	b := newEventBus(0)
	for i := 1; i <= 3; i++ {
		p := types.BatchProgress{CompletedJobs: i}
		b.emit(Event{Type: EventProgressUpdated, Progress: &p})
	}
	b.emit(Event{Type: EventJobCompleted})
	b.close()
	b.emit(Event{Type: EventJobCompleted})

	var got []Event
	for e := range b.out {
		got = append(got, e)
	}
	require.GreaterOrEqual(t, len(got), 2)
	require.LessOrEqual(t, len(got), 4)
	assert.Equal(t, EventJobCompleted, got[len(got)-1].Type)
	lastProgress := got[len(got)-2]
	require.Equal(t, EventProgressUpdated, lastProgress.Type)
	assert.Equal(t, 3, lastProgress.Progress.CompletedJobs)
}

func TestEventBusGivesUpOnAbsentReader(t *testing.T) {
	b := newEventBus(0)
	b.grace = 20 * time.Millisecond
	b.emit(Event{Type: EventJobCompleted})
	b.emit(Event{Type: EventBatchCompleted})
	b.close()
	b.close()

	// Nobody reads until well after the grace period.
	time.Sleep(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-b.out:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestFailureReason(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, "masking rejected the input: boom", failureReason(types.PhaseMasking, types.KindPermanent, err))
	assert.Equal(t, "critical failure in extraction: boom", failureReason(types.PhaseExtraction, types.KindCritical, err))
	assert.Equal(t, "ingestion failed: boom", failureReason(types.PhaseIngestion, types.KindTemporary, err))
}
