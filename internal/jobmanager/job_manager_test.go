package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestJob(id string, p types.Priority, offset time.Duration) types.Job {
	return types.Job{
		ID:        types.JobID(id),
		InputRef:  id + ".pdf",
		Priority:  p,
		CreatedAt: t0.Add(offset),
	}
}

func drainIDs(t *testing.T, jm *JobManager, n int) []types.JobID {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := make([]types.JobID, 0, n)
	for i := 0; i < n; i++ {
		job, err := jm.Next(ctx)
		require.NoError(t, err)
		out = append(out, job.ID)
	}
	return out
}

// ============================================================================
// Ordering
// ============================================================================

func TestNextPriorityThenFIFO(t *testing.T) {
	jm := NewJobManager()
	require.NoError(t, jm.Enqueue(
		newTestJob("low-1", types.PriorityLow, 0),
		newTestJob("normal-2", types.PriorityNormal, 2*time.Second),
		newTestJob("normal-1", types.PriorityNormal, time.Second),
		newTestJob("crit", types.PriorityCritical, 5*time.Second),
		newTestJob("high", types.PriorityHigh, 3*time.Second),
	))

	got := drainIDs(t, jm, 5)
	assert.Equal(t, []types.JobID{"crit", "high", "normal-1", "normal-2", "low-1"}, got)
}

func TestNextComplexityBreaksTimestampTies(t *testing.T) {
	jm := NewJobManager()
	big := newTestJob("big", types.PriorityNormal, 0)
	big.ComplexityScore = 3.0
	small := newTestJob("small", types.PriorityNormal, 0)
	small.ComplexityScore = 0.3
	mid := newTestJob("mid", types.PriorityNormal, 0)
	mid.ComplexityScore = 1.0
	require.NoError(t, jm.Enqueue(big, small, mid))

	assert.Equal(t, []types.JobID{"small", "mid", "big"}, drainIDs(t, jm, 3))
}

func TestNextSeqKeepsSubmissionOrder(t *testing.T) {
	jm := NewJobManager()
	jobs := make([]types.Job, 0, 20)
	want := make([]types.JobID, 0, 20)
	for i := 0; i < 20; i++ {
		j := newTestJob(fmt.Sprintf("j%02d", i), types.PriorityNormal, 0)
		jobs = append(jobs, j)
		want = append(want, j.ID)
	}
	require.NoError(t, jm.Enqueue(jobs...))
	assert.Equal(t, want, drainIDs(t, jm, 20))
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestEnqueueRejectsDuplicatesAtomically(t *testing.T) {
	jm := NewJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a", types.PriorityNormal, 0)))

	err := jm.Enqueue(newTestJob("b", types.PriorityNormal, 0), newTestJob("a", types.PriorityNormal, 0))
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, 1, jm.Stats().Total)

	err = jm.Enqueue(newTestJob("c", types.PriorityNormal, 0), newTestJob("c", types.PriorityNormal, 0))
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	jm := NewJobManager()
	jm.Close()
	assert.ErrorIs(t, jm.Enqueue(newTestJob("a", types.PriorityNormal, 0)), ErrQueueClosed)
}

func TestNextReturnsClosedAfterDrain(t *testing.T) {
	jm := NewJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a", types.PriorityNormal, 0)))
	jm.Close()

	job, err := jm.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.JobID("a"), job.ID)

	_, err = jm.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestNextBlocksUntilEnqueue(t *testing.T) {
	jm := NewJobManager()
	got := make(chan types.JobID, 1)
	go func() {
		job, err := jm.Next(context.Background())
		if err == nil {
			got <- job.ID
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before any job was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, jm.Enqueue(newTestJob("late", types.PriorityNormal, 0)))
	select {
	case id := <-got:
		assert.Equal(t, types.JobID("late"), id)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestNextHonoursContext(t *testing.T) {
	jm := NewJobManager()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := jm.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPauseHoldsDispatch(t *testing.T) {
	jm := NewJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a", types.PriorityNormal, 0)))
	jm.Pause()
	assert.True(t, jm.Paused())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := jm.Next(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	jm.Resume()
	assert.Equal(t, []types.JobID{"a"}, drainIDs(t, jm, 1))
}

func TestAckAndComplete(t *testing.T) {
	jm := NewJobManager()
	require.NoError(t, jm.Enqueue(newTestJob("a", types.PriorityNormal, 0), newTestJob("b", types.PriorityNormal, time.Second)))

	assert.ErrorIs(t, jm.Ack(types.JobResult{JobID: "a"}), ErrNotInFlight)
	assert.ErrorIs(t, jm.Ack(types.JobResult{JobID: "zzz"}), ErrJobNotFound)

	drainIDs(t, jm, 1)
	require.NoError(t, jm.Ack(types.JobResult{JobID: "a", Status: types.StatusSucceeded, Attempts: 2}))
	job, err := jm.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptCount)

	drained := jm.Drain()
	require.Len(t, drained, 1)
	require.NoError(t, jm.Complete(types.JobResult{JobID: "b", Status: types.StatusCancelled}))

	st := jm.Stats()
	assert.Equal(t, Stats{Completed: 2, Total: 2}, st)
}

func TestSnapshot(t *testing.T) {
	jm := NewJobManager()
	require.NoError(t, jm.Enqueue(
		newTestJob("a", types.PriorityNormal, 0),
		newTestJob("b", types.PriorityHigh, time.Second),
		newTestJob("c", types.PriorityLow, 2*time.Second),
	))
	drainIDs(t, jm, 1) // b
	require.NoError(t, jm.Ack(types.JobResult{JobID: "b", Status: types.StatusSucceeded}))
	drainIDs(t, jm, 1) // a

	snap := jm.Snapshot()
	assert.Equal(t, []types.JobID{"c"}, snap.Pending)
	assert.Equal(t, []types.JobID{"a"}, snap.InFlight)
	require.Len(t, snap.Completed, 1)
	assert.Equal(t, types.JobID("b"), snap.Completed[0].JobID)
	// snapshot must not disturb the heap
	assert.Equal(t, 1, jm.Stats().Pending)
}

func TestConcurrentNextNeverDuplicates(t *testing.T) {
	jm := NewJobManager()
	const n = 200
	jobs := make([]types.Job, n)
	for i := range jobs {
		jobs[i] = newTestJob(fmt.Sprintf("j%d", i), types.Priority(1+i%5), 0)
	}
	require.NoError(t, jm.Enqueue(jobs...))
	jm.Close()

	var mu sync.Mutex
	seen := make(map[types.JobID]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := jm.Next(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
				_ = jm.Ack(types.JobResult{JobID: job.ID, Status: types.StatusSucceeded})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, id)
	}
}
