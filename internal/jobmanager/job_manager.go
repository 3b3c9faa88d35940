// ============================================================================
// docflow job manager - pending/in-flight/completed state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: own every job of a batch until it is dispatched, and track it
//          until its terminal result is acknowledged
//
// State transitions:
//
//   Pending ──Next()──► InFlight ──Ack(result)──► Completed
//      │
//      └──Drain()──► removed (returned to caller, typically for cancellation)
//
// Data layout:
//   jobs map[JobID]*Job         single source of truth for every submitted job
//   pending jobHeap             priority → created_at → complexity → seq
//   inFlight map[JobID]*Job     dispatched, no result yet
//   completed map[JobID]Result  acknowledged terminal results
//
// Blocking:
//   Next waits on a broadcast channel that is closed and replaced whenever
//   the dispatchable set may have changed (enqueue, resume, close). Waiters
//   re-check the state under the lock after every wake-up.
//
// Intake pause:
//   Pause() keeps pending jobs queued but stops Next from handing them out.
//   Enqueue is still accepted while paused.
//
// Concurrency:
//   A single sync.Mutex guards all state. No job pointer escapes: Next
//   returns a copy, so the worker owns its Job value exclusively.
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrQueueClosed is returned by Enqueue after Close, and by Next once the
	// queue is closed and drained
	ErrQueueClosed = errors.New("queue closed")
	// ErrDuplicateJob is returned when a job id was already submitted
	ErrDuplicateJob = errors.New("job already exists")
	// ErrNotInFlight is returned when acknowledging a job that was not dispatched
	ErrNotInFlight = errors.New("job not in flight")
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
)

// JobManager holds the queue state of one batch
type JobManager struct {
	mu        sync.Mutex
	jobs      map[types.JobID]*types.Job
	pending   jobHeap
	inFlight  map[types.JobID]*types.Job
	completed map[types.JobID]types.JobResult
	closed    bool
	paused    bool
	seq       uint64
	wake      chan struct{}
	now       func() time.Time
}

// Stats counts jobs per state
type Stats struct {
	Pending   int  `json:"pending"`
	InFlight  int  `json:"in_flight"`
	Completed int  `json:"completed"`
	Total     int  `json:"total"`
	Paused    bool `json:"paused"`
	Closed    bool `json:"closed"`
}

// Snapshot is the serializable view of the queue
type Snapshot struct {
	Pending   []types.JobID     `json:"pending"`
	InFlight  []types.JobID     `json:"in_flight"`
	Completed []types.JobResult `json:"completed"`
}

// NewJobManager creates an empty, open job manager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:      make(map[types.JobID]*types.Job),
		inFlight:  make(map[types.JobID]*types.Job),
		completed: make(map[types.JobID]types.JobResult),
		wake:      make(chan struct{}),
		now:       time.Now,
	}
}

// broadcast wakes every Next waiter. Caller holds mu.
func (jm *JobManager) broadcast() {
	close(jm.wake)
	jm.wake = make(chan struct{})
}

// Enqueue adds jobs atomically: either all are accepted or none.
// A zero CreatedAt is stamped with the current time.
func (jm *JobManager) Enqueue(jobs ...types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.closed {
		return ErrQueueClosed
	}
	seen := make(map[types.JobID]struct{}, len(jobs))
	for _, j := range jobs {
		if _, exists := jm.jobs[j.ID]; exists {
			return ErrDuplicateJob
		}
		if _, dup := seen[j.ID]; dup {
			return ErrDuplicateJob
		}
		seen[j.ID] = struct{}{}
	}

	now := jm.now()
	for _, j := range jobs {
		job := j
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		jm.seq++
		job.Seq = jm.seq
		jm.jobs[job.ID] = &job
		heap.Push(&jm.pending, &job)
	}
	if len(jobs) > 0 {
		jm.broadcast()
	}
	return nil
}

// Next blocks until a job can be dispatched, the queue is closed and empty,
// or ctx is done. The returned job is in flight.
func (jm *JobManager) Next(ctx context.Context) (types.Job, error) {
	for {
		jm.mu.Lock()
		if !jm.paused && jm.pending.Len() > 0 {
			job := heap.Pop(&jm.pending).(*types.Job)
			jm.inFlight[job.ID] = job
			out := *job
			jm.mu.Unlock()
			return out, nil
		}
		if jm.closed && jm.pending.Len() == 0 {
			jm.mu.Unlock()
			return types.Job{}, ErrQueueClosed
		}
		wake := jm.wake
		jm.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		case <-wake:
		}
	}
}

// Ack records the terminal result of an in-flight job
func (jm *JobManager) Ack(result types.JobResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.inFlight[result.JobID]
	if !ok {
		if _, exists := jm.jobs[result.JobID]; !exists {
			return ErrJobNotFound
		}
		return ErrNotInFlight
	}
	if result.Attempts > job.AttemptCount {
		job.AttemptCount = result.Attempts
	}
	delete(jm.inFlight, result.JobID)
	jm.completed[result.JobID] = result
	return nil
}

// Complete records a terminal result for a job that never left the queue,
// such as a pending job cancelled by Drain or a restored result.
func (jm *JobManager) Complete(result types.JobResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[result.JobID]; !exists {
		return ErrJobNotFound
	}
	if _, inFlight := jm.inFlight[result.JobID]; inFlight {
		return ErrNotInFlight
	}
	jm.completed[result.JobID] = result
	return nil
}

// Drain removes every pending job and returns them in dispatch order
func (jm *JobManager) Drain() []types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	out := make([]types.Job, 0, jm.pending.Len())
	for jm.pending.Len() > 0 {
		out = append(out, *heap.Pop(&jm.pending).(*types.Job))
	}
	jm.broadcast()
	return out
}

// Pause stops Next from dispatching pending jobs
func (jm *JobManager) Pause() {
	jm.mu.Lock()
	jm.paused = true
	jm.mu.Unlock()
}

// Resume re-enables dispatching
func (jm *JobManager) Resume() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.paused {
		jm.paused = false
		jm.broadcast()
	}
}

// Paused reports whether intake is paused
func (jm *JobManager) Paused() bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.paused
}

// Close rejects further Enqueue calls. Pending jobs can still be taken by Next.
func (jm *JobManager) Close() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if !jm.closed {
		jm.closed = true
		jm.broadcast()
	}
}

// Stats returns the current counts
func (jm *JobManager) Stats() Stats {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return Stats{
		Pending:   jm.pending.Len(),
		InFlight:  len(jm.inFlight),
		Completed: len(jm.completed),
		Total:     len(jm.jobs),
		Paused:    jm.paused,
		Closed:    jm.closed,
	}
}

// Get returns a copy of a job by id
func (jm *JobManager) Get(id types.JobID) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return *job, nil
}

// Snapshot captures the pending, in-flight and completed sets.
// Pending ids are listed in dispatch order.
func (jm *JobManager) Snapshot() Snapshot {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	ordered := make(jobHeap, len(jm.pending))
	copy(ordered, jm.pending)
	snap := Snapshot{
		Pending:   make([]types.JobID, 0, len(ordered)),
		InFlight:  make([]types.JobID, 0, len(jm.inFlight)),
		Completed: make([]types.JobResult, 0, len(jm.completed)),
	}
	for ordered.Len() > 0 {
		snap.Pending = append(snap.Pending, heap.Pop(&ordered).(*types.Job).ID)
	}
	for id := range jm.inFlight {
		snap.InFlight = append(snap.InFlight, id)
	}
	for _, r := range jm.completed {
		snap.Completed = append(snap.Completed, r)
	}
	slices.Sort(snap.InFlight)
	slices.SortFunc(snap.Completed, func(a, b types.JobResult) int {
		return strings.Compare(string(a.JobID), string(b.JobID))
	})
	return snap
}
