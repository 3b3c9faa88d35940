// ============================================================================
// docflow processing queue
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: priority-ordered job queue with a dynamic worker pool
//
// ProcessingQueue combines the job state machine (jobmanager) with the
// resizable pool (worker) behind one contract:
//
//   Submit(jobs...)  enqueue; fails with ErrQueueClosed after Close
//   Next(ctx)        blocking dispatch, used by the pool's workers
//   Ack(result)      terminal report of a dispatched job
//   Resize(n)        clamp n into [Min, Max] and adjust the pool
//   Close()          stop accepting jobs; workers exit once drained
//
// Intake can be paused (critical failures) and the pending set can be
// drained (graceful cancellation) without touching in-flight jobs.
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/internal/jobmanager"
	"github.com/ChuLiYu/docflow/internal/worker"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// ErrQueueClosed is returned by Submit after Close
var ErrQueueClosed = jobmanager.ErrQueueClosed

// ErrInvalidConcurrency is returned for an unusable worker range
var ErrInvalidConcurrency = errors.New("invalid concurrency")

// Concurrency bounds the worker pool
type Concurrency struct {
	Min     int `json:"min" yaml:"min" toml:"min"`
	Max     int `json:"max" yaml:"max" toml:"max"`
	Initial int `json:"initial" yaml:"initial" toml:"initial"`
}

// Validate checks 1 <= Min <= Initial <= Max
func (c Concurrency) Validate() error {
	switch {
	case c.Min < 1:
		return fmt.Errorf("%w: min must be at least 1", ErrInvalidConcurrency)
	case c.Max < c.Min:
		return fmt.Errorf("%w: max %d below min %d", ErrInvalidConcurrency, c.Max, c.Min)
	case c.Initial != 0 && (c.Initial < c.Min || c.Initial > c.Max):
		return fmt.Errorf("%w: initial %d outside [%d,%d]", ErrInvalidConcurrency, c.Initial, c.Min, c.Max)
	}
	return nil
}

// Clamp forces n into [Min, Max]
func (c Concurrency) Clamp(n int) int {
	if n < c.Min {
		return c.Min
	}
	if n > c.Max {
		return c.Max
	}
	return n
}

func (c Concurrency) initial() int {
	if c.Initial == 0 {
		return c.Max
	}
	return c.Initial
}

// ProcessingQueue owns pending jobs and the workers that run them
type ProcessingQueue struct {
	jobs *jobmanager.JobManager
	pool *worker.Pool
	conc Concurrency
	log  zerolog.Logger
}

// New builds a queue whose workers run handler. Call Start to launch them.
func New(conc Concurrency, handler worker.Handler, log zerolog.Logger) (*ProcessingQueue, error) {
	if err := conc.Validate(); err != nil {
		return nil, err
	}
	jm := jobmanager.NewJobManager()
	return &ProcessingQueue{
		jobs: jm,
		pool: worker.NewPool(jm, handler, worker.WithLogger(log)),
		conc: conc,
		log:  log,
	}, nil
}

// Start launches the initial number of workers
func (q *ProcessingQueue) Start(ctx context.Context) error {
	return q.pool.Start(ctx, q.conc.initial())
}

// Submit enqueues jobs atomically
func (q *ProcessingQueue) Submit(jobs ...types.Job) error {
	if err := q.jobs.Enqueue(jobs...); err != nil {
		return err
	}
	q.log.Debug().Int("jobs", len(jobs)).Msg("jobs submitted")
	return nil
}

// Next blocks until a job is available, the queue is closed and drained, or ctx is done
func (q *ProcessingQueue) Next(ctx context.Context) (types.Job, error) {
	return q.jobs.Next(ctx)
}

// Ack records a dispatched job's terminal result
func (q *ProcessingQueue) Ack(result types.JobResult) error {
	return q.jobs.Ack(result)
}

// Complete records a terminal result for a job that never reached a worker
func (q *ProcessingQueue) Complete(result types.JobResult) error {
	return q.jobs.Complete(result)
}

// Resize clamps n into the configured range and applies it.
// It returns the worker count actually requested from the pool.
func (q *ProcessingQueue) Resize(n int) (int, error) {
	target := q.conc.Clamp(n)
	if err := q.pool.Resize(target); err != nil {
		return q.pool.Size(), err
	}
	return target, nil
}

// Close rejects further submissions
func (q *ProcessingQueue) Close() { q.jobs.Close() }

// Pause stops dispatching pending jobs
func (q *ProcessingQueue) Pause() { q.jobs.Pause() }

// Resume re-enables dispatching
func (q *ProcessingQueue) Resume() { q.jobs.Resume() }

// Paused reports whether intake is paused
func (q *ProcessingQueue) Paused() bool { return q.jobs.Paused() }

// Drain removes all pending jobs and returns them
func (q *ProcessingQueue) Drain() []types.Job { return q.jobs.Drain() }

// Snapshot returns the pending/in-flight/completed view
func (q *ProcessingQueue) Snapshot() jobmanager.Snapshot { return q.jobs.Snapshot() }

// Stats returns job counts
func (q *ProcessingQueue) Stats() jobmanager.Stats { return q.jobs.Stats() }

// Workers returns the live worker count
func (q *ProcessingQueue) Workers() int { return q.pool.Size() }

// Active returns the number of workers executing a job
func (q *ProcessingQueue) Active() int { return q.pool.Active() }

// Concurrency returns the configured bounds
func (q *ProcessingQueue) Concurrency() Concurrency { return q.conc }

// Results streams terminal job results
func (q *ProcessingQueue) Results() <-chan types.JobResult { return q.pool.Results() }

// Wait blocks until every worker exited after Close, then closes Results
func (q *ProcessingQueue) Wait() { q.pool.Wait() }

// Stop cancels all workers immediately
func (q *ProcessingQueue) Stop() { q.pool.Stop() }
