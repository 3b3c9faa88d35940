// ============================================================================
// docflow worker pool - resizable job executors
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: run a dynamic number of workers over a single JobSource
//
// Architecture:
//
//   ┌──────────────┐   Next()    ┌──────────┐
//   │  JobSource   │ ◄────────── │ Worker 1 │ ──┐
//   │ (jobmanager) │ ◄────────── │ Worker 2 │ ──┼──► results chan
//   │              │ ◄────────── │ Worker n │ ──┘
//   └──────────────┘   Ack()     └──────────┘
//
// Resizing:
//   - Growing spawns new workers immediately.
//   - Shrinking retires idle workers first, newest first among equals.
//     A retired worker stops waiting on Next but a job it already holds
//     runs to completion: the handler receives the pool context, not the
//     retire context. A resize never preempts, drops or duplicates a job.
//
// Lifecycle:
//   1. NewPool(source, handler, opts) - build
//   2. Start(ctx, n)                  - launch n workers
//   3. Resize(n)                      - adjust between job boundaries
//   4. Wait()                         - block until every worker exited
//                                       (source closed), then close results
//   5. Stop()                         - cancel everything and Wait
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed is returned when operating on a stopped pool
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned when resizing a pool that was never started
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrInvalidSize is returned for a worker count below 1
	ErrInvalidSize = errors.New("worker count must be at least 1")
)

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the pool logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithResultBuffer sets the result channel capacity
func WithResultBuffer(n int) Option {
	return func(p *Pool) { p.bufferSize = n }
}

// Pool manages worker goroutines
type Pool struct {
	source     JobSource
	handler    Handler
	log        zerolog.Logger
	bufferSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[int]*Worker
	nextID  int
	started bool
	stopped bool
	drained bool // a worker saw the source closed and empty
	wg      sync.WaitGroup

	results   chan types.JobResult
	closeOnce sync.Once
}

// NewPool creates a pool over source. Workers call handler for every job.
func NewPool(source JobSource, handler Handler, opts ...Option) *Pool {
	p := &Pool{
		source:     source,
		handler:    handler,
		log:        zerolog.Nop(),
		bufferSize: 64,
		workers:    make(map[int]*Worker),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.results = make(chan types.JobResult, p.bufferSize)
	return p
}

// Start launches workerCount workers. ctx bounds the lifetime of every job.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	if workerCount < 1 {
		return ErrInvalidSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.spawnLocked(workerCount)
	p.log.Info().Int("workers", workerCount).Msg("worker pool started")
	return nil
}

func (p *Pool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		w := newWorker(p.nextID, p)
		p.workers[w.id] = w
		p.nextID++

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			err := w.Run(p.deliver)
			p.mu.Lock()
			delete(p.workers, w.id)
			if !errors.Is(err, context.Canceled) {
				p.drained = true
			}
			p.mu.Unlock()
		}(w)
	}
}

func (p *Pool) deliver(r types.JobResult) {
	select {
	case p.results <- r:
	case <-p.ctx.Done():
		// pool stopped; the result is still acknowledged at the source
	}
}

// Resize adjusts the live worker count to n. Shrinking never interrupts a
// job that is already running.
func (p *Pool) Resize(n int) error {
	if n < 1 {
		return ErrInvalidSize
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	live := p.liveLocked()
	switch {
	case n > len(live) && p.drained:
		// nothing left to pull; new workers would exit immediately
	case n > len(live):
		p.spawnLocked(n - len(live))
	case n < len(live):
		// retire idle workers first, newest first among equals
		sort.SliceStable(live, func(i, j int) bool {
			bi, bj := live[i].Busy(), live[j].Busy()
			if bi != bj {
				return !bi
			}
			return live[i].id > live[j].id
		})
		for _, w := range live[:len(live)-n] {
			w.retire()
		}
	}
	p.log.Info().Int("from", len(live)).Int("to", n).Msg("worker pool resized")
	return nil
}

// liveLocked lists workers that have not been retired. Caller holds mu.
func (p *Pool) liveLocked() []*Worker {
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.idleCtx.Err() == nil {
			out = append(out, w)
		}
	}
	return out
}

// Size returns the number of live (non-retired) workers
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.liveLocked())
}

// Active returns the number of workers currently executing a job,
// including retired workers finishing their last job
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.Busy() {
			n++
		}
	}
	return n
}

// Results streams every terminal JobResult. Closed after Wait returns.
func (p *Pool) Results() <-chan types.JobResult { return p.results }

// Wait blocks until every worker has exited, then closes Results
func (p *Pool) Wait() {
	p.wg.Wait()
	p.closeOnce.Do(func() { close(p.results) })
}

// Stop cancels the pool context, waits for workers and closes Results
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.Wait()
}

// IsStarted reports whether Start succeeded
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
