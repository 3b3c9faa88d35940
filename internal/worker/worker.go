package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// Worker pulls jobs from a JobSource one at a time
type Worker struct {
	id      int
	source  JobSource
	handler Handler
	jobCtx  context.Context // passed to the handler; never cancelled by Resize
	idleCtx context.Context // cancelled when the worker is retired
	retire  context.CancelFunc
	busy    atomic.Bool
	log     zerolog.Logger
}

func newWorker(id int, p *Pool) *Worker {
	idleCtx, retire := context.WithCancel(p.ctx)
	return &Worker{
		id:      id,
		source:  p.source,
		handler: p.handler,
		jobCtx:  p.ctx,
		idleCtx: idleCtx,
		retire:  retire,
		log:     p.log.With().Int("worker", id).Logger(),
	}
}

// Run is the worker main loop. It returns when the source is closed, the
// worker is retired while idle, or the pool is stopped. The returned error
// is the reason reported by the source.
func (w *Worker) Run(deliver func(types.JobResult)) error {
	defer w.retire()
	for {
		if err := w.idleCtx.Err(); err != nil {
			return err
		}
		job, err := w.source.Next(w.idleCtx)
		if err != nil {
			w.log.Debug().Err(err).Msg("worker exiting")
			return err
		}

		w.busy.Store(true)
		start := time.Now()
		result := w.handler(w.jobCtx, job)
		w.busy.Store(false)

		if result.JobID == "" {
			result.JobID = job.ID
		}
		if err := w.source.Ack(result); err != nil {
			w.log.Error().Err(err).Str("job_id", string(job.ID)).Msg("ack failed")
		}
		w.log.Debug().
			Str("job_id", string(job.ID)).
			Str("status", string(result.Status)).
			Dur("took", time.Since(start)).
			Msg("job finished")
		deliver(result)
	}
}

// Busy reports whether the worker is executing a job
func (w *Worker) Busy() bool { return w.busy.Load() }
