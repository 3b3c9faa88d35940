package worker

import (
	"context"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// JobSource is where workers pull jobs from and report results to.
// jobmanager.JobManager satisfies it.
type JobSource interface {
	// Next blocks until a job is dispatched to the caller, the source is
	// closed and empty, or ctx is done.
	Next(ctx context.Context) (types.Job, error)

	// Ack reports the terminal result of a job previously returned by Next.
	Ack(result types.JobResult) error
}

// Handler runs one job to a terminal result. It must always return a result,
// including for cancelled jobs.
type Handler func(ctx context.Context, job types.Job) types.JobResult
