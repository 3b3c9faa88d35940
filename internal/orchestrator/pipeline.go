package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/ChuLiYu/docflow/internal/cancellation"
	"github.com/ChuLiYu/docflow/internal/retry"
	"github.com/ChuLiYu/docflow/pkg/stage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// handle drives one job through the pipeline. Cancellation is observed at
// phase boundaries; an immediate cancel also ends the running stage call
// through abortCtx.
func (s *Session) handle(ctx context.Context, job types.Job) types.JobResult {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.abortCtx, cancel)
	defer stop()

	log := s.log.With().Str("job_id", string(job.ID)).Logger()
	doc := &stage.Document{Ref: job.InputRef, Metadata: maps.Clone(job.Metadata)}
	res := types.JobResult{
		JobID:          job.ID,
		InputRef:       job.InputRef,
		PhaseDurations: make(map[types.Phase]time.Duration, len(s.spec.stages)),
	}

	for _, st := range s.spec.stages {
		if s.cancel.ShouldStop() {
			return s.cancelled(res, st.Phase, "cancelled before "+string(st.Phase))
		}
		res.Phase = st.Phase
		s.tracker.OnPhaseStart(job.ID, st.Phase)

		run := st.Run
		began := time.Now()
		out, err := s.retry.Execute(jobCtx, retry.Call{
			JobID:   job.ID,
			Phase:   st.Phase,
			Timeout: st.Timeout,
			Run:     func(c context.Context) error { return run(c, doc) },
			Abort:   s.shouldAbort,
		})
		elapsed := time.Since(began)

		res.PhaseDurations[st.Phase] = elapsed
		res.Retries += out.Retries()
		if out.Attempts > res.Attempts {
			res.Attempts = out.Attempts
		}
		if m := s.o.metrics; m != nil {
			m.StageObserved(st.Phase, elapsed)
		}

		if err != nil {
			if errors.Is(err, retry.ErrAborted) {
				return s.cancelled(res, st.Phase, "cancelled during "+string(st.Phase))
			}
			res.Status = types.StatusFailed
			res.ErrorKind = out.Kind
			res.Error = err.Error()
			res.Reason = failureReason(st.Phase, out.Kind, err)
			log.Warn().
				Str("phase", string(st.Phase)).
				Int("attempt", out.Attempts).
				Str("error_kind", string(out.Kind)).
				Err(err).
				Msg("job failed")
			return s.stamp(res)
		}
		s.tracker.OnPhaseProgress(job.ID, st.Phase, 1)
	}

	res.Status = types.StatusSucceeded
	res.Confidence = doc.Confidence()
	if doc.Validated != nil {
		res.Output = doc.Validated
	} else {
		res.Output = doc.Records
	}
	log.Debug().
		Int("retries", res.Retries).
		Float64("confidence", res.Confidence).
		Dur("duration", res.Duration()).
		Msg("job succeeded")
	return s.stamp(res)
}

// shouldAbort turns a failed attempt into a cancellation: always once the
// batch is Cancelled, and for timeouts while Draining
func (s *Session) shouldAbort(err error) bool {
	switch s.cancel.State() {
	case cancellation.StateCancelled:
		return true
	case cancellation.StateDraining:
		return errors.Is(err, context.DeadlineExceeded)
	}
	return false
}

func (s *Session) cancelled(res types.JobResult, phase types.Phase, reason string) types.JobResult {
	res.Status = types.StatusCancelled
	res.Phase = phase
	res.Reason = reason
	s.log.Info().
		Str("job_id", string(res.JobID)).
		Str("phase", string(phase)).
		Msg("job cancelled")
	return s.stamp(res)
}

func (s *Session) stamp(res types.JobResult) types.JobResult {
	res.Timestamp = s.o.now()
	return res
}

// failureReason is the human-readable line shown in the summary
func failureReason(phase types.Phase, kind types.ErrorKind, err error) string {
	switch kind {
	case types.KindPermanent:
		return fmt.Sprintf("%s rejected the input: %v", phase, err)
	case types.KindCritical:
		return fmt.Sprintf("critical failure in %s: %v", phase, err)
	}
	return fmt.Sprintf("%s failed: %v", phase, err)
}
