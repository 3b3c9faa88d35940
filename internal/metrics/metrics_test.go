package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollectorRegistersEverything(t *testing.T) {
	c, reg := newTestCollector(t)
	c.JobFinished(types.JobResult{Status: types.StatusSucceeded})
	c.RetryAttempted(types.RetryAttempt{ErrorKind: types.KindTemporary})
	c.StageObserved(types.PhaseMasking, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "docflow_jobs_submitted_total")
	assert.Contains(t, names, "docflow_jobs_finished_total")
	assert.Contains(t, names, "docflow_retries_total")
	assert.Contains(t, names, "docflow_stage_duration_seconds")
	assert.Contains(t, names, "docflow_workers")
	assert.Contains(t, names, "docflow_intake_paused")
}

func TestCountersByLabel(t *testing.T) {
	c, _ := newTestCollector(t)
	c.JobsSubmitted(10)
	c.JobFinished(types.JobResult{Status: types.StatusSucceeded})
	c.JobFinished(types.JobResult{Status: types.StatusSucceeded})
	c.JobFinished(types.JobResult{Status: types.StatusFailed})
	c.RetryAttempted(types.RetryAttempt{ErrorKind: types.KindTemporary})

	assert.Equal(t, 10.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries.WithLabelValues("temporary")))
}

func TestGauges(t *testing.T) {
	c, _ := newTestCollector(t)
	c.WorkersChanged(4)
	c.QueueDepth(7, 3)
	c.ResourceSampled(types.ResourceSnapshot{MemoryPct: 55, CPUPct: 12})
	c.IntakePaused(true)

	assert.Equal(t, 4.0, testutil.ToFloat64(c.workers))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.jobsPending))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsInFlight))
	assert.Equal(t, 55.0, testutil.ToFloat64(c.memoryPct))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.cpuPct))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.intakePaused))

	c.IntakePaused(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.intakePaused))
}

func TestStageHistogram(t *testing.T) {
	c, reg := newTestCollector(t)
	c.StageObserved(types.PhaseExtraction, 2*time.Second)
	c.StageObserved(types.PhaseExtraction, 4*time.Second)

	n, err := testutil.GatherAndCount(reg, "docflow_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one series for the extraction phase")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestHandlerServesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.JobsSubmitted(3)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "docflow_jobs_submitted_total 3"))
}
