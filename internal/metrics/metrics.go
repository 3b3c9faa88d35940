// ============================================================================
// docflow metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: expose orchestration metrics for Prometheus scraping
//
// Metric families:
//
//   1. Counters:
//      - docflow_jobs_submitted_total
//      - docflow_jobs_finished_total{status}
//      - docflow_retries_total{error_kind}
//
//   2. Histogram:
//      - docflow_stage_duration_seconds{phase}
//
//   3. Gauges:
//      - docflow_workers
//      - docflow_jobs_pending / docflow_jobs_in_flight
//      - docflow_memory_percent / docflow_cpu_percent
//      - docflow_intake_paused (1 while a critical error holds intake)
//
// Example queries:
//
//   # jobs per minute
//   rate(docflow_jobs_finished_total[1m]) * 60
//
//   # p95 extraction latency
//   histogram_quantile(0.95, rate(docflow_stage_duration_seconds_bucket{phase="extraction"}[5m]))
//
// HTTP endpoint: /metrics, served by Serve when metrics are enabled.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/docflow/pkg/types"
)

const namespace = "docflow"

// stageBuckets cover sub-second masking up to multi-minute extraction calls
var stageBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Collector holds every docflow metric
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	retries       *prometheus.CounterVec

	stageDuration *prometheus.HistogramVec

	workers      prometheus.Gauge
	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
	memoryPct    prometheus.Gauge
	cpuPct       prometheus.Gauge
	intakePaused prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted to the processing queue",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Failed stage attempts by error kind",
		}, []string{"error_kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each pipeline phase, retries included",
			Buckets:   stageBuckets,
		}, []string{"phase"}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Current worker pool size",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs waiting in the queue",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently held by workers",
		}),
		memoryPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_percent",
			Help:      "Latest sampled system memory usage",
		}),
		cpuPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cpu_percent",
			Help:      "Latest sampled system cpu usage",
		}),
		intakePaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intake_paused",
			Help:      "1 while queue intake is paused after a critical error",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsFinished,
		c.retries,
		c.stageDuration,
		c.workers,
		c.jobsPending,
		c.jobsInFlight,
		c.memoryPct,
		c.cpuPct,
		c.intakePaused,
	)
	return c
}

// JobsSubmitted counts n newly queued jobs
func (c *Collector) JobsSubmitted(n int) {
	c.jobsSubmitted.Add(float64(n))
}

// JobFinished counts a terminal result
func (c *Collector) JobFinished(r types.JobResult) {
	c.jobsFinished.WithLabelValues(string(r.Status)).Inc()
}

// RetryAttempted counts a failed attempt
func (c *Collector) RetryAttempted(a types.RetryAttempt) {
	c.retries.WithLabelValues(string(a.ErrorKind)).Inc()
}

// StageObserved records time spent in a phase
func (c *Collector) StageObserved(phase types.Phase, d time.Duration) {
	c.stageDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

// WorkersChanged sets the pool size gauge
func (c *Collector) WorkersChanged(n int) {
	c.workers.Set(float64(n))
}

// QueueDepth sets pending and in-flight gauges
func (c *Collector) QueueDepth(pending, inFlight int) {
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// ResourceSampled sets the memory and cpu gauges
func (c *Collector) ResourceSampled(s types.ResourceSnapshot) {
	c.memoryPct.Set(s.MemoryPct)
	c.cpuPct.Set(s.CPUPct)
}

// IntakePaused sets the paused gauge
func (c *Collector) IntakePaused(paused bool) {
	if paused {
		c.intakePaused.Set(1)
		return
	}
	c.intakePaused.Set(0)
}

// Handler returns the /metrics handler for g. A nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
