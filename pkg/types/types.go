// Package types defines the core domain model shared by every docflow component.
package types

import (
	"errors"
	"fmt"
	"time"
)

// JobID uniquely identifies a job within a batch
type JobID string

// ============================================================================
// Priority
// ============================================================================

// Priority orders jobs inside the processing queue. Higher values are dispatched first.
type Priority int

// Priority levels
const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityUrgent:   "urgent",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name into a Priority. Empty input maps to normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// ============================================================================
// Job and JobResult
// ============================================================================

// JobStatus is the terminal status of a job
type JobStatus string

// Terminal job statuses
const (
	StatusSucceeded JobStatus = "succeeded" // every stage returned without error
	StatusFailed    JobStatus = "failed"    // permanent/critical error or retries exhausted
	StatusCancelled JobStatus = "cancelled" // stopped by the cancellation controller
)

// Job represents one input item travelling through the pipeline.
// It is owned by the queue until dispatched, then by exactly one worker.
type Job struct {
	ID              JobID             `json:"id"`
	InputRef        string            `json:"input_ref"`
	Priority        Priority          `json:"priority"`
	ComplexityScore float64           `json:"complexity_score"`
	AttemptCount    int               `json:"attempt_count"`
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	// seq breaks created_at ties so FIFO order survives identical timestamps
	Seq uint64 `json:"seq"`
}

// JobResult is the single terminal report for a job. Immutable once produced.
type JobResult struct {
	JobID          JobID                   `json:"job_id"`
	InputRef       string                  `json:"input_ref"`
	Status         JobStatus               `json:"status"`
	Output         any                     `json:"-"`
	Error          string                  `json:"error,omitempty"`
	Reason         string                  `json:"reason,omitempty"` // human readable failure reason
	ErrorKind      ErrorKind               `json:"error_kind,omitempty"`
	Phase          Phase                   `json:"phase,omitempty"` // phase the job stopped in
	PhaseDurations map[Phase]time.Duration `json:"phase_durations,omitempty"`
	Attempts       int                     `json:"attempts"` // highest attempt count of any phase
	Retries        int                     `json:"retries"`  // retries across all phases
	Confidence     float64                 `json:"confidence"`
	Timestamp      time.Time               `json:"timestamp"`
}

// Duration returns the total time spent across all phases
func (r JobResult) Duration() time.Duration {
	var total time.Duration
	for _, d := range r.PhaseDurations {
		total += d
	}
	return total
}

// ============================================================================
// Phases
// ============================================================================

// Phase is one ordered pipeline stage
type Phase string

// Pipeline phases in execution order
const (
	PhaseIngestion    Phase = "ingestion"
	PhaseOCRFallback  Phase = "ocr_fallback"
	PhaseMasking      Phase = "masking"
	PhaseProofreading Phase = "proofreading"
	PhaseExtraction   Phase = "extraction"
	PhaseValidation   Phase = "validation"
)

// Phases lists every phase in pipeline order
var Phases = []Phase{
	PhaseIngestion,
	PhaseOCRFallback,
	PhaseMasking,
	PhaseProofreading,
	PhaseExtraction,
	PhaseValidation,
}

// phaseWeights sum to 1.0
var phaseWeights = map[Phase]float64{
	PhaseIngestion:    0.15,
	PhaseOCRFallback:  0.20,
	PhaseMasking:      0.05,
	PhaseProofreading: 0.10,
	PhaseExtraction:   0.40,
	PhaseValidation:   0.10,
}

// Weight returns the relative contribution of the phase to a job's progress
func (p Phase) Weight() float64 {
	return phaseWeights[p]
}

// Valid reports whether p is a known phase
func (p Phase) Valid() bool {
	_, ok := phaseWeights[p]
	return ok
}

// ============================================================================
// Errors and retries
// ============================================================================

// ErrorKind classifies a stage failure for retry decisions
type ErrorKind string

// Error kinds
const (
	KindTemporary ErrorKind = "temporary" // network, timeout, transient pressure: retried
	KindPermanent ErrorKind = "permanent" // malformed or unsupported input: never retried
	KindCritical  ErrorKind = "critical"  // memory exhaustion, systemic outage: pauses intake
)

// RetryPolicy configures RetryManager. Read-only during a run.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay      time.Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
	BackoffFactor  float64       `json:"backoff_factor" yaml:"backoff_factor" toml:"backoff_factor"`
	MaxDelay       time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	Jitter         bool          `json:"jitter" yaml:"jitter" toml:"jitter"`
	RetryableKinds []ErrorKind   `json:"retryable_kinds,omitempty" yaml:"retryable_kinds" toml:"retryable_kinds"`
}

// DefaultRetryPolicy returns the process-wide default policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		BackoffFactor:  2.0,
		MaxDelay:       60 * time.Second,
		Jitter:         true,
		RetryableKinds: []ErrorKind{KindTemporary},
	}
}

// ErrInvalidPolicy is returned by RetryPolicy.Validate
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Validate checks the policy bounds
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidPolicy)
	case p.BackoffFactor < 1.0:
		return fmt.Errorf("%w: backoff_factor must be at least 1.0", ErrInvalidPolicy)
	case p.BaseDelay < 0:
		return fmt.Errorf("%w: base_delay must be non-negative", ErrInvalidPolicy)
	case p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("%w: max_delay must not be below base_delay", ErrInvalidPolicy)
	}
	return nil
}

// Retryable reports whether errors of the given kind may be retried under p.
// Permanent and critical errors are never retryable.
func (p RetryPolicy) Retryable(kind ErrorKind) bool {
	if kind != KindTemporary {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return true
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// RetryAttempt records one failed stage invocation
type RetryAttempt struct {
	JobID           JobID         `json:"job_id"`
	Phase           Phase         `json:"phase"`
	AttemptNumber   int           `json:"attempt_number"`
	ErrorKind       ErrorKind     `json:"error_kind"`
	Error           string        `json:"error"`
	DelayBeforeNext time.Duration `json:"delay_before_next"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ============================================================================
// Resources and progress
// ============================================================================

// ResourceSnapshot is one sample produced by the resource monitor
type ResourceSnapshot struct {
	MemoryPct     float64   `json:"memory_pct"`
	CPUPct        float64   `json:"cpu_pct"`
	FreeDiskMB    float64   `json:"free_disk_mb"`
	ActiveWorkers int       `json:"active_workers"`
	Timestamp     time.Time `json:"timestamp"`
}

// BatchProgress is the batch-level view recomputed by the progress tracker
type BatchProgress struct {
	BatchID               string          `json:"batch_id"`
	CompletedJobs         int             `json:"completed_jobs"`
	InFlightJobs          int             `json:"in_flight_jobs"`
	PendingJobs           int             `json:"pending_jobs"`
	TotalJobs             int             `json:"total_jobs"`
	Succeeded             int             `json:"succeeded"`
	Failed                int             `json:"failed"`
	Cancelled             int             `json:"cancelled"`
	CurrentPhaseByJob     map[JobID]Phase `json:"current_phase_by_job"`
	Fraction              float64         `json:"fraction"`
	ThroughputItemsPerMin float64         `json:"throughput_items_per_min"`
	ETASeconds            float64         `json:"eta_seconds"`
	SuccessRate           float64         `json:"success_rate"`
	AvgConfidence         float64         `json:"avg_confidence"`
	Elapsed               time.Duration   `json:"elapsed"`
}

// Percent returns the batch completion percentage in [0,100]
func (p BatchProgress) Percent() float64 {
	return p.Fraction * 100
}

// ============================================================================
// Cancellation state
// ============================================================================

// StateSchemaVersion is the current ProcessingState file version
const StateSchemaVersion = 1

// ProcessingState is the resumable checkpoint of a batch
type ProcessingState struct {
	SchemaVer        int         `json:"schema_version"`
	BatchID          string      `json:"batch_id"`
	Jobs             []Job       `json:"jobs"` // original submission
	PendingJobIDs    []JobID     `json:"pending_job_ids"`
	InFlightJobIDs   []JobID     `json:"in_flight_job_ids"`
	CompletedResults []JobResult `json:"completed_results"`
	PolicySnapshot   RetryPolicy `json:"policy_snapshot"`
	SavedAt          time.Time   `json:"saved_at"`
}

// CompletionFraction returns completed/total for display purposes
func (s ProcessingState) CompletionFraction() float64 {
	if len(s.Jobs) == 0 {
		return 0
	}
	return float64(len(s.CompletedResults)) / float64(len(s.Jobs))
}

// ============================================================================
// Summary
// ============================================================================

// FailedJob describes one job that did not succeed
type FailedJob struct {
	JobID    JobID     `json:"job_id"`
	InputRef string    `json:"input_ref"`
	Status   JobStatus `json:"status"`
	Phase    Phase     `json:"phase,omitempty"`
	Reason   string    `json:"reason"`
}

// Summary is the final aggregated report of a batch. Always produced.
type Summary struct {
	BatchID       string        `json:"batch_id"`
	Total         int           `json:"total"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Cancelled     int           `json:"cancelled"`
	TotalAttempts int           `json:"total_attempts"`
	AvgConfidence float64       `json:"avg_confidence"`
	Elapsed       time.Duration `json:"elapsed"`
	WasCancelled  bool          `json:"was_cancelled"`
	StateSaved    bool          `json:"state_saved"`
	StatePath     string        `json:"state_path,omitempty"`
	Failures      []FailedJob   `json:"failures,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}
