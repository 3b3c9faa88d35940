// ============================================================================
// docflow progress tracker
// ============================================================================
//
// Package: internal/progress
// File: tracker.go
// Purpose: aggregate per-job and per-phase progress into BatchProgress
//
// Concurrency model:
//   Workers never touch tracker state. They post events (phase start,
//   phase progress, job result) to a buffered channel. One goroutine owns
//   all mutable state, applies events in order and republishes a
//   BatchProgress copy under an RWMutex for readers.
//
// Metrics:
//   job progress    Σ weight(phase) × fraction(phase), weights normalised
//                   over the phases of the configured pipeline
//   batch fraction  mean job progress over all jobs; unstarted jobs count 0,
//                   terminal jobs count 1
//   ETA             EWMA(α=0.3) of the interval between job completions ×
//                   remaining jobs; updated on completion only
//   throughput      completed / elapsed minutes; recomputed on every tick
//   milestones      25/50/75/90% of batch fraction, each fired once
//   degradation     throughput below half of the baseline captured once a
//                   quarter of the batch is complete
//
// ============================================================================

package progress

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// Tunables
const (
	DefaultTick          = 500 * time.Millisecond
	EWMAAlpha            = 0.3
	DegradationThreshold = 0.5
	eventBuffer          = 1024
)

// Milestones are the batch percentages that fire MilestoneReached once each
var Milestones = []int{25, 50, 75, 90}

// Hooks receive tracker output on the tracker goroutine. Any may be nil and
// none may block for long.
type Hooks struct {
	OnProgress    func(types.BatchProgress)
	OnMilestone   func(percent int, p types.BatchProgress)
	OnDegradation func(message string)
}

// Options configures a Tracker
type Options struct {
	BatchID string
	Total   int
	Phases  []types.Phase // pipeline phases; nil means every phase
	Tick    time.Duration
	Now     func() time.Time
}

// PhaseStat aggregates the durations recorded for one phase
type PhaseStat struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// Mean returns the average duration
func (s PhaseStat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

type eventKind int

const (
	evPhaseStart eventKind = iota
	evPhaseProgress
	evResult
	evFlush
)

type event struct {
	kind     eventKind
	jobID    types.JobID
	phase    types.Phase
	fraction float64
	result   types.JobResult
	restored bool
	ack      chan struct{}
}

type jobState struct {
	phase    types.Phase
	fraction map[types.Phase]float64
	done     bool
}

// Tracker is the single-writer progress aggregator
type Tracker struct {
	opts    Options
	hooks   Hooks
	log     zerolog.Logger
	phases  []types.Phase
	weights map[types.Phase]float64

	events chan event
	done   chan struct{}
	stop   context.CancelFunc

	// owned by the run goroutine
	jobs       map[types.JobID]*jobState
	started    time.Time
	lastDone   time.Time
	completed  int
	restored   int
	succeeded  int
	failed     int
	cancelled  int
	confSum    float64
	confN      int
	ewma       float64
	throughput float64
	baseline   float64
	degraded   bool
	fired      map[int]bool
	phaseStats map[types.Phase]PhaseStat

	mu        sync.RWMutex
	snapshot  types.BatchProgress
	statsCopy map[types.Phase]PhaseStat
}

// New builds a tracker. Call Start before posting events.
func New(opts Options, hooks Hooks, log zerolog.Logger) *Tracker {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	phases := opts.Phases
	if len(phases) == 0 {
		phases = types.Phases
	}
	var sum float64
	for _, p := range phases {
		sum += p.Weight()
	}
	weights := make(map[types.Phase]float64, len(phases))
	for _, p := range phases {
		if sum > 0 {
			weights[p] = p.Weight() / sum
		}
	}

	t := &Tracker{
		opts:       opts,
		hooks:      hooks,
		log:        log,
		phases:     phases,
		weights:    weights,
		events:     make(chan event, eventBuffer),
		done:       make(chan struct{}),
		jobs:       make(map[types.JobID]*jobState),
		fired:      make(map[int]bool),
		phaseStats: make(map[types.Phase]PhaseStat),
		ewma:       -1,
	}
	t.snapshot = types.BatchProgress{
		BatchID:           opts.BatchID,
		TotalJobs:         opts.Total,
		PendingJobs:       opts.Total,
		CurrentPhaseByJob: map[types.JobID]types.Phase{},
		ETASeconds:        -1,
	}
	return t
}

// Start launches the tracker goroutine
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.stop = cancel
	t.started = t.opts.Now()
	t.lastDone = t.started
	go t.run(ctx)
}

// Stop applies every queued event, publishes a final snapshot and ends the goroutine
func (t *Tracker) Stop() {
	if t.stop == nil {
		return
	}
	t.Flush()
	t.stop()
	<-t.done
}

// Flush blocks until every event posted before the call has been applied
// and the rates have been recomputed
func (t *Tracker) Flush() {
	ack := make(chan struct{})
	select {
	case t.events <- event{kind: evFlush, ack: ack}:
	case <-t.done:
		return
	}
	select {
	case <-ack:
	case <-t.done:
	}
}

func (t *Tracker) post(e event) {
	select {
	case t.events <- e:
	case <-t.done:
	}
}

// OnPhaseStart records that jobID entered phase. Earlier phases count as done.
func (t *Tracker) OnPhaseStart(jobID types.JobID, phase types.Phase) {
	t.post(event{kind: evPhaseStart, jobID: jobID, phase: phase})
}

// OnPhaseProgress records intra-phase progress, clamped to [0,1]
func (t *Tracker) OnPhaseProgress(jobID types.JobID, phase types.Phase, fraction float64) {
	t.post(event{kind: evPhaseProgress, jobID: jobID, phase: phase, fraction: fraction})
}

// OnJobResult records a terminal result
func (t *Tracker) OnJobResult(r types.JobResult) {
	t.post(event{kind: evResult, jobID: r.JobID, result: r})
}

// Preload counts results restored from a checkpoint as completed. They do
// not feed the ETA average.
func (t *Tracker) Preload(results []types.JobResult) {
	for _, r := range results {
		t.post(event{kind: evResult, jobID: r.JobID, result: r, restored: true})
	}
}

// Snapshot returns the latest published BatchProgress
func (t *Tracker) Snapshot() types.BatchProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.snapshot
	out.CurrentPhaseByJob = make(map[types.JobID]types.Phase, len(t.snapshot.CurrentPhaseByJob))
	for k, v := range t.snapshot.CurrentPhaseByJob {
		out.CurrentPhaseByJob[k] = v
	}
	return out
}

// PhaseStats returns duration statistics per phase
func (t *Tracker) PhaseStats() map[types.Phase]PhaseStat {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.Phase]PhaseStat, len(t.statsCopy))
	for k, v := range t.statsCopy {
		out[k] = v
	}
	return out
}

// ============================================================================
// run loop
// ============================================================================

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drainPending()
			t.tick()
			return
		case e := <-t.events:
			t.apply(e)
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Tracker) drainPending() {
	for {
		select {
		case e := <-t.events:
			t.apply(e)
		default:
			return
		}
	}
}

func (t *Tracker) apply(e event) {
	switch e.kind {
	case evFlush:
		t.tick()
		close(e.ack)
		return
	case evPhaseStart:
		js := t.job(e.jobID)
		if js.done {
			return
		}
		for _, p := range t.phases {
			if p == e.phase {
				break
			}
			js.fraction[p] = 1
		}
		js.phase = e.phase
		js.fraction[e.phase] = 0
	case evPhaseProgress:
		js := t.job(e.jobID)
		if js.done {
			return
		}
		js.phase = e.phase
		js.fraction[e.phase] = math.Max(0, math.Min(1, e.fraction))
	case evResult:
		t.applyResult(e.result, e.restored)
	}
	t.publish()
}

func (t *Tracker) job(id types.JobID) *jobState {
	js, ok := t.jobs[id]
	if !ok {
		js = &jobState{fraction: make(map[types.Phase]float64)}
		t.jobs[id] = js
	}
	return js
}

func (t *Tracker) applyResult(r types.JobResult, restored bool) {
	js := t.job(r.JobID)
	if js.done {
		return
	}
	js.done = true
	t.completed++
	if restored {
		t.restored++
	}

	switch r.Status {
	case types.StatusSucceeded:
		t.succeeded++
		t.confSum += r.Confidence
		t.confN++
	case types.StatusFailed:
		t.failed++
	case types.StatusCancelled:
		t.cancelled++
	}
	for p, d := range r.PhaseDurations {
		st := t.phaseStats[p]
		st.Count++
		st.Total += d
		if st.Count == 1 || d < st.Min {
			st.Min = d
		}
		if d > st.Max {
			st.Max = d
		}
		t.phaseStats[p] = st
	}

	if !restored && r.Status != types.StatusCancelled {
		now := t.opts.Now()
		interval := now.Sub(t.lastDone).Seconds()
		t.lastDone = now
		if t.ewma < 0 {
			t.ewma = interval
		} else {
			t.ewma = EWMAAlpha*interval + (1-EWMAAlpha)*t.ewma
		}
	}
}

// tick recomputes throughput and checks for degradation
func (t *Tracker) tick() {
	elapsed := t.opts.Now().Sub(t.started)
	if minutes := elapsed.Minutes(); minutes > 0 {
		t.throughput = float64(t.completed-t.restored) / minutes
	}

	if t.baseline == 0 && t.opts.Total > 0 && t.completed*4 >= t.opts.Total && t.throughput > 0 {
		t.baseline = t.throughput
		t.log.Debug().Float64("baseline_per_min", t.baseline).Msg("throughput baseline set")
	}
	if t.baseline > 0 && t.completed < t.opts.Total {
		slow := t.throughput < t.baseline*DegradationThreshold
		if slow && !t.degraded {
			msg := fmt.Sprintf("performance degradation: %.0f%% slower than baseline (%.1f vs %.1f items/min)",
				(1-t.throughput/t.baseline)*100, t.throughput, t.baseline)
			t.log.Warn().Msg(msg)
			if t.hooks.OnDegradation != nil {
				t.hooks.OnDegradation(msg)
			}
		}
		t.degraded = slow
	}
	t.publish()
}

func (t *Tracker) publish() {
	total := t.opts.Total
	inFlight := 0
	phases := make(map[types.JobID]types.Phase)
	var progressSum float64
	for id, js := range t.jobs {
		if js.done {
			progressSum++
			continue
		}
		inFlight++
		phases[id] = js.phase
		for p, f := range js.fraction {
			progressSum += t.weights[p] * f
		}
	}

	bp := types.BatchProgress{
		BatchID:               t.opts.BatchID,
		CompletedJobs:         t.completed,
		InFlightJobs:          inFlight,
		PendingJobs:           max(0, total-t.completed-inFlight),
		TotalJobs:             total,
		Succeeded:             t.succeeded,
		Failed:                t.failed,
		Cancelled:             t.cancelled,
		CurrentPhaseByJob:     phases,
		ThroughputItemsPerMin: t.throughput,
		ETASeconds:            -1,
		Elapsed:               t.opts.Now().Sub(t.started),
	}
	if total > 0 {
		bp.Fraction = math.Min(1, progressSum/float64(total))
	}
	if t.completed > 0 {
		bp.SuccessRate = float64(t.succeeded) / float64(t.completed)
	}
	if t.confN > 0 {
		bp.AvgConfidence = t.confSum / float64(t.confN)
	}
	if t.ewma >= 0 {
		bp.ETASeconds = t.ewma * float64(total-t.completed)
	}
	if t.completed >= total {
		bp.ETASeconds = 0
	}

	stats := make(map[types.Phase]PhaseStat, len(t.phaseStats))
	for k, v := range t.phaseStats {
		stats[k] = v
	}

	t.mu.Lock()
	t.snapshot = bp
	t.statsCopy = stats
	t.mu.Unlock()

	for _, m := range Milestones {
		if !t.fired[m] && bp.Fraction*100 >= float64(m) {
			t.fired[m] = true
			t.log.Info().Int("milestone", m).Msg("milestone reached")
			if t.hooks.OnMilestone != nil {
				t.hooks.OnMilestone(m, bp)
			}
		}
	}
	if t.hooks.OnProgress != nil {
		t.hooks.OnProgress(bp)
	}
}

// FormatETA renders an ETA in seconds for humans. Negative means unknown.
func FormatETA(seconds float64) string {
	if seconds < 0 {
		return "calculating..."
	}
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
