// ============================================================================
// Package: simulate
// File: simulate.go
// Purpose: Stand-in stage collaborators for demos and dry runs
// ============================================================================

// Package simulate provides stage collaborators that behave like real
// parsers, OCR and extraction services: they take time, and they fail at
// configurable rates with each error kind. Scripted failures make runs
// reproducible.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/pkg/stage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// Config tunes the simulated collaborators
type Config struct {
	Delay         time.Duration // mean duration of one stage call
	Jitter        float64       // ± fraction applied to Delay
	TemporaryRate float64
	PermanentRate float64
	CriticalRate  float64
	Seed          uint64
	Proofread     bool
	Schema        []string
	StageTimeout  time.Duration
}

// DefaultConfig returns a fast, mildly flaky simulation
func DefaultConfig() Config {
	return Config{
		Delay:         50 * time.Millisecond,
		Jitter:        0.5,
		TemporaryRate: 0.05,
		PermanentRate: 0.01,
		Seed:          1,
		Proofread:     true,
		Schema:        []string{"vendor", "date", "total"},
		StageTimeout:  5 * time.Second,
	}
}

// Validate rejects rates outside [0,1]
func (c Config) Validate() error {
	for name, r := range map[string]float64{
		"temporary_rate": c.TemporaryRate,
		"permanent_rate": c.PermanentRate,
		"critical_rate":  c.CriticalRate,
		"jitter":         c.Jitter,
	} {
		if r < 0 || r > 1 {
			return fmt.Errorf("simulate.%s must be within [0,1], got %v", name, r)
		}
	}
	if c.TemporaryRate+c.PermanentRate+c.CriticalRate > 1 {
		return errors.New("simulate failure rates add up to more than 1")
	}
	if c.Delay < 0 {
		return errors.New("simulate.delay must not be negative")
	}
	return nil
}

type scriptKey struct {
	ref   string
	phase types.Phase
}

type script struct {
	kind      types.ErrorKind
	remaining int // <0 fails forever
}

// Simulator implements every stage collaborator
type Simulator struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	scripts map[scriptKey]*script

	calls atomic.Int64
}

// New creates a simulator
func New(cfg Config, log zerolog.Logger) *Simulator {
	return &Simulator{
		cfg:     cfg,
		log:     log,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		scripts: make(map[scriptKey]*script),
	}
}

// Inject makes the next times calls of phase for ref fail with kind.
// times < 0 fails every call.
func (s *Simulator) Inject(ref string, phase types.Phase, kind types.ErrorKind, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[scriptKey{ref, phase}] = &script{kind: kind, remaining: times}
}

// Calls returns how many stage calls were made
func (s *Simulator) Calls() int64 { return s.calls.Load() }

// Stages returns the full six-phase pipeline backed by the simulator
func (s *Simulator) Stages() []stage.Stage {
	t := s.cfg.StageTimeout
	return []stage.Stage{
		stage.Ingest(s.Ingest, t),
		stage.OCRFallback(s.OCR, t),
		stage.Mask(Mask),
		stage.Proofread(s.Proofread, s.cfg.Proofread, t),
		stage.Extract(s.Extract, s.cfg.Schema, t),
		stage.Validate(s.validate, s.cfg.Schema),
	}
}

// ============================================================================
// Collaborators
// ============================================================================

// Ingest returns the text of text files and no text for anything else, so
// binary documents go through OCR.
func (s *Simulator) Ingest(ctx context.Context, ref string) (string, map[string]string, error) {
	if err := s.step(ctx, ref, types.PhaseIngestion); err != nil {
		return "", nil, err
	}
	meta := map[string]string{"source": ref}

	data, err := os.ReadFile(ref)
	if errors.Is(err, os.ErrNotExist) {
		// refs that do not name a file are synthetic items
		meta["mime"] = "application/octet-stream"
		return "", meta, nil
	}
	if err != nil {
		return "", nil, stage.Permanent("ingest", err)
	}

	mt := mimetype.Detect(data)
	meta["mime"] = mt.String()
	if strings.HasPrefix(mt.String(), "text/") {
		return string(data), meta, nil
	}
	return "", meta, nil
}

// OCR returns synthetic text for the item
func (s *Simulator) OCR(ctx context.Context, ref string) (string, error) {
	if err := s.step(ctx, ref, types.PhaseOCRFallback); err != nil {
		return "", err
	}
	return fmt.Sprintf("vendor: Simulated Supplies\ndate: 2026-01-15\ntotal: %d.00\nref: %s\n",
		10+len(ref)%90, ref), nil
}

var (
	emailPattern = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
)

// Mask redacts e-mail addresses and card-like digit runs
func Mask(text string) string {
	text = emailPattern.ReplaceAllString(text, "[email]")
	return cardPattern.ReplaceAllString(text, "[number]")
}

// Proofread normalises whitespace
func (s *Simulator) Proofread(ctx context.Context, text string) (string, error) {
	if err := s.step(ctx, "", types.PhaseProofreading); err != nil {
		return "", err
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.Join(lines, "\n"), nil
}

// Extract reads "name: value" lines for the schema fields
func (s *Simulator) Extract(ctx context.Context, text string, schema []string) ([]stage.FieldRecord, error) {
	if err := s.step(ctx, "", types.PhaseExtraction); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(schema))
	for _, f := range schema {
		want[f] = true
	}
	var out []stage.FieldRecord
	for _, line := range strings.Split(text, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if !want[name] {
			continue
		}
		out = append(out, stage.FieldRecord{
			Name:       name,
			Value:      strings.TrimSpace(value),
			Confidence: s.confidence(),
		})
	}
	return out, nil
}

func (s *Simulator) validate(ctx context.Context, records []stage.FieldRecord, schema []string) (*stage.ValidatedRecord, error) {
	if err := s.step(ctx, "", types.PhaseValidation); err != nil {
		return nil, err
	}
	return stage.RequireFields(ctx, records, schema)
}

// ============================================================================
// Behaviour
// ============================================================================

// step waits the simulated latency and then decides whether the call fails
func (s *Simulator) step(ctx context.Context, ref string, phase types.Phase) error {
	s.calls.Add(1)
	if d := s.delay(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return stage.Temporary(string(phase), ctx.Err())
		case <-t.C:
		}
	}

	if kind, ok := s.scripted(ref, phase); ok {
		return s.failure(phase, kind, "injected")
	}
	if kind, ok := s.roll(); ok {
		return s.failure(phase, kind, "simulated")
	}
	return nil
}

func (s *Simulator) scripted(ref string, phase types.Phase) (types.ErrorKind, bool) {
	if ref == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[scriptKey{ref, phase}]
	if !ok || sc.remaining == 0 {
		return "", false
	}
	if sc.remaining > 0 {
		sc.remaining--
	}
	return sc.kind, true
}

func (s *Simulator) roll() (types.ErrorKind, bool) {
	s.mu.Lock()
	r := s.rng.Float64()
	s.mu.Unlock()
	switch {
	case r < s.cfg.CriticalRate:
		return types.KindCritical, true
	case r < s.cfg.CriticalRate+s.cfg.PermanentRate:
		return types.KindPermanent, true
	case r < s.cfg.CriticalRate+s.cfg.PermanentRate+s.cfg.TemporaryRate:
		return types.KindTemporary, true
	}
	return "", false
}

func (s *Simulator) failure(phase types.Phase, kind types.ErrorKind, origin string) error {
	s.log.Debug().Str("phase", string(phase)).Str("error_kind", string(kind)).Msg(origin + " failure")
	op := string(phase)
	switch kind {
	case types.KindPermanent:
		return stage.Permanent(op, errors.New(origin+" malformed input"))
	case types.KindCritical:
		return stage.Critical(op, errors.New(origin+" service outage"))
	}
	return stage.Temporary(op, errors.New(origin+" connection reset"))
}

func (s *Simulator) delay() time.Duration {
	if s.cfg.Delay <= 0 {
		return 0
	}
	if s.cfg.Jitter == 0 {
		return s.cfg.Delay
	}
	s.mu.Lock()
	f := 1 + s.cfg.Jitter*(2*s.rng.Float64()-1)
	s.mu.Unlock()
	return time.Duration(float64(s.cfg.Delay) * f)
}

func (s *Simulator) confidence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 0.7 + 0.3*s.rng.Float64()
}
