// ============================================================================
// docflow stage boundary
// ============================================================================
//
// Package: pkg/stage
// File: stage.go
// Purpose: the contract between the orchestrator and external collaborators
//
// A pipeline is an ordered []Stage. Every stage receives the shared *Document
// carrier of one job and fills in its part (text, records, validated record).
// Stage functions are invoked synchronously by exactly one worker, under a
// per-call deadline carried by ctx.
//
// Collaborators (parsers, OCR engine, masking rules, AI extraction) live
// outside this module. The typed adapters below convert their natural
// signatures into Func values:
//
//   Ingest(item_ref, cfg) -> (text, metadata) | error
//   OCR(item_ref)         -> text | error           (only when ingest gave no text)
//   Mask(text)            -> text
//   Proofread(text)       -> text | error
//   Extract(text, schema) -> []FieldRecord | error
//   Validate(records)     -> ValidatedRecord | error
//
// ============================================================================

package stage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// FieldRecord is one extracted field
type FieldRecord struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ValidatedRecord is the aggregated output of one job
type ValidatedRecord struct {
	Fields     map[string]string `json:"fields"`
	Confidence float64           `json:"confidence"`
	Warnings   []string          `json:"warnings,omitempty"`
}

// Document carries one job's data between stages. Owned by a single worker.
type Document struct {
	Ref       string
	Text      string
	Metadata  map[string]string
	Records   []FieldRecord
	Validated *ValidatedRecord
}

// Confidence returns the validated confidence, or the mean record confidence
// when validation has not run.
func (d *Document) Confidence() float64 {
	if d.Validated != nil {
		return d.Validated.Confidence
	}
	if len(d.Records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range d.Records {
		sum += r.Confidence
	}
	return sum / float64(len(d.Records))
}

// Func is one stage call
type Func func(ctx context.Context, doc *Document) error

// Stage binds a Func to its phase. Timeout 0 means no per-call deadline.
type Stage struct {
	Phase   types.Phase
	Run     Func
	Timeout time.Duration
}

// ErrEmptyPipeline is returned when a batch is submitted without stages
var ErrEmptyPipeline = errors.New("pipeline has no stages")

// ValidatePipeline checks that every stage has a known phase and a function
func ValidatePipeline(stages []Stage) error {
	if len(stages) == 0 {
		return ErrEmptyPipeline
	}
	for i, s := range stages {
		if !s.Phase.Valid() {
			return Permanent("pipeline", errors.New("unknown phase "+string(s.Phase)))
		}
		if s.Run == nil {
			return Permanent("pipeline", errors.New("stage "+string(s.Phase)+" has no function at index "+strconv.Itoa(i)))
		}
	}
	return nil
}

// ============================================================================
// Typed adapters
// ============================================================================

// IngestFunc reads the item and returns its text and metadata
type IngestFunc func(ctx context.Context, ref string) (string, map[string]string, error)

// Ingest adapts a document reader into the ingestion stage
func Ingest(fn IngestFunc, timeout time.Duration) Stage {
	return Stage{Phase: types.PhaseIngestion, Timeout: timeout, Run: func(ctx context.Context, doc *Document) error {
		text, meta, err := fn(ctx, doc.Ref)
		if err != nil {
			return err
		}
		doc.Text = text
		if doc.Metadata == nil {
			doc.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			doc.Metadata[k] = v
		}
		return nil
	}}
}

// OCRFunc recognises text from the item. The engine behind it is owned by the caller.
type OCRFunc func(ctx context.Context, ref string) (string, error)

// OCRFallback runs the OCR engine only when ingestion produced no text
func OCRFallback(fn OCRFunc, timeout time.Duration) Stage {
	return Stage{Phase: types.PhaseOCRFallback, Timeout: timeout, Run: func(ctx context.Context, doc *Document) error {
		if strings.TrimSpace(doc.Text) != "" {
			return nil
		}
		text, err := fn(ctx, doc.Ref)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return Permanent("ocr", errors.New("no text recognised"))
		}
		doc.Text = text
		return nil
	}}
}

// MaskFunc redacts sensitive text. Pure, no I/O.
type MaskFunc func(text string) string

// Mask adapts a masking rule set into the masking stage
func Mask(fn MaskFunc) Stage {
	return Stage{Phase: types.PhaseMasking, Run: func(_ context.Context, doc *Document) error {
		doc.Text = fn(doc.Text)
		return nil
	}}
}

// ProofreadFunc corrects text, possibly over the network
type ProofreadFunc func(ctx context.Context, text string) (string, error)

// Proofread adapts a proofreader. When disabled the stage is a no-op.
func Proofread(fn ProofreadFunc, enabled bool, timeout time.Duration) Stage {
	return Stage{Phase: types.PhaseProofreading, Timeout: timeout, Run: func(ctx context.Context, doc *Document) error {
		if !enabled {
			return nil
		}
		text, err := fn(ctx, doc.Text)
		if err != nil {
			return err
		}
		doc.Text = text
		return nil
	}}
}

// ExtractFunc turns text into field records according to schema
type ExtractFunc func(ctx context.Context, text string, schema []string) ([]FieldRecord, error)

// Extract adapts the extraction call
func Extract(fn ExtractFunc, schema []string, timeout time.Duration) Stage {
	return Stage{Phase: types.PhaseExtraction, Timeout: timeout, Run: func(ctx context.Context, doc *Document) error {
		records, err := fn(ctx, doc.Text, schema)
		if err != nil {
			return err
		}
		doc.Records = records
		return nil
	}}
}

// ValidateFunc aggregates records into a validated record
type ValidateFunc func(ctx context.Context, records []FieldRecord, schema []string) (*ValidatedRecord, error)

// Validate adapts the aggregation step
func Validate(fn ValidateFunc, schema []string) Stage {
	return Stage{Phase: types.PhaseValidation, Run: func(ctx context.Context, doc *Document) error {
		rec, err := fn(ctx, doc.Records, schema)
		if err != nil {
			return err
		}
		doc.Validated = rec
		return nil
	}}
}

// RequireFields is a ValidateFunc that fails permanently when no schema field was
// extracted and records a warning for each missing one.
func RequireFields(_ context.Context, records []FieldRecord, schema []string) (*ValidatedRecord, error) {
	out := &ValidatedRecord{Fields: make(map[string]string, len(records))}
	var sum float64
	for _, r := range records {
		out.Fields[r.Name] = r.Value
		sum += r.Confidence
	}
	if len(records) > 0 {
		out.Confidence = sum / float64(len(records))
	}
	var missing []string
	for _, f := range schema {
		if _, ok := out.Fields[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) == len(schema) && len(schema) > 0 {
		return nil, Permanent("validate", errors.New("no schema fields extracted"))
	}
	for _, f := range missing {
		out.Warnings = append(out.Warnings, "missing field "+f)
	}
	return out, nil
}
