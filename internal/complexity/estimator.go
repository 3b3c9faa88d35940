// Package complexity scores the expected processing cost of an input item
// from cheap metadata. The score is only a secondary scheduling tie-break.
package complexity

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// Factor values
const (
	DefaultFactor      = 1.2 // unknown extension
	FallbackScore      = 1.5 // estimate failed entirely
	OCRMultiplier      = 1.5
	AssumedSizeMB      = 5.0 // item not reachable on disk
	DefaultBaselineSec = 60.0
)

var extensionFactors = map[string]float64{
	".pdf":  1.0,
	".docx": 0.8,
	".doc":  0.9,
	".xlsx": 0.7,
	".xls":  0.8,
	".txt":  0.3,
	".rtf":  0.6,
	".odt":  0.8,
	".ods":  0.7,
}

type sizeBand struct {
	maxMB      float64
	multiplier float64
}

var sizeBands = []sizeBand{
	{1, 1.0},
	{5, 1.2},
	{10, 1.5},
	{50, 2.0},
}

const oversizeMultiplier = 3.0

// Hints lets the caller flag items the estimator cannot see into,
// such as scanned PDFs that will need OCR.
type Hints struct {
	OCR bool
}

// Estimator scores items. Zero value is usable.
type Estimator struct {
	log  zerolog.Logger
	stat func(string) (os.FileInfo, error)
}

// New returns an Estimator that logs through l
func New(l zerolog.Logger) *Estimator {
	return &Estimator{log: l, stat: os.Stat}
}

// Estimate returns extension factor × size multiplier, × OCRMultiplier for
// OCR-eligible items. Unknown extensions are resolved by content sniffing.
func (e *Estimator) Estimate(ref string, hints Hints) float64 {
	stat := e.stat
	if stat == nil {
		stat = os.Stat
	}

	ext := strings.ToLower(filepath.Ext(ref))
	factor, known := extensionFactors[ext]

	sizeMB := AssumedSizeMB
	info, err := stat(ref)
	exists := err == nil && !info.IsDir()
	if exists {
		sizeMB = float64(info.Size()) / (1024 * 1024)
	}

	ocr := hints.OCR
	if !known {
		factor = DefaultFactor
		if exists {
			if mt, err := mimetype.DetectFile(ref); err == nil {
				if f, ok := extensionFactors[mt.Extension()]; ok {
					factor = f
				}
				if strings.HasPrefix(mt.String(), "image/") {
					factor = extensionFactors[".pdf"]
					ocr = true
				}
			} else {
				e.log.Debug().Err(err).Str("ref", ref).Msg("content sniffing failed")
			}
		}
	}

	score := factor * sizeMultiplier(sizeMB)
	if ocr {
		score *= OCRMultiplier
	}
	if score < 0 {
		return FallbackScore
	}
	e.log.Debug().
		Str("ref", ref).
		Float64("factor", factor).
		Float64("size_mb", sizeMB).
		Bool("ocr", ocr).
		Float64("score", score).
		Msg("complexity estimated")
	return score
}

func sizeMultiplier(sizeMB float64) float64 {
	for _, b := range sizeBands {
		if sizeMB <= b.maxMB {
			return b.multiplier
		}
	}
	return oversizeMultiplier
}

// EstimateDuration scales a baseline per-item duration by score.
// A zero baseline uses DefaultBaselineSec.
func EstimateDuration(score float64, baseline time.Duration) time.Duration {
	if baseline <= 0 {
		baseline = time.Duration(DefaultBaselineSec * float64(time.Second))
	}
	return time.Duration(float64(baseline) * score)
}
