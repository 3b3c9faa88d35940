package complexity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestEstimateMissingFileAssumesFiveMB(t *testing.T) {
	e := New(zerolog.Nop())
	// .pdf factor 1.0, 5MB band 1.2
	assert.InDelta(t, 1.2, e.Estimate("/nonexistent/a.pdf", Hints{}), 1e-9)
	// .txt factor 0.3
	assert.InDelta(t, 0.36, e.Estimate("/nonexistent/a.TXT", Hints{}), 1e-9)
	// unknown extension, nothing to sniff
	assert.InDelta(t, 1.44, e.Estimate("/nonexistent/a.bin", Hints{}), 1e-9)
}

func TestEstimateSmallFile(t *testing.T) {
	e := New(zerolog.Nop())
	p := writeFile(t, "notes.txt", []byte("hello"))
	assert.InDelta(t, 0.3, e.Estimate(p, Hints{}), 1e-9)
	assert.InDelta(t, 0.45, e.Estimate(p, Hints{OCR: true}), 1e-9)
}

func TestEstimateSniffsImagesAsOCR(t *testing.T) {
	e := New(zerolog.Nop())
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	p := writeFile(t, "scan.upload", png)
	assert.InDelta(t, 1.5, e.Estimate(p, Hints{}), 1e-9)
}

func TestSizeMultiplierBands(t *testing.T) {
	assert.Equal(t, 1.0, sizeMultiplier(0.5))
	assert.Equal(t, 1.2, sizeMultiplier(5))
	assert.Equal(t, 1.5, sizeMultiplier(7))
	assert.Equal(t, 2.0, sizeMultiplier(50))
	assert.Equal(t, 3.0, sizeMultiplier(51))
}

func TestEstimateDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, EstimateDuration(1.5, 0))
	assert.Equal(t, 3*time.Second, EstimateDuration(0.3, 10*time.Second))
}
