package simulate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/pkg/stage"
	"github.com/ChuLiYu/docflow/pkg/types"
)

func quiet() Config {
	cfg := DefaultConfig()
	cfg.Delay = 0
	cfg.TemporaryRate, cfg.PermanentRate, cfg.CriticalRate = 0, 0, 0
	return cfg
}

func runPipeline(t *testing.T, s *Simulator, ref string) (*stage.Document, error) {
	t.Helper()
	doc := &stage.Document{Ref: ref}
	for _, st := range s.Stages() {
		if err := st.Run(context.Background(), doc); err != nil {
			return doc, err
		}
	}
	return doc, nil
}

func TestSyntheticItemGoesThroughOCR(t *testing.T) {
	s := New(quiet(), zerolog.Nop())
	doc, err := runPipeline(t, s, "scan-001.png")
	require.NoError(t, err)

	require.NotNil(t, doc.Validated)
	assert.Equal(t, "Simulated Supplies", doc.Validated.Fields["vendor"])
	assert.Empty(t, doc.Validated.Warnings)
	assert.GreaterOrEqual(t, doc.Confidence(), 0.7)
	assert.Equal(t, "application/octet-stream", doc.Metadata["mime"])
}

func TestTextFileIsIngestedDirectly(t *testing.T) {
	p := filepath.Join(t.TempDir(), "invoice.txt")
	require.NoError(t, os.WriteFile(p, []byte("vendor:   Acme   Corp\ntotal: 12.50\nmail bob@example.com\n"), 0o644))

	s := New(quiet(), zerolog.Nop())
	doc, err := runPipeline(t, s, p)
	require.NoError(t, err)

	assert.Contains(t, doc.Metadata["mime"], "text/plain")
	assert.Contains(t, doc.Text, "[email]")
	assert.Equal(t, "Acme Corp", doc.Validated.Fields["vendor"])
	assert.Contains(t, doc.Validated.Warnings, "missing field date")
}

func TestInjectedFailuresRunOut(t *testing.T) {
	s := New(quiet(), zerolog.Nop())
	s.Inject("a.pdf", types.PhaseIngestion, types.KindTemporary, 2)

	for i := 0; i < 2; i++ {
		_, _, err := s.Ingest(context.Background(), "a.pdf")
		require.Error(t, err)
		assert.Equal(t, types.KindTemporary, stage.KindOf(err))
	}
	_, _, err := s.Ingest(context.Background(), "a.pdf")
	assert.NoError(t, err)
}

func TestInjectedForeverAndByKind(t *testing.T) {
	s := New(quiet(), zerolog.Nop())
	s.Inject("bad.pdf", types.PhaseOCRFallback, types.KindPermanent, -1)
	s.Inject("oom.pdf", types.PhaseOCRFallback, types.KindCritical, 1)

	for i := 0; i < 3; i++ {
		_, err := s.OCR(context.Background(), "bad.pdf")
		assert.Equal(t, types.KindPermanent, stage.KindOf(err))
	}
	_, err := s.OCR(context.Background(), "oom.pdf")
	assert.Equal(t, types.KindCritical, stage.KindOf(err))
	assert.EqualValues(t, 4, s.Calls())
}

func TestFailureRatesAreApplied(t *testing.T) {
	cfg := quiet()
	cfg.TemporaryRate = 1
	s := New(cfg, zerolog.Nop())
	_, err := s.Proofread(context.Background(), "x")
	assert.Equal(t, types.KindTemporary, stage.KindOf(err))
}

func TestDelayHonoursContext(t *testing.T) {
	cfg := quiet()
	cfg.Delay = 10 * time.Second
	s := New(cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.OCR(ctx, "a.pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMask(t *testing.T) {
	out := Mask("card 4111 1111 1111 1111, contact jane.doe@example.org")
	assert.NotContains(t, out, "4111")
	assert.NotContains(t, out, "jane.doe")
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.TemporaryRate = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.TemporaryRate, cfg.PermanentRate = 0.6, 0.6
	assert.Error(t, cfg.Validate())
}
