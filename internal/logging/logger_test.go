package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "docflow.log")
	opts := DefaultOptions()
	opts.File = path
	opts.Level = "debug"

	l, err := New(opts, nil)
	require.NoError(t, err)
	cl := Component(l, "queue")
	cl.Debug().Str("job_id", "j1").Msg("dispatched")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"queue"`)
	assert.Contains(t, string(data), `"job_id":"j1"`)
}

func TestNewWithoutWritersIsNop(t *testing.T) {
	l, err := New(Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, zerolog.Disabled, l.GetLevel())
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	l, err := New(Options{Level: "loud", File: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestUsePretty(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.True(t, usePretty("on", f))
	assert.False(t, usePretty("off", f))
	assert.False(t, usePretty("auto", f))
}
