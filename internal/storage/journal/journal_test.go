package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/docflow/pkg/types"
)

func openTemp(t *testing.T, opts Options) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal", "events.jsonl")
	j, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestAppendFlushAndReplay(t *testing.T) {
	j, path := openTemp(t, Options{BufferSize: 100})

	require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "b", JobID: "j1"}))
	require.NoError(t, j.Append(Entry{Type: EntryRetry, BatchID: "b", JobID: "j1", Phase: types.PhaseExtraction, Attempt: 1, ErrorKind: types.KindTemporary}))

	entries, err := ReadAll(path)
	require.NoError(t, err)
	assert.Empty(t, entries, "entries stay buffered until flush")

	require.NoError(t, j.Flush())
	entries, err = ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, uint64(2), entries[1].Seq)
	assert.Equal(t, types.PhaseExtraction, entries[1].Phase)
	assert.NotZero(t, entries[1].Timestamp)
}

func TestBufferThresholdFlushes(t *testing.T) {
	j, path := openTemp(t, Options{BufferSize: 2})
	require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "b", JobID: "a"}))
	require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "b", JobID: "b"}))

	n, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBatchCompletedForcesFlush(t *testing.T) {
	j, path := openTemp(t, Options{BufferSize: 100})
	require.NoError(t, j.Append(Entry{Type: EntryCompleted, BatchID: "b", JobID: "a", Status: types.StatusSucceeded}))
	require.NoError(t, j.Append(Entry{Type: EntryBatchCompleted, BatchID: "b"}))

	entries, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "b"}))
	require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "b"}))
	require.NoError(t, j.Close())

	j2, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(2), j2.LastSeq())
	require.NoError(t, j2.Append(Entry{Type: EntryPaused, BatchID: "b"}))

	n, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReopenAfterTornWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "b"}))
	}
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":4,"type":"subm`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(3), j2.LastSeq())
	require.NoError(t, j2.Append(Entry{Type: EntryResumed, BatchID: "b"}))

	n, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	last, err := LastEntry(path)
	require.NoError(t, err)
	assert.Equal(t, EntryResumed, last.Type)
	assert.Equal(t, uint64(4), last.Seq)
}

func TestReopenTerminatesUnfinishedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	e1 := Entry{Seq: 1, Type: EntrySubmitted, BatchID: "b", Timestamp: 1}
	e1.Checksum = Checksum(e1)
	require.NoError(t, os.WriteFile(path, []byte(mustJSON(t, e1)), 0o644))

	j, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(1), j.LastSeq())
	require.NoError(t, j.Append(Entry{Type: EntryPaused, BatchID: "b"}))

	n, err := Validate(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFlushLoopLogsWriteErrors(t *testing.T) {
	var logs lockedBuffer
	j, _ := openTemp(t, Options{
		BufferSize:    100,
		FlushInterval: 10 * time.Millisecond,
		Logger:        zerolog.New(&logs),
	})
	j.mu.Lock()
	require.NoError(t, j.file.Close())
	j.mu.Unlock()
	require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "b"}))

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "journal flush failed")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplayDetectsTampering(t *testing.T) {
	j, path := openTemp(t, Options{SyncOnAppend: true})
	require.NoError(t, j.Append(Entry{Type: EntryCompleted, BatchID: "b", JobID: "a", Status: types.StatusFailed}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"failed"`, `"succeeded"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = ReadAll(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestReplayDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"seq\":1\n"), 0o644))
	_, err := ReadAll(path)
	assert.ErrorIs(t, err, ErrCorruptedJournal)
}

func TestRotateWithCompression(t *testing.T) {
	j, path := openTemp(t, Options{SyncOnAppend: true})
	require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "b", JobID: "a"}))
	require.NoError(t, j.Append(Entry{Type: EntryCompleted, BatchID: "b", JobID: "a"}))

	rotated, err := j.Rotate(true)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rotated, ".gz"))
	assert.Equal(t, uint64(0), j.LastSeq())

	old, err := ReadAll(rotated)
	require.NoError(t, err)
	assert.Len(t, old, 2)

	require.NoError(t, j.Append(Entry{Type: EntrySubmitted, BatchID: "c"}))
	fresh, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, uint64(1), fresh[0].Seq)
}

func TestClosedJournal(t *testing.T) {
	j, _ := openTemp(t, DefaultOptions())
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(Entry{Type: EntrySubmitted}), ErrClosed)
	assert.NoError(t, j.Close())
}

func TestValidateDetectsGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gap.jsonl")
	e1 := Entry{Seq: 1, Type: EntrySubmitted, BatchID: "b", Timestamp: 1}
	e1.Checksum = Checksum(e1)
	e3 := Entry{Seq: 3, Type: EntrySubmitted, BatchID: "b", Timestamp: 2}
	e3.Checksum = Checksum(e3)

	f, err := os.Create(path)
	require.NoError(t, err)
	for _, e := range []Entry{e1, e3} {
		_, err := f.WriteString(mustJSON(t, e) + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	_, err = Validate(path)
	assert.ErrorIs(t, err, ErrSequenceGap)
}

func mustJSON(t *testing.T, e Entry) string {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return string(b)
}
