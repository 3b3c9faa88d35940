package journal

// ============================================================================
// Diagnostic journal
// Responsibilities:
// 1. Append orchestration events to a JSON-lines file (append-only)
// 2. Buffer records and flush in batches (size threshold or interval)
// 3. Replay with per-record checksum verification
// 4. Rotate the file, optionally gzip-compressing the rotated copy
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options tunes buffering
type Options struct {
	BufferSize    int            // flush when this many entries are buffered
	FlushInterval time.Duration  // background flush period; 0 disables the loop
	SyncOnAppend  bool           // flush and fsync on every Append
	Logger        zerolog.Logger // background flush failures; zero value discards
}

// DefaultOptions returns the buffering used by the orchestrator
func DefaultOptions() Options {
	return Options{BufferSize: 256, FlushInterval: time.Second}
}

// Journal is an append-only event log. Safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	buffer  []Entry
	closed  bool
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
}

// Open creates or reopens the journal at path and continues its sequence
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	seq, err := recoverTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	j := &Journal{
		file:   file,
		path:   path,
		seq:    seq,
		opts:   opts,
		buffer: make([]Entry, 0, opts.BufferSize),
		now:    time.Now,
	}
	j.resetWriter(file)

	if opts.FlushInterval > 0 {
		j.stop = make(chan struct{})
		j.done = make(chan struct{})
		go j.flushLoop()
	}
	return j, nil
}

func (j *Journal) resetWriter(f *os.File) {
	j.writer = bufio.NewWriter(f)
	j.encoder = json.NewEncoder(j.writer)
}

// recoverTail prepares an existing file for appending and returns the seq of
// its last valid entry. A torn or corrupt tail left by a crash is truncated
// back to the end of the last valid entry, and a valid final entry missing
// its newline gets one.
func recoverTail(path string) (uint64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	var (
		seq       uint64
		offset    int64
		good      int64
		missingNL bool
	)
	r := bufio.NewReader(f)
	for {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 {
			offset += int64(len(line))
			raw := bytes.TrimRight(line, "\r\n")
			if len(raw) == 0 {
				if good == offset-int64(len(line)) {
					good = offset
				}
			} else {
				var e Entry
				if json.Unmarshal(raw, &e) == nil && Verify(e) == nil {
					seq = e.Seq
					good = offset
					missingNL = line[len(line)-1] != '\n'
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, fmt.Errorf("journal: read: %w", rerr)
		}
	}

	if good < offset {
		if err := f.Truncate(good); err != nil {
			return 0, fmt.Errorf("journal: truncate torn tail: %w", err)
		}
	}
	if missingNL {
		if _, err := f.WriteAt([]byte("\n"), good); err != nil {
			return 0, fmt.Errorf("journal: terminate last entry: %w", err)
		}
	}
	if good < offset || missingNL {
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("journal: sync: %w", err)
		}
	}
	return seq, nil
}

// Path returns the journal file path
func (j *Journal) Path() string { return j.path }

// Append stamps e with the next sequence number, timestamp and checksum
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	j.seq++
	e.Seq = j.seq
	if e.Timestamp == 0 {
		e.Timestamp = j.now().UnixMilli()
	}
	e.Checksum = 0
	e.Checksum = Checksum(e)
	j.buffer = append(j.buffer, e)

	if j.opts.SyncOnAppend || len(j.buffer) >= j.opts.BufferSize || e.Type == EntryBatchCompleted {
		return j.flushLocked()
	}
	return nil
}

// Flush writes buffered entries and fsyncs
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, e := range j.buffer {
		if err := j.encoder.Encode(e); err != nil {
			return fmt.Errorf("journal: encode seq=%d: %w", e.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

func (j *Journal) flushLoop() {
	defer close(j.done)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed {
				if err := j.flushLocked(); err != nil {
					j.opts.Logger.Error().Err(err).Str("path", j.path).Msg("journal flush failed")
				}
			}
			j.mu.Unlock()
		}
	}
}

// LastSeq returns the sequence number of the latest appended entry
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Rotate moves the current file aside (timestamp suffix), optionally
// gzip-compresses it, and starts a fresh file with seq 0. It returns the
// rotated file path.
func (j *Journal) Rotate(compress bool) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", fmt.Errorf("journal: close: %w", err)
	}

	rotated := j.path + "." + j.now().Format("20060102_150405.000")
	if err := os.Rename(j.path, rotated); err != nil {
		return "", fmt.Errorf("journal: rotate: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("journal: reopen: %w", err)
	}
	j.file = file
	j.resetWriter(file)
	j.seq = 0

	if compress {
		gz := rotated + ".gz"
		if err := compressFile(rotated, gz); err != nil {
			return rotated, fmt.Errorf("journal: compress: %w", err)
		}
		if err := os.Remove(rotated); err != nil {
			return gz, fmt.Errorf("journal: remove uncompressed: %w", err)
		}
		rotated = gz
	}
	return rotated, nil
}

// Close flushes and closes the file. The journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	err := j.flushLocked()
	j.closed = true
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.mu.Unlock()

	if j.stop != nil {
		close(j.stop)
		<-j.done
	}
	return err
}

// ============================================================================
// Reading
// ============================================================================

// Replay decodes every entry of the file at path, verifies its checksum and
// calls handler. It stops at the first error. Paths ending in .gz are
// decompressed.
func Replay(path string, handler Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return &CorruptionError{Line: 0, Cause: err}
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := Verify(e); err != nil {
			return err
		}
		if err := handler(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line, Cause: err}
	}
	return nil
}

// ReadAll returns every entry of the file
func ReadAll(path string) ([]Entry, error) {
	var out []Entry
	err := Replay(path, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// LastEntry returns the final entry of the file, or nil for an empty file
func LastEntry(path string) (*Entry, error) {
	var last *Entry
	err := Replay(path, func(e Entry) error {
		last = &e
		return nil
	})
	if err != nil {
		return last, err
	}
	return last, nil
}

// Validate replays the file and checks that sequence numbers increase by one
func Validate(path string) (int, error) {
	var count int
	var prev uint64
	err := Replay(path, func(e Entry) error {
		if e.Seq != prev+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSequenceGap, e.Seq, prev)
		}
		prev = e.Seq
		count++
		return nil
	})
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return count, err
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
