package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialise a batch ProcessingState to <dir>/<batch_id>.json
// 2. Atomic writes (temp file + fsync + rename) so a crash never leaves a
//    half-written checkpoint
// 3. Validate schema version and job-id consistency on load
// 4. Per-batch advisory file lock so two processes never checkpoint the
//    same batch
// 5. Retention: keep at most MaxFiles checkpoints, newest first
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/docflow/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptState        = errors.New("checkpoint is corrupt or inconsistent")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
	ErrStateNotFound       = errors.New("checkpoint not found")
	ErrLocked              = errors.New("batch checkpoint is locked by another process")
	ErrInvalidBatchID      = errors.New("invalid batch id")
)

const (
	fileExt         = ".json"
	lockExt         = ".lock"
	DefaultMaxFiles = 10
)

// Info describes one saved checkpoint without its job lists
type Info struct {
	BatchID   string
	Path      string
	SavedAt   time.Time
	Total     int
	Pending   int
	InFlight  int
	Completed int
}

// Fraction returns completed/total
func (i Info) Fraction() float64 {
	if i.Total == 0 {
		return 0
	}
	return float64(i.Completed) / float64(i.Total)
}

// Manager stores checkpoints in one directory
type Manager struct {
	dir      string
	maxFiles int
	log      zerolog.Logger
	now      func() time.Time

	mu sync.Mutex // serialises file operations within the process
}

// NewManager creates a manager rooted at dir. maxFiles <= 0 disables pruning.
func NewManager(dir string, maxFiles int, log zerolog.Logger) *Manager {
	return &Manager{dir: dir, maxFiles: maxFiles, log: log, now: time.Now}
}

// Dir returns the checkpoint directory
func (m *Manager) Dir() string { return m.dir }

// Path returns the checkpoint path for a batch
func (m *Manager) Path(batchID string) string {
	return filepath.Join(m.dir, batchID+fileExt)
}

// ValidBatchID rejects ids that cannot be used as a file name
func ValidBatchID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidBatchID, id)
	}
	return nil
}

// ============================================================================
// Locking
// ============================================================================

// Lock takes the per-batch advisory lock without blocking. The returned
// function releases it.
func (m *Manager) Lock(batchID string) (func(), error) {
	if err := ValidBatchID(batchID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	fl := flock.New(filepath.Join(m.dir, batchID+lockExt))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock batch %s: %w", batchID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, batchID)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			m.log.Warn().Err(err).Str("batch_id", batchID).Msg("release checkpoint lock")
		}
	}, nil
}

// ============================================================================
// Write / Load
// ============================================================================

// Write atomically persists state and returns its path
func (m *Manager) Write(state types.ProcessingState) (string, error) {
	if err := ValidBatchID(state.BatchID); err != nil {
		return "", err
	}
	state.SchemaVer = types.StateSchemaVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = m.now()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	path := m.Path(state.BatchID)

	tmp, err := os.CreateTemp(m.dir, state.BatchID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename checkpoint: %w", err)
	}

	m.log.Debug().
		Str("batch_id", state.BatchID).
		Int("pending", len(state.PendingJobIDs)).
		Int("in_flight", len(state.InFlightJobIDs)).
		Int("completed", len(state.CompletedResults)).
		Msg("checkpoint written")

	if err := m.pruneLocked(); err != nil {
		m.log.Warn().Err(err).Msg("prune checkpoints")
	}
	return path, nil
}

// LoadBatch loads the checkpoint of batchID
func (m *Manager) LoadBatch(batchID string) (types.ProcessingState, error) {
	if err := ValidBatchID(batchID); err != nil {
		return types.ProcessingState{}, err
	}
	return m.Load(m.Path(batchID))
}

// Load reads, version-checks and validates a checkpoint file
func (m *Manager) Load(path string) (types.ProcessingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readState(path)
}

func readState(path string) (types.ProcessingState, error) {
	var state types.ProcessingState

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, fmt.Errorf("%w: %s", ErrStateNotFound, path)
		}
		return state, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if state.SchemaVer != types.StateSchemaVersion {
		return state, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, state.SchemaVer, types.StateSchemaVersion)
	}
	if err := Validate(state); err != nil {
		return state, err
	}
	return state, nil
}

// Validate checks that pending, in-flight and completed ids partition the
// original submission with no duplicates and nothing missing.
func Validate(state types.ProcessingState) error {
	if state.BatchID == "" {
		return fmt.Errorf("%w: missing batch id", ErrCorruptState)
	}
	submitted := make(map[types.JobID]bool, len(state.Jobs))
	for _, j := range state.Jobs {
		if submitted[j.ID] {
			return fmt.Errorf("%w: job %s submitted twice", ErrCorruptState, j.ID)
		}
		submitted[j.ID] = true
	}

	seen := make(map[types.JobID]string, len(state.Jobs))
	mark := func(id types.JobID, where string) error {
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("%w: job %s is both %s and %s", ErrCorruptState, id, prev, where)
		}
		if !submitted[id] {
			return fmt.Errorf("%w: job %s (%s) was never submitted", ErrCorruptState, id, where)
		}
		seen[id] = where
		return nil
	}
	for _, id := range state.PendingJobIDs {
		if err := mark(id, "pending"); err != nil {
			return err
		}
	}
	for _, id := range state.InFlightJobIDs {
		if err := mark(id, "in-flight"); err != nil {
			return err
		}
	}
	for _, r := range state.CompletedResults {
		if err := mark(r.JobID, "completed"); err != nil {
			return err
		}
	}
	if len(seen) != len(submitted) {
		return fmt.Errorf("%w: %d of %d jobs accounted for", ErrCorruptState, len(seen), len(submitted))
	}
	return nil
}

// ============================================================================
// Listing and retention
// ============================================================================

// List returns every readable checkpoint, newest first. Unreadable files are
// logged and skipped.
func (m *Manager) List() ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		st, err := readState(path)
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("skip unreadable checkpoint")
			continue
		}
		out = append(out, Info{
			BatchID:   st.BatchID,
			Path:      path,
			SavedAt:   st.SavedAt,
			Total:     len(st.Jobs),
			Pending:   len(st.PendingJobIDs),
			InFlight:  len(st.InFlightJobIDs),
			Completed: len(st.CompletedResults),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Delete removes the checkpoint of batchID. Missing files are not an error.
func (m *Manager) Delete(batchID string) error {
	if err := ValidBatchID(batchID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.Path(batchID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Exists reports whether batchID has a checkpoint
func (m *Manager) Exists(batchID string) bool {
	_, err := os.Stat(m.Path(batchID))
	return err == nil
}

func (m *Manager) pruneLocked() error {
	if m.maxFiles <= 0 {
		return nil
	}
	infos, err := m.listLocked()
	if err != nil {
		return err
	}
	for _, info := range infos[min(len(infos), m.maxFiles):] {
		if err := os.Remove(info.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		m.log.Info().Str("batch_id", info.BatchID).Msg("pruned old checkpoint")
	}
	return nil
}
