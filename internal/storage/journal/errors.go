package journal

// ============================================================================
// Journal errors
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates a record could not be decoded
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record failed its CRC32 check
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed is returned by operations on a closed journal
	ErrClosed = errors.New("journal: already closed")

	// ErrSequenceGap indicates missing or repeated sequence numbers
	ErrSequenceGap = errors.New("journal: sequence gap")
)

// ChecksumError reports which record failed verification
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// Is lets errors.Is match ErrChecksumMismatch
func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError reports an undecodable line
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// Is lets errors.Is match ErrCorruptedJournal
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedJournal }
