package journal

import "github.com/ChuLiYu/docflow/pkg/types"

// ============================================================================
// Journal record definitions
// ============================================================================

// EntryType names an orchestration event
type EntryType string

const (
	EntrySubmitted      EntryType = "SUBMITTED"       // job entered the queue
	EntryRetry          EntryType = "RETRY"           // stage attempt failed
	EntryCompleted      EntryType = "COMPLETED"       // job reached a terminal status
	EntryPaused         EntryType = "PAUSED"          // intake paused after a critical error
	EntryResumed        EntryType = "RESUMED"         // intake resumed
	EntryResized        EntryType = "RESIZED"         // worker count changed
	EntryCancelled      EntryType = "CANCELLED"       // cancellation confirmed
	EntryBatchCompleted EntryType = "BATCH_COMPLETED" // summary produced
)

// Entry is one journal line. It never carries document text.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Type      EntryType       `json:"type"`
	BatchID   string          `json:"batch_id"`
	JobID     types.JobID     `json:"job_id,omitempty"`
	Phase     types.Phase     `json:"phase,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	ErrorKind types.ErrorKind `json:"error_kind,omitempty"`
	Status    types.JobStatus `json:"status,omitempty"`
	Workers   int             `json:"workers,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Checksum  uint32          `json:"checksum"`
}

// Handler consumes replayed entries. Returning an error stops the replay.
type Handler func(e Entry) error
