// Package ledger keeps the history of finished batches in SQLite.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/docflow/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly
const schemaVersion = 1

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

var (
	// ErrSchemaMismatch indicates a database written by an incompatible version
	ErrSchemaMismatch = errors.New("ledger schema version mismatch")
	// ErrBatchNotFound is returned for unknown batch ids
	ErrBatchNotFound = errors.New("batch not found in ledger")
)

// BatchRecord is one stored batch summary
type BatchRecord struct {
	BatchID       string        `json:"batch_id"`
	Total         int           `json:"total"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	Cancelled     int           `json:"cancelled"`
	TotalAttempts int           `json:"total_attempts"`
	AvgConfidence float64       `json:"avg_confidence"`
	Elapsed       time.Duration `json:"elapsed"`
	WasCancelled  bool          `json:"was_cancelled"`
	StatePath     string        `json:"state_path,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// JobRecord is one stored job result
type JobRecord struct {
	BatchID    string          `json:"batch_id"`
	JobID      types.JobID     `json:"job_id"`
	InputRef   string          `json:"input_ref"`
	Status     types.JobStatus `json:"status"`
	Phase      types.Phase     `json:"phase,omitempty"`
	ErrorKind  types.ErrorKind `json:"error_kind,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Attempts   int             `json:"attempts"`
	Retries    int             `json:"retries"`
	Duration   time.Duration   `json:"duration"`
	Confidence float64         `json:"confidence"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Store persists batch history
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger database at path
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path
func (s *Store) Path() string { return s.path }

// Close closes the database
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// RecordBatch stores a summary and its job results. Recording the same
// batch id again replaces the earlier rows, so a resumed batch keeps one entry.
func (s *Store) RecordBatch(ctx context.Context, sum types.Summary, results []types.JobResult) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin ledger tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, "DELETE FROM batches WHERE batch_id = ?", sum.BatchID); err != nil {
			return fmt.Errorf("replace batch: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO batches (
            batch_id, total, succeeded, failed, cancelled, total_attempts,
            avg_confidence, elapsed_ms, was_cancelled, state_path, started_at, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.BatchID, sum.Total, sum.Succeeded, sum.Failed, sum.Cancelled, sum.TotalAttempts,
			sum.AvgConfidence, sum.Elapsed.Milliseconds(), boolToInt(sum.WasCancelled),
			nullString(sum.StatePath), formatTime(sum.StartedAt), formatTime(sum.FinishedAt),
		)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO job_results (
            batch_id, job_id, input_ref, status, phase, error_kind, reason,
            attempts, retries, duration_ms, confidence, finished_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare job insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range results {
			_, err := stmt.ExecContext(ctx,
				sum.BatchID, string(r.JobID), r.InputRef, string(r.Status),
				nullString(string(r.Phase)), nullString(string(r.ErrorKind)), nullString(r.Reason),
				r.Attempts, r.Retries, r.Duration().Milliseconds(), r.Confidence, formatTime(r.Timestamp),
			)
			if err != nil {
				return fmt.Errorf("insert job %s: %w", r.JobID, err)
			}
		}
		return tx.Commit()
	})
}

const batchColumns = `batch_id, total, succeeded, failed, cancelled, total_attempts,
    avg_confidence, elapsed_ms, was_cancelled, state_path, started_at, finished_at`

// Batches returns the most recently finished batches, newest first.
// limit <= 0 returns every batch.
func (s *Store) Batches(ctx context.Context, limit int) ([]BatchRecord, error) {
	query := `SELECT ` + batchColumns + ` FROM batches ORDER BY finished_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Batch returns one stored batch
func (s *Store) Batch(ctx context.Context, batchID string) (BatchRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id = ?`, batchID)
	rec, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRecord{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return rec, err
}

// JobResults returns the stored results of a batch in job id order.
// Pass statuses to filter.
func (s *Store) JobResults(ctx context.Context, batchID string, statuses ...types.JobStatus) ([]JobRecord, error) {
	query := `SELECT batch_id, job_id, input_ref, status, phase, error_kind, reason,
        attempts, retries, duration_ms, confidence, finished_at
        FROM job_results WHERE batch_id = ?`
	args := []any{batchID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY job_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job results: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec                      JobRecord
			jobID, status            string
			phase, kind, reason, fin sql.NullString
			durationMS               int64
		)
		if err := rows.Scan(&rec.BatchID, &jobID, &rec.InputRef, &status, &phase, &kind, &reason,
			&rec.Attempts, &rec.Retries, &durationMS, &rec.Confidence, &fin); err != nil {
			return nil, fmt.Errorf("scan job result: %w", err)
		}
		rec.JobID = types.JobID(jobID)
		rec.Status = types.JobStatus(status)
		rec.Phase = types.Phase(phase.String)
		rec.ErrorKind = types.ErrorKind(kind.String)
		rec.Reason = reason.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		rec.FinishedAt = parseTime(fin.String)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBatch removes a batch and its job results
func (s *Store) DeleteBatch(ctx context.Context, batchID string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM batches WHERE batch_id = ?", batchID)
		if err != nil {
			return fmt.Errorf("delete batch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		return nil
	})
}

// ============================================================================
// Helpers
// ============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (BatchRecord, error) {
	var (
		rec               BatchRecord
		elapsedMS         int64
		wasCancelled      int
		statePath         sql.NullString
		started, finished string
	)
	err := row.Scan(&rec.BatchID, &rec.Total, &rec.Succeeded, &rec.Failed, &rec.Cancelled, &rec.TotalAttempts,
		&rec.AvgConfidence, &elapsedMS, &wasCancelled, &statePath, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan batch: %w", err)
	}
	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	rec.WasCancelled = wasCancelled != 0
	rec.StatePath = statePath.String
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	return rec, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func makePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
