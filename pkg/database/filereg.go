package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job statuses for file registry entries.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
	JobDeleted    = "deleted"
)

// validTransitions encodes the job state machine. Soft delete is allowed
// from any state.
var validTransitions = map[string][]string{
	JobPending:    {JobProcessing, JobCancelled, JobDeleted},
	JobProcessing: {JobCompleted, JobFailed, JobCancelled, JobDeleted},
	JobCompleted:  {JobDeleted},
	JobFailed:     {JobDeleted},
	JobCancelled:  {JobDeleted},
}

// ValidTransition reports whether from -> to respects the state machine.
func ValidTransition(from, to string) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Progress is the live progress snapshot on a job row.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
}

// ErrorDetails captures a structured failure on a job row.
type ErrorDetails struct {
	ExceptionType string `json:"exception_type"`
	Traceback     string `json:"traceback,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	PluginName    string `json:"plugin_name,omitempty"`
	Stage         string `json:"stage,omitempty"`
}

// FileEntry serves dually as file record and ingestion job tracker.
type FileEntry struct {
	ID           string `json:"id"`
	CollectionID int64  `json:"collection_id"`
	Owner        string `json:"owner"`

	OriginalFilename string `json:"original_filename"`
	StoredPath       string `json:"-"`
	PublicURL        string `json:"file_url,omitempty"`
	SizeBytes        int64  `json:"file_size"`
	ContentType      string `json:"content_type,omitempty"`

	PluginName   string          `json:"plugin_name"`
	PluginParams json.RawMessage `json:"plugin_params,omitempty"`

	Status        string `json:"status"`
	DocumentCount int    `json:"document_count"`

	Progress        *Progress       `json:"progress,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorDetails    *ErrorDetails   `json:"error_details,omitempty"`
	ProcessingStats json.RawMessage `json:"processing_stats,omitempty"`

	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
}

func (s *Store) CreateFileEntry(ctx context.Context, e *FileEntry) error {
	ts := now()
	e.CreatedAt = ts
	e.UpdatedAt = ts

	params := string(e.PluginParams)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_registry
		 (id, collection_id, owner, original_filename, stored_path, public_url, size_bytes, content_type,
		  plugin_name, plugin_params, status, document_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		e.ID, e.CollectionID, e.Owner, e.OriginalFilename, e.StoredPath, e.PublicURL,
		e.SizeBytes, e.ContentType, e.PluginName, params, e.Status, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to create file entry: %w", err)
	}
	return nil
}

const fileEntryColumns = `id, collection_id, owner, COALESCE(original_filename, ''),
	COALESCE(stored_path, ''), COALESCE(public_url, ''), size_bytes, COALESCE(content_type, ''),
	plugin_name, COALESCE(plugin_params, ''), status, document_count,
	COALESCE(progress, ''), COALESCE(error_message, ''), COALESCE(error_details, ''),
	COALESCE(processing_stats, ''), created_at, updated_at, processing_started_at, processing_completed_at`

func (s *Store) GetFileEntry(ctx context.Context, id string) (*FileEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileEntryColumns+` FROM file_registry WHERE id = ?`, id)
	return scanFileEntry(row.Scan)
}

// ListFileEntries returns non-deleted entries for a collection.
func (s *Store) ListFileEntries(ctx context.Context, collectionID int64) ([]*FileEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileEntryColumns+` FROM file_registry
		 WHERE collection_id = ? AND status != ? ORDER BY created_at`, collectionID, JobDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list file entries: %w", err)
	}
	defer rows.Close()

	var out []*FileEntry
	for rows.Next() {
		e, err := scanFileEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanFileEntry(scan func(...any) error) (*FileEntry, error) {
	var e FileEntry
	var params, progress, errDetails, stats string
	var startedAt, completedAt sql.NullTime

	err := scan(&e.ID, &e.CollectionID, &e.Owner, &e.OriginalFilename,
		&e.StoredPath, &e.PublicURL, &e.SizeBytes, &e.ContentType,
		&e.PluginName, &params, &e.Status, &e.DocumentCount,
		&progress, &e.ErrorMessage, &errDetails, &stats,
		&e.CreatedAt, &e.UpdatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file entry: %w", err)
	}

	if params != "" {
		e.PluginParams = json.RawMessage(params)
	}
	if progress != "" {
		var p Progress
		if err := json.Unmarshal([]byte(progress), &p); err == nil {
			e.Progress = &p
		}
	}
	if errDetails != "" {
		var d ErrorDetails
		if err := json.Unmarshal([]byte(errDetails), &d); err == nil {
			e.ErrorDetails = &d
		}
	}
	if stats != "" {
		e.ProcessingStats = json.RawMessage(stats)
	}
	e.ProcessingStartedAt = nullTime(startedAt)
	e.ProcessingCompletedAt = nullTime(completedAt)

	return &e, nil
}

// SetJobStatus transitions the job, validating against the state machine.
func (s *Store) SetJobStatus(ctx context.Context, id, status string) error {
	e, err := s.GetFileEntry(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == status {
		return nil
	}
	if !ValidTransition(e.Status, status) {
		return fmt.Errorf("invalid job transition %s -> %s", e.Status, status)
	}
	return s.execContext(ctx,
		`UPDATE file_registry SET status = ?, updated_at = ? WHERE id = ?`,
		status, now(), id)
}

// MarkJobProcessing stamps processing_started_at.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) error {
	ts := now()
	return s.execContext(ctx,
		`UPDATE file_registry SET status = ?, processing_started_at = ?, updated_at = ? WHERE id = ?`,
		JobProcessing, ts, ts, id)
}

// MarkJobCompleted finalizes a successful job.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, documentCount int, progress *Progress) error {
	ts := now()
	progressJSON, _ := json.Marshal(progress)
	return s.execContext(ctx,
		`UPDATE file_registry SET status = ?, document_count = ?, progress = ?,
		 processing_completed_at = ?, updated_at = ? WHERE id = ?`,
		JobCompleted, documentCount, string(progressJSON), ts, ts, id)
}

// MarkJobFailed captures the failure: truncated message, structured details
// and a visible progress message.
func (s *Store) MarkJobFailed(ctx context.Context, id, message string, details *ErrorDetails) error {
	ts := now()
	message = truncate(message, 500)
	if details != nil {
		details.Traceback = truncateTail(details.Traceback, 2000)
	}
	detailsJSON, _ := json.Marshal(details)
	progressJSON, _ := json.Marshal(&Progress{Message: "Failed: " + truncate(message, 100)})

	return s.execContext(ctx,
		`UPDATE file_registry SET status = ?, error_message = ?, error_details = ?, progress = ?,
		 processing_completed_at = ?, updated_at = ? WHERE id = ?`,
		JobFailed, message, string(detailsJSON), string(progressJSON), ts, ts, id)
}

// UpdateJobProgress writes the live progress snapshot.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, p *Progress) error {
	progressJSON, _ := json.Marshal(p)
	return s.execContext(ctx,
		`UPDATE file_registry SET progress = ?, updated_at = ? WHERE id = ?`,
		string(progressJSON), now(), id)
}

// UpdateJobStats persists processing statistics; called on every stats
// callback so readers see stages as they complete.
func (s *Store) UpdateJobStats(ctx context.Context, id string, stats json.RawMessage) error {
	return s.execContext(ctx,
		`UPDATE file_registry SET processing_stats = ?, updated_at = ? WHERE id = ?`,
		string(stats), now(), id)
}

// HardDeleteFileEntry removes the row. The caller is responsible for
// vector-store and on-disk cleanup.
func (s *Store) HardDeleteFileEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_registry WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// truncateTail keeps the last max bytes (tracebacks end with the cause).
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
