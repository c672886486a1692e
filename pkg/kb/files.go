package kb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lamb-project/lamb/pkg/database"
)

// ListFiles returns the non-deleted file entries of a collection.
func (s *Service) ListFiles(ctx context.Context, collectionID int64) ([]*database.FileEntry, error) {
	if _, err := s.store.GetCollection(ctx, collectionID); err != nil {
		return nil, err
	}
	return s.store.ListFileEntries(ctx, collectionID)
}

// GetFile returns one file entry (also the job status view).
func (s *Service) GetFile(ctx context.Context, fileID string) (*database.FileEntry, error) {
	return s.store.GetFileEntry(ctx, fileID)
}

// DeleteFile removes a file's vectors and soft-deletes the row. With hard
// set, the row and the stored file (plus derivatives) are removed too.
func (s *Service) DeleteFile(ctx context.Context, collectionID int64, fileID string, hard bool) error {
	entry, err := s.store.GetFileEntry(ctx, fileID)
	if err != nil {
		return err
	}
	if entry.CollectionID != collectionID {
		return database.ErrNotFound
	}
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}

	if err := s.vectors.DeleteByFilter(ctx, col.VectorStoreUUID, map[string]string{"file_id": fileID}); err != nil {
		s.logger.Warn("failed to delete vectors for file", "file", fileID, "error", err)
	}

	if !hard {
		return s.store.SetJobStatus(ctx, fileID, database.JobDeleted)
	}

	if entry.StoredPath != "" {
		if err := os.Remove(entry.StoredPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove stored file", "path", entry.StoredPath, "error", err)
		}
		stem := strings.TrimSuffix(filepath.Base(entry.StoredPath), filepath.Ext(entry.StoredPath))
		derivatives := filepath.Join(filepath.Dir(entry.StoredPath), stem)
		if err := os.RemoveAll(derivatives); err != nil {
			s.logger.Warn("failed to remove derivatives", "path", derivatives, "error", err)
		}
	}
	return s.store.HardDeleteFileEntry(ctx, fileID)
}

// UpdateFileStatus applies a caller-requested status transition, most
// commonly cancellation. The job state machine rejects invalid moves.
func (s *Service) UpdateFileStatus(ctx context.Context, fileID, status string) error {
	switch status {
	case database.JobPending, database.JobProcessing, database.JobCompleted,
		database.JobFailed, database.JobCancelled, database.JobDeleted:
	default:
		return fmt.Errorf("invalid status %q", status)
	}
	return s.store.SetJobStatus(ctx, fileID, status)
}
