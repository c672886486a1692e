package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/lamb-project/lamb/pkg/database"
	"github.com/lamb-project/lamb/pkg/kb/chunking"
	"github.com/lamb-project/lamb/pkg/kb/embedders"
	"github.com/lamb-project/lamb/pkg/kb/plugins"
	"github.com/lamb-project/lamb/pkg/kb/vector"
)

// IngestResponse is returned synchronously; processing continues in the
// background under the returned job id.
type IngestResponse struct {
	FileRegistryID string `json:"file_registry_id"`
	Status         string `json:"status"`
}

// IngestFile persists the upload under the collection's static directory,
// creates the job row and spawns the worker.
func (s *Service) IngestFile(ctx context.Context, collectionID int64, filename string, file io.Reader, pluginName string, params map[string]any) (*IngestResponse, error) {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if pluginName == "" {
		pluginName = "simple_ingest"
	}
	if _, err := s.plugins.Ingest(pluginName); err != nil {
		return nil, err
	}
	params = s.plugins.SanitizeIngestParams(pluginName, params)

	id := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(filename))
	dir := filepath.Join(s.settings.StaticRoot, col.Owner, col.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	storedPath := filepath.Join(dir, id+ext)
	out, err := os.Create(storedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	size, err := io.Copy(out, file)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(storedPath)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	publicURL := fmt.Sprintf("%s/static/%s/%s/%s%s",
		strings.TrimRight(s.settings.WebHost, "/"), col.Owner, col.Name, id, ext)

	entry := &database.FileEntry{
		ID:               id,
		CollectionID:     col.ID,
		Owner:            col.Owner,
		OriginalFilename: filename,
		StoredPath:       storedPath,
		PublicURL:        publicURL,
		SizeBytes:        size,
		ContentType:      contentTypeFor(ext),
		PluginName:       pluginName,
		Status:           database.JobProcessing,
	}
	return s.createJob(ctx, col, entry, params)
}

// IngestBase creates a job with no uploaded file; URL-driven plugins take
// their inputs from params.
func (s *Service) IngestBase(ctx context.Context, collectionID int64, pluginName string, params map[string]any) (*IngestResponse, error) {
	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if pluginName == "" {
		return nil, fmt.Errorf("plugin_name is required")
	}
	if _, err := s.plugins.Ingest(pluginName); err != nil {
		return nil, err
	}
	params = s.plugins.SanitizeIngestParams(pluginName, params)

	name := pluginName
	if urls := params["urls"]; urls != nil {
		if list, ok := urls.([]any); ok && len(list) > 0 {
			if first, ok := list[0].(string); ok {
				name = first
			}
		}
	} else if u, ok := params["url"].(string); ok && u != "" {
		name = u
	} else if u, ok := params["video_url"].(string); ok && u != "" {
		name = u
	}

	entry := &database.FileEntry{
		ID:               uuid.NewString(),
		CollectionID:     col.ID,
		Owner:            col.Owner,
		OriginalFilename: name,
		PluginName:       pluginName,
		Status:           database.JobProcessing,
	}
	return s.createJob(ctx, col, entry, params)
}

func (s *Service) createJob(ctx context.Context, col *database.Collection, entry *database.FileEntry, params map[string]any) (*IngestResponse, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("invalid plugin params: %w", err)
	}
	entry.PluginParams = paramsJSON

	if err := s.store.CreateFileEntry(ctx, entry); err != nil {
		return nil, err
	}

	s.jobs.Add(1)
	go s.runJob(entry.ID, col.ID)

	return &IngestResponse{FileRegistryID: entry.ID, Status: database.JobProcessing}, nil
}

// runJob executes the background worker contract for one job. The job row
// is the single source of truth; only this goroutine writes it.
func (s *Service) runJob(jobID string, collectionID int64) {
	defer s.jobs.Done()

	// Jobs outlive the originating HTTP request.
	ctx := context.Background()

	if err := s.jobSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.jobSem.Release(1)

	stage := "start"
	defer func() {
		if r := recover(); r != nil {
			s.failJob(ctx, jobID, stage, fmt.Sprintf("panic: %v", r), string(debug.Stack()))
		}
	}()

	// Cancellation is checked before any work begins.
	entry, err := s.store.GetFileEntry(ctx, jobID)
	if err != nil {
		s.logger.Error("job row vanished", "job", jobID, "error", err)
		return
	}
	if entry.Status == database.JobCancelled {
		s.logger.Info("job cancelled before start", "job", jobID)
		return
	}

	if err := s.store.MarkJobProcessing(ctx, jobID); err != nil {
		s.logger.Error("failed to mark job processing", "job", jobID, "error", err)
		return
	}

	col, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		s.failJob(ctx, jobID, stage, err.Error(), "")
		return
	}

	stage = "resolve_embeddings"
	cfg, err := s.embeddingConfig(ctx, col)
	if err != nil {
		s.failJob(ctx, jobID, stage, err.Error(), "")
		return
	}

	var params map[string]any
	if len(entry.PluginParams) > 0 {
		if err := json.Unmarshal(entry.PluginParams, &params); err != nil {
			s.failJob(ctx, jobID, "decode_params", err.Error(), "")
			return
		}
	}
	if params == nil {
		params = map[string]any{}
	}
	s.decorateParams(params, col, entry, cfg)

	plugin, err := s.plugins.Ingest(entry.PluginName)
	if err != nil {
		s.failJob(ctx, jobID, "resolve_plugin", err.Error(), "")
		return
	}

	progress := func(current, total int, message string) {
		p := &database.Progress{Current: current, Total: total, Message: message}
		if total > 0 {
			p.Percentage = float64(current) / float64(total) * 100
		}
		if err := s.store.UpdateJobProgress(ctx, jobID, p); err != nil {
			s.logger.Warn("failed to persist progress", "job", jobID, "error", err)
		}
	}
	stats := func(st *plugins.ProcessingStats) {
		raw, err := json.Marshal(st)
		if err != nil {
			return
		}
		if err := s.store.UpdateJobStats(ctx, jobID, raw); err != nil {
			s.logger.Warn("failed to persist stats", "job", jobID, "error", err)
		}
	}

	stage = "ingest"
	chunks, err := plugin.Ingest(ctx, plugins.IngestInput{
		FilePath: entry.StoredPath,
		Params:   params,
		Progress: progress,
		Stats:    stats,
	})
	if err != nil {
		s.failJob(ctx, jobID, stage, err.Error(), "")
		return
	}

	// Cancellation set while the plugin ran discards its output.
	stage = "upsert"
	fresh, err := s.store.GetFileEntry(ctx, jobID)
	if err != nil || fresh.Status == database.JobCancelled {
		s.logger.Info("job cancelled mid-processing, discarding output", "job", jobID)
		return
	}

	count, err := s.upsertChunks(ctx, col, entry, cfg, chunks)
	if err != nil {
		s.failJob(ctx, jobID, stage, err.Error(), "")
		return
	}

	stage = "complete"
	final := &database.Progress{Current: count, Total: count, Percentage: 100, Message: "Completed"}
	if err := s.store.MarkJobCompleted(ctx, jobID, count, final); err != nil {
		s.logger.Error("failed to mark job completed", "job", jobID, "error", err)
		return
	}
	s.logger.Info("ingestion completed", "job", jobID, "collection", col.Name, "chunks", count)
}

// decorateParams injects the reserved engine parameters. The collection's
// API key crosses into plugin space only for OpenAI-backed collections.
func (s *Service) decorateParams(params map[string]any, col *database.Collection, entry *database.FileEntry, cfg embedders.Config) {
	params[plugins.ParamCollectionOwner] = col.Owner
	params[plugins.ParamCollectionName] = col.Name
	if cfg.Vendor == embedders.VendorOpenAI && cfg.APIKey != "" {
		params[plugins.ParamAPIKey] = cfg.APIKey
	}
	if entry.PublicURL != "" {
		params["original_file_url"] = entry.PublicURL
	}
	if entry.OriginalFilename != "" {
		params["original_filename"] = entry.OriginalFilename
	}
}

// upsertChunks embeds all chunks and writes them as one batch.
func (s *Service) upsertChunks(ctx context.Context, col *database.Collection, entry *database.FileEntry, cfg embedders.Config, chunks []chunking.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	embedder, err := s.embedders.ForCollection(col.VectorStoreUUID, cfg)
	if err != nil {
		return 0, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding failed: %w", err)
	}

	source := entry.PublicURL
	if source == "" {
		source = entry.OriginalFilename
	}

	docs := make([]vector.Document, 0, len(chunks))
	for i, c := range chunks {
		if col.EmbeddingDimensions > 0 && len(vectors[i]) != col.EmbeddingDimensions {
			return 0, fmt.Errorf("embedding dimension %d does not match collection dimension %d",
				len(vectors[i]), col.EmbeddingDimensions)
		}

		metadata := map[string]string{
			"chunk_index": strconv.Itoa(i),
			"chunk_count": strconv.Itoa(len(chunks)),
			"source":      source,
			"filename":    entry.OriginalFilename,
			"file_id":     entry.ID,
		}
		for k, v := range c.Metadata {
			metadata[k] = fmt.Sprint(v)
		}

		docs = append(docs, vector.Document{
			ID:        fmt.Sprintf("%s_%d", entry.ID, i),
			Content:   c.Text,
			Metadata:  metadata,
			Embedding: vectors[i],
		})
	}

	if err := s.vectors.UpsertBatch(ctx, col.VectorStoreUUID, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (s *Service) failJob(ctx context.Context, jobID, stage, message, traceback string) {
	entry, err := s.store.GetFileEntry(ctx, jobID)
	if err != nil {
		s.logger.Error("failed to load job for failure capture", "job", jobID, "error", err)
		return
	}

	details := &database.ErrorDetails{
		ExceptionType: "IngestionError",
		Traceback:     traceback,
		FilePath:      entry.StoredPath,
		PluginName:    entry.PluginName,
		Stage:         stage,
	}
	if err := s.store.MarkJobFailed(ctx, jobID, message, details); err != nil {
		s.logger.Error("failed to mark job failed", "job", jobID, "error", err)
	}
	s.logger.Warn("ingestion failed", "job", jobID, "stage", stage, "error", message)
}

func contentTypeFor(ext string) string {
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	switch ext {
	case ".md":
		return "text/markdown"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}
