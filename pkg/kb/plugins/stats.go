package plugins

import "time"

// markdownPreviewLimit bounds the preview stored on the job row.
const markdownPreviewLimit = 2000

// LLMCall records one outbound description call.
type LLMCall struct {
	Image      string `json:"image"`
	DurationMS int64  `json:"duration_ms"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// StageTiming records one completed processing stage.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMS int64  `json:"duration_ms"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
}

// OutputFiles links the derivatives written next to the upload.
type OutputFiles struct {
	MarkdownURL     string `json:"markdown_url,omitempty"`
	ImagesFolderURL string `json:"images_folder_url,omitempty"`
	OriginalFileURL string `json:"original_file_url,omitempty"`
}

// ChunkStats mirrors the chunking package statistics on the wire.
type ChunkStats struct {
	Count   int `json:"count"`
	AvgSize int `json:"avg_size"`
	MinSize int `json:"min_size"`
	MaxSize int `json:"max_size"`
}

// ProcessingStats is the plugin-agnostic statistics document persisted on
// the job row after each stage. A stats document belongs to exactly one
// job and is only written by that job's worker.
type ProcessingStats struct {
	ContentLength             int           `json:"content_length"`
	ImagesExtracted           int           `json:"images_extracted"`
	ImagesWithLLMDescriptions int           `json:"images_with_llm_descriptions"`
	LLMCalls                  []LLMCall     `json:"llm_calls"`
	TotalLLMDurationMS        int64         `json:"total_llm_duration_ms"`
	ChunkingStrategy          string        `json:"chunking_strategy"`
	ChunkStats                ChunkStats    `json:"chunk_stats"`
	StageTimings              []StageTiming `json:"stage_timings"`
	OutputFiles               OutputFiles   `json:"output_files"`
	MarkdownPreview           string        `json:"markdown_preview"`
}

// AddStage appends a completed stage timing.
func (s *ProcessingStats) AddStage(stage string, started time.Time, message string) {
	s.StageTimings = append(s.StageTimings, StageTiming{
		Stage:      stage,
		DurationMS: time.Since(started).Milliseconds(),
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// AddLLMCall records one description call and updates the totals.
func (s *ProcessingStats) AddLLMCall(call LLMCall) {
	s.LLMCalls = append(s.LLMCalls, call)
	s.TotalLLMDurationMS += call.DurationMS
	if call.Success {
		s.ImagesWithLLMDescriptions++
	}
}

// SetPreview stores the truncated markdown preview.
func (s *ProcessingStats) SetPreview(markdown string) {
	if len(markdown) > markdownPreviewLimit {
		markdown = markdown[:markdownPreviewLimit]
	}
	s.MarkdownPreview = markdown
}
