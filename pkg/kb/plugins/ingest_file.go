package plugins

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/kb/chunking"
	"github.com/lamb-project/lamb/pkg/kb/extract"
	"github.com/lamb-project/lamb/pkg/logger"
)

// Image description modes.
const (
	imageDescNone  = "none"
	imageDescBasic = "basic"
	imageDescLLM   = "llm"
)

// descriptionModel is the vision model used for LLM image descriptions.
const descriptionModel = "gpt-4o-mini"

// DescribeFunc produces a description for one extracted image. The
// default implementation calls the OpenAI vision API.
type DescribeFunc func(ctx context.Context, apiKey string, image []byte) (string, int, error)

// FileIngest is the default ingestion plugin: extract text from the
// upload, optionally describe embedded images, then chunk.
type FileIngest struct {
	pool     *httpclient.Pool
	describe DescribeFunc
	logger   *slog.Logger
}

// NewFileIngest builds the plugin over the shared client pool.
func NewFileIngest(pool *httpclient.Pool) *FileIngest {
	p := &FileIngest{
		pool:   pool,
		logger: logger.GetLogger("kb.plugins.simple_ingest"),
	}
	p.describe = p.describeWithOpenAI
	return p
}

func (p *FileIngest) Name() string { return "simple_ingest" }

func (p *FileIngest) Description() string {
	return "Extracts text from uploaded documents (pdf, docx, xlsx, markdown, plain text) and splits it with the selected chunking strategy."
}

func (p *FileIngest) Parameters() []Parameter {
	params := []Parameter{
		{Name: "image_descriptions", Type: "string", Description: "none, basic (filename-derived) or llm (vision model)", Default: imageDescNone},
	}
	return append(params, chunkingParameters()...)
}

func (p *FileIngest) Ingest(ctx context.Context, in IngestInput) ([]chunking.Chunk, error) {
	stats := &ProcessingStats{}
	report := func() {
		if in.Stats != nil {
			in.Stats(stats)
		}
	}
	progress := func(current, total int, message string) {
		if in.Progress != nil {
			in.Progress(current, total, message)
		}
	}

	// Stage 1: text extraction.
	started := time.Now()
	progress(0, 3, "Extracting text")
	text, err := extract.Text(in.FilePath)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	stats.ContentLength = len(text)
	stats.SetPreview(text)
	stats.AddStage("extract", started, fmt.Sprintf("extracted %d characters", len(text)))

	if err := p.writeDerivatives(in, text, stats); err != nil {
		p.logger.Warn("failed to write derivatives", "file", in.FilePath, "error", err)
	}
	report()

	// Stage 2: embedded images (PDF only).
	if strings.EqualFold(filepath.Ext(in.FilePath), ".pdf") {
		progress(1, 3, "Processing images")
		if section := p.processImages(ctx, in, stats); section != "" {
			text += "\n\n" + section
		}
		report()
	}

	// Stage 3: chunking.
	started = time.Now()
	progress(2, 3, "Chunking")
	opts := chunkingOptions(in.Params)
	chunks, err := chunking.Split(text, opts)
	if err != nil {
		return nil, err
	}

	cs := chunking.Stats(chunks)
	stats.ChunkingStrategy = opts.Strategy
	if stats.ChunkingStrategy == "" {
		stats.ChunkingStrategy = chunking.StrategyStandard
	}
	stats.ChunkStats = ChunkStats{Count: cs.Count, AvgSize: cs.AvgSize, MinSize: cs.MinSize, MaxSize: cs.MaxSize}
	stats.AddStage("chunking", started, fmt.Sprintf("produced %d chunks", cs.Count))
	report()

	progress(3, 3, "Done")
	return chunks, nil
}

// writeDerivatives persists the extracted markdown next to the upload
// under <stem>/ and records the public links.
func (p *FileIngest) writeDerivatives(in IngestInput, text string, stats *ProcessingStats) error {
	stem := strings.TrimSuffix(filepath.Base(in.FilePath), filepath.Ext(in.FilePath))
	dir := filepath.Join(filepath.Dir(in.FilePath), stem)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	mdPath := filepath.Join(dir, stem+".md")
	if err := os.WriteFile(mdPath, []byte(text), 0o644); err != nil {
		return err
	}

	if base := paramString(in.Params, "original_file_url", ""); base != "" {
		stats.OutputFiles.OriginalFileURL = base
		parent := base[:strings.LastIndex(base, "/")+1]
		stats.OutputFiles.MarkdownURL = parent + stem + "/" + stem + ".md"
		stats.OutputFiles.ImagesFolderURL = parent + stem + "/images"
	}
	return nil
}

// processImages extracts embedded PDF images and, depending on the mode
// and the collection's embedding vendor, describes them. Returns a
// markdown section to append, or empty.
func (p *FileIngest) processImages(ctx context.Context, in IngestInput, stats *ProcessingStats) string {
	mode := strings.ToLower(paramString(in.Params, "image_descriptions", imageDescNone))
	if mode != imageDescBasic && mode != imageDescLLM {
		return ""
	}

	// Content leaves the host only for OpenAI-backed collections with a
	// key present; anything else silently downgrades to basic.
	apiKey := paramString(in.Params, ParamAPIKey, "")
	if mode == imageDescLLM && apiKey == "" {
		mode = imageDescBasic
		stats.AddStage("images_warning", time.Now(),
			"image_descriptions downgraded to basic: collection embeddings are not OpenAI-backed or no key is available")
	}

	started := time.Now()
	stem := strings.TrimSuffix(filepath.Base(in.FilePath), filepath.Ext(in.FilePath))
	imagesDir := filepath.Join(filepath.Dir(in.FilePath), stem, "images")
	paths, err := extract.PDFImages(in.FilePath, imagesDir)
	if err != nil {
		p.logger.Warn("image extraction failed", "file", in.FilePath, "error", err)
		return ""
	}
	stats.ImagesExtracted = len(paths)
	if len(paths) == 0 {
		return ""
	}

	filename := paramString(in.Params, "original_filename", filepath.Base(in.FilePath))
	var sb strings.Builder
	sb.WriteString("## Extracted images\n")
	for _, imgPath := range paths {
		desc := fmt.Sprintf("Image %s from %s", filepath.Base(imgPath), filename)
		if mode == imageDescLLM {
			if llmDesc, ok := p.describeImage(ctx, apiKey, imgPath, stats); ok {
				desc = llmDesc
			}
		}
		sb.WriteString(fmt.Sprintf("\n- %s: %s", filepath.Base(imgPath), desc))
	}
	stats.AddStage("images", started, fmt.Sprintf("processed %d images (%s)", len(paths), mode))
	return sb.String()
}

func (p *FileIngest) describeImage(ctx context.Context, apiKey, imgPath string, stats *ProcessingStats) (string, bool) {
	data, err := os.ReadFile(imgPath)
	if err != nil {
		return "", false
	}

	started := time.Now()
	desc, tokens, err := p.describe(ctx, apiKey, data)
	call := LLMCall{
		Image:      filepath.Base(imgPath),
		DurationMS: time.Since(started).Milliseconds(),
		TokensUsed: tokens,
		Success:    err == nil,
	}
	if err != nil {
		call.Error = err.Error()
		p.logger.Warn("image description failed", "image", imgPath, "error", err)
	}
	stats.AddLLMCall(call)
	return desc, err == nil
}

// describeWithOpenAI sends one image to the vision model and returns the
// description text and token usage.
func (p *FileIngest) describeWithOpenAI(ctx context.Context, apiKey string, image []byte) (string, int, error) {
	mime := http.DetectContentType(image)
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)

	payload := map[string]any{
		"model": descriptionModel,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": "Describe this image in one or two sentences for a document index."},
				{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
			},
		}},
		"max_tokens": 120,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}

	baseURL := "https://api.openai.com/v1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.pool.Get(baseURL).Do(req)
	if err != nil {
		if resp != nil {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return "", 0, fmt.Errorf("vision API returned status %d: %s", resp.StatusCode, string(detail))
		}
		return "", 0, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", 0, err
	}
	if len(decoded.Choices) == 0 {
		return "", 0, fmt.Errorf("vision API returned no choices")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), decoded.Usage.TotalTokens, nil
}
