package plugins

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/kb/embedders"
	"github.com/lamb-project/lamb/pkg/kb/vector"
)

func TestModeForReadsEnvironment(t *testing.T) {
	t.Setenv("PLUGIN_SIMPLE_INGEST", "DISABLE")
	assert.Equal(t, ModeDisable, ModeFor("simple_ingest"))

	t.Setenv("PLUGIN_SIMPLE_INGEST", "simplified")
	assert.Equal(t, ModeSimplified, ModeFor("simple_ingest"))

	t.Setenv("PLUGIN_SIMPLE_INGEST", "")
	assert.Equal(t, ModeAdvanced, ModeFor("simple_ingest"))
}

func TestDisabledPluginNotRegistered(t *testing.T) {
	t.Setenv("PLUGIN_URL_INGEST", "DISABLE")

	r, err := DefaultRegistry(httpclient.NewPool())
	require.NoError(t, err)

	_, err = r.Ingest("url_ingest")
	assert.Error(t, err)
	_, err = r.Ingest("simple_ingest")
	assert.NoError(t, err)
}

func TestSimplifiedCatalogAndSanitize(t *testing.T) {
	t.Setenv("PLUGIN_SIMPLE_QUERY", "SIMPLIFIED")
	t.Setenv("PLUGIN_YOUTUBE_TRANSCRIPT_INGEST", "SIMPLIFIED")

	r, err := DefaultRegistry(httpclient.NewPool())
	require.NoError(t, err)

	var queryInfo PluginInfo
	for _, info := range r.QueryCatalog() {
		if info.Name == "simple_query" {
			queryInfo = info
		}
	}
	names := make([]string, 0, len(queryInfo.Parameters))
	for _, p := range queryInfo.Parameters {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"top_k", "threshold"}, names)

	params := r.SanitizeQueryParams("simple_query", map[string]any{
		"top_k":     5,
		"threshold": 0.2,
		"file_id":   "f1",
	})
	assert.Equal(t, map[string]any{"top_k": 5, "threshold": 0.2}, params)

	// Ingest-side essentials survive, chunking knobs are dropped.
	params = r.SanitizeIngestParams("youtube_transcript_ingest", map[string]any{
		"video_url":  "https://youtu.be/abc123def45",
		"language":   "es",
		"chunk_size": 50,
		ParamAPIKey:  "sk-test",
	})
	assert.Equal(t, "https://youtu.be/abc123def45", params["video_url"])
	assert.Equal(t, "es", params["language"])
	assert.Equal(t, "sk-test", params[ParamAPIKey])
	assert.NotContains(t, params, "chunk_size")
}

func TestAdvancedSanitizePassesThrough(t *testing.T) {
	r, err := DefaultRegistry(httpclient.NewPool())
	require.NoError(t, err)

	in := map[string]any{"chunk_size": 50, "top_k": 2}
	assert.Equal(t, in, r.SanitizeIngestParams("simple_ingest", in))
}

func TestFileIngestProducesChunksAndStats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	content := strings.Repeat("Some sentence about biology. ", 60)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p := NewFileIngest(httpclient.NewPool())

	var lastStats *ProcessingStats
	var progressCalls int
	chunks, err := p.Ingest(context.Background(), IngestInput{
		FilePath: path,
		Params: map[string]any{
			"chunk_size":        300,
			"original_file_url": "http://host/static/owner/col/doc.md",
		},
		Progress: func(current, total int, message string) { progressCalls++ },
		Stats:    func(s *ProcessingStats) { lastStats = s },
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	require.NotNil(t, lastStats)
	assert.Equal(t, len(content), lastStats.ContentLength)
	assert.Equal(t, len(chunks), lastStats.ChunkStats.Count)
	assert.Equal(t, "standard", lastStats.ChunkingStrategy)
	assert.NotEmpty(t, lastStats.MarkdownPreview)
	assert.LessOrEqual(t, len(lastStats.MarkdownPreview), markdownPreviewLimit)
	assert.Equal(t, "http://host/static/owner/col/doc/doc.md", lastStats.OutputFiles.MarkdownURL)
	assert.Positive(t, progressCalls)

	// Markdown derivative written next to the upload.
	derived, err := os.ReadFile(filepath.Join(dir, "doc", "doc.md"))
	require.NoError(t, err)
	assert.Equal(t, content, string(derived))
}

func TestFileIngestLLMDescriptionsRequireKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text, no images"), 0o644))

	p := NewFileIngest(httpclient.NewPool())
	var described atomic.Int32
	p.describe = func(ctx context.Context, apiKey string, image []byte) (string, int, error) {
		described.Add(1)
		return "a diagram", 10, nil
	}

	// Non-PDF input never reaches the image stage regardless of mode.
	_, err := p.Ingest(context.Background(), IngestInput{
		FilePath: path,
		Params:   map[string]any{"image_descriptions": "llm"},
	})
	require.NoError(t, err)
	assert.Zero(t, described.Load())
}

func TestProcessImagesDowngradesWithoutKey(t *testing.T) {
	p := NewFileIngest(httpclient.NewPool())
	var described atomic.Int32
	p.describe = func(ctx context.Context, apiKey string, image []byte) (string, int, error) {
		described.Add(1)
		return "a diagram", 10, nil
	}

	// llm mode without an injected key downgrades to basic and records a
	// warning stage; no description call is made.
	stats := &ProcessingStats{}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake.pdf")
	require.NoError(t, os.WriteFile(path, []byte("not a pdf"), 0o644))

	section := p.processImages(context.Background(), IngestInput{
		FilePath: path,
		Params:   map[string]any{"image_descriptions": "llm"},
	}, stats)

	assert.Empty(t, section)
	assert.Zero(t, described.Load())
	require.NotEmpty(t, stats.StageTimings)
	assert.Equal(t, "images_warning", stats.StageTimings[0].Stage)
}

func TestURLIngestIsolatesFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><head><script>junk()</script></head><body><h1>Title</h1><p>Useful paragraph text.</p></body></html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	p := NewURLIngest(httpclient.NewPool())

	var progress []string
	chunks, err := p.Ingest(context.Background(), IngestInput{
		Params: map[string]any{
			"urls": []any{server.URL + "/good", server.URL + "/missing"},
		},
		Progress: func(current, total int, message string) {
			progress = append(progress, fmt.Sprintf("%d/%d", current, total))
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	assert.Equal(t, server.URL+"/good", chunks[0].Metadata["source"])
	assert.Contains(t, chunks[0].Text, "Useful paragraph text.")
	assert.NotContains(t, chunks[0].Text, "junk()")
	assert.Equal(t, []string{"0/2", "1/2", "2/2"}, progress)
}

func TestURLIngestAllFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewURLIngest(httpclient.NewPool())
	_, err := p.Ingest(context.Background(), IngestInput{
		Params: map[string]any{"url": server.URL + "/page"},
	})
	assert.Error(t, err)
}

func TestYouTubeIngestParsesTranscript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/timedtext", r.URL.Path)
		assert.Equal(t, "en", r.URL.Query().Get("lang"))
		assert.Equal(t, "abc123def45", r.URL.Query().Get("v"))
		w.Write([]byte(`<transcript><text start="0">Hello</text><text start="2">world of transcripts</text></transcript>`))
	}))
	defer server.Close()

	p := NewYouTubeIngest(httpclient.NewPool())
	p.baseURL = server.URL

	chunks, err := p.Ingest(context.Background(), IngestInput{
		Params: map[string]any{"video_url": "https://www.youtube.com/watch?v=abc123def45"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Text, "Hello world of transcripts")
	assert.Equal(t, "en", chunks[0].Metadata["language"])
}

func TestExtractVideoID(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/watch?v=abc123def45": "abc123def45",
		"https://youtu.be/abc123def45":                "abc123def45",
		"https://www.youtube.com/embed/abc123def45":   "abc123def45",
		"https://www.youtube.com/shorts/abc123def45":  "abc123def45",
		"abc123def45":                                 "abc123def45",
	}
	for input, want := range cases {
		got, err := extractVideoID(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := extractVideoID("not a video")
	assert.Error(t, err)
}

func TestSimpleQueryThresholdAndFilter(t *testing.T) {
	ctx := context.Background()
	store, err := vector.NewChromemStore(vector.ChromemConfig{})
	require.NoError(t, err)
	require.NoError(t, store.UpsertBatch(ctx, "col", []vector.Document{
		{ID: "a", Content: "alpha", Metadata: map[string]string{"file_id": "f1"}, Embedding: []float32{1, 0}},
		{ID: "b", Content: "beta", Metadata: map[string]string{"file_id": "f2"}, Embedding: []float32{0, 1}},
	}))

	embedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"embedding":[1,0],"index":0}]}`))
	}))
	defer embedServer.Close()
	embedder, err := embedders.NewOpenAIEmbedder(embedders.Config{
		APIKey: "k", BaseURL: embedServer.URL, Dimensions: 2,
	}, httpclient.NewPool())
	require.NoError(t, err)

	p := NewSimpleQuery()

	results, err := p.Query(ctx, QueryInput{
		Collection: "col",
		QueryText:  "alpha things",
		TopK:       2,
		Threshold:  0.9,
		Store:      store,
		Embedder:   embedder,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "alpha", results[0].Data)
	assert.Equal(t, "f1", results[0].Metadata["file_id"])

	// file_id filter restricts to the other file even though it scores lower.
	results, err = p.Query(ctx, QueryInput{
		Collection: "col",
		QueryText:  "alpha things",
		Params:     map[string]any{"file_id": "f2"},
		Store:      store,
		Embedder:   embedder,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "beta", results[0].Data)
}
