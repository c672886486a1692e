package plugins

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/kb/chunking"
	"github.com/lamb-project/lamb/pkg/logger"
)

const (
	youtubeTimedTextBase = "https://www.youtube.com"
	defaultLanguage      = "en"
)

// YouTubeIngest fetches video transcripts through the timedtext endpoint
// and chunks them. Like the URL plugin, per-video failures do not abort
// the batch.
type YouTubeIngest struct {
	pool    *httpclient.Pool
	baseURL string
	logger  *slog.Logger
}

func NewYouTubeIngest(pool *httpclient.Pool) *YouTubeIngest {
	return &YouTubeIngest{
		pool:    pool,
		baseURL: youtubeTimedTextBase,
		logger:  logger.GetLogger("kb.plugins.youtube_transcript_ingest"),
	}
}

func (p *YouTubeIngest) Name() string { return "youtube_transcript_ingest" }

func (p *YouTubeIngest) Description() string {
	return "Fetches YouTube video transcripts and splits them with the selected chunking strategy."
}

func (p *YouTubeIngest) Parameters() []Parameter {
	params := []Parameter{
		{Name: "video_url", Type: "string", Description: "single video URL"},
		{Name: "urls", Type: "array", Description: "list of video URLs"},
		{Name: "language", Type: "string", Description: "transcript language code", Default: defaultLanguage},
	}
	return append(params, chunkingParameters()...)
}

func (p *YouTubeIngest) Ingest(ctx context.Context, in IngestInput) ([]chunking.Chunk, error) {
	urls := paramStrings(in.Params, "urls")
	if single := paramString(in.Params, "video_url", ""); single != "" {
		urls = append(urls, single)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("youtube_transcript_ingest requires video_url or urls")
	}
	language := paramString(in.Params, "language", defaultLanguage)

	stats := &ProcessingStats{}
	opts := chunkingOptions(in.Params)

	var chunks []chunking.Chunk
	failures := 0
	for i, videoURL := range urls {
		if in.Progress != nil {
			in.Progress(i, len(urls), fmt.Sprintf("Fetching transcript for %s", videoURL))
		}

		started := time.Now()
		transcript, err := p.fetchTranscript(ctx, videoURL, language)
		if err != nil {
			failures++
			p.logger.Warn("transcript fetch failed", "url", videoURL, "error", err)
			stats.AddStage("transcript_failed", started, fmt.Sprintf("%s: %s", videoURL, err))
			continue
		}
		stats.ContentLength += len(transcript)
		stats.AddStage("transcript", started, videoURL)

		videoChunks, err := chunking.Split(transcript, opts)
		if err != nil {
			return nil, err
		}
		for j := range videoChunks {
			videoChunks[j].Metadata["source"] = videoURL
			videoChunks[j].Metadata["language"] = language
		}
		chunks = append(chunks, videoChunks...)

		if in.Stats != nil {
			in.Stats(stats)
		}
	}
	if in.Progress != nil {
		in.Progress(len(urls), len(urls), "Done")
	}

	if failures == len(urls) {
		return nil, fmt.Errorf("all %d transcripts failed", len(urls))
	}

	cs := chunking.Stats(chunks)
	stats.ChunkingStrategy = opts.Strategy
	stats.ChunkStats = ChunkStats{Count: cs.Count, AvgSize: cs.AvgSize, MinSize: cs.MinSize, MaxSize: cs.MaxSize}
	if in.Stats != nil {
		in.Stats(stats)
	}
	return chunks, nil
}

type timedText struct {
	Texts []struct {
		Start string `xml:"start,attr"`
		Value string `xml:",chardata"`
	} `xml:"text"`
}

func (p *YouTubeIngest) fetchTranscript(ctx context.Context, videoURL, language string) (string, error) {
	videoID, err := extractVideoID(videoURL)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/api/timedtext?lang=%s&v=%s",
		p.baseURL, url.QueryEscape(language), url.QueryEscape(videoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.pool.Get(p.baseURL).Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return "", fmt.Errorf("timedtext returned status %d", resp.StatusCode)
		}
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", fmt.Errorf("no transcript available for %s (language %s)", videoID, language)
	}

	var parsed timedText
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse transcript: %w", err)
	}
	if len(parsed.Texts) == 0 {
		return "", fmt.Errorf("empty transcript for %s (language %s)", videoID, language)
	}

	parts := make([]string, 0, len(parsed.Texts))
	for _, t := range parsed.Texts {
		if text := strings.TrimSpace(t.Value); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// extractVideoID handles watch?v=, youtu.be/, embed/ and shorts/ forms,
// plus bare 11-character ids.
func extractVideoID(videoURL string) (string, error) {
	parsed, err := url.Parse(videoURL)
	if err == nil && parsed.Host != "" {
		if v := parsed.Query().Get("v"); v != "" {
			return v, nil
		}
		path := strings.Trim(parsed.Path, "/")
		if strings.Contains(parsed.Host, "youtu.be") && path != "" {
			return path, nil
		}
		for _, prefix := range []string{"embed/", "shorts/", "live/"} {
			if strings.HasPrefix(path, prefix) {
				return strings.SplitN(strings.TrimPrefix(path, prefix), "/", 2)[0], nil
			}
		}
	}
	if len(videoURL) == 11 && !strings.ContainsAny(videoURL, "/?&.") {
		return videoURL, nil
	}
	return "", fmt.Errorf("could not extract video id from %q", videoURL)
}
