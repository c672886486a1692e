package plugins

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/kb/chunking"
	"github.com/lamb-project/lamb/pkg/logger"
)

// maxPageBytes bounds how much of a fetched page is read.
const maxPageBytes = 4 << 20

// URLIngest fetches web pages, reduces them to text and chunks each page
// separately. Failures are isolated per URL so one bad link does not
// abort the batch.
type URLIngest struct {
	pool   *httpclient.Pool
	logger *slog.Logger
}

func NewURLIngest(pool *httpclient.Pool) *URLIngest {
	return &URLIngest{
		pool:   pool,
		logger: logger.GetLogger("kb.plugins.url_ingest"),
	}
}

func (p *URLIngest) Name() string { return "url_ingest" }

func (p *URLIngest) Description() string {
	return "Fetches one or more web pages, strips markup and splits the text with the selected chunking strategy."
}

func (p *URLIngest) Parameters() []Parameter {
	params := []Parameter{
		{Name: "url", Type: "string", Description: "single page to ingest"},
		{Name: "urls", Type: "array", Description: "list of pages to ingest"},
	}
	return append(params, chunkingParameters()...)
}

func (p *URLIngest) Ingest(ctx context.Context, in IngestInput) ([]chunking.Chunk, error) {
	urls := paramStrings(in.Params, "urls")
	if single := paramString(in.Params, "url", ""); single != "" {
		urls = append(urls, single)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("url_ingest requires url or urls")
	}

	stats := &ProcessingStats{}
	opts := chunkingOptions(in.Params)

	var chunks []chunking.Chunk
	failures := 0
	for i, pageURL := range urls {
		if in.Progress != nil {
			in.Progress(i, len(urls), fmt.Sprintf("Fetching %s", pageURL))
		}

		started := time.Now()
		text, err := p.fetchText(ctx, pageURL)
		if err != nil {
			failures++
			p.logger.Warn("url fetch failed", "url", pageURL, "error", err)
			stats.AddStage("fetch_failed", started, fmt.Sprintf("%s: %s", pageURL, err))
			continue
		}
		stats.ContentLength += len(text)
		stats.AddStage("fetch", started, pageURL)

		pageChunks, err := chunking.Split(text, opts)
		if err != nil {
			return nil, err
		}
		for j := range pageChunks {
			pageChunks[j].Metadata["source"] = pageURL
		}
		chunks = append(chunks, pageChunks...)

		if in.Stats != nil {
			in.Stats(stats)
		}
	}
	if in.Progress != nil {
		in.Progress(len(urls), len(urls), "Done")
	}

	if failures == len(urls) {
		return nil, fmt.Errorf("all %d urls failed", len(urls))
	}

	cs := chunking.Stats(chunks)
	stats.ChunkingStrategy = opts.Strategy
	stats.ChunkStats = ChunkStats{Count: cs.Count, AvgSize: cs.AvgSize, MinSize: cs.MinSize, MaxSize: cs.MaxSize}
	if in.Stats != nil {
		in.Stats(stats)
	}
	return chunks, nil
}

func (p *URLIngest) fetchText(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid url %q", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}

	base := parsed.Scheme + "://" + parsed.Host
	resp, err := p.pool.Get(base).Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
		}
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") || looksLikeHTML(body) {
		return htmlToText(body)
	}
	return string(body), nil
}

func looksLikeHTML(body []byte) bool {
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

// htmlToText walks the DOM collecting text nodes, skipping script, style
// and other non-content elements. Block elements become line breaks.
func htmlToText(body []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	skip := map[string]bool{
		"script": true, "style": true, "noscript": true,
		"head": true, "nav": true, "footer": true,
	}
	block := map[string]bool{
		"p": true, "div": true, "br": true, "li": true, "tr": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skip[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && block[n.Data] {
			sb.WriteString("\n")
		}
	}
	walk(doc)

	// Collapse runs of blank lines left by nested blocks.
	lines := strings.Split(sb.String(), "\n")
	var out []string
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}
