// Package chunking implements the document splitting strategies used by
// the ingestion plugins: standard (recursive/character/token), by_page,
// by_section and hierarchical.
package chunking

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Strategy names accepted in plugin parameters.
const (
	StrategyStandard     = "standard"
	StrategyByPage       = "by_page"
	StrategyBySection    = "by_section"
	StrategyHierarchical = "hierarchical"
)

// Splitter types for the standard strategy.
const (
	SplitterRecursive = "recursive"
	SplitterCharacter = "character"
	SplitterToken     = "token"
)

// tokenEncoding is the tiktoken encoding used by the token splitter.
const tokenEncoding = "cl100k_base"

// Chunk is one unit of text bound for the vector store. Metadata carries
// strategy-specific fields; the ingestion engine adds chunk_index and
// chunk_count before upserting.
type Chunk struct {
	Text     string
	Metadata map[string]any
}

// Options selects and tunes a strategy. Zero values take defaults.
type Options struct {
	Strategy     string
	ChunkSize    int
	ChunkOverlap int
	SplitterType string

	// by_page
	PagesPerChunk int

	// by_section
	SplitOnHeading int

	// hierarchical
	ParentChunkSize   int
	ChildChunkSize    int
	ChildChunkOverlap int
	SplitByHeaders    bool
	IncludeOutline    bool
}

func (o *Options) SetDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyStandard
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = o.ChunkSize / 5
	}
	if o.SplitterType == "" {
		o.SplitterType = SplitterRecursive
	}
	if o.PagesPerChunk <= 0 {
		o.PagesPerChunk = 1
	}
	if o.SplitOnHeading <= 0 || o.SplitOnHeading > 6 {
		o.SplitOnHeading = 2
	}
	if o.ParentChunkSize <= 0 {
		o.ParentChunkSize = 2000
	}
	if o.ChildChunkSize <= 0 {
		o.ChildChunkSize = 400
	}
	if o.ChildChunkOverlap < 0 || o.ChildChunkOverlap >= o.ChildChunkSize {
		o.ChildChunkOverlap = o.ChildChunkSize / 8
	}
}

// Split divides text using the selected strategy.
func Split(text string, opts Options) ([]Chunk, error) {
	opts.SetDefaults()

	switch opts.Strategy {
	case StrategyStandard:
		return splitStandard(text, opts)
	case StrategyByPage:
		return splitByPage(text, opts)
	case StrategyBySection:
		return splitBySection(text, opts)
	case StrategyHierarchical:
		return splitHierarchical(text, opts)
	default:
		return nil, fmt.Errorf("unknown chunking strategy %q", opts.Strategy)
	}
}

// splitStandard dispatches on the splitter type and tags each chunk.
func splitStandard(text string, opts Options) ([]Chunk, error) {
	pieces, err := splitText(text, opts)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, piece := range pieces {
		chunks = append(chunks, Chunk{
			Text: piece,
			Metadata: map[string]any{
				"chunking_strategy": StrategyStandard,
				"splitter_type":     opts.SplitterType,
			},
		})
	}
	return chunks, nil
}

func splitText(text string, opts Options) ([]string, error) {
	switch opts.SplitterType {
	case SplitterRecursive:
		return splitRecursive(text, opts.ChunkSize, opts.ChunkOverlap), nil
	case SplitterCharacter:
		return splitByCharacters(text, opts.ChunkSize, opts.ChunkOverlap), nil
	case SplitterToken:
		return splitByTokens(text, opts.ChunkSize, opts.ChunkOverlap)
	default:
		return nil, fmt.Errorf("unknown splitter type %q", opts.SplitterType)
	}
}

// recursiveSeparators are tried largest-structure first.
var recursiveSeparators = []string{"\n\n", "\n", ". ", " "}

// splitRecursive splits on the coarsest separator that produces pieces
// small enough, merging adjacent pieces back up to the chunk size with the
// configured overlap.
func splitRecursive(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}

	for _, sep := range recursiveSeparators {
		if !strings.Contains(text, sep) {
			continue
		}
		parts := strings.Split(text, sep)

		// Re-split any part still too large with finer separators.
		var pieces []string
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if len(part) > size {
				pieces = append(pieces, splitRecursive(part, size, overlap)...)
			} else {
				pieces = append(pieces, part)
			}
		}
		return mergePieces(pieces, sep, size, overlap)
	}

	return splitByCharacters(text, size, overlap)
}

// mergePieces greedily packs pieces into chunks of at most size characters,
// carrying overlap characters of trailing context between chunks.
func mergePieces(pieces []string, sep string, size, overlap int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		if overlap > 0 && len(chunk) > overlap {
			current.WriteString(chunk[len(chunk)-overlap:])
		}
	}

	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+len(sep)+len(piece) > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
	}
	if current.Len() > 0 {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// splitByCharacters slices fixed windows with overlap.
func splitByCharacters(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for start := 0; start < len(text); start += step {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}

// splitByTokens windows over the tiktoken encoding; size and overlap are
// in tokens.
func splitByTokens(text string, size, overlap int) ([]string, error) {
	enc, err := tiktoken.GetEncoding(tokenEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding: %w", err)
	}

	tokens := enc.Encode(text, nil, nil)
	if len(tokens) == 0 {
		return nil, nil
	}

	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, enc.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks, nil
}

// ChunkStats summarizes sizes for processing statistics.
type ChunkStats struct {
	Count   int `json:"count"`
	AvgSize int `json:"avg_size"`
	MinSize int `json:"min_size"`
	MaxSize int `json:"max_size"`
}

// Stats computes size statistics over a chunk set.
func Stats(chunks []Chunk) ChunkStats {
	if len(chunks) == 0 {
		return ChunkStats{}
	}

	stats := ChunkStats{Count: len(chunks), MinSize: len(chunks[0].Text)}
	total := 0
	for _, chunk := range chunks {
		n := len(chunk.Text)
		total += n
		if n < stats.MinSize {
			stats.MinSize = n
		}
		if n > stats.MaxSize {
			stats.MaxSize = n
		}
	}
	stats.AvgSize = total / len(chunks)
	return stats
}
