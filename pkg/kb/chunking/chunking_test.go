package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStandardRecursive(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 100)
	chunks, err := Split(text, Options{ChunkSize: 500, ChunkOverlap: 50})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, chunk := range chunks {
		// Overlap carry-over can exceed the target slightly but never wildly.
		if len(chunk.Text) > 600 {
			t.Errorf("chunk %d is %d chars, expected <= 600", i, len(chunk.Text))
		}
		assert.Equal(t, StrategyStandard, chunk.Metadata["chunking_strategy"])
	}
}

func TestSplitStandardShortTextIsOneChunk(t *testing.T) {
	chunks, err := Split("short text", Options{})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0].Text)
}

func TestSplitStandardCharacter(t *testing.T) {
	text := strings.Repeat("a", 250)
	chunks, err := Split(text, Options{ChunkSize: 100, ChunkOverlap: 10, SplitterType: SplitterCharacter})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 100, len(chunks[0].Text))
	// Each window starts 90 chars after the previous one.
	assert.Equal(t, 100, len(chunks[1].Text))
}

func TestSplitStandardToken(t *testing.T) {
	text := strings.Repeat("hello world ", 200)
	chunks, err := Split(text, Options{ChunkSize: 50, ChunkOverlap: 5, SplitterType: SplitterToken})
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	// Round trip must preserve all content.
	joined := strings.Join([]string{chunks[0].Text}, "")
	assert.True(t, strings.HasPrefix(text, strings.TrimRight(joined[:10], " ")))
}

func TestSplitDeterministic(t *testing.T) {
	text := strings.Repeat("Paragraph one.\n\nParagraph two with more words in it.\n\n", 40)
	opts := Options{ChunkSize: 300, ChunkOverlap: 30}

	first, err := Split(text, opts)
	require.NoError(t, err)
	second, err := Split(text, opts)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Text, second[i].Text)
	}
}

func TestSplitUnknownStrategy(t *testing.T) {
	_, err := Split("text", Options{Strategy: "zigzag"})
	assert.Error(t, err)
}

func TestSplitByPage(t *testing.T) {
	text := "<!-- Page 1 -->\nFirst page body.\n<!-- Page 2 -->\nSecond page body.\n<!-- Page 3 -->\nThird page body."

	chunks, err := Split(text, Options{Strategy: StrategyByPage, PagesPerChunk: 2})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Equal(t, "1-2", chunks[0].Metadata["page_range"])
	assert.Contains(t, chunks[0].Text, "First page body.")
	assert.Contains(t, chunks[0].Text, "Second page body.")
	assert.Equal(t, "3", chunks[1].Metadata["page_range"])
}

func TestSplitByPageMixedMarkers(t *testing.T) {
	text := "intro text\n[Page 4]\nfour\n<!-- Page Break -->\nfive\n<!-- Slide 9 -->\nnine"

	chunks, err := Split(text, Options{Strategy: StrategyByPage, PagesPerChunk: 1})
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, "1", chunks[0].Metadata["page_range"]) // intro becomes page 1
	assert.Equal(t, "4", chunks[1].Metadata["page_range"])
	assert.Equal(t, "5", chunks[2].Metadata["page_range"]) // unnumbered break continues
	assert.Equal(t, "9", chunks[3].Metadata["page_range"])
}

func TestSplitByPageFallsBackToStandard(t *testing.T) {
	chunks, err := Split("no markers here at all", Options{Strategy: StrategyByPage})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, StrategyStandard, chunks[0].Metadata["chunking_strategy"])
}

func TestSplitBySection(t *testing.T) {
	text := `Intro paragraph.

# Biology

## Cells

Cells are the basic unit.

### Organelles

Mitochondria make energy.

## Genetics

DNA stores information.

# Chemistry

## Atoms

Atoms are small.`

	chunks, err := Split(text, Options{Strategy: StrategyBySection, SplitOnHeading: 2})
	require.NoError(t, err)

	// Boundaries: Biology(h1), Cells(h2), Genetics(h2), Chemistry(h1), Atoms(h2).
	require.Len(t, chunks, 5)

	// Intro attaches only to the first chunk.
	assert.Contains(t, chunks[0].Text, "Intro paragraph.")
	for _, chunk := range chunks[1:] {
		assert.NotContains(t, chunk.Text, "Intro paragraph.")
	}

	// Cells keeps its deeper subsection and its parent title prefix.
	cells := chunks[1]
	assert.Equal(t, "Cells", cells.Metadata["section_title"])
	assert.Equal(t, "Biology", cells.Metadata["parent_titles"])
	assert.Contains(t, cells.Text, "Biology > Cells")
	assert.Contains(t, cells.Text, "Mitochondria make energy.")

	// Sections never mix parents: Atoms is under Chemistry, not Biology.
	atoms := chunks[4]
	assert.Equal(t, "Chemistry", atoms.Metadata["parent_titles"])
	assert.NotContains(t, atoms.Text, "Biology")
}

func TestSplitBySectionNoHeadingsFallsBack(t *testing.T) {
	chunks, err := Split("plain text without headings", Options{Strategy: StrategyBySection})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, StrategyStandard, chunks[0].Metadata["chunking_strategy"])
}

func TestSplitHierarchical(t *testing.T) {
	text := strings.Repeat("Some sentence about the topic at hand. ", 120)

	chunks, err := Split(text, Options{
		Strategy:          StrategyHierarchical,
		ParentChunkSize:   1000,
		ChildChunkSize:    200,
		ChildChunkOverlap: 20,
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for _, chunk := range chunks {
		assert.Equal(t, "child", chunk.Metadata["chunk_level"])
		parentText, ok := chunk.Metadata["parent_text"].(string)
		require.True(t, ok)
		assert.NotEmpty(t, chunk.Metadata["parent_chunk_id"])
		assert.NotEmpty(t, chunk.Metadata["child_chunk_id"])
		// The child must be drawn from its parent.
		probe := chunk.Text
		if len(probe) > 40 {
			probe = probe[:40]
		}
		assert.Contains(t, parentText, probe)
	}
}

func TestSplitHierarchicalByHeadersWithOutline(t *testing.T) {
	text := `# One

Body of one. ` + strings.Repeat("More text here. ", 30) + `

# Two

Body of two.`

	chunks, err := Split(text, Options{
		Strategy:       StrategyHierarchical,
		SplitByHeaders: true,
		IncludeOutline: true,
		ChildChunkSize: 200,
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	assert.Equal(t, "outline", last.Metadata["chunk_level"])
	assert.Contains(t, last.Text, "- One")
	assert.Contains(t, last.Text, "- Two")

	// Children from the "Two" section carry only that parent.
	var foundTwo bool
	for _, chunk := range chunks[:len(chunks)-1] {
		parent := chunk.Metadata["parent_text"].(string)
		if strings.Contains(chunk.Text, "Body of two.") {
			foundTwo = true
			assert.NotContains(t, parent, "Body of one.")
		}
	}
	assert.True(t, foundTwo)
}

func TestStats(t *testing.T) {
	chunks := []Chunk{
		{Text: strings.Repeat("a", 10)},
		{Text: strings.Repeat("b", 20)},
		{Text: strings.Repeat("c", 30)},
	}

	stats := Stats(chunks)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 20, stats.AvgSize)
	assert.Equal(t, 10, stats.MinSize)
	assert.Equal(t, 30, stats.MaxSize)

	assert.Equal(t, ChunkStats{}, Stats(nil))
}
