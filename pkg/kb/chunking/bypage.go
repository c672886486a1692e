package chunking

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// pageMarkerRe matches the page boundary markers emitted by the document
// converters. Page and slide markers carry a number; plain page breaks
// do not.
var pageMarkerRe = regexp.MustCompile(`(?m)^(?:<!-- Page (\d+) -->|<!-- Slide (\d+) -->|<!-- Page Break -->|\[Page (\d+)\])\s*$`)

type page struct {
	number int
	text   string
}

// splitByPage groups marker-delimited pages, PagesPerChunk at a time, with
// page_range metadata. Documents without markers fall back to standard.
func splitByPage(text string, opts Options) ([]Chunk, error) {
	pages := extractPages(text)
	if len(pages) == 0 {
		return splitStandard(text, opts)
	}

	var chunks []Chunk
	for start := 0; start < len(pages); start += opts.PagesPerChunk {
		end := start + opts.PagesPerChunk
		if end > len(pages) {
			end = len(pages)
		}
		group := pages[start:end]

		var parts []string
		for _, p := range group {
			if t := strings.TrimSpace(p.text); t != "" {
				parts = append(parts, t)
			}
		}
		body := strings.Join(parts, "\n\n")
		if body == "" {
			continue
		}

		chunks = append(chunks, Chunk{
			Text: body,
			Metadata: map[string]any{
				"chunking_strategy": StrategyByPage,
				"page_range":        pageRange(group[0].number, group[len(group)-1].number),
			},
		})
	}
	return chunks, nil
}

// extractPages cuts the document at each marker. Text before the first
// marker belongs to page 1; unnumbered breaks continue the sequence.
func extractPages(text string) []page {
	matches := pageMarkerRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var pages []page
	nextNumber := 1

	appendPage := func(number int, body string) {
		pages = append(pages, page{number: number, text: body})
		nextNumber = number + 1
	}

	if lead := strings.TrimSpace(text[:matches[0][0]]); lead != "" {
		appendPage(1, lead)
	}

	for i, m := range matches {
		number := markerNumber(text, m, nextNumber)
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		appendPage(number, strings.TrimSpace(text[m[1]:end]))
	}
	return pages
}

// markerNumber pulls the page number out of whichever group matched.
func markerNumber(text string, m []int, fallback int) int {
	for group := 1; group <= 3; group++ {
		lo, hi := m[2*group], m[2*group+1]
		if lo < 0 {
			continue
		}
		if n, err := strconv.Atoi(text[lo:hi]); err == nil {
			return n
		}
	}
	return fallback
}

func pageRange(first, last int) string {
	if first == last {
		return strconv.Itoa(first)
	}
	return fmt.Sprintf("%d-%d", first, last)
}
