package chunking

import (
	"regexp"
	"strings"
)

var headingRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+?)\s*$`)

type heading struct {
	level int
	title string
	// start is the offset of the heading line; bodyStart follows it.
	start     int
	bodyStart int
}

// splitBySection cuts the document at headings of the target level. Each
// chunk is prefixed with its ancestor heading titles (titles only, never
// parent body text), so a chunk never mixes content from different
// parents. Intro text before the first heading attaches to the first
// chunk. Documents without headings fall back to standard.
func splitBySection(text string, opts Options) ([]Chunk, error) {
	headings := findHeadings(text)
	if len(headings) == 0 {
		return splitStandard(text, opts)
	}

	target := opts.SplitOnHeading

	// Boundaries are headings at or above (shallower than) the target
	// level; deeper headings stay inside their section body.
	var boundaries []int
	for i, h := range headings {
		if h.level <= target {
			boundaries = append(boundaries, i)
		}
	}
	if len(boundaries) == 0 {
		// Only deep headings exist; treat every heading as a boundary.
		for i := range headings {
			boundaries = append(boundaries, i)
		}
	}

	intro := strings.TrimSpace(text[:headings[boundaries[0]].start])

	var chunks []Chunk
	ancestors := map[int]string{}

	for bi, hi := range boundaries {
		h := headings[hi]

		// Track ancestor titles for every heading up to this boundary so
		// the prefix reflects document order.
		for _, prior := range headings[:hi+1] {
			ancestors[prior.level] = prior.title
			for lvl := prior.level + 1; lvl <= 6; lvl++ {
				delete(ancestors, lvl)
			}
		}

		end := len(text)
		if bi+1 < len(boundaries) {
			end = headings[boundaries[bi+1]].start
		}
		body := strings.TrimSpace(text[h.bodyStart:end])

		var prefixParts []string
		for lvl := 1; lvl < h.level; lvl++ {
			if title, ok := ancestors[lvl]; ok {
				prefixParts = append(prefixParts, title)
			}
		}

		var sb strings.Builder
		if bi == 0 && intro != "" {
			sb.WriteString(intro)
			sb.WriteString("\n\n")
		}
		for _, p := range prefixParts {
			sb.WriteString(p)
			sb.WriteString(" > ")
		}
		sb.WriteString(h.title)
		if body != "" {
			sb.WriteString("\n\n")
			sb.WriteString(body)
		}

		metadata := map[string]any{
			"chunking_strategy": StrategyBySection,
			"section_title":     h.title,
			"section_level":     h.level,
		}
		if len(prefixParts) > 0 {
			metadata["parent_titles"] = strings.Join(prefixParts, " > ")
		}

		chunks = append(chunks, Chunk{Text: sb.String(), Metadata: metadata})
	}
	return chunks, nil
}

func findHeadings(text string) []heading {
	matches := headingRe.FindAllStringSubmatchIndex(text, -1)
	headings := make([]heading, 0, len(matches))
	for _, m := range matches {
		headings = append(headings, heading{
			level:     m[3] - m[2],
			title:     text[m[4]:m[5]],
			start:     m[0],
			bodyStart: m[1],
		})
	}
	return headings
}

// outline renders the indented heading list used by the hierarchical
// strategy's structural chunk.
func outline(text string) string {
	headings := findHeadings(text)
	if len(headings) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, h := range headings {
		sb.WriteString(strings.Repeat("  ", h.level-1))
		sb.WriteString("- ")
		sb.WriteString(h.title)
		sb.WriteString("\n")
	}
	return sb.String()
}
