package chunking

import (
	"fmt"
	"strings"
)

// splitHierarchical produces parent chunks, then child chunks per parent.
// Children are what gets embedded; each carries the full parent text in
// metadata so retrieval can widen context without a second lookup.
func splitHierarchical(text string, opts Options) ([]Chunk, error) {
	parents := parentTexts(text, opts)

	var chunks []Chunk
	for pi, parent := range parents {
		parentID := fmt.Sprintf("parent_%d", pi)

		children := splitRecursive(parent, opts.ChildChunkSize, opts.ChildChunkOverlap)
		for ci, child := range children {
			chunks = append(chunks, Chunk{
				Text: child,
				Metadata: map[string]any{
					"chunking_strategy":  StrategyHierarchical,
					"chunk_level":        "child",
					"parent_chunk_id":    parentID,
					"child_chunk_id":     fmt.Sprintf("%s_child_%d", parentID, ci),
					"parent_text":        parent,
					"children_in_parent": len(children),
				},
			})
		}
	}

	if opts.IncludeOutline {
		if ol := outline(text); ol != "" {
			chunks = append(chunks, Chunk{
				Text: "Document outline:\n" + ol,
				Metadata: map[string]any{
					"chunking_strategy": StrategyHierarchical,
					"chunk_level":       "outline",
				},
			})
		}
	}
	return chunks, nil
}

// parentTexts splits the document into parent units: by headings when
// requested (and present), else fixed-size recursive splits without
// overlap so parents never share text.
func parentTexts(text string, opts Options) []string {
	if opts.SplitByHeaders {
		if sections := headerSections(text); len(sections) > 0 {
			return sections
		}
	}
	return splitRecursive(text, opts.ParentChunkSize, 0)
}

// headerSections cuts the document at every heading, keeping the heading
// line with its body. Intro text becomes its own section.
func headerSections(text string) []string {
	headings := findHeadings(text)
	if len(headings) == 0 {
		return nil
	}

	var sections []string
	if intro := strings.TrimSpace(text[:headings[0].start]); intro != "" {
		sections = append(sections, intro)
	}

	for i, h := range headings {
		end := len(text)
		if i+1 < len(headings) {
			end = headings[i+1].start
		}
		if section := strings.TrimSpace(text[h.start:end]); section != "" {
			sections = append(sections, section)
		}
	}
	return sections
}
