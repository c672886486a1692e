// Package extract converts uploaded documents (PDF, DOCX, XLSX, plain
// text/markdown) into marker-annotated text for the chunking strategies.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Text extracts the textual content of a file, dispatching on extension.
// PDF output carries "<!-- Page N -->" markers so the by_page strategy can
// preserve page boundaries.
func Text(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return PDF(path)
	case ".docx":
		return Docx(path)
	case ".xlsx":
		return Xlsx(path)
	default:
		return Plain(path)
	}
}

// Plain reads a text-like file as-is.
func Plain(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}
