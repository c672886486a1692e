package extract

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// minImageBytes filters decorative noise (bullets, rules) out of the
// image extraction.
const minImageBytes = 1024

func openPDF(path string) (*os.File, *pdf.Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat pdf: %w", err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to parse pdf: %w", err)
	}
	return file, reader, nil
}

// PDF extracts per-page text, each page preceded by a "<!-- Page N -->"
// marker so the by_page chunking strategy can preserve page boundaries.
// Pages that fail to render keep their marker so numbering stays aligned.
func PDF(path string) (string, error) {
	file, reader, err := openPDF(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		sb.WriteString(fmt.Sprintf("<!-- Page %d -->\n", i))
		text, err := page.GetPlainText(nil)
		if err == nil {
			sb.WriteString(strings.TrimSpace(text))
		}
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

// PDFImages writes each embedded image stream larger than ~1 KB to destDir
// and returns the written paths. Extraction is best effort: malformed
// streams are skipped.
func PDFImages(path, destDir string) ([]string, error) {
	file, reader, err := openPDF(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	var written []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		xobjects := page.V.Key("Resources").Key("XObject")
		if xobjects.IsNull() {
			continue
		}

		for _, name := range xobjects.Keys() {
			obj := xobjects.Key(name)
			if obj.Kind() != pdf.Stream {
				continue
			}
			if obj.Key("Subtype").Name() != "Image" {
				continue
			}

			data, err := io.ReadAll(obj.Reader())
			if err != nil || len(data) < minImageBytes {
				continue
			}

			out := filepath.Join(destDir, fmt.Sprintf("page%d_%s.bin", i, name))
			if err := os.WriteFile(out, data, 0o644); err != nil {
				continue
			}
			written = append(written, out)
		}
	}
	return written, nil
}
