package plaintext

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

const pageBreak = "\f"

// Extractor reads UTF-8 text files. Form feeds split the text into numbered pages; a file
// without them yields one page with no page number.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(ctx context.Context, path string) ([]domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source document: %w", err)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("unsupported binary content in %s", path)
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if !strings.Contains(text, pageBreak) {
		return []domain.Page{{Number: 0, Text: text}}, nil
	}

	parts := strings.Split(text, pageBreak)
	pages := make([]domain.Page, 0, len(parts))
	for n, part := range parts {
		pages = append(pages, domain.Page{Number: n + 1, Text: part})
	}
	return pages, nil
}
