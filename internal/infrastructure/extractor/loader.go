// Package extractor turns source files into documents by dispatching on file extension.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/extractor/pdf"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/extractor/spreadsheet"
)

// PageExtractor reads a single file into pages.
type PageExtractor interface {
	Extract(ctx context.Context, path string) ([]domain.Page, error)
}

type Loader struct {
	byExt map[string]PageExtractor
}

// NewLoader registers the built-in extractors; extra entries override them by extension.
func NewLoader(extra map[string]PageExtractor) *Loader {
	text := plaintext.NewExtractor()
	byExt := map[string]PageExtractor{
		".pdf":  pdf.NewExtractor(),
		".txt":  text,
		".md":   text,
		".xlsx": spreadsheet.NewExtractor(),
	}
	for ext, e := range extra {
		byExt[strings.ToLower(ext)] = e
	}
	return &Loader{byExt: byExt}
}

// Load extracts every path. Per-file failures are collected and the remaining files are still
// loaded; only context cancellation aborts the whole call.
func (l *Loader) Load(ctx context.Context, paths []string) ([]domain.Document, []domain.LoadFailure, error) {
	docs := make([]domain.Document, 0, len(paths))
	var failures []domain.LoadFailure

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		doc, err := l.LoadFile(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			slog.Warn("document_load_failed", "path", path, "error", err)
			failures = append(failures, domain.LoadFailure{Path: path, Err: err})
			continue
		}
		docs = append(docs, doc)
	}
	return docs, failures, nil
}

func (l *Loader) LoadFile(ctx context.Context, path string) (domain.Document, error) {
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))
	extractor, ok := l.byExt[ext]
	if !ok {
		return domain.Document{}, domain.WrapError(domain.ErrLoad, "load "+name, fmt.Errorf("unsupported file type %q", ext))
	}

	pages, err := extractor.Extract(ctx, path)
	if err != nil {
		return domain.Document{}, domain.WrapError(domain.ErrLoad, "load "+name, err)
	}
	return domain.Document{ID: name, SourcePath: path, Pages: pages}, nil
}

// Supports reports whether the extension of name has a registered extractor.
func (l *Loader) Supports(name string) bool {
	_, ok := l.byExt[strings.ToLower(filepath.Ext(name))]
	return ok
}
