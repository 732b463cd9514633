package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func printReport(w io.Writer, report *domain.IngestionReport) {
	if report == nil {
		return
	}
	if report.NoOp {
		fmt.Fprintf(w, "No new files (%d candidates already indexed).\n", report.Candidates)
		return
	}
	fmt.Fprintf(w, "Indexed %d file(s), added %d chunk(s); store holds %d chunk(s).\n",
		len(report.IndexedFiles), report.ChunksAdded, report.StoreSize)
	if report.ChunksSkipped > 0 {
		fmt.Fprintf(w, "Skipped %d duplicate chunk(s).\n", report.ChunksSkipped)
	}
	for _, f := range report.SkippedFiles {
		fmt.Fprintf(w, "  skipped unreadable file: %s\n", f)
	}
}

func printHits(w io.Writer, result *domain.RetrievalResult) {
	if result.Status == domain.RetrievalNotIndexed {
		fmt.Fprintln(w, "No documents have been indexed yet. Run `docqa ingest` first.")
		return
	}
	if len(result.Hits) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, h := range result.Hits {
		fmt.Fprintf(w, "[%d] %s (distance %.4f)\n", i+1, location(h.Chunk), h.Distance)
		fmt.Fprintf(w, "    %s\n", snippet(h.Chunk.Text, 200))
	}
}

func printAnswer(w io.Writer, answer *domain.Answer) {
	fmt.Fprintln(w, strings.TrimSpace(answer.Text))
	if len(answer.CitedSources) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Sources:")
	for _, s := range answer.CitedSources {
		fmt.Fprintf(w, "  - %s\n", s)
	}
}

func location(c domain.Chunk) string {
	if c.Page != nil {
		return fmt.Sprintf("%s p.%d", c.Source, *c.Page)
	}
	return c.Source
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
