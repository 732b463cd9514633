// Package prompt renders retrieval context for completion backends and maps citations back to sources.
package prompt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

const System = `You answer questions using only the numbered context passages provided.
If the context is insufficient, say so directly.
Cite passages you used with their number in square brackets, for example [2].`

// Answer builds the user prompt: question first, then numbered passages with their provenance.
func Answer(question string, hits []domain.SearchHit) string {
	var b strings.Builder
	b.WriteString("Question:\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nContext:\n")
	for i, hit := range hits {
		fmt.Fprintf(&b, "[%d] source=%s", i+1, hit.Chunk.Source)
		if hit.Chunk.Page != nil {
			fmt.Fprintf(&b, " page=%d", *hit.Chunk.Page)
		}
		b.WriteString("\n")
		b.WriteString(hit.Chunk.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Full is Answer prefixed with the system instructions, for single-prompt backends.
func Full(question string, hits []domain.SearchHit) string {
	return System + "\n\n" + Answer(question, hits)
}

var citation = regexp.MustCompile(`\[(\d+)\]`)

// CitedSources returns the distinct sources of passages referenced as [n] in text, in order of
// first citation. Without any valid citation it falls back to the sources of all hits by rank.
func CitedSources(text string, hits []domain.SearchHit) []string {
	seen := make(map[string]struct{})
	out := []string{}
	add := func(source string) {
		if _, ok := seen[source]; ok {
			return
		}
		seen[source] = struct{}{}
		out = append(out, source)
	}

	for _, m := range citation.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(hits) {
			continue
		}
		add(hits[n-1].Chunk.Source)
	}
	if len(out) > 0 {
		return out
	}
	for _, hit := range hits {
		add(hit.Chunk.Source)
	}
	return out
}
