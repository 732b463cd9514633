package chunking

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

const DefaultSeparator = "\n\n"

// Splitter cuts page text on a separator and greedily merges the pieces into chunks of at most
// ChunkSize runes, carrying up to Overlap runes of trailing pieces into the next chunk.
type Splitter struct {
	ChunkSize int
	Overlap   int
	Separator string
}

type Option func(*Splitter)

func WithSeparator(sep string) Option {
	return func(s *Splitter) {
		s.Separator = sep
	}
}

func NewSplitter(chunkSize, overlap int, opts ...Option) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, domain.WrapError(domain.ErrConfig, "new splitter", fmt.Errorf("chunk size must be positive, got %d", chunkSize))
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, domain.WrapError(domain.ErrConfig, "new splitter", fmt.Errorf("overlap must be in [0, %d), got %d", chunkSize, overlap))
	}
	s := &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
		Separator: DefaultSeparator,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Splitter) Split(docs []domain.Document) ([]domain.Chunk, error) {
	var out []domain.Chunk
	for _, doc := range docs {
		seq := 0
		for _, page := range doc.Pages {
			for _, text := range s.SplitText(page.Text) {
				chunk := domain.Chunk{
					Text:          text,
					Source:        doc.ID,
					SequenceIndex: seq,
				}
				if page.Number > 0 {
					chunk.Page = domain.PageRef(page.Number)
				}
				out = append(out, chunk)
				seq++
			}
		}
	}
	return out, nil
}

// SplitText returns the chunks of a single text in left-to-right order.
func (s *Splitter) SplitText(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var pieces []string
	if s.Separator == "" {
		pieces = []string{text}
	} else {
		pieces = strings.Split(text, s.Separator)
	}

	bounded := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if p == "" {
			continue
		}
		bounded = append(bounded, s.window(p)...)
	}
	return s.merge(bounded)
}

// window cuts an oversized piece into fixed windows that overlap by exactly Overlap runes.
func (s *Splitter) window(piece string) []string {
	runes := []rune(piece)
	if len(runes) <= s.ChunkSize {
		return []string{piece}
	}

	step := s.ChunkSize - s.Overlap
	out := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + s.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

func (s *Splitter) merge(pieces []string) []string {
	sepLen := utf8.RuneCountInString(s.Separator)
	joinCost := func(n int) int {
		if n > 0 {
			return sepLen
		}
		return 0
	}

	var (
		out     []string
		current []string
		lengths []int
		total   int
	)
	for _, p := range pieces {
		pLen := utf8.RuneCountInString(p)
		if total+pLen+joinCost(len(current)) > s.ChunkSize && len(current) > 0 {
			if doc := s.join(current); doc != "" {
				out = append(out, doc)
			}
			for total > s.Overlap || (total > 0 && total+pLen+joinCost(len(current)) > s.ChunkSize) {
				drop := lengths[0]
				if len(current) > 1 {
					drop += sepLen
				}
				total -= drop
				current = current[1:]
				lengths = lengths[1:]
			}
		}
		current = append(current, p)
		lengths = append(lengths, pLen)
		total += pLen + joinCost(len(current)-1)
	}
	if doc := s.join(current); doc != "" {
		out = append(out, doc)
	}
	return out
}

func (s *Splitter) join(pieces []string) string {
	return strings.TrimSpace(strings.Join(pieces, s.Separator))
}
