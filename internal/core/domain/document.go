package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Page is one extracted unit of a source file: a PDF page, a spreadsheet sheet or a text section.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Document is the normalized result of loading one source file. It is never persisted.
type Document struct {
	ID         string `json:"id"`
	SourcePath string `json:"source_path"`
	Pages      []Page `json:"pages"`
}

// RawText joins page texts with blank lines.
func (d Document) RawText() string {
	parts := make([]string, 0, len(d.Pages))
	for _, p := range d.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\n\n")
}

type Chunk struct {
	Text          string `json:"text"`
	Source        string `json:"source"`
	Page          *int   `json:"page,omitempty"`
	SequenceIndex int    `json:"sequence_index"`
}

// PageNumber returns the page or 0 when the chunk has no page provenance.
func (c Chunk) PageNumber() int {
	if c.Page == nil {
		return 0
	}
	return *c.Page
}

// Fingerprint identifies chunk content independently of its position in the store.
func (c Chunk) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.Source))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(c.PageNumber())))
	h.Write([]byte{0})
	h.Write([]byte(c.Text))
	return hex.EncodeToString(h.Sum(nil))
}

func PageRef(n int) *int {
	return &n
}

type LoadFailure struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (f LoadFailure) Error() string {
	if f.Err == nil {
		return f.Path
	}
	return f.Path + ": " + f.Err.Error()
}
