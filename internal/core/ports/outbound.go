package ports

import (
	"context"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

// SourceScanner lists candidate source files of the data folder.
type SourceScanner interface {
	Scan(ctx context.Context) ([]string, error)
}

// DocumentLoader reads source files into documents. Per-file failures are reported, not fatal.
type DocumentLoader interface {
	Load(ctx context.Context, paths []string) ([]domain.Document, []domain.LoadFailure, error)
}

// Chunker splits documents into overlapping chunks.
type Chunker interface {
	Split(docs []domain.Document) ([]domain.Chunk, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the in-memory aligned collection of chunks and vectors.
type VectorIndex interface {
	Add(chunks []domain.Chunk, vectors [][]float32) error
	Search(query []float32, k int) ([]domain.SearchHit, error)
	Contains(fingerprint string) bool
	Len() int
	Dimension() int
	Metric() domain.DistanceMetric
	Generation() string
	Snapshot() IndexSnapshot
}

// IndexSnapshot is a read-only view used for persistence.
type IndexSnapshot struct {
	Metric    domain.DistanceMetric
	Dimension int
	Chunks    []domain.Chunk
	Vectors   [][]float32
}

// IndexFactory creates an empty index.
type IndexFactory func() VectorIndex

// VectorRepository persists a vector index as an aligned pair of artifacts. Generation reports
// the committed store generation without loading it.
type VectorRepository interface {
	Load(ctx context.Context) (VectorIndex, error)
	Save(ctx context.Context, index VectorIndex) error
	Generation(ctx context.Context) (string, error)
}

// ManifestStore persists the set of indexed document ids.
type ManifestStore interface {
	Load(ctx context.Context) (domain.Manifest, error)
	Save(ctx context.Context, manifest domain.Manifest) error
}

// IngestLock serializes ingestion runs targeting one store.
type IngestLock interface {
	Acquire(ctx context.Context) (release func() error, err error)
}

// CompletionService synthesizes an answer from retrieved chunks.
type CompletionService interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.Completion, error)
}

// RunJournal records ingestion run history.
type RunJournal interface {
	StartRun(ctx context.Context, report domain.IngestionReport) error
	RecordStage(ctx context.Context, runID string, stage domain.IngestStage) error
	FinishRun(ctx context.Context, report domain.IngestionReport) error
}

// EventPublisher announces completed ingestion runs.
type EventPublisher interface {
	PublishIndexUpdated(ctx context.Context, report domain.IngestionReport) error
}

// IngestObserver receives run metrics.
type IngestObserver interface {
	StartRun()
	FinishRun(report domain.IngestionReport, err error)
}
