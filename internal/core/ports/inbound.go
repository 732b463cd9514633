package ports

import (
	"context"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

// Ingestor is the inbound contract for incremental index updates.
type Ingestor interface {
	Run(ctx context.Context) (*domain.IngestionReport, error)
}

// Retriever returns the nearest chunks for a query.
type Retriever interface {
	Query(ctx context.Context, text string, k int) (*domain.RetrievalResult, error)
}

// QuestionAnswerer is the inbound contract for RAG answers over the durable index or ad-hoc documents.
type QuestionAnswerer interface {
	Ask(ctx context.Context, req domain.AskRequest) (*domain.Answer, error)
	AskDocuments(ctx context.Context, docs []domain.Document, req domain.AskRequest) (*domain.Answer, error)
}

// IndexInspector reports the durable index state.
type IndexInspector interface {
	Status(ctx context.Context) (*domain.IndexStatus, error)
}
