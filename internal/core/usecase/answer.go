package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
)

type AnswerDefaults struct {
	Model string
	TopK  int
}

type AnswerOption func(*AnswerService)

// WithAutoIngest makes Ask run one ingestion pass when the store does not exist yet.
func WithAutoIngest(ingestor ports.Ingestor) AnswerOption {
	return func(s *AnswerService) { s.ingestor = ingestor }
}

// AnswerService retrieves passages for a question and forwards them to the completion backend.
type AnswerService struct {
	retriever  ports.Retriever
	completion ports.CompletionService
	chunker    ports.Chunker
	embedder   ports.Embedder
	newIndex   ports.IndexFactory
	ingestor   ports.Ingestor
	defaults   AnswerDefaults
}

func NewAnswerService(
	retriever ports.Retriever,
	completion ports.CompletionService,
	chunker ports.Chunker,
	embedder ports.Embedder,
	newIndex ports.IndexFactory,
	defaults AnswerDefaults,
	opts ...AnswerOption,
) *AnswerService {
	if defaults.TopK <= 0 {
		defaults.TopK = 8
	}
	s := &AnswerService{
		retriever:  retriever,
		completion: completion,
		chunker:    chunker,
		embedder:   embedder,
		newIndex:   newIndex,
		defaults:   defaults,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AnswerService) Ask(ctx context.Context, req domain.AskRequest) (*domain.Answer, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	result, err := s.retriever.Query(ctx, req.Question, req.K)
	if err != nil {
		return nil, fmt.Errorf("retrieve passages: %w", err)
	}
	if result.Status == domain.RetrievalNotIndexed && s.ingestor != nil {
		slog.Info("auto_ingest_triggered")
		if _, err := s.ingestor.Run(ctx); err != nil {
			return nil, fmt.Errorf("auto ingest: %w", err)
		}
		result, err = s.retriever.Query(ctx, req.Question, req.K)
		if err != nil {
			return nil, fmt.Errorf("retrieve passages: %w", err)
		}
	}
	if result.Status == domain.RetrievalNotIndexed {
		return nil, domain.WrapError(domain.ErrNotIndexed, "ask", errors.New("no documents have been indexed yet"))
	}
	if len(result.Hits) == 0 {
		return nil, domain.WrapError(domain.ErrNotIndexed, "ask", errors.New("index is empty: indexed documents contain no text"))
	}
	return s.complete(ctx, req, result.Hits)
}

// AskDocuments answers from the given documents only, through a throwaway in-memory index.
func (s *AnswerService) AskDocuments(ctx context.Context, docs []domain.Document, req domain.AskRequest) (*domain.Answer, error) {
	if len(docs) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask documents", errors.New("no documents supplied"))
	}
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	retriever, err := NewEphemeralRetriever(ctx, docs, s.chunker, s.embedder, s.newIndex)
	if err != nil {
		return nil, err
	}
	result, err := retriever.Query(ctx, req.Question, req.K)
	if err != nil {
		return nil, fmt.Errorf("retrieve passages: %w", err)
	}
	if len(result.Hits) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask documents", errors.New("supplied documents contain no text"))
	}
	return s.complete(ctx, req, result.Hits)
}

func (s *AnswerService) normalize(req domain.AskRequest) (domain.AskRequest, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return req, domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("question is empty"))
	}
	if req.K < 0 {
		return req, domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("k must be positive, got %d", req.K))
	}
	if req.K == 0 {
		req.K = s.defaults.TopK
	}
	if req.Model == "" {
		req.Model = s.defaults.Model
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return req, domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("temperature %.2f out of range [0,2]", req.Temperature))
	}
	return req, nil
}

func (s *AnswerService) complete(ctx context.Context, req domain.AskRequest, hits []domain.SearchHit) (*domain.Answer, error) {
	completion, err := s.completion.Complete(ctx, domain.CompletionRequest{
		Question:    req.Question,
		Hits:        hits,
		Model:       req.Model,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("complete answer: %w", err)
	}
	cited := completion.CitedSources
	if cited == nil {
		cited = []string{}
	}
	return &domain.Answer{
		Text:         completion.Text,
		CitedSources: cited,
		Sources:      hits,
	}, nil
}
