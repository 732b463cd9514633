package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
)

// PersistentRetriever searches the durable store. The loaded store is cached and reused while
// the committed generation stays the same, so saves made by other processes are picked up on
// the next query.
type PersistentRetriever struct {
	repo     ports.VectorRepository
	embedder ports.Embedder

	mu    sync.RWMutex
	index ports.VectorIndex
}

func NewPersistentRetriever(repo ports.VectorRepository, embedder ports.Embedder) *PersistentRetriever {
	return &PersistentRetriever{repo: repo, embedder: embedder}
}

func (r *PersistentRetriever) Query(ctx context.Context, text string, k int) (*domain.RetrievalResult, error) {
	if err := validateQuery(text, k); err != nil {
		return nil, err
	}
	index, err := r.current(ctx)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return &domain.RetrievalResult{Status: domain.RetrievalNotIndexed, Hits: []domain.SearchHit{}}, nil
		}
		return nil, fmt.Errorf("load vector store: %w", err)
	}
	return searchIndex(ctx, r.embedder, index, text, k)
}

// Reload reads the durable store now and replaces the cached view.
func (r *PersistentRetriever) Reload(ctx context.Context) error {
	index, err := r.repo.Load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return nil
}

// Invalidate drops the cached view so the next query reloads it.
func (r *PersistentRetriever) Invalidate() {
	r.mu.Lock()
	r.index = nil
	r.mu.Unlock()
}

func (r *PersistentRetriever) current(ctx context.Context) (ports.VectorIndex, error) {
	generation, err := r.repo.Generation(ctx)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			r.Invalidate()
		}
		return nil, err
	}

	r.mu.RLock()
	index := r.index
	r.mu.RUnlock()
	if index != nil && index.Generation() == generation {
		return index, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.index != nil && r.index.Generation() == generation {
		return r.index, nil
	}
	index, err = r.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	r.index = index
	return index, nil
}

// EphemeralRetriever searches documents held only in memory. Nothing is persisted.
type EphemeralRetriever struct {
	embedder ports.Embedder
	index    ports.VectorIndex
}

func NewEphemeralRetriever(
	ctx context.Context,
	docs []domain.Document,
	chunker ports.Chunker,
	embedder ports.Embedder,
	newIndex ports.IndexFactory,
) (*EphemeralRetriever, error) {
	chunks, err := chunker.Split(docs)
	if err != nil {
		return nil, fmt.Errorf("chunk documents: %w", err)
	}
	index := newIndex()
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks: %w", err)
		}
		if err := index.Add(chunks, vectors); err != nil {
			return nil, fmt.Errorf("build in-memory index: %w", err)
		}
	}
	return &EphemeralRetriever{embedder: embedder, index: index}, nil
}

func (r *EphemeralRetriever) Query(ctx context.Context, text string, k int) (*domain.RetrievalResult, error) {
	if err := validateQuery(text, k); err != nil {
		return nil, err
	}
	return searchIndex(ctx, r.embedder, r.index, text, k)
}

func (r *EphemeralRetriever) Len() int {
	return r.index.Len()
}

func searchIndex(ctx context.Context, embedder ports.Embedder, index ports.VectorIndex, text string, k int) (*domain.RetrievalResult, error) {
	if index.Len() == 0 {
		return &domain.RetrievalResult{Status: domain.RetrievalReady, Hits: []domain.SearchHit{}}, nil
	}
	query, err := embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := index.Search(query, k)
	if err != nil {
		return nil, fmt.Errorf("search vector store: %w", err)
	}
	return &domain.RetrievalResult{Status: domain.RetrievalReady, Hits: hits}, nil
}

func validateQuery(text string, k int) error {
	if strings.TrimSpace(text) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "query", errors.New("query text is empty"))
	}
	if k <= 0 {
		return domain.WrapError(domain.ErrConfig, "query", fmt.Errorf("k must be positive, got %d", k))
	}
	return nil
}
