// Package embedding adapts batch embedding backends to the ports.Embedder contract.
package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

const DefaultBatchSize = 64

// Backend embeds one request-sized batch. Implementations return one vector per input.
type Backend interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type BatcherOption func(*Batcher)

// WithRateLimit caps backend calls per second. Zero or negative disables throttling.
func WithRateLimit(perSecond float64) BatcherOption {
	return func(b *Batcher) {
		if perSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// Batcher splits inputs into sequential batches and checks what the backend returns.
type Batcher struct {
	backend   Backend
	batchSize int
	limiter   *rate.Limiter
}

func NewBatcher(backend Backend, batchSize int, opts ...BatcherOption) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	b := &Batcher{backend: backend, batchSize: batchSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	dim := 0
	for start := 0; start < len(texts); start += b.batchSize {
		end := min(start+b.batchSize, len(texts))
		batch := texts[start:end]

		vectors, err := b.call(ctx, batch)
		if err != nil {
			return nil, err
		}
		for _, v := range vectors {
			if dim == 0 {
				dim = len(v)
			}
			if len(v) == 0 || len(v) != dim {
				return nil, domain.WrapError(domain.ErrEmbedding, "embed batch", fmt.Errorf("inconsistent vector dimension %d, expected %d", len(v), dim))
			}
		}
		out = append(out, vectors...)
		slog.Debug("embedding_batch_done", "from", start, "to", end, "total", len(texts))
	}
	return out, nil
}

func (b *Batcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := b.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors[0]) == 0 {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed query", fmt.Errorf("empty vector"))
	}
	return vectors[0], nil
}

func (b *Batcher) call(ctx context.Context, batch []string) ([][]float32, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limit: %w", err)
		}
	}
	vectors, err := b.backend.EmbedBatch(ctx, batch)
	if err != nil {
		if domain.IsKind(err, domain.ErrEmbedding) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrEmbedding, "embed batch", err)
	}
	if len(vectors) != len(batch) {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed batch", fmt.Errorf("backend returned %d vectors for %d inputs", len(vectors), len(batch)))
	}
	return vectors, nil
}
