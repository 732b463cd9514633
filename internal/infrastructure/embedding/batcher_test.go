package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/embedding/hashing"
)

type fakeBackend struct {
	calls  [][]string
	short  bool
	ragged bool
	err    error
}

func (f *fakeBackend) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		dim := 2
		if f.ragged && len(f.calls) > 1 {
			dim = 3
		}
		out[i] = make([]float32, dim)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func TestEmbedPreservesOrderAcrossBatches(t *testing.T) {
	backend := &fakeBackend{}
	b := NewBatcher(backend, 2)

	vectors, err := b.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(backend.calls) != 3 {
		t.Fatalf("expected 3 backend calls, got %d", len(backend.calls))
	}
	for i, v := range vectors {
		if int(v[0]) != i+1 {
			t.Fatalf("vector %d out of order: %v", i, v)
		}
	}
}

func TestEmbedRejectsCountMismatch(t *testing.T) {
	b := NewBatcher(&fakeBackend{short: true}, 10)
	if _, err := b.Embed(context.Background(), []string{"a", "b"}); !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
}

func TestEmbedRejectsMixedDimensions(t *testing.T) {
	b := NewBatcher(&fakeBackend{ragged: true}, 1)
	if _, err := b.Embed(context.Background(), []string{"a", "b"}); !domain.IsKind(err, domain.ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
}

func TestEmbedWrapsBackendError(t *testing.T) {
	boom := errors.New("connection refused")
	b := NewBatcher(&fakeBackend{err: boom}, 4)
	_, err := b.EmbedQuery(context.Background(), "q")
	if !domain.IsKind(err, domain.ErrEmbedding) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped ErrEmbedding, got %v", err)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	backend := &fakeBackend{}
	vectors, err := NewBatcher(backend, 4).Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors) != 0 || len(backend.calls) != 0 {
		t.Fatalf("expected no work, got %d vectors and %d calls", len(vectors), len(backend.calls))
	}
}

func TestRateLimitHonoursCancellation(t *testing.T) {
	b := NewBatcher(&fakeBackend{}, 1, WithRateLimit(0.001))
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := b.EmbedQuery(ctx, "first"); err != nil {
		t.Fatalf("first call should use the burst token, got %v", err)
	}
	cancel()
	if _, err := b.EmbedQuery(ctx, "second"); err == nil {
		t.Fatalf("expected cancellation error while throttled")
	}
}

func TestHashingEmbedderSimilarity(t *testing.T) {
	b := NewBatcher(hashing.New(384), 8)
	vectors, err := b.Embed(context.Background(), []string{
		"the cat sat on the mat",
		"a cat sat on a mat",
		"quarterly revenue forecast",
	})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors[0]) != 384 {
		t.Fatalf("dimension = %d, want 384", len(vectors[0]))
	}
	near, far := dot(vectors[0], vectors[1]), dot(vectors[0], vectors[2])
	if near <= far {
		t.Fatalf("expected overlapping texts closer: near=%f far=%f", near, far)
	}

	again, err := b.EmbedQuery(context.Background(), "the cat sat on the mat")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	for i := range again {
		if again[i] != vectors[0][i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
