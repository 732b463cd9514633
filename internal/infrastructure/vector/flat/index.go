// Package flat implements an exact nearest-neighbor vector index and its on-disk persistence.
package flat

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
)

// Index keeps chunks and vectors aligned by position and scans all of them on every search.
type Index struct {
	mu           sync.RWMutex
	generation   string
	metric       domain.DistanceMetric
	dimension    int
	chunks       []domain.Chunk
	vectors      [][]float32
	fingerprints map[string]struct{}
}

func NewIndex(metric domain.DistanceMetric) *Index {
	if !metric.Valid() {
		metric = domain.MetricL2
	}
	return &Index{
		metric:       metric,
		fingerprints: make(map[string]struct{}),
	}
}

// Factory returns an IndexFactory producing empty indexes with the given metric.
func Factory(metric domain.DistanceMetric) ports.IndexFactory {
	return func() ports.VectorIndex {
		return NewIndex(metric)
	}
}

func (i *Index) Add(chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return domain.WrapError(domain.ErrInvariant, "index add", fmt.Errorf("chunks/vectors mismatch: %d/%d", len(chunks), len(vectors)))
	}
	if len(chunks) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	dim := i.dimension
	if dim == 0 {
		dim = len(vectors[0])
		if dim == 0 {
			return domain.WrapError(domain.ErrDimensionMismatch, "index add", fmt.Errorf("empty vector"))
		}
	}
	for n, v := range vectors {
		if len(v) != dim {
			return domain.WrapError(domain.ErrDimensionMismatch, "index add", fmt.Errorf("vector %d has dimension %d, store has %d", n, len(v), dim))
		}
	}

	i.dimension = dim
	for n := range chunks {
		vec := make([]float32, dim)
		copy(vec, vectors[n])
		i.chunks = append(i.chunks, chunks[n])
		i.vectors = append(i.vectors, vec)
		i.fingerprints[chunks[n].Fingerprint()] = struct{}{}
	}
	return nil
}

func (i *Index) Search(query []float32, k int) ([]domain.SearchHit, error) {
	if k <= 0 {
		return nil, domain.WrapError(domain.ErrConfig, "index search", fmt.Errorf("k must be positive, got %d", k))
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(i.vectors) == 0 {
		return []domain.SearchHit{}, nil
	}
	if len(query) != i.dimension {
		return nil, domain.WrapError(domain.ErrDimensionMismatch, "index search", fmt.Errorf("query dimension %d, store has %d", len(query), i.dimension))
	}

	type scored struct {
		pos  int
		dist float64
	}
	all := make([]scored, len(i.vectors))
	for pos, vec := range i.vectors {
		all[pos] = scored{pos: pos, dist: distance(i.metric, query, vec)}
	}
	// Stable sort keeps insertion order among equal distances.
	sort.SliceStable(all, func(a, b int) bool { return all[a].dist < all[b].dist })

	if k > len(all) {
		k = len(all)
	}
	hits := make([]domain.SearchHit, 0, k)
	for _, s := range all[:k] {
		hits = append(hits, domain.SearchHit{Chunk: i.chunks[s.pos], Distance: s.dist})
	}
	return hits, nil
}

func (i *Index) Contains(fingerprint string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.fingerprints[fingerprint]
	return ok
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.chunks)
}

func (i *Index) Dimension() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.dimension
}

// Generation identifies the persisted store the index was loaded from; empty for a new index.
func (i *Index) Generation() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.generation
}

func (i *Index) Metric() domain.DistanceMetric {
	return i.metric
}

func (i *Index) Snapshot() ports.IndexSnapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return ports.IndexSnapshot{
		Metric:    i.metric,
		Dimension: i.dimension,
		Chunks:    append([]domain.Chunk(nil), i.chunks...),
		Vectors:   append([][]float32(nil), i.vectors...),
	}
}

func distance(metric domain.DistanceMetric, a, b []float32) float64 {
	if metric == domain.MetricCosine {
		return cosineDistance(a, b)
	}
	return l2Distance(a, b)
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for n := range a {
		d := float64(a[n]) - float64(b[n])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for n := range a {
		x, y := float64(a[n]), float64(b[n])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
