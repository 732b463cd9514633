package flat

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/storage/localfs"
)

const (
	// PointerFile names the committed generation. Replacing it is the only commit step.
	PointerFile = "index.current.json"

	artifactPrefix = "index."
	indexSuffix    = ".bin"
	metadataSuffix = ".meta.json"

	formatVersion = 1
)

// IndexFile is the binary artifact of one store generation.
func IndexFile(generation string) string {
	return artifactPrefix + generation + indexSuffix
}

// MetadataFile is the chunk metadata artifact of one store generation.
func MetadataFile(generation string) string {
	return artifactPrefix + generation + metadataSuffix
}

type pointer struct {
	Version    int    `json:"version"`
	Generation string `json:"generation"`
}

// indexArtifact is the binary half of a persisted store.
type indexArtifact struct {
	Version    int
	Generation string
	Metric     string
	Dimension  int
	Count      int
	Vectors    [][]float32
}

// metadataArtifact is the JSON half of a persisted store; Chunks[i] belongs to Vectors[i].
type metadataArtifact struct {
	Version    int           `json:"version"`
	Generation string        `json:"generation"`
	Metric     string        `json:"metric"`
	Dimension  int           `json:"dimension"`
	Count      int           `json:"count"`
	Chunks     []chunkRecord `json:"chunks"`
}

type chunkRecord struct {
	Text          string `json:"text"`
	Source        string `json:"source"`
	Page          *int   `json:"page,omitempty"`
	SequenceIndex int    `json:"sequence_index"`
}

// Repository persists an index as a pair of generation-named artifacts plus a pointer file.
// A save writes the new pair next to the old one and then replaces the pointer, so a crash
// at any point leaves the previous generation readable.
type Repository struct {
	storage *localfs.Storage
	metric  domain.DistanceMetric
}

func NewRepository(storage *localfs.Storage, metric domain.DistanceMetric) *Repository {
	if !metric.Valid() {
		metric = domain.MetricL2
	}
	return &Repository{storage: storage, metric: metric}
}

func (r *Repository) Save(ctx context.Context, index ports.VectorIndex) error {
	snap := index.Snapshot()
	if len(snap.Chunks) != len(snap.Vectors) {
		return domain.WrapError(domain.ErrInvariant, "save store", fmt.Errorf("chunks/vectors mismatch: %d/%d", len(snap.Chunks), len(snap.Vectors)))
	}

	generation := uuid.NewString()
	idx := indexArtifact{
		Version:    formatVersion,
		Generation: generation,
		Metric:     string(snap.Metric),
		Dimension:  snap.Dimension,
		Count:      len(snap.Vectors),
		Vectors:    snap.Vectors,
	}
	meta := metadataArtifact{
		Version:    formatVersion,
		Generation: generation,
		Metric:     string(snap.Metric),
		Dimension:  snap.Dimension,
		Count:      len(snap.Chunks),
		Chunks:     make([]chunkRecord, 0, len(snap.Chunks)),
	}
	for _, c := range snap.Chunks {
		meta.Chunks = append(meta.Chunks, chunkRecord{
			Text:          c.Text,
			Source:        c.Source,
			Page:          c.Page,
			SequenceIndex: c.SequenceIndex,
		})
	}

	err := r.storage.WriteAtomic(ctx,
		localfs.Write{Key: IndexFile(generation), Encode: func(w io.Writer) error {
			return gob.NewEncoder(w).Encode(idx)
		}},
		localfs.Write{Key: MetadataFile(generation), Encode: func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(meta)
		}},
	)
	if err != nil {
		r.removeGeneration(generation)
		return fmt.Errorf("save store: %w", err)
	}

	err = r.storage.WriteAtomic(ctx, localfs.Write{Key: PointerFile, Encode: func(w io.Writer) error {
		return json.NewEncoder(w).Encode(pointer{Version: formatVersion, Generation: generation})
	}})
	if err != nil {
		r.removeGeneration(generation)
		return fmt.Errorf("commit store: %w", err)
	}

	r.prune(generation)
	return nil
}

// Generation reads the committed generation id from the pointer file.
func (r *Repository) Generation(ctx context.Context) (string, error) {
	ok, err := r.storage.Exists(PointerFile)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.WrapError(domain.ErrNotFound, "load store", fmt.Errorf("no store committed in %s", r.storage.BasePath()))
	}

	var p pointer
	if err := r.decode(ctx, PointerFile, func(rd io.Reader) error { return json.NewDecoder(rd).Decode(&p) }); err != nil {
		return "", err
	}
	if p.Version != formatVersion || p.Generation == "" {
		return "", domain.WrapError(domain.ErrCorruption, "load store", fmt.Errorf("bad pointer: version %d generation %q", p.Version, p.Generation))
	}
	return p.Generation, nil
}

func (r *Repository) Load(ctx context.Context) (ports.VectorIndex, error) {
	generation, err := r.Generation(ctx)
	if err != nil {
		return nil, err
	}
	index, err := r.loadGeneration(ctx, generation)
	if err == nil || !domain.IsKind(err, domain.ErrNotFound) {
		return index, err
	}

	// A concurrent save may have pruned this generation after the pointer was read.
	latest, gErr := r.Generation(ctx)
	if gErr != nil || latest == generation {
		return nil, err
	}
	return r.loadGeneration(ctx, latest)
}

// Exists reports whether a committed store with both artifacts is present.
func (r *Repository) Exists() (bool, error) {
	generation, err := r.Generation(context.Background())
	if err == nil {
		err = r.requireArtifacts(generation)
	}
	if err == nil {
		return true, nil
	}
	if domain.IsKind(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (r *Repository) loadGeneration(ctx context.Context, generation string) (*Index, error) {
	if err := r.requireArtifacts(generation); err != nil {
		return nil, err
	}

	var idx indexArtifact
	if err := r.decode(ctx, IndexFile(generation), func(rd io.Reader) error { return gob.NewDecoder(rd).Decode(&idx) }); err != nil {
		return nil, err
	}
	var meta metadataArtifact
	if err := r.decode(ctx, MetadataFile(generation), func(rd io.Reader) error { return json.NewDecoder(rd).Decode(&meta) }); err != nil {
		return nil, err
	}

	if err := validateArtifacts(generation, idx, meta); err != nil {
		return nil, domain.WrapError(domain.ErrCorruption, "load store", err)
	}

	metric := domain.DistanceMetric(idx.Metric)
	if metric != r.metric {
		return nil, domain.WrapError(domain.ErrConfig, "load store",
			fmt.Errorf("store uses metric %s, configured metric is %s; rebuild the store or restore the setting", metric, r.metric))
	}

	index := NewIndex(metric)
	chunks := make([]domain.Chunk, len(meta.Chunks))
	for n, rec := range meta.Chunks {
		chunks[n] = domain.Chunk{
			Text:          rec.Text,
			Source:        rec.Source,
			Page:          rec.Page,
			SequenceIndex: rec.SequenceIndex,
		}
	}
	if err := index.Add(chunks, idx.Vectors); err != nil {
		return nil, domain.WrapError(domain.ErrCorruption, "load store", err)
	}
	index.generation = generation
	return index, nil
}

func (r *Repository) requireArtifacts(generation string) error {
	var missing []string
	for _, key := range []string{IndexFile(generation), MetadataFile(generation)} {
		ok, err := r.storage.Exists(key)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return domain.WrapError(domain.ErrNotFound, "load store", fmt.Errorf("missing artifacts %v in %s", missing, r.storage.BasePath()))
	}
	return nil
}

func (r *Repository) decode(ctx context.Context, key string, fn func(io.Reader) error) error {
	rc, err := r.storage.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer rc.Close()
	if err := fn(rc); err != nil {
		return domain.WrapError(domain.ErrCorruption, "decode "+key, err)
	}
	return nil
}

// prune removes artifacts of every generation except keep, including pairs orphaned by an
// interrupted save.
func (r *Repository) prune(keep string) {
	keys, err := r.storage.Keys(artifactPrefix)
	if err != nil {
		slog.Warn("store_prune_failed", "error", err)
		return
	}
	for _, key := range keys {
		if key == PointerFile || key == IndexFile(keep) || key == MetadataFile(keep) {
			continue
		}
		if !strings.HasSuffix(key, indexSuffix) && !strings.HasSuffix(key, metadataSuffix) {
			continue
		}
		if err := r.storage.Remove(key); err != nil {
			slog.Warn("store_prune_failed", "key", key, "error", err)
		}
	}
}

func (r *Repository) removeGeneration(generation string) {
	for _, key := range []string{IndexFile(generation), MetadataFile(generation)} {
		if err := r.storage.Remove(key); err != nil {
			slog.Warn("store_cleanup_failed", "key", key, "error", err)
		}
	}
}

func validateArtifacts(generation string, idx indexArtifact, meta metadataArtifact) error {
	switch {
	case idx.Version != formatVersion || meta.Version != formatVersion:
		return fmt.Errorf("unsupported format version %d/%d", idx.Version, meta.Version)
	case idx.Generation != generation || meta.Generation != generation:
		return fmt.Errorf("artifact generations %s/%s do not match committed %s", idx.Generation, meta.Generation, generation)
	case idx.Count != len(idx.Vectors) || meta.Count != len(meta.Chunks):
		return fmt.Errorf("declared counts do not match contents")
	case len(idx.Vectors) != len(meta.Chunks):
		return fmt.Errorf("vectors/chunks count mismatch: %d/%d", len(idx.Vectors), len(meta.Chunks))
	case idx.Dimension != meta.Dimension:
		return fmt.Errorf("dimension mismatch: %d/%d", idx.Dimension, meta.Dimension)
	case !domain.DistanceMetric(idx.Metric).Valid():
		return errors.New("unknown distance metric " + idx.Metric)
	}
	for n, v := range idx.Vectors {
		if len(v) != idx.Dimension {
			return fmt.Errorf("vector %d has dimension %d, header says %d", n, len(v), idx.Dimension)
		}
	}
	return nil
}
