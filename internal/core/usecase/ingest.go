package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
)

type IngestOption func(*IngestionEngine)

// WithStrictLoading aborts a run on the first file that fails to load instead of skipping it.
func WithStrictLoading(strict bool) IngestOption {
	return func(e *IngestionEngine) { e.strict = strict }
}

func WithIngestLock(lock ports.IngestLock) IngestOption {
	return func(e *IngestionEngine) { e.lock = lock }
}

func WithRunJournal(journal ports.RunJournal) IngestOption {
	return func(e *IngestionEngine) { e.journal = journal }
}

func WithEventPublisher(events ports.EventPublisher) IngestOption {
	return func(e *IngestionEngine) { e.events = events }
}

func WithIngestObserver(observer ports.IngestObserver) IngestOption {
	return func(e *IngestionEngine) { e.observer = observer }
}

// WithCommitHook registers fn to run after a run changed the durable store and manifest.
func WithCommitHook(fn func()) IngestOption {
	return func(e *IngestionEngine) {
		if fn != nil {
			e.onCommit = append(e.onCommit, fn)
		}
	}
}

// IngestionEngine brings the durable store and manifest up to date with the data folder.
// Only files not yet in the manifest are loaded, chunked and embedded.
type IngestionEngine struct {
	scanner   ports.SourceScanner
	manifests ports.ManifestStore
	loader    ports.DocumentLoader
	chunker   ports.Chunker
	embedder  ports.Embedder
	repo      ports.VectorRepository
	newIndex  ports.IndexFactory

	strict   bool
	lock     ports.IngestLock
	journal  ports.RunJournal
	events   ports.EventPublisher
	observer ports.IngestObserver
	onCommit []func()
	now      func() time.Time
}

func NewIngestionEngine(
	scanner ports.SourceScanner,
	manifests ports.ManifestStore,
	loader ports.DocumentLoader,
	chunker ports.Chunker,
	embedder ports.Embedder,
	repo ports.VectorRepository,
	newIndex ports.IndexFactory,
	opts ...IngestOption,
) *IngestionEngine {
	e := &IngestionEngine{
		scanner:   scanner,
		manifests: manifests,
		loader:    loader,
		chunker:   chunker,
		embedder:  embedder,
		repo:      repo,
		newIndex:  newIndex,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ingestRun carries the state of one run between stages.
type ingestRun struct {
	report   *domain.IngestionReport
	manifest domain.Manifest
	newPaths []string
	docs     []domain.Document
	chunks   []domain.Chunk
	vectors  [][]float32
	index    ports.VectorIndex
	existed  bool
}

// Run performs one incremental ingestion pass. The report is returned on failure too; the
// error is then a *domain.StageError and the durable artifacts are unchanged, except when the
// failure happened while saving the manifest after the store was committed.
func (e *IngestionEngine) Run(ctx context.Context) (*domain.IngestionReport, error) {
	started := e.now().UTC()
	run := &ingestRun{report: &domain.IngestionReport{
		RunID:     uuid.NewString(),
		Stage:     domain.StageIdle,
		StartedAt: started,
	}}
	if e.observer != nil {
		e.observer.StartRun()
	}

	err := e.execute(ctx, run)
	e.finish(ctx, run, started, err)
	return run.report, err
}

func (e *IngestionEngine) execute(ctx context.Context, run *ingestRun) error {
	if e.lock != nil {
		release, err := e.lock.Acquire(ctx)
		if err != nil {
			return &domain.StageError{Stage: domain.StageIdle, Err: err}
		}
		defer func() {
			if err := release(); err != nil {
				slog.Error("ingest_lock_release_failed", "run_id", run.report.RunID, "error", err)
			}
		}()
	}

	if e.journal != nil {
		if err := e.journal.StartRun(ctx, *run.report); err != nil {
			slog.Warn("ingest_journal_failed", "run_id", run.report.RunID, "op", "start", "error", err)
		}
	}

	steps := []struct {
		stage domain.IngestStage
		fn    func(context.Context, *ingestRun) error
	}{
		{domain.StageScanning, e.scan},
		{domain.StageFiltering, e.filter},
		{domain.StageLoading, e.load},
		{domain.StageChunking, e.chunk},
		{domain.StageEmbedding, e.embed},
		{domain.StageMerging, e.merge},
		{domain.StagePersisting, e.persist},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return &domain.StageError{Stage: step.stage, Err: err}
		}
		e.enterStage(ctx, run, step.stage)
		if err := step.fn(ctx, run); err != nil {
			var stageErr *domain.StageError
			if errors.As(err, &stageErr) {
				return err
			}
			return &domain.StageError{Stage: step.stage, Err: err}
		}
		if run.report.NoOp {
			break
		}
	}
	return nil
}

func (e *IngestionEngine) scan(ctx context.Context, run *ingestRun) error {
	paths, err := e.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan data folder: %w", err)
	}
	run.newPaths = paths
	run.report.Candidates = len(paths)
	return nil
}

func (e *IngestionEngine) filter(ctx context.Context, run *ingestRun) error {
	manifest, err := e.manifests.Load(ctx)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	run.manifest = manifest

	candidates := run.newPaths
	run.newPaths = make([]string, 0, len(candidates))
	for _, path := range candidates {
		if !manifest.Contains(filepath.Base(path)) {
			run.newPaths = append(run.newPaths, path)
		}
	}
	run.report.NewFiles = baseNames(run.newPaths)

	if len(run.newPaths) == 0 {
		run.report.NoOp = true
		slog.Info("ingest_no_new_files", "run_id", run.report.RunID, "candidates", run.report.Candidates, "indexed", manifest.Len())
	}
	return nil
}

func (e *IngestionEngine) load(ctx context.Context, run *ingestRun) error {
	docs, failures, err := e.loader.Load(ctx, run.newPaths)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	if len(failures) > 0 && e.strict {
		first := failures[0]
		return &domain.StageError{Stage: domain.StageLoading, File: filepath.Base(first.Path), Err: first.Err}
	}
	for _, f := range failures {
		slog.Warn("ingest_file_skipped", "run_id", run.report.RunID, "file", filepath.Base(f.Path), "error", f.Err)
		run.report.SkippedFiles = append(run.report.SkippedFiles, filepath.Base(f.Path))
	}
	run.docs = docs
	return nil
}

func (e *IngestionEngine) chunk(_ context.Context, run *ingestRun) error {
	chunks, err := e.chunker.Split(run.docs)
	if err != nil {
		return fmt.Errorf("chunk documents: %w", err)
	}
	run.chunks = chunks
	return nil
}

func (e *IngestionEngine) embed(ctx context.Context, run *ingestRun) error {
	if len(run.chunks) == 0 {
		return nil
	}
	texts := make([]string, len(run.chunks))
	for i, c := range run.chunks {
		texts[i] = c.Text
	}
	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(run.chunks) {
		return domain.WrapError(domain.ErrEmbedding, "embed chunks", fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(run.chunks)))
	}
	run.vectors = vectors
	return nil
}

func (e *IngestionEngine) merge(ctx context.Context, run *ingestRun) error {
	index, err := e.repo.Load(ctx)
	switch {
	case err == nil:
		run.existed = true
	case domain.IsKind(err, domain.ErrNotFound):
		index = e.newIndex()
	default:
		return fmt.Errorf("load vector store: %w", err)
	}
	run.index = index

	keptChunks := make([]domain.Chunk, 0, len(run.chunks))
	keptVectors := make([][]float32, 0, len(run.vectors))
	for i, c := range run.chunks {
		if index.Contains(c.Fingerprint()) {
			run.report.ChunksSkipped++
			continue
		}
		keptChunks = append(keptChunks, c)
		keptVectors = append(keptVectors, run.vectors[i])
	}
	if run.report.ChunksSkipped > 0 {
		slog.Info("ingest_duplicate_chunks_skipped", "run_id", run.report.RunID, "count", run.report.ChunksSkipped)
	}

	if err := index.Add(keptChunks, keptVectors); err != nil {
		return fmt.Errorf("merge into vector store: %w", err)
	}
	run.report.ChunksAdded = len(keptChunks)
	return nil
}

func (e *IngestionEngine) persist(ctx context.Context, run *ingestRun) error {
	if len(run.docs) == 0 && run.report.ChunksAdded == 0 {
		// Every new file failed to load; store and manifest stay as they are.
		run.report.IndexedFiles = []string{}
		run.report.StoreSize = run.index.Len()
		slog.Info("ingest_nothing_to_commit", "run_id", run.report.RunID, "skipped_files", len(run.report.SkippedFiles))
		return nil
	}

	if run.report.ChunksAdded > 0 || !run.existed {
		if err := e.repo.Save(ctx, run.index); err != nil {
			return fmt.Errorf("save vector store: %w", err)
		}
	}

	indexed := make([]string, 0, len(run.docs))
	for _, d := range run.docs {
		indexed = append(indexed, d.ID)
	}
	sort.Strings(indexed)
	if err := e.manifests.Save(ctx, run.manifest.With(indexed...)); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	run.report.IndexedFiles = indexed
	run.report.StoreSize = run.index.Len()
	run.report.Committed = true
	for _, fn := range e.onCommit {
		fn()
	}
	return nil
}

func (e *IngestionEngine) enterStage(ctx context.Context, run *ingestRun, stage domain.IngestStage) {
	run.report.Stage = stage
	slog.Info("ingest_stage", "run_id", run.report.RunID, "stage", stage)
	if e.journal != nil {
		if err := e.journal.RecordStage(ctx, run.report.RunID, stage); err != nil {
			slog.Warn("ingest_journal_failed", "run_id", run.report.RunID, "op", "stage", "error", err)
		}
	}
}

func (e *IngestionEngine) finish(ctx context.Context, run *ingestRun, started time.Time, err error) {
	report := run.report
	report.Duration = e.now().UTC().Sub(started)

	if err != nil {
		if stage, ok := domain.FailedStage(err); ok {
			slog.Error("ingest_failed", "run_id", report.RunID, "stage", stage, "error", err)
		}
		report.Stage = domain.StageFailed
		report.Error = err.Error()
	} else {
		report.Stage = domain.StageDone
		slog.Info("ingest_done",
			"run_id", report.RunID,
			"new_files", len(report.NewFiles),
			"indexed_files", len(report.IndexedFiles),
			"skipped_files", len(report.SkippedFiles),
			"chunks_added", report.ChunksAdded,
			"store_size", report.StoreSize,
			"duration_ms", report.Duration.Milliseconds(),
		)
	}

	// Bookkeeping must not be cut short by a cancelled run context.
	bg := context.WithoutCancel(ctx)
	if e.journal != nil {
		if jErr := e.journal.FinishRun(bg, *report); jErr != nil {
			slog.Warn("ingest_journal_failed", "run_id", report.RunID, "op", "finish", "error", jErr)
		}
	}
	if e.observer != nil {
		e.observer.FinishRun(*report, err)
	}
	if err == nil && report.Committed && e.events != nil {
		if pErr := e.events.PublishIndexUpdated(bg, *report); pErr != nil {
			slog.Warn("ingest_event_publish_failed", "run_id", report.RunID, "error", pErr)
		}
	}
}

func baseNames(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, filepath.Base(p))
	}
	return out
}
