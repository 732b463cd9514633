package usecase

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/chunking"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/manifest"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/vector/flat"
)

type scannerFake struct {
	paths []string
	err   error
}

func (f *scannerFake) Scan(context.Context) ([]string, error) {
	return f.paths, f.err
}

type loaderFake struct {
	texts  map[string]string
	broken map[string]bool
	loaded []string
}

func (f *loaderFake) Load(_ context.Context, paths []string) ([]domain.Document, []domain.LoadFailure, error) {
	var docs []domain.Document
	var failures []domain.LoadFailure
	for _, p := range paths {
		name := filepath.Base(p)
		f.loaded = append(f.loaded, name)
		if f.broken[name] {
			failures = append(failures, domain.LoadFailure{Path: p, Err: domain.WrapError(domain.ErrLoad, "load "+name, errors.New("bad xref table"))})
			continue
		}
		docs = append(docs, domain.Document{ID: name, SourcePath: p, Pages: []domain.Page{{Number: 1, Text: f.texts[name]}}})
	}
	return docs, failures, nil
}

type embedderFake struct {
	err   error
	calls int
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = fakeVector(t)
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeVector(text), nil
}

// fakeVector maps text to letter frequencies of a, e, o and the length.
func fakeVector(text string) []float32 {
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "a")),
		float32(strings.Count(lower, "e")),
		float32(strings.Count(lower, "o")),
		float32(len(lower)) / 10,
	}
}

type manifestFailOnce struct {
	*manifest.Store
	failed bool
}

func (m *manifestFailOnce) Save(ctx context.Context, man domain.Manifest) error {
	if !m.failed {
		m.failed = true
		return errors.New("disk full")
	}
	return m.Store.Save(ctx, man)
}

type observerFake struct {
	started  int
	finished []domain.IngestionReport
	errs     []error
}

func (o *observerFake) StartRun() { o.started++ }
func (o *observerFake) FinishRun(r domain.IngestionReport, err error) {
	o.finished = append(o.finished, r)
	o.errs = append(o.errs, err)
}

type journalFake struct {
	stages   []domain.IngestStage
	finished *domain.IngestionReport
}

func (j *journalFake) StartRun(context.Context, domain.IngestionReport) error { return nil }
func (j *journalFake) RecordStage(_ context.Context, _ string, stage domain.IngestStage) error {
	j.stages = append(j.stages, stage)
	return nil
}
func (j *journalFake) FinishRun(_ context.Context, r domain.IngestionReport) error {
	j.finished = &r
	return errors.New("journal offline")
}

type eventsFake struct {
	published []domain.IngestionReport
}

func (e *eventsFake) PublishIndexUpdated(_ context.Context, r domain.IngestionReport) error {
	e.published = append(e.published, r)
	return nil
}

type ingestEnv struct {
	dir       string
	storage   *localfs.Storage
	scanner   *scannerFake
	loader    *loaderFake
	embedder  *embedderFake
	manifests *manifest.Store
	repo      *flat.Repository
}

func newIngestEnv(t *testing.T, texts map[string]string) *ingestEnv {
	t.Helper()
	dir := t.TempDir()
	storage, err := localfs.New(filepath.Join(dir, "vectorstore"))
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	env := &ingestEnv{
		dir:       dir,
		storage:   storage,
		scanner:   &scannerFake{},
		loader:    &loaderFake{texts: texts, broken: map[string]bool{}},
		embedder:  &embedderFake{},
		manifests: manifest.NewStore(storage),
		repo:      flat.NewRepository(storage, domain.MetricL2),
	}
	env.setFiles(keys(texts)...)
	return env
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (env *ingestEnv) setFiles(names ...string) {
	env.scanner.paths = nil
	for _, n := range names {
		env.scanner.paths = append(env.scanner.paths, filepath.Join(env.dir, "data", n))
	}
}

func (env *ingestEnv) engine(t *testing.T, opts ...IngestOption) *IngestionEngine {
	t.Helper()
	splitter, err := chunking.NewSplitter(40, 10)
	if err != nil {
		t.Fatalf("NewSplitter() error = %v", err)
	}
	return NewIngestionEngine(env.scanner, env.manifests, env.loader, splitter, env.embedder, env.repo, flat.Factory(domain.MetricL2), opts...)
}

// artifacts snapshots every file of the store dir.
func (env *ingestEnv) artifacts(t *testing.T) map[string][]byte {
	t.Helper()
	entries, err := os.ReadDir(env.storage.BasePath())
	if err != nil {
		t.Fatalf("read store dir: %v", err)
	}
	out := map[string][]byte{}
	for _, e := range entries {
		raw, err := os.ReadFile(env.storage.Path(e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		out[e.Name()] = raw
	}
	return out
}

func sameArtifacts(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !bytes.Equal(a[k], b[k]) {
			return false
		}
	}
	return true
}

const (
	textA = "Apples are red. Oranges are orange.\n\nBananas are yellow and sweet."
	textB = "Hello world from the second document.\n\nIt has two paragraphs here."
)

func TestRunIndexesOnlyNewFiles(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA, "b.pdf": textB})
	env.setFiles("a.pdf")

	first, err := env.engine(t).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.ChunksAdded == 0 || first.Stage != domain.StageDone {
		t.Fatalf("unexpected first report: %+v", first)
	}

	env.setFiles("a.pdf", "b.pdf")
	env.loader.loaded = nil
	report, err := env.engine(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.Join(env.loader.loaded, ",") != "b.pdf" {
		t.Fatalf("expected only b.pdf loaded, got %v", env.loader.loaded)
	}
	if strings.Join(report.IndexedFiles, ",") != "b.pdf" || report.Candidates != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	man, err := env.manifests.Load(context.Background())
	if err != nil {
		t.Fatalf("manifest Load() error = %v", err)
	}
	if strings.Join(man.Names(), ",") != "a.pdf,b.pdf" {
		t.Fatalf("manifest = %v", man.Names())
	}
	index, err := env.repo.Load(context.Background())
	if err != nil {
		t.Fatalf("repo Load() error = %v", err)
	}
	if index.Len() != first.ChunksAdded+report.ChunksAdded || report.StoreSize != index.Len() {
		t.Fatalf("store size %d, report %+v", index.Len(), report)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA, "b.pdf": textB})
	if _, err := env.engine(t).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := env.artifacts(t)
	calls := env.embedder.calls
	env.loader.loaded = nil

	report, err := env.engine(t).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if !report.NoOp || report.ChunksAdded != 0 || len(report.NewFiles) != 0 {
		t.Fatalf("expected no-op report, got %+v", report)
	}
	if len(env.loader.loaded) != 0 || env.embedder.calls != calls {
		t.Fatalf("no-op run must not load or embed")
	}
	if !sameArtifacts(before, env.artifacts(t)) {
		t.Fatalf("no-op run changed artifacts")
	}
}

func TestRunRecoversFromCrashBeforeManifestSave(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA})
	failing := &manifestFailOnce{Store: env.manifests}
	splitter, _ := chunking.NewSplitter(40, 10)
	engine := NewIngestionEngine(env.scanner, failing, env.loader, splitter, env.embedder, env.repo, flat.Factory(domain.MetricL2))

	first, err := engine.Run(context.Background())
	if stage, ok := domain.FailedStage(err); !ok || stage != domain.StagePersisting {
		t.Fatalf("expected persisting failure, got %v", err)
	}
	if first.Stage != domain.StageFailed {
		t.Fatalf("report stage = %s", first.Stage)
	}
	man, _ := env.manifests.Load(context.Background())
	if man.Len() != 0 {
		t.Fatalf("manifest must not be written, got %v", man.Names())
	}

	second, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("recovery Run() error = %v", err)
	}
	if second.ChunksAdded != 0 || second.ChunksSkipped != first.ChunksAdded {
		t.Fatalf("expected all chunks deduplicated, got %+v (first added %d)", second, first.ChunksAdded)
	}
	index, err := env.repo.Load(context.Background())
	if err != nil {
		t.Fatalf("repo Load() error = %v", err)
	}
	if index.Len() != first.ChunksAdded {
		t.Fatalf("store has %d chunks, want %d", index.Len(), first.ChunksAdded)
	}
	man, _ = env.manifests.Load(context.Background())
	if !man.Contains("a.pdf") {
		t.Fatalf("manifest missing a.pdf after recovery")
	}
}

func TestRunSkipsUnloadableFiles(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA, "bad.pdf": ""})
	env.loader.broken["bad.pdf"] = true

	report, err := env.engine(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.Join(report.SkippedFiles, ",") != "bad.pdf" || strings.Join(report.IndexedFiles, ",") != "a.pdf" {
		t.Fatalf("unexpected report: %+v", report)
	}
	man, _ := env.manifests.Load(context.Background())
	if man.Contains("bad.pdf") {
		t.Fatalf("skipped file must not enter manifest")
	}
}

func TestRunWithOnlyUnloadableFilesCommitsNothing(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA, "bad.pdf": ""})
	env.setFiles("a.pdf")
	if _, err := env.engine(t).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := env.artifacts(t)

	env.setFiles("a.pdf", "bad.pdf")
	env.loader.broken["bad.pdf"] = true
	events := &eventsFake{}
	commits := 0
	engine := env.engine(t, WithEventPublisher(events), WithCommitHook(func() { commits++ }))
	for i := 0; i < 2; i++ {
		report, err := engine.Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if report.Committed || report.NoOp || strings.Join(report.SkippedFiles, ",") != "bad.pdf" || report.StoreSize == 0 {
			t.Fatalf("unexpected report: %+v", report)
		}
	}
	if len(events.published) != 0 || commits != 0 {
		t.Fatalf("nothing changed, got %d events and %d commits", len(events.published), commits)
	}
	if !sameArtifacts(before, env.artifacts(t)) {
		t.Fatalf("run without loadable files changed artifacts")
	}
}

func TestRunRestartsAfterInterruptedStoreSave(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA, "b.pdf": textB})
	env.setFiles("a.pdf")
	first, err := env.engine(t).Run(context.Background())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// A save that wrote its artifacts but died before switching the committed generation.
	orphan := flat.IndexFile("interrupted")
	if err := os.WriteFile(env.storage.Path(orphan), []byte("partial"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	env.setFiles("a.pdf", "b.pdf")
	second, err := env.engine(t).Run(context.Background())
	if err != nil {
		t.Fatalf("restart Run() error = %v", err)
	}
	if strings.Join(second.IndexedFiles, ",") != "b.pdf" || second.StoreSize != first.ChunksAdded+second.ChunksAdded {
		t.Fatalf("unexpected report: %+v", second)
	}
	if ok, _ := env.storage.Exists(orphan); ok {
		t.Fatalf("orphaned artifact should be pruned by the next save")
	}
}

func TestRunStrictAbortsOnLoadError(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA, "bad.pdf": ""})
	env.loader.broken["bad.pdf"] = true

	_, err := env.engine(t, WithStrictLoading(true)).Run(context.Background())
	var stageErr *domain.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != domain.StageLoading || stageErr.File != "bad.pdf" {
		t.Fatalf("expected loading StageError for bad.pdf, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrLoad) {
		t.Fatalf("expected ErrLoad in chain, got %v", err)
	}
	if ok, _ := env.repo.Exists(); ok {
		t.Fatalf("strict failure must not create a store")
	}
}

func TestRunFailureLeavesArtifactsUntouched(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA, "b.pdf": textB})
	env.setFiles("a.pdf")
	if _, err := env.engine(t).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := env.artifacts(t)

	env.setFiles("a.pdf", "b.pdf")
	env.embedder.err = domain.WrapError(domain.ErrEmbedding, "embed", errors.New("connection refused"))
	report, err := env.engine(t).Run(context.Background())
	if stage, ok := domain.FailedStage(err); !ok || stage != domain.StageEmbedding {
		t.Fatalf("expected embedding failure, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrEmbedding) || report.Error == "" {
		t.Fatalf("unexpected error/report: %v %+v", err, report)
	}
	if !sameArtifacts(before, env.artifacts(t)) {
		t.Fatalf("failed run changed artifacts")
	}
}

func TestRunWhitespaceDocumentCreatesEmptyStore(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"blank.pdf": "  \n\n \t"})

	report, err := env.engine(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.ChunksAdded != 0 || env.embedder.calls != 0 {
		t.Fatalf("expected no chunks and no embedding calls, got %+v", report)
	}
	if ok, _ := env.repo.Exists(); !ok {
		t.Fatalf("expected an empty store to be saved")
	}
	man, _ := env.manifests.Load(context.Background())
	if !man.Contains("blank.pdf") {
		t.Fatalf("whitespace-only document should be recorded as indexed")
	}
}

func TestRunRejectsDimensionChange(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA, "b.pdf": textB})
	env.setFiles("a.pdf")
	if _, err := env.engine(t).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := env.artifacts(t)

	env.setFiles("a.pdf", "b.pdf")
	splitter, _ := chunking.NewSplitter(40, 10)
	engine := NewIngestionEngine(env.scanner, env.manifests, env.loader, splitter, wideEmbedder{}, env.repo, flat.Factory(domain.MetricL2))
	_, err := engine.Run(context.Background())
	if stage, ok := domain.FailedStage(err); !ok || stage != domain.StageMerging || !domain.IsKind(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected merging dimension mismatch, got %v", err)
	}
	if !sameArtifacts(before, env.artifacts(t)) {
		t.Fatalf("failed run changed artifacts")
	}
}

type wideEmbedder struct{}

func (wideEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, 8)
	}
	return out, nil
}

func (wideEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return make([]float32, 8), nil
}

func TestRunRespectsLock(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA})
	lock := env.storage.Lock("", 0)
	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	_, err = env.engine(t, WithIngestLock(lock)).Run(context.Background())
	if !domain.IsKind(err, domain.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if len(env.loader.loaded) != 0 {
		t.Fatalf("locked run must not load documents")
	}
}

func TestRunNotifiesCollaborators(t *testing.T) {
	env := newIngestEnv(t, map[string]string{"a.pdf": textA})
	observer := &observerFake{}
	journal := &journalFake{}
	events := &eventsFake{}
	commits := 0

	engine := env.engine(t,
		WithIngestObserver(observer),
		WithRunJournal(journal),
		WithEventPublisher(events),
		WithCommitHook(func() { commits++ }),
	)
	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []domain.IngestStage{
		domain.StageScanning, domain.StageFiltering, domain.StageLoading, domain.StageChunking,
		domain.StageEmbedding, domain.StageMerging, domain.StagePersisting,
	}
	if len(journal.stages) != len(want) {
		t.Fatalf("stages = %v, want %v", journal.stages, want)
	}
	for i := range want {
		if journal.stages[i] != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, journal.stages[i], want[i])
		}
	}
	if journal.finished == nil || journal.finished.Stage != domain.StageDone {
		t.Fatalf("journal not finished: %+v", journal.finished)
	}
	if observer.started != 1 || len(observer.finished) != 1 || observer.errs[0] != nil {
		t.Fatalf("unexpected observer calls: %+v", observer)
	}
	if len(events.published) != 1 || events.published[0].RunID != report.RunID {
		t.Fatalf("expected one index-updated event, got %+v", events.published)
	}
	if commits != 1 {
		t.Fatalf("commit hook called %d times", commits)
	}

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(events.published) != 1 || commits != 1 {
		t.Fatalf("no-op run must not publish or commit")
	}
}

func TestRunScanError(t *testing.T) {
	env := newIngestEnv(t, nil)
	env.scanner.err = domain.WrapError(domain.ErrConfig, "scan data folder", errors.New("folder data does not exist"))

	report, err := env.engine(t).Run(context.Background())
	if stage, ok := domain.FailedStage(err); !ok || stage != domain.StageScanning {
		t.Fatalf("expected scanning failure, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrConfig) || report.Stage != domain.StageFailed {
		t.Fatalf("unexpected result: %v %+v", err, report)
	}
}
