package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/docqa-indexer/internal/config"
	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/core/ports"
	"github.com/kirillkom/docqa-indexer/internal/core/usecase"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/chunking"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/embedding"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/embedding/hashing"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/extractor"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/llm/openai"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/manifest"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/resilience"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/vector/flat"
	"github.com/kirillkom/docqa-indexer/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Folder    *localfs.Folder
	Loader    *extractor.Loader
	Engine    *usecase.IngestionEngine
	Retriever *usecase.PersistentRetriever
	Answers   *usecase.AnswerService
	Status    *usecase.IndexStatusService

	// Queue and Journal are nil when NATS_URL or POSTGRES_DSN is empty.
	Queue   *nats.Queue
	Journal *postgres.RunJournal

	Registry      *prometheus.Registry
	IngestMetrics *metrics.IngestMetrics
	Resilience    *resilience.Executor

	closeFns []func()
}

// New wires the application for one entry point; service labels logs and metrics.
func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	storage, err := localfs.New(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("init store storage: %w", err)
	}
	folder, err := localfs.NewFolder(cfg.DataFolder, cfg.FilePatterns)
	if err != nil {
		return nil, fmt.Errorf("init data folder: %w", err)
	}

	var splitOpts []chunking.Option
	if cfg.ChunkSeparator != "" {
		splitOpts = append(splitOpts, chunking.WithSeparator(cfg.ChunkSeparator))
	}
	splitter, err := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, splitOpts...)
	if err != nil {
		return nil, err
	}

	app.Resilience = resilience.NewExecutor(cfg.Resilience())
	backend, completion, err := newProviders(cfg, app.Resilience)
	if err != nil {
		return nil, err
	}
	embedder := embedding.NewBatcher(backend, cfg.EmbedBatchSize, embedding.WithRateLimit(cfg.EmbedRatePerSec))

	metric := cfg.Metric()
	repo := flat.NewRepository(storage, metric)
	newIndex := flat.Factory(metric)
	manifests := manifest.NewStore(storage)

	app.Registry = prometheus.NewRegistry()
	app.IngestMetrics = metrics.NewIngestMetrics(service, app.Registry)

	app.Folder = folder
	app.Loader = extractor.NewLoader(nil)
	app.Retriever = usecase.NewPersistentRetriever(repo, embedder)

	engineOpts := []usecase.IngestOption{
		usecase.WithStrictLoading(cfg.IngestStrict),
		usecase.WithIngestLock(storage.Lock(localfs.DefaultLockName, cfg.LockStaleAfter())),
		usecase.WithIngestObserver(app.IngestMetrics),
		usecase.WithCommitHook(app.Retriever.Invalidate),
	}

	if cfg.PostgresDSN != "" {
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		app.closeFns = append(app.closeFns, func() { _ = db.Close() })
		app.Journal = postgres.NewRunJournal(db)
		if err := app.Journal.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		engineOpts = append(engineOpts, usecase.WithRunJournal(app.Journal))
	}

	if cfg.NATSURL != "" {
		queue, err := nats.New(cfg.NATSURL, nats.Options{
			IngestSubject:      cfg.NATSIngestSubject,
			EventsSubject:      cfg.NATSEventsSubject,
			ResilienceExecutor: app.Resilience,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.closeFns = append(app.closeFns, queue.Close)
		app.Queue = queue
		engineOpts = append(engineOpts, usecase.WithEventPublisher(queue))
	}

	app.Engine = usecase.NewIngestionEngine(folder, manifests, app.Loader, splitter, embedder, repo, newIndex, engineOpts...)

	var answerOpts []usecase.AnswerOption
	if cfg.AutoIngest {
		answerOpts = append(answerOpts, usecase.WithAutoIngest(app.Engine))
	}
	app.Answers = usecase.NewAnswerService(app.Retriever, completion, splitter, embedder, newIndex,
		usecase.AnswerDefaults{Model: cfg.DefaultModel, TopK: cfg.RAGTopK}, answerOpts...)
	app.Status = usecase.NewIndexStatusService(manifests, repo)

	slog.Info("bootstrap_ready",
		"data_folder", cfg.DataFolder,
		"store_path", cfg.StorePath,
		"embed_provider", cfg.EmbedProvider,
		"completion_provider", cfg.CompletionProvider,
		"metric", metric,
		"journal", app.Journal != nil,
		"queue", app.Queue != nil,
	)
	ok = true
	return app, nil
}

func newProviders(cfg config.Config, exec *resilience.Executor) (embedding.Backend, ports.CompletionService, error) {
	var (
		ollamaClient *ollama.Client
		openaiClient *openai.Client
	)
	if cfg.EmbedProvider == config.ProviderOllama || cfg.CompletionProvider == config.ProviderOllama {
		ollamaClient = ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, exec)
	}
	if cfg.EmbedProvider == config.ProviderOpenAI || cfg.CompletionProvider == config.ProviderOpenAI {
		client, err := openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.DefaultModel, cfg.OpenAIEmbedModel, exec)
		if err != nil {
			return nil, nil, err
		}
		openaiClient = client
	}

	var backend embedding.Backend
	switch cfg.EmbedProvider {
	case config.ProviderHashing:
		backend = hashing.New(cfg.HashingDim)
	case config.ProviderOpenAI:
		backend = openai.NewEmbedder(openaiClient)
	default:
		backend = ollama.NewEmbedder(ollamaClient)
	}

	var completion ports.CompletionService
	switch cfg.CompletionProvider {
	case config.ProviderOpenAI:
		completion = openai.NewCompleter(openaiClient)
	default:
		completion = ollama.NewCompleter(ollamaClient)
	}
	return backend, completion, nil
}

func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}

// LoadFiles reads the given files for ephemeral answering. Any unsupported or unreadable file
// fails the whole call.
func (a *App) LoadFiles(ctx context.Context, paths []string) ([]domain.Document, error) {
	docs := make([]domain.Document, 0, len(paths))
	for _, path := range paths {
		if !a.Loader.Supports(path) {
			return nil, domain.WrapError(domain.ErrInvalidInput, "load files", fmt.Errorf("unsupported file type: %s", path))
		}
		doc, err := a.Loader.LoadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
