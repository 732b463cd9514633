package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirillkom/docqa-indexer/internal/adapters/cli"
	"github.com/kirillkom/docqa-indexer/internal/adapters/mcp"
	"github.com/kirillkom/docqa-indexer/internal/bootstrap"
	"github.com/kirillkom/docqa-indexer/internal/config"
	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/watcher"
	"github.com/kirillkom/docqa-indexer/internal/observability/logging"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cmd, closeServices := cli.NewRootCommand(newServices)
	err := cmd.ExecuteContext(ctx)
	closeServices()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if stage, ok := domain.FailedStage(err); ok {
			fmt.Fprintf(os.Stderr, "failed stage: %s\n", stage)
		}
		os.Exit(1)
	}
}

func newServices(ctx context.Context) (*cli.Services, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	// stdout carries command output and MCP frames.
	logger := logging.NewJSONLoggerTo(os.Stderr, "docqa-cli", cfg.LogLevel)
	slog.SetDefault(logger)

	app, err := bootstrap.New(ctx, cfg, "docqa-cli")
	if err != nil {
		return nil, nil, err
	}

	services := &cli.Services{
		Ingestor:           app.Engine,
		Retriever:          app.Retriever,
		Answerer:           app.Answers,
		Inspector:          app.Status,
		LoadFiles:          app.LoadFiles,
		DefaultK:           cfg.RAGTopK,
		DefaultTemperature: cfg.DefaultTemperature,
		Watch: func(ctx context.Context, onRun func(*domain.IngestionReport, error)) error {
			w := watcher.New(cfg.DataFolder, app.Folder.Matches, app.Engine, cfg.WatchDebounce(), watcher.WithRunCallback(onRun))
			return w.Run(ctx)
		},
		ServeMCP: func(ctx context.Context, port int) error {
			server, err := mcp.NewServer(&mcp.Ports{
				Retriever: app.Retriever,
				Answerer:  app.Answers,
				Ingestor:  app.Engine,
				Inspector: app.Status,
			}, cfg.RAGTopK, cfg.DefaultTemperature)
			if err != nil {
				return err
			}
			if port > 0 {
				return server.RunHTTP(ctx, fmt.Sprintf(":%d", port))
			}
			return server.Run(ctx, os.Stdin, os.Stdout)
		},
	}
	return services, app.Close, nil
}
