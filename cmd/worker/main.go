package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kirillkom/docqa-indexer/internal/bootstrap"
	"github.com/kirillkom/docqa-indexer/internal/config"
	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docqa-indexer/internal/observability/logging"
)

const runTimeout = 30 * time.Minute

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	slog.SetDefault(logging.NewJSONLogger("docqa-worker", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "docqa-worker")
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()
	if app.Queue == nil {
		log.Fatalf("worker requires NATS_URL")
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           app.IngestMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Catch up on files that arrived while no worker was running.
	runOnce(ctx, app, "startup")

	slog.Info("worker_subscribed", "subject", cfg.NATSIngestSubject)
	err = app.Queue.SubscribeIngestRequests(ctx, func(handlerCtx context.Context, req nats.IngestRequest) error {
		if !req.RequestedAt.IsZero() {
			app.IngestMetrics.ObserveRequestLag(time.Since(req.RequestedAt))
		}
		slog.Info("ingest_request_received", "request_id", req.RequestID, "reason", req.Reason)
		runOnce(handlerCtx, app, req.RequestID)
		return nil
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}

// runOnce performs one pass. A held lock means another run is already catching up.
func runOnce(ctx context.Context, app *bootstrap.App, trigger string) {
	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	report, err := app.Engine.Run(runCtx)
	switch {
	case err == nil:
		slog.Info("worker_ingest_done", "trigger", trigger, "run_id", report.RunID, "no_op", report.NoOp)
	case domain.IsKind(err, domain.ErrLocked):
		slog.Info("worker_ingest_skipped_locked", "trigger", trigger)
	default:
		slog.Error("worker_ingest_failed", "trigger", trigger, "error", err)
	}
}
