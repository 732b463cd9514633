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

	httpadapter "github.com/kirillkom/docqa-indexer/internal/adapters/http"
	"github.com/kirillkom/docqa-indexer/internal/bootstrap"
	"github.com/kirillkom/docqa-indexer/internal/config"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docqa-indexer/internal/observability/logging"
	"github.com/kirillkom/docqa-indexer/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	slog.SetDefault(logging.NewJSONLogger("docqa-api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "docqa-api")
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	opts := httpadapter.Options{
		DefaultTemperature: cfg.DefaultTemperature,
		MaxUploadBytes:     int64(cfg.HTTPMaxUploadMB) << 20,
		RateLimitRPS:       cfg.APIRateLimitRPS,
		RateLimitBurst:     cfg.APIRateLimitBurst,
		MaxInFlight:        cfg.APIMaxInFlight,
		Metrics:            metrics.NewHTTPServerMetrics("docqa-api", app.Registry),
	}
	if app.Queue != nil {
		opts.Queue = app.Queue
		go func() {
			err := app.Queue.SubscribeIndexUpdated(ctx, func(_ context.Context, event nats.IndexUpdatedEvent) {
				slog.Info("index_updated_received", "run_id", event.RunID, "store_size", event.StoreSize)
				app.Retriever.Invalidate()
			})
			if err != nil {
				slog.Error("index_updated_subscribe_failed", "error", err)
			}
		}()
	}
	if app.Journal != nil {
		opts.Runs = app.Journal
	}
	router := httpadapter.NewRouter(app.Engine, app.Retriever, app.Answers, app.Status, app.Loader, opts).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
